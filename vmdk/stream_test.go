package vmdk

import (
	"encoding/binary"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/dnr/vdisk/common"
	"github.com/dnr/vdisk/storage"
)

func newStream(t *testing.T, mb storage.Backend, path string, capacity uint64) *Image {
	t.Helper()
	img, err := Create(mb, path, CreateOptions{Type: StreamOptimized, Capacity: capacity, GrainSectors: 8, GTEntries: 128})
	require.NoError(t, err)
	return img
}

// grainByte is a nonzero fill byte per grain; all-zero grains are not stored.
func grainByte(g uint64) byte {
	return byte(g%255 + 1)
}

func writeGrains(t *testing.T, img *Image, grains ...uint64) {
	t.Helper()
	for _, g := range grains {
		_, err := img.Write(g*8, fill(8, grainByte(g)))
		require.NoError(t, err)
	}
}

func TestStream_Sequential(t *testing.T) {
	r := require.New(t)
	mb := storage.NewMemBackend()
	img := newStream(t, mb, "/st.vmdk", 64)
	writeGrains(t, img, 0, 1, 2)
	// the last grain stays buffered until the stream moves on or closes
	r.EqualValues(2, img.Stats().StreamGrains)
	r.NoError(img.Close())
	r.EqualValues(3, img.Stats().StreamGrains)

	img, err := Open(mb, "/st.vmdk", OpenSequential)
	r.NoError(err)
	r.True(img.ReadOnly())
	r.Equal(fill(8, 2), readSectors(t, img, 8, 8))
	// same grain again is fine
	r.Equal(fill(4, 2), readSectors(t, img, 12, 4))
	_, err = img.Read(0, zeros(8))
	r.True(errors.Is(err, ErrInvalidState), "%v", err)
	// holes past the last grain
	r.Equal(zeros(8), readSectors(t, img, 40, 8))
	r.Equal(zeros(8), readSectors(t, img, 56, 8))

	alloc, _, err := img.Allocated(0)
	r.NoError(err)
	r.True(alloc)
	r.NoError(img.Close())
}

func TestStream_SequentialHoles(t *testing.T) {
	r := require.New(t)
	mb := storage.NewMemBackend()
	img := newStream(t, mb, "/st.vmdk", 64)
	writeGrains(t, img, 1, 4)
	r.NoError(img.Close())

	img, err := Open(mb, "/st.vmdk", OpenSequential)
	r.NoError(err)
	for g := uint64(0); g < 8; g++ {
		want := zeros(8)
		if g == 1 || g == 4 {
			want = fill(8, grainByte(g))
		}
		r.Equal(want, readSectors(t, img, g*8, 8), "grain %d", g)
	}
	r.EqualValues(2, img.Stats().StreamReads)
	r.NoError(img.Close())
}

func TestStream_Random(t *testing.T) {
	r := require.New(t)
	mb := storage.NewMemBackend()
	img := newStream(t, mb, "/st.vmdk", 4096)
	// grains in three different tables
	writeGrains(t, img, 2, 5, 130, 400, 511)
	r.NoError(img.Close())

	raw, ok := mb.Bytes("/st.vmdk")
	r.True(ok)
	h, err := unpackHeader(raw[:headerSize])
	r.NoError(err)
	r.Equal(uint64(gdAtEnd), h.GdOffset)
	r.EqualValues(0, h.UncleanShutdown)
	fh, err := unpackHeader(raw[len(raw)-2*sectorSize : len(raw)-sectorSize])
	r.NoError(err)
	r.NotEqual(uint64(gdAtEnd), fh.GdOffset)
	r.NoError(fh.validate(true))

	img, err = Open(mb, "/st.vmdk", OpenReadOnly)
	r.NoError(err)
	r.Equal(string(StreamOptimized), img.CreateType())
	info := img.Extents()[0]
	r.True(info.Compressed)
	r.EqualValues(4, info.GDEntries)
	for _, g := range []uint64{511, 2, 400, 3, 130, 5, 0} {
		want := zeros(8)
		switch g {
		case 2, 5, 130, 400, 511:
			want = fill(8, grainByte(g))
		}
		r.Equal(want, readSectors(t, img, g*8, 8), "grain %d", g)

		alloc, run, err := img.Allocated(g * 8)
		r.NoError(err)
		r.Equal(g != 0 && g != 3, alloc)
		r.EqualValues(8, run)
	}
	r.NoError(img.Close())
}

func TestStream_PartialGrains(t *testing.T) {
	r := require.New(t)
	mb := storage.NewMemBackend()
	img := newStream(t, mb, "/st.vmdk", 64)

	_, err := img.Write(2, fill(2, 0x10))
	r.NoError(err)
	_, err = img.Write(6, fill(2, 0x20))
	r.NoError(err)
	// crosses into the next grain
	_, err = img.WriteAt(fill(4, 0x30), common.SectorsToBytes(14))
	r.NoError(err)
	// an all-zero grain is left out
	_, err = img.Write(24, zeros(8))
	r.NoError(err)
	_, err = img.Write(40, fill(1, 0x40))
	r.NoError(err)

	// reads of an unsealed stream are refused
	_, err = img.Read(0, zeros(1))
	r.True(errors.Is(err, ErrInvalidState))
	r.NoError(img.Close())
	r.EqualValues(4, img.Stats().StreamGrains)

	img, err = Open(mb, "/st.vmdk", OpenReadOnly)
	r.NoError(err)
	want := zeros(64)
	copy(want[2*sectorSize:], fill(2, 0x10))
	copy(want[6*sectorSize:], fill(2, 0x20))
	copy(want[14*sectorSize:], fill(4, 0x30))
	copy(want[40*sectorSize:], fill(1, 0x40))
	r.Equal(want, readSectors(t, img, 0, 64))
	alloc, _, err := img.Allocated(24)
	r.NoError(err)
	r.False(alloc)
	r.NoError(img.Close())
}

func TestStream_Ordering(t *testing.T) {
	r := require.New(t)
	mb := storage.NewMemBackend()
	img := newStream(t, mb, "/st.vmdk", 64)
	writeGrains(t, img, 2)

	_, err := img.Write(8, fill(8, 1))
	r.True(errors.Is(err, ErrInvalidState), "%v", err)
	writeGrains(t, img, 3)
	_, err = img.Write(16, fill(1, 1))
	r.True(errors.Is(err, ErrInvalidState), "%v", err)
	r.NoError(img.Close())

	// sealed streams can't be reopened for writing
	_, err = Open(mb, "/st.vmdk", 0)
	r.True(errors.Is(err, ErrInvalidState), "%v", err)
	img, err = Open(mb, "/st.vmdk", OpenReadOnly)
	r.NoError(err)
	r.True(errors.Is(img.Grow(128), ErrReadOnly))
	r.NoError(img.Close())
}

func TestStream_Empty(t *testing.T) {
	r := require.New(t)
	mb := storage.NewMemBackend()
	r.NoError(newStream(t, mb, "/st.vmdk", 64).Close())

	img, err := Open(mb, "/st.vmdk", OpenReadOnly)
	r.NoError(err)
	r.Equal(zeros(64), readSectors(t, img, 0, 64))
	r.NoError(img.Close())
}

func TestCopy_SparseToStream(t *testing.T) {
	r := require.New(t)
	mb := storage.NewMemBackend()
	src := smallSparse(t, mb, "/src.vmdk", 2048)
	for _, g := range []uint64{200, 3, 4, 255, 130} {
		_, err := src.Write(g*8, fill(8, byte(g)))
		r.NoError(err)
	}
	// allocated but all zero
	_, err := src.Write(80, zeros(8))
	r.NoError(err)

	dst := newStream(t, mb, "/dst.vmdk", 2048)
	r.NoError(Copy(dst, src))
	r.NoError(dst.Close())
	r.EqualValues(5, dst.Stats().StreamGrains)

	dst, err = Open(mb, "/dst.vmdk", OpenReadOnly)
	r.NoError(err)
	r.Equal(readSectors(t, src, 0, 2048), readSectors(t, dst, 0, 2048))
	r.NoError(dst.Close())

	small := newStream(t, mb, "/small.vmdk", 64)
	r.True(errors.Is(Copy(small, src), ErrOutOfRange))
	r.NoError(small.Close())
	r.NoError(src.Close())
}

func TestStream_CreateHeader(t *testing.T) {
	r := require.New(t)
	mb := storage.NewMemBackend()
	img := newStream(t, mb, "/st.vmdk", 4096)

	raw, ok := mb.Bytes("/st.vmdk")
	r.True(ok)
	h, err := unpackHeader(raw[:headerSize])
	r.NoError(err)
	r.NoError(h.validate(false))
	r.EqualValues(versionStreamOptimz, h.Version)
	r.Equal(uint64(gdAtEnd), h.GdOffset)
	r.EqualValues(4096, h.Capacity)
	r.EqualValues(8, h.GrainSize)
	r.GreaterOrEqual(int64(len(raw)), common.SectorsToBytes(h.OverHead))
	r.EqualValues(4, img.Extents()[0].GDEntries)
	r.NoError(img.Close())
}

func TestStream_OversizedFrame(t *testing.T) {
	r := require.New(t)
	mb := storage.NewMemBackend()
	img := newStream(t, mb, "/st.vmdk", 64)
	writeGrains(t, img, 0, 1)
	r.NoError(img.Close())

	raw, ok := mb.Bytes("/st.vmdk")
	r.True(ok)
	h, err := unpackHeader(raw[:headerSize])
	r.NoError(err)
	// the first frame is grain 0; claim 4 GiB of compressed data
	f, err := mb.Open("/st.vmdk", storage.ReadWrite)
	r.NoError(err)
	r.NoError(storage.WriteFull(f, binary.LittleEndian.AppendUint32(nil, 0xfffffff0), common.SectorsToBytes(h.OverHead)+8))
	r.NoError(f.Close())

	for _, flags := range []OpenFlags{OpenReadOnly, OpenSequential} {
		img, err := Open(mb, "/st.vmdk", flags)
		r.NoError(err)
		_, err = img.Read(0, zeros(8))
		r.True(errors.Is(err, ErrFormat), "%v", err)
		r.NoError(img.Close())
	}
}

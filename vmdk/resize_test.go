package vmdk

import (
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/dnr/vdisk/storage"
)

func TestGrow_Relocate(t *testing.T) {
	r := require.New(t)
	mb := storage.NewMemBackend()
	img := smallSparse(t, mb, "/g.vmdk", 1024)
	r.EqualValues(32, img.Extents()[0].Overhead)

	// first grain lands at the old overhead, both inside the new metadata
	_, err := img.Write(0, fill(8, 0x01))
	r.NoError(err)
	_, err = img.Write(40, fill(8, 0x02))
	r.NoError(err)

	r.NoError(img.Grow(20480))
	s := img.Stats()
	r.EqualValues(2, s.GrainsRelocated)
	r.EqualValues(2, s.TablesShifted)
	info := img.Extents()[0]
	r.EqualValues(64, info.Overhead)
	r.EqualValues(20, info.GDEntries)
	r.EqualValues(20480, img.Capacity())
	checkRedundantTables(t, img.extents[0])

	abs, ok, err := img.extents[0].resolveGrain(0)
	r.NoError(err)
	r.True(ok)
	r.GreaterOrEqual(abs, uint64(64))

	// the new range allocates normally
	_, err = img.Write(20000, fill(8, 0x03))
	r.NoError(err)
	r.NoError(img.Close())

	img, err = Open(mb, "/g.vmdk", 0)
	r.NoError(err)
	r.EqualValues(20480, img.Capacity())
	r.Contains(img.Descriptor(), `RW 20480 SPARSE "g.vmdk"`)
	r.Equal(fill(8, 0x01), readSectors(t, img, 0, 8))
	r.Equal(zeros(32), readSectors(t, img, 8, 32))
	r.Equal(fill(8, 0x02), readSectors(t, img, 40, 8))
	r.Equal(fill(8, 0x03), readSectors(t, img, 20000, 8))
	r.Equal(zeros(8), readSectors(t, img, 10000, 8))
	checkRedundantTables(t, img.extents[0])
	r.NoError(img.Close())
}

func TestGrow_SameTables(t *testing.T) {
	r := require.New(t)
	mb := storage.NewMemBackend()
	img := smallSparse(t, mb, "/g.vmdk", 1000)
	_, err := img.Write(992, fill(8, 7))
	r.NoError(err)
	before := img.Stats()

	r.NoError(img.Grow(1000))
	r.NoError(img.Grow(1024))
	d := img.Stats().Sub(before)
	r.Zero(d.GrainsRelocated)
	r.Zero(d.TablesShifted)
	r.EqualValues(1024, img.Capacity())
	_, err = img.Write(1016, fill(8, 8))
	r.NoError(err)
	r.True(errors.Is(img.Grow(512), ErrUnsupportedShrink))
	r.NoError(img.Close())

	img, err = Open(mb, "/g.vmdk", OpenReadOnly)
	r.NoError(err)
	r.EqualValues(1024, img.Capacity())
	r.Equal(fill(8, 7), readSectors(t, img, 992, 8))
	r.Equal(fill(8, 8), readSectors(t, img, 1016, 8))
	r.NoError(img.Close())
}

func TestGrow_NoRedundant(t *testing.T) {
	r := require.New(t)
	mb := storage.NewMemBackend()
	img, err := Create(mb, "/n.vmdk", CreateOptions{Capacity: 1024, GrainSectors: 8, GTEntries: 128, NoRedundant: true})
	r.NoError(err)
	r.False(img.Extents()[0].Redundant)
	_, err = img.Write(8, fill(8, 0x44))
	r.NoError(err)

	r.NoError(img.Grow(4096))
	_, err = img.Write(3000, fill(8, 0x55))
	r.NoError(err)
	r.NoError(img.Close())

	img, err = Open(mb, "/n.vmdk", 0)
	r.NoError(err)
	r.EqualValues(4, img.Extents()[0].GDEntries)
	r.Equal(fill(8, 0x44), readSectors(t, img, 8, 8))
	r.Equal(append(fill(8, 0x55), zeros(8)...), readSectors(t, img, 3000, 16))
	r.Equal(zeros(8), readSectors(t, img, 0, 8))
	r.NoError(img.Close())
}

func TestGrow_Geometry(t *testing.T) {
	r := require.New(t)
	mb := storage.NewMemBackend()
	img := smallSparse(t, mb, "/geo.vmdk", 1024)
	r.NoError(img.Grow(16 * 63 * 10))
	r.EqualValues(10, img.Properties().Physical.Cylinders)
	r.NoError(img.Close())

	raw, _ := mb.Bytes("/geo.vmdk")
	r.True(strings.Contains(string(raw), `ddb.geometry.cylinders = "10"`))
	img, err := Open(mb, "/geo.vmdk", OpenReadOnly)
	r.NoError(err)
	r.EqualValues(10, img.Properties().Physical.Cylinders)
	r.EqualValues(16*63*10, img.Capacity())
	r.NoError(img.Close())
}

func TestGrow_BeyondOffsets(t *testing.T) {
	r := require.New(t)
	mb := storage.NewMemBackend()
	img := smallSparse(t, mb, "/g.vmdk", 1024)
	_, err := img.Write(0, fill(8, 1))
	r.NoError(err)

	err = img.Grow(maxSparseSectors + 8)
	r.True(errors.Is(err, ErrOutOfRange), "%v", err)
	r.EqualValues(1024, img.Capacity())
	// not suspect
	_, err = img.Write(8, fill(8, 2))
	r.NoError(err)
	r.NoError(img.Close())
}

package vmdk

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func testHeader() *sparseHeader {
	h := newHeader()
	h.Flags |= flagRedundantGD
	h.Capacity = 2048
	h.GrainSize = 128
	h.DescriptorOffset = 1
	h.DescriptorSize = 20
	h.NumGTEsPerGT = 512
	h.RgdOffset = 21
	h.GdOffset = 26
	h.OverHead = 128
	return h
}

func TestHeader_RoundTrip(t *testing.T) {
	r := require.New(t)
	h := testHeader()
	b := packHeader(h)
	r.Len(b, headerSize)
	r.Equal([]byte("KDMV"), b[:4])
	r.Equal([]byte{'\n', ' ', '\r', '\n'}, b[73:77])

	h2, err := unpackHeader(b)
	r.NoError(err)
	r.Equal(h, h2)
	r.NoError(h2.validate(false))

	_, err = unpackHeader(b[:100])
	r.True(errors.Is(err, ErrFormat))
}

func TestHeader_Validate(t *testing.T) {
	for name, mod := range map[string]func(h *sparseHeader){
		"magic":          func(h *sparseHeader) { h.MagicNumber = 0x1234 },
		"version":        func(h *sparseHeader) { h.Version = 4 },
		"unknown flag":   func(h *sparseHeader) { h.Flags |= 1 << 8 },
		"grain not pow2": func(h *sparseHeader) { h.GrainSize = 24 },
		"grain small":    func(h *sparseHeader) { h.GrainSize = 4 },
		"gt entries":     func(h *sparseHeader) { h.NumGTEsPerGT = 100 },
		"gt below line":  func(h *sparseHeader) { h.NumGTEsPerGT = 64 },
		"descriptor":     func(h *sparseHeader) { h.DescriptorSize = 200 },
		"newline":        func(h *sparseHeader) { h.DoubleEndLineChar1 = '\n' },
		"no rgd":         func(h *sparseHeader) { h.RgdOffset = 0 },
		"compression":    func(h *sparseHeader) { h.Flags |= flagCompressed; h.CompressAlgorithm = 7 },
		"gd at end":      func(h *sparseHeader) { h.GdOffset = gdAtEnd },
		"gd zero":        func(h *sparseHeader) { h.GdOffset = 0 },
		"zero capacity":  func(h *sparseHeader) { h.Capacity = 0 },
		"huge capacity":  func(h *sparseHeader) { h.Capacity = maxSparseSectors + 1 },
		"huge overhead":  func(h *sparseHeader) { h.OverHead = 1 << 33 },
	} {
		t.Run(name, func(t *testing.T) {
			h := testHeader()
			mod(h)
			err := h.validate(false)
			require.Error(t, err)
			require.True(t, errors.Is(err, ErrFormat), "%v", err)
		})
	}

	// footer sentinel is fine with markers, but not in the footer itself
	h := testHeader()
	h.Flags |= flagMarkers | flagCompressed
	h.CompressAlgorithm = compressDeflate
	h.GdOffset = gdAtEnd
	require.NoError(t, h.validate(false))
	require.Error(t, h.validate(true))
}

func TestTable_Codec(t *testing.T) {
	r := require.New(t)
	in := []uint32{0, 1, 0x12345678, 0xffffffff}
	b := encodeTable(in)
	r.Equal([]byte{0, 0, 0, 0, 1, 0, 0, 0, 0x78, 0x56, 0x34, 0x12, 0xff, 0xff, 0xff, 0xff}, b)
	out := make([]uint32, len(in))
	decodeTable(b, out)
	r.Equal(in, out)
	r.Equal(b[8:12], encodeEntry(0x12345678))
}

func TestMarker(t *testing.T) {
	r := require.New(t)
	b := packMarker(markerGT, 4)
	r.Len(b, sectorSize)
	m, err := unpackMarker(b)
	r.NoError(err)
	r.False(m.isGrain())
	r.EqualValues(markerGT, m.Type)
	r.EqualValues(5, m.frameSectors())

	// grain marker: lba, size, data
	g := make([]byte, 16)
	g[0] = 64
	g[8] = 0xf5
	g[9] = 0x01 // 501 bytes, one past a sector with the marker
	m, err = unpackMarker(g)
	r.NoError(err)
	r.True(m.isGrain())
	r.EqualValues(64, m.Value)
	r.EqualValues(2, m.frameSectors())

	_, err = unpackMarker(g[:8])
	r.True(errors.Is(err, ErrFormat))
}

func TestComputeLayout(t *testing.T) {
	r := require.New(t)
	l := computeLayout(32, 8, 128, 1, 20, true)
	r.EqualValues(1, l.gdEntries)
	r.EqualValues(1, l.gdSectors)
	r.EqualValues(1, l.gtSectors)
	r.EqualValues(21, l.rgdOffset)
	r.EqualValues(22, l.rgtOffset)
	r.EqualValues(23, l.gdOffset)
	r.EqualValues(24, l.gtOffset)
	r.EqualValues(32, l.overhead)

	l = computeLayout(20480, 8, 128, 1, 20, true)
	r.EqualValues(20, l.gdEntries)
	r.EqualValues(42, l.gdOffset)
	r.EqualValues(43, l.gtOffset)
	r.EqualValues(64, l.overhead)

	l = computeLayout(4<<20, 128, 512, 0, 0, false)
	r.EqualValues(64, l.gdEntries)
	r.EqualValues(0, l.rgdOffset)
	r.EqualValues(1, l.gdOffset)
	r.EqualValues(2, l.gtOffset)
	r.EqualValues(384, l.overhead)

	r.EqualValues(24, streamLayout(8, 1, 20))
	r.EqualValues(128, streamLayout(128, 1, 20))
}

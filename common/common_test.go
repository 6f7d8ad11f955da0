package common

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlkShift(t *testing.T) {
	r := require.New(t)
	g := BlkShift(16)
	r.EqualValues(65536, g.Size())
	r.EqualValues(65536, g.Roundup(1))
	r.EqualValues(0, g.Roundup(0))
	r.EqualValues(65536, g.Rounddown(65537))
	r.EqualValues(1, g.Leftover(65537))
	r.EqualValues(2, g.Blocks(65537))

	r.EqualValues(512, SectorsToBytes(1))
	r.EqualValues(2, BytesToSectors(513))
}

func TestShiftOf(t *testing.T) {
	r := require.New(t)
	r.EqualValues(0, ShiftOf(1))
	r.EqualValues(3, ShiftOf(8))
	r.EqualValues(7, ShiftOf(128))
	r.EqualValues(-1, ShiftOf(0))
	r.EqualValues(-1, ShiftOf(24))
}

func TestGrainPool(t *testing.T) {
	r := require.New(t)
	gp := NewGrainPool()
	b := gp.Get(12)
	r.Len(b, 4096)
	gp.Put(b[:10])
	b = gp.Get(12)
	r.Len(b, 4096)
	r.Len(gp.Get(16), 65536)
}

func TestIsZero(t *testing.T) {
	r := require.New(t)
	b := make([]byte, 37)
	r.True(IsZero(b))
	r.True(IsZero(nil))
	b[36] = 1
	r.False(IsZero(b))
	b[36] = 0
	b[3] = 1
	r.False(IsZero(b))
}

func TestTrunc(t *testing.T) {
	r := require.New(t)
	r.EqualValues(5, TruncU32(int64(5)))
	r.Panics(func() { TruncU32(int64(1) << 33) })
	r.Panics(func() { TruncU32(-1) })
}

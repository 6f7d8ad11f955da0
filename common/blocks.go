package common

const (
	SectorShift BlkShift = 9
	SectorSize           = 1 << SectorShift
)

// BlkShift is a power-of-two unit size expressed as a shift.
type BlkShift int

func (b BlkShift) Size() int64 {
	return 1 << b
}

func (b BlkShift) Roundup(i int64) int64 {
	m1 := b.Size() - 1
	return (i + m1) &^ m1
}

func (b BlkShift) Rounddown(i int64) int64 {
	return i &^ (b.Size() - 1)
}

func (b BlkShift) Leftover(i int64) int64 {
	return i & (b.Size() - 1)
}

func (b BlkShift) Blocks(i int64) int64 {
	m1 := b.Size() - 1
	return (i + m1) >> b
}

// ShiftOf returns the shift for a power of two, or -1 if n isn't one.
func ShiftOf(n uint64) BlkShift {
	if n == 0 || n&(n-1) != 0 {
		return -1
	}
	s := BlkShift(0)
	for n > 1 {
		n >>= 1
		s++
	}
	return s
}

// SectorsToBytes converts a sector count or sector offset to bytes.
func SectorsToBytes(s uint64) int64 {
	return int64(s) << SectorShift
}

// BytesToSectors rounds up to whole sectors.
func BytesToSectors(b int64) uint64 {
	return uint64(SectorShift.Blocks(b))
}

package vmdk

import (
	"github.com/dnr/vdisk/common"
)

const copyChunk = 1 << 20

// Copy copies the contents of src into dst, which should be freshly created
// and at least as large. Unallocated and all-zero ranges are skipped, so the
// copy is sparse and writes go in increasing order (as streams require).
func Copy(dst, src *Image) error {
	if dst.Capacity() < src.Capacity() {
		return rangeErrorf("copy %d sectors into %d", src.Capacity(), dst.Capacity())
	}
	buf := make([]byte, copyChunk)
	for s := uint64(0); s < src.Capacity(); {
		alloc, run, err := src.Allocated(s)
		if err != nil {
			return err
		}
		if !alloc {
			s += run
			continue
		}
		n := min(int64(len(buf)), common.SectorsToBytes(run))
		got, err := src.Read(s, buf[:n])
		if err != nil {
			return err
		}
		if !common.IsZero(buf[:got]) {
			if _, err := dst.WriteAt(buf[:got], common.SectorsToBytes(s)); err != nil {
				return err
			}
		}
		s += uint64(got) >> sectorShift
	}
	return nil
}

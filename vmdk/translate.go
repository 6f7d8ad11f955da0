package vmdk

import (
	"github.com/cockroachdb/errors"

	"github.com/dnr/vdisk/common"
	"github.com/dnr/vdisk/storage"
)

// Locate finds the extent holding a disk sector and the sector's offset
// within that extent.
func (img *Image) Locate(sector uint64) (*Extent, uint64, error) {
	rel := sector
	for _, e := range img.extents {
		if rel < e.sectors {
			return e, rel, nil
		}
		rel -= e.sectors
	}
	return nil, 0, errors.Mark(errors.Newf("sector %d beyond end of disk (%d)", sector, img.capacity), ErrSectorNotFound)
}

// resolveGrain maps an extent sector to the absolute sector of the start of
// its grain. ok is false for a hole.
func (e *Extent) resolveGrain(sector uint64) (abs uint64, ok bool, err error) {
	gdIdx := sector / e.sectorsPerGDE()
	if gdIdx >= uint64(e.gdEntries) {
		return 0, false, rangeErrorf("sector %d: directory index %d >= %d", sector, gdIdx, e.gdEntries)
	}
	if e.gd[gdIdx] == 0 {
		return 0, false, nil
	}
	entries, err := e.gtBlock(sector)
	if err != nil {
		return 0, false, err
	}
	v := entries[(sector/e.grainSectors)%gtCacheLineEntries]
	if !e.isGrainPointer(v) {
		return 0, false, nil
	}
	return uint64(v), true, nil
}

func (e *Extent) gtBlockID(sector uint64) uint64 {
	return sector / e.grainSectors / gtCacheLineEntries
}

// gtBlock returns the table block covering sector, reading it on a miss. The
// directory entry for sector must be set.
func (e *Extent) gtBlock(sector uint64) (*[gtCacheLineEntries]uint32, error) {
	block := e.gtBlockID(sector)
	if entries := e.cache.lookup(e.id, block); entries != nil {
		return entries, nil
	}
	var entries [gtCacheLineEntries]uint32
	if err := e.readGTBlock(e.gd[sector/e.sectorsPerGDE()], block, entries[:]); err != nil {
		return nil, err
	}
	return e.cache.fill(e.id, block, entries[:]), nil
}

// gtBlockOffset is the byte offset of a cache block within the table at gtSector.
func (e *Extent) gtBlockOffset(gtSector uint32, block uint64) int64 {
	inTable := block % uint64(e.gtEntries/gtCacheLineEntries)
	return common.SectorsToBytes(uint64(gtSector)) + int64(inTable)*gtCacheLineEntries*tableEntrySize
}

func (e *Extent) readGTBlock(gtSector uint32, block uint64, out []uint32) error {
	buf := make([]byte, gtCacheLineEntries*tableEntrySize)
	off := e.gtBlockOffset(gtSector, block)
	if err := storage.ReadFull(e.file, buf, off); err != nil {
		return errors.Wrapf(err, "read grain table block %d", block)
	}
	decodeTable(buf, out)
	return nil
}

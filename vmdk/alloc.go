package vmdk

import (
	"log"
	"math"

	"github.com/cockroachdb/errors"

	"github.com/dnr/vdisk/common"
	"github.com/dnr/vdisk/storage"
)

// allocGrain appends a full grain of data for the hole at sector and links it
// into the grain table, allocating the table first if the directory entry is
// empty. Every pointer is written only after what it points to is on disk.
// Returns the absolute sector of the new grain.
func (e *Extent) allocGrain(sector uint64, grain []byte) (uint64, error) {
	abs, err := e.doAllocGrain(sector, grain)
	if err != nil {
		e.markSuspect(err)
		return 0, err
	}
	return abs, nil
}

func (e *Extent) doAllocGrain(sector uint64, grain []byte) (uint64, error) {
	if int64(len(grain)) != e.grainBytes() {
		return 0, errors.AssertionFailedf("grain buffer is %d bytes, want %d", len(grain), e.grainBytes())
	}
	gdIdx := sector / e.sectorsPerGDE()
	if gdIdx >= uint64(e.gdEntries) {
		return 0, rangeErrorf("sector %d: directory index %d >= %d", sector, gdIdx, e.gdEntries)
	}
	if e.gd[gdIdx] == 0 {
		if err := e.allocTables(uint32(gdIdx)); err != nil {
			return 0, err
		}
	}

	abs := e.appendSector
	if _, err := sector32(abs + e.grainSectors); err != nil {
		return 0, err
	}
	if err := e.writeSectors(grain, abs); err != nil {
		return 0, errors.Wrapf(err, "write grain at %d", abs)
	}
	e.appendSector += e.grainSectors
	e.img.stats.grainsAllocated.Add(1)

	if err := e.setGTE(sector, uint32(abs)); err != nil {
		return 0, err
	}
	return abs, nil
}

// allocTables appends a zeroed grain table (and its redundant twin) for
// directory entry gdIdx and then points both directories at them.
func (e *Extent) allocTables(gdIdx uint32) error {
	zero := make([]byte, common.SectorsToBytes(e.gtSectors))

	gtSector, err := sector32(e.appendSector)
	if err != nil {
		return err
	}
	next := e.appendSector + e.gtSectors
	if err := e.writeSectors(zero, uint64(gtSector)); err != nil {
		return errors.Wrap(err, "write new grain table")
	}

	var rgtSector uint32
	if e.redundant() {
		if rgtSector, err = sector32(next); err != nil {
			return err
		}
		if rgtSector == gtSector {
			return inconsistentf("redundant grain table would share sector %d", gtSector)
		}
		next += e.gtSectors
		if err := e.writeSectors(zero, uint64(rgtSector)); err != nil {
			return errors.Wrap(err, "write new redundant grain table")
		}
	}

	if err := e.writeDirEntry(e.hdr.GdOffset, gdIdx, gtSector); err != nil {
		return err
	}
	if e.redundant() {
		if err := e.writeDirEntry(e.hdr.RgdOffset, gdIdx, rgtSector); err != nil {
			return err
		}
	}

	e.gd[gdIdx] = gtSector
	e.img.stats.tablesAllocated.Add(1)
	if e.redundant() {
		e.rgd[gdIdx] = rgtSector
		e.img.stats.tablesAllocated.Add(1)
	}
	e.appendSector = next
	return nil
}

func (e *Extent) writeDirEntry(dirSector uint64, idx, v uint32) error {
	off := common.SectorsToBytes(dirSector) + int64(idx)*tableEntrySize
	if err := storage.WriteFull(e.file, encodeEntry(v), off); err != nil {
		return errors.Wrapf(err, "write directory entry %d", idx)
	}
	return nil
}

// setGTE sets the grain table entry for sector in both tables and then in the
// cache. The whole cache block is rewritten so each copy is one sector write.
func (e *Extent) setGTE(sector uint64, v uint32) error {
	gdIdx := sector / e.sectorsPerGDE()
	block := e.gtBlockID(sector)
	cur, err := e.gtBlock(sector)
	if err != nil {
		return err
	}
	entries := *cur
	entries[(sector/e.grainSectors)%gtCacheLineEntries] = v
	buf := encodeTable(entries[:])

	if err := storage.WriteFull(e.file, buf, e.gtBlockOffset(e.gd[gdIdx], block)); err != nil {
		return errors.Wrapf(err, "write grain table block %d", block)
	}
	if e.redundant() {
		if err := storage.WriteFull(e.file, buf, e.gtBlockOffset(e.rgd[gdIdx], block)); err != nil {
			return errors.Wrapf(err, "write redundant grain table block %d", block)
		}
	}
	e.cache.fill(e.id, block, entries[:])
	return nil
}

func (e *Extent) markSuspect(err error) {
	if !e.suspect {
		log.Printf("vmdk: %s: extent suspect after failed update: %v", e.filename, err)
	}
	e.suspect = true
}

// sector32 checks that a sector offset fits in a table entry.
func sector32(s uint64) (uint32, error) {
	if s > math.MaxUint32 {
		return 0, rangeErrorf("sector offset %d does not fit in a table entry", s)
	}
	return uint32(s), nil
}

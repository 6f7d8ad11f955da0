package vmdk

import (
	"log"

	"github.com/cockroachdb/errors"

	"github.com/dnr/vdisk/common"
	"github.com/dnr/vdisk/descriptor"
)

// zero fill chunk for vacated metadata space
const zeroChunk = 1 << 20

// Grow enlarges the image to sectors. Growing to the current size does
// nothing. Split images first fill their last extent up to the split size
// and then add new extents.
func (img *Image) Grow(sectors uint64) error {
	if img.closed {
		return stateErrorf("%s: image closed", img.path)
	}
	if sectors == img.capacity {
		return nil
	} else if sectors < img.capacity {
		return errors.Mark(errors.Newf("%s: grow from %d to %d sectors", img.path, img.capacity, sectors), ErrUnsupportedShrink)
	}
	if img.readOnly {
		return errors.Mark(errors.Newf("%s: grow", img.path), ErrReadOnly)
	}
	for _, e := range img.extents {
		if e.isStream() {
			return stateErrorf("%s: stream-optimized images can't grow", img.path)
		}
	}

	need := sectors - img.capacity
	last := img.extents[len(img.extents)-1]
	img.touch()

	if t := CreateType(img.props.CreateType); t.split() {
		if last.sectors < img.splitSectors {
			n := min(need, img.splitSectors-last.sectors)
			if err := img.growExtent(last, last.sectors+n); err != nil {
				return err
			}
			img.capacity += n
			need -= n
		}
		geo := img.geometryFor(last)
		for need > 0 {
			n := min(need, img.splitSectors)
			e, err := img.addExtent(t, n, geo)
			if err == nil {
				err = e.setUnclean(true)
			}
			if err != nil {
				return err
			}
			img.capacity += n
			need -= n
		}
	} else {
		if err := img.growExtent(last, last.sectors+need); err != nil {
			return err
		}
		img.capacity += need
	}

	img.props.Physical = descriptor.DefaultGeometry(img.capacity)
	img.desc.SetProperties(img.props)
	img.updateExtentLines()
	return img.writeDescriptor()
}

func (img *Image) geometryFor(e *Extent) extentGeometry {
	if e.hdr == nil {
		return extentGeometry{grainSectors: DefaultGrainSectors, gtEntries: DefaultGTEntries, redundant: true}
	}
	return extentGeometry{grainSectors: e.grainSectors, gtEntries: e.gtEntries, redundant: e.redundant()}
}

func (img *Image) growExtent(e *Extent, sectors uint64) error {
	switch {
	case e.typ == ExtentZero:
		e.sectors = sectors
		return nil
	case e.typ == ExtentRaw:
		return stateErrorf("%s: raw extents can't grow", e.filename)
	case !e.writable():
		return errors.Mark(errors.Newf("%s: grow", e.filename), ErrReadOnly)
	case e.suspect:
		return stateErrorf("%s: extent suspect after failed update, reopen to use", e.filename)
	case e.typ == ExtentFlat:
		return e.growFlat(sectors)
	case sectors > maxSparseSectors:
		return rangeErrorf("%s: grow to %d sectors: sparse extents hold at most %d", e.filename, sectors, uint64(maxSparseSectors))
	}
	if err := e.growSparse(sectors); err != nil {
		e.markSuspect(err)
		return err
	}
	return nil
}

func (e *Extent) growFlat(sectors uint64) error {
	want := common.SectorsToBytes(e.offset + sectors)
	size, err := e.file.Size()
	if err != nil {
		return err
	}
	if size < want {
		if err := e.file.Truncate(want); err != nil {
			return errors.Wrapf(err, "%s: extend", e.filename)
		}
	}
	e.sectors = sectors
	return nil
}

// growSparse enlarges a sparse extent laid out by computeLayout. Grains and
// tables in the way of the larger metadata move to the end of the file, the
// preallocated tables move to their new slots (last first, so nothing is
// overwritten before it is copied), new tables are zeroed, and the
// directories and header are written last.
func (e *Extent) growSparse(sectors uint64) error {
	h := e.hdr
	if sectors <= h.Capacity {
		e.sectors = sectors
		return nil
	}
	redundant := e.redundant()
	oldL := computeLayout(h.Capacity, e.grainSectors, e.gtEntries, h.DescriptorOffset, h.DescriptorSize, redundant)
	if oldL.gdOffset != h.GdOffset || oldL.overhead != h.OverHead || (redundant && oldL.rgdOffset != h.RgdOffset) {
		return formatErrorf("%s: metadata layout not supported for growing", e.filename)
	}
	newL := computeLayout(sectors, e.grainSectors, e.gtEntries, h.DescriptorOffset, h.DescriptorSize, redundant)
	if newL.gdEntries == oldL.gdEntries {
		h.Capacity = sectors
		if err := e.writeHeader(); err != nil {
			return errors.Wrapf(err, "%s: write header", e.filename)
		}
		e.sectors = sectors
		return nil
	}
	if _, err := sector32(newL.overhead); err != nil {
		return err
	}

	// (a) every table in memory, primary copy
	tables := make([][]uint32, oldL.gdEntries)
	for i, gt := range e.gd {
		if gt == 0 {
			continue
		}
		buf, err := e.readTable(gt)
		if err != nil {
			return err
		}
		tables[i] = make([]uint32, e.gtEntries)
		decodeTable(buf, tables[i])
	}
	e.cache.invalidate(e.id)
	e.appendSector = max(e.appendSector, newL.overhead)

	// (b) move grains and tables out of [old overhead, new overhead)
	inWay := func(v uint32) bool {
		return uint64(v) >= oldL.overhead && uint64(v) < newL.overhead
	}
	grain := grainPool.Get(e.grainShift)
	defer grainPool.Put(grain)
	var moved int64
	for i, t := range tables {
		changed := false
		for j, v := range t {
			if !e.isGrainPointer(v) || !inWay(v) {
				continue
			}
			dst, err := sector32(e.appendSector)
			if err != nil {
				return err
			}
			if err := e.readSectors(grain, uint64(v)); err != nil {
				return errors.Wrapf(err, "%s: read grain at %d", e.filename, v)
			}
			if err := e.writeSectors(grain, uint64(dst)); err != nil {
				return errors.Wrapf(err, "%s: relocate grain to %d", e.filename, dst)
			}
			e.appendSector += e.grainSectors
			t[j] = dst
			changed = true
			moved++
			e.img.stats.grainsRelocated.Add(1)
		}
		if changed {
			if err := e.rewriteTables(uint32(i), t); err != nil {
				return err
			}
		}
	}
	for i := range e.gd {
		if err := e.moveTableOut(e.gd, h.GdOffset, uint32(i), tables[i], inWay); err != nil {
			return err
		}
		if redundant {
			if err := e.moveTableOut(e.rgd, h.RgdOffset, uint32(i), tables[i], inWay); err != nil {
				return err
			}
		}
	}
	if err := e.zeroSectors(oldL.overhead, newL.overhead); err != nil {
		return err
	}

	// (c) tables to their new slots, primary then redundant, last first
	var shifted int64
	shift := func(base uint64) error {
		for i := len(tables) - 1; i >= 0; i-- {
			t := tables[i]
			if t == nil {
				t = make([]uint32, e.gtEntries)
			}
			if err := e.writeSectors(encodeTable(t), base+uint64(i)*e.gtSectors); err != nil {
				return errors.Wrapf(err, "%s: shift grain table %d", e.filename, i)
			}
			shifted++
			e.img.stats.tablesShifted.Add(1)
		}
		return nil
	}
	if err := shift(newL.gtOffset); err != nil {
		return err
	}
	if redundant {
		if err := shift(newL.rgtOffset); err != nil {
			return err
		}
	}

	// (d) empty tables for the added range
	zero := make([]byte, common.SectorsToBytes(e.gtSectors))
	for i := oldL.gdEntries; i < newL.gdEntries; i++ {
		if err := e.writeSectors(zero, newL.gtOffset+uint64(i)*e.gtSectors); err != nil {
			return errors.Wrapf(err, "%s: write grain table %d", e.filename, i)
		}
		if redundant {
			if err := e.writeSectors(zero, newL.rgtOffset+uint64(i)*e.gtSectors); err != nil {
				return errors.Wrapf(err, "%s: write redundant grain table %d", e.filename, i)
			}
		}
	}

	// (e) directories, then the header commits the new layout
	gd := preallocDir(newL.gdEntries, newL.gtOffset, newL.gtSectors)
	var rgd []uint32
	if redundant {
		rgd = preallocDir(newL.gdEntries, newL.rgtOffset, newL.gtSectors)
		if err := e.writeDir(rgd, newL.rgdOffset); err != nil {
			return err
		}
	}
	if err := e.writeDir(gd, newL.gdOffset); err != nil {
		return err
	}
	h.Capacity = sectors
	h.GdOffset = newL.gdOffset
	h.RgdOffset = newL.rgdOffset
	h.OverHead = newL.overhead
	if err := e.writeHeader(); err != nil {
		return errors.Wrapf(err, "%s: write header", e.filename)
	}
	e.setGeometry(h)
	e.gd, e.rgd = gd, rgd
	e.sectors = sectors
	log.Printf("vmdk: %s: grown to %d sectors, %d grains relocated, %d tables shifted", e.filename, sectors, moved, shifted)
	return nil
}

// rewriteTables writes table i in place, both copies.
func (e *Extent) rewriteTables(i uint32, t []uint32) error {
	buf := encodeTable(t)
	if err := e.writeSectors(buf, uint64(e.gd[i])); err != nil {
		return errors.Wrapf(err, "%s: write grain table %d", e.filename, i)
	}
	if e.redundant() {
		if err := e.writeSectors(buf, uint64(e.rgd[i])); err != nil {
			return errors.Wrapf(err, "%s: write redundant grain table %d", e.filename, i)
		}
	}
	return nil
}

// moveTableOut appends table i at the end of the file if the directory dir
// (on disk at dirSector) points into the way, then repoints the entry.
func (e *Extent) moveTableOut(dir []uint32, dirSector uint64, i uint32, t []uint32, inWay func(uint32) bool) error {
	if dir[i] == 0 || !inWay(dir[i]) {
		return nil
	}
	dst, err := sector32(e.appendSector)
	if err != nil {
		return err
	}
	if t == nil {
		t = make([]uint32, e.gtEntries)
	}
	if err := e.writeSectors(encodeTable(t), uint64(dst)); err != nil {
		return errors.Wrapf(err, "%s: move grain table %d", e.filename, i)
	}
	if err := e.writeDirEntry(dirSector, i, dst); err != nil {
		return err
	}
	dir[i] = dst
	e.appendSector += e.gtSectors
	return nil
}

func (e *Extent) zeroSectors(from, to uint64) error {
	zero := make([]byte, min(zeroChunk, common.SectorsToBytes(to-from)))
	for s := from; s < to; {
		n := min(uint64(len(zero))>>sectorShift, to-s)
		if err := e.writeSectors(zero[:common.SectorsToBytes(n)], s); err != nil {
			return errors.Wrapf(err, "%s: zero sectors %d-%d", e.filename, s, s+n)
		}
		s += n
	}
	return nil
}

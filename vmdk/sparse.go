package vmdk

import (
	"bytes"
	"log"

	"github.com/cockroachdb/errors"

	"github.com/dnr/vdisk/common"
)

// openSparse reads and checks the header and directories of a sparse or
// stream-optimized extent.
func (e *Extent) openSparse(writable, sequential bool) error {
	buf := make([]byte, headerSize)
	if err := e.readSectors(buf, 0); err != nil {
		return errors.Wrapf(err, "%s: read header", e.filename)
	}
	h, err := unpackHeader(buf)
	if err != nil {
		return err
	}
	if err := h.validate(false); err != nil {
		return errors.Wrapf(err, "%s", e.filename)
	}
	if h.Flags&flagMarkers != 0 {
		return e.openStream(h, writable, sequential)
	} else if h.Flags&flagCompressed != 0 {
		return formatErrorf("%s: compressed grains without markers", e.filename)
	}

	e.setGeometry(h)
	if e.sectors > h.Capacity {
		return formatErrorf("%s: extent size %d larger than capacity %d", e.filename, e.sectors, h.Capacity)
	}
	if e.gd, err = e.loadDir(h.GdOffset); err != nil {
		return err
	}
	if h.Flags&flagRedundantGD != 0 {
		if e.rgd, err = e.loadDir(h.RgdOffset); err != nil {
			return err
		}
		if err := e.checkRedundant(); err != nil {
			return err
		}
	}

	size, err := e.file.Size()
	if err != nil {
		return err
	}
	e.appendSector = max(h.OverHead, common.BytesToSectors(size))
	e.unclean = h.UncleanShutdown != 0
	if e.unclean {
		log.Printf("vmdk: %s: unclean shutdown flag set", e.filename)
	}
	if writable {
		return e.setUnclean(true)
	}
	return nil
}

// openStream opens a sealed stream-optimized extent for reading. Sequential
// mode only walks markers. Otherwise the directory comes from the footer.
func (e *Extent) openStream(h *sparseHeader, writable, sequential bool) error {
	if writable {
		return stateErrorf("%s: stream-optimized extents can't be opened for writing", e.filename)
	}
	if h.GdOffset == gdAtEnd && !sequential {
		fh, err := e.readFooter()
		if err != nil {
			return err
		}
		if fh.Capacity != h.Capacity || fh.GrainSize != h.GrainSize || fh.NumGTEsPerGT != h.NumGTEsPerGT {
			return formatErrorf("%s: footer does not match header", e.filename)
		}
		h = fh
	}
	e.setGeometry(h)
	if e.sectors > h.Capacity {
		return formatErrorf("%s: extent size %d larger than capacity %d", e.filename, e.sectors, h.Capacity)
	}
	e.stream = newStreamState(e.grainBytes(), streamSealed, sequential)
	e.stream.scan = h.OverHead
	if sequential {
		return nil
	}
	var err error
	e.gd, err = e.loadDir(h.GdOffset)
	return err
}

// readFooter reads the header copy in front of the end-of-stream marker.
func (e *Extent) readFooter() (*sparseHeader, error) {
	size, err := e.file.Size()
	if err != nil {
		return nil, err
	}
	if size < 3*sectorSize || sectorShift.Leftover(size) != 0 {
		return nil, formatErrorf("%s: stream too short or unaligned for a footer (%d bytes)", e.filename, size)
	}
	tail := make([]byte, 3*sectorSize)
	if err := e.readSectors(tail, uint64(size>>sectorShift)-3); err != nil {
		return nil, errors.Wrapf(err, "%s: read footer", e.filename)
	}
	if m, err := unpackMarker(tail); err != nil {
		return nil, err
	} else if m.isGrain() || m.Type != markerFooter {
		return nil, formatErrorf("%s: no footer marker, stream not sealed?", e.filename)
	}
	if m, err := unpackMarker(tail[2*sectorSize:]); err != nil {
		return nil, err
	} else if m.isGrain() || m.Type != markerEOS {
		return nil, formatErrorf("%s: no end-of-stream marker", e.filename)
	}
	fh, err := unpackHeader(tail[sectorSize:])
	if err != nil {
		return nil, err
	}
	if err := fh.validate(true); err != nil {
		return nil, errors.Wrapf(err, "%s: footer", e.filename)
	}
	return fh, nil
}

func (e *Extent) loadDir(sector uint64) ([]uint32, error) {
	buf := make([]byte, common.SectorsToBytes(e.gdSectors))
	if err := e.readSectors(buf, sector); err != nil {
		return nil, errors.Wrapf(err, "%s: read grain directory at %d", e.filename, sector)
	}
	dir := make([]uint32, e.gdEntries)
	decodeTable(buf, dir)
	return dir, nil
}

func (e *Extent) readTable(sector uint32) ([]byte, error) {
	buf := make([]byte, common.SectorsToBytes(e.gtSectors))
	if err := e.readSectors(buf, uint64(sector)); err != nil {
		return nil, errors.Wrapf(err, "%s: read grain table at %d", e.filename, sector)
	}
	return buf, nil
}

// checkRedundant compares both directories and every table pair.
func (e *Extent) checkRedundant() error {
	for i := range e.gd {
		g, r := e.gd[i], e.rgd[i]
		switch {
		case g == 0 && r == 0:
			continue
		case g == 0 || r == 0:
			return inconsistentf("%s: directory entry %d is %d, redundant %d", e.filename, i, g, r)
		case g == r:
			return inconsistentf("%s: directory entry %d points both copies at sector %d", e.filename, i, g)
		}
		gt, err := e.readTable(g)
		if err != nil {
			return err
		}
		rgt, err := e.readTable(r)
		if err != nil {
			return err
		}
		if !bytes.Equal(gt, rgt) {
			return inconsistentf("%s: grain table %d differs from its redundant copy", e.filename, i)
		}
	}
	return nil
}

func (e *Extent) setUnclean(v bool) error {
	if e.hdr == nil || e.isStream() || !e.writable() {
		return nil
	}
	e.hdr.UncleanShutdown = 0
	if v {
		e.hdr.UncleanShutdown = 1
	}
	return errors.Wrapf(e.writeHeader(), "%s: write header", e.filename)
}

// createSparse lays out a new sparse extent with all grain tables
// preallocated. The header goes last.
func (e *Extent) createSparse(capacity, grainSectors uint64, gtEntries uint32, descSize uint64, redundant bool) error {
	var descOffset uint64
	if descSize > 0 {
		descOffset = 1
	}
	l := computeLayout(capacity, grainSectors, gtEntries, descOffset, descSize, redundant)
	h := newHeader()
	h.Capacity = capacity
	h.GrainSize = grainSectors
	h.DescriptorOffset = descOffset
	h.DescriptorSize = descSize
	h.NumGTEsPerGT = gtEntries
	h.GdOffset = l.gdOffset
	h.OverHead = l.overhead
	if redundant {
		h.Flags |= flagRedundantGD
		h.RgdOffset = l.rgdOffset
	}
	if _, err := sector32(l.overhead); err != nil {
		return err
	}

	if err := e.file.Truncate(common.SectorsToBytes(l.overhead)); err != nil {
		return errors.Wrapf(err, "%s: size metadata", e.filename)
	}
	e.setGeometry(h)
	e.gd = preallocDir(l.gdEntries, l.gtOffset, l.gtSectors)
	if err := e.writeDir(e.gd, l.gdOffset); err != nil {
		return err
	}
	if redundant {
		e.rgd = preallocDir(l.gdEntries, l.rgtOffset, l.gtSectors)
		if err := e.writeDir(e.rgd, l.rgdOffset); err != nil {
			return err
		}
	}
	if err := e.writeHeader(); err != nil {
		return errors.Wrapf(err, "%s: write header", e.filename)
	}
	e.appendSector = l.overhead
	return nil
}

// createStream writes the header of a new stream-optimized extent. Tables
// are kept in a private cache until the stream moves past them.
func (e *Extent) createStream(capacity, grainSectors uint64, gtEntries uint32, descSize uint64) error {
	var descOffset uint64
	if descSize > 0 {
		descOffset = 1
	}
	h := newHeader()
	h.Version = versionStreamOptimz
	h.Flags |= flagCompressed | flagMarkers
	h.CompressAlgorithm = compressDeflate
	h.Capacity = capacity
	h.GrainSize = grainSectors
	h.DescriptorOffset = descOffset
	h.DescriptorSize = descSize
	h.NumGTEsPerGT = gtEntries
	h.GdOffset = gdAtEnd
	h.OverHead = streamLayout(grainSectors, descOffset, descSize)

	if err := e.file.Truncate(common.SectorsToBytes(h.OverHead)); err != nil {
		return errors.Wrapf(err, "%s: size metadata", e.filename)
	}
	e.setGeometry(h)
	if err := e.writeHeader(); err != nil {
		return errors.Wrapf(err, "%s: write header", e.filename)
	}
	e.gd = make([]uint32, e.gdEntries)
	e.appendSector = h.OverHead
	e.stream = newStreamState(e.grainBytes(), streamEmpty, false)
	e.cache = newGTCache(int(gtEntries/gtCacheLineEntries), &e.img.stats)
	return nil
}

func preallocDir(entries uint32, first, gtSectors uint64) []uint32 {
	dir := make([]uint32, entries)
	for i := range dir {
		dir[i] = uint32(first + uint64(i)*gtSectors)
	}
	return dir
}

// writeDir writes a whole directory, zero padded to its sector count.
func (e *Extent) writeDir(dir []uint32, sector uint64) error {
	buf := make([]byte, common.SectorsToBytes(common.BytesToSectors(int64(len(dir))*tableEntrySize)))
	copy(buf, encodeTable(dir))
	if err := e.writeSectors(buf, sector); err != nil {
		return errors.Wrapf(err, "%s: write grain directory at %d", e.filename, sector)
	}
	return nil
}

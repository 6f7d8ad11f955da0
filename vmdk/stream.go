package vmdk

import (
	"bytes"
	"encoding/binary"
	"io"
	"log"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/zlib"

	"github.com/dnr/vdisk/common"
)

type (
	streamPhase int

	// streamState is the per-extent state of a stream-optimized extent. A
	// stream is either being written (Empty, Appending) or read (Sealed).
	streamState struct {
		phase      streamPhase
		sequential bool
		lastGrain  int64 // last grain read or written, -1 before the first

		// writing
		buffered  bool
		bufGrain  uint64
		buf       []byte
		pendingGD int64 // directory entry whose table is held in the cache, -1 none
		zw        *zlib.Writer
		zbuf      bytes.Buffer
		grains    int64
		tables    int64

		// reading
		scan     uint64 // next marker sector for sequential reads
		curGrain int64  // grain held in plain, -1 none
		plain    []byte
		zr       io.ReadCloser
	}
)

const (
	streamEmpty streamPhase = iota
	streamAppending
	streamSealed
)

func (p streamPhase) String() string {
	switch p {
	case streamEmpty:
		return "empty"
	case streamAppending:
		return "appending"
	case streamSealed:
		return "sealed"
	default:
		return "unknown"
	}
}

func newStreamState(grainBytes int64, phase streamPhase, sequential bool) *streamState {
	return &streamState{
		phase:      phase,
		sequential: sequential,
		lastGrain:  -1,
		pendingGD:  -1,
		curGrain:   -1,
		buf:        make([]byte, grainBytes),
		plain:      make([]byte, grainBytes),
	}
}

// streamWrite buffers data for the grain containing sector. data must not
// cross a grain boundary. Grains must be written in increasing order; writes
// within the current grain may come in pieces.
func (e *Extent) streamWrite(sector uint64, data []byte) error {
	st := e.stream
	if st.phase == streamSealed || e.appendSector == 0 {
		return stateErrorf("%s: stream is sealed", e.filename)
	}
	g := sector / e.grainSectors
	if !st.buffered || g != st.bufGrain {
		if int64(g) <= st.lastGrain {
			return stateErrorf("%s: write to grain %d behind stream position %d", e.filename, g, st.lastGrain)
		}
		if err := e.flushStreamGrain(); err != nil {
			return err
		}
		clear(st.buf)
		st.bufGrain = g
		st.buffered = true
		st.lastGrain = int64(g)
	}
	copy(st.buf[common.SectorsToBytes(sector%e.grainSectors):], data)
	st.phase = streamAppending
	return nil
}

// flushStreamGrain compresses and appends the buffered grain. All-zero
// grains are left as holes.
func (e *Extent) flushStreamGrain() error {
	st := e.stream
	if !st.buffered {
		return nil
	}
	st.buffered = false
	g := st.bufGrain
	if common.IsZero(st.buf) {
		return nil
	}

	gdIdx := int64(g / uint64(e.gtEntries))
	if st.pendingGD >= 0 && st.pendingGD != gdIdx {
		if err := e.flushStreamGT(); err != nil {
			return err
		}
	}
	st.pendingGD = gdIdx

	frame, err := e.compressGrain(g)
	if err != nil {
		return err
	}
	at, err := sector32(e.appendSector)
	if err != nil {
		return err
	}
	if err := e.writeSectors(frame, e.appendSector); err != nil {
		return errors.Wrapf(err, "append grain %d", g)
	}
	e.appendSector += uint64(len(frame)) >> sectorShift

	block := g / gtCacheLineEntries
	entries := e.cache.peek(e.id, block)
	if entries == nil {
		entries = e.cache.claim(e.id, block)
	}
	entries[g%gtCacheLineEntries] = at
	st.grains++
	e.img.stats.streamGrains.Add(1)
	return nil
}

// compressGrain frames the buffered grain: lba, compressed size, zlib data,
// zero padded to a sector.
func (e *Extent) compressGrain(g uint64) ([]byte, error) {
	st := e.stream
	st.zbuf.Reset()
	st.zbuf.Write(make([]byte, grainMarkerSize))
	if st.zw == nil {
		st.zw = zlib.NewWriter(&st.zbuf)
	} else {
		st.zw.Reset(&st.zbuf)
	}
	if _, err := st.zw.Write(st.buf); err != nil {
		return nil, errors.Wrap(err, "compress grain")
	}
	if err := st.zw.Close(); err != nil {
		return nil, errors.Wrap(err, "compress grain")
	}
	frame := st.zbuf.Bytes()
	binary.LittleEndian.PutUint64(frame[0:], g*e.grainSectors)
	binary.LittleEndian.PutUint32(frame[8:], uint32(len(frame)-grainMarkerSize))
	if pad := sectorShift.Leftover(int64(len(frame))); pad != 0 {
		frame = append(frame, make([]byte, sectorSize-pad)...)
	}
	return frame, nil
}

// flushStreamGT appends the grain table held in the cache and points the
// directory at it. A table with no grains is not written.
func (e *Extent) flushStreamGT() error {
	st := e.stream
	if st.pendingGD < 0 {
		return nil
	}
	gdIdx := uint64(st.pendingGD)
	st.pendingGD = -1

	blocks := uint64(e.gtEntries / gtCacheLineEntries)
	table := make([]uint32, e.gtEntries)
	for b := uint64(0); b < blocks; b++ {
		block := gdIdx*blocks + b
		if entries := e.cache.peek(e.id, block); entries != nil {
			copy(table[b*gtCacheLineEntries:], entries[:])
			e.cache.drop(e.id, block)
		}
	}
	payload := encodeTable(table)
	if common.IsZero(payload) {
		e.img.stats.streamElided.Add(1)
		return nil
	}

	at, err := sector32(e.appendSector + 1)
	if err != nil {
		return err
	}
	frame := append(packMarker(markerGT, e.gtSectors), payload...)
	if err := e.writeSectors(frame, e.appendSector); err != nil {
		return errors.Wrapf(err, "append grain table %d", gdIdx)
	}
	e.gd[gdIdx] = at
	e.appendSector += 1 + e.gtSectors
	st.tables++
	e.img.stats.streamTables.Add(1)
	return nil
}

// sealStream writes out everything still buffered followed by the directory,
// the footer and the end-of-stream marker. The extent takes no more writes.
func (e *Extent) sealStream() error {
	st := e.stream
	if st.phase == streamSealed {
		return nil
	}
	if err := e.flushStreamGrain(); err != nil {
		return err
	}
	if err := e.flushStreamGT(); err != nil {
		return err
	}

	gdSector := e.appendSector + 1
	gdPayload := make([]byte, common.SectorsToBytes(e.gdSectors))
	copy(gdPayload, encodeTable(e.gd))

	footer := *e.hdr
	footer.GdOffset = gdSector

	var tail bytes.Buffer
	tail.Write(packMarker(markerGD, e.gdSectors))
	tail.Write(gdPayload)
	tail.Write(packMarker(markerFooter, 1))
	tail.Write(packHeader(&footer))
	tail.Write(packMarker(markerEOS, 0))
	if err := e.writeSectors(tail.Bytes(), e.appendSector); err != nil {
		return errors.Wrap(err, "write stream footer")
	}
	end := e.appendSector + uint64(tail.Len())>>sectorShift

	st.phase = streamSealed
	e.appendSector = 0
	log.Printf("vmdk: %s: stream sealed, %d grains, %d tables, %d sectors", e.filename, st.grains, st.tables, end)
	return nil
}

// streamGrain returns the plain contents of grain g, or nil for a hole. The
// returned slice is only valid until the next call.
func (e *Extent) streamGrain(g uint64) ([]byte, error) {
	st := e.stream
	if st.phase != streamSealed {
		return nil, stateErrorf("%s: stream open for writing", e.filename)
	}
	if st.curGrain == int64(g) {
		return st.plain, nil
	}
	if st.sequential {
		return e.scanGrain(g)
	}
	abs, ok, err := e.resolveGrain(g * e.grainSectors)
	if err != nil || !ok {
		return nil, err
	}
	first := make([]byte, sectorSize)
	if err := e.readSectors(first, abs); err != nil {
		return nil, errors.Wrapf(err, "read grain marker at %d", abs)
	}
	return e.decodeFrame(abs, first, g)
}

// scanGrain walks markers forward from the last position. A grain marker past
// g means g is a hole; the scan position stays put so it is found next time.
func (e *Extent) scanGrain(g uint64) ([]byte, error) {
	st := e.stream
	if int64(g) < st.lastGrain {
		return nil, stateErrorf("%s: sequential read of grain %d behind %d", e.filename, g, st.lastGrain)
	}
	st.lastGrain = int64(g)
	size, err := e.file.Size()
	if err != nil {
		return nil, err
	}
	first := make([]byte, sectorSize)
	for common.SectorsToBytes(st.scan+1) <= size {
		if err := e.readSectors(first, st.scan); err != nil {
			return nil, errors.Wrapf(err, "read marker at %d", st.scan)
		}
		m, err := unpackMarker(first)
		if err != nil {
			return nil, err
		}
		if m.isGrain() {
			mg := m.Value / e.grainSectors
			switch {
			case mg < g:
				st.scan += m.frameSectors()
				continue
			case mg > g:
				return nil, nil
			}
			plain, err := e.decodeFrame(st.scan, first, g)
			if err != nil {
				return nil, err
			}
			st.scan += m.frameSectors()
			return plain, nil
		}
		switch m.Type {
		case markerEOS:
			return nil, nil
		case markerGT, markerGD, markerFooter:
			st.scan += m.frameSectors()
		default:
			return nil, formatErrorf("%s: unknown marker type %d at sector %d", e.filename, m.Type, st.scan)
		}
	}
	return nil, nil
}

// maxCompressedSize bounds the deflate output for n bytes of input: stored
// blocks add 5 bytes per 64 KiB, plus the zlib header and checksum.
func maxCompressedSize(n int64) int64 {
	return n + n>>8 + 64
}

// decodeFrame decompresses the grain frame at sector at, whose first sector
// is already in first.
func (e *Extent) decodeFrame(at uint64, first []byte, g uint64) ([]byte, error) {
	st := e.stream
	lba := binary.LittleEndian.Uint64(first[0:])
	size := binary.LittleEndian.Uint32(first[8:])
	if size == 0 || lba != g*e.grainSectors {
		return nil, formatErrorf("%s: grain marker at %d has lba %d size %d, want lba %d", e.filename, at, lba, size, g*e.grainSectors)
	}
	if limit := maxCompressedSize(e.grainBytes()); int64(size) > limit {
		return nil, formatErrorf("%s: grain marker at %d has size %d, over %d", e.filename, at, size, limit)
	}
	frame := first
	if total := common.SectorsToBytes(common.BytesToSectors(grainMarkerSize + int64(size))); total > sectorSize {
		frame = make([]byte, total)
		copy(frame, first)
		if err := e.readSectors(frame[sectorSize:], at+1); err != nil {
			return nil, errors.Wrapf(err, "read grain %d", g)
		}
	}
	src := bytes.NewReader(frame[grainMarkerSize : grainMarkerSize+int64(size)])

	var err error
	if st.zr == nil {
		st.zr, err = zlib.NewReader(src)
	} else {
		err = st.zr.(zlib.Resetter).Reset(src, nil)
	}
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "grain %d", g), ErrFormat)
	}
	st.curGrain = -1
	if _, err := io.ReadFull(st.zr, st.plain); err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "decompress grain %d", g), ErrFormat)
	}
	st.curGrain = int64(g)
	e.img.stats.streamReads.Add(1)
	return st.plain, nil
}

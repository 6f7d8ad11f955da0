package vmdk

import (
	"encoding/binary"
	"io"
	"log"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/dnr/vdisk/common"
	"github.com/dnr/vdisk/descriptor"
	"github.com/dnr/vdisk/storage"
)

type (
	OpenFlags uint32

	// Image is a virtual disk made of one or more extents. An Image is not
	// safe for concurrent use: callers serialize access, and in particular
	// never have two writes in flight to the same unallocated grain.
	Image struct {
		pool     *storage.Pool
		path     string
		dir      string
		readOnly bool
		flags    OpenFlags

		descFile    *storage.Handle
		embedded    bool // descriptor lives inside the first extent
		descSector  uint64
		descSectors uint64
		desc        *descriptor.Descriptor
		props       descriptor.Properties

		extents      []*Extent
		capacity     uint64
		splitSectors uint64

		cache   *gtCache
		stats   imageStats
		touched bool
		closed  bool
	}
)

const (
	OpenReadOnly OpenFlags = 1 << iota
	// OpenSequential reads stream-optimized extents front to back without
	// loading their tables. Implies OpenReadOnly.
	OpenSequential
)

var grainPool = common.NewGrainPool()

func newImage(backend storage.Backend, path string, flags OpenFlags) *Image {
	if flags&OpenSequential != 0 {
		flags |= OpenReadOnly
	}
	img := &Image{
		pool:         storage.NewPool(backend),
		path:         path,
		dir:          filepath.Dir(path),
		readOnly:     flags&OpenReadOnly != 0,
		flags:        flags,
		splitSectors: DefaultSplitSectors,
	}
	img.cache = newGTCache(gtCacheLines, &img.stats)
	return img
}

// Open opens the image whose descriptor is at path: either a text descriptor
// file or a sparse extent with an embedded descriptor.
func Open(backend storage.Backend, path string, flags OpenFlags) (*Image, error) {
	img := newImage(backend, path, flags)
	if err := img.open(); err != nil {
		img.abandon()
		return nil, err
	}
	return img, nil
}

// abandon releases a partly opened image, first clearing the unclean flags
// this open set. Flags that were already set stay.
func (img *Image) abandon() {
	for _, e := range img.extents {
		if e.hdr == nil || e.unclean || e.hdr.UncleanShutdown == 0 {
			continue
		}
		if err := e.setUnclean(false); err != nil {
			log.Printf("vmdk: %v", err)
		}
	}
	if err := img.release(); err != nil {
		log.Printf("vmdk: %s: %v", img.path, err)
	}
}

func (img *Image) fileMode() storage.OpenMode {
	if img.readOnly {
		return storage.ReadOnly
	}
	return storage.ReadWrite
}

func (img *Image) open() error {
	var err error
	if img.descFile, err = img.pool.Acquire(img.path, img.fileMode()); err != nil {
		return err
	}
	text, err := img.readDescriptor()
	if err != nil {
		return err
	}
	if img.desc, err = descriptor.Parse(text); err != nil {
		return errors.Mark(errors.Wrapf(err, "%s", img.path), ErrFormat)
	}
	if img.props, err = img.desc.Properties(); err != nil {
		return errors.Mark(errors.Wrapf(err, "%s", img.path), ErrFormat)
	}
	lines, err := img.desc.Extents()
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "%s", img.path), ErrFormat)
	} else if len(lines) == 0 {
		return formatErrorf("%s: no extents", img.path)
	}
	for i, l := range lines {
		e, err := img.openExtent(i, l)
		if e != nil {
			img.extents = append(img.extents, e)
		}
		if err != nil {
			return err
		}
		img.capacity += e.sectors
	}
	return nil
}

// readDescriptor loads the descriptor text, noting where an embedded one lives.
func (img *Image) readDescriptor() (string, error) {
	head := make([]byte, headerSize)
	n, err := img.descFile.ReadAt(head, 0)
	if err != nil && err != io.EOF {
		return "", errors.Wrapf(err, "%s: read", img.path)
	}
	if n >= 4 && binary.LittleEndian.Uint32(head) == SparseMagic {
		h, err := unpackHeader(head[:n])
		if err != nil {
			return "", err
		}
		if h.DescriptorSize == 0 {
			return "", formatErrorf("%s: sparse extent without embedded descriptor", img.path)
		}
		img.embedded = true
		img.descSector = h.DescriptorOffset
		img.descSectors = h.DescriptorSize
		buf := make([]byte, common.SectorsToBytes(h.DescriptorSize))
		if err := storage.ReadFull(img.descFile, buf, common.SectorsToBytes(h.DescriptorOffset)); err != nil {
			return "", errors.Wrapf(err, "%s: read embedded descriptor", img.path)
		}
		return string(buf), nil
	}

	size, err := img.descFile.Size()
	if err != nil {
		return "", err
	} else if size > 1<<20 {
		return "", formatErrorf("%s: descriptor file too large (%d bytes)", img.path, size)
	}
	buf := make([]byte, size)
	if err := storage.ReadFull(img.descFile, buf, 0); err != nil {
		return "", errors.Wrapf(err, "%s: read descriptor", img.path)
	}
	return string(buf), nil
}

func (img *Image) extentPath(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(img.dir, name)
}

func (img *Image) openExtent(i int, l descriptor.ExtentLine) (*Extent, error) {
	typ, err := parseExtentType(l.Type)
	if err != nil {
		return nil, err
	}
	access, err := parseAccess(l.Access)
	if err != nil {
		return nil, err
	}
	e := &Extent{
		id:       uint32(i),
		typ:      typ,
		typName:  l.Type,
		access:   access,
		filename: l.Filename,
		sectors:  l.Sectors,
		offset:   l.Offset,
		cache:    img.cache,
		img:      img,
	}
	if typ == ExtentZero || access == AccessNone {
		return e, nil
	}
	mode := img.fileMode()
	if access == AccessReadOnly {
		mode = storage.ReadOnly
	}
	if e.file, err = img.pool.Acquire(img.extentPath(l.Filename), mode); err != nil {
		return e, errors.Wrapf(err, "extent %d", i)
	}
	if typ == ExtentSparse {
		return e, e.openSparse(mode.Writable(), img.flags&OpenSequential != 0)
	}
	return e, nil
}

func (img *Image) Path() string                      { return img.path }
func (img *Image) Capacity() uint64                  { return img.capacity }
func (img *Image) ReadOnly() bool                    { return img.readOnly }
func (img *Image) Stats() Stats                      { return img.stats.export() }
func (img *Image) CreateType() string                { return img.props.CreateType }
func (img *Image) Descriptor() string                { return img.desc.String() }
func (img *Image) OpenFiles() int                    { return img.pool.Open() }
func (img *Image) Properties() descriptor.Properties { return img.props }

// SetProperties replaces the descriptor properties. Written on Flush or Close.
func (img *Image) SetProperties(p descriptor.Properties) error {
	if img.readOnly {
		return errors.Mark(errors.Newf("%s: set properties", img.path), ErrReadOnly)
	}
	img.props = p
	img.desc.SetProperties(p)
	return nil
}

func (img *Image) Extents() []ExtentInfo {
	out := make([]ExtentInfo, len(img.extents))
	for i, e := range img.extents {
		out[i] = e.Info()
	}
	return out
}

// UncleanShutdown reports whether any extent was found with its unclean
// shutdown flag set at open.
func (img *Image) UncleanShutdown() bool {
	for _, e := range img.extents {
		if e.unclean {
			return true
		}
	}
	return false
}

// touch gives the image a new content id and modification uuid on the first
// change after open.
func (img *Image) touch() {
	if img.touched {
		return
	}
	img.touched = true
	img.props.CID = uuid.New().ID()
	img.props.ModificationUUID = uuid.New()
	img.desc.SetProperties(img.props)
}

func (img *Image) checkIO(buf []byte) error {
	if img.closed {
		return stateErrorf("%s: image closed", img.path)
	}
	if len(buf) == 0 || sectorShift.Leftover(int64(len(buf))) != 0 {
		return rangeErrorf("buffer of %d bytes is not a whole number of sectors", len(buf))
	}
	return nil
}

// clip returns how many bytes of a transfer of n bytes at extent sector rel
// stay inside the extent and, for sparse extents, inside one grain.
func (e *Extent) clip(rel uint64, n int) int {
	left := e.sectors - rel
	if e.typ == ExtentSparse {
		left = min(left, e.grainSectors-rel%e.grainSectors)
	}
	return int(min(int64(n), common.SectorsToBytes(left)))
}

// Read reads from sector into buf, stopping at the end of the extent or
// grain. It returns the number of bytes read. Holes read as zeros.
func (img *Image) Read(sector uint64, buf []byte) (int, error) {
	if err := img.checkIO(buf); err != nil {
		return 0, err
	}
	e, rel, err := img.Locate(sector)
	if err != nil {
		return 0, err
	}
	n := e.clip(rel, len(buf))
	if err := e.read(rel, buf[:n]); err != nil {
		return 0, err
	}
	img.stats.readBytes.Add(int64(n))
	return n, nil
}

func (e *Extent) read(rel uint64, buf []byte) error {
	if e.typ != ExtentZero && e.file == nil {
		return stateErrorf("%s: extent not accessible", e.filename)
	}
	switch e.typ {
	case ExtentZero:
		clear(buf)
		return nil
	case ExtentFlat, ExtentRaw:
		return e.readSectors(buf, e.offset+rel)
	}

	inGrain := rel % e.grainSectors
	if e.isStream() {
		plain, err := e.streamGrain(rel / e.grainSectors)
		if err != nil {
			return err
		} else if plain == nil {
			clear(buf)
		} else {
			copy(buf, plain[common.SectorsToBytes(inGrain):])
		}
		return nil
	}
	abs, ok, err := e.resolveGrain(rel)
	if err != nil {
		return err
	} else if !ok {
		clear(buf)
		return nil
	}
	return e.readSectors(buf, abs+inGrain)
}

// Write writes buf at sector, stopping at the end of the extent or grain,
// and returns the number of bytes written. Writes to unallocated grains
// allocate them.
func (img *Image) Write(sector uint64, buf []byte) (int, error) {
	return img.write(sector, buf, true)
}

// WriteNoAlloc is Write that fails with ErrBlockFree instead of allocating.
func (img *Image) WriteNoAlloc(sector uint64, buf []byte) (int, error) {
	return img.write(sector, buf, false)
}

func (img *Image) write(sector uint64, buf []byte, alloc bool) (int, error) {
	if err := img.checkIO(buf); err != nil {
		return 0, err
	}
	if img.readOnly {
		return 0, errors.Mark(errors.Newf("%s: write", img.path), ErrReadOnly)
	}
	e, rel, err := img.Locate(sector)
	if err != nil {
		return 0, err
	}
	n := e.clip(rel, len(buf))
	if err := img.writeExtent(e, rel, buf[:n], alloc); err != nil {
		return 0, err
	}
	img.stats.writeBytes.Add(int64(n))
	return n, nil
}

func (img *Image) writeExtent(e *Extent, rel uint64, buf []byte, alloc bool) error {
	switch {
	case e.typ == ExtentZero:
		return stateErrorf("write to zero extent")
	case !e.writable():
		return errors.Mark(errors.Newf("%s: extent is %s", e.filename, e.access), ErrReadOnly)
	case e.suspect:
		return stateErrorf("%s: extent suspect after failed update, reopen to use", e.filename)
	}
	img.touch()

	if e.typ == ExtentFlat || e.typ == ExtentRaw {
		return e.writeSectors(buf, e.offset+rel)
	}
	if e.isStream() {
		return e.streamWrite(rel, buf)
	}

	inGrain := rel % e.grainSectors
	abs, ok, err := e.resolveGrain(rel)
	if err != nil {
		return err
	} else if ok {
		return e.writeSectors(buf, abs+inGrain)
	} else if !alloc {
		return errors.Mark(errors.Newf("%s: sector %d not allocated", e.filename, rel), ErrBlockFree)
	}

	grain := grainPool.Get(e.grainShift)
	defer grainPool.Put(grain)
	clear(grain)
	copy(grain[common.SectorsToBytes(inGrain):], buf)
	_, err = e.allocGrain(rel, grain)
	return err
}

// ReadAt implements io.ReaderAt over sector-aligned ranges.
func (img *Image) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || sectorShift.Leftover(off) != 0 {
		return 0, rangeErrorf("unaligned offset %d", off)
	}
	total := 0
	for total < len(p) {
		sector := uint64(off+int64(total)) >> sectorShift
		if sector >= img.capacity {
			return total, io.EOF
		}
		n, err := img.Read(sector, p[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// WriteAt implements io.WriterAt over sector-aligned ranges.
func (img *Image) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || sectorShift.Leftover(off) != 0 {
		return 0, rangeErrorf("unaligned offset %d", off)
	}
	total := 0
	for total < len(p) {
		n, err := img.Write(uint64(off+int64(total))>>sectorShift, p[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Allocated reports whether sector holds data and how many sectors from it
// are in the same state, up to the end of its grain or extent. Sequential
// streams can't tell and report everything as allocated.
func (img *Image) Allocated(sector uint64) (bool, uint64, error) {
	e, rel, err := img.Locate(sector)
	if err != nil {
		return false, 0, err
	}
	run := e.sectors - rel
	switch e.typ {
	case ExtentZero:
		return false, run, nil
	case ExtentFlat, ExtentRaw:
		return true, run, nil
	}
	run = min(run, e.grainSectors-rel%e.grainSectors)
	if e.isStream() {
		switch {
		case e.stream.phase != streamSealed:
			return false, 0, stateErrorf("%s: stream open for writing", e.filename)
		case e.stream.sequential:
			return true, run, nil
		}
	}
	_, ok, err := e.resolveGrain(rel)
	return ok, run, err
}

// writeDescriptor writes the descriptor back if it changed.
func (img *Image) writeDescriptor() error {
	if !img.desc.Dirty() {
		return nil
	}
	text := []byte(img.desc.String())
	if img.embedded {
		buf := make([]byte, common.SectorsToBytes(img.descSectors))
		if len(text) > len(buf) {
			return formatErrorf("%s: descriptor (%d bytes) does not fit in %d sectors", img.path, len(text), img.descSectors)
		}
		copy(buf, text)
		if err := storage.WriteFull(img.descFile, buf, common.SectorsToBytes(img.descSector)); err != nil {
			return errors.Wrapf(err, "%s: write descriptor", img.path)
		}
	} else {
		if err := storage.WriteFull(img.descFile, text, 0); err != nil {
			return errors.Wrapf(err, "%s: write descriptor", img.path)
		}
		if err := img.descFile.Truncate(int64(len(text))); err != nil {
			return errors.Wrapf(err, "%s: truncate descriptor", img.path)
		}
	}
	img.desc.ClearDirty()
	return nil
}

// Flush writes back the descriptor and syncs every file.
func (img *Image) Flush() error {
	if img.closed {
		return stateErrorf("%s: image closed", img.path)
	}
	if img.readOnly {
		return nil
	}
	if err := img.writeDescriptor(); err != nil {
		return err
	}
	return img.sync()
}

func (img *Image) sync() error {
	if err := img.descFile.Sync(); err != nil {
		return errors.Wrapf(err, "%s: sync", img.path)
	}
	for _, e := range img.extents {
		if e.file != nil && e.file.Writable() {
			if err := e.file.Sync(); err != nil {
				return errors.Wrapf(err, "%s: sync", e.filename)
			}
		}
	}
	return nil
}

// Close seals stream extents, writes back the descriptor, clears the unclean
// shutdown flags and releases all files. Files are released even if an
// earlier step failed; the first error is returned.
func (img *Image) Close() error {
	if img.closed {
		return nil
	}
	var err error
	if !img.readOnly {
		for _, e := range img.extents {
			if e.isStream() && e.writable() {
				err = errors.CombineErrors(err, e.sealStream())
			}
		}
		err = errors.CombineErrors(err, img.writeDescriptor())
		for _, e := range img.extents {
			if e.suspect {
				log.Printf("vmdk: %s: leaving unclean shutdown flag set", e.filename)
				continue
			}
			err = errors.CombineErrors(err, e.setUnclean(false))
		}
		err = errors.CombineErrors(err, img.sync())
	}
	return errors.CombineErrors(err, img.release())
}

func (img *Image) release() error {
	img.closed = true
	var err error
	for _, e := range img.extents {
		err = errors.CombineErrors(err, e.close())
	}
	if img.descFile != nil {
		err = errors.CombineErrors(err, img.descFile.Release())
		img.descFile = nil
	}
	return err
}

package vmdk

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/dnr/vdisk/common"
	"github.com/dnr/vdisk/descriptor"
	"github.com/dnr/vdisk/storage"
)

type (
	CreateType string

	CreateOptions struct {
		Type         CreateType
		Capacity     uint64 // sectors
		GrainSectors uint64 // default DefaultGrainSectors
		GTEntries    uint32 // default DefaultGTEntries
		NoRedundant  bool   // skip the redundant directory and tables
		SplitSectors uint64 // extent size for split types, default DefaultSplitSectors
		AdapterType  string // default "ide"
		ImageUUID    uuid.UUID
		ParentUUID   uuid.UUID
		Physical     descriptor.Geometry // default from capacity
		Logical      descriptor.Geometry
	}

	// extentGeometry is what a new sparse extent needs besides its size.
	extentGeometry struct {
		grainSectors uint64
		gtEntries    uint32
		redundant    bool
	}
)

const (
	MonolithicSparse CreateType = "monolithicSparse"
	MonolithicFlat   CreateType = "monolithicFlat"
	SplitSparse      CreateType = "twoGbMaxExtentSparse"
	SplitFlat        CreateType = "twoGbMaxExtentFlat"
	StreamOptimized  CreateType = "streamOptimized"
)

var CreateTypes = []CreateType{MonolithicSparse, MonolithicFlat, SplitSparse, SplitFlat, StreamOptimized}

func (t CreateType) sparse() bool {
	return t == MonolithicSparse || t == SplitSparse || t == StreamOptimized
}

func (t CreateType) split() bool {
	return t == SplitSparse || t == SplitFlat
}

// embedded reports whether the descriptor lives inside the only extent.
func (t CreateType) embedded() bool {
	return t == MonolithicSparse || t == StreamOptimized
}

func (o *CreateOptions) fill() error {
	if o.Type == "" {
		o.Type = MonolithicSparse
	}
	known := false
	for _, t := range CreateTypes {
		known = known || t == o.Type
	}
	if !known {
		return errors.Newf("unknown create type %q", o.Type)
	}
	if o.Capacity == 0 {
		return rangeErrorf("zero capacity")
	}
	if o.GrainSectors == 0 {
		o.GrainSectors = DefaultGrainSectors
	}
	if o.GrainSectors < minGrainSectors || o.GrainSectors > maxGrainSectors || common.ShiftOf(o.GrainSectors) < 0 {
		return rangeErrorf("grain size %d sectors: must be a power of two in [%d, %d]", o.GrainSectors, minGrainSectors, maxGrainSectors)
	}
	if o.GTEntries == 0 {
		o.GTEntries = DefaultGTEntries
	}
	if o.GTEntries < gtCacheLineEntries || common.ShiftOf(uint64(o.GTEntries)) < 0 {
		return rangeErrorf("grain table size %d: must be a power of two >= %d", o.GTEntries, gtCacheLineEntries)
	}
	if o.SplitSectors == 0 {
		o.SplitSectors = DefaultSplitSectors
	}
	switch o.Type {
	case MonolithicSparse, StreamOptimized:
		if o.Capacity > maxSparseSectors {
			return rangeErrorf("capacity %d sectors: sparse extents hold at most %d", o.Capacity, uint64(maxSparseSectors))
		}
	case SplitSparse:
		if o.SplitSectors > maxSparseSectors {
			return rangeErrorf("split size %d sectors: sparse extents hold at most %d", o.SplitSectors, uint64(maxSparseSectors))
		}
	}
	if o.AdapterType == "" {
		o.AdapterType = "ide"
	}
	if o.ImageUUID == uuid.Nil {
		o.ImageUUID = uuid.New()
	}
	if o.Physical.IsZero() {
		o.Physical = descriptor.DefaultGeometry(o.Capacity)
	}
	return nil
}

// Create creates a new image at path and returns it open for writing.
// Split and flat types put the descriptor at path and extents next to it.
func Create(backend storage.Backend, path string, opts CreateOptions) (*Image, error) {
	if err := opts.fill(); err != nil {
		return nil, err
	}
	if exists, err := backend.Exists(path); err != nil {
		return nil, err
	} else if exists {
		return nil, errors.Wrapf(fs.ErrExist, "create %s", path)
	}

	img := newImage(backend, path, 0)
	img.splitSectors = opts.SplitSectors
	img.touched = true
	if err := img.create(opts); err != nil {
		img.release()
		return nil, err
	}
	return img, nil
}

func (img *Image) create(o CreateOptions) error {
	var err error
	if img.descFile, err = img.pool.Acquire(img.path, storage.Create); err != nil {
		return err
	}
	img.desc = descriptor.New(string(o.Type))
	img.props = descriptor.Properties{
		CID:              uuid.New().ID(),
		ParentCID:        descriptor.NoParentCID,
		CreateType:       string(o.Type),
		ImageUUID:        o.ImageUUID,
		ModificationUUID: uuid.New(),
		ParentUUID:       o.ParentUUID,
		Physical:         o.Physical,
		Logical:          o.Logical,
		AdapterType:      o.AdapterType,
	}
	geo := extentGeometry{grainSectors: o.GrainSectors, gtEntries: o.GTEntries, redundant: !o.NoRedundant}

	switch {
	case o.Type.embedded():
		img.embedded = true
		img.descSector = 1
		img.descSectors = defaultDescriptorSectors
		e := img.newExtent(ExtentSparse, filepath.Base(img.path), o.Capacity)
		if e.file, err = img.pool.Acquire(img.path, storage.ReadWrite); err != nil {
			return err
		}
		if o.Type == StreamOptimized {
			err = e.createStream(o.Capacity, geo.grainSectors, geo.gtEntries, defaultDescriptorSectors)
		} else {
			err = e.createSparse(o.Capacity, geo.grainSectors, geo.gtEntries, defaultDescriptorSectors, geo.redundant)
		}
		if err != nil {
			return err
		}
	case o.Type.split():
		for left := o.Capacity; left > 0; {
			n := min(left, o.SplitSectors)
			if _, err := img.addExtent(o.Type, n, geo); err != nil {
				return err
			}
			left -= n
		}
	default:
		if _, err := img.addExtent(o.Type, o.Capacity, geo); err != nil {
			return err
		}
	}

	for _, e := range img.extents {
		img.capacity += e.sectors
	}
	img.desc.SetProperties(img.props)
	img.updateExtentLines()
	if err := img.writeDescriptor(); err != nil {
		return err
	}
	for _, e := range img.extents {
		if err := e.setUnclean(true); err != nil {
			return err
		}
	}
	return nil
}

func (img *Image) newExtent(typ ExtentType, name string, sectors uint64) *Extent {
	typName := "FLAT"
	if typ == ExtentSparse {
		typName = "SPARSE"
	}
	e := &Extent{
		id:       uint32(len(img.extents)),
		typ:      typ,
		typName:  typName,
		access:   AccessRW,
		filename: name,
		sectors:  sectors,
		cache:    img.cache,
		img:      img,
	}
	img.extents = append(img.extents, e)
	return e
}

// extentName names the n-th (1-based) separate extent file of an image.
func (img *Image) extentName(t CreateType, n int) string {
	base := filepath.Base(img.path)
	ext := filepath.Ext(base)
	if ext == "" {
		ext = ".vmdk"
	}
	base = strings.TrimSuffix(base, filepath.Ext(base))
	switch t {
	case SplitSparse:
		return fmt.Sprintf("%s-s%03d%s", base, n, ext)
	case SplitFlat:
		return fmt.Sprintf("%s-f%03d%s", base, n, ext)
	default:
		return base + "-flat" + ext
	}
}

// addExtent creates the next extent file of a flat or split image.
func (img *Image) addExtent(t CreateType, sectors uint64, geo extentGeometry) (*Extent, error) {
	typ := ExtentFlat
	if t.sparse() {
		typ = ExtentSparse
	}
	e := img.newExtent(typ, img.extentName(t, len(img.extents)+1), sectors)
	var err error
	if e.file, err = img.pool.Acquire(img.extentPath(e.filename), storage.Create); err != nil {
		return e, err
	}
	if typ == ExtentSparse {
		return e, e.createSparse(sectors, geo.grainSectors, geo.gtEntries, 0, geo.redundant)
	}
	return e, errors.Wrapf(e.file.Truncate(common.SectorsToBytes(sectors)), "%s: size", e.filename)
}

func (img *Image) updateExtentLines() {
	lines := make([]descriptor.ExtentLine, len(img.extents))
	for i, e := range img.extents {
		lines[i] = e.line()
	}
	img.desc.SetExtents(lines)
}

package vmdk

import (
	"fmt"

	"github.com/dnr/vdisk/common"
	"github.com/dnr/vdisk/descriptor"
	"github.com/dnr/vdisk/storage"
)

type (
	ExtentType int
	Access     int

	// Extent is one backing segment of the disk. All offsets are in sectors.
	Extent struct {
		id       uint32 // index in the image, used for cache slots
		typ      ExtentType
		typName  string // as written in the descriptor
		access   Access
		filename string
		file     *storage.Handle
		sectors  uint64 // nominal size from the descriptor
		offset   uint64 // flat/raw: start within file

		// sparse and stream-optimized only
		hdr          *sparseHeader
		grainSectors uint64
		grainShift   common.BlkShift
		gtEntries    uint32
		gdEntries    uint32
		gtSectors    uint64
		gdSectors    uint64
		gd           []uint32
		rgd          []uint32 // nil without redundant tables
		appendSector uint64   // next free sector, 0 once sealed
		unclean      bool     // flag as found at open
		suspect      bool     // an allocation or relocation failed part way
		stream       *streamState
		cache        *gtCache

		img *Image
	}

	// ExtentInfo is a read-only view of an extent.
	ExtentInfo struct {
		Type         ExtentType
		Access       Access
		Filename     string
		Sectors      uint64
		Offset       uint64
		GrainSectors uint64
		GTEntries    uint32
		GDEntries    uint32
		Overhead     uint64
		AppendSector uint64
		Redundant    bool
		Compressed   bool
		Unclean      bool
		Suspect      bool
	}

	// sparseLayout is where metadata lives in a sparse extent laid out as
	// [header][descriptor][RGD][RGT...][GD][GT...] padded to a grain.
	sparseLayout struct {
		gdEntries  uint32
		gdSectors  uint64
		gtSectors  uint64
		rgdOffset  uint64 // 0 without redundant tables
		rgtOffset  uint64
		gdOffset   uint64
		gtOffset   uint64
		overhead   uint64
		descOffset uint64
		descSize   uint64
	}
)

const (
	ExtentFlat ExtentType = iota
	ExtentSparse
	ExtentZero
	ExtentRaw
)

const (
	AccessRW Access = iota
	AccessReadOnly
	AccessNone
)

func (t ExtentType) String() string {
	switch t {
	case ExtentFlat:
		return "FLAT"
	case ExtentSparse:
		return "SPARSE"
	case ExtentZero:
		return "ZERO"
	case ExtentRaw:
		return "VMFSRAW"
	default:
		return fmt.Sprintf("ExtentType(%d)", int(t))
	}
}

func parseExtentType(s string) (ExtentType, error) {
	switch s {
	case "FLAT", "VMFS":
		return ExtentFlat, nil
	case "SPARSE", "VMFSSPARSE":
		return ExtentSparse, nil
	case "ZERO":
		return ExtentZero, nil
	case "VMFSRAW", "VMFSRDM":
		return ExtentRaw, nil
	}
	return 0, formatErrorf("unknown extent type %q", s)
}

func (a Access) String() string {
	switch a {
	case AccessRW:
		return "RW"
	case AccessReadOnly:
		return "RDONLY"
	case AccessNone:
		return "NOACCESS"
	default:
		return fmt.Sprintf("Access(%d)", int(a))
	}
}

func parseAccess(s string) (Access, error) {
	switch s {
	case "RW":
		return AccessRW, nil
	case "RDONLY":
		return AccessReadOnly, nil
	case "NOACCESS":
		return AccessNone, nil
	}
	return 0, formatErrorf("unknown extent access %q", s)
}

func computeLayout(capacity, grainSectors uint64, gtEntries uint32, descOffset, descSize uint64, redundant bool) sparseLayout {
	l := sparseLayout{descOffset: descOffset, descSize: descSize}
	l.gdEntries = common.TruncU32((capacity + grainSectors*uint64(gtEntries) - 1) / (grainSectors * uint64(gtEntries)))
	l.gdSectors = common.BytesToSectors(int64(l.gdEntries) * tableEntrySize)
	l.gtSectors = common.BytesToSectors(int64(gtEntries) * tableEntrySize)
	next := uint64(1)
	if descSize > 0 {
		next = max(next, descOffset+descSize)
	}
	tables := uint64(l.gdEntries) * l.gtSectors
	if redundant {
		l.rgdOffset = next
		l.rgtOffset = next + l.gdSectors
		next = l.rgtOffset + tables
	}
	l.gdOffset = next
	l.gtOffset = next + l.gdSectors
	next = l.gtOffset + tables
	l.overhead = (next + grainSectors - 1) &^ (grainSectors - 1)
	return l
}

// streamLayout is the overhead of a stream-optimized extent: header and
// descriptor only, tables are written as the stream goes.
func streamLayout(grainSectors, descOffset, descSize uint64) uint64 {
	return (max(1, descOffset+descSize) + grainSectors - 1) &^ (grainSectors - 1)
}

func (e *Extent) isSparse() bool { return e.typ == ExtentSparse }
func (e *Extent) isStream() bool { return e.stream != nil }
func (e *Extent) redundant() bool {
	return e.rgd != nil
}
func (e *Extent) zeroedGTE() bool {
	return e.hdr != nil && e.hdr.Version >= versionZeroedGTE && e.hdr.Flags&flagZeroedGTE != 0
}

// isGrainPointer reports whether a grain table entry points at data.
func (e *Extent) isGrainPointer(v uint32) bool {
	return v != 0 && !(v == zeroGTE && e.zeroedGTE())
}

func (e *Extent) sectorsPerGDE() uint64 {
	return e.grainSectors * uint64(e.gtEntries)
}

func (e *Extent) writable() bool {
	return e.access == AccessRW && e.file != nil && e.file.Writable()
}

func (e *Extent) Info() ExtentInfo {
	info := ExtentInfo{
		Type:     e.typ,
		Access:   e.access,
		Filename: e.filename,
		Sectors:  e.sectors,
		Offset:   e.offset,
		Unclean:  e.unclean,
		Suspect:  e.suspect,
	}
	if e.hdr != nil {
		info.GrainSectors = e.grainSectors
		info.GTEntries = e.gtEntries
		info.GDEntries = e.gdEntries
		info.Overhead = e.hdr.OverHead
		info.AppendSector = e.appendSector
		info.Redundant = e.redundant()
		info.Compressed = e.hdr.Flags&flagCompressed != 0
	}
	return info
}

func (e *Extent) line() descriptor.ExtentLine {
	l := descriptor.ExtentLine{
		Access:  e.access.String(),
		Sectors: e.sectors,
		Type:    e.typName,
	}
	if e.typ != ExtentZero {
		l.Filename = e.filename
		l.Offset = e.offset
	}
	return l
}

// setGeometry fills the sparse geometry fields from a validated header.
func (e *Extent) setGeometry(h *sparseHeader) {
	e.hdr = h
	e.grainSectors = h.GrainSize
	e.grainShift = common.ShiftOf(h.GrainSize) + common.SectorShift
	e.gtEntries = h.NumGTEsPerGT
	e.gtSectors = common.BytesToSectors(int64(e.gtEntries) * tableEntrySize)
	e.gdEntries = common.TruncU32((h.Capacity + e.sectorsPerGDE() - 1) / e.sectorsPerGDE())
	e.gdSectors = common.BytesToSectors(int64(e.gdEntries) * tableEntrySize)
}

func (e *Extent) grainBytes() int64 {
	return e.grainShift.Size()
}

func (e *Extent) readSectors(buf []byte, sector uint64) error {
	return storage.ReadFull(e.file, buf, common.SectorsToBytes(sector))
}

func (e *Extent) writeSectors(buf []byte, sector uint64) error {
	return storage.WriteFull(e.file, buf, common.SectorsToBytes(sector))
}

func (e *Extent) writeHeader() error {
	return e.writeSectors(packHeader(e.hdr), 0)
}

func (e *Extent) close() error {
	if e.cache != nil {
		e.cache.invalidate(e.id)
	}
	if e.file == nil {
		return nil
	}
	err := e.file.Release()
	e.file = nil
	return err
}

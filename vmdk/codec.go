package vmdk

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/cockroachdb/errors"
	"github.com/lunixbochs/struc"

	"github.com/dnr/vdisk/common"
)

var _popts = struc.Options{Order: binary.LittleEndian}

func packToBytes(v any) ([]byte, error) {
	var b bytes.Buffer
	err := struc.PackWithOptions(&b, v, &_popts)
	return b.Bytes(), err
}

func unpackBytes(b []byte, v any) error {
	return struc.UnpackWithOptions(bytes.NewReader(b), v, &_popts)
}

func packHeader(h *sparseHeader) []byte {
	b, err := packToBytes(h)
	if err != nil {
		panic(err) // fixed layout, can't fail
	}
	return b
}

func unpackHeader(b []byte) (*sparseHeader, error) {
	if len(b) < headerSize {
		return nil, formatErrorf("short header (%d bytes)", len(b))
	}
	var h sparseHeader
	if err := unpackBytes(b[:headerSize], &h); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "unpack header"), ErrFormat)
	}
	return &h, nil
}

// packMarker returns a full sector holding a metadata marker.
func packMarker(typ uint32, sectors uint64) []byte {
	b, err := packToBytes(&marker{Value: sectors, Type: typ})
	if err != nil {
		panic(err)
	}
	return append(b, make([]byte, sectorSize-len(b))...)
}

func unpackMarker(b []byte) (marker, error) {
	var m marker
	if len(b) < markerSize {
		return m, formatErrorf("short marker (%d bytes)", len(b))
	}
	if err := unpackBytes(b[:markerSize], &m); err != nil {
		return m, errors.Mark(errors.Wrap(err, "unpack marker"), ErrFormat)
	}
	return m, nil
}

// isGrain reports whether m frames a compressed grain rather than metadata.
func (m marker) isGrain() bool {
	return m.Size != 0
}

// frameSectors is the on-disk length of the frame started by m, marker included.
func (m marker) frameSectors() uint64 {
	if m.isGrain() {
		return common.BytesToSectors(grainMarkerSize + int64(m.Size))
	}
	return 1 + m.Value
}

func encodeTable(in []uint32) []byte {
	out := make([]byte, len(in)*tableEntrySize)
	for i, v := range in {
		binary.LittleEndian.PutUint32(out[i*tableEntrySize:], v)
	}
	return out
}

func decodeTable(b []byte, out []uint32) {
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(b[i*tableEntrySize:])
	}
}

func encodeEntry(v uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, v)
}

// validate checks the header against the format rules. footer is set when h
// was read from the stream footer, which must carry a real directory offset.
func (h *sparseHeader) validate(footer bool) error {
	if h.MagicNumber != SparseMagic {
		return formatErrorf("bad magic %#x", h.MagicNumber)
	}
	switch h.Version {
	case versionSparse, versionZeroedGTE, versionStreamOptimz:
	default:
		return formatErrorf("unsupported version %d", h.Version)
	}
	if h.Flags&^knownFlags != 0 {
		return formatErrorf("unknown flags %#x", h.Flags&^knownFlags)
	}
	if h.GrainSize < minGrainSectors || h.GrainSize > maxGrainSectors || common.ShiftOf(h.GrainSize) < 0 {
		return formatErrorf("bad grain size %d", h.GrainSize)
	}
	if h.NumGTEsPerGT < gtCacheLineEntries || common.ShiftOf(uint64(h.NumGTEsPerGT)) < 0 {
		return formatErrorf("bad grain table size %d", h.NumGTEsPerGT)
	}
	if h.Capacity == 0 {
		return formatErrorf("zero capacity")
	}
	if h.Capacity > maxSparseSectors || h.OverHead > math.MaxUint32 {
		return formatErrorf("capacity %d, overhead %d: beyond 32-bit sector offsets", h.Capacity, h.OverHead)
	}
	if h.DescriptorSize > 0 {
		if h.DescriptorOffset == 0 || h.DescriptorOffset+h.DescriptorSize > h.OverHead {
			return formatErrorf("descriptor %d+%d outside overhead %d", h.DescriptorOffset, h.DescriptorSize, h.OverHead)
		}
	}
	if h.Flags&flagValidNewline != 0 {
		if h.SingleEndLineChar != '\n' || h.NonEndLineChar != ' ' ||
			h.DoubleEndLineChar1 != '\r' || h.DoubleEndLineChar2 != '\n' {
			return formatErrorf("newline detection bytes mangled")
		}
	}
	if h.Flags&flagRedundantGD != 0 && h.RgdOffset == 0 {
		return formatErrorf("redundant flag without redundant directory")
	}
	if h.Flags&flagCompressed != 0 && h.CompressAlgorithm != compressDeflate {
		return formatErrorf("unknown compression %d", h.CompressAlgorithm)
	}
	if h.GdOffset == gdAtEnd {
		if footer || h.Flags&flagMarkers == 0 {
			return formatErrorf("directory at end without markers")
		}
	} else if h.GdOffset == 0 || (h.GdOffset >= h.OverHead && h.Flags&flagMarkers == 0) {
		return formatErrorf("bad directory offset %d", h.GdOffset)
	}
	return nil
}

// newHeader fills in the constant parts of a header.
func newHeader() *sparseHeader {
	return &sparseHeader{
		MagicNumber:        SparseMagic,
		Version:            versionSparse,
		Flags:              flagValidNewline,
		SingleEndLineChar:  '\n',
		NonEndLineChar:     ' ',
		DoubleEndLineChar1: '\r',
		DoubleEndLineChar2: '\n',
	}
}

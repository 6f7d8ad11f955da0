package vmdk

import (
	"fmt"

	"github.com/lunixbochs/struc"

	"github.com/dnr/vdisk/common"
)

// Reference: VMware "Virtual Disk Format 5.0" technical note.

const (
	SparseMagic = 0x564d444b // "KDMV"

	sectorSize  = common.SectorSize
	sectorShift = common.SectorShift

	headerSize = 512

	versionSparse       = 1
	versionZeroedGTE    = 2
	versionStreamOptimz = 3

	flagValidNewline = 1 << 0
	flagRedundantGD  = 1 << 1
	flagZeroedGTE    = 1 << 2
	flagCompressed   = 1 << 16
	flagMarkers      = 1 << 17

	knownFlags = flagValidNewline | flagRedundantGD | flagZeroedGTE | flagCompressed | flagMarkers

	compressNone    = 0
	compressDeflate = 1

	// gdAtEnd in the header's gdOffset means the directory is in the footer.
	gdAtEnd = 0xffffffffffffffff

	// zeroGTE in a grain table entry (version >= 2) means a grain of zeros.
	zeroGTE = 1

	// grain and table offsets are le32 sector numbers
	maxSparseSectors = 1 << 32

	minGrainSectors = 8
	maxGrainSectors = 2048

	DefaultGrainSectors = 128
	DefaultGTEntries    = 512

	// grain table cache geometry: lines of gtCacheLineEntries consecutive
	// table entries, gtCacheLines lines per image
	gtCacheLineEntries = 128
	gtCacheLines       = 256

	// each grain directory / grain table entry is a le32 sector offset
	tableEntrySize = 4

	// embedded descriptor size for monolithic sparse images, in sectors
	defaultDescriptorSectors = 20

	// largest single extent of split images, in sectors (just under 2 GiB)
	DefaultSplitSectors = (2048 - 1) << (20 - sectorShift)
)

// stream markers
const (
	markerEOS    = 0
	markerGT     = 1
	markerGD     = 2
	markerFooter = 3

	// grain markers have no type field, compressed data starts right after the size
	grainMarkerSize = 12
	markerSize      = 16
)

type (
	// sparseHeader is the on-disk header at sector 0 of sparse and
	// stream-optimized extents (and duplicated in the stream footer).
	sparseHeader struct {
		MagicNumber        uint32
		Version            uint32
		Flags              uint32
		Capacity           uint64
		GrainSize          uint64
		DescriptorOffset   uint64
		DescriptorSize     uint64
		NumGTEsPerGT       uint32
		RgdOffset          uint64
		GdOffset           uint64
		OverHead           uint64
		UncleanShutdown    uint8
		SingleEndLineChar  uint8
		NonEndLineChar     uint8
		DoubleEndLineChar1 uint8
		DoubleEndLineChar2 uint8
		CompressAlgorithm  uint16
		Pad                [433]byte
	}

	// marker frames stream-optimized data. For grain markers Size is the
	// compressed length and Type overlaps the compressed bytes.
	marker struct {
		Value uint64 // lba for grains, payload sectors for metadata
		Size  uint32
		Type  uint32
	}
)

func init() {
	checkSize := func(v any, expected int) {
		if s, err := struc.Sizeof(v); err != nil {
			panic(err)
		} else if s != expected {
			panic(fmt.Sprintf("size of %T should be %d but is %d", v, expected, s))
		}
	}
	checkSize(&sparseHeader{}, headerSize)
	checkSize(&marker{}, markerSize)
}

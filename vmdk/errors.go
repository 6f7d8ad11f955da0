package vmdk

import (
	"github.com/cockroachdb/errors"
)

// Error classes. Every error returned by this package that belongs to a class
// is marked with it, so callers test with errors.Is.
var (
	// ErrFormat: bad magic, version, geometry or layout. The extent is unusable.
	ErrFormat = errors.New("vmdk: bad format")
	// ErrInconsistentMetadata: primary and redundant tables disagree. Never repaired.
	ErrInconsistentMetadata = errors.New("vmdk: inconsistent metadata")
	// ErrOutOfRange: a sector or directory index outside the extent.
	ErrOutOfRange = errors.New("vmdk: out of range")
	// ErrSectorNotFound: a disk sector beyond the sum of all extents.
	ErrSectorNotFound = errors.New("vmdk: sector not found")
	// ErrInvalidState: operation not allowed in the current state (sealed or
	// sequential stream, zero extent write, suspect extent).
	ErrInvalidState = errors.New("vmdk: invalid state")
	// ErrUnsupportedShrink: Grow called with a smaller size.
	ErrUnsupportedShrink = errors.New("vmdk: shrinking is not supported")
	// ErrBlockFree: write to an unallocated grain with allocation disabled.
	ErrBlockFree = errors.New("vmdk: block not allocated")
	// ErrReadOnly: write to an image or extent opened read-only.
	ErrReadOnly = errors.New("vmdk: read-only")
)

func formatErrorf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrFormat)
}

func inconsistentf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrInconsistentMetadata)
}

func rangeErrorf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrOutOfRange)
}

func stateErrorf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrInvalidState)
}

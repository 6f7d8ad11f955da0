// Package storage is the byte-addressable file layer under the disk image engine.
// The engine never touches a filesystem directly; it goes through a Backend.
package storage

import (
	"io"

	"github.com/cockroachdb/errors"
)

type (
	OpenMode int

	// File is a byte-addressable backing store. ReadAt short of the requested
	// length must return an error (io.ErrUnexpectedEOF or io.EOF).
	File interface {
		io.ReaderAt
		io.WriterAt
		io.Closer

		// Size reports the current length in bytes.
		Size() (int64, error)
		// Truncate sets the length in bytes, zero-extending when growing.
		Truncate(size int64) error
		// Sync makes all completed writes durable.
		Sync() error
	}

	Backend interface {
		Open(path string, mode OpenMode) (File, error)
		Remove(path string) error
		Exists(path string) (bool, error)
		// Canonical returns the key under which a path is shared in a Pool.
		Canonical(path string) (string, error)
	}
)

const (
	ReadOnly OpenMode = iota
	ReadWrite
	// Create creates or truncates the file and opens it read-write.
	Create
)

var (
	ErrNotExist     = errors.New("storage: file does not exist")
	ErrModeConflict = errors.New("storage: file already open with a different mode")
	ErrReadOnly     = errors.New("storage: file opened read-only")
	ErrClosed       = errors.New("storage: file closed")
)

func (m OpenMode) String() string {
	switch m {
	case ReadOnly:
		return "ro"
	case ReadWrite:
		return "rw"
	case Create:
		return "create"
	default:
		return "unknown"
	}
}

func (m OpenMode) Writable() bool {
	return m == ReadWrite || m == Create
}

// ReadFull reads exactly len(buf) bytes at off.
func ReadFull(f File, buf []byte, off int64) error {
	n, err := f.ReadAt(buf, off)
	if n == len(buf) {
		return nil
	} else if err == nil || err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return errors.Wrapf(err, "read %d bytes at %d", len(buf), off)
}

// WriteFull writes all of buf at off.
func WriteFull(f File, buf []byte, off int64) error {
	n, err := f.WriteAt(buf, off)
	if err != nil {
		return errors.Wrapf(err, "write %d bytes at %d", len(buf), off)
	} else if n != len(buf) {
		return errors.Wrapf(io.ErrShortWrite, "write %d bytes at %d", len(buf), off)
	}
	return nil
}

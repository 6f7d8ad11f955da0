package storage

import (
	"io"
	"path"
	"sync"

	"github.com/cockroachdb/errors"
)

type (
	// MemBackend keeps files in memory. Files survive Close so an image can be
	// reopened; it is meant for tests and tooling.
	MemBackend struct {
		lock  sync.Mutex
		files map[string]*memData
	}

	memData struct {
		lock sync.RWMutex
		b    []byte
	}

	memFile struct {
		d      *memData
		mode   OpenMode
		closed bool
	}
)

var _ Backend = (*MemBackend)(nil)

func NewMemBackend() *MemBackend {
	return &MemBackend{files: make(map[string]*memData)}
}

func (m *MemBackend) Open(p string, mode OpenMode) (File, error) {
	p = path.Clean(p)
	m.lock.Lock()
	defer m.lock.Unlock()
	d := m.files[p]
	if mode == Create {
		d = &memData{}
		m.files[p] = d
	} else if d == nil {
		return nil, errors.Wrapf(ErrNotExist, "open %s", p)
	}
	return &memFile{d: d, mode: mode}, nil
}

func (m *MemBackend) Remove(p string) error {
	p = path.Clean(p)
	m.lock.Lock()
	defer m.lock.Unlock()
	if _, ok := m.files[p]; !ok {
		return errors.Wrapf(ErrNotExist, "remove %s", p)
	}
	delete(m.files, p)
	return nil
}

func (m *MemBackend) Exists(p string) (bool, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	_, ok := m.files[path.Clean(p)]
	return ok, nil
}

func (m *MemBackend) Canonical(p string) (string, error) {
	return path.Clean(p), nil
}

// Bytes returns a copy of a file's contents.
func (m *MemBackend) Bytes(p string) ([]byte, bool) {
	m.lock.Lock()
	d := m.files[path.Clean(p)]
	m.lock.Unlock()
	if d == nil {
		return nil, false
	}
	d.lock.RLock()
	defer d.lock.RUnlock()
	return append([]byte(nil), d.b...), true
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	if f.closed {
		return 0, ErrClosed
	}
	f.d.lock.RLock()
	defer f.d.lock.RUnlock()
	if off >= int64(len(f.d.b)) {
		return 0, io.EOF
	}
	n := copy(p, f.d.b[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *memFile) WriteAt(p []byte, off int64) (int, error) {
	if f.closed {
		return 0, ErrClosed
	} else if !f.mode.Writable() {
		return 0, ErrReadOnly
	}
	f.d.lock.Lock()
	defer f.d.lock.Unlock()
	if end := off + int64(len(p)); end > int64(len(f.d.b)) {
		f.d.grow(end)
	}
	return copy(f.d.b[off:], p), nil
}

func (f *memFile) Size() (int64, error) {
	f.d.lock.RLock()
	defer f.d.lock.RUnlock()
	return int64(len(f.d.b)), nil
}

func (f *memFile) Truncate(size int64) error {
	if !f.mode.Writable() {
		return ErrReadOnly
	}
	f.d.lock.Lock()
	defer f.d.lock.Unlock()
	if size > int64(len(f.d.b)) {
		f.d.grow(size)
	} else {
		f.d.b = f.d.b[:size]
	}
	return nil
}

func (f *memFile) Sync() error { return nil }

func (f *memFile) Close() error {
	if f.closed {
		return ErrClosed
	}
	f.closed = true
	return nil
}

func (d *memData) grow(size int64) {
	if size <= int64(cap(d.b)) {
		old := len(d.b)
		d.b = d.b[:size]
		clear(d.b[old:])
		return
	}
	nb := make([]byte, size, max(size, int64(cap(d.b))*2))
	copy(nb, d.b)
	d.b = nb
}

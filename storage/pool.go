package storage

import (
	"sync"

	"github.com/cockroachdb/errors"
)

type (
	// Pool shares open files between everything that refers to the same path.
	// A Handle stays open until its last reference is released.
	Pool struct {
		backend Backend

		lock    sync.Mutex
		handles map[string]*Handle
	}

	Handle struct {
		File
		pool *Pool
		key  string
		path string
		mode OpenMode
		refs int
	}
)

func NewPool(b Backend) *Pool {
	return &Pool{backend: b, handles: make(map[string]*Handle)}
}

func (p *Pool) Backend() Backend { return p.backend }

// Acquire opens path or adds a reference to an already open handle. A path held
// read-only cannot be acquired for writing. Create always requires that the path
// is not open yet.
func (p *Pool) Acquire(path string, mode OpenMode) (*Handle, error) {
	key, err := p.backend.Canonical(path)
	if err != nil {
		return nil, err
	}

	p.lock.Lock()
	defer p.lock.Unlock()

	if h, ok := p.handles[key]; ok {
		if mode == Create || (mode.Writable() && !h.mode.Writable()) {
			return nil, errors.Wrapf(ErrModeConflict, "%s open %s, want %s", path, h.mode, mode)
		}
		h.refs++
		return h, nil
	}

	f, err := p.backend.Open(path, mode)
	if err != nil {
		return nil, err
	}
	if mode == Create {
		mode = ReadWrite
	}
	h := &Handle{File: f, pool: p, key: key, path: path, mode: mode, refs: 1}
	p.handles[key] = h
	return h, nil
}

// Release drops one reference and closes the file when none remain.
func (h *Handle) Release() error {
	p := h.pool
	p.lock.Lock()
	defer p.lock.Unlock()

	if h.refs <= 0 {
		return errors.Wrapf(ErrClosed, "release %s", h.path)
	}
	h.refs--
	if h.refs > 0 {
		return nil
	}
	delete(p.handles, h.key)
	return h.File.Close()
}

func (h *Handle) Path() string   { return h.path }
func (h *Handle) Mode() OpenMode { return h.mode }
func (h *Handle) Writable() bool { return h.mode.Writable() }
func (h *Handle) Refs() int {
	h.pool.lock.Lock()
	defer h.pool.lock.Unlock()
	return h.refs
}

// Open returns the number of distinct files currently open.
func (p *Pool) Open() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return len(p.handles)
}

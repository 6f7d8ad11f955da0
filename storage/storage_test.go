package storage

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func testBackend(t *testing.T, b Backend, dir string) {
	r := require.New(t)
	p := filepath.Join(dir, "f.bin")

	ok, err := b.Exists(p)
	r.NoError(err)
	r.False(ok)

	_, err = b.Open(p, ReadOnly)
	r.True(errors.Is(err, ErrNotExist))

	f, err := b.Open(p, Create)
	r.NoError(err)
	r.NoError(WriteFull(f, []byte("hello"), 1000))
	sz, err := f.Size()
	r.NoError(err)
	r.EqualValues(1005, sz)

	buf := make([]byte, 10)
	r.NoError(ReadFull(f, buf, 0))
	r.Equal(make([]byte, 10), buf)
	r.NoError(ReadFull(f, buf[:5], 1000))
	r.Equal([]byte("hello"), buf[:5])

	// short read past the end
	r.Error(ReadFull(f, buf, 1000))

	r.NoError(f.Truncate(4096))
	sz, err = f.Size()
	r.NoError(err)
	r.EqualValues(4096, sz)
	r.NoError(ReadFull(f, buf, 4086))
	r.Equal(make([]byte, 10), buf)

	r.NoError(f.Truncate(1002))
	r.NoError(f.Truncate(2000))
	r.NoError(ReadFull(f, buf[:5], 1000))
	r.Equal([]byte{'h', 'e', 0, 0, 0}, buf[:5])

	r.NoError(f.Sync())
	r.NoError(f.Close())

	ro, err := b.Open(p, ReadOnly)
	r.NoError(err)
	_, err = ro.WriteAt([]byte("x"), 0)
	r.True(errors.Is(err, ErrReadOnly))
	r.NoError(ro.Close())

	ok, err = b.Exists(p)
	r.NoError(err)
	r.True(ok)
	r.NoError(b.Remove(p))
	r.True(errors.Is(b.Remove(p), ErrNotExist))
}

func TestMemBackend(t *testing.T) {
	testBackend(t, NewMemBackend(), "/mem")
}

func TestOSBackend(t *testing.T) {
	testBackend(t, OSBackend{}, t.TempDir())
}

func TestPool_SharesHandles(t *testing.T) {
	r := require.New(t)
	b := NewMemBackend()
	p := NewPool(b)

	h1, err := p.Acquire("/img/disk.vmdk", Create)
	r.NoError(err)
	h2, err := p.Acquire("/img/./disk.vmdk", ReadOnly)
	r.NoError(err)
	r.Same(h1, h2)
	r.Equal(2, h1.Refs())
	r.Equal(1, p.Open())

	// create on an open path is refused
	_, err = p.Acquire("/img/disk.vmdk", Create)
	r.True(errors.Is(err, ErrModeConflict))

	r.NoError(WriteFull(h2, []byte("abc"), 0))

	r.NoError(h1.Release())
	r.Equal(1, p.Open())
	r.NoError(h2.Release())
	r.Equal(0, p.Open())
	r.True(errors.Is(h2.Release(), ErrClosed))

	data, ok := b.Bytes("/img/disk.vmdk")
	r.True(ok)
	r.True(bytes.Equal([]byte("abc"), data))
}

func TestPool_ModeConflict(t *testing.T) {
	r := require.New(t)
	b := NewMemBackend()
	f, err := b.Open("/a", Create)
	r.NoError(err)
	r.NoError(f.Close())

	p := NewPool(b)
	h, err := p.Acquire("/a", ReadOnly)
	r.NoError(err)
	_, err = p.Acquire("/a", ReadWrite)
	r.True(errors.Is(err, ErrModeConflict))
	r.NoError(h.Release())

	h, err = p.Acquire("/a", ReadWrite)
	r.NoError(err)
	h2, err := p.Acquire("/a", ReadOnly)
	r.NoError(err)
	r.True(h2.Writable())
	r.NoError(h.Release())
	r.NoError(h2.Release())
}

package storage

import (
	"io"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

type (
	// OSBackend opens files on the host filesystem with positional syscalls.
	OSBackend struct{}

	osFile struct {
		fd   int
		path string
		mode OpenMode
	}
)

var _ Backend = OSBackend{}

func (OSBackend) Open(path string, mode OpenMode) (File, error) {
	flags := unix.O_CLOEXEC
	switch mode {
	case ReadOnly:
		flags |= unix.O_RDONLY
	case ReadWrite:
		flags |= unix.O_RDWR
	case Create:
		flags |= unix.O_RDWR | unix.O_CREAT | unix.O_TRUNC
	}
	fd, err := unix.Open(path, flags, 0644)
	if err == unix.ENOENT {
		return nil, errors.Mark(errors.Wrapf(err, "open %s", path), ErrNotExist)
	} else if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	// grain lookups jump around the file
	_ = unix.Fadvise(fd, 0, 0, unix.FADV_RANDOM)
	return &osFile{fd: fd, path: path, mode: mode}, nil
}

func (OSBackend) Remove(path string) error {
	if err := unix.Unlink(path); err == unix.ENOENT {
		return errors.Mark(errors.Wrapf(err, "remove %s", path), ErrNotExist)
	} else if err != nil {
		return errors.Wrapf(err, "remove %s", path)
	}
	return nil
}

func (OSBackend) Exists(path string) (bool, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err == unix.ENOENT {
		return false, nil
	} else if err != nil {
		return false, errors.Wrapf(err, "stat %s", path)
	}
	return true, nil
}

func (OSBackend) Canonical(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		return real, nil
	} else if !os.IsNotExist(err) {
		return "", err
	}
	return abs, nil
}

func (f *osFile) ReadAt(p []byte, off int64) (int, error) {
	if f.fd < 0 {
		return 0, ErrClosed
	}
	done := 0
	for done < len(p) {
		n, err := unix.Pread(f.fd, p[done:], off+int64(done))
		if err == unix.EINTR {
			continue
		} else if err != nil {
			return done, errors.Wrapf(err, "pread %s", f.path)
		} else if n == 0 {
			return done, io.EOF
		}
		done += n
	}
	return done, nil
}

func (f *osFile) WriteAt(p []byte, off int64) (int, error) {
	if f.fd < 0 {
		return 0, ErrClosed
	} else if !f.mode.Writable() {
		return 0, ErrReadOnly
	}
	done := 0
	for done < len(p) {
		n, err := unix.Pwrite(f.fd, p[done:], off+int64(done))
		if err == unix.EINTR {
			continue
		} else if err != nil {
			return done, errors.Wrapf(err, "pwrite %s", f.path)
		}
		done += n
	}
	return done, nil
}

func (f *osFile) Size() (int64, error) {
	var st unix.Stat_t
	if err := unix.Fstat(f.fd, &st); err != nil {
		return 0, errors.Wrapf(err, "fstat %s", f.path)
	}
	return st.Size, nil
}

func (f *osFile) Truncate(size int64) error {
	if !f.mode.Writable() {
		return ErrReadOnly
	}
	cur, err := f.Size()
	if err != nil {
		return err
	}
	if size > cur {
		// reserve the blocks if the filesystem can, like pebble's preallocExtend
		err = unix.Fallocate(f.fd, 0, cur, size-cur)
		if err == nil {
			return nil
		} else if err != unix.EOPNOTSUPP && err != unix.EINTR {
			return errors.Wrapf(err, "fallocate %s", f.path)
		}
	}
	if err = unix.Ftruncate(f.fd, size); err != nil {
		return errors.Wrapf(err, "ftruncate %s", f.path)
	}
	return nil
}

func (f *osFile) Sync() error {
	if !f.mode.Writable() {
		return nil
	}
	return errors.Wrapf(unix.Fsync(f.fd), "fsync %s", f.path)
}

func (f *osFile) Close() error {
	if f.fd < 0 {
		return ErrClosed
	}
	err := unix.Close(f.fd)
	f.fd = -1
	return errors.Wrapf(err, "close %s", f.path)
}

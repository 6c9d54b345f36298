package store

import (
	"os"

	"github.com/pkg/errors"
)

// FileStore is a Store backed by a real, seekable *os.File. It is the
// store the cmd/rimgen smoke-test CLI opens a target image with.
type FileStore struct {
	f        *os.File
	size     int64
	readOnly bool
}

// OpenFileStore opens (or creates, truncating to size if it does not
// already have that length) path as a FileStore of the given size.
func OpenFileStore(path string, size int64, readOnly bool) (*FileStore, error) {
	flags := os.O_RDWR | os.O_CREATE
	if readOnly {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	if !readOnly {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, errors.Wrapf(err, "truncating %s to %d", path, size)
		}
	}
	return &FileStore{f: f, size: size, readOnly: readOnly}, nil
}

func (s *FileStore) ReadAt(buf []byte, offset int64) error {
	if offset < 0 || offset+int64(len(buf)) > s.size {
		return errors.Wrapf(ErrOutOfBounds, "read_at(%d, %d) size=%d", offset, len(buf), s.size)
	}
	n, err := s.f.ReadAt(buf, offset)
	if err != nil {
		return errors.Wrapf(err, "read_at(%d, %d)", offset, len(buf))
	}
	if n != len(buf) {
		return errors.Wrapf(ErrOutOfBounds, "short read at %d: got %d want %d", offset, n, len(buf))
	}
	return nil
}

func (s *FileStore) WriteAt(buf []byte, offset int64) error {
	if s.readOnly {
		return errors.Wrapf(ErrReadOnly, "write_at(%d, %d)", offset, len(buf))
	}
	if offset < 0 || offset+int64(len(buf)) > s.size {
		return errors.Wrapf(ErrOutOfBounds, "write_at(%d, %d) size=%d", offset, len(buf), s.size)
	}
	n, err := s.f.WriteAt(buf, offset)
	if err != nil {
		return errors.Wrapf(err, "write_at(%d, %d)", offset, len(buf))
	}
	if n != len(buf) {
		return errors.Wrapf(ErrOutOfBounds, "short write at %d: wrote %d want %d", offset, n, len(buf))
	}
	return nil
}

func (s *FileStore) Flush() error {
	if s.readOnly {
		return nil
	}
	if err := s.f.Sync(); err != nil {
		return errors.Wrap(err, "flush")
	}
	return nil
}

func (s *FileStore) Len() int64 { return s.size }

// Close releases the underlying file descriptor. It is not part of the
// Store contract; callers that opened a FileStore own its lifecycle.
func (s *FileStore) Close() error {
	return s.f.Close()
}

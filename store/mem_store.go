package store

import "github.com/pkg/errors"

// MemStore is a Store backed by an in-memory byte slice. Tests use it so
// Formatter/Injector/Checker sessions never touch the real filesystem.
type MemStore struct {
	buf []byte
}

// NewMemStore allocates a zeroed MemStore of the given size. Per
// spec.md §4.4, the Formatter must not assume the backing store is
// pre-zeroed in general, but MemStore documents that it is, so tests
// that rely on explicit zero-writes still exercise that code path
// deliberately rather than by accident.
func NewMemStore(size int64) *MemStore {
	return &MemStore{buf: make([]byte, size)}
}

func (s *MemStore) ReadAt(buf []byte, offset int64) error {
	if offset < 0 || offset+int64(len(buf)) > int64(len(s.buf)) {
		return errors.Wrapf(ErrOutOfBounds, "read_at(%d, %d) size=%d", offset, len(buf), len(s.buf))
	}
	copy(buf, s.buf[offset:offset+int64(len(buf))])
	return nil
}

func (s *MemStore) WriteAt(buf []byte, offset int64) error {
	if offset < 0 || offset+int64(len(buf)) > int64(len(s.buf)) {
		return errors.Wrapf(ErrOutOfBounds, "write_at(%d, %d) size=%d", offset, len(buf), len(s.buf))
	}
	copy(s.buf[offset:offset+int64(len(buf))], buf)
	return nil
}

func (s *MemStore) Flush() error { return nil }

func (s *MemStore) Len() int64 { return int64(len(s.buf)) }

// Bytes returns the underlying buffer. Intended for tests that want to
// inspect raw image bytes directly.
func (s *MemStore) Bytes() []byte { return s.buf }

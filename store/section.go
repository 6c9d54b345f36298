package store

import "github.com/pkg/errors"

// Section restricts a Store to the byte range [start, start+size) of an
// underlying Store. This is the partition window spec.md §1 says is
// handed to the filesystem engine by an external GPT/MBR producer: the
// engine only ever sees offsets relative to Section's own start.
type Section struct {
	under Store
	start int64
	size  int64
}

// NewSection returns a Store view over under[start:start+size].
func NewSection(under Store, start, size int64) (*Section, error) {
	if start < 0 || size < 0 || start+size > under.Len() {
		return nil, errors.Wrapf(ErrOutOfBounds, "section [%d,%d) exceeds backing store of length %d", start, start+size, under.Len())
	}
	return &Section{under: under, start: start, size: size}, nil
}

func (s *Section) ReadAt(buf []byte, offset int64) error {
	if offset < 0 || offset+int64(len(buf)) > s.size {
		return errors.Wrapf(ErrOutOfBounds, "section read_at(%d, %d) size=%d", offset, len(buf), s.size)
	}
	return s.under.ReadAt(buf, s.start+offset)
}

func (s *Section) WriteAt(buf []byte, offset int64) error {
	if offset < 0 || offset+int64(len(buf)) > s.size {
		return errors.Wrapf(ErrOutOfBounds, "section write_at(%d, %d) size=%d", offset, len(buf), s.size)
	}
	return s.under.WriteAt(buf, s.start+offset)
}

func (s *Section) Flush() error { return s.under.Flush() }

func (s *Section) Len() int64 { return s.size }

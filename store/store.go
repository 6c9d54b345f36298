// Package store defines the block store contract the filesystem engine
// consumes (spec.md §6.1) and provides the backing implementations used
// by the rest of this module: a real file, an in-memory buffer for
// tests, and a Section view that restricts access to one partition's
// byte range within a larger store.
package store

import (
	"github.com/pkg/errors"
)

// Sentinel errors every Store implementation returns, wrapped with
// github.com/pkg/errors at the call site so failures keep a stack trace
// without the engine having to build one itself.
var (
	ErrOutOfBounds = errors.New("store: access out of bounds")
	ErrReadOnly    = errors.New("store: write to read-only store")
)

// Store is a logical array of N bytes, addressable by (offset, length).
// Implementations must not perform partial reads or writes: a call
// either completes in full or returns an error.
type Store interface {
	// ReadAt fills buf entirely from [offset, offset+len(buf)).
	ReadAt(buf []byte, offset int64) error
	// WriteAt writes buf entirely to [offset, offset+len(buf)).
	WriteAt(buf []byte, offset int64) error
	// Flush durably commits all prior writes.
	Flush() error
	// Len returns the store's fixed length in bytes.
	Len() int64
}

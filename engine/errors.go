package engine

import "github.com/pkg/errors"

// Error kinds shared by every filesystem's Formatter/Allocator/Injector
// (spec.md §7). Callers use errors.Is against these sentinels; call
// sites wrap them with github.com/pkg/errors to attach a stack trace
// and the offending name/offset.
var (
	// ErrIO signals a block store failure. Fatal; the session ends.
	ErrIO = errors.New("engine: block store i/o failure")
	// ErrOutOfSpace signals allocator exhaustion. Fatal; the image must
	// be discarded by the caller.
	ErrOutOfSpace = errors.New("engine: allocator out of space")
	// ErrNameCollision signals a duplicate name within one directory.
	// Surfaced to the caller, who decides whether to skip or abort.
	ErrNameCollision = errors.New("engine: duplicate name in directory")
	// ErrNameInvalid signals a name that cannot be represented on this
	// filesystem (NUL bytes, reserved characters, length overflow).
	ErrNameInvalid = errors.New("engine: name not representable on this filesystem")
	// ErrInvalidMeta signals a volume size or option out of range at
	// metadata-derivation time.
	ErrInvalidMeta = errors.New("engine: invalid metadata options")
	// ErrCorrupt is used only by Checkers to report a violated on-disk
	// invariant; it is never returned by Format/Inject.
	ErrCorrupt = errors.New("engine: on-disk invariant violated")
	// ErrNotSymlinkCapable signals a Symlink-bearing fsnode.Node handed
	// to an Injector for a filesystem that cannot represent symlinks
	// (FAT32, ExFAT).
	ErrNotSymlinkCapable = errors.New("engine: filesystem cannot represent symbolic links")
)

// Is reports whether err, or any error in the chain errors.Wrap built
// around it, is target. github.com/pkg/errors v0.8.1 predates its
// Unwrap() support, so the standard library's errors.Is cannot walk a
// pkg/errors chain; this uses errors.Cause instead, which pkg/errors
// has supported since its first tagged release.
func Is(err, target error) bool {
	return errors.Cause(err) == target
}

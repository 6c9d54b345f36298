// Package fsnode describes the host-side tree the Injector consumes.
//
// A Node is the abstract shape of a file or directory before it has been
// laid down on any particular on-disk filesystem. It carries no
// filesystem-specific identifiers (no cluster id, no inode number) -
// those are assigned by the Injector as it walks the tree.
package fsnode

import (
	"io"
	"time"
)

// Kind distinguishes the two node shapes the Injector understands.
type Kind int

const (
	// Dir is a directory; its Children are injected depth-first.
	Dir Kind = iota
	// File is a regular file whose bytes are streamed from Source.
	File
)

// Attributes carries the metadata the Injector maps onto each
// filesystem's native representation (Unix mode bits for EXT4). The
// FAT32/ExFAT Injectors do not read Mode: they always write the
// archive attribute for files and the directory attribute for
// directories.
type Attributes struct {
	Mode     uint32 // Unix permission + type bits; used by EXT4 only
	UID      uint32
	GID      uint32
	Created  time.Time
	Modified time.Time
	Accessed time.Time

	// Generation is surfaced on EXT4 inodes only.
	Generation uint32

	// Symlink, when non-empty, marks this node as a symbolic link whose
	// target is the given path. Only EXT4 can represent this natively;
	// FAT32/ExFAT injectors reject nodes with Symlink set.
	Symlink string
}

// Node is one entry in the tree fed to an Injector.
type Node struct {
	Name       string
	Kind       Kind
	Attributes Attributes

	// Children holds the directory's contents, in the order they should
	// be injected. Only valid when Kind == Dir.
	Children []*Node

	// Source streams the file's bytes. Only valid when Kind == File. The
	// Injector reads it exactly once, front to back, in chunks no larger
	// than its configured scratch buffer.
	Source io.Reader
	// Length is the exact byte count the Injector will read from Source.
	Length int64
}

// NewDir constructs an empty directory node.
func NewDir(name string, attrs Attributes) *Node {
	return &Node{Name: name, Kind: Dir, Attributes: attrs}
}

// NewFile constructs a file node streaming length bytes from src.
func NewFile(name string, src io.Reader, length int64, attrs Attributes) *Node {
	return &Node{Name: name, Kind: File, Attributes: attrs, Source: src, Length: length}
}

// AddChild appends a child to a directory node. It does not check for
// name collisions; that is the Injector's job at inject time, against
// the on-disk directory, not against the in-memory tree.
func (n *Node) AddChild(child *Node) {
	n.Children = append(n.Children, child)
}

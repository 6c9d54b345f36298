package engine

import (
	"io"

	"github.com/rimgen/fsimage/fsnode"
)

// Type identifies which on-disk filesystem a session targets.
type Type int

const (
	TypeFAT32 Type = iota
	TypeExFAT
	TypeEXT4
)

func (t Type) String() string {
	switch t {
	case TypeFAT32:
		return "fat32"
	case TypeExFAT:
		return "exfat"
	case TypeEXT4:
		return "ext4"
	default:
		return "unknown"
	}
}

// Options carries the metadata-derivation inputs common across
// filesystems (spec.md §4.2). Filesystem-specific knobs live on each
// package's own Options type, which embeds this one.
type Options struct {
	Label      string
	ClusterHint int64 // 0 lets Meta derivation pick a default
}

// Formatter writes the initial empty-but-valid filesystem image.
// spec.md §4.4 / §6.3.
type Formatter interface {
	Format() error
}

// Injector streams a host-side fsnode.Node tree into the image
// depth-first. spec.md §4.5 / §6.3.
//
// Every filesystem's concrete Injector also implements an Inject method
// that drives SetRootContext/Mkdir/WriteFile/EndDir/Flush over a full
// fsnode.Node tree; that convenience entry point is not part of this
// interface because the context-stack operations themselves are what
// the orchestrator and the test suite program against directly.
type Injector interface {
	SetRootContext(root *fsnode.Node) error
	Mkdir(name string, attrs fsnode.Attributes) error
	WriteFile(name string, source io.Reader, length int64, attrs fsnode.Attributes) error
	EndDir() error
	Flush() error
}

// Checker reads back an image and validates its invariants. spec.md
// §4.6 / §6.3. It never mutates the store.
type Checker interface {
	Check() ([]Finding, error)
}

// InjectTree is the depth-first driver spec.md §2 calls
// Injector::inject_tree: it calls SetRootContext once, then walks the
// fsnode.Node tree calling Mkdir/WriteFile/EndDir in the order the tree
// is declared, and finishes with Flush. It is the single orchestration
// point every filesystem's own Inject wrapper delegates to, so the
// depth-first contract (§4.5.1) is enforced in exactly one place
// instead of being re-implemented three times.
func InjectTree(inj Injector, root *fsnode.Node) error {
	if err := inj.SetRootContext(root); err != nil {
		return err
	}
	if err := injectChildren(inj, root); err != nil {
		return err
	}
	return inj.Flush()
}

func injectChildren(inj Injector, dir *fsnode.Node) error {
	for _, child := range dir.Children {
		switch child.Kind {
		case fsnode.Dir:
			if err := inj.Mkdir(child.Name, child.Attributes); err != nil {
				return err
			}
			if err := injectChildren(inj, child); err != nil {
				return err
			}
			if err := inj.EndDir(); err != nil {
				return err
			}
		case fsnode.File:
			if err := inj.WriteFile(child.Name, child.Source, child.Length, child.Attributes); err != nil {
				return err
			}
		}
	}
	return nil
}

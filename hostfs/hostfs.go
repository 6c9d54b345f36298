// Package hostfs builds an fsnode.Node tree from a real host directory,
// the "files on the host" input path spec.md §1 assumes exists but never
// specifies (SPEC_FULL.md §4.7). It exists only to give an Injector
// something to consume outside of tests.
package hostfs

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	times "gopkg.in/djherbis/times.v1"

	"github.com/rimgen/fsimage/fsnode"
)

// Capability reports what a target filesystem can represent, so FromDir
// knows how to handle a host symlink: carried through natively (EXT4) or
// resolved by reading the link target's own bytes (FAT32, ExFAT, which
// have no symlink representation at all).
type Capability struct {
	Symlinks bool
}

// FromDir walks root with os.ReadDir and returns the tree rooted at root
// itself (the returned Node's Name is the base name of root). Attributes
// are populated from os.FileInfo plus times.Stat's birth time where the
// host platform exposes one.
func FromDir(root string, cap Capability) (*fsnode.Node, error) {
	info, err := os.Lstat(root)
	if err != nil {
		return nil, errors.Wrapf(err, "stat %s", root)
	}
	node := fsnode.NewDir(filepath.Base(root), attrsFor(root, info))
	if err := walkDir(root, node, cap); err != nil {
		return nil, err
	}
	return node, nil
}

func walkDir(dir string, node *fsnode.Node, cap Capability) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return errors.Wrapf(err, "readdir %s", dir)
	}
	for _, e := range entries {
		path := filepath.Join(dir, e.Name())
		info, err := e.Info()
		if err != nil {
			return errors.Wrapf(err, "stat %s", path)
		}
		attrs := attrsFor(path, info)

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			child, err := buildSymlink(path, e.Name(), attrs, cap)
			if err != nil {
				return err
			}
			node.AddChild(child)
		case info.IsDir():
			child := fsnode.NewDir(e.Name(), attrs)
			if err := walkDir(path, child, cap); err != nil {
				return err
			}
			node.AddChild(child)
		default:
			child, err := buildFile(path, e.Name(), info.Size(), attrs)
			if err != nil {
				return err
			}
			node.AddChild(child)
		}
	}
	return nil
}

func buildSymlink(path, name string, attrs fsnode.Attributes, cap Capability) (*fsnode.Node, error) {
	target, err := os.Readlink(path)
	if err != nil {
		return nil, errors.Wrapf(err, "readlink %s", path)
	}
	if cap.Symlinks {
		attrs.Symlink = target
		return fsnode.NewFile(name, nil, 0, attrs), nil
	}
	logrus.WithFields(logrus.Fields{"path": path, "target": target}).
		Warn("hostfs: target filesystem cannot represent symlinks, copying link target's content instead")
	return buildFile(path, name, 0, attrs)
}

func buildFile(path, name string, hintSize int64, attrs fsnode.Attributes) (*fsnode.Node, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "stat %s", path)
	}
	return fsnode.NewFile(name, f, info.Size(), attrs), nil
}

func attrsFor(path string, info os.FileInfo) fsnode.Attributes {
	attrs := fsnode.Attributes{
		Mode:     uint32(info.Mode().Perm()),
		Modified: info.ModTime(),
	}
	if info.IsDir() {
		attrs.Mode |= 0040000
	}
	if ts, err := times.Stat(path); err == nil {
		attrs.Accessed = ts.AccessTime()
		if ts.HasBirthTime() {
			attrs.Created = ts.BirthTime()
		} else {
			attrs.Created = ts.ModTime()
		}
	} else {
		logrus.WithError(err).WithField("path", path).Debug("hostfs: times.Stat unavailable, falling back to ModTime")
		attrs.Created = info.ModTime()
	}
	return attrs
}

package ext4

import (
	"bytes"

	"github.com/rimgen/fsimage/fsnode"
	"github.com/rimgen/fsimage/store"
)

// Parser reads an EXT4 image back into an fsnode.Node tree (spec.md
// §4.1, §8 property 2 "round-trip"), independent of any in-memory
// Allocator state.
type Parser struct {
	store store.Store
	meta  *Meta
}

// NewParser constructs a Parser over an already-formatted image.
func NewParser(s store.Store, m *Meta) *Parser {
	return &Parser{store: s, meta: m}
}

// Parse walks the tree from the root inode (2) and returns it.
func (p *Parser) Parse() (*fsnode.Node, error) {
	root := fsnode.NewDir("", fsnode.Attributes{})
	if err := p.parseDir(rootInode, root); err != nil {
		return nil, err
	}
	return root, nil
}

func (p *Parser) parseDir(ino InodeID, node *fsnode.Node) error {
	in, err := readInode(p.store, p.meta, ino)
	if err != nil {
		return err
	}
	blocks, err := extentTreeBlocks(p.store, p.meta, in)
	if err != nil {
		return err
	}
	for _, b := range blocks {
		buf := make([]byte, p.meta.BlockSize)
		if err := p.store.ReadAt(buf, p.meta.BlockOffset(b)); err != nil {
			return err
		}
		entries, err := directoryEntriesFromBlock(buf)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.filename == "." || e.filename == ".." {
				continue
			}
			if err := p.parseEntry(InodeID(e.inode), e.filename, node); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Parser) parseEntry(ino InodeID, name string, parent *fsnode.Node) error {
	in, err := readInode(p.store, p.meta, ino)
	if err != nil {
		return err
	}
	attrs := fsnode.Attributes{
		Mode:       uint32(in.mode & 0777),
		UID:        uint32(in.uid),
		GID:        uint32(in.gid),
		Modified:   in.modifyTime,
		Accessed:   in.accessTime,
		Generation: in.generation,
	}

	switch {
	case in.isDir():
		child := fsnode.NewDir(name, attrs)
		if err := p.parseDir(ino, child); err != nil {
			return err
		}
		parent.AddChild(child)
	case in.isLink():
		attrs.Symlink = in.symlink
		child := fsnode.NewFile(name, bytes.NewReader(nil), 0, attrs)
		parent.AddChild(child)
	default:
		blocks, err := extentTreeBlocks(p.store, p.meta, in)
		if err != nil {
			return err
		}
		data := make([]byte, 0, in.size)
		for _, b := range blocks {
			if int64(len(data)) >= int64(in.size) {
				break
			}
			buf := make([]byte, p.meta.BlockSize)
			if err := p.store.ReadAt(buf, p.meta.BlockOffset(b)); err != nil {
				return err
			}
			remain := int64(in.size) - int64(len(data))
			if remain < int64(len(buf)) {
				buf = buf[:remain]
			}
			data = append(data, buf...)
		}
		child := fsnode.NewFile(name, bytes.NewReader(data), int64(len(data)), attrs)
		parent.AddChild(child)
	}
	return nil
}

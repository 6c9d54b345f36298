package ext4

import (
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/rimgen/fsimage/engine"
	"github.com/rimgen/fsimage/fsnode"
	"github.com/rimgen/fsimage/store"
)

const defaultScratchBuf = 64 * 1024

// dirFrame is the Injector's context-stack entry for one open
// directory (spec.md §4.5.1): the inode number, the accumulated list
// of directory data blocks, the block currently being appended to, and
// the bookkeeping needed for collision detection and the deferred
// i_links_count update at Flush.
type dirFrame struct {
	ino           InodeID
	blocks        []BlockID
	cur           *directoryBlock
	childDirCount uint16
	created       time.Time
	modified      time.Time
	names         map[string]bool

	// tree caches the extent tree built at Flush so a repeated Flush
	// reuses it instead of allocating a fresh index block.
	tree       *extentTree
	treeBlocks int
}

// Injector streams a host fsnode.Node tree into a formatted EXT4
// image (spec.md §4.5). Every directory's inode is rewritten at Flush
// rather than as it is built, since its size and extent tree only
// settle once all of its children have been injected.
type Injector struct {
	store      store.Store
	meta       *Meta
	alloc      *Allocator
	stack      []*dirFrame
	allDirs    []*dirFrame
	scratchLen int
	log        *logrus.Entry
}

// NewInjector constructs an Injector over a freshly formatted image.
// alloc must reserve the same geometry NewAllocator(meta) would (the
// root data block's fixed location makes a fresh Allocator agree with
// the one the Formatter used without the two sharing an instance).
func NewInjector(s store.Store, m *Meta, alloc *Allocator, scratchLen int) *Injector {
	if scratchLen <= 0 {
		scratchLen = defaultScratchBuf
	}
	return &Injector{store: s, meta: m, alloc: alloc, scratchLen: scratchLen,
		log: logrus.WithField("fs", "ext4")}
}

// Inject is the convenience entry point driving the full depth-first
// walk via engine.InjectTree.
func (inj *Injector) Inject(root *fsnode.Node) error {
	return engine.InjectTree(inj, root)
}

func (inj *Injector) top() *dirFrame { return inj.stack[len(inj.stack)-1] }

// SetRootContext initializes the first context-stack frame over the
// root inode's already-formatted data block. Must be called exactly
// once.
func (inj *Injector) SetRootContext(root *fsnode.Node) error {
	if len(inj.stack) != 0 {
		return errors.New("ext4: SetRootContext called more than once")
	}
	// the root data block has a fixed location every NewAllocator(meta)
	// reserves up front, so the Formatter's placement and this
	// Injector's bookkeeping agree without sharing an instance.
	rootBlock := inj.meta.RootBlock()

	db := newDirectoryBlock(inj.meta.BlockSize)
	db.append(uint32(rootInode), ".", fileTypeDir)
	db.append(uint32(rootInode), "..", fileTypeDir)

	now := buildTime
	frame := &dirFrame{
		ino: rootInode, blocks: []BlockID{rootBlock}, cur: db,
		created: now, modified: now, names: map[string]bool{},
	}
	inj.stack = append(inj.stack, frame)
	inj.allDirs = append(inj.allDirs, frame)
	return nil
}

func validateName(name string) error {
	if name == "" || name == "." || name == ".." {
		return errors.Wrapf(engine.ErrNameInvalid, "reserved or empty name %q", name)
	}
	if len(name) > maxNameLength {
		return errors.Wrapf(engine.ErrNameInvalid, "name %q exceeds %d bytes", name, maxNameLength)
	}
	for i := 0; i < len(name); i++ {
		if name[i] == 0 || name[i] == '/' {
			return errors.Wrapf(engine.ErrNameInvalid, "name %q contains an unrepresentable byte", name)
		}
	}
	return nil
}

func (inj *Injector) checkCollision(frame *dirFrame, name string) error {
	if frame.names[name] {
		return errors.Wrapf(engine.ErrNameCollision, "duplicate name %q", name)
	}
	return nil
}

// appendDirEntry appends one (inode, name, fileType) record to frame's
// directory data, allocating and linking in a new block first if the
// current block has no room (spec.md §4.5.4), then writes the
// affected block(s) to the store.
func (inj *Injector) appendDirEntry(frame *dirFrame, ino InodeID, name string, ft byte) error {
	if !frame.cur.fits(len(name)) {
		nb, err := inj.alloc.AllocBlock()
		if err != nil {
			return errors.Wrap(err, "ext4: directory extension")
		}
		if err := inj.store.WriteAt(frame.cur.encode(), inj.meta.BlockOffset(frame.blocks[len(frame.blocks)-1])); err != nil {
			return errors.Wrap(engine.ErrIO, err.Error())
		}
		frame.blocks = append(frame.blocks, nb)
		frame.cur = newDirectoryBlock(inj.meta.BlockSize)
	}
	frame.cur.append(uint32(ino), name, ft)
	if err := inj.store.WriteAt(frame.cur.encode(), inj.meta.BlockOffset(frame.blocks[len(frame.blocks)-1])); err != nil {
		return errors.Wrap(engine.ErrIO, err.Error())
	}
	return nil
}

func permOrDefault(mode uint32, def uint16) uint16 {
	if mode&0777 == 0 {
		return def
	}
	return uint16(mode & 0777)
}

// Mkdir allocates a child inode and its first directory data block
// (holding "." and "..", the latter pointing at the parent), appends
// the parent's directory entry, and pushes a new context-stack frame.
// The child inode itself is not written until Flush, once its final
// size and extent tree are known.
func (inj *Injector) Mkdir(name string, attrs fsnode.Attributes) error {
	if err := validateName(name); err != nil {
		return err
	}
	parent := inj.top()
	if err := inj.checkCollision(parent, name); err != nil {
		return err
	}

	childIno, err := inj.alloc.AllocInode()
	if err != nil {
		return errors.Wrap(err, "ext4: directory inode")
	}
	childBlock, err := inj.alloc.AllocBlock()
	if err != nil {
		return errors.Wrap(err, "ext4: directory data block")
	}

	db := newDirectoryBlock(inj.meta.BlockSize)
	db.append(uint32(childIno), ".", fileTypeDir)
	db.append(uint32(parent.ino), "..", fileTypeDir)
	if err := inj.store.WriteAt(db.encode(), inj.meta.BlockOffset(childBlock)); err != nil {
		return errors.Wrap(engine.ErrIO, err.Error())
	}

	if err := inj.appendDirEntry(parent, childIno, name, fileTypeDir); err != nil {
		return err
	}
	parent.names[name] = true
	parent.childDirCount++

	created := attrs.Created
	if created.IsZero() {
		created = buildTime
	}
	modified := attrs.Modified
	if modified.IsZero() {
		modified = created
	}
	frame := &dirFrame{
		ino: childIno, blocks: []BlockID{childBlock}, cur: db,
		created: created, modified: modified, names: map[string]bool{},
	}
	inj.stack = append(inj.stack, frame)
	inj.allDirs = append(inj.allDirs, frame)
	return nil
}

// WriteFile streams source through the configured scratch buffer into
// an extent tree over newly allocated blocks (spec.md §4.5.3), or, for
// a symlink-bearing node, writes the target path inline into the
// inode's i_block union when it fits in 60 bytes. The inode is written
// immediately: unlike a directory, a file's size never grows after
// creation.
func (inj *Injector) WriteFile(name string, source io.Reader, length int64, attrs fsnode.Attributes) error {
	if err := validateName(name); err != nil {
		return err
	}
	parent := inj.top()
	if err := inj.checkCollision(parent, name); err != nil {
		return err
	}

	ino, err := inj.alloc.AllocInode()
	if err != nil {
		return errors.Wrap(err, "ext4: file inode")
	}

	created := attrs.Created
	if created.IsZero() {
		created = buildTime
	}
	modified := attrs.Modified
	if modified.IsZero() {
		modified = created
	}

	in := &inode{
		uid: uint16(attrs.UID), gid: uint16(attrs.GID),
		accessTime: attrs.Accessed, changeTime: created, modifyTime: modified,
		linksCount: 1,
		generation: attrs.Generation,
	}
	if attrs.Accessed.IsZero() {
		in.accessTime = modified
	}

	fileType := byte(fileTypeRegular)
	if attrs.Symlink != "" {
		in.mode = modeSymlink | permOrDefault(attrs.Mode, 0777)
		in.size = uint64(len(attrs.Symlink))
		if len(attrs.Symlink) <= 60 {
			in.symlink = attrs.Symlink
		} else {
			return errors.Wrapf(engine.ErrNameInvalid, "ext4: symlink target %q exceeds the 60-byte fast-symlink limit", attrs.Symlink)
		}
		fileType = fileTypeSymlink
	} else {
		in.mode = modeRegular | permOrDefault(attrs.Mode, 0644)
		in.size = uint64(length)
		in.flags = flagExtents

		var leaves []extentLeaf
		var logical uint32
		remaining := length
		scratch := make([]byte, inj.scratchLen)
		var blocks512 uint64

		for remaining > 0 {
			blocksNeeded := uint32((remaining + inj.meta.BlockSize - 1) / inj.meta.BlockSize)
			h, err := inj.alloc.AllocBlockRun(blocksNeeded)
			if err != nil {
				return err
			}
			leaves = append(leaves, splitRun(logical, h.First, h.Length)...)
			logical += h.Length

			for i := uint32(0); i < h.Length && remaining > 0; i++ {
				bl := h.First + BlockID(i)
				toWrite := inj.meta.BlockSize
				if remaining < toWrite {
					toWrite = remaining
				}
				n, err := io.ReadFull(source, scratch[:toWrite])
				if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
					return errors.Wrap(engine.ErrIO, err.Error())
				}
				buf := scratch[:n]
				if int64(n) < inj.meta.BlockSize && i == h.Length-1 {
					// on-disk bytes beyond EOF are unspecified but must
					// still be written (store is not assumed
					// pre-zeroed, spec.md §4.4).
					padded := make([]byte, inj.meta.BlockSize)
					copy(padded, buf)
					buf = padded
				}
				if err := inj.store.WriteAt(buf, inj.meta.BlockOffset(bl)); err != nil {
					return errors.Wrap(engine.ErrIO, err.Error())
				}
				remaining -= int64(n)
				blocks512 += uint64(inj.meta.BlockSize / sectorSize512)
			}
		}
		in.blocks512 = uint32(blocks512)

		if len(leaves) > 0 {
			tree, err := buildExtentTree(inj.alloc, leaves)
			if err != nil {
				return err
			}
			if tree.depth == 1 {
				if err := inj.store.WriteAt(tree.encodeExternalBlock(inj.meta.BlockSize), inj.meta.BlockOffset(tree.extBlock)); err != nil {
					return errors.Wrap(engine.ErrIO, err.Error())
				}
				in.blocks512 += uint32(inj.meta.BlockSize / sectorSize512)
			}
			in.extents = tree
		} else {
			in.extents = &extentTree{depth: 0}
		}
	}

	if err := writeInode(inj.store, inj.meta, ino, in); err != nil {
		return err
	}
	if err := inj.appendDirEntry(parent, ino, name, fileType); err != nil {
		return err
	}
	parent.names[name] = true
	return nil
}

// EndDir pops the context stack. The closed directory's inode is
// finalized at Flush, not here, since a sibling later in the walk
// could still be injected at the same depth and the frame list is only
// ever appended to (spec.md §4.5.5).
func (inj *Injector) EndDir() error {
	if len(inj.stack) <= 1 {
		return errors.New("ext4: EndDir called with no open directory")
	}
	inj.stack = inj.stack[:len(inj.stack)-1]
	return nil
}

// coalesceBlocks groups a directory's block list into contiguous runs,
// the same run-split extent representation files use, since ext4 does
// not distinguish a directory's block mapping from a file's.
func coalesceBlocks(blocks []BlockID) []extentLeaf {
	var out []extentLeaf
	for i, b := range blocks {
		if n := len(out); n > 0 {
			last := &out[n-1]
			if last.physical+BlockID(last.length) == b && last.length < maxBlocksPerExtent {
				last.length++
				continue
			}
		}
		out = append(out, extentLeaf{logical: uint32(i), physical: b, length: 1})
	}
	return out
}

// Flush finalizes every directory's inode (size, extent tree,
// i_links_count), writes block/inode bitmaps and the superblock + GDT
// (primary and sparse-super backups), and calls store.Flush (spec.md
// §4.5.5).
func (inj *Injector) Flush() error {
	for _, frame := range inj.allDirs {
		if frame.tree == nil || frame.treeBlocks != len(frame.blocks) {
			leaves := coalesceBlocks(frame.blocks)
			tree, err := buildExtentTree(inj.alloc, leaves)
			if err != nil {
				return err
			}
			frame.tree = tree
			frame.treeBlocks = len(frame.blocks)
		}
		tree := frame.tree
		in := &inode{
			mode:       modeDir | 0755,
			size:       uint64(len(frame.blocks)) * uint64(inj.meta.BlockSize),
			accessTime: frame.modified,
			changeTime: frame.modified,
			modifyTime: frame.modified,
			linksCount: 2 + frame.childDirCount,
			blocks512:  uint32(len(frame.blocks)) * uint32(inj.meta.BlockSize/sectorSize512),
			flags:      flagExtents,
			extents:    tree,
		}
		if tree.depth == 1 {
			if err := inj.store.WriteAt(tree.encodeExternalBlock(inj.meta.BlockSize), inj.meta.BlockOffset(tree.extBlock)); err != nil {
				return errors.Wrap(engine.ErrIO, err.Error())
			}
			in.blocks512 += uint32(inj.meta.BlockSize / sectorSize512)
		}
		if err := writeInode(inj.store, inj.meta, frame.ino, in); err != nil {
			return err
		}
	}

	for g := uint32(0); g < inj.meta.GroupCount; g++ {
		if err := inj.store.WriteAt(inj.alloc.BlockBitmapForGroup(g), inj.meta.BlockOffset(inj.meta.Groups[g].BlockBitmap)); err != nil {
			return errors.Wrap(engine.ErrIO, err.Error())
		}
		if err := inj.store.WriteAt(inj.alloc.InodeBitmapForGroup(g), inj.meta.BlockOffset(inj.meta.Groups[g].InodeBitmap)); err != nil {
			return errors.Wrap(engine.ErrIO, err.Error())
		}
	}

	sb := inj.meta.buildSuperblock(inj.alloc, buildTime)
	gds := inj.meta.buildGroupDescriptors(inj.alloc)
	// re-derive each group's directory count from the final set of
	// directories actually injected, rather than trusting Format's
	// root-only count.
	dirsPerGroup := make(map[uint32]uint16)
	for _, frame := range inj.allDirs {
		dirsPerGroup[inj.meta.GroupOf(frame.ino)]++
	}
	for g := uint32(0); g < inj.meta.GroupCount; g++ {
		gds.descriptors[g].usedDirectories = dirsPerGroup[g]
	}

	for g := uint32(0); g < inj.meta.GroupCount; g++ {
		if !inj.meta.Groups[g].HasSuperblockBackup {
			continue
		}
		if err := writeSuperblockAndGDT(inj.store, inj.meta, g, sb, gds); err != nil {
			return err
		}
	}

	return inj.store.Flush()
}

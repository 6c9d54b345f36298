package ext4

import (
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/rimgen/fsimage/engine"
	"github.com/rimgen/fsimage/store"
)

// Formatter writes the initial empty-but-valid EXT4 image (spec.md
// §4.4): primary + backup superblocks, the group descriptor table and
// its backups, block/inode bitmaps marking only the reserved metadata
// and zeroed inode tables for every group, and a root inode (2) holding a single directory block with
// "." and "..".
type Formatter struct {
	store store.Store
	meta  *Meta
	log   *logrus.Entry
}

// NewFormatter constructs a Formatter over store for the given meta.
func NewFormatter(s store.Store, m *Meta) *Formatter {
	return &Formatter{store: s, meta: m, log: logrus.WithField("fs", "ext4")}
}

// writeInode renders in and writes it at inode number ino's slot in
// its group's inode table.
func writeInode(s store.Store, m *Meta, ino InodeID, in *inode) error {
	g := m.GroupOf(ino)
	idx := m.IndexInGroup(ino)
	offset := m.BlockOffset(m.Groups[g].InodeTableStart) + int64(idx)*int64(m.InodeSize)
	b, err := in.toBytes(m.InodeSize)
	if err != nil {
		return err
	}
	if err := s.WriteAt(b, offset); err != nil {
		return errors.Wrap(engine.ErrIO, err.Error())
	}
	return nil
}

func readInode(s store.Store, m *Meta, ino InodeID) (*inode, error) {
	g := m.GroupOf(ino)
	idx := m.IndexInGroup(ino)
	offset := m.BlockOffset(m.Groups[g].InodeTableStart) + int64(idx)*int64(m.InodeSize)
	b := make([]byte, m.InodeSize)
	if err := s.ReadAt(b, offset); err != nil {
		return nil, errors.Wrap(engine.ErrIO, err.Error())
	}
	return inodeFromBytes(b)
}

// gdtOffset returns the byte offset of the Block Group Descriptor
// Table copy that belongs to group (spec.md §6.2: "BGDT immediately
// follows [the superblock] in block 1").
func (m *Meta) gdtOffset(group uint32) int64 {
	return m.BlockOffset(m.Groups[group].GroupStart + 1)
}

// superblockOffset returns the byte offset of the superblock copy that
// belongs to group. Group 0's superblock starts at the fixed byte
// offset 1024 (spec.md §6.2); every other backup group's superblock
// occupies the whole first block of the group.
func (m *Meta) superblockOffset(group uint32) int64 {
	if group == 0 {
		return superblockSize
	}
	return m.BlockOffset(m.Groups[group].GroupStart)
}

// buildTime is the fixed timestamp stamped on formatter-created
// metadata and used wherever a node's attributes carry no time of
// their own, so identical inputs always produce identical image bytes.
var buildTime = time.Unix(0, 0).UTC()

func (m *Meta) buildSuperblock(alloc *Allocator, now time.Time) *superblock {
	firstDataBlock := m.FirstDataBlock
	return &superblock{
		inodeCount:            m.TotalInodes,
		blockCount:            uint64(m.TotalBlocks),
		freeBlocks:            alloc.FreeBlockCount(),
		freeInodes:            uint32(alloc.FreeInodeCount()),
		firstDataBlock:        firstDataBlock,
		blockSize:             uint64(m.BlockSize),
		blocksPerGroup:        m.BlocksPerGroup,
		inodesPerGroup:        m.InodesPerGroup,
		mountTime:             now,
		writeTime:             now,
		filesystemState:       fsStateCleanlyUnmounted,
		errorBehaviour:        errorsContinue,
		lastCheck:             now,
		creatorOS:             osLinux,
		revisionLevel:         1, // EXT4_DYNAMIC_REV
		firstNonReservedInode: uint32(m.FirstNonReservedInode),
		inodeSize:             m.InodeSize,
		features:              m.Features,
		uuid:                  m.UUID,
		volumeLabel:           m.Label,
		hashVersion:           hashHalfMD4,
	}
}

func (m *Meta) buildGroupDescriptors(alloc *Allocator) *groupDescriptors {
	gds := &groupDescriptors{descriptors: make([]*groupDescriptor, m.GroupCount)}
	for g := uint32(0); g < m.GroupCount; g++ {
		free := countFreeBits(alloc.BlockBitmapForGroup(g), m.Groups[g].GroupBlocks)
		freeI := countFreeBits(alloc.InodeBitmapForGroup(g), m.InodesPerGroup)
		var usedDirs uint16
		if g == 0 {
			usedDirs = 1 // root
		}
		gds.descriptors[g] = &groupDescriptor{
			blockBitmapLocation: uint32(m.Groups[g].BlockBitmap),
			inodeBitmapLocation: uint32(m.Groups[g].InodeBitmap),
			inodeTableLocation:  uint32(m.Groups[g].InodeTableStart),
			freeBlocks:          uint16(free),
			freeInodes:          uint16(freeI),
			usedDirectories:     usedDirs,
		}
	}
	return gds
}

// countFreeBits counts the clear bits among the first n bits of bitmap.
func countFreeBits(bitmap []byte, n uint32) uint32 {
	var free uint32
	for i := uint32(0); i < n; i++ {
		if bitmap[i/8]&(1<<(i%8)) == 0 {
			free++
		}
	}
	return free
}

// writeSuperblockAndGDT serializes sb and gds and writes both copies
// appropriate to group, zero-padding the GDT out to a full number of
// blocks. Shared by Formatter.Format and Injector.Flush, both of which
// must rewrite every sparse-super backup in lockstep with the primary.
func writeSuperblockAndGDT(s store.Store, m *Meta, group uint32, sb *superblock, gds *groupDescriptors) error {
	sbBytes, err := sb.toBytes()
	if err != nil {
		return err
	}
	if err := s.WriteAt(sbBytes, m.superblockOffset(group)); err != nil {
		return errors.Wrap(engine.ErrIO, err.Error())
	}

	gdtBytes := make([]byte, int64(m.GDTBlocks)*m.BlockSize)
	copy(gdtBytes, gds.toBytes())
	if err := s.WriteAt(gdtBytes, m.gdtOffset(group)); err != nil {
		return errors.Wrap(engine.ErrIO, err.Error())
	}
	return nil
}

// Format writes every block group's bitmaps and inode table, the
// superblock and GDT (primary plus sparse-super backups), and the root
// directory (inode 2, mode dir, "." and ".." in its one data block).
// It never writes user files.
func (f *Formatter) Format() error {
	f.log.WithField("op", "format").Info("formatting ext4 volume")

	alloc := NewAllocator(f.meta)
	rootBlock := f.meta.RootBlock()

	now := buildTime

	db := newDirectoryBlock(f.meta.BlockSize)
	db.append(uint32(rootInode), ".", fileTypeDir)
	db.append(uint32(rootInode), "..", fileTypeDir)
	if err := f.store.WriteAt(db.encode(), f.meta.BlockOffset(rootBlock)); err != nil {
		return errors.Wrap(engine.ErrIO, err.Error())
	}

	for g := uint32(0); g < f.meta.GroupCount; g++ {
		layout := f.meta.Groups[g]
		zeroTable := make([]byte, int64(layout.InodeTableBlocks)*f.meta.BlockSize)
		if err := f.store.WriteAt(zeroTable, f.meta.BlockOffset(layout.InodeTableStart)); err != nil {
			return errors.Wrap(engine.ErrIO, err.Error())
		}
	}

	leaves := []extentLeaf{{logical: 0, physical: rootBlock, length: 1}}
	tree, err := buildExtentTree(alloc, leaves)
	if err != nil {
		return err
	}
	rootIn := &inode{
		mode:       modeDir | 0755,
		size:       uint64(f.meta.BlockSize),
		accessTime: now,
		changeTime: now,
		modifyTime: now,
		linksCount: 2, // "." and ".." both point at the root itself
		blocks512:  uint32(f.meta.BlockSize / sectorSize512),
		flags:      flagExtents,
		extents:    tree,
	}
	if err := writeInode(f.store, f.meta, rootInode, rootIn); err != nil {
		return err
	}

	for g := uint32(0); g < f.meta.GroupCount; g++ {
		if err := f.store.WriteAt(alloc.BlockBitmapForGroup(g), f.meta.BlockOffset(f.meta.Groups[g].BlockBitmap)); err != nil {
			return errors.Wrap(engine.ErrIO, err.Error())
		}
		if err := f.store.WriteAt(alloc.InodeBitmapForGroup(g), f.meta.BlockOffset(f.meta.Groups[g].InodeBitmap)); err != nil {
			return errors.Wrap(engine.ErrIO, err.Error())
		}
	}

	sb := f.meta.buildSuperblock(alloc, now)
	gds := f.meta.buildGroupDescriptors(alloc)
	for g := uint32(0); g < f.meta.GroupCount; g++ {
		if !f.meta.Groups[g].HasSuperblockBackup {
			continue
		}
		if err := writeSuperblockAndGDT(f.store, f.meta, g, sb, gds); err != nil {
			return err
		}
	}

	return f.store.Flush()
}

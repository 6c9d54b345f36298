package ext4

import (
	"github.com/rimgen/fsimage/internal/freemap"
)

// Allocator tracks free blocks and free inodes in memory during a
// session (spec.md §4.3). Every block and inode the Formatter's
// geometry already spoke for (superblock/GDT copies, bitmaps, inode
// tables, the reserved inode range, the root inode and its data block)
// is reserved up front.
type Allocator struct {
	meta   *Meta
	blocks *freemap.Map
	inodes *freemap.Map
}

// BlockHandle is the result of a block allocation.
type BlockHandle struct {
	First  BlockID
	Length uint32
}

// NewAllocator builds an Allocator over meta's block and inode space
// with every block-group's own metadata overhead reserved.
func NewAllocator(meta *Meta) *Allocator {
	blocks := freemap.New(uint64(meta.TotalBlocks))
	if meta.FirstDataBlock > 0 {
		blocks.Reserve(0, uint64(meta.FirstDataBlock)) // boot block, outside every group
	}
	for _, g := range meta.Groups {
		if g.HasSuperblockBackup {
			blocks.Reserve(uint64(g.GroupStart), 1+uint64(meta.GDTBlocks))
		}
		blocks.Reserve(uint64(g.BlockBitmap), 1)
		blocks.Reserve(uint64(g.InodeBitmap), 1)
		blocks.Reserve(uint64(g.InodeTableStart), uint64(g.InodeTableBlocks))
	}
	// the root inode's single data block has a fixed, deterministic
	// location (the first data block of group 0) so the Formatter and
	// a freshly constructed Injector agree on it without sharing state
	// (spec.md §2 "the Allocator ... for EXT4, also seeded by the
	// Formatter when the root inode is placed").
	blocks.Reserve(uint64(meta.Groups[0].DataStart), 1)

	// inode numbers are 1-based: map unit i tracks inode i+1, the same
	// convention the on-disk inode bitmaps use (bit 0 of group g is
	// inode g*InodesPerGroup+1).
	inodes := freemap.New(uint64(meta.TotalInodes))
	inodes.Reserve(0, lastReservedInode)

	return &Allocator{meta: meta, blocks: blocks, inodes: inodes}
}

// AllocBlockRun requests n contiguous blocks, returning the best-effort
// longest contiguous run available (spec.md §4.3). Allocation is a flat
// scan across the whole volume: block-group boundaries bound metadata
// layout, not allocation contiguity, so a run may freely cross them.
func (a *Allocator) AllocBlockRun(n uint32) (BlockHandle, error) {
	start, length, err := a.blocks.AllocRun(uint64(n))
	if err != nil {
		return BlockHandle{}, err
	}
	return BlockHandle{First: BlockID(start), Length: uint32(length)}, nil
}

// AllocBlock requests a single block, used for directory extension and
// extent index blocks.
func (a *Allocator) AllocBlock() (BlockID, error) {
	b, err := a.blocks.AllocOne()
	return BlockID(b), err
}

// FreeBlock releases a block back to the pool (error-path rollback only).
func (a *Allocator) FreeBlock(b BlockID) {
	a.blocks.FreeUnit(uint64(b))
}

// IsBlockUsed reports whether block b is currently allocated.
func (a *Allocator) IsBlockUsed(b BlockID) bool {
	return a.blocks.IsUsed(uint64(b))
}

// FreeBlockCount returns the number of unallocated blocks.
func (a *Allocator) FreeBlockCount() uint64 { return a.blocks.Free() }

// AllocInode requests the next free inode number.
func (a *Allocator) AllocInode() (InodeID, error) {
	i, err := a.inodes.AllocOne()
	return InodeID(i + 1), err
}

// FreeInodeCount returns the number of unallocated inodes.
func (a *Allocator) FreeInodeCount() uint64 { return a.inodes.Free() }

// IsInodeUsed reports whether inode ino is currently allocated.
func (a *Allocator) IsInodeUsed(ino InodeID) bool {
	return a.inodes.IsUsed(uint64(ino) - 1)
}

// BlockBitmapForGroup renders group g's on-disk block bitmap block:
// bit i tracks block GroupStart+i, and bits past the group's last
// block (only the final, short group has any) are set used, the
// convention e2fsck expects.
func (a *Allocator) BlockBitmapForGroup(g uint32) []byte {
	layout := a.meta.Groups[g]
	out := make([]byte, a.meta.BlockSize)
	for i := uint32(0); i < layout.GroupBlocks; i++ {
		if a.blocks.IsUsed(uint64(layout.GroupStart) + uint64(i)) {
			out[i/8] |= 1 << (i % 8)
		}
	}
	for i := layout.GroupBlocks; i < uint32(a.meta.BlockSize)*8; i++ {
		out[i/8] |= 1 << (i % 8)
	}
	return out
}

// InodeBitmapForGroup renders group g's on-disk inode bitmap block:
// bit i tracks inode g*InodesPerGroup+i+1, padding bits past
// InodesPerGroup set used.
func (a *Allocator) InodeBitmapForGroup(g uint32) []byte {
	out := make([]byte, a.meta.BlockSize)
	base := uint64(g) * uint64(a.meta.InodesPerGroup)
	for i := uint32(0); i < a.meta.InodesPerGroup; i++ {
		if a.inodes.IsUsed(base + uint64(i)) {
			out[i/8] |= 1 << (i % 8)
		}
	}
	for i := a.meta.InodesPerGroup; i < uint32(a.meta.BlockSize)*8; i++ {
		out[i/8] |= 1 << (i % 8)
	}
	return out
}

// Package ext4 implements the Formatter, Allocator, Injector and
// Checker for EXT4 (spec.md §3.4, §4 as specialized for EXT4):
// extent-mapped inodes, classic linear directory entries, a single
// flat block/inode bitmap allocator layered onto a classic (non-flex)
// per-block-group metadata layout.
package ext4

import (
	"fmt"

	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"

	"github.com/rimgen/fsimage/engine"
)

// BlockID is the EXT4 block allocation unit. spec.md §3.1 calls out
// that EXT4's allocator distinguishes a u32 inode number from a u64
// block number; this engine only targets volumes that fit in 32 bits
// of block count, but keeps the wider type so block arithmetic never
// silently wraps.
type BlockID uint64

// InodeID is the EXT4 inode allocation unit.
type InodeID uint32

const (
	rootInode     InodeID = 2
	lostFoundNone InodeID = 0

	firstReservedInode = 1
	lastReservedInode  = 10

	defaultInodeSize  = 256
	defaultInodeRatio = 16384 // bytes of volume per inode

	minBlockSize = 1024
	maxBlockSize = 65536

	maxBlocksPerExtent = 32768

	// directoryEntryFileType values (spec.md §6.3 INCOMPAT_FILETYPE)
	fileTypeUnknown  = 0
	fileTypeRegular  = 1
	fileTypeDir      = 2
	fileTypeSymlink  = 7
)

// Options are the EXT4-specific metadata-derivation inputs.
type Options struct {
	engine.Options
	UUID string // empty lets Derive synthesize one from the volume length
}

// GroupLayout is the fixed, pure-derived geometry of one block group.
type GroupLayout struct {
	HasSuperblockBackup bool
	GroupStart          BlockID // first block belonging to this group
	GroupBlocks         uint32  // blocks in this group (last group may be short)
	BlockBitmap         BlockID
	InodeBitmap         BlockID
	InodeTableStart     BlockID
	InodeTableBlocks    uint32
	DataStart           BlockID
	DataBlocks          uint32
}

// Meta is the pure, I/O-free derivation of EXT4 geometry from a volume
// length and Options (spec.md §4.2).
type Meta struct {
	VolumeLength int64
	Label        string
	UUID         string

	BlockSize      int64
	TotalBlocks    uint32
	FirstDataBlock uint32 // 1 for 1 KiB blocks (block 0 is the boot block), else 0
	BlocksPerGroup uint32
	GroupCount     uint32

	InodeSize             uint16
	InodesPerGroup        uint32
	TotalInodes           uint32
	FirstNonReservedInode InodeID

	Features featureFlags

	GDTBlocks uint32 // blocks needed for one copy of the group descriptor table
	Groups    []GroupLayout
}

// BlockOffset returns the byte offset of the first byte of block b.
func (m *Meta) BlockOffset(b BlockID) int64 {
	return int64(b) * m.BlockSize
}

// InodesPerBlock is how many inodeSize-byte inodes fit in one block.
func (m *Meta) InodesPerBlock() uint32 {
	return uint32(m.BlockSize) / uint32(m.InodeSize)
}

// RootBlock returns the fixed data block the root inode's single
// directory block occupies: the first data block of group 0.
func (m *Meta) RootBlock() BlockID {
	return m.Groups[0].DataStart
}

// GroupOf returns the block group index an inode number belongs to.
func (m *Meta) GroupOf(ino InodeID) uint32 {
	return (uint32(ino) - 1) / m.InodesPerGroup
}

// IndexInGroup returns an inode's 0-based offset within its group.
func (m *Meta) IndexInGroup(ino InodeID) uint32 {
	return (uint32(ino) - 1) % m.InodesPerGroup
}

func roundUp(n, multiple uint32) uint32 {
	if multiple == 0 {
		return n
	}
	return ((n + multiple - 1) / multiple) * multiple
}

func ceilDiv(a, b int64) uint32 {
	return uint32((a + b - 1) / b)
}

// Derive computes EXT4 geometry for a volume of volumeLen bytes
// (spec.md §4.2). Block groups use the classic (non-flex) layout: each
// group carries its own block bitmap, inode bitmap and inode table,
// and groups named by calculateBackupSuperblocks additionally carry a
// backup superblock + group descriptor table.
func Derive(volumeLen int64, opts Options) (*Meta, error) {
	blockSize := opts.ClusterHint
	if blockSize == 0 {
		blockSize = 4096
	}
	if blockSize < minBlockSize || blockSize > maxBlockSize || blockSize&(blockSize-1) != 0 {
		return nil, errors.Wrapf(engine.ErrInvalidMeta, "ext4 block size %d must be a power of two in [%d, %d]", blockSize, minBlockSize, maxBlockSize)
	}

	totalBlocks := uint32(volumeLen / blockSize)
	if totalBlocks < 512 {
		return nil, errors.Wrapf(engine.ErrInvalidMeta, "ext4 volume too small: %d blocks of size %d", totalBlocks, blockSize)
	}

	blocksPerGroup := uint32(blockSize * 8)
	firstDataBlock := uint32(0)
	if blockSize == minBlockSize {
		firstDataBlock = 1 // block 0 holds the boot area; group 0 starts at block 1
	}
	groupCount := (totalBlocks - firstDataBlock + blocksPerGroup - 1) / blocksPerGroup
	if groupCount == 0 {
		groupCount = 1
	}

	gdtBlocks := ceilDiv(int64(groupCount)*groupDescriptorSize, blockSize)
	backups := calculateBackupSuperblocks(groupCount)

	totalInodesTarget := uint32(volumeLen / defaultInodeRatio)
	if totalInodesTarget < 64 {
		totalInodesTarget = 64
	}
	inodesPerGroup := (totalInodesTarget + groupCount - 1) / groupCount
	inodesPerBlock := uint32(blockSize) / defaultInodeSize
	inodesPerGroup = roundUp(inodesPerGroup, inodesPerBlock)
	inodeTableBlocks := inodesPerGroup / inodesPerBlock

	groups := make([]GroupLayout, groupCount)
	for g := uint32(0); g < groupCount; g++ {
		groupStart := BlockID(firstDataBlock) + BlockID(g)*BlockID(blocksPerGroup)
		groupBlocks := blocksPerGroup
		if remain := totalBlocks - uint32(groupStart); remain < blocksPerGroup {
			groupBlocks = remain
		}

		cur := groupStart
		hasBackup := backups[g]
		if hasBackup {
			cur += 1 // superblock block
			cur += BlockID(gdtBlocks)
		}
		blockBitmap := cur
		cur++
		inodeBitmap := cur
		cur++
		inodeTableStart := cur
		cur += BlockID(inodeTableBlocks)
		dataStart := cur
		dataBlocks := uint32(groupStart+BlockID(groupBlocks)) - uint32(cur)

		groups[g] = GroupLayout{
			HasSuperblockBackup: hasBackup,
			GroupStart:          groupStart,
			GroupBlocks:         groupBlocks,
			BlockBitmap:         blockBitmap,
			InodeBitmap:         inodeBitmap,
			InodeTableStart:     inodeTableStart,
			InodeTableBlocks:    inodeTableBlocks,
			DataStart:           dataStart,
			DataBlocks:          dataBlocks,
		}
		if int32(dataBlocks) <= 0 {
			return nil, errors.Wrapf(engine.ErrInvalidMeta, "ext4 group %d leaves no data blocks after metadata overhead", g)
		}
	}

	id := opts.UUID
	if id == "" {
		id = uuid.NewV5(uuid.NamespaceOID, fmt.Sprintf("rimgen-ext4-%d", volumeLen)).String()
	}
	if _, err := uuid.FromString(id); err != nil {
		return nil, errors.Wrapf(engine.ErrInvalidMeta, "invalid uuid %q: %v", id, err)
	}

	label := opts.Label

	features := defaultFeatureFlags
	const sixteenTiB = int64(16) * 1024 * 1024 * 1024 * 1024
	if volumeLen > sixteenTiB {
		features.fs64Bit = true
	}

	m := &Meta{
		VolumeLength:          volumeLen,
		Label:                 label,
		UUID:                  id,
		BlockSize:             blockSize,
		TotalBlocks:           totalBlocks,
		FirstDataBlock:        firstDataBlock,
		BlocksPerGroup:        blocksPerGroup,
		GroupCount:            groupCount,
		InodeSize:             defaultInodeSize,
		InodesPerGroup:        inodesPerGroup,
		TotalInodes:           inodesPerGroup * groupCount,
		FirstNonReservedInode: InodeID(lastReservedInode + 1),
		Features:              features,
		GDTBlocks:             gdtBlocks,
		Groups:                groups,
	}
	return m, nil
}

func (m *Meta) String() string {
	return fmt.Sprintf("ext4(blocks=%d blockSize=%d groups=%d inodes=%d label=%q)",
		m.TotalBlocks, m.BlockSize, m.GroupCount, m.TotalInodes, m.Label)
}

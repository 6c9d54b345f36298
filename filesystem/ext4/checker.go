package ext4

import (
	"github.com/dustin/go-humanize"

	"github.com/rimgen/fsimage/engine"
	"github.com/rimgen/fsimage/store"
)

// Checker reads back an EXT4 image and validates it independently of
// any in-memory Allocator state (spec.md §4.6): bitmap/reachability
// agreement, directory connectivity, and inode link-count consistency.
type Checker struct {
	store store.Store
	meta  *Meta
}

// NewChecker constructs a Checker over an image already believed to
// hold a valid EXT4 filesystem at the given Meta's geometry.
func NewChecker(s store.Store, m *Meta) *Checker {
	return &Checker{store: s, meta: m}
}

func (c *Checker) Check() ([]engine.Finding, error) {
	var findings []engine.Finding

	blockUsed := make(map[BlockID]bool)
	linkCounts := make(map[InodeID]int)
	storedLinks := make(map[InodeID]uint16)
	visited := make(map[InodeID]bool)

	if err := c.walk(rootInode, &findings, blockUsed, linkCounts, storedLinks, visited); err != nil {
		return findings, err
	}

	for ino, stored := range storedLinks {
		if got := uint16(linkCounts[ino]); got != stored {
			findings = append(findings, engine.NewCorrupt("inode link count",
				"inode %d: i_links_count=%d but %d directory entries (incl. '.'/'..') reference it", ino, stored, got))
		}
	}

	baseline := NewAllocator(c.meta)

	if err := c.checkBlockBitmap(blockUsed, baseline, &findings); err != nil {
		return findings, err
	}
	if err := c.checkInodeBitmap(visited, baseline, &findings); err != nil {
		return findings, err
	}

	return findings, nil
}

// extentTreeBlocks expands in's extent tree into the full, ordered
// list of physical blocks it maps, reading the external index block
// when the tree has depth 1 (spec.md §3.4, §4.5.3).
func extentTreeBlocks(s store.Store, m *Meta, in *inode) ([]BlockID, error) {
	if in.extents == nil {
		return nil, nil
	}
	leaves := in.extents.leaves
	if in.extents.depth == 1 {
		buf := make([]byte, m.BlockSize)
		if err := s.ReadAt(buf, m.BlockOffset(in.extents.extBlock)); err != nil {
			return nil, err
		}
		var err error
		leaves, err = decodeExternalExtentBlock(buf)
		if err != nil {
			return nil, err
		}
	}
	var out []BlockID
	for _, l := range leaves {
		for i := uint16(0); i < l.length; i++ {
			out = append(out, l.physical+BlockID(i))
		}
	}
	return out, nil
}

// walk does a depth-first traversal from ino, marking every block it
// owns reachable and tallying, for every inode number any directory
// entry names (including "." and ".."), how many entries actually
// point at it. A directory's own "." plus its children's ".." entries
// are what the spec's i_links_count invariant counts, so no special
// casing is needed beyond not recursing into a self-link.
func (c *Checker) walk(ino InodeID, findings *[]engine.Finding, blockUsed map[BlockID]bool, linkCounts map[InodeID]int, storedLinks map[InodeID]uint16, visited map[InodeID]bool) error {
	if visited[ino] {
		return nil
	}
	visited[ino] = true

	in, err := readInode(c.store, c.meta, ino)
	if err != nil {
		return err
	}
	storedLinks[ino] = in.linksCount

	if in.isLink() && in.symlink != "" {
		return nil // fast symlink: target lives inline in i_block, no data blocks
	}

	blocks, err := extentTreeBlocks(c.store, c.meta, in)
	if err != nil {
		return err
	}
	if in.extents != nil && in.extents.depth == 1 {
		// the external extent index block belongs to this inode too
		if blockUsed[in.extents.extBlock] {
			*findings = append(*findings, engine.NewCorrupt("extent reachability",
				"extent index block %d claimed by more than one inode", in.extents.extBlock))
		}
		blockUsed[in.extents.extBlock] = true
	}
	for _, b := range blocks {
		if blockUsed[b] {
			*findings = append(*findings, engine.NewCorrupt("extent reachability",
				"block %d claimed by more than one inode", b))
		}
		blockUsed[b] = true
	}

	if !in.isDir() {
		return nil
	}
	for _, b := range blocks {
		buf := make([]byte, c.meta.BlockSize)
		if err := c.store.ReadAt(buf, c.meta.BlockOffset(b)); err != nil {
			return err
		}
		entries, err := directoryEntriesFromBlock(buf)
		if err != nil {
			*findings = append(*findings, engine.NewCorrupt("directory block",
				"block %d (inode %d): %v", b, ino, err))
			continue
		}
		for _, e := range entries {
			child := InodeID(e.inode)
			linkCounts[child]++
			if e.filename == "." || e.filename == ".." {
				continue
			}
			if err := c.walk(child, findings, blockUsed, linkCounts, storedLinks, visited); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkBlockBitmap cross-references every group's on-disk block bitmap
// against blockUsed (from walk) union the fixed metadata blocks Meta
// itself reserves (spec.md §4.6, §3.4 "every allocated data block is
// set exactly once in exactly one group's block bitmap").
func (c *Checker) checkBlockBitmap(blockUsed map[BlockID]bool, baseline *Allocator, findings *[]engine.Finding) error {
	var totalFree uint32
	for g := uint32(0); g < c.meta.GroupCount; g++ {
		layout := c.meta.Groups[g]
		bitmap := make([]byte, c.meta.BlockSize)
		if err := c.store.ReadAt(bitmap, c.meta.BlockOffset(layout.BlockBitmap)); err != nil {
			return err
		}
		var free uint32
		for i := uint32(0); i < layout.GroupBlocks; i++ {
			b := BlockID(layout.GroupStart) + BlockID(i)
			onDisk := bitmap[i/8]&(1<<(i%8)) != 0
			expected := blockUsed[b] || baseline.IsBlockUsed(b)
			if onDisk && !expected {
				*findings = append(*findings, engine.NewCorrupt("block bitmap",
					"group %d block %d marked used but unreachable from root and not reserved metadata", g, b))
			} else if !onDisk && expected {
				*findings = append(*findings, engine.NewCorrupt("block bitmap",
					"group %d block %d reachable/reserved but marked free in bitmap", g, b))
			}
			if !onDisk {
				free++
			}
		}
		totalFree += free
	}

	sbBytes := make([]byte, superblockSize)
	if err := c.store.ReadAt(sbBytes, c.meta.superblockOffset(0)); err != nil {
		return err
	}
	sb, err := superblockFromBytes(sbBytes)
	if err != nil {
		*findings = append(*findings, engine.NewCorrupt("superblock", "%v", err))
		return nil
	}
	if uint32(sb.freeBlocks) != totalFree {
		*findings = append(*findings, engine.NewCorrupt("superblock free blocks",
			"s_free_blocks_count=%s but bitmap scan counted %s free",
			humanize.Comma(int64(sb.freeBlocks)), humanize.Comma(int64(totalFree))))
	}
	return nil
}

// checkInodeBitmap cross-references every group's on-disk inode bitmap
// against the inodes walk actually visited union the fixed reserved
// inode range (spec.md §3.4 "every allocated inode is set exactly once
// in one group's inode bitmap").
func (c *Checker) checkInodeBitmap(visited map[InodeID]bool, baseline *Allocator, findings *[]engine.Finding) error {
	var totalFree uint32
	for g := uint32(0); g < c.meta.GroupCount; g++ {
		bitmap := make([]byte, c.meta.BlockSize)
		if err := c.store.ReadAt(bitmap, c.meta.BlockOffset(c.meta.Groups[g].InodeBitmap)); err != nil {
			return err
		}
		var free uint32
		for i := uint32(0); i < c.meta.InodesPerGroup; i++ {
			ino := InodeID(g*c.meta.InodesPerGroup + i + 1)
			onDisk := bitmap[i/8]&(1<<(i%8)) != 0
			expected := visited[ino] || baseline.IsInodeUsed(ino)
			if onDisk && !expected {
				*findings = append(*findings, engine.NewCorrupt("inode bitmap",
					"group %d inode %d marked used but unreachable from root and not reserved", g, ino))
			} else if !onDisk && expected {
				*findings = append(*findings, engine.NewCorrupt("inode bitmap",
					"group %d inode %d reachable/reserved but marked free in bitmap", g, ino))
			}
			if !onDisk {
				free++
			}
		}
		totalFree += free
	}

	sbBytes := make([]byte, superblockSize)
	if err := c.store.ReadAt(sbBytes, c.meta.superblockOffset(0)); err != nil {
		return err
	}
	sb, err := superblockFromBytes(sbBytes)
	if err != nil {
		return nil // already reported by checkBlockBitmap
	}
	if sb.freeInodes != totalFree {
		*findings = append(*findings, engine.NewCorrupt("superblock free inodes",
			"s_free_inodes_count=%s but bitmap scan counted %s free",
			humanize.Comma(int64(sb.freeInodes)), humanize.Comma(int64(totalFree))))
	}
	return nil
}

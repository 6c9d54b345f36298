package ext4

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/rimgen/fsimage/engine"
)

const (
	modeTypeMask = 0xf000
	modeDir      = 0x4000
	modeRegular  = 0x8000
	modeSymlink  = 0xa000

	flagExtents = 0x00080000 // EXT4_EXTENTS_FL

	extentMagic = 0xf30a
	// extentHeaderSize/extentEntrySize are both 12 bytes; i_block's 60
	// bytes hold a header plus up to 4 leaf or index entries inline
	// (spec.md §3.4 "60 bytes of i_block storage").
	extentHeaderSize = 12
	extentEntrySize  = 12
	maxInlineExtents = 4

	inodeExtraIsize = 32
)

// extentLeaf is one (logical, physical, length) run, spec.md glossary
// "Extent". length never exceeds maxBlocksPerExtent.
type extentLeaf struct {
	logical  uint32
	physical BlockID
	length   uint16
}

// extentTree is the decoded form of an inode's block map (spec.md
// §4.5.3 "build an extent tree over the allocated runs"). depth 0
// keeps every leaf inline in i_block; depth 1 spills all leaves into
// one external index block, referenced by a single index entry,
// since a file only spans more than maxInlineExtents runs when free
// space is fragmented or the file crosses several block groups, whose
// metadata at each group start breaks the run.
// Deeper trees are out of scope (DESIGN.md).
type extentTree struct {
	depth    uint16
	leaves   []extentLeaf
	extBlock BlockID // valid when depth == 1
}

// splitRun breaks one contiguous physical run into leaves no longer
// than maxBlocksPerExtent (spec.md §4.5.3 "ee_len <= 32768 blocks;
// split larger runs"), assigning consecutive logical offsets starting
// at logicalStart.
func splitRun(logicalStart uint32, physical BlockID, length uint32) []extentLeaf {
	var out []extentLeaf
	logical := logicalStart
	remaining := length
	cur := physical
	for remaining > 0 {
		n := remaining
		if n > maxBlocksPerExtent {
			n = maxBlocksPerExtent
		}
		out = append(out, extentLeaf{logical: logical, physical: cur, length: uint16(n)})
		logical += n
		cur += BlockID(n)
		remaining -= n
	}
	return out
}

// buildExtentTree assembles an extentTree from leaves already split to
// the maxBlocksPerExtent bound. When there are more than
// maxInlineExtents of them, one external block is allocated to hold
// them all (depth 1); the caller writes that block's encoded bytes via
// encodeExternalBlock.
func buildExtentTree(alloc *Allocator, leaves []extentLeaf) (*extentTree, error) {
	if len(leaves) <= maxInlineExtents {
		return &extentTree{depth: 0, leaves: leaves}, nil
	}
	extBlock, err := alloc.AllocBlock()
	if err != nil {
		return nil, errors.Wrap(err, "ext4: extent index block")
	}
	return &extentTree{depth: 1, leaves: leaves, extBlock: extBlock}, nil
}

func encodeExtentHeader(entries, max int, depth uint16) []byte {
	b := make([]byte, extentHeaderSize)
	binary.LittleEndian.PutUint16(b[0:2], extentMagic)
	binary.LittleEndian.PutUint16(b[2:4], uint16(entries))
	binary.LittleEndian.PutUint16(b[4:6], uint16(max))
	binary.LittleEndian.PutUint16(b[6:8], depth)
	binary.LittleEndian.PutUint32(b[8:12], 0)
	return b
}

func encodeExtentLeaf(l extentLeaf) []byte {
	b := make([]byte, extentEntrySize)
	binary.LittleEndian.PutUint32(b[0:4], l.logical)
	binary.LittleEndian.PutUint16(b[4:6], l.length)
	binary.LittleEndian.PutUint16(b[6:8], uint16(l.physical>>32))
	binary.LittleEndian.PutUint32(b[8:12], uint32(l.physical))
	return b
}

func decodeExtentLeaf(b []byte) extentLeaf {
	return extentLeaf{
		logical:  binary.LittleEndian.Uint32(b[0:4]),
		length:   binary.LittleEndian.Uint16(b[4:6]),
		physical: BlockID(binary.LittleEndian.Uint16(b[6:8]))<<32 | BlockID(binary.LittleEndian.Uint32(b[8:12])),
	}
}

// encode renders the tree into the 60-byte i_block union. When depth
// is 1, the external block's own bytes must be written separately by
// the caller via encodeExternalBlock.
func (t *extentTree) encode() [60]byte {
	var out [60]byte
	if t.depth == 0 {
		copy(out[0:], encodeExtentHeader(len(t.leaves), maxInlineExtents, 0))
		off := extentHeaderSize
		for _, l := range t.leaves {
			copy(out[off:], encodeExtentLeaf(l))
			off += extentEntrySize
		}
		return out
	}
	copy(out[0:], encodeExtentHeader(1, maxInlineExtents, 1))
	idx := make([]byte, extentEntrySize)
	binary.LittleEndian.PutUint32(idx[0:4], 0) // first logical block covered
	binary.LittleEndian.PutUint32(idx[4:8], uint32(t.extBlock))
	binary.LittleEndian.PutUint16(idx[8:10], uint16(t.extBlock>>32))
	copy(out[extentHeaderSize:], idx)
	return out
}

// encodeExternalBlock renders the external leaf block for a depth-1
// tree; blockSize is the filesystem block size to pad to.
func (t *extentTree) encodeExternalBlock(blockSize int64) []byte {
	b := make([]byte, blockSize)
	max := int((blockSize - extentHeaderSize) / extentEntrySize)
	copy(b, encodeExtentHeader(len(t.leaves), max, 0))
	off := extentHeaderSize
	for _, l := range t.leaves {
		copy(b[off:], encodeExtentLeaf(l))
		off += extentEntrySize
	}
	return b
}

// extentTreeFromBytes decodes an inline i_block union; if depth is 1
// the caller must separately read and decode the external block via
// decodeExternalExtentBlock.
func extentTreeFromBytes(b [60]byte) (*extentTree, error) {
	magic := binary.LittleEndian.Uint16(b[0:2])
	if magic != extentMagic {
		return nil, fmt.Errorf("ext4: i_block does not carry an extent header (magic %#x)", magic)
	}
	entries := int(binary.LittleEndian.Uint16(b[2:4]))
	depth := binary.LittleEndian.Uint16(b[6:8])

	if depth == 0 {
		t := &extentTree{depth: 0}
		off := extentHeaderSize
		for i := 0; i < entries; i++ {
			t.leaves = append(t.leaves, decodeExtentLeaf(b[off:off+extentEntrySize]))
			off += extentEntrySize
		}
		return t, nil
	}
	if entries != 1 {
		return nil, fmt.Errorf("ext4: multi-entry depth-1 extent index not supported")
	}
	idx := b[extentHeaderSize : extentHeaderSize+extentEntrySize]
	leafLo := binary.LittleEndian.Uint32(idx[4:8])
	leafHi := binary.LittleEndian.Uint16(idx[8:10])
	return &extentTree{depth: 1, extBlock: BlockID(leafHi)<<32 | BlockID(leafLo)}, nil
}

func decodeExternalExtentBlock(b []byte) ([]extentLeaf, error) {
	magic := binary.LittleEndian.Uint16(b[0:2])
	if magic != extentMagic {
		return nil, fmt.Errorf("ext4: external extent block bad magic %#x", magic)
	}
	entries := int(binary.LittleEndian.Uint16(b[2:4]))
	var leaves []extentLeaf
	off := extentHeaderSize
	for i := 0; i < entries; i++ {
		leaves = append(leaves, decodeExtentLeaf(b[off:off+extentEntrySize]))
		off += extentEntrySize
	}
	return leaves, nil
}

// inode is the in-memory form of one EXT4 inode (spec.md §3.4).
type inode struct {
	mode       uint16
	uid        uint16
	gid        uint16
	size       uint64
	accessTime time.Time
	changeTime time.Time
	modifyTime time.Time
	linksCount uint16
	blocks512  uint32 // i_blocks_lo: count of 512-byte sectors charged to this inode
	flags      uint32
	generation uint32
	extents    *extentTree // nil for a symlink/device inode
	symlink    string      // non-empty for a fast (<=60 byte) symlink
}

func (i *inode) isDir() bool  { return i.mode&modeTypeMask == modeDir }
func (i *inode) isLink() bool { return i.mode&modeTypeMask == modeSymlink }

func fileTypeOf(mode uint16) byte {
	switch mode & modeTypeMask {
	case modeDir:
		return fileTypeDir
	case modeSymlink:
		return fileTypeSymlink
	default:
		return fileTypeRegular
	}
}

func unixTime32(t time.Time) uint32 {
	if t.IsZero() {
		return 0
	}
	return uint32(t.Unix())
}

// toBytes renders the inode into its inodeSize-byte on-disk record.
func (i *inode) toBytes(inodeSize uint16) ([]byte, error) {
	b := make([]byte, inodeSize)

	binary.LittleEndian.PutUint16(b[0x0:0x2], i.mode)
	binary.LittleEndian.PutUint16(b[0x2:0x4], i.uid)
	binary.LittleEndian.PutUint32(b[0x4:0x8], uint32(i.size))
	binary.LittleEndian.PutUint32(b[0x8:0xc], unixTime32(i.accessTime))
	binary.LittleEndian.PutUint32(b[0xc:0x10], unixTime32(i.changeTime))
	binary.LittleEndian.PutUint32(b[0x10:0x14], unixTime32(i.modifyTime))
	binary.LittleEndian.PutUint32(b[0x14:0x18], 0) // i_dtime
	binary.LittleEndian.PutUint16(b[0x18:0x1a], i.gid)
	binary.LittleEndian.PutUint16(b[0x1a:0x1c], i.linksCount)
	binary.LittleEndian.PutUint32(b[0x1c:0x20], i.blocks512)
	binary.LittleEndian.PutUint32(b[0x20:0x24], i.flags)

	switch {
	case i.extents != nil:
		block := i.extents.encode()
		copy(b[0x28:0x64], block[:])
	case i.symlink != "":
		copy(b[0x28:0x64], []byte(i.symlink))
	}

	binary.LittleEndian.PutUint32(b[0x64:0x68], i.generation)
	binary.LittleEndian.PutUint32(b[0x6c:0x70], uint32(i.size>>32))

	if inodeSize > 128 {
		binary.LittleEndian.PutUint16(b[0x80:0x82], inodeExtraIsize)
	}

	return b, nil
}

func inodeFromBytes(b []byte) (*inode, error) {
	if len(b) < 128 {
		return nil, errors.Wrapf(engine.ErrCorrupt, "inode record too short: %d bytes", len(b))
	}
	i := &inode{
		mode:       binary.LittleEndian.Uint16(b[0x0:0x2]),
		uid:        binary.LittleEndian.Uint16(b[0x2:0x4]),
		accessTime: time.Unix(int64(binary.LittleEndian.Uint32(b[0x8:0xc])), 0),
		changeTime: time.Unix(int64(binary.LittleEndian.Uint32(b[0xc:0x10])), 0),
		modifyTime: time.Unix(int64(binary.LittleEndian.Uint32(b[0x10:0x14])), 0),
		gid:        binary.LittleEndian.Uint16(b[0x18:0x1a]),
		linksCount: binary.LittleEndian.Uint16(b[0x1a:0x1c]),
		blocks512:  binary.LittleEndian.Uint32(b[0x1c:0x20]),
		flags:      binary.LittleEndian.Uint32(b[0x20:0x24]),
		generation: binary.LittleEndian.Uint32(b[0x64:0x68]),
	}
	sizeLo := binary.LittleEndian.Uint32(b[0x4:0x8])
	sizeHi := binary.LittleEndian.Uint32(b[0x6c:0x70])
	i.size = uint64(sizeHi)<<32 | uint64(sizeLo)

	var block [60]byte
	copy(block[:], b[0x28:0x64])

	switch {
	case i.flags&flagExtents != 0:
		t, err := extentTreeFromBytes(block)
		if err != nil {
			return nil, err
		}
		i.extents = t
	case i.mode&modeTypeMask == modeSymlink:
		i.symlink = cString(block[:])
	}

	return i, nil
}

package ext4

import (
	"encoding/binary"
	"fmt"
)

const (
	dirEntryHeaderSize = 8 // inode(4) + rec_len(2) + name_len(1) + file_type(1)
	maxNameLength      = 255
)

// directoryEntry is a single classic linear directory entry (spec.md
// §4.5.4, §6.3 INCOMPAT_FILETYPE). recLen is the on-disk distance to
// the next entry; the last entry in a block always carries a recLen
// that reaches the end of the block, per ext4's splicing convention.
type directoryEntry struct {
	inode    uint32
	fileType byte
	filename string
	recLen   uint16
}

// entrySize returns the minimum 4-byte-aligned size this entry would
// need if it were not stretched to fill the rest of a block.
func entrySize(nameLength int) uint16 {
	n := uint16(dirEntryHeaderSize + nameLength)
	if rem := n % 4; rem != 0 {
		n += 4 - rem
	}
	return n
}

func directoryEntryFromBytes(b []byte) (*directoryEntry, error) {
	if len(b) < dirEntryHeaderSize {
		return nil, fmt.Errorf("directory entry of length %d is less than minimum %d", len(b), dirEntryHeaderSize)
	}
	recLen := binary.LittleEndian.Uint16(b[0x4:0x6])
	nameLength := int(b[0x6])
	if dirEntryHeaderSize+nameLength > len(b) {
		return nil, fmt.Errorf("directory entry name length %d overruns %d available bytes", nameLength, len(b))
	}
	de := &directoryEntry{
		inode:    binary.LittleEndian.Uint32(b[0x0:0x4]),
		fileType: b[0x7],
		filename: string(b[0x8 : 0x8+nameLength]),
		recLen:   recLen,
	}
	return de, nil
}

func (de *directoryEntry) toBytes() []byte {
	nameLength := len(de.filename)
	recLen := de.recLen
	if recLen == 0 {
		recLen = entrySize(nameLength)
	}
	b := make([]byte, recLen)
	binary.LittleEndian.PutUint32(b[0x0:0x4], de.inode)
	binary.LittleEndian.PutUint16(b[0x4:0x6], recLen)
	b[0x6] = byte(nameLength)
	b[0x7] = de.fileType
	copy(b[0x8:0x8+nameLength], []byte(de.filename))
	return b
}

// directoryBlock is one blockSize-sized directory data block under
// construction. Entries are appended in order; the last entry's
// recLen is kept stretched to the end of the block so a linear reader
// can always find the next block's first entry by following recLen
// chains (spec.md §4.5.4).
type directoryBlock struct {
	blockSize int64
	entries   []*directoryEntry
	used      uint16 // bytes consumed by entries at their natural size
}

func newDirectoryBlock(blockSize int64) *directoryBlock {
	return &directoryBlock{blockSize: blockSize}
}

// fits reports whether a new entry for a name of this length can be
// appended without exceeding the block.
func (db *directoryBlock) fits(nameLength int) bool {
	return int64(db.used)+int64(entrySize(nameLength)) <= db.blockSize
}

// append adds an entry, stretching it to the end of the block; any
// entry appended earlier is shrunk back to its natural size first.
func (db *directoryBlock) append(inode uint32, name string, ft byte) {
	natural := entrySize(len(name))
	if n := len(db.entries); n > 0 {
		db.entries[n-1].recLen = entrySize(len(db.entries[n-1].filename))
	}
	e := &directoryEntry{inode: inode, fileType: ft, filename: name, recLen: uint16(int64(db.blockSize) - int64(db.used))}
	db.entries = append(db.entries, e)
	db.used += natural
}

// encode renders the block to blockSize bytes. The last entry's
// recLen is set to reach exactly the end of the block.
func (db *directoryBlock) encode() []byte {
	b := make([]byte, db.blockSize)
	off := int64(0)
	for idx, e := range db.entries {
		recLen := int64(entrySize(len(e.filename)))
		if idx == len(db.entries)-1 {
			recLen = db.blockSize - off
		}
		entry := &directoryEntry{inode: e.inode, fileType: e.fileType, filename: e.filename, recLen: uint16(recLen)}
		copy(b[off:], entry.toBytes())
		off += recLen
	}
	return b
}

// directoryEntriesFromBlock decodes every live entry (inode != 0) in
// one directory data block, following the recLen chain.
func directoryEntriesFromBlock(b []byte) ([]*directoryEntry, error) {
	var out []*directoryEntry
	off := 0
	for off+dirEntryHeaderSize <= len(b) {
		recLen := int(binary.LittleEndian.Uint16(b[off+0x4 : off+0x6]))
		if recLen < dirEntryHeaderSize {
			return nil, fmt.Errorf("directory entry at offset %d has invalid rec_len %d", off, recLen)
		}
		if off+recLen > len(b) {
			return nil, fmt.Errorf("directory entry at offset %d overruns block with rec_len %d", off, recLen)
		}
		de, err := directoryEntryFromBytes(b[off : off+recLen])
		if err != nil {
			return nil, err
		}
		if de.inode != 0 {
			out = append(out, de)
		}
		off += recLen
	}
	return out, nil
}

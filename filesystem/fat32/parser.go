package fat32

import (
	"bytes"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/rimgen/fsimage/fsnode"
	"github.com/rimgen/fsimage/store"
)

// Parser reads a FAT32 image back into an fsnode.Node tree (spec.md
// §4.1, §8 property 2 "round-trip"), independent of the Allocator or
// Injector used to build it.
type Parser struct {
	store store.Store
	meta  *Meta
}

// NewParser constructs a Parser over an already-formatted image.
func NewParser(s store.Store, m *Meta) *Parser {
	return &Parser{store: s, meta: m}
}

// Parse walks the root directory chain and returns the tree it finds.
func (p *Parser) Parse() (*fsnode.Node, error) {
	root := fsnode.NewDir("", fsnode.Attributes{})
	if err := p.parseDir(rootCluster, root); err != nil {
		return nil, err
	}
	return root, nil
}

func (p *Parser) parseDir(head ClusterID, node *fsnode.Node) error {
	var pendingLFN []lfnEntry
	cur := head
	for {
		buf := make([]byte, p.meta.ClusterSize)
		if err := p.store.ReadAt(buf, p.meta.ClusterOffset(cur)); err != nil {
			return err
		}
		done, err := p.parseDirCluster(buf, node, &pendingLFN)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		next, err := readFATEntry(p.store, p.meta, 0, cur)
		if err != nil {
			return err
		}
		if next == fatFree || next == fatBad || next >= fatEOCFloor {
			return nil
		}
		cur = ClusterID(next)
	}
}

// parseDirCluster decodes every entry in one directory cluster,
// accumulating LFN slots (stored on disk in reverse order immediately
// before the short entry they describe) until the short entry arrives,
// then appends a child node using the long name if one preceded it.
// Returns true once it reaches the end-of-directory marker.
func (p *Parser) parseDirCluster(buf []byte, node *fsnode.Node, pendingLFN *[]lfnEntry) (bool, error) {
	for off := 0; off+bytesPerDirEntry <= len(buf); off += bytesPerDirEntry {
		slot := buf[off : off+bytesPerDirEntry]
		if slot[0] == 0x00 {
			return true, nil
		}
		if slot[0] == 0xE5 {
			*pendingLFN = nil
			continue
		}
		if slot[11] == attrLFN {
			*pendingLFN = append(*pendingLFN, decodeLFNEntry(slot))
			continue
		}

		e := decodeShortDirEntry(slot)
		name := decodeLongNameFrom(*pendingLFN)
		*pendingLFN = nil
		if name == "" {
			name = decodeShortName(e.Name)
		}
		if e.Name[0] == '.' {
			continue
		}

		attrs := fsnode.Attributes{Modified: decodeFATDateTime(e.WrtDate, e.WrtTime)}
		if e.Attr&attrDir != 0 {
			child := fsnode.NewDir(name, attrs)
			if err := p.parseDir(e.cluster(), child); err != nil {
				return false, err
			}
			node.AddChild(child)
		} else {
			data, err := p.readFileChain(e.cluster(), int64(e.FileSize))
			if err != nil {
				return false, err
			}
			child := fsnode.NewFile(name, bytes.NewReader(data), int64(len(data)), attrs)
			node.AddChild(child)
		}
	}
	return false, nil
}

func (p *Parser) readFileChain(head ClusterID, size int64) ([]byte, error) {
	if size == 0 || head == 0 {
		return nil, nil
	}
	out := make([]byte, 0, size)
	cur := head
	for int64(len(out)) < size {
		buf := make([]byte, p.meta.ClusterSize)
		if err := p.store.ReadAt(buf, p.meta.ClusterOffset(cur)); err != nil {
			return nil, err
		}
		remain := size - int64(len(out))
		if remain < int64(len(buf)) {
			buf = buf[:remain]
		}
		out = append(out, buf...)

		next, err := readFATEntry(p.store, p.meta, 0, cur)
		if err != nil {
			return nil, err
		}
		if next >= fatEOCFloor || next == fatFree || next == fatBad {
			break
		}
		cur = ClusterID(next)
	}
	return out, nil
}

func decodeLFNEntry(b []byte) lfnEntry {
	var e lfnEntry
	e.Ordinal = b[0]
	for i := 0; i < 5; i++ {
		e.Name1[i] = leUint16(b[1+i*2 : 3+i*2])
	}
	e.Type = b[12]
	e.Checksum = b[13]
	for i := 0; i < 6; i++ {
		e.Name2[i] = leUint16(b[14+i*2 : 16+i*2])
	}
	for i := 0; i < 2; i++ {
		e.Name3[i] = leUint16(b[28+i*2 : 30+i*2])
	}
	return e
}

func leUint16(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }

// decodeLongNameFrom reassembles a long name from LFN slots as read
// off disk (last-written slot first); the ordinal's low bits give each
// slot's 1-based position in the name.
func decodeLongNameFrom(slots []lfnEntry) string {
	if len(slots) == 0 {
		return ""
	}
	ordered := make([]lfnEntry, len(slots))
	for _, s := range slots {
		pos := int(s.Ordinal&^0x40) - 1
		if pos < 0 || pos >= len(slots) {
			return ""
		}
		ordered[pos] = s
	}
	var units []uint16
	for _, s := range ordered {
		units = append(units, s.Name1[:]...)
		units = append(units, s.Name2[:]...)
		units = append(units, s.Name3[:]...)
	}
	for i, u := range units {
		if u == 0x0000 {
			units = units[:i]
			break
		}
	}
	return string(utf16.Decode(units))
}

func decodeShortName(raw [11]byte) string {
	base := strings.TrimRight(string(raw[0:8]), " ")
	ext := strings.TrimRight(string(raw[8:11]), " ")
	if ext == "" {
		return base
	}
	return base + "." + ext
}

// decodeFATDateTime is the inverse of fatDate/fatTime.
func decodeFATDateTime(date, timeWord uint16) time.Time {
	if date == 0 {
		return time.Time{}
	}
	year := 1980 + int(date>>9)
	month := time.Month((date >> 5) & 0x0f)
	day := int(date & 0x1f)
	hour := int(timeWord >> 11)
	min := int((timeWord >> 5) & 0x3f)
	sec := int(timeWord&0x1f) * 2
	return time.Date(year, month, day, hour, min, sec, 0, time.UTC)
}

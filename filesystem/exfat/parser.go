package exfat

import (
	"bytes"
	"encoding/binary"
	"unicode/utf16"

	"github.com/rimgen/fsimage/fsnode"
	"github.com/rimgen/fsimage/store"
)

// Parser reads an ExFAT image back into an fsnode.Node tree (spec.md
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
	if err := p.parseDir(p.meta.RootCluster, root); err != nil {
		return nil, err
	}
	return root, nil
}

func (p *Parser) parseDir(head ClusterID, node *fsnode.Node) error {
	cur := head
	for {
		buf := make([]byte, p.meta.ClusterSize)
		if err := p.store.ReadAt(buf, p.meta.ClusterOffset(cur)); err != nil {
			return err
		}
		if err := p.parseDirCluster(buf, node); err != nil {
			return err
		}

		entry, err := readFATEntry(p.store, p.meta, cur)
		if err != nil {
			return err
		}
		if entry == exfatFatFree || entry == exfatFatBad || entry == exfatFatEOC {
			return nil
		}
		cur = ClusterID(entry)
	}
}

// parseDirCluster decodes every (File, Stream Extension, Name...)
// entry set in one directory cluster. ExFAT directories carry no
// "."/".." entries (spec.md §3.3).
func (p *Parser) parseDirCluster(buf []byte, node *fsnode.Node) error {
	off := 0
	for off+entrySize <= len(buf) {
		slot := buf[off : off+entrySize]
		entryType := slot[0]

		if entryType != entryTypeFile|entryInUseMask {
			off += entrySize
			continue
		}

		secCount := int(slot[1])
		total := (1 + secCount) * entrySize
		if off+total > len(buf) {
			return nil
		}
		set := buf[off : off+total]
		if err := p.parseEntrySet(set, node); err != nil {
			return err
		}
		off += total
	}
	return nil
}

func (p *Parser) parseEntrySet(set []byte, node *fsnode.Node) error {
	streamOff := entrySize
	attrs := binary.LittleEndian.Uint16(set[4:6])
	flags := set[streamOff+1]
	noFatChain := flags&streamFlagNoFatChain != 0
	nameLen := int(set[streamOff+3])
	firstCluster := ClusterID(binary.LittleEndian.Uint32(set[streamOff+20 : streamOff+24]))
	dataLength := binary.LittleEndian.Uint64(set[streamOff+24 : streamOff+32])

	var units []uint16
	nameOff := streamOff + entrySize
	for len(units) < nameLen && nameOff+entrySize <= len(set) {
		slot := set[nameOff : nameOff+entrySize]
		for i := 2; i+2 <= entrySize && len(units) < nameLen; i += 2 {
			units = append(units, binary.LittleEndian.Uint16(slot[i:i+2]))
		}
		nameOff += entrySize
	}
	name := string(utf16.Decode(units))

	attrsOut := fsnode.Attributes{}
	if attrs&attrDirectory != 0 {
		child := fsnode.NewDir(name, attrsOut)
		if firstCluster != 0 {
			if err := p.parseDir(firstCluster, child); err != nil {
				return err
			}
		}
		node.AddChild(child)
		return nil
	}

	data, err := p.readFileChain(firstCluster, int64(dataLength), noFatChain)
	if err != nil {
		return err
	}
	child := fsnode.NewFile(name, bytes.NewReader(data), int64(len(data)), attrsOut)
	node.AddChild(child)
	return nil
}

func (p *Parser) readFileChain(first ClusterID, length int64, noFatChain bool) ([]byte, error) {
	if length == 0 || first == 0 {
		return nil, nil
	}
	out := make([]byte, 0, length)
	if noFatChain {
		n := clustersFor(length, p.meta.ClusterSize)
		for i := uint32(0); i < n && int64(len(out)) < length; i++ {
			buf := make([]byte, p.meta.ClusterSize)
			if err := p.store.ReadAt(buf, p.meta.ClusterOffset(first+ClusterID(i))); err != nil {
				return nil, err
			}
			out = append(out, buf...)
		}
		if int64(len(out)) > length {
			out = out[:length]
		}
		return out, nil
	}

	cur := first
	for int64(len(out)) < length {
		buf := make([]byte, p.meta.ClusterSize)
		if err := p.store.ReadAt(buf, p.meta.ClusterOffset(cur)); err != nil {
			return nil, err
		}
		out = append(out, buf...)

		entry, err := readFATEntry(p.store, p.meta, cur)
		if err != nil {
			return nil, err
		}
		if entry == exfatFatEOC || entry == exfatFatFree || entry == exfatFatBad {
			break
		}
		cur = ClusterID(entry)
	}
	if int64(len(out)) > length {
		out = out[:length]
	}
	return out, nil
}

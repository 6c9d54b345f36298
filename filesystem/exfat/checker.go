package exfat

import (
	"encoding/binary"

	"github.com/dustin/go-humanize"

	"github.com/rimgen/fsimage/engine"
	"github.com/rimgen/fsimage/store"
)

// Checker reads back an ExFAT image and validates it independently of
// any in-memory Allocator state (spec.md §4.6): entry-set checksums,
// bitmap/reachability agreement, and FAT-chain consistency for
// fragmented entries.
type Checker struct {
	store store.Store
	meta  *Meta
}

func NewChecker(s store.Store, m *Meta) *Checker {
	return &Checker{store: s, meta: m}
}

func (c *Checker) Check() ([]engine.Finding, error) {
	var findings []engine.Finding

	reachable := make(map[ClusterID]bool)
	visitedDirs := make(map[ClusterID]bool)

	// the root and its metadata clusters are reachable by construction,
	// not by any entry pointing to them.
	reachable[c.meta.RootCluster] = true
	for i := uint32(0); i < c.meta.BitmapClusters; i++ {
		reachable[ClusterID(uint32(c.meta.BitmapCluster)+i)] = true
	}
	for i := uint32(0); i < c.meta.UpcaseClusters; i++ {
		reachable[ClusterID(uint32(c.meta.UpcaseCluster)+i)] = true
	}

	if err := c.walkDir(c.meta.RootCluster, &findings, reachable, visitedDirs); err != nil {
		return findings, err
	}

	if err := c.checkBitmap(reachable, &findings); err != nil {
		return findings, err
	}

	return findings, nil
}

// checkBitmap cross-references the on-disk Allocation Bitmap against
// what walkDir actually reached (spec.md §4.6).
func (c *Checker) checkBitmap(reachable map[ClusterID]bool, findings *[]engine.Finding) error {
	bitmap := make([]byte, c.meta.BitmapLength)
	if err := c.store.ReadAt(bitmap, c.meta.ClusterOffset(c.meta.BitmapCluster)); err != nil {
		return err
	}

	var usedCount uint32
	for i := uint32(0); i < c.meta.ClusterCount; i++ {
		cl := ClusterID(i + 2)
		used := bitmap[i/8]&(1<<(i%8)) != 0
		if used {
			usedCount++
		}
		if reachable[cl] && !used {
			*findings = append(*findings, engine.NewCorrupt("bitmap consistency",
				"cluster %d reachable from root but marked free in bitmap", cl))
		} else if !reachable[cl] && used {
			*findings = append(*findings, engine.NewCorrupt("bitmap consistency",
				"cluster %d marked used in bitmap but unreachable from root", cl))
		}
	}

	if usedCount > c.meta.ClusterCount {
		*findings = append(*findings, engine.NewCorrupt("bitmap consistency",
			"used cluster count %s exceeds cluster heap size %s",
			humanize.Comma(int64(usedCount)), humanize.Comma(int64(c.meta.ClusterCount))))
	}
	return nil
}

func (c *Checker) walkDir(head ClusterID, findings *[]engine.Finding, reachable, visitedDirs map[ClusterID]bool) error {
	if visitedDirs[head] {
		return nil
	}
	visitedDirs[head] = true

	cur := head
	for {
		reachable[cur] = true

		buf := make([]byte, c.meta.ClusterSize)
		if err := c.store.ReadAt(buf, c.meta.ClusterOffset(cur)); err != nil {
			return err
		}
		if err := c.walkDirCluster(buf, findings, reachable, visitedDirs); err != nil {
			return err
		}

		entry, err := readFATEntry(c.store, c.meta, cur)
		if err != nil {
			return err
		}
		if entry == exfatFatFree {
			return nil // not chained further: single-cluster directory
		}
		if entry == exfatFatBad {
			*findings = append(*findings, engine.NewCorrupt("directory chain",
				"cluster %d chain entry marked bad mid-chain", cur))
			return nil
		}
		if entry == exfatFatEOC {
			return nil
		}
		if reachable[ClusterID(entry)] {
			*findings = append(*findings, engine.NewCorrupt("directory chain",
				"cluster %d revisits cluster %d (cycle?)", cur, entry))
			return nil
		}
		cur = ClusterID(entry)
	}
}

// walkDirCluster decodes the primary/secondary entry sets in one
// directory cluster. ExFAT directories carry no "."/".." entries
// (spec.md §3.3), so every File entry (0x85) names a genuine child.
func (c *Checker) walkDirCluster(buf []byte, findings *[]engine.Finding, reachable, visitedDirs map[ClusterID]bool) error {
	off := 0
	for off+entrySize <= len(buf) {
		slot := buf[off : off+entrySize]
		entryType := slot[0]

		if entryType == 0 {
			off += entrySize
			continue // unused slot, directory may still hold later entries after a deletion
		}
		if entryType&entryInUseMask == 0 {
			off += entrySize
			continue // deleted entry
		}

		switch entryType {
		case entryTypeBitmap | entryInUseMask, entryTypeUpcase | entryInUseMask, entryTypeLabel | entryInUseMask:
			off += entrySize
			continue
		case entryTypeFile | entryInUseMask:
			secCount := int(slot[1])
			total := (1 + secCount) * entrySize
			if off+total > len(buf) {
				*findings = append(*findings, engine.NewCorrupt("directory entry",
					"file entry set at offset %d overruns its cluster", off))
				return nil
			}
			set := buf[off : off+total]
			if err := c.checkEntrySet(set, findings, reachable, visitedDirs); err != nil {
				return err
			}
			off += total
		default:
			off += entrySize
		}
	}
	return nil
}

func (c *Checker) checkEntrySet(set []byte, findings *[]engine.Finding, reachable, visitedDirs map[ClusterID]bool) error {
	declared := binary.LittleEndian.Uint16(set[2:4])
	if got := entrySetChecksum(set); got != declared {
		*findings = append(*findings, engine.NewCorrupt("entry set checksum",
			"entry set checksum mismatch: stored %#x computed %#x", declared, got))
	}

	streamOff := entrySize
	flags := set[streamOff+1]
	noFatChain := flags&streamFlagNoFatChain != 0
	attrs := binary.LittleEndian.Uint16(set[4:6])
	firstCluster := ClusterID(binary.LittleEndian.Uint32(set[streamOff+20 : streamOff+24]))
	validLength := binary.LittleEndian.Uint64(set[streamOff+8 : streamOff+16])
	dataLength := binary.LittleEndian.Uint64(set[streamOff+24 : streamOff+32])

	if validLength > dataLength {
		*findings = append(*findings, engine.NewCorrupt("entry set",
			"ValidDataLength %d exceeds DataLength %d", validLength, dataLength))
	}

	if firstCluster == 0 {
		return nil // zero-length file, no allocation
	}

	if attrs&attrDirectory != 0 {
		return c.walkDir(firstCluster, findings, reachable, visitedDirs)
	}
	return c.markFileChain(firstCluster, dataLength, noFatChain, reachable, findings)
}

// markFileChain marks a file's allocation reachable, following the FAT
// only for fragmented (non-NoFatChain) files; contiguous files are
// trusted to occupy exactly the clusters their DataLength implies
// (spec.md §3.3, §4.6).
func (c *Checker) markFileChain(first ClusterID, dataLength uint64, noFatChain bool, reachable map[ClusterID]bool, findings *[]engine.Finding) error {
	if noFatChain {
		n := clustersFor(int64(dataLength), c.meta.ClusterSize)
		if n == 0 {
			n = 1
		}
		for i := uint32(0); i < n; i++ {
			reachable[first+ClusterID(i)] = true
		}
		return nil
	}

	cur := first
	for {
		reachable[cur] = true
		entry, err := readFATEntry(c.store, c.meta, cur)
		if err != nil {
			return err
		}
		if entry == exfatFatEOC {
			return nil
		}
		if entry == exfatFatFree || entry == exfatFatBad {
			*findings = append(*findings, engine.NewCorrupt("file chain",
				"cluster %d chain entry is free/bad mid-chain", cur))
			return nil
		}
		cur = ClusterID(entry)
	}
}

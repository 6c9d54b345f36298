package fat32

import (
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/rimgen/fsimage/engine"
	"github.com/rimgen/fsimage/store"
)

// Checker reads back a FAT32 image and validates it independently of
// any in-memory Allocator state (spec.md §4.6).
type Checker struct {
	store store.Store
	meta  *Meta
}

// NewChecker constructs a Checker over an image already believed to
// hold a valid FAT32 filesystem at the given Meta's geometry.
func NewChecker(s store.Store, m *Meta) *Checker {
	return &Checker{store: s, meta: m}
}

// Check validates FAT/reachability consistency and directory
// connectivity, returning every finding it can gather rather than
// stopping at the first.
func (c *Checker) Check() ([]engine.Finding, error) {
	var findings []engine.Finding

	reachable := make(map[ClusterID]bool)
	visitedDirs := make(map[ClusterID]bool)

	if err := c.walkDir(rootCluster, &findings, reachable, visitedDirs); err != nil {
		return findings, err
	}

	var usedCount, reachableCount uint32
	for cl := ClusterID(2); uint32(cl) < c.meta.TotalClusters+2; cl++ {
		entry, err := readFATEntry(c.store, c.meta, 0, cl)
		if err != nil {
			return findings, err
		}
		entry2, err := readFATEntry(c.store, c.meta, 1, cl)
		if err != nil {
			return findings, err
		}
		if entry != entry2 {
			findings = append(findings, engine.NewCorrupt("FAT copies",
				"cluster %d: FAT1=%#x FAT2=%#x disagree", cl, entry, entry2))
		}
		used := entry != fatFree
		if used {
			usedCount++
		}
		if reachable[cl] {
			reachableCount++
			if !used {
				findings = append(findings, engine.NewCorrupt("FAT consistency",
					"cluster %d reachable from root but marked free in FAT", cl))
			}
		} else if used {
			findings = append(findings, engine.NewCorrupt("FAT consistency",
				"cluster %d marked used in FAT but unreachable from root", cl))
		}
	}

	var fsinfo [sectorSize]byte
	if err := c.store.ReadAt(fsinfo[:], c.meta.FSInfoOffset); err != nil {
		return findings, err
	}
	freeCount, _ := decodeFSInfo(fsinfo[:])
	expectedFree := c.meta.TotalClusters - usedCount
	if freeCount != 0xFFFFFFFF && freeCount != expectedFree {
		findings = append(findings, engine.NewCorrupt("FSInfo",
			"free cluster count %s does not match scanned free count %s",
			humanize.Comma(int64(freeCount)), humanize.Comma(int64(expectedFree))))
	}

	return findings, nil
}

func (c *Checker) walkDir(head ClusterID, findings *[]engine.Finding, reachable, visitedDirs map[ClusterID]bool) error {
	if visitedDirs[head] {
		return nil
	}
	visitedDirs[head] = true

	cur := head
	for {
		if reachable[cur] {
			*findings = append(*findings, engine.NewCorrupt("directory chain",
				"cluster %d visited twice while walking a directory chain (cycle?)", cur))
			return nil
		}
		reachable[cur] = true

		buf := make([]byte, c.meta.ClusterSize)
		if err := c.store.ReadAt(buf, c.meta.ClusterOffset(cur)); err != nil {
			return err
		}
		if err := c.walkDirCluster(buf, findings, reachable, visitedDirs); err != nil {
			return err
		}

		next, err := readFATEntry(c.store, c.meta, 0, cur)
		if err != nil {
			return err
		}
		if next == fatFree || next == fatBad {
			*findings = append(*findings, engine.NewCorrupt("directory chain",
				"cluster %d chain entry is free/bad mid-chain", cur))
			return nil
		}
		if next >= fatEOCFloor {
			return nil
		}
		cur = ClusterID(next)
	}
}

func (c *Checker) walkDirCluster(buf []byte, findings *[]engine.Finding, reachable, visitedDirs map[ClusterID]bool) error {
	for off := 0; off+bytesPerDirEntry <= len(buf); off += bytesPerDirEntry {
		slot := buf[off : off+bytesPerDirEntry]
		if slot[0] == 0x00 {
			return nil // end of directory
		}
		if slot[0] == 0xE5 {
			continue // free slot
		}
		if slot[11] == attrLFN {
			continue // LFN continuation, handled alongside its short entry
		}
		e := decodeShortDirEntry(slot)
		if e.Name[0] == '.' {
			continue // "." / ".." self-links, not followed again
		}
		if e.Attr&attrDir != 0 {
			if err := c.walkDir(e.cluster(), findings, reachable, visitedDirs); err != nil {
				return err
			}
		} else if e.cluster() != 0 {
			if err := errors.Wrap(markFileChain(c, e.cluster(), reachable), "walking file chain"); err != nil {
				return err
			}
		}
	}
	return nil
}

func markFileChain(c *Checker, head ClusterID, reachable map[ClusterID]bool) error {
	cur := head
	for {
		reachable[cur] = true
		next, err := readFATEntry(c.store, c.meta, 0, cur)
		if err != nil {
			return err
		}
		if next >= fatEOCFloor || next == fatFree || next == fatBad {
			return nil
		}
		cur = ClusterID(next)
	}
}

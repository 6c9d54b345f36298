package fat32

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/rimgen/fsimage/engine"
	"github.com/rimgen/fsimage/store"
)

// chain maps a cluster to the next cluster in its chain. A mapped value
// of 0 means "end of chain" (cluster 0 is otherwise never a valid chain
// member, so it is safe as the in-memory EOC sentinel).
type chain map[ClusterID]ClusterID

// linkRun records n contiguous clusters starting at first as one chain
// segment and returns the last cluster in the run, so callers can link
// a following run onto it.
func (c chain) linkRun(first ClusterID, n uint32) ClusterID {
	cur := first
	for i := uint32(1); i < n; i++ {
		c[cur] = cur + 1
		cur++
	}
	c[cur] = 0 // provisional EOC; caller may overwrite if another run follows
	return cur
}

// writeFATs serializes the allocator's bitmap-derived usage plus the
// explicit chain links into both on-disk FAT copies (spec.md §4.5.5).
// Clusters marked used in the allocator but absent from chain (i.e. the
// root directory's first cluster before any extension) are written as
// EOC; clusters not marked used are written free.
func writeFATs(s store.Store, m *Meta, alloc *Allocator, c chain) error {
	entries := make([]uint32, m.TotalClusters+2)
	entries[0] = 0x0FFFFFF8 // media descriptor F8 in the low byte
	entries[1] = fatEOC
	for cl := ClusterID(2); uint32(cl) < m.TotalClusters+2; cl++ {
		if !alloc.IsUsed(cl) {
			entries[cl] = fatFree
			continue
		}
		if next, ok := c[cl]; ok && next != 0 {
			entries[cl] = uint32(next) & fatMask28
		} else {
			entries[cl] = fatEOC
		}
	}

	buf := make([]byte, len(entries)*4)
	for i, v := range entries {
		binary.LittleEndian.PutUint32(buf[i*4:i*4+4], v)
	}
	if err := s.WriteAt(buf, m.FATOffset); err != nil {
		return errors.Wrap(engine.ErrIO, err.Error())
	}
	if err := s.WriteAt(buf, m.FAT2Offset); err != nil {
		return errors.Wrap(engine.ErrIO, err.Error())
	}
	return nil
}

// readFATEntry reads one 32-bit FAT entry (masked to 28 bits) from the
// given FAT copy (0 or 1). Used by the Checker, which never trusts
// in-memory allocator state.
func readFATEntry(s store.Store, m *Meta, fatIndex int, c ClusterID) (uint32, error) {
	base := m.FATOffset
	if fatIndex == 1 {
		base = m.FAT2Offset
	}
	var buf [4]byte
	if err := s.ReadAt(buf[:], base+int64(c)*4); err != nil {
		return 0, errors.Wrap(engine.ErrIO, err.Error())
	}
	return binary.LittleEndian.Uint32(buf[:]) & fatMask28, nil
}

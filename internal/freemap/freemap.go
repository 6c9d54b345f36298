// Package freemap implements the next-fit, contiguity-favoring bitmap
// allocator every filesystem's Allocator is built on (spec.md §4.3,
// §9 "Streaming vs. loading FATs"). It tracks only which unsigned
// 64-bit unit indices are free; each filesystem package wraps it with
// its own typed AllocUnit (cluster id, block number, inode number) so a
// cluster id can never be passed where an inode number is expected.
package freemap

import (
	"github.com/bits-and-blooms/bitset"
	"github.com/pkg/errors"

	"github.com/rimgen/fsimage/engine"
)

// Map is a free/used bitmap over units [0, total). A set bit means
// "used"; a clear bit means "free", the same sense as ExFAT's
// Allocation Bitmap and EXT4's block/inode bitmaps. Each filesystem's
// Allocator renders its own on-disk bitmap from IsUsed, since unit
// numbering differs (ExFAT's heap starts at cluster 2, EXT4 splits
// blocks and inodes per group).
type Map struct {
	used   *bitset.BitSet
	total  uint64
	cursor uint64
	free   uint64
}

// New creates a Map of the given total unit count with every unit
// initially free.
func New(total uint64) *Map {
	return &Map{used: bitset.New(uint(total)), total: total, free: total}
}

// Reserve marks [start, start+n) used up front, for units the Meta
// derivation already spoken for (FAT reserved clusters, the root
// directory, bitmap/upcase clusters, group descriptor blocks, reserved
// inodes). It does not affect the allocation cursor.
func (m *Map) Reserve(start, n uint64) {
	for i := start; i < start+n; i++ {
		if !m.used.Test(uint(i)) {
			m.used.Set(uint(i))
			m.free--
		}
	}
}

// Free returns the count of currently-unused units.
func (m *Map) Free() uint64 { return m.free }

// Total returns the total unit count the map was created with.
func (m *Map) Total() uint64 { return m.total }

// IsUsed reports whether unit i is marked used.
func (m *Map) IsUsed(i uint64) bool { return m.used.Test(uint(i)) }

// AllocRun requests n contiguous free units. It scans forward from the
// allocator's cursor and takes n units from the first free run that is
// at least n long; if none that long exists before wrapping all the way
// around, it returns the single longest run found anywhere, which may
// be shorter than n (the caller loops to satisfy
// the remainder, as spec.md §4.3 requires). Returns engine.ErrOutOfSpace
// only when no free unit exists at all.
func (m *Map) AllocRun(n uint64) (start, length uint64, err error) {
	if m.free == 0 {
		return 0, 0, errors.Wrap(engine.ErrOutOfSpace, "no free units remain")
	}
	if n == 0 {
		return 0, 0, nil
	}

	bestStart, bestLen := uint64(0), uint64(0)
	scanned := uint64(0)
	i := m.cursor % m.total

	for scanned < m.total {
		if !m.used.Test(uint(i)) {
			runStart := i
			runLen := uint64(0)
			for scanned < m.total && !m.used.Test(uint(i)) {
				runLen++
				scanned++
				i = (i + 1) % m.total
				if runLen == n {
					break
				}
				if i == 0 {
					break // a physical run never wraps past the last unit
				}
			}
			if runLen > bestLen {
				bestStart, bestLen = runStart, runLen
			}
			if runLen >= n {
				break
			}
			continue
		}
		i = (i + 1) % m.total
		scanned++
	}

	if bestLen == 0 {
		return 0, 0, errors.Wrap(engine.ErrOutOfSpace, "no free units remain")
	}

	for j := bestStart; j < bestStart+bestLen; j++ {
		m.used.Set(uint(j))
	}
	m.free -= bestLen
	m.cursor = (bestStart + bestLen) % m.total
	return bestStart, bestLen, nil
}

// AllocOne requests a single free unit, for directory entries / inodes.
func (m *Map) AllocOne() (uint64, error) {
	start, _, err := m.AllocRun(1)
	return start, err
}

// FreeUnit marks a previously-allocated unit free again. Used only
// during error-path rollback, per spec.md §4.3.
func (m *Map) FreeUnit(i uint64) {
	if m.used.Test(uint(i)) {
		m.used.Clear(uint(i))
		m.free++
	}
}

// Bytes serializes the bitmap to its on-disk byte form (1 bit per unit,
// little-endian bit order within each byte), with unit 0 in bit 0 of
// byte 0.
func (m *Map) Bytes() []byte {
	out := make([]byte, (m.total+7)/8)
	for i := uint64(0); i < m.total; i++ {
		if m.used.Test(uint(i)) {
			out[i/8] |= 1 << (i % 8)
		}
	}
	return out
}

package exfat

import (
	"github.com/rimgen/fsimage/internal/freemap"
)

// Handle is the result of an allocation.
type Handle struct {
	First  ClusterID
	Length uint32
}

// Allocator tracks free clusters with a next-fit, contiguity-favoring
// bitmap (spec.md §4.3). It is seeded with the root directory, bitmap,
// and up-case table clusters already reserved, matching what the
// Formatter lays down before any Injector session begins.
type Allocator struct {
	meta *Meta
	free *freemap.Map
}

// NewAllocator builds an Allocator over meta's cluster heap. Cluster
// indices are heap-relative (first data cluster is 2, per ExFAT
// convention); the free map is 0-based over [0, ClusterCount+2).
func NewAllocator(meta *Meta) *Allocator {
	fm := freemap.New(uint64(meta.ClusterCount) + 2)
	fm.Reserve(0, 2) // clusters 0,1 do not exist in the heap
	fm.Reserve(uint64(meta.RootCluster), 1)
	fm.Reserve(uint64(meta.BitmapCluster), uint64(meta.BitmapClusters))
	fm.Reserve(uint64(meta.UpcaseCluster), uint64(meta.UpcaseClusters))
	return &Allocator{meta: meta, free: fm}
}

// AllocRun requests n contiguous clusters, favoring the longest
// available contiguous run so most files can set NoFatChain and skip
// FAT writes entirely (spec.md §3.3, §4.3).
func (a *Allocator) AllocRun(n uint32) (Handle, error) {
	start, length, err := a.free.AllocRun(uint64(n))
	if err != nil {
		return Handle{}, err
	}
	return Handle{First: ClusterID(start), Length: uint32(length)}, nil
}

func (a *Allocator) AllocOne() (ClusterID, error) {
	c, err := a.free.AllocOne()
	return ClusterID(c), err
}

func (a *Allocator) Free(c ClusterID) { a.free.FreeUnit(uint64(c)) }

func (a *Allocator) FreeClusters() uint32 { return uint32(a.free.Free()) }

func (a *Allocator) IsUsed(c ClusterID) bool { return a.free.IsUsed(uint64(c)) }

// Bitmap serializes the current usage as the on-disk Allocation Bitmap,
// whose bit 0 represents cluster 2 (the heap's first cluster), not
// cluster 0 - so this cannot reuse freemap.Map.Bytes() directly, which
// is 0-based over the internal [0, ClusterCount+2) index space.
func (a *Allocator) Bitmap() []byte {
	n := a.meta.ClusterCount
	out := make([]byte, (n+7)/8)
	for i := uint32(0); i < n; i++ {
		if a.IsUsed(ClusterID(i + 2)) {
			out[i/8] |= 1 << (i % 8)
		}
	}
	return out
}

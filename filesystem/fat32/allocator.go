package fat32

import (
	"github.com/rimgen/fsimage/internal/freemap"
)

// Handle is the result of an allocation: enough to write data (first
// cluster + run length) and enough to link into a directory entry
// (chain head).
type Handle struct {
	First  ClusterID
	Length uint32 // clusters in this run
}

// Allocator tracks free clusters in memory during a session (spec.md
// §4.3). Clusters 0 and 1 and the root directory cluster are reserved
// up front; FAT entries themselves are only materialized at commit.
type Allocator struct {
	meta *Meta
	free *freemap.Map
}

// NewAllocator builds an Allocator over meta's cluster space with
// clusters 0, 1 and the root directory cluster already reserved.
func NewAllocator(meta *Meta) *Allocator {
	// Cluster indices start at 2; we model the free map 0-based over
	// [0, TotalClusters+2) so ClusterID arithmetic stays direct, with
	// clusters 0 and 1 permanently reserved (they do not exist on disk
	// but the FAT's own entry 0/1 slots do).
	fm := freemap.New(uint64(meta.TotalClusters) + 2)
	fm.Reserve(0, 2)
	fm.Reserve(rootCluster, 1)
	return &Allocator{meta: meta, free: fm}
}

// AllocRun requests n contiguous clusters, returning the best-effort
// longest contiguous run available.
func (a *Allocator) AllocRun(n uint32) (Handle, error) {
	start, length, err := a.free.AllocRun(uint64(n))
	if err != nil {
		return Handle{}, err
	}
	return Handle{First: ClusterID(start), Length: uint32(length)}, nil
}

// AllocOne requests a single cluster, used for directory extension.
func (a *Allocator) AllocOne() (ClusterID, error) {
	c, err := a.free.AllocOne()
	return ClusterID(c), err
}

// Free releases a cluster back to the pool (error-path rollback only).
func (a *Allocator) Free(c ClusterID) {
	a.free.FreeUnit(uint64(c))
}

// FreeClusters returns the number of unallocated clusters.
func (a *Allocator) FreeClusters() uint32 {
	return uint32(a.free.Free())
}

// IsUsed reports whether cluster c is currently allocated.
func (a *Allocator) IsUsed(c ClusterID) bool {
	return a.free.IsUsed(uint64(c))
}

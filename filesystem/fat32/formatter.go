package fat32

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/rimgen/fsimage/engine"
	"github.com/rimgen/fsimage/store"
)

// Formatter writes the initial empty-but-valid FAT32 image (spec.md
// §4.4): BPB, FSInfo, backup boot sector, both FAT copies, and a single
// root directory cluster.
type Formatter struct {
	store store.Store
	meta  *Meta
	log   *logrus.Entry
}

// NewFormatter constructs a Formatter over store for the given meta.
func NewFormatter(s store.Store, m *Meta) *Formatter {
	return &Formatter{store: s, meta: m, log: logrus.WithField("fs", "fat32")}
}

// Format writes the reserved region, boot sectors, FSInfo, FATs and an
// empty root directory cluster. It never writes user files.
func (f *Formatter) Format() error {
	f.log.WithField("op", "format").Info("formatting fat32 volume")

	bpb := encodeBPB(f.meta)
	if err := f.store.WriteAt(bpb, 0); err != nil {
		return errors.Wrap(engine.ErrIO, err.Error())
	}
	if err := f.store.WriteAt(bpb, f.meta.BackupBootOffset); err != nil {
		return errors.Wrap(engine.ErrIO, err.Error())
	}

	// Root directory occupies cluster 2 alone at t=0: one cluster's
	// worth of free capacity, minus the cluster itself.
	fsinfo := encodeFSInfo(f.meta.TotalClusters-1, rootCluster)
	if err := f.store.WriteAt(fsinfo, f.meta.FSInfoOffset); err != nil {
		return errors.Wrap(engine.ErrIO, err.Error())
	}

	alloc := NewAllocator(f.meta)
	c := make(chain)
	c[rootCluster] = 0 // single-cluster chain, end of chain
	if err := writeFATs(f.store, f.meta, alloc, c); err != nil {
		return err
	}

	zero := make([]byte, f.meta.ClusterSize)
	if err := f.store.WriteAt(zero, f.meta.ClusterOffset(rootCluster)); err != nil {
		return errors.Wrap(engine.ErrIO, err.Error())
	}

	return f.store.Flush()
}

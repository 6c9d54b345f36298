package exfat

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/rimgen/fsimage/engine"
	"github.com/rimgen/fsimage/store"
)

// Formatter writes the initial empty-but-valid ExFAT image (spec.md
// §4.4): Main Boot Region, Backup Boot Region, the allocation bitmap,
// the up-case table, and a root directory carrying the three mandatory
// primary entries.
type Formatter struct {
	store store.Store
	meta  *Meta
	log   *logrus.Entry
}

func NewFormatter(s store.Store, m *Meta) *Formatter {
	return &Formatter{store: s, meta: m, log: logrus.WithField("fs", "exfat")}
}

func (f *Formatter) writeBootRegion(baseOffset int64) error {
	main, err := encodeMainBootSector(f.meta)
	if err != nil {
		return err
	}
	sectors := make([][]byte, bootRegionSectors-1) // all but the checksum sector
	sectors[0] = main
	for i := 1; i <= 8; i++ {
		sectors[i] = encodeExtendedBootSector()
	}
	sectors[9] = encodeOEMParameters()
	sectors[10] = make([]byte, sectorSize) // reserved

	for i, sec := range sectors {
		if err := f.store.WriteAt(sec, baseOffset+int64(i)*sectorSize); err != nil {
			return errors.Wrap(engine.ErrIO, err.Error())
		}
	}
	checksum := bootChecksum(sectors)
	if err := f.store.WriteAt(encodeChecksumSector(checksum), baseOffset+11*sectorSize); err != nil {
		return errors.Wrap(engine.ErrIO, err.Error())
	}
	return nil
}

// Format writes both boot regions, writes a FAT holding only the root,
// bitmap and up-case chains, allocates and
// populates the bitmap and up-case table clusters, and writes a root
// directory cluster holding the bitmap/up-case/label primary entries.
// It never writes user files.
func (f *Formatter) Format() error {
	f.log.WithField("op", "format").Info("formatting exfat volume")

	if err := f.writeBootRegion(0); err != nil {
		return err
	}
	if err := f.writeBootRegion(int64(bootRegionSectors) * sectorSize); err != nil {
		return err
	}

	if err := writeFAT(f.store, f.meta, make(chain)); err != nil {
		return err
	}

	alloc := NewAllocator(f.meta)

	// root directory: a single cluster is enough for the three mandatory
	// primary entries at t=0.
	rootZero := make([]byte, f.meta.ClusterSize)
	if err := f.store.WriteAt(rootZero, f.meta.ClusterOffset(f.meta.RootCluster)); err != nil {
		return errors.Wrap(engine.ErrIO, err.Error())
	}

	// up-case table, zero-padded to its full cluster range (the store
	// is not assumed pre-zeroed).
	upcase := make([]byte, int64(f.meta.UpcaseClusters)*f.meta.ClusterSize)
	copy(upcase, upcaseTableBytes())
	if err := f.store.WriteAt(upcase, f.meta.ClusterOffset(f.meta.UpcaseCluster)); err != nil {
		return errors.Wrap(engine.ErrIO, err.Error())
	}

	// allocation bitmap, reflecting the clusters already reserved by
	// Meta, likewise padded to its full cluster range.
	bitmap := make([]byte, int64(f.meta.BitmapClusters)*f.meta.ClusterSize)
	copy(bitmap, alloc.Bitmap())
	if err := f.store.WriteAt(bitmap, f.meta.ClusterOffset(f.meta.BitmapCluster)); err != nil {
		return errors.Wrap(engine.ErrIO, err.Error())
	}

	var rootEntries []byte
	rootEntries = append(rootEntries, encodeBitmapEntry(f.meta)...)
	rootEntries = append(rootEntries, encodeUpcaseEntry(f.meta)...)
	if f.meta.Label != "" {
		rootEntries = append(rootEntries, encodeLabelEntry(f.meta.Label)...)
	}
	if err := f.store.WriteAt(rootEntries, f.meta.ClusterOffset(f.meta.RootCluster)); err != nil {
		return errors.Wrap(engine.ErrIO, err.Error())
	}

	return f.store.Flush()
}

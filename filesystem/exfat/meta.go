// Package exfat implements the Formatter, Allocator, Injector and
// Checker for the ExFAT filesystem (spec.md §3.3, §4 as specialized for
// ExFAT). Boot sector and directory-entry layouts follow the Microsoft
// ExFAT Specification referenced in spec.md §6.2.
package exfat

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/rimgen/fsimage/engine"
)

const (
	sectorSize       = 512
	bootRegionSectors = 12 // Main Boot Region and Backup Boot Region are each 12 sectors
	numFATs          = 1
	rootDirCluster   = 2 // first cluster of the heap is always cluster index 2

	entrySize = 32

	// entry types (spec.md §3.3)
	entryTypeBitmap   = 0x81
	entryTypeUpcase   = 0x82
	entryTypeLabel    = 0x83
	entryTypeFile     = 0x85
	entryTypeStream   = 0xC0
	entryTypeFileName = 0xC1
	entryInUseMask    = 0x80

	streamFlagAllocationPossible = 0x01
	streamFlagNoFatChain         = 0x02

	maxUTF16PerNameEntry = 15
	maxNameLength        = 255
)

// ClusterID is the ExFAT allocation unit (spec.md §3.1): a 32-bit
// cluster index, first data cluster numbered 2.
type ClusterID uint32

// Options are the ExFAT-specific metadata-derivation inputs.
type Options struct {
	engine.Options
	SerialNumber uint32
}

// Meta is the pure, I/O-free derivation of ExFAT geometry (spec.md
// §4.2): sector/cluster geometry, FAT and cluster heap offsets, and the
// reserved clusters for the allocation bitmap and up-case table.
type Meta struct {
	VolumeLength int64
	Label        string
	SerialNumber uint32

	BytesPerSectorShift   uint8
	SectorsPerClusterShift uint8
	ClusterSize           int64

	FATOffsetSectors  uint32
	FATLengthSectors  uint32
	ClusterHeapOffset uint32 // sectors, from volume start
	ClusterCount      uint32

	BitmapCluster    ClusterID
	BitmapClusters   uint32
	BitmapLength     int64
	UpcaseCluster    ClusterID
	UpcaseClusters   uint32
	UpcaseLength     int64
	UpcaseChecksum   uint32
	RootCluster      ClusterID
}

func (m *Meta) sectorSize() int64 { return int64(1) << m.BytesPerSectorShift }

// ClusterOffset returns the byte offset of the first byte of cluster c.
func (m *Meta) ClusterOffset(c ClusterID) int64 {
	heapStart := int64(m.ClusterHeapOffset) * m.sectorSize()
	return heapStart + int64(uint32(c)-2)*m.ClusterSize
}

func clustersFor(bytes int64, clusterSize int64) uint32 {
	return uint32((bytes + clusterSize - 1) / clusterSize)
}

// Derive computes ExFAT geometry for a volume of volumeLen bytes. The
// allocation bitmap and up-case table clusters are reserved immediately
// following the root directory cluster, matching the layout the
// Formatter writes.
func Derive(volumeLen int64, opts Options) (*Meta, error) {
	const minVolume = 1 << 20 // exFAT spec: at least 2^20 / 2^sectorShift sectors; 1MB is a safe floor
	if volumeLen < minVolume {
		return nil, errors.Wrapf(engine.ErrInvalidMeta, "exfat volume too small: %d bytes", volumeLen)
	}

	bytesPerSectorShift := uint8(9) // 512-byte sectors
	sectorsPerClusterShift := clusterShiftForSize(volumeLen)
	clusterSize := int64(1) << (bytesPerSectorShift + sectorsPerClusterShift)

	totalSectors := uint32(volumeLen / sectorSize)
	fatOffsetSectors := uint32(2 * bootRegionSectors) // main + backup VBR
	// FAT length in sectors, sized generously for the maximum possible
	// cluster count so geometry never needs a second fixed-point pass.
	maxClusters := uint32((int64(totalSectors) * sectorSize) / clusterSize)
	fatBytes := (uint64(maxClusters) + 2) * 4
	fatLengthSectors := uint32((fatBytes + sectorSize - 1) / sectorSize)

	clusterHeapOffset := fatOffsetSectors + fatLengthSectors*numFATs
	// round the heap start up to a cluster boundary
	sectorsPerCluster := uint32(1) << sectorsPerClusterShift
	if rem := clusterHeapOffset % sectorsPerCluster; rem != 0 {
		clusterHeapOffset += sectorsPerCluster - rem
	}

	heapSectors := totalSectors - clusterHeapOffset
	clusterCount := heapSectors / sectorsPerCluster
	if clusterCount < 1 {
		return nil, errors.Wrap(engine.ErrInvalidMeta, "exfat volume has no room for a cluster heap")
	}

	bitmapBytes := int64((clusterCount + 7) / 8)
	bitmapClusters := clustersFor(bitmapBytes, clusterSize)

	upcaseBytes := int64(0x10000) * 2 // one uint16 per UTF-16 code unit, spec.md §3.3
	upcaseClusters := clustersFor(upcaseBytes, clusterSize)

	if clusterCount < 2+bitmapClusters+upcaseClusters {
		return nil, errors.Wrap(engine.ErrInvalidMeta, "exfat volume too small for root+bitmap+upcase clusters")
	}

	serial := opts.SerialNumber
	if serial == 0 {
		serial = uint32(volumeLen) ^ 0x45584641 // deterministic default, keeps Derive pure
	}
	label := opts.Label

	m := &Meta{
		VolumeLength:           volumeLen,
		Label:                  label,
		SerialNumber:           serial,
		BytesPerSectorShift:    bytesPerSectorShift,
		SectorsPerClusterShift: sectorsPerClusterShift,
		ClusterSize:            clusterSize,
		FATOffsetSectors:       fatOffsetSectors,
		FATLengthSectors:       fatLengthSectors,
		ClusterHeapOffset:      clusterHeapOffset,
		ClusterCount:           clusterCount,
		RootCluster:            rootDirCluster,
		BitmapCluster:          rootDirCluster + 1,
		BitmapClusters:         bitmapClusters,
		BitmapLength:           bitmapBytes,
		UpcaseCluster:          ClusterID(uint32(rootDirCluster+1) + bitmapClusters),
		UpcaseClusters:         upcaseClusters,
		UpcaseLength:           upcaseBytes,
	}
	m.UpcaseChecksum = upcaseTableChecksum()
	return m, nil
}

// clusterShiftForSize picks a cluster size (as a shift from the 512-byte
// sector) from volume size with a coarse three-step table of its own,
// separate from FAT32's (spec.md
// §3.2/§3.3 both describe cluster size as "sized per volume" without a
// mandated table).
func clusterShiftForSize(sizeBytes int64) uint8 {
	mb := sizeBytes / (1024 * 1024)
	switch {
	case mb <= 256:
		return 3 // 4 KiB clusters
	case mb <= 32768:
		return 6 // 32 KiB clusters
	default:
		return 8 // 128 KiB clusters
	}
}

func (m *Meta) String() string {
	return fmt.Sprintf("exfat(clusters=%d clusterSize=%d label=%q)", m.ClusterCount, m.ClusterSize, m.Label)
}

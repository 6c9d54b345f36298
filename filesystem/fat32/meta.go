// Package fat32 implements the Formatter, Allocator, Injector and
// Checker for the FAT32 filesystem (spec.md §3.2, §4 as specialized for
// FAT32). Geometry and constants follow the Microsoft FAT Specification
// referenced in spec.md §6.2.
package fat32

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/rimgen/fsimage/engine"
)

const (
	sectorSize        = 512
	reservedSectors    = 32
	numFATs            = 2
	rootCluster        = 2
	fsInfoSector       = 1
	backupBootSector   = 6
	bytesPerDirEntry   = 32
)

// ClusterID is the FAT32 allocation unit: a 28-bit cluster index stored
// in a 32-bit field. spec.md §3.1 "U = cluster index (u32)".
type ClusterID uint32

// Options are the FAT32-specific metadata-derivation inputs.
type Options struct {
	engine.Options
	Serial uint32 // BS_VolID; 0 lets Derive synthesize one from the volume length
}

// Meta is the pure, I/O-free derivation of FAT32 geometry from a volume
// length and Options (spec.md §4.2). Two calls with identical inputs
// always produce an identical Meta, which is what makes image generation
// reproducible (spec.md Testable Property 3).
type Meta struct {
	VolumeLength int64
	Label        string
	Serial       uint32

	SectorsPerCluster uint8
	ClusterSize       int64
	ReservedSectors   uint32
	FATSizeSectors    uint32
	TotalSectors      uint32
	TotalClusters     uint32

	FATOffset       int64 // byte offset of FAT #1
	FAT2Offset      int64 // byte offset of FAT #2
	DataOffset      int64 // byte offset of cluster 2
	FSInfoOffset    int64
	BackupBootOffset int64
}

// ClusterOffset returns the byte offset of the first byte of cluster c.
func (m *Meta) ClusterOffset(c ClusterID) int64 {
	return m.DataOffset + int64(uint32(c)-2)*m.ClusterSize
}

// defaultSectorsPerCluster approximates the table Microsoft's FORMAT
// utility uses to pick a FAT32 cluster size from volume size (spec.md
// §3.2 "default policy matching Microsoft's FORMAT table"). It is an
// approximation, not a transcription of the exact table; see DESIGN.md.
func defaultSectorsPerCluster(sizeBytes int64) uint8 {
	mb := sizeBytes / (1024 * 1024)
	switch {
	case mb <= 32:
		return 1
	case mb <= 64:
		return 2
	case mb <= 128:
		return 4
	case mb <= 256:
		return 8
	case mb <= 8192:
		return 16
	case mb <= 16384:
		return 32
	default:
		return 64
	}
}

// fatSizeSectors computes the sectors-per-FAT needed to cover
// dataSectors worth of clusters, iterating to a fixed point the way
// mkfs.fat does: the FAT's own size affects how many sectors remain for
// data, which affects how many clusters there are, which affects how
// big the FAT needs to be.
func fatSizeSectors(totalSectors uint32, secPerClus uint8) uint32 {
	dataSectors := totalSectors - reservedSectors
	fatSize := uint32(1)
	for i := 0; i < 8; i++ {
		usable := dataSectors - fatSize*numFATs
		clusters := usable / uint32(secPerClus)
		needed := (uint64(clusters+2)*4 + sectorSize - 1) / sectorSize
		if uint32(needed) == fatSize {
			break
		}
		fatSize = uint32(needed)
	}
	return fatSize
}

// Derive computes FAT32 geometry for a volume of volumeLen bytes.
func Derive(volumeLen int64, opts Options) (*Meta, error) {
	if volumeLen < 32*1024*1024 {
		return nil, errors.Wrapf(engine.ErrInvalidMeta, "fat32 volume too small: %d bytes", volumeLen)
	}
	secPerClus := uint8(opts.ClusterHint)
	if secPerClus == 0 {
		secPerClus = defaultSectorsPerCluster(volumeLen)
	}
	totalSectors := uint32(volumeLen / sectorSize)
	fatSize := fatSizeSectors(totalSectors, secPerClus)

	dataSectors := totalSectors - reservedSectors - fatSize*numFATs
	totalClusters := dataSectors / uint32(secPerClus)
	if totalClusters < 1 {
		return nil, errors.Wrapf(engine.ErrInvalidMeta,
			"fat32 volume leaves no data clusters after FAT/reserved overhead")
	}

	serial := opts.Serial
	if serial == 0 {
		serial = uint32(volumeLen) ^ 0x46415433 // deterministic default, not time-based, to keep Derive pure
	}

	label := opts.Label
	if label == "" {
		label = "NO NAME"
	}

	m := &Meta{
		VolumeLength:      volumeLen,
		Label:             label,
		Serial:            serial,
		SectorsPerCluster: secPerClus,
		ClusterSize:       int64(secPerClus) * sectorSize,
		ReservedSectors:   reservedSectors,
		FATSizeSectors:    fatSize,
		TotalSectors:      totalSectors,
		TotalClusters:     totalClusters,
		FSInfoOffset:      fsInfoSector * sectorSize,
		BackupBootOffset:  backupBootSector * sectorSize,
	}
	m.FATOffset = int64(reservedSectors) * sectorSize
	m.FAT2Offset = m.FATOffset + int64(fatSize)*sectorSize
	m.DataOffset = m.FAT2Offset + int64(fatSize)*sectorSize
	return m, nil
}

func (m *Meta) String() string {
	return fmt.Sprintf("fat32(clusters=%d clusterSize=%d label=%q)", m.TotalClusters, m.ClusterSize, m.Label)
}

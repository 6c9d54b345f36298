package exfat

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/rimgen/fsimage/engine"
	"github.com/rimgen/fsimage/store"
)

const (
	exfatFatFree = 0x00000000
	exfatFatEOC  = 0xFFFFFFFF
	exfatFatBad  = 0xFFFFFFF7
)

// chain maps a cluster to the next cluster in its chain; 0 means end of
// chain. Fragmented files and directory clusters populate this -
// contiguous files set NoFatChain and never touch the FAT (spec.md
// §3.3, §4.5.3).
type chain map[ClusterID]ClusterID

func (c chain) linkRun(first ClusterID, n uint32) ClusterID {
	cur := first
	for i := uint32(1); i < n; i++ {
		c[cur] = cur + 1
		cur++
	}
	c[cur] = 0
	return cur
}

// writeFAT serializes the chains present in c plus the root directory,
// allocation bitmap and up-case table chains; every other cluster
// keeps its free/unused FAT entry value of 0, since contiguous files
// never register a chain and are tracked purely by the allocation
// bitmap (spec.md §3.3 "contiguous files set the NoFatChain flag ...
// and omit FAT updates").
func writeFAT(s store.Store, m *Meta, c chain) error {
	fatBytes := make([]byte, int64(m.FATLengthSectors)*sectorSize)
	binary.LittleEndian.PutUint32(fatBytes[0:4], 0xFFFFFFF8)
	binary.LittleEndian.PutUint32(fatBytes[4:8], exfatFatEOC)

	// the root directory, allocation bitmap and up-case table clusters
	// are always chained through the FAT, whether or not an Injector
	// ever extended them.
	seedChain := func(first ClusterID, n uint32) {
		for i := uint32(0); i < n; i++ {
			cl := first + ClusterID(i)
			if _, ok := c[cl]; ok {
				continue
			}
			val := uint32(exfatFatEOC)
			if i+1 < n {
				val = uint32(cl) + 1
			}
			binary.LittleEndian.PutUint32(fatBytes[cl*4:cl*4+4], val)
		}
	}
	seedChain(m.RootCluster, 1)
	seedChain(m.BitmapCluster, m.BitmapClusters)
	seedChain(m.UpcaseCluster, m.UpcaseClusters)

	for cl, next := range c {
		val := uint32(exfatFatEOC)
		if next != 0 {
			val = uint32(next)
		}
		binary.LittleEndian.PutUint32(fatBytes[cl*4:cl*4+4], val)
	}
	off := int64(m.FATOffsetSectors) * sectorSize
	if err := s.WriteAt(fatBytes, off); err != nil {
		return errors.Wrap(engine.ErrIO, err.Error())
	}
	return nil
}

func readFATEntry(s store.Store, m *Meta, c ClusterID) (uint32, error) {
	off := int64(m.FATOffsetSectors)*sectorSize + int64(c)*4
	var buf [4]byte
	if err := s.ReadAt(buf[:], off); err != nil {
		return 0, errors.Wrap(engine.ErrIO, err.Error())
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

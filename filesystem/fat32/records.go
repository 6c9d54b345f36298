package fat32

import (
	"encoding/binary"
	"time"
	"unicode/utf16"
)

// FAT32 BPB field values (spec.md §6.2).
const (
	bootSigOffset  = 510
	bootSig0       = 0x55
	bootSig1       = 0xAA
	extBootSig     = 0x29
	fsInfoLeadSig  = 0x41615252
	fsInfoStrucSig = 0x61417272
	fsInfoTrailSig = 0xAA550000

	attrReadOnly = 0x01
	attrHidden   = 0x02
	attrSystem   = 0x04
	attrVolumeID = 0x08
	attrDir      = 0x10
	attrArchive  = 0x20
	attrLFN      = attrReadOnly | attrHidden | attrSystem | attrVolumeID

	// FAT entry values, low 28 bits significant.
	fatFree     uint32 = 0x00000000
	fatBad      uint32 = 0x0FFFFFF7
	fatEOC      uint32 = 0x0FFFFFFF
	fatEOCFloor uint32 = 0x0FFFFFF8
	fatMask28   uint32 = 0x0FFFFFFF
)

// encodeBPB renders the BIOS Parameter Block + FAT32 extension into a
// 512-byte boot sector.
func encodeBPB(m *Meta) []byte {
	b := make([]byte, sectorSize)
	b[0], b[1], b[2] = 0xEB, 0x58, 0x90 // JMP SHORT 0x5A NOP
	copy(b[3:11], []byte("RIMGEN  "))
	binary.LittleEndian.PutUint16(b[11:13], sectorSize)
	b[13] = m.SectorsPerCluster
	binary.LittleEndian.PutUint16(b[14:16], uint16(m.ReservedSectors))
	b[16] = numFATs
	// b[17:19] root entry count = 0 for FAT32
	// b[19:21] total sectors16 = 0, using the 32-bit field instead
	b[21] = 0xF8 // fixed disk media descriptor
	// b[22:24] FAT size16 = 0 for FAT32
	binary.LittleEndian.PutUint16(b[24:26], 63) // sectors per track, conventional
	binary.LittleEndian.PutUint16(b[26:28], 255)
	binary.LittleEndian.PutUint32(b[28:32], 0)
	binary.LittleEndian.PutUint32(b[32:36], m.TotalSectors)

	binary.LittleEndian.PutUint32(b[36:40], m.FATSizeSectors)
	binary.LittleEndian.PutUint16(b[40:42], 0) // ExtFlags: mirror both FATs
	binary.LittleEndian.PutUint16(b[42:44], 0) // FS version 0.0
	binary.LittleEndian.PutUint32(b[44:48], rootCluster)
	binary.LittleEndian.PutUint16(b[48:50], fsInfoSector)
	binary.LittleEndian.PutUint16(b[50:52], backupBootSector)
	// b[52:64] reserved, zero

	b[64] = 0x80 // drive number
	b[65] = 0
	b[66] = extBootSig
	binary.LittleEndian.PutUint32(b[67:71], m.Serial)
	copy(b[71:82], padRight(m.Label, 11))
	copy(b[82:90], []byte("FAT32   "))

	b[bootSigOffset] = bootSig0
	b[bootSigOffset+1] = bootSig1
	return b
}

// encodeFSInfo renders the FSInfo sector with the given free cluster
// count and next-free hint (spec.md §4.4).
func encodeFSInfo(freeClusters, nextFree uint32) []byte {
	b := make([]byte, sectorSize)
	binary.LittleEndian.PutUint32(b[0:4], fsInfoLeadSig)
	binary.LittleEndian.PutUint32(b[484:488], fsInfoStrucSig)
	binary.LittleEndian.PutUint32(b[488:492], freeClusters)
	binary.LittleEndian.PutUint32(b[492:496], nextFree)
	binary.LittleEndian.PutUint32(b[508:512], fsInfoTrailSig)
	return b
}

func decodeFSInfo(b []byte) (freeClusters, nextFree uint32) {
	return binary.LittleEndian.Uint32(b[488:492]), binary.LittleEndian.Uint32(b[492:496])
}

func padRight(s string, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = ' '
	}
	copy(out, s)
	if len(s) > n {
		copy(out, s[:n])
	}
	return out
}

// shortDirEntry is the 32-byte 8.3 directory entry shape (spec.md
// §3.2). Times are stored in classic FAT date/time pairs.
type shortDirEntry struct {
	Name       [11]byte
	Attr       byte
	NTRes      byte
	CrtTimeTen byte
	CrtTime    uint16
	CrtDate    uint16
	LastAccDate uint16
	ClusterHi  uint16
	WrtTime    uint16
	WrtDate    uint16
	ClusterLo  uint16
	FileSize   uint32
}

func (e *shortDirEntry) cluster() ClusterID {
	return ClusterID(uint32(e.ClusterHi)<<16 | uint32(e.ClusterLo))
}

func (e *shortDirEntry) setCluster(c ClusterID) {
	e.ClusterHi = uint16(uint32(c) >> 16)
	e.ClusterLo = uint16(uint32(c) & 0xFFFF)
}

func (e *shortDirEntry) encode() []byte {
	b := make([]byte, bytesPerDirEntry)
	copy(b[0:11], e.Name[:])
	b[11] = e.Attr
	b[12] = e.NTRes
	b[13] = e.CrtTimeTen
	binary.LittleEndian.PutUint16(b[14:16], e.CrtTime)
	binary.LittleEndian.PutUint16(b[16:18], e.CrtDate)
	binary.LittleEndian.PutUint16(b[18:20], e.LastAccDate)
	binary.LittleEndian.PutUint16(b[20:22], e.ClusterHi)
	binary.LittleEndian.PutUint16(b[22:24], e.WrtTime)
	binary.LittleEndian.PutUint16(b[24:26], e.WrtDate)
	binary.LittleEndian.PutUint16(b[26:28], e.ClusterLo)
	binary.LittleEndian.PutUint32(b[28:32], e.FileSize)
	return b
}

func decodeShortDirEntry(b []byte) shortDirEntry {
	var e shortDirEntry
	copy(e.Name[:], b[0:11])
	e.Attr = b[11]
	e.NTRes = b[12]
	e.CrtTimeTen = b[13]
	e.CrtTime = binary.LittleEndian.Uint16(b[14:16])
	e.CrtDate = binary.LittleEndian.Uint16(b[16:18])
	e.LastAccDate = binary.LittleEndian.Uint16(b[18:20])
	e.ClusterHi = binary.LittleEndian.Uint16(b[20:22])
	e.WrtTime = binary.LittleEndian.Uint16(b[22:24])
	e.WrtDate = binary.LittleEndian.Uint16(b[24:26])
	e.ClusterLo = binary.LittleEndian.Uint16(b[26:28])
	e.FileSize = binary.LittleEndian.Uint32(b[28:32])
	return e
}

// fatDate/fatTime encode a time.Time into FAT's packed date/time words.
func fatDate(t time.Time) uint16 {
	if t.IsZero() {
		t = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	y := t.Year() - 1980
	if y < 0 {
		y = 0
	}
	return uint16(y<<9 | int(t.Month())<<5 | t.Day())
}

func fatTime(t time.Time) uint16 {
	return uint16(t.Hour()<<11 | t.Minute()<<5 | t.Second()/2)
}

// lfnEntry is one 32-byte slot of a Long File Name chain (spec.md
// §3.2). Up to 13 UCS-2 code units per slot.
type lfnEntry struct {
	Ordinal  byte // bit 0x40 set on the last (first-written) slot
	Name1    [5]uint16
	Attr     byte
	Type     byte
	Checksum byte
	Name2    [6]uint16
	ClusterLo uint16
	Name3    [2]uint16
}

func (e *lfnEntry) encode() []byte {
	b := make([]byte, bytesPerDirEntry)
	b[0] = e.Ordinal
	for i, u := range e.Name1 {
		binary.LittleEndian.PutUint16(b[1+i*2:3+i*2], u)
	}
	b[11] = attrLFN
	b[12] = e.Type
	b[13] = e.Checksum
	for i, u := range e.Name2 {
		binary.LittleEndian.PutUint16(b[14+i*2:16+i*2], u)
	}
	binary.LittleEndian.PutUint16(b[26:28], 0)
	for i, u := range e.Name3 {
		binary.LittleEndian.PutUint16(b[28+i*2:30+i*2], u)
	}
	return b
}

// shortNameChecksum is the 8-bit rotating sum over the 11 bytes of a
// short name (spec.md §4.5.2).
func shortNameChecksum(name [11]byte) byte {
	var sum byte
	for _, c := range name {
		sum = (sum>>1 | sum<<7) + c
	}
	return sum
}

// buildLFNEntries splits a long UTF-16 name into the LFN chain that
// must immediately precede the short entry, ordered last-slot-first as
// FAT32 stores them on disk.
func buildLFNEntries(name string, checksum byte) []lfnEntry {
	units := utf16.Encode([]rune(name))
	units = append(units, 0x0000)
	for len(units)%13 != 0 {
		units = append(units, 0xFFFF)
	}
	slots := len(units) / 13
	entries := make([]lfnEntry, slots)
	for s := 0; s < slots; s++ {
		chunk := units[s*13 : s*13+13]
		e := &entries[s]
		copy(e.Name1[:], chunk[0:5])
		copy(e.Name2[:], chunk[5:11])
		copy(e.Name3[:], chunk[11:13])
		e.Checksum = checksum
		e.Ordinal = byte(s + 1)
	}
	entries[slots-1].Ordinal |= 0x40
	// disk order is last-written-slot-first
	out := make([]lfnEntry, slots)
	for i := 0; i < slots; i++ {
		out[i] = entries[slots-1-i]
	}
	return out
}

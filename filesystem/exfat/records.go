package exfat

import (
	"encoding/binary"

	"github.com/go-restruct/restruct"
	"github.com/pkg/errors"
)

var defaultEncoding = binary.LittleEndian

// bootSectorHeader is the Main/Backup Boot Sector layout (spec.md §3.3,
// §6.2), packed with github.com/go-restruct/restruct the way
// dsoprea/go-exfat packs its BootSectorHeader.
type bootSectorHeader struct {
	JumpBoot                [3]byte
	FileSystemName          [8]byte
	MustBeZero              [53]byte
	PartitionOffset         uint64
	VolumeLength            uint64
	FatOffset               uint32
	FatLength               uint32
	ClusterHeapOffset       uint32
	ClusterCount            uint32
	FirstClusterOfRootDir   uint32
	VolumeSerialNumber      uint32
	FileSystemRevision      uint16
	VolumeFlags             uint16
	BytesPerSectorShift     uint8
	SectorsPerClusterShift  uint8
	NumberOfFats            uint8
	DriveSelect             uint8
	PercentInUse            uint8
	Reserved                [7]byte
	BootCode                [390]byte
	BootSignature           uint16
}

func encodeMainBootSector(m *Meta) ([]byte, error) {
	h := bootSectorHeader{
		JumpBoot:               [3]byte{0xEB, 0x76, 0x90},
		FileSystemName:         [8]byte{'E', 'X', 'F', 'A', 'T', ' ', ' ', ' '},
		VolumeLength:           uint64(m.VolumeLength / sectorSize),
		FatOffset:              m.FATOffsetSectors,
		FatLength:              m.FATLengthSectors,
		ClusterHeapOffset:      m.ClusterHeapOffset,
		ClusterCount:           m.ClusterCount,
		FirstClusterOfRootDir:  uint32(m.RootCluster),
		VolumeSerialNumber:     m.SerialNumber,
		FileSystemRevision:     0x0100,
		BytesPerSectorShift:    m.BytesPerSectorShift,
		SectorsPerClusterShift: m.SectorsPerClusterShift,
		NumberOfFats:           numFATs,
		BootSignature:          0xAA55,
	}
	b, err := restruct.Pack(defaultEncoding, &h)
	if err != nil {
		return nil, errors.Wrap(err, "packing exfat boot sector header")
	}
	out := make([]byte, sectorSize)
	copy(out, b)
	return out, nil
}

// extendedBootSector is one of the 8 Extended Boot Sectors following
// the Main Boot Sector, each ending in the same 4-byte signature.
func encodeExtendedBootSector() []byte {
	b := make([]byte, sectorSize)
	binary.LittleEndian.PutUint32(b[508:512], 0xAA550000)
	return b
}

// encodeOEMParameters writes the all-zero (no OEM-specific) parameters
// sector (spec.md §3.3 "11-sector OEM parameters").
func encodeOEMParameters() []byte {
	return make([]byte, sectorSize)
}

// bootChecksum computes the 32-bit rotating checksum over the 11
// preceding sectors of a boot region (spec.md §4.4, §6.2), skipping the
// VolumeFlags and PercentInUse bytes of the Main Boot Sector (the only
// sector, of the 11, where those fields exist).
func bootChecksum(sectors [][]byte) uint32 {
	var sum uint32
	for si, sec := range sectors {
		for i, b := range sec {
			if si == 0 && (i == 106 || i == 107 || i == 112) {
				continue
			}
			sum = ((sum << 31) | (sum >> 1)) + uint32(b)
		}
	}
	return sum
}

func encodeChecksumSector(checksum uint32) []byte {
	b := make([]byte, sectorSize)
	for i := 0; i < sectorSize; i += 4 {
		binary.LittleEndian.PutUint32(b[i:i+4], checksum)
	}
	return b
}

// --- root directory primary entries ---

func encodeBitmapEntry(m *Meta) []byte {
	b := make([]byte, entrySize)
	b[0] = entryTypeBitmap | entryInUseMask
	binary.LittleEndian.PutUint32(b[20:24], uint32(m.BitmapCluster))
	binary.LittleEndian.PutUint64(b[24:32], uint64(m.BitmapLength))
	return b
}

func encodeUpcaseEntry(m *Meta) []byte {
	b := make([]byte, entrySize)
	b[0] = entryTypeUpcase | entryInUseMask
	binary.LittleEndian.PutUint32(b[4:8], m.UpcaseChecksum)
	binary.LittleEndian.PutUint32(b[20:24], uint32(m.UpcaseCluster))
	binary.LittleEndian.PutUint64(b[24:32], uint64(m.UpcaseLength))
	return b
}

func encodeLabelEntry(label string) []byte {
	b := make([]byte, entrySize)
	units := utf16Encode(label)
	if len(units) > 11 {
		units = units[:11]
	}
	b[0] = entryTypeLabel | entryInUseMask
	b[1] = byte(len(units))
	for i, u := range units {
		binary.LittleEndian.PutUint16(b[2+i*2:4+i*2], u)
	}
	return b
}

// fileEntrySet is the in-memory form of a primary File entry + Stream
// Extension entry + File Name entries (spec.md §3.3).
type fileEntrySet struct {
	attrs       uint16
	created     [4]byte
	modified    [4]byte
	accessed    [4]byte
	noFatChain  bool
	validLength uint64
	dataLength  uint64
	firstCluster ClusterID
	nameUnits   []uint16
}

func (fe *fileEntrySet) secondaryCount() int {
	nameEntries := (len(fe.nameUnits) + maxUTF16PerNameEntry - 1) / maxUTF16PerNameEntry
	if nameEntries == 0 {
		nameEntries = 1
	}
	return 1 + nameEntries // stream extension + name entries
}

// encode renders the full entry set, computing and filling the set
// checksum last, as spec.md §4.5.4 requires.
func (fe *fileEntrySet) encode() []byte {
	secCount := fe.secondaryCount()
	out := make([]byte, entrySize*(1+secCount))

	// primary File entry
	out[0] = entryTypeFile | entryInUseMask
	out[1] = byte(secCount)
	binary.LittleEndian.PutUint16(out[4:6], fe.attrs)
	copy(out[8:12], fe.created[:])
	copy(out[12:16], fe.modified[:])
	copy(out[16:20], fe.accessed[:])

	// Stream Extension entry
	streamOff := entrySize
	flags := byte(streamFlagAllocationPossible)
	if fe.noFatChain {
		flags |= streamFlagNoFatChain
	}
	out[streamOff] = entryTypeStream | entryInUseMask
	out[streamOff+1] = flags
	out[streamOff+3] = byte(len(fe.nameUnits))
	binary.LittleEndian.PutUint16(out[streamOff+4:streamOff+6], nameHash(fe.nameUnits))
	binary.LittleEndian.PutUint64(out[streamOff+8:streamOff+16], fe.validLength)
	binary.LittleEndian.PutUint32(out[streamOff+20:streamOff+24], uint32(fe.firstCluster))
	binary.LittleEndian.PutUint64(out[streamOff+24:streamOff+32], fe.dataLength)

	// File Name entries
	nameOff := streamOff + entrySize
	remaining := fe.nameUnits
	nameEntries := secCount - 1
	for e := 0; e < nameEntries; e++ {
		chunk := remaining
		if len(chunk) > maxUTF16PerNameEntry {
			chunk = chunk[:maxUTF16PerNameEntry]
		}
		out[nameOff] = entryTypeFileName | entryInUseMask
		for i, u := range chunk {
			binary.LittleEndian.PutUint16(out[nameOff+2+i*2:nameOff+4+i*2], u)
		}
		remaining = remaining[len(chunk):]
		nameOff += entrySize
	}

	checksum := entrySetChecksum(out)
	binary.LittleEndian.PutUint16(out[2:4], checksum)
	return out
}

// entrySetChecksum is the 16-bit rotating checksum over every byte of
// the entry set except the checksum field itself (spec.md §3.3, §4.5.4).
func entrySetChecksum(entries []byte) uint16 {
	var sum uint16
	for i, b := range entries {
		if i == 2 || i == 3 {
			continue
		}
		sum = (sum<<15 | sum>>1) + uint16(b)
	}
	return sum
}

func utf16Encode(s string) []uint16 {
	out := make([]uint16, 0, len(s))
	for _, r := range s {
		if r > 0xFFFF {
			r = '_'
		}
		out = append(out, uint16(r))
	}
	return out
}

func utf16Decode(units []uint16) string {
	runes := make([]rune, len(units))
	for i, u := range units {
		runes[i] = rune(u)
	}
	return string(runes)
}

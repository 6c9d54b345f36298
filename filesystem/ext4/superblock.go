package ext4

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math/bits"
	"time"

	uuid "github.com/satori/go.uuid"
)

type filesystemState uint16
type errorBehaviour uint16
type osFlag uint32
type feature uint32
type hashAlgorithm byte

const (
	superblockSignature uint16 = 0xef53

	fsStateCleanlyUnmounted filesystemState = 0x0001
	fsStateErrors           filesystemState = 0x0002

	errorsContinue errorBehaviour = 1

	crc32cChecksumType byte = 1

	osLinux osFlag = 0

	compatFeatureDirectoryPreAllocate            feature = 0x1
	compatFeatureImagicInodes                    feature = 0x2
	compatFeatureHasJournal                      feature = 0x4
	compatFeatureExtendedAttributes              feature = 0x8
	compatFeatureReservedGDTBlocksForExpansion   feature = 0x10
	compatFeatureDirectoryIndices                feature = 0x20
	compatFeatureLazyBlockGroup                  feature = 0x40
	compatFeatureExcludeInode                    feature = 0x80
	compatFeatureExcludeBitmap                   feature = 0x100
	compatFeatureSparseSuperBlockV2              feature = 0x200

	incompatFeatureCompression                      feature = 0x1
	incompatFeatureDirectoryEntriesRecordFileType   feature = 0x2
	incompatFeatureRecoveryNeeded                   feature = 0x4
	incompatFeatureSeparateJournalDevice            feature = 0x8
	incompatFeatureMetaBlockGroups                  feature = 0x10
	incompatFeatureExtents                          feature = 0x40
	incompatFeature64Bit                            feature = 0x80
	incompatFeatureMultipleMountProtection          feature = 0x100
	incompatFeatureFlexBlockGroups                  feature = 0x200
	incompatFeatureExtendedAttributeInodes          feature = 0x400
	incompatFeatureDataInDirectoryEntries           feature = 0x1000
	incompatFeatureMetadataChecksumSeedInSuperblock feature = 0x2000
	incompatFeatureLargeDirectory                   feature = 0x4000
	incompatFeatureDataInInode                      feature = 0x8000
	incompatFeatureEncryptInodes                    feature = 0x10000

	roCompatFeatureSparseSuperblock       feature = 0x1
	roCompatFeatureLargeFile              feature = 0x2
	roCompatFeatureBtreeDirectory         feature = 0x4
	roCompatFeatureHugeFile               feature = 0x8
	roCompatFeatureGDTChecksum            feature = 0x10
	roCompatFeatureLargeSubdirectoryCount feature = 0x20
	roCompatFeatureLargeInodes            feature = 0x40
	roCompatFeatureSnapshot               feature = 0x80
	roCompatFeatureQuota                  feature = 0x100
	roCompatFeatureBigalloc               feature = 0x200
	roCompatFeatureMetadataChecksums      feature = 0x400
	roCompatFeatureReplicas               feature = 0x800
	roCompatFeatureReadOnly               feature = 0x1000
	roCompatFeatureProjectQuotas          feature = 0x2000

	hashHalfMD4 hashAlgorithm = 0x1

	// miscFlags bits (superblock offset 0x160)
	flagSignedDirectoryHash   = 0x0001
	flagUnsignedDirectoryHash = 0x0002
	flagTestDevCode           = 0x0004
)

// superblock is the in-memory form of the ext4 primary superblock
// (spec.md §3.4, §6.3). Only the fields this engine actually writes or
// reads back are modeled; every byte offset not covered here is left
// zero, which is a valid on-disk state for the fields this engine
// intentionally does not populate (journal, quotas, encryption, htree
// hash seed, 64-bit extension fields).
type superblock struct {
	inodeCount      uint32
	blockCount      uint64
	reservedBlocks  uint64
	freeBlocks      uint64
	freeInodes      uint32
	firstDataBlock  uint32
	blockSize       uint64
	blocksPerGroup  uint32
	inodesPerGroup  uint32
	mountTime       time.Time
	writeTime       time.Time
	filesystemState filesystemState
	errorBehaviour  errorBehaviour
	lastCheck       time.Time
	creatorOS       osFlag
	revisionLevel   uint32

	firstNonReservedInode uint32
	inodeSize             uint16

	features featureFlags
	uuid     string

	volumeLabel          string
	lastMountedDirectory string

	hashVersion         hashAlgorithm
	groupDescriptorSize uint16

	logGroupsPerFlex uint32
	checksumType     byte

	lostFoundInode              uint32
	backupSuperblockBlockGroups []uint32

	checksumSeed uint32
}

// getGroupDescriptorSize returns the on-disk size of one group
// descriptor record; this engine never sets INCOMPAT_64BIT, so it is
// always the 32-byte classic form.
func (sb *superblock) getGroupDescriptorSize() int {
	if sb.groupDescriptorSize > 32 {
		return int(sb.groupDescriptorSize)
	}
	return 32
}

func superblockFromBytes(b []byte) (*superblock, error) {
	if len(b) != superblockSize {
		return nil, fmt.Errorf("cannot read superblock from %d bytes instead of expected %d", len(b), superblockSize)
	}

	actualSignature := binary.LittleEndian.Uint16(b[0x38:0x3a])
	if actualSignature != superblockSignature {
		return nil, fmt.Errorf("erroneous signature at 0x38 was %#x instead of expected %#x", actualSignature, superblockSignature)
	}

	sb := &superblock{}

	compatFlags := feature(binary.LittleEndian.Uint32(b[0x5c:0x60]))
	incompatFlags := feature(binary.LittleEndian.Uint32(b[0x60:0x64]))
	roCompatFlags := feature(binary.LittleEndian.Uint32(b[0x64:0x68]))
	sb.features = parseFeatureFlags(compatFlags, incompatFlags, roCompatFlags)

	sb.inodeCount = binary.LittleEndian.Uint32(b[0:4])
	sb.blockCount = uint64(binary.LittleEndian.Uint32(b[0x4:0x8]))
	sb.reservedBlocks = uint64(binary.LittleEndian.Uint32(b[0x8:0xc]))
	sb.freeBlocks = uint64(binary.LittleEndian.Uint32(b[0xc:0x10]))
	sb.freeInodes = binary.LittleEndian.Uint32(b[0x10:0x14])
	sb.firstDataBlock = binary.LittleEndian.Uint32(b[0x14:0x18])
	sb.blockSize = uint64(1) << (10 + binary.LittleEndian.Uint32(b[0x18:0x1c]))
	sb.blocksPerGroup = binary.LittleEndian.Uint32(b[0x20:0x24])
	sb.inodesPerGroup = binary.LittleEndian.Uint32(b[0x28:0x2c])
	sb.mountTime = time.Unix(int64(binary.LittleEndian.Uint32(b[0x2c:0x30])), 0)
	sb.writeTime = time.Unix(int64(binary.LittleEndian.Uint32(b[0x30:0x34])), 0)

	sb.filesystemState = filesystemState(binary.LittleEndian.Uint16(b[0x3a:0x3c]))
	sb.errorBehaviour = errorBehaviour(binary.LittleEndian.Uint16(b[0x3c:0x3e]))
	sb.lastCheck = time.Unix(int64(binary.LittleEndian.Uint32(b[0x40:0x44])), 0)
	sb.creatorOS = osFlag(binary.LittleEndian.Uint32(b[0x48:0x4c]))
	sb.revisionLevel = binary.LittleEndian.Uint32(b[0x4c:0x50])

	sb.firstNonReservedInode = binary.LittleEndian.Uint32(b[0x54:0x58])
	sb.inodeSize = binary.LittleEndian.Uint16(b[0x58:0x5a])

	volUUID, err := uuid.FromBytes(b[0x68:0x78])
	if err != nil {
		return nil, fmt.Errorf("unable to read volume UUID: %v", err)
	}
	sb.uuid = volUUID.String()
	sb.volumeLabel = cString(b[0x78:0x88])
	sb.lastMountedDirectory = cString(b[0x88:0xc8])

	sb.hashVersion = hashAlgorithm(b[0xfc])
	sb.groupDescriptorSize = binary.LittleEndian.Uint16(b[0xfe:0x100])

	sb.logGroupsPerFlex = uint32(1) << b[0x174]
	if b[0x174] == 0 {
		sb.logGroupsPerFlex = 0
	}
	sb.checksumType = b[0x175]

	sb.lostFoundInode = binary.LittleEndian.Uint32(b[0x268:0x26c])
	sb.backupSuperblockBlockGroups = []uint32{
		binary.LittleEndian.Uint32(b[0x24c:0x250]),
		binary.LittleEndian.Uint32(b[0x250:0x254]),
	}
	sb.checksumSeed = binary.LittleEndian.Uint32(b[0x270:0x274])

	if sb.features.metadataChecksums {
		checksum := binary.LittleEndian.Uint32(b[0x3fc:0x400])
		crc32Table := crc32.MakeTable(crc32.Castagnoli)
		actual := crc32.Checksum(b[0:0x3fc], crc32Table)
		if actual != checksum {
			return nil, fmt.Errorf("invalid superblock checksum, actual was %#x, on disk was %#x", actual, checksum)
		}
	}

	return sb, nil
}

func (sb *superblock) toBytes() ([]byte, error) {
	b := make([]byte, superblockSize)

	binary.LittleEndian.PutUint16(b[0x38:0x3a], superblockSignature)
	compatFlags, incompatFlags, roCompatFlags := sb.features.toInts()
	binary.LittleEndian.PutUint32(b[0x5c:0x60], compatFlags)
	binary.LittleEndian.PutUint32(b[0x60:0x64], incompatFlags)
	binary.LittleEndian.PutUint32(b[0x64:0x68], roCompatFlags)

	binary.LittleEndian.PutUint32(b[0:4], sb.inodeCount)
	binary.LittleEndian.PutUint32(b[0x4:0x8], uint32(sb.blockCount))
	binary.LittleEndian.PutUint32(b[0x8:0xc], uint32(sb.reservedBlocks))
	binary.LittleEndian.PutUint32(b[0xc:0x10], uint32(sb.freeBlocks))
	binary.LittleEndian.PutUint32(b[0x10:0x14], sb.freeInodes)
	binary.LittleEndian.PutUint32(b[0x14:0x18], sb.firstDataBlock)
	binary.LittleEndian.PutUint32(b[0x18:0x1c], uint32(bits.Len64(sb.blockSize)-1-10))
	binary.LittleEndian.PutUint32(b[0x1c:0x20], uint32(bits.Len64(sb.blockSize)-1-10)) // s_log_cluster_size mirrors block size (bigalloc unused)

	binary.LittleEndian.PutUint32(b[0x20:0x24], sb.blocksPerGroup)
	binary.LittleEndian.PutUint32(b[0x24:0x28], sb.blocksPerGroup) // s_clusters_per_group
	binary.LittleEndian.PutUint32(b[0x28:0x2c], sb.inodesPerGroup)
	binary.LittleEndian.PutUint32(b[0x2c:0x30], uint32(sb.mountTime.Unix()))
	binary.LittleEndian.PutUint32(b[0x30:0x34], uint32(sb.writeTime.Unix()))

	binary.LittleEndian.PutUint16(b[0x3a:0x3c], uint16(sb.filesystemState))
	binary.LittleEndian.PutUint16(b[0x3c:0x3e], uint16(sb.errorBehaviour))
	binary.LittleEndian.PutUint32(b[0x40:0x44], uint32(sb.lastCheck.Unix()))

	binary.LittleEndian.PutUint32(b[0x48:0x4c], uint32(sb.creatorOS))
	binary.LittleEndian.PutUint32(b[0x4c:0x50], sb.revisionLevel)

	binary.LittleEndian.PutUint32(b[0x54:0x58], sb.firstNonReservedInode)
	binary.LittleEndian.PutUint16(b[0x58:0x5a], sb.inodeSize)

	uuidBytes, err := uuid.FromString(sb.uuid)
	if err != nil {
		return nil, fmt.Errorf("invalid volume UUID: %s", sb.uuid)
	}
	copy(b[0x68:0x78], uuidBytes.Bytes())

	putASCII(b[0x78:0x88], sb.volumeLabel)
	putASCII(b[0x88:0xc8], sb.lastMountedDirectory)

	b[0xfc] = byte(sb.hashVersion)
	binary.LittleEndian.PutUint16(b[0xfe:0x100], sb.groupDescriptorSize)

	if sb.logGroupsPerFlex > 0 {
		b[0x174] = byte(bits.Len32(sb.logGroupsPerFlex) - 1)
	}
	b[0x175] = sb.checksumType

	binary.LittleEndian.PutUint32(b[0x268:0x26c], sb.lostFoundInode)
	if len(sb.backupSuperblockBlockGroups) == 2 {
		binary.LittleEndian.PutUint32(b[0x24c:0x250], sb.backupSuperblockBlockGroups[0])
		binary.LittleEndian.PutUint32(b[0x250:0x254], sb.backupSuperblockBlockGroups[1])
	}
	binary.LittleEndian.PutUint32(b[0x270:0x274], sb.checksumSeed)

	if sb.features.metadataChecksums {
		crc32Table := crc32.MakeTable(crc32.Castagnoli)
		actual := crc32.Checksum(b[0:0x3fc], crc32Table)
		binary.LittleEndian.PutUint32(b[0x3fc:0x400], actual)
	}

	return b, nil
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// calculateBackupSuperblocks reports which block groups carry a backup
// superblock + GDT under the sparse_super policy (spec.md §6.3, §9):
// groups 0, 1, and powers of 3, 5 and 7.
func calculateBackupSuperblocks(groupCount uint32) map[uint32]bool {
	backups := map[uint32]bool{0: true}
	if groupCount > 1 {
		backups[1] = true
	}
	for _, base := range []uint32{3, 5, 7} {
		for p := uint32(base); p < groupCount; p *= base {
			backups[p] = true
		}
	}
	return backups
}

package ext4

import (
	"encoding/binary"
	"fmt"
)

// groupDescriptorSize is the on-disk size of one descriptor. This
// engine never sets INCOMPAT_64BIT, so every descriptor is the classic
// 32-byte form (spec.md §6.3 "feature flags emitted").
const groupDescriptorSize = 32

// groupDescriptors holds the full Block Group Descriptor Table.
type groupDescriptors struct {
	descriptors []*groupDescriptor
}

// groupDescriptor describes one block group's metadata location and
// free-space counters.
type groupDescriptor struct {
	blockBitmapLocation uint32
	inodeBitmapLocation uint32
	inodeTableLocation  uint32
	freeBlocks          uint16
	freeInodes          uint16
	usedDirectories     uint16
}

func groupDescriptorsFromBytes(b []byte, count int) (*groupDescriptors, error) {
	if len(b) < count*groupDescriptorSize {
		return nil, fmt.Errorf("group descriptor table too short: have %d bytes, need %d", len(b), count*groupDescriptorSize)
	}
	gds := &groupDescriptors{descriptors: make([]*groupDescriptor, count)}
	for i := 0; i < count; i++ {
		start := i * groupDescriptorSize
		gds.descriptors[i] = groupDescriptorFromBytes(b[start : start+groupDescriptorSize])
	}
	return gds, nil
}

func groupDescriptorFromBytes(b []byte) *groupDescriptor {
	return &groupDescriptor{
		blockBitmapLocation: binary.LittleEndian.Uint32(b[0x0:0x4]),
		inodeBitmapLocation: binary.LittleEndian.Uint32(b[0x4:0x8]),
		inodeTableLocation:  binary.LittleEndian.Uint32(b[0x8:0xc]),
		freeBlocks:          binary.LittleEndian.Uint16(b[0xc:0xe]),
		freeInodes:          binary.LittleEndian.Uint16(b[0xe:0x10]),
		usedDirectories:     binary.LittleEndian.Uint16(b[0x10:0x12]),
	}
}

func (gd *groupDescriptor) toBytes() []byte {
	b := make([]byte, groupDescriptorSize)
	binary.LittleEndian.PutUint32(b[0x0:0x4], gd.blockBitmapLocation)
	binary.LittleEndian.PutUint32(b[0x4:0x8], gd.inodeBitmapLocation)
	binary.LittleEndian.PutUint32(b[0x8:0xc], gd.inodeTableLocation)
	binary.LittleEndian.PutUint16(b[0xc:0xe], gd.freeBlocks)
	binary.LittleEndian.PutUint16(b[0xe:0x10], gd.freeInodes)
	binary.LittleEndian.PutUint16(b[0x10:0x12], gd.usedDirectories)
	return b
}

func (gds *groupDescriptors) toBytes() []byte {
	out := make([]byte, 0, len(gds.descriptors)*groupDescriptorSize)
	for _, gd := range gds.descriptors {
		out = append(out, gd.toBytes()...)
	}
	return out
}

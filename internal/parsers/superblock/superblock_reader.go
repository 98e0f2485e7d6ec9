package superblock

import (
	"encoding/binary"
	"fmt"

	"github.com/deploymenttheory/go-snapfs/internal/types"
)

// ParseSuperblock parses raw block 0 bytes into a SuperblockT structure
func ParseSuperblock(data []byte, endian binary.ByteOrder) (*types.SuperblockT, error) {
	if len(data) < types.SuperblockEncodedSize {
		return nil, fmt.Errorf("data too small for superblock: %d bytes, need %d",
			len(data), types.SuperblockEncodedSize)
	}

	sb := &types.SuperblockT{}

	sb.Magic = endian.Uint32(data[0:4])
	if sb.Magic != types.SuperblockMagic {
		return nil, fmt.Errorf("invalid superblock magic: got 0x%08X, want 0x%08X",
			sb.Magic, types.SuperblockMagic)
	}
	sb.Version = endian.Uint32(data[4:8])
	if sb.Version != types.SuperblockVersion {
		return nil, fmt.Errorf("unsupported superblock version %d", sb.Version)
	}
	sb.BlockSize = endian.Uint32(data[8:12])
	sb.BlocksPerGroup = endian.Uint32(data[12:16])
	sb.BlocksCount = endian.Uint64(data[16:24])
	sb.FreeBlocksCount = endian.Uint64(data[24:32])
	sb.GroupsCount = endian.Uint32(data[32:36])
	sb.LastGeneration = endian.Uint32(data[36:40])
	sb.ActiveGeneration = endian.Uint32(data[40:44])
	sb.SnapshotsCount = endian.Uint32(data[44:48])
	copy(sb.UUID[:], data[48:64])

	if sb.SnapshotsCount > types.MaxSnapshotRecords {
		return nil, fmt.Errorf("superblock lists %d snapshots, maximum is %d",
			sb.SnapshotsCount, types.MaxSnapshotRecords)
	}
	for i := uint32(0); i < sb.SnapshotsCount; i++ {
		off := types.SuperblockFixedSize + int(i)*types.SnapshotRecordSize
		rec, err := parseSnapshotRecord(data[off:off+types.SnapshotRecordSize], endian)
		if err != nil {
			return nil, fmt.Errorf("failed to parse snapshot record %d: %w", i, err)
		}
		sb.Snapshots[i] = *rec
	}

	return sb, nil
}

// parseSnapshotRecord parses one on-disk snapshot record
func parseSnapshotRecord(data []byte, endian binary.ByteOrder) (*types.SnapshotRecordT, error) {
	if len(data) < types.SnapshotRecordSize {
		return nil, fmt.Errorf("insufficient data for snapshot record")
	}

	rec := &types.SnapshotRecordT{}
	rec.Generation = endian.Uint32(data[0:4])
	rec.Flags = endian.Uint32(data[4:8])
	rec.Ino = endian.Uint64(data[8:16])
	rec.SizeBlocks = endian.Uint64(data[16:24])
	rec.TakenXid = endian.Uint64(data[24:32])
	copy(rec.UUID[:], data[32:48])
	copy(rec.Name[:], data[48:48+types.SnapshotNameLen])

	if rec.Generation == 0 {
		return nil, fmt.Errorf("snapshot record has generation zero")
	}
	return rec, nil
}

// EncodeSuperblock serializes a superblock into a block-sized byte slice
func EncodeSuperblock(sb *types.SuperblockT, blockSize uint32, endian binary.ByteOrder) ([]byte, error) {
	if blockSize < types.SuperblockEncodedSize {
		return nil, fmt.Errorf("block size %d too small for superblock (%d bytes)",
			blockSize, types.SuperblockEncodedSize)
	}
	if sb.SnapshotsCount > types.MaxSnapshotRecords {
		return nil, fmt.Errorf("cannot encode %d snapshots, maximum is %d",
			sb.SnapshotsCount, types.MaxSnapshotRecords)
	}

	data := make([]byte, blockSize)
	endian.PutUint32(data[0:4], sb.Magic)
	endian.PutUint32(data[4:8], sb.Version)
	endian.PutUint32(data[8:12], sb.BlockSize)
	endian.PutUint32(data[12:16], sb.BlocksPerGroup)
	endian.PutUint64(data[16:24], sb.BlocksCount)
	endian.PutUint64(data[24:32], sb.FreeBlocksCount)
	endian.PutUint32(data[32:36], sb.GroupsCount)
	endian.PutUint32(data[36:40], sb.LastGeneration)
	endian.PutUint32(data[40:44], sb.ActiveGeneration)
	endian.PutUint32(data[44:48], sb.SnapshotsCount)
	copy(data[48:64], sb.UUID[:])

	for i := uint32(0); i < sb.SnapshotsCount; i++ {
		off := types.SuperblockFixedSize + int(i)*types.SnapshotRecordSize
		encodeSnapshotRecord(data[off:off+types.SnapshotRecordSize], &sb.Snapshots[i], endian)
	}
	return data, nil
}

// encodeSnapshotRecord serializes one snapshot record
func encodeSnapshotRecord(data []byte, rec *types.SnapshotRecordT, endian binary.ByteOrder) {
	endian.PutUint32(data[0:4], rec.Generation)
	endian.PutUint32(data[4:8], rec.Flags)
	endian.PutUint64(data[8:16], rec.Ino)
	endian.PutUint64(data[16:24], rec.SizeBlocks)
	endian.PutUint64(data[24:32], rec.TakenXid)
	copy(data[32:48], rec.UUID[:])
	copy(data[48:48+types.SnapshotNameLen], rec.Name[:])
}

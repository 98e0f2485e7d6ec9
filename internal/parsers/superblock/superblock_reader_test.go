package superblock

import (
	"encoding/binary"
	"testing"

	"github.com/deploymenttheory/go-snapfs/internal/types"
)

func testSuperblock() *types.SuperblockT {
	sb := &types.SuperblockT{
		Magic:            types.SuperblockMagic,
		Version:          types.SuperblockVersion,
		BlockSize:        types.DefaultBlockSize,
		BlocksPerGroup:   types.BlocksPerGroup,
		BlocksCount:      262144,
		FreeBlocksCount:  261000,
		GroupsCount:      8,
		LastGeneration:   3,
		ActiveGeneration: 3,
		SnapshotsCount:   2,
	}
	copy(sb.UUID[:], []byte{0xDE, 0xAD, 0xBE, 0xEF, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15})
	sb.Snapshots[0] = types.SnapshotRecordT{
		Generation: 2,
		Flags:      types.SnapshotFlagOnList,
		Ino:        100,
		SizeBlocks: 262144,
		TakenXid:   17,
	}
	copy(sb.Snapshots[0].Name[:], "weekly")
	sb.Snapshots[1] = types.SnapshotRecordT{
		Generation: 3,
		Flags:      types.SnapshotFlagOnList | types.SnapshotFlagActive,
		Ino:        101,
		SizeBlocks: 262144,
		TakenXid:   29,
	}
	copy(sb.Snapshots[1].Name[:], "nightly")
	return sb
}

func TestParseSuperblock(t *testing.T) {
	endian := binary.LittleEndian

	t.Run("round trip preserves every field", func(t *testing.T) {
		want := testSuperblock()
		data, err := EncodeSuperblock(want, types.DefaultBlockSize, endian)
		if err != nil {
			t.Fatalf("EncodeSuperblock failed: %v", err)
		}
		if len(data) != types.DefaultBlockSize {
			t.Fatalf("encoded size %d, want one block", len(data))
		}

		got, err := ParseSuperblock(data, endian)
		if err != nil {
			t.Fatalf("ParseSuperblock failed: %v", err)
		}
		if *got != *want {
			t.Error("parsed superblock differs from the original")
		}
		if got.Snapshots[1].Flags&types.SnapshotFlagActive == 0 {
			t.Error("active flag lost")
		}
	})

	t.Run("rejects a bad magic", func(t *testing.T) {
		data, _ := EncodeSuperblock(testSuperblock(), types.DefaultBlockSize, endian)
		endian.PutUint32(data[0:4], 0x12345678)
		if _, err := ParseSuperblock(data, endian); err == nil {
			t.Error("expected a magic validation error")
		}
	})

	t.Run("rejects an unsupported version", func(t *testing.T) {
		data, _ := EncodeSuperblock(testSuperblock(), types.DefaultBlockSize, endian)
		endian.PutUint32(data[4:8], 99)
		if _, err := ParseSuperblock(data, endian); err == nil {
			t.Error("expected a version validation error")
		}
	})

	t.Run("rejects truncated data", func(t *testing.T) {
		if _, err := ParseSuperblock(make([]byte, 100), endian); err == nil {
			t.Error("expected a size validation error")
		}
	})

	t.Run("rejects a snapshot count past the record slots", func(t *testing.T) {
		data, _ := EncodeSuperblock(testSuperblock(), types.DefaultBlockSize, endian)
		endian.PutUint32(data[44:48], types.MaxSnapshotRecords+1)
		if _, err := ParseSuperblock(data, endian); err == nil {
			t.Error("expected a snapshot count validation error")
		}
	})

	t.Run("rejects a record with generation zero", func(t *testing.T) {
		sb := testSuperblock()
		sb.Snapshots[0].Generation = 0
		data, err := EncodeSuperblock(sb, types.DefaultBlockSize, endian)
		if err != nil {
			t.Fatalf("EncodeSuperblock failed: %v", err)
		}
		if _, err := ParseSuperblock(data, endian); err == nil {
			t.Error("expected a generation validation error")
		}
	})
}

func TestEncodeSuperblock(t *testing.T) {
	t.Run("rejects a block size smaller than the layout", func(t *testing.T) {
		if _, err := EncodeSuperblock(testSuperblock(), 512, binary.LittleEndian); err == nil {
			t.Error("expected a block size validation error")
		}
	})

	t.Run("rejects too many snapshots", func(t *testing.T) {
		sb := testSuperblock()
		sb.SnapshotsCount = types.MaxSnapshotRecords + 1
		if _, err := EncodeSuperblock(sb, types.DefaultBlockSize, binary.LittleEndian); err == nil {
			t.Error("expected a snapshot count validation error")
		}
	})
}

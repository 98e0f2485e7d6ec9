package services

import (
	"github.com/google/uuid"

	"github.com/deploymenttheory/go-snapfs/internal/snapshot"
)

// VolumeInfo is the presentation model for volume inspection commands
type VolumeInfo struct {
	UUID            string `json:"uuid"`
	BlockSize       uint32 `json:"block_size"`
	BlocksCount     uint64 `json:"blocks_count"`
	FreeBlocksCount uint64 `json:"free_blocks_count"`
	GroupsCount     uint32 `json:"groups_count"`
	SnapshotsCount  int    `json:"snapshots_count"`
	LastGeneration  uint32 `json:"last_generation"`
}

// SnapshotInfo is the presentation model for snapshot listing commands
type SnapshotInfo struct {
	Name       string `json:"name"`
	Generation uint32 `json:"generation"`
	UUID       string `json:"uuid"`
	Active     bool   `json:"active"`
	SizeBlocks uint64 `json:"size_blocks"`
	UsedBlocks int64  `json:"used_blocks"`
	TakenXid   uint64 `json:"taken_xid"`
}

// Info summarizes the mounted volume
func (v *Volume) Info() VolumeInfo {
	return VolumeInfo{
		UUID:            uuid.UUID(v.sb.UUID).String(),
		BlockSize:       v.sb.BlockSize,
		BlocksCount:     v.sb.BlocksCount,
		FreeBlocksCount: v.alloc.FreeBlocksCount(),
		GroupsCount:     v.sb.GroupsCount,
		SnapshotsCount:  len(v.engine.Snapshots()),
		LastGeneration:  v.engine.LastGeneration(),
	}
}

// ListSnapshots summarizes every snapshot on the list, newest first
func (v *Volume) ListSnapshots() []SnapshotInfo {
	snaps := v.engine.Snapshots()
	out := make([]SnapshotInfo, 0, len(snaps))
	for i := len(snaps) - 1; i >= 0; i-- {
		s := snaps[i]
		out = append(out, snapshotInfo(s))
	}
	return out
}

func snapshotInfo(s *snapshot.Snapshot) SnapshotInfo {
	return SnapshotInfo{
		Name:       s.Name,
		Generation: s.Generation,
		UUID:       s.UUID.String(),
		Active:     s.IsActive(),
		SizeBlocks: s.SizeBlocks,
		UsedBlocks: s.Inode.Blocks(),
		TakenXid:   uint64(s.TakenXid),
	}
}

// VerifySnapshot checks a snapshot's internal consistency: every preserved
// block address must lie inside the filesystem and the inode's block charge
// must equal the number of preserved mappings.
func (v *Volume) VerifySnapshot(s *snapshot.Snapshot) error {
	return v.resolver.Verify(s.Inode, v.sb.BlocksCount)
}

package types

// Block Addressing
// The filesystem address space is split into fixed-size block groups, each
// with its own block bitmap. Snapshot files address their preserved copies
// with the same logical block number as the original filesystem block
// (preserved block N lives at logical offset N in the snapshot file), so
// physical and snapshot-relative addresses convert trivially but live in
// different address spaces.

// BlockNum is a physical filesystem block address.
type BlockNum uint64

// Lblk is a logical block offset within a snapshot file's own mapping.
type Lblk uint64

// GroupNum identifies a block group.
type GroupNum uint32

// XidT is a journal transaction identifier. Transaction identifiers are
// assigned monotonically by the journal; equality against the running
// transaction is the only comparison the COW engine needs.
type XidT uint64

const (
	// DefaultBlockSize is the logical block size in bytes.
	DefaultBlockSize = 4096

	// BlocksPerGroup is the number of blocks described by one block-group
	// bitmap. One bitmap block at DefaultBlockSize covers exactly this many
	// blocks (4096 bytes * 8 bits).
	BlocksPerGroup = DefaultBlockSize * 8
)

// SnapshotLblk converts a physical block address to its snapshot-relative
// logical offset. The mapping is positional identity.
func SnapshotLblk(block BlockNum) Lblk {
	return Lblk(block)
}

// SnapshotBlock converts a snapshot-relative logical offset back to the
// physical block address it preserves.
func SnapshotBlock(lblk Lblk) BlockNum {
	return BlockNum(lblk)
}

// BlockGroup returns the block group containing a physical block.
func BlockGroup(block BlockNum) GroupNum {
	return GroupNum(block / BlocksPerGroup)
}

// GroupOffset returns the bit offset of a physical block within its group's
// bitmap.
func GroupOffset(block BlockNum) uint32 {
	return uint32(block % BlocksPerGroup)
}

// GroupFirstBlock returns the first physical block of a group.
func GroupFirstBlock(group GroupNum) BlockNum {
	return BlockNum(group) * BlocksPerGroup
}

// SnapmapMode selects the behavior of a block-resolver mapping request.
type SnapmapMode uint32

const (
	// SnapmapRead only checks whether blocks are mapped.
	SnapmapRead SnapmapMode = 0

	// snapmapWrite allocates missing blocks.
	snapmapWrite SnapmapMode = 1 << iota

	// snapmapCowFlag marks allocation of a COWed backup block.
	snapmapCowFlag

	// snapmapMoveFlag marks reassignment of an existing block into the
	// snapshot mapping.
	snapmapMoveFlag

	// snapmapSyncFlag requests a synchronous, journal-bypassing write of the
	// allocated block.
	snapmapSyncFlag

	// SnapmapCreate allocates missing blocks for ordinary file writes.
	SnapmapCreate = snapmapWrite

	// SnapmapCow allocates a snapshot block to hold a backup copy.
	SnapmapCow = snapmapWrite | snapmapCowFlag

	// SnapmapMove reassigns ownership of existing blocks into the snapshot.
	SnapmapMove = snapmapWrite | snapmapMoveFlag

	// SnapmapBitmap allocates a COW bitmap block. COW races are handled by
	// the pending tracker and the write bypasses the journal.
	SnapmapBitmap = SnapmapCow | snapmapSyncFlag
)

// IsCow reports whether the mode allocates a COW backup block.
func (m SnapmapMode) IsCow() bool { return m&snapmapCowFlag != 0 }

// IsMove reports whether the mode moves block ownership.
func (m SnapmapMode) IsMove() bool { return m&snapmapMoveFlag != 0 }

// IsSync reports whether the allocated block must be written synchronously,
// outside the journal.
func (m SnapmapMode) IsSync() bool { return m&snapmapSyncFlag != 0 }

// IsWrite reports whether the mode may allocate.
func (m SnapmapMode) IsWrite() bool { return m&snapmapWrite != 0 }

// MappedExtent describes the result of a block-resolver mapping request.
type MappedExtent struct {
	// Physical is the first mapped physical block. Zero when Count is zero.
	Physical BlockNum

	// Count is the number of contiguously mapped blocks starting at the
	// requested logical offset. Zero means a hole.
	Count int

	// New reports that this request allocated the mapping. False with
	// Count > 0 means another writer mapped it first.
	New bool
}

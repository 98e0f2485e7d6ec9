package types

// Superblock layout
// The superblock occupies block 0 of the image. All multi-byte fields are
// little-endian. Snapshot metadata records follow the fixed header, one per
// on-list snapshot, oldest first.

const (
	// SuperblockMagic identifies a snapfs image ("SNAP").
	SuperblockMagic uint32 = 0x50414E53

	// SuperblockVersion is the current layout version.
	SuperblockVersion uint32 = 1

	// MaxSnapshotRecords is the number of snapshot record slots in the
	// superblock. Chosen so the encoded superblock fits in one block.
	MaxSnapshotRecords = 48

	// SnapshotNameLen is the fixed size of a snapshot name field, including
	// the terminating NUL.
	SnapshotNameLen = 32
)

// SuperblockT is the on-disk superblock.
type SuperblockT struct {
	// Magic is always SuperblockMagic.
	Magic uint32

	// Version is the layout version.
	Version uint32

	// BlockSize is the logical block size in bytes.
	BlockSize uint32

	// BlocksPerGroup is the number of blocks per block group.
	BlocksPerGroup uint32

	// BlocksCount is the total number of blocks in the filesystem.
	BlocksCount uint64

	// FreeBlocksCount is the number of unallocated blocks.
	FreeBlocksCount uint64

	// GroupsCount is the number of block groups.
	GroupsCount uint32

	// LastGeneration is the generation identifier of the most recently taken
	// snapshot. Zero means no snapshot has ever been taken.
	LastGeneration uint32

	// ActiveGeneration is the generation of the active snapshot, or zero if
	// no snapshot is active.
	ActiveGeneration uint32

	// SnapshotsCount is the number of valid snapshot records.
	SnapshotsCount uint32

	// UUID identifies the volume.
	UUID [16]byte

	// Snapshots holds the on-list snapshot records, oldest first.
	Snapshots [MaxSnapshotRecords]SnapshotRecordT
}

// SnapshotRecordT is the on-disk record of one snapshot.
type SnapshotRecordT struct {
	// Generation is the snapshot's monotonically assigned generation.
	Generation uint32

	// Flags holds SnapshotFlag* bits.
	Flags uint32

	// Ino is the snapshot file's inode number.
	Ino uint64

	// SizeBlocks is the filesystem size, in blocks, at the moment the
	// snapshot was taken.
	SizeBlocks uint64

	// TakenXid is the journal transaction sequence at take time.
	TakenXid uint64

	// UUID identifies the snapshot.
	UUID [16]byte

	// Name is the NUL-padded snapshot name.
	Name [SnapshotNameLen]byte
}

// Snapshot record flags.
const (
	// SnapshotFlagActive marks the snapshot currently receiving COW writes.
	// At most one record carries this flag.
	SnapshotFlagActive uint32 = 1 << iota

	// SnapshotFlagOnList marks a snapshot kept on the snapshot list.
	SnapshotFlagOnList
)

// Fixed field offsets within the encoded superblock.
const (
	SuperblockFixedSize   = 4 + 4 + 4 + 4 + 8 + 8 + 4 + 4 + 4 + 4 + 16
	SnapshotRecordSize    = 4 + 4 + 8 + 8 + 8 + 16 + SnapshotNameLen
	SuperblockEncodedSize = SuperblockFixedSize + MaxSnapshotRecords*SnapshotRecordSize
)

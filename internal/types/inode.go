package types

import "sync/atomic"

// FileMode is the subset of inode modes the snapshot engine distinguishes.
type FileMode uint8

const (
	// ModeRegular is an ordinary file.
	ModeRegular FileMode = iota

	// ModeDirectory is a directory. Directory blocks are metadata and are
	// always COWed, never moved.
	ModeDirectory
)

// InodeFlags is a bit field of per-inode snapshot attributes.
type InodeFlags uint32

const (
	// InodeFlagSnapfile marks a snapshot file. Snapshot file blocks are
	// ignored by the COW engine: copying them would be circular.
	InodeFlagSnapfile InodeFlags = 1 << iota

	// InodeFlagNoCow marks an excluded file whose data blocks are never
	// copied or moved into snapshots. Its blocks still participate in
	// exclude-bitmap accounting.
	InodeFlagNoCow
)

// Inode is the in-memory inode record shared by the resolver, the allocator
// accounting and the snapshot engine. Only the fields the block layer needs
// are modeled.
type Inode struct {
	// Ino is the inode number.
	Ino uint64

	// Mode distinguishes regular files from directories.
	Mode FileMode

	// Flags carries the snapshot attributes.
	Flags InodeFlags

	// blocks is the number of blocks charged to this inode, maintained
	// atomically by the resolver and the move engine.
	blocks int64
}

// IsRegular reports whether the inode is a regular file.
func (i *Inode) IsRegular() bool {
	return i != nil && i.Mode == ModeRegular
}

// HasFlag reports whether all bits of f are set.
func (i *Inode) HasFlag(f InodeFlags) bool {
	return i != nil && i.Flags&f == f
}

// Blocks returns the number of blocks currently charged to the inode.
func (i *Inode) Blocks() int64 {
	return atomic.LoadInt64(&i.blocks)
}

// ChargeBlocks adds n blocks to the inode's usage. n may be negative to
// credit blocks back, as the move engine does when ownership transfers to
// the snapshot.
func (i *Inode) ChargeBlocks(n int64) {
	atomic.AddInt64(&i.blocks, n)
}

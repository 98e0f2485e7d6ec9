package snapshot

import "github.com/deploymenttheory/go-snapfs/internal/types"

// Classification tells the COW engine how an inode's blocks participate in
// snapshots.
type Classification int

const (
	// ClassNormal blocks are preserved before overwrite.
	ClassNormal Classification = iota

	// ClassExcluded blocks are never copied or moved into snapshots, but
	// still participate in exclude-bitmap accounting.
	ClassExcluded

	// ClassIgnored blocks belong to the snapshot storage mechanism itself.
	// Preserving them would be circular; they only change during the
	// snapshot's own controlled operations.
	ClassIgnored
)

func (c Classification) String() string {
	switch c {
	case ClassExcluded:
		return "excluded"
	case ClassIgnored:
		return "ignored"
	default:
		return "normal"
	}
}

// Classify returns the snapshot classification of an inode. Directory
// blocks and global filesystem metadata (nil inode) can never be excluded
// or ignored; only regular files can.
func Classify(inode *types.Inode) Classification {
	if inode == nil || !inode.IsRegular() {
		return ClassNormal
	}
	if inode.HasFlag(types.InodeFlagSnapfile) {
		return ClassIgnored
	}
	if inode.HasFlag(types.InodeFlagNoCow) {
		return ClassExcluded
	}
	return ClassNormal
}

package snapshot

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/deploymenttheory/go-snapfs/internal/allocator"
	"github.com/deploymenttheory/go-snapfs/internal/buffer"
	"github.com/deploymenttheory/go-snapfs/internal/journal"
	"github.com/deploymenttheory/go-snapfs/internal/types"
)

// Snapshot is a point-in-time read-only view of the filesystem. Its storage
// is a regular file whose logical offset N holds the preserved copy of
// filesystem block N. At most one snapshot is active; only the active
// snapshot receives COW writes.
//
// Mutable fields are guarded by the owning Engine: the active flag changes
// only while the journal is quiesced, so it is stable for the lifetime of
// any transaction.
type Snapshot struct {
	// Inode is the snapshot file's inode, flagged as snapshot storage.
	Inode *types.Inode

	// UUID identifies the snapshot.
	UUID uuid.UUID

	// Generation is the monotonically assigned generation identifier.
	Generation uint32

	// Name is the human-readable snapshot name.
	Name string

	// SizeBlocks is the filesystem size in blocks at take time. Blocks at
	// or beyond this address were added by a later resize and are never in
	// use by this snapshot.
	SizeBlocks uint64

	// TakenXid is the journal transaction sequence at take time.
	TakenXid types.XidT

	active bool
	onList bool
}

// IsActive reports whether this snapshot is receiving COW writes.
func (s *Snapshot) IsActive() bool {
	return s.active
}

// OnList reports whether the snapshot is on the snapshot list.
func (s *Snapshot) OnList() bool {
	return s.onList
}

// BlockResolver maps snapshot-relative block offsets to snapshot-file
// storage, optionally allocating. The engine consumes it; the block-mapping
// layer provides it.
type BlockResolver interface {
	MapBlocks(h *journal.Handle, inode *types.Inode, lblk types.Lblk, maxBlocks int, mode types.SnapmapMode) (types.MappedExtent, error)
}

// Engine is the copy-on-write core: it decides, inline with every metadata
// and data write, whether a block's pre-image must be preserved, and
// performs the preservation through the block resolver.
type Engine struct {
	journal  *journal.Journal
	cache    *buffer.Cache
	alloc    *allocator.Allocator
	resolver BlockResolver
	pending  *buffer.PendingTracker
	exclude  *excludeBitmap

	// active and snapshots only change under journal quiescence.
	active    *Snapshot
	snapshots []*Snapshot

	lastGeneration uint32
	log            *logrus.Entry
}

// NewEngine wires a COW engine over its collaborators
func NewEngine(j *journal.Journal, cache *buffer.Cache, alloc *allocator.Allocator, resolver BlockResolver, pending *buffer.PendingTracker) *Engine {
	return &Engine{
		journal:  j,
		cache:    cache,
		alloc:    alloc,
		resolver: resolver,
		pending:  pending,
		exclude:  newExcludeBitmap(cache.Device().BlockSize()),
		log:      logrus.WithField("subsystem", "snapshot"),
	}
}

// ActiveSnapshot returns the snapshot currently receiving COW writes, or
// nil. The active snapshot only changes while the journal is quiesced, so
// the result is stable within a transaction.
func (e *Engine) ActiveSnapshot() *Snapshot {
	return e.active
}

// Snapshots returns the snapshot list, oldest first.
func (e *Engine) Snapshots() []*Snapshot {
	out := make([]*Snapshot, len(e.snapshots))
	copy(out, e.snapshots)
	return out
}

// FindByGeneration returns the snapshot with the given generation.
func (e *Engine) FindByGeneration(gen uint32) (*Snapshot, error) {
	for _, s := range e.snapshots {
		if s.Generation == gen {
			return s, nil
		}
	}
	return nil, fmt.Errorf("no snapshot with generation %d", gen)
}

// LastGeneration returns the most recently assigned generation identifier.
func (e *Engine) LastGeneration() uint32 {
	return e.lastGeneration
}

// Take creates a new snapshot and makes it active. The previous active
// snapshot, if any, becomes read-only history. The swap happens with the
// journal quiesced, so no transaction ever observes the change mid-flight,
// and the per-group COW bitmap cache is reset for the new generation.
func (e *Engine) Take(inode *types.Inode, name string) (*Snapshot, error) {
	if inode == nil || !inode.IsRegular() {
		return nil, fmt.Errorf("snapshot storage must be a regular file")
	}
	inode.Flags |= types.InodeFlagSnapfile

	var snap *Snapshot
	err := e.journal.Quiesce(func() error {
		e.lastGeneration++
		snap = &Snapshot{
			Inode:      inode,
			UUID:       uuid.New(),
			Generation: e.lastGeneration,
			Name:       name,
			SizeBlocks: e.alloc.BlocksCount(),
			TakenXid:   e.journal.Sequence(),
			active:     true,
			onList:     true,
		}
		if e.active != nil {
			e.active.active = false
		}
		e.active = snap
		e.snapshots = append(e.snapshots, snap)
		e.alloc.ResetCowBitmapCache()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to take snapshot %q: %w", name, err)
	}

	e.log.WithFields(logrus.Fields{
		"name":       snap.Name,
		"generation": snap.Generation,
		"size":       snap.SizeBlocks,
		"xid":        snap.TakenXid,
	}).Info("snapshot taken")
	return snap, nil
}

// Load restores the snapshot list from superblock records at mount time.
// Records must be ordered oldest first. activeGeneration names the snapshot
// that resumes receiving COW writes; zero means none is active.
func (e *Engine) Load(snaps []*Snapshot, activeGeneration uint32) error {
	return e.journal.Quiesce(func() error {
		e.snapshots = nil
		e.active = nil
		for _, s := range snaps {
			if s.Generation > e.lastGeneration {
				e.lastGeneration = s.Generation
			}
			s.onList = true
			s.active = false
			if activeGeneration != 0 && s.Generation == activeGeneration {
				if e.active != nil {
					return fmt.Errorf("superblock lists generation %d twice", activeGeneration)
				}
				s.active = true
				e.active = s
			}
			e.snapshots = append(e.snapshots, s)
		}
		if activeGeneration != 0 && e.active == nil {
			return fmt.Errorf("active generation %d is not on the snapshot list", activeGeneration)
		}
		e.alloc.ResetCowBitmapCache()
		return nil
	})
}

// ExcludeBlocks marks a block range as excluded from snapshots.
func (e *Engine) ExcludeBlocks(block types.BlockNum, count int) {
	e.exclude.Mark(block, count)
}

// BlocksExcluded reports whether every block of the range is excluded.
func (e *Engine) BlocksExcluded(block types.BlockNum, count int) bool {
	return e.exclude.Test(block, count)
}

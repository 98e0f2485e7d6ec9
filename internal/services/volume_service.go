package services

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/deploymenttheory/go-snapfs/internal/allocator"
	"github.com/deploymenttheory/go-snapfs/internal/buffer"
	"github.com/deploymenttheory/go-snapfs/internal/interfaces"
	"github.com/deploymenttheory/go-snapfs/internal/journal"
	"github.com/deploymenttheory/go-snapfs/internal/mapping"
	"github.com/deploymenttheory/go-snapfs/internal/parsers/superblock"
	"github.com/deploymenttheory/go-snapfs/internal/snapshot"
	"github.com/deploymenttheory/go-snapfs/internal/types"
)

// Volume wires a block device, buffer cache, journal, allocator, block
// resolver and COW engine into a mounted filesystem and exposes the write
// paths that drive the snapshot hooks. Every metadata modification goes
// through GetWriteAccess before the buffer changes; data overwrites go
// through the move engine first.
type Volume struct {
	dev      interfaces.BlockDevice
	cache    *buffer.Cache
	journal  *journal.Journal
	alloc    *allocator.Allocator
	resolver *mapping.Resolver
	pending  *buffer.PendingTracker
	engine   *snapshot.Engine
	sb       *types.SuperblockT

	mu      sync.Mutex
	inodes  map[uint64]*types.Inode
	nextIno uint64

	log *logrus.Entry
}

func newVolume(dev interfaces.BlockDevice, sb *types.SuperblockT) *Volume {
	cache := buffer.NewCache(dev)
	j := journal.NewJournal(cache)
	pending := buffer.NewPendingTracker()
	alloc := allocator.NewAllocator(cache, sb.BlocksCount)
	resolver := mapping.NewResolver(cache, alloc, pending)
	engine := snapshot.NewEngine(j, cache, alloc, resolver, pending)
	alloc.BitmapAccess = engine.GetBitmapAccess

	return &Volume{
		dev:      dev,
		cache:    cache,
		journal:  j,
		alloc:    alloc,
		resolver: resolver,
		pending:  pending,
		engine:   engine,
		sb:       sb,
		inodes:   make(map[uint64]*types.Inode),
		nextIno:  1,
		log:      logrus.WithField("subsystem", "volume"),
	}
}

// Format initializes a snapfs filesystem on an empty device
func Format(dev interfaces.BlockDevice) (*Volume, error) {
	blocks := dev.TotalBlocks()
	if blocks < 2 {
		return nil, fmt.Errorf("device too small: %d blocks", blocks)
	}

	sb := &types.SuperblockT{
		Magic:          types.SuperblockMagic,
		Version:        types.SuperblockVersion,
		BlockSize:      dev.BlockSize(),
		BlocksPerGroup: types.BlocksPerGroup,
		BlocksCount:    blocks,
		GroupsCount:    uint32((blocks + types.BlocksPerGroup - 1) / types.BlocksPerGroup),
	}
	u := uuid.New()
	copy(sb.UUID[:], u[:])

	v := newVolume(dev, sb)

	// Reserve the superblock and every group's live bitmap block.
	err := v.InTransaction(int(sb.GroupsCount)+2, func(h *journal.Handle) error {
		if err := v.alloc.MarkAllocated(h, 0, 1); err != nil {
			return err
		}
		for g := uint32(0); g < sb.GroupsCount; g++ {
			if err := v.alloc.MarkAllocated(h, v.alloc.BitmapBlock(types.GroupNum(g)), 1); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to reserve metadata blocks: %w", err)
	}

	// MarkAllocated debited a counter that started at zero; rebase it to
	// the true free count.
	reserved := uint64(sb.GroupsCount) + 1
	v.alloc.SetFreeBlocksCount(blocks - reserved)
	sb.FreeBlocksCount = blocks - reserved

	if err := v.persistSuperblock(); err != nil {
		return nil, err
	}
	v.log.WithFields(logrus.Fields{
		"blocks": blocks,
		"groups": sb.GroupsCount,
		"uuid":   u.String(),
	}).Info("volume formatted")
	return v, nil
}

// Open mounts an existing snapfs filesystem
func Open(dev interfaces.BlockDevice) (*Volume, error) {
	data, err := dev.ReadBlock(0)
	if err != nil {
		return nil, fmt.Errorf("failed to read superblock: %w", err)
	}
	sb, err := superblock.ParseSuperblock(data, binary.LittleEndian)
	if err != nil {
		return nil, fmt.Errorf("failed to mount volume: %w", err)
	}
	if sb.BlocksCount > dev.TotalBlocks() {
		return nil, fmt.Errorf("superblock claims %d blocks but device has %d",
			sb.BlocksCount, dev.TotalBlocks())
	}

	v := newVolume(dev, sb)
	v.alloc.SetFreeBlocksCount(sb.FreeBlocksCount)

	// Rebuild the snapshot list from the superblock records. The record
	// flags and the superblock's active generation must agree on which
	// snapshot resumes COW.
	var snaps []*snapshot.Snapshot
	for i := uint32(0); i < sb.SnapshotsCount; i++ {
		rec := &sb.Snapshots[i]
		if rec.Flags&types.SnapshotFlagActive != 0 && rec.Generation != sb.ActiveGeneration {
			return nil, fmt.Errorf("snapshot record %d is flagged active but generation %d disagrees with superblock active generation %d",
				i, rec.Generation, sb.ActiveGeneration)
		}
		inode := &types.Inode{
			Ino:   rec.Ino,
			Mode:  types.ModeRegular,
			Flags: types.InodeFlagSnapfile,
		}
		v.registerInode(inode)
		snaps = append(snaps, &snapshot.Snapshot{
			Inode:      inode,
			UUID:       uuid.UUID(rec.UUID),
			Generation: rec.Generation,
			Name:       recordName(rec),
			SizeBlocks: rec.SizeBlocks,
			TakenXid:   types.XidT(rec.TakenXid),
		})
	}
	if err := v.engine.Load(snaps, sb.ActiveGeneration); err != nil {
		return nil, fmt.Errorf("failed to load snapshot list: %w", err)
	}
	return v, nil
}

func recordName(rec *types.SnapshotRecordT) string {
	n := 0
	for n < len(rec.Name) && rec.Name[n] != 0 {
		n++
	}
	return string(rec.Name[:n])
}

// Engine returns the COW engine.
func (v *Volume) Engine() *snapshot.Engine {
	return v.engine
}

// Journal returns the volume's journal.
func (v *Volume) Journal() *journal.Journal {
	return v.journal
}

// Resolver returns the block-mapping layer.
func (v *Volume) Resolver() *mapping.Resolver {
	return v.resolver
}

// Allocator returns the block allocator.
func (v *Volume) Allocator() *allocator.Allocator {
	return v.alloc
}

// Cache returns the buffer cache.
func (v *Volume) Cache() *buffer.Cache {
	return v.cache
}

// Superblock returns the in-memory superblock.
func (v *Volume) Superblock() *types.SuperblockT {
	return v.sb
}

func (v *Volume) registerInode(inode *types.Inode) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.inodes[inode.Ino] = inode
	if inode.Ino >= v.nextIno {
		v.nextIno = inode.Ino + 1
	}
}

// CreateFile creates a new in-memory inode
func (v *Volume) CreateFile(mode types.FileMode, flags types.InodeFlags) *types.Inode {
	v.mu.Lock()
	defer v.mu.Unlock()
	inode := &types.Inode{Ino: v.nextIno, Mode: mode, Flags: flags}
	v.inodes[inode.Ino] = inode
	v.nextIno++
	return inode
}

// Inode returns a registered inode by number
func (v *Volume) Inode(ino uint64) (*types.Inode, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	inode, ok := v.inodes[ino]
	if !ok {
		return nil, fmt.Errorf("no inode %d", ino)
	}
	return inode, nil
}

// InTransaction runs fn inside a journal handle with the given credit
// budget and commits. Any error aborts the journal: a transaction that
// modified blocks must never half apply.
func (v *Volume) InTransaction(credits int, fn func(h *journal.Handle) error) error {
	h, err := v.journal.Begin(credits)
	if err != nil {
		return err
	}
	if err := fn(h); err != nil {
		h.Stop()
		v.journal.Abort(err)
		return err
	}
	h.Stop()
	return v.journal.Commit()
}

// WriteMetaBlockTx overwrites a metadata block within an open transaction,
// preserving its pre-image in the active snapshot first.
func (v *Volume) WriteMetaBlockTx(h *journal.Handle, owner *types.Inode, block types.BlockNum, data []byte) error {
	buf, err := v.cache.ReadBlock(block)
	if err != nil {
		return fmt.Errorf("failed to read metadata block %d: %w", block, err)
	}
	defer buf.Release()

	if err := v.engine.GetWriteAccess(h, owner, buf); err != nil {
		return err
	}
	if err := h.GetWriteAccess(buf); err != nil {
		return err
	}

	buf.Lock()
	copy(buf.Data(), data)
	buf.Unlock()
	return h.MarkDirty(buf)
}

// WriteMetaBlock overwrites a metadata block in its own transaction
func (v *Volume) WriteMetaBlock(owner *types.Inode, block types.BlockNum, data []byte) error {
	return v.InTransaction(4, func(h *journal.Handle) error {
		return v.WriteMetaBlockTx(h, owner, block, data)
	})
}

// AllocateMetaBlockTx allocates a new metadata block near goal and returns
// its pinned buffer, verified against the snapshot via the create-access
// hook.
func (v *Volume) AllocateMetaBlockTx(h *journal.Handle, goal types.BlockNum) (*buffer.Buffer, error) {
	block, _, err := v.alloc.AllocateNear(h, goal, 1)
	if err != nil {
		return nil, err
	}
	buf := v.cache.GetBlock(block)
	if err := v.engine.GetCreateAccess(h, buf); err != nil {
		buf.Release()
		return nil, err
	}
	if err := h.GetCreateAccess(buf); err != nil {
		buf.Release()
		return nil, err
	}
	return buf, nil
}

// WriteFileBlockTx writes one data block of a regular file within an open
// transaction. An in-place overwrite of a block the active snapshot still
// needs first moves the old block's ownership into the snapshot, leaving
// the file with a hole that is immediately refilled by a fresh allocation.
func (v *Volume) WriteFileBlockTx(h *journal.Handle, inode *types.Inode, lblk types.Lblk, data []byte) error {
	phys, mapped := v.resolver.Resolve(inode, lblk)
	if mapped {
		moved, needed, err := v.engine.GetMoveAccess(h, inode, phys, 1, true)
		if err != nil {
			return err
		}
		if needed && moved > 0 {
			v.resolver.ClearMapping(inode, lblk, moved)
			mapped = false
		}
	}
	if !mapped {
		ext, err := v.resolver.MapBlocks(h, inode, lblk, 1, types.SnapmapCreate)
		if err != nil {
			return err
		}
		phys = ext.Physical
	}

	buf := v.cache.GetBlock(phys)
	defer buf.Release()
	buf.Lock()
	copy(buf.Data(), data)
	buf.Unlock()
	buf.MarkDirty()
	return h.MarkDirty(buf)
}

// WriteFileBlock writes one data block in its own transaction
func (v *Volume) WriteFileBlock(inode *types.Inode, lblk types.Lblk, data []byte) error {
	return v.InTransaction(6, func(h *journal.Handle) error {
		return v.WriteFileBlockTx(h, inode, lblk, data)
	})
}

// FreeFileBlocksTx frees a run of file blocks. Blocks the active snapshot
// still needs are moved into it instead of being returned to the free pool.
func (v *Volume) FreeFileBlocksTx(h *journal.Handle, inode *types.Inode, lblk types.Lblk, count int) error {
	for count > 0 {
		phys, mapped := v.resolver.Resolve(inode, lblk)
		if !mapped {
			lblk++
			count--
			continue
		}
		moved, err := v.engine.GetDeleteAccess(h, inode, phys, 1)
		if err != nil {
			return err
		}
		if moved == 0 {
			if err := v.alloc.Free(h, phys, 1); err != nil {
				return err
			}
			inode.ChargeBlocks(-1)
		}
		v.resolver.ClearMapping(inode, lblk, 1)
		lblk++
		count--
	}
	return nil
}

// ReadFileBlock reads one data block of a file. The second return value is
// false for a hole.
func (v *Volume) ReadFileBlock(inode *types.Inode, lblk types.Lblk) ([]byte, bool, error) {
	phys, ok := v.resolver.Resolve(inode, lblk)
	if !ok {
		return nil, false, nil
	}
	buf, err := v.cache.ReadBlock(phys)
	if err != nil {
		return nil, false, err
	}
	defer buf.Release()
	out := make([]byte, len(buf.Data()))
	buf.Lock()
	copy(out, buf.Data())
	buf.Unlock()
	return out, true, nil
}

// ReadThrough reads filesystem block N as the snapshot saw it: the
// snapshot's preserved copy if one exists, otherwise the live block, which
// by definition is unchanged since the snapshot was taken.
func (v *Volume) ReadThrough(snap *snapshot.Snapshot, block types.BlockNum) ([]byte, error) {
	if uint64(block) >= snap.SizeBlocks {
		return nil, fmt.Errorf("block %d is beyond snapshot %q (size %d blocks)",
			block, snap.Name, snap.SizeBlocks)
	}

	src := block
	if phys, ok := v.resolver.Resolve(snap.Inode, types.SnapshotLblk(block)); ok {
		buf := v.cache.GetBlock(phys)
		v.pending.Wait(buf)
		buf.Release()
		src = phys
	}
	buf, err := v.cache.ReadBlock(src)
	if err != nil {
		return nil, fmt.Errorf("failed to read block %d through snapshot %q: %w",
			block, snap.Name, err)
	}
	defer buf.Release()
	out := make([]byte, len(buf.Data()))
	buf.Lock()
	copy(out, buf.Data())
	buf.Unlock()
	return out, nil
}

// TakeSnapshot freezes the current filesystem state into a new active
// snapshot and persists the updated snapshot list.
func (v *Volume) TakeSnapshot(name string) (*snapshot.Snapshot, error) {
	if len(name) >= types.SnapshotNameLen {
		return nil, fmt.Errorf("snapshot name %q exceeds %d bytes", name, types.SnapshotNameLen-1)
	}
	if len(v.engine.Snapshots()) >= types.MaxSnapshotRecords {
		return nil, fmt.Errorf("snapshot list is full (%d entries)", types.MaxSnapshotRecords)
	}

	inode := v.CreateFile(types.ModeRegular, types.InodeFlagSnapfile)
	snap, err := v.engine.Take(inode, name)
	if err != nil {
		return nil, err
	}
	if err := v.persistSuperblock(); err != nil {
		return nil, err
	}
	return snap, nil
}

// persistSuperblock rewrites block 0 from the current in-memory state. The
// superblock is written synchronously outside the journal.
func (v *Volume) persistSuperblock() error {
	snaps := v.engine.Snapshots()
	v.sb.LastGeneration = v.engine.LastGeneration()
	v.sb.ActiveGeneration = 0
	v.sb.FreeBlocksCount = v.alloc.FreeBlocksCount()
	v.sb.SnapshotsCount = uint32(len(snaps))
	for i, s := range snaps {
		rec := types.SnapshotRecordT{
			Generation: s.Generation,
			Ino:        s.Inode.Ino,
			SizeBlocks: s.SizeBlocks,
			TakenXid:   uint64(s.TakenXid),
			Flags:      types.SnapshotFlagOnList,
		}
		copy(rec.UUID[:], s.UUID[:])
		copy(rec.Name[:], s.Name)
		if s.IsActive() {
			rec.Flags |= types.SnapshotFlagActive
			v.sb.ActiveGeneration = s.Generation
		}
		v.sb.Snapshots[i] = rec
	}

	data, err := superblock.EncodeSuperblock(v.sb, v.dev.BlockSize(), binary.LittleEndian)
	if err != nil {
		return fmt.Errorf("failed to encode superblock: %w", err)
	}
	if err := v.dev.WriteBlock(0, data); err != nil {
		return fmt.Errorf("failed to write superblock: %w", err)
	}
	if err := v.dev.Sync(); err != nil {
		return fmt.Errorf("failed to sync superblock: %w", err)
	}
	return nil
}

// Close commits outstanding state and closes the device
func (v *Volume) Close() error {
	if err := v.journal.Commit(); err != nil {
		v.dev.Close()
		return err
	}
	if err := v.persistSuperblock(); err != nil {
		v.dev.Close()
		return err
	}
	return v.dev.Close()
}

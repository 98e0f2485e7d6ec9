package snapshot

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/deploymenttheory/go-snapfs/internal/allocator"
	"github.com/deploymenttheory/go-snapfs/internal/buffer"
	"github.com/deploymenttheory/go-snapfs/internal/journal"
	"github.com/deploymenttheory/go-snapfs/internal/types"
)

// COW bitmap
// One bitmap per block group, frozen at first access after snapshot take: a
// set bit means the block was allocated when the active snapshot was taken
// and must be preserved before any overwrite. The bitmap is the snapshot's
// copy of the group's live block bitmap, masked to drop excluded blocks,
// stored at the snapshot-relative offset of the live bitmap block. It is a
// derived cache: never recomputed while the same snapshot stays active, and
// rebuilt identically after a crash because the live bitmap can only have
// changed by sanctioned snapshot allocations since the freeze.

// readCowBitmap returns the (pinned) COW bitmap buffer for a group,
// creating and freezing it on first access. Races are handled internally:
// the group's own lock guards the cached physical address and the bitmap
// copy, and the pending tracker covers the allocate-to-valid window.
func (e *Engine) readCowBitmap(h *journal.Handle, active *Snapshot, group types.GroupNum) (*buffer.Buffer, error) {
	gi := e.alloc.GroupInfo(group)
	gi.Lock()
	cached := gi.CowBitmapBlock()
	gi.Unlock()
	if cached != 0 {
		buf, err := e.cache.ReadBlock(cached)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to read COW bitmap of group %d: %v", ErrIO, group, err)
		}
		return buf, nil
	}

	bitmapBlk := e.alloc.BitmapBlock(group)
	lblk := types.SnapshotLblk(bitmapBlk)

	// A prior access may have frozen this group's bitmap already; probe the
	// snapshot file before allocating.
	ext, err := e.resolver.MapBlocks(h, active.Inode, lblk, 1, types.SnapmapRead)
	if err != nil {
		return nil, fmt.Errorf("%w: COW bitmap probe for group %d failed: %v", ErrIO, group, err)
	}
	if ext.Count > 0 {
		return e.finishCowBitmap(gi, group, ext.Physical)
	}

	ext, err = e.resolver.MapBlocks(h, active.Inode, lblk, 1, types.SnapmapBitmap)
	if err != nil {
		if errors.Is(err, allocator.ErrNoSpace) {
			return nil, fmt.Errorf("%w: allocating COW bitmap of group %d: %v", ErrNoSpace, group, err)
		}
		return nil, fmt.Errorf("%w: allocating COW bitmap of group %d: %v", ErrIO, group, err)
	}
	if !ext.New {
		// Another task mapped the bitmap block while we were allocating.
		return e.finishCowBitmap(gi, group, ext.Physical)
	}

	sbuf, err := e.initCowBitmap(group, ext.Physical)
	if err != nil {
		return nil, err
	}
	gi.Lock()
	gi.SetCowBitmapBlock(ext.Physical)
	gi.Unlock()

	e.log.WithFields(logrus.Fields{
		"group":      group,
		"generation": active.Generation,
		"block":      ext.Physical,
	}).Debug("COW bitmap frozen")
	return sbuf, nil
}

// finishCowBitmap waits out any pending initialization of an
// already-mapped COW bitmap block, reads it and caches its address.
func (e *Engine) finishCowBitmap(gi *allocator.GroupInfo, group types.GroupNum, phys types.BlockNum) (*buffer.Buffer, error) {
	buf := e.cache.GetBlock(phys)
	e.pending.Wait(buf)
	if err := e.cache.ReadBuffer(buf); err != nil {
		buf.Release()
		return nil, fmt.Errorf("%w: failed to read COW bitmap of group %d: %v", ErrIO, group, err)
	}
	gi.Lock()
	gi.SetCowBitmapBlock(phys)
	gi.Unlock()
	return buf, nil
}

// initCowBitmap freezes a newly allocated COW bitmap block: the live block
// bitmap is copied under the group lock, masked by the group's exclusion
// mask, and written durably outside the journal. Bypassing the journal
// keeps this frequently-hot allocation from exhausting transaction credits;
// the written value is a derived fact, safe to rebuild after a crash.
func (e *Engine) initCowBitmap(group types.GroupNum, phys types.BlockNum) (*buffer.Buffer, error) {
	sbuf := e.cache.GetBlock(phys)
	failed := true
	defer func() {
		if failed {
			e.endPendingFor(phys)
			sbuf.Release()
		}
	}()

	lbuf, err := e.alloc.ReadBitmap(group)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read live bitmap of group %d: %v", ErrIO, group, err)
	}

	// The only concurrent bitmap changes possible here are new active
	// snapshot block allocations, and those hold the same group lock.
	gi := e.alloc.GroupInfo(group)
	gi.Lock()
	allocator.MaskBitmap(sbuf.Data(), lbuf.Data(), e.exclude.GroupMask(group))
	gi.Unlock()
	lbuf.Release()

	sbuf.MarkDirty()
	if err := e.cache.SyncBuffer(sbuf); err != nil {
		return nil, fmt.Errorf("%w: failed to write COW bitmap of group %d: %v", ErrIO, group, err)
	}
	e.endPendingFor(phys)
	failed = false
	return sbuf, nil
}

// endPendingFor completes the pending operation on a block by address.
func (e *Engine) endPendingFor(phys types.BlockNum) {
	buf := e.cache.GetBlock(phys)
	if e.pending.IsPending(phys) {
		e.pending.End(buf)
	}
	buf.Release()
}

// testCowBitmap tests whether blocks are in use by the active snapshot,
// narrowing maxBlocks to the contiguous run of equal-valued bits. Blocks at
// or beyond the snapshot's recorded filesystem size postdate the snapshot
// and are never in use by it.
func (e *Engine) testCowBitmap(h *journal.Handle, active *Snapshot, block types.BlockNum, maxBlocks int) (bool, int, error) {
	if uint64(block) >= active.SizeBlocks {
		return false, maxBlocks, nil
	}
	buf, err := e.readCowBitmap(h, active, types.BlockGroup(block))
	if err != nil {
		return false, 0, err
	}
	defer buf.Release()

	set, count := allocator.TestBitRange(buf.Data(), types.GroupOffset(block), maxBlocks)
	return set, count, nil
}

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

// TestAndCow decides whether a metadata block's pre-image must be preserved
// and, when cow is true, performs the copy into the active snapshot.
//
// inode is the owner of the block, or nil for global filesystem metadata.
// buf is the block's buffer; it may be nil only for check-only calls.
//
// Returns (false, nil) when the block was preserved or needs no
// preservation, and (true, nil) when cow was false and the block needs a
// copy. A block is preserved at most once per transaction: the journal's
// dedup table short-circuits repeat calls, and the whole decision runs
// under the handle's cowing guard so the engine is never re-entered on
// behalf of its own writes.
func (e *Engine) TestAndCow(h *journal.Handle, inode *types.Inode, block types.BlockNum, buf *buffer.Buffer, cow bool) (bool, error) {
	active := e.ActiveSnapshot()
	if active == nil {
		// no active snapshot - no need to COW
		return false, nil
	}
	if h.IsCowing() {
		// avoid recursion on active snapshot updates
		return false, nil
	}
	if inode != nil && inode == active.Inode {
		// active snapshot may only be modified during COW
		return false, fmt.Errorf("%w: write to active snapshot block %d", ErrPermission, block)
	}
	if e.journal.TestCowed(h, block) {
		// already preserved in the running transaction
		return false, nil
	}

	h.BeginCow()
	defer h.EndCow()
	e.cowBegin(h, block)

	cls := Classify(inode)
	switch cls {
	case ClassIgnored:
		// the bitmap is still consulted for accounting, but copying a
		// snapshot file's own block would be circular
		cow = false
	case ClassExcluded:
		// excluded file block access - record in the exclude bitmap
		// instead of copying
		cow = false
		e.exclude.Mark(block, 1)
	}

	inUse, _, err := e.testCowBitmap(h, active, block, 1)
	if err != nil {
		return false, err
	}
	if !inUse {
		// not allocated at snapshot take time, or past the snapshot's view
		// of the filesystem
		e.journal.MarkCowed(h, block)
		return false, nil
	}

	// in use by the snapshot - maybe another writer preserved it already
	ext, err := e.resolver.MapBlocks(h, active.Inode, types.SnapshotLblk(block), 1, types.SnapmapRead)
	if err != nil {
		return false, fmt.Errorf("%w: snapshot mapping probe of block %d failed: %v", ErrIO, block, err)
	}
	if ext.Count > 0 {
		e.waitMapped(ext.Physical)
		e.journal.MarkCowed(h, block)
		return false, nil
	}

	if !cow {
		// don't COW - we were just checking
		return true, nil
	}

	// make sure we hold an uptodate source buffer
	if buf == nil {
		return false, fmt.Errorf("%w: no source buffer for block %d", ErrIO, block)
	}
	if !buf.IsUptodate() {
		e.log.WithField("block", block).
			Warn("source buffer not uptodate, reading before copy to snapshot")
		if err := e.cache.ReadBuffer(buf); err != nil {
			return false, fmt.Errorf("%w: failed to read pre-image of block %d: %v", ErrIO, block, err)
		}
	}

	ext, err = e.resolver.MapBlocks(h, active.Inode, types.SnapshotLblk(block), 1, types.SnapmapCow)
	if err != nil {
		if errors.Is(err, allocator.ErrNoSpace) {
			return false, fmt.Errorf("%w: backup of block %d: %v", ErrNoSpace, block, err)
		}
		return false, fmt.Errorf("%w: backup allocation for block %d failed: %v", ErrIO, block, err)
	}
	if !ext.New {
		// another COWing task allocated it first
		e.waitMapped(ext.Physical)
		e.journal.MarkCowed(h, block)
		return false, nil
	}

	if err := e.copyToSnapshot(h, ext.Physical, buf); err != nil {
		return false, err
	}
	e.log.WithFields(logrus.Fields{
		"block":      block,
		"backup":     ext.Physical,
		"generation": active.Generation,
	}).Debug("block copied to snapshot")

	e.journal.MarkCowed(h, block)
	return false, nil
}

// copyToSnapshot copies a source buffer into a freshly allocated snapshot
// block, attaches it to the running transaction and completes the pending
// operation.
func (e *Engine) copyToSnapshot(h *journal.Handle, phys types.BlockNum, src *buffer.Buffer) error {
	sbuf := e.cache.GetBlock(phys)
	defer func() {
		e.endPendingFor(phys)
		sbuf.Release()
	}()

	src.Lock()
	copy(sbuf.Data(), src.Data())
	src.Unlock()
	sbuf.MarkDirty()

	if err := h.MarkDirty(sbuf); err != nil {
		return fmt.Errorf("%w: failed to journal backup block %d: %v", ErrIO, phys, err)
	}
	return nil
}

// waitMapped waits out any in-flight preservation of an already-mapped
// snapshot block, so the caller never treats a half-written backup as done.
func (e *Engine) waitMapped(phys types.BlockNum) {
	buf := e.cache.FindBlock(phys)
	if buf == nil {
		return
	}
	e.pending.Wait(buf)
	buf.Release()
}

// cowBegin logs the start of a COW or move operation and applies the credit
// heuristic: the budget check is a lower-bound guess, so shortage is a
// warning, never a failure.
func (e *Engine) cowBegin(h *journal.Handle, block types.BlockNum) {
	if !h.HasCredits(1) {
		e.log.WithFields(logrus.Fields{
			"block": block,
			"xid":   h.TransactionID(),
		}).Warn("insufficient buffer credits for COW operation")
	}
}

// Hook wrappers for the filesystem write paths.

// GetWriteAccess runs before modifying an existing metadata block: the
// block's pre-image is preserved first. inode is nil for global metadata.
func (e *Engine) GetWriteAccess(h *journal.Handle, inode *types.Inode, buf *buffer.Buffer) error {
	_, err := e.TestAndCow(h, inode, buf.BlockNum(), buf, true)
	return err
}

// GetCreateAccess runs after allocating a brand-new metadata block. A new
// block can never be in use by the snapshot if every freed block went
// through the delete hook; finding otherwise means the bitmaps are
// inconsistent.
func (e *Engine) GetCreateAccess(h *journal.Handle, buf *buffer.Buffer) error {
	needed, err := e.TestAndCow(h, nil, buf.BlockNum(), buf, false)
	if err != nil {
		return err
	}
	if needed {
		return fmt.Errorf("%w: newly allocated block %d is in use by the active snapshot",
			ErrIO, buf.BlockNum())
	}
	return nil
}

// GetBitmapAccess runs before modifying a group's live block bitmap. It
// initializes the group's COW bitmap, then preserves the bitmap block
// itself.
func (e *Engine) GetBitmapAccess(h *journal.Handle, group types.GroupNum, buf *buffer.Buffer) error {
	if _, err := e.TestAndCow(h, nil, types.GroupFirstBlock(group), nil, false); err != nil {
		return err
	}
	_, err := e.TestAndCow(h, nil, buf.BlockNum(), buf, true)
	return err
}

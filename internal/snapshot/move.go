package snapshot

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/deploymenttheory/go-snapfs/internal/journal"
	"github.com/deploymenttheory/go-snapfs/internal/types"
)

// TestAndMove decides whether data blocks must be preserved before being
// overwritten and, when move is true, relocates their ownership into the
// active snapshot instead of copying: the new data is about to be written
// anyway, so the old block simply changes hands and the owner is left with
// a hole.
//
// Returns the number of blocks the decision covers, narrowed to the
// contiguous run with a uniform answer, and whether those blocks were moved
// (or need moving, when move is false). The caller must hold exclusive
// write access to the owner's block mapping for the whole operation.
func (e *Engine) TestAndMove(h *journal.Handle, inode *types.Inode, block types.BlockNum, maxBlocks int, move bool) (int, bool, error) {
	active := e.ActiveSnapshot()
	if active == nil {
		// no active snapshot - no need to move
		return 0, false, nil
	}
	if maxBlocks < 1 {
		maxBlocks = 1
	}
	if h.IsCowing() || (inode != nil && inode == active.Inode) {
		return 0, false, fmt.Errorf("%w: move of block %d outside a sanctioned write path",
			ErrPermission, block)
	}

	h.BeginCow()
	defer h.EndCow()
	e.cowBegin(h, block)

	cls := Classify(inode)

	inUse, count, err := e.testCowBitmap(h, active, block, maxBlocks)
	if err != nil {
		return 0, false, err
	}
	if !inUse {
		// blocks not in COW bitmap - no need to move
		return count, false, nil
	}
	if cls != ClassNormal {
		// excluded and ignored file blocks are never moved to the
		// snapshot; the bitmap was still validated for accounting
		if cls == ClassExcluded {
			e.exclude.Mark(block, count)
		}
		return count, false, nil
	}

	// in use by the snapshot - check whether the range is already mapped
	ext, err := e.resolver.MapBlocks(h, active.Inode, types.SnapshotLblk(block), count, types.SnapmapRead)
	if err != nil {
		return 0, false, fmt.Errorf("%w: snapshot mapping probe of block %d failed: %v", ErrIO, block, err)
	}
	if ext.Count > 0 {
		// already preserved - the caller only needs to know how many
		// blocks this covers
		return ext.Count, false, nil
	}

	if !move {
		// don't move - we were just checking
		return count, true, nil
	}

	// Relocate in chunks; a single mapping call may not cover the whole
	// range when it crosses allocation boundaries.
	moved := 0
	blk := block
	remaining := count
	for remaining > 0 {
		ext, err := e.resolver.MapBlocks(h, active.Inode, types.SnapshotLblk(blk), remaining, types.SnapmapMove)
		if err != nil {
			return moved, true, fmt.Errorf("%w: moving block %d to snapshot failed: %v", ErrIO, blk, err)
		}
		if ext.Count == 0 || !ext.New {
			break
		}
		moved += ext.Count
		blk += types.BlockNum(ext.Count)
		remaining -= ext.Count
	}

	// Ownership of the space transferred to the snapshot, which was charged
	// when the blocks were mapped; credit the previous owner back.
	if inode != nil {
		inode.ChargeBlocks(-int64(moved))
	}

	e.log.WithFields(logrus.Fields{
		"block":      block,
		"moved":      moved,
		"generation": active.Generation,
	}).Debug("blocks moved to snapshot")
	return moved, true, nil
}

// GetMoveAccess runs before overwriting regular-file data blocks in place.
// Only data blocks of regular files are moved; directory blocks are
// metadata and go through GetWriteAccess.
func (e *Engine) GetMoveAccess(h *journal.Handle, inode *types.Inode, block types.BlockNum, maxBlocks int, move bool) (int, bool, error) {
	return e.TestAndMove(h, inode, block, maxBlocks, move)
}

// GetDeleteAccess runs before freeing blocks. Blocks still in use by the
// active snapshot are moved into it instead; a positive count tells the
// caller how many blocks changed hands and must not be freed.
func (e *Engine) GetDeleteAccess(h *journal.Handle, inode *types.Inode, block types.BlockNum, maxBlocks int) (int, error) {
	count, needed, err := e.TestAndMove(h, inode, block, maxBlocks, true)
	if err != nil {
		return 0, err
	}
	if !needed {
		return 0, nil
	}
	return count, nil
}

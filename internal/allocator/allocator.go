package allocator

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/deploymenttheory/go-snapfs/internal/buffer"
	"github.com/deploymenttheory/go-snapfs/internal/journal"
	"github.com/deploymenttheory/go-snapfs/internal/types"
)

// ErrNoSpace is returned when no free block satisfies a request.
var ErrNoSpace = errors.New("allocator: no space left on device")

// GroupInfo is the in-memory state of one block group. Its mutex is the
// block-group lock: the allocator holds it while changing the live bitmap,
// and the snapshot engine holds it while freezing a COW bitmap copy, so the
// copy can only race with allocations that are themselves sanctioned during
// COW.
type GroupInfo struct {
	mu sync.Mutex

	// cowBitmapBlock caches the physical address of the group's COW bitmap
	// for the active snapshot. Zero means not yet resolved. Reset on
	// snapshot take.
	cowBitmapBlock types.BlockNum
}

// Lock acquires the block-group lock.
func (g *GroupInfo) Lock() { g.mu.Lock() }

// Unlock releases the block-group lock.
func (g *GroupInfo) Unlock() { g.mu.Unlock() }

// CowBitmapBlock returns the cached COW bitmap address. Callers hold the
// group lock.
func (g *GroupInfo) CowBitmapBlock() types.BlockNum { return g.cowBitmapBlock }

// SetCowBitmapBlock updates the cached COW bitmap address. Callers hold the
// group lock.
func (g *GroupInfo) SetCowBitmapBlock(block types.BlockNum) { g.cowBitmapBlock = block }

// BitmapAccessFunc runs before the allocator modifies a group's live bitmap
// buffer. The write path wires this to the snapshot engine so the bitmap
// block's pre-image is preserved first.
type BitmapAccessFunc func(h *journal.Handle, group types.GroupNum, buf *buffer.Buffer) error

// Allocator manages the per-group live block bitmaps.
type Allocator struct {
	cache       *buffer.Cache
	blocksCount uint64
	groupsCount uint32
	groups      []GroupInfo
	freeBlocks  int64

	// BitmapAccess, when set, is invoked before any live-bitmap mutation.
	BitmapAccess BitmapAccessFunc
}

// NewAllocator creates an allocator for a filesystem of blocksCount blocks.
// The free-block counter starts at zero; Open paths restore it from the
// superblock and mkfs paths account reserved blocks as they mark them.
func NewAllocator(cache *buffer.Cache, blocksCount uint64) *Allocator {
	groups := (blocksCount + types.BlocksPerGroup - 1) / types.BlocksPerGroup
	return &Allocator{
		cache:       cache,
		blocksCount: blocksCount,
		groupsCount: uint32(groups),
		groups:      make([]GroupInfo, groups),
	}
}

// GroupsCount returns the number of block groups.
func (a *Allocator) GroupsCount() uint32 {
	return a.groupsCount
}

// BlocksCount returns the filesystem size in blocks.
func (a *Allocator) BlocksCount() uint64 {
	return a.blocksCount
}

// GroupInfo returns the in-memory state of a block group.
func (a *Allocator) GroupInfo(group types.GroupNum) *GroupInfo {
	return &a.groups[group]
}

// BitmapBlock returns the physical address of a group's live block bitmap.
// Group 0 keeps its bitmap in block 1, behind the superblock.
func (a *Allocator) BitmapBlock(group types.GroupNum) types.BlockNum {
	if group == 0 {
		return 1
	}
	return types.GroupFirstBlock(group)
}

// GroupBlocks returns the number of blocks group actually contains; the last
// group may be short.
func (a *Allocator) GroupBlocks(group types.GroupNum) uint32 {
	first := uint64(types.GroupFirstBlock(group))
	if first+types.BlocksPerGroup > a.blocksCount {
		return uint32(a.blocksCount - first)
	}
	return types.BlocksPerGroup
}

// ReadBitmap returns the (pinned) live bitmap buffer of a group.
func (a *Allocator) ReadBitmap(group types.GroupNum) (*buffer.Buffer, error) {
	buf, err := a.cache.ReadBlock(a.BitmapBlock(group))
	if err != nil {
		return nil, fmt.Errorf("failed to read bitmap of group %d: %w", group, err)
	}
	return buf, nil
}

// FreeBlocksCount returns the current free-block count.
func (a *Allocator) FreeBlocksCount() uint64 {
	n := atomic.LoadInt64(&a.freeBlocks)
	if n < 0 {
		return 0
	}
	return uint64(n)
}

// SetFreeBlocksCount restores the free-block counter, typically from the
// superblock at mount time.
func (a *Allocator) SetFreeBlocksCount(n uint64) {
	atomic.StoreInt64(&a.freeBlocks, int64(n))
}

// AllocateNear allocates up to count contiguous blocks, preferring the
// group and offset of goal. Returns the first block and the number actually
// allocated, which may be less than count but is at least one on success.
func (a *Allocator) AllocateNear(h *journal.Handle, goal types.BlockNum, count int) (types.BlockNum, int, error) {
	if count < 1 {
		count = 1
	}
	if uint64(goal) >= a.blocksCount {
		goal = 0
	}
	startGroup := types.BlockGroup(goal)
	startOffset := types.GroupOffset(goal)
	for i := uint32(0); i < a.groupsCount; i++ {
		group := types.GroupNum((uint32(startGroup) + i) % a.groupsCount)
		offset := uint32(0)
		if i == 0 {
			offset = startOffset
		}
		block, got, err := a.allocateInGroup(h, group, offset, count)
		if err != nil {
			return 0, 0, err
		}
		if got > 0 {
			return block, got, nil
		}
	}
	// The first pass skipped the goal group's blocks below the goal offset;
	// wrap around and scan them before declaring the filesystem full.
	if startOffset > 0 {
		block, got, err := a.allocateInGroup(h, startGroup, 0, count)
		if err != nil {
			return 0, 0, err
		}
		if got > 0 {
			return block, got, nil
		}
	}
	return 0, 0, ErrNoSpace
}

// allocateInGroup scans one group for a free run starting at or after
// offset. Returns got == 0 when the group is full.
func (a *Allocator) allocateInGroup(h *journal.Handle, group types.GroupNum, offset uint32, count int) (types.BlockNum, int, error) {
	buf, err := a.ReadBitmap(group)
	if err != nil {
		return 0, 0, err
	}
	defer buf.Release()

	// Preserve the bitmap block's pre-image before mutating it.
	if a.BitmapAccess != nil {
		if err := a.BitmapAccess(h, group, buf); err != nil {
			return 0, 0, err
		}
	}

	gi := a.GroupInfo(group)
	gi.Lock()
	bitmap := buf.Data()
	groupBlocks := a.GroupBlocks(group)
	var start uint32
	var got int
	for bit := offset; bit < groupBlocks; bit++ {
		if TestBit(bitmap, bit) {
			continue
		}
		start = bit
		for got = 0; got < count && bit+uint32(got) < groupBlocks; got++ {
			if TestBit(bitmap, bit+uint32(got)) {
				break
			}
		}
		break
	}
	if got == 0 {
		gi.Unlock()
		return 0, 0, nil
	}
	for n := 0; n < got; n++ {
		SetBit(bitmap, start+uint32(n))
	}
	gi.Unlock()

	if err := h.MarkDirty(buf); err != nil {
		return 0, 0, err
	}
	atomic.AddInt64(&a.freeBlocks, -int64(got))
	return types.GroupFirstBlock(group) + types.BlockNum(start), got, nil
}

// MarkAllocated sets the bits for a known block range. Used for reserved
// blocks at format time.
func (a *Allocator) MarkAllocated(h *journal.Handle, block types.BlockNum, count int) error {
	return a.updateRange(h, block, count, true)
}

// Free clears the bits for a block range, returning it to the free pool.
func (a *Allocator) Free(h *journal.Handle, block types.BlockNum, count int) error {
	return a.updateRange(h, block, count, false)
}

func (a *Allocator) updateRange(h *journal.Handle, block types.BlockNum, count int, set bool) error {
	for count > 0 {
		group := types.BlockGroup(block)
		offset := types.GroupOffset(block)
		n := count
		if remain := int(a.GroupBlocks(group) - offset); n > remain {
			n = remain
		}

		buf, err := a.ReadBitmap(group)
		if err != nil {
			return err
		}
		if a.BitmapAccess != nil {
			if err := a.BitmapAccess(h, group, buf); err != nil {
				buf.Release()
				return err
			}
		}

		gi := a.GroupInfo(group)
		gi.Lock()
		for i := 0; i < n; i++ {
			if set {
				SetBit(buf.Data(), offset+uint32(i))
			} else {
				ClearBit(buf.Data(), offset+uint32(i))
			}
		}
		gi.Unlock()

		err = h.MarkDirty(buf)
		buf.Release()
		if err != nil {
			return err
		}
		if set {
			atomic.AddInt64(&a.freeBlocks, -int64(n))
		} else {
			atomic.AddInt64(&a.freeBlocks, int64(n))
		}
		block += types.BlockNum(n)
		count -= n
	}
	return nil
}

// IsAllocated reports whether a block is marked in use in the live bitmap.
func (a *Allocator) IsAllocated(block types.BlockNum) (bool, error) {
	buf, err := a.ReadBitmap(types.BlockGroup(block))
	if err != nil {
		return false, err
	}
	defer buf.Release()

	gi := a.GroupInfo(types.BlockGroup(block))
	gi.Lock()
	defer gi.Unlock()
	return TestBit(buf.Data(), types.GroupOffset(block)), nil
}

// ResetCowBitmapCache clears every group's cached COW bitmap address.
// Called when the active snapshot changes: the frozen bitmaps of the old
// generation are no longer valid lookups for the new one.
func (a *Allocator) ResetCowBitmapCache() {
	for i := range a.groups {
		gi := &a.groups[i]
		gi.Lock()
		gi.cowBitmapBlock = 0
		gi.Unlock()
	}
}

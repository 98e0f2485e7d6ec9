package snapshot

import (
	"sync"

	"github.com/deploymenttheory/go-snapfs/internal/allocator"
	"github.com/deploymenttheory/go-snapfs/internal/types"
)

// excludeBitmap tracks blocks of excluded inodes, one lazily materialized
// bitmap per block group. The COW bitmap for a group is frozen net of these
// bits, and excluded file blocks touched after snapshot take are recorded
// here instead of being copied.
type excludeBitmap struct {
	mu        sync.Mutex
	blockSize uint32
	groups    map[types.GroupNum][]byte
}

func newExcludeBitmap(blockSize uint32) *excludeBitmap {
	return &excludeBitmap{
		blockSize: blockSize,
		groups:    make(map[types.GroupNum][]byte),
	}
}

func (e *excludeBitmap) groupBitmap(group types.GroupNum) []byte {
	bm, ok := e.groups[group]
	if !ok {
		bm = make([]byte, e.blockSize)
		e.groups[group] = bm
	}
	return bm
}

// Mark records count blocks starting at block as excluded.
func (e *excludeBitmap) Mark(block types.BlockNum, count int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := 0; i < count; i++ {
		b := block + types.BlockNum(i)
		allocator.SetBit(e.groupBitmap(types.BlockGroup(b)), types.GroupOffset(b))
	}
}

// Clear removes count blocks starting at block from the exclude bitmap.
func (e *excludeBitmap) Clear(block types.BlockNum, count int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := 0; i < count; i++ {
		b := block + types.BlockNum(i)
		if bm, ok := e.groups[types.BlockGroup(b)]; ok {
			allocator.ClearBit(bm, types.GroupOffset(b))
		}
	}
}

// Test reports whether every block of the range is marked excluded.
func (e *excludeBitmap) Test(block types.BlockNum, count int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := 0; i < count; i++ {
		b := block + types.BlockNum(i)
		bm, ok := e.groups[types.BlockGroup(b)]
		if !ok || !allocator.TestBit(bm, types.GroupOffset(b)) {
			return false
		}
	}
	return true
}

// GroupMask returns the exclusion mask for a group, or nil if no block of
// the group is excluded. The returned slice is a copy safe to read without
// the lock.
func (e *excludeBitmap) GroupMask(group types.GroupNum) []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	bm, ok := e.groups[group]
	if !ok {
		return nil
	}
	mask := make([]byte, len(bm))
	copy(mask, bm)
	return mask
}

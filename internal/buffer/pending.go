package buffer

import (
	"sync"

	"github.com/deploymenttheory/go-snapfs/internal/types"
)

// PendingTracker marks just-allocated snapshot blocks as pending between the
// moment their physical address is chosen and the moment their contents are
// valid and connected to the snapshot mapping. Concurrent paths that find
// such a block wait for the mark to clear instead of observing torn data.
//
// The contention window is microseconds and each block becomes pending at
// most once per snapshot, so a single condition variable keyed by block
// number is sufficient.
type PendingTracker struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending map[types.BlockNum]struct{}
}

// NewPendingTracker creates an empty tracker
func NewPendingTracker() *PendingTracker {
	t := &PendingTracker{
		pending: make(map[types.BlockNum]struct{}),
	}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Begin marks a buffer's block pending and pins the buffer in cache for the
// duration of the operation.
func (t *PendingTracker) Begin(buf *Buffer) {
	buf.Pin()
	t.mu.Lock()
	t.pending[buf.BlockNum()] = struct{}{}
	t.mu.Unlock()
}

// End clears the pending mark, wakes all waiters and unpins the buffer.
// Called on completion of the operation or on failure to connect the block.
func (t *PendingTracker) End(buf *Buffer) {
	t.mu.Lock()
	delete(t.pending, buf.BlockNum())
	t.mu.Unlock()
	t.cond.Broadcast()
	buf.Release()
}

// Wait blocks until the buffer's block is no longer pending. Callers must
// re-validate the buffer's uptodate state after Wait returns.
func (t *PendingTracker) Wait(buf *Buffer) {
	t.mu.Lock()
	for {
		if _, ok := t.pending[buf.BlockNum()]; !ok {
			break
		}
		t.cond.Wait()
	}
	t.mu.Unlock()
}

// IsPending reports whether a block is currently marked pending.
func (t *PendingTracker) IsPending(block types.BlockNum) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[block]
	return ok
}

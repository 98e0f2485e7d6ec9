package buffer

import (
	"sync"
	"sync/atomic"

	"github.com/deploymenttheory/go-snapfs/internal/types"
)

// Buffer is an in-memory copy of one device block. Buffers are shared
// between all users of a Cache: state transitions happen under the buffer's
// own lock, and a buffer stays in the cache at least as long as its pin
// count is non-zero.
type Buffer struct {
	mu    sync.Mutex
	block types.BlockNum
	data  []byte

	uptodate bool
	dirty    bool

	pins int32
}

// BlockNum returns the device block this buffer shadows.
func (b *Buffer) BlockNum() types.BlockNum {
	return b.block
}

// Data returns the buffer's backing slice. Callers that modify it must hold
// the buffer lock and mark the buffer dirty afterwards.
func (b *Buffer) Data() []byte {
	return b.data
}

// Lock acquires the buffer lock.
func (b *Buffer) Lock() {
	b.mu.Lock()
}

// Unlock releases the buffer lock.
func (b *Buffer) Unlock() {
	b.mu.Unlock()
}

// IsUptodate reports whether the buffer holds valid block contents.
func (b *Buffer) IsUptodate() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.uptodate
}

// SetUptodate marks the buffer contents valid.
func (b *Buffer) SetUptodate() {
	b.mu.Lock()
	b.uptodate = true
	b.mu.Unlock()
}

// IsDirty reports whether the buffer has unwritten modifications.
func (b *Buffer) IsDirty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dirty
}

// MarkDirty records that the buffer differs from the on-device block.
func (b *Buffer) MarkDirty() {
	b.mu.Lock()
	b.dirty = true
	b.uptodate = true
	b.mu.Unlock()
}

// ClearDirty marks the buffer clean again, after write-back.
func (b *Buffer) ClearDirty() {
	b.mu.Lock()
	b.dirty = false
	b.mu.Unlock()
}

// Pin takes an additional reference, keeping the buffer cached.
func (b *Buffer) Pin() {
	atomic.AddInt32(&b.pins, 1)
}

// Release drops one reference taken by Pin or by a cache lookup.
func (b *Buffer) Release() {
	if atomic.AddInt32(&b.pins, -1) < 0 {
		panic("buffer: release of unpinned buffer")
	}
}

// Pins returns the current pin count.
func (b *Buffer) Pins() int32 {
	return atomic.LoadInt32(&b.pins)
}

package buffer

import (
	"fmt"
	"sync"

	"github.com/deploymenttheory/go-snapfs/internal/interfaces"
	"github.com/deploymenttheory/go-snapfs/internal/types"
)

// Cache is a block buffer cache over a block device. Lookups return pinned
// buffers; callers release them when done. There is one buffer per block, so
// all writers and readers of a block observe the same state.
type Cache struct {
	mu      sync.Mutex
	dev     interfaces.BlockDevice
	buffers map[types.BlockNum]*Buffer
}

// NewCache creates a buffer cache over the given device
func NewCache(dev interfaces.BlockDevice) *Cache {
	return &Cache{
		dev:     dev,
		buffers: make(map[types.BlockNum]*Buffer),
	}
}

// Device returns the underlying block device
func (c *Cache) Device() interfaces.BlockDevice {
	return c.dev
}

// GetBlock returns the (pinned) buffer for a block without reading it from
// the device. The buffer may not be uptodate.
func (c *Cache) GetBlock(block types.BlockNum) *Buffer {
	c.mu.Lock()
	defer c.mu.Unlock()

	buf, ok := c.buffers[block]
	if !ok {
		buf = &Buffer{
			block: block,
			data:  make([]byte, c.dev.BlockSize()),
		}
		c.buffers[block] = buf
	}
	buf.Pin()
	return buf
}

// ReadBlock returns the (pinned) buffer for a block, reading it from the
// device if the cached copy is not uptodate.
func (c *Cache) ReadBlock(block types.BlockNum) (*Buffer, error) {
	buf := c.GetBlock(block)
	if err := c.ReadBuffer(buf); err != nil {
		buf.Release()
		return nil, err
	}
	return buf, nil
}

// ReadBuffer fills a buffer from the device if it is not uptodate.
func (c *Cache) ReadBuffer(buf *Buffer) error {
	buf.Lock()
	defer buf.Unlock()
	if buf.uptodate {
		return nil
	}
	data, err := c.dev.ReadBlock(buf.block)
	if err != nil {
		return fmt.Errorf("buffer cache read failed: %w", err)
	}
	copy(buf.data, data)
	buf.uptodate = true
	return nil
}

// FindBlock returns the (pinned) buffer for a block only if it is already
// cached, without any device I/O. Returns nil on a cache miss.
func (c *Cache) FindBlock(block types.BlockNum) *Buffer {
	c.mu.Lock()
	defer c.mu.Unlock()

	buf, ok := c.buffers[block]
	if !ok {
		return nil
	}
	buf.Pin()
	return buf
}

// WriteBuffer writes a dirty buffer back to the device.
func (c *Cache) WriteBuffer(buf *Buffer) error {
	buf.Lock()
	defer buf.Unlock()
	if !buf.dirty {
		return nil
	}
	if err := c.dev.WriteBlock(buf.block, buf.data); err != nil {
		return fmt.Errorf("buffer cache write-back failed: %w", err)
	}
	buf.dirty = false
	return nil
}

// SyncBuffer writes a dirty buffer back and forces it to stable storage.
// Used for blocks that must be durable outside the journal.
func (c *Cache) SyncBuffer(buf *Buffer) error {
	if err := c.WriteBuffer(buf); err != nil {
		return err
	}
	if err := c.dev.Sync(); err != nil {
		return fmt.Errorf("buffer cache sync failed: %w", err)
	}
	return nil
}

// Invalidate drops an unpinned clean buffer from the cache. Tests use this
// to simulate cache loss across a crash. Pinned or dirty buffers stay.
func (c *Cache) Invalidate(block types.BlockNum) {
	c.mu.Lock()
	defer c.mu.Unlock()

	buf, ok := c.buffers[block]
	if !ok {
		return
	}
	if buf.Pins() > 0 || buf.IsDirty() {
		return
	}
	delete(c.buffers, block)
}

// InvalidateAll drops every unpinned clean buffer.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for block, buf := range c.buffers {
		if buf.Pins() > 0 || buf.IsDirty() {
			continue
		}
		delete(c.buffers, block)
	}
}

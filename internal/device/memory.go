package device

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/deploymenttheory/go-snapfs/internal/interfaces"
	"github.com/deploymenttheory/go-snapfs/internal/types"
)

// MemoryDevice is an in-memory block device. It keeps per-operation counters
// so callers can observe exactly how much I/O a code path performed.
type MemoryDevice struct {
	mu        sync.RWMutex
	blocks    [][]byte
	blockSize uint32

	reads  uint64
	writes uint64
	syncs  uint64
}

// NewMemoryDevice creates an in-memory device with the given geometry
func NewMemoryDevice(blocks uint64, blockSize uint32) *MemoryDevice {
	if blockSize == 0 {
		blockSize = types.DefaultBlockSize
	}
	d := &MemoryDevice{
		blocks:    make([][]byte, blocks),
		blockSize: blockSize,
	}
	return d
}

// ReadBlock reads a single block at the specified address
func (d *MemoryDevice) ReadBlock(address types.BlockNum) ([]byte, error) {
	if !d.IsValidAddress(address) {
		return nil, fmt.Errorf("block %d out of range (device has %d blocks)",
			address, len(d.blocks))
	}
	atomic.AddUint64(&d.reads, 1)

	d.mu.RLock()
	defer d.mu.RUnlock()
	data := make([]byte, d.blockSize)
	if d.blocks[address] != nil {
		copy(data, d.blocks[address])
	}
	return data, nil
}

// WriteBlock writes a single block at the specified address
func (d *MemoryDevice) WriteBlock(address types.BlockNum, data []byte) error {
	if !d.IsValidAddress(address) {
		return fmt.Errorf("block %d out of range (device has %d blocks)",
			address, len(d.blocks))
	}
	if uint32(len(data)) != d.blockSize {
		return fmt.Errorf("block data is %d bytes, expected %d", len(data), d.blockSize)
	}
	atomic.AddUint64(&d.writes, 1)

	d.mu.Lock()
	defer d.mu.Unlock()
	stored := make([]byte, d.blockSize)
	copy(stored, data)
	d.blocks[address] = stored
	return nil
}

// Sync is a no-op for memory devices beyond counting the call
func (d *MemoryDevice) Sync() error {
	atomic.AddUint64(&d.syncs, 1)
	return nil
}

// BlockSize returns the size of a single block in bytes
func (d *MemoryDevice) BlockSize() uint32 {
	return d.blockSize
}

// TotalBlocks returns the total number of blocks on the device
func (d *MemoryDevice) TotalBlocks() uint64 {
	return uint64(len(d.blocks))
}

// IsValidAddress checks if a block address is valid
func (d *MemoryDevice) IsValidAddress(address types.BlockNum) bool {
	return uint64(address) < uint64(len(d.blocks))
}

// IsReadOnly checks if the device is read-only
func (d *MemoryDevice) IsReadOnly() bool {
	return false
}

// Close releases the device's storage
func (d *MemoryDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.blocks = nil
	return nil
}

// Stats returns a snapshot of the device's I/O counters
func (d *MemoryDevice) Stats() interfaces.BlockDeviceStats {
	return interfaces.BlockDeviceStats{
		Reads:  atomic.LoadUint64(&d.reads),
		Writes: atomic.LoadUint64(&d.writes),
		Syncs:  atomic.LoadUint64(&d.syncs),
	}
}

// File: internal/interfaces/block_device.go
package interfaces

import (
	"io"

	"github.com/deploymenttheory/go-snapfs/internal/types"
)

// BlockDeviceReader provides methods for reading from block devices
type BlockDeviceReader interface {
	// ReadBlock reads a single block at the specified address
	ReadBlock(address types.BlockNum) ([]byte, error)

	// BlockSize returns the size of a single block in bytes
	BlockSize() uint32

	// TotalBlocks returns the total number of blocks on the device
	TotalBlocks() uint64

	// IsValidAddress checks if a block address is valid
	IsValidAddress(address types.BlockNum) bool
}

// BlockDeviceWriter provides methods for writing to block devices
type BlockDeviceWriter interface {
	// WriteBlock writes a single block at the specified address
	WriteBlock(address types.BlockNum, data []byte) error

	// Sync ensures all pending writes are committed to storage
	Sync() error

	// IsReadOnly checks if the device is read-only
	IsReadOnly() bool
}

// BlockDevice represents a complete block device interface
type BlockDevice interface {
	BlockDeviceReader
	BlockDeviceWriter
	io.Closer
}

// BlockDeviceStats contains I/O counters for a block device. Devices that
// keep counters expose them for diagnostics; tests use them to assert the
// no-op fast paths perform zero I/O.
type BlockDeviceStats struct {
	// Total number of block reads
	Reads uint64

	// Total number of block writes
	Writes uint64

	// Total number of sync operations
	Syncs uint64
}

// CountingBlockDevice is a block device that tracks I/O statistics
type CountingBlockDevice interface {
	BlockDevice

	// Stats returns a snapshot of the device's I/O counters
	Stats() BlockDeviceStats
}

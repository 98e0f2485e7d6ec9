package device

import (
	"fmt"
	"os"

	"github.com/spf13/viper"

	"github.com/deploymenttheory/go-snapfs/internal/types"
)

// ImageDevice provides block access to a snapfs image file
type ImageDevice struct {
	file      *os.File
	path      string
	blockSize uint32
	blocks    uint64
	readOnly  bool
}

// ImageConfig holds configuration for image handling
type ImageConfig struct {
	BlockSize    uint32 `mapstructure:"block_size"`
	ReadOnly     bool   `mapstructure:"read_only"`
	SyncOnClose  bool   `mapstructure:"sync_on_close"`
	TestDataPath string `mapstructure:"test_data_path"`
}

// LoadImageConfig loads image configuration using Viper
func LoadImageConfig() (*ImageConfig, error) {
	viper.SetConfigName("snapfs-config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("$HOME/.snapfs")
	viper.AddConfigPath("/etc/snapfs")

	// Set defaults
	viper.SetDefault("block_size", types.DefaultBlockSize)
	viper.SetDefault("read_only", false)
	viper.SetDefault("sync_on_close", true)
	viper.SetDefault("test_data_path", "./tests")

	// Allow environment variables
	viper.SetEnvPrefix("SNAPFS")
	viper.AutomaticEnv()

	// Read config file if it exists
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults
	}

	var config ImageConfig
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &config, nil
}

// OpenImage opens an existing snapfs image file
func OpenImage(path string, config *ImageConfig) (*ImageDevice, error) {
	if config == nil {
		config = &ImageConfig{BlockSize: types.DefaultBlockSize}
	}
	if config.BlockSize == 0 {
		config.BlockSize = types.DefaultBlockSize
	}

	flag := os.O_RDWR
	if config.ReadOnly {
		flag = os.O_RDONLY
	}
	file, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open image file: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat image file: %w", err)
	}
	if stat.Size()%int64(config.BlockSize) != 0 {
		file.Close()
		return nil, fmt.Errorf("image size %d is not a multiple of block size %d",
			stat.Size(), config.BlockSize)
	}

	return &ImageDevice{
		file:      file,
		path:      path,
		blockSize: config.BlockSize,
		blocks:    uint64(stat.Size()) / uint64(config.BlockSize),
		readOnly:  config.ReadOnly,
	}, nil
}

// CreateImage creates a new image file of the given size in blocks
func CreateImage(path string, blocks uint64, config *ImageConfig) (*ImageDevice, error) {
	if config == nil {
		config = &ImageConfig{BlockSize: types.DefaultBlockSize}
	}
	if config.BlockSize == 0 {
		config.BlockSize = types.DefaultBlockSize
	}
	if blocks == 0 {
		return nil, fmt.Errorf("image must have at least one block")
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create image file: %w", err)
	}
	if err := file.Truncate(int64(blocks) * int64(config.BlockSize)); err != nil {
		file.Close()
		os.Remove(path)
		return nil, fmt.Errorf("failed to size image file: %w", err)
	}

	return &ImageDevice{
		file:      file,
		path:      path,
		blockSize: config.BlockSize,
		blocks:    blocks,
	}, nil
}

// ReadBlock reads a single block at the specified address
func (d *ImageDevice) ReadBlock(address types.BlockNum) ([]byte, error) {
	if !d.IsValidAddress(address) {
		return nil, fmt.Errorf("block %d out of range (device has %d blocks)",
			address, d.blocks)
	}
	data := make([]byte, d.blockSize)
	if _, err := d.file.ReadAt(data, int64(address)*int64(d.blockSize)); err != nil {
		return nil, fmt.Errorf("failed to read block %d: %w", address, err)
	}
	return data, nil
}

// WriteBlock writes a single block at the specified address
func (d *ImageDevice) WriteBlock(address types.BlockNum, data []byte) error {
	if d.readOnly {
		return fmt.Errorf("device %s is read-only", d.path)
	}
	if !d.IsValidAddress(address) {
		return fmt.Errorf("block %d out of range (device has %d blocks)",
			address, d.blocks)
	}
	if uint32(len(data)) != d.blockSize {
		return fmt.Errorf("block data is %d bytes, expected %d", len(data), d.blockSize)
	}
	if _, err := d.file.WriteAt(data, int64(address)*int64(d.blockSize)); err != nil {
		return fmt.Errorf("failed to write block %d: %w", address, err)
	}
	return nil
}

// Sync commits all pending writes to storage
func (d *ImageDevice) Sync() error {
	if d.readOnly {
		return nil
	}
	if err := d.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync image: %w", err)
	}
	return nil
}

// BlockSize returns the size of a single block in bytes
func (d *ImageDevice) BlockSize() uint32 {
	return d.blockSize
}

// TotalBlocks returns the total number of blocks on the device
func (d *ImageDevice) TotalBlocks() uint64 {
	return d.blocks
}

// IsValidAddress checks if a block address is valid
func (d *ImageDevice) IsValidAddress(address types.BlockNum) bool {
	return uint64(address) < d.blocks
}

// IsReadOnly checks if the device is read-only
func (d *ImageDevice) IsReadOnly() bool {
	return d.readOnly
}

// Path returns the image file path
func (d *ImageDevice) Path() string {
	return d.path
}

// Close closes the underlying image file
func (d *ImageDevice) Close() error {
	if !d.readOnly {
		if err := d.file.Sync(); err != nil {
			d.file.Close()
			return fmt.Errorf("failed to sync image on close: %w", err)
		}
	}
	return d.file.Close()
}

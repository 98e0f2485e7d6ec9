package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-snapfs/internal/device"
	"github.com/deploymenttheory/go-snapfs/internal/services"
)

var infoCmd = &cobra.Command{
	Use:   "info [image-path]",
	Short: "Show volume and allocation details",
	Long: `Inspect a snapfs image: filesystem UUID, size, free space, block group
layout, and the snapshot list.

Examples:
  go-snapfs info disk.img
  go-snapfs info disk.img --output json`,

	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := runInfo(args[0]); err != nil {
			cobra.CheckErr(err)
		}
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

// openVolume mounts an image read-only for inspection commands.
func openVolume(imagePath string) (*services.Volume, error) {
	config, err := device.LoadImageConfig()
	if err != nil {
		return nil, err
	}
	config.ReadOnly = true
	dev, err := device.OpenImage(imagePath, config)
	if err != nil {
		return nil, err
	}
	vol, err := services.Open(dev)
	if err != nil {
		dev.Close()
		return nil, err
	}
	return vol, nil
}

func runInfo(imagePath string) error {
	vol, err := openVolume(imagePath)
	if err != nil {
		return err
	}
	defer vol.Cache().Device().Close()

	info := vol.Info()
	if GetOutputFormat() == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}

	fmt.Printf("Volume: %s\n", imagePath)
	fmt.Printf("    UUID:            %s\n", info.UUID)
	fmt.Printf("    Block size:      %d\n", info.BlockSize)
	fmt.Printf("    Blocks:          %d\n", info.BlocksCount)
	fmt.Printf("    Free blocks:     %d\n", info.FreeBlocksCount)
	fmt.Printf("    Block groups:    %d\n", info.GroupsCount)
	fmt.Printf("    Snapshots:       %d\n", info.SnapshotsCount)
	fmt.Printf("    Last generation: %d\n", info.LastGeneration)
	return nil
}

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-snapfs/internal/device"
	"github.com/deploymenttheory/go-snapfs/internal/services"
)

var mkfsBlocks uint64

var mkfsCmd = &cobra.Command{
	Use:   "mkfs [image-path]",
	Short: "Initialize a snapfs filesystem on an image file",
	Long: `Create an image file of the requested size and write an empty snapfs
filesystem onto it.

Examples:
  # Create a 1 GiB image (262144 blocks of 4 KiB)
  go-snapfs mkfs disk.img --blocks 262144`,

	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := runMkfs(args[0]); err != nil {
			cobra.CheckErr(err)
		}
	},
}

func init() {
	rootCmd.AddCommand(mkfsCmd)
	mkfsCmd.Flags().Uint64Var(&mkfsBlocks, "blocks", 0, "filesystem size in blocks (required)")
	mkfsCmd.MarkFlagRequired("blocks")
}

func runMkfs(imagePath string) error {
	config, err := device.LoadImageConfig()
	if err != nil {
		return err
	}
	dev, err := device.CreateImage(imagePath, mkfsBlocks, config)
	if err != nil {
		return err
	}

	vol, err := services.Format(dev)
	if err != nil {
		dev.Close()
		return err
	}
	info := vol.Info()
	if err := vol.Close(); err != nil {
		return err
	}

	if !GetQuiet() {
		fmt.Printf("Created snapfs filesystem on %s\n", imagePath)
		fmt.Printf("    UUID:   %s\n", info.UUID)
		fmt.Printf("    Blocks: %d (%d free)\n", info.BlocksCount, info.FreeBlocksCount)
		fmt.Printf("    Groups: %d\n", info.GroupsCount)
	}
	return nil
}

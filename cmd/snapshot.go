package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-snapfs/internal/device"
	"github.com/deploymenttheory/go-snapfs/internal/services"
)

var snapshotName string

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Take or list snapshots",
}

var snapshotTakeCmd = &cobra.Command{
	Use:   "take [image-path]",
	Short: "Take a new snapshot",
	Long: `Freeze the filesystem's current block-level state into a new snapshot.
The new snapshot becomes the active one; the previous active snapshot is
complete and stops receiving copied blocks.

Examples:
  go-snapfs snapshot take disk.img --name nightly-backup`,

	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := runSnapshotTake(args[0]); err != nil {
			cobra.CheckErr(err)
		}
	},
}

var snapshotListCmd = &cobra.Command{
	Use:   "list [image-path]",
	Short: "List snapshots, newest first",

	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := runSnapshotList(args[0]); err != nil {
			cobra.CheckErr(err)
		}
	},
}

func init() {
	rootCmd.AddCommand(snapshotCmd)
	snapshotCmd.AddCommand(snapshotTakeCmd)
	snapshotCmd.AddCommand(snapshotListCmd)

	snapshotTakeCmd.Flags().StringVarP(&snapshotName, "name", "n", "", "snapshot name (required)")
	snapshotTakeCmd.MarkFlagRequired("name")
}

func runSnapshotTake(imagePath string) error {
	config, err := device.LoadImageConfig()
	if err != nil {
		return err
	}
	dev, err := device.OpenImage(imagePath, config)
	if err != nil {
		return err
	}
	vol, err := services.Open(dev)
	if err != nil {
		dev.Close()
		return err
	}

	snap, err := vol.TakeSnapshot(snapshotName)
	if err != nil {
		vol.Close()
		return err
	}
	if err := vol.Close(); err != nil {
		return err
	}

	if !GetQuiet() {
		fmt.Printf("Took snapshot %q (generation %d)\n", snap.Name, snap.Generation)
		fmt.Printf("    UUID: %s\n", snap.UUID.String())
		fmt.Printf("    Size: %d blocks\n", snap.SizeBlocks)
	}
	return nil
}

func runSnapshotList(imagePath string) error {
	vol, err := openVolume(imagePath)
	if err != nil {
		return err
	}
	defer vol.Cache().Device().Close()

	snaps := vol.ListSnapshots()
	if GetOutputFormat() == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snaps)
	}

	if len(snaps) == 0 {
		fmt.Println("No snapshots")
		return nil
	}
	fmt.Printf("%-4s %-24s %-8s %-12s %s\n", "GEN", "NAME", "ACTIVE", "USED", "UUID")
	for _, s := range snaps {
		active := ""
		if s.Active {
			active = "yes"
		}
		fmt.Printf("%-4d %-24s %-8s %-12d %s\n", s.Generation, s.Name, active, s.UsedBlocks, s.UUID)
	}
	return nil
}

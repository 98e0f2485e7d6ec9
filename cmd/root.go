package cmd

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	// Global output flags only
	verbose      bool
	quiet        bool
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:   "go-snapfs",
	Short: "Copy-on-write block snapshot tool for snapfs images",
	Long: `go-snapfs is a command-line tool for creating, listing, and verifying
copy-on-write block snapshots on snapfs filesystem images.

A snapshot freezes the filesystem's block-level state at a point in time.
Later metadata writes preserve the overwritten block's pre-image into the
snapshot file, and data overwrites move block ownership into it, so the
snapshot can always reproduce every block exactly as it was at take time.

Commands:
  mkfs        Initialize a snapfs filesystem on an image file
  info        Show volume and allocation details
  snapshot    Take or list snapshots
  verify      Verify snapshot consistency
  config      Show the resolved image configuration`,
	Version: "0.1.0-dev",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		switch {
		case quiet:
			logrus.SetLevel(logrus.ErrorLevel)
		case verbose:
			logrus.SetLevel(logrus.DebugLevel)
		default:
			logrus.SetLevel(logrus.WarnLevel)
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	// Only global output control flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress output except errors")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format (table, json)")
}

// GetVerbose returns the verbose flag value
func GetVerbose() bool {
	return verbose
}

// GetQuiet returns the quiet flag value
func GetQuiet() bool {
	return quiet
}

// GetOutputFormat returns the output format
func GetOutputFormat() string {
	return outputFormat
}

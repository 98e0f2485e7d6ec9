package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/deploymenttheory/go-snapfs/internal/device"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the resolved image configuration",
	Long: `Print the image configuration after merging defaults, the snapfs-config
file (searched in ., ./config, $HOME/.snapfs and /etc/snapfs) and SNAPFS_*
environment variables.

Examples:
  go-snapfs config
  go-snapfs config --output json`,

	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runConfig(); err != nil {
			cobra.CheckErr(err)
		}
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}

func runConfig() error {
	config, err := device.LoadImageConfig()
	if err != nil {
		return err
	}

	if GetOutputFormat() == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(config)
	}

	source := viper.ConfigFileUsed()
	if source == "" {
		source = "(defaults)"
	}
	fmt.Printf("Config file:        %s\n", source)
	fmt.Printf("    Block size:     %d\n", config.BlockSize)
	fmt.Printf("    Read only:      %v\n", config.ReadOnly)
	fmt.Printf("    Sync on close:  %v\n", config.SyncOnClose)
	fmt.Printf("    Test data path: %s\n", config.TestDataPath)
	return nil
}

// Package main is the CLI entry point for devorch.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "devorch",
	Short: "Device orchestrator - runs scripts on CPU-pinned device processes",
	Long: `devorch starts one worker process per device, pins each to its own set
of CPU cores and runs automation scripts on them. A scheduler queues script
runs by priority, and devices report back over a local socket.`,
	Version:      Version,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Prints version, commit, and build time. Use --json for machine-readable output.`,
	RunE:  runVersion,
}

var (
	configPath string
	jsonOutput bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default <data_dir>/config.yaml)")
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(topologyCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(deviceCmd)
}

func runVersion(cmd *cobra.Command, args []string) error {
	if jsonOutput {
		return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]string{
			"version":    Version,
			"commit":     Commit,
			"build_time": BuildTime,
		})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "devorch %s (commit: %s, built: %s)\n", Version, Commit, BuildTime)
	return nil
}

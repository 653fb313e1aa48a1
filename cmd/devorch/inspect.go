package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/eliteGoblin/devorch/internal/config"
	"github.com/eliteGoblin/devorch/internal/cpu"
)

var topologyCmd = &cobra.Command{
	Use:   "topology",
	Short: "Show the detected CPU topology",
	Long:  `Detects physical and logical cores, and on hybrid CPUs which cores are performance or efficiency cores.`,
	RunE:  runTopology,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent script executions",
	Long:  `Reads the newest script outcomes from the encrypted history database.`,
	RunE:  runHistory,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long:  `Prints defaults merged with the config file and DEVORCH_* environment variables, as YAML.`,
	RunE:  runConfig,
}

var (
	topologyJSON  bool
	historyDevice string
	historyLimit  int
)

func init() {
	topologyCmd.Flags().BoolVar(&topologyJSON, "json", false, "Output topology as JSON")
	historyCmd.Flags().StringVar(&historyDevice, "device", "", "Only show executions of this device")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum number of executions")
}

func runTopology(cmd *cobra.Command, args []string) error {
	topo, err := cpu.NewDetector().Detect()
	if err != nil {
		return fmt.Errorf("failed to detect CPU topology: %w", err)
	}

	out := cmd.OutOrStdout()
	if topologyJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(topo)
	}

	fmt.Fprintf(out, "Physical cores: %d\n", topo.PhysicalCores)
	fmt.Fprintf(out, "Logical cores:  %d\n", topo.LogicalCores)
	fmt.Fprintf(out, "Hybrid:         %t\n\n", topo.IsHybrid)

	table := tablewriter.NewWriter(out)
	table.Header("Core", "Type", "Logical CPUs")
	for _, c := range topo.Cores {
		table.Append(fmt.Sprintf("%d", c.CoreID), string(c.Type), joinInts(c.LogicalIDs))
	}
	return table.Render()
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	store, err := openHistory(cfg.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.RecentExecutions(historyDevice, historyLimit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(records) == 0 {
		fmt.Fprintln(out, "No executions recorded")
		return nil
	}

	table := tablewriter.NewWriter(out)
	table.Header("Finished", "Script", "Device", "Result", "Duration", "Error")
	for _, r := range records {
		result := "failed"
		if r.Success {
			result = "success"
		}
		table.Append(
			r.FinishedAt.Local().Format(time.DateTime),
			r.ScriptID,
			r.DeviceID,
			result,
			(time.Duration(r.DurationMs) * time.Millisecond).String(),
			r.Error,
		)
	}
	return table.Render()
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	data, err := cfg.YAML()
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

func joinInts(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%d", id)
	}
	return strings.Join(parts, ",")
}

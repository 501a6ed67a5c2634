package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fleetwork",
		Short: "Fleetwork - Edge Fleet Work Orchestration Engine",
		Long: `Fleetwork drives jobs and image rollouts across fleets of poll-only
edge devices.

Features:
  - Staged percentage-batch rollouts with health gating
  - Automatic pause or rollback past a failure threshold
  - Poll-based dispatch, at most one active unit per device, idempotent re-delivery
  - Status ingest over HTTP and MQTT
  - Policy files with glob matching and hot reload`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "fleetwork.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newValidateCommand())

	return rootCmd
}

// Package main implements the Fleetwork device agent: a small binary that
// polls the orchestrator for work, executes it, and reports the outcome.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fleetwork/fleetwork/pkg/agent"
	"github.com/fleetwork/fleetwork/pkg/telemetry"
)

var (
	Version = "dev"
)

func main() {
	var (
		serverURL      string
		deviceID       string
		pollInterval   time.Duration
		rolloutCommand string
		logLevel       string
	)

	cmd := &cobra.Command{
		Use:     "fleetwork-agent",
		Short:   "Fleetwork device agent",
		Version: Version,
		Long: `The Fleetwork device agent polls the orchestrator for the device's
next unit of work, executes it through the local shell, and reports the
outcome. Firewalled devices need only outbound HTTP.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log, err := telemetry.NewLogger(telemetry.LoggingConfig{
				Level:  logLevel,
				Format: "console",
				Output: "stderr",
			})
			if err != nil {
				return fmt.Errorf("failed to initialize logging: %w", err)
			}

			a, err := agent.New(agent.Config{
				ServerURL:      serverURL,
				DeviceID:       deviceID,
				PollInterval:   pollInterval,
				RolloutCommand: rolloutCommand,
			}, log)
			if err != nil {
				return err
			}
			return a.Run(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "orchestrator base URL")
	cmd.Flags().StringVar(&deviceID, "device-id", "", "registry device id (required)")
	cmd.Flags().DurationVar(&pollInterval, "poll-interval", 15*time.Second, "idle poll cadence")
	cmd.Flags().StringVar(&rolloutCommand, "rollout-command", "", "shell command handling rollout units")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level")
	_ = cmd.MarkFlagRequired("device-id")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

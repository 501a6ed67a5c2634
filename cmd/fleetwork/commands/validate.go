package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fleetwork/fleetwork/pkg/config"
	"github.com/fleetwork/fleetwork/pkg/telemetry"
)

func newValidateCommand() *cobra.Command {
	var policyOnly bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the service config and policy file",
		Long: `Validate the service configuration and the referenced policy file
without starting the service.

Checks:
  - YAML syntax and required fields
  - policy strategy, batch percents, and failure threshold bounds
  - repository/tag glob patterns`,
		Example: `  # Validate the default config
  fleetwork validate

  # Validate a specific config
  fleetwork validate -c /etc/fleetwork/fleetwork.yaml

  # Validate only the policy file named by the config
  fleetwork validate --policies-only`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.LoadServiceConfig(configPath)
			if err != nil {
				return fmt.Errorf("config invalid: %w", err)
			}
			if !policyOnly {
				fmt.Printf("config ok: %s\n", configPath)
			}

			if _, err := config.NewPolicyStore(cfg.PolicyFile, telemetry.NewNopLogger()); err != nil {
				return fmt.Errorf("policy file invalid: %w", err)
			}
			fmt.Printf("policies ok: %s\n", cfg.PolicyFile)
			return nil
		},
	}

	cmd.Flags().BoolVar(&policyOnly, "policies-only", false, "validate only the policy file")

	return cmd
}

package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"pulumi-shared-alb/internal/topology"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the topology file and report every problem",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		plan, err := loadPlan()
		var ce *topology.ConfigError
		if errors.As(err, &ce) {
			out := cmd.ErrOrStderr()
			for _, p := range ce.Problems() {
				fmt.Fprintf(out, "  - %v\n", p)
			}
			return fmt.Errorf("%d configuration problems", len(ce.Problems()))
		}
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "topology %s is valid: %d services, %d path rules, %d zones, %d nat gateways\n",
			plan.Spec.Project, len(plan.Endpoints), len(plan.Routing.PathRules()),
			plan.Network.AvailabilityZoneCount, plan.Network.NatGatewayCount)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pulumi-shared-alb/internal/drift"
)

var (
	dnsName string
	region  string
)

var driftCmd = &cobra.Command{
	Use:   "drift",
	Short: "Compare the deployed load balancer with the plan",
	Long: `drift looks up the load balancer by the DNS name the stack exported
(pulumi stack output loadBalancerDns) and compares its listener, path rules,
target groups and public ingress with the plan. It exits non-zero when they
differ.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		plan, err := loadPlan()
		if err != nil {
			return err
		}
		checker, err := drift.NewFromConfig(cmd.Context(), region, logger)
		if err != nil {
			return err
		}
		report, err := checker.Check(cmd.Context(), plan, dnsName)
		if err != nil {
			return err
		}
		if err := yaml.NewEncoder(cmd.OutOrStdout()).Encode(report); err != nil {
			return err
		}
		if report.Drifted() {
			return fmt.Errorf("drift detected: %d findings", len(report.Findings))
		}
		return nil
	},
}

func init() {
	driftCmd.Flags().StringVar(&dnsName, "dns", "", "load balancer DNS name")
	driftCmd.Flags().StringVar(&region, "region", "", "AWS region (default from the AWS config chain)")
	cobra.CheckErr(driftCmd.MarkFlagRequired("dns"))
	rootCmd.AddCommand(driftCmd)
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var routeCmd = &cobra.Command{
	Use:   "route <path>...",
	Short: "Show which service the listener sends each request path to",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		plan, err := loadPlan()
		if err != nil {
			return err
		}
		for _, path := range args {
			rule := plan.Routing.Match(path)
			via := "default"
			if !rule.Default {
				via = fmt.Sprintf("priority %d", rule.Priority)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s (%s)\n", path, rule.Target.ServiceName, via)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(routeCmd)
}

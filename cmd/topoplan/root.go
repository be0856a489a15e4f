package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pulumi-shared-alb/internal/config"
	"pulumi-shared-alb/internal/logging"
	"pulumi-shared-alb/internal/topology"
)

var rootCmd = &cobra.Command{
	Use:   "topoplan",
	Short: "Inspect the shared load balancer topology without deploying it",
	Long: `topoplan reads the topology file used by the Pulumi program and works
on the plan built from it:
1. validate - report every configuration problem at once
2. plan     - print subnets, listener rules and the resource order
3. route    - show which service a request path reaches
4. drift    - compare the deployed load balancer with the plan`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var logger *logging.Logger

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	flags := rootCmd.PersistentFlags()
	flags.StringP("file", "f", config.DefaultFile, "topology file")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "text", "log format (text, json)")
	cobra.CheckErr(viper.BindPFlag("file", flags.Lookup("file")))
	cobra.CheckErr(viper.BindPFlag("log.level", flags.Lookup("log-level")))
	cobra.CheckErr(viper.BindPFlag("log.format", flags.Lookup("log-format")))
}

func initConfig() {
	viper.SetEnvPrefix("TOPOPLAN")
	viper.AutomaticEnv()
	logger = logging.NewLogger(viper.GetString("log.level"), viper.GetString("log.format"))
}

// loadPlan reads the topology file and builds its plan.
func loadPlan() (*topology.Plan, error) {
	path := viper.GetString("file")
	spec, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger.WithField("file", path).Debug("topology loaded")
	return topology.Build(*spec)
}

package main

import (
	"strconv"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pulumi-shared-alb/internal/topology"
)

type planView struct {
	Project       string          `yaml:"project"`
	LoadBalancer  string          `yaml:"loadBalancer"`
	Network       networkView     `yaml:"network"`
	Rules         []ruleView      `yaml:"rules"`
	Graph         []topology.Node `yaml:"graph"`
	ApplyOrder    []string        `yaml:"applyOrder"`
	TeardownOrder []string        `yaml:"teardownOrder"`
}

type networkView struct {
	CIDR           string   `yaml:"cidr"`
	PublicSubnets  []string `yaml:"publicSubnets"`
	PrivateSubnets []string `yaml:"privateSubnets"`
}

type ruleView struct {
	Priority    string   `yaml:"priority"`
	Paths       []string `yaml:"paths,omitempty"`
	Service     string   `yaml:"service"`
	TargetGroup string   `yaml:"targetGroup"`
	Port        int      `yaml:"port"`
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Print the planned network, listener rules and resource order as YAML",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		plan, err := loadPlan()
		if err != nil {
			return err
		}
		view, err := newPlanView(plan)
		if err != nil {
			return err
		}
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		if err := enc.Encode(view); err != nil {
			return err
		}
		return enc.Close()
	},
}

func newPlanView(plan *topology.Plan) (*planView, error) {
	view := &planView{
		Project:      plan.Spec.Project,
		LoadBalancer: plan.LinkURL(topology.Link{}, "<dns>"),
		Network:      networkView{CIDR: plan.Network.CIDR},
	}
	for _, s := range plan.Network.PublicSubnets {
		view.Network.PublicSubnets = append(view.Network.PublicSubnets, s.Name+" "+s.CIDR+" via "+s.Egress)
	}
	for _, s := range plan.Network.PrivateSubnets {
		view.Network.PrivateSubnets = append(view.Network.PrivateSubnets, s.Name+" "+s.CIDR+" via "+s.Egress)
	}
	for _, r := range plan.Routing.Rules {
		rv := ruleView{
			Priority:    "default",
			Paths:       r.PathPatterns,
			Service:     r.Target.ServiceName,
			TargetGroup: r.Target.TargetGroup,
			Port:        r.Target.ContainerPort,
		}
		if !r.Default {
			rv.Priority = strconv.Itoa(r.Priority)
		}
		view.Rules = append(view.Rules, rv)
	}

	apply, err := plan.Graph.ApplyOrder()
	if err != nil {
		return nil, err
	}
	for _, n := range apply {
		view.Graph = append(view.Graph, n)
		view.ApplyOrder = append(view.ApplyOrder, n.ID)
	}
	teardown, err := plan.Graph.TeardownOrder()
	if err != nil {
		return nil, err
	}
	for _, n := range teardown {
		view.TeardownOrder = append(view.TeardownOrder, n.ID)
	}
	return view, nil
}

func init() {
	rootCmd.AddCommand(planCmd)
}

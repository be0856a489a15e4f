package main

import (
	"fmt"
	"strings"

	"github.com/pulumi/pulumi-command/sdk/go/command/local"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"

	"pulumi-shared-alb/internal/topology"
)

// newSmokeCheck requests every service through the load balancer once the
// services are steady. A 5xx or no answer after the retries fails the
// update; any other status proves the route reaches a healthy target.
func newSmokeCheck(ctx *pulumi.Context, plan *topology.Plan, dnsName pulumi.StringOutput, opts ...pulumi.ResourceOption) (*local.Command, error) {
	paths := plan.SmokePaths()
	lines := []string{"set -e"}
	for _, svc := range sortedKeys(paths) {
		lines = append(lines, fmt.Sprintf(
			`code=$(curl -s -o /dev/null -w '%%{http_code}' --retry 12 --retry-delay 10 --retry-all-errors "$BASE_URL%s" || true); `+
				`case "$code" in 5*|000|"") echo "%s: got $code" >&2; exit 1;; esac`,
			paths[svc], svc))
	}

	lb := plan.Spec.LoadBalancer
	base := dnsName.ApplyT(func(dns string) string {
		return plan.LinkURL(topology.Link{}, dns)
	}).(pulumi.StringOutput)

	cmd, err := local.NewCommand(ctx, "smoke-check", &local.CommandArgs{
		Create:      pulumi.String(strings.Join(lines, "\n")),
		Environment: pulumi.StringMap{"BASE_URL": base},
		Triggers:    pulumi.Array{base, pulumi.Int(lb.PublicPort)},
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("Error creating smoke check: %w", err)
	}
	return cmd, nil
}

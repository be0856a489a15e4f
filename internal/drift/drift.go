// Package drift compares a deployed load balancer with the planned
// topology: listener, path rules, target groups and public ingress.
package drift

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	elbv2types "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"

	"pulumi-shared-alb/internal/logging"
	"pulumi-shared-alb/internal/topology"
)

type ELBv2API interface {
	DescribeLoadBalancers(ctx context.Context, params *elasticloadbalancingv2.DescribeLoadBalancersInput, optFns ...func(*elasticloadbalancingv2.Options)) (*elasticloadbalancingv2.DescribeLoadBalancersOutput, error)
	DescribeListeners(ctx context.Context, params *elasticloadbalancingv2.DescribeListenersInput, optFns ...func(*elasticloadbalancingv2.Options)) (*elasticloadbalancingv2.DescribeListenersOutput, error)
	DescribeRules(ctx context.Context, params *elasticloadbalancingv2.DescribeRulesInput, optFns ...func(*elasticloadbalancingv2.Options)) (*elasticloadbalancingv2.DescribeRulesOutput, error)
	DescribeTargetGroups(ctx context.Context, params *elasticloadbalancingv2.DescribeTargetGroupsInput, optFns ...func(*elasticloadbalancingv2.Options)) (*elasticloadbalancingv2.DescribeTargetGroupsOutput, error)
}

type EC2API interface {
	DescribeSecurityGroups(ctx context.Context, params *ec2.DescribeSecurityGroupsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error)
}

// Finding is one difference between the plan and the live load balancer.
type Finding struct {
	Resource string `yaml:"resource"`
	Expected string `yaml:"expected"`
	Actual   string `yaml:"actual"`
}

type Report struct {
	LoadBalancerArn string    `yaml:"loadBalancerArn"`
	Findings        []Finding `yaml:"findings"`
}

func (r *Report) Drifted() bool {
	return len(r.Findings) > 0
}

func (r *Report) add(resource, expected, actual string) {
	r.Findings = append(r.Findings, Finding{Resource: resource, Expected: expected, Actual: actual})
}

type Checker struct {
	elb    ELBv2API
	ec2    EC2API
	logger *logging.Logger
}

func NewChecker(elb ELBv2API, ec2Client EC2API, logger *logging.Logger) *Checker {
	return &Checker{elb: elb, ec2: ec2Client, logger: logger}
}

// NewFromConfig loads the default AWS credential chain for region.
func NewFromConfig(ctx context.Context, region string, logger *logging.Logger) (*Checker, error) {
	opts := []func(*config.LoadOptions) error{}
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewChecker(elasticloadbalancingv2.NewFromConfig(cfg), ec2.NewFromConfig(cfg), logger), nil
}

// Check finds the load balancer by DNS name and diffs it against plan.
func (c *Checker) Check(ctx context.Context, plan *topology.Plan, dnsName string) (*Report, error) {
	lb, err := c.findLoadBalancer(ctx, dnsName)
	if err != nil {
		return nil, err
	}
	report := &Report{LoadBalancerArn: aws.ToString(lb.LoadBalancerArn)}
	c.logger.WithField("arn", report.LoadBalancerArn).Debug("load balancer found")

	if err := c.checkIngress(ctx, plan, lb, report); err != nil {
		return nil, err
	}

	groups, err := c.targetGroups(ctx, report.LoadBalancerArn)
	if err != nil {
		return nil, err
	}
	tgArns := checkTargetGroups(plan, groups, report)

	listener, err := c.findListener(ctx, report.LoadBalancerArn, plan.Spec.LoadBalancer.PublicPort)
	if err != nil {
		return nil, err
	}
	if listener == nil {
		report.add("listener", fmt.Sprintf("port %d", plan.Spec.LoadBalancer.PublicPort), "missing")
		return report, nil
	}
	if got, want := string(listener.Protocol), plan.Spec.LoadBalancer.Protocol(); got != want {
		report.add("listener", "protocol "+want, "protocol "+got)
	}

	rules, err := c.rules(ctx, aws.ToString(listener.ListenerArn))
	if err != nil {
		return nil, err
	}
	checkRules(plan, rules, tgArns, report)

	c.logger.WithField("findings", len(report.Findings)).Info("drift check finished")
	return report, nil
}

func (c *Checker) findLoadBalancer(ctx context.Context, dnsName string) (*elbv2types.LoadBalancer, error) {
	pages := elasticloadbalancingv2.NewDescribeLoadBalancersPaginator(c.elb, &elasticloadbalancingv2.DescribeLoadBalancersInput{})
	for pages.HasMorePages() {
		out, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to describe load balancers: %w", err)
		}
		for i := range out.LoadBalancers {
			if strings.EqualFold(aws.ToString(out.LoadBalancers[i].DNSName), dnsName) {
				return &out.LoadBalancers[i], nil
			}
		}
	}
	return nil, fmt.Errorf("no load balancer with DNS name %s", dnsName)
}

func (c *Checker) checkIngress(ctx context.Context, plan *topology.Plan, lb *elbv2types.LoadBalancer, report *Report) error {
	if len(lb.SecurityGroups) == 0 {
		report.add("security-group", "public ingress", "no security groups attached")
		return nil
	}
	var groups []ec2types.SecurityGroup
	pages := ec2.NewDescribeSecurityGroupsPaginator(c.ec2, &ec2.DescribeSecurityGroupsInput{
		GroupIds: lb.SecurityGroups,
	})
	for pages.HasMorePages() {
		out, err := pages.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("failed to describe security groups: %w", err)
		}
		groups = append(groups, out.SecurityGroups...)
	}

	want := int32(plan.Spec.LoadBalancer.PublicPort)
	found := false
	for _, sg := range groups {
		for _, perm := range sg.IpPermissions {
			world := openToWorld(perm)
			if world == "" {
				continue
			}
			if aws.ToString(perm.IpProtocol) == "tcp" && aws.ToInt32(perm.FromPort) == want && aws.ToInt32(perm.ToPort) == want {
				found = true
				continue
			}
			report.add("security-group/"+aws.ToString(sg.GroupId),
				"no public ingress besides port "+strconv.Itoa(int(want)),
				fmt.Sprintf("%s %d-%d open to %s", aws.ToString(perm.IpProtocol), aws.ToInt32(perm.FromPort), aws.ToInt32(perm.ToPort), world))
		}
	}
	if !found {
		report.add("security-group", fmt.Sprintf("tcp %d open to the internet", want), "missing")
	}
	return nil
}

// openToWorld returns the public range a permission admits, IPv4 or
// IPv6, or "" when it admits neither.
func openToWorld(perm ec2types.IpPermission) string {
	for _, r := range perm.IpRanges {
		if aws.ToString(r.CidrIp) == "0.0.0.0/0" {
			return "0.0.0.0/0"
		}
	}
	for _, r := range perm.Ipv6Ranges {
		if aws.ToString(r.CidrIpv6) == "::/0" {
			return "::/0"
		}
	}
	return ""
}

func (c *Checker) targetGroups(ctx context.Context, lbArn string) ([]elbv2types.TargetGroup, error) {
	var groups []elbv2types.TargetGroup
	pages := elasticloadbalancingv2.NewDescribeTargetGroupsPaginator(c.elb, &elasticloadbalancingv2.DescribeTargetGroupsInput{
		LoadBalancerArn: aws.String(lbArn),
	})
	for pages.HasMorePages() {
		out, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to describe target groups: %w", err)
		}
		groups = append(groups, out.TargetGroups...)
	}
	return groups, nil
}

// checkTargetGroups matches live groups to endpoints by name prefix, since
// the provisioning engine appends a random suffix, and returns the ARN of
// each service's group.
func checkTargetGroups(plan *topology.Plan, groups []elbv2types.TargetGroup, report *Report) map[string]string {
	arns := map[string]string{}
	for _, ep := range plan.Endpoints {
		var live *elbv2types.TargetGroup
		for i := range groups {
			if autonamed(aws.ToString(groups[i].TargetGroupName), ep.TargetGroup) {
				live = &groups[i]
				break
			}
		}
		res := "target-group/" + ep.TargetGroup
		if live == nil {
			report.add(res, "present", "missing")
			continue
		}
		arns[ep.ServiceName] = aws.ToString(live.TargetGroupArn)
		if got := int(aws.ToInt32(live.Port)); got != ep.ContainerPort {
			report.add(res, fmt.Sprintf("port %d", ep.ContainerPort), fmt.Sprintf("port %d", got))
		}
		if got := aws.ToString(live.HealthCheckPath); got != ep.HealthCheckPath {
			report.add(res, "health check "+ep.HealthCheckPath, "health check "+got)
		}
		if live.Matcher != nil {
			if got := aws.ToString(live.Matcher.HttpCode); got != ep.HealthCheckCodes {
				report.add(res, "success codes "+ep.HealthCheckCodes, "success codes "+got)
			}
		}
	}
	return arns
}

// autonamed reports whether name is base with the engine's random suffix,
// a dash and seven characters.
func autonamed(name, base string) bool {
	return name == base || (strings.HasPrefix(name, base+"-") && len(name) == len(base)+8)
}

func (c *Checker) findListener(ctx context.Context, lbArn string, port int) (*elbv2types.Listener, error) {
	pages := elasticloadbalancingv2.NewDescribeListenersPaginator(c.elb, &elasticloadbalancingv2.DescribeListenersInput{
		LoadBalancerArn: aws.String(lbArn),
	})
	for pages.HasMorePages() {
		out, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to describe listeners: %w", err)
		}
		for i := range out.Listeners {
			if int(aws.ToInt32(out.Listeners[i].Port)) == port {
				return &out.Listeners[i], nil
			}
		}
	}
	return nil, nil
}

func (c *Checker) rules(ctx context.Context, listenerArn string) ([]elbv2types.Rule, error) {
	var rules []elbv2types.Rule
	pages := elasticloadbalancingv2.NewDescribeRulesPaginator(c.elb, &elasticloadbalancingv2.DescribeRulesInput{
		ListenerArn: aws.String(listenerArn),
	})
	for pages.HasMorePages() {
		out, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to describe rules: %w", err)
		}
		rules = append(rules, out.Rules...)
	}
	return rules, nil
}

func checkRules(plan *topology.Plan, rules []elbv2types.Rule, tgArns map[string]string, report *Report) {
	live := map[string]elbv2types.Rule{}
	for _, r := range rules {
		live[aws.ToString(r.Priority)] = r
	}

	for _, want := range plan.Routing.Rules {
		prio := "default"
		if !want.Default {
			prio = strconv.Itoa(want.Priority)
		}
		res := "rule/" + prio
		got, ok := live[prio]
		if !ok {
			report.add(res, describe(want.PathPatterns, want.Target.TargetGroup), "missing")
			continue
		}
		delete(live, prio)

		if !want.Default {
			if patterns := pathPatterns(got); !equalSorted(patterns, want.PathPatterns) {
				report.add(res, "paths "+strings.Join(want.PathPatterns, ","), "paths "+strings.Join(patterns, ","))
			}
		}
		if arn, ok := tgArns[want.Target.ServiceName]; ok && forwardTarget(got) != arn {
			report.add(res, "forward to "+arn, "forward to "+forwardTarget(got))
		}
	}

	for _, prio := range sortedKeys(live) {
		r := live[prio]
		report.add("rule/"+prio, "absent", describe(pathPatterns(r), forwardTarget(r)))
	}
}

func pathPatterns(r elbv2types.Rule) []string {
	var out []string
	for _, cond := range r.Conditions {
		if aws.ToString(cond.Field) != "path-pattern" {
			continue
		}
		if cond.PathPatternConfig != nil {
			out = append(out, cond.PathPatternConfig.Values...)
		} else {
			out = append(out, cond.Values...)
		}
	}
	return out
}

func forwardTarget(r elbv2types.Rule) string {
	for _, a := range r.Actions {
		if a.Type != elbv2types.ActionTypeEnumForward {
			continue
		}
		if a.TargetGroupArn != nil {
			return aws.ToString(a.TargetGroupArn)
		}
		if a.ForwardConfig != nil && len(a.ForwardConfig.TargetGroups) == 1 {
			return aws.ToString(a.ForwardConfig.TargetGroups[0].TargetGroupArn)
		}
	}
	return ""
}

func describe(patterns []string, target string) string {
	if len(patterns) == 0 {
		return "forward to " + target
	}
	return fmt.Sprintf("paths %s forward to %s", strings.Join(patterns, ","), target)
}

func equalSorted(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	a = append([]string(nil), a...)
	b = append([]string(nil), b...)
	sort.Strings(a)
	sort.Strings(b)
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

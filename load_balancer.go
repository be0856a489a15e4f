package main

import (
	"fmt"

	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/ec2"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/lb"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"

	"pulumi-shared-alb/internal/topology"
)

const tls13Policy = "ELBSecurityPolicy-TLS13-1-2-2021-06"

type LoadBalancerArgs struct {
	spec    topology.LoadBalancerSpec
	network *Network
	tags    pulumi.StringMap
}

// LoadBalancer is the single internet-facing ALB shared by every service.
// Target groups and rules are added one at a time so that each service
// owns distinct resources.
type LoadBalancer struct {
	spec         topology.LoadBalancerSpec
	network      *Network
	tags         pulumi.StringMap
	sg           *ec2.SecurityGroup
	alb          *lb.LoadBalancer
	listener     *lb.Listener
	targetGroups map[string]*lb.TargetGroup
	rules        map[string]*lb.ListenerRule
}

func newLoadBalancer(args LoadBalancerArgs) *LoadBalancer {
	return &LoadBalancer{
		spec:         args.spec,
		network:      args.network,
		tags:         args.tags,
		targetGroups: map[string]*lb.TargetGroup{},
		rules:        map[string]*lb.ListenerRule{},
	}
}

func (l *LoadBalancer) createSecurityGroup(ctx *pulumi.Context, opts ...pulumi.ResourceOption) error {
	var err error
	l.sg, err = ec2.NewSecurityGroup(ctx, "alb-sg", &ec2.SecurityGroupArgs{
		Description:         pulumi.String("Public ingress to the shared load balancer"),
		VpcId:               l.network.vpc.ID(),
		Ingress:             ingressFromAnywhere(l.spec.PublicPort),
		Egress:              egressAll(),
		RevokeRulesOnDelete: pulumi.Bool(true),
		Tags:                l.tags,
	}, opts...)
	if err != nil {
		return fmt.Errorf("Error creating load balancer security group: %w", err)
	}
	return nil
}

func (l *LoadBalancer) createLoadBalancer(ctx *pulumi.Context, opts ...pulumi.ResourceOption) error {
	var err error
	l.alb, err = lb.NewLoadBalancer(ctx, "alb", &lb.LoadBalancerArgs{
		Internal:         pulumi.Bool(false),
		LoadBalancerType: pulumi.String("application"),
		SecurityGroups:   pulumi.StringArray{l.sg.ID()},
		Subnets:          l.network.PublicSubnetIds(),
		IdleTimeout:      pulumi.Int(l.spec.IdleTimeoutSeconds),
		Tags:             l.tags,
	}, opts...)
	if err != nil {
		return fmt.Errorf("Error creating load balancer: %w", err)
	}
	return nil
}

func (l *LoadBalancer) createTargetGroup(ctx *pulumi.Context, ep topology.ServiceEndpoint, opts ...pulumi.ResourceOption) (*lb.TargetGroup, error) {
	tg, err := lb.NewTargetGroup(ctx, ep.TargetGroup, &lb.TargetGroupArgs{
		TargetType: pulumi.String("ip"),
		Protocol:   pulumi.String("HTTP"),
		Port:       pulumi.Int(ep.ContainerPort),
		VpcId:      l.network.vpc.ID(),
		HealthCheck: &lb.TargetGroupHealthCheckArgs{
			Enabled:            pulumi.Bool(true),
			Path:               pulumi.String(ep.HealthCheckPath),
			Matcher:            pulumi.String(ep.HealthCheckCodes),
			Protocol:           pulumi.String("HTTP"),
			Interval:           pulumi.Int(30),
			Timeout:            pulumi.Int(5),
			HealthyThreshold:   pulumi.Int(2),
			UnhealthyThreshold: pulumi.Int(3),
		},
		Tags: l.tags,
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("Error creating target group for %s: %w", ep.ServiceName, err)
	}
	l.targetGroups[ep.ServiceName] = tg
	return tg, nil
}

// createListener opens the public port. Requests no rule claims fall
// through to the default service.
func (l *LoadBalancer) createListener(ctx *pulumi.Context, def topology.RoutingRule, opts ...pulumi.ResourceOption) error {
	args := &lb.ListenerArgs{
		LoadBalancerArn: l.alb.Arn,
		Port:            pulumi.Int(l.spec.PublicPort),
		Protocol:        pulumi.String(l.spec.Protocol()),
		DefaultActions: lb.ListenerDefaultActionArray{
			lb.ListenerDefaultActionArgs{
				Type:           pulumi.String("forward"),
				TargetGroupArn: l.targetGroups[def.Target.ServiceName].Arn,
			},
		},
		Tags: l.tags,
	}
	if l.spec.CertificateArn != "" {
		args.CertificateArn = pulumi.String(l.spec.CertificateArn)
		args.SslPolicy = pulumi.String(tls13Policy)
	}

	var err error
	l.listener, err = lb.NewListener(ctx, "listener", args, withOptions(opts, pulumi.Parent(l.alb))...)
	if err != nil {
		return fmt.Errorf("Error creating listener: %w", err)
	}
	return nil
}

func (l *LoadBalancer) createRule(ctx *pulumi.Context, rule topology.RoutingRule, opts ...pulumi.ResourceOption) (*lb.ListenerRule, error) {
	svc := rule.Target.ServiceName
	r, err := lb.NewListenerRule(ctx, svc+"-rule", &lb.ListenerRuleArgs{
		ListenerArn: l.listener.Arn,
		Priority:    pulumi.Int(rule.Priority),
		Actions: lb.ListenerRuleActionArray{
			lb.ListenerRuleActionArgs{
				Type:           pulumi.String("forward"),
				TargetGroupArn: l.targetGroups[svc].Arn,
			},
		},
		Conditions: lb.ListenerRuleConditionArray{
			lb.ListenerRuleConditionArgs{
				PathPattern: &lb.ListenerRuleConditionPathPatternArgs{
					Values: pulumi.ToStringArray(rule.PathPatterns),
				},
			},
		},
		Tags: l.tags,
	}, withOptions(opts, pulumi.Parent(l.listener))...)
	if err != nil {
		return nil, fmt.Errorf("Error creating listener rule for %s: %w", svc, err)
	}
	l.rules[svc] = r
	return r, nil
}

func (l *LoadBalancer) DnsName() pulumi.StringOutput {
	return l.alb.DnsName
}

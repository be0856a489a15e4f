package main

import (
	"fmt"

	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/ecs"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"

	"pulumi-shared-alb/internal/logging"
	"pulumi-shared-alb/internal/topology"
)

type Options struct {
	SmokeCheck bool
	LogLevel   string
}

// deployment walks the plan graph and keeps, per node, the resources its
// dependents must wait for.
type deployment struct {
	plan  *topology.Plan
	opts  Options
	log   *logging.Logger
	tags  pulumi.StringMap
	zones []string

	network      *Network
	cluster      *ecs.Cluster
	loadBalancer *LoadBalancer
	services     map[string]*EcsService
	resources    map[string][]pulumi.Resource
}

// run validates the topology, then describes every resource in graph
// order. A configuration error returns before any resource is registered.
func run(ctx *pulumi.Context, spec topology.Spec, opts Options) error {
	log := logging.ForPulumi(ctx, opts.LogLevel)

	plan, err := topology.Build(spec)
	if err != nil {
		return err
	}
	zones, err := availabilityZones(ctx, plan.Network.AvailabilityZoneCount)
	if err != nil {
		return err
	}
	log.WithField("zones", zones).WithField("nats", plan.Network.NatGatewayCount).Info("topology planned")

	d := &deployment{
		plan:  plan,
		opts:  opts,
		log:   log,
		zones: zones,
		tags: pulumi.StringMap{
			"Project":   pulumi.String(plan.Spec.Project),
			"ManagedBy": pulumi.String("pulumi"),
		},
		services:  map[string]*EcsService{},
		resources: map[string][]pulumi.Resource{},
	}
	return d.apply(ctx)
}

func (d *deployment) apply(ctx *pulumi.Context) error {
	order, err := d.plan.Graph.ApplyOrder()
	if err != nil {
		return err
	}
	for _, node := range order {
		d.log.WithField("node", node.ID).Debug("describing")
		created, err := d.describe(ctx, node, pulumi.DependsOn(d.dependsOn(node)))
		if err != nil {
			return fmt.Errorf("%s: %w", node.ID, err)
		}
		d.resources[node.ID] = created
	}
	return nil
}

func (d *deployment) dependsOn(node topology.Node) []pulumi.Resource {
	var deps []pulumi.Resource
	for _, id := range node.DependsOn {
		deps = append(deps, d.resources[id]...)
	}
	return deps
}

func (d *deployment) describe(ctx *pulumi.Context, node topology.Node, opts ...pulumi.ResourceOption) ([]pulumi.Resource, error) {
	var err error
	switch node.Kind {
	case topology.KindNetwork:
		d.network, err = NewNetwork(ctx, NetworkArgs{
			topology: d.plan.Network,
			zones:    d.zones,
			tags:     d.tags,
		}, opts...)
		if err != nil {
			return nil, err
		}
		d.loadBalancer = newLoadBalancer(LoadBalancerArgs{
			spec:    d.plan.Spec.LoadBalancer,
			network: d.network,
			tags:    d.tags,
		})
		return d.network.Resources(), nil

	case topology.KindCluster:
		d.cluster, err = NewCluster(ctx, d.plan.Spec.Project, d.tags, opts...)
		if err != nil {
			return nil, err
		}
		return []pulumi.Resource{d.cluster}, nil

	case topology.KindSecurityGroup:
		if err := d.loadBalancer.createSecurityGroup(ctx, opts...); err != nil {
			return nil, err
		}
		return []pulumi.Resource{d.loadBalancer.sg}, nil

	case topology.KindLoadBalancer:
		if err := d.loadBalancer.createLoadBalancer(ctx, opts...); err != nil {
			return nil, err
		}
		return []pulumi.Resource{d.loadBalancer.alb}, nil

	case topology.KindTargetGroup:
		ep, ok := d.plan.Endpoint(node.Service)
		if !ok {
			return nil, fmt.Errorf("no endpoint planned for %s", node.Service)
		}
		tg, err := d.loadBalancer.createTargetGroup(ctx, ep, opts...)
		if err != nil {
			return nil, err
		}
		return []pulumi.Resource{tg}, nil

	case topology.KindListener:
		if err := d.loadBalancer.createListener(ctx, d.plan.Routing.Default(), opts...); err != nil {
			return nil, err
		}
		return []pulumi.Resource{d.loadBalancer.listener}, nil

	case topology.KindListenerRule:
		rule, ok := d.plan.Routing.RuleFor(node.Service)
		if !ok {
			return nil, fmt.Errorf("no routing rule planned for %s", node.Service)
		}
		r, err := d.loadBalancer.createRule(ctx, rule, opts...)
		if err != nil {
			return nil, err
		}
		return []pulumi.Resource{r}, nil

	case topology.KindService:
		return d.describeService(ctx, node, opts...)

	case topology.KindOutput:
		return d.describeOutput(ctx, node)
	}
	return nil, fmt.Errorf("unknown node kind %q", node.Kind)
}

func (d *deployment) describeService(ctx *pulumi.Context, node topology.Node, opts ...pulumi.ResourceOption) ([]pulumi.Resource, error) {
	desc, ok := d.plan.Service(node.Service)
	if !ok {
		return nil, fmt.Errorf("no descriptor for %s", node.Service)
	}
	log := d.log.WithService(desc.Name)
	for _, env := range sortedKeys(desc.Secrets) {
		log.WithField("env", env).Debugf("secret from %s", desc.Secrets[env])
	}

	svc, err := NewEcsService(ctx, EcsServiceArgs{
		descriptor:    desc,
		links:         d.plan.Links(desc.Name),
		linkURL:       d.plan.LinkURL,
		retentionDays: d.plan.Spec.LogRetentionDays,
		network:       d.network,
		cluster:       d.cluster,
		loadBalancer:  d.loadBalancer,
		tags:          d.tags,
	}, opts...)
	if err != nil {
		return nil, err
	}
	d.services[desc.Name] = svc
	log.WithField("port", desc.ContainerPort).Info("service described")
	return svc.Resources(), nil
}

// describeOutput exports the load balancer DNS name. The value resolves
// only after every service it depends on exists, so it never advertises a
// load balancer with nothing behind it.
func (d *deployment) describeOutput(ctx *pulumi.Context, node topology.Node) ([]pulumi.Resource, error) {
	deps := d.dependsOn(node)
	ready := []interface{}{d.loadBalancer.DnsName()}
	for _, name := range sortedKeys(d.services) {
		ready = append(ready, d.services[name].service.ID())
	}
	dns := pulumi.All(ready...).ApplyT(func(args []interface{}) string {
		return args[0].(string)
	}).(pulumi.StringOutput)

	var created []pulumi.Resource
	if d.opts.SmokeCheck {
		cmd, err := newSmokeCheck(ctx, d.plan, d.loadBalancer.DnsName(), pulumi.DependsOn(deps))
		if err != nil {
			return nil, err
		}
		created = append(created, cmd)
	}
	ctx.Export(topology.OutputLoadBalancerDNS, dns)
	return created, nil
}

func withOptions(opts []pulumi.ResourceOption, more ...pulumi.ResourceOption) []pulumi.ResourceOption {
	out := make([]pulumi.ResourceOption, 0, len(opts)+len(more))
	out = append(out, opts...)
	return append(out, more...)
}

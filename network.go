package main

import (
	"fmt"

	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/ec2"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/ecs"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"

	"pulumi-shared-alb/internal/topology"
)

type NetworkArgs struct {
	topology *topology.NetworkTopology
	zones    []string
	tags     pulumi.StringMap
}

type Network struct {
	vpc            *ec2.Vpc
	igw            *ec2.InternetGateway
	publicSubnets  []*ec2.Subnet
	privateSubnets []*ec2.Subnet
	natGateways    map[string]*ec2.NatGateway

	// public holds what the load balancer needs: public subnets routed to
	// the internet gateway. egress holds the private NAT routes.
	public []pulumi.Resource
	egress []pulumi.Resource
}

// availabilityZones returns the first n available zones of the region.
func availabilityZones(ctx *pulumi.Context, n int) ([]string, error) {
	azs, err := aws.GetAvailabilityZones(ctx, &aws.GetAvailabilityZonesArgs{
		State: pulumi.StringRef("available"),
	})
	if err != nil {
		return nil, fmt.Errorf("Error looking up availability zones: %w", err)
	}
	if len(azs.Names) < n {
		return nil, fmt.Errorf("region offers %d availability zones, %d requested", len(azs.Names), n)
	}
	return azs.Names[:n], nil
}

func NewNetwork(ctx *pulumi.Context, args NetworkArgs, opts ...pulumi.ResourceOption) (*Network, error) {
	var err error
	topo := args.topology
	network := &Network{natGateways: map[string]*ec2.NatGateway{}}

	network.vpc, err = ec2.NewVpc(ctx, "vpc", &ec2.VpcArgs{
		CidrBlock:          pulumi.String(topo.CIDR),
		EnableDnsHostnames: pulumi.Bool(true),
		EnableDnsSupport:   pulumi.Bool(true),
		Tags:               args.tags,
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("Error creating vpc: %w", err)
	}
	parent := pulumi.Parent(network.vpc)

	network.igw, err = ec2.NewInternetGateway(ctx, "igw", &ec2.InternetGatewayArgs{
		VpcId: network.vpc.ID(),
		Tags:  args.tags,
	}, parent)
	if err != nil {
		return nil, fmt.Errorf("Error creating internet gateway: %w", err)
	}

	publicRt, err := ec2.NewRouteTable(ctx, "public-rt", &ec2.RouteTableArgs{
		VpcId: network.vpc.ID(),
		Tags:  args.tags,
	}, parent)
	if err != nil {
		return nil, fmt.Errorf("Error creating public route table: %w", err)
	}
	publicRoute, err := ec2.NewRoute(ctx, "public-default-route", &ec2.RouteArgs{
		RouteTableId:         publicRt.ID(),
		DestinationCidrBlock: pulumi.String("0.0.0.0/0"),
		GatewayId:            network.igw.ID(),
	}, pulumi.Parent(publicRt))
	if err != nil {
		return nil, fmt.Errorf("Error creating public route: %w", err)
	}
	network.public = append(network.public, publicRoute)

	publicByName := map[string]*ec2.Subnet{}
	for _, s := range topo.PublicSubnets {
		subnet, err := network.newSubnet(ctx, s, args, parent)
		if err != nil {
			return nil, err
		}
		assoc, err := ec2.NewRouteTableAssociation(ctx, s.Name+"-rta", &ec2.RouteTableAssociationArgs{
			RouteTableId: publicRt.ID(),
			SubnetId:     subnet.ID(),
		}, pulumi.Parent(publicRt))
		if err != nil {
			return nil, fmt.Errorf("Error associating %s: %w", s.Name, err)
		}
		publicByName[s.Name] = subnet
		network.publicSubnets = append(network.publicSubnets, subnet)
		network.public = append(network.public, subnet, assoc)
	}

	for _, n := range topo.NatGateways {
		eip, err := ec2.NewEip(ctx, n.Name+"-eip", &ec2.EipArgs{
			Domain: pulumi.String("vpc"),
			Tags:   args.tags,
		}, parent, pulumi.DependsOn([]pulumi.Resource{network.igw}))
		if err != nil {
			return nil, fmt.Errorf("Error creating elastic ip for %s: %w", n.Name, err)
		}
		nat, err := ec2.NewNatGateway(ctx, n.Name, &ec2.NatGatewayArgs{
			AllocationId: eip.ID(),
			SubnetId:     publicByName[n.PublicSubnet].ID(),
			Tags:         args.tags,
		}, parent, pulumi.DependsOn([]pulumi.Resource{publicRoute}))
		if err != nil {
			return nil, fmt.Errorf("Error creating nat gateway %s: %w", n.Name, err)
		}
		network.natGateways[n.Name] = nat
	}

	privateRts := map[string]*ec2.RouteTable{}
	for _, n := range topo.NatGateways {
		rt, err := ec2.NewRouteTable(ctx, n.Name+"-rt", &ec2.RouteTableArgs{
			VpcId: network.vpc.ID(),
			Tags:  args.tags,
		}, parent)
		if err != nil {
			return nil, fmt.Errorf("Error creating route table for %s: %w", n.Name, err)
		}
		route, err := ec2.NewRoute(ctx, n.Name+"-default-route", &ec2.RouteArgs{
			RouteTableId:         rt.ID(),
			DestinationCidrBlock: pulumi.String("0.0.0.0/0"),
			NatGatewayId:         network.natGateways[n.Name].ID(),
		}, pulumi.Parent(rt))
		if err != nil {
			return nil, fmt.Errorf("Error creating route through %s: %w", n.Name, err)
		}
		privateRts[n.Name] = rt
		network.egress = append(network.egress, route)
	}

	for _, s := range topo.PrivateSubnets {
		subnet, err := network.newSubnet(ctx, s, args, parent)
		if err != nil {
			return nil, err
		}
		rt := privateRts[s.Egress]
		assoc, err := ec2.NewRouteTableAssociation(ctx, s.Name+"-rta", &ec2.RouteTableAssociationArgs{
			RouteTableId: rt.ID(),
			SubnetId:     subnet.ID(),
		}, pulumi.Parent(rt))
		if err != nil {
			return nil, fmt.Errorf("Error associating %s: %w", s.Name, err)
		}
		network.privateSubnets = append(network.privateSubnets, subnet)
		network.egress = append(network.egress, subnet, assoc)
	}

	return network, nil
}

func (n *Network) newSubnet(ctx *pulumi.Context, s topology.Subnet, args NetworkArgs, opts ...pulumi.ResourceOption) (*ec2.Subnet, error) {
	subnet, err := ec2.NewSubnet(ctx, s.Name+"-subnet", &ec2.SubnetArgs{
		VpcId:               n.vpc.ID(),
		CidrBlock:           pulumi.String(s.CIDR),
		AvailabilityZone:    pulumi.String(args.zones[s.Zone]),
		MapPublicIpOnLaunch: pulumi.Bool(s.Public),
		Tags:                args.tags,
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("Error creating subnet %s: %w", s.Name, err)
	}
	return subnet, nil
}

func (n *Network) PublicSubnetIds() pulumi.StringArray {
	return subnetIds(n.publicSubnets)
}

func (n *Network) PrivateSubnetIds() pulumi.StringArray {
	return subnetIds(n.privateSubnets)
}

// Resources is everything a dependent of the network node waits for.
func (n *Network) Resources() []pulumi.Resource {
	out := []pulumi.Resource{n.vpc}
	out = append(out, n.public...)
	return append(out, n.egress...)
}

func subnetIds(subnets []*ec2.Subnet) pulumi.StringArray {
	ids := pulumi.StringArray{}
	for _, s := range subnets {
		ids = append(ids, s.ID().ToStringOutput())
	}
	return ids
}

// NewCluster leaves the physical name to the engine, so stacks sharing an
// account never adopt each other's cluster.
func NewCluster(ctx *pulumi.Context, name string, tags pulumi.StringMap, opts ...pulumi.ResourceOption) (*ecs.Cluster, error) {
	cluster, err := ecs.NewCluster(ctx, name, &ecs.ClusterArgs{
		Settings: ecs.ClusterSettingArray{
			ecs.ClusterSettingArgs{
				Name:  pulumi.String("containerInsights"),
				Value: pulumi.String("enabled"),
			},
		},
		Tags: tags,
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("Error creating cluster: %w", err)
	}
	return cluster, nil
}

func egressAll() ec2.SecurityGroupEgressArray {
	return ec2.SecurityGroupEgressArray{
		ec2.SecurityGroupEgressArgs{
			CidrBlocks:  pulumi.ToStringArray([]string{"0.0.0.0/0"}),
			Description: pulumi.String("Egress all"),
			Protocol:    pulumi.String("-1"),
			FromPort:    pulumi.Int(0),
			ToPort:      pulumi.Int(0),
		},
	}
}

func ingress(port int, sg ...*ec2.SecurityGroup) ec2.SecurityGroupIngressArray {
	sgs := pulumi.StringArray{}
	for i := range sg {
		sgs = append(sgs, sg[i].ID())
	}
	return ec2.SecurityGroupIngressArray{
		ec2.SecurityGroupIngressArgs{
			FromPort:       pulumi.Int(port),
			ToPort:         pulumi.Int(port),
			Protocol:       pulumi.String("tcp"),
			SecurityGroups: sgs,
		},
	}
}

func ingressFromAnywhere(port int) ec2.SecurityGroupIngressArray {
	return ec2.SecurityGroupIngressArray{
		ec2.SecurityGroupIngressArgs{
			FromPort:    pulumi.Int(port),
			ToPort:      pulumi.Int(port),
			Protocol:    pulumi.String("tcp"),
			CidrBlocks:  pulumi.ToStringArray([]string{"0.0.0.0/0"}),
			Description: pulumi.Sprintf("Public traffic on %d", port),
		},
	}
}

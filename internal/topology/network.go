package topology

import (
	"fmt"
	"net"

	"github.com/apparentlymart/go-cidr/cidr"
)

const (
	// MinAvailabilityZones is the smallest zone count an application load
	// balancer accepts.
	MinAvailabilityZones = 2
	MaxAvailabilityZones = 6

	DefaultVpcCIDR = "10.0.0.0/16"

	// InternetGateway is the egress name of every public subnet.
	InternetGateway = "igw"

	// subnetSlots is how many equally sized subnets the VPC range is cut
	// into. Public subnets take the lower half and private subnets the
	// upper half, so adding a zone never renumbers an existing subnet.
	subnetSlots   = 16
	subnetNewBits = 4
)

// NetworkSpec is the operator-facing shape of the network layer.
type NetworkSpec struct {
	AvailabilityZones int    `yaml:"azCount"`
	NatGateways       int    `yaml:"natCount"`
	CIDR              string `yaml:"cidr,omitempty"`
}

// Subnet is one planned subnet. Egress names the gateway its default route
// points at: InternetGateway for public subnets, a NAT gateway otherwise.
type Subnet struct {
	Name   string
	Zone   int
	CIDR   string
	Public bool
	Egress string
}

// NatGateway is one planned NAT gateway and the public subnet hosting it.
type NatGateway struct {
	Name         string
	Zone         int
	PublicSubnet string
}

// NetworkTopology is the planned VPC layout: one public and one private
// subnet per zone, private subnets spread round-robin over the NATs.
type NetworkTopology struct {
	AvailabilityZoneCount int
	NatGatewayCount       int
	CIDR                  string
	PublicSubnets         []Subnet
	PrivateSubnets        []Subnet
	NatGateways           []NatGateway
}

func (n NetworkSpec) withDefaults() NetworkSpec {
	if n.AvailabilityZones == 0 {
		n.AvailabilityZones = MinAvailabilityZones
	}
	if n.NatGateways == 0 {
		n.NatGateways = 1
	}
	if n.CIDR == "" {
		n.CIDR = DefaultVpcCIDR
	}
	return n
}

// PlanNetwork validates the zone and NAT counts and lays out the subnets.
// Nothing is planned when the counts are invalid.
func PlanNetwork(spec NetworkSpec) (*NetworkTopology, error) {
	spec = spec.withDefaults()

	var p problems
	if spec.AvailabilityZones < MinAvailabilityZones || spec.AvailabilityZones > MaxAvailabilityZones {
		p.add("network: availability zone count %d must be between %d and %d",
			spec.AvailabilityZones, MinAvailabilityZones, MaxAvailabilityZones)
	}
	if spec.NatGateways < 1 || spec.NatGateways > spec.AvailabilityZones {
		p.add("network: nat gateway count %d must be between 1 and the zone count %d",
			spec.NatGateways, spec.AvailabilityZones)
	}
	ip, vpc, err := net.ParseCIDR(spec.CIDR)
	if err != nil || ip.To4() == nil {
		p.add("network: %q is not an IPv4 CIDR", spec.CIDR)
	} else if ones, _ := vpc.Mask.Size(); ones+subnetNewBits > 28 {
		p.add("network: %s is too small to hold %d subnets", spec.CIDR, subnetSlots)
	} else if !ip.Equal(vpc.IP) {
		p.add("network: %s has host bits set", spec.CIDR)
	}
	if err := p.err(); err != nil {
		return nil, err
	}

	carve := func(slot int) string {
		subnet, err := cidr.Subnet(vpc, subnetNewBits, slot)
		if err != nil {
			p.add("network: cannot carve subnet %d of %s: %v", slot, vpc, err)
			return ""
		}
		return subnet.String()
	}

	topo := &NetworkTopology{
		AvailabilityZoneCount: spec.AvailabilityZones,
		NatGatewayCount:       spec.NatGateways,
		CIDR:                  vpc.String(),
	}
	for zone := 0; zone < spec.AvailabilityZones; zone++ {
		topo.PublicSubnets = append(topo.PublicSubnets, Subnet{
			Name:   fmt.Sprintf("public-%d", zone),
			Zone:   zone,
			CIDR:   carve(zone),
			Public: true,
			Egress: InternetGateway,
		})
	}
	for i := 0; i < spec.NatGateways; i++ {
		topo.NatGateways = append(topo.NatGateways, NatGateway{
			Name:         natName(i),
			Zone:         i,
			PublicSubnet: topo.PublicSubnets[i].Name,
		})
	}
	for zone := 0; zone < spec.AvailabilityZones; zone++ {
		topo.PrivateSubnets = append(topo.PrivateSubnets, Subnet{
			Name:   fmt.Sprintf("private-%d", zone),
			Zone:   zone,
			CIDR:   carve(subnetSlots/2 + zone),
			Egress: natName(zone % spec.NatGateways),
		})
	}
	if err := p.err(); err != nil {
		return nil, err
	}
	return topo, nil
}

// PrivateSubnetsFor returns the private subnets routed through the named NAT.
func (t *NetworkTopology) PrivateSubnetsFor(nat string) []Subnet {
	var out []Subnet
	for _, s := range t.PrivateSubnets {
		if s.Egress == nat {
			out = append(out, s)
		}
	}
	return out
}

func natName(i int) string {
	return fmt.Sprintf("nat-%d", i)
}

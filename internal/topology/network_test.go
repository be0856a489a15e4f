package topology

import (
	"fmt"
	"net"
	"testing"

	"github.com/apparentlymart/go-cidr/cidr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanNetworkDefaults(t *testing.T) {
	topo, err := PlanNetwork(NetworkSpec{})
	require.NoError(t, err)

	assert.Equal(t, 2, topo.AvailabilityZoneCount)
	assert.Equal(t, 1, topo.NatGatewayCount)
	assert.Equal(t, "10.0.0.0/16", topo.CIDR)
	assert.Equal(t, []Subnet{
		{Name: "public-0", Zone: 0, CIDR: "10.0.0.0/20", Public: true, Egress: InternetGateway},
		{Name: "public-1", Zone: 1, CIDR: "10.0.16.0/20", Public: true, Egress: InternetGateway},
	}, topo.PublicSubnets)
	assert.Equal(t, []Subnet{
		{Name: "private-0", Zone: 0, CIDR: "10.0.128.0/20", Egress: "nat-0"},
		{Name: "private-1", Zone: 1, CIDR: "10.0.144.0/20", Egress: "nat-0"},
	}, topo.PrivateSubnets)
	assert.Equal(t, []NatGateway{{Name: "nat-0", Zone: 0, PublicSubnet: "public-0"}}, topo.NatGateways)
}

func TestPlanNetworkEgressInvariants(t *testing.T) {
	for zones := MinAvailabilityZones; zones <= MaxAvailabilityZones; zones++ {
		for nats := 1; nats <= zones; nats++ {
			t.Run(fmt.Sprintf("%dz-%dnat", zones, nats), func(t *testing.T) {
				topo, err := PlanNetwork(NetworkSpec{AvailabilityZones: zones, NatGateways: nats})
				require.NoError(t, err)
				require.Len(t, topo.PublicSubnets, zones)
				require.Len(t, topo.PrivateSubnets, zones)
				require.Len(t, topo.NatGateways, nats)

				natNames := map[string]bool{}
				for _, n := range topo.NatGateways {
					natNames[n.Name] = true
				}
				used := map[string]int{}
				for _, s := range topo.PrivateSubnets {
					assert.False(t, s.Public)
					assert.True(t, natNames[s.Egress], "private subnet %s has no NAT egress", s.Name)
					used[s.Egress]++
				}
				// Round-robin: every NAT serves someone and the load differs by at most one.
				assert.Len(t, used, nats)
				min, max := zones, 0
				for _, c := range used {
					if c < min {
						min = c
					}
					if c > max {
						max = c
					}
				}
				assert.LessOrEqual(t, max-min, 1)

				for _, s := range topo.PublicSubnets {
					assert.True(t, s.Public)
					assert.Equal(t, InternetGateway, s.Egress)
				}
			})
		}
	}
}

func TestPlanNetworkSubnetsDoNotOverlap(t *testing.T) {
	topo, err := PlanNetwork(NetworkSpec{AvailabilityZones: 6, NatGateways: 2, CIDR: "172.20.0.0/18"})
	require.NoError(t, err)

	_, vpc, err := net.ParseCIDR(topo.CIDR)
	require.NoError(t, err)
	var all []*net.IPNet
	for _, s := range append(append([]Subnet{}, topo.PublicSubnets...), topo.PrivateSubnets...) {
		_, subnet, err := net.ParseCIDR(s.CIDR)
		require.NoError(t, err)
		ones, _ := subnet.Mask.Size()
		assert.Equal(t, 22, ones)
		all = append(all, subnet)
	}
	assert.NoError(t, cidr.VerifyNoOverlap(all, vpc))
}

func TestPlanNetworkRejectsInvalidCounts(t *testing.T) {
	cases := []struct {
		spec NetworkSpec
		want string
	}{
		{NetworkSpec{AvailabilityZones: 1, NatGateways: 1}, "availability zone count 1"},
		{NetworkSpec{AvailabilityZones: 7, NatGateways: 1}, "availability zone count 7"},
		{NetworkSpec{AvailabilityZones: 2, NatGateways: 3}, "nat gateway count 3"},
		{NetworkSpec{AvailabilityZones: 3, NatGateways: -1}, "nat gateway count -1"},
		{NetworkSpec{CIDR: "10.0.0.0/26"}, "too small"},
		{NetworkSpec{CIDR: "10.0.0.1/16"}, "host bits"},
		{NetworkSpec{CIDR: "fd00::/48"}, "not an IPv4 CIDR"},
	}
	for _, tc := range cases {
		topo, err := PlanNetwork(tc.spec)
		assert.Nil(t, topo)
		if assert.Error(t, err, tc.want) {
			assert.True(t, IsConfigError(err))
			assert.Contains(t, err.Error(), tc.want)
		}
	}
}

func TestPrivateSubnetsFor(t *testing.T) {
	topo, err := PlanNetwork(NetworkSpec{AvailabilityZones: 3, NatGateways: 2})
	require.NoError(t, err)

	assert.Equal(t, []string{"private-0", "private-2"}, names(topo.PrivateSubnetsFor("nat-0")))
	assert.Equal(t, []string{"private-1"}, names(topo.PrivateSubnetsFor("nat-1")))
	assert.Empty(t, topo.PrivateSubnetsFor(InternetGateway))
}

func names(subnets []Subnet) []string {
	var out []string
	for _, s := range subnets {
		out = append(out, s.Name)
	}
	return out
}

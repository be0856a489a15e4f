// Package config loads the topology file that declares the services and
// the shape of the network and load balancer around them.
package config

import (
	"bytes"
	"fmt"
	"os"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"pulumi-shared-alb/internal/topology"
)

const DefaultFile = "topology.yaml"

// envOverrides maps viper keys to the environment variables that override
// them. Viper folds keys to lower case, which is why the service list
// itself is decoded with yaml.v3 and only scalars go through viper.
var envOverrides = map[string]string{
	"project":                     "TOPOLOGY_PROJECT",
	"network.azcount":             "TOPOLOGY_NETWORK_AZ_COUNT",
	"network.natcount":            "TOPOLOGY_NETWORK_NAT_COUNT",
	"network.cidr":                "TOPOLOGY_NETWORK_CIDR",
	"loadbalancer.port":           "TOPOLOGY_LOAD_BALANCER_PORT",
	"loadbalancer.certificatearn": "TOPOLOGY_LOAD_BALANCER_CERTIFICATE_ARN",
	"loadbalancer.idletimeout":    "TOPOLOGY_LOAD_BALANCER_IDLE_TIMEOUT",
	"logretentiondays":            "TOPOLOGY_LOG_RETENTION_DAYS",
}

// Overrides are per-stack adjustments applied on top of the file, for
// example from Pulumi stack configuration. Nil fields are left alone.
type Overrides struct {
	AvailabilityZones *int
	NatGateways       *int
	PublicPort        *int
	CertificateArn    *string
	LogRetentionDays  *int
}

// Load reads and decodes a topology file.
func Load(path string) (*topology.Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading topology file: %w", err)
	}
	spec, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return spec, nil
}

// Parse decodes topology YAML and layers TOPOLOGY_* environment variables
// over its scalar settings.
func Parse(data []byte) (*topology.Spec, error) {
	spec := &topology.Spec{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(spec); err != nil {
		return nil, fmt.Errorf("decoding topology: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("reading topology settings: %w", err)
	}
	for key, env := range envOverrides {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("binding %s: %w", env, err)
		}
	}

	if v.IsSet("project") {
		spec.Project = v.GetString("project")
	}
	if v.IsSet("network.azcount") {
		spec.Network.AvailabilityZones = v.GetInt("network.azcount")
	}
	if v.IsSet("network.natcount") {
		spec.Network.NatGateways = v.GetInt("network.natcount")
	}
	if v.IsSet("network.cidr") {
		spec.Network.CIDR = v.GetString("network.cidr")
	}
	if v.IsSet("loadbalancer.port") {
		spec.LoadBalancer.PublicPort = v.GetInt("loadbalancer.port")
	}
	if v.IsSet("loadbalancer.certificatearn") {
		spec.LoadBalancer.CertificateArn = v.GetString("loadbalancer.certificatearn")
	}
	if v.IsSet("loadbalancer.idletimeout") {
		spec.LoadBalancer.IdleTimeoutSeconds = v.GetInt("loadbalancer.idletimeout")
	}
	if v.IsSet("logretentiondays") {
		spec.LogRetentionDays = v.GetInt("logretentiondays")
	}
	return spec, nil
}

// Apply copies the non-nil overrides into spec.
func (o Overrides) Apply(spec *topology.Spec) {
	if o.AvailabilityZones != nil {
		spec.Network.AvailabilityZones = *o.AvailabilityZones
	}
	if o.NatGateways != nil {
		spec.Network.NatGateways = *o.NatGateways
	}
	if o.PublicPort != nil {
		spec.LoadBalancer.PublicPort = *o.PublicPort
	}
	if o.CertificateArn != nil {
		spec.LoadBalancer.CertificateArn = *o.CertificateArn
	}
	if o.LogRetentionDays != nil {
		spec.LogRetentionDays = *o.LogRetentionDays
	}
}

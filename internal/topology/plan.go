package topology

import (
	"fmt"
	"sort"
	"strings"
)

const (
	DefaultPublicPort       = 80
	DefaultIdleTimeout      = 60
	DefaultLogRetentionDays = 7

	// OutputLoadBalancerDNS is the one stack output operators read.
	OutputLoadBalancerDNS = "loadBalancerDns"

	NetworkID       = "network"
	ClusterID       = "cluster"
	SecurityGroupID = "alb-sg"
	LoadBalancerID  = "alb"
	ListenerID      = "listener"
)

// CloudWatch only accepts these retention periods.
var logRetentionDays = map[int]bool{
	1: true, 3: true, 5: true, 7: true, 14: true, 30: true, 60: true, 90: true,
	120: true, 150: true, 180: true, 365: true, 400: true, 545: true, 731: true,
	1096: true, 1827: true, 2192: true, 2557: true, 2922: true, 3288: true, 3653: true,
}

// Spec is the full input of the composer.
type Spec struct {
	Project          string              `yaml:"project"`
	Network          NetworkSpec         `yaml:"network"`
	LoadBalancer     LoadBalancerSpec    `yaml:"loadBalancer"`
	LogRetentionDays int                 `yaml:"logRetentionDays,omitempty"`
	Services         []ServiceDescriptor `yaml:"services"`
}

// LoadBalancerSpec configures the single public listener.
type LoadBalancerSpec struct {
	PublicPort         int    `yaml:"port,omitempty"`
	CertificateArn     string `yaml:"certificateArn,omitempty"`
	IdleTimeoutSeconds int    `yaml:"idleTimeout,omitempty"`
}

// Protocol is HTTPS when a certificate is attached, HTTP otherwise.
func (l LoadBalancerSpec) Protocol() string {
	if l.CertificateArn != "" {
		return "HTTPS"
	}
	return "HTTP"
}

// Scheme is the URL scheme clients use to reach the listener.
func (l LoadBalancerSpec) Scheme() string {
	if l.CertificateArn != "" {
		return "https"
	}
	return "http"
}

// Link is an environment variable that receives another service's URL
// through the load balancer.
type Link struct {
	Env        string
	Target     string
	PathPrefix string
}

// Plan is the validated, fully wired topology ready to be applied.
type Plan struct {
	Spec      Spec
	Network   *NetworkTopology
	Routing   *RoutingTable
	Endpoints []ServiceEndpoint
	Graph     *Graph
}

func TargetGroupID(service string) string { return "tg/" + service }
func RuleID(service string) string        { return "rule/" + service }
func ServiceID(service string) string     { return "service/" + service }
func OutputID(name string) string         { return "output/" + name }

func (s Spec) withDefaults() Spec {
	if s.Project == "" {
		s.Project = "app"
	}
	s.Network = s.Network.withDefaults()
	if s.LoadBalancer.PublicPort == 0 {
		s.LoadBalancer.PublicPort = DefaultPublicPort
	}
	if s.LoadBalancer.IdleTimeoutSeconds == 0 {
		s.LoadBalancer.IdleTimeoutSeconds = DefaultIdleTimeout
	}
	if s.LogRetentionDays == 0 {
		s.LogRetentionDays = DefaultLogRetentionDays
	}
	services := make([]ServiceDescriptor, len(s.Services))
	for i, d := range s.Services {
		services[i] = d.withDefaults()
	}
	s.Services = services
	return s
}

// Build validates a Spec and assembles its plan. It is a pure function:
// the same spec always yields an equal plan, and any configuration error
// is reported before a single resource is described.
func Build(spec Spec) (*Plan, error) {
	spec = spec.withDefaults()

	var p problems
	lb := spec.LoadBalancer
	if lb.PublicPort < 1 || lb.PublicPort > 65535 {
		p.add("load balancer: port %d out of range", lb.PublicPort)
	}
	if lb.PublicPort == 443 && lb.CertificateArn == "" {
		p.add("load balancer: port 443 requires a certificate ARN")
	}
	if lb.IdleTimeoutSeconds < 1 || lb.IdleTimeoutSeconds > 4000 {
		p.add("load balancer: idle timeout %ds must be between 1 and 4000", lb.IdleTimeoutSeconds)
	}
	if !logRetentionDays[spec.LogRetentionDays] {
		p.add("logging: %d days is not a CloudWatch retention period", spec.LogRetentionDays)
	}

	if len(spec.Services) == 0 {
		p.add("services: at least one service is required")
	}
	names := map[string]bool{}
	for _, d := range spec.Services {
		p.merge(d.Validate())
		if names[d.Name] {
			p.add("service %q: declared more than once", d.Name)
		}
		names[d.Name] = true
	}
	for _, d := range spec.Services {
		for _, env := range sortedKeys(d.Links) {
			if target := d.Links[env]; !names[target] {
				p.add("service %q: link %s points at unknown service %q", d.Name, env, target)
			}
		}
	}

	network, err := PlanNetwork(spec.Network)
	p.merge(err)
	routing, err := PlanRouting(spec.Services)
	p.merge(err)
	if err := p.err(); err != nil {
		return nil, err
	}

	plan := &Plan{
		Spec:    spec,
		Network: network,
		Routing: routing,
	}
	for _, d := range spec.Services {
		plan.Endpoints = append(plan.Endpoints, newEndpoint(d))
	}
	sort.Slice(plan.Endpoints, func(i, j int) bool {
		return plan.Endpoints[i].ServiceName < plan.Endpoints[j].ServiceName
	})
	if err := plan.checkEndpoints(); err != nil {
		return nil, err
	}
	if err := plan.checkLinks(); err != nil {
		return nil, err
	}

	plan.Graph, err = buildGraph(spec, routing)
	if err != nil {
		return nil, err
	}
	return plan, nil
}

// checkEndpoints verifies that every service has exactly one target group
// and that it checks the same port and path the container declares.
func (p *Plan) checkEndpoints() error {
	var errs problems
	for _, d := range p.Spec.Services {
		ep, ok := p.Endpoint(d.Name)
		if !ok {
			errs.add("service %q: no target group planned", d.Name)
			continue
		}
		if ep.ContainerPort != d.ContainerPort {
			errs.add("service %q: target group port %d does not match container port %d",
				d.Name, ep.ContainerPort, d.ContainerPort)
		}
		if ep.HealthCheckPath != d.HealthCheckPath {
			errs.add("service %q: target group health check %q does not match %q",
				d.Name, ep.HealthCheckPath, d.HealthCheckPath)
		}
		rule, ok := p.Routing.RuleFor(d.Name)
		if !ok || rule.Target.TargetGroup != ep.TargetGroup {
			errs.add("service %q: listener rule does not forward to its own target group", d.Name)
		}
	}
	return errs.err()
}

func buildGraph(spec Spec, routing *RoutingTable) (*Graph, error) {
	g := NewGraph()
	def := routing.Default().Target.ServiceName

	// routeOf is the node that must exist before traffic reaches a service.
	routeOf := func(service string) string {
		if service == def {
			return ListenerID
		}
		return RuleID(service)
	}

	nodes := []Node{
		{ID: NetworkID, Kind: KindNetwork},
		{ID: ClusterID, Kind: KindCluster, DependsOn: []string{NetworkID}},
		{ID: SecurityGroupID, Kind: KindSecurityGroup, DependsOn: []string{NetworkID}},
		{ID: LoadBalancerID, Kind: KindLoadBalancer, DependsOn: []string{NetworkID, SecurityGroupID}},
		{ID: ListenerID, Kind: KindListener, DependsOn: []string{LoadBalancerID, TargetGroupID(def)}},
	}
	output := Node{
		ID:        OutputID(OutputLoadBalancerDNS),
		Kind:      KindOutput,
		DependsOn: []string{LoadBalancerID},
	}

	for _, d := range spec.Services {
		nodes = append(nodes, Node{
			ID:        TargetGroupID(d.Name),
			Kind:      KindTargetGroup,
			Service:   d.Name,
			DependsOn: []string{NetworkID},
		})
		if d.Name != def {
			nodes = append(nodes, Node{
				ID:        RuleID(d.Name),
				Kind:      KindListenerRule,
				Service:   d.Name,
				DependsOn: []string{ListenerID, TargetGroupID(d.Name)},
			})
		}

		deps := []string{NetworkID, ClusterID, SecurityGroupID, TargetGroupID(d.Name), routeOf(d.Name)}
		if len(d.Links) > 0 {
			deps = append(deps, LoadBalancerID)
		}
		for _, target := range d.Links {
			deps = append(deps, routeOf(target))
		}
		nodes = append(nodes, Node{
			ID:        ServiceID(d.Name),
			Kind:      KindService,
			Service:   d.Name,
			DependsOn: deps,
		})
		output.DependsOn = append(output.DependsOn, ServiceID(d.Name))
	}
	nodes = append(nodes, output)

	for _, n := range nodes {
		if err := g.Add(n); err != nil {
			return nil, err
		}
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// Service returns the normalised descriptor of the named service.
func (p *Plan) Service(name string) (ServiceDescriptor, bool) {
	for _, d := range p.Spec.Services {
		if d.Name == name {
			return d, true
		}
	}
	return ServiceDescriptor{}, false
}

// Endpoint returns the load-balancer endpoint of the named service.
func (p *Plan) Endpoint(name string) (ServiceEndpoint, bool) {
	for _, ep := range p.Endpoints {
		if ep.ServiceName == name {
			return ep, true
		}
	}
	return ServiceEndpoint{}, false
}

// checkLinks verifies that a request below every link URL reaches the
// linked service. A prefix cut from a pattern with a mid-segment wildcard
// (such as "/api/v?/*") would otherwise send link traffic to another rule.
func (p *Plan) checkLinks() error {
	var errs problems
	for _, d := range p.Spec.Services {
		for _, link := range p.Links(d.Name) {
			path := link.PathPrefix + "/x"
			if got := p.Routing.Match(path).Target.ServiceName; got != link.Target {
				errs.add("service %q: link %s to %q resolves to %s, which the listener routes to %q",
					d.Name, link.Env, link.Target, link.PathPrefix+"/", got)
			}
		}
	}
	return errs.err()
}

// Links resolves the link variables of a service in a stable order. The
// path prefix is taken from the target's first path pattern; the default
// service is reached at the root.
func (p *Plan) Links(service string) []Link {
	d, ok := p.Service(service)
	if !ok {
		return nil
	}
	var links []Link
	for _, env := range sortedKeys(d.Links) {
		target := d.Links[env]
		link := Link{Env: env, Target: target}
		if rule, ok := p.Routing.RuleFor(target); ok && !rule.Default {
			link.PathPrefix = PathPrefix(rule.PathPatterns[0])
		}
		links = append(links, link)
	}
	return links
}

// LinkURL renders a link against a resolved load balancer DNS name.
func (p *Plan) LinkURL(l Link, dnsName string) string {
	lb := p.Spec.LoadBalancer
	host := dnsName
	if !(lb.Scheme() == "http" && lb.PublicPort == 80) && !(lb.Scheme() == "https" && lb.PublicPort == 443) {
		host = fmt.Sprintf("%s:%d", dnsName, lb.PublicPort)
	}
	return fmt.Sprintf("%s://%s%s", lb.Scheme(), host, l.PathPrefix)
}

// SmokePaths returns one request path per service that the listener routes
// to that service: the root for the default service and the first pattern
// with its wildcards filled in for the others.
func (p *Plan) SmokePaths() map[string]string {
	fill := strings.NewReplacer("*", "", "?", "x")
	out := map[string]string{}
	for _, rule := range p.Routing.Rules {
		path := "/"
		if !rule.Default {
			path = fill.Replace(rule.PathPatterns[0])
		}
		if p.Routing.Match(path).Target.ServiceName == rule.Target.ServiceName {
			out[rule.Target.ServiceName] = path
		}
	}
	return out
}

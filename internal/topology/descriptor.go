package topology

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	serviceNameRe = regexp.MustCompile(`^[a-z][a-z0-9-]{0,19}$`)
	envNameRe     = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	httpCodeRe    = regexp.MustCompile(`^[1-5][0-9][0-9]$`)
)

// ServiceDescriptor declares one containerised workload behind the shared
// load balancer. The container itself is opaque: only its port, health
// check and environment contract are known here.
type ServiceDescriptor struct {
	Name             string                     `yaml:"name"`
	Image            string                     `yaml:"image,omitempty"`
	Build            *BuildSpec                 `yaml:"build,omitempty"`
	ContainerPort    int                        `yaml:"port"`
	CPU              int                        `yaml:"cpu"`
	MemoryMB         int                        `yaml:"memory"`
	DesiredCount     int                        `yaml:"desiredCount"`
	Scaling          *ScalingPolicy             `yaml:"scaling,omitempty"`
	HealthCheckPath  string                     `yaml:"healthCheckPath"`
	HealthCheckCodes string                     `yaml:"healthCheckCodes,omitempty"`
	Route            Route                      `yaml:"route"`
	Environment      map[string]string          `yaml:"environment,omitempty"`
	Secrets          map[string]SecretReference `yaml:"secrets,omitempty"`
	// Links maps an environment variable to another service; it receives
	// that service's URL through the shared load balancer.
	Links map[string]string `yaml:"links,omitempty"`
}

// BuildSpec describes a local Docker build context for a service image.
type BuildSpec struct {
	Context    string `yaml:"context"`
	Dockerfile string `yaml:"dockerfile,omitempty"`
	Platform   string `yaml:"platform,omitempty"`
}

// Route places a service on the listener. Exactly one service in a spec is
// the default (catch-all); every other one needs a priority and patterns.
type Route struct {
	Default      bool     `yaml:"default,omitempty"`
	Priority     int      `yaml:"priority,omitempty"`
	PathPatterns []string `yaml:"paths,omitempty"`
}

// SecretReference points at a JSON key of a Secrets Manager secret. It is
// only ever rendered as a valueFrom selector for the container runtime.
type SecretReference struct {
	Name string `yaml:"name"`
	Key  string `yaml:"key,omitempty"`
}

func (s SecretReference) String() string {
	if s.Key == "" {
		return fmt.Sprintf("secret(%s)", s.Name)
	}
	return fmt.Sprintf("secret(%s#%s)", s.Name, s.Key)
}

// ValueFrom renders the ECS valueFrom selector for the secret given its ARN.
func (s SecretReference) ValueFrom(secretArn string) string {
	if s.Key == "" {
		return secretArn
	}
	return fmt.Sprintf("%s:%s::", secretArn, s.Key)
}

// ScalingPolicy turns a fixed desired count into a min/max range driven by
// average CPU utilisation. Without it the service runs exactly DesiredCount.
type ScalingPolicy struct {
	Min              int     `yaml:"min"`
	Max              int     `yaml:"max"`
	CPUTargetPercent float64 `yaml:"cpuTargetPercent,omitempty"`
}

// fargateMemory lists the memory range (min, max, step in MiB) Fargate
// accepts for each task CPU size. 256 CPU units only take 512, 1024 or 2048.
var fargateMemory = map[int][3]int{
	256:   {512, 2048, 512},
	512:   {1024, 4096, 1024},
	1024:  {2048, 8192, 1024},
	2048:  {4096, 16384, 1024},
	4096:  {8192, 30720, 1024},
	8192:  {16384, 61440, 4096},
	16384: {32768, 122880, 8192},
}

func (d ServiceDescriptor) withDefaults() ServiceDescriptor {
	if d.HealthCheckCodes == "" {
		d.HealthCheckCodes = "200"
	}
	if d.Build != nil && d.Build.Dockerfile == "" {
		b := *d.Build
		b.Dockerfile = "Dockerfile"
		d.Build = &b
	}
	if d.Scaling != nil && d.Scaling.CPUTargetPercent == 0 {
		s := *d.Scaling
		s.CPUTargetPercent = 70
		d.Scaling = &s
	}
	return d
}

// Validate checks the descriptor on its own. Cross-service rules (unique
// names, one default route, link targets) are checked by Build.
func (d ServiceDescriptor) Validate() error {
	d = d.withDefaults()
	var p problems
	name := d.Name
	if !serviceNameRe.MatchString(name) {
		p.add("service %q: name must match %s", name, serviceNameRe)
	}

	switch {
	case d.Image == "" && d.Build == nil:
		p.add("service %q: one of image or build is required", name)
	case d.Image != "" && d.Build != nil:
		p.add("service %q: image and build are mutually exclusive", name)
	case d.Build != nil && d.Build.Context == "":
		p.add("service %q: build context is required", name)
	}

	if d.ContainerPort <= 0 || d.ContainerPort > 65535 {
		p.add("service %q: container port %d out of range", name, d.ContainerPort)
	}
	if d.CPU <= 0 || d.MemoryMB <= 0 {
		p.add("service %q: cpu and memory must be positive (cpu=%d memory=%d)", name, d.CPU, d.MemoryMB)
	} else if mem, ok := fargateMemory[d.CPU]; !ok {
		p.add("service %q: cpu %d is not a Fargate task size", name, d.CPU)
	} else if d.MemoryMB < mem[0] || d.MemoryMB > mem[1] || (d.MemoryMB-mem[0])%mem[2] != 0 ||
		(d.CPU == 256 && d.MemoryMB == 1536) {
		p.add("service %q: memory %d MiB is not valid for cpu %d (%d-%d in steps of %d)",
			name, d.MemoryMB, d.CPU, mem[0], mem[1], mem[2])
	}
	if d.DesiredCount < 0 {
		p.add("service %q: desired count must not be negative", name)
	}
	if s := d.Scaling; s != nil {
		if s.Min < 0 || s.Max < 1 || s.Min > s.Max {
			p.add("service %q: scaling bounds min=%d max=%d are invalid", name, s.Min, s.Max)
		} else if d.DesiredCount < s.Min || d.DesiredCount > s.Max {
			p.add("service %q: desired count %d outside scaling bounds %d-%d", name, d.DesiredCount, s.Min, s.Max)
		}
		if s.CPUTargetPercent <= 0 || s.CPUTargetPercent > 100 {
			p.add("service %q: cpu target %.1f%% must be in (0, 100]", name, s.CPUTargetPercent)
		}
	}

	if !strings.HasPrefix(d.HealthCheckPath, "/") {
		p.add("service %q: health check path %q must begin with /", name, d.HealthCheckPath)
	}
	if err := validateSuccessCodes(d.HealthCheckCodes); err != nil {
		p.add("service %q: %v", name, err)
	}

	for _, k := range sortedKeys(d.Environment) {
		if !envNameRe.MatchString(k) {
			p.add("service %q: invalid environment variable name %q", name, k)
		}
	}
	for _, k := range sortedKeys(d.Secrets) {
		if !envNameRe.MatchString(k) {
			p.add("service %q: invalid secret variable name %q", name, k)
		}
		if _, ok := d.Environment[k]; ok {
			p.add("service %q: %s is both a plain variable and a secret", name, k)
		}
		if d.Secrets[k].Name == "" {
			p.add("service %q: secret %s has no secret name", name, k)
		}
	}
	for _, k := range sortedKeys(d.Links) {
		if !envNameRe.MatchString(k) {
			p.add("service %q: invalid link variable name %q", name, k)
		}
		_, inEnv := d.Environment[k]
		_, inSecrets := d.Secrets[k]
		if inEnv || inSecrets {
			p.add("service %q: link %s collides with another variable", name, k)
		}
		if d.Links[k] == name {
			p.add("service %q: link %s points at itself", name, k)
		}
	}
	return p.err()
}

// validateSuccessCodes accepts the target group matcher forms "200",
// "200,302" and "200-299".
func validateSuccessCodes(codes string) error {
	for _, part := range strings.Split(codes, ",") {
		lo, hi, isRange := strings.Cut(part, "-")
		if !httpCodeRe.MatchString(lo) {
			return fmt.Errorf("health check success codes %q are malformed", codes)
		}
		if isRange {
			if !httpCodeRe.MatchString(hi) {
				return fmt.Errorf("health check success codes %q are malformed", codes)
			}
			l, _ := strconv.Atoi(lo)
			h, _ := strconv.Atoi(hi)
			if l > h {
				return fmt.Errorf("health check success codes %q have an inverted range", codes)
			}
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

package topology

import (
	"regexp"
	"sort"
	"strings"
)

const (
	MinRulePriority = 1
	MaxRulePriority = 50000

	// DefaultRulePriority sorts the catch-all after every real rule. The
	// load balancer itself models it as the listener's default action.
	DefaultRulePriority = MaxRulePriority + 1

	maxPatternsPerRule = 5
	maxPatternLength   = 128
)

var pathPatternRe = regexp.MustCompile(`^/[A-Za-z0-9_\-.$/~"'@:+&*?]*$`)

// ServiceEndpoint is the load-balancer side of a service: its target group
// and where it sits on the listener.
type ServiceEndpoint struct {
	ServiceName      string
	TargetGroup      string
	ContainerPort    int
	HealthCheckPath  string
	HealthCheckCodes string
	ListenerPriority int
}

// RoutingRule forwards requests matching any of PathPatterns to Target.
// The default rule has no patterns and matches everything.
type RoutingRule struct {
	Priority     int
	PathPatterns []string
	Target       ServiceEndpoint
	Default      bool
}

// RoutingTable holds the listener rules in evaluation order: ascending
// priority, with the single default rule last.
type RoutingTable struct {
	Rules []RoutingRule
}

func newEndpoint(d ServiceDescriptor) ServiceEndpoint {
	prio := d.Route.Priority
	if d.Route.Default {
		prio = DefaultRulePriority
	}
	return ServiceEndpoint{
		ServiceName:      d.Name,
		TargetGroup:      d.Name + "-tg",
		ContainerPort:    d.ContainerPort,
		HealthCheckPath:  d.HealthCheckPath,
		HealthCheckCodes: d.HealthCheckCodes,
		ListenerPriority: prio,
	}
}

// PlanRouting turns the services' routes into a validated routing table.
// It rejects a missing or repeated default, duplicate priorities and
// malformed patterns.
func PlanRouting(services []ServiceDescriptor) (*RoutingTable, error) {
	var p problems
	table := &RoutingTable{}
	priorities := map[int]string{}
	patterns := map[string]string{}
	defaults := []string{}

	for _, d := range services {
		d = d.withDefaults()
		r := d.Route
		rule := RoutingRule{Target: newEndpoint(d)}
		if r.Default {
			defaults = append(defaults, d.Name)
			if len(r.PathPatterns) > 0 {
				p.add("service %q: the default route must not declare path patterns", d.Name)
			}
			if r.Priority != 0 {
				p.add("service %q: the default route must not declare a priority", d.Name)
			}
			rule.Default = true
			rule.Priority = DefaultRulePriority
			table.Rules = append(table.Rules, rule)
			continue
		}

		if r.Priority < MinRulePriority || r.Priority > MaxRulePriority {
			p.add("service %q: route priority %d must be between %d and %d",
				d.Name, r.Priority, MinRulePriority, MaxRulePriority)
		} else if other, dup := priorities[r.Priority]; dup {
			p.add("service %q: route priority %d is already used by %q", d.Name, r.Priority, other)
		} else {
			priorities[r.Priority] = d.Name
		}

		if len(r.PathPatterns) == 0 {
			p.add("service %q: a non-default route needs at least one path pattern", d.Name)
		}
		if len(r.PathPatterns) > maxPatternsPerRule {
			p.add("service %q: %d path patterns exceed the limit of %d per rule",
				d.Name, len(r.PathPatterns), maxPatternsPerRule)
		}
		for _, pat := range r.PathPatterns {
			if len(pat) > maxPatternLength || !pathPatternRe.MatchString(pat) {
				p.add("service %q: path pattern %q is invalid", d.Name, pat)
			}
			if other, dup := patterns[pat]; dup {
				p.add("service %q: path pattern %q is already routed to %q", d.Name, pat, other)
			} else {
				patterns[pat] = d.Name
			}
		}

		rule.Priority = r.Priority
		rule.PathPatterns = append([]string(nil), r.PathPatterns...)
		table.Rules = append(table.Rules, rule)
	}

	switch len(defaults) {
	case 0:
		p.add("routing: exactly one service must be the default route, found none")
	case 1:
	default:
		p.add("routing: exactly one service must be the default route, found %d (%s)",
			len(defaults), strings.Join(defaults, ", "))
	}
	if err := p.err(); err != nil {
		return nil, err
	}

	sort.SliceStable(table.Rules, func(i, j int) bool {
		return table.Rules[i].Priority < table.Rules[j].Priority
	})
	return table, nil
}

// Default returns the catch-all rule.
func (t *RoutingTable) Default() RoutingRule {
	return t.Rules[len(t.Rules)-1]
}

// PathRules returns the non-default rules in priority order.
func (t *RoutingTable) PathRules() []RoutingRule {
	return t.Rules[:len(t.Rules)-1]
}

// Match returns the rule that serves a request path: the first rule in
// priority order with a matching pattern, otherwise the default.
func (t *RoutingTable) Match(path string) RoutingRule {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	for _, rule := range t.PathRules() {
		for _, pat := range rule.PathPatterns {
			if MatchPathPattern(pat, path) {
				return rule
			}
		}
	}
	return t.Default()
}

// RuleFor returns the rule targeting the named service.
func (t *RoutingTable) RuleFor(service string) (RoutingRule, bool) {
	for _, r := range t.Rules {
		if r.Target.ServiceName == service {
			return r, true
		}
	}
	return RoutingRule{}, false
}

// MatchPathPattern reports whether path matches an ALB path pattern. The
// comparison is case-sensitive; '*' matches any run of characters
// (including '/') and '?' exactly one.
func MatchPathPattern(pattern, path string) bool {
	p, s := 0, 0
	star, mark := -1, 0
	for s < len(path) {
		switch {
		case p < len(pattern) && (pattern[p] == '?' || pattern[p] == path[s]):
			p++
			s++
		case p < len(pattern) && pattern[p] == '*':
			star, mark = p, s
			p++
		case star >= 0:
			p = star + 1
			mark++
			s = mark
		default:
			return false
		}
	}
	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}

// PathPrefix is the literal prefix of a pattern with wildcards and the
// trailing slash removed: "/api/*" becomes "/api".
func PathPrefix(pattern string) string {
	if i := strings.IndexAny(pattern, "*?"); i >= 0 {
		pattern = pattern[:i]
	}
	return strings.TrimRight(pattern, "/")
}

package topology

import (
	"fmt"
	"sort"
	"strings"
)

// Kind is the type of resource a graph node stands for.
type Kind string

const (
	KindNetwork       Kind = "network"
	KindCluster       Kind = "cluster"
	KindSecurityGroup Kind = "security-group"
	KindLoadBalancer  Kind = "load-balancer"
	KindTargetGroup   Kind = "target-group"
	KindListener      Kind = "listener"
	KindListenerRule  Kind = "listener-rule"
	KindService       Kind = "service"
	KindOutput        Kind = "output"
)

// Node is one typed resource spec. Service is set for per-service nodes.
type Node struct {
	ID        string   `yaml:"id"`
	Kind      Kind     `yaml:"kind"`
	Service   string   `yaml:"service,omitempty"`
	DependsOn []string `yaml:"dependsOn,omitempty"`
}

// Graph is an arena of nodes with explicit dependency edges. Apply order is
// derived from the edges only, never from insertion order.
type Graph struct {
	nodes map[string]*Node
}

func NewGraph() *Graph {
	return &Graph{nodes: map[string]*Node{}}
}

// Add inserts a node. IDs must be unique.
func (g *Graph) Add(n Node) error {
	if n.ID == "" {
		return fmt.Errorf("graph: node of kind %s has no id", n.Kind)
	}
	if _, exists := g.nodes[n.ID]; exists {
		return fmt.Errorf("graph: duplicate node %q", n.ID)
	}
	deps := append([]string(nil), n.DependsOn...)
	sort.Strings(deps)
	n.DependsOn = dedupe(deps)
	g.nodes[n.ID] = &n
	return nil
}

// Node returns a copy of the node with the given ID.
func (g *Graph) Node(id string) (Node, bool) {
	n, ok := g.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

func (g *Graph) Len() int {
	return len(g.nodes)
}

// Dependents returns the IDs of nodes that depend directly on id.
func (g *Graph) Dependents(id string) []string {
	var out []string
	for _, n := range g.nodes {
		for _, d := range n.DependsOn {
			if d == id {
				out = append(out, n.ID)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// Validate checks that every edge points at a known node and that the
// graph has no cycle.
func (g *Graph) Validate() error {
	_, err := g.ApplyOrder()
	return err
}

// ApplyOrder returns the nodes so that every node comes after all of its
// dependencies. Ties are broken by ID so the order is stable.
func (g *Graph) ApplyOrder() ([]Node, error) {
	indegree := make(map[string]int, len(g.nodes))
	for id, n := range g.nodes {
		for _, d := range n.DependsOn {
			if _, ok := g.nodes[d]; !ok {
				return nil, fmt.Errorf("graph: %q depends on unknown node %q", id, d)
			}
		}
		indegree[id] = len(n.DependsOn)
	}

	var ready []string
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]Node, 0, len(g.nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, *g.nodes[id])

		var unlocked []string
		for _, dep := range g.Dependents(id) {
			indegree[dep]--
			if indegree[dep] == 0 {
				unlocked = append(unlocked, dep)
			}
		}
		ready = append(ready, unlocked...)
		sort.Strings(ready)
	}

	if len(order) != len(g.nodes) {
		var stuck []string
		for id, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("graph: dependency cycle among %s", strings.Join(stuck, ", "))
	}
	return order, nil
}

// TeardownOrder is the reverse of ApplyOrder: dependents are removed
// before what they depend on.
func (g *Graph) TeardownOrder() ([]Node, error) {
	order, err := g.ApplyOrder()
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	return order, nil
}

// DependsOnTransitively reports whether from reaches to through edges.
func (g *Graph) DependsOnTransitively(from, to string) bool {
	seen := map[string]bool{}
	var walk func(id string) bool
	walk = func(id string) bool {
		if seen[id] {
			return false
		}
		seen[id] = true
		n, ok := g.nodes[id]
		if !ok {
			return false
		}
		for _, d := range n.DependsOn {
			if d == to || walk(d) {
				return true
			}
		}
		return false
	}
	return walk(from)
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i > 0 && s == sorted[i-1] {
			continue
		}
		out = append(out, s)
	}
	return out
}

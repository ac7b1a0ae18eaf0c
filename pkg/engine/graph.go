package engine

import (
	"fmt"
	"sort"
	"strings"
)

// Graph is the dependency DAG over a set of resource nodes. Edges point
// from consumer to producer; ranks are topological levels where every node
// in a rank is independent of the others.
type Graph struct {
	nodes      map[string]*ResourceNode
	deps       map[string][]string // consumer -> producers
	dependents map[string][]string // producer -> consumers
	ranks      [][]string
	rankOf     map[string]int
	edges      []Edge
}

// BuildGraph constructs the dependency DAG from resource nodes. It fails
// with a configuration error on duplicate logical names, references to
// unknown names, or dependency cycles, all before any provider call.
func BuildGraph(nodes []ResourceNode) (*Graph, error) {
	g := &Graph{
		nodes:      make(map[string]*ResourceNode, len(nodes)),
		deps:       make(map[string][]string, len(nodes)),
		dependents: make(map[string][]string),
		rankOf:     make(map[string]int, len(nodes)),
	}

	for i := range nodes {
		node := &nodes[i]
		if node.Name == "" {
			return nil, NewConfigurationError("resource has empty logical name", nil).
				WithCode(ErrCodeValidation)
		}
		if _, exists := g.nodes[node.Name]; exists {
			return nil, NewConfigurationError(
				fmt.Sprintf("duplicate logical name: %s", node.Name), nil).
				WithCode(ErrCodeDuplicateName).WithResource(node.Name)
		}
		g.nodes[node.Name] = node
	}

	for name, node := range g.nodes {
		seen := make(map[string]bool)
		for _, ref := range extractReferences(node.Attrs) {
			if _, exists := g.nodes[ref.Target]; !exists {
				return nil, NewConfigurationError(
					fmt.Sprintf("resource %s references unknown resource %s", name, ref.Target), nil).
					WithCode(ErrCodeUnknownReference).WithResource(name)
			}
			if ref.Target == name {
				return nil, NewConfigurationError(
					fmt.Sprintf("resource %s references itself", name), nil).
					WithCode(ErrCodeCycle).WithResource(name)
			}
			if seen[ref.Target] {
				continue
			}
			seen[ref.Target] = true
			g.deps[name] = append(g.deps[name], ref.Target)
			g.dependents[ref.Target] = append(g.dependents[ref.Target], name)
			g.edges = append(g.edges, Edge{Consumer: name, Producer: ref.Target})
		}
		sort.Strings(g.deps[name])
	}

	if err := g.detectCycles(); err != nil {
		return nil, err
	}
	g.computeRanks()

	return g, nil
}

// detectCycles runs DFS with a recursion stack and reports the offending
// cycle path in the error.
func (g *Graph) detectCycles() error {
	visited := make(map[string]bool)
	onStack := make(map[string]bool)

	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		if onStack[name] {
			start := 0
			for i, n := range path {
				if n == name {
					start = i
					break
				}
			}
			cycle := append(append([]string{}, path[start:]...), name)
			return NewConfigurationError(
				fmt.Sprintf("dependency cycle detected: %s", strings.Join(cycle, " -> ")), nil).
				WithCode(ErrCodeCycle).WithResource(name)
		}
		if visited[name] {
			return nil
		}
		onStack[name] = true
		path = append(path, name)
		for _, dep := range g.deps[name] {
			if err := visit(dep, path); err != nil {
				return err
			}
		}
		onStack[name] = false
		visited[name] = true
		return nil
	}

	for _, name := range g.sortedNames() {
		if err := visit(name, nil); err != nil {
			return err
		}
	}
	return nil
}

// computeRanks assigns topological levels with Kahn's algorithm. Producers
// always end up at a strictly lower rank than their consumers.
func (g *Graph) computeRanks() {
	inDegree := make(map[string]int, len(g.nodes))
	for name := range g.nodes {
		inDegree[name] = len(g.deps[name])
	}

	var current []string
	for _, name := range g.sortedNames() {
		if inDegree[name] == 0 {
			current = append(current, name)
		}
	}

	rank := 0
	for len(current) > 0 {
		sort.Strings(current)
		g.ranks = append(g.ranks, current)
		for _, name := range current {
			g.rankOf[name] = rank
		}
		var next []string
		for _, name := range current {
			for _, consumer := range g.dependents[name] {
				inDegree[consumer]--
				if inDegree[consumer] == 0 {
					next = append(next, consumer)
				}
			}
		}
		current = next
		rank++
	}
}

func (g *Graph) sortedNames() []string {
	names := make([]string, 0, len(g.nodes))
	for name := range g.nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Node returns the resource node for a logical name.
func (g *Graph) Node(name string) (*ResourceNode, bool) {
	n, ok := g.nodes[name]
	return n, ok
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Ranks returns the topological levels in ascending order.
func (g *Graph) Ranks() [][]string {
	return g.ranks
}

// Rank returns the topological level of a node.
func (g *Graph) Rank(name string) int {
	return g.rankOf[name]
}

// Dependencies returns the direct producers of a node.
func (g *Graph) Dependencies(name string) []string {
	return g.deps[name]
}

// Dependents returns the direct consumers of a node.
func (g *Graph) Dependents(name string) []string {
	return g.dependents[name]
}

// TransitiveDependents returns every node that directly or indirectly
// depends on name, in no particular order.
func (g *Graph) TransitiveDependents(name string) []string {
	seen := make(map[string]bool)
	var out []string
	var walk func(n string)
	walk = func(n string) {
		for _, consumer := range g.dependents[n] {
			if !seen[consumer] {
				seen[consumer] = true
				out = append(out, consumer)
				walk(consumer)
			}
		}
	}
	walk(name)
	sort.Strings(out)
	return out
}

// Edges returns the dependency edges (consumer -> producer).
func (g *Graph) Edges() []Edge {
	return g.edges
}

// ToDOT renders the graph in Graphviz DOT format, producers on top.
func (g *Graph) ToDOT() string {
	var sb strings.Builder
	sb.WriteString("digraph dependencies {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n")
	for _, name := range g.sortedNames() {
		node := g.nodes[name]
		sb.WriteString(fmt.Sprintf("  %q [label=\"%s\\n%s\"];\n", name, name, node.Kind))
	}
	for _, e := range g.edges {
		sb.WriteString(fmt.Sprintf("  %q -> %q;\n", e.Producer, e.Consumer))
	}
	sb.WriteString("}\n")
	return sb.String()
}

package schema

import (
	"fmt"
	"sort"
	"strings"
)

// ReferenceGraph is the entity-level foreign key graph: an edge from A to B
// means A's table stores a foreign key to B. Self-references are not edges.
type ReferenceGraph struct {
	nodes []string
	edges map[string][]string
}

// NewReferenceGraph builds the graph of every direct reference in the registry
func NewReferenceGraph(reg *Registry) *ReferenceGraph {
	g := &ReferenceGraph{
		nodes: append([]string(nil), reg.names...),
		edges: make(map[string][]string),
	}
	for _, entity := range reg.Entities() {
		seen := make(map[string]bool)
		for _, attr := range entity.attributes {
			if !attr.IsReference() || attr.IsReverse() || attr.Target == entity.Name || seen[attr.Target] {
				continue
			}
			seen[attr.Target] = true
			g.edges[entity.Name] = append(g.edges[entity.Name], attr.Target)
		}
		sort.Strings(g.edges[entity.Name])
	}
	return g
}

// Dependencies returns the entities the given entity holds foreign keys to
func (g *ReferenceGraph) Dependencies(entity string) []string {
	return g.edges[entity]
}

// DetectCycles reports the reference cycles between entities. Rows of entities on a
// cycle cannot all be created in one save.
func (g *ReferenceGraph) DetectCycles() [][]string {
	var cycles [][]string
	visited := make(map[string]bool)
	onStack := make(map[string]bool)

	var dfs func(node string, path []string)
	dfs = func(node string, path []string) {
		visited[node] = true
		onStack[node] = true
		path = append(path, node)

		for _, next := range g.edges[node] {
			if !visited[next] {
				dfs(next, path)
			} else if onStack[next] {
				for i, n := range path {
					if n == next {
						cycle := make([]string, len(path)-i)
						copy(cycle, path[i:])
						cycles = append(cycles, cycle)
						break
					}
				}
			}
		}

		onStack[node] = false
	}

	for _, node := range g.nodes {
		if !visited[node] {
			dfs(node, nil)
		}
	}

	return cycles
}

// TopologicalSort returns entities with referenced entities first
func (g *ReferenceGraph) TopologicalSort() ([]string, error) {
	outDegree := make(map[string]int, len(g.nodes))
	dependents := make(map[string][]string)
	for _, node := range g.nodes {
		outDegree[node] = len(g.edges[node])
		for _, target := range g.edges[node] {
			dependents[target] = append(dependents[target], node)
		}
	}

	var queue []string
	for _, node := range g.nodes {
		if outDegree[node] == 0 {
			queue = append(queue, node)
		}
	}

	result := make([]string, 0, len(g.nodes))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		result = append(result, node)

		for _, dependent := range dependents[node] {
			outDegree[dependent]--
			if outDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(result) != len(g.nodes) {
		return nil, fmt.Errorf("circular dependency detected:\n%s", FormatCycles(g.DetectCycles()))
	}
	return result, nil
}

// FormatCycles formats cycles one per line
func FormatCycles(cycles [][]string) string {
	var b strings.Builder
	for i, cycle := range cycles {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(fmt.Sprintf("  Cycle %d: %s -> %s",
			i+1,
			strings.Join(cycle, " -> "),
			cycle[0]))
	}
	return b.String()
}

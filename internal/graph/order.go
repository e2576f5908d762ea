package graph

import (
	"errors"
	"fmt"
)

var ErrDependencyCycle = errors.New("dependency cycle in resource graph")

// Order returns the nodes in an order where every node follows all of its
// dependencies. Ties are broken by construction order, so the result is
// stable for equal graphs.
func (g *Graph) Order() ([]Node, error) {
	index := make(map[string]int, len(g.Nodes))
	for i, n := range g.Nodes {
		index[n.ID] = i
	}

	pending := make([]int, len(g.Nodes))
	dependents := make([][]int, len(g.Nodes))
	for _, e := range g.Edges {
		from, ok := index[e.From]
		if !ok {
			return nil, fmt.Errorf("edge from unknown node %q", e.From)
		}
		to, ok := index[e.To]
		if !ok {
			return nil, fmt.Errorf("edge to unknown node %q", e.To)
		}
		pending[from]++
		dependents[to] = append(dependents[to], from)
	}

	done := make([]bool, len(g.Nodes))
	out := make([]Node, 0, len(g.Nodes))
	for len(out) < len(g.Nodes) {
		next := -1
		for i := range g.Nodes {
			if !done[i] && pending[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			return nil, ErrDependencyCycle
		}
		done[next] = true
		out = append(out, g.Nodes[next])
		for _, d := range dependents[next] {
			pending[d]--
		}
	}
	return out, nil
}

// DependsOn returns the logical ids id directly depends on, in edge order and
// without duplicates.
func (g *Graph) DependsOn(id string) []string {
	var out []string
	seen := map[string]bool{}
	for _, e := range g.Edges {
		if e.From == id && !seen[e.To] {
			seen[e.To] = true
			out = append(out, e.To)
		}
	}
	return out
}

// Package graph holds the pure DAG functions the scheduler relies on:
// topological ordering, cycle detection, root finding and frontier computation.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var ErrUnknownNode = errors.New("edge references unknown node")

// CycleError reports a dependency cycle. Path starts and ends with the same node.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return "dependency cycle detected: " + strings.Join(e.Path, " -> ")
}

type Edge struct {
	From string
	To   string
}

// Set is a set of node ids.
type Set map[string]struct{}

func NewSet(ids ...string) Set {
	s := make(Set, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s Set) Has(id string) bool {
	_, ok := s[id]
	return ok
}

func (s Set) Sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Graph is an immutable adjacency view over a node and edge set.
type Graph struct {
	nodes    []string
	known    Set
	children map[string][]string
	parents  map[string][]string
}

// Build validates the edge set against the nodes. Self loops are reported as
// a cycle of length one, repeated edges are collapsed, and unknown endpoints
// fail with ErrUnknownNode.
func Build(nodes []string, edges []Edge) (*Graph, error) {
	g := &Graph{
		known:    NewSet(nodes...),
		children: make(map[string][]string, len(nodes)),
		parents:  make(map[string][]string, len(nodes)),
	}
	g.nodes = g.known.Sorted()

	seen := make(map[Edge]struct{}, len(edges))
	for _, e := range edges {
		if !g.known.Has(e.From) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownNode, e.From)
		}
		if !g.known.Has(e.To) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownNode, e.To)
		}
		if e.From == e.To {
			return nil, &CycleError{Path: []string{e.From, e.To}}
		}
		if _, dup := seen[e]; dup {
			continue
		}
		seen[e] = struct{}{}
		g.children[e.From] = append(g.children[e.From], e.To)
		g.parents[e.To] = append(g.parents[e.To], e.From)
	}
	for id := range g.children {
		sort.Strings(g.children[id])
	}
	for id := range g.parents {
		sort.Strings(g.parents[id])
	}
	return g, nil
}

func (g *Graph) Nodes() []string {
	return append([]string(nil), g.nodes...)
}

func (g *Graph) Has(id string) bool {
	return g.known.Has(id)
}

func (g *Graph) Parents(id string) []string {
	return append([]string(nil), g.parents[id]...)
}

func (g *Graph) Children(id string) []string {
	return append([]string(nil), g.children[id]...)
}

// TopologicalOrder runs Kahn's algorithm with a sorted ready set so the order
// is deterministic. When nodes remain, the cycle is located with a DFS.
func (g *Graph) TopologicalOrder() ([]string, error) {
	inDegree := make(map[string]int, len(g.nodes))
	for _, id := range g.nodes {
		inDegree[id] = len(g.parents[id])
	}

	ready := make([]string, 0, len(g.nodes))
	for _, id := range g.nodes {
		if inDegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	ordered := make([]string, 0, len(g.nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		ordered = append(ordered, id)
		for _, child := range g.children[id] {
			inDegree[child]--
			if inDegree[child] == 0 {
				ready = append(ready, child)
				sort.Strings(ready)
			}
		}
	}

	if len(ordered) != len(g.nodes) {
		if path := g.findCycle(); path != nil {
			return nil, &CycleError{Path: path}
		}
		return nil, &CycleError{}
	}
	return ordered, nil
}

func (g *Graph) findCycle() []string {
	visited := make(Set, len(g.nodes))
	onStack := make(Set, len(g.nodes))
	stack := make([]string, 0, len(g.nodes))

	var visit func(id string) []string
	visit = func(id string) []string {
		visited[id] = struct{}{}
		onStack[id] = struct{}{}
		stack = append(stack, id)
		for _, child := range g.children[id] {
			if onStack.Has(child) {
				start := 0
				for i, s := range stack {
					if s == child {
						start = i
						break
					}
				}
				path := append([]string(nil), stack[start:]...)
				return append(path, child)
			}
			if !visited.Has(child) {
				if path := visit(child); path != nil {
					return path
				}
			}
		}
		stack = stack[:len(stack)-1]
		delete(onStack, id)
		return nil
	}

	for _, id := range g.nodes {
		if visited.Has(id) {
			continue
		}
		if path := visit(id); path != nil {
			return path
		}
	}
	return nil
}

// Roots returns the nodes without predecessors, sorted.
func (g *Graph) Roots() []string {
	out := make([]string, 0)
	for _, id := range g.nodes {
		if len(g.parents[id]) == 0 {
			out = append(out, id)
		}
	}
	return out
}

// NextRunnable returns the nodes that are neither completed nor running and
// whose direct predecessors are all completed.
func (g *Graph) NextRunnable(completed, running Set) []string {
	out := make([]string, 0)
	for _, id := range g.nodes {
		if completed.Has(id) || running.Has(id) {
			continue
		}
		if g.parentsCompleted(id, completed) {
			out = append(out, id)
		}
	}
	return out
}

// ParentsCompleted reports whether every direct predecessor of id is in completed.
func (g *Graph) ParentsCompleted(id string, completed Set) bool {
	return g.parentsCompleted(id, completed)
}

func (g *Graph) parentsCompleted(id string, completed Set) bool {
	for _, p := range g.parents[id] {
		if !completed.Has(p) {
			return false
		}
	}
	return true
}

func TopologicalOrder(nodes []string, edges []Edge) ([]string, error) {
	g, err := Build(nodes, edges)
	if err != nil {
		return nil, err
	}
	return g.TopologicalOrder()
}

func FindRoots(nodes []string, edges []Edge) ([]string, error) {
	g, err := Build(nodes, edges)
	if err != nil {
		return nil, err
	}
	return g.Roots(), nil
}

func NextRunnable(nodes []string, edges []Edge, completed, running Set) ([]string, error) {
	g, err := Build(nodes, edges)
	if err != nil {
		return nil, err
	}
	return g.NextRunnable(completed, running), nil
}

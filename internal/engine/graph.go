package engine

import (
	"fmt"
	"sync"

	"github.com/gammazero/toposort"
)

// Graph maintains the task dependency edges: a forward view (task -> its
// dependencies) and a reverse view (task -> its dependents). Edge commits are
// atomic with respect to cycle detection, so the dependency relation over
// registered tasks stays acyclic at all times.
type Graph struct {
	mu         sync.RWMutex
	deps       map[string][]string
	dependents map[string][]string
}

// NewGraph creates an empty dependency graph.
func NewGraph() *Graph {
	return &Graph{
		deps:       make(map[string][]string),
		dependents: make(map[string][]string),
	}
}

// AddEdges inserts the edges taskID -> dep for every dependency id, after
// verifying that none of them would form a cycle. On a detected cycle nothing
// is committed and ErrCyclicDependency is returned. Placeholders created for
// the non-cyclic dependencies before the check are harmless and may remain.
func (g *Graph) AddEdges(taskID string, dependencyIDs []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, depID := range dependencyIDs {
		if g.reachable(depID, taskID) {
			return fmt.Errorf("%w: %q -> %q closes a cycle", ErrCyclicDependency, taskID, depID)
		}
	}

	for _, depID := range dependencyIDs {
		g.deps[taskID] = append(g.deps[taskID], depID)
		g.dependents[depID] = append(g.dependents[depID], taskID)
	}
	return nil
}

// reachable reports whether target can be reached from start by following
// dependency edges. Iterative DFS with a visited set; O(V+E), acceptable
// since registration is not a hot loop.
func (g *Graph) reachable(start, target string) bool {
	if start == target {
		return true
	}
	visited := map[string]bool{start: true}
	stack := []string{start}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range g.deps[node] {
			if next == target {
				return true
			}
			if !visited[next] {
				visited[next] = true
				stack = append(stack, next)
			}
		}
	}
	return false
}

// Dependencies returns the direct dependency ids of a task.
func (g *Graph) Dependencies(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.deps[taskID]...)
}

// Dependents returns the direct dependent ids of a task.
func (g *Graph) Dependents(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.dependents[taskID]...)
}

// Chain returns the transitive dependency closure of a task: ancestors in
// topological order (dependencies-of-dependencies first) and descendants in
// reverse-topological order. The task itself appears in neither list. Used
// for visualization and diagnostics only.
func (g *Graph) Chain(taskID string) (ancestors, descendants []string, err error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ancestorSet := g.closure(taskID, g.deps)
	descendantSet := g.closure(taskID, g.dependents)

	ancestors, err = g.sortSubgraph(ancestorSet)
	if err != nil {
		return nil, nil, fmt.Errorf("ordering ancestors of %q: %w", taskID, err)
	}

	descendants, err = g.sortSubgraph(descendantSet)
	if err != nil {
		return nil, nil, fmt.Errorf("ordering descendants of %q: %w", taskID, err)
	}
	reverse(descendants)

	return ancestors, descendants, nil
}

// Order returns a topological ordering of every node in the graph, as a
// whole-graph diagnostic.
func (g *Graph) Order() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	all := make(map[string]bool)
	for id := range g.deps {
		all[id] = true
	}
	for id := range g.dependents {
		all[id] = true
	}
	return g.sortSubgraph(all)
}

// closure collects every node reachable from taskID through the given edge
// view, excluding taskID itself.
func (g *Graph) closure(taskID string, edges map[string][]string) map[string]bool {
	result := make(map[string]bool)
	stack := append([]string(nil), edges[taskID]...)
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if result[node] {
			continue
		}
		result[node] = true
		stack = append(stack, edges[node]...)
	}
	return result
}

// sortSubgraph topologically orders the given node set using the dependency
// edges restricted to that set. Dependencies come before their dependents.
func (g *Graph) sortSubgraph(nodes map[string]bool) ([]string, error) {
	if len(nodes) == 0 {
		return []string{}, nil
	}

	var edges []toposort.Edge
	for id := range nodes {
		inSet := false
		for _, depID := range g.deps[id] {
			if nodes[depID] {
				edges = append(edges, toposort.Edge{depID, id})
				inSet = true
			}
		}
		if !inSet {
			// Node with no in-set dependencies still needs to appear.
			edges = append(edges, toposort.Edge{nil, id})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, err
	}

	order := make([]string, 0, len(nodes))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}
	return order, nil
}

func reverse(s []string) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

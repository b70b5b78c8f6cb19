package compiler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/stepflow/internal/workflow"
)

// CycleWarning reports a loop in a definition's step graph.
//
// Loops are legal: a run through one is bounded by the engine's step
// budget and resumes on the next advance. They are reported so authors
// notice loops without an exit.
type CycleWarning struct {
	Path    []string `json:"path"`    // e.g. ["review", "rework", "review"]
	Message string   `json:"message"`
	Level   string   `json:"level"`   // "warning" or "info"
}

// AnalyzeCycles finds strongly connected components of the step graph
// with Tarjan's algorithm. A loop with an edge leaving it is "info"; one
// with no way out is a "warning".
func AnalyzeCycles(def *workflow.Definition) []CycleWarning {
	graph := buildStepGraph(def)

	var warnings []CycleWarning
	for _, scc := range tarjanSCC(graph) {
		if len(scc) > 1 || (len(scc) == 1 && hasSelfLoop(scc[0], graph)) {
			warnings = append(warnings, cycleSCCToWarning(scc, graph))
		}
	}
	sort.Slice(warnings, func(i, j int) bool {
		return strings.Join(warnings[i].Path, ",") < strings.Join(warnings[j].Path, ",")
	})
	return warnings
}

// dependencyGraph maps step id -> step ids it can route to.
type dependencyGraph map[string][]string

func buildStepGraph(def *workflow.Definition) dependencyGraph {
	graph := make(dependencyGraph, len(def.Steps))
	for id, s := range def.Steps {
		graph[id] = []string{}
		for _, next := range s.Edges() {
			if def.Step(next) != nil {
				graph[id] = append(graph[id], next)
			}
		}
	}
	return graph
}

// hasSelfLoop checks if a node has an edge to itself.
func hasSelfLoop(node string, graph dependencyGraph) bool {
	for _, neighbor := range graph[node] {
		if neighbor == node {
			return true
		}
	}
	return false
}

// tarjanSCC finds strongly connected components using Tarjan's algorithm.
//
// Returns a list of SCCs, where each SCC is a list of step IDs.
// Single-node SCCs without self-loops are NOT cycles.
func tarjanSCC(graph dependencyGraph) [][]string {
	var (
		index   = 0
		stack   []string
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		sccs    [][]string
	)

	var strongConnect func(string)
	strongConnect = func(v string) {
		// Set the depth index for v
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		// Consider successors of v
		for _, w := range graph[v] {
			if _, visited := indices[w]; !visited {
				// Successor w has not yet been visited; recurse on it
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				// Successor w is on stack and hence in the current SCC
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		// If v is a root node, pop the stack and create an SCC
		if lowlink[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sccs = append(sccs, scc)
		}
	}

	// Visit nodes in a stable order so warnings are deterministic
	nodes := make([]string, 0, len(graph))
	for node := range graph {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)
	for _, node := range nodes {
		if _, visited := indices[node]; !visited {
			strongConnect(node)
		}
	}

	return sccs
}

// cycleSCCToWarning converts an SCC to a CycleWarning.
func cycleSCCToWarning(scc []string, graph dependencyGraph) CycleWarning {
	sort.Strings(scc)
	level := "warning"
	if hasExit(scc, graph) {
		level = "info"
	}

	if len(scc) == 1 {
		id := scc[0]
		return CycleWarning{
			Path:    []string{id, id},
			Message: fmt.Sprintf("step routes to itself: %s → %s", id, id),
			Level:   level,
		}
	}

	path := reconstructCyclePath(scc, graph)
	return CycleWarning{
		Path:    path,
		Message: fmt.Sprintf("loop detected: %s", strings.Join(path, " → ")),
		Level:   level,
	}
}

// hasExit reports whether any member of scc routes outside it.
func hasExit(scc []string, graph dependencyGraph) bool {
	members := make(map[string]bool, len(scc))
	for _, id := range scc {
		members[id] = true
	}
	for _, id := range scc {
		if len(graph[id]) == 0 {
			return true
		}
		for _, next := range graph[id] {
			if !members[next] {
				return true
			}
		}
	}
	return false
}

// reconstructCyclePath builds a cycle path from an SCC.
//
// Strategy: Start at first node in SCC, follow edges to other SCC members,
// continue until we return to start node.
func reconstructCyclePath(scc []string, graph dependencyGraph) []string {
	if len(scc) == 0 {
		return []string{}
	}

	// Build set of SCC members for fast lookup
	sccSet := make(map[string]bool)
	for _, node := range scc {
		sccSet[node] = true
	}

	// Start at first node
	start := scc[0]
	current := start
	path := []string{current}
	visited := make(map[string]bool)

	// Follow edges within SCC until we return to start
	for {
		visited[current] = true

		// Find next SCC member reachable from current
		var next string
		for _, neighbor := range graph[current] {
			if sccSet[neighbor] && (!visited[neighbor] || neighbor == start) {
				next = neighbor
				break
			}
		}

		if next == "" {
			// No more unvisited neighbors in SCC
			break
		}

		path = append(path, next)

		if next == start {
			// Completed the cycle
			break
		}

		current = next
	}

	return path
}

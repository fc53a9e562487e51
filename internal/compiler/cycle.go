package compiler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/crmsync/internal/ir"
)

// Edge is one relationship dependency: From holds a reference to To, so To
// must be synced before From.
type Edge struct {
	From  ir.EntityType `json:"from"`
	To    ir.EntityType `json:"to"`
	Field string        `json:"field"`

	// AutoCreate edges are required: the related record is materialized on
	// demand, which only works when To is ordered ahead of From.
	AutoCreate bool `json:"auto_create"`
}

func (e Edge) String() string {
	return fmt.Sprintf("%s.%s -> %s", e.From, e.Field, e.To)
}

// dependencyGraph maps entity type -> entity types it references.
type dependencyGraph map[ir.EntityType][]ir.EntityType

func buildDependencyGraph(nodes []ir.EntityType, edges []Edge) dependencyGraph {
	graph := make(dependencyGraph, len(nodes))
	for _, n := range nodes {
		graph[n] = []ir.EntityType{}
	}
	for _, e := range edges {
		graph[e.From] = append(graph[e.From], e.To)
	}
	return graph
}

// hasSelfLoop checks if a node has an edge to itself.
func hasSelfLoop(node ir.EntityType, graph dependencyGraph) bool {
	for _, neighbor := range graph[node] {
		if neighbor == node {
			return true
		}
	}
	return false
}

// tarjanSCC finds strongly connected components using Tarjan's algorithm.
// Nodes are visited in the order given so the result is deterministic.
// Single-node SCCs without self-loops are NOT cycles.
func tarjanSCC(nodes []ir.EntityType, graph dependencyGraph) [][]ir.EntityType {
	var (
		index   = 0
		stack   []ir.EntityType
		indices = make(map[ir.EntityType]int)
		lowlink = make(map[ir.EntityType]int)
		onStack = make(map[ir.EntityType]bool)
		sccs    [][]ir.EntityType
	)

	var strongConnect func(ir.EntityType)
	strongConnect = func(v ir.EntityType) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range graph[v] {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] == indices[v] {
			var scc []ir.EntityType
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

	for _, node := range nodes {
		if _, visited := indices[node]; !visited {
			strongConnect(node)
		}
	}

	return sccs
}

// cycles returns the SCCs of graph that form a cycle, each as a set.
func cycles(nodes []ir.EntityType, graph dependencyGraph) []map[ir.EntityType]bool {
	var out []map[ir.EntityType]bool
	for _, scc := range tarjanSCC(nodes, graph) {
		if len(scc) > 1 || hasSelfLoop(scc[0], graph) {
			set := make(map[ir.EntityType]bool, len(scc))
			for _, n := range scc {
				set[n] = true
			}
			out = append(out, set)
		}
	}
	return out
}

// breakCycles decides which edges are deferred to the second pass. Every
// non-auto-creating edge inside a cycle is deferred. Whatever remains must be
// acyclic; a cycle made only of auto-creating edges cannot be ordered and is
// reported as an E230 error.
func breakCycles(nodes []ir.EntityType, edges []Edge) (deferred []bool, errs []ValidationError) {
	deferred = make([]bool, len(edges))

	for _, members := range cycles(nodes, buildDependencyGraph(nodes, edges)) {
		for i, e := range edges {
			if !e.AutoCreate && members[e.From] && members[e.To] {
				deferred[i] = true
			}
		}
	}

	var required []Edge
	for i, e := range edges {
		if !deferred[i] {
			required = append(required, e)
		}
	}
	for _, members := range cycles(nodes, buildDependencyGraph(nodes, required)) {
		var path []string
		for _, e := range required {
			if members[e.From] && members[e.To] {
				path = append(path, e.String())
			}
		}
		sort.Strings(path)
		errs = append(errs, ValidationError{
			Field:   "relationships",
			Message: fmt.Sprintf("cycle of auto-creating relationships cannot be ordered: %s", strings.Join(path, ", ")),
			Code:    ErrRequiredCycle,
		})
	}
	return deferred, errs
}

// topoOrder sorts nodes so that every edge's To precedes its From (Kahn's
// algorithm). Among ready nodes the lower rank goes first. edges must be
// acyclic.
func topoOrder(nodes []ir.EntityType, edges []Edge, rank func(ir.EntityType) int) []ir.EntityType {
	indegree := make(map[ir.EntityType]int, len(nodes))
	dependents := make(map[ir.EntityType][]ir.EntityType)
	seen := make(map[[2]ir.EntityType]bool)
	for _, n := range nodes {
		indegree[n] = 0
	}
	for _, e := range edges {
		key := [2]ir.EntityType{e.From, e.To}
		if e.From == e.To || seen[key] {
			continue
		}
		seen[key] = true
		indegree[e.From]++
		dependents[e.To] = append(dependents[e.To], e.From)
	}

	var ready []ir.EntityType
	for _, n := range nodes {
		if indegree[n] == 0 {
			ready = append(ready, n)
		}
	}

	order := make([]ir.EntityType, 0, len(nodes))
	for len(ready) > 0 {
		sort.SliceStable(ready, func(i, j int) bool { return rank(ready[i]) < rank(ready[j]) })
		n := ready[0]
		ready = ready[1:]
		order = append(order, n)
		for _, d := range dependents[n] {
			indegree[d]--
			if indegree[d] == 0 {
				ready = append(ready, d)
			}
		}
	}
	return order
}

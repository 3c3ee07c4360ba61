// Package testutils holds reference computations that dataflow tests compare against.
package testutils

import "slices"

// Edge is a directed edge between two nodes.
type Edge [2]int

// Closure computes the transitive closure of the edges set to true by breadth-first search.
func Closure(edges map[Edge]bool) map[Edge]bool {
	adj := map[int][]int{}
	for e, ok := range edges {
		if ok {
			adj[e[0]] = append(adj[e[0]], e[1])
		}
	}
	result := map[Edge]bool{}
	for src := range adj {
		seen := map[int]bool{}
		queue := slices.Clone(adj[src])
		for len(queue) > 0 {
			n := queue[0]
			queue = queue[1:]
			if seen[n] {
				continue
			}
			seen[n] = true
			result[Edge{src, n}] = true
			queue = append(queue, adj[n]...)
		}
	}
	return result
}

// Toggle flips the membership of an edge and returns the diff that performs the flip on a
// collection: +1 for an insertion, -1 for a removal.
func Toggle(edges map[Edge]bool, e Edge) int64 {
	if edges[e] {
		edges[e] = false
		return -1
	}
	edges[e] = true
	return 1
}

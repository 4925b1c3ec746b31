package strata

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// graph is a directed acyclic graph of type Type. It's used to order the
// Components of an App so that every Component is tried before the
// Components it depends on.
type graph[Type any] struct {
	// nodes holds the nodes in the graph.
	nodes []Type

	// edgesTo holds graph edges, with the key being the position of the
	// node in the nodes slice that the edges are pointing to.
	//
	// if there's a node 1 and a node 2, and an edge from 1->2, edgesTo
	// will have a key of 2 with a value of [1].
	//
	// nodes point to the nodes that must be walked before them; i.e., if
	// there's an edge from 1->2, 2 will always appear before 1 when
	// walking the graph.
	edgesTo map[int]map[int]struct{}

	// edgesFrom holds graph edges, with the key being the position of the
	// node in the nodes slice that the edges are pointing from.
	//
	// if there's a node 1 and a node 2, and an edge from 1->2, edgesFrom
	// will have a key of 1 with a value of [2].
	edgesFrom map[int]map[int]struct{}
}

func newGraph[Type any](nodes []Type) graph[Type] {
	return graph[Type]{
		nodes:     nodes,
		edgesTo:   map[int]map[int]struct{}{},
		edgesFrom: map[int]map[int]struct{}{},
	}
}

// addEdge records that the node at position from must be walked after the
// node at position to.
func (g graph[Type]) addEdge(from, to int) {
	if g.edgesFrom[from] == nil {
		g.edgesFrom[from] = map[int]struct{}{}
	}
	if g.edgesTo[to] == nil {
		g.edgesTo[to] = map[int]struct{}{}
	}
	g.edgesFrom[from][to] = struct{}{}
	g.edgesTo[to][from] = struct{}{}
}

// walkGraph returns the nodes of the graph in an order that respects every
// edge. Nodes that are free to go in any order relative to each other are
// ordered by compare. The graph's edges are consumed by the walk.
//
// If the graph has a cycle, the nodes that could be ordered are returned
// along with an error wrapping ErrComponentCycle.
func walkGraph[Type any](resources graph[Type], compare func(a, b Type) int, describe func(Type) string) ([]Type, error) {
	sortByPos := func(a, b int) int {
		return compare(resources.nodes[a], resources.nodes[b])
	}
	noParents := make([]int, 0, len(resources.nodes))
	results := make([]Type, 0, len(resources.nodes))
	for pos := range resources.nodes {
		edges, ok := resources.edgesFrom[pos]
		if !ok || len(edges) < 1 {
			noParents = append(noParents, pos)
		}
	}
	slices.SortFunc(noParents, sortByPos)
	for len(noParents) > 0 {
		pos := noParents[0]
		noParents = noParents[1:]
		results = append(results, resources.nodes[pos])
		var noParentsChanged bool
		for child := range resources.edgesTo[pos] {
			delete(resources.edgesFrom[child], pos)
			delete(resources.edgesTo[pos], child)
			if len(resources.edgesFrom[child]) < 1 {
				delete(resources.edgesFrom, child)
				noParents = append(noParents, child)
				noParentsChanged = true
			}
		}
		delete(resources.edgesTo, pos)
		if noParentsChanged {
			slices.SortFunc(noParents, sortByPos)
		}
	}
	if len(resources.edgesFrom) > 0 {
		var edgesFrom, stuck []string
		for k, v := range resources.edgesFrom {
			var vals []string
			for val := range v {
				vals = append(vals, strconv.Itoa(val))
			}
			slices.Sort(vals)
			edgesFrom = append(edgesFrom, fmt.Sprintf("%d:%s", k, strings.Join(vals, ",")))
			stuck = append(stuck, describe(resources.nodes[k]))
		}
		slices.Sort(edgesFrom)
		slices.Sort(stuck)
		return results, fmt.Errorf("%w: edges_from=[%s], nodes=[%s]", ErrComponentCycle, strings.Join(edgesFrom, "; "), strings.Join(stuck, ", "))
	}
	return results, nil
}

package graph

import (
	"context"
	"fmt"
	"sort"

	"github.com/brunobiangulo/docgraph/store"
)

// EdgeLister is the store capability Neighbors needs.
type EdgeLister interface {
	ListEdges(ctx context.Context, f store.EdgeFilter) ([]store.Edge, error)
}

// Neighbors expands nodeIDs by up to depth hops along edges of any type and
// direction. The result includes the seeds and is sorted.
func Neighbors(ctx context.Context, s EdgeLister, nodeIDs []string, depth int) ([]string, error) {
	visited := make(map[string]bool, len(nodeIDs))
	frontier := make([]string, 0, len(nodeIDs))
	for _, id := range nodeIDs {
		if !visited[id] {
			visited[id] = true
			frontier = append(frontier, id)
		}
	}

	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		edges, err := s.ListEdges(ctx, store.EdgeFilter{Touching: frontier})
		if err != nil {
			return nil, fmt.Errorf("graph.Neighbors: loading edges at hop %d: %w", hop+1, err)
		}
		var next []string
		for _, e := range edges {
			for _, id := range []string{e.SourceNodeID, e.TargetNodeID} {
				if !visited[id] {
					visited[id] = true
					next = append(next, id)
				}
			}
		}
		frontier = next
	}

	out := make([]string, 0, len(visited))
	for id := range visited {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

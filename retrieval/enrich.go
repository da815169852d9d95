package retrieval

import (
	"context"
	"log/slog"
	"sort"

	"github.com/brunobiangulo/docgraph/store"
)

// EntityRef is a node mentioned in the enriched results.
type EntityRef struct {
	NodeID        string `json:"node_id"`
	CanonicalName string `json:"canonical_name"`
	MentionCount  int    `json:"mention_count"`
	DocumentCount int    `json:"document_count"`
}

// Path is one edge among the enriched nodes, rendered as
// source -[relationship_type]-> target.
type Path struct {
	Source           string  `json:"source"`
	RelationshipType string  `json:"relationship_type"`
	Target           string  `json:"target"`
	Weight           float64 `json:"weight"`
	ValidFrom        string  `json:"valid_from,omitempty"`
}

// enrich attaches entity and relationship context for the top results.
// Each part that fails is logged, recorded as a warning and left absent.
func (e *Engine) enrich(ctx context.Context, req Request, resp *Response) {
	topK := req.EnrichTopK
	if topK <= 0 {
		topK = e.cfg.EnrichTopK
	}
	var chunkIDs []string
	for i, r := range resp.Results {
		if i >= topK {
			break
		}
		if r.ChunkID != "" {
			chunkIDs = append(chunkIDs, r.ChunkID)
		}
	}
	if len(chunkIDs) == 0 {
		return
	}

	byChunk, err := e.index.NodesForChunks(ctx, chunkIDs)
	if err != nil {
		e.enrichmentFailed(resp, "entity context", err)
		return
	}
	nodes := make(map[string]store.Node)
	for _, ns := range byChunk {
		for _, n := range ns {
			nodes[n.ID] = n
		}
	}
	if len(nodes) == 0 {
		return
	}

	if req.IncludeEntityContext {
		resp.EntitiesByType = entitiesByType(nodes)
	}
	if req.IncludeRelationships {
		paths, err := e.relationshipPaths(ctx, nodes, req.PreferRecent)
		if err != nil {
			e.enrichmentFailed(resp, "relationship paths", err)
			return
		}
		resp.RelationshipPaths = paths
	}
}

func (e *Engine) enrichmentFailed(resp *Response, what string, err error) {
	slog.Warn("retrieval: enrichment failed", "part", what, "error", err)
	resp.Warnings = append(resp.Warnings, what+" unavailable: "+err.Error())
}

// entitiesByType groups nodes by entity type, most mentioned first.
func entitiesByType(nodes map[string]store.Node) map[string][]EntityRef {
	out := make(map[string][]EntityRef)
	for _, n := range nodes {
		out[n.EntityType] = append(out[n.EntityType], EntityRef{
			NodeID:        n.ID,
			CanonicalName: n.CanonicalName,
			MentionCount:  n.MentionCount,
			DocumentCount: n.DocumentCount,
		})
	}
	for _, refs := range out {
		sort.Slice(refs, func(i, j int) bool {
			if refs[i].MentionCount != refs[j].MentionCount {
				return refs[i].MentionCount > refs[j].MentionCount
			}
			if refs[i].CanonicalName != refs[j].CanonicalName {
				return refs[i].CanonicalName < refs[j].CanonicalName
			}
			return refs[i].NodeID < refs[j].NodeID
		})
	}
	return out
}

// relationshipPaths returns the edges among nodes, heaviest first. With
// preferRecent only edges carrying valid_from are kept, newest first,
// unless none carry one.
func (e *Engine) relationshipPaths(ctx context.Context, nodes map[string]store.Node, preferRecent bool) ([]Path, error) {
	ids := make([]string, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	edges, err := e.index.ListEdges(ctx, store.EdgeFilter{Among: ids})
	if err != nil {
		return nil, err
	}

	if preferRecent {
		var dated []store.Edge
		for _, edge := range edges {
			if edge.ValidFrom != nil && *edge.ValidFrom != "" {
				dated = append(dated, edge)
			}
		}
		if len(dated) > 0 {
			edges = dated
			sort.SliceStable(edges, func(i, j int) bool {
				if *edges[i].ValidFrom != *edges[j].ValidFrom {
					return *edges[i].ValidFrom > *edges[j].ValidFrom
				}
				return edges[i].Weight > edges[j].Weight
			})
		} else {
			preferRecent = false
		}
	}
	if !preferRecent {
		sort.SliceStable(edges, func(i, j int) bool { return edges[i].Weight > edges[j].Weight })
	}
	if len(edges) > e.cfg.MaxPaths {
		edges = edges[:e.cfg.MaxPaths]
	}

	paths := make([]Path, len(edges))
	for i, edge := range edges {
		paths[i] = Path{
			Source:           nodes[edge.SourceNodeID].CanonicalName,
			RelationshipType: edge.RelationshipType,
			Target:           nodes[edge.TargetNodeID].CanonicalName,
			Weight:           edge.Weight,
		}
		if edge.ValidFrom != nil {
			paths[i].ValidFrom = *edge.ValidFrom
		}
	}
	return paths, nil
}

package graph

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/brunobiangulo/docgraph/apperr"
	"github.com/brunobiangulo/docgraph/store"
)

// DefaultFunctional lists, per relationship type, the entity types for which
// the relationship is expected to be single-valued.
func DefaultFunctional() map[string][]string {
	return map[string][]string{
		RelWorksAt:   {EntityPerson},
		RelFiledIn:   {EntityCaseNumber},
		RelLocatedIn: {EntityOrganization},
	}
}

// Severity grades a conflict by the number of partners involved.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

func severityFor(partners int) Severity {
	switch {
	case partners > 3:
		return SeverityHigh
	case partners > 2:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// NodeRef is the summary of a node used in scan results.
type NodeRef struct {
	ID            string `json:"id"`
	CanonicalName string `json:"canonical_name"`
	EntityType    string `json:"entity_type"`
}

func refOf(n store.Node) NodeRef {
	return NodeRef{ID: n.ID, CanonicalName: n.CanonicalName, EntityType: n.EntityType}
}

// ConflictOptions configures FindConflictingRelationships. A nil Functional
// uses DefaultFunctional.
type ConflictOptions struct {
	Functional map[string][]string
}

// RelationshipConflict is a node connected to several partners through a
// relationship type expected to be single-valued for it.
type RelationshipConflict struct {
	Node             NodeRef   `json:"node"`
	RelationshipType string    `json:"relationship_type"`
	Partners         []NodeRef `json:"partners"`
	EdgeIDs          []string  `json:"edge_ids"`
	Severity         Severity  `json:"severity"`
}

// FindConflictingRelationships groups each node's edges by relationship
// type, ignoring co-occurrence types, and reports the groups where a
// functional relationship reaches more than one distinct partner.
func FindConflictingRelationships(ctx context.Context, s *store.Store, opts ConflictOptions) (_ []RelationshipConflict, err error) {
	ctx, span := tracer.Start(ctx, "graph.FindConflictingRelationships")
	defer func() { endSpan(span, err) }()

	functional := opts.Functional
	if functional == nil {
		functional = DefaultFunctional()
	}
	types := make([]string, 0, len(functional))
	for t := range functional {
		if !IsCoOccurrence(t) {
			types = append(types, t)
		}
	}
	if len(types) == 0 {
		return nil, nil
	}
	sort.Strings(types)

	edges, err := s.ListEdges(ctx, store.EdgeFilter{Types: types})
	if err != nil {
		return nil, apperr.Store(err, "loading edges for conflict scan")
	}

	type group struct {
		partners map[string]bool
		edges    []string
	}
	type groupKey struct{ node, relType string }
	groups := make(map[groupKey]*group)
	add := func(node, partner, relType, edgeID string) {
		k := groupKey{node, relType}
		g := groups[k]
		if g == nil {
			g = &group{partners: make(map[string]bool)}
			groups[k] = g
		}
		g.partners[partner] = true
		g.edges = append(g.edges, edgeID)
	}
	for _, e := range edges {
		add(e.SourceNodeID, e.TargetNodeID, e.RelationshipType, e.ID)
		add(e.TargetNodeID, e.SourceNodeID, e.RelationshipType, e.ID)
	}

	var candidates []groupKey
	need := make(map[string]bool)
	for k, g := range groups {
		if len(g.partners) > 1 {
			candidates = append(candidates, k)
			need[k.node] = true
			for p := range g.partners {
				need[p] = true
			}
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	nodes, err := nodeIndex(ctx, s, need)
	if err != nil {
		return nil, err
	}

	var out []RelationshipConflict
	for _, k := range candidates {
		n, ok := nodes[k.node]
		if !ok || !slices.Contains(functional[k.relType], n.EntityType) {
			continue
		}
		g := groups[k]
		c := RelationshipConflict{
			Node:             refOf(n),
			RelationshipType: k.relType,
			EdgeIDs:          store.NewStringSet(g.edges...),
			Severity:         severityFor(len(g.partners)),
		}
		for _, p := range sortedSet(g.partners) {
			if pn, ok := nodes[p]; ok {
				c.Partners = append(c.Partners, refOf(pn))
			}
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if len(out[i].Partners) != len(out[j].Partners) {
			return len(out[i].Partners) > len(out[j].Partners)
		}
		if out[i].Node.ID != out[j].Node.ID {
			return out[i].Node.ID < out[j].Node.ID
		}
		return out[i].RelationshipType < out[j].RelationshipType
	})
	span.SetAttributes(attribute.Int("conflicts", len(out)))
	return out, nil
}

// DefaultDuplicateThreshold is the similarity at which two node names are
// reported as duplicate candidates.
const DefaultDuplicateThreshold = 0.80

// Names shorter than minSubstringRunes never match as substrings.
const minSubstringRunes = 3

// DuplicateOptions configures FindDuplicateNodes. Zero values select the
// defaults; Limit <= 0 returns every pair.
type DuplicateOptions struct {
	Threshold  float64
	Similarity Similarity
	EntityType string
	Limit      int
}

// Duplicate reasons.
const (
	ReasonExact      = "exact"
	ReasonSubstring  = "substring"
	ReasonSimilarity = "similarity"
)

// DuplicatePair is a candidate pair of nodes naming the same entity.
type DuplicatePair struct {
	A          NodeRef `json:"node_a"`
	B          NodeRef `json:"node_b"`
	Similarity float64 `json:"similarity"`
	Reason     string  `json:"reason"`
}

// FindDuplicateNodes compares the names of same-type nodes and reports
// pairs whose normalized canonical names are equal, where one contains the
// other, or whose similarity reaches the threshold. Nodes are never merged.
func FindDuplicateNodes(ctx context.Context, s *store.Store, opts DuplicateOptions) (_ []DuplicatePair, err error) {
	ctx, span := tracer.Start(ctx, "graph.FindDuplicateNodes")
	defer func() { endSpan(span, err) }()

	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = DefaultDuplicateThreshold
	}
	sim := opts.Similarity
	if sim == nil {
		sim = LevenshteinSimilarity
	}

	nodes, err := s.ListNodes(ctx, store.NodeFilter{EntityType: opts.EntityType})
	if err != nil {
		return nil, apperr.Store(err, "loading nodes for duplicate scan")
	}
	byType := make(map[string][]store.Node)
	for _, n := range nodes {
		byType[n.EntityType] = append(byType[n.EntityType], n)
	}

	var out []DuplicatePair
	for _, group := range byType {
		sort.Slice(group, func(i, j int) bool { return group[i].ID < group[j].ID })
		for i := range group {
			if i%64 == 0 {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
			}
			a := store.NormalizeText(group[i].CanonicalName)
			for j := i + 1; j < len(group); j++ {
				b := store.NormalizeText(group[j].CanonicalName)
				score, reason, ok := compareNames(a, b, sim, threshold)
				if !ok {
					continue
				}
				out = append(out, DuplicatePair{
					A:          refOf(group[i]),
					B:          refOf(group[j]),
					Similarity: score,
					Reason:     reason,
				})
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		if out[i].A.ID != out[j].A.ID {
			return out[i].A.ID < out[j].A.ID
		}
		return out[i].B.ID < out[j].B.ID
	})
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	span.SetAttributes(attribute.Int("pairs", len(out)))
	return out, nil
}

func compareNames(a, b string, sim Similarity, threshold float64) (float64, string, bool) {
	if a == "" || b == "" {
		return 0, "", false
	}
	if a == b {
		return 1, ReasonExact, true
	}
	score := sim(a, b)
	shorter, longer := a, b
	if len([]rune(b)) < len([]rune(a)) {
		shorter, longer = b, a
	}
	if len([]rune(shorter)) >= minSubstringRunes && strings.Contains(longer, shorter) {
		return score, ReasonSubstring, true
	}
	if score >= threshold {
		return score, ReasonSimilarity, true
	}
	return 0, "", false
}

// TemporalOptions configures FindTemporalConflicts. A nil Functional uses
// DefaultFunctional.
type TemporalOptions struct {
	Functional map[string][]string
}

// Temporal conflict kinds.
const (
	ConflictOverlappingExclusive = "overlapping_exclusive"
	ConflictInvertedInterval     = "inverted_interval"
)

// TemporalConflict is an inconsistency between edge validity windows.
type TemporalConflict struct {
	Kind             string   `json:"kind"`
	RelationshipType string   `json:"relationship_type"`
	Node             NodeRef  `json:"node"`
	EdgeIDs          []string `json:"edge_ids"`
	Detail           string   `json:"detail"`
}

// FindTemporalConflicts reports edges whose validity windows contradict:
// an edge with valid_from after valid_until, or two edges of a functional
// type from the same node to different partners whose windows overlap.
// Only edges with both bounds set take part. Databases without validity
// columns yield an empty result.
func FindTemporalConflicts(ctx context.Context, s *store.Store, opts TemporalOptions) (_ []TemporalConflict, err error) {
	ctx, span := tracer.Start(ctx, "graph.FindTemporalConflicts")
	defer func() { endSpan(span, err) }()

	if s.Version() < store.TemporalSchemaVersion {
		return nil, nil
	}
	functional := opts.Functional
	if functional == nil {
		functional = DefaultFunctional()
	}

	edges, err := s.ListEdges(ctx, store.EdgeFilter{TemporalOnly: true})
	if err != nil {
		return nil, apperr.Store(err, "loading temporal edges")
	}
	if len(edges) == 0 {
		return nil, nil
	}

	need := make(map[string]bool)
	for _, e := range edges {
		need[e.SourceNodeID] = true
		need[e.TargetNodeID] = true
	}
	nodes, err := nodeIndex(ctx, s, need)
	if err != nil {
		return nil, err
	}

	var out []TemporalConflict
	type groupKey struct{ node, relType string }
	groups := make(map[groupKey][]store.Edge)
	for _, e := range edges {
		from, until := deref(e.ValidFrom), deref(e.ValidUntil)
		if from == "" || until == "" {
			continue
		}
		if from > until {
			out = append(out, TemporalConflict{
				Kind:             ConflictInvertedInterval,
				RelationshipType: e.RelationshipType,
				Node:             refOf(nodes[e.SourceNodeID]),
				EdgeIDs:          []string{e.ID},
				Detail:           fmt.Sprintf("valid_from %s is after valid_until %s", from, until),
			})
		}
		types, ok := functional[e.RelationshipType]
		if !ok {
			continue
		}
		for _, end := range []string{e.SourceNodeID, e.TargetNodeID} {
			if slices.Contains(types, nodes[end].EntityType) {
				k := groupKey{end, e.RelationshipType}
				groups[k] = append(groups[k], e)
			}
		}
	}

	for k, group := range groups {
		for i := range group {
			for j := i + 1; j < len(group); j++ {
				a, b := group[i], group[j]
				if partner(a, k.node) == partner(b, k.node) || !overlaps(a, b) {
					continue
				}
				out = append(out, TemporalConflict{
					Kind:             ConflictOverlappingExclusive,
					RelationshipType: k.relType,
					Node:             refOf(nodes[k.node]),
					EdgeIDs:          store.NewStringSet(a.ID, b.ID),
					Detail: fmt.Sprintf("%s windows [%s, %s] and [%s, %s] overlap", k.relType,
						deref(a.ValidFrom), deref(a.ValidUntil), deref(b.ValidFrom), deref(b.ValidUntil)),
				})
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return strings.Join(out[i].EdgeIDs, ",") < strings.Join(out[j].EdgeIDs, ",")
	})
	span.SetAttributes(attribute.Int("conflicts", len(out)))
	return out, nil
}

func partner(e store.Edge, node string) string {
	if e.SourceNodeID == node {
		return e.TargetNodeID
	}
	return e.SourceNodeID
}

// overlaps compares closed ISO-8601 intervals lexically. Both edges must
// carry both bounds.
func overlaps(a, b store.Edge) bool {
	return deref(a.ValidUntil) >= deref(b.ValidFrom) && deref(b.ValidUntil) >= deref(a.ValidFrom)
}

// PruneEdges deletes edges with weight strictly below minWeight and returns
// how many were removed. Nodes are never deleted.
func PruneEdges(ctx context.Context, s *store.Store, minWeight float64) (int, error) {
	if minWeight < 0 || minWeight > 1 {
		return 0, apperr.Newf(apperr.Validation, "min weight %g is outside [0, 1]", minWeight)
	}
	n, err := s.DeleteEdgesBelow(ctx, minWeight)
	if err != nil {
		return 0, apperr.Store(err, "pruning edges")
	}
	slog.Info("graph: pruned edges", "min_weight", minWeight, "deleted", n)
	return n, nil
}

// NormalizeMethod selects how NormalizeEdgeWeights rescales.
type NormalizeMethod string

const (
	// NormalizeMax divides every weight by the maximum.
	NormalizeMax NormalizeMethod = "max"
	// NormalizeMinMax maps [min, max] onto [0, 1].
	NormalizeMinMax NormalizeMethod = "minmax"
)

// NormalizeEdgeWeights rescales every edge weight into [0, 1] preserving
// order, so that the maximum becomes 1.0. When all weights are equal they
// all become 1.0. It returns the number of edges rewritten.
func NormalizeEdgeWeights(ctx context.Context, s *store.Store, method NormalizeMethod) (int, error) {
	if method == "" {
		method = NormalizeMax
	}
	if method != NormalizeMax && method != NormalizeMinMax {
		return 0, apperr.Newf(apperr.Validation, "unknown normalization method %q", method)
	}

	lo, hi, count, err := s.EdgeWeightRange(ctx)
	if err != nil {
		return 0, apperr.Store(err, "reading edge weight range")
	}
	if count == 0 {
		return 0, nil
	}

	var n int
	switch {
	case hi == lo || hi <= 0:
		n, err = s.SetAllEdgeWeights(ctx, 1.0)
	case method == NormalizeMinMax:
		n, err = s.RescaleEdgeWeights(ctx, lo, hi-lo)
	default:
		n, err = s.RescaleEdgeWeights(ctx, 0, hi)
	}
	if err != nil {
		return 0, apperr.Store(err, "rescaling edge weights")
	}
	slog.Info("graph: normalized edge weights", "method", method, "min", lo, "max", hi, "edges", n)
	return n, nil
}

// nodeIndex loads the nodes in ids keyed by ID.
func nodeIndex(ctx context.Context, s *store.Store, ids map[string]bool) (map[string]store.Node, error) {
	nodes, err := s.GetNodes(ctx, sortedSet(ids))
	if err != nil {
		return nil, apperr.Store(err, "loading nodes")
	}
	out := make(map[string]store.Node, len(nodes))
	for _, n := range nodes {
		out[n.ID] = n
	}
	return out, nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

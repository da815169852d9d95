package graph

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/brunobiangulo/docgraph/apperr"
	"github.com/brunobiangulo/docgraph/metrics"
	"github.com/brunobiangulo/docgraph/store"
)

var tracer = otel.Tracer("github.com/brunobiangulo/docgraph/graph")

// ProcessorName identifies graph builds in provenance records.
const ProcessorName = "knowledge-graph-builder"

// ProvenanceType is the provenance type of graph builds.
const ProvenanceType = "KNOWLEDGE_GRAPH"

const (
	defaultCoLocatedWeight   = 0.7
	defaultCoMentionedWeight = 0.5
	defaultWeightBump        = 0.05
	defaultEdgeBatchSize     = 500
)

// BuilderConfig tunes a Builder. Zero values select the defaults.
type BuilderConfig struct {
	Classifier     *Classifier
	FuzzyThreshold float64
	Similarity     Similarity

	// CoLocatedWeight is the base weight of same-chunk edges (0.7).
	CoLocatedWeight float64
	// CoMentionedWeight is the base weight of same-document edges (0.5).
	CoMentionedWeight float64
	// WeightBump is added per unit of new evidence on existing edges (0.05).
	WeightBump float64
	// EdgeBatchSize is the number of edge upserts per transaction.
	EdgeBatchSize int
}

// Builder resolves extracted entities into knowledge nodes and connects
// them with co-occurrence and classified edges.
type Builder struct {
	store   *store.Store
	cfg     BuilderConfig
	metrics *metrics.Collector
}

// NewBuilder creates a graph builder over s. m may be nil.
func NewBuilder(s *store.Store, cfg BuilderConfig, m *metrics.Collector) *Builder {
	if cfg.Classifier == nil {
		cfg.Classifier = NewClassifier()
	}
	if cfg.CoLocatedWeight <= 0 {
		cfg.CoLocatedWeight = defaultCoLocatedWeight
	}
	if cfg.CoMentionedWeight <= 0 {
		cfg.CoMentionedWeight = defaultCoMentionedWeight
	}
	if cfg.WeightBump <= 0 {
		cfg.WeightBump = defaultWeightBump
	}
	if cfg.EdgeBatchSize <= 0 {
		cfg.EdgeBatchSize = defaultEdgeBatchSize
	}
	return &Builder{store: s, cfg: cfg, metrics: m}
}

// BuildOptions selects the scope and resolution mode of a build. An empty
// DocumentIDs builds over the whole corpus.
type BuildOptions struct {
	DocumentIDs []string       `json:"document_ids,omitempty" validate:"omitempty,dive,required"`
	Mode        ResolutionMode `json:"resolution_mode,omitempty" validate:"omitempty,oneof=exact fuzzy"`
}

// BuildResult summarizes a build.
type BuildResult struct {
	NodesCreated     int      `json:"nodes_created"`
	NodesUpdated     int      `json:"nodes_updated"`
	EdgesCreated     int      `json:"edges_created"`
	EdgesUpdated     int      `json:"edges_updated"`
	EntitiesResolved int      `json:"entities_resolved"`
	ProvenanceID     string   `json:"provenance_id"`
	DurationMs       int64    `json:"duration_ms"`
	SkippedDocuments []string `json:"skipped_documents,omitempty"`
}

// Build resolves the entities in scope into nodes and upserts their edges.
// Unknown document IDs are logged and skipped. A scope with no entities
// fails with a NO_ENTITIES error. Cancellation is checked between clusters
// and between edge batches; work committed before cancellation stays.
func (b *Builder) Build(ctx context.Context, opts BuildOptions) (res *BuildResult, err error) {
	if err := apperr.Validate(opts, "invalid build options"); err != nil {
		return nil, err
	}
	if opts.Mode == "" {
		opts.Mode = ModeExact
	}

	ctx, span := tracer.Start(ctx, "graph.Build", trace.WithAttributes(
		attribute.String("resolution_mode", string(opts.Mode)),
		attribute.Int("document_filter", len(opts.DocumentIDs)),
	))
	start := time.Now()
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = string(apperr.CategoryOf(err))
			if outcome == "" {
				outcome = "error"
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		created := 0
		if res != nil {
			created = res.NodesCreated
		}
		b.metrics.BuildFinished(outcome, time.Since(start), created)
		span.End()
	}()

	res = &BuildResult{ProvenanceID: uuid.NewString()}

	scope := opts.DocumentIDs
	if len(scope) > 0 {
		existing, err := b.store.ExistingDocumentIDs(ctx, scope)
		if err != nil {
			return nil, apperr.Store(err, "checking build documents")
		}
		res.SkippedDocuments = missing(scope, existing)
		for _, id := range res.SkippedDocuments {
			slog.Warn("graph: document not found, skipping", "document_id", id)
		}
		if len(existing) == 0 {
			return nil, apperr.New(apperr.NoEntities, "no entities in scope: none of the requested documents exist").
				WithDetails(map[string]any{"document_ids": opts.DocumentIDs})
		}
		scope = existing
	}

	entities, err := b.store.ListEntities(ctx, scope)
	if err != nil {
		return nil, apperr.Store(err, "loading entities")
	}
	if len(entities) == 0 {
		return nil, apperr.New(apperr.NoEntities, "no entities in scope").
			WithDetails(map[string]any{"document_ids": scope})
	}

	resolver := NewResolver(ResolverConfig{
		Mode:           opts.Mode,
		FuzzyThreshold: b.cfg.FuzzyThreshold,
		Similarity:     b.cfg.Similarity,
	})
	var anchors []Anchor
	if opts.Mode == ModeFuzzy {
		if anchors, err = b.anchors(ctx, entities); err != nil {
			return nil, apperr.Store(err, "loading existing nodes")
		}
	}
	clusters := resolver.ResolveWith(entities, anchors)
	slog.Info("graph: resolved entities", "entities", len(entities), "clusters", len(clusters),
		"anchors", len(anchors), "mode", opts.Mode)

	entityNode := make(map[string]string, len(entities))
	nodeType := make(map[string]string, len(clusters))
	for i, c := range clusters {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		nodeID, created, err := b.persistCluster(ctx, c, res.ProvenanceID)
		if err != nil {
			return nil, apperr.Store(err, fmt.Sprintf("persisting cluster %d (%s %q)", i, c.EntityType, c.NormalizedName))
		}
		if created {
			res.NodesCreated++
		} else {
			res.NodesUpdated++
		}
		res.EntitiesResolved += len(c.Members)
		nodeType[nodeID] = c.EntityType
		for _, m := range c.Members {
			entityNode[m.Entity.ID] = nodeID
		}
	}

	pending := b.collectEdges(entities, entityNode, nodeType, res.ProvenanceID)
	for off := 0; off < len(pending); off += b.cfg.EdgeBatchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch := pending[off:min(off+b.cfg.EdgeBatchSize, len(pending))]
		var created, updated int
		err := b.store.InTx(ctx, func(tx *store.Tx) error {
			created, updated = 0, 0
			for _, u := range batch {
				isNew, err := tx.UpsertEdge(ctx, u)
				if err != nil {
					return err
				}
				if isNew {
					created++
				} else {
					updated++
				}
			}
			return nil
		})
		if err != nil {
			return nil, apperr.Store(err, "upserting edges")
		}
		res.EdgesCreated += created
		res.EdgesUpdated += updated
		for _, u := range batch {
			b.metrics.EdgeUpserted(u.RelationshipType)
		}
	}

	res.DurationMs = time.Since(start).Milliseconds()
	prov := store.Provenance{
		ID:        res.ProvenanceID,
		Type:      ProvenanceType,
		Processor: ProcessorName,
		ProcessingParams: map[string]any{
			"resolution_mode":   string(opts.Mode),
			"document_ids":      opts.DocumentIDs,
			"nodes_created":     res.NodesCreated,
			"nodes_updated":     res.NodesUpdated,
			"edges_created":     res.EdgesCreated,
			"edges_updated":     res.EdgesUpdated,
			"entities_resolved": res.EntitiesResolved,
		},
		ProcessingDurationMs: res.DurationMs,
	}
	if len(scope) == 1 {
		prov.RootDocumentID = scope[0]
	}
	if _, err := b.store.InsertProvenance(ctx, prov); err != nil {
		return nil, apperr.Store(err, "recording build provenance")
	}

	span.SetAttributes(
		attribute.Int("nodes_created", res.NodesCreated),
		attribute.Int("edges_created", res.EdgesCreated),
	)
	slog.Info("graph: build complete",
		"nodes_created", res.NodesCreated,
		"nodes_updated", res.NodesUpdated,
		"edges_created", res.EdgesCreated,
		"edges_updated", res.EdgesUpdated,
		"entities_resolved", res.EntitiesResolved,
		"duration_ms", res.DurationMs)
	return res, nil
}

// anchors returns the existing nodes of the entity types in scope, so that
// scoped and incremental fuzzy builds merge into them.
func (b *Builder) anchors(ctx context.Context, entities []store.Entity) ([]Anchor, error) {
	types := make(map[string]bool)
	for _, e := range entities {
		types[e.EntityType] = true
	}
	nodes, err := b.store.FindNodes(ctx, nil, sortedSet(types))
	if err != nil {
		return nil, err
	}
	anchors := make([]Anchor, len(nodes))
	for i, n := range nodes {
		anchors[i] = Anchor{EntityType: n.EntityType, NormalizedName: n.NormalizedName, MentionCount: n.MentionCount}
	}
	return anchors, nil
}

// persistCluster upserts the cluster's node and links its members in one
// transaction. Nodes that lose entities to this cluster get their stats
// recomputed and are removed when left without links.
func (b *Builder) persistCluster(ctx context.Context, c Cluster, provenanceID string) (string, bool, error) {
	var nodeID string
	var created bool
	err := b.store.InTx(ctx, func(tx *store.Tx) error {
		var err error
		nodeID, created, err = tx.UpsertNode(ctx, store.Node{
			EntityType:     c.EntityType,
			CanonicalName:  c.CanonicalName,
			NormalizedName: c.NormalizedName,
			Aliases:        c.Aliases,
			ProvenanceID:   provenanceID,
		})
		if err != nil {
			return err
		}

		displaced := make(map[string]bool)
		for _, m := range c.Members {
			moved, err := tx.LinkEntity(ctx, store.NodeEntityLink{
				NodeID:          nodeID,
				EntityID:        m.Entity.ID,
				DocumentID:      m.Entity.DocumentID,
				SimilarityScore: m.SimilarityScore,
			})
			if err != nil {
				return err
			}
			for _, id := range moved {
				displaced[id] = true
			}
		}
		if err := tx.RecomputeNodeStats(ctx, nodeID); err != nil {
			return err
		}

		if len(displaced) == 0 {
			return nil
		}
		ids := make([]string, 0, len(displaced))
		for id := range displaced {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			if err := tx.RecomputeNodeStats(ctx, id); err != nil {
				return err
			}
		}
		removed, _, err := tx.DeleteOrphanNodes(ctx, ids)
		if removed > 0 {
			slog.Debug("graph: removed nodes emptied by re-resolution", "count", removed)
		}
		return err
	})
	return nodeID, created, err
}

type edgeKey struct {
	source, target, relType string
}

type pendingEdge struct {
	weight   float64
	evidence store.DocumentEvidence
}

// collectEdges aggregates the co-occurrence and classified edge
// observations of one build. Two nodes mentioned in the same chunk yield
// co_located with one unit of evidence per shared chunk; nodes in the same
// document with no shared chunk yield co_mentioned with one unit per
// document. Every co-occurring pair whose types the classifier knows also
// yields a typed edge with one unit of evidence per document.
func (b *Builder) collectEdges(entities []store.Entity, entityNode, nodeType map[string]string, provenanceID string) []store.EdgeUpsert {
	type docNodes struct {
		nodes  map[string]bool
		chunks map[string]map[string]bool
	}
	docs := make(map[string]*docNodes)
	for _, e := range entities {
		nodeID, ok := entityNode[e.ID]
		if !ok {
			continue
		}
		d := docs[e.DocumentID]
		if d == nil {
			d = &docNodes{nodes: make(map[string]bool), chunks: make(map[string]map[string]bool)}
			docs[e.DocumentID] = d
		}
		d.nodes[nodeID] = true
		for _, m := range e.Mentions {
			if m.ChunkID == "" {
				continue
			}
			if d.chunks[m.ChunkID] == nil {
				d.chunks[m.ChunkID] = make(map[string]bool)
			}
			d.chunks[m.ChunkID][nodeID] = true
		}
	}

	edges := make(map[edgeKey]*pendingEdge)
	observe := func(k edgeKey, weight float64, evidence int, docID string) {
		p := edges[k]
		if p == nil {
			p = &pendingEdge{weight: weight, evidence: store.DocumentEvidence{}}
			edges[k] = p
		}
		p.evidence[docID] += evidence
	}

	for docID, d := range docs {
		shared := make(map[[2]string]int)
		for _, nodes := range d.chunks {
			ids := sortedSet(nodes)
			for i := range ids {
				for j := i + 1; j < len(ids); j++ {
					shared[[2]string{ids[i], ids[j]}]++
				}
			}
		}

		ids := sortedSet(d.nodes)
		for i := range ids {
			for j := i + 1; j < len(ids); j++ {
				a, z := ids[i], ids[j]
				if n := shared[[2]string{a, z}]; n > 0 {
					observe(edgeKey{a, z, RelCoLocated}, b.cfg.CoLocatedWeight, n, docID)
				} else {
					observe(edgeKey{a, z, RelCoMentioned}, b.cfg.CoMentionedWeight, 1, docID)
				}

				cl, ok := b.cfg.Classifier.Classify(nodeType[a], nodeType[z])
				if !ok {
					continue
				}
				src, dst := orient(a, z, nodeType, cl)
				observe(edgeKey{src, dst, cl.RelationshipType}, cl.Confidence, 1, docID)
			}
		}
	}

	keys := make([]edgeKey, 0, len(edges))
	for k := range edges {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].source != keys[j].source {
			return keys[i].source < keys[j].source
		}
		if keys[i].target != keys[j].target {
			return keys[i].target < keys[j].target
		}
		return keys[i].relType < keys[j].relType
	})

	out := make([]store.EdgeUpsert, 0, len(keys))
	for _, k := range keys {
		p := edges[k]
		out = append(out, store.EdgeUpsert{
			SourceNodeID:     k.source,
			TargetNodeID:     k.target,
			RelationshipType: k.relType,
			Weight:           p.weight,
			WeightBump:       b.cfg.WeightBump,
			ProvenanceID:     provenanceID,
			Evidence:         p.evidence,
		})
	}
	return out
}

// orient returns the edge endpoints for a classified pair. a < z holds on
// entry, which is already the canonical order for symmetric types.
func orient(a, z string, nodeType map[string]string, cl Classification) (string, string) {
	if IsSymmetric(cl.RelationshipType) || cl.SourceType == "" {
		return a, z
	}
	if nodeType[z] == cl.SourceType && nodeType[a] != cl.SourceType {
		return z, a
	}
	return a, z
}

func sortedSet(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// missing returns the IDs in want that are absent from have, in want order.
func missing(want, have []string) []string {
	present := make(map[string]bool, len(have))
	for _, id := range have {
		present[id] = true
	}
	var out []string
	for _, id := range want {
		if !present[id] {
			out = append(out, id)
		}
	}
	return out
}

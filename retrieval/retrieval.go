package retrieval

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/brunobiangulo/docgraph/apperr"
	"github.com/brunobiangulo/docgraph/graph"
	"github.com/brunobiangulo/docgraph/metrics"
	"github.com/brunobiangulo/docgraph/store"
)

var tracer = otel.Tracer("github.com/brunobiangulo/docgraph/retrieval")

// Response modes.
const (
	ModeHybrid              = "hybrid"
	ModeLexicalOnly         = "lexical_only"
	ModeVectorOnly          = "vector_only"
	ModeNoMatchingDocuments = "no_matching_documents"
)

// Leg names used in warnings, logs and metrics.
const (
	LegLexical = "lexical"
	LegVector  = "vector"
)

// Index is the store surface retrieval reads. *store.Store implements it.
type Index interface {
	FTSSearch(ctx context.Context, query string, limit int, documentIDs []string) ([]store.SearchHit, error)
	VectorSearch(ctx context.Context, embedding []float32, k int, minSimilarity float64, documentIDs []string) ([]store.SearchHit, error)
	VectorSearchImages(ctx context.Context, embedding []float32, k int, minSimilarity float64, documentIDs []string) ([]store.SearchHit, error)
	FindNodes(ctx context.Context, names, types []string) ([]store.Node, error)
	DocumentIDsForNodes(ctx context.Context, nodeIDs []string) ([]string, error)
	NodesForChunks(ctx context.Context, chunkIDs []string) (map[string][]store.Node, error)
	ListEdges(ctx context.Context, f store.EdgeFilter) ([]store.Edge, error)
}

// Embedder turns a query into its embedding. llm.QueryEmbedder implements it.
type Embedder interface {
	EmbedQuery(ctx context.Context, query string) ([]float32, error)
}

// Config holds retrieval defaults. Zero values select the defaults noted.
type Config struct {
	K             int     `json:"rrf_k" yaml:"rrf_k"`                   // 60
	WeightLexical float64 `json:"weight_lexical" yaml:"weight_lexical"` // 1.0
	WeightVector  float64 `json:"weight_vector" yaml:"weight_vector"`   // 1.0

	// SimilarityThreshold drops vector candidates below it (0.3).
	SimilarityThreshold float64 `json:"similarity_threshold" yaml:"similarity_threshold"`

	BoostPerMention float64 `json:"boost_per_mention" yaml:"boost_per_mention"` // 0.1
	MaxBoost        float64 `json:"max_boost" yaml:"max_boost"`                 // 0.5

	DefaultLimit int `json:"default_limit" yaml:"default_limit"` // 10
	EnrichTopK   int `json:"enrich_top_k" yaml:"enrich_top_k"`   // 5
	MaxPaths     int `json:"max_paths" yaml:"max_paths"`         // 25
	RelatedDepth int `json:"related_depth" yaml:"related_depth"` // 1
}

// DefaultConfig returns the retrieval defaults.
func DefaultConfig() Config {
	return Config{
		K:                   DefaultRRFK,
		WeightLexical:       1.0,
		WeightVector:        1.0,
		SimilarityThreshold: 0.3,
		BoostPerMention:     0.1,
		MaxBoost:            0.5,
		DefaultLimit:        10,
		EnrichTopK:          5,
		MaxPaths:            25,
		RelatedDepth:        1,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.K <= 0 {
		c.K = d.K
	}
	if c.WeightLexical <= 0 {
		c.WeightLexical = d.WeightLexical
	}
	if c.WeightVector <= 0 {
		c.WeightVector = d.WeightVector
	}
	if c.SimilarityThreshold <= 0 {
		c.SimilarityThreshold = d.SimilarityThreshold
	}
	if c.BoostPerMention <= 0 {
		c.BoostPerMention = d.BoostPerMention
	}
	if c.MaxBoost <= 0 {
		c.MaxBoost = d.MaxBoost
	}
	if c.DefaultLimit <= 0 {
		c.DefaultLimit = d.DefaultLimit
	}
	if c.EnrichTopK <= 0 {
		c.EnrichTopK = d.EnrichTopK
	}
	if c.MaxPaths <= 0 {
		c.MaxPaths = d.MaxPaths
	}
	if c.RelatedDepth <= 0 {
		c.RelatedDepth = d.RelatedDepth
	}
	return c
}

// EntityFilter restricts a search to the documents linked to matching
// nodes. IncludeRelated widens the match by the nodes' graph neighbours.
type EntityFilter struct {
	EntityNames    []string `json:"entity_names,omitempty" validate:"omitempty,dive,required"`
	EntityTypes    []string `json:"entity_types,omitempty" validate:"omitempty,dive,required"`
	IncludeRelated bool     `json:"include_related,omitempty"`
}

// Request is one hybrid search. Zero weights and limit select the engine
// defaults; EnrichTopK zero selects the engine default.
type Request struct {
	Query         string        `json:"query" validate:"required,max=2000"`
	Limit         int           `json:"limit,omitempty" validate:"min=0,max=200"`
	DocumentIDs   []string      `json:"document_ids,omitempty" validate:"omitempty,dive,required"`
	EntityFilter  *EntityFilter `json:"entity_filter,omitempty"`
	WeightLexical float64       `json:"weight_lexical,omitempty" validate:"min=0"`
	WeightVector  float64       `json:"weight_vector,omitempty" validate:"min=0"`

	BoostEntities        bool `json:"boost_entities,omitempty"`
	IncludeEntityContext bool `json:"include_entity_context,omitempty"`
	IncludeRelationships bool `json:"include_relationships,omitempty"`
	PreferRecent         bool `json:"prefer_recent,omitempty"`
	EnrichTopK           int  `json:"enrich_top_k,omitempty" validate:"min=0,max=50"`
}

// Result is one ranked search result.
type Result struct {
	DocumentID   string  `json:"document_id"`
	ChunkID      string  `json:"chunk_id,omitempty"`
	ImageID      string  `json:"image_id,omitempty"`
	ExtractionID string  `json:"extraction_id,omitempty"`
	FileName     string  `json:"file_name,omitempty"`
	PageNumber   int     `json:"page_number"`
	Score        float64 `json:"score"`
	Excerpt      string  `json:"excerpt"`
	LexicalRank  int     `json:"lexical_rank,omitempty"`
	VectorRank   int     `json:"vector_rank,omitempty"`
	// Boost is the entity boost multiplier applied to Score, 0 when none.
	Boost float64 `json:"boost,omitempty"`

	text string
}

// Response is the outcome of Search. It is always well formed, even when
// Search also returns an error.
type Response struct {
	Query             string                 `json:"query"`
	Results           []Result               `json:"results"`
	Mode              string                 `json:"mode"`
	Degraded          bool                   `json:"degraded"`
	Warnings          []string               `json:"warnings,omitempty"`
	SearchesExecuted  int                    `json:"searches_executed"`
	EntitiesByType    map[string][]EntityRef `json:"entities_by_type,omitempty"`
	RelationshipPaths []Path                 `json:"relationship_paths,omitempty"`
	ElapsedMs         int64                  `json:"elapsed_ms"`
}

// Engine runs hybrid lexical and vector retrieval over an Index.
type Engine struct {
	index    Index
	embedder Embedder
	cfg      Config
	metrics  *metrics.Collector
}

// New creates a retrieval engine. embedder may be nil, in which case every
// search degrades to the lexical leg. m may be nil.
func New(index Index, embedder Embedder, cfg Config, m *metrics.Collector) *Engine {
	return &Engine{index: index, embedder: embedder, cfg: cfg.withDefaults(), metrics: m}
}

// Search runs the query through the entity filter, both search legs,
// fusion, the optional entity boost and enrichment. A failed leg degrades
// the response to the other leg. When both legs fail, the partial response
// is returned together with a RETRIEVAL_LEG_FAILED error. Store failures
// while resolving the entity filter are returned as STORE_ERROR.
func (e *Engine) Search(ctx context.Context, req Request) (resp *Response, err error) {
	if err := e.validate(&req); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "retrieval.Search", trace.WithAttributes(
		attribute.Int("limit", req.Limit),
		attribute.Bool("entity_filter", req.EntityFilter != nil),
	))
	start := time.Now()
	resp = &Response{Query: req.Query, Results: []Result{}, Mode: ModeHybrid}
	defer func() {
		resp.ElapsedMs = time.Since(start).Milliseconds()
		span.SetAttributes(attribute.String("mode", resp.Mode), attribute.Bool("degraded", resp.Degraded))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		e.metrics.SearchFinished(resp.Mode, time.Since(start))
		span.End()
	}()

	docIDs := req.DocumentIDs
	var filterNodes []store.Node
	if req.EntityFilter != nil {
		filterNodes, docIDs, err = e.resolveEntityFilter(ctx, *req.EntityFilter, req.DocumentIDs)
		if err != nil {
			return nil, err
		}
		if len(docIDs) == 0 {
			resp.Mode = ModeNoMatchingDocuments
			slog.Info("retrieval: entity filter matched no documents",
				"names", req.EntityFilter.EntityNames, "types", req.EntityFilter.EntityTypes)
			return resp, nil
		}
	}

	fetch := 2 * req.Limit
	var lexical, vector []Ranked
	var lexErr, vecErr error
	var g errgroup.Group
	g.Go(func() error {
		lexical, lexErr = e.lexicalLeg(ctx, req.Query, fetch, docIDs)
		return nil
	})
	g.Go(func() error {
		vector, vecErr = e.vectorLeg(ctx, req.Query, fetch, docIDs)
		return nil
	})
	_ = g.Wait()
	resp.SearchesExecuted = 2

	for _, leg := range []struct {
		name string
		err  error
	}{{LegLexical, lexErr}, {LegVector, vecErr}} {
		if leg.err == nil {
			continue
		}
		slog.Warn("retrieval: search leg failed", "leg", leg.name, "error", leg.err)
		e.metrics.LegFailed(leg.name)
		resp.Degraded = true
		resp.Warnings = append(resp.Warnings, leg.name+" search failed: "+leg.err.Error())
	}
	if lexErr != nil && vecErr != nil {
		return resp, apperr.Wrap(apperr.RetrievalLegFailed, errors.Join(lexErr, vecErr),
			"both search legs failed")
	}

	weightLex, weightVec := req.WeightLexical, req.WeightVector
	if weightLex == 0 {
		weightLex = e.cfg.WeightLexical
	}
	if weightVec == 0 {
		weightVec = e.cfg.WeightVector
	}
	fused := Fuse(lexical, vector, FuseOptions{
		K:             e.cfg.K,
		WeightLexical: weightLex,
		WeightVector:  weightVec,
	})
	switch {
	case lexErr != nil:
		resp.Mode = ModeVectorOnly
	case vecErr != nil:
		resp.Mode = ModeLexicalOnly
	default:
		resp.Mode = fused.Mode
		if fused.Degraded {
			resp.Degraded = true
			empty := LegVector
			if fused.Mode == ModeVectorOnly {
				empty = LegLexical
			}
			resp.Warnings = append(resp.Warnings, empty+" search returned no candidates")
		}
	}

	results := make([]Result, len(fused.Results))
	for i, f := range fused.Results {
		results[i] = Result{
			DocumentID:   f.Item.DocumentID,
			ChunkID:      f.Item.ChunkID,
			ImageID:      f.Item.ImageID,
			ExtractionID: f.Item.ExtractionID,
			FileName:     f.Item.FileName,
			PageNumber:   f.Item.PageNumber,
			Score:        f.Score,
			LexicalRank:  f.LexicalRank,
			VectorRank:   f.VectorRank,
			text:         f.Item.Text,
		}
	}

	if req.BoostEntities && len(filterNodes) > 0 {
		if err := e.boost(ctx, results, filterNodes); err != nil {
			slog.Warn("retrieval: entity boost skipped", "error", err)
			resp.Warnings = append(resp.Warnings, "entity boost unavailable: "+err.Error())
		}
	}

	if len(results) > req.Limit {
		results = results[:req.Limit]
	}
	for i := range results {
		results[i].Excerpt = Excerpt(results[i].text, req.Query)
	}
	resp.Results = results

	if req.IncludeEntityContext || req.IncludeRelationships {
		e.enrich(ctx, req, resp)
	}

	slog.Debug("retrieval: search complete",
		"mode", resp.Mode, "lexical", len(lexical), "vector", len(vector), "results", len(resp.Results))
	return resp, nil
}

func (e *Engine) validate(req *Request) error {
	req.Query = strings.TrimSpace(req.Query)
	if err := apperr.Validate(*req, "invalid search request"); err != nil {
		return err
	}
	if f := req.EntityFilter; f != nil {
		if err := apperr.Validate(*f, "invalid entity filter"); err != nil {
			return err
		}
		if len(f.EntityNames) == 0 && len(f.EntityTypes) == 0 {
			return apperr.New(apperr.Validation, "entity filter needs entity_names or entity_types")
		}
	}
	if req.Limit == 0 {
		req.Limit = e.cfg.DefaultLimit
	}
	return nil
}

// resolveEntityFilter returns the nodes matching f and the documents they
// are linked to, intersected with allow when it is non-empty.
func (e *Engine) resolveEntityFilter(ctx context.Context, f EntityFilter, allow []string) ([]store.Node, []string, error) {
	nodes, err := e.index.FindNodes(ctx, f.EntityNames, f.EntityTypes)
	if err != nil {
		return nil, nil, apperr.Store(err, "resolving entity filter")
	}
	if len(nodes) == 0 {
		return nil, nil, nil
	}
	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	if f.IncludeRelated {
		ids, err = graph.Neighbors(ctx, e.index, ids, e.cfg.RelatedDepth)
		if err != nil {
			return nil, nil, apperr.Store(err, "expanding related entities")
		}
	}
	docs, err := e.index.DocumentIDsForNodes(ctx, ids)
	if err != nil {
		return nil, nil, apperr.Store(err, "loading entity documents")
	}
	if len(allow) > 0 {
		allowed := make(map[string]bool, len(allow))
		for _, id := range allow {
			allowed[id] = true
		}
		kept := docs[:0]
		for _, id := range docs {
			if allowed[id] {
				kept = append(kept, id)
			}
		}
		docs = kept
	}
	return nodes, docs, nil
}

func (e *Engine) lexicalLeg(ctx context.Context, query string, limit int, docIDs []string) ([]Ranked, error) {
	q := sanitizeFTSQuery(query)
	if q == "" {
		return nil, nil
	}
	hits, err := e.index.FTSSearch(ctx, q, limit, docIDs)
	if err != nil {
		return nil, err
	}
	return toRanked(hits), nil
}

var errNoEmbedder = errors.New("no embedder configured")

func (e *Engine) vectorLeg(ctx context.Context, query string, limit int, docIDs []string) ([]Ranked, error) {
	if e.embedder == nil {
		return nil, errNoEmbedder
	}
	emb, err := e.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	chunks, err := e.index.VectorSearch(ctx, emb, limit, e.cfg.SimilarityThreshold, docIDs)
	if err != nil {
		return nil, err
	}
	images, err := e.index.VectorSearchImages(ctx, emb, limit, e.cfg.SimilarityThreshold, docIDs)
	if err != nil {
		return nil, err
	}
	hits := append(chunks, images...)
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return toRanked(hits), nil
}

func toRanked(hits []store.SearchHit) []Ranked {
	out := make([]Ranked, len(hits))
	for i, h := range hits {
		out[i] = Ranked{
			ChunkID:    h.ChunkID,
			ImageID:    h.ImageID,
			DocumentID: h.DocumentID,
			FileName:   h.FileName,
			Text:       h.Text,
			PageNumber: h.PageNumber,
			Rank:       i + 1,
			Score:      h.Score,
		}
	}
	return out
}

// boost multiplies the score of every chunk result linked to a filter node
// by 1 + min(BoostPerMention * mentions, MaxBoost), where mentions counts
// the filter nodes' names in the result text case-insensitively, and
// re-sorts the results.
func (e *Engine) boost(ctx context.Context, results []Result, filterNodes []store.Node) error {
	var chunkIDs []string
	for _, r := range results {
		if r.ChunkID != "" {
			chunkIDs = append(chunkIDs, r.ChunkID)
		}
	}
	if len(chunkIDs) == 0 {
		return nil
	}
	linked, err := e.index.NodesForChunks(ctx, chunkIDs)
	if err != nil {
		return err
	}
	wanted := make(map[string]store.Node, len(filterNodes))
	for _, n := range filterNodes {
		wanted[n.ID] = n
	}

	for i := range results {
		var matched []store.Node
		for _, n := range linked[results[i].ChunkID] {
			if _, ok := wanted[n.ID]; ok {
				matched = append(matched, n)
			}
		}
		if len(matched) == 0 {
			continue
		}
		mentions := countMentions(results[i].text, matched)
		if mentions == 0 {
			continue
		}
		factor := 1 + min(e.cfg.BoostPerMention*float64(mentions), e.cfg.MaxBoost)
		results[i].Score *= factor
		results[i].Boost = factor
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	return nil
}

// countMentions counts case-insensitive occurrences of the nodes' canonical
// names and aliases in text, each distinct surface form once per node.
func countMentions(text string, nodes []store.Node) int {
	lower := strings.ToLower(text)
	total := 0
	for _, n := range nodes {
		seen := make(map[string]bool)
		for _, form := range append([]string{n.CanonicalName}, n.Aliases...) {
			f := strings.ToLower(strings.TrimSpace(form))
			if f == "" || seen[f] {
				continue
			}
			seen[f] = true
			total += strings.Count(lower, f)
		}
	}
	return total
}

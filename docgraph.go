// Package docgraph builds a knowledge graph from extracted document entities
// and answers hybrid lexical and vector searches over the same corpus.
//
// The store needs SQLite's FTS5 module, which go-sqlite3 only compiles in
// with the sqlite_fts5 build tag:
//
//	CGO_ENABLED=1 go build -tags sqlite_fts5 ./...
package docgraph

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/brunobiangulo/docgraph/apperr"
	"github.com/brunobiangulo/docgraph/graph"
	"github.com/brunobiangulo/docgraph/llm"
	"github.com/brunobiangulo/docgraph/metrics"
	"github.com/brunobiangulo/docgraph/retrieval"
	"github.com/brunobiangulo/docgraph/store"
)

// Engine is the main entry point: graph construction, maintenance, export
// and hybrid retrieval over one store.
type Engine struct {
	cfg       Config
	store     *store.Store
	ownsStore bool
	builder   *graph.Builder
	retriever *retrieval.Engine
	metrics   *metrics.Collector
	closed    atomic.Bool
}

// New opens the configured store and embedding provider and wires the
// engine. When cfg.Logging.Level is set the console logger becomes the
// process default.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logging.Level != "" {
		slog.SetDefault(NewLogger(cfg.Logging))
	}

	var embedder retrieval.Embedder
	if cfg.Embedding.Provider != "" {
		e, err := llm.NewEmbedder(cfg.Embedding)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		embedder = llm.NewQueryEmbedder(e, cfg.QueryPrefix, cfg.EmbeddingDim)
	}

	s, err := store.New(cfg.resolveDBPath(), cfg.EmbeddingDim)
	if err != nil {
		return nil, apperr.Store(err, "opening store")
	}

	eng, err := NewWithStore(s, embedder, cfg)
	if err != nil {
		s.Close()
		return nil, err
	}
	eng.ownsStore = true
	return eng, nil
}

// NewWithStore wires an engine over an open store. embedder may be nil, in
// which case searches run on the lexical leg alone. The caller keeps
// ownership of s.
func NewWithStore(s *store.Store, embedder retrieval.Embedder, cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m, err := metrics.New(nil)
	if err != nil {
		return nil, fmt.Errorf("registering metrics: %w", err)
	}
	return &Engine{
		cfg:       cfg,
		store:     s,
		builder:   graph.NewBuilder(s, cfg.Graph.builderConfig(), m),
		retriever: retrieval.New(s, embedder, cfg.Retrieval, m),
		metrics:   m,
	}, nil
}

func (e *Engine) check() error {
	if e.closed.Load() {
		return ErrStoreClosed
	}
	return nil
}

// BuildGraph resolves the entities in scope into nodes and edges. An empty
// opts.Mode uses the configured resolution mode.
func (e *Engine) BuildGraph(ctx context.Context, opts graph.BuildOptions) (*graph.BuildResult, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	if opts.Mode == "" {
		opts.Mode = e.cfg.Graph.ResolutionMode
	}
	return e.builder.Build(ctx, opts)
}

// InferTemporalBounds sets edge validity from co-located date nodes and
// returns how many edges changed. It is a no-op on stores without the
// temporal schema.
func (e *Engine) InferTemporalBounds(ctx context.Context) (int, error) {
	if err := e.check(); err != nil {
		return 0, err
	}
	return e.builder.InferTemporalBounds(ctx)
}

// Search runs a hybrid search. See retrieval.Engine.Search.
func (e *Engine) Search(ctx context.Context, req retrieval.Request) (*retrieval.Response, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	return e.retriever.Search(ctx, req)
}

// FindConflicts reports nodes reaching several partners through a
// relationship expected to be single-valued.
func (e *Engine) FindConflicts(ctx context.Context) ([]graph.RelationshipConflict, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	return graph.FindConflictingRelationships(ctx, e.store, graph.ConflictOptions{Functional: e.cfg.Graph.Functional})
}

// FindDuplicates reports candidate duplicate node pairs. A zero threshold
// uses the configured one.
func (e *Engine) FindDuplicates(ctx context.Context, opts graph.DuplicateOptions) ([]graph.DuplicatePair, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	if opts.Threshold == 0 {
		opts.Threshold = e.cfg.Graph.DuplicateThreshold
	}
	return graph.FindDuplicateNodes(ctx, e.store, opts)
}

// FindTemporalConflicts reports inconsistent edge validity windows.
func (e *Engine) FindTemporalConflicts(ctx context.Context) ([]graph.TemporalConflict, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	return graph.FindTemporalConflicts(ctx, e.store, graph.TemporalOptions{Functional: e.cfg.Graph.Functional})
}

// PruneEdges deletes edges weighing less than minWeight. Nodes are kept.
func (e *Engine) PruneEdges(ctx context.Context, minWeight float64) (int, error) {
	if err := e.check(); err != nil {
		return 0, err
	}
	n, err := graph.PruneEdges(ctx, e.store, minWeight)
	if err != nil {
		return 0, err
	}
	e.metrics.EdgesPruned(n)
	return n, nil
}

// NormalizeEdgeWeights rescales every edge weight into [0, 1].
func (e *Engine) NormalizeEdgeWeights(ctx context.Context, method graph.NormalizeMethod) (int, error) {
	if err := e.check(); err != nil {
		return 0, err
	}
	return graph.NormalizeEdgeWeights(ctx, e.store, method)
}

// DeleteDocument removes a document and everything derived from it. Nodes
// still supported by other documents survive with recomputed counts.
func (e *Engine) DeleteDocument(ctx context.Context, documentID string) (*store.DeleteResult, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	if documentID == "" {
		return nil, apperr.New(apperr.Validation, "document id is required")
	}
	res, found, err := e.store.DeleteDocument(ctx, documentID)
	if err != nil {
		return nil, apperr.Store(err, "deleting document")
	}
	if !found {
		return nil, apperr.Newf(apperr.DocumentNotFound, "document %s does not exist", documentID).
			WithDetails(map[string]any{"document_id": documentID})
	}
	slog.Info("docgraph: document deleted", "document_id", documentID,
		"nodes_deleted", res.NodesDeleted, "edges_deleted", res.EdgesDeleted)
	return res, nil
}

// DeleteGraph removes every node, edge and node-entity link. Documents and
// entities are kept, so the graph can be rebuilt.
func (e *Engine) DeleteGraph(ctx context.Context) (nodes, edges int, err error) {
	if err := e.check(); err != nil {
		return 0, 0, err
	}
	nodes, edges, err = e.store.DeleteGraph(ctx)
	if err != nil {
		return 0, 0, apperr.Store(err, "deleting graph")
	}
	slog.Info("docgraph: graph deleted", "nodes", nodes, "edges", edges)
	return nodes, edges, nil
}

// Node returns the knowledge node with the given id.
func (e *Engine) Node(ctx context.Context, id string) (store.Node, error) {
	if err := e.check(); err != nil {
		return store.Node{}, err
	}
	n, ok, err := e.store.GetNode(ctx, id)
	if err != nil {
		return store.Node{}, apperr.Store(err, "loading node")
	}
	if !ok {
		return store.Node{}, apperr.Newf(apperr.NodeNotFound, "node %s does not exist", id).
			WithDetails(map[string]any{"node_id": id})
	}
	return n, nil
}

// RelatedNodes returns the nodes within depth hops of id, excluding id.
func (e *Engine) RelatedNodes(ctx context.Context, id string, depth int) ([]store.Node, error) {
	if _, err := e.Node(ctx, id); err != nil {
		return nil, err
	}
	if depth < 1 {
		return nil, apperr.Newf(apperr.Validation, "depth must be at least 1, got %d", depth)
	}
	ids, err := graph.Neighbors(ctx, e.store, []string{id}, depth)
	if err != nil {
		return nil, apperr.Store(err, "expanding neighbours")
	}
	others := ids[:0]
	for _, other := range ids {
		if other != id {
			others = append(others, other)
		}
	}
	nodes, err := e.store.GetNodes(ctx, others)
	if err != nil {
		return nil, apperr.Store(err, "loading neighbours")
	}
	return nodes, nil
}

// ExportGraph writes the nodes to w and returns how many were written.
func (e *Engine) ExportGraph(ctx context.Context, w io.Writer, format graph.Format, opts graph.ExportOptions) (int, error) {
	if err := e.check(); err != nil {
		return 0, err
	}
	return graph.ExportNodes(ctx, e.store, w, format, opts)
}

// ImportGraph decodes node records from r and links them to local nodes.
func (e *Engine) ImportGraph(ctx context.Context, r io.Reader, format graph.Format, opts graph.ImportOptions) (*graph.ImportResult, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	records, err := graph.DecodeImport(r, format)
	if err != nil {
		return nil, err
	}
	return graph.ImportNodes(ctx, e.store, records, opts)
}

// Visualize renders the most connected nodes as a Mermaid flowchart.
func (e *Engine) Visualize(ctx context.Context, opts graph.MermaidOptions) (string, error) {
	if err := e.check(); err != nil {
		return "", err
	}
	return graph.RenderMermaid(ctx, e.store, opts)
}

// Metrics returns the engine's metrics collector.
func (e *Engine) Metrics() *metrics.Collector { return e.metrics }

// Store returns the underlying store.
func (e *Engine) Store() *store.Store { return e.store }

// Close shuts the engine down. The store is closed only when New opened
// it. Calls after the first return nil.
func (e *Engine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	if e.ownsStore {
		return e.store.Close()
	}
	return nil
}

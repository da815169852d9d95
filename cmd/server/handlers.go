package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/brunobiangulo/docgraph"
	"github.com/brunobiangulo/docgraph/apperr"
	"github.com/brunobiangulo/docgraph/graph"
	"github.com/brunobiangulo/docgraph/retrieval"
)

type handler struct {
	engine *docgraph.Engine
}

type routerOptions struct {
	APIKey      string
	CORSOrigins string
}

// newRouter mounts the API on a mux and wraps it in the middleware chain:
// recovery -> cors -> request id -> auth -> logging -> mux.
func newRouter(e *docgraph.Engine, opts routerOptions) http.Handler {
	h := &handler{engine: e}
	mux := http.NewServeMux()

	mux.HandleFunc("POST /search", h.handleSearch)
	mux.HandleFunc("POST /graph/build", h.handleBuild)
	mux.HandleFunc("POST /graph/temporal-bounds", h.handleInferTemporal)
	mux.HandleFunc("GET /graph/conflicts", h.handleConflicts)
	mux.HandleFunc("GET /graph/duplicates", h.handleDuplicates)
	mux.HandleFunc("GET /graph/temporal-conflicts", h.handleTemporalConflicts)
	mux.HandleFunc("POST /graph/prune", h.handlePrune)
	mux.HandleFunc("POST /graph/normalize", h.handleNormalize)
	mux.HandleFunc("DELETE /graph", h.handleDeleteGraph)
	mux.HandleFunc("GET /graph/export", h.handleExport)
	mux.HandleFunc("POST /graph/import", h.handleImport)
	mux.HandleFunc("GET /graph/mermaid", h.handleMermaid)
	mux.HandleFunc("GET /nodes/{id}", h.handleNode)
	mux.HandleFunc("GET /nodes/{id}/related", h.handleRelated)
	mux.HandleFunc("DELETE /documents/{id}", h.handleDeleteDocument)
	mux.HandleFunc("GET /health", h.handleHealth)

	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if g := e.Metrics().Gatherer(); g != nil {
		gatherer = g
	}
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	var root http.Handler = mux
	root = logMiddleware(root)
	root = authMiddleware(opts.APIKey, root)
	root = requestIDMiddleware(root)
	root = corsMiddleware(opts.CORSOrigins, root)
	root = recoveryMiddleware(root)
	return root
}

// POST /search
func (h *handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()

	var req retrieval.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	resp, err := h.engine.Search(ctx, req)
	if err != nil {
		if resp != nil {
			// Both legs failed: report the error with the partial response.
			writeJSON(w, statusFor(err), map[string]any{"error": asAppError(err), "response": resp})
			return
		}
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// POST /graph/build
func (h *handler) handleBuild(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Minute)
	defer cancel()

	var opts graph.BuildOptions
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	res, err := h.engine.BuildGraph(ctx, opts)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// POST /graph/temporal-bounds
func (h *handler) handleInferTemporal(w http.ResponseWriter, r *http.Request) {
	n, err := h.engine.InferTemporalBounds(r.Context())
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"edges_updated": n})
}

// GET /graph/conflicts
func (h *handler) handleConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts, err := h.engine.FindConflicts(r.Context())
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": nonNil(conflicts)})
}

// GET /graph/duplicates?threshold=0.8&entity_type=person&limit=50
func (h *handler) handleDuplicates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	threshold, err := floatParam(q.Get("threshold"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid threshold")
		return
	}
	limit, err := intParam(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	pairs, err := h.engine.FindDuplicates(r.Context(), graph.DuplicateOptions{
		Threshold:  threshold,
		EntityType: q.Get("entity_type"),
		Limit:      limit,
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"duplicates": nonNil(pairs)})
}

// GET /graph/temporal-conflicts
func (h *handler) handleTemporalConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts, err := h.engine.FindTemporalConflicts(r.Context())
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": nonNil(conflicts)})
}

// POST /graph/prune
func (h *handler) handlePrune(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MinWeight *float64 `json:"min_weight"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MinWeight == nil {
		writeError(w, http.StatusBadRequest, "min_weight is required")
		return
	}
	n, err := h.engine.PruneEdges(r.Context(), *req.MinWeight)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"edges_deleted": n})
}

// POST /graph/normalize
func (h *handler) handleNormalize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Method graph.NormalizeMethod `json:"method"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	n, err := h.engine.NormalizeEdgeWeights(r.Context(), req.Method)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"edges_updated": n})
}

// DELETE /graph
func (h *handler) handleDeleteGraph(w http.ResponseWriter, r *http.Request) {
	nodes, edges, err := h.engine.DeleteGraph(r.Context())
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"nodes_deleted": nodes, "edges_deleted": edges})
}

var contentTypes = map[graph.Format]string{
	graph.FormatJSON: "application/json",
	graph.FormatCSV:  "text/csv",
	graph.FormatXLSX: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
}

// GET /graph/export?format=csv&entity_type=person&limit=100
func (h *handler) handleExport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	format, err := formatParam(q.Get("format"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	limit, err := intParam(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}

	var buf bytes.Buffer
	if _, err := h.engine.ExportGraph(r.Context(), &buf, format, graph.ExportOptions{
		EntityType: q.Get("entity_type"),
		Limit:      limit,
	}); err != nil {
		writeAppError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", contentTypes[format])
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

// POST /graph/import?format=csv&dry_run=true
func (h *handler) handleImport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	format, err := formatParam(q.Get("format"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	dryRun, _ := strconv.ParseBool(q.Get("dry_run"))

	res, err := h.engine.ImportGraph(r.Context(), http.MaxBytesReader(w, r.Body, 32<<20), format,
		graph.ImportOptions{DryRun: dryRun})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GET /graph/mermaid?top_n=20&entity_type=person&labels=true&direction=LR
func (h *handler) handleMermaid(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	topN, err := intParam(q.Get("top_n"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid top_n")
		return
	}
	labels, _ := strconv.ParseBool(q.Get("labels"))

	diagram, err := h.engine.Visualize(r.Context(), graph.MermaidOptions{
		TopN:       topN,
		EntityType: q.Get("entity_type"),
		ShowLabels: labels,
		Direction:  q.Get("direction"),
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(diagram))
}

// GET /nodes/{id}
func (h *handler) handleNode(w http.ResponseWriter, r *http.Request) {
	n, err := h.engine.Node(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

// GET /nodes/{id}/related?depth=1
func (h *handler) handleRelated(w http.ResponseWriter, r *http.Request) {
	depth := 1
	if v := r.URL.Query().Get("depth"); v != "" {
		d, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid depth")
			return
		}
		depth = d
	}
	nodes, err := h.engine.RelatedNodes(r.Context(), r.PathValue("id"), depth)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": nonNil(nodes)})
}

// DELETE /documents/{id}
func (h *handler) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.DeleteDocument(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GET /health
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if _, err := h.engine.Store().DBStats(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// formatParam defaults to JSON.
func formatParam(s string) (graph.Format, error) {
	if s == "" {
		return graph.FormatJSON, nil
	}
	return graph.ParseFormat(s)
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

func floatParam(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}

// nonNil keeps empty lists rendering as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// statusFor maps error categories to HTTP status codes.
func statusFor(err error) int {
	if errors.Is(err, docgraph.ErrStoreClosed) {
		return http.StatusServiceUnavailable
	}
	switch apperr.CategoryOf(err) {
	case apperr.Validation:
		return http.StatusBadRequest
	case apperr.DocumentNotFound, apperr.NodeNotFound:
		return http.StatusNotFound
	case apperr.NoEntities:
		return http.StatusUnprocessableEntity
	case apperr.RetrievalLegFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// asAppError returns the categorized form of err, or a generic one that
// does not leak internals.
func asAppError(err error) *apperr.Error {
	var e *apperr.Error
	if errors.As(err, &e) && e.Category != apperr.StoreFailure {
		return e
	}
	return apperr.New(apperr.StoreFailure, "internal error")
}

func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error("server: request failed", "path", r.URL.Path, "request_id", requestID(r.Context()), "error", err)
	}
	if status == http.StatusServiceUnavailable {
		writeError(w, status, "service unavailable")
		return
	}
	writeJSON(w, status, map[string]any{"error": asAppError(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

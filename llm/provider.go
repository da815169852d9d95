// Package llm generates text embeddings through hosted or local embedding
// APIs. Chat completion is not used by the graph and retrieval core.
package llm

import (
	"context"
	"fmt"
)

// Embedder generates embeddings for a batch of texts. The result has one
// vector per input, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Config configures an embedding endpoint.
type Config struct {
	Provider string `json:"provider" yaml:"provider" validate:"omitempty,oneof=ollama lmstudio openrouter openai gemini custom"`
	Model    string `json:"model" yaml:"model"`
	BaseURL  string `json:"base_url" yaml:"base_url"`
	APIKey   string `json:"api_key" yaml:"api_key"`
}

// NewEmbedder creates an embedder from configuration.
func NewEmbedder(cfg Config) (Embedder, error) {
	switch cfg.Provider {
	case "ollama":
		return NewOllama(cfg), nil
	case "lmstudio":
		return NewLMStudio(cfg), nil
	case "openrouter":
		return NewOpenRouter(cfg), nil
	case "openai":
		return NewOpenAI(cfg), nil
	case "gemini":
		return NewGemini(cfg), nil
	case "custom":
		return NewOpenAICompat(cfg), nil
	case "":
		return nil, fmt.Errorf("embedding provider not specified")
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", cfg.Provider)
	}
}

// DefaultQueryPrefix is the nomic-embed task prefix for search queries.
const DefaultQueryPrefix = "search_query: "

// QueryEmbedder embeds single search queries with a task prefix and checks
// the resulting dimension.
type QueryEmbedder struct {
	embedder Embedder
	prefix   string
	dim      int
}

// NewQueryEmbedder wraps e. dim <= 0 disables the dimension check.
func NewQueryEmbedder(e Embedder, prefix string, dim int) *QueryEmbedder {
	return &QueryEmbedder{embedder: e, prefix: prefix, dim: dim}
}

// EmbedQuery returns the embedding of prefix+query.
func (q *QueryEmbedder) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	vecs, err := q.embedder.Embed(ctx, []string{q.prefix + query})
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	if len(vecs) != 1 || len(vecs[0]) == 0 {
		return nil, fmt.Errorf("embedding query: got %d vectors, want 1", len(vecs))
	}
	if q.dim > 0 && len(vecs[0]) != q.dim {
		return nil, fmt.Errorf("embedding query: got %d dimensions, want %d", len(vecs[0]), q.dim)
	}
	return vecs[0], nil
}

package llm

import "context"

// lmStudioEmbedder talks to LM Studio's OpenAI-compatible API.
type lmStudioEmbedder struct {
	base embedClient
}

// NewLMStudio creates an embedder for LM Studio.
func NewLMStudio(cfg Config) Embedder {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:1234"
	}
	return &lmStudioEmbedder{base: newEmbedClient(cfg)}
}

func (p *lmStudioEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return p.base.embed(ctx, texts)
}

type openRouterEmbedder struct {
	base embedClient
}

// NewOpenRouter creates an embedder for OpenRouter.
func NewOpenRouter(cfg Config) Embedder {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://openrouter.ai/api"
	}
	return &openRouterEmbedder{base: newEmbedClient(cfg)}
}

func (p *openRouterEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return p.base.embed(ctx, texts)
}

// openAIEmbedder uses the OpenAI embeddings API. text-embedding-3-small is
// the default model; pass dimensions-compatible models when the store's
// embedding width is not 1536.
type openAIEmbedder struct {
	base embedClient
}

// NewOpenAI creates an embedder for OpenAI.
func NewOpenAI(cfg Config) Embedder {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	return &openAIEmbedder{base: newEmbedClient(cfg)}
}

func (p *openAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return p.base.embed(ctx, texts)
}

// geminiEmbedder uses Gemini's OpenAI-compatible endpoint, which has no /v1
// path prefix.
type geminiEmbedder struct {
	base embedClient
}

// NewGemini creates an embedder for Google Gemini.
func NewGemini(cfg Config) Embedder {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://generativelanguage.googleapis.com/v1beta/openai"
	}
	return &geminiEmbedder{base: newEmbedClientPrefix(cfg, "")}
}

func (p *geminiEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return p.base.embed(ctx, texts)
}

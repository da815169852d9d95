package docgraph

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/brunobiangulo/docgraph/apperr"
	"github.com/brunobiangulo/docgraph/graph"
	"github.com/brunobiangulo/docgraph/llm"
	"github.com/brunobiangulo/docgraph/retrieval"
)

// Config holds all configuration for the docgraph engine.
type Config struct {
	// DBPath is the full path to the SQLite database file.
	// If empty, defaults to ~/.docgraph/<DBName>.db
	DBPath string `json:"db_path" yaml:"db_path"`

	// DBName is the name for the database (used when DBPath is empty).
	// Defaults to "docgraph".
	DBName string `json:"db_name" yaml:"db_name"`

	// StorageDir controls where the database is created when DBPath
	// is not explicitly set: "home" (default) uses ~/.docgraph/,
	// "local" uses the current working directory.
	StorageDir string `json:"storage_dir" yaml:"storage_dir" validate:"omitempty,oneof=home local cwd"`

	// Embedding dimensions (must match model)
	EmbeddingDim int `json:"embedding_dim" yaml:"embedding_dim" validate:"min=1,max=8192"`

	// Embedding provider for query embeddings. An empty provider disables
	// the vector leg.
	Embedding   llm.Config `json:"embedding" yaml:"embedding"`
	QueryPrefix string     `json:"query_prefix" yaml:"query_prefix"`

	Logging   LoggingConfig    `json:"logging" yaml:"logging"`
	Graph     GraphConfig      `json:"graph" yaml:"graph"`
	Retrieval retrieval.Config `json:"retrieval" yaml:"retrieval"`
}

// GraphConfig tunes graph construction and maintenance.
type GraphConfig struct {
	ResolutionMode     graph.ResolutionMode `json:"resolution_mode" yaml:"resolution_mode" validate:"omitempty,oneof=exact fuzzy"`
	FuzzyThreshold     float64              `json:"fuzzy_threshold" yaml:"fuzzy_threshold" validate:"min=0,max=1"`
	DuplicateThreshold float64              `json:"duplicate_threshold" yaml:"duplicate_threshold" validate:"min=0,max=1"`

	CoLocatedWeight   float64 `json:"co_located_weight" yaml:"co_located_weight" validate:"min=0,max=1"`
	CoMentionedWeight float64 `json:"co_mentioned_weight" yaml:"co_mentioned_weight" validate:"min=0,max=1"`
	WeightBump        float64 `json:"weight_bump" yaml:"weight_bump" validate:"min=0,max=1"`
	EdgeBatchSize     int     `json:"edge_batch_size" yaml:"edge_batch_size" validate:"min=0"`

	// Rules override or extend the default classifier table, per
	// unordered entity type pair.
	Rules []graph.Rule `json:"rules,omitempty" yaml:"rules,omitempty"`

	// Functional maps a relationship type to the entity types for which it
	// is expected to reach a single partner. Nil uses graph.DefaultFunctional.
	Functional map[string][]string `json:"functional,omitempty" yaml:"functional,omitempty"`
}

// DefaultConfig returns a Config with defaults for local inference.
// Database is stored in ~/.docgraph/docgraph.db by default.
func DefaultConfig() Config {
	return Config{
		DBName:       "docgraph",
		StorageDir:   "home",
		EmbeddingDim: 768,
		Embedding: llm.Config{
			Provider: "ollama",
			Model:    "nomic-embed-text",
			BaseURL:  "http://localhost:11434",
		},
		QueryPrefix: llm.DefaultQueryPrefix,
		Logging:     LoggingConfig{Format: "text"},
		Graph: GraphConfig{
			ResolutionMode:     graph.ModeExact,
			FuzzyThreshold:     graph.DefaultFuzzyThreshold,
			DuplicateThreshold: graph.DefaultDuplicateThreshold,
		},
		Retrieval: retrieval.DefaultConfig(),
	}
}

// Environment variables read by LoadConfig.
const (
	EnvDBPath            = "DOCGRAPH_DB_PATH"
	EnvEmbeddingProvider = "DOCGRAPH_EMBEDDING_PROVIDER"
	EnvEmbeddingModel    = "DOCGRAPH_EMBEDDING_MODEL"
	EnvEmbeddingBaseURL  = "DOCGRAPH_EMBEDDING_BASE_URL"
	EnvEmbeddingAPIKey   = "DOCGRAPH_EMBEDDING_API_KEY"
	EnvLogLevel          = "DOCGRAPH_LOG_LEVEL"
)

// LoadConfig builds a Config from the defaults, the YAML file at path (if
// path is non-empty) and DOCGRAPH_* environment variables, in that order.
// A .env file in the working directory is loaded first when present.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("loading .env: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("%w: parsing %s: %v", ErrInvalidConfig, path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	set := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	set(&c.DBPath, EnvDBPath)
	set(&c.Embedding.Provider, EnvEmbeddingProvider)
	set(&c.Embedding.Model, EnvEmbeddingModel)
	set(&c.Embedding.BaseURL, EnvEmbeddingBaseURL)
	set(&c.Embedding.APIKey, EnvEmbeddingAPIKey)
	set(&c.Logging.Level, EnvLogLevel)
}

// Validate checks field ranges and enumerations. Failures match both
// ErrInvalidConfig and the VALIDATION_ERROR category.
func (c Config) Validate() error {
	if err := apperr.Validate(c, "invalid configuration"); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	for i, r := range c.Graph.Rules {
		if r.A == "" || r.B == "" || r.RelationshipType == "" || r.Confidence < 0 || r.Confidence > 1 {
			err := apperr.Newf(apperr.Validation, "classifier rule %d needs both types, a relationship type and a confidence in [0, 1]", i)
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	}
	return nil
}

// resolveDBPath computes the final database path from config fields.
func (c *Config) resolveDBPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}

	name := c.DBName
	if name == "" {
		name = "docgraph"
	}

	switch c.StorageDir {
	case "local", "cwd":
		return name + ".db"
	default: // "home" or empty
		home, err := os.UserHomeDir()
		if err != nil {
			return name + ".db" // fallback to cwd
		}
		return filepath.Join(home, ".docgraph", name+".db")
	}
}

func (g GraphConfig) builderConfig() graph.BuilderConfig {
	return graph.BuilderConfig{
		Classifier:        graph.NewClassifier(g.Rules...),
		FuzzyThreshold:    g.FuzzyThreshold,
		CoLocatedWeight:   g.CoLocatedWeight,
		CoMentionedWeight: g.CoMentionedWeight,
		WeightBump:        g.WeightBump,
		EdgeBatchSize:     g.EdgeBatchSize,
	}
}

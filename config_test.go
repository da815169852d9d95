package docgraph

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brunobiangulo/docgraph/apperr"
	"github.com/brunobiangulo/docgraph/graph"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 768, cfg.EmbeddingDim)
	assert.Equal(t, graph.ModeExact, cfg.Graph.ResolutionMode)
	assert.Equal(t, 60, cfg.Retrieval.K)
	assert.Equal(t, 0.3, cfg.Retrieval.SimilarityThreshold)
	assert.Equal(t, "search_query: ", cfg.QueryPrefix)
}

func TestResolveDBPath(t *testing.T) {
	cfg := Config{DBPath: "/data/graph.db"}
	assert.Equal(t, "/data/graph.db", cfg.resolveDBPath())

	cfg = Config{DBName: "legal", StorageDir: "local"}
	assert.Equal(t, "legal.db", cfg.resolveDBPath())

	cfg = Config{}
	home, err := os.UserHomeDir()
	if err == nil {
		assert.Equal(t, filepath.Join(home, ".docgraph", "docgraph.db"), cfg.resolveDBPath())
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero dimension", func(c *Config) { c.EmbeddingDim = 0 }},
		{"storage dir", func(c *Config) { c.StorageDir = "cloud" }},
		{"provider", func(c *Config) { c.Embedding.Provider = "bogus" }},
		{"log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"resolution mode", func(c *Config) { c.Graph.ResolutionMode = "phonetic" }},
		{"fuzzy threshold", func(c *Config) { c.Graph.FuzzyThreshold = 1.5 }},
		{"incomplete rule", func(c *Config) {
			c.Graph.Rules = []graph.Rule{{A: "person", RelationshipType: "knows", Confidence: 0.5}}
		}},
		{"rule confidence", func(c *Config) {
			c.Graph.Rules = []graph.Rule{{A: "person", B: "person", RelationshipType: "knows", Confidence: 2}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig))
			assert.Equal(t, apperr.Validation, apperr.CategoryOf(err))
		})
	}
}

func TestLoadConfigFromYAMLAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docgraph.yaml")
	yamlDoc := `
db_path: /var/lib/docgraph/test.db
embedding_dim: 384
graph:
  resolution_mode: fuzzy
  rules:
    - a: organization
      b: person
      relationship_type: employs
      confidence: 0.9
retrieval:
  rrf_k: 30
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o644))
	t.Setenv(EnvEmbeddingModel, "mxbai-embed-large")
	t.Setenv(EnvLogLevel, "warn")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/docgraph/test.db", cfg.DBPath)
	assert.Equal(t, 384, cfg.EmbeddingDim)
	assert.Equal(t, graph.ModeFuzzy, cfg.Graph.ResolutionMode)
	require.Len(t, cfg.Graph.Rules, 1)
	assert.Equal(t, "employs", cfg.Graph.Rules[0].RelationshipType)
	assert.Equal(t, 30, cfg.Retrieval.K)
	// Untouched fields keep their defaults.
	assert.Equal(t, 0.3, cfg.Retrieval.SimilarityThreshold)
	assert.Equal(t, "ollama", cfg.Embedding.Provider)
	// The environment wins over the file.
	assert.Equal(t, "mxbai-embed-large", cfg.Embedding.Model)
	assert.Equal(t, "warn", cfg.Logging.Level)

	classifier := cfg.Graph.builderConfig().Classifier
	cl, ok := classifier.Classify("person", "organization")
	require.True(t, ok)
	assert.Equal(t, "employs", cl.RelationshipType)
}

func TestLoadConfigWithoutFile(t *testing.T) {
	t.Setenv(EnvDBPath, "/tmp/env.db")
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/env.db", cfg.DBPath)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrInvalidConfig))

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("embedding_dim: [\n"), 0o644))
	_, err = LoadConfig(path)
	assert.True(t, errors.Is(err, ErrInvalidConfig))

	path = filepath.Join(t.TempDir(), "invalid.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage_dir: cloud\n"), 0o644))
	_, err = LoadConfig(path)
	assert.True(t, errors.Is(err, ErrInvalidConfig))
}

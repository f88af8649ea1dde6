package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Storage.GraphBackend)
	assert.Equal(t, "nano", cfg.Storage.VectorBackend)
	assert.Equal(t, 1000, cfg.Storage.Neo4jBatchSize)
	assert.Equal(t, 8, cfg.LLM.MaxConcurrent)
	assert.Equal(t, 0.75, cfg.LLM.CommunityReportTokenBudgetRatio)
}

func TestLoadPartialYAMLOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "graphrag.yaml")
	data := `
storage:
  graph_backend: neo4j
  neo4j_batch_size: 250
chunking:
  size: 800
  overlap: 50
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "neo4j", cfg.Storage.GraphBackend)
	assert.Equal(t, 250, cfg.Storage.Neo4jBatchSize)
	assert.Equal(t, 800, cfg.Chunking.Size)
	assert.Equal(t, 50, cfg.Chunking.Overlap)
	// untouched sections keep defaults
	assert.Equal(t, "json", cfg.Storage.KVBackend)
}

func TestValidateFallsBackOnBadEnums(t *testing.T) {
	cfg := Default()
	cfg.Storage.VectorBackend = "faiss"
	cfg.Storage.KVBackend = "mongodb"
	cfg.LLM.Provider = "hal9000"
	Validate(&cfg)
	assert.Equal(t, "nano", cfg.Storage.VectorBackend)
	assert.Equal(t, "json", cfg.Storage.KVBackend)
	assert.Equal(t, "openai", cfg.LLM.Provider)
}

func TestValidateNetworkxAlias(t *testing.T) {
	cfg := Default()
	cfg.Storage.GraphBackend = "networkx"
	Validate(&cfg)
	assert.Equal(t, "memory", cfg.Storage.GraphBackend)
}

func TestValidateClampsOverlap(t *testing.T) {
	cfg := Default()
	cfg.Chunking.Size = 100
	cfg.Chunking.Overlap = 100
	Validate(&cfg)
	assert.Less(t, cfg.Chunking.Overlap, cfg.Chunking.Size)
	assert.GreaterOrEqual(t, cfg.Chunking.Overlap, 0)
}

func TestValidateUppercasesEntityTypes(t *testing.T) {
	cfg := Default()
	cfg.Extraction.EntityTypes = []string{" law ", "person"}
	Validate(&cfg)
	assert.Equal(t, []string{"LAW", "PERSON"}, cfg.Extraction.EntityTypes)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("GRAPHRAG_VECTOR_BACKEND", "qdrant")
	t.Setenv("GRAPHRAG_CHUNK_SIZE", "640")
	t.Setenv("GRAPHRAG_HYBRID_ENABLED", "true")
	t.Setenv("GRAPHRAG_LLM_MAX_CONCURRENT", "not-a-number")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "qdrant", cfg.Storage.VectorBackend)
	assert.Equal(t, 640, cfg.Chunking.Size)
	assert.True(t, cfg.Storage.HybridSearch.Enabled)
	// invalid integer override is ignored, not fatal
	assert.Equal(t, 8, cfg.LLM.MaxConcurrent)
}

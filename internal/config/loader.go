package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Load reads configuration from an optional YAML file, then applies .env and
// GRAPHRAG_* environment overrides. Invalid values are logged as warnings and
// replaced with defaults; Load itself only fails when the file exists but
// cannot be read or parsed.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, err
		}
	}
	// .env is optional; ignore a missing file.
	_ = godotenv.Load()
	applyEnv(&cfg)
	Validate(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	envStr("GRAPHRAG_WORKING_DIR", &cfg.WorkingDir)
	envStr("GRAPHRAG_LOG_LEVEL", &cfg.LogLevel)
	envStr("GRAPHRAG_GRAPH_BACKEND", &cfg.Storage.GraphBackend)
	envStr("GRAPHRAG_VECTOR_BACKEND", &cfg.Storage.VectorBackend)
	envStr("GRAPHRAG_KV_BACKEND", &cfg.Storage.KVBackend)
	envStr("NEO4J_URI", &cfg.Storage.Neo4jURI)
	envStr("NEO4J_USER", &cfg.Storage.Neo4jUser)
	envStr("NEO4J_PASSWORD", &cfg.Storage.Neo4jPassword)
	envStr("QDRANT_URL", &cfg.Storage.QdrantURL)
	envStr("REDIS_ADDR", &cfg.Storage.RedisAddr)
	envStr("REDIS_PASSWORD", &cfg.Storage.RedisPassword)
	envStr("OPENAI_API_KEY", &cfg.LLM.APIKey)
	envStr("GRAPHRAG_LLM_PROVIDER", &cfg.LLM.Provider)
	envStr("GRAPHRAG_LLM_MODEL", &cfg.LLM.Model)
	envStr("GRAPHRAG_LLM_BASE_URL", &cfg.LLM.BaseURL)
	envStr("GRAPHRAG_EMBEDDING_BASE_URL", &cfg.LLM.EmbeddingBaseURL)
	envStr("GRAPHRAG_EMBEDDING_MODEL", &cfg.LLM.EmbeddingModel)
	envInt("GRAPHRAG_LLM_MAX_CONCURRENT", &cfg.LLM.MaxConcurrent)
	envInt("GRAPHRAG_CHUNK_SIZE", &cfg.Chunking.Size)
	envInt("GRAPHRAG_CHUNK_OVERLAP", &cfg.Chunking.Overlap)
	envBool("GRAPHRAG_HYBRID_ENABLED", &cfg.Storage.HybridSearch.Enabled)
	envBool("GRAPHRAG_ENABLE_NAIVE_RAG", &cfg.Query.EnableNaiveRAG)
	envDur("GRAPHRAG_STREAM_IDLE_TIMEOUT", &cfg.LLM.StreamIdleTimeout)
	if cfg.LLM.Provider == "anthropic" {
		envStr("ANTHROPIC_API_KEY", &cfg.LLM.APIKey)
	}
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("var", key).Str("value", v).Msg("ignoring non-integer environment override")
		return
	}
	*dst = n
}

func envBool(key string, dst *bool) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Warn().Str("var", key).Str("value", v).Msg("ignoring non-boolean environment override")
		return
	}
	*dst = b
}

func envDur(key string, dst *time.Duration) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Warn().Str("var", key).Str("value", v).Msg("ignoring unparseable duration override")
		return
	}
	*dst = d
}

// Validate normalizes enum fields and clamps out-of-range numbers. It never
// returns an error: bad values are logged and reset to defaults.
func Validate(cfg *Config) {
	def := Default()

	cfg.Storage.GraphBackend = normalizeEnum("storage.graph_backend", cfg.Storage.GraphBackend,
		[]string{"memory", "neo4j"}, def.Storage.GraphBackend)
	cfg.Storage.VectorBackend = normalizeEnum("storage.vector_backend", cfg.Storage.VectorBackend,
		[]string{"nano", "hnsw", "qdrant"}, def.Storage.VectorBackend)
	cfg.Storage.KVBackend = normalizeEnum("storage.kv_backend", cfg.Storage.KVBackend,
		[]string{"json", "redis"}, def.Storage.KVBackend)
	cfg.LLM.Provider = normalizeEnum("llm.provider", cfg.LLM.Provider,
		[]string{"openai", "anthropic"}, def.LLM.Provider)
	cfg.Chunking.Strategy = normalizeEnum("chunking.strategy", cfg.Chunking.Strategy,
		[]string{"token", "separator"}, def.Chunking.Strategy)

	if cfg.Chunking.Size <= 0 {
		log.Warn().Int("size", cfg.Chunking.Size).Msg("chunking.size must be positive, using default")
		cfg.Chunking.Size = def.Chunking.Size
	}
	if cfg.Chunking.Overlap < 0 || cfg.Chunking.Overlap >= cfg.Chunking.Size {
		log.Warn().Int("overlap", cfg.Chunking.Overlap).Int("size", cfg.Chunking.Size).
			Msg("chunking.overlap must satisfy 0 <= overlap < size, using default")
		cfg.Chunking.Overlap = def.Chunking.Overlap
		if cfg.Chunking.Overlap >= cfg.Chunking.Size {
			cfg.Chunking.Overlap = cfg.Chunking.Size / 10
		}
	}
	if cfg.LLM.MaxConcurrent <= 0 {
		cfg.LLM.MaxConcurrent = def.LLM.MaxConcurrent
	}
	if cfg.LLM.EmbeddingMaxConcurrent <= 0 {
		cfg.LLM.EmbeddingMaxConcurrent = def.LLM.EmbeddingMaxConcurrent
	}
	if cfg.LLM.CommunityReportMaxConcurrency <= 0 {
		cfg.LLM.CommunityReportMaxConcurrency = def.LLM.CommunityReportMaxConcurrency
	}
	if cfg.LLM.CommunityReportTokenBudgetRatio <= 0 || cfg.LLM.CommunityReportTokenBudgetRatio > 1 {
		log.Warn().Float64("ratio", cfg.LLM.CommunityReportTokenBudgetRatio).
			Msg("llm.community_report_token_budget_ratio out of (0,1], using default")
		cfg.LLM.CommunityReportTokenBudgetRatio = def.LLM.CommunityReportTokenBudgetRatio
	}
	if cfg.LLM.CommunityReportChatOverhead < 0 {
		cfg.LLM.CommunityReportChatOverhead = def.LLM.CommunityReportChatOverhead
	}
	if cfg.Storage.Neo4jBatchSize <= 0 {
		cfg.Storage.Neo4jBatchSize = def.Storage.Neo4jBatchSize
	}
	if cfg.Storage.HybridSearch.RRFK <= 0 {
		cfg.Storage.HybridSearch.RRFK = def.Storage.HybridSearch.RRFK
	}
	if cfg.Storage.HybridSearch.SparseTopKMultiplier <= 0 {
		cfg.Storage.HybridSearch.SparseTopKMultiplier = def.Storage.HybridSearch.SparseTopKMultiplier
	}
	if cfg.Storage.HybridSearch.DenseTopKMultiplier <= 0 {
		cfg.Storage.HybridSearch.DenseTopKMultiplier = def.Storage.HybridSearch.DenseTopKMultiplier
	}
	if len(cfg.Extraction.EntityTypes) == 0 {
		cfg.Extraction.EntityTypes = def.Extraction.EntityTypes
	}
	for i, t := range cfg.Extraction.EntityTypes {
		cfg.Extraction.EntityTypes[i] = strings.ToUpper(strings.TrimSpace(t))
	}
	if cfg.Extraction.MaxGleaning < 0 {
		cfg.Extraction.MaxGleaning = 0
	}
	if cfg.Extraction.MaxContinuationAttempts < 0 {
		cfg.Extraction.MaxContinuationAttempts = 0
	}
	if cfg.Query.TopK <= 0 {
		cfg.Query.TopK = def.Query.TopK
	}
}

func normalizeEnum(name, value string, allowed []string, fallback string) string {
	v := strings.ToLower(strings.TrimSpace(value))
	if v == "" {
		return fallback
	}
	// Accept the python-era alias for the embedded graph store.
	if name == "storage.graph_backend" && v == "networkx" {
		return "memory"
	}
	for _, a := range allowed {
		if v == a {
			return v
		}
	}
	log.Warn().Str("option", name).Str("value", value).Strs("allowed", allowed).
		Msg("unknown option value, falling back to default")
	return fallback
}

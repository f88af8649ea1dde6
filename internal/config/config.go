package config

import "time"

// Config is the root engine configuration. All values have working defaults;
// Load never fails on bad values, it warns and falls back.
type Config struct {
	WorkingDir string            `yaml:"working_dir"`
	LogLevel   string            `yaml:"log_level"`
	LogFile    string            `yaml:"log_file"`
	Storage    StorageConfig     `yaml:"storage"`
	LLM        LLMConfig         `yaml:"llm"`
	Extraction ExtractionConfig  `yaml:"entity_extraction"`
	Chunking   ChunkingConfig    `yaml:"chunking"`
	Query      QueryConfig       `yaml:"query"`
	Backup     BackupConfig      `yaml:"backup"`
}

type StorageConfig struct {
	GraphBackend  string `yaml:"graph_backend"`  // memory|neo4j
	VectorBackend string `yaml:"vector_backend"` // nano|hnsw|qdrant
	KVBackend     string `yaml:"kv_backend"`     // json|redis

	Neo4jURI                  string        `yaml:"neo4j_uri"`
	Neo4jUser                 string        `yaml:"neo4j_user"`
	Neo4jPassword             string        `yaml:"neo4j_password"`
	Neo4jDatabase             string        `yaml:"neo4j_database"`
	Neo4jBatchSize            int           `yaml:"neo4j_batch_size"`
	Neo4jMaxConnectionPool    int           `yaml:"neo4j_max_connection_pool_size"`
	Neo4jConnectionTimeout    time.Duration `yaml:"neo4j_connection_timeout"`
	Neo4jEncrypted            bool          `yaml:"neo4j_encrypted"`
	Neo4jMaxTransactionRetry  time.Duration `yaml:"neo4j_max_transaction_retry_time"`

	QdrantURL        string `yaml:"qdrant_url"`
	QdrantCollection string `yaml:"qdrant_collection"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	HybridSearch HybridSearchConfig `yaml:"hybrid_search"`
}

type HybridSearchConfig struct {
	Enabled             bool   `yaml:"enabled"`
	Device              string `yaml:"device"`
	RRFK                int    `yaml:"rrf_k"`
	SparseTopKMultiplier int   `yaml:"sparse_top_k_multiplier"`
	DenseTopKMultiplier  int   `yaml:"dense_top_k_multiplier"`
	TimeoutMS            int   `yaml:"timeout_ms"`
	SparseURL            string `yaml:"sparse_url"`
	SparseModel          string `yaml:"sparse_model"`
}

type LLMConfig struct {
	Provider    string  `yaml:"provider"` // openai|anthropic
	Model       string  `yaml:"model"`
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	ModelContext int    `yaml:"model_context"`

	MaxConcurrent          int           `yaml:"max_concurrent"`
	EmbeddingMaxConcurrent int           `yaml:"embedding_max_concurrent"`
	StreamIdleTimeout      time.Duration `yaml:"stream_idle_timeout"`

	EmbeddingBaseURL    string `yaml:"embedding_base_url"`
	EmbeddingAPIKey     string `yaml:"embedding_api_key"`
	EmbeddingModel      string `yaml:"embedding_model"`
	EmbeddingDimensions int    `yaml:"embedding_dimensions"`

	CommunityReportMaxConcurrency   int     `yaml:"community_report_max_concurrency"`
	CommunityReportTokenBudgetRatio float64 `yaml:"community_report_token_budget_ratio"`
	CommunityReportChatOverhead     int     `yaml:"community_report_chat_overhead"`
}

type ExtractionConfig struct {
	EntityTypes             []string          `yaml:"entity_types"`
	MaxGleaning             int               `yaml:"max_gleaning"`
	MaxContinuationAttempts int               `yaml:"max_continuation_attempts"`
	RelationPatterns        []RelationPattern `yaml:"relation_patterns"`
	EnableTypePrefixEmbeddings bool           `yaml:"enable_type_prefix_embeddings"`
	MaxEntitiesPerChunk     int               `yaml:"max_entities_per_chunk"`
	MaxRelationsPerChunk    int               `yaml:"max_relations_per_chunk"`
	SummaryMaxTokens        int               `yaml:"summary_max_tokens"`
}

// RelationPattern maps a description substring to a relation type. Patterns
// are scanned in declaration order, first match wins.
type RelationPattern struct {
	Contains string `yaml:"contains"`
	Type     string `yaml:"type"`
}

type ChunkingConfig struct {
	Size     int    `yaml:"size"`
	Overlap  int    `yaml:"overlap"`
	Strategy string `yaml:"strategy"` // token|separator
	TokenizerModel string `yaml:"tokenizer_model"`
}

type QueryConfig struct {
	LocalTemplate  string `yaml:"local_template"`
	GlobalTemplate string `yaml:"global_template"`
	EnableNaiveRAG bool   `yaml:"enable_naive_rag"`
	TopK           int    `yaml:"top_k"`
	GlobalLevel    int    `yaml:"level"`
	ResponseType   string `yaml:"response_type"`
	LocalMaxTokens  int   `yaml:"local_max_tokens"`
	GlobalMaxTokens int   `yaml:"global_max_tokens"`
	NaiveMaxTokens  int   `yaml:"naive_max_tokens"`
}

type BackupConfig struct {
	Dir         string        `yaml:"dir"`
	HTTPTimeout time.Duration `yaml:"http_timeout"`
}

// Default returns the engine defaults. Every Load starts from this value so a
// partial YAML file only overrides what it names.
func Default() Config {
	return Config{
		WorkingDir: "./graphrag_data",
		LogLevel:   "info",
		Storage: StorageConfig{
			GraphBackend:  "memory",
			VectorBackend: "nano",
			KVBackend:     "json",
			Neo4jURI:      "neo4j://localhost:7687",
			Neo4jUser:     "neo4j",
			Neo4jDatabase: "neo4j",
			Neo4jBatchSize:           1000,
			Neo4jMaxConnectionPool:   50,
			Neo4jConnectionTimeout:   30 * time.Second,
			Neo4jMaxTransactionRetry: 30 * time.Second,
			QdrantURL:        "http://localhost:6334",
			QdrantCollection: "graphrag",
			RedisAddr:        "localhost:6379",
			HybridSearch: HybridSearchConfig{
				RRFK:                 60,
				SparseTopKMultiplier: 2,
				DenseTopKMultiplier:  1,
				TimeoutMS:            5000,
				SparseModel:          "prithivida/Splade_PP_en_v1",
			},
		},
		LLM: LLMConfig{
			Provider:     "openai",
			Model:        "gpt-4o-mini",
			Temperature:  0,
			MaxTokens:    4096,
			ModelContext: 32768,
			MaxConcurrent:          8,
			EmbeddingMaxConcurrent: 8,
			StreamIdleTimeout:      30 * time.Second,
			EmbeddingModel:         "text-embedding-3-small",
			EmbeddingDimensions:    1536,
			CommunityReportMaxConcurrency:   8,
			CommunityReportTokenBudgetRatio: 0.75,
			CommunityReportChatOverhead:     1000,
		},
		Extraction: ExtractionConfig{
			EntityTypes:             []string{"PERSON", "ORGANIZATION", "LOCATION", "EVENT", "CONCEPT"},
			MaxGleaning:             1,
			MaxContinuationAttempts: 2,
			MaxEntitiesPerChunk:     100,
			MaxRelationsPerChunk:    200,
			SummaryMaxTokens:        500,
		},
		Chunking: ChunkingConfig{
			Size:           1200,
			Overlap:        100,
			Strategy:       "token",
			TokenizerModel: "cl100k_base",
		},
		Query: QueryConfig{
			TopK:            20,
			GlobalLevel:     0,
			ResponseType:    "Multiple Paragraphs",
			LocalMaxTokens:  12000,
			GlobalMaxTokens: 12000,
			NaiveMaxTokens:  12000,
		},
		Backup: BackupConfig{
			Dir:         "./backups",
			HTTPTimeout: 300 * time.Second,
		},
	}
}

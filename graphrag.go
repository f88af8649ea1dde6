// Package graphrag is the public facade of the GraphRAG engine: ingest
// documents into a knowledge graph plus vector index, answer questions over
// it, and back the whole thing up.
package graphrag

import (
	"context"
	"fmt"

	"graphrag/internal/backup"
	"graphrag/internal/community"
	"graphrag/internal/config"
	"graphrag/internal/extract"
	"graphrag/internal/ingest"
	"graphrag/internal/llm"
	"graphrag/internal/retrieve"
	"graphrag/internal/storage"
	"graphrag/internal/tokenizer"
)

// GraphRAG owns one engine instance over one working directory.
type GraphRAG struct {
	cfg       config.Config
	stores    *storage.Stores
	gateway   *llm.Gateway
	pipeline  *ingest.Pipeline
	retriever *retrieve.Retriever
	backups   *backup.Orchestrator
}

// Option overrides wiring during construction, mainly for tests and embedding
// the engine with custom providers.
type Option func(*options)

type options struct {
	provider llm.Provider
	embedder storage.Embedder
	sparse   storage.SparseEmbedder
}

// WithProvider replaces the configured completion provider.
func WithProvider(p llm.Provider) Option { return func(o *options) { o.provider = p } }

// WithEmbedder replaces the dense embedder.
func WithEmbedder(e storage.Embedder) Option { return func(o *options) { o.embedder = e } }

// WithSparseEmbedder replaces the sparse embedder.
func WithSparseEmbedder(s storage.SparseEmbedder) Option { return func(o *options) { o.sparse = s } }

// New builds the engine from configuration.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*GraphRAG, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	provider := o.provider
	if provider == nil {
		switch cfg.LLM.Provider {
		case "anthropic":
			provider = llm.NewAnthropicProvider(cfg.LLM.APIKey, cfg.LLM.BaseURL)
		default:
			provider = llm.NewOpenAIProvider(cfg.LLM.APIKey, cfg.LLM.BaseURL)
		}
	}

	var embClient *llm.EmbeddingClient
	if o.embedder == nil {
		embClient = llm.NewEmbeddingClient(
			cfg.LLM.EmbeddingBaseURL, cfg.LLM.EmbeddingAPIKey,
			cfg.LLM.EmbeddingModel, cfg.LLM.EmbeddingDimensions)
	}

	gateway := llm.NewGateway(provider, embClient, nil, cfg.LLM)
	var embedder storage.Embedder = gateway
	if o.embedder != nil {
		embedder = o.embedder
	}
	sparse := o.sparse
	if sparse == nil {
		if se := llm.NewSparseEmbedder(cfg.Storage.HybridSearch); se != nil {
			sparse = se
		}
	}

	stores, err := storage.Open(ctx, cfg, embedder, sparse)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	gateway.SetCache(stores.LLMCache)

	tok := tokenizer.New(cfg.Chunking.TokenizerModel)
	extractor := extract.New(gateway, cfg.Extraction)
	merger := ingest.NewMerger(stores.Graph, gateway, tok, cfg.Extraction.SummaryMaxTokens)
	vsync := ingest.NewVectorSync(stores.Entities, stores.Graph, cfg.Extraction.EnableTypePrefixEmbeddings)
	communities := community.NewEngine(stores.Graph, stores.CommunityReports, gateway, tok, cfg.LLM)
	pipeline := ingest.NewPipeline(cfg, stores, tok, extractor, merger, vsync, communities)
	retriever := retrieve.New(cfg.Query, stores, gateway, tok)

	return &GraphRAG{
		cfg:       cfg,
		stores:    stores,
		gateway:   gateway,
		pipeline:  pipeline,
		retriever: retriever,
		backups:   backup.New(stores, cfg),
	}, nil
}

// Insert ingests raw document contents. Documents already known to the engine
// are skipped; failures in one document do not abort the rest.
func (g *GraphRAG) Insert(ctx context.Context, docs ...string) (*ingest.Report, error) {
	return g.pipeline.Ingest(ctx, docs)
}

// Query answers a question. overrides may set mode, top_k, level and
// response_type; anything else is rejected.
func (g *GraphRAG) Query(ctx context.Context, question string, overrides map[string]any) (string, error) {
	params := g.retriever.DefaultParams()
	if err := params.Apply(overrides); err != nil {
		return "", err
	}
	return g.retriever.Query(ctx, question, params)
}

// DeleteDocument removes a document with its chunks and chunk vectors. Graph
// entities stay because they may span documents.
func (g *GraphRAG) DeleteDocument(ctx context.Context, docID string) error {
	return g.pipeline.DeleteDocument(ctx, docID)
}

// Backup archives all storage tiers into <backup_id>.ngbak and returns the
// archive path.
func (g *GraphRAG) Backup(ctx context.Context, backupID string) (string, error) {
	return g.backups.Backup(ctx, backupID)
}

// Restore replays a backup archive into the configured backends.
func (g *GraphRAG) Restore(ctx context.Context, idOrPath string) error {
	return g.backups.Restore(ctx, idOrPath)
}

// Stores exposes the resolved storage backends; useful for admin tooling and
// tests that assert on backend state directly.
func (g *GraphRAG) Stores() *storage.Stores { return g.stores }

// Close flushes and releases backend connections.
func (g *GraphRAG) Close(ctx context.Context) error {
	err := g.stores.IndexDoneCallback(ctx)
	g.stores.Close(ctx)
	return err
}

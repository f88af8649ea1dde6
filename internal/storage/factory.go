package storage

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"graphrag/internal/config"
)

// Stores aggregates the resolved backends for one engine instance.
type Stores struct {
	Graph GraphStorage

	Entities VectorStorage
	Chunks   VectorStorage // nil unless naive RAG is enabled

	FullDocs         KVStorage
	TextChunks       KVStorage
	CommunityReports KVStorage
	LLMCache         KVStorage
}

// Open resolves concrete backends from configuration. Unknown backend names
// were already normalized away by config.Validate; this function only fails
// on real connectivity errors.
func Open(ctx context.Context, cfg config.Config, embedder Embedder, sparse SparseEmbedder) (*Stores, error) {
	s := &Stores{}

	switch cfg.Storage.GraphBackend {
	case "neo4j":
		g, err := NewNeo4jGraph(ctx, cfg.Storage, "entity_graph")
		if err != nil {
			return nil, fmt.Errorf("open neo4j graph: %w", err)
		}
		s.Graph = g
	default:
		s.Graph = NewMemoryGraph("entity_graph")
	}

	newVector := func(namespace string) (VectorStorage, error) {
		switch cfg.Storage.VectorBackend {
		case "qdrant":
			return NewQdrantVector(ctx, cfg.Storage, namespace, embedder, sparse)
		case "hnsw":
			return NewHNSWVector(namespace, embedder, sparse, cfg.Storage.HybridSearch), nil
		default:
			return NewMemoryVector(namespace, embedder, sparse, cfg.Storage.HybridSearch), nil
		}
	}
	var err error
	if s.Entities, err = newVector("entities"); err != nil {
		return nil, fmt.Errorf("open entities vector store: %w", err)
	}
	if cfg.Query.EnableNaiveRAG {
		if s.Chunks, err = newVector("chunks"); err != nil {
			return nil, fmt.Errorf("open chunks vector store: %w", err)
		}
	}

	newKV := func(namespace string) (KVStorage, error) {
		switch cfg.Storage.KVBackend {
		case "redis":
			return NewRedisKV(ctx, cfg.Storage, namespace)
		default:
			return NewJSONKV(filepath.Join(cfg.WorkingDir, "kv"), namespace)
		}
	}
	for _, ns := range []struct {
		name string
		dst  *KVStorage
	}{
		{NSFullDocs, &s.FullDocs},
		{NSTextChunks, &s.TextChunks},
		{NSCommunityReports, &s.CommunityReports},
		{NSLLMCache, &s.LLMCache},
	} {
		kv, err := newKV(ns.name)
		if err != nil {
			return nil, fmt.Errorf("open kv namespace %s: %w", ns.name, err)
		}
		*ns.dst = kv
	}

	log.Info().
		Str("graph", cfg.Storage.GraphBackend).
		Str("vector", cfg.Storage.VectorBackend).
		Str("kv", cfg.Storage.KVBackend).
		Bool("hybrid", cfg.Storage.HybridSearch.Enabled).
		Msg("storage backends resolved")
	return s, nil
}

// AllKV returns every KV namespace, for flush and backup walks.
func (s *Stores) AllKV() []KVStorage {
	return []KVStorage{s.FullDocs, s.TextChunks, s.CommunityReports, s.LLMCache}
}

// IndexDoneCallback flushes every store.
func (s *Stores) IndexDoneCallback(ctx context.Context) error {
	if err := s.Graph.IndexDoneCallback(ctx); err != nil {
		return err
	}
	if err := s.Entities.IndexDoneCallback(ctx); err != nil {
		return err
	}
	if s.Chunks != nil {
		if err := s.Chunks.IndexDoneCallback(ctx); err != nil {
			return err
		}
	}
	for _, kv := range s.AllKV() {
		if err := kv.IndexDoneCallback(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close releases any backend connections.
func (s *Stores) Close(ctx context.Context) {
	if c, ok := s.Graph.(interface{ Close(context.Context) error }); ok {
		_ = c.Close(ctx)
	}
	for _, v := range []VectorStorage{s.Entities, s.Chunks} {
		if c, ok := v.(interface{ Close() error }); ok {
			_ = c.Close()
		}
	}
}

package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/coder/hnsw"
	"github.com/rs/zerolog/log"

	"graphrag/internal/config"
)

// hnswVector is the embedded ANN backend: dense lookups go through an HNSW
// graph, payloads and sparse vectors live in a side map. Persistence is
// handled by the backup exporter, not by the index itself.
type hnswVector struct {
	namespace string
	embedder  Embedder
	sparse    SparseEmbedder
	hybrid    config.HybridSearchConfig

	mu    sync.RWMutex
	graph *hnsw.Graph[string]
	rows  map[string]StoredVector
}

// NewHNSWVector returns an empty HNSW-backed vector store.
func NewHNSWVector(namespace string, embedder Embedder, sparse SparseEmbedder, hybrid config.HybridSearchConfig) VectorStorage {
	g := hnsw.NewGraph[string]()
	g.Distance = hnsw.CosineDistance
	return &hnswVector{
		namespace: namespace,
		embedder:  embedder,
		sparse:    sparse,
		hybrid:    hybrid,
		graph:     g,
		rows:      make(map[string]StoredVector),
	}
}

func (h *hnswVector) Namespace() string { return h.namespace }

func (h *hnswVector) Upsert(ctx context.Context, data map[string]map[string]any) error {
	if len(data) == 0 {
		return nil
	}
	ids := make([]string, 0, len(data))
	for id := range data {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	texts := make([]string, len(ids))
	for i, id := range ids {
		content, _ := data[id]["content"].(string)
		if content == "" {
			return fmt.Errorf("vector upsert %q: missing content field", id)
		}
		texts[i] = content
	}
	dense, err := h.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed %d texts: %w", len(texts), err)
	}
	var sparseVecs []SparseVector
	if h.hybrid.Enabled && h.sparse != nil {
		sparseVecs, err = h.sparse.SparseEmbed(ctx, texts)
		if err != nil {
			return fmt.Errorf("sparse embed: %w", err)
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, id := range ids {
		payload := make(map[string]any, len(data[id]))
		for k, v := range data[id] {
			payload[k] = v
		}
		row := StoredVector{ID: id, Dense: dense[i], Payload: payload}
		if sparseVecs != nil {
			sv := sparseVecs[i]
			row.Sparse = &sv
		}
		if _, exists := h.rows[id]; exists {
			h.graph.Delete(id)
		}
		h.graph.Add(hnsw.MakeNode(id, dense[i]))
		h.rows[id] = row
	}
	return nil
}

func (h *hnswVector) UpdatePayload(ctx context.Context, updates map[string]map[string]any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, fields := range updates {
		row, ok := h.rows[id]
		if !ok {
			return fmt.Errorf("payload update for unknown vector id %q", id)
		}
		for k, v := range fields {
			if protectedPayloadFields[k] {
				log.Debug().Str("namespace", h.namespace).Str("field", k).
					Msg("dropping protected field from payload update")
				continue
			}
			row.Payload[k] = v
		}
		h.rows[id] = row
	}
	return nil
}

func (h *hnswVector) Query(ctx context.Context, text string, topK int) ([]VectorRecord, error) {
	if topK <= 0 {
		topK = 10
	}
	dense, err := h.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	q := dense[0]

	dK := topK
	if h.hybrid.Enabled && h.sparse != nil {
		dK = topK * h.hybrid.DenseTopKMultiplier
	}
	h.mu.RLock()
	neighbors := h.graph.Search(q, dK)
	denseRanked := make([]rankedID, 0, len(neighbors))
	for _, n := range neighbors {
		denseRanked = append(denseRanked, rankedID{ID: n.Key, Score: cosineSim(q, h.rows[n.Key].Dense)})
	}
	h.mu.RUnlock()

	var final []rankedID
	if h.hybrid.Enabled && h.sparse != nil {
		sq, err := h.sparse.SparseEmbed(ctx, []string{text})
		if err != nil {
			return nil, fmt.Errorf("sparse embed query: %w", err)
		}
		h.mu.RLock()
		sparseRanked := make([]rankedID, 0, len(h.rows))
		for id, row := range h.rows {
			if row.Sparse == nil {
				continue
			}
			score := sparseDot(sq[0], *row.Sparse)
			if score <= 0 {
				continue
			}
			sparseRanked = append(sparseRanked, rankedID{ID: id, Score: score})
		}
		h.mu.RUnlock()
		sort.Slice(sparseRanked, func(i, j int) bool {
			if sparseRanked[i].Score != sparseRanked[j].Score {
				return sparseRanked[i].Score > sparseRanked[j].Score
			}
			return sparseRanked[i].ID < sparseRanked[j].ID
		})
		sK := topK * h.hybrid.SparseTopKMultiplier
		if len(sparseRanked) > sK {
			sparseRanked = sparseRanked[:sK]
		}
		final = fuseRRF(denseRanked, sparseRanked, h.hybrid.RRFK, topK)
	} else {
		if len(denseRanked) > topK {
			denseRanked = denseRanked[:topK]
		}
		final = denseRanked
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]VectorRecord, 0, len(final))
	for _, r := range final {
		row, ok := h.rows[r.ID]
		if !ok {
			continue
		}
		payload := make(map[string]any, len(row.Payload))
		for k, v := range row.Payload {
			payload[k] = v
		}
		out = append(out, VectorRecord{ID: r.ID, Distance: r.Score, Payload: payload})
	}
	return out, nil
}

func (h *hnswVector) Delete(_ context.Context, ids []string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range ids {
		if _, ok := h.rows[id]; ok {
			h.graph.Delete(id)
			delete(h.rows, id)
		}
	}
	return nil
}

func (h *hnswVector) Has(_ context.Context, id string) (bool, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rows[id]
	return ok, nil
}

func (h *hnswVector) ExportRecords(context.Context) ([]StoredVector, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.rows))
	for id := range h.rows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]StoredVector, 0, len(ids))
	for _, id := range ids {
		out = append(out, h.rows[id])
	}
	return out, nil
}

func (h *hnswVector) ImportRecords(_ context.Context, recs []StoredVector) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range recs {
		if _, exists := h.rows[r.ID]; exists {
			h.graph.Delete(r.ID)
		}
		h.graph.Add(hnsw.MakeNode(r.ID, r.Dense))
		h.rows[r.ID] = r
	}
	return nil
}

func (h *hnswVector) IndexDoneCallback(context.Context) error { return nil }

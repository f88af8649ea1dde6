package storage

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"graphrag/internal/config"
)

// memoryVector is the "nano" backend: brute-force cosine over all rows. Good
// for tests and small corpora; swap for hnsw or qdrant beyond that.
type memoryVector struct {
	namespace string
	embedder  Embedder
	sparse    SparseEmbedder
	hybrid    config.HybridSearchConfig

	mu   sync.RWMutex
	rows map[string]StoredVector
}

// NewMemoryVector returns an empty in-memory vector store. sparse may be nil;
// hybrid queries then degrade to dense-only.
func NewMemoryVector(namespace string, embedder Embedder, sparse SparseEmbedder, hybrid config.HybridSearchConfig) VectorStorage {
	return &memoryVector{
		namespace: namespace,
		embedder:  embedder,
		sparse:    sparse,
		hybrid:    hybrid,
		rows:      make(map[string]StoredVector),
	}
}

func (m *memoryVector) Namespace() string { return m.namespace }

func (m *memoryVector) Upsert(ctx context.Context, data map[string]map[string]any) error {
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
	dense, err := m.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed %d texts: %w", len(texts), err)
	}
	if len(dense) != len(ids) {
		return fmt.Errorf("embedder returned %d vectors for %d texts", len(dense), len(ids))
	}
	var sparseVecs []SparseVector
	if m.hybrid.Enabled && m.sparse != nil {
		sparseVecs, err = m.sparse.SparseEmbed(ctx, texts)
		if err != nil {
			return fmt.Errorf("sparse embed: %w", err)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
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
		m.rows[id] = row
	}
	return nil
}

func (m *memoryVector) UpdatePayload(ctx context.Context, updates map[string]map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, fields := range updates {
		row, ok := m.rows[id]
		if !ok {
			return fmt.Errorf("payload update for unknown vector id %q", id)
		}
		for k, v := range fields {
			if protectedPayloadFields[k] {
				log.Debug().Str("namespace", m.namespace).Str("field", k).
					Msg("dropping protected field from payload update")
				continue
			}
			row.Payload[k] = v
		}
		m.rows[id] = row
	}
	return nil
}

func (m *memoryVector) Query(ctx context.Context, text string, topK int) ([]VectorRecord, error) {
	if topK <= 0 {
		topK = 10
	}
	dense, err := m.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	q := dense[0]

	m.mu.RLock()
	denseRanked := make([]rankedID, 0, len(m.rows))
	for id, row := range m.rows {
		denseRanked = append(denseRanked, rankedID{ID: id, Score: cosineSim(q, row.Dense)})
	}
	m.mu.RUnlock()
	sort.Slice(denseRanked, func(i, j int) bool {
		if denseRanked[i].Score != denseRanked[j].Score {
			return denseRanked[i].Score > denseRanked[j].Score
		}
		return denseRanked[i].ID < denseRanked[j].ID
	})

	var final []rankedID
	if m.hybrid.Enabled && m.sparse != nil {
		sq, err := m.sparse.SparseEmbed(ctx, []string{text})
		if err != nil {
			return nil, fmt.Errorf("sparse embed query: %w", err)
		}
		m.mu.RLock()
		sparseRanked := make([]rankedID, 0, len(m.rows))
		for id, row := range m.rows {
			if row.Sparse == nil {
				continue
			}
			score := sparseDot(sq[0], *row.Sparse)
			if score <= 0 {
				continue
			}
			sparseRanked = append(sparseRanked, rankedID{ID: id, Score: score})
		}
		m.mu.RUnlock()
		sort.Slice(sparseRanked, func(i, j int) bool {
			if sparseRanked[i].Score != sparseRanked[j].Score {
				return sparseRanked[i].Score > sparseRanked[j].Score
			}
			return sparseRanked[i].ID < sparseRanked[j].ID
		})
		dK := topK * m.hybrid.DenseTopKMultiplier
		sK := topK * m.hybrid.SparseTopKMultiplier
		if len(denseRanked) > dK {
			denseRanked = denseRanked[:dK]
		}
		if len(sparseRanked) > sK {
			sparseRanked = sparseRanked[:sK]
		}
		final = fuseRRF(denseRanked, sparseRanked, m.hybrid.RRFK, topK)
	} else {
		if len(denseRanked) > topK {
			denseRanked = denseRanked[:topK]
		}
		final = denseRanked
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]VectorRecord, 0, len(final))
	for _, r := range final {
		row := m.rows[r.ID]
		payload := make(map[string]any, len(row.Payload))
		for k, v := range row.Payload {
			payload[k] = v
		}
		out = append(out, VectorRecord{ID: r.ID, Distance: r.Score, Payload: payload})
	}
	return out, nil
}

func (m *memoryVector) Delete(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.rows, id)
	}
	return nil
}

func (m *memoryVector) Has(_ context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.rows[id]
	return ok, nil
}

func (m *memoryVector) ExportRecords(context.Context) ([]StoredVector, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.rows))
	for id := range m.rows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]StoredVector, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.rows[id])
	}
	return out, nil
}

func (m *memoryVector) ImportRecords(_ context.Context, recs []StoredVector) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range recs {
		m.rows[r.ID] = r
	}
	return nil
}

func (m *memoryVector) IndexDoneCallback(context.Context) error { return nil }

func cosineSim(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

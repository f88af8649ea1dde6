package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"graphrag/internal/config"
)

func hybridOff() config.HybridSearchConfig {
	c := config.Default().Storage.HybridSearch
	return c
}

func hybridOn() config.HybridSearchConfig {
	c := config.Default().Storage.HybridSearch
	c.Enabled = true
	return c
}

func TestMemoryVectorUpsertAndQuery(t *testing.T) {
	ctx := context.Background()
	v := NewMemoryVector("entities", hashEmbedder{dim: 16}, nil, hybridOff())
	err := v.Upsert(ctx, map[string]map[string]any{
		"ent-1": {"content": "EXECUTIVE ORDER 14196 an order about cybersecurity", "entity_name": "EXECUTIVE ORDER 14196"},
		"ent-2": {"content": "EO 13800 older cybersecurity order", "entity_name": "EO 13800"},
	})
	require.NoError(t, err)

	hits, err := v.Query(ctx, "EXECUTIVE ORDER 14196 an order about cybersecurity", 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "ent-1", hits[0].ID)
	assert.Equal(t, "EXECUTIVE ORDER 14196", hits[0].Payload["entity_name"])

	ok, err := v.Has(ctx, "ent-2")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = v.Has(ctx, "ent-404")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryVectorMissingContentFails(t *testing.T) {
	v := NewMemoryVector("entities", hashEmbedder{dim: 8}, nil, hybridOff())
	err := v.Upsert(context.Background(), map[string]map[string]any{"ent-1": {"entity_name": "X"}})
	assert.Error(t, err)
}

func TestUpdatePayloadDropsProtectedFields(t *testing.T) {
	ctx := context.Background()
	v := NewMemoryVector("entities", hashEmbedder{dim: 8}, nil, hybridOff())
	require.NoError(t, v.Upsert(ctx, map[string]map[string]any{
		"ent-1": {"content": "ORIGINAL CONTENT", "entity_name": "X"},
	}))
	require.NoError(t, v.UpdatePayload(ctx, map[string]map[string]any{
		"ent-1": {
			"content":               "MUST NOT REPLACE",
			"embedding":             []float32{1, 2, 3},
			"community_description": "X belongs to a community",
		},
	}))

	recs, err := v.ExportRecords(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "ORIGINAL CONTENT", recs[0].Payload["content"])
	assert.Equal(t, "X belongs to a community", recs[0].Payload["community_description"])
	_, hasEmbedding := recs[0].Payload["embedding"]
	assert.False(t, hasEmbedding)
}

func TestUpdatePayloadUnknownIDFails(t *testing.T) {
	v := NewMemoryVector("entities", hashEmbedder{dim: 8}, nil, hybridOff())
	err := v.UpdatePayload(context.Background(), map[string]map[string]any{"ent-404": {"a": 1}})
	assert.Error(t, err)
}

func TestMemoryVectorHybridQuery(t *testing.T) {
	ctx := context.Background()
	// constant dense vectors: the dense leg ranks by id tie-break only, so any
	// lexical signal in the result comes from the sparse leg.
	v := NewMemoryVector("entities", constEmbedder{dim: 8}, wordSparse{}, hybridOn())
	require.NoError(t, v.Upsert(ctx, map[string]map[string]any{
		"ent-1": {"content": "stock market volatility", "entity_name": "MARKET"},
		"ent-2": {"content": "zebra migration patterns", "entity_name": "ZEBRA"},
		"ent-3": {"content": "commodity futures pricing", "entity_name": "FUTURES"},
		"ent-4": {"content": "zebra stripes camouflage", "entity_name": "STRIPES"},
	}))

	hits, err := v.Query(ctx, "zebra", 3)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	// ent-2 hits both retrievers (dense prefetch rank 2 of 3, sparse rank 1)
	// and must fuse to the top.
	assert.Equal(t, "ent-2", hits[0].ID)
	// ent-4 is outside the dense prefetch entirely; only the sparse leg can
	// surface it.
	ids := map[string]bool{}
	for _, h := range hits {
		ids[h.ID] = true
	}
	assert.True(t, ids["ent-4"], "sparse-only candidate missing from fused results")
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := NewMemoryVector("entities", hashEmbedder{dim: 8}, wordSparse{}, hybridOn())
	require.NoError(t, src.Upsert(ctx, map[string]map[string]any{
		"ent-1": {"content": "alpha", "entity_name": "A"},
		"ent-2": {"content": "beta", "entity_name": "B"},
	}))
	recs, err := src.ExportRecords(ctx)
	require.NoError(t, err)

	dst := NewMemoryVector("entities", hashEmbedder{dim: 8}, wordSparse{}, hybridOn())
	require.NoError(t, dst.ImportRecords(ctx, recs))
	got, err := dst.ExportRecords(ctx)
	require.NoError(t, err)
	assert.Equal(t, recs, got)
}

func TestFuseRRF(t *testing.T) {
	dense := []rankedID{{ID: "A", Score: 0.9}, {ID: "B", Score: 0.8}, {ID: "C", Score: 0.7}}
	sparse := []rankedID{{ID: "B", Score: 5}, {ID: "D", Score: 4}}
	out := fuseRRF(dense, sparse, 60, 0)
	require.Len(t, out, 4)
	// B appears in both lists, so it must outrank every single-list candidate
	assert.Equal(t, "B", out[0].ID)
	// A (dense rank 1, 1/61) outranks D (sparse rank 2, 1/62)
	var a, d int
	for i, r := range out {
		if r.ID == "A" {
			a = i
		}
		if r.ID == "D" {
			d = i
		}
	}
	assert.Less(t, a, d)
}

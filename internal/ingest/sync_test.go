package ingest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"graphrag/internal/config"
	"graphrag/internal/keys"
	"graphrag/internal/storage"
	"graphrag/internal/testhelpers"
)

func newVectorStore() storage.VectorStorage {
	return storage.NewMemoryVector("entities", testhelpers.DeterministicEmbedder{Dim: 8}, nil,
		config.Default().Storage.HybridSearch)
}

func TestUpsertEntitiesFlipsHasVector(t *testing.T) {
	ctx := context.Background()
	g := storage.NewMemoryGraph("test")
	v := newVectorStore()
	require.NoError(t, g.UpsertNode(ctx, "ALICE", storage.NodeData{EntityType: "PERSON", Description: "engineer"}))

	s := NewVectorSync(v, g, false)
	err := s.UpsertEntities(ctx, []storage.BatchNode{
		{ID: "ALICE", Data: storage.NodeData{EntityType: "PERSON", Description: "engineer"}},
	})
	require.NoError(t, err)

	node, err := g.GetNode(ctx, "ALICE")
	require.NoError(t, err)
	assert.True(t, node.HasVector)

	ok, err := v.Has(ctx, keys.EntityVectorID("ALICE"))
	require.NoError(t, err)
	assert.True(t, ok)
}

type failingVector struct{ storage.VectorStorage }

func (f failingVector) Upsert(context.Context, map[string]map[string]any) error {
	return errors.New("vector backend down")
}

func TestUpsertFailureLeavesHasVectorFalse(t *testing.T) {
	ctx := context.Background()
	g := storage.NewMemoryGraph("test")
	require.NoError(t, g.UpsertNode(ctx, "ALICE", storage.NodeData{EntityType: "PERSON"}))

	s := NewVectorSync(failingVector{newVectorStore()}, g, false)
	err := s.UpsertEntities(ctx, []storage.BatchNode{{ID: "ALICE", Data: storage.NodeData{EntityType: "PERSON"}}})
	require.Error(t, err)

	node, err := g.GetNode(ctx, "ALICE")
	require.NoError(t, err)
	assert.False(t, node.HasVector, "has_vector must only flip after a confirmed write")
}

func TestCommunityPayloadUpdateSkipsAndDetects(t *testing.T) {
	ctx := context.Background()
	g := storage.NewMemoryGraph("test")
	v := newVectorStore()
	s := NewVectorSync(v, g, false)

	// vectorized node with a real record
	require.NoError(t, g.UpsertNode(ctx, "ALICE", storage.NodeData{EntityType: "PERSON", Description: "engineer"}))
	require.NoError(t, s.UpsertEntities(ctx, []storage.BatchNode{
		{ID: "ALICE", Data: storage.NodeData{EntityType: "PERSON", Description: "engineer"}},
	}))
	// placeholder without vector: skipped
	require.NoError(t, g.UpsertNode(ctx, "BOB", storage.NodeData{EntityType: "UNKNOWN"}))
	// inconsistent node: flag set but no vector record; dropped, not fatal
	require.NoError(t, g.UpsertNode(ctx, "GHOST", storage.NodeData{EntityType: "PERSON", HasVector: true}))

	require.NoError(t, s.CommunityPayloadUpdate(ctx))

	recs, err := v.ExportRecords(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	desc, _ := recs[0].Payload["community_description"].(string)
	assert.Contains(t, desc, "ALICE", "community description must lead with the entity name")
	// the embedding-driving content was not touched
	assert.Equal(t, "ALICE engineer", recs[0].Payload["content"])
}

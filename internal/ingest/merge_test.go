package ingest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"graphrag/internal/extract"
	"graphrag/internal/storage"
	"graphrag/internal/tokenizer"
)

func newTestMerger(g storage.GraphStorage) *Merger {
	return NewMerger(g, nil, tokenizer.Approximate{}, 500)
}

func TestMergeResultsNodesAndEdges(t *testing.T) {
	ctx := context.Background()
	g := storage.NewMemoryGraph("test")
	m := newTestMerger(g)

	results := []*extract.Result{
		{
			Nodes: map[string][]extract.NodeFragment{
				"ALICE": {{Name: "ALICE", EntityType: "PERSON", Description: "a person", SourceID: "chunk-1"}},
			},
			Edges: []extract.EdgeFragment{
				{Source: "ALICE", Target: "BOB", Description: "knows Bob", Weight: 3, SourceID: "chunk-1", RelationType: "RELATED"},
			},
		},
		{
			Nodes: map[string][]extract.NodeFragment{
				"ALICE": {{Name: "ALICE", EntityType: "PERSON", Description: "an engineer", SourceID: "chunk-2"}},
			},
			Edges: []extract.EdgeFragment{
				{Source: "ALICE", Target: "BOB", Description: "works with Bob", Weight: 2, SourceID: "chunk-2", RelationType: "WORKS_WITH"},
			},
		},
	}
	out, err := m.MergeResults(ctx, results)
	require.NoError(t, err)

	// ALICE merged, BOB is a placeholder
	require.Len(t, out.Batch.Nodes, 2)
	alice := out.Batch.Nodes[0]
	assert.Equal(t, "ALICE", alice.ID)
	assert.Equal(t, "PERSON", alice.Data.EntityType)
	assert.Equal(t, "a person"+storage.FieldSeparator+"an engineer", alice.Data.Description)
	assert.Equal(t, "chunk-1"+storage.FieldSeparator+"chunk-2", alice.Data.SourceID)
	assert.False(t, alice.Data.HasVector)

	bob := out.Batch.Nodes[1]
	assert.Equal(t, "BOB", bob.ID)
	assert.Equal(t, "UNKNOWN", bob.Data.EntityType)
	assert.False(t, bob.Data.HasVector)

	// only ALICE gets a vector; the placeholder does not
	require.Len(t, out.EntityNodes, 1)
	assert.Equal(t, "ALICE", out.EntityNodes[0].ID)

	// duplicate edges merged: weights summed within the batch, first
	// non-default relation type wins
	require.Len(t, out.Batch.Edges, 1)
	e := out.Batch.Edges[0]
	assert.Equal(t, 5.0, e.Data.Weight)
	assert.Equal(t, "WORKS_WITH", e.Data.RelationType)
	assert.Equal(t, "knows Bob"+storage.FieldSeparator+"works with Bob", e.Data.Description)
}

func TestMergeCarriesHasVectorFromStore(t *testing.T) {
	ctx := context.Background()
	g := storage.NewMemoryGraph("test")
	require.NoError(t, g.UpsertNode(ctx, "ALICE", storage.NodeData{
		EntityType: "PERSON", Description: "old description", SourceID: "chunk-0", HasVector: true,
	}))
	m := newTestMerger(g)

	out, err := m.MergeResults(ctx, []*extract.Result{{
		Nodes: map[string][]extract.NodeFragment{
			"ALICE": {{Name: "ALICE", EntityType: "PERSON", Description: "new description", SourceID: "chunk-9"}},
		},
	}})
	require.NoError(t, err)
	alice := out.Batch.Nodes[0]
	// existing state joins the merge, has_vector passes through untouched
	assert.True(t, alice.Data.HasVector)
	assert.Contains(t, alice.Data.Description, "old description")
	assert.Contains(t, alice.Data.Description, "new description")
}

func TestMergeEntityTypeMajorityVote(t *testing.T) {
	ctx := context.Background()
	m := newTestMerger(storage.NewMemoryGraph("test"))
	out, err := m.MergeResults(ctx, []*extract.Result{{
		Nodes: map[string][]extract.NodeFragment{
			"X": {
				{Name: "X", EntityType: "LAW", SourceID: "c1"},
				{Name: "X", EntityType: "CONCEPT", SourceID: "c2"},
				{Name: "X", EntityType: "LAW", SourceID: "c3"},
			},
		},
	}})
	require.NoError(t, err)
	assert.Equal(t, "LAW", out.Batch.Nodes[0].Data.EntityType)
}

func TestMergeBidirectionalEdgesStayDistinct(t *testing.T) {
	ctx := context.Background()
	m := newTestMerger(storage.NewMemoryGraph("test"))
	out, err := m.MergeResults(ctx, []*extract.Result{{
		Nodes: map[string][]extract.NodeFragment{
			"A": {{Name: "A", EntityType: "PERSON", SourceID: "c1"}},
			"B": {{Name: "B", EntityType: "PERSON", SourceID: "c1"}},
		},
		Edges: []extract.EdgeFragment{
			{Source: "A", Target: "B", Description: "parent of B", Weight: 1, SourceID: "c1", RelationType: "PARENT_OF"},
			{Source: "B", Target: "A", Description: "child of A", Weight: 1, SourceID: "c1", RelationType: "CHILD_OF"},
		},
	}})
	require.NoError(t, err)
	require.Len(t, out.Batch.Edges, 2)
	assert.Equal(t, "PARENT_OF", out.Batch.Edges[0].Data.RelationType)
	assert.Equal(t, "CHILD_OF", out.Batch.Edges[1].Data.RelationType)
}

func TestPlaceholderNotCreatedWhenNodeExistsInGraph(t *testing.T) {
	ctx := context.Background()
	g := storage.NewMemoryGraph("test")
	require.NoError(t, g.UpsertNode(ctx, "KNOWN", storage.NodeData{EntityType: "PERSON", HasVector: true}))
	m := newTestMerger(g)
	out, err := m.MergeResults(ctx, []*extract.Result{{
		Nodes: map[string][]extract.NodeFragment{
			"A": {{Name: "A", EntityType: "PERSON", SourceID: "c1"}},
		},
		Edges: []extract.EdgeFragment{
			{Source: "A", Target: "KNOWN", Description: "cites", Weight: 1, SourceID: "c1", RelationType: "RELATED"},
		},
	}})
	require.NoError(t, err)
	assert.Len(t, out.Batch.Nodes, 1, "existing graph node must not become a placeholder")
}

package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleBatch() *DocumentBatch {
	return &DocumentBatch{
		Nodes: []BatchNode{
			{ID: "EXECUTIVE ORDER 14196", Data: NodeData{EntityType: "LAW", Description: "An order", SourceID: "chunk-1"}},
			{ID: "EO 13800", Data: NodeData{EntityType: "LAW", Description: "Older order", SourceID: "chunk-1"}},
		},
		Edges: []BatchEdge{
			{Source: "EXECUTIVE ORDER 14196", Target: "EO 13800",
				Data: EdgeData{Description: "supersedes", Weight: 8, SourceID: "chunk-1", RelationType: "SUPERSEDES"}},
		},
	}
}

func TestExecuteDocumentBatchAndReadback(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryGraph("test")
	require.NoError(t, g.ExecuteDocumentBatch(ctx, sampleBatch()))

	n, err := g.GetNode(ctx, "EXECUTIVE ORDER 14196")
	require.NoError(t, err)
	require.NotNil(t, n)
	assert.Equal(t, "LAW", n.EntityType)

	e, err := g.GetEdge(ctx, "EXECUTIVE ORDER 14196", "EO 13800")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "SUPERSEDES", e.RelationType)
	assert.Equal(t, 8.0, e.Weight)

	// reverse direction does not exist
	rev, err := g.GetEdge(ctx, "EO 13800", "EXECUTIVE ORDER 14196")
	require.NoError(t, err)
	assert.Nil(t, rev)

	deg, err := g.NodeDegree(ctx, "EO 13800")
	require.NoError(t, err)
	assert.Equal(t, 1, deg)
}

func TestExecuteDocumentBatchIdempotent(t *testing.T) {
	ctx := context.Background()
	g1 := NewMemoryGraph("a")
	require.NoError(t, g1.ExecuteDocumentBatch(ctx, sampleBatch()))
	g2 := NewMemoryGraph("b")
	require.NoError(t, g2.ExecuteDocumentBatch(ctx, sampleBatch()))
	require.NoError(t, g2.ExecuteDocumentBatch(ctx, sampleBatch()))

	b1, err := g1.ExportAll(ctx)
	require.NoError(t, err)
	b2, err := g2.ExportAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, b1, b2)
}

func TestBidirectionalEdgesAreDistinct(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryGraph("test")
	require.NoError(t, g.UpsertNode(ctx, "ALICE", NodeData{EntityType: "PERSON"}))
	require.NoError(t, g.UpsertNode(ctx, "BOB", NodeData{EntityType: "PERSON"}))
	require.NoError(t, g.UpsertEdge(ctx, "ALICE", "BOB", EdgeData{RelationType: "PARENT_OF"}))
	require.NoError(t, g.UpsertEdge(ctx, "BOB", "ALICE", EdgeData{RelationType: "CHILD_OF"}))

	edges, err := g.GetNodesEdgesBatch(ctx, []string{"ALICE"})
	require.NoError(t, err)
	require.Len(t, edges[0], 2)
	types := map[string]bool{}
	for _, e := range edges[0] {
		types[e.Data.RelationType] = true
	}
	assert.True(t, types["PARENT_OF"])
	assert.True(t, types["CHILD_OF"])
}

func TestGetNodesBatchPreservesOrder(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryGraph("test")
	require.NoError(t, g.UpsertNode(ctx, "B", NodeData{EntityType: "X"}))

	nodes, err := g.GetNodesBatch(ctx, []string{"A", "B"})
	require.NoError(t, err)
	assert.Nil(t, nodes[0])
	require.NotNil(t, nodes[1])

	degs, err := g.NodeDegreesBatch(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, degs)
}

func TestBatchUpdateNodeField(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryGraph("test")
	require.NoError(t, g.UpsertNode(ctx, "X", NodeData{EntityType: "PERSON"}))
	require.NoError(t, g.BatchUpdateNodeField(ctx, []string{"X", "MISSING"}, "has_vector", true))

	n, err := g.GetNode(ctx, "X")
	require.NoError(t, err)
	assert.True(t, n.HasVector)

	assert.Error(t, g.BatchUpdateNodeField(ctx, []string{"X"}, "no_such_field", 1))
}

func TestSplitIntoChunks(t *testing.T) {
	b := &DocumentBatch{}
	for i := 0; i < 2500; i++ {
		b.Nodes = append(b.Nodes, BatchNode{ID: string(rune('a' + i%26))})
	}
	for i := 0; i < 1200; i++ {
		b.Edges = append(b.Edges, BatchEdge{Source: "a", Target: "b"})
	}
	chunks := b.SplitIntoChunks(1000)
	var nodes, edges int
	for i, c := range chunks {
		assert.LessOrEqual(t, len(c.Nodes), 1000)
		assert.LessOrEqual(t, len(c.Edges), 1000)
		nodes += len(c.Nodes)
		edges += len(c.Edges)
		// nodes-only chunks come before any edge-bearing chunk
		if len(c.Edges) > 0 {
			for _, later := range chunks[i:] {
				assert.Empty(t, later.Nodes)
			}
		}
	}
	assert.Equal(t, 2500, nodes)
	assert.Equal(t, 1200, edges)
}

func TestSanitizeLabel(t *testing.T) {
	assert.Equal(t, "LAW", SanitizeLabel("LAW"))
	assert.Equal(t, "A_B_C", SanitizeLabel("A B-C"))
	assert.Equal(t, "UNKNOWN", SanitizeLabel("))(("))
	assert.Equal(t, "UNKNOWN", SanitizeLabel(""))
}

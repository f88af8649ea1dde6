package retrieve

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"graphrag/internal/config"
	"graphrag/internal/ingest"
	"graphrag/internal/keys"
	"graphrag/internal/llm"
	"graphrag/internal/prompts"
	"graphrag/internal/storage"
	"graphrag/internal/testhelpers"
	"graphrag/internal/tokenizer"
)

func testStores(t *testing.T, naive bool) *storage.Stores {
	t.Helper()
	cfg := config.Default()
	cfg.WorkingDir = t.TempDir()
	cfg.Query.EnableNaiveRAG = naive
	stores, err := storage.Open(context.Background(), cfg, testhelpers.DeterministicEmbedder{Dim: 16}, nil)
	require.NoError(t, err)
	return stores
}

// seedLocalFixture installs the supersedes scenario: two LAW entities, one
// directed SUPERSEDES edge, and the source chunk.
func seedLocalFixture(t *testing.T, stores *storage.Stores) {
	t.Helper()
	ctx := context.Background()
	chunkID := "chunk-abc"
	batch := &storage.DocumentBatch{
		Nodes: []storage.BatchNode{
			{ID: "EXECUTIVE ORDER 14196", Data: storage.NodeData{
				EntityType: "LAW", Description: "A 2025 executive order", SourceID: chunkID}},
			{ID: "EO 13800", Data: storage.NodeData{
				EntityType: "LAW", Description: "A 2017 cybersecurity order", SourceID: chunkID}},
		},
		Edges: []storage.BatchEdge{
			{Source: "EXECUTIVE ORDER 14196", Target: "EO 13800", Data: storage.EdgeData{
				Description: "supersedes the older order", Weight: 8, SourceID: chunkID, RelationType: "SUPERSEDES"}},
			{Source: "EO 13800", Target: "EXECUTIVE ORDER 14196", Data: storage.EdgeData{
				Description: "was replaced by the newer order", Weight: 8, SourceID: chunkID, RelationType: "SUPERSEDED_BY"}},
		},
	}
	require.NoError(t, stores.Graph.ExecuteDocumentBatch(ctx, batch))
	vsync := ingest.NewVectorSync(stores.Entities, stores.Graph, false)
	require.NoError(t, vsync.UpsertEntities(ctx, batch.Nodes))
	require.NoError(t, stores.TextChunks.Upsert(ctx, map[string]map[string]any{
		chunkID: {"content": "EXECUTIVE ORDER 14196 supersedes EO 13800.", "full_doc_id": "doc-1"},
	}))
}

func newRetriever(stores *storage.Stores, provider llm.Provider, qcfg config.QueryConfig) *Retriever {
	gw := llm.NewGateway(provider, nil, nil, config.Default().LLM)
	return New(qcfg, stores, gw, tokenizer.New("cl100k_base"))
}

func TestLocalQueryContextContainsRelationType(t *testing.T) {
	ctx := context.Background()
	stores := testStores(t, false)
	seedLocalFixture(t, stores)
	provider := &testhelpers.FakeProvider{Default: "EXECUTIVE ORDER 14196 supersedes it."}
	r := newRetriever(stores, provider, config.Default().Query)

	answer, err := r.Query(ctx, "What supersedes EO 13800?", r.DefaultParams())
	require.NoError(t, err)
	assert.Contains(t, answer, "EXECUTIVE ORDER 14196")

	// The assembled system prompt carried the context tables.
	require.NotEmpty(t, provider.Calls)
	system := provider.Calls[0].System
	assert.Contains(t, system, "SUPERSEDES")
	assert.Contains(t, system, "-----Relationships-----")
	// both directed edges survive ordered-tuple deduplication
	assert.Contains(t, system, "SUPERSEDED_BY")
	assert.Contains(t, system, "EXECUTIVE ORDER 14196 supersedes EO 13800.")
}

func TestLocalQueryEmptyIndexStillAnswers(t *testing.T) {
	ctx := context.Background()
	stores := testStores(t, false)
	provider := &testhelpers.FakeProvider{Default: prompts.FailResponse}
	r := newRetriever(stores, provider, config.Default().Query)

	answer, err := r.Query(ctx, "anything", r.DefaultParams())
	require.NoError(t, err)
	assert.Equal(t, prompts.FailResponse, answer)
}

func TestGlobalQueryMapReduce(t *testing.T) {
	ctx := context.Background()
	stores := testStores(t, false)
	require.NoError(t, stores.CommunityReports.Upsert(ctx, map[string]map[string]any{
		"0-0": {
			"report_string": "Cluster about executive orders.",
			"report_json":   map[string]any{"rating": 8.0},
			"level":         0,
			"occurrence":    1.0,
		},
	}))
	provider := &testhelpers.FakeProvider{
		Rules: []testhelpers.Rule{
			{Contains: "key points", Response: `{"points": [{"description": "EO 14196 is central", "score": 90}]}`},
			{Contains: "multiple analysts", Response: "The dataset centers on EO 14196."},
		},
		Default: "unused",
	}
	r := newRetriever(stores, provider, config.Default().Query)

	params := r.DefaultParams()
	params.Mode = "global"
	answer, err := r.Query(ctx, "What is the dataset about?", params)
	require.NoError(t, err)
	assert.Contains(t, answer, "EO 14196")

	// reduce saw the mapped point
	last := provider.Calls[len(provider.Calls)-1]
	assert.Contains(t, last.System, "Importance Score: 90")
}

func TestNaiveQuery(t *testing.T) {
	ctx := context.Background()
	stores := testStores(t, true)
	doc := "The mitochondria is the powerhouse of the cell."
	chunkID := keys.ChunkID("doc-1", doc)
	require.NoError(t, stores.Chunks.Upsert(ctx, map[string]map[string]any{
		chunkID: {"content": doc, "full_doc_id": "doc-1"},
	}))
	require.NoError(t, stores.TextChunks.Upsert(ctx, map[string]map[string]any{
		chunkID: {"content": doc, "full_doc_id": "doc-1"},
	}))
	provider := &testhelpers.FakeProvider{Default: "It is the powerhouse of the cell."}
	r := newRetriever(stores, provider, config.Default().Query)

	params := r.DefaultParams()
	params.Mode = "naive"
	answer, err := r.Query(ctx, "What is the mitochondria?", params)
	require.NoError(t, err)
	assert.NotEmpty(t, answer)
	assert.Contains(t, provider.Calls[0].System, "powerhouse")
}

func TestNaiveQueryRequiresChunkStore(t *testing.T) {
	stores := testStores(t, false)
	r := newRetriever(stores, &testhelpers.FakeProvider{}, config.Default().Query)
	params := r.DefaultParams()
	params.Mode = "naive"
	_, err := r.Query(context.Background(), "q", params)
	assert.Error(t, err)
}

func TestParamsApplyAllowList(t *testing.T) {
	p := Params{Mode: "local", TopK: 20, Level: 0, ResponseType: "Multiple Paragraphs"}
	require.NoError(t, p.Apply(map[string]any{"mode": "global", "top_k": 5, "level": 2, "response_type": "Short"}))
	assert.Equal(t, "global", p.Mode)
	assert.Equal(t, 5, p.TopK)
	assert.Equal(t, 2, p.Level)
	assert.Equal(t, "Short", p.ResponseType)

	assert.Error(t, p.Apply(map[string]any{"temperature": 0.5}), "unknown keys are rejected")
	assert.Error(t, p.Apply(map[string]any{"mode": "turbo"}))
	assert.Error(t, p.Apply(map[string]any{"top_k": -1}))
}

func TestResolveTemplate(t *testing.T) {
	def := prompts.LocalRAGResponse
	required := []string{"{context_data}", "{response_type}"}

	assert.Equal(t, def, ResolveTemplate("", required, def))
	// missing placeholder falls back
	assert.Equal(t, def, ResolveTemplate("no placeholders here", required, def))
	// inline template with placeholders is kept
	inline := "Context: {context_data} as {response_type}"
	assert.Equal(t, inline, ResolveTemplate(inline, required, def))
	// unreadable path falls back
	assert.Equal(t, def, ResolveTemplate("/definitely/not/a/file.txt", required, def))
	// readable file is used
	dir := t.TempDir()
	path := filepath.Join(dir, "tpl.txt")
	require.NoError(t, os.WriteFile(path, []byte(inline), 0o644))
	assert.Equal(t, inline, ResolveTemplate(path, required, def))
}

func TestTruncateRowsKeepsHeaderAndColumns(t *testing.T) {
	tok := tokenizer.New("cl100k_base")
	headers := []string{"id", "source", "target", "relation_type"}
	var rows [][]string
	for i := 0; i < 200; i++ {
		rows = append(rows, []string{"1", "A", "B", "SUPERSEDES"})
	}
	kept := TruncateRows(headers, rows, tok, 100)
	assert.Less(t, len(kept), 200)
	out := RenderCSV(headers, kept)
	assert.True(t, strings.HasPrefix(out, "id,source,target,relation_type"))
	for _, row := range kept {
		assert.Len(t, row, 4, "kept rows keep every column")
	}
}

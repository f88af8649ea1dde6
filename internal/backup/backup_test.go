package backup

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"graphrag/internal/config"
	"graphrag/internal/storage"
	"graphrag/internal/testhelpers"
)

func testStores(t *testing.T) (*storage.Stores, config.Config) {
	t.Helper()
	cfg := config.Default()
	cfg.WorkingDir = t.TempDir()
	cfg.Backup.Dir = t.TempDir()
	stores, err := storage.Open(context.Background(), cfg, testhelpers.DeterministicEmbedder{Dim: 8}, nil)
	require.NoError(t, err)
	return stores, cfg
}

func seed(t *testing.T, stores *storage.Stores) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, stores.Graph.ExecuteDocumentBatch(ctx, &storage.DocumentBatch{
		Nodes: []storage.BatchNode{
			{ID: "ALICE", Data: storage.NodeData{EntityType: "PERSON", Description: "engineer", SourceID: "chunk-1", HasVector: true}},
			{ID: "BOB", Data: storage.NodeData{EntityType: "PERSON", Description: "manager", SourceID: "chunk-1"}},
		},
		Edges: []storage.BatchEdge{
			{Source: "ALICE", Target: "BOB", Data: storage.EdgeData{Description: "reports to", Weight: 2, SourceID: "chunk-1", RelationType: "REPORTS_TO"}},
		},
	}))
	require.NoError(t, stores.Entities.Upsert(ctx, map[string]map[string]any{
		"ent-1": {"content": "ALICE engineer", "entity_name": "ALICE", "entity_type": "PERSON"},
	}))
	require.NoError(t, stores.FullDocs.Upsert(ctx, map[string]map[string]any{
		"doc-1": {"content": "Alice reports to Bob."},
	}))
	require.NoError(t, stores.TextChunks.Upsert(ctx, map[string]map[string]any{
		"chunk-1": {"content": "Alice reports to Bob.", "full_doc_id": "doc-1", "chunk_order_index": 0, "tokens": 5},
	}))
	require.NoError(t, stores.CommunityReports.Upsert(ctx, map[string]map[string]any{
		"0-0": {"report_string": "Alice and Bob work together.", "level": 0, "occurrence": 1.0},
	}))
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	srcStores, cfg := testStores(t)
	seed(t, srcStores)

	o := New(srcStores, cfg)
	archive, err := o.Backup(ctx, "snap1")
	require.NoError(t, err)
	assert.FileExists(t, archive)
	assert.FileExists(t, filepath.Join(cfg.Backup.Dir, "snap1.checksum"))

	// restore into completely fresh backends
	dstStores, dstCfg := testStores(t)
	dstCfg.Backup.Dir = cfg.Backup.Dir
	ro := New(dstStores, dstCfg)
	require.NoError(t, ro.Restore(ctx, "snap1"))

	node, err := dstStores.Graph.GetNode(ctx, "ALICE")
	require.NoError(t, err)
	require.NotNil(t, node)
	assert.True(t, node.HasVector)

	edge, err := dstStores.Graph.GetEdge(ctx, "ALICE", "BOB")
	require.NoError(t, err)
	require.NotNil(t, edge)
	assert.Equal(t, "REPORTS_TO", edge.RelationType)

	ok, err := dstStores.Entities.Has(ctx, "ent-1")
	require.NoError(t, err)
	assert.True(t, ok)

	doc, err := dstStores.FullDocs.GetByID(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "Alice reports to Bob.", doc["content"])

	rep, err := dstStores.CommunityReports.GetByID(ctx, "0-0")
	require.NoError(t, err)
	assert.Equal(t, "Alice and Bob work together.", rep["report_string"])
}

func TestManifestStatisticsAndChecksumFormat(t *testing.T) {
	ctx := context.Background()
	stores, cfg := testStores(t)
	seed(t, stores)
	o := New(stores, cfg)
	archive, err := o.Backup(ctx, "snap2")
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, extractArchive(archive, dir))
	m, err := readManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, "snap2", m.BackupID)
	assert.Equal(t, EngineVersion, m.EngineVersion)
	assert.Equal(t, 2, m.Statistics.Entities)
	assert.Equal(t, 1, m.Statistics.Relationships)
	assert.Equal(t, 1, m.Statistics.Documents)
	assert.Equal(t, 1, m.Statistics.Chunks)
	assert.Equal(t, 1, m.Statistics.Communities)
	assert.Equal(t, 1, m.Statistics.Vectors)
	assert.Contains(t, m.Checksum, "sha256:")
}

// The symmetric exclusion property: hashing the payload with a blanked
// manifest checksum must reproduce the stored value exactly.
func TestChecksumSymmetry(t *testing.T) {
	ctx := context.Background()
	stores, cfg := testStores(t)
	seed(t, stores)
	o := New(stores, cfg)
	archive, err := o.Backup(ctx, "snap3")
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, extractArchive(archive, dir))
	m, err := readManifest(dir)
	require.NoError(t, err)
	stored := m.Checksum

	m.Checksum = ""
	require.NoError(t, writeManifest(dir, m))
	computed, err := DirectoryChecksum(dir)
	require.NoError(t, err)
	assert.Equal(t, stored, computed)
}

func TestRestoreProceedsOnChecksumMismatch(t *testing.T) {
	ctx := context.Background()
	stores, cfg := testStores(t)
	seed(t, stores)
	o := New(stores, cfg)
	archive, err := o.Backup(ctx, "snap4")
	require.NoError(t, err)

	// corrupt the archive's manifest checksum
	dir := t.TempDir()
	require.NoError(t, extractArchive(archive, dir))
	m, err := readManifest(dir)
	require.NoError(t, err)
	m.Checksum = "sha256:deadbeef"
	require.NoError(t, writeManifest(dir, m))
	corrupted := filepath.Join(t.TempDir(), "corrupted.ngbak")
	require.NoError(t, createArchive(dir, corrupted))

	dstStores, dstCfg := testStores(t)
	ro := New(dstStores, dstCfg)
	// integrity failure is logged, not fatal
	require.NoError(t, ro.Restore(ctx, corrupted))
	node, err := dstStores.Graph.GetNode(ctx, "ALICE")
	require.NoError(t, err)
	assert.NotNil(t, node)
}

func TestArchiveRoundTrip(t *testing.T) {
	payload := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(payload, "kv"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(payload, "kv", "docs.json"), []byte("{}"), 0o644))
	archive := filepath.Join(t.TempDir(), "rt.ngbak")
	require.NoError(t, createArchive(payload, archive))

	out := t.TempDir()
	require.NoError(t, extractArchive(archive, out))
	assert.FileExists(t, filepath.Join(out, "kv", "docs.json"))

	sum1, err := DirectoryChecksum(payload)
	require.NoError(t, err)
	sum2, err := DirectoryChecksum(out)
	require.NoError(t, err)
	assert.Equal(t, sum1, sum2)
}

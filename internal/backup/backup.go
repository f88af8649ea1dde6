package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"graphrag/internal/config"
	"graphrag/internal/storage"
)

// Orchestrator drives backup and restore across the three storage tiers.
type Orchestrator struct {
	stores *storage.Stores
	cfg    config.Config
	now    func() time.Time
}

// New builds a backup orchestrator.
func New(stores *storage.Stores, cfg config.Config) *Orchestrator {
	return &Orchestrator{stores: stores, cfg: cfg, now: time.Now}
}

// Backup exports every tier into a payload directory, applies the symmetric
// checksum protocol and archives the result as <backup_id>.ngbak. Returns the
// archive path.
func (o *Orchestrator) Backup(ctx context.Context, backupID string) (string, error) {
	if err := os.MkdirAll(o.cfg.Backup.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}
	payloadDir, err := os.MkdirTemp("", "ngbak-payload-")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(payloadDir)

	stats, err := o.exportPayload(ctx, payloadDir)
	if err != nil {
		return "", err
	}

	manifest := Manifest{
		BackupID:      backupID,
		CreatedAt:     o.now().UTC(),
		EngineVersion: EngineVersion,
		StorageBackends: StorageBackends{
			Graph:  o.cfg.Storage.GraphBackend,
			Vector: o.cfg.Storage.VectorBackend,
			KV:     o.cfg.Storage.KVBackend,
		},
		Statistics: stats,
	}
	// Write first without the checksum so the hash covers a well-defined
	// manifest; then fill it in and rewrite.
	if err := writeManifest(payloadDir, manifest); err != nil {
		return "", err
	}
	sum, err := DirectoryChecksum(payloadDir)
	if err != nil {
		return "", err
	}
	manifest.Checksum = sum
	if err := writeManifest(payloadDir, manifest); err != nil {
		return "", err
	}

	archivePath := filepath.Join(o.cfg.Backup.Dir, backupID+".ngbak")
	if err := createArchive(payloadDir, archivePath); err != nil {
		return "", err
	}
	sidecar := filepath.Join(o.cfg.Backup.Dir, backupID+".checksum")
	if err := os.WriteFile(sidecar, []byte(sum+"\n"), 0o644); err != nil {
		log.Warn().Err(err).Msg("writing checksum sidecar failed")
	}
	log.Info().Str("backup", backupID).Str("path", archivePath).
		Int("entities", stats.Entities).Int("vectors", stats.Vectors).
		Msg("backup created")
	return archivePath, nil
}

func (o *Orchestrator) exportPayload(ctx context.Context, dir string) (Statistics, error) {
	var stats Statistics

	// Graph tier.
	graphDir := filepath.Join(dir, "graph")
	if err := os.MkdirAll(graphDir, 0o755); err != nil {
		return stats, err
	}
	batch, err := o.stores.Graph.ExportAll(ctx)
	if err != nil {
		return stats, fmt.Errorf("export graph: %w", err)
	}
	stats.Entities = len(batch.Nodes)
	stats.Relationships = len(batch.Edges)
	if err := writeJSON(filepath.Join(graphDir, "graph.json"), batch); err != nil {
		return stats, err
	}

	// Vector tier.
	vectorDir := filepath.Join(dir, "vector")
	if err := os.MkdirAll(vectorDir, 0o755); err != nil {
		return stats, err
	}
	entityRecs, err := o.stores.Entities.ExportRecords(ctx)
	if err != nil {
		return stats, fmt.Errorf("export entity vectors: %w", err)
	}
	stats.Vectors = len(entityRecs)
	if err := writeJSON(filepath.Join(vectorDir, "entities.json"), entityRecs); err != nil {
		return stats, err
	}
	if o.stores.Chunks != nil {
		chunkRecs, err := o.stores.Chunks.ExportRecords(ctx)
		if err != nil {
			return stats, fmt.Errorf("export chunk vectors: %w", err)
		}
		stats.Vectors += len(chunkRecs)
		if err := writeJSON(filepath.Join(vectorDir, "chunks.json"), chunkRecs); err != nil {
			return stats, err
		}
	}

	// KV tier, one JSON per namespace.
	kvDir := filepath.Join(dir, "kv")
	if err := os.MkdirAll(kvDir, 0o755); err != nil {
		return stats, err
	}
	for _, kv := range o.stores.AllKV() {
		dump, err := dumpKV(ctx, kv)
		if err != nil {
			return stats, fmt.Errorf("export kv %s: %w", kv.Namespace(), err)
		}
		switch kv.Namespace() {
		case storage.NSFullDocs:
			stats.Documents = len(dump)
		case storage.NSTextChunks:
			stats.Chunks = len(dump)
		case storage.NSCommunityReports:
			stats.Communities = len(dump)
		}
		if err := writeJSON(filepath.Join(kvDir, kv.Namespace()+".json"), dump); err != nil {
			return stats, err
		}
	}

	// Config snapshot.
	cfgDir := filepath.Join(dir, "config")
	if err := os.MkdirAll(cfgDir, 0o755); err != nil {
		return stats, err
	}
	if err := writeJSON(filepath.Join(cfgDir, "graphrag_config.json"), o.cfg); err != nil {
		return stats, err
	}
	return stats, nil
}

func dumpKV(ctx context.Context, kv storage.KVStorage) (map[string]map[string]any, error) {
	keys, err := kv.AllKeys(ctx)
	if err != nil {
		return nil, err
	}
	values, err := kv.GetByIDs(ctx, keys, nil)
	if err != nil {
		return nil, err
	}
	out := make(map[string]map[string]any, len(keys))
	for i, k := range keys {
		if values[i] != nil {
			out[k] = values[i]
		}
	}
	return out, nil
}

func writeJSON(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", " ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	return os.WriteFile(path, raw, 0o644)
}

// archivePathFor returns idOrPath unchanged when it is a path or ends in
// ".ngbak"; a bare id maps to <backup dir>/<id>.ngbak.
func (o *Orchestrator) archivePathFor(idOrPath string) string {
	if strings.ContainsAny(idOrPath, "/\\") || strings.HasSuffix(idOrPath, ".ngbak") {
		return idOrPath
	}
	return filepath.Join(o.cfg.Backup.Dir, idOrPath+".ngbak")
}

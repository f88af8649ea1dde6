package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"graphrag/internal/storage"
)

// ErrChecksumMismatch marks an integrity failure detected during restore.
// Restore proceeds anyway (the data is already extracted); callers see the
// mismatch in the logs.
var ErrChecksumMismatch = errors.New("backup checksum mismatch")

// Restore verifies and replays a backup archive into the current backends in
// the fixed order graph → vector → KV.
func (o *Orchestrator) Restore(ctx context.Context, idOrPath string) error {
	archivePath := o.archivePathFor(idOrPath)
	dir, err := os.MkdirTemp("", "ngbak-restore-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)
	if err := extractArchive(archivePath, dir); err != nil {
		return err
	}

	if err := o.verifyChecksum(dir); err != nil {
		if errors.Is(err, ErrChecksumMismatch) {
			log.Warn().Str("archive", archivePath).Msg("checksum mismatch, restoring anyway")
		} else {
			return err
		}
	}

	if err := o.restoreGraph(ctx, dir); err != nil {
		return fmt.Errorf("restore graph: %w", err)
	}
	if err := o.restoreVectors(ctx, dir); err != nil {
		return fmt.Errorf("restore vectors: %w", err)
	}
	if err := o.restoreKV(ctx, dir); err != nil {
		return fmt.Errorf("restore kv: %w", err)
	}
	if err := o.stores.IndexDoneCallback(ctx); err != nil {
		return fmt.Errorf("flush stores: %w", err)
	}
	log.Info().Str("archive", archivePath).Msg("restore finished")
	return nil
}

// verifyChecksum re-applies the symmetric protocol: stash the stored
// checksum, rewrite the manifest without it, recompute, compare, put the full
// manifest back.
func (o *Orchestrator) verifyChecksum(dir string) error {
	manifest, err := readManifest(dir)
	if err != nil {
		return err
	}
	stored := manifest.Checksum
	manifest.Checksum = ""
	if err := writeManifest(dir, manifest); err != nil {
		return err
	}
	computed, err := DirectoryChecksum(dir)
	if err != nil {
		return err
	}
	manifest.Checksum = stored
	if err := writeManifest(dir, manifest); err != nil {
		return err
	}
	if stored == "" {
		log.Warn().Msg("manifest carries no checksum, skipping verification")
		return nil
	}
	if stored != computed {
		return fmt.Errorf("%w: stored %s, computed %s", ErrChecksumMismatch, stored, computed)
	}
	return nil
}

func (o *Orchestrator) restoreGraph(ctx context.Context, dir string) error {
	var batch storage.DocumentBatch
	if err := readJSON(filepath.Join(dir, "graph", "graph.json"), &batch); err != nil {
		return err
	}
	return o.stores.Graph.ExecuteDocumentBatch(ctx, &batch)
}

func (o *Orchestrator) restoreVectors(ctx context.Context, dir string) error {
	var entityRecs []storage.StoredVector
	if err := readJSON(filepath.Join(dir, "vector", "entities.json"), &entityRecs); err != nil {
		return err
	}
	if err := o.stores.Entities.ImportRecords(ctx, entityRecs); err != nil {
		return err
	}
	chunkPath := filepath.Join(dir, "vector", "chunks.json")
	if _, err := os.Stat(chunkPath); err == nil && o.stores.Chunks != nil {
		var chunkRecs []storage.StoredVector
		if err := readJSON(chunkPath, &chunkRecs); err != nil {
			return err
		}
		if err := o.stores.Chunks.ImportRecords(ctx, chunkRecs); err != nil {
			return err
		}
	}
	return nil
}

// restoreKV replays each namespace through Upsert, never raw key writes, so
// backend-specific encoding stays single-layered.
func (o *Orchestrator) restoreKV(ctx context.Context, dir string) error {
	for _, kv := range o.stores.AllKV() {
		path := filepath.Join(dir, "kv", kv.Namespace()+".json")
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		var dump map[string]map[string]any
		if err := readJSON(path, &dump); err != nil {
			return err
		}
		if len(dump) == 0 {
			continue
		}
		if err := kv.Upsert(ctx, dump); err != nil {
			return fmt.Errorf("namespace %s: %w", kv.Namespace(), err)
		}
	}
	return nil
}

func readJSON(path string, v any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Package backup implements the .ngbak archive format: one tar.gz carrying a
// manifest plus portable exports of the graph, vector and KV tiers.
package backup

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// EngineVersion is stamped into backup manifests.
const EngineVersion = "1.2.0"

// Manifest describes one backup archive.
type Manifest struct {
	BackupID        string          `json:"backup_id"`
	CreatedAt       time.Time       `json:"created_at"`
	EngineVersion   string          `json:"engine_version"`
	StorageBackends StorageBackends `json:"storage_backends"`
	Statistics      Statistics      `json:"statistics"`
	Checksum        string          `json:"checksum"`
}

type StorageBackends struct {
	Graph  string `json:"graph"`
	Vector string `json:"vector"`
	KV     string `json:"kv"`
}

type Statistics struct {
	Entities      int `json:"entities"`
	Relationships int `json:"relationships"`
	Communities   int `json:"communities"`
	Documents     int `json:"documents"`
	Chunks        int `json:"chunks"`
	Vectors       int `json:"vectors"`
}

const manifestName = "manifest.json"

func writeManifest(dir string, m Manifest) error {
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, manifestName), raw, 0o644)
}

func readManifest(dir string) (Manifest, error) {
	var m Manifest
	raw, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		return m, fmt.Errorf("read manifest: %w", err)
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return m, fmt.Errorf("parse manifest: %w", err)
	}
	return m, nil
}

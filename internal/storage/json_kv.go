package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// jsonKV is the file-backed KV store: one JSON file per namespace under the
// working directory, loaded on open and flushed on IndexDoneCallback. TTLs
// are not enforced by this backend.
type jsonKV struct {
	namespace string
	path      string

	mu    sync.RWMutex
	data  map[string]map[string]any
	dirty bool
}

// NewJSONKV loads (or creates) the namespace file under dir.
func NewJSONKV(dir, namespace string) (KVStorage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create kv dir: %w", err)
	}
	kv := &jsonKV{
		namespace: namespace,
		path:      filepath.Join(dir, "kv_store_"+namespace+".json"),
		data:      make(map[string]map[string]any),
	}
	raw, err := os.ReadFile(kv.path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read kv file: %w", err)
		}
		return kv, nil
	}
	if err := json.Unmarshal(raw, &kv.data); err != nil {
		return nil, fmt.Errorf("parse kv file %s: %w", kv.path, err)
	}
	log.Debug().Str("namespace", namespace).Int("keys", len(kv.data)).Msg("loaded json kv store")
	return kv, nil
}

func (k *jsonKV) Namespace() string { return k.namespace }

func (k *jsonKV) GetByID(_ context.Context, id string) (map[string]any, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	v, ok := k.data[id]
	if !ok {
		return nil, nil
	}
	return copyValue(v), nil
}

func (k *jsonKV) GetByIDs(_ context.Context, ids []string, fields []string) ([]map[string]any, error) {
	out := make([]map[string]any, len(ids))
	k.mu.RLock()
	defer k.mu.RUnlock()
	for i, id := range ids {
		v, ok := k.data[id]
		if !ok {
			continue
		}
		out[i] = projectFields(copyValue(v), fields)
	}
	return out, nil
}

func (k *jsonKV) AllKeys(context.Context) ([]string, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]string, 0, len(k.data))
	for id := range k.data {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (k *jsonKV) FilterKeys(_ context.Context, ks []string) ([]string, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	var missing []string
	for _, id := range ks {
		if _, ok := k.data[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

func (k *jsonKV) Upsert(_ context.Context, data map[string]map[string]any) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	for id, v := range data {
		k.data[id] = copyValue(v)
	}
	if len(data) > 0 {
		k.dirty = true
	}
	return nil
}

func (k *jsonKV) DeleteByID(_ context.Context, id string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.data[id]; ok {
		delete(k.data, id)
		k.dirty = true
	}
	return nil
}

func (k *jsonKV) Drop(context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.data = make(map[string]map[string]any)
	k.dirty = true
	return nil
}

// IndexDoneCallback flushes to disk when the store changed since last flush.
func (k *jsonKV) IndexDoneCallback(context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.dirty {
		return nil
	}
	raw, err := json.MarshalIndent(k.data, "", " ")
	if err != nil {
		return fmt.Errorf("marshal kv store: %w", err)
	}
	tmp := k.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write kv store: %w", err)
	}
	if err := os.Rename(tmp, k.path); err != nil {
		return fmt.Errorf("replace kv store: %w", err)
	}
	k.dirty = false
	return nil
}

func copyValue(v map[string]any) map[string]any {
	cp := make(map[string]any, len(v))
	for key, val := range v {
		cp[key] = val
	}
	return cp
}

func projectFields(v map[string]any, fields []string) map[string]any {
	if len(fields) == 0 {
		return v
	}
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		if val, ok := v[f]; ok {
			out[f] = val
		}
	}
	return out
}

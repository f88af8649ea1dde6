package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"graphrag/internal/config"
)

// Per-namespace TTLs. Documents and chunks never expire; caches do.
var namespaceTTLs = map[string]time.Duration{
	NSLLMCache:         12 * time.Hour,
	NSCommunityReports: 24 * time.Hour,
}

// redisKV stores each value as JSON under "<namespace>:<id>".
type redisKV struct {
	client    redis.UniversalClient
	namespace string
	ttl       time.Duration
}

// NewRedisKV connects to Redis and pings it once.
func NewRedisKV(ctx context.Context, cfg config.StorageConfig, namespace string) (KVStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &redisKV{client: client, namespace: namespace, ttl: namespaceTTLs[namespace]}, nil
}

// NewRedisKVWithClient wraps an existing client; used by tests.
func NewRedisKVWithClient(client redis.UniversalClient, namespace string) KVStorage {
	return &redisKV{client: client, namespace: namespace, ttl: namespaceTTLs[namespace]}
}

func (r *redisKV) key(id string) string { return r.namespace + ":" + id }

func (r *redisKV) Namespace() string { return r.namespace }

func (r *redisKV) GetByID(ctx context.Context, id string) (map[string]any, error) {
	raw, err := r.client.Get(ctx, r.key(id)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, Transient(fmt.Errorf("redis get: %w", err))
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decode value %q: %w", id, err)
	}
	return out, nil
}

func (r *redisKV) GetByIDs(ctx context.Context, ids []string, fields []string) ([]map[string]any, error) {
	out := make([]map[string]any, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	ks := make([]string, len(ids))
	for i, id := range ids {
		ks[i] = r.key(id)
	}
	raws, err := r.client.MGet(ctx, ks...).Result()
	if err != nil {
		return nil, Transient(fmt.Errorf("redis mget: %w", err))
	}
	for i, raw := range raws {
		if raw == nil {
			continue
		}
		s, ok := raw.(string)
		if !ok {
			continue
		}
		var v map[string]any
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			return nil, fmt.Errorf("decode value %q: %w", ids[i], err)
		}
		out[i] = projectFields(v, fields)
	}
	return out, nil
}

func (r *redisKV) AllKeys(ctx context.Context) ([]string, error) {
	var out []string
	prefix := r.namespace + ":"
	iter := r.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val()[len(prefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, Transient(fmt.Errorf("redis scan: %w", err))
	}
	return out, nil
}

func (r *redisKV) FilterKeys(ctx context.Context, ks []string) ([]string, error) {
	if len(ks) == 0 {
		return nil, nil
	}
	pipe := r.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(ks))
	for i, id := range ks {
		cmds[i] = pipe.Exists(ctx, r.key(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, Transient(fmt.Errorf("redis exists pipeline: %w", err))
	}
	var missing []string
	for i, cmd := range cmds {
		if cmd.Val() == 0 {
			missing = append(missing, ks[i])
		}
	}
	return missing, nil
}

func (r *redisKV) Upsert(ctx context.Context, data map[string]map[string]any) error {
	if len(data) == 0 {
		return nil
	}
	pipe := r.client.Pipeline()
	for id, v := range data {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode value %q: %w", id, err)
		}
		pipe.Set(ctx, r.key(id), raw, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return Transient(fmt.Errorf("redis set pipeline: %w", err))
	}
	return nil
}

func (r *redisKV) DeleteByID(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, r.key(id)).Err(); err != nil {
		return Transient(fmt.Errorf("redis del: %w", err))
	}
	return nil
}

func (r *redisKV) Drop(ctx context.Context) error {
	keys, err := r.AllKeys(ctx)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, id := range keys {
		full[i] = r.key(id)
	}
	if err := r.client.Del(ctx, full...).Err(); err != nil {
		return Transient(fmt.Errorf("redis drop: %w", err))
	}
	return nil
}

func (r *redisKV) IndexDoneCallback(context.Context) error { return nil }

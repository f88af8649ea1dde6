package storage

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func kvBackends(t *testing.T) map[string]KVStorage {
	t.Helper()
	jsonStore, err := NewJSONKV(t.TempDir(), NSFullDocs)
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	redisStore := NewRedisKVWithClient(client, NSFullDocs)

	return map[string]KVStorage{"json": jsonStore, "redis": redisStore}
}

func TestKVContract(t *testing.T) {
	for name, kv := range kvBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, kv.Upsert(ctx, map[string]map[string]any{
				"doc-1": {"content": "first", "n": float64(1)},
				"doc-2": {"content": "second"},
			}))

			v, err := kv.GetByID(ctx, "doc-1")
			require.NoError(t, err)
			assert.Equal(t, "first", v["content"])

			missing, err := kv.GetByID(ctx, "doc-404")
			require.NoError(t, err)
			assert.Nil(t, missing)

			// batch results keep input order, nil for misses
			vs, err := kv.GetByIDs(ctx, []string{"doc-2", "doc-404", "doc-1"}, nil)
			require.NoError(t, err)
			require.Len(t, vs, 3)
			assert.Equal(t, "second", vs[0]["content"])
			assert.Nil(t, vs[1])
			assert.Equal(t, "first", vs[2]["content"])

			// field projection
			vs, err = kv.GetByIDs(ctx, []string{"doc-1"}, []string{"n"})
			require.NoError(t, err)
			assert.Equal(t, map[string]any{"n": float64(1)}, vs[0])

			keys, err := kv.AllKeys(ctx)
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"doc-1", "doc-2"}, keys)

			filtered, err := kv.FilterKeys(ctx, []string{"doc-1", "doc-3"})
			require.NoError(t, err)
			assert.Equal(t, []string{"doc-3"}, filtered)

			require.NoError(t, kv.DeleteByID(ctx, "doc-1"))
			v, err = kv.GetByID(ctx, "doc-1")
			require.NoError(t, err)
			assert.Nil(t, v)

			require.NoError(t, kv.Drop(ctx))
			keys, err = kv.AllKeys(ctx)
			require.NoError(t, err)
			assert.Empty(t, keys)
		})
	}
}

func TestJSONKVPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	kv, err := NewJSONKV(dir, NSTextChunks)
	require.NoError(t, err)
	require.NoError(t, kv.Upsert(ctx, map[string]map[string]any{"chunk-1": {"content": "hello"}}))
	require.NoError(t, kv.IndexDoneCallback(ctx))

	reopened, err := NewJSONKV(dir, NSTextChunks)
	require.NoError(t, err)
	v, err := reopened.GetByID(ctx, "chunk-1")
	require.NoError(t, err)
	assert.Equal(t, "hello", v["content"])
}

func TestRedisKVAppliesTTLToCacheNamespace(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewRedisKVWithClient(client, NSLLMCache)
	require.NoError(t, cache.Upsert(ctx, map[string]map[string]any{"h": {"return": "cached"}}))

	ttl := mr.TTL(NSLLMCache + ":h")
	assert.Greater(t, ttl.Hours(), 11.0)

	docs := NewRedisKVWithClient(client, NSFullDocs)
	require.NoError(t, docs.Upsert(ctx, map[string]map[string]any{"doc-1": {"content": "x"}}))
	assert.Equal(t, int64(0), int64(mr.TTL(NSFullDocs+":doc-1")))
}

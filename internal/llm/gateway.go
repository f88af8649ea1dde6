package llm

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"graphrag/internal/config"
	"graphrag/internal/storage"
)

// Gateway fronts a completion provider and an embedding client with the
// shared policies: KV response cache, global concurrency bounds, retries and
// streaming idle timeout.
type Gateway struct {
	provider Provider
	embedder *EmbeddingClient
	cache    storage.KVStorage // may be nil (caching disabled)
	cfg      config.LLMConfig

	completionSem *semaphore.Weighted
	embeddingSem  *semaphore.Weighted
}

// NewGateway wires the gateway. cache may be nil to disable memoization.
func NewGateway(provider Provider, embedder *EmbeddingClient, cache storage.KVStorage, cfg config.LLMConfig) *Gateway {
	maxC := cfg.MaxConcurrent
	if maxC <= 0 {
		maxC = 8
	}
	maxE := cfg.EmbeddingMaxConcurrent
	if maxE <= 0 {
		maxE = 8
	}
	return &Gateway{
		provider:      provider,
		embedder:      embedder,
		cache:         cache,
		cfg:           cfg,
		completionSem: semaphore.NewWeighted(int64(maxC)),
		embeddingSem:  semaphore.NewWeighted(int64(maxE)),
	}
}

// SetCache attaches the response cache after construction; the cache lives
// in a KV namespace that is only available once storage is open.
func (g *Gateway) SetCache(cache storage.KVStorage) { g.cache = cache }

// cacheKey hashes (model, system, prompt, history) into the cache id.
func cacheKey(req CompletionRequest) string {
	var sb strings.Builder
	sb.WriteString(req.Model)
	sb.WriteString("\x1f")
	sb.WriteString(req.System)
	sb.WriteString("\x1f")
	sb.WriteString(req.Prompt)
	for _, m := range req.History {
		sb.WriteString("\x1f")
		sb.WriteString(m.Role)
		sb.WriteString(":")
		sb.WriteString(m.Content)
	}
	sum := md5.Sum([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

func (g *Gateway) fillDefaults(req *CompletionRequest) {
	if req.Model == "" {
		req.Model = g.cfg.Model
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = g.cfg.MaxTokens
	}
	if req.Temperature == 0 {
		req.Temperature = g.cfg.Temperature
	}
}

// Complete runs one completion through cache, semaphore and retry policy.
func (g *Gateway) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	g.fillDefaults(&req)
	key := cacheKey(req)
	if cached, ok := g.cacheGet(ctx, key); ok {
		return cached, nil
	}
	if err := g.completionSem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer g.completionSem.Release(1)

	var out string
	err := retryProvider(ctx, func() error {
		var err error
		out, err = g.provider.Complete(ctx, req)
		return err
	})
	if err != nil {
		return "", err
	}
	g.cachePut(ctx, key, out)
	return out, nil
}

// CompleteStream runs a streaming completion with a per-chunk idle timeout:
// the timer resets on every delta and its expiry cancels the upstream stream.
// Failed or cancelled streams never reach the cache.
func (g *Gateway) CompleteStream(ctx context.Context, req CompletionRequest, onDelta func(string)) (string, error) {
	g.fillDefaults(&req)
	key := cacheKey(req)
	if cached, ok := g.cacheGet(ctx, key); ok {
		if onDelta != nil {
			onDelta(cached)
		}
		return cached, nil
	}
	if err := g.completionSem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer g.completionSem.Release(1)

	idle := g.cfg.StreamIdleTimeout
	if idle <= 0 {
		idle = 30 * time.Second
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	timer := time.AfterFunc(idle, cancel)
	defer timer.Stop()

	var mu sync.Mutex
	var sb strings.Builder
	err := g.provider.Stream(streamCtx, req, func(delta string) {
		timer.Reset(idle)
		mu.Lock()
		sb.WriteString(delta)
		mu.Unlock()
		if onDelta != nil {
			onDelta(delta)
		}
	})
	if err != nil {
		if streamCtx.Err() != nil && ctx.Err() == nil {
			return "", &ProviderError{Provider: "stream", Retryable: true,
				Err: context.DeadlineExceeded}
		}
		return "", err
	}
	out := sb.String()
	g.cachePut(ctx, key, out)
	return out, nil
}

// Embed runs dense embedding under the embedding semaphore with retries.
func (g *Gateway) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := g.embeddingSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer g.embeddingSem.Release(1)

	var out [][]float32
	err := retryProvider(ctx, func() error {
		var err error
		out, err = g.embedder.Embed(ctx, texts)
		return err
	})
	return out, err
}

// Dimensions implements storage.Embedder.
func (g *Gateway) Dimensions() int { return g.embedder.Dimensions() }

func (g *Gateway) cacheGet(ctx context.Context, key string) (string, bool) {
	if g.cache == nil {
		return "", false
	}
	v, err := g.cache.GetByID(ctx, key)
	if err != nil {
		log.Warn().Err(err).Msg("llm cache read failed")
		return "", false
	}
	if v == nil {
		return "", false
	}
	s, ok := v["return"].(string)
	return s, ok
}

func (g *Gateway) cachePut(ctx context.Context, key, value string) {
	if g.cache == nil {
		return
	}
	if err := g.cache.Upsert(ctx, map[string]map[string]any{key: {"return": value}}); err != nil {
		log.Warn().Err(err).Msg("llm cache write failed")
	}
}

// retryProvider applies exponential backoff to retryable provider errors.
func retryProvider(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Second
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 0

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if !IsRetryable(err) || attempt >= 3 {
			return backoff.Permanent(err)
		}
		log.Warn().Err(err).Int("attempt", attempt).Msg("retryable llm failure")
		return err
	}, backoff.WithContext(bo, ctx))
}

package llm

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"graphrag/internal/config"
	"graphrag/internal/storage"
)

// scriptedProvider returns canned completions and records call counts.
type scriptedProvider struct {
	mu       sync.Mutex
	calls    int
	inFlight int32
	maxSeen  int32
	response string
	err      error
	deltas   []string
	delay    time.Duration
}

func (p *scriptedProvider) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	cur := atomic.AddInt32(&p.inFlight, 1)
	defer atomic.AddInt32(&p.inFlight, -1)
	for {
		max := atomic.LoadInt32(&p.maxSeen)
		if cur <= max || atomic.CompareAndSwapInt32(&p.maxSeen, max, cur) {
			break
		}
	}
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	return p.response, nil
}

func (p *scriptedProvider) Stream(ctx context.Context, req CompletionRequest, onDelta func(string)) error {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	for _, d := range p.deltas {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.delay):
		}
		onDelta(d)
	}
	return nil
}

func testCache(t *testing.T) storage.KVStorage {
	t.Helper()
	kv, err := storage.NewJSONKV(t.TempDir(), storage.NSLLMCache)
	require.NoError(t, err)
	return kv
}

func llmCfg() config.LLMConfig {
	c := config.Default().LLM
	c.StreamIdleTimeout = 100 * time.Millisecond
	return c
}

func TestCompleteCachesResponses(t *testing.T) {
	ctx := context.Background()
	p := &scriptedProvider{response: "answer"}
	g := NewGateway(p, nil, testCache(t), llmCfg())

	out, err := g.Complete(ctx, CompletionRequest{Prompt: "question"})
	require.NoError(t, err)
	assert.Equal(t, "answer", out)

	out, err = g.Complete(ctx, CompletionRequest{Prompt: "question"})
	require.NoError(t, err)
	assert.Equal(t, "answer", out)
	assert.Equal(t, 1, p.calls, "second call must be served from cache")

	// different history is a different cache key
	_, err = g.Complete(ctx, CompletionRequest{Prompt: "question", History: []Message{{Role: "user", Content: "x"}}})
	require.NoError(t, err)
	assert.Equal(t, 2, p.calls)
}

func TestCompleteDoesNotCacheFailures(t *testing.T) {
	ctx := context.Background()
	p := &scriptedProvider{err: &ProviderError{Provider: "test", Retryable: false, Err: errors.New("bad request")}}
	g := NewGateway(p, nil, testCache(t), llmCfg())

	_, err := g.Complete(ctx, CompletionRequest{Prompt: "q"})
	require.Error(t, err)

	p.err = nil
	p.response = "recovered"
	out, err := g.Complete(ctx, CompletionRequest{Prompt: "q"})
	require.NoError(t, err)
	assert.Equal(t, "recovered", out)
}

func TestCompleteSemaphoreBoundsConcurrency(t *testing.T) {
	ctx := context.Background()
	p := &scriptedProvider{response: "ok", delay: 20 * time.Millisecond}
	cfg := llmCfg()
	cfg.MaxConcurrent = 2
	g := NewGateway(p, nil, nil, cfg)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			_, _ = g.Complete(ctx, CompletionRequest{Prompt: string(rune('a' + i))})
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, p.maxSeen, int32(2))
}

func TestNonRetryableErrorIsNotRetried(t *testing.T) {
	p := &scriptedProvider{err: &ProviderError{Provider: "test", StatusCode: 400, Retryable: false, Err: errors.New("bad")}}
	g := NewGateway(p, nil, nil, llmCfg())
	_, err := g.Complete(context.Background(), CompletionRequest{Prompt: "q"})
	require.Error(t, err)
	assert.Equal(t, 1, p.calls)
	assert.False(t, IsRetryable(errors.New("plain")))
	assert.True(t, IsRetryable(&ProviderError{Retryable: true}))
}

func TestCompleteStreamAccumulatesAndCaches(t *testing.T) {
	ctx := context.Background()
	p := &scriptedProvider{deltas: []string{"hel", "lo ", "world"}, delay: time.Millisecond}
	g := NewGateway(p, nil, testCache(t), llmCfg())

	var streamed []string
	out, err := g.CompleteStream(ctx, CompletionRequest{Prompt: "q"}, func(d string) {
		streamed = append(streamed, d)
	})
	require.NoError(t, err)
	assert.Equal(t, "hello world", out)
	assert.Equal(t, []string{"hel", "lo ", "world"}, streamed)

	// second call served from cache without touching the provider
	out, err = g.CompleteStream(ctx, CompletionRequest{Prompt: "q"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello world", out)
	assert.Equal(t, 1, p.calls)
}

func TestCompleteStreamIdleTimeout(t *testing.T) {
	ctx := context.Background()
	// delay between deltas exceeds the idle timeout
	p := &scriptedProvider{deltas: []string{"a", "b"}, delay: 300 * time.Millisecond}
	cfg := llmCfg()
	cfg.StreamIdleTimeout = 50 * time.Millisecond
	cache := testCache(t)
	g := NewGateway(p, nil, cache, cfg)

	_, err := g.CompleteStream(ctx, CompletionRequest{Prompt: "slow"}, nil)
	require.Error(t, err)
	assert.True(t, IsRetryable(err))

	// the aborted stream must not have poisoned the cache
	keys, kerr := cache.AllKeys(ctx)
	require.NoError(t, kerr)
	assert.Empty(t, keys)
}

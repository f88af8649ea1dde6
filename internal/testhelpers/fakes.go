// Package testhelpers provides fakes shared by the engine's tests: a
// scriptable LLM provider, a deterministic embedder, and a graph wrapper that
// observes concurrency.
package testhelpers

import (
	"context"
	"crypto/md5"
	"strings"
	"sync"
	"sync/atomic"

	"graphrag/internal/llm"
	"graphrag/internal/storage"
)

// Rule matches a prompt substring to a canned response.
type Rule struct {
	Contains string
	Response string
}

// FakeProvider answers from an ordered rule list; the first rule whose
// Contains appears in the prompt (or system) wins. Unmatched prompts get
// Default.
type FakeProvider struct {
	mu      sync.Mutex
	Rules   []Rule
	Default string
	Calls   []llm.CompletionRequest
}

func (f *FakeProvider) Complete(_ context.Context, req llm.CompletionRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, req)
	haystack := req.System + "\n" + req.Prompt
	for _, r := range f.Rules {
		if strings.Contains(haystack, r.Contains) {
			return r.Response, nil
		}
	}
	return f.Default, nil
}

func (f *FakeProvider) Stream(ctx context.Context, req llm.CompletionRequest, onDelta func(string)) error {
	out, err := f.Complete(ctx, req)
	if err != nil {
		return err
	}
	onDelta(out)
	return nil
}

// CallCount returns the number of completions served so far.
func (f *FakeProvider) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Calls)
}

// DeterministicEmbedder derives vectors from content bytes; similar strings
// do not embed similarly, but identical strings always do, which is all the
// pipeline tests need.
type DeterministicEmbedder struct{ Dim int }

func (d DeterministicEmbedder) Dimensions() int { return d.Dim }

func (d DeterministicEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		sum := md5.Sum([]byte(t))
		v := make([]float32, d.Dim)
		for j := 0; j < d.Dim; j++ {
			v[j] = float32(sum[j%len(sum)]) / 255.0
		}
		out[i] = v
	}
	return out, nil
}

// WordSparse is a toy sparse embedder: each distinct lowercase word becomes
// one index with weight 1, so lexical overlap is exact.
type WordSparse struct{}

func (WordSparse) SparseEmbed(_ context.Context, texts []string) ([]storage.SparseVector, error) {
	out := make([]storage.SparseVector, len(texts))
	for i, t := range texts {
		seen := map[uint32]bool{}
		var sv storage.SparseVector
		for _, w := range strings.Fields(strings.ToLower(t)) {
			sum := md5.Sum([]byte(w))
			idx := uint32(sum[0])<<8 | uint32(sum[1])
			if seen[idx] {
				continue
			}
			seen[idx] = true
			sv.Indices = append(sv.Indices, idx)
			sv.Values = append(sv.Values, 1)
		}
		out[i] = sv
	}
	return out, nil
}

// CountingGraph wraps a GraphStorage and tracks the maximum number of
// concurrently in-flight calls, standing in for a connection pool gauge.
type CountingGraph struct {
	storage.GraphStorage
	inFlight int32
	maxSeen  int32
}

// NewCountingGraph wraps inner.
func NewCountingGraph(inner storage.GraphStorage) *CountingGraph {
	return &CountingGraph{GraphStorage: inner}
}

// MaxConcurrent reports the highest concurrency observed.
func (c *CountingGraph) MaxConcurrent() int { return int(atomic.LoadInt32(&c.maxSeen)) }

func (c *CountingGraph) enter() func() {
	cur := atomic.AddInt32(&c.inFlight, 1)
	for {
		max := atomic.LoadInt32(&c.maxSeen)
		if cur <= max || atomic.CompareAndSwapInt32(&c.maxSeen, max, cur) {
			break
		}
	}
	return func() { atomic.AddInt32(&c.inFlight, -1) }
}

func (c *CountingGraph) GetNodesBatch(ctx context.Context, ids []string) ([]*storage.NodeData, error) {
	defer c.enter()()
	return c.GraphStorage.GetNodesBatch(ctx, ids)
}

func (c *CountingGraph) NodeDegreesBatch(ctx context.Context, ids []string) ([]int, error) {
	defer c.enter()()
	return c.GraphStorage.NodeDegreesBatch(ctx, ids)
}

func (c *CountingGraph) GetEdgesBatch(ctx context.Context, pairs [][2]string) ([]*storage.EdgeData, error) {
	defer c.enter()()
	return c.GraphStorage.GetEdgesBatch(ctx, pairs)
}

func (c *CountingGraph) GetNodesEdgesBatch(ctx context.Context, ids []string) ([][]storage.Edge, error) {
	defer c.enter()()
	return c.GraphStorage.GetNodesEdgesBatch(ctx, ids)
}

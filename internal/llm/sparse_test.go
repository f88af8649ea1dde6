package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"graphrag/internal/config"
)

func sparseServer(t *testing.T, models *atomic.Value) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req sparseReq
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if models != nil {
			models.Store(req.Model)
		}
		resp := sparseResp{}
		for range req.Texts {
			resp.Vectors = append(resp.Vectors, struct {
				Indices []uint32  `json:"indices"`
				Values  []float32 `json:"values"`
			}{Indices: []uint32{1, 7}, Values: []float32{0.5, 0.25}})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestSparseEmbed(t *testing.T) {
	srv := sparseServer(t, nil)
	defer srv.Close()

	cfg := config.Default().Storage.HybridSearch
	cfg.Enabled = true
	cfg.SparseURL = srv.URL
	e := NewSparseEmbedder(cfg)
	require.NotNil(t, e)

	vecs, err := e.SparseEmbed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, []uint32{1, 7}, vecs[0].Indices)
}

func TestSparseEmbedderDisabled(t *testing.T) {
	cfg := config.Default().Storage.HybridSearch
	cfg.Enabled = false
	assert.Nil(t, NewSparseEmbedder(cfg))
}

func TestSparseServiceLRUEvicts(t *testing.T) {
	srv := sparseServer(t, nil)
	defer srv.Close()

	cfg := config.Default().Storage.HybridSearch
	cfg.Enabled = true
	cfg.SparseURL = srv.URL
	s := NewSparseService(cfg)

	ctx := context.Background()
	for _, model := range []string{"m1", "m2", "m3"} {
		_, err := s.EmbedWith(ctx, model, "cpu", []string{"x"})
		require.NoError(t, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Len(t, s.clients, 2)
	_, hasOldest := s.clients["m1@cpu"]
	assert.False(t, hasOldest, "least recently used model must be evicted")
}

func TestSparseServiceUnconfigured(t *testing.T) {
	s := NewSparseService(config.HybridSearchConfig{})
	_, err := s.EmbedWith(context.Background(), "m", "", []string{"x"})
	assert.Error(t, err)
}

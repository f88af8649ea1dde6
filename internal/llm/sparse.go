package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"graphrag/internal/config"
	"graphrag/internal/storage"
)

// sparseBatchLimit bounds one request to the sparse endpoint.
const sparseBatchLimit = 256

// sparseModelLRUSize caps loaded models; SPLADE checkpoints are large.
const sparseModelLRUSize = 2

// SparseService is the process-scoped sparse embedding service. Model clients
// load lazily and at most two stay resident.
type SparseService struct {
	baseURL string
	timeout time.Duration

	mu      sync.Mutex
	clients map[string]*sparseClient
	order   []string // LRU, most recent last
}

type sparseClient struct {
	model      string
	device     string
	httpClient *http.Client
}

// NewSparseService builds the service from hybrid-search config.
func NewSparseService(cfg config.HybridSearchConfig) *SparseService {
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &SparseService{
		baseURL: cfg.SparseURL,
		timeout: timeout,
		clients: make(map[string]*sparseClient),
	}
}

// acquire returns the client for (model, device), evicting the least recently
// used entry beyond the cap.
func (s *SparseService) acquire(model, device string) *sparseClient {
	key := model + "@" + device
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[key]; ok {
		s.touch(key)
		return c
	}
	if len(s.order) >= sparseModelLRUSize {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.clients, oldest)
		log.Debug().Str("model", oldest).Msg("evicting sparse model client")
	}
	c := &sparseClient{
		model:      model,
		device:     device,
		httpClient: &http.Client{},
	}
	s.clients[key] = c
	s.order = append(s.order, key)
	return c
}

func (s *SparseService) touch(key string) {
	for i, k := range s.order {
		if k == key {
			s.order = append(append(s.order[:i:i], s.order[i+1:]...), key)
			return
		}
	}
}

type sparseReq struct {
	Model  string   `json:"model"`
	Device string   `json:"device,omitempty"`
	Texts  []string `json:"texts"`
}

type sparseResp struct {
	Vectors []struct {
		Indices []uint32  `json:"indices"`
		Values  []float32 `json:"values"`
	} `json:"vectors"`
}

// EmbedWith encodes texts with a specific model/device, batching and applying
// the per-call timeout.
func (s *SparseService) EmbedWith(ctx context.Context, model, device string, texts []string) ([]storage.SparseVector, error) {
	if s.baseURL == "" {
		return nil, fmt.Errorf("sparse embedding endpoint not configured")
	}
	client := s.acquire(model, device)
	out := make([]storage.SparseVector, 0, len(texts))
	for start := 0; start < len(texts); start += sparseBatchLimit {
		end := start + sparseBatchLimit
		if end > len(texts) {
			end = len(texts)
		}
		batch, err := s.embedBatch(ctx, client, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
	}
	return out, nil
}

func (s *SparseService) embedBatch(ctx context.Context, c *sparseClient, texts []string) ([]storage.SparseVector, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	reqBody, _ := json.Marshal(sparseReq{Model: c.model, Device: c.device, Texts: texts})
	req, err := http.NewRequestWithContext(cctx, http.MethodPost, s.baseURL+"/embed/sparse", bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &ProviderError{Provider: "sparse", Retryable: true, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &ProviderError{
			Provider:   "sparse",
			StatusCode: resp.StatusCode,
			Retryable:  retryableStatus(resp.StatusCode),
			Err:        fmt.Errorf("sparse endpoint: %s", string(body)),
		}
	}
	var parsed sparseResp
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode sparse response: %w", err)
	}
	if len(parsed.Vectors) != len(texts) {
		return nil, fmt.Errorf("sparse endpoint returned %d vectors for %d texts", len(parsed.Vectors), len(texts))
	}
	out := make([]storage.SparseVector, len(parsed.Vectors))
	for i, v := range parsed.Vectors {
		out[i] = storage.SparseVector{Indices: v.Indices, Values: v.Values}
	}
	return out, nil
}

// SparseEmbedder binds a SparseService to one configured model so it
// satisfies the storage contract.
type SparseEmbedder struct {
	service *SparseService
	model   string
	device  string
}

// NewSparseEmbedder returns nil when hybrid search is disabled.
func NewSparseEmbedder(cfg config.HybridSearchConfig) *SparseEmbedder {
	if !cfg.Enabled {
		return nil
	}
	return &SparseEmbedder{
		service: NewSparseService(cfg),
		model:   cfg.SparseModel,
		device:  cfg.Device,
	}
}

func (e *SparseEmbedder) SparseEmbed(ctx context.Context, texts []string) ([]storage.SparseVector, error) {
	return e.service.EmbedWith(ctx, e.model, e.device, texts)
}

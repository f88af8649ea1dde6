package retrieve

import (
	"context"
	"fmt"

	"graphrag/internal/config"
	"graphrag/internal/llm"
	"graphrag/internal/storage"
	"graphrag/internal/tokenizer"
)

// Retriever dispatches queries to the local, global or naive planner.
type Retriever struct {
	cfg    config.QueryConfig
	stores *storage.Stores
	gw     *llm.Gateway
	tok    tokenizer.Tokenizer
}

// New builds a retriever over the resolved stores.
func New(cfg config.QueryConfig, stores *storage.Stores, gw *llm.Gateway, tok tokenizer.Tokenizer) *Retriever {
	return &Retriever{cfg: cfg, stores: stores, gw: gw, tok: tok}
}

// DefaultParams seeds query params from configuration.
func (r *Retriever) DefaultParams() Params {
	return Params{
		Mode:         "local",
		TopK:         r.cfg.TopK,
		Level:        r.cfg.GlobalLevel,
		ResponseType: r.cfg.ResponseType,
	}
}

// Query answers one question in the requested mode.
func (r *Retriever) Query(ctx context.Context, question string, params Params) (string, error) {
	switch params.Mode {
	case "", "local":
		return r.LocalQuery(ctx, question, params)
	case "global":
		return r.GlobalQuery(ctx, question, params)
	case "naive":
		if r.stores.Chunks == nil {
			return "", fmt.Errorf("naive mode requires query.enable_naive_rag")
		}
		return r.NaiveQuery(ctx, question, params)
	default:
		return "", fmt.Errorf("unknown query mode %q", params.Mode)
	}
}

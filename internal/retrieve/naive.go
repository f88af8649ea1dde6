package retrieve

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"graphrag/internal/llm"
	"graphrag/internal/prompts"
)

// NaiveQuery is flat RAG over chunk vectors: no graph, no communities.
func (r *Retriever) NaiveQuery(ctx context.Context, question string, params Params) (string, error) {
	contentData, err := r.buildNaiveContext(ctx, question, params)
	if err != nil {
		log.Warn().Err(err).Msg("naive context build failed, answering with empty context")
		contentData = ""
	}
	system := strings.NewReplacer(
		"{content_data}", contentData,
		"{response_type}", params.ResponseType,
	).Replace(prompts.NaiveRAGResponse)
	return r.gw.Complete(ctx, llm.CompletionRequest{System: system, Prompt: question})
}

func (r *Retriever) buildNaiveContext(ctx context.Context, question string, params Params) (string, error) {
	hits, err := r.stores.Chunks.Query(ctx, question, params.TopK)
	if err != nil {
		return "", fmt.Errorf("chunk retrieval: %w", err)
	}
	if len(hits) == 0 {
		return "", nil
	}
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	values, err := r.stores.TextChunks.GetByIDs(ctx, ids, []string{"content"})
	if err != nil {
		return "", fmt.Errorf("fetch chunks: %w", err)
	}

	budget := r.cfg.NaiveMaxTokens
	var sb strings.Builder
	used := 0
	for _, v := range values {
		if v == nil {
			continue
		}
		content, _ := v["content"].(string)
		if content == "" {
			continue
		}
		block := "--New Chunk--\n" + content + "\n"
		n := r.tok.Count(block)
		if used+n > budget {
			break
		}
		sb.WriteString(block)
		used += n
	}
	return sb.String(), nil
}

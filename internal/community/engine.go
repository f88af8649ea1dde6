// Package community regenerates the cluster hierarchy and its LLM-written
// reports after each ingest batch.
package community

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"graphrag/internal/config"
	"graphrag/internal/llm"
	"graphrag/internal/prompts"
	"graphrag/internal/storage"
	"graphrag/internal/tokenizer"
)

// Engine owns the community pass: clustering, packing, bounded
// summarization, persistence.
type Engine struct {
	graph   storage.GraphStorage
	reports storage.KVStorage
	gw      *llm.Gateway
	tok     tokenizer.Tokenizer
	cfg     config.LLMConfig
}

// NewEngine wires the community engine.
func NewEngine(graph storage.GraphStorage, reports storage.KVStorage, gw *llm.Gateway, tok tokenizer.Tokenizer, cfg config.LLMConfig) *Engine {
	return &Engine{graph: graph, reports: reports, gw: gw, tok: tok, cfg: cfg}
}

// GenerateReports drops the old reports, re-clusters the graph and writes one
// report per community. Levels are processed finest-first so child reports
// exist when their parents pack; within a level, work runs under a bounded
// semaphore. The bound is load-bearing: unbounded fan-out exhausts graph
// connection pools.
func (e *Engine) GenerateReports(ctx context.Context) error {
	if err := e.reports.Drop(ctx); err != nil {
		return fmt.Errorf("drop community reports: %w", err)
	}
	schema, err := e.graph.Clustering(ctx, "leiden")
	if err != nil {
		return fmt.Errorf("clustering: %w", err)
	}
	if len(schema) == 0 {
		log.Info().Msg("graph has no communities yet")
		return nil
	}

	byLevel := make(map[int][]string)
	for key, sc := range schema {
		byLevel[sc.Level] = append(byLevel[sc.Level], key)
	}
	levels := make([]int, 0, len(byLevel))
	for lv := range byLevel {
		levels = append(levels, lv)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(levels)))

	maxConc := e.cfg.CommunityReportMaxConcurrency
	if maxConc <= 0 {
		maxConc = 8
	}
	sem := semaphore.NewWeighted(int64(maxConc))

	for _, lv := range levels {
		keys := byLevel[lv]
		sort.Strings(keys)
		g, gctx := errgroup.WithContext(ctx)
		for _, key := range keys {
			key := key
			sc := schema[key]
			g.Go(func() error {
				if err := sem.Acquire(gctx, 1); err != nil {
					return err
				}
				defer sem.Release(1)
				return e.generateOne(gctx, key, sc, schema)
			})
		}
		if err := g.Wait(); err != nil {
			return fmt.Errorf("community reports at level %d: %w", lv, err)
		}
		log.Info().Int("level", lv).Int("communities", len(keys)).Msg("community level summarized")
	}
	return nil
}

func (e *Engine) generateOne(ctx context.Context, key string, sc storage.SingleCommunity, schema storage.CommunitySchema) error {
	packed, err := e.pack(ctx, sc)
	if err != nil {
		return fmt.Errorf("pack community %s: %w", key, err)
	}
	prompt := strings.ReplaceAll(prompts.CommunityReport, "{input_text}", packed)
	resp, err := e.gw.Complete(ctx, llm.CompletionRequest{Prompt: prompt})
	if err != nil {
		return fmt.Errorf("summarize community %s: %w", key, err)
	}
	reportJSON := parseReportJSON(resp)
	if reportJSON == nil {
		log.Warn().Str("community", key).Msg("report response was not parseable JSON, storing fallback")
		reportJSON = map[string]any{"title": sc.Title, "summary": resp}
	}
	value := map[string]any{
		"report_string": renderReport(reportJSON),
		"report_json":   reportJSON,
		"level":         sc.Level,
		"occurrence":    sc.Occurrence,
		"sub_communities": sc.SubCommunities,
	}
	return e.reports.Upsert(ctx, map[string]map[string]any{key: value})
}

// parseReportJSON pulls the outermost JSON object out of a possibly chatty
// response.
func parseReportJSON(resp string) map[string]any {
	start := strings.Index(resp, "{")
	end := strings.LastIndex(resp, "}")
	if start < 0 || end <= start {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(resp[start:end+1]), &out); err != nil {
		return nil
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// renderReport flattens the structured report into the markdown-ish string
// stored alongside it.
func renderReport(report map[string]any) string {
	var sb strings.Builder
	if title, ok := report["title"].(string); ok {
		sb.WriteString("# " + title + "\n\n")
	}
	if summary, ok := report["summary"].(string); ok {
		sb.WriteString(summary + "\n")
	}
	if findings, ok := report["findings"].([]any); ok {
		for _, f := range findings {
			fm, ok := f.(map[string]any)
			if !ok {
				continue
			}
			if s, ok := fm["summary"].(string); ok {
				sb.WriteString("\n## " + s + "\n")
			}
			if ex, ok := fm["explanation"].(string); ok {
				sb.WriteString(ex + "\n")
			}
		}
	}
	return strings.TrimSpace(sb.String())
}

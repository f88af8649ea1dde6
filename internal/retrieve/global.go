package retrieve

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"graphrag/internal/llm"
	"graphrag/internal/prompts"
)

// maxConsiderCommunities caps how many community reports feed one global
// query.
const maxConsiderCommunities = 512

// mapGroupTokenBudget bounds one map-call's report CSV.
const mapGroupTokenBudget = 12000

type mappedPoint struct {
	Description string
	Score       float64
	Analyst     int
}

// GlobalQuery answers by map/reduce over community reports: groups of
// reports produce scored points in parallel, the reduce step synthesizes the
// final answer from the highest-scored points.
func (r *Retriever) GlobalQuery(ctx context.Context, question string, params Params) (string, error) {
	reports, err := r.loadReports(ctx, params.Level)
	if err != nil {
		log.Warn().Err(err).Msg("loading community reports failed, answering with empty context")
		reports = nil
	}
	if len(reports) == 0 {
		return r.reduce(ctx, question, nil, params)
	}

	groups := r.groupReports(reports)
	points := make([][]mappedPoint, len(groups))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for i, group := range groups {
		i, group := i, group
		g.Go(func() error {
			pts, err := r.mapGroup(gctx, question, group, i)
			if err != nil {
				return err
			}
			mu.Lock()
			points[i] = pts
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", fmt.Errorf("global map phase: %w", err)
	}

	var all []mappedPoint
	for _, pts := range points {
		all = append(all, pts...)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Score > all[j].Score })
	return r.reduce(ctx, question, all, params)
}

type reportEntry struct {
	id         string
	content    string
	rating     float64
	occurrence float64
}

func (r *Retriever) loadReports(ctx context.Context, level int) ([]reportEntry, error) {
	keys, err := r.stores.CommunityReports.AllKeys(ctx)
	if err != nil {
		return nil, err
	}
	values, err := r.stores.CommunityReports.GetByIDs(ctx, keys, nil)
	if err != nil {
		return nil, err
	}
	var out []reportEntry
	for i, v := range values {
		if v == nil {
			continue
		}
		lv, _ := toInt(v["level"])
		if lv > level {
			continue
		}
		entry := reportEntry{id: keys[i]}
		entry.content, _ = v["report_string"].(string)
		if entry.content == "" {
			continue
		}
		entry.occurrence, _ = v["occurrence"].(float64)
		if rj, ok := v["report_json"].(map[string]any); ok {
			entry.rating, _ = rj["rating"].(float64)
		}
		out = append(out, entry)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].occurrence > out[j].occurrence })
	if len(out) > maxConsiderCommunities {
		out = out[:maxConsiderCommunities]
	}
	return out, nil
}

// groupReports packs reports into token-bounded groups for the map phase.
func (r *Retriever) groupReports(reports []reportEntry) [][]reportEntry {
	var groups [][]reportEntry
	var cur []reportEntry
	tokens := 0
	for _, rep := range reports {
		n := r.tok.Count(rep.content)
		if tokens+n > mapGroupTokenBudget && len(cur) > 0 {
			groups = append(groups, cur)
			cur, tokens = nil, 0
		}
		cur = append(cur, rep)
		tokens += n
	}
	if len(cur) > 0 {
		groups = append(groups, cur)
	}
	return groups
}

func (r *Retriever) mapGroup(ctx context.Context, question string, group []reportEntry, analyst int) ([]mappedPoint, error) {
	rows := make([][]string, len(group))
	for i, rep := range group {
		rows[i] = []string{
			fmt.Sprintf("%d", i),
			rep.content,
			fmt.Sprintf("%g", rep.rating),
			fmt.Sprintf("%g", rep.occurrence),
		}
	}
	contextData := RenderCSV([]string{"id", "content", "rating", "importance"}, rows)
	system := strings.ReplaceAll(prompts.GlobalMapRAGPoints, "{context_data}", contextData)
	resp, err := r.gw.Complete(ctx, llm.CompletionRequest{System: system, Prompt: question})
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Points []struct {
			Description string  `json:"description"`
			Score       float64 `json:"score"`
		} `json:"points"`
	}
	start := strings.Index(resp, "{")
	end := strings.LastIndex(resp, "}")
	if start < 0 || end <= start {
		log.Warn().Int("analyst", analyst).Msg("map response had no JSON object, skipping group")
		return nil, nil
	}
	if err := json.Unmarshal([]byte(resp[start:end+1]), &parsed); err != nil {
		log.Warn().Err(err).Int("analyst", analyst).Msg("map response unparseable, skipping group")
		return nil, nil
	}
	out := make([]mappedPoint, 0, len(parsed.Points))
	for _, p := range parsed.Points {
		if p.Description == "" || p.Score <= 0 {
			continue
		}
		out = append(out, mappedPoint{Description: p.Description, Score: p.Score, Analyst: analyst})
	}
	return out, nil
}

func (r *Retriever) reduce(ctx context.Context, question string, points []mappedPoint, params Params) (string, error) {
	budget := r.cfg.GlobalMaxTokens
	var sb strings.Builder
	used := 0
	for _, p := range points {
		block := fmt.Sprintf("----Analyst %d----\nImportance Score: %g\n%s\n\n", p.Analyst, p.Score, p.Description)
		n := r.tok.Count(block)
		if used+n > budget {
			break
		}
		sb.WriteString(block)
		used += n
	}
	tpl := ResolveTemplate(r.cfg.GlobalTemplate, []string{"{report_data}", "{response_type}"}, prompts.GlobalReduceRAGResponse)
	system := strings.NewReplacer(
		"{report_data}", sb.String(),
		"{response_type}", params.ResponseType,
	).Replace(tpl)
	return r.gw.Complete(ctx, llm.CompletionRequest{System: system, Prompt: question})
}

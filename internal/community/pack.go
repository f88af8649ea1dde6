package community

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"graphrag/internal/retrieve"
	"graphrag/internal/storage"
)

// tokenBudget computes the packing budget from the model context window.
func (e *Engine) tokenBudget() int {
	ratio := e.cfg.CommunityReportTokenBudgetRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 0.75
	}
	overhead := e.cfg.CommunityReportChatOverhead
	if overhead < 0 {
		overhead = 1000
	}
	budget := int(float64(e.cfg.ModelContext)*ratio) - overhead
	if budget <= 0 {
		budget = 4096
	}
	return budget
}

type entityRow struct {
	id     string
	data   *storage.NodeData
	degree int
}

type edgeRow struct {
	pair   [2]string
	data   *storage.EdgeData
	rank   int
}

// pack builds the CSV context for one community: sub-community reports,
// entities ranked by degree, relationships ranked by endpoint degree. When
// the pack blows the token budget, lowest-ranked rows drop first; if one
// re-pack is still oversized, a truncated fallback is emitted with a warning.
func (e *Engine) pack(ctx context.Context, sc storage.SingleCommunity) (string, error) {
	// Member data lands in two batch calls (plus one for degrees), never one
	// call per node.
	nodes, err := e.graph.GetNodesBatch(ctx, sc.Nodes)
	if err != nil {
		return "", err
	}
	degrees, err := e.graph.NodeDegreesBatch(ctx, sc.Nodes)
	if err != nil {
		return "", err
	}
	edges, err := e.graph.GetEdgesBatch(ctx, sc.Edges)
	if err != nil {
		return "", err
	}

	degreeByID := make(map[string]int, len(sc.Nodes))
	entities := make([]entityRow, 0, len(sc.Nodes))
	for i, id := range sc.Nodes {
		degreeByID[id] = degrees[i]
		if nodes[i] == nil {
			continue
		}
		entities = append(entities, entityRow{id: id, data: nodes[i], degree: degrees[i]})
	}
	sort.SliceStable(entities, func(i, j int) bool { return entities[i].degree > entities[j].degree })

	edgeRows := make([]edgeRow, 0, len(sc.Edges))
	for i, pair := range sc.Edges {
		if edges[i] == nil {
			continue
		}
		edgeRows = append(edgeRows, edgeRow{
			pair: pair,
			data: edges[i],
			rank: degreeByID[pair[0]] + degreeByID[pair[1]],
		})
	}
	sort.SliceStable(edgeRows, func(i, j int) bool { return edgeRows[i].rank > edgeRows[j].rank })

	subReports := e.subReports(ctx, sc)

	budget := e.tokenBudget()
	packed := e.render(subReports, entities, edgeRows)
	if e.tok.Count(packed) <= budget {
		return packed, nil
	}

	// One re-pack with proportionally fewer rows.
	scale := float64(budget) / float64(e.tok.Count(packed))
	entities = entities[:scaledLen(len(entities), scale)]
	edgeRows = edgeRows[:scaledLen(len(edgeRows), scale)]
	packed = e.render(subReports, entities, edgeRows)
	if e.tok.Count(packed) <= budget {
		return packed, nil
	}

	log.Warn().Str("community", sc.Title).Int("budget", budget).
		Msg("community context still over budget after re-pack, truncating")
	ids := e.tok.Encode(packed)
	if len(ids) > budget {
		ids = ids[:budget]
	}
	return e.tok.Decode(ids), nil
}

func scaledLen(n int, scale float64) int {
	out := int(float64(n) * scale)
	if out < 1 && n > 0 {
		out = 1
	}
	return out
}

// subReports collects already-written child reports (level+1) for recursive
// packing.
func (e *Engine) subReports(ctx context.Context, sc storage.SingleCommunity) []string {
	if len(sc.SubCommunities) == 0 {
		return nil
	}
	values, err := e.reports.GetByIDs(ctx, sc.SubCommunities, []string{"report_string"})
	if err != nil {
		log.Warn().Err(err).Msg("loading sub-community reports failed, packing without them")
		return nil
	}
	var out []string
	for _, v := range values {
		if v == nil {
			continue
		}
		if s, ok := v["report_string"].(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (e *Engine) render(subReports []string, entities []entityRow, edges []edgeRow) string {
	var sb strings.Builder

	if len(subReports) > 0 {
		rows := make([][]string, len(subReports))
		for i, r := range subReports {
			rows[i] = []string{fmt.Sprintf("%d", i), r}
		}
		sb.WriteString("-----Reports-----\n")
		sb.WriteString(retrieve.RenderCSV([]string{"id", "content"}, rows))
		sb.WriteString("\n")
	}

	entityRows := make([][]string, len(entities))
	for i, en := range entities {
		entityRows[i] = []string{
			fmt.Sprintf("%d", i),
			en.id,
			en.data.EntityType,
			en.data.Description,
			fmt.Sprintf("%d", en.degree),
		}
	}
	sb.WriteString("-----Entities-----\n")
	sb.WriteString(retrieve.RenderCSV([]string{"id", "entity", "type", "description", "rank"}, entityRows))
	sb.WriteString("\n")

	// Edge direction is as extracted: bidirectional typed pairs stay two rows.
	relRows := make([][]string, len(edges))
	for i, er := range edges {
		relRows[i] = []string{
			fmt.Sprintf("%d", i),
			er.pair[0],
			er.pair[1],
			er.data.Description,
			er.data.RelationType,
			fmt.Sprintf("%g", er.data.Weight),
			fmt.Sprintf("%d", er.rank),
		}
	}
	sb.WriteString("-----Relationships-----\n")
	sb.WriteString(retrieve.RenderCSV([]string{"id", "source", "target", "description", "relation_type", "weight", "rank"}, relRows))

	return sb.String()
}

package retrieve

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"graphrag/internal/llm"
	"graphrag/internal/prompts"
	"graphrag/internal/storage"
)

// LocalQuery answers from the neighborhood of the entities nearest to the
// question: entity rows ranked by graph degree, their relationships with
// direction preserved, and the source chunks they were extracted from.
func (r *Retriever) LocalQuery(ctx context.Context, question string, params Params) (string, error) {
	contextData, err := r.buildLocalContext(ctx, question, params)
	if err != nil {
		// Retrieval failures degrade to an empty context; the model still runs.
		log.Warn().Err(err).Msg("local context build failed, answering with empty context")
		contextData = ""
	}

	tpl := ResolveTemplate(r.cfg.LocalTemplate, []string{"{context_data}", "{response_type}"}, prompts.LocalRAGResponse)
	system := strings.NewReplacer(
		"{context_data}", contextData,
		"{response_type}", params.ResponseType,
	).Replace(tpl)
	return r.gw.Complete(ctx, llm.CompletionRequest{System: system, Prompt: question})
}

func (r *Retriever) buildLocalContext(ctx context.Context, question string, params Params) (string, error) {
	hits, err := r.stores.Entities.Query(ctx, question, params.TopK)
	if err != nil {
		return "", fmt.Errorf("entity retrieval: %w", err)
	}
	if len(hits) == 0 {
		return "", nil
	}
	names := make([]string, 0, len(hits))
	for _, h := range hits {
		if name, _ := h.Payload["entity_name"].(string); name != "" {
			names = append(names, name)
		}
	}

	nodes, err := r.stores.Graph.GetNodesBatch(ctx, names)
	if err != nil {
		return "", fmt.Errorf("fetch entity nodes: %w", err)
	}
	degrees, err := r.stores.Graph.NodeDegreesBatch(ctx, names)
	if err != nil {
		return "", fmt.Errorf("fetch entity degrees: %w", err)
	}

	type entity struct {
		name   string
		data   *storage.NodeData
		degree int
	}
	var entities []entity
	for i, name := range names {
		if nodes[i] == nil {
			// vector hit without a graph node: the has_vector invariant broke
			log.Warn().Str("entity", name).Msg("vector hit has no graph node, dropping")
			continue
		}
		entities = append(entities, entity{name: name, data: nodes[i], degree: degrees[i]})
	}
	if len(entities) == 0 {
		return "", nil
	}
	sort.SliceStable(entities, func(i, j int) bool { return entities[i].degree > entities[j].degree })

	entityNames := make([]string, len(entities))
	degreeByName := make(map[string]int, len(entities))
	for i, e := range entities {
		entityNames[i] = e.name
		degreeByName[e.name] = e.degree
	}

	// Relationships of all retrieved entities. Deduplication keys on the
	// exact ordered tuple, so a PARENT_OF edge and its CHILD_OF reverse both
	// survive.
	nodeEdges, err := r.stores.Graph.GetNodesEdgesBatch(ctx, entityNames)
	if err != nil {
		return "", fmt.Errorf("fetch entity edges: %w", err)
	}
	seen := make(map[[2]string]bool)
	type relation struct {
		edge storage.Edge
		rank int
	}
	var relations []relation
	for _, edges := range nodeEdges {
		for _, e := range edges {
			key := [2]string{e.Source, e.Target}
			if seen[key] {
				continue
			}
			seen[key] = true
			relations = append(relations, relation{
				edge: e,
				rank: degreeByName[e.Source] + degreeByName[e.Target],
			})
		}
	}
	sort.SliceStable(relations, func(i, j int) bool { return relations[i].rank > relations[j].rank })

	// Source chunks: union of the entities' source ids, ordered by how many
	// retrieved entities cite them.
	chunkVotes := make(map[string]int)
	var chunkOrder []string
	for _, e := range entities {
		for _, cid := range strings.Split(e.data.SourceID, storage.FieldSeparator) {
			cid = strings.TrimSpace(cid)
			if cid == "" {
				continue
			}
			if chunkVotes[cid] == 0 {
				chunkOrder = append(chunkOrder, cid)
			}
			chunkVotes[cid]++
		}
	}
	sort.SliceStable(chunkOrder, func(i, j int) bool { return chunkVotes[chunkOrder[i]] > chunkVotes[chunkOrder[j]] })
	chunkValues, err := r.stores.TextChunks.GetByIDs(ctx, chunkOrder, []string{"content"})
	if err != nil {
		return "", fmt.Errorf("fetch source chunks: %w", err)
	}

	// Per-section budgets out of the local total.
	total := r.cfg.LocalMaxTokens
	entityBudget := total * 3 / 10
	relationBudget := total * 3 / 10
	sourceBudget := total - entityBudget - relationBudget

	entityRows := make([][]string, len(entities))
	for i, e := range entities {
		entityRows[i] = []string{
			fmt.Sprintf("%d", i), e.name, e.data.EntityType, e.data.Description, fmt.Sprintf("%d", e.degree),
		}
	}
	entityHeaders := []string{"id", "entity", "type", "description", "rank"}
	entityRows = TruncateRows(entityHeaders, entityRows, r.tok, entityBudget)

	relationHeaders := []string{"id", "source", "target", "description", "relation_type", "weight", "rank"}
	relationRows := make([][]string, len(relations))
	for i, rel := range relations {
		relationRows[i] = []string{
			fmt.Sprintf("%d", i),
			rel.edge.Source,
			rel.edge.Target,
			rel.edge.Data.Description,
			rel.edge.Data.RelationType,
			fmt.Sprintf("%g", rel.edge.Data.Weight),
			fmt.Sprintf("%d", rel.rank),
		}
	}
	relationRows = TruncateRows(relationHeaders, relationRows, r.tok, relationBudget)

	sourceHeaders := []string{"id", "content"}
	var sourceRows [][]string
	for i, v := range chunkValues {
		if v == nil {
			continue
		}
		if content, ok := v["content"].(string); ok {
			sourceRows = append(sourceRows, []string{fmt.Sprintf("%d", i), content})
		}
	}
	sourceRows = TruncateRows(sourceHeaders, sourceRows, r.tok, sourceBudget)

	var sb strings.Builder
	sb.WriteString("-----Entities-----\n```csv\n")
	sb.WriteString(RenderCSV(entityHeaders, entityRows))
	sb.WriteString("```\n-----Relationships-----\n```csv\n")
	sb.WriteString(RenderCSV(relationHeaders, relationRows))
	sb.WriteString("```\n-----Sources-----\n```csv\n")
	sb.WriteString(RenderCSV(sourceHeaders, sourceRows))
	sb.WriteString("```\n")
	return sb.String(), nil
}

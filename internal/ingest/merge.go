// Package ingest drives the document pipeline: chunk extraction results are
// merged in memory into one batch per document, committed atomically, and
// synchronized into the vector tier.
package ingest

import (
	"context"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"graphrag/internal/extract"
	"graphrag/internal/llm"
	"graphrag/internal/prompts"
	"graphrag/internal/storage"
	"graphrag/internal/tokenizer"
)

// Merger folds one document's extraction results into a single DocumentBatch.
// All deduplication happens here; the graph store applies set-replace writes.
type Merger struct {
	graph            storage.GraphStorage
	gw               *llm.Gateway // may be nil; summaries then stay joined
	tok              tokenizer.Tokenizer
	summaryMaxTokens int
}

// NewMerger builds a merger. gw is used only to summarize oversized merged
// descriptions.
func NewMerger(graph storage.GraphStorage, gw *llm.Gateway, tok tokenizer.Tokenizer, summaryMaxTokens int) *Merger {
	if summaryMaxTokens <= 0 {
		summaryMaxTokens = 500
	}
	return &Merger{graph: graph, gw: gw, tok: tok, summaryMaxTokens: summaryMaxTokens}
}

// MergeOutput is the merged batch plus the explicitly-extracted entity nodes
// (placeholders excluded) that the vector sync will embed.
type MergeOutput struct {
	Batch       *storage.DocumentBatch
	EntityNodes []storage.BatchNode
}

// MergeResults merges fragments across all of a document's chunks.
func (m *Merger) MergeResults(ctx context.Context, results []*extract.Result) (*MergeOutput, error) {
	// Node fragments grouped by id, first-seen order preserved.
	var nodeOrder []string
	nodeFrags := make(map[string][]extract.NodeFragment)
	for _, res := range results {
		names := make([]string, 0, len(res.Nodes))
		for name := range res.Nodes {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if _, seen := nodeFrags[name]; !seen {
				nodeOrder = append(nodeOrder, name)
			}
			nodeFrags[name] = append(nodeFrags[name], res.Nodes[name]...)
		}
	}

	// Read existing node state once: has_vector carries through unchanged and
	// prior descriptions join the merge.
	existing, err := m.graph.GetNodesBatch(ctx, nodeOrder)
	if err != nil {
		return nil, err
	}
	existingByID := make(map[string]*storage.NodeData, len(nodeOrder))
	for i, id := range nodeOrder {
		existingByID[id] = existing[i]
	}

	out := &MergeOutput{Batch: &storage.DocumentBatch{}}
	for _, id := range nodeOrder {
		data, err := m.mergeNode(ctx, id, nodeFrags[id], existingByID[id])
		if err != nil {
			return nil, err
		}
		node := storage.BatchNode{ID: id, Data: data}
		out.Batch.Nodes = append(out.Batch.Nodes, node)
		out.EntityNodes = append(out.EntityNodes, node)
	}

	// Edge fragments grouped by ordered (source, target); direction is never
	// re-sorted.
	var edgeOrder [][2]string
	edgeFrags := make(map[[2]string][]extract.EdgeFragment)
	for _, res := range results {
		for _, ef := range res.Edges {
			key := [2]string{ef.Source, ef.Target}
			if _, seen := edgeFrags[key]; !seen {
				edgeOrder = append(edgeOrder, key)
			}
			edgeFrags[key] = append(edgeFrags[key], ef)
		}
	}
	for _, key := range edgeOrder {
		out.Batch.Edges = append(out.Batch.Edges, storage.BatchEdge{
			Source: key[0],
			Target: key[1],
			Data:   mergeEdge(edgeFrags[key]),
		})
	}

	if err := m.addPlaceholders(ctx, out.Batch); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Merger) mergeNode(ctx context.Context, id string, frags []extract.NodeFragment, existing *storage.NodeData) (storage.NodeData, error) {
	votes := make(map[string]int)
	var descs, sources []string
	if existing != nil {
		descs = splitSep(existing.Description)
		sources = splitSep(existing.SourceID)
		if existing.EntityType != "" {
			votes[existing.EntityType]++
		}
	}
	for _, f := range frags {
		if f.EntityType != "" {
			votes[f.EntityType]++
		}
		if f.Description != "" {
			descs = appendUnique(descs, f.Description)
		}
		if f.SourceID != "" {
			sources = appendUnique(sources, f.SourceID)
		}
	}

	entityType := "UNKNOWN"
	best := -1
	types := make([]string, 0, len(votes))
	for t := range votes {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		if t == "UNKNOWN" {
			continue
		}
		if votes[t] > best {
			entityType, best = t, votes[t]
		}
	}

	description := strings.Join(descs, storage.FieldSeparator)
	if m.gw != nil && m.tok.Count(description) > m.summaryMaxTokens {
		summarized, err := m.summarizeDescription(ctx, id, descs)
		if err != nil {
			log.Warn().Err(err).Str("entity", id).Msg("description summary failed, keeping joined form")
		} else if summarized != "" {
			description = summarized
		}
	}

	data := storage.NodeData{
		EntityType:  entityType,
		Description: description,
		SourceID:    strings.Join(sources, storage.FieldSeparator),
	}
	if existing != nil {
		// updated by the vector sync only, after the vector is confirmed
		data.HasVector = existing.HasVector
		data.CommunityDescription = existing.CommunityDescription
	}
	return data, nil
}

func (m *Merger) summarizeDescription(ctx context.Context, id string, descs []string) (string, error) {
	prompt := strings.NewReplacer(
		"{entity_name}", id,
		"{description_list}", strings.Join(descs, "\n"),
	).Replace(prompts.SummarizeEntityDescriptions)
	return m.gw.Complete(ctx, llm.CompletionRequest{Prompt: prompt})
}

func mergeEdge(frags []extract.EdgeFragment) storage.EdgeData {
	var descs, sources []string
	var weight float64
	relationType := extract.DefaultRelationType
	for _, f := range frags {
		weight += f.Weight
		if f.Description != "" {
			descs = appendUnique(descs, f.Description)
		}
		if f.SourceID != "" {
			sources = appendUnique(sources, f.SourceID)
		}
		if relationType == extract.DefaultRelationType && f.RelationType != extract.DefaultRelationType && f.RelationType != "" {
			relationType = f.RelationType
		}
	}
	return storage.EdgeData{
		Description:  strings.Join(descs, storage.FieldSeparator),
		Weight:       weight,
		SourceID:     strings.Join(sources, storage.FieldSeparator),
		RelationType: relationType,
	}
}

// addPlaceholders creates UNKNOWN nodes for edge endpoints that neither the
// batch nor the graph knows about yet.
func (m *Merger) addPlaceholders(ctx context.Context, batch *storage.DocumentBatch) error {
	inBatch := make(map[string]bool, len(batch.Nodes))
	for _, n := range batch.Nodes {
		inBatch[n.ID] = true
	}
	var candidates []string
	seen := make(map[string]bool)
	for _, e := range batch.Edges {
		for _, id := range []string{e.Source, e.Target} {
			if !inBatch[id] && !seen[id] {
				seen[id] = true
				candidates = append(candidates, id)
			}
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	existing, err := m.graph.GetNodesBatch(ctx, candidates)
	if err != nil {
		return err
	}
	bySource := make(map[string]string)
	for _, e := range batch.Edges {
		for _, id := range []string{e.Source, e.Target} {
			if _, ok := bySource[id]; !ok {
				bySource[id] = e.Data.SourceID
			}
		}
	}
	for i, id := range candidates {
		if existing[i] != nil {
			continue
		}
		log.Debug().Str("entity", id).Msg("creating placeholder node for edge endpoint")
		batch.Nodes = append(batch.Nodes, storage.BatchNode{
			ID: id,
			Data: storage.NodeData{
				EntityType:  "UNKNOWN",
				Description: bySource[id],
				SourceID:    bySource[id],
				HasVector:   false,
			},
		})
	}
	return nil
}

func splitSep(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, storage.FieldSeparator)
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

package ingest

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"graphrag/internal/keys"
	"graphrag/internal/storage"
)

// VectorSync keeps the graph's has_vector flag consistent with the vector
// store. The flag flips true only after the vector write is confirmed, so a
// failed upsert leaves the node eligible for the next pass.
type VectorSync struct {
	vectors          storage.VectorStorage
	graph            storage.GraphStorage
	typePrefix       bool
}

// NewVectorSync wires the two tiers together.
func NewVectorSync(vectors storage.VectorStorage, graph storage.GraphStorage, typePrefix bool) *VectorSync {
	return &VectorSync{vectors: vectors, graph: graph, typePrefix: typePrefix}
}

func (s *VectorSync) content(name string, data storage.NodeData) string {
	// Without the type prefix the entity name leads, so sparse models index
	// the lexically salient term the same way at insertion and at
	// community-update time; with it, "<TYPE>: " comes first.
	if s.typePrefix && data.EntityType != "" && data.EntityType != "UNKNOWN" {
		return data.EntityType + ": " + name + " " + data.Description
	}
	return name + " " + data.Description
}

// UpsertEntities embeds the explicitly-extracted entities and flips
// has_vector once the store confirms the write. Entity names, not vector
// ids, go to the graph update: this is the single point where the two key
// spaces meet.
func (s *VectorSync) UpsertEntities(ctx context.Context, entityNodes []storage.BatchNode) error {
	if len(entityNodes) == 0 {
		return nil
	}
	data := make(map[string]map[string]any, len(entityNodes))
	names := make([]string, 0, len(entityNodes))
	for _, n := range entityNodes {
		names = append(names, n.ID)
		data[keys.EntityVectorID(n.ID)] = map[string]any{
			"content":     s.content(n.ID, n.Data),
			"entity_name": n.ID,
			"entity_type": n.Data.EntityType,
		}
	}
	if err := s.vectors.Upsert(ctx, data); err != nil {
		return fmt.Errorf("vector upsert for %d entities: %w", len(entityNodes), err)
	}
	if err := s.graph.BatchUpdateNodeField(ctx, names, "has_vector", true); err != nil {
		return fmt.Errorf("flip has_vector for %d entities: %w", len(names), err)
	}
	return nil
}

// CommunityPayloadUpdate refreshes every vectorized node's
// community_description through payload-only updates. Nodes without vectors
// are skipped and counted; an id missing from the vector store is a
// consistency bug: it is logged UNEXPECTED and dropped rather than failing
// the batch.
func (s *VectorSync) CommunityPayloadUpdate(ctx context.Context) error {
	all, err := s.graph.ExportAll(ctx)
	if err != nil {
		return fmt.Errorf("list graph nodes: %w", err)
	}
	updates := make(map[string]map[string]any)
	skipped := 0
	for _, n := range all.Nodes {
		if !n.Data.HasVector {
			skipped++
			continue
		}
		vid := keys.EntityVectorID(n.ID)
		ok, err := s.vectors.Has(ctx, vid)
		if err != nil {
			return fmt.Errorf("check vector %s: %w", vid, err)
		}
		if !ok {
			log.Error().Str("entity", n.ID).Str("vector_id", vid).
				Msg("UNEXPECTED: has_vector set but vector record missing, dropping update")
			continue
		}
		updates[vid] = map[string]any{
			"entity_name":           n.ID,
			"entity_type":           n.Data.EntityType,
			"community_description": n.ID + " " + n.Data.Description,
		}
	}
	log.Info().Int("updated", len(updates)).Int("skipped_no_vector", skipped).
		Msg("community payload update")
	if len(updates) == 0 {
		return nil
	}
	if err := s.vectors.UpdatePayload(ctx, updates); err != nil {
		return fmt.Errorf("payload update for %d vectors: %w", len(updates), err)
	}
	return nil
}

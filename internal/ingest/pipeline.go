package ingest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"graphrag/internal/chunker"
	"graphrag/internal/config"
	"graphrag/internal/extract"
	"graphrag/internal/keys"
	"graphrag/internal/storage"
	"graphrag/internal/tokenizer"
)

// CommunityBuilder regenerates community reports after an ingest batch.
type CommunityBuilder interface {
	GenerateReports(ctx context.Context) error
}

// Pipeline is the sequential-document ingest driver.
type Pipeline struct {
	cfg       config.Config
	stores    *storage.Stores
	tok       tokenizer.Tokenizer
	extractor *extract.Extractor
	merger    *Merger
	sync      *VectorSync
	community CommunityBuilder
}

// NewPipeline wires the ingest stages.
func NewPipeline(cfg config.Config, stores *storage.Stores, tok tokenizer.Tokenizer,
	extractor *extract.Extractor, merger *Merger, vsync *VectorSync, community CommunityBuilder) *Pipeline {
	return &Pipeline{
		cfg:       cfg,
		stores:    stores,
		tok:       tok,
		extractor: extractor,
		merger:    merger,
		sync:      vsync,
		community: community,
	}
}

// Report summarizes one ingest call. Per-document failures do not abort the
// batch; they are collected here.
type Report struct {
	DocsSeen  int
	DocsNew   int
	DocsOK    int
	ChunksNew int
	Failures  map[string]string
}

// Ingest runs the full pipeline over raw document contents. Documents are
// processed strictly sequentially; parallelism lives inside a document
// (chunk extraction) and inside batched writes.
func (p *Pipeline) Ingest(ctx context.Context, docs []string) (*Report, error) {
	report := &Report{Failures: make(map[string]string)}

	// Assign ids and dedup raw documents.
	newDocs := make(map[string]string)
	for _, content := range docs {
		content = strings.TrimSpace(content)
		if content == "" {
			continue
		}
		report.DocsSeen++
		newDocs[keys.DocID(content)] = content
	}
	docIDs := make([]string, 0, len(newDocs))
	for id := range newDocs {
		docIDs = append(docIDs, id)
	}
	missingDocs, err := p.stores.FullDocs.FilterKeys(ctx, docIDs)
	if err != nil {
		return nil, fmt.Errorf("filter documents: %w", err)
	}
	if len(missingDocs) == 0 {
		log.Info().Msg("all documents already ingested, nothing to do")
		return report, nil
	}
	docUpserts := make(map[string]map[string]any, len(missingDocs))
	fresh := make(map[string]string, len(missingDocs))
	for _, id := range missingDocs {
		docUpserts[id] = map[string]any{"content": newDocs[id]}
		fresh[id] = newDocs[id]
	}
	if err := p.stores.FullDocs.Upsert(ctx, docUpserts); err != nil {
		return nil, fmt.Errorf("store documents: %w", err)
	}
	report.DocsNew = len(fresh)

	// Chunk and dedup chunks.
	chunks := chunker.GetChunks(fresh, p.tok, chunker.Options{
		Strategy: p.cfg.Chunking.Strategy,
		Size:     p.cfg.Chunking.Size,
		Overlap:  p.cfg.Chunking.Overlap,
	})
	chunkIDs := make([]string, 0, len(chunks))
	for id := range chunks {
		chunkIDs = append(chunkIDs, id)
	}
	missingChunks, err := p.stores.TextChunks.FilterKeys(ctx, chunkIDs)
	if err != nil {
		return nil, fmt.Errorf("filter chunks: %w", err)
	}
	chunkUpserts := make(map[string]map[string]any, len(missingChunks))
	for _, id := range missingChunks {
		c := chunks[id]
		chunkUpserts[id] = map[string]any{
			"content":           c.Content,
			"tokens":            c.Tokens,
			"chunk_order_index": c.ChunkOrderIndex,
			"full_doc_id":       c.FullDocID,
		}
	}
	if err := p.stores.TextChunks.Upsert(ctx, chunkUpserts); err != nil {
		return nil, fmt.Errorf("store chunks: %w", err)
	}
	report.ChunksNew = len(missingChunks)

	// Naive-mode chunk vectors.
	if p.stores.Chunks != nil && len(missingChunks) > 0 {
		vdata := make(map[string]map[string]any, len(missingChunks))
		for _, id := range missingChunks {
			vdata[id] = map[string]any{"content": chunks[id].Content, "full_doc_id": chunks[id].FullDocID}
		}
		if err := p.stores.Chunks.Upsert(ctx, vdata); err != nil {
			return nil, fmt.Errorf("chunk vector upsert: %w", err)
		}
	}

	// One document at a time. This serialization is what keeps concurrent
	// documents from deadlocking each other on shared entities.
	orderedDocs := make([]string, 0, len(fresh))
	for id := range fresh {
		orderedDocs = append(orderedDocs, id)
	}
	sort.Strings(orderedDocs)
	for _, docID := range orderedDocs {
		if err := p.processDocument(ctx, docID, chunks); err != nil {
			log.Error().Err(err).Str("doc", docID).Msg("document failed, continuing with remaining documents")
			report.Failures[docID] = err.Error()
			continue
		}
		report.DocsOK++
	}

	// Community pass runs over the whole graph once all documents landed.
	if report.DocsOK > 0 {
		if err := p.community.GenerateReports(ctx); err != nil {
			return report, fmt.Errorf("community reports: %w", err)
		}
		if err := p.sync.CommunityPayloadUpdate(ctx); err != nil {
			return report, fmt.Errorf("community payload update: %w", err)
		}
	}

	if err := p.stores.IndexDoneCallback(ctx); err != nil {
		return report, fmt.Errorf("flush stores: %w", err)
	}
	log.Info().Int("docs_new", report.DocsNew).Int("docs_ok", report.DocsOK).
		Int("chunks_new", report.ChunksNew).Int("failed", len(report.Failures)).
		Msg("ingest finished")
	return report, nil
}

// processDocument extracts all chunks of one document (concurrently, bounded
// by the LLM gateway), merges them into one batch, commits the batch and
// synchronizes vectors.
func (p *Pipeline) processDocument(ctx context.Context, docID string, allChunks map[string]chunker.TextChunk) error {
	type docChunk struct {
		id string
		c  chunker.TextChunk
	}
	var docChunks []docChunk
	for id, c := range allChunks {
		if c.FullDocID == docID {
			docChunks = append(docChunks, docChunk{id: id, c: c})
		}
	}
	sort.Slice(docChunks, func(i, j int) bool { return docChunks[i].c.ChunkOrderIndex < docChunks[j].c.ChunkOrderIndex })
	if len(docChunks) == 0 {
		log.Warn().Str("doc", docID).Msg("document produced no chunks, skipping")
		return nil
	}

	results := make([]*extract.Result, len(docChunks))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	limit := p.cfg.LLM.MaxConcurrent
	if limit <= 0 {
		limit = 8
	}
	g.SetLimit(limit)
	for i, dc := range docChunks {
		i, dc := i, dc
		g.Go(func() error {
			res, err := p.extractor.ExtractChunk(gctx, dc.id, dc.c.Content)
			if err != nil {
				return fmt.Errorf("extract chunk %s: %w", dc.id, err)
			}
			mu.Lock()
			results[i] = res
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	merged, err := p.merger.MergeResults(ctx, results)
	if err != nil {
		return fmt.Errorf("merge results: %w", err)
	}
	if len(merged.Batch.Nodes) == 0 {
		log.Warn().Str("doc", docID).Msg("extraction yielded no entities, skipping graph write")
		return nil
	}
	if err := p.stores.Graph.ExecuteDocumentBatch(ctx, merged.Batch); err != nil {
		return fmt.Errorf("graph batch: %w", err)
	}
	if err := p.sync.UpsertEntities(ctx, merged.EntityNodes); err != nil {
		return err
	}
	log.Info().Str("doc", docID).Int("chunks", len(docChunks)).
		Int("nodes", len(merged.Batch.Nodes)).Int("edges", len(merged.Batch.Edges)).
		Msg("document committed")
	return nil
}

// DeleteDocument removes a document, its chunks and its chunk vectors. Graph
// nodes stay: entities may span documents.
func (p *Pipeline) DeleteDocument(ctx context.Context, docID string) error {
	chunkKeys, err := p.stores.TextChunks.AllKeys(ctx)
	if err != nil {
		return fmt.Errorf("list chunks: %w", err)
	}
	values, err := p.stores.TextChunks.GetByIDs(ctx, chunkKeys, []string{"full_doc_id"})
	if err != nil {
		return fmt.Errorf("read chunks: %w", err)
	}
	var doomed []string
	for i, v := range values {
		if v == nil {
			continue
		}
		if owner, _ := v["full_doc_id"].(string); owner == docID {
			doomed = append(doomed, chunkKeys[i])
		}
	}
	for _, id := range doomed {
		if err := p.stores.TextChunks.DeleteByID(ctx, id); err != nil {
			return fmt.Errorf("delete chunk %s: %w", id, err)
		}
	}
	if p.stores.Chunks != nil && len(doomed) > 0 {
		if err := p.stores.Chunks.Delete(ctx, doomed); err != nil {
			return fmt.Errorf("delete chunk vectors: %w", err)
		}
	}
	if err := p.stores.FullDocs.DeleteByID(ctx, docID); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	log.Info().Str("doc", docID).Int("chunks", len(doomed)).Msg("document deleted")
	return p.stores.IndexDoneCallback(ctx)
}

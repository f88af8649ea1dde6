// Package extract turns text chunks into entity and relationship fragments
// via NDJSON-formatted LLM extraction with gleaning and continuation.
package extract

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"graphrag/internal/config"
	"graphrag/internal/llm"
	"graphrag/internal/prompts"
)

// NodeFragment is one extracted mention of an entity within a chunk.
type NodeFragment struct {
	Name        string
	EntityType  string
	Description string
	SourceID    string
}

// EdgeFragment is one extracted relationship.
type EdgeFragment struct {
	Source       string
	Target       string
	Description  string
	Weight       float64
	SourceID     string
	RelationType string
}

// Result collects one chunk's fragments. Duplicate mentions of an entity are
// kept; merging happens in the batch merger.
type Result struct {
	Nodes map[string][]NodeFragment
	Edges []EdgeFragment
}

// Extractor drives the extraction protocol against the LLM gateway.
type Extractor struct {
	gw      *llm.Gateway
	cfg     config.ExtractionConfig
	typeSet map[string]bool
}

// New builds an extractor from the configured entity types and limits.
func New(gw *llm.Gateway, cfg config.ExtractionConfig) *Extractor {
	typeSet := make(map[string]bool, len(cfg.EntityTypes))
	for _, t := range cfg.EntityTypes {
		typeSet[strings.ToUpper(t)] = true
	}
	return &Extractor{gw: gw, cfg: cfg, typeSet: typeSet}
}

// ExtractChunk runs the full protocol for one chunk: initial extraction,
// gleaning follow-ups, then continuation prompts if the output looks
// truncated. Parse failures never abort; a chunk that yields nothing returns
// an empty result.
func (e *Extractor) ExtractChunk(ctx context.Context, chunkID, content string) (*Result, error) {
	prompt := strings.NewReplacer(
		"{entity_types}", strings.Join(e.cfg.EntityTypes, ", "),
		"{input_text}", content,
		"{completion_delimiter}", prompts.CompletionDelimiter,
	).Replace(prompts.EntityExtraction)

	history := []llm.Message{}
	first, err := e.gw.Complete(ctx, llm.CompletionRequest{Prompt: prompt})
	if err != nil {
		return nil, err
	}
	history = append(history,
		llm.Message{Role: "user", Content: prompt},
		llm.Message{Role: "assistant", Content: first})

	records := ParseNDJSON(first, prompts.CompletionDelimiter)
	last := first

	// Gleaning: ask for records the first pass missed.
	gleanPrompt := strings.ReplaceAll(prompts.EntityGleaning, "{completion_delimiter}", prompts.CompletionDelimiter)
	for i := 0; i < e.cfg.MaxGleaning; i++ {
		resp, err := e.gw.Complete(ctx, llm.CompletionRequest{Prompt: gleanPrompt, History: history})
		if err != nil {
			log.Warn().Err(err).Str("chunk", chunkID).Msg("gleaning pass failed, keeping partial extraction")
			break
		}
		history = append(history,
			llm.Message{Role: "user", Content: gleanPrompt},
			llm.Message{Role: "assistant", Content: resp})
		records = append(records, ParseNDJSON(resp, prompts.CompletionDelimiter)...)
		last = resp

		if i+1 < e.cfg.MaxGleaning {
			verdict, err := e.gw.Complete(ctx, llm.CompletionRequest{Prompt: prompts.EntityGleaningJudge, History: history})
			if err != nil || !strings.Contains(strings.ToLower(verdict), "yes") {
				break
			}
		}
	}

	// Continuation: distinct from gleaning, recovers output lost to
	// truncation on smaller models.
	contPrompt := strings.ReplaceAll(prompts.EntityContinuation, "{completion_delimiter}", prompts.CompletionDelimiter)
	for i := 0; i < e.cfg.MaxContinuationAttempts && looksTruncated(last); i++ {
		resp, err := e.gw.Complete(ctx, llm.CompletionRequest{Prompt: contPrompt, History: history})
		if err != nil {
			log.Warn().Err(err).Str("chunk", chunkID).Msg("continuation pass failed, keeping partial extraction")
			break
		}
		history = append(history,
			llm.Message{Role: "user", Content: contPrompt},
			llm.Message{Role: "assistant", Content: resp})
		records = append(records, ParseNDJSON(resp, prompts.CompletionDelimiter)...)
		last = resp
	}

	return e.assemble(chunkID, records), nil
}

// looksTruncated applies the truncation heuristics: no completion delimiter,
// a trailing ellipsis, or a dangling JSON object on the last line.
func looksTruncated(response string) bool {
	if !strings.Contains(response, prompts.CompletionDelimiter) {
		return true
	}
	trimmed := strings.TrimSpace(response)
	if strings.HasSuffix(trimmed, "…") || strings.HasSuffix(trimmed, "...") {
		return true
	}
	lines := strings.Split(trimmed, "\n")
	lastLine := strings.TrimSpace(lines[len(lines)-1])
	if strings.HasPrefix(lastLine, "{") && !strings.HasSuffix(lastLine, "}") &&
		!strings.Contains(lastLine, prompts.CompletionDelimiter) {
		return true
	}
	return false
}

// assemble sanitizes raw records into fragments, dropping records with
// missing mandatory fields and clamping oversized extractions.
func (e *Extractor) assemble(chunkID string, records []Record) *Result {
	res := &Result{Nodes: make(map[string][]NodeFragment)}
	entities, relations := 0, 0
	for _, rec := range records {
		switch strings.ToLower(rec.Type) {
		case "entity":
			name := NormalizeEntityName(SanitizeStr(rec.Name))
			if name == "" {
				continue
			}
			if entities >= e.cfg.MaxEntitiesPerChunk && e.cfg.MaxEntitiesPerChunk > 0 {
				log.Warn().Str("chunk", chunkID).Int("limit", e.cfg.MaxEntitiesPerChunk).
					Msg("entity limit reached, truncating extraction")
				continue
			}
			entities++
			etype := strings.ToUpper(SanitizeStr(rec.EntityType))
			if !e.typeSet[etype] {
				etype = "UNKNOWN"
			}
			res.Nodes[name] = append(res.Nodes[name], NodeFragment{
				Name:        name,
				EntityType:  etype,
				Description: SanitizeStr(rec.Description),
				SourceID:    chunkID,
			})
		case "relationship":
			src := NormalizeEntityName(SanitizeStr(rec.Source))
			tgt := NormalizeEntityName(SanitizeStr(rec.Target))
			if src == "" || tgt == "" {
				continue
			}
			if relations >= e.cfg.MaxRelationsPerChunk && e.cfg.MaxRelationsPerChunk > 0 {
				log.Warn().Str("chunk", chunkID).Int("limit", e.cfg.MaxRelationsPerChunk).
					Msg("relationship limit reached, truncating extraction")
				continue
			}
			relations++
			desc := SanitizeStr(rec.Description)
			res.Edges = append(res.Edges, EdgeFragment{
				Source:       src,
				Target:       tgt,
				Description:  desc,
				Weight:       SafeFloat(rec.Strength),
				SourceID:     chunkID,
				RelationType: DeriveRelationType(desc, e.cfg.RelationPatterns),
			})
		}
	}
	return res
}

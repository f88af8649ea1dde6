// Package chunker splits documents into token-bounded, overlapping chunks.
package chunker

import (
	"sort"
	"strings"

	"graphrag/internal/keys"
	"graphrag/internal/tokenizer"
)

// TextChunk is one chunk of a source document.
type TextChunk struct {
	Content         string `json:"content"`
	Tokens          int    `json:"tokens"`
	ChunkOrderIndex int    `json:"chunk_order_index"`
	FullDocID       string `json:"full_doc_id"`
}

// Options selects the strategy and window.
type Options struct {
	Strategy string // "token" or "separator"
	Size     int    // token window
	Overlap  int    // tokens of overlap between consecutive chunks
}

// Separators tried in priority order by the separator strategy.
var Separators = []string{"\n\n", "\n", ". ", " "}

// GetChunks splits every document and returns chunks keyed by chunk id.
// Chunk order within a document is strictly increasing from 0 with no gaps;
// a piece whose content repeats an earlier piece of the same document shares
// its chunk id and is kept once.
func GetChunks(docs map[string]string, tok tokenizer.Tokenizer, opt Options) map[string]TextChunk {
	size := opt.Size
	if size <= 0 {
		size = 1200
	}
	overlap := opt.Overlap
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= size {
		overlap = size - 1
	}

	out := make(map[string]TextChunk)
	// Deterministic doc order keeps chunk_order_index stable across runs.
	docIDs := make([]string, 0, len(docs))
	for id := range docs {
		docIDs = append(docIDs, id)
	}
	sort.Strings(docIDs)

	for _, docID := range docIDs {
		content := docs[docID]
		var pieces []string
		switch strings.ToLower(opt.Strategy) {
		case "separator":
			pieces = separatorChunks(content, tok, size, overlap)
		default:
			pieces = tokenChunks(content, tok, size, overlap)
		}
		order := 0
		for _, p := range pieces {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			id := keys.ChunkID(docID, p)
			if _, dup := out[id]; dup {
				continue
			}
			out[id] = TextChunk{
				Content:         p,
				Tokens:          tok.Count(p),
				ChunkOrderIndex: order,
				FullDocID:       docID,
			}
			order++
		}
	}
	return out
}

// tokenChunks is the fixed token window strategy: encode once, slice the id
// stream with overlap, decode each window.
func tokenChunks(content string, tok tokenizer.Tokenizer, size, overlap int) []string {
	ids := tok.Encode(content)
	if len(ids) == 0 {
		return nil
	}
	step := size - overlap
	var out []string
	for start := 0; start < len(ids); start += step {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, tok.Decode(ids[start:end]))
		if end == len(ids) {
			break
		}
	}
	return out
}

// separatorChunks splits on the highest-priority separator that produces
// pieces within the window, recursing on oversized pieces, then greedily
// packs adjacent pieces back together up to the window.
func separatorChunks(content string, tok tokenizer.Tokenizer, size, overlap int) []string {
	pieces := splitRecursive(content, tok, size, 0)
	// Greedy repack so we don't emit a flood of tiny chunks.
	var out []string
	var cur strings.Builder
	curTokens := 0
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
			curTokens = 0
		}
	}
	for _, p := range pieces {
		n := tok.Count(p)
		if curTokens+n > size && curTokens > 0 {
			flush()
		}
		if n > size {
			// Still oversized after all separators; enforce the token window.
			flush()
			out = append(out, tokenChunks(p, tok, size, overlap)...)
			continue
		}
		cur.WriteString(p)
		curTokens += n
	}
	flush()
	return out
}

func splitRecursive(content string, tok tokenizer.Tokenizer, size, sepIdx int) []string {
	if tok.Count(content) <= size || sepIdx >= len(Separators) {
		return []string{content}
	}
	sep := Separators[sepIdx]
	parts := strings.SplitAfter(content, sep)
	if len(parts) == 1 {
		return splitRecursive(content, tok, size, sepIdx+1)
	}
	var out []string
	for _, p := range parts {
		if p == "" {
			continue
		}
		if tok.Count(p) > size {
			out = append(out, splitRecursive(p, tok, size, sepIdx+1)...)
		} else {
			out = append(out, p)
		}
	}
	return out
}

package storage

import "regexp"

// BatchNode is one merged node destined for the graph.
type BatchNode struct {
	ID   string
	Data NodeData
}

// BatchEdge is one merged edge destined for the graph.
type BatchEdge struct {
	Source string
	Target string
	Data   EdgeData
}

// DocumentBatch accumulates one document's merged nodes and edges so the
// whole document commits as a small number of write transactions.
type DocumentBatch struct {
	Nodes []BatchNode
	Edges []BatchEdge
}

// Len returns the total operation count.
func (b *DocumentBatch) Len() int { return len(b.Nodes) + len(b.Edges) }

// SplitIntoChunks partitions the batch so no chunk carries more than max
// nodes nor more than max edges. Nodes always precede edges across the chunk
// sequence, so edge endpoints exist by the time edges are written.
func (b *DocumentBatch) SplitIntoChunks(max int) []*DocumentBatch {
	if max <= 0 {
		max = 1000
	}
	if len(b.Nodes) <= max && len(b.Edges) <= max {
		return []*DocumentBatch{b}
	}
	var out []*DocumentBatch
	for i := 0; i < len(b.Nodes); i += max {
		end := i + max
		if end > len(b.Nodes) {
			end = len(b.Nodes)
		}
		out = append(out, &DocumentBatch{Nodes: b.Nodes[i:end]})
	}
	for i := 0; i < len(b.Edges); i += max {
		end := i + max
		if end > len(b.Edges) {
			end = len(b.Edges)
		}
		out = append(out, &DocumentBatch{Edges: b.Edges[i:end]})
	}
	if len(out) == 0 {
		out = append(out, &DocumentBatch{})
	}
	return out
}

var labelSanitizer = regexp.MustCompile(`[^A-Za-z0-9_]+`)

// SanitizeLabel reduces a value to [A-Za-z0-9_]+ so it is safe to splice into
// a graph DSL label position.
func SanitizeLabel(s string) string {
	out := labelSanitizer.ReplaceAllString(s, "_")
	if out == "" || out == "_" {
		return "UNKNOWN"
	}
	return out
}

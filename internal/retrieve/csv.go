// Package retrieve builds the three query modes' contexts and runs them
// through the LLM gateway.
package retrieve

import (
	"encoding/csv"
	"strings"

	"graphrag/internal/tokenizer"
)

// RenderCSV renders a header and rows into CSV for prompt context tables.
func RenderCSV(headers []string, rows [][]string) string {
	var sb strings.Builder
	w := csv.NewWriter(&sb)
	_ = w.Write(headers)
	for _, row := range rows {
		_ = w.Write(row)
	}
	w.Flush()
	return sb.String()
}

// TruncateRows drops rows from the tail (callers pass rows ordered highest
// rank first) until the rendered CSV fits the token budget. The header always
// survives, and kept rows keep every column.
func TruncateRows(headers []string, rows [][]string, tok tokenizer.Tokenizer, budget int) [][]string {
	if budget <= 0 {
		return rows
	}
	for len(rows) > 0 {
		if tok.Count(RenderCSV(headers, rows)) <= budget {
			return rows
		}
		rows = rows[:len(rows)-1]
	}
	return rows
}

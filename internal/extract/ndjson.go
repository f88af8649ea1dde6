package extract

import (
	"encoding/json"
	"strings"

	"github.com/rs/zerolog/log"
)

// Record is one NDJSON line of extraction output.
type Record struct {
	Type        string `json:"type"`
	Name        any    `json:"name"`
	EntityType  any    `json:"entity_type"`
	Description any    `json:"description"`
	Source      any    `json:"source"`
	Target      any    `json:"target"`
	Strength    any    `json:"strength"`
}

// ParseNDJSON yields the well-formed records that appear before the
// completion delimiter. Malformed lines are skipped; a record sharing its
// line with the delimiter is still parsed.
func ParseNDJSON(text, delimiter string) []Record {
	var out []Record
	for _, line := range strings.Split(text, "\n") {
		stop := false
		if delimiter != "" && strings.Contains(line, delimiter) {
			line = line[:strings.Index(line, delimiter)]
			stop = true
		}
		line = strings.TrimSpace(line)
		// tolerate fenced output from chatty models
		line = strings.TrimPrefix(line, "```json")
		line = strings.TrimPrefix(line, "```")
		line = strings.TrimSuffix(line, "```")
		if line != "" && strings.HasPrefix(line, "{") {
			var rec Record
			if err := json.Unmarshal([]byte(line), &rec); err != nil {
				log.Debug().Str("line", truncateForLog(line)).Msg("skipping malformed ndjson line")
			} else if rec.Type != "" {
				out = append(out, rec)
			}
		}
		if stop {
			break
		}
	}
	return out
}

func truncateForLog(s string) string {
	if len(s) > 120 {
		return s[:120] + "..."
	}
	return s
}

package extract

import (
	"strings"

	"graphrag/internal/config"
)

// DefaultRelationType is used when no pattern matches.
const DefaultRelationType = "RELATED"

// DeriveRelationType scans the relationship description against the
// configured patterns in declaration order; the first case-insensitive
// substring match wins. Applied before merging so the merged edge keeps the
// extracted type.
func DeriveRelationType(description string, patterns []config.RelationPattern) string {
	desc := strings.ToLower(description)
	for _, p := range patterns {
		if p.Contains == "" {
			continue
		}
		if strings.Contains(desc, strings.ToLower(p.Contains)) {
			return strings.ToUpper(strings.TrimSpace(p.Type))
		}
	}
	return DefaultRelationType
}

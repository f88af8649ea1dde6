package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"graphrag/internal/config"
	"graphrag/internal/prompts"
)

func TestSafeFloat(t *testing.T) {
	assert.Equal(t, 1.0, SafeFloat(nil))
	assert.Equal(t, 1.0, SafeFloat("abc"))
	assert.Equal(t, 3.5, SafeFloat("3.5"))
	assert.Equal(t, 8.0, SafeFloat(float64(8)))
	assert.Equal(t, 2.0, SafeFloat(2))
}

func TestSanitizeStr(t *testing.T) {
	assert.Equal(t, "", SanitizeStr(nil))
	assert.Equal(t, "hello", SanitizeStr("\x00hello"))
	assert.Equal(t, "a & b", SanitizeStr("a &amp; b"))
	assert.Equal(t, "x", SanitizeStr("  x  "))
	assert.Equal(t, "", SanitizeStr(42))
}

func TestNormalizeEntityName(t *testing.T) {
	assert.Equal(t, "EXECUTIVE ORDER 14196", NormalizeEntityName(` "Executive Order 14196" `))
	assert.Equal(t, "EO 13800", NormalizeEntityName("'eo 13800'"))
}

func TestParseNDJSONSkipsMalformedAndStopsAtDelimiter(t *testing.T) {
	text := `{"type": "entity", "name": "A", "entity_type": "PERSON", "description": "first"}
this line is not json
{"type": "entity", "name": "B", "entity_type": "PERSON"
{"type": "relationship", "source": "A", "target": "B", "description": "knows", "strength": 5}
` + prompts.CompletionDelimiter + `
{"type": "entity", "name": "AFTER", "entity_type": "PERSON", "description": "must not appear"}…`
	records := ParseNDJSON(text, prompts.CompletionDelimiter)
	assert.Len(t, records, 2)
	assert.Equal(t, "entity", records[0].Type)
	assert.Equal(t, "A", records[0].Name)
	assert.Equal(t, "relationship", records[1].Type)
}

func TestParseNDJSONRecordSharingDelimiterLine(t *testing.T) {
	text := `{"type": "entity", "name": "A", "entity_type": "LAW", "description": "d"}` + prompts.CompletionDelimiter
	records := ParseNDJSON(text, prompts.CompletionDelimiter)
	assert.Len(t, records, 1)
}

func TestDeriveRelationTypeFirstMatchWins(t *testing.T) {
	patterns := []config.RelationPattern{
		{Contains: "supersedes in part", Type: "PARTIALLY_SUPERSEDES"},
		{Contains: "supersedes", Type: "SUPERSEDES"},
		{Contains: "parent of", Type: "PARENT_OF"},
	}
	assert.Equal(t, "PARTIALLY_SUPERSEDES", DeriveRelationType("It supersedes in part the older order", patterns))
	assert.Equal(t, "SUPERSEDES", DeriveRelationType("EO 14196 Supersedes EO 13800", patterns))
	assert.Equal(t, "RELATED", DeriveRelationType("mentions the same topic", patterns))
	assert.Equal(t, "RELATED", DeriveRelationType("anything", nil))
}

func TestLooksTruncated(t *testing.T) {
	complete := `{"type": "entity", "name": "A", "entity_type": "X", "description": "d"}
` + prompts.CompletionDelimiter
	assert.False(t, looksTruncated(complete))
	assert.True(t, looksTruncated(`{"type": "entity", "name": "A"}`))
	assert.True(t, looksTruncated(complete+"\n..."))
	assert.True(t, looksTruncated(`{"type": "entity", "na`))
}

func TestAssembleDropsEmptyNamesAndMapsUnknownTypes(t *testing.T) {
	e := New(nil, config.Default().Extraction)
	res := e.assemble("chunk-1", []Record{
		{Type: "entity", Name: nil, EntityType: "PERSON", Description: "dropped"},
		{Type: "entity", Name: "Alice", EntityType: "WIZARD", Description: "unknown type"},
		{Type: "relationship", Source: "Alice", Target: nil, Description: "dropped"},
		{Type: "relationship", Source: "Alice", Target: "Bob", Description: "knows", Strength: "7"},
	})
	assert.Len(t, res.Nodes, 1)
	assert.Equal(t, "UNKNOWN", res.Nodes["ALICE"][0].EntityType)
	assert.Len(t, res.Edges, 1)
	assert.Equal(t, "ALICE", res.Edges[0].Source)
	assert.Equal(t, "BOB", res.Edges[0].Target)
	assert.Equal(t, 7.0, res.Edges[0].Weight)
	assert.Equal(t, "chunk-1", res.Edges[0].SourceID)
}

func TestAssembleClampsOversizedExtractions(t *testing.T) {
	cfg := config.Default().Extraction
	cfg.MaxEntitiesPerChunk = 2
	e := New(nil, cfg)
	var recs []Record
	for _, n := range []string{"A", "B", "C", "D"} {
		recs = append(recs, Record{Type: "entity", Name: n, EntityType: "PERSON", Description: "d"})
	}
	res := e.assemble("chunk-1", recs)
	assert.Len(t, res.Nodes, 2)
}

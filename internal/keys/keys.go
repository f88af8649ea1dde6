// Package keys defines the id schemes shared by the storage tiers. Graph
// node ids (entity names) and vector record ids are distinct key spaces;
// the conversion helpers here are the only place they meet.
package keys

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
)

const (
	DocPrefix    = "doc-"
	ChunkPrefix  = "chunk-"
	EntityPrefix = "ent-"
)

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// DocID derives the stable document id from raw content.
func DocID(content string) string {
	return DocPrefix + md5hex(strings.TrimSpace(content))
}

// ChunkID derives the doc-scoped chunk id. Identical chunk content in two
// different documents yields two different ids.
func ChunkID(docID, content string) string {
	return ChunkPrefix + md5hex(docID+"::"+content)
}

// EntityVectorID maps a graph node id (normalized entity name) to its vector
// record id. The reverse mapping does not exist on purpose: vector payloads
// carry the entity name.
func EntityVectorID(entityName string) string {
	return EntityPrefix + md5hex(entityName)
}

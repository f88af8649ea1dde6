// Package storage defines the graph, vector and KV contracts plus the
// concrete backends resolved by Open.
package storage

import (
	"context"
	"errors"
)

// FieldSeparator joins list-like string fields stored as single strings
// (descriptions, source chunk ids).
const FieldSeparator = "<SEP>"

// Namespaces for the logical KV spaces hosted on one physical store.
const (
	NSFullDocs         = "full_docs"
	NSTextChunks       = "text_chunks"
	NSCommunityReports = "community_reports"
	NSLLMCache         = "llm_response_cache"
)

// ErrTransient marks a retryable backend failure (deadlock, 5xx, timeout).
// Wrap with fmt.Errorf("...: %w", ErrTransient) or use Transient().
var ErrTransient = errors.New("transient storage error")

// Transient wraps err so errors.Is(err, ErrTransient) holds.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientErr{err: err}
}

type transientErr struct{ err error }

func (t *transientErr) Error() string { return t.err.Error() }
func (t *transientErr) Unwrap() error { return t.err }
func (t *transientErr) Is(target error) bool {
	return target == ErrTransient
}

// NodeData is the property set of an entity node.
type NodeData struct {
	EntityType           string  `json:"entity_type"`
	Description          string  `json:"description"`
	SourceID             string  `json:"source_id"`
	HasVector            bool    `json:"has_vector"`
	CommunityDescription string  `json:"community_description,omitempty"`
}

// EdgeData is the property set of a relationship edge.
type EdgeData struct {
	Description  string  `json:"description"`
	Weight       float64 `json:"weight"`
	SourceID     string  `json:"source_id"`
	RelationType string  `json:"relation_type"`
	Order        int     `json:"order"`
}

// Edge is a directed edge with endpoints; direction is as extracted and is
// never re-sorted.
type Edge struct {
	Source string
	Target string
	Data   EdgeData
}

// SingleCommunity describes one cluster in the community schema.
type SingleCommunity struct {
	Level          int         `json:"level"`
	Title          string      `json:"title"`
	Nodes          []string    `json:"nodes"`
	Edges          [][2]string `json:"edges"`
	ChunkIDs       []string    `json:"chunk_ids"`
	Occurrence     float64     `json:"occurrence"`
	SubCommunities []string    `json:"sub_communities"`
}

// CommunitySchema maps cluster id to its description.
type CommunitySchema map[string]SingleCommunity

// GraphStorage is the graph tier contract.
type GraphStorage interface {
	Namespace() string

	HasNode(ctx context.Context, id string) (bool, error)
	HasEdge(ctx context.Context, src, tgt string) (bool, error)
	GetNode(ctx context.Context, id string) (*NodeData, error)
	GetEdge(ctx context.Context, src, tgt string) (*EdgeData, error)
	NodeDegree(ctx context.Context, id string) (int, error)
	EdgeDegree(ctx context.Context, src, tgt string) (int, error)
	UpsertNode(ctx context.Context, id string, data NodeData) error
	UpsertEdge(ctx context.Context, src, tgt string, data EdgeData) error

	// Batch variants. Results are returned in input order; a missing node or
	// edge yields a nil element. Empty input yields an empty result.
	GetNodesBatch(ctx context.Context, ids []string) ([]*NodeData, error)
	NodeDegreesBatch(ctx context.Context, ids []string) ([]int, error)
	GetEdgesBatch(ctx context.Context, pairs [][2]string) ([]*EdgeData, error)
	GetNodesEdgesBatch(ctx context.Context, ids []string) ([][]Edge, error)

	// ExecuteDocumentBatch commits one pre-merged document batch. The store
	// applies set-replace semantics; merging already happened in memory.
	ExecuteDocumentBatch(ctx context.Context, batch *DocumentBatch) error
	// BatchUpdateNodeField sets one field on many nodes (ids are entity names).
	BatchUpdateNodeField(ctx context.Context, ids []string, field string, value any) error

	Clustering(ctx context.Context, algorithm string) (CommunitySchema, error)
	CommunitySchema(ctx context.Context) (CommunitySchema, error)

	// ExportAll returns the full graph as a batch, for backups.
	ExportAll(ctx context.Context) (*DocumentBatch, error)

	IndexDoneCallback(ctx context.Context) error
}

// SparseVector is a SPLADE-style sparse embedding.
type SparseVector struct {
	Indices []uint32  `json:"indices"`
	Values  []float32 `json:"values"`
}

// Embedder produces dense embeddings. Implemented by the LLM gateway.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// SparseEmbedder produces sparse embeddings for hybrid retrieval.
type SparseEmbedder interface {
	SparseEmbed(ctx context.Context, texts []string) ([]SparseVector, error)
}

// VectorRecord is a query hit.
type VectorRecord struct {
	ID       string
	Distance float64
	Payload  map[string]any
}

// Protected payload fields that UpdatePayload silently drops.
var protectedPayloadFields = map[string]bool{"content": true, "embedding": true}

// VectorStorage is the vector tier contract. Upsert computes embeddings from
// each record's "content" field; UpdatePayload never re-embeds.
type VectorStorage interface {
	Namespace() string
	Upsert(ctx context.Context, data map[string]map[string]any) error
	UpdatePayload(ctx context.Context, updates map[string]map[string]any) error
	Query(ctx context.Context, text string, topK int) ([]VectorRecord, error)
	Delete(ctx context.Context, ids []string) error
	// Has reports whether a record exists; used by the consistency checks.
	Has(ctx context.Context, id string) (bool, error)
	// ExportRecords / ImportRecords round-trip raw rows for backups, without
	// re-embedding.
	ExportRecords(ctx context.Context) ([]StoredVector, error)
	ImportRecords(ctx context.Context, recs []StoredVector) error
	IndexDoneCallback(ctx context.Context) error
}

// StoredVector is the backup wire form of one vector record.
type StoredVector struct {
	ID      string         `json:"id"`
	Dense   []float32      `json:"dense"`
	Sparse  *SparseVector  `json:"sparse,omitempty"`
	Payload map[string]any `json:"payload"`
}

// KVStorage is the KV tier contract.
type KVStorage interface {
	Namespace() string
	GetByID(ctx context.Context, id string) (map[string]any, error)
	// GetByIDs returns values in input order; missing ids yield nil. When
	// fields is non-empty, values are projected to those fields.
	GetByIDs(ctx context.Context, ids []string, fields []string) ([]map[string]any, error)
	AllKeys(ctx context.Context) ([]string, error)
	// FilterKeys returns the subset of keys NOT present in the store.
	FilterKeys(ctx context.Context, ks []string) ([]string, error)
	Upsert(ctx context.Context, data map[string]map[string]any) error
	DeleteByID(ctx context.Context, id string) error
	Drop(ctx context.Context) error
	IndexDoneCallback(ctx context.Context) error
}

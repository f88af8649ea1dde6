package storage

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"github.com/rs/zerolog/log"

	"graphrag/internal/config"
)

// Qdrant only allows UUIDs and positive integers as point IDs, so record ids
// map to deterministic UUIDs with the original id kept in the payload.
const payloadIDField = "_original_id"

const (
	denseVectorName  = "dense"
	sparseVectorName = "sparse"
)

type qdrantVector struct {
	client     *qdrant.Client
	collection string
	namespace  string
	embedder   Embedder
	sparse     SparseEmbedder
	hybrid     config.HybridSearchConfig
}

// NewQdrantVector connects to Qdrant over gRPC (port 6334 by default) and
// ensures the collection exists with named dense (+ optional sparse) vectors.
func NewQdrantVector(ctx context.Context, cfg config.StorageConfig, namespace string, embedder Embedder, sparse SparseEmbedder) (VectorStorage, error) {
	parsedURL, err := url.Parse(cfg.QdrantURL)
	if err != nil {
		return nil, fmt.Errorf("parse qdrant DSN: %w", err)
	}
	host := parsedURL.Hostname()
	if host == "" {
		host = "localhost"
	}
	port := parsedURL.Port()
	if port == "" {
		port = "6334"
	}
	portNum, err := strconv.Atoi(port)
	if err != nil {
		return nil, fmt.Errorf("invalid port in qdrant DSN: %w", err)
	}
	qcfg := &qdrant.Config{Host: host, Port: portNum}
	if parsedURL.Scheme == "https" {
		qcfg.UseTLS = true
	}
	if apiKey := parsedURL.Query().Get("api_key"); apiKey != "" {
		qcfg.APIKey = apiKey
	}
	client, err := qdrant.NewClient(qcfg)
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}
	qv := &qdrantVector{
		client:     client,
		collection: cfg.QdrantCollection + "_" + namespace,
		namespace:  namespace,
		embedder:   embedder,
		sparse:     sparse,
		hybrid:     cfg.HybridSearch,
	}
	if err := qv.ensureCollection(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("ensure collection: %w", err)
	}
	return qv, nil
}

func (q *qdrantVector) ensureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("check collection exists: %w", err)
	}
	if exists {
		return nil
	}
	dim := q.embedder.Dimensions()
	if dim <= 0 {
		return fmt.Errorf("qdrant requires embedding dimensions > 0")
	}
	req := &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfigMap(map[string]*qdrant.VectorParams{
			denseVectorName: {Size: uint64(dim), Distance: qdrant.Distance_Cosine},
		}),
	}
	if q.hybrid.Enabled {
		req.SparseVectorsConfig = qdrant.NewSparseVectorsConfig(map[string]*qdrant.SparseVectorParams{
			sparseVectorName: {},
		})
	}
	if err := q.client.CreateCollection(ctx, req); err != nil {
		return fmt.Errorf("create collection: %w", err)
	}
	return nil
}

func pointUUID(id string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String()
}

func (q *qdrantVector) Namespace() string { return q.namespace }

func (q *qdrantVector) Upsert(ctx context.Context, data map[string]map[string]any) error {
	if len(data) == 0 {
		return nil
	}
	ids := make([]string, 0, len(data))
	for id := range data {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	texts := make([]string, len(ids))
	for i, id := range ids {
		content, _ := data[id]["content"].(string)
		if content == "" {
			return fmt.Errorf("vector upsert %q: missing content field", id)
		}
		texts[i] = content
	}
	dense, err := q.embedder.Embed(ctx, texts)
	if err != nil {
		return Transient(fmt.Errorf("embed %d texts: %w", len(texts), err))
	}
	var sparseVecs []SparseVector
	if q.hybrid.Enabled && q.sparse != nil {
		sparseVecs, err = q.sparse.SparseEmbed(ctx, texts)
		if err != nil {
			return Transient(fmt.Errorf("sparse embed: %w", err))
		}
	}

	points := make([]*qdrant.PointStruct, len(ids))
	for i, id := range ids {
		payload := make(map[string]any, len(data[id])+1)
		for k, v := range data[id] {
			payload[k] = v
		}
		payload[payloadIDField] = id
		vectors := map[string]*qdrant.Vector{
			denseVectorName: qdrant.NewVectorDense(dense[i]),
		}
		if sparseVecs != nil {
			vectors[sparseVectorName] = qdrant.NewVectorSparse(sparseVecs[i].Indices, sparseVecs[i].Values)
		}
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(pointUUID(id)),
			Vectors: qdrant.NewVectorsMap(vectors),
			Payload: qdrant.NewValueMap(payload),
		}
	}
	_, err = q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Points:         points,
	})
	if err != nil {
		return Transient(fmt.Errorf("qdrant upsert: %w", err))
	}
	return nil
}

func (q *qdrantVector) UpdatePayload(ctx context.Context, updates map[string]map[string]any) error {
	ids := make([]string, 0, len(updates))
	for id := range updates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fields := updates[id]
		payload := make(map[string]any, len(fields))
		for k, v := range fields {
			if protectedPayloadFields[k] {
				log.Debug().Str("namespace", q.namespace).Str("field", k).
					Msg("dropping protected field from payload update")
				continue
			}
			payload[k] = v
		}
		if len(payload) == 0 {
			continue
		}
		_, err := q.client.SetPayload(ctx, &qdrant.SetPayloadPoints{
			CollectionName: q.collection,
			Payload:        qdrant.NewValueMap(payload),
			PointsSelector: qdrant.NewPointsSelector(qdrant.NewIDUUID(pointUUID(id))),
		})
		if err != nil {
			return Transient(fmt.Errorf("qdrant set payload %q: %w", id, err))
		}
	}
	return nil
}

func (q *qdrantVector) Query(ctx context.Context, text string, topK int) ([]VectorRecord, error) {
	if topK <= 0 {
		topK = 10
	}
	dense, err := q.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	limit := uint64(topK)
	req := &qdrant.QueryPoints{
		CollectionName: q.collection,
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if q.hybrid.Enabled && q.sparse != nil {
		sq, err := q.sparse.SparseEmbed(ctx, []string{text})
		if err != nil {
			return nil, fmt.Errorf("sparse embed query: %w", err)
		}
		denseLimit := uint64(topK * q.hybrid.DenseTopKMultiplier)
		sparseLimit := uint64(topK * q.hybrid.SparseTopKMultiplier)
		req.Prefetch = []*qdrant.PrefetchQuery{
			{
				Query: qdrant.NewQueryDense(dense[0]),
				Using: qdrant.PtrOf(denseVectorName),
				Limit: &denseLimit,
			},
			{
				Query: qdrant.NewQuerySparse(sq[0].Indices, sq[0].Values),
				Using: qdrant.PtrOf(sparseVectorName),
				Limit: &sparseLimit,
			},
		}
		// Server-side RRF; qdrant does not expose the k constant, its
		// built-in default applies regardless of rrf_k.
		req.Query = qdrant.NewQueryFusion(qdrant.Fusion_RRF)
		if q.hybrid.RRFK != 60 {
			log.Debug().Int("rrf_k", q.hybrid.RRFK).Msg("qdrant fusion ignores custom rrf_k")
		}
	} else {
		req.Query = qdrant.NewQueryDense(dense[0])
		req.Using = qdrant.PtrOf(denseVectorName)
	}
	hits, err := q.client.Query(ctx, req)
	if err != nil {
		return nil, Transient(fmt.Errorf("qdrant query: %w", err))
	}
	out := make([]VectorRecord, 0, len(hits))
	for _, hit := range hits {
		payload := valueMapToAny(hit.Payload)
		id, _ := payload[payloadIDField].(string)
		if id == "" {
			id = hit.Id.GetUuid()
		}
		delete(payload, payloadIDField)
		out = append(out, VectorRecord{ID: id, Distance: float64(hit.Score), Payload: payload})
	}
	return out, nil
}

func (q *qdrantVector) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewIDUUID(pointUUID(id))
	}
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Points:         qdrant.NewPointsSelector(pointIDs...),
	})
	if err != nil {
		return Transient(fmt.Errorf("qdrant delete: %w", err))
	}
	return nil
}

func (q *qdrantVector) Has(ctx context.Context, id string) (bool, error) {
	points, err := q.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: q.collection,
		Ids:            []*qdrant.PointId{qdrant.NewIDUUID(pointUUID(id))},
	})
	if err != nil {
		return false, Transient(fmt.Errorf("qdrant get: %w", err))
	}
	return len(points) > 0, nil
}

// exportScrollLimit bounds the fallback export. Production deployments should
// prefer qdrant's native snapshots; this path exists for the portable .ngbak
// format.
const exportScrollLimit = 100000

func (q *qdrantVector) ExportRecords(ctx context.Context) ([]StoredVector, error) {
	limit := uint32(exportScrollLimit)
	points, err := q.client.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: q.collection,
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(true),
	})
	if err != nil {
		return nil, Transient(fmt.Errorf("qdrant scroll: %w", err))
	}
	if len(points) == int(limit) {
		log.Warn().Int("limit", int(limit)).Msg("qdrant export hit scroll limit, backup may be partial")
	}
	out := make([]StoredVector, 0, len(points))
	for _, p := range points {
		payload := valueMapToAny(p.Payload)
		id, _ := payload[payloadIDField].(string)
		if id == "" {
			id = p.Id.GetUuid()
		}
		delete(payload, payloadIDField)
		rec := StoredVector{ID: id, Payload: payload}
		if nv := p.Vectors.GetVectors(); nv != nil {
			if d, ok := nv.Vectors[denseVectorName]; ok {
				rec.Dense = d.Data
			}
			if s, ok := nv.Vectors[sparseVectorName]; ok && s.Indices != nil {
				rec.Sparse = &SparseVector{Indices: s.Indices.Data, Values: s.Data}
			}
		} else if v := p.Vectors.GetVector(); v != nil {
			rec.Dense = v.Data
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (q *qdrantVector) ImportRecords(ctx context.Context, recs []StoredVector) error {
	if len(recs) == 0 {
		return nil
	}
	points := make([]*qdrant.PointStruct, len(recs))
	for i, r := range recs {
		payload := make(map[string]any, len(r.Payload)+1)
		for k, v := range r.Payload {
			payload[k] = v
		}
		payload[payloadIDField] = r.ID
		vectors := map[string]*qdrant.Vector{
			denseVectorName: qdrant.NewVectorDense(r.Dense),
		}
		if r.Sparse != nil {
			vectors[sparseVectorName] = qdrant.NewVectorSparse(r.Sparse.Indices, r.Sparse.Values)
		}
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(pointUUID(r.ID)),
			Vectors: qdrant.NewVectorsMap(vectors),
			Payload: qdrant.NewValueMap(payload),
		}
	}
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Points:         points,
	})
	if err != nil {
		return Transient(fmt.Errorf("qdrant import: %w", err))
	}
	return nil
}

func (q *qdrantVector) IndexDoneCallback(context.Context) error { return nil }

// Close releases the gRPC connection.
func (q *qdrantVector) Close() error { return q.client.Close() }

func valueMapToAny(in map[string]*qdrant.Value) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch kind := v.GetKind().(type) {
		case *qdrant.Value_StringValue:
			out[k] = kind.StringValue
		case *qdrant.Value_BoolValue:
			out[k] = kind.BoolValue
		case *qdrant.Value_DoubleValue:
			out[k] = kind.DoubleValue
		case *qdrant.Value_IntegerValue:
			out[k] = kind.IntegerValue
		default:
			out[k] = v.String()
		}
	}
	return out
}

package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// memoryGraph is the embedded graph backend. It mirrors the contract of the
// server-backed store closely enough that tests and small deployments never
// need a graph server.
type memoryGraph struct {
	namespace string

	mu     sync.RWMutex
	nodes  map[string]NodeData
	edges  map[[2]string]EdgeData
	outAdj map[string][]string // src -> targets, insertion order
	inAdj  map[string][]string // tgt -> sources

	schema CommunitySchema
}

// NewMemoryGraph returns an empty in-memory graph store.
func NewMemoryGraph(namespace string) GraphStorage {
	return &memoryGraph{
		namespace: namespace,
		nodes:     make(map[string]NodeData),
		edges:     make(map[[2]string]EdgeData),
		outAdj:    make(map[string][]string),
		inAdj:     make(map[string][]string),
	}
}

func (m *memoryGraph) Namespace() string { return m.namespace }

func (m *memoryGraph) HasNode(_ context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.nodes[id]
	return ok, nil
}

func (m *memoryGraph) HasEdge(_ context.Context, src, tgt string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.edges[[2]string{src, tgt}]
	return ok, nil
}

func (m *memoryGraph) GetNode(_ context.Context, id string) (*NodeData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[id]
	if !ok {
		return nil, nil
	}
	cp := n
	return &cp, nil
}

func (m *memoryGraph) GetEdge(_ context.Context, src, tgt string) (*EdgeData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.edges[[2]string{src, tgt}]
	if !ok {
		return nil, nil
	}
	cp := e
	return &cp, nil
}

func (m *memoryGraph) NodeDegree(_ context.Context, id string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.outAdj[id]) + len(m.inAdj[id]), nil
}

func (m *memoryGraph) EdgeDegree(_ context.Context, src, tgt string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.outAdj[src]) + len(m.inAdj[src]) + len(m.outAdj[tgt]) + len(m.inAdj[tgt]), nil
}

func (m *memoryGraph) UpsertNode(_ context.Context, id string, data NodeData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsertNodeLocked(id, data)
	return nil
}

func (m *memoryGraph) upsertNodeLocked(id string, data NodeData) {
	m.nodes[id] = data
}

func (m *memoryGraph) UpsertEdge(_ context.Context, src, tgt string, data EdgeData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsertEdgeLocked(src, tgt, data)
	return nil
}

func (m *memoryGraph) upsertEdgeLocked(src, tgt string, data EdgeData) {
	key := [2]string{src, tgt}
	if _, exists := m.edges[key]; !exists {
		m.outAdj[src] = append(m.outAdj[src], tgt)
		m.inAdj[tgt] = append(m.inAdj[tgt], src)
	}
	m.edges[key] = data
}

func (m *memoryGraph) GetNodesBatch(ctx context.Context, ids []string) ([]*NodeData, error) {
	out := make([]*NodeData, len(ids))
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i, id := range ids {
		if n, ok := m.nodes[id]; ok {
			cp := n
			out[i] = &cp
		}
	}
	return out, nil
}

func (m *memoryGraph) NodeDegreesBatch(_ context.Context, ids []string) ([]int, error) {
	out := make([]int, len(ids))
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i, id := range ids {
		out[i] = len(m.outAdj[id]) + len(m.inAdj[id])
	}
	return out, nil
}

func (m *memoryGraph) GetEdgesBatch(_ context.Context, pairs [][2]string) ([]*EdgeData, error) {
	out := make([]*EdgeData, len(pairs))
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i, p := range pairs {
		if e, ok := m.edges[p]; ok {
			cp := e
			out[i] = &cp
		}
	}
	return out, nil
}

func (m *memoryGraph) GetNodesEdgesBatch(_ context.Context, ids []string) ([][]Edge, error) {
	out := make([][]Edge, len(ids))
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i, id := range ids {
		var edges []Edge
		for _, tgt := range m.outAdj[id] {
			edges = append(edges, Edge{Source: id, Target: tgt, Data: m.edges[[2]string{id, tgt}]})
		}
		for _, src := range m.inAdj[id] {
			edges = append(edges, Edge{Source: src, Target: id, Data: m.edges[[2]string{src, id}]})
		}
		out[i] = edges
	}
	return out, nil
}

func (m *memoryGraph) ExecuteDocumentBatch(ctx context.Context, batch *DocumentBatch) error {
	if batch == nil || batch.Len() == 0 {
		return nil
	}
	for _, chunk := range batch.SplitIntoChunks(1000) {
		chunk := chunk
		err := withTransientRetry(ctx, "memory graph batch", func() error {
			m.mu.Lock()
			defer m.mu.Unlock()
			for _, n := range chunk.Nodes {
				m.upsertNodeLocked(n.ID, n.Data)
			}
			for _, e := range chunk.Edges {
				m.upsertEdgeLocked(e.Source, e.Target, e.Data)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (m *memoryGraph) BatchUpdateNodeField(_ context.Context, ids []string, field string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		n, ok := m.nodes[id]
		if !ok {
			continue
		}
		switch field {
		case "has_vector":
			if b, ok := value.(bool); ok {
				n.HasVector = b
			}
		case "community_description":
			if s, ok := value.(string); ok {
				n.CommunityDescription = s
			}
		case "description":
			if s, ok := value.(string); ok {
				n.Description = s
			}
		case "entity_type":
			if s, ok := value.(string); ok {
				n.EntityType = s
			}
		default:
			return fmt.Errorf("unsupported node field %q", field)
		}
		m.nodes[id] = n
	}
	return nil
}

func (m *memoryGraph) Clustering(ctx context.Context, algorithm string) (CommunitySchema, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	schema, err := clusterHierarchical(m.nodes, m.edges)
	if err != nil {
		return nil, err
	}
	m.schema = schema
	_ = algorithm // only the Leiden-style default is implemented in-process
	return cloneSchema(schema), nil
}

func (m *memoryGraph) CommunitySchema(_ context.Context) (CommunitySchema, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.schema == nil {
		return CommunitySchema{}, nil
	}
	return cloneSchema(m.schema), nil
}

func (m *memoryGraph) ExportAll(_ context.Context) (*DocumentBatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	batch := &DocumentBatch{}
	ids := make([]string, 0, len(m.nodes))
	for id := range m.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		batch.Nodes = append(batch.Nodes, BatchNode{ID: id, Data: m.nodes[id]})
	}
	pairs := make([][2]string, 0, len(m.edges))
	for k := range m.edges {
		pairs = append(pairs, k)
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i][0] != pairs[j][0] {
			return pairs[i][0] < pairs[j][0]
		}
		return pairs[i][1] < pairs[j][1]
	})
	for _, p := range pairs {
		batch.Edges = append(batch.Edges, BatchEdge{Source: p[0], Target: p[1], Data: m.edges[p]})
	}
	return batch, nil
}

func (m *memoryGraph) IndexDoneCallback(context.Context) error { return nil }

func cloneSchema(in CommunitySchema) CommunitySchema {
	out := make(CommunitySchema, len(in))
	for k, v := range in {
		cp := v
		cp.Nodes = append([]string(nil), v.Nodes...)
		cp.Edges = append([][2]string(nil), v.Edges...)
		cp.ChunkIDs = append([]string(nil), v.ChunkIDs...)
		cp.SubCommunities = append([]string(nil), v.SubCommunities...)
		out[k] = cp
	}
	return out
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	neo4jcfg "github.com/neo4j/neo4j-go-driver/v5/neo4j/config"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/db"
	"github.com/rs/zerolog/log"

	"graphrag/internal/config"
)

const clusterGraphName = "graphrag_cluster"

type neo4jGraph struct {
	driver    neo4j.DriverWithContext
	database  string
	namespace string
	batchSize int

	schema CommunitySchema
}

// NewNeo4jGraph connects to a Neo4j server. The write path assumes the
// in-memory merger already deduplicated nodes and edges: every statement uses
// set-replace semantics.
func NewNeo4jGraph(ctx context.Context, cfg config.StorageConfig, namespace string) (GraphStorage, error) {
	uri := cfg.Neo4jURI
	if cfg.Neo4jEncrypted && !strings.Contains(uri, "+s") {
		uri = strings.Replace(uri, "neo4j://", "neo4j+s://", 1)
		uri = strings.Replace(uri, "bolt://", "bolt+s://", 1)
	}
	driver, err := neo4j.NewDriverWithContext(uri,
		neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPassword, ""),
		func(c *neo4jcfg.Config) {
			if cfg.Neo4jMaxConnectionPool > 0 {
				c.MaxConnectionPoolSize = cfg.Neo4jMaxConnectionPool
			}
			if cfg.Neo4jConnectionTimeout > 0 {
				c.ConnectionAcquisitionTimeout = cfg.Neo4jConnectionTimeout
			}
			if cfg.Neo4jMaxTransactionRetry > 0 {
				c.MaxTransactionRetryTime = cfg.Neo4jMaxTransactionRetry
			}
		})
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("verify neo4j connectivity: %w", err)
	}
	g := &neo4jGraph{
		driver:    driver,
		database:  cfg.Neo4jDatabase,
		namespace: namespace,
		batchSize: cfg.Neo4jBatchSize,
	}
	if err := g.ensureConstraint(ctx); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *neo4jGraph) ensureConstraint(ctx context.Context) error {
	return g.write(ctx, "CREATE CONSTRAINT entity_id IF NOT EXISTS FOR (n:Entity) REQUIRE n.id IS UNIQUE", nil)
}

func (g *neo4jGraph) session(ctx context.Context) neo4j.SessionWithContext {
	return g.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: g.database})
}

func (g *neo4jGraph) write(ctx context.Context, query string, params map[string]any) error {
	sess := g.session(ctx)
	defer sess.Close(ctx)
	_, err := sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		return nil, res.Err()
	})
	return classifyNeo4jErr(err)
}

func (g *neo4jGraph) read(ctx context.Context, query string, params map[string]any) ([]*db.Record, error) {
	sess := g.session(ctx)
	defer sess.Close(ctx)
	out, err := sess.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, classifyNeo4jErr(err)
	}
	return out.([]*db.Record), nil
}

// classifyNeo4jErr wraps deadlock/transient failures so the shared retry
// helper recognizes them.
func classifyNeo4jErr(err error) error {
	if err == nil {
		return nil
	}
	var ne *db.Neo4jError
	if errors.As(err, &ne) {
		if strings.Contains(ne.Code, "TransientError") || strings.Contains(ne.Code, "DeadlockDetected") {
			return Transient(err)
		}
	}
	return err
}

func (g *neo4jGraph) Namespace() string { return g.namespace }

func (g *neo4jGraph) HasNode(ctx context.Context, id string) (bool, error) {
	recs, err := g.read(ctx, "MATCH (n:Entity {id: $id}) RETURN count(n) AS c", map[string]any{"id": id})
	if err != nil {
		return false, err
	}
	c, _ := recs[0].Get("c")
	return c.(int64) > 0, nil
}

func (g *neo4jGraph) HasEdge(ctx context.Context, src, tgt string) (bool, error) {
	recs, err := g.read(ctx,
		"MATCH (:Entity {id: $src})-[r:RELATED]->(:Entity {id: $tgt}) RETURN count(r) AS c",
		map[string]any{"src": src, "tgt": tgt})
	if err != nil {
		return false, err
	}
	c, _ := recs[0].Get("c")
	return c.(int64) > 0, nil
}

func (g *neo4jGraph) GetNode(ctx context.Context, id string) (*NodeData, error) {
	nodes, err := g.GetNodesBatch(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	return nodes[0], nil
}

func (g *neo4jGraph) GetEdge(ctx context.Context, src, tgt string) (*EdgeData, error) {
	edges, err := g.GetEdgesBatch(ctx, [][2]string{{src, tgt}})
	if err != nil {
		return nil, err
	}
	return edges[0], nil
}

func (g *neo4jGraph) NodeDegree(ctx context.Context, id string) (int, error) {
	ds, err := g.NodeDegreesBatch(ctx, []string{id})
	if err != nil {
		return 0, err
	}
	return ds[0], nil
}

func (g *neo4jGraph) EdgeDegree(ctx context.Context, src, tgt string) (int, error) {
	ds, err := g.NodeDegreesBatch(ctx, []string{src, tgt})
	if err != nil {
		return 0, err
	}
	return ds[0] + ds[1], nil
}

func (g *neo4jGraph) UpsertNode(ctx context.Context, id string, data NodeData) error {
	return g.ExecuteDocumentBatch(ctx, &DocumentBatch{Nodes: []BatchNode{{ID: id, Data: data}}})
}

func (g *neo4jGraph) UpsertEdge(ctx context.Context, src, tgt string, data EdgeData) error {
	return g.ExecuteDocumentBatch(ctx, &DocumentBatch{Edges: []BatchEdge{{Source: src, Target: tgt, Data: data}}})
}

func nodeProps(d NodeData) map[string]any {
	return map[string]any{
		"entity_type":           d.EntityType,
		"description":           d.Description,
		"source_id":             d.SourceID,
		"has_vector":            d.HasVector,
		"community_description": d.CommunityDescription,
	}
}

func nodeFromProps(props map[string]any) *NodeData {
	d := &NodeData{}
	if v, ok := props["entity_type"].(string); ok {
		d.EntityType = v
	}
	if v, ok := props["description"].(string); ok {
		d.Description = v
	}
	if v, ok := props["source_id"].(string); ok {
		d.SourceID = v
	}
	if v, ok := props["has_vector"].(bool); ok {
		d.HasVector = v
	}
	if v, ok := props["community_description"].(string); ok {
		d.CommunityDescription = v
	}
	return d
}

func edgeProps(d EdgeData) map[string]any {
	return map[string]any{
		"description":   d.Description,
		"weight":        d.Weight,
		"source_id":     d.SourceID,
		"relation_type": d.RelationType,
		"order":         int64(d.Order),
	}
}

func edgeFromProps(props map[string]any) *EdgeData {
	d := &EdgeData{}
	if v, ok := props["description"].(string); ok {
		d.Description = v
	}
	switch v := props["weight"].(type) {
	case float64:
		d.Weight = v
	case int64:
		d.Weight = float64(v)
	}
	if v, ok := props["source_id"].(string); ok {
		d.SourceID = v
	}
	if v, ok := props["relation_type"].(string); ok {
		d.RelationType = v
	}
	if v, ok := props["order"].(int64); ok {
		d.Order = int(v)
	}
	return d
}

func (g *neo4jGraph) GetNodesBatch(ctx context.Context, ids []string) ([]*NodeData, error) {
	out := make([]*NodeData, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	recs, err := g.read(ctx,
		"UNWIND $ids AS id MATCH (n:Entity {id: id}) RETURN id, properties(n) AS props",
		map[string]any{"ids": ids})
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*NodeData, len(recs))
	for _, r := range recs {
		idv, _ := r.Get("id")
		props, _ := r.Get("props")
		byID[idv.(string)] = nodeFromProps(props.(map[string]any))
	}
	for i, id := range ids {
		out[i] = byID[id]
	}
	return out, nil
}

func (g *neo4jGraph) NodeDegreesBatch(ctx context.Context, ids []string) ([]int, error) {
	out := make([]int, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	recs, err := g.read(ctx,
		"UNWIND $ids AS id MATCH (n:Entity {id: id}) RETURN id, COUNT { (n)--() } AS degree",
		map[string]any{"ids": ids})
	if err != nil {
		return nil, err
	}
	byID := make(map[string]int, len(recs))
	for _, r := range recs {
		idv, _ := r.Get("id")
		deg, _ := r.Get("degree")
		byID[idv.(string)] = int(deg.(int64))
	}
	for i, id := range ids {
		out[i] = byID[id]
	}
	return out, nil
}

func (g *neo4jGraph) GetEdgesBatch(ctx context.Context, pairs [][2]string) ([]*EdgeData, error) {
	out := make([]*EdgeData, len(pairs))
	if len(pairs) == 0 {
		return out, nil
	}
	rows := make([]map[string]any, len(pairs))
	for i, p := range pairs {
		rows[i] = map[string]any{"src": p[0], "tgt": p[1], "i": int64(i)}
	}
	recs, err := g.read(ctx,
		`UNWIND $rows AS row
		 MATCH (:Entity {id: row.src})-[r:RELATED]->(:Entity {id: row.tgt})
		 RETURN row.i AS i, properties(r) AS props`,
		map[string]any{"rows": rows})
	if err != nil {
		return nil, err
	}
	for _, r := range recs {
		iv, _ := r.Get("i")
		props, _ := r.Get("props")
		out[iv.(int64)] = edgeFromProps(props.(map[string]any))
	}
	return out, nil
}

func (g *neo4jGraph) GetNodesEdgesBatch(ctx context.Context, ids []string) ([][]Edge, error) {
	out := make([][]Edge, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	recs, err := g.read(ctx,
		`UNWIND $ids AS id
		 MATCH (n:Entity {id: id})
		 OPTIONAL MATCH (n)-[r:RELATED]-(m:Entity)
		 RETURN id, startNode(r).id AS src, endNode(r).id AS tgt, properties(r) AS props`,
		map[string]any{"ids": ids})
	if err != nil {
		return nil, err
	}
	pos := make(map[string]int, len(ids))
	for i, id := range ids {
		pos[id] = i
	}
	for _, r := range recs {
		idv, _ := r.Get("id")
		srcv, _ := r.Get("src")
		if srcv == nil {
			continue
		}
		tgtv, _ := r.Get("tgt")
		props, _ := r.Get("props")
		i := pos[idv.(string)]
		out[i] = append(out[i], Edge{
			Source: srcv.(string),
			Target: tgtv.(string),
			Data:   *edgeFromProps(props.(map[string]any)),
		})
	}
	return out, nil
}

func (g *neo4jGraph) ExecuteDocumentBatch(ctx context.Context, batch *DocumentBatch) error {
	if batch == nil || batch.Len() == 0 {
		return nil
	}
	for _, chunk := range batch.SplitIntoChunks(g.batchSize) {
		chunk := chunk
		err := withTransientRetry(ctx, "neo4j document batch", func() error {
			return g.writeChunk(ctx, chunk)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// writeChunk runs one chunk of the batch in a single write transaction.
func (g *neo4jGraph) writeChunk(ctx context.Context, chunk *DocumentBatch) error {
	sess := g.session(ctx)
	defer sess.Close(ctx)
	_, err := sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		// Nodes are grouped by sanitized type label; labels cannot be
		// parameterized, so the sanitized value is spliced in.
		byLabel := make(map[string][]map[string]any)
		for _, n := range chunk.Nodes {
			label := SanitizeLabel(n.Data.EntityType)
			byLabel[label] = append(byLabel[label], map[string]any{
				"id":    n.ID,
				"props": nodeProps(n.Data),
			})
		}
		labels := make([]string, 0, len(byLabel))
		for l := range byLabel {
			labels = append(labels, l)
		}
		sort.Strings(labels)
		for _, label := range labels {
			q := fmt.Sprintf(
				"UNWIND $rows AS row MERGE (n:Entity {id: row.id}) SET n += row.props SET n:`%s`", label)
			res, err := tx.Run(ctx, q, map[string]any{"rows": byLabel[label]})
			if err != nil {
				return nil, err
			}
			if err := res.Err(); err != nil {
				return nil, err
			}
		}
		if len(chunk.Edges) > 0 {
			rows := make([]map[string]any, len(chunk.Edges))
			for i, e := range chunk.Edges {
				rows[i] = map[string]any{
					"src":           e.Source,
					"tgt":           e.Target,
					"props":         edgeProps(e.Data),
					"relation_type": e.Data.RelationType,
				}
			}
			res, err := tx.Run(ctx,
				`UNWIND $rows AS row
				 MERGE (a:Entity {id: row.src})
				 MERGE (b:Entity {id: row.tgt})
				 MERGE (a)-[r:RELATED]->(b)
				 SET r += row.props
				 SET r.relation_type = row.relation_type`,
				map[string]any{"rows": rows})
			if err != nil {
				return nil, err
			}
			if err := res.Err(); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	return classifyNeo4jErr(err)
}

func (g *neo4jGraph) BatchUpdateNodeField(ctx context.Context, ids []string, field string, value any) error {
	if len(ids) == 0 {
		return nil
	}
	if SanitizeLabel(field) != field {
		return fmt.Errorf("invalid node field %q", field)
	}
	q := fmt.Sprintf("UNWIND $ids AS id MATCH (n:Entity {id: id}) SET n.`%s` = $value", field)
	return g.write(ctx, q, map[string]any{"ids": ids, "value": value})
}

// Clustering delegates to the server's GDS Leiden procedure, writing
// intermediate community ids back onto the nodes, then reconstructs the
// hierarchy client-side with the same schema builder the embedded store uses.
func (g *neo4jGraph) Clustering(ctx context.Context, algorithm string) (CommunitySchema, error) {
	if algorithm == "" {
		algorithm = "leiden"
	}
	if algorithm != "leiden" {
		log.Warn().Str("algorithm", algorithm).Msg("only leiden is supported on neo4j, using leiden")
	}
	// Re-project from scratch each run; the graph changed since last time.
	_ = g.write(ctx, "CALL gds.graph.drop($name, false)", map[string]any{"name": clusterGraphName})
	if err := g.write(ctx,
		`CALL gds.graph.project($name, 'Entity', {RELATED: {orientation: 'UNDIRECTED', properties: 'weight'}})`,
		map[string]any{"name": clusterGraphName}); err != nil {
		return nil, fmt.Errorf("project cluster graph: %w", err)
	}
	defer func() {
		_ = g.write(ctx, "CALL gds.graph.drop($name, false)", map[string]any{"name": clusterGraphName})
	}()
	if err := g.write(ctx,
		`CALL gds.leiden.write($name, {
			writeProperty: 'communityIds',
			includeIntermediateCommunities: true,
			relationshipWeightProperty: 'weight'
		})`,
		map[string]any{"name": clusterGraphName}); err != nil {
		return nil, fmt.Errorf("run leiden: %w", err)
	}

	batch, err := g.ExportAll(ctx)
	if err != nil {
		return nil, err
	}
	nodes := make(map[string]NodeData, len(batch.Nodes))
	for _, n := range batch.Nodes {
		nodes[n.ID] = n.Data
	}
	edges := make(map[[2]string]EdgeData, len(batch.Edges))
	for _, e := range batch.Edges {
		edges[[2]string{e.Source, e.Target}] = e.Data
	}

	recs, err := g.read(ctx,
		"MATCH (n:Entity) WHERE n.communityIds IS NOT NULL RETURN n.id AS id, n.communityIds AS cids", nil)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(recs))
	perNode := make(map[string][]int64, len(recs))
	depth := 0
	for _, r := range recs {
		idv, _ := r.Get("id")
		cv, _ := r.Get("cids")
		raw := cv.([]any)
		cids := make([]int64, len(raw))
		for i, x := range raw {
			cids[i] = x.(int64)
		}
		perNode[idv.(string)] = cids
		ids = append(ids, idv.(string))
		if len(cids) > depth {
			depth = len(cids)
		}
	}
	sort.Strings(ids)
	// GDS emits finest first; reverse so level 0 is the root partition.
	levels := make([]map[string]int, depth)
	for lv := 0; lv < depth; lv++ {
		part := make(map[string]int, len(ids))
		for _, id := range ids {
			cids := perNode[id]
			idx := len(cids) - 1 - lv
			if idx < 0 {
				idx = 0
			}
			part[id] = int(cids[idx])
		}
		levels[lv] = renumber(part, ids)
	}
	schema := buildSchema(levels, ids, nodes, edges)
	g.schema = schema
	return cloneSchema(schema), nil
}

func (g *neo4jGraph) CommunitySchema(context.Context) (CommunitySchema, error) {
	if g.schema == nil {
		return CommunitySchema{}, nil
	}
	return cloneSchema(g.schema), nil
}

func (g *neo4jGraph) ExportAll(ctx context.Context) (*DocumentBatch, error) {
	batch := &DocumentBatch{}
	nrecs, err := g.read(ctx, "MATCH (n:Entity) RETURN n.id AS id, properties(n) AS props ORDER BY n.id", nil)
	if err != nil {
		return nil, err
	}
	for _, r := range nrecs {
		idv, _ := r.Get("id")
		props, _ := r.Get("props")
		batch.Nodes = append(batch.Nodes, BatchNode{ID: idv.(string), Data: *nodeFromProps(props.(map[string]any))})
	}
	erecs, err := g.read(ctx,
		`MATCH (a:Entity)-[r:RELATED]->(b:Entity)
		 RETURN a.id AS src, b.id AS tgt, properties(r) AS props ORDER BY a.id, b.id`, nil)
	if err != nil {
		return nil, err
	}
	for _, r := range erecs {
		srcv, _ := r.Get("src")
		tgtv, _ := r.Get("tgt")
		props, _ := r.Get("props")
		batch.Edges = append(batch.Edges, BatchEdge{
			Source: srcv.(string), Target: tgtv.(string), Data: *edgeFromProps(props.(map[string]any)),
		})
	}
	return batch, nil
}

func (g *neo4jGraph) IndexDoneCallback(context.Context) error { return nil }

// Close releases the driver.
func (g *neo4jGraph) Close(ctx context.Context) error { return g.driver.Close(ctx) }

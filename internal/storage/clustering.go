package storage

import (
	"fmt"
	"sort"
	"strings"
)

// clusterHierarchical runs a Leiden-style hierarchical community detection on
// the in-memory graph: repeated local moving with modularity gain followed by
// graph aggregation. Level 0 is the coarsest (root) partition, deeper levels
// are finer. Iteration order is sorted everywhere so results are stable.
func clusterHierarchical(nodes map[string]NodeData, edges map[[2]string]EdgeData) (CommunitySchema, error) {
	ids := make([]string, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if len(ids) == 0 {
		return CommunitySchema{}, nil
	}

	// Undirected weighted adjacency for clustering only; the stored edges keep
	// their direction.
	adj := make(map[string]map[string]float64, len(ids))
	for _, id := range ids {
		adj[id] = make(map[string]float64)
	}
	for k, e := range edges {
		w := e.Weight
		if w <= 0 {
			w = 1
		}
		if adj[k[0]] == nil || adj[k[1]] == nil {
			// dangling endpoint; skip rather than invent a node
			continue
		}
		adj[k[0]][k[1]] += w
		adj[k[1]][k[0]] += w
	}

	// partitions[p] maps original node id -> community index after pass p.
	var partitions []map[string]int

	current := make(map[string]int, len(ids)) // node -> super-node index
	superIDs := make([]string, len(ids))
	for i, id := range ids {
		current[id] = i
		superIDs[i] = id
	}
	superAdj := adj

	for pass := 0; pass < 10; pass++ {
		comm, moved := localMove(superIDs, superAdj)
		if !moved && pass > 0 {
			break
		}
		// Compose down to original nodes.
		composed := make(map[string]int, len(ids))
		for _, id := range ids {
			composed[id] = comm[superIDs[current[id]]]
		}
		composed = renumber(composed, ids)
		if len(partitions) > 0 && samePartition(partitions[len(partitions)-1], composed, ids) {
			break
		}
		partitions = append(partitions, composed)

		// Aggregate for the next pass.
		superIDs, superAdj, current = aggregate(ids, composed, adj)
		if countCommunities(composed) <= 1 {
			break
		}
	}
	if len(partitions) == 0 {
		single := make(map[string]int, len(ids))
		partitions = append(partitions, renumber(single, ids))
	}

	// partitions[0] is the finest; reverse so level 0 is the coarsest.
	levels := make([]map[string]int, len(partitions))
	for i := range partitions {
		levels[i] = partitions[len(partitions)-1-i]
	}

	return buildSchema(levels, ids, nodes, edges), nil
}

// localMove iterates nodes in sorted order moving each to the neighboring
// community with the best modularity gain until stable.
func localMove(ids []string, adj map[string]map[string]float64) (map[string]int, bool) {
	comm := make(map[string]int, len(ids))
	degree := make(map[string]float64, len(ids))
	var m2 float64 // 2m
	for i, id := range ids {
		comm[id] = i
		for n, w := range adj[id] {
			if n == id {
				// self-loop from aggregation counts twice
				degree[id] += 2 * w
				continue
			}
			degree[id] += w
		}
		m2 += degree[id]
	}
	if m2 == 0 {
		return comm, false
	}
	commTot := make(map[int]float64, len(ids))
	for id, c := range comm {
		commTot[c] += degree[id]
	}

	movedAny := false
	for iter := 0; iter < 10; iter++ {
		movedThis := false
		for _, id := range ids {
			cur := comm[id]
			commTot[cur] -= degree[id]

			// weight from id into each neighboring community
			wTo := make(map[int]float64)
			neigh := make([]string, 0, len(adj[id]))
			for n := range adj[id] {
				neigh = append(neigh, n)
			}
			sort.Strings(neigh)
			for _, n := range neigh {
				if n == id {
					continue // self-loops move with the node
				}
				wTo[comm[n]] += adj[id][n]
			}

			best, bestGain := cur, wTo[cur]-commTot[cur]*degree[id]/m2
			cands := make([]int, 0, len(wTo))
			for c := range wTo {
				cands = append(cands, c)
			}
			sort.Ints(cands)
			for _, c := range cands {
				gain := wTo[c] - commTot[c]*degree[id]/m2
				if gain > bestGain {
					best, bestGain = c, gain
				}
			}
			comm[id] = best
			commTot[best] += degree[id]
			if best != cur {
				movedThis = true
				movedAny = true
			}
		}
		if !movedThis {
			break
		}
	}
	return comm, movedAny
}

func aggregate(ids []string, composed map[string]int, adj map[string]map[string]float64) ([]string, map[string]map[string]float64, map[string]int) {
	nComm := countCommunities(composed)
	superIDs := make([]string, nComm)
	for i := range superIDs {
		superIDs[i] = fmt.Sprintf("c%d", i)
	}
	superAdj := make(map[string]map[string]float64, nComm)
	for _, sid := range superIDs {
		superAdj[sid] = make(map[string]float64)
	}
	for _, a := range ids {
		for b, w := range adj[a] {
			ca, cb := composed[a], composed[b]
			if ca == cb {
				// intra-community weight becomes a self-loop; dropping it
				// would overstate the gain of further merges
				superAdj[superIDs[ca]][superIDs[ca]] += w / 2
				continue
			}
			superAdj[superIDs[ca]][superIDs[cb]] += w / 2 // each pair visited twice
		}
	}
	current := make(map[string]int, len(ids))
	for _, id := range ids {
		current[id] = composed[id]
	}
	return superIDs, superAdj, current
}

func renumber(comm map[string]int, ids []string) map[string]int {
	next := 0
	remap := make(map[int]int)
	out := make(map[string]int, len(ids))
	for _, id := range ids {
		c, ok := remap[comm[id]]
		if !ok {
			c = next
			remap[comm[id]] = c
			next++
		}
		out[id] = c
	}
	return out
}

func countCommunities(comm map[string]int) int {
	seen := make(map[int]bool)
	for _, c := range comm {
		seen[c] = true
	}
	return len(seen)
}

func samePartition(a, b map[string]int, ids []string) bool {
	for _, id := range ids {
		if a[id] != b[id] {
			return false
		}
	}
	return true
}

// buildSchema turns per-level partitions into the community schema, linking
// each community to its level+1 sub-communities.
func buildSchema(levels []map[string]int, ids []string, nodes map[string]NodeData, edges map[[2]string]EdgeData) CommunitySchema {
	schema := make(CommunitySchema)

	// Per level: community index -> member node ids.
	members := make([]map[int][]string, len(levels))
	for lv, part := range levels {
		members[lv] = make(map[int][]string)
		for _, id := range ids {
			members[lv][part[id]] = append(members[lv][part[id]], id)
		}
	}

	edgeKeys := make([][2]string, 0, len(edges))
	for k := range edges {
		edgeKeys = append(edgeKeys, k)
	}
	sort.Slice(edgeKeys, func(i, j int) bool {
		if edgeKeys[i][0] != edgeKeys[j][0] {
			return edgeKeys[i][0] < edgeKeys[j][0]
		}
		return edgeKeys[i][1] < edgeKeys[j][1]
	})

	for lv := range levels {
		maxChunks := 1
		type pending struct {
			key string
			sc  SingleCommunity
		}
		var pendings []pending
		commIdx := make([]int, 0, len(members[lv]))
		for c := range members[lv] {
			commIdx = append(commIdx, c)
		}
		sort.Ints(commIdx)
		for _, c := range commIdx {
			mem := members[lv][c]
			memSet := make(map[string]bool, len(mem))
			for _, id := range mem {
				memSet[id] = true
			}
			var commEdges [][2]string
			for _, k := range edgeKeys {
				if memSet[k[0]] && memSet[k[1]] {
					commEdges = append(commEdges, k)
				}
			}
			chunkSet := make(map[string]bool)
			for _, id := range mem {
				for _, cid := range strings.Split(nodes[id].SourceID, FieldSeparator) {
					if cid = strings.TrimSpace(cid); cid != "" {
						chunkSet[cid] = true
					}
				}
			}
			chunkIDs := make([]string, 0, len(chunkSet))
			for cid := range chunkSet {
				chunkIDs = append(chunkIDs, cid)
			}
			sort.Strings(chunkIDs)
			if len(chunkIDs) > maxChunks {
				maxChunks = len(chunkIDs)
			}

			key := fmt.Sprintf("%d-%d", lv, c)
			sc := SingleCommunity{
				Level:    lv,
				Title:    "Cluster " + key,
				Nodes:    mem,
				Edges:    commEdges,
				ChunkIDs: chunkIDs,
			}
			// Sub-communities: level+1 communities fully contained in this one.
			if lv+1 < len(levels) {
				subSeen := make(map[int]bool)
				for _, id := range mem {
					subSeen[levels[lv+1][id]] = true
				}
				subs := make([]int, 0, len(subSeen))
				for s := range subSeen {
					subs = append(subs, s)
				}
				sort.Ints(subs)
				for _, s := range subs {
					sc.SubCommunities = append(sc.SubCommunities, fmt.Sprintf("%d-%d", lv+1, s))
				}
			}
			pendings = append(pendings, pending{key: key, sc: sc})
		}
		for _, p := range pendings {
			p.sc.Occurrence = float64(len(p.sc.ChunkIDs)) / float64(maxChunks)
			schema[p.key] = p.sc
		}
	}
	return schema
}

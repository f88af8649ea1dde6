package storage

import "sort"

// rankedID is one candidate from a single retriever; its rank is its 1-based
// position in that retriever's list.
type rankedID struct {
	ID    string
	Score float64
}

// fuseRRF combines dense and sparse candidate lists with Reciprocal Rank
// Fusion: score(id) = sum over lists of 1/(k + rank). Ranks are 1-based; an
// id absent from a list contributes nothing for that list. Ties break by id
// so results are deterministic.
func fuseRRF(dense, sparse []rankedID, k int, limit int) []rankedID {
	if k <= 0 {
		k = 60
	}
	pos := func(list []rankedID) map[string]int {
		m := make(map[string]int, len(list))
		for i, r := range list {
			m[r.ID] = i + 1
		}
		return m
	}
	dPos := pos(dense)
	sPos := pos(sparse)

	seen := map[string]struct{}{}
	var ids []string
	add := func(id string) {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	for _, r := range dense {
		add(r.ID)
	}
	for _, r := range sparse {
		add(r.ID)
	}

	out := make([]rankedID, 0, len(ids))
	for _, id := range ids {
		var fused float64
		if r := dPos[id]; r > 0 {
			fused += 1.0 / float64(k+r)
		}
		if r := sPos[id]; r > 0 {
			fused += 1.0 / float64(k+r)
		}
		out = append(out, rankedID{ID: id, Score: fused})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// sparseDot computes the dot product of two sparse vectors.
func sparseDot(a, b SparseVector) float64 {
	bv := make(map[uint32]float32, len(b.Indices))
	for i, idx := range b.Indices {
		bv[idx] = b.Values[i]
	}
	var s float64
	for i, idx := range a.Indices {
		if v, ok := bv[idx]; ok {
			s += float64(a.Values[i]) * float64(v)
		}
	}
	return s
}

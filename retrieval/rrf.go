package retrieval

import "sort"

const rrfK = 60 // RRF constant (standard value from literature)

// FusedResultInfo holds per-result method contribution metadata.
type FusedResultInfo struct {
	Methods      []string `json:"methods"`
	VecRank      int      `json:"vec_rank,omitempty"` // 1-based, 0 = not present
	BM25Rank     int      `json:"bm25_rank,omitempty"`
	SearchType   string   `json:"searchType"`             // "semantic", "keyword", or "hybrid"
	BoostApplied float64  `json:"boostApplied,omitempty"` // semantic-first BM25 boost multiplier, 0 for pure RRF fusion
}

// fuseRRF implements Reciprocal Rank Fusion to combine vector and BM25
// result sets: score = sum(weight_i / (k + rank_i)). It is the fallback
// fusion strategy, kept behind SearchOptions.UseRRF — the semantic-first
// BM25 boost in Search is the default.
func fuseRRF(vecResults, ftsResults []Result, weightVec, weightFTS float64, maxResults, k int) ([]Result, map[string]FusedResultInfo) {
	if k <= 0 {
		k = rrfK
	}
	type fusedEntry struct {
		result Result
		score  float64
		info   FusedResultInfo
	}

	fused := make(map[string]*fusedEntry)

	for rank, r := range vecResults {
		entry, ok := fused[r.ChunkUUID]
		if !ok {
			entry = &fusedEntry{result: r}
			fused[r.ChunkUUID] = entry
		}
		entry.score += weightVec / float64(k+rank+1)
		entry.info.Methods = append(entry.info.Methods, "vector")
		entry.info.VecRank = rank + 1
	}

	for rank, r := range ftsResults {
		entry, ok := fused[r.ChunkUUID]
		if !ok {
			entry = &fusedEntry{result: r}
			fused[r.ChunkUUID] = entry
		}
		entry.score += weightFTS / float64(k+rank+1)
		entry.info.Methods = append(entry.info.Methods, "fts")
		entry.info.BM25Rank = rank + 1
	}

	entries := make([]*fusedEntry, 0, len(fused))
	for _, e := range fused {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].score > entries[j].score })

	if maxResults > 0 && len(entries) > maxResults {
		entries = entries[:maxResults]
	}

	results := make([]Result, len(entries))
	infoMap := make(map[string]FusedResultInfo, len(entries))
	for i, e := range entries {
		switch len(e.info.Methods) {
		case 2:
			e.info.SearchType = "hybrid"
		case 1:
			if e.info.Methods[0] == "vector" {
				e.info.SearchType = "semantic"
			} else {
				e.info.SearchType = "keyword"
			}
		}
		results[i] = e.result
		results[i].Score = e.score
		results[i].RRFDetails = &e.info
		infoMap[e.result.ChunkUUID] = e.info
	}
	return results, infoMap
}

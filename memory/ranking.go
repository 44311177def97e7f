package memory

import "sort"

// candidate accumulates per-aspect scores for one chunk during merging.
type candidate struct {
	chunk        Chunk
	aspectScores map[string]float64
	combined     float64
}

// mergeRank folds per-aspect search results into a single ranked list.
//
// Per-aspect similarity scores are combined into a weighted sum normalized
// over the aspects present in the query, then candidates are deduplicated
// by parent record: multiple chunks of one record collapse to the
// highest-scoring chunk, so the final list never presents the same source
// twice and always surfaces the most relevant fragment of a multi-chunk
// record. The list is sorted by combined score descending (ties broken by
// record ID for determinism) and truncated to limit.
func mergeRank(perAspect map[string][]ScoredChunk, cfg *Config, limit int) []RankedResult {
	var weightSum float64
	for aspect := range perAspect {
		weightSum += cfg.weight(aspect)
	}
	if weightSum == 0 {
		weightSum = 1
	}

	byChunk := make(map[string]*candidate)
	for aspect, hits := range perAspect {
		for _, hit := range hits {
			cand, ok := byChunk[hit.Chunk.ID]
			if !ok {
				cand = &candidate{
					chunk:        hit.Chunk,
					aspectScores: make(map[string]float64, len(perAspect)),
				}
				byChunk[hit.Chunk.ID] = cand
			}
			if prev, ok := cand.aspectScores[aspect]; !ok || hit.Score > prev {
				cand.aspectScores[aspect] = hit.Score
			}
		}
	}

	// Dedup by parent record, keeping the best-scoring chunk.
	byRecord := make(map[string]*candidate, len(byChunk))
	for _, cand := range byChunk {
		for aspect, score := range cand.aspectScores {
			cand.combined += cfg.weight(aspect) * score / weightSum
		}
		best, ok := byRecord[cand.chunk.RecordID]
		if !ok || cand.combined > best.combined ||
			(cand.combined == best.combined && cand.chunk.Index < best.chunk.Index) {
			byRecord[cand.chunk.RecordID] = cand
		}
	}

	ranked := make([]*candidate, 0, len(byRecord))
	for _, cand := range byRecord {
		ranked = append(ranked, cand)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].combined != ranked[j].combined {
			return ranked[i].combined > ranked[j].combined
		}
		return ranked[i].chunk.RecordID < ranked[j].chunk.RecordID
	})

	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}

	results := make([]RankedResult, 0, len(ranked))
	for _, cand := range ranked {
		results = append(results, RankedResult{
			RecordID:     cand.chunk.RecordID,
			ChunkID:      cand.chunk.ID,
			Text:         cand.chunk.Text,
			Score:        cand.combined,
			AspectScores: cand.aspectScores,
			ChunkIndex:   cand.chunk.Index,
			ChunkCount:   cand.chunk.Count,
			IsPartial:    cand.chunk.Count > 1,
			Metadata:     cand.chunk.Metadata,
		})
	}
	return results
}

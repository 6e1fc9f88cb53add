package search

import "sort"

// Fuser combines semantic and keyword scores into one ranking.
//
// Semantic similarity in [-1, 1] maps to [0, 1] via (s+1)/2. BM25 is
// normalized by the configured ceiling and clamped to 1. Each side
// contributes weight * normalized score, and a chunk found by both
// paths accumulates both contributions.
type Fuser struct {
	SemanticWeight float64
	KeywordWeight  float64
	BM25MaxScore   float64
}

// Fuse merges semantic and keyword result lists, sorted by fused score
// descending with chunk ID as the deterministic tie-break.
func (f *Fuser) Fuse(semantic, keyword []*Result) []*Result {
	merged := make(map[string]*Result, len(semantic)+len(keyword))

	for _, res := range semantic {
		normalized := (res.SimilarityScore + 1) / 2
		merged[res.Chunk.ID] = &Result{
			Chunk:           res.Chunk,
			SimilarityScore: res.SimilarityScore,
			FusedScore:      normalized * f.SemanticWeight,
		}
	}

	for _, res := range keyword {
		normalized := res.BM25Score / f.BM25MaxScore
		if normalized > 1 {
			normalized = 1
		}
		contribution := normalized * f.KeywordWeight

		if existing, ok := merged[res.Chunk.ID]; ok {
			existing.BM25Score = res.BM25Score
			existing.FusedScore += contribution
		} else {
			merged[res.Chunk.ID] = &Result{
				Chunk:      res.Chunk,
				BM25Score:  res.BM25Score,
				FusedScore: contribution,
			}
		}
	}

	results := make([]*Result, 0, len(merged))
	for _, res := range merged {
		results = append(results, res)
	}
	sort.SliceStable(results, func(a, b int) bool {
		if results[a].FusedScore != results[b].FusedScore {
			return results[a].FusedScore > results[b].FusedScore
		}
		return results[a].Chunk.ID < results[b].Chunk.ID
	})
	return results
}

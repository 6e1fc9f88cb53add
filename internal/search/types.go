// Package search implements the retrieval pipeline: semantic and
// keyword retrievers, weighted score fusion, optional cross-encoder
// reranking, and the Engine that orchestrates them behind a query cache.
package search

import "github.com/kestrelsearch/kestrel/internal/chunk"

// Result is one retrieved chunk with the scores each pipeline stage
// assigned to it. Scores a stage did not produce are zero.
type Result struct {
	Chunk *chunk.Chunk

	// SimilarityScore is cosine similarity from the vector index, in [-1, 1].
	SimilarityScore float64
	// BM25Score is the raw keyword score, unbounded above.
	BM25Score float64
	// FusedScore is the weighted combination when fusion ran.
	FusedScore float64
	// RerankScore is the cross-encoder relevance when reranking ran.
	RerankScore float64
}

// Score returns the most refined score available for ranking display:
// rerank, then fused, then similarity, then BM25.
func (r *Result) Score() float64 {
	switch {
	case r.RerankScore != 0:
		return r.RerankScore
	case r.FusedScore != 0:
		return r.FusedScore
	case r.SimilarityScore != 0:
		return r.SimilarityScore
	default:
		return r.BM25Score
	}
}

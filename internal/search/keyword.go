package search

import (
	"github.com/kestrelsearch/kestrel/internal/chunk"
	"github.com/kestrelsearch/kestrel/internal/store"
)

// KeywordRetriever maps BM25 row hits back to chunks.
type KeywordRetriever struct {
	index  *store.KeywordIndex
	chunks []*chunk.Chunk
}

// NewKeywordRetriever binds a keyword index to the chunk set it was
// built over. Rows in index results address positions in chunks.
func NewKeywordRetriever(index *store.KeywordIndex, chunks []*chunk.Chunk) *KeywordRetriever {
	return &KeywordRetriever{index: index, chunks: chunks}
}

// Retrieve returns the top-k BM25 matches as results.
func (r *KeywordRetriever) Retrieve(query string, topK int) []*Result {
	hits := r.index.Search(query, topK)
	results := make([]*Result, 0, len(hits))
	for _, hit := range hits {
		if hit.Row < 0 || hit.Row >= len(r.chunks) {
			continue
		}
		results = append(results, &Result{
			Chunk:     r.chunks[hit.Row],
			BM25Score: hit.Score,
		})
	}
	return results
}

// MaxScore exposes the index's score-normalization ceiling for fusion.
func (r *KeywordRetriever) MaxScore() float64 {
	return r.index.MaxScore()
}

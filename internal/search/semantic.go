package search

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/kestrelsearch/kestrel/internal/cache"
	"github.com/kestrelsearch/kestrel/internal/chunk"
	"github.com/kestrelsearch/kestrel/internal/embed"
	"github.com/kestrelsearch/kestrel/internal/store"
)

// DefaultSemanticThreshold filters vector hits whose cosine similarity
// falls below it before any fusion happens.
const DefaultSemanticThreshold = 0.3

// SemanticRetriever answers queries from the vector index. It keeps its
// own result cache, separate from the engine-level cache, so expansion
// retrievals are also served cheaply.
type SemanticRetriever struct {
	embedder  embed.Embedder
	index     *store.VectorIndex
	chunks    []*chunk.Chunk
	threshold float64
	cache     *cache.Cache[[]*Result]
}

// NewSemanticRetriever binds the embedder and vector index to the chunk
// set. cacheSize <= 0 disables the retriever-level cache.
func NewSemanticRetriever(embedder embed.Embedder, index *store.VectorIndex,
	chunks []*chunk.Chunk, cacheSize int, cacheTTL time.Duration) *SemanticRetriever {

	var c *cache.Cache[[]*Result]
	if cacheSize > 0 {
		c = cache.New[[]*Result](cacheSize, cacheTTL)
	}
	return &SemanticRetriever{
		embedder:  embedder,
		index:     index,
		chunks:    chunks,
		threshold: DefaultSemanticThreshold,
		cache:     c,
	}
}

// SetThreshold overrides the similarity floor. Zero disables it.
func (r *SemanticRetriever) SetThreshold(threshold float64) {
	r.threshold = threshold
}

// Retrieve embeds the query and returns the top-k vector matches at or
// above the similarity threshold.
func (r *SemanticRetriever) Retrieve(ctx context.Context, query string, topK int) ([]*Result, error) {
	if r.cache != nil {
		if results, ok := r.cache.Get(query, topK); ok {
			return results, nil
		}
	}

	results, err := r.retrieve(ctx, query, topK)
	if err != nil {
		return nil, err
	}

	if r.cache != nil {
		r.cache.Set(query, topK, results)
	}
	return results, nil
}

func (r *SemanticRetriever) retrieve(ctx context.Context, query string, topK int) ([]*Result, error) {
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	hits, err := r.index.Search(vec, topK)
	if err != nil {
		return nil, err
	}

	results := make([]*Result, 0, len(hits))
	for _, hit := range hits {
		if r.threshold > 0 && hit.Similarity < r.threshold {
			continue
		}
		if hit.Row < 0 || hit.Row >= len(r.chunks) {
			continue
		}
		results = append(results, &Result{
			Chunk:           r.chunks[hit.Row],
			SimilarityScore: hit.Similarity,
		})
	}
	return results, nil
}

// RetrieveWithExpansion runs the original query plus derived variants
// and unions the results, keeping the best similarity per chunk. The
// union is cached under the original query so a later plain Retrieve
// with the same key hits it.
func (r *SemanticRetriever) RetrieveWithExpansion(ctx context.Context, query string, topK, numExpansions int) ([]*Result, error) {
	if r.cache != nil {
		if results, ok := r.cache.Get(query, topK); ok {
			return results, nil
		}
	}

	variants := expandQuery(query, numExpansions)
	best := make(map[string]*Result)

	for _, variant := range variants {
		results, err := r.retrieve(ctx, variant, topK)
		if err != nil {
			return nil, err
		}
		for _, res := range results {
			prev, seen := best[res.Chunk.ID]
			if !seen || res.SimilarityScore > prev.SimilarityScore {
				best[res.Chunk.ID] = res
			}
		}
	}

	merged := make([]*Result, 0, len(best))
	for _, res := range best {
		merged = append(merged, res)
	}
	sort.SliceStable(merged, func(a, b int) bool {
		if merged[a].SimilarityScore != merged[b].SimilarityScore {
			return merged[a].SimilarityScore > merged[b].SimilarityScore
		}
		return merged[a].Chunk.ID < merged[b].Chunk.ID
	})
	if len(merged) > topK {
		merged = merged[:topK]
	}

	if r.cache != nil {
		r.cache.Set(query, topK, merged)
	}
	return merged, nil
}

// ClearCache drops the retriever-level cache.
func (r *SemanticRetriever) ClearCache() {
	if r.cache != nil {
		r.cache.Clear()
	}
}

// expandQuery derives lightweight variants of the query: the query
// itself, its significant tokens joined, and the leading token. Output
// is capped at num+1 variants including the original.
func expandQuery(query string, num int) []string {
	variants := []string{query}
	if num <= 0 {
		return variants
	}

	var tokens []string
	for _, token := range store.Tokenize(query) {
		if len([]rune(token)) > 2 {
			tokens = append(tokens, token)
		}
	}
	if len(tokens) == 0 {
		return variants
	}

	seen := map[string]struct{}{query: {}}
	add := func(variant string) {
		if variant == "" {
			return
		}
		if _, dup := seen[variant]; dup {
			return
		}
		if len(variants) >= num+1 {
			return
		}
		seen[variant] = struct{}{}
		variants = append(variants, variant)
	}

	head := tokens
	if len(head) > 3 {
		head = head[:3]
	}
	add(strings.Join(head, " "))
	add(tokens[0])

	return variants
}

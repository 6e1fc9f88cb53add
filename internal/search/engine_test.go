package search

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelsearch/kestrel/internal/cache"
	"github.com/kestrelsearch/kestrel/internal/chunk"
	"github.com/kestrelsearch/kestrel/internal/embed"
	"github.com/kestrelsearch/kestrel/internal/logging"
	"github.com/kestrelsearch/kestrel/internal/store"
)

// buildEngine indexes the contents on both paths and assembles an engine.
func buildEngine(t *testing.T, withCache bool, contents ...string) (*Engine, []*chunk.Chunk) {
	t.Helper()

	embedder := embed.NewStaticEmbedder()
	chunks := make([]*chunk.Chunk, len(contents))
	vectors := make([][]float32, len(contents))
	for i, content := range contents {
		chunks[i] = testChunk(content, i)
		vec, err := embedder.Embed(context.Background(), content)
		require.NoError(t, err)
		vectors[i] = vec
	}

	vectorIndex := store.NewVectorIndex("")
	require.NoError(t, vectorIndex.Build(vectors))

	keywordIndex := store.NewKeywordIndex(1.2, 0.75, 10.0)
	keywordIndex.Build(chunks)

	var queryCache *cache.Cache[[]*Result]
	if withCache {
		queryCache = cache.New[[]*Result](64, time.Hour)
	}

	engine := NewEngine(EngineParams{
		Semantic: NewSemanticRetriever(embedder, vectorIndex, chunks, 0, 0),
		Keyword:  NewKeywordRetriever(keywordIndex, chunks),
		Fuser:    &Fuser{SemanticWeight: 0.7, KeywordWeight: 0.3, BM25MaxScore: 10.0},
		Cache:    queryCache,
		Logger:   logging.Discard(),
	})
	return engine, chunks
}

// TS01: Fusion Retrieval Ranks the Matching Chunk First
func TestEngine_Retrieve_Fusion(t *testing.T) {
	// Given: an engine over three chunks
	engine, chunks := buildEngine(t, false,
		"hybrid retrieval fuses keyword and semantic scores",
		"vector indexes answer nearest neighbor queries",
		"caching layers keep repeated lookups cheap",
	)

	// When: querying with the exact text of the first chunk
	results, err := engine.Retrieve(context.Background(), chunks[0].Content, 2, true, false)
	require.NoError(t, err)

	// Then: it ranks first with a fused score from both paths
	require.NotEmpty(t, results)
	assert.Equal(t, chunks[0].ID, results[0].Chunk.ID)
	assert.Greater(t, results[0].FusedScore, 0.0)
	assert.Greater(t, results[0].BM25Score, 0.0)
	assert.LessOrEqual(t, len(results), 2)
}

// TS02: Cache Hit Counts a Retrieval With Zero Latency
func TestEngine_Retrieve_CacheHit(t *testing.T) {
	// Given: a cached engine and one completed retrieval
	engine, chunks := buildEngine(t, true,
		"hybrid retrieval fuses keyword and semantic scores",
	)
	first, err := engine.Retrieve(context.Background(), chunks[0].Content, 3, true, true)
	require.NoError(t, err)

	// When: repeating the identical request
	second, err := engine.Retrieve(context.Background(), chunks[0].Content, 3, true, true)
	require.NoError(t, err)

	// Then: the same results return and the hit is counted as a retrieval
	assert.Equal(t, first, second)
	stats := engine.Stats()
	assert.Equal(t, 2, stats.NumRetrievals)
	assert.Equal(t, time.Duration(0), stats.LastQueryTime)
	require.NotNil(t, stats.CacheStats)
	assert.Equal(t, 1, stats.CacheStats.Hits)
}

// TS03: Cache Bypass Recomputes
func TestEngine_Retrieve_CacheBypass(t *testing.T) {
	engine, chunks := buildEngine(t, true,
		"hybrid retrieval fuses keyword and semantic scores",
	)
	_, err := engine.Retrieve(context.Background(), chunks[0].Content, 3, true, true)
	require.NoError(t, err)

	// When: bypassing the cache on the repeat
	_, err = engine.Retrieve(context.Background(), chunks[0].Content, 3, true, false)
	require.NoError(t, err)

	// Then: no hit is recorded
	stats := engine.Stats()
	assert.Equal(t, 0, stats.CacheStats.Hits)
}

// TS04: Non-Fusion Union Ranks by Similarity
func TestEngine_Retrieve_NoFusionUnion(t *testing.T) {
	engine, chunks := buildEngine(t, false,
		"hybrid retrieval fuses keyword and semantic scores",
		"vector indexes answer nearest neighbor queries",
	)

	results, err := engine.Retrieve(context.Background(), chunks[0].Content, 5, false, false)
	require.NoError(t, err)

	// Then: fused scores stay zero and order is by similarity
	require.NotEmpty(t, results)
	assert.Equal(t, chunks[0].ID, results[0].Chunk.ID)
	for _, res := range results {
		assert.Zero(t, res.FusedScore)
	}
	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].SimilarityScore, results[i].SimilarityScore)
	}
}

// TS05: Keyword-Only Engine Still Answers
func TestEngine_Retrieve_KeywordOnly(t *testing.T) {
	// Given: an engine without a semantic retriever
	chunks := []*chunk.Chunk{testChunk("keyword retrieval still works alone", 0)}
	keywordIndex := store.NewKeywordIndex(1.2, 0.75, 10.0)
	keywordIndex.Build(chunks)

	engine := NewEngine(EngineParams{
		Keyword: NewKeywordRetriever(keywordIndex, chunks),
		Fuser:   &Fuser{SemanticWeight: 0.7, KeywordWeight: 0.3, BM25MaxScore: 10.0},
		Logger:  logging.Discard(),
	})

	// When: retrieving with fusion
	results, err := engine.Retrieve(context.Background(), "keyword retrieval", 3, true, false)
	require.NoError(t, err)

	// Then: the keyword path alone produces fused results
	require.Len(t, results, 1)
	assert.Greater(t, results[0].FusedScore, 0.0)
	assert.Zero(t, results[0].SimilarityScore)

	stats := engine.Stats()
	assert.False(t, stats.SemanticActive)
	assert.True(t, stats.KeywordActive)
}

// TS06: ClearCache Forgets Previous Queries
func TestEngine_ClearCache(t *testing.T) {
	engine, chunks := buildEngine(t, true,
		"hybrid retrieval fuses keyword and semantic scores",
	)
	_, err := engine.Retrieve(context.Background(), chunks[0].Content, 3, true, true)
	require.NoError(t, err)

	engine.ClearCache()

	_, err = engine.Retrieve(context.Background(), chunks[0].Content, 3, true, true)
	require.NoError(t, err)
	assert.Equal(t, 0, engine.Stats().CacheStats.Hits)
}

// TS07: Average Latency Accumulates
func TestEngine_Stats_AverageLatency(t *testing.T) {
	engine, chunks := buildEngine(t, false,
		"hybrid retrieval fuses keyword and semantic scores",
	)

	for i := 0; i < 3; i++ {
		_, err := engine.Retrieve(context.Background(), chunks[0].Content, 2, true, false)
		require.NoError(t, err)
	}

	stats := engine.Stats()
	assert.Equal(t, 3, stats.NumRetrievals)
	assert.GreaterOrEqual(t, stats.AvgQueryTime, time.Duration(0))
	assert.GreaterOrEqual(t, stats.TotalQueryTime, stats.AvgQueryTime)
}

// TS08: Reranking Never Changes the Fused Top-K Membership
func TestEngine_Retrieve_RerankPreservesFusedTopK(t *testing.T) {
	// Given: shared retrievers over three chunks
	contents := []string{
		"hybrid retrieval fuses keyword and semantic scores",
		"vector indexes answer nearest neighbor queries",
		"caching layers keep repeated lookups cheap",
	}
	embedder := embed.NewStaticEmbedder()
	chunks := make([]*chunk.Chunk, len(contents))
	vectors := make([][]float32, len(contents))
	for i, content := range contents {
		chunks[i] = testChunk(content, i)
		vec, err := embedder.Embed(context.Background(), content)
		require.NoError(t, err)
		vectors[i] = vec
	}
	vectorIndex := store.NewVectorIndex("")
	require.NoError(t, vectorIndex.Build(vectors))
	keywordIndex := store.NewKeywordIndex(1.2, 0.75, 10.0)
	keywordIndex.Build(chunks)

	semantic := NewSemanticRetriever(embedder, vectorIndex, chunks, 0, 0)
	keyword := NewKeywordRetriever(keywordIndex, chunks)
	fuser := &Fuser{SemanticWeight: 0.7, KeywordWeight: 0.3, BM25MaxScore: 10.0}

	baseline := NewEngine(EngineParams{
		Semantic: semantic, Keyword: keyword, Fuser: fuser,
		Logger: logging.Discard(),
	})
	want, err := baseline.Retrieve(context.Background(), chunks[0].Content, 1, true, false)
	require.NoError(t, err)
	require.Len(t, want, 1)

	// When: retrieving with a reranker that strongly prefers the
	// fused runner-up
	stub := &stubReranker{scores: []float64{0.0, 10.0, 20.0}, available: true}
	engine := NewEngine(EngineParams{
		Semantic: semantic, Keyword: keyword, Fuser: fuser,
		Reranker: stub, Logger: logging.Discard(),
	})
	got, err := engine.Retrieve(context.Background(), chunks[0].Content, 1, true, false)
	require.NoError(t, err)

	// Then: the fused top-1 is returned and the reranker never scored
	// candidates outside it
	require.Len(t, got, 1)
	assert.Equal(t, want[0].Chunk.ID, got[0].Chunk.ID)
	assert.Zero(t, stub.calls)
}

package search

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelsearch/kestrel/internal/logging"
)

// stubReranker is a controllable Reranker for orchestration tests.
type stubReranker struct {
	scores    []float64
	err       error
	available bool
	calls     int
}

func (s *stubReranker) Score(ctx context.Context, query string, passages []string) ([]float64, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.scores, nil
}

func (s *stubReranker) Available(ctx context.Context) bool { return s.available }
func (s *stubReranker) Close() error                       { return nil }

func rerankInput(n int) []*Result {
	results := make([]*Result, n)
	for i := range results {
		results[i] = &Result{
			Chunk:      testChunk(fmt.Sprintf("candidate %d", i), i),
			FusedScore: 1.0 - float64(i)*0.1,
		}
	}
	return results
}

// TS01: Reranker Reorders and Truncates
func TestRerank_Reorders(t *testing.T) {
	// Given: three candidates and a reranker preferring the last
	results := rerankInput(3)
	reranker := &stubReranker{scores: []float64{0.1, 0.5, 0.9}, available: true}

	// When: reranking down to two
	reranked, degraded := Rerank(context.Background(), reranker, logging.Discard(),
		"query", results, 2)

	// Then: order follows rerank scores and the list is truncated
	assert.False(t, degraded)
	require.Len(t, reranked, 2)
	assert.Equal(t, 2, reranked[0].Chunk.Ordinal)
	assert.Equal(t, 1, reranked[1].Chunk.Ordinal)
	assert.Equal(t, 0.9, reranked[0].RerankScore)
}

// TS02: Reranker Failure Degrades, Never Fails
func TestRerank_DegradesOnError(t *testing.T) {
	// Given: a reranker that errors
	results := rerankInput(3)
	reranker := &stubReranker{err: fmt.Errorf("backend down"), available: true}

	// When: reranking
	reranked, degraded := Rerank(context.Background(), reranker, logging.Discard(),
		"query", results, 2)

	// Then: the fused order is kept, truncated, and degradation reported
	assert.True(t, degraded)
	require.Len(t, reranked, 2)
	assert.Equal(t, 0, reranked[0].Chunk.Ordinal)
	assert.Equal(t, 1, reranked[1].Chunk.Ordinal)
}

// TS03: Unavailable Reranker Is Skipped Without Degradation
func TestRerank_SkipsUnavailable(t *testing.T) {
	results := rerankInput(3)
	reranker := &stubReranker{scores: []float64{0.9, 0.5, 0.1}, available: false}

	reranked, degraded := Rerank(context.Background(), reranker, logging.Discard(),
		"query", results, 2)

	assert.False(t, degraded)
	assert.Len(t, reranked, 2)
	assert.Equal(t, 0, reranker.calls)
}

// TS04: Small Result Sets Skip Reranking
func TestRerank_SkipsWhenAlreadyWithinTopK(t *testing.T) {
	// Given: fewer candidates than topK
	results := rerankInput(2)
	reranker := &stubReranker{scores: []float64{0.1, 0.9}, available: true}

	reranked, degraded := Rerank(context.Background(), reranker, logging.Discard(),
		"query", results, 5)

	// Then: order is untouched and the backend never called
	assert.False(t, degraded)
	require.Len(t, reranked, 2)
	assert.Equal(t, 0, reranked[0].Chunk.Ordinal)
	assert.Equal(t, 0, reranker.calls)
}

// TS05: Nil Reranker Truncates Only
func TestRerank_NilReranker(t *testing.T) {
	results := rerankInput(4)

	reranked, degraded := Rerank(context.Background(), nil, logging.Discard(),
		"query", results, 3)

	assert.False(t, degraded)
	assert.Len(t, reranked, 3)
}

// TS06: Wrong Score Count Degrades
func TestRerank_DegradesOnScoreCountMismatch(t *testing.T) {
	results := rerankInput(3)
	reranker := &stubReranker{scores: []float64{0.5}, available: true}

	reranked, degraded := Rerank(context.Background(), reranker, logging.Discard(),
		"query", results, 2)

	assert.True(t, degraded)
	assert.Len(t, reranked, 2)
	assert.Equal(t, 0, reranked[0].Chunk.Ordinal)
}

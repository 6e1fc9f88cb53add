package search

import (
	"context"
	"log/slog"
	"sort"
)

// Reranker scores query/passage pairs with a cross-encoder.
type Reranker interface {
	// Score returns one relevance score per passage, in passage order.
	Score(ctx context.Context, query string, passages []string) ([]float64, error)

	// Available reports whether the scoring backend is reachable.
	Available(ctx context.Context) bool

	// Close releases backend resources.
	Close() error
}

// NoOpReranker never reranks; Available is always false.
type NoOpReranker struct{}

var _ Reranker = (*NoOpReranker)(nil)

func (NoOpReranker) Score(ctx context.Context, query string, passages []string) ([]float64, error) {
	scores := make([]float64, len(passages))
	return scores, nil
}

func (NoOpReranker) Available(ctx context.Context) bool { return false }
func (NoOpReranker) Close() error                       { return nil }

// Rerank reorders results by cross-encoder score and truncates to topK.
// Reranking never fails a retrieval: when the reranker is nil,
// unavailable, unnecessary (already at or under topK), or errors, the
// input order is kept and degraded reports whether a fallback happened
// due to an error.
func Rerank(ctx context.Context, reranker Reranker, logger *slog.Logger,
	query string, results []*Result, topK int) (reranked []*Result, degraded bool) {

	truncate := func(rs []*Result) []*Result {
		if len(rs) > topK {
			return rs[:topK]
		}
		return rs
	}

	if reranker == nil || len(results) <= topK || !reranker.Available(ctx) {
		return truncate(results), false
	}

	passages := make([]string, len(results))
	for i, res := range results {
		passages[i] = res.Chunk.Content
	}

	scores, err := reranker.Score(ctx, query, passages)
	if err != nil || len(scores) != len(results) {
		if err != nil {
			logger.Warn("reranker failed, keeping fused order",
				slog.String("error", err.Error()))
		} else {
			logger.Warn("reranker returned wrong score count, keeping fused order",
				slog.Int("want", len(results)), slog.Int("got", len(scores)))
		}
		return truncate(results), true
	}

	for i, res := range results {
		res.RerankScore = scores[i]
	}
	sort.SliceStable(results, func(a, b int) bool {
		if results[a].RerankScore != results[b].RerankScore {
			return results[a].RerankScore > results[b].RerankScore
		}
		return results[a].Chunk.ID < results[b].Chunk.ID
	})
	return truncate(results), false
}

package search

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kestrelsearch/kestrel/internal/cache"
)

// Engine runs the full retrieval pipeline: engine-level query cache,
// parallel semantic and keyword retrieval, weighted fusion, and
// optional cross-encoder reranking.
//
// Either retriever may be nil, which degrades the engine to the other
// path. Both nil is a programming error surfaced as empty results.
type Engine struct {
	semantic *SemanticRetriever
	keyword  *KeywordRetriever
	fuser    *Fuser
	reranker Reranker
	cache    *cache.Cache[[]*Result]
	logger   *slog.Logger

	mu            sync.Mutex
	numRetrievals int
	totalTime     time.Duration
	lastQueryTime time.Duration
}

// EngineParams bundles the engine's collaborators. Cache is optional.
type EngineParams struct {
	Semantic *SemanticRetriever
	Keyword  *KeywordRetriever
	Fuser    *Fuser
	Reranker Reranker
	Cache    *cache.Cache[[]*Result]
	Logger   *slog.Logger
}

// NewEngine assembles a retrieval engine.
func NewEngine(p EngineParams) *Engine {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		semantic: p.Semantic,
		keyword:  p.Keyword,
		fuser:    p.Fuser,
		reranker: p.Reranker,
		cache:    p.Cache,
		logger:   logger,
	}
}

// Retrieve answers a query. A cache hit still counts as a retrieval,
// with a recorded latency of zero. Semantic retrieval over-fetches
// (topK*2 candidates) so fusion has keyword-confirmed chunks to promote.
func (e *Engine) Retrieve(ctx context.Context, query string, topK int, useFusion, useCache bool) ([]*Result, error) {
	if useCache && e.cache != nil {
		if results, ok := e.cache.Get(query, topK); ok {
			e.recordRetrieval(0)
			e.logger.Debug("query cache hit", slog.String("query", query), slog.Int("top_k", topK))
			return results, nil
		}
	}

	start := time.Now()

	var semanticResults, keywordResults []*Result
	g, gctx := errgroup.WithContext(ctx)
	if e.semantic != nil {
		g.Go(func() error {
			results, err := e.semantic.Retrieve(gctx, query, topK*2)
			if err != nil {
				return err
			}
			semanticResults = results
			return nil
		})
	}
	if e.keyword != nil {
		g.Go(func() error {
			keywordResults = e.keyword.Retrieve(query, topK)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var results []*Result
	var degraded bool
	if useFusion && e.fuser != nil {
		fused := e.fuser.Fuse(semanticResults, keywordResults)
		// Truncate before reranking: the rerank stage must never
		// change the fused top-k membership.
		if len(fused) > topK {
			fused = fused[:topK]
		}
		results, degraded = Rerank(ctx, e.reranker, e.logger, query, fused, topK)
	} else {
		results = unionBySimilarity(semanticResults, keywordResults, topK)
	}

	elapsed := time.Since(start)
	e.recordRetrieval(elapsed)
	e.logger.Debug("retrieval complete",
		slog.String("query", query),
		slog.Int("results", len(results)),
		slog.Bool("fusion", useFusion),
		slog.Bool("rerank_degraded", degraded),
		slog.Duration("elapsed", elapsed))

	if useCache && e.cache != nil {
		e.cache.Set(query, topK, results)
	}
	return results, nil
}

// unionBySimilarity merges the two lists without fusion: first
// occurrence of a chunk wins, ranked by similarity descending so
// keyword-only hits (similarity 0) trail semantic ones.
func unionBySimilarity(semantic, keyword []*Result, topK int) []*Result {
	seen := make(map[string]struct{}, len(semantic)+len(keyword))
	union := make([]*Result, 0, len(semantic)+len(keyword))
	for _, res := range semantic {
		if _, dup := seen[res.Chunk.ID]; !dup {
			seen[res.Chunk.ID] = struct{}{}
			union = append(union, res)
		}
	}
	for _, res := range keyword {
		if _, dup := seen[res.Chunk.ID]; !dup {
			seen[res.Chunk.ID] = struct{}{}
			union = append(union, res)
		}
	}

	sort.SliceStable(union, func(a, b int) bool {
		if union[a].SimilarityScore != union[b].SimilarityScore {
			return union[a].SimilarityScore > union[b].SimilarityScore
		}
		return union[a].Chunk.ID < union[b].Chunk.ID
	})
	if len(union) > topK {
		union = union[:topK]
	}
	return union
}

func (e *Engine) recordRetrieval(elapsed time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.numRetrievals++
	e.totalTime += elapsed
	e.lastQueryTime = elapsed
}

// EngineStats is a point-in-time view of engine activity.
type EngineStats struct {
	NumRetrievals  int
	TotalQueryTime time.Duration
	AvgQueryTime   time.Duration
	LastQueryTime  time.Duration
	SemanticActive bool
	KeywordActive  bool
	CacheStats     *cache.Stats
}

// Stats returns retrieval counters and, when caching is enabled, the
// engine cache's counters.
func (e *Engine) Stats() EngineStats {
	e.mu.Lock()
	defer e.mu.Unlock()

	stats := EngineStats{
		NumRetrievals:  e.numRetrievals,
		TotalQueryTime: e.totalTime,
		LastQueryTime:  e.lastQueryTime,
		SemanticActive: e.semantic != nil,
		KeywordActive:  e.keyword != nil,
	}
	if e.numRetrievals > 0 {
		stats.AvgQueryTime = e.totalTime / time.Duration(e.numRetrievals)
	}
	if e.cache != nil {
		cs := e.cache.Stats()
		stats.CacheStats = &cs
	}
	return stats
}

// Semantic exposes the semantic retriever for expansion retrievals.
// Nil when the engine is running keyword-only.
func (e *Engine) Semantic() *SemanticRetriever {
	return e.semantic
}

// ClearCache drops the engine cache and the semantic retriever's cache.
func (e *Engine) ClearCache() {
	if e.cache != nil {
		e.cache.Clear()
	}
	if e.semantic != nil {
		e.semantic.ClearCache()
	}
}

// Close releases the reranker.
func (e *Engine) Close() error {
	if e.reranker != nil {
		return e.reranker.Close()
	}
	return nil
}

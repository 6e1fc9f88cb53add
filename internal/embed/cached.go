package embed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CachedEmbedder wraps another Embedder with an LRU cache keyed by
// (text, model), so repeated queries and rebuilds of unchanged chunks
// skip the provider entirely.
type CachedEmbedder struct {
	inner Embedder
	cache *lru.Cache[string, []float32]
}

var _ Embedder = (*CachedEmbedder)(nil)

// NewCachedEmbedder wraps inner with a cache of the given size.
func NewCachedEmbedder(inner Embedder, size int) (*CachedEmbedder, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, err
	}
	return &CachedEmbedder{inner: inner, cache: cache}, nil
}

func (e *CachedEmbedder) cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text + "\x00" + e.inner.ModelName()))
	return hex.EncodeToString(sum[:])
}

// Embed returns a cached embedding when available.
func (e *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := e.cacheKey(text)
	if vec, ok := e.cache.Get(key); ok {
		return vec, nil
	}

	vec, err := e.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	e.cache.Add(key, vec)
	return vec, nil
}

// EmbedBatch serves cached entries and forwards only the misses.
func (e *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	var missTexts []string
	var missIdx []int

	for i, text := range texts {
		if vec, ok := e.cache.Get(e.cacheKey(text)); ok {
			results[i] = vec
		} else {
			missTexts = append(missTexts, text)
			missIdx = append(missIdx, i)
		}
	}

	if len(missTexts) > 0 {
		embeddings, err := e.inner.EmbedBatch(ctx, missTexts)
		if err != nil {
			return nil, err
		}
		for i, vec := range embeddings {
			results[missIdx[i]] = vec
			e.cache.Add(e.cacheKey(missTexts[i]), vec)
		}
	}

	return results, nil
}

// Dimensions delegates to the wrapped embedder.
func (e *CachedEmbedder) Dimensions() int { return e.inner.Dimensions() }

// ModelName delegates to the wrapped embedder.
func (e *CachedEmbedder) ModelName() string { return e.inner.ModelName() }

// Available delegates to the wrapped embedder.
func (e *CachedEmbedder) Available(ctx context.Context) bool { return e.inner.Available(ctx) }

// Close purges the cache and closes the wrapped embedder.
func (e *CachedEmbedder) Close() error {
	e.cache.Purge()
	return e.inner.Close()
}

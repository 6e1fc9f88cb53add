package embed

import (
	"context"
	"hash/fnv"
	"strings"
	"sync"
	"unicode"
)

// StaticDimensions is the fixed dimensionality of StaticEmbedder output.
const StaticDimensions = 256

// StaticEmbedder produces deterministic embeddings from token and
// character n-gram hashes. It requires no external service, making it
// the offline fallback provider and the test workhorse. Similar texts
// share tokens and n-grams, so their vectors land near each other,
// which is enough signal for ranking tests and degraded operation.
type StaticEmbedder struct {
	mu     sync.RWMutex
	closed bool
}

var _ Embedder = (*StaticEmbedder)(nil)

// NewStaticEmbedder creates a deterministic hash-based embedder.
func NewStaticEmbedder() *StaticEmbedder {
	return &StaticEmbedder{}
}

// Embed generates a normalized deterministic embedding.
func (e *StaticEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, errClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return hashEmbedding(text), nil
}

// EmbedBatch generates embeddings for each text in order.
func (e *StaticEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, errClosed
	}

	results := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		results[i] = hashEmbedding(text)
	}
	return results, nil
}

// Dimensions returns StaticDimensions.
func (e *StaticEmbedder) Dimensions() int { return StaticDimensions }

// ModelName identifies the provider.
func (e *StaticEmbedder) ModelName() string { return "static-hash" }

// Available always reports true; the provider is in-process.
func (e *StaticEmbedder) Available(ctx context.Context) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return !e.closed
}

// Close marks the embedder closed.
func (e *StaticEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func hashEmbedding(text string) []float32 {
	vec := make([]float32, StaticDimensions)
	lower := strings.ToLower(text)

	// Word-level features carry the most weight.
	for _, token := range splitTokens(lower) {
		addFeature(vec, token, 1.0)
	}

	// Character trigrams catch partial overlap between related terms,
	// which matters for CJK text with no word boundaries.
	runes := []rune(lower)
	for i := 0; i+3 <= len(runes); i++ {
		addFeature(vec, string(runes[i:i+3]), 0.5)
	}

	return normalizeVector(vec)
}

func splitTokens(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

func addFeature(vec []float32, feature string, weight float32) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(feature))
	sum := h.Sum64()
	idx := int(sum % StaticDimensions)
	// Hash sign spreads features across both directions so unrelated
	// texts do not accumulate purely positive mass.
	if sum&(1<<63) != 0 {
		vec[idx] -= weight
	} else {
		vec[idx] += weight
	}
}

// Package embed provides embedding generation for chunks and queries.
//
// Two providers are included: an HTTP client for an Ollama-compatible
// /api/embed endpoint, and a deterministic hash-based embedder that
// needs no external service. Both are usually wrapped in a CachedEmbedder.
package embed

import (
	"context"
	"errors"
	"math"
)

var errClosed = errors.New("embedder is closed")

// Default provider settings. Dimensions of 0 means auto-detect from the
// first embedding response.
const (
	DefaultOllamaHost  = "http://localhost:11434"
	DefaultOllamaModel = "nomic-embed-text"
	DefaultBatchSize   = 32
	DefaultDimensions  = 768
	DefaultCacheSize   = 10000
)

// Embedder generates dense vector representations of text.
type Embedder interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts, preserving order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding dimensionality.
	Dimensions() int

	// ModelName returns the model identifier.
	ModelName() string

	// Available reports whether the provider can serve requests.
	Available(ctx context.Context) bool

	// Close releases provider resources.
	Close() error
}

// normalizeVector scales v to unit length. The zero vector is returned
// unchanged.
func normalizeVector(v []float32) []float32 {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return v
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= inv
	}
	return v
}

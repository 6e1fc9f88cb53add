package embed

import (
	"fmt"
	"time"

	"github.com/kestrelsearch/kestrel/internal/config"
)

// NewFromConfig builds the configured provider wrapped in a cache.
// Recognized providers are "static" and "ollama"; empty defaults to
// static so a fresh checkout works without a running model server.
func NewFromConfig(cfg config.EmbeddingConfig) (Embedder, error) {
	var inner Embedder
	switch cfg.Provider {
	case "", "static":
		inner = NewStaticEmbedder()
	case "ollama":
		inner = NewOllamaEmbedder(OllamaConfig{
			Host:       cfg.Host,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
			BatchSize:  cfg.BatchSize,
			Timeout:    60 * time.Second,
		})
	default:
		return nil, fmt.Errorf("unknown embedding provider: %q", cfg.Provider)
	}

	return NewCachedEmbedder(inner, DefaultCacheSize)
}

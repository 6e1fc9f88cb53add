// Package config provides typed configuration for the retrieval engine.
// Values come from the `rag:` section of a YAML file merged over the
// documented defaults; the resulting struct is validated once and passed
// down to components.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	kerrors "github.com/kestrelsearch/kestrel/internal/errors"
)

// Default configuration values.
const (
	DefaultDataDir        = "./data/knowledge"
	DefaultIndexDir       = "./data/rag_index"
	DefaultChunkSize      = 512
	DefaultChunkOverlap   = 50
	DefaultTopK           = 8
	DefaultScoreThreshold = 0.25
	DefaultSemanticWeight = 0.7
	DefaultKeywordWeight  = 0.3
	DefaultCacheSize      = 1000
	DefaultCacheTTL       = 7200 // seconds
	DefaultNumExpansions  = 3

	DefaultBM25K1       = 1.2
	DefaultBM25B        = 0.75
	DefaultBM25MaxScore = 10.0
)

// Config is the complete retrieval engine configuration.
type Config struct {
	// DataDir is the source-document directory walked at build time.
	DataDir string `yaml:"data_dir"`
	// IndexDir is where index artifacts are persisted.
	IndexDir string `yaml:"index_dir"`

	// ChunkSize bounds chunk content length in runes.
	ChunkSize int `yaml:"chunk_size"`
	// ChunkOverlap is configured in characters but applied as
	// ChunkOverlap/10 sentences of carry-over between chunks.
	ChunkOverlap int `yaml:"chunk_overlap"`

	// TopK is the default number of results per retrieval.
	TopK int `yaml:"top_k"`
	// ScoreThreshold drops results below it after fusion/rerank.
	// Zero disables the filter.
	ScoreThreshold float64 `yaml:"score_threshold"`

	// SemanticWeight and KeywordWeight control score fusion.
	// SemanticWeight 0 disables the semantic path entirely.
	SemanticWeight float64 `yaml:"semantic_weight"`
	KeywordWeight  float64 `yaml:"keyword_weight"`

	// CacheSize bounds each query cache; CacheTTLSeconds is entry lifetime.
	CacheSize       int `yaml:"cache_size"`
	CacheTTLSeconds int `yaml:"cache_ttl"`

	UseFusion bool `yaml:"use_fusion"`
	UseCache  bool `yaml:"use_cache"`
	UseRerank bool `yaml:"use_rerank"`
	EagerLoad bool `yaml:"eager_load"`

	// NumExpansions caps additional queries in expansion retrieval.
	NumExpansions int `yaml:"num_expansions"`

	// WatchData enables the fsnotify auto-reload watcher on DataDir.
	WatchData bool `yaml:"watch_data"`

	BM25      BM25Config      `yaml:"bm25"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Reranker  RerankerConfig  `yaml:"reranker"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// BM25Config holds the BM25 ranking parameters.
type BM25Config struct {
	// K1 controls term-frequency saturation.
	K1 float64 `yaml:"k1"`
	// B controls length-normalization strength.
	B float64 `yaml:"b"`
	// MaxScore is the score-normalization ceiling used by fusion.
	MaxScore float64 `yaml:"max_score"`
}

// EmbeddingConfig configures the embedding provider.
type EmbeddingConfig struct {
	// Provider selects the backend: "ollama" or "static".
	Provider string `yaml:"provider"`
	// Model is the embedding model name (ollama provider).
	Model string `yaml:"model"`
	// Host is the Ollama API endpoint.
	Host string `yaml:"host"`
	// Dimensions is the embedding dimension; 0 means auto-detect.
	Dimensions int `yaml:"dimensions"`
	// BatchSize is the embedding batch size.
	BatchSize int `yaml:"batch_size"`
}

// RerankerConfig configures the cross-encoder reranking service.
type RerankerConfig struct {
	// Endpoint is the scoring service URL. Empty disables reranking
	// regardless of UseRerank.
	Endpoint string `yaml:"endpoint"`
	// Model is the cross-encoder model name.
	Model string `yaml:"model"`
	// TimeoutSeconds bounds each scoring request.
	TimeoutSeconds int `yaml:"timeout"`
}

// LoggingConfig configures the observability sink.
type LoggingConfig struct {
	Level    string `yaml:"level"`
	FilePath string `yaml:"file"`
}

// fileSchema is the top-level YAML document shape.
type fileSchema struct {
	RAG *Config `yaml:"rag"`
}

// Default returns the documented default configuration.
func Default() Config {
	return Config{
		DataDir:         DefaultDataDir,
		IndexDir:        DefaultIndexDir,
		ChunkSize:       DefaultChunkSize,
		ChunkOverlap:    DefaultChunkOverlap,
		TopK:            DefaultTopK,
		ScoreThreshold:  DefaultScoreThreshold,
		SemanticWeight:  DefaultSemanticWeight,
		KeywordWeight:   DefaultKeywordWeight,
		CacheSize:       DefaultCacheSize,
		CacheTTLSeconds: DefaultCacheTTL,
		UseFusion:       true,
		UseCache:        true,
		UseRerank:       true,
		EagerLoad:       false,
		NumExpansions:   DefaultNumExpansions,
		BM25: BM25Config{
			K1:       DefaultBM25K1,
			B:        DefaultBM25B,
			MaxScore: DefaultBM25MaxScore,
		},
		Embedding: EmbeddingConfig{
			Provider:  "ollama",
			Model:     "paraphrase-multilingual",
			Host:      "http://localhost:11434",
			BatchSize: 32,
		},
		Reranker: RerankerConfig{
			Model:          "ms-marco-minilm-l6-v2",
			TimeoutSeconds: 30,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from path, merging the file's `rag:` section
// over defaults. A missing file yields the defaults without error; a
// malformed file is a config error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, kerrors.New(kerrors.ErrCodeConfigNotFound,
			fmt.Sprintf("cannot read config file %s", path), err)
	}

	// Unmarshal over a defaults copy: absent keys keep their default
	// values and explicitly configured zeros (e.g. chunk_overlap: 0)
	// stay zero.
	doc := fileSchema{RAG: &cfg}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Default(), kerrors.ConfigError(
			fmt.Sprintf("cannot parse config file %s", path), err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks invariants the rest of the engine relies on.
func (c Config) Validate() error {
	if c.ChunkSize < 50 {
		return kerrors.ConfigError(
			fmt.Sprintf("chunk_size must be at least 50, got %d", c.ChunkSize), nil)
	}
	if c.ChunkOverlap < 0 {
		return kerrors.ConfigError(
			fmt.Sprintf("chunk_overlap must not be negative, got %d", c.ChunkOverlap), nil)
	}
	if c.TopK <= 0 {
		return kerrors.ConfigError(
			fmt.Sprintf("top_k must be positive, got %d", c.TopK), nil)
	}
	if c.SemanticWeight < 0 || c.KeywordWeight < 0 {
		return kerrors.ConfigError("retrieval weights must not be negative", nil)
	}
	if c.CacheSize <= 0 {
		return kerrors.ConfigError(
			fmt.Sprintf("cache_size must be positive, got %d", c.CacheSize), nil)
	}
	if c.BM25.K1 <= 0 || c.BM25.B < 0 || c.BM25.B > 1 || c.BM25.MaxScore <= 0 {
		return kerrors.ConfigError("invalid bm25 parameters", nil)
	}
	return nil
}

// CacheTTL returns the cache entry lifetime as a duration.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// RerankTimeout returns the reranker request timeout as a duration.
func (c RerankerConfig) RerankTimeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

package rag

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/gofrs/flock"

	"github.com/kestrelsearch/kestrel/internal/cache"
	"github.com/kestrelsearch/kestrel/internal/chunk"
	"github.com/kestrelsearch/kestrel/internal/config"
	"github.com/kestrelsearch/kestrel/internal/embed"
	kerrors "github.com/kestrelsearch/kestrel/internal/errors"
	"github.com/kestrelsearch/kestrel/internal/search"
	"github.com/kestrelsearch/kestrel/internal/store"
)

// Index artifact names under IndexDir.
const (
	chunkStoreFile   = "chunks.db"
	keywordStoreFile = "keyword.gob"
	vectorStoreFile  = "vectors.hnsw"
	buildLockFile    = ".build.lock"
)

// minContextBlockChars is the smallest budget remainder worth filling
// with a truncated block during context assembly.
const minContextBlockChars = 100

// Retriever is the engine facade: it owns the index lifecycle and
// exposes retrieval, context assembly and prompt augmentation.
type Retriever struct {
	cfg    config.Config
	logger *slog.Logger

	mu          sync.RWMutex
	embedder    embed.Embedder
	chunkStore  *store.ChunkStore
	vectorIndex *store.VectorIndex
	engine      *search.Engine
	chunks      []*chunk.Chunk
	keywordDocs int
	initialized bool
	degraded    bool // keyword index unavailable, semantic-only
	closed      bool

	watcher     *Watcher
	watchCancel context.CancelFunc
}

// New creates an uninitialized retriever. Call Initialize before use.
func New(cfg config.Config, logger *slog.Logger) (*Retriever, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	var embedder embed.Embedder
	if cfg.SemanticWeight > 0 {
		var err error
		embedder, err = embed.NewFromConfig(cfg.Embedding)
		if err != nil {
			return nil, err
		}
	}

	return &Retriever{
		cfg:      cfg,
		logger:   logger,
		embedder: embedder,
	}, nil
}

// Initialize loads the index from IndexDir, building it first from
// DataDir when no chunk store exists yet.
func (r *Retriever) Initialize(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return fmt.Errorf("retriever is closed")
	}
	if r.initialized {
		return nil
	}

	chunkPath := filepath.Join(r.cfg.IndexDir, chunkStoreFile)
	if _, err := os.Stat(chunkPath); os.IsNotExist(err) {
		r.logger.Info("no index found, building",
			slog.String("data_dir", r.cfg.DataDir),
			slog.String("index_dir", r.cfg.IndexDir))
		if err := r.buildIndexLocked(ctx); err != nil {
			return err
		}
	}

	if err := r.loadIndexLocked(ctx); err != nil {
		return err
	}
	r.initialized = true

	if r.cfg.WatchData && r.watcher == nil {
		// The watcher outlives the Initialize call; Close cancels it.
		watchCtx, cancel := context.WithCancel(context.Background())
		watcher, err := NewWatcher(watchCtx, r, r.logger)
		if err != nil {
			cancel()
			r.logger.Warn("data watcher unavailable",
				slog.String("data_dir", r.cfg.DataDir),
				slog.String("error", err.Error()))
		} else {
			r.watcher = watcher
			r.watchCancel = cancel
		}
	}
	return nil
}

// Build rebuilds the index from DataDir and reloads it, regardless of
// whether an index already exists.
func (r *Retriever) Build(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return fmt.Errorf("retriever is closed")
	}
	if err := r.buildIndexLocked(ctx); err != nil {
		return err
	}
	if err := r.loadIndexLocked(ctx); err != nil {
		return err
	}
	r.initialized = true
	return nil
}

// Reload drops caches and re-reads the index artifacts. With force it
// rebuilds from DataDir first, picking up source changes; without, it
// only reloads what is on disk (picking up external rebuilds).
func (r *Retriever) Reload(ctx context.Context, force bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return fmt.Errorf("retriever is closed")
	}

	if r.engine != nil {
		r.engine.ClearCache()
	}
	if r.vectorIndex != nil {
		r.vectorIndex.Release()
	}

	if force {
		if err := r.buildIndexLocked(ctx); err != nil {
			return err
		}
	}
	if err := r.loadIndexLocked(ctx); err != nil {
		return err
	}
	r.initialized = true
	return nil
}

// buildIndexLocked chunks every source document and writes all index
// artifacts. Caller holds r.mu.
func (r *Retriever) buildIndexLocked(ctx context.Context) error {
	if err := os.MkdirAll(r.cfg.IndexDir, 0o755); err != nil {
		return fmt.Errorf("create index directory: %w", err)
	}

	lock := flock.New(filepath.Join(r.cfg.IndexDir, buildLockFile))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire build lock: %w", err)
	}
	if !locked {
		return kerrors.New(kerrors.ErrCodeIndexLocked,
			"another build is in progress", nil).
			WithSuggestion("wait for the running build to finish or remove a stale lock file")
	}
	defer func() { _ = lock.Unlock() }()

	chunks, err := r.chunkCorpus()
	if err != nil {
		return err
	}
	if len(chunks) == 0 {
		r.logger.Warn("no chunks produced, index not written",
			slog.String("data_dir", r.cfg.DataDir))
		return nil
	}

	// Chunk store first: it is the source of truth the other two
	// artifacts are checked against on load.
	chunkStore, err := store.OpenChunkStore(filepath.Join(r.cfg.IndexDir, chunkStoreFile))
	if err != nil {
		return err
	}
	if err := chunkStore.SaveChunks(ctx, chunks); err != nil {
		_ = chunkStore.Close()
		return err
	}
	if err := chunkStore.Close(); err != nil {
		return err
	}

	keyword := store.NewKeywordIndex(r.cfg.BM25.K1, r.cfg.BM25.B, r.cfg.BM25.MaxScore)
	keyword.Build(chunks)
	if err := keyword.Save(filepath.Join(r.cfg.IndexDir, keywordStoreFile)); err != nil {
		return err
	}

	if r.cfg.SemanticWeight > 0 {
		texts := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = c.Content
		}
		vectors, err := r.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return err
		}

		vectorIndex := store.NewVectorIndex("")
		if err := vectorIndex.Build(vectors); err != nil {
			return err
		}
		if err := vectorIndex.Save(filepath.Join(r.cfg.IndexDir, vectorStoreFile)); err != nil {
			return err
		}
	}

	r.logger.Info("index built",
		slog.Int("chunks", len(chunks)),
		slog.Int("terms", keyword.TermCount()),
		slog.String("index_dir", r.cfg.IndexDir))
	return nil
}

// chunkCorpus walks the source directory and chunks every readable
// text file. Files that cannot be decoded are skipped with a warning.
func (r *Retriever) chunkCorpus() ([]*chunk.Chunk, error) {
	files, err := listSourceFiles(r.cfg.DataDir)
	if err != nil {
		return nil, err
	}

	chunker := chunk.New(r.cfg.ChunkSize, r.cfg.ChunkOverlap)
	var chunks []*chunk.Chunk
	skipped := 0

	for _, path := range files {
		content, encodingName, err := readTextFile(path)
		if err != nil {
			skipped++
			r.logger.Warn("skipping unreadable source file",
				slog.String("path", path),
				slog.String("error", err.Error()))
			continue
		}
		if encodingName != "utf-8" {
			r.logger.Debug("decoded source file with fallback encoding",
				slog.String("path", path),
				slog.String("encoding", encodingName))
		}

		title := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		chunks = append(chunks, chunker.Chunk(content, filepath.Base(path), title)...)
	}

	r.logger.Info("corpus chunked",
		slog.Int("files", len(files)-skipped),
		slog.Int("skipped", skipped),
		slog.Int("chunks", len(chunks)))
	return chunks, nil
}

// listSourceFiles returns the sorted .txt files under dataDir/raw when
// that subdirectory exists, otherwise under dataDir itself.
func listSourceFiles(dataDir string) ([]string, error) {
	dir := filepath.Join(dataDir, "raw")
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		dir = dataDir
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, kerrors.New(kerrors.ErrCodeFileNotFound,
				fmt.Sprintf("data directory missing: %s", dir), err)
		}
		return nil, fmt.Errorf("read data directory: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".txt") {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// loadIndexLocked reads the artifacts and assembles the engine. Caller
// holds r.mu.
func (r *Retriever) loadIndexLocked(ctx context.Context) error {
	if r.chunkStore != nil {
		_ = r.chunkStore.Close()
		r.chunkStore = nil
	}

	chunkPath := filepath.Join(r.cfg.IndexDir, chunkStoreFile)
	if _, err := os.Stat(chunkPath); os.IsNotExist(err) {
		// Empty corpus: no artifacts were written. Serve empty results.
		r.chunks = nil
		r.engine = nil
		r.vectorIndex = nil
		r.degraded = false
		return nil
	}

	chunkStore, err := store.OpenChunkStore(chunkPath)
	if err != nil {
		return kerrors.CorruptIndex("cannot open chunk store", err)
	}
	chunks, err := chunkStore.LoadChunks(ctx)
	if err != nil {
		_ = chunkStore.Close()
		return err
	}
	r.chunkStore = chunkStore
	r.chunks = chunks

	semanticEnabled := r.cfg.SemanticWeight > 0
	degraded := false

	// Keyword index. A missing or unreadable keyword store degrades to
	// semantic-only unless the semantic path is disabled, in which case
	// nothing could answer queries and the index counts as corrupt.
	keyword := store.NewKeywordIndex(r.cfg.BM25.K1, r.cfg.BM25.B, r.cfg.BM25.MaxScore)
	keywordErr := keyword.Load(filepath.Join(r.cfg.IndexDir, keywordStoreFile))
	if keywordErr == nil && keyword.NumDocs() != len(chunks) {
		keywordErr = kerrors.CorruptIndex(
			fmt.Sprintf("keyword index has %d documents, chunk store has %d",
				keyword.NumDocs(), len(chunks)), nil)
	}
	if keywordErr != nil {
		if !semanticEnabled {
			return kerrors.CorruptIndex("keyword index unusable and semantic search disabled", keywordErr)
		}
		r.logger.Warn("keyword index unusable, degrading to semantic-only",
			slog.String("error", keywordErr.Error()))
		keyword = nil
		degraded = true
	}

	// Vector index. Loading is lazy; only the metadata count is checked
	// here so a stale artifact fails fast instead of at first query.
	var vectorIndex *store.VectorIndex
	if semanticEnabled {
		vectorPath := filepath.Join(r.cfg.IndexDir, vectorStoreFile)
		count, err := store.ReadVectorCount(vectorPath)
		if err != nil {
			return err
		}
		if count != len(chunks) {
			return kerrors.CorruptIndex(
				fmt.Sprintf("vector index has %d vectors, chunk store has %d",
					count, len(chunks)), nil)
		}
		vectorIndex = store.NewVectorIndex(vectorPath)
		if r.cfg.EagerLoad {
			if err := vectorIndex.EnsureLoaded(); err != nil {
				return err
			}
		}
	}

	var semantic *search.SemanticRetriever
	if semanticEnabled {
		semantic = search.NewSemanticRetriever(r.embedder, vectorIndex, chunks,
			r.cfg.CacheSize, r.cfg.CacheTTL())
	}
	var keywordRetriever *search.KeywordRetriever
	if keyword != nil {
		keywordRetriever = search.NewKeywordRetriever(keyword, chunks)
	}

	var reranker search.Reranker
	if r.cfg.UseRerank && r.cfg.Reranker.Endpoint != "" {
		reranker = search.NewHTTPReranker(r.cfg.Reranker.Endpoint,
			r.cfg.Reranker.Model, r.cfg.Reranker.RerankTimeout())
	}

	var queryCache *cache.Cache[[]*search.Result]
	if r.cfg.UseCache {
		queryCache = cache.New[[]*search.Result](r.cfg.CacheSize, r.cfg.CacheTTL())
	}

	r.vectorIndex = vectorIndex
	r.keywordDocs = 0
	if keyword != nil {
		r.keywordDocs = keyword.NumDocs()
	}
	r.degraded = degraded
	r.engine = search.NewEngine(search.EngineParams{
		Semantic: semantic,
		Keyword:  keywordRetriever,
		Fuser: &search.Fuser{
			SemanticWeight: r.cfg.SemanticWeight,
			KeywordWeight:  r.cfg.KeywordWeight,
			BM25MaxScore:   r.cfg.BM25.MaxScore,
		},
		Reranker: reranker,
		Cache:    queryCache,
		Logger:   r.logger,
	})

	r.logger.Info("index loaded",
		slog.Int("chunks", len(chunks)),
		slog.Bool("degraded", degraded),
		slog.Bool("semantic", semanticEnabled))
	return nil
}

// Option overrides per-call retrieval behavior.
type Option func(*retrieveOptions)

type retrieveOptions struct {
	topK         int
	useFusion    bool
	useCache     bool
	expand       bool
	systemPrompt string
}

// WithTopK overrides the configured result count.
func WithTopK(topK int) Option {
	return func(o *retrieveOptions) { o.topK = topK }
}

// WithFusion overrides the configured fusion setting.
func WithFusion(enabled bool) Option {
	return func(o *retrieveOptions) { o.useFusion = enabled }
}

// WithCache overrides the configured cache setting for this call.
func WithCache(enabled bool) Option {
	return func(o *retrieveOptions) { o.useCache = enabled }
}

// WithExpansion unions results from derived query variants before
// fusion. Semantic-path only; a no-op when semantic search is off.
func WithExpansion() Option {
	return func(o *retrieveOptions) { o.expand = true }
}

// WithSystemPrompt prepends a system prompt to the augmented prompt.
// Only AugmentPrompt consults it.
func WithSystemPrompt(prompt string) Option {
	return func(o *retrieveOptions) { o.systemPrompt = prompt }
}

// Retrieve answers a query with the configured pipeline. Results below
// the score threshold are dropped after fusion (or after similarity
// ranking when fusion is off); a threshold of zero keeps everything.
func (r *Retriever) Retrieve(ctx context.Context, query string, opts ...Option) ([]*search.Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, kerrors.New(kerrors.ErrCodeInvalidInput, "query is empty", nil)
	}

	r.mu.RLock()
	engine := r.engine
	initialized, closed := r.initialized, r.closed
	options := retrieveOptions{
		topK:      r.cfg.TopK,
		useFusion: r.cfg.UseFusion,
		useCache:  r.cfg.UseCache,
	}
	r.mu.RUnlock()

	if closed {
		return nil, fmt.Errorf("retriever is closed")
	}
	if !initialized {
		return nil, kerrors.New(kerrors.ErrCodeIndexNotBuilt,
			"retriever not initialized", nil).
			WithSuggestion("call Initialize before retrieving")
	}
	if engine == nil {
		return []*search.Result{}, nil
	}

	for _, opt := range opts {
		opt(&options)
	}
	if options.topK <= 0 {
		return nil, kerrors.New(kerrors.ErrCodeInvalidInput,
			fmt.Sprintf("top_k must be positive, got %d", options.topK), nil)
	}

	if options.expand {
		if semantic := engine.Semantic(); semantic != nil {
			// Prime the semantic cache with the expansion union under
			// the original query key; the engine then reads it back.
			if _, err := semantic.RetrieveWithExpansion(ctx, query,
				options.topK*2, r.cfg.NumExpansions); err != nil {
				return nil, err
			}
		}
	}

	results, err := engine.Retrieve(ctx, query, options.topK, options.useFusion, options.useCache)
	if err != nil {
		return nil, err
	}
	return r.applyThreshold(results, options.useFusion), nil
}

func (r *Retriever) applyThreshold(results []*search.Result, fused bool) []*search.Result {
	threshold := r.cfg.ScoreThreshold
	if threshold <= 0 {
		return results
	}

	filtered := make([]*search.Result, 0, len(results))
	for _, res := range results {
		score := res.SimilarityScore
		if fused {
			score = res.FusedScore
		}
		if score >= threshold {
			filtered = append(filtered, res)
		}
	}
	return filtered
}

// BuildContext retrieves for the query and assembles title-attributed
// blocks in rank order. The rune budget covers chunk content only; the
// `[source: ...]` headers and block separators ride for free. A block
// that overflows the budget is truncated to the remaining content
// budget when more than minContextBlockChars remain, otherwise dropped,
// and assembly stops either way. Returns "" when nothing is retrieved.
func (r *Retriever) BuildContext(ctx context.Context, query string, maxChars int, opts ...Option) (string, error) {
	results, err := r.Retrieve(ctx, query, opts...)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "", nil
	}

	var blocks []string
	total := 0
	for _, res := range results {
		label := res.Chunk.Title
		if label == "" {
			label = res.Chunk.Source
		}
		content := res.Chunk.Content
		size := len([]rune(content))

		if total+size > maxChars {
			remaining := maxChars - total
			if remaining > minContextBlockChars {
				blocks = append(blocks, fmt.Sprintf("[source: %s]\n%s",
					label, truncateToRunes(content, remaining)))
			}
			break
		}
		blocks = append(blocks, fmt.Sprintf("[source: %s]\n%s", label, content))
		total += size
	}

	return strings.Join(blocks, "\n\n"), nil
}

// AugmentPrompt wraps the retrieved context and the question in a
// prompt template, prepending the WithSystemPrompt option when set.
// Queries with no retrievable context pass through unchanged.
func (r *Retriever) AugmentPrompt(ctx context.Context, query string, maxChars int, opts ...Option) (string, error) {
	material, err := r.BuildContext(ctx, query, maxChars, opts...)
	if err != nil {
		return "", err
	}
	if material == "" {
		return query, nil
	}

	var options retrieveOptions
	for _, opt := range opts {
		opt(&options)
	}

	if options.systemPrompt != "" {
		return fmt.Sprintf(
			"%s\n\n## Reference Material\n\n%s\n\n## User Question\n\n%s\n\nAnswer the user's question using the reference material above. If the material does not cover the question, answer from your own knowledge.",
			options.systemPrompt, material, query), nil
	}
	return fmt.Sprintf(
		"## Reference Material\n\n%s\n\n## User Question\n\n%s\n\nAnswer the user's question using the reference material above.",
		material, query), nil
}

// Stats is a point-in-time view of the retriever.
type Stats struct {
	Initialized    bool
	Degraded       bool
	NumChunks      int
	KeywordDocs    int
	VectorCount    int
	UseFusion      bool
	SemanticWeight float64
	KeywordWeight  float64
	Engine         search.EngineStats
}

// Stats reports index and engine counters.
func (r *Retriever) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{
		Initialized:    r.initialized,
		Degraded:       r.degraded,
		NumChunks:      len(r.chunks),
		KeywordDocs:    r.keywordDocs,
		UseFusion:      r.cfg.UseFusion,
		SemanticWeight: r.cfg.SemanticWeight,
		KeywordWeight:  r.cfg.KeywordWeight,
	}
	if r.vectorIndex != nil {
		stats.VectorCount = r.vectorIndex.Count()
	}
	if r.engine != nil {
		stats.Engine = r.engine.Stats()
	}
	return stats
}

// Config returns the configuration the retriever was built with.
func (r *Retriever) Config() config.Config {
	return r.cfg
}

// ClearCache drops all query caches.
func (r *Retriever) ClearCache() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.engine != nil {
		r.engine.ClearCache()
	}
}

// Close releases the watcher, engine, embedder and chunk store. Idempotent.
func (r *Retriever) Close() error {
	// Stop the watcher before taking the main lock: its reload loop
	// acquires r.mu, so closing it under the lock would deadlock.
	r.mu.Lock()
	watcher, cancel := r.watcher, r.watchCancel
	r.watcher, r.watchCancel = nil, nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if watcher != nil {
		_ = watcher.Close()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	var firstErr error
	if r.engine != nil {
		if err := r.engine.Close(); err != nil {
			firstErr = err
		}
	}
	if r.vectorIndex != nil {
		if err := r.vectorIndex.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if r.embedder != nil {
		if err := r.embedder.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if r.chunkStore != nil {
		if err := r.chunkStore.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func truncateToRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

package rag

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelsearch/kestrel/internal/config"
	kerrors "github.com/kestrelsearch/kestrel/internal/errors"
	"github.com/kestrelsearch/kestrel/internal/logging"
)

const (
	docRetrieval = "Hybrid retrieval fuses BM25 keyword scores with vector similarity. " +
		"The fusion step normalizes both scores into a shared range before weighting. " +
		"Chunks found by both paths accumulate contributions from each of them."
	docCaching = "Query caching keeps repeated retrievals cheap during a session. " +
		"Entries expire after a time to live and the least recently used entry " +
		"is evicted when the cache reaches its configured capacity limit."
	docChunking = "Documents are split into chunks along sentence boundaries. " +
		"Each chunk carries its source name, a stable fingerprint identifier " +
		"and a preview of its trailing content for display in result lists."
)

// newTestRetriever builds an initialized retriever over the given docs.
func newTestRetriever(t *testing.T, docs map[string]string, mutate func(*config.Config)) *Retriever {
	t.Helper()

	dataDir := t.TempDir()
	for name, content := range docs {
		require.NoError(t, os.WriteFile(filepath.Join(dataDir, name), []byte(content), 0o644))
	}

	cfg := config.Default()
	cfg.DataDir = dataDir
	cfg.IndexDir = filepath.Join(t.TempDir(), "index")
	cfg.ScoreThreshold = 0 // tests assert on membership, not score cutoffs
	cfg.UseRerank = false
	cfg.Embedding.Provider = "static"
	if mutate != nil {
		mutate(&cfg)
	}

	r, err := New(cfg, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	require.NoError(t, r.Initialize(context.Background()))
	return r
}

func defaultDocs() map[string]string {
	return map[string]string{
		"retrieval.txt": docRetrieval,
		"caching.txt":   docCaching,
		"chunking.txt":  docChunking,
	}
}

// TS01: Build Then Retrieve End to End
func TestRetriever_Retrieve_EndToEnd(t *testing.T) {
	// Given: an initialized retriever over three documents
	r := newTestRetriever(t, defaultDocs(), nil)

	// When: querying for fusion terminology
	results, err := r.Retrieve(context.Background(), "BM25 keyword fusion", WithTopK(3))
	require.NoError(t, err)

	// Then: the retrieval document ranks first
	require.NotEmpty(t, results)
	assert.Equal(t, "retrieval.txt", results[0].Chunk.Source)
	assert.Greater(t, results[0].FusedScore, 0.0)
}

// TS02: Stats Reflect the Built Index
func TestRetriever_Stats(t *testing.T) {
	r := newTestRetriever(t, defaultDocs(), nil)

	stats := r.Stats()
	assert.True(t, stats.Initialized)
	assert.False(t, stats.Degraded)
	assert.Greater(t, stats.NumChunks, 0)
	assert.Equal(t, stats.NumChunks, stats.KeywordDocs)
	assert.True(t, stats.UseFusion)
	assert.Equal(t, 0.7, stats.SemanticWeight)
	assert.Equal(t, 0.3, stats.KeywordWeight)

	_, err := r.Retrieve(context.Background(), "cache eviction", WithTopK(2))
	require.NoError(t, err)
	after := r.Stats()
	assert.Equal(t, 1, after.Engine.NumRetrievals)
	assert.Equal(t, after.Engine.TotalQueryTime, after.Engine.LastQueryTime)
}

// TS03: Empty Query Is Invalid Input
func TestRetriever_Retrieve_EmptyQuery(t *testing.T) {
	r := newTestRetriever(t, defaultDocs(), nil)

	_, err := r.Retrieve(context.Background(), "   ")

	require.Error(t, err)
	assert.True(t, kerrors.IsCode(err, kerrors.ErrCodeInvalidInput))
}

// TS04: Uninitialized Retriever Refuses Queries
func TestRetriever_Retrieve_Uninitialized(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.IndexDir = filepath.Join(t.TempDir(), "index")
	cfg.Embedding.Provider = "static"

	r, err := New(cfg, logging.Discard())
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	_, err = r.Retrieve(context.Background(), "anything")

	require.Error(t, err)
	assert.True(t, kerrors.IsCode(err, kerrors.ErrCodeIndexNotBuilt))
}

// TS05: Empty Corpus Initializes and Returns No Results
func TestRetriever_Retrieve_EmptyCorpus(t *testing.T) {
	// Given: a data directory with no usable documents
	r := newTestRetriever(t, map[string]string{}, nil)

	// When: querying
	results, err := r.Retrieve(context.Background(), "anything at all")

	// Then: no error, no results
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Equal(t, 0, r.Stats().NumChunks)
}

// TS06: Score Threshold Filters Fused Results
func TestRetriever_Retrieve_ScoreThreshold(t *testing.T) {
	// Given: a threshold no fused score can clear
	r := newTestRetriever(t, defaultDocs(), func(cfg *config.Config) {
		cfg.ScoreThreshold = 0.99
	})

	results, err := r.Retrieve(context.Background(), "BM25 keyword fusion")
	require.NoError(t, err)

	assert.Empty(t, results)
}

// TS07: BuildContext Produces Title-Attributed Blocks
func TestRetriever_BuildContext(t *testing.T) {
	r := newTestRetriever(t, defaultDocs(), nil)

	context_, err := r.BuildContext(context.Background(), "BM25 keyword fusion", 4000, WithTopK(2))
	require.NoError(t, err)

	// Then: blocks are labeled with the document title, not the file name
	require.NotEmpty(t, context_)
	assert.Contains(t, context_, "[source: retrieval]\n")
	assert.NotContains(t, context_, "[source: retrieval.txt]")
}

// TS08: BuildContext Honors a Tiny Budget
func TestRetriever_BuildContext_TinyBudget(t *testing.T) {
	// Given: a budget too small for even a truncated block
	r := newTestRetriever(t, defaultDocs(), nil)

	context_, err := r.BuildContext(context.Background(), "BM25 keyword fusion", 10)
	require.NoError(t, err)

	// Then: nothing is emitted rather than a useless fragment
	assert.Empty(t, context_)
}

// TS09: BuildContext Counts Content Only and Truncates the Content
func TestRetriever_BuildContext_Truncates(t *testing.T) {
	r := newTestRetriever(t, defaultDocs(), nil)

	results, err := r.Retrieve(context.Background(), "BM25 keyword fusion", WithTopK(1))
	require.NoError(t, err)
	require.NotEmpty(t, results)
	full := results[0].Chunk.Content
	require.Greater(t, len([]rune(full)), 150)

	context_, err := r.BuildContext(context.Background(), "BM25 keyword fusion", 150, WithTopK(1))
	require.NoError(t, err)

	// Then: the header survives intact and only the content is cut to
	// the budget
	require.True(t, strings.HasPrefix(context_, "[source: retrieval]\n"))
	content := strings.TrimPrefix(context_, "[source: retrieval]\n")
	assert.Equal(t, 150, len([]rune(content)))
	assert.True(t, strings.HasPrefix(full, content))
}

// TS10: AugmentPrompt Wraps Context and Question
func TestRetriever_AugmentPrompt(t *testing.T) {
	r := newTestRetriever(t, defaultDocs(), nil)

	prompt, err := r.AugmentPrompt(context.Background(), "BM25 keyword fusion", 4000)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(prompt, "## Reference Material"))
	assert.Contains(t, prompt, "## User Question")
	assert.Contains(t, prompt, "BM25 keyword fusion")
	assert.NotContains(t, prompt, "your own knowledge")
}

// TS10b: AugmentPrompt Prepends the System Prompt
func TestRetriever_AugmentPrompt_SystemPrompt(t *testing.T) {
	r := newTestRetriever(t, defaultDocs(), nil)

	prompt, err := r.AugmentPrompt(context.Background(), "BM25 keyword fusion", 4000,
		WithSystemPrompt("You are a retrieval engine expert."))
	require.NoError(t, err)

	// Then: the system prompt leads and the instruction allows falling
	// back to model knowledge
	assert.True(t, strings.HasPrefix(prompt, "You are a retrieval engine expert.\n\n"))
	assert.Contains(t, prompt, "## Reference Material")
	assert.Contains(t, prompt, "## User Question")
	assert.Contains(t, prompt, "answer from your own knowledge")
}

// TS11: AugmentPrompt Passes Through Without Context
func TestRetriever_AugmentPrompt_Passthrough(t *testing.T) {
	// Given: an empty corpus, so nothing can be retrieved
	r := newTestRetriever(t, map[string]string{}, nil)

	prompt, err := r.AugmentPrompt(context.Background(), "unanswerable question", 4000)
	require.NoError(t, err)

	assert.Equal(t, "unanswerable question", prompt)
}

// TS12: Reload Picks Up New Documents With Force
func TestRetriever_Reload_Force(t *testing.T) {
	docs := defaultDocs()
	r := newTestRetriever(t, docs, nil)
	before := r.Stats().NumChunks

	// When: adding a document and force-reloading
	newDoc := "Reranking reorders fused candidates with a cross encoder model. " +
		"When the scoring service is unavailable the fused order is kept " +
		"so retrieval degrades gracefully instead of failing outright."
	require.NoError(t, os.WriteFile(
		filepath.Join(r.cfg.DataDir, "reranking.txt"), []byte(newDoc), 0o644))
	require.NoError(t, r.Reload(context.Background(), true))

	// Then: the new content is indexed and retrievable
	assert.Greater(t, r.Stats().NumChunks, before)
	results, err := r.Retrieve(context.Background(), "cross encoder reranking", WithTopK(2))
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "reranking.txt", results[0].Chunk.Source)
}

// TS13: Reload Without Force Yields Identical Results
func TestRetriever_Reload_NoForce(t *testing.T) {
	r := newTestRetriever(t, defaultDocs(), nil)
	before := r.Stats().NumChunks

	// Given: a baseline result set for a fixed query
	want, err := r.Retrieve(context.Background(), "BM25 keyword fusion", WithTopK(3))
	require.NoError(t, err)
	require.NotEmpty(t, want)

	// When: reloading the persisted artifacts without rebuilding
	require.NoError(t, r.Reload(context.Background(), false))

	// Then: the same chunks come back with the same scores
	got, err := r.Retrieve(context.Background(), "BM25 keyword fusion", WithTopK(3))
	require.NoError(t, err)
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].Chunk.ID, got[i].Chunk.ID)
		assert.InDelta(t, want[i].FusedScore, got[i].FusedScore, 1e-6)
		assert.InDelta(t, want[i].SimilarityScore, got[i].SimilarityScore, 1e-6)
		assert.InDelta(t, want[i].BM25Score, got[i].BM25Score, 1e-6)
	}
	assert.Equal(t, before, r.Stats().NumChunks)
}

// TS14: Missing Keyword Artifact Degrades to Semantic-Only
func TestRetriever_Load_DegradedKeyword(t *testing.T) {
	r := newTestRetriever(t, defaultDocs(), nil)

	// When: the keyword artifact disappears and the index reloads
	require.NoError(t, os.Remove(filepath.Join(r.cfg.IndexDir, keywordStoreFile)))
	require.NoError(t, r.Reload(context.Background(), false))

	// Then: the retriever is degraded but still answers semantically
	stats := r.Stats()
	assert.True(t, stats.Degraded)
	assert.Equal(t, 0, stats.KeywordDocs)

	results, err := r.Retrieve(context.Background(), docRetrieval, WithTopK(2))
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "retrieval.txt", results[0].Chunk.Source)
}

// TS15: Chunk Count Mismatch Is a Corrupt Index
func TestRetriever_Load_CorruptOnCountMismatch(t *testing.T) {
	r := newTestRetriever(t, defaultDocs(), nil)

	// When: the vector artifact is replaced by one from a smaller corpus
	vectorPath := filepath.Join(r.cfg.IndexDir, vectorStoreFile)
	require.NoError(t, os.Remove(vectorPath))
	require.NoError(t, os.Remove(vectorPath+".meta"))
	other := newTestRetriever(t, map[string]string{"only.txt": docCaching}, nil)
	for _, name := range []string{vectorStoreFile, vectorStoreFile + ".meta"} {
		data, err := os.ReadFile(filepath.Join(other.cfg.IndexDir, name))
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(r.cfg.IndexDir, name), data, 0o644))
	}

	err := r.Reload(context.Background(), false)

	// Then: the inconsistency is reported as a corrupt index
	require.Error(t, err)
	assert.True(t, kerrors.IsCode(err, kerrors.ErrCodeCorruptIndex))
}

// TS16: Non-Text Files Are Ignored at Build Time
func TestRetriever_Build_IgnoresNonText(t *testing.T) {
	docs := defaultDocs()
	docs["notes.md"] = "markdown files are not part of the corpus"
	r := newTestRetriever(t, docs, nil)

	results, err := r.Retrieve(context.Background(), "markdown corpus", WithTopK(5))
	require.NoError(t, err)
	for _, res := range results {
		assert.NotEqual(t, "notes.md", res.Chunk.Source)
	}
}

// TS17: A raw/ Subdirectory Takes Precedence
func TestRetriever_Build_RawSubdirectory(t *testing.T) {
	dataDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dataDir, "raw"), 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(dataDir, "raw", "inner.txt"), []byte(docRetrieval), 0o644))
	require.NoError(t, os.WriteFile(
		filepath.Join(dataDir, "outer.txt"), []byte(docCaching), 0o644))

	cfg := config.Default()
	cfg.DataDir = dataDir
	cfg.IndexDir = filepath.Join(t.TempDir(), "index")
	cfg.ScoreThreshold = 0
	cfg.UseRerank = false
	cfg.Embedding.Provider = "static"

	r, err := New(cfg, logging.Discard())
	require.NoError(t, err)
	defer func() { _ = r.Close() }()
	require.NoError(t, r.Initialize(context.Background()))

	// Then: only raw/ documents are indexed
	results, err := r.Retrieve(context.Background(), "fusion keyword", WithTopK(5))
	require.NoError(t, err)
	for _, res := range results {
		assert.Equal(t, "inner.txt", res.Chunk.Source)
	}
	assert.NotEmpty(t, results)
}

// TS18: Close Is Idempotent and Blocks Further Use
func TestRetriever_Close(t *testing.T) {
	r := newTestRetriever(t, defaultDocs(), nil)

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	_, err := r.Retrieve(context.Background(), "anything")
	assert.Error(t, err)
}

// TS19: watch_data Starts the Data Watcher With the Retriever
func TestRetriever_WatchDataLifecycle(t *testing.T) {
	// Given: a retriever initialized with watch_data enabled
	r := newTestRetriever(t, defaultDocs(), func(c *config.Config) {
		c.WatchData = true
	})

	// Then: the watcher runs until Close tears it down
	require.NotNil(t, r.watcher)
	require.NoError(t, r.Close())
	assert.Nil(t, r.watcher)
}

package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "github.com/kestrelsearch/kestrel/internal/errors"
)

// TS01: Build and Search
func TestVectorIndex_BuildAndSearch(t *testing.T) {
	// Given: three well-separated vectors
	idx := NewVectorIndex("")
	err := idx.Build([][]float32{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
	})
	require.NoError(t, err)

	// When: searching near the second vector
	results, err := idx.Search([]float32{0, 0.9, 0.1, 0}, 2)
	require.NoError(t, err)

	// Then: row 1 comes first with similarity close to 1
	require.NotEmpty(t, results)
	assert.Equal(t, 1, results[0].Row)
	assert.InDelta(t, 1.0, results[0].Similarity, 0.05)
}

// TS02: Similarity Range Covers Opposed Vectors
func TestVectorIndex_Search_SimilarityRange(t *testing.T) {
	// Given: a vector and its negation
	idx := NewVectorIndex("")
	require.NoError(t, idx.Build([][]float32{
		{1, 0},
		{-1, 0},
	}))

	// When: searching with the first vector
	results, err := idx.Search([]float32{1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)

	// Then: similarities span [-1, 1]
	assert.InDelta(t, 1.0, results[0].Similarity, 1e-3)
	assert.InDelta(t, -1.0, results[1].Similarity, 1e-3)
}

// TS03: Dimension Mismatch Is Rejected
func TestVectorIndex_Search_DimensionMismatch(t *testing.T) {
	idx := NewVectorIndex("")
	require.NoError(t, idx.Build([][]float32{{1, 0, 0}}))

	_, err := idx.Search([]float32{1, 0}, 1)

	require.Error(t, err)
	assert.True(t, kerrors.IsCode(err, kerrors.ErrCodeDimensionMismatch))
}

// TS04: Save and Lazy Load Round-Trip
func TestVectorIndex_SaveLoad(t *testing.T) {
	// Given: a built index saved to disk
	dir := t.TempDir()
	path := filepath.Join(dir, "vectors.hnsw")

	idx := NewVectorIndex("")
	require.NoError(t, idx.Build([][]float32{
		{1, 0, 0},
		{0, 1, 0},
	}))
	require.NoError(t, idx.Save(path))

	// When: a fresh index lazily loads on first search
	loaded := NewVectorIndex(path)
	assert.False(t, loaded.Loaded())

	results, err := loaded.Search([]float32{0, 1, 0}, 1)
	require.NoError(t, err)

	// Then: the graph is resident and answers correctly
	assert.True(t, loaded.Loaded())
	require.Len(t, results, 1)
	assert.Equal(t, 1, results[0].Row)
	assert.Equal(t, 2, loaded.Count())
	assert.Equal(t, 3, loaded.Dimensions())
}

// TS05: Missing Backing File Is Corrupt on Load
func TestVectorIndex_EnsureLoaded_Missing(t *testing.T) {
	idx := NewVectorIndex(filepath.Join(t.TempDir(), "vectors.hnsw"))

	err := idx.EnsureLoaded()

	require.Error(t, err)
	assert.True(t, kerrors.IsCode(err, kerrors.ErrCodeCorruptIndex))
}

// TS06: Corrupt Metadata Is Reported
func TestVectorIndex_EnsureLoaded_CorruptMeta(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vectors.hnsw")
	require.NoError(t, os.WriteFile(path, []byte("graph"), 0o644))
	require.NoError(t, os.WriteFile(path+".meta", []byte("not gob"), 0o644))

	idx := NewVectorIndex(path)
	err := idx.EnsureLoaded()

	require.Error(t, err)
	assert.True(t, kerrors.IsCode(err, kerrors.ErrCodeCorruptIndex))
}

// TS07: Release Drops the Graph Until the Next Search
func TestVectorIndex_Release(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vectors.hnsw")

	idx := NewVectorIndex("")
	require.NoError(t, idx.Build([][]float32{{1, 0}}))
	require.NoError(t, idx.Save(path))

	loaded := NewVectorIndex(path)
	_, err := loaded.Search([]float32{1, 0}, 1)
	require.NoError(t, err)
	require.True(t, loaded.Loaded())

	// When: releasing
	loaded.Release()
	assert.False(t, loaded.Loaded())

	// Then: the next search reloads transparently
	results, err := loaded.Search([]float32{1, 0}, 1)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

// TS08: Metadata Count Without Loading the Graph
func TestReadVectorCount(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vectors.hnsw")

	// Missing metadata means a fresh start, not an error.
	count, err := ReadVectorCount(path)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	idx := NewVectorIndex("")
	require.NoError(t, idx.Build([][]float32{{1, 0}, {0, 1}, {1, 1}}))
	require.NoError(t, idx.Save(path))

	count, err = ReadVectorCount(path)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

// TS09: Empty Index Searches Cleanly
func TestVectorIndex_Search_Empty(t *testing.T) {
	idx := NewVectorIndex("")
	require.NoError(t, idx.Build(nil))

	results, err := idx.Search([]float32{1, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

package store

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/coder/hnsw"

	kerrors "github.com/kestrelsearch/kestrel/internal/errors"
)

const vectorStoreVersion = 1

// VectorIndex wraps an HNSW graph keyed by chunk row ordinal. Loading
// is lazy: NewVectorIndex only records the path, and the graph is read
// from disk on the first search (or an explicit EnsureLoaded call).
type VectorIndex struct {
	mu sync.RWMutex

	graph      *hnsw.Graph[uint64]
	dimensions int
	count      int

	path   string
	loaded bool
	closed bool
}

// vectorMetadata is the versioned sidecar persisted next to the graph.
type vectorMetadata struct {
	Version    int
	Dimensions int
	Count      int
}

// NewVectorIndex creates an unloaded index bound to path. Pass an empty
// path for a build-only index that is never lazily loaded.
func NewVectorIndex(path string) *VectorIndex {
	return &VectorIndex{path: path}
}

func newGraph() *hnsw.Graph[uint64] {
	g := hnsw.NewGraph[uint64]()
	g.Distance = hnsw.CosineDistance
	g.M = 16
	g.EfSearch = 20
	g.Ml = 0.25
	return g
}

// Build replaces the graph with one node per vector, keyed by the
// vector's position. All vectors must share one dimensionality.
func (v *VectorIndex) Build(vectors [][]float32) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return fmt.Errorf("vector index is closed")
	}

	graph := newGraph()
	dims := 0
	for row, vec := range vectors {
		if dims == 0 {
			dims = len(vec)
		}
		if len(vec) != dims {
			return kerrors.New(kerrors.ErrCodeDimensionMismatch,
				fmt.Sprintf("vector %d has %d dimensions, want %d", row, len(vec), dims), nil)
		}
		normalized := make([]float32, len(vec))
		copy(normalized, vec)
		normalizeInPlace(normalized)
		graph.Add(hnsw.MakeNode(uint64(row), normalized))
	}

	v.graph = graph
	v.dimensions = dims
	v.count = len(vectors)
	v.loaded = true
	return nil
}

// Search returns the k nearest rows to query, with cosine similarity
// in [-1, 1]. The graph is loaded from disk on first use.
func (v *VectorIndex) Search(query []float32, k int) ([]*VectorResult, error) {
	if err := v.EnsureLoaded(); err != nil {
		return nil, err
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.closed {
		return nil, fmt.Errorf("vector index is closed")
	}
	if v.graph == nil || v.graph.Len() == 0 {
		return []*VectorResult{}, nil
	}
	if len(query) != v.dimensions {
		return nil, kerrors.New(kerrors.ErrCodeDimensionMismatch,
			fmt.Sprintf("query has %d dimensions, index has %d", len(query), v.dimensions), nil)
	}

	normalized := make([]float32, len(query))
	copy(normalized, query)
	normalizeInPlace(normalized)

	nodes := v.graph.Search(normalized, k)
	results := make([]*VectorResult, 0, len(nodes))
	for _, node := range nodes {
		// cosine distance is in [0, 2]; similarity = 1 - distance
		distance := v.graph.Distance(normalized, node.Value)
		results = append(results, &VectorResult{
			Row:        int(node.Key),
			Similarity: float64(1.0 - distance),
		})
	}
	return results, nil
}

// EnsureLoaded reads the graph and metadata from disk if not already in
// memory. Any failure to read or decode an existing artifact is
// reported as a corrupt index.
func (v *VectorIndex) EnsureLoaded() error {
	v.mu.RLock()
	loaded, closed := v.loaded, v.closed
	v.mu.RUnlock()
	if closed {
		return fmt.Errorf("vector index is closed")
	}
	if loaded {
		return nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.loaded {
		return nil
	}
	if v.path == "" {
		return kerrors.New(kerrors.ErrCodeIndexNotBuilt,
			"vector index has no backing file and was never built", nil)
	}

	meta, err := readVectorMetadata(v.path + ".meta")
	if err != nil {
		return err
	}

	file, err := os.Open(v.path)
	if err != nil {
		return kerrors.CorruptIndex(
			fmt.Sprintf("cannot open vector index: %s", v.path), err)
	}
	defer func() { _ = file.Close() }()

	graph := newGraph()
	// Import requires an io.ByteReader.
	if err := graph.Import(bufio.NewReader(file)); err != nil {
		return kerrors.CorruptIndex(
			fmt.Sprintf("cannot import vector index: %s", v.path), err)
	}

	v.graph = graph
	v.dimensions = meta.Dimensions
	v.count = meta.Count
	v.loaded = true
	return nil
}

// Save writes the graph and its metadata sidecar atomically.
func (v *VectorIndex) Save(path string) error {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.closed {
		return fmt.Errorf("vector index is closed")
	}
	if v.graph == nil {
		return kerrors.New(kerrors.ErrCodeIndexNotBuilt, "vector index was never built", nil)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create index directory: %w", err)
	}

	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create vector index file: %w", err)
	}
	if err := v.graph.Export(file); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("export vector index: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close vector index file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename vector index file: %w", err)
	}

	return v.saveMetadata(path + ".meta")
}

func (v *VectorIndex) saveMetadata(path string) error {
	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create vector metadata file: %w", err)
	}

	meta := vectorMetadata{
		Version:    vectorStoreVersion,
		Dimensions: v.dimensions,
		Count:      v.count,
	}
	if err := gob.NewEncoder(file).Encode(meta); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("encode vector metadata: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close vector metadata file: %w", err)
	}
	return os.Rename(tmpPath, path)
}

// Release drops the in-memory graph so the next search reloads from
// disk. Used after a rebuild replaces the on-disk artifacts.
func (v *VectorIndex) Release() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	v.graph = nil
	v.loaded = false
}

// Count returns the number of indexed vectors, or 0 when unloaded.
func (v *VectorIndex) Count() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.count
}

// Dimensions returns the vector dimensionality, or 0 when unloaded.
func (v *VectorIndex) Dimensions() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.dimensions
}

// Loaded reports whether the graph is resident in memory.
func (v *VectorIndex) Loaded() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.loaded
}

// Close releases the graph. Further operations fail.
func (v *VectorIndex) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil
	}
	v.closed = true
	v.graph = nil
	return nil
}

// ReadVectorCount reads the persisted vector count without loading the
// graph. Returns 0 with no error when the metadata file is absent.
func ReadVectorCount(vectorPath string) (int, error) {
	metaPath := vectorPath + ".meta"
	if _, err := os.Stat(metaPath); os.IsNotExist(err) {
		return 0, nil
	}
	meta, err := readVectorMetadata(metaPath)
	if err != nil {
		return 0, err
	}
	return meta.Count, nil
}

func readVectorMetadata(path string) (*vectorMetadata, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, kerrors.CorruptIndex(
			fmt.Sprintf("cannot open vector metadata: %s", path), err)
	}
	defer func() { _ = file.Close() }()

	var meta vectorMetadata
	if err := gob.NewDecoder(file).Decode(&meta); err != nil {
		return nil, kerrors.CorruptIndex(
			fmt.Sprintf("cannot decode vector metadata: %s", path), err)
	}
	if meta.Version != vectorStoreVersion {
		return nil, kerrors.CorruptIndex(
			fmt.Sprintf("vector metadata version %d, want %d", meta.Version, vectorStoreVersion), nil)
	}
	return &meta, nil
}

func normalizeInPlace(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= inv
	}
}

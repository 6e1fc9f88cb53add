package store

import (
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/kestrelsearch/kestrel/internal/chunk"
	kerrors "github.com/kestrelsearch/kestrel/internal/errors"
)

// keywordStoreVersion tags the persisted keyword record so loaders can
// reject mismatched layouts instead of failing deep inside decoding.
const keywordStoreVersion = 1

// KeywordIndex scores documents by BM25 over precomputed term statistics.
//
// Document length is a character-based proxy (rune count), not a
// tokenizer-based one, and term frequency is the substring count of the
// term in the lower-cased document. Queries are O(N * |query terms|),
// which is acceptable for the corpus sizes this engine targets; callers
// needing sub-linear lookup must add an inverted-index acceleration
// without changing the scoring formula.
type KeywordIndex struct {
	mu sync.RWMutex

	documents []string // chunk contents, build order
	docsLower []string // lower-cased contents for TF counting
	chunkIDs  []string // chunk fingerprints, aligned with documents

	idf          map[string]float64
	docLengths   []int // rune counts
	avgDocLength float64
	numDocs      int

	k1       float64
	b        float64
	maxScore float64 // score-normalization ceiling used by fusion
}

// keywordRecord is the versioned on-disk layout.
type keywordRecord struct {
	Version      int
	Documents    []string
	ChunkIDs     []string
	IDF          map[string]float64
	DocLengths   []int
	AvgDocLength float64
	NumDocs      int
	K1           float64
	B            float64
	MaxScore     float64
}

// NewKeywordIndex creates an empty keyword index with the given BM25
// parameters (k1: term-frequency saturation, b: length normalization,
// maxScore: normalization ceiling).
func NewKeywordIndex(k1, b, maxScore float64) *KeywordIndex {
	return &KeywordIndex{
		idf:      make(map[string]float64),
		k1:       k1,
		b:        b,
		maxScore: maxScore,
	}
}

// Build computes term statistics over the chunk set, replacing any
// previous state. IDF per term is ln((N - df + 0.5) / (df + 0.5) + 1).
func (k *KeywordIndex) Build(chunks []*chunk.Chunk) {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.documents = make([]string, len(chunks))
	k.docsLower = make([]string, len(chunks))
	k.chunkIDs = make([]string, len(chunks))
	k.docLengths = make([]int, len(chunks))
	k.numDocs = len(chunks)
	k.idf = make(map[string]float64)

	if len(chunks) == 0 {
		k.avgDocLength = 0
		return
	}

	totalLen := 0
	termDocFreq := make(map[string]int)

	for i, c := range chunks {
		k.documents[i] = c.Content
		k.docsLower[i] = strings.ToLower(c.Content)
		k.chunkIDs[i] = c.ID
		k.docLengths[i] = len([]rune(c.Content))
		totalLen += k.docLengths[i]

		seen := make(map[string]struct{})
		for _, term := range Tokenize(c.Content) {
			if _, ok := seen[term]; !ok {
				seen[term] = struct{}{}
				termDocFreq[term]++
			}
		}
	}

	k.avgDocLength = float64(totalLen) / float64(k.numDocs)

	n := float64(k.numDocs)
	for term, df := range termDocFreq {
		k.idf[term] = math.Log((n-float64(df)+0.5)/(float64(df)+0.5) + 1)
	}
}

// Search scores every document against the query terms and returns the
// top-k with score > 0, ranked descending.
func (k *KeywordIndex) Search(query string, topK int) []*KeywordResult {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if k.numDocs == 0 || topK <= 0 {
		return nil
	}

	terms := Tokenize(query)
	if len(terms) == 0 {
		return nil
	}

	scores := make([]float64, k.numDocs)
	for i := 0; i < k.numDocs; i++ {
		docLower := k.docsLower[i]
		docLen := float64(k.docLengths[i])

		for _, term := range terms {
			idf, ok := k.idf[term]
			if !ok {
				continue
			}
			tf := float64(strings.Count(docLower, term))
			if tf == 0 {
				continue
			}
			saturation := (tf * (k.k1 + 1)) /
				(tf + k.k1*(1-k.b+k.b*docLen/k.avgDocLength))
			scores[i] += idf * saturation
		}
	}

	order := make([]int, k.numDocs)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return scores[order[a]] > scores[order[b]]
	})

	results := make([]*KeywordResult, 0, topK)
	for _, row := range order {
		if len(results) >= topK {
			break
		}
		if scores[row] <= 0 {
			break
		}
		results = append(results, &KeywordResult{
			Row:     row,
			ChunkID: k.chunkIDs[row],
			Score:   scores[row],
		})
	}
	return results
}

// NumDocs returns the number of indexed documents.
func (k *KeywordIndex) NumDocs() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.numDocs
}

// TermCount returns the number of distinct indexed terms.
func (k *KeywordIndex) TermCount() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.idf)
}

// MaxScore returns the score-normalization ceiling.
func (k *KeywordIndex) MaxScore() float64 {
	return k.maxScore
}

// Params returns the BM25 parameters (k1, b).
func (k *KeywordIndex) Params() (float64, float64) {
	return k.k1, k.b
}

// Save persists the term statistics as a versioned record, written
// atomically via a temp file and rename.
func (k *KeywordIndex) Save(path string) error {
	k.mu.RLock()
	record := keywordRecord{
		Version:      keywordStoreVersion,
		Documents:    k.documents,
		ChunkIDs:     k.chunkIDs,
		IDF:          k.idf,
		DocLengths:   k.docLengths,
		AvgDocLength: k.avgDocLength,
		NumDocs:      k.numDocs,
		K1:           k.k1,
		B:            k.b,
		MaxScore:     k.maxScore,
	}
	k.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create index directory: %w", err)
	}

	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create keyword store file: %w", err)
	}

	if err := gob.NewEncoder(file).Encode(record); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("encode keyword store: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close keyword store file: %w", err)
	}

	return os.Rename(tmpPath, path)
}

// Load restores term statistics from disk. A missing file is reported
// with ErrCodeFileNotFound so callers can choose degraded keyword-less
// operation; an undecodable or version-mismatched file is
// ErrCodeCorruptIndex.
func (k *KeywordIndex) Load(path string) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return kerrors.New(kerrors.ErrCodeFileNotFound,
				fmt.Sprintf("keyword store missing: %s", path), err)
		}
		return kerrors.CorruptIndex(
			fmt.Sprintf("cannot open keyword store: %s", path), err)
	}
	defer func() { _ = file.Close() }()

	var record keywordRecord
	if err := gob.NewDecoder(file).Decode(&record); err != nil {
		return kerrors.CorruptIndex(
			fmt.Sprintf("cannot decode keyword store: %s", path), err)
	}
	if record.Version != keywordStoreVersion {
		return kerrors.CorruptIndex(
			fmt.Sprintf("keyword store version %d, want %d",
				record.Version, keywordStoreVersion), nil)
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	k.documents = record.Documents
	k.chunkIDs = record.ChunkIDs
	k.idf = record.IDF
	k.docLengths = record.DocLengths
	k.avgDocLength = record.AvgDocLength
	k.numDocs = record.NumDocs
	k.k1 = record.K1
	k.b = record.B
	k.maxScore = record.MaxScore

	k.docsLower = make([]string, len(k.documents))
	for i, doc := range k.documents {
		k.docsLower[i] = strings.ToLower(doc)
	}

	return nil
}

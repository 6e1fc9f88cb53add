// Package store provides the persisted index structures: the BM25 keyword
// statistics index, the HNSW vector index, and the SQLite chunk store.
package store

import (
	"regexp"
	"strings"
)

// wordPattern matches maximal runs of word characters (Unicode letters,
// digits, underscore), mirroring the tokenization the index statistics
// are computed over.
var wordPattern = regexp.MustCompile(`[\p{L}\p{N}_]+`)

// Tokenize returns the lower-cased word tokens of text.
func Tokenize(text string) []string {
	return wordPattern.FindAllString(strings.ToLower(text), -1)
}

// KeywordResult is one scored hit from the keyword index.
type KeywordResult struct {
	// Row is the document's position in the indexed chunk ordering.
	Row int
	// ChunkID is the chunk fingerprint for the row.
	ChunkID string
	// Score is the raw, unbounded BM25 score.
	Score float64
}

// VectorResult is one scored hit from the vector index.
type VectorResult struct {
	// Row is the vector's position in the indexed chunk ordering.
	Row int
	// Similarity is the inner-product similarity of unit vectors,
	// in [-1, 1].
	Similarity float64
}

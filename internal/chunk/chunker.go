// Package chunk splits raw document text into overlapping, size-bounded
// retrievable units.
package chunk

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// MinChunkChars is the minimum chunk content length in runes.
// Shorter buffers are discarded rather than emitted.
const MinChunkChars = 50

// minSentenceChars: sentence fragments at or below this rune count are
// discarded as noise (punctuation runs, list markers).
const minSentenceChars = 5

// previewChars is the length of the trailing excerpt kept for display.
const previewChars = 200

// cleanRule is one textual cleanup step. Rules run in a fixed order; the
// order matters (blank-line collapsing assumes CRLF was normalized first).
type cleanRule struct {
	pattern *regexp.Regexp
	repl    string
}

var cleanRules = []cleanRule{
	{regexp.MustCompile(`\r\n`), "\n"},
	{regexp.MustCompile(`\n{3,}`), "\n\n"},
	{regexp.MustCompile(`[ \t]+`), " "},
	{regexp.MustCompile(`\x{3000}+`), ""},
	{regexp.MustCompile(`\x{00a0}`), " "},
}

// sentencePattern matches runs of sentence-terminating punctuation,
// covering both CJK full-width and ASCII terminators.
var sentencePattern = regexp.MustCompile(`[。！？；.!?;]+`)

// Chunk is an immutable retrievable unit derived from a source document.
type Chunk struct {
	// ID is a content-derived fingerprint, stable across rebuilds for
	// identical (content, source, ordinal).
	ID string
	// Content is the chunk text, between MinChunkChars and the
	// configured chunk size in runes.
	Content string
	// Source identifies the origin document (e.g. file path).
	Source string
	// Title is the document title.
	Title string
	// Ordinal is the chunk's position within its source document,
	// numbered consecutively from 0.
	Ordinal int
	// Preview is a trailing excerpt for display.
	Preview string
	// CharCount is the content length in runes.
	CharCount int
	// CreatedAt records when the chunk was produced.
	CreatedAt time.Time
}

// Chunker splits text into chunks of at most chunkSize runes with a
// sentence-level overlap between consecutive chunks.
type Chunker struct {
	chunkSize    int
	chunkOverlap int
}

// New creates a Chunker. chunkSize bounds content length in runes;
// chunkOverlap is configured in characters but applied as
// chunkOverlap/10 sentences of carry-over (see Chunk).
func New(chunkSize, chunkOverlap int) *Chunker {
	return &Chunker{chunkSize: chunkSize, chunkOverlap: chunkOverlap}
}

// Chunk splits text into an ordered sequence of chunks. Empty or
// sub-50-rune input yields nil without error.
//
// Sentences are greedily packed into a buffer; when the next sentence
// would overflow chunkSize the buffer is flushed and the trailing
// chunkOverlap/10 sentences carry over into the next buffer. The overlap
// is deliberately measured in sentences, not characters; downstream
// chunk-boundary behavior depends on this exact rule.
func (c *Chunker) Chunk(text, source, title string) []*Chunk {
	if text == "" || runeLen(text) < MinChunkChars {
		return nil
	}

	cleaned := cleanText(text)
	sentences := splitSentences(cleaned)

	var chunks []*Chunk
	var buf []string
	bufSize := 0

	for _, sentence := range sentences {
		size := runeLen(sentence)

		if bufSize+size > c.chunkSize && len(buf) > 0 {
			joined := strings.Join(buf, "")
			if runeLen(joined) >= MinChunkChars {
				if ch := c.newChunk(joined, source, title, len(chunks)); ch != nil {
					chunks = append(chunks, ch)
				}
			}

			carry := len(buf) - c.chunkOverlap/10
			if carry < 0 {
				carry = 0
			}
			buf = buf[carry:]
			bufSize = 0
			for _, s := range buf {
				bufSize += runeLen(s)
			}
		}

		buf = append(buf, sentence)
		bufSize += size
	}

	if len(buf) > 0 {
		joined := strings.Join(buf, "")
		if runeLen(joined) >= MinChunkChars {
			if ch := c.newChunk(joined, source, title, len(chunks)); ch != nil {
				chunks = append(chunks, ch)
			}
		}
	}

	return chunks
}

// newChunk builds a Chunk from buffered text, truncating to chunkSize
// runes. Returns nil if the truncated content is shorter than
// MinChunkChars.
func (c *Chunker) newChunk(text, source, title string, ordinal int) *Chunk {
	content := truncateRunes(text, c.chunkSize)
	count := runeLen(content)
	if count < MinChunkChars {
		return nil
	}

	return &Chunk{
		ID:        ChunkID(content, source, ordinal),
		Content:   content,
		Source:    source,
		Title:     title,
		Ordinal:   ordinal,
		Preview:   tailRunes(content, previewChars),
		CharCount: count,
		CreatedAt: time.Now(),
	}
}

// ChunkID derives the stable chunk fingerprint: the first 16 hex
// characters of SHA-256 over content, source, and ordinal. Identical
// input always reproduces identical ids, making rebuilds idempotent.
func ChunkID(content, source string, ordinal int) string {
	sum := sha256.Sum256([]byte(content + source + strconv.Itoa(ordinal)))
	return hex.EncodeToString(sum[:])[:16]
}

// cleanText applies the fixed cleanup rules in order, then trims.
func cleanText(text string) string {
	cleaned := text
	for _, rule := range cleanRules {
		cleaned = rule.pattern.ReplaceAllString(cleaned, rule.repl)
	}
	return strings.TrimSpace(cleaned)
}

// splitSentences splits on sentence terminators and drops fragments of
// minSentenceChars runes or fewer.
func splitSentences(text string) []string {
	parts := sentencePattern.Split(text, -1)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" && runeLen(p) > minSentenceChars {
			out = append(out, p)
		}
	}
	return out
}

func runeLen(s string) int {
	return len([]rune(s))
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func tailRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}

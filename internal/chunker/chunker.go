// Package chunker splits document text into overlapping token windows.
package chunker

import (
	"math"
	"strings"
	"unicode/utf8"

	"github.com/medrag/medrag/internal/domain"
)

const (
	DefaultSize    = 400
	DefaultMinSize = 300
	DefaultMaxSize = 500
	DefaultOverlap = 0.2
)

// Chunker produces fixed-size token windows. Every chunk except the last has
// exactly Size tokens; consecutive chunks share round(Size*Overlap) tokens.
type Chunker struct {
	size    int
	minSize int
	maxSize int
	overlap float64
}

// Option configures a Chunker.
type Option func(*Chunker)

// WithSize sets the window size in tokens.
func WithSize(size int) Option {
	return func(c *Chunker) {
		if size > 0 {
			c.size = size
		}
	}
}

// WithBounds sets the allowed window size range.
func WithBounds(minSize, maxSize int) Option {
	return func(c *Chunker) {
		if minSize > 0 && maxSize >= minSize {
			c.minSize = minSize
			c.maxSize = maxSize
		}
	}
}

// WithOverlap sets the overlap as a fraction of the window size, in [0, 1).
func WithOverlap(fraction float64) Option {
	return func(c *Chunker) {
		if fraction >= 0 && fraction < 1 {
			c.overlap = fraction
		}
	}
}

// New creates a Chunker. The size is clamped into the configured bounds.
func New(opts ...Option) *Chunker {
	c := &Chunker{
		size:    DefaultSize,
		minSize: DefaultMinSize,
		maxSize: DefaultMaxSize,
		overlap: DefaultOverlap,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.size = min(max(c.size, c.minSize), c.maxSize)
	return c
}

// Size returns the window size in tokens.
func (c *Chunker) Size() int { return c.size }

// OverlapTokens returns the number of tokens shared by consecutive chunks.
func (c *Chunker) OverlapTokens() int {
	return int(math.Round(float64(c.size) * c.overlap))
}

func (c *Chunker) step() int {
	return max(c.size-c.OverlapTokens(), 1)
}

// Tokenize splits text into whitespace-delimited tokens.
func Tokenize(text string) []string {
	return strings.Fields(text)
}

// Chunk splits text into ordered chunks belonging to documentID. Text that is
// empty, whitespace only, or not valid UTF-8 is rejected as InvalidInput.
func (c *Chunker) Chunk(documentID, text string) ([]domain.Chunk, error) {
	if !utf8.ValidString(text) {
		return nil, domain.Errorf(domain.InvalidInput, "chunk", "document %s: text is not valid UTF-8", documentID)
	}
	tokens := Tokenize(text)
	if len(tokens) == 0 {
		return nil, domain.Errorf(domain.InvalidInput, "chunk", "document %s: no extractable text", documentID)
	}

	step := c.step()
	chunks := make([]domain.Chunk, 0, len(tokens)/step+1)
	for start := 0; ; start += step {
		end := min(start+c.size, len(tokens))
		idx := len(chunks)
		chunks = append(chunks, domain.Chunk{
			ID:         domain.ChunkID(documentID, idx),
			DocumentID: documentID,
			Index:      idx,
			Text:       strings.Join(tokens[start:end], " "),
			TokenCount: end - start,
			StartToken: start,
			EndToken:   end,
		})
		if end >= len(tokens) {
			break
		}
	}
	return chunks, nil
}

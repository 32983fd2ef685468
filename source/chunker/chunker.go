// Package chunker splits page text into bounded, boundary-aligned chunks for
// embedding.
package chunker

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/c360studio/sitesync/source"
	"github.com/c360studio/sitesync/source/tokens"
)

// Boundary search window around the naive cut, in characters.
const (
	lookBehind = 300
	lookAhead  = 200

	// wordBoundaryRatio is the fraction of ChunkSize a word-boundary cut
	// must reach to be accepted.
	wordBoundaryRatio = 0.7
)

var (
	horizontalSpace = regexp.MustCompile(`[ \t\f\v]+`)
	spaceAroundNL   = regexp.MustCompile(` ?\n ?`)
	excessNewlines  = regexp.MustCompile(`\n{3,}`)
)

// Config holds chunking configuration. Sizes are in characters.
type Config struct {
	// ChunkSize is the target chunk length.
	ChunkSize int `json:"chunk_size" yaml:"chunk_size"`

	// ChunkOverlap is how far each chunk reaches back into the previous one.
	ChunkOverlap int `json:"chunk_overlap" yaml:"chunk_overlap"`

	// MinChunkSize is the floor below which chunks are dropped.
	MinChunkSize int `json:"min_chunk_size" yaml:"min_chunk_size"`
}

// DefaultConfig returns the production chunking defaults.
func DefaultConfig() Config {
	return Config{
		ChunkSize:    1500,
		ChunkOverlap: 100,
		MinChunkSize: 200,
	}
}

// Validate checks if the configuration is valid. An overlap at or above
// ChunkSize is allowed; chunking still terminates.
func (c Config) Validate() error {
	if c.ChunkSize <= 0 {
		return fmt.Errorf("ChunkSize must be positive, got %d", c.ChunkSize)
	}
	if c.ChunkOverlap < 0 {
		return fmt.Errorf("ChunkOverlap must not be negative, got %d", c.ChunkOverlap)
	}
	if c.MinChunkSize < 0 {
		return fmt.Errorf("MinChunkSize must not be negative, got %d", c.MinChunkSize)
	}
	return nil
}

// Chunker splits text into chunks.
type Chunker struct {
	config Config
}

// New creates a new Chunker with the given configuration.
// A zero Config selects DefaultConfig; any other Config must validate.
func New(cfg Config) (*Chunker, error) {
	if cfg == (Config{}) {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Chunker{config: cfg}, nil
}

// MustNew creates a new Chunker, panicking on invalid config.
func MustNew(cfg Config) *Chunker {
	c, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return c
}

// NewDefault creates a Chunker with default configuration.
func NewDefault() *Chunker {
	return MustNew(DefaultConfig())
}

// Config returns the chunker's configuration.
func (c *Chunker) Config() Config {
	return c.config
}

// Chunk splits text with the boundary-search algorithm.
func (c *Chunker) Chunk(text string) []source.TextChunk {
	return Chunk(text, c.config)
}

// ChunkParagraphs splits text by batching whole paragraphs.
func (c *Chunker) ChunkParagraphs(text string) []source.TextChunk {
	return ChunkParagraphs(text, c.config)
}

// Chunk splits text into chunks of about cfg.ChunkSize characters, cutting
// at the best paragraph, sentence, or word boundary near each naive cut.
// Chunks shorter than cfg.MinChunkSize are dropped; text that is shorter
// than the floor after cleaning yields no chunks.
func Chunk(text string, cfg Config) []source.TextChunk {
	r := []rune(Clean(text))
	if len(r) == 0 || len(r) < cfg.MinChunkSize {
		return nil
	}
	e := &emitter{text: r, min: cfg.MinChunkSize}
	segment(r, 0, len(r), cfg, e)
	return e.chunks
}

// ChunkParagraphs splits cleaned text on blank lines and greedily batches
// adjacent paragraphs up to cfg.ChunkSize. A paragraph longer than
// ChunkSize falls back to the boundary-search algorithm. A batch still
// under MinChunkSize keeps absorbing paragraphs, so a chunk may slightly
// exceed ChunkSize.
func ChunkParagraphs(text string, cfg Config) []source.TextChunk {
	r := []rune(Clean(text))
	if len(r) == 0 || len(r) < cfg.MinChunkSize {
		return nil
	}
	e := &emitter{text: r, min: cfg.MinChunkSize}

	batchStart, batchEnd := -1, -1
	flush := func() {
		if batchStart >= 0 {
			e.emit(batchStart, batchEnd)
		}
		batchStart, batchEnd = -1, -1
	}

	for _, p := range paragraphs(r) {
		size := p[1] - p[0]

		if size > cfg.ChunkSize {
			from := p[0]
			if batchStart >= 0 {
				if batchEnd-batchStart >= cfg.MinChunkSize {
					flush()
				} else {
					from = batchStart
					batchStart, batchEnd = -1, -1
				}
			}
			segment(r, from, p[1], cfg, e)
			continue
		}

		if batchStart < 0 {
			batchStart, batchEnd = p[0], p[1]
			continue
		}
		if p[1]-batchStart > cfg.ChunkSize && batchEnd-batchStart >= cfg.MinChunkSize {
			flush()
			batchStart = p[0]
		}
		batchEnd = p[1]
	}
	flush()

	return e.chunks
}

// Clean collapses horizontal whitespace to single spaces and runs of three
// or more newlines to a paragraph break.
func Clean(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = horizontalSpace.ReplaceAllString(text, " ")
	text = spaceAroundNL.ReplaceAllString(text, "\n")
	text = excessNewlines.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// segment runs the boundary-search algorithm over r[from:to].
func segment(r []rune, from, to int, cfg Config, e *emitter) {
	start := from
	for start < to {
		end := start + cfg.ChunkSize
		if end < to {
			end = findBoundary(r, start, end, to, cfg.ChunkSize)
		} else {
			end = to
		}

		e.emit(start, end)

		if end >= to {
			return
		}
		next := end - cfg.ChunkOverlap
		if next <= start {
			next = start + 1
		}
		start = next
	}
}

// findBoundary picks the cut for a chunk starting at start whose naive end
// is naive. Priority: paragraph break, sentence end, word boundary, naive.
// Each kind is searched backward from naive first, then forward.
func findBoundary(r []rune, start, naive, limit, chunkSize int) int {
	lo := max(naive-min(lookBehind, chunkSize/2), start+1)
	hi := min(naive+min(lookAhead, chunkSize/2), limit)

	if at := scan(r, lo, naive, hi, isParagraphBreak); at > 0 {
		return at
	}
	if at := scan(r, lo, naive, hi, isSentenceEnd); at > 0 {
		return at
	}
	minWord := start + int(float64(chunkSize)*wordBoundaryRatio)
	if at := scan(r, max(lo, minWord), naive, hi, isWordBoundary); at > 0 {
		return at
	}
	return naive
}

// scan returns the cut position nearest to naive matching fn, preferring
// positions at or before naive. It returns -1 when nothing matches.
func scan(r []rune, lo, naive, hi int, fn func(r []rune, i int) (int, bool)) int {
	for i := min(naive, hi-1); i >= lo; i-- {
		if cut, ok := fn(r, i); ok {
			return cut
		}
	}
	for i := naive + 1; i < hi; i++ {
		if cut, ok := fn(r, i); ok {
			return cut
		}
	}
	return -1
}

func isParagraphBreak(r []rune, i int) (int, bool) {
	return i, i+1 < len(r) && r[i] == '\n' && r[i+1] == '\n'
}

func isSentenceEnd(r []rune, i int) (int, bool) {
	switch r[i] {
	case '.', '!', '?':
		return i + 1, i+1 < len(r) && unicode.IsSpace(r[i+1])
	}
	return 0, false
}

func isWordBoundary(r []rune, i int) (int, bool) {
	return i, unicode.IsSpace(r[i])
}

// paragraphs returns the [start, end) rune ranges of blank-line separated
// paragraphs in cleaned text.
func paragraphs(r []rune) [][2]int {
	var out [][2]int
	start := 0
	for i := 0; i+1 < len(r); i++ {
		if r[i] == '\n' && r[i+1] == '\n' {
			if i > start {
				out = append(out, [2]int{start, i})
			}
			start = i + 2
			i++
		}
	}
	if start < len(r) {
		out = append(out, [2]int{start, len(r)})
	}
	return out
}

// emitter trims candidate ranges, applies the size floor, and numbers the
// surviving chunks densely.
type emitter struct {
	text   []rune
	min    int
	chunks []source.TextChunk
}

func (e *emitter) emit(start, end int) {
	for start < end && unicode.IsSpace(e.text[start]) {
		start++
	}
	for end > start && unicode.IsSpace(e.text[end-1]) {
		end--
	}
	if end-start == 0 || end-start < e.min {
		return
	}
	content := string(e.text[start:end])
	e.chunks = append(e.chunks, source.TextChunk{
		Content:    content,
		ChunkIndex: len(e.chunks),
		TokenCount: tokens.Estimate(content),
		Metadata: source.Metadata{
			source.MetaKeyStart: source.Int(start),
			source.MetaKeyEnd:   source.Int(end),
		},
	})
}

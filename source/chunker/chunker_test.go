package chunker

import (
	"strings"
	"testing"

	"github.com/c360studio/sitesync/source"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sentence = "The quick brown fox jumps over the lazy dog. "

func prose(n int) string {
	return strings.TrimSpace(strings.Repeat(sentence, n/len(sentence)+1)[:n])
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"defaults", DefaultConfig(), false},
		{"zero chunk size", Config{ChunkSize: 0}, true},
		{"negative overlap", Config{ChunkSize: 100, ChunkOverlap: -1}, true},
		{"negative min", Config{ChunkSize: 100, MinChunkSize: -1}, true},
		{"overlap larger than size allowed", Config{ChunkSize: 100, ChunkOverlap: 200}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNew(t *testing.T) {
	c, err := New(Config{})
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), c.Config())

	_, err = New(Config{ChunkSize: -5})
	assert.Error(t, err)

	_, err = New(Config{ChunkOverlap: 50, MinChunkSize: 100})
	assert.Error(t, err, "a partial config is not replaced by defaults")

	c, err = New(Config{ChunkSize: 500, MinChunkSize: 100})
	require.NoError(t, err)
	assert.Equal(t, Config{ChunkSize: 500, MinChunkSize: 100}, c.Config())

	assert.Panics(t, func() { MustNew(Config{ChunkSize: -5}) })
	assert.NotNil(t, NewDefault())
}

func TestClean(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"collapses spaces and tabs", "a  \t b", "a b"},
		{"keeps single newline", "a\nb", "a\nb"},
		{"keeps paragraph break", "a\n\nb", "a\n\nb"},
		{"collapses excess newlines", "a\n\n\n\n\nb", "a\n\nb"},
		{"strips spaces around newlines", "a \n \n b", "a\n\nb"},
		{"normalizes CRLF", "a\r\n\r\n\r\nb", "a\n\nb"},
		{"trims ends", "  \n a \n  ", "a"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Clean(tt.in))
		})
	}
}

func TestChunk_BelowFloorReturnsEmpty(t *testing.T) {
	text := strings.Repeat("x", 150)
	chunks := Chunk(text, Config{ChunkSize: 1500, ChunkOverlap: 100, MinChunkSize: 200})
	assert.Empty(t, chunks)
}

func TestChunk_Empty(t *testing.T) {
	assert.Empty(t, Chunk("", DefaultConfig()))
	assert.Empty(t, Chunk(" \n\t ", Config{ChunkSize: 10}))
}

func TestChunk_ShortDocumentSingleChunk(t *testing.T) {
	text := prose(600)
	chunks := Chunk(text, DefaultConfig())
	require.Len(t, chunks, 1)
	assert.Equal(t, Clean(text), chunks[0].Content)
	assert.Equal(t, 0, chunks[0].ChunkIndex)
	assert.Greater(t, chunks[0].TokenCount, 0)
}

func TestChunk_ProseScenario(t *testing.T) {
	text := prose(3200)
	chunks := Chunk(text, Config{ChunkSize: 1500, ChunkOverlap: 100, MinChunkSize: 200})

	require.GreaterOrEqual(t, len(chunks), 2)
	require.LessOrEqual(t, len(chunks), 3)
	for i, c := range chunks {
		assert.Equal(t, i, c.ChunkIndex)
		assert.GreaterOrEqual(t, len(c.Content), 200)
		assert.LessOrEqual(t, len(c.Content), 1600)
	}
}

func TestChunk_PrefersSentenceBoundary(t *testing.T) {
	text := prose(3200)
	chunks := Chunk(text, DefaultConfig())
	require.NotEmpty(t, chunks)
	assert.True(t, strings.HasSuffix(chunks[0].Content, "."), "first chunk should end on a sentence: %q", chunks[0].Content[len(chunks[0].Content)-20:])
}

func TestChunk_PrefersParagraphBreak(t *testing.T) {
	first := prose(1350)
	second := prose(1000)
	text := first + "\n\n" + second

	chunks := Chunk(text, DefaultConfig())
	require.NotEmpty(t, chunks)
	assert.Equal(t, first, chunks[0].Content)
}

func TestChunk_WordBoundaryRequiresSeventyPercent(t *testing.T) {
	// No sentence or paragraph boundaries; spaces only every 50 chars.
	word := strings.Repeat("a", 49) + " "
	text := strings.Repeat(word, 80)

	cfg := Config{ChunkSize: 1000, ChunkOverlap: 0, MinChunkSize: 100}
	chunks := Chunk(text, cfg)
	require.NotEmpty(t, chunks)
	for _, c := range chunks[:len(chunks)-1] {
		assert.GreaterOrEqual(t, len(c.Content), 700)
		assert.False(t, strings.HasSuffix(c.Content, " "))
	}
}

func TestChunk_NaiveCutWithoutBoundaries(t *testing.T) {
	text := strings.Repeat("x", 2500)
	chunks := Chunk(text, Config{ChunkSize: 1000, ChunkOverlap: 0, MinChunkSize: 100})
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0].Content, 1000)
	assert.Len(t, chunks[1].Content, 1000)
	assert.Len(t, chunks[2].Content, 500)
}

func TestChunk_FloorInvariant(t *testing.T) {
	inputs := []string{
		prose(5000),
		prose(3000) + "\n\n" + prose(120) + "\n\n" + prose(2800),
		strings.Repeat("word ", 2000),
		strings.Repeat("Short. ", 900),
	}
	configs := []Config{
		DefaultConfig(),
		{ChunkSize: 500, ChunkOverlap: 50, MinChunkSize: 150},
		{ChunkSize: 300, ChunkOverlap: 0, MinChunkSize: 250},
	}

	for _, in := range inputs {
		for _, cfg := range configs {
			for _, c := range Chunk(in, cfg) {
				assert.GreaterOrEqual(t, len([]rune(c.Content)), cfg.MinChunkSize)
			}
			for _, c := range ChunkParagraphs(in, cfg) {
				assert.GreaterOrEqual(t, len([]rune(c.Content)), cfg.MinChunkSize)
			}
		}
	}
}

func TestChunk_DenseIndicesAndCoverage(t *testing.T) {
	text := prose(8000)
	cfg := Config{ChunkSize: 700, ChunkOverlap: 80, MinChunkSize: 50}
	cleaned := []rune(Clean(text))

	chunks := Chunk(text, cfg)
	require.NotEmpty(t, chunks)

	covered := 0
	for i, c := range chunks {
		assert.Equal(t, i, c.ChunkIndex)

		start, end, ok := c.Offsets()
		require.True(t, ok)
		assert.Equal(t, string(cleaned[start:end]), c.Content)

		// Each chunk starts within the previous chunk's reach; no gaps.
		assert.LessOrEqual(t, start, covered+1, "gap before chunk %d", i)
		if end > covered {
			covered = end
		}
	}
	assert.Equal(t, len(cleaned), covered)
}

func TestChunk_TerminatesWithPathologicalOverlap(t *testing.T) {
	text := prose(400)
	cfg := Config{ChunkSize: 100, ChunkOverlap: 500, MinChunkSize: 10}

	chunks := Chunk(text, cfg)
	require.NotEmpty(t, chunks)

	prev := -1
	for _, c := range chunks {
		start, _, _ := c.Offsets()
		assert.Greater(t, start, prev-1)
		prev = start
	}
	assert.LessOrEqual(t, len(chunks), 400)
}

func TestChunk_MultibyteText(t *testing.T) {
	text := strings.Repeat("日本語のテキストです。 ", 200)
	chunks := Chunk(text, Config{ChunkSize: 300, ChunkOverlap: 20, MinChunkSize: 50})
	require.NotEmpty(t, chunks)
	for _, c := range chunks {
		assert.True(t, strings.HasSuffix(c.Content, "。"), c.Content)
	}
}

func TestChunkParagraphs_BatchesSmallParagraphs(t *testing.T) {
	paras := []string{prose(400), prose(400), prose(400), prose(400), prose(400)}
	text := strings.Join(paras, "\n\n")

	chunks := ChunkParagraphs(text, Config{ChunkSize: 1000, ChunkOverlap: 100, MinChunkSize: 200})
	require.Len(t, chunks, 3)
	assert.Equal(t, paras[0]+"\n\n"+paras[1], chunks[0].Content)
	assert.Equal(t, paras[2]+"\n\n"+paras[3], chunks[1].Content)
	assert.Equal(t, paras[4], chunks[2].Content)
	for i, c := range chunks {
		assert.Equal(t, i, c.ChunkIndex)
	}
}

func TestChunkParagraphs_SplitsOversizedParagraph(t *testing.T) {
	big := prose(2500)
	text := prose(300) + "\n\n" + big + "\n\n" + prose(300)

	chunks := ChunkParagraphs(text, Config{ChunkSize: 1000, ChunkOverlap: 50, MinChunkSize: 200})
	require.GreaterOrEqual(t, len(chunks), 4)
	assert.Equal(t, prose(300), chunks[0].Content)
	assert.Equal(t, prose(300), chunks[len(chunks)-1].Content)
}

func TestChunkParagraphs_SmallBatchAbsorbsNext(t *testing.T) {
	small := prose(100)
	next := prose(950)
	text := small + "\n\n" + next

	chunks := ChunkParagraphs(text, Config{ChunkSize: 1000, ChunkOverlap: 0, MinChunkSize: 200})
	require.Len(t, chunks, 1)
	assert.Equal(t, small+"\n\n"+next, chunks[0].Content)
}

func TestChunker_Methods(t *testing.T) {
	c := MustNew(Config{ChunkSize: 500, ChunkOverlap: 50, MinChunkSize: 100})
	text := prose(1800)
	assert.Equal(t, Chunk(text, c.Config()), c.Chunk(text))
	assert.Equal(t, ChunkParagraphs(text, c.Config()), c.ChunkParagraphs(text))
	assert.IsType(t, []source.TextChunk{}, c.Chunk(text))
}

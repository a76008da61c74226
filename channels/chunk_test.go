package channels

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkTextShortPassesThrough(t *testing.T) {
	assert.Equal(t, []string{"hello"}, ChunkText("hello", 100))
	assert.Nil(t, ChunkText("", 100))
}

func TestChunkTextPrefersParagraphBreaks(t *testing.T) {
	text := "first paragraph\n\nsecond paragraph\n\nthird paragraph"
	chunks := ChunkText(text, 35)

	require.GreaterOrEqual(t, len(chunks), 2)
	for _, chunk := range chunks {
		assert.LessOrEqual(t, len([]rune(chunk)), 35)
		assert.False(t, strings.HasPrefix(chunk, "\n"))
	}
	assert.Equal(t, "first paragraph\n\nsecond paragraph", chunks[0])
}

func TestChunkTextSplitsLongLineOnSpaces(t *testing.T) {
	words := strings.Repeat("word ", 50)
	chunks := ChunkText(strings.TrimSpace(words), 40)

	require.Greater(t, len(chunks), 1)
	for _, chunk := range chunks {
		assert.LessOrEqual(t, len([]rune(chunk)), 40)
		assert.False(t, strings.HasPrefix(chunk, " "))
		assert.False(t, strings.HasSuffix(chunk, " "))
	}
	assert.Equal(t, strings.Fields(words), strings.Fields(strings.Join(chunks, " ")))
}

func TestChunkTextHardSplitsGiantToken(t *testing.T) {
	token := strings.Repeat("x", 95)
	chunks := ChunkText(token, 40)

	require.Len(t, chunks, 3)
	assert.Equal(t, 40, len(chunks[0]))
	assert.Equal(t, 40, len(chunks[1]))
	assert.Equal(t, 15, len(chunks[2]))
}

func TestChunkTextKeepsCodeFenceTogether(t *testing.T) {
	text := "intro\n\n```go\nfunc a() {}\n\nfunc b() {}\n```\n\noutro"
	chunks := ChunkText(text, 60)

	var fenced string
	for _, chunk := range chunks {
		if strings.Contains(chunk, "```go") {
			fenced = chunk
		}
	}
	require.NotEmpty(t, fenced)
	// The blank line inside the fence did not split the block.
	assert.Contains(t, fenced, "func a() {}")
	assert.Contains(t, fenced, "func b() {}")
}

func TestChunkTableAwareRepeatsHeader(t *testing.T) {
	var b strings.Builder
	b.WriteString("| name | value |\n")
	b.WriteString("|------|-------|\n")
	for i := 0; i < 20; i++ {
		b.WriteString("| row | 1234567890 |\n")
	}

	chunks := ChunkTableAware(b.String(), 120)
	require.Greater(t, len(chunks), 1)
	for _, chunk := range chunks {
		assert.LessOrEqual(t, len([]rune(chunk)), 120)
		assert.True(t, strings.HasPrefix(chunk, "| name | value |"), "chunk should repeat header: %q", chunk)
	}
}

func TestChunkTableAwareFallsBackWithoutTables(t *testing.T) {
	text := "plain text without any pipes at all"
	assert.Equal(t, ChunkText(text, 100), ChunkTableAware(text, 100))
}

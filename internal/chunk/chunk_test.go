package chunk

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitEmpty(t *testing.T) {
	assert.Nil(t, Split("", 1000, 200))
	assert.Nil(t, Split("   \n\t  ", 1000, 200))
}

func TestSplitShortTextSingleChunk(t *testing.T) {
	text := "The town hall opens at nine. Appointments are required."
	chunks := Split(text, 1000, 200)
	require.Len(t, chunks, 1)
	assert.Equal(t, text, chunks[0])
}

func TestSplitDeterministic(t *testing.T) {
	text := strings.Repeat("The library offers free workshops every week. Registration opens on Mondays at the front desk. ", 40)
	first := Split(text, 500, 100)
	for range 5 {
		assert.Equal(t, first, Split(text, 500, 100))
	}
	require.Greater(t, len(first), 1)
}

func TestSplitRespectsTargetSize(t *testing.T) {
	text := strings.Repeat("City buses run every fifteen minutes on weekdays. ", 100)
	for _, c := range Split(text, 300, 50) {
		assert.LessOrEqual(t, len(c), 300, "chunk exceeds target size: %q", c)
		assert.NotEmpty(t, strings.TrimSpace(c))
	}
}

func TestSplitOverlapCarriesContext(t *testing.T) {
	var sentences []string
	for i := 0; i < 30; i++ {
		sentences = append(sentences, "Sentence number "+strings.Repeat("x", i%7)+" ends here.")
	}
	text := strings.Join(sentences, " ")
	chunks := Split(text, 200, 80)
	require.Greater(t, len(chunks), 1)

	// Each chunk after the first starts with text present in its
	// predecessor.
	for i := 1; i < len(chunks); i++ {
		head := chunks[i]
		if len(head) > 40 {
			head = head[:40]
		}
		firstWord := strings.Fields(head)[0]
		assert.Contains(t, chunks[i-1]+" "+chunks[i], firstWord)
	}
}

func TestSplitOversizedSentence(t *testing.T) {
	// One "sentence" far beyond the target, no terminal punctuation.
	text := strings.Repeat("word ", 500)
	chunks := Split(text, 200, 0)
	require.NotEmpty(t, chunks)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), 200)
	}
	assert.Equal(t, WordCount(text), WordCount(strings.Join(chunks, " ")))
}

func TestSplitUnbrokenWord(t *testing.T) {
	text := strings.Repeat("a", 2500)
	chunks := Split(text, 1000, 0)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 1000)
	assert.Len(t, chunks[2], 500)
}

func TestSplitClampsParameters(t *testing.T) {
	text := strings.Repeat("Short sentence here. ", 200)
	assert.NotEmpty(t, Split(text, 0, -5))
	// Overlap >= target falls back instead of looping forever.
	assert.NotEmpty(t, Split(text, 100, 100))
}

func TestSplitParagraphBoundaries(t *testing.T) {
	text := "First paragraph about permits\n\nSecond paragraph about taxes"
	chunks := Split(text, 40, 0)
	require.Len(t, chunks, 2)
	assert.Equal(t, "First paragraph about permits", chunks[0])
	assert.Equal(t, "Second paragraph about taxes", chunks[1])
}

func TestWordCount(t *testing.T) {
	assert.Equal(t, 0, WordCount(""))
	assert.Equal(t, 3, WordCount("  one two   three \n"))
}

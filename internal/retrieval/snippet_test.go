package retrieval

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildSnippetShortText(t *testing.T) {
	text := "Metformin 500 mg twice daily."
	snippet, highlights := buildSnippet(text, []string{"metformin"}, 200)
	assert.Equal(t, text, snippet)
	require.Len(t, highlights, 1)
	assert.Equal(t, "Metformin", highlights[0].Text)
	assert.Equal(t, 0, highlights[0].Start)
}

func TestBuildSnippetWindowsAroundEarliestHit(t *testing.T) {
	prefix := strings.Repeat("x", 300)
	text := prefix + " metformin " + strings.Repeat("y", 300)

	snippet, highlights := buildSnippet(text, []string{"metformin"}, 100)
	assert.True(t, strings.HasPrefix(snippet, "…"))
	assert.True(t, strings.HasSuffix(snippet, "…"))
	assert.Contains(t, snippet, "metformin")
	require.Len(t, highlights, 1)
	assert.Equal(t, 301, highlights[0].Start)
}

func TestBuildSnippetNoHitTruncatesFromStart(t *testing.T) {
	text := strings.Repeat("z", 500)
	snippet, highlights := buildSnippet(text, []string{"metformin"}, 100)
	assert.Empty(t, highlights)
	assert.False(t, strings.HasPrefix(snippet, "…"))
	assert.True(t, strings.HasSuffix(snippet, "…"))
}

func TestHighlightsSortedAndMinLength(t *testing.T) {
	text := "bp stable; blood pressure rechecked; bp meds unchanged"
	_, highlights := buildSnippet(text, []string{"bp", "blood", "pressure"}, 200)

	// "bp" is below the 3-char highlight floor
	for _, h := range highlights {
		assert.GreaterOrEqual(t, len(h.Text), 3)
	}
	for i := 1; i < len(highlights); i++ {
		assert.GreaterOrEqual(t, highlights[i].Start, highlights[i-1].Start)
	}
	require.Len(t, highlights, 2)
	assert.Equal(t, "blood", highlights[0].Text)
	assert.Equal(t, "pressure", highlights[1].Text)
}

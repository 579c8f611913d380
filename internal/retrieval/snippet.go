package retrieval

import (
	"sort"
	"strings"
)

const defaultSnippetLength = 200

// buildSnippet returns a window of snippetLen bytes centered on the
// earliest query-token occurrence, with ellipses marking truncation, plus
// highlights for every query token of length >= 3 occurring in the text,
// sorted by start offset.
func buildSnippet(text string, queryTokens []string, snippetLen int) (string, []Highlight) {
	if snippetLen <= 0 {
		snippetLen = defaultSnippetLength
	}

	lower := strings.ToLower(text)
	highlights := collectHighlights(text, lower, queryTokens)

	if len(text) <= snippetLen {
		return text, highlights
	}

	anchor := 0
	if len(highlights) > 0 {
		anchor = highlights[0].Start
	}

	start := anchor - snippetLen/2
	if start < 0 {
		start = 0
	}
	end := start + snippetLen
	if end > len(text) {
		end = len(text)
		start = end - snippetLen
		if start < 0 {
			start = 0
		}
	}

	snippet := text[start:end]
	if start > 0 {
		snippet = "…" + snippet
	}
	if end < len(text) {
		snippet += "…"
	}
	return snippet, highlights
}

func collectHighlights(text, lower string, queryTokens []string) []Highlight {
	var highlights []Highlight
	for _, tok := range queryTokens {
		if len(tok) < 3 {
			continue
		}
		idx := 0
		for {
			i := strings.Index(lower[idx:], tok)
			if i < 0 {
				break
			}
			start := idx + i
			end := start + len(tok)
			highlights = append(highlights, Highlight{Start: start, End: end, Text: text[start:end]})
			idx = end
		}
	}
	sort.Slice(highlights, func(i, j int) bool {
		if highlights[i].Start != highlights[j].Start {
			return highlights[i].Start < highlights[j].Start
		}
		return highlights[i].End < highlights[j].End
	})
	return highlights
}

// Package ingest turns normalized artifacts into indexed chunks, sentences
// and relationships.
package ingest

import "strings"

// defaultMaxSentenceLen caps a single sentence; longer ones are split on
// clause delimiters.
const defaultMaxSentenceLen = 400

// medicalAbbreviations do not terminate a sentence when followed by a period.
var medicalAbbreviations = map[string]bool{
	"dr": true, "mr": true, "mrs": true, "ms": true, "prof": true,
	"jr": true, "sr": true, "st": true, "vs": true, "etc": true,
	"e.g": true, "i.e": true, "approx": true, "dept": true, "fig": true,
	"no": true, "rev": true, "inc": true,
	"mg": true, "mcg": true, "ml": true, "dl": true, "kg": true,
	"lb": true, "oz": true, "cm": true, "mm": true, "hr": true,
	"min": true, "tab": true, "tabs": true, "cap": true, "caps": true,
	"b.i.d": true, "t.i.d": true, "q.i.d": true, "q.d": true,
	"p.r.n": true, "subq": true, "a.m": true, "p.m": true,
}

// SentenceSpan is a segmented sentence with byte offsets into the source
// text, so that text[Start:End] == Text.
type SentenceSpan struct {
	Text  string
	Start int
	End   int
}

// SentenceSplitter segments text into sentences without breaking on known
// abbreviations or decimal points.
type SentenceSplitter struct {
	maxLen int
}

// NewSentenceSplitter creates a splitter. maxLen <= 0 uses the default cap.
func NewSentenceSplitter(maxLen int) *SentenceSplitter {
	if maxLen <= 0 {
		maxLen = defaultMaxSentenceLen
	}
	return &SentenceSplitter{maxLen: maxLen}
}

// Split returns the sentences of text in order. Offsets always satisfy
// text[Start:End] == Text, so reassembly from spans reconstructs the
// original content.
func (s *SentenceSplitter) Split(text string) []SentenceSpan {
	var spans []SentenceSpan
	start := 0
	i := 0
	for i < len(text) {
		c := text[i]

		if c == '\n' {
			spans = appendSpan(spans, text, start, i)
			i++
			for i < len(text) && isSpaceByte(text[i]) {
				i++
			}
			start = i
			continue
		}

		if c == '!' || c == '?' || (c == '.' && !isAbbreviationDot(text, i) && !isDecimalDot(text, i)) {
			end := i + 1
			for end < len(text) && (text[end] == '.' || text[end] == '!' || text[end] == '?' || text[end] == '"' || text[end] == ')') {
				end++
			}
			if end == len(text) || isSpaceByte(text[end]) {
				spans = appendSpan(spans, text, start, end)
				for end < len(text) && isSpaceByte(text[end]) {
					end++
				}
				start = end
				i = end
				continue
			}
		}
		i++
	}
	spans = appendSpan(spans, text, start, len(text))

	return s.splitLong(text, spans)
}

// splitLong breaks spans over the length cap on clause delimiters, hard
// cutting at the cap when no delimiter helps.
func (s *SentenceSplitter) splitLong(text string, spans []SentenceSpan) []SentenceSpan {
	var out []SentenceSpan
	for _, span := range spans {
		if len(span.Text) <= s.maxLen {
			out = append(out, span)
			continue
		}
		clauseStart := span.Start
		for clauseStart < span.End {
			limit := clauseStart + s.maxLen
			if limit >= span.End {
				out = appendSpan(out, text, clauseStart, span.End)
				break
			}
			cut := -1
			for j := limit; j > clauseStart; j-- {
				if text[j-1] == ';' || text[j-1] == ',' {
					cut = j
					break
				}
			}
			if cut < 0 {
				for j := limit; j > clauseStart; j-- {
					if isSpaceByte(text[j-1]) {
						cut = j
						break
					}
				}
			}
			if cut < 0 {
				cut = limit
			}
			out = appendSpan(out, text, clauseStart, cut)
			for cut < span.End && isSpaceByte(text[cut]) {
				cut++
			}
			clauseStart = cut
		}
	}
	return out
}

// appendSpan trims surrounding whitespace, keeping offsets aligned with the
// trimmed text, and drops empty spans.
func appendSpan(spans []SentenceSpan, text string, start, end int) []SentenceSpan {
	for start < end && isSpaceByte(text[start]) {
		start++
	}
	for end > start && isSpaceByte(text[end-1]) {
		end--
	}
	if start >= end {
		return spans
	}
	return append(spans, SentenceSpan{Text: text[start:end], Start: start, End: end})
}

// isAbbreviationDot reports whether the period at i ends a known
// abbreviation or a single-letter initial.
func isAbbreviationDot(text string, i int) bool {
	tokStart := i
	for tokStart > 0 {
		c := text[tokStart-1]
		if isAlphaByte(c) || c == '.' {
			tokStart--
			continue
		}
		break
	}
	if tokStart == i {
		return false
	}
	token := strings.ToLower(strings.Trim(text[tokStart:i], "."))
	if token == "" {
		return false
	}
	if len(token) == 1 && !strings.Contains(token, ".") {
		return true // single-letter initial, "J."
	}
	return medicalAbbreviations[token]
}

// isDecimalDot reports whether the period at i sits between two digits.
func isDecimalDot(text string, i int) bool {
	return i > 0 && i+1 < len(text) && isDigitByte(text[i-1]) && isDigitByte(text[i+1])
}

func isSpaceByte(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

func isAlphaByte(b byte) bool {
	return ('a' <= b && b <= 'z') || ('A' <= b && b <= 'Z')
}

func isDigitByte(b byte) bool {
	return '0' <= b && b <= '9'
}

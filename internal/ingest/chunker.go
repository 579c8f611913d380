package ingest

import "strings"

// Default chunk bounds in words.
const (
	defaultMinChunkWords = 50
	defaultMaxChunkWords = 150
)

// ChunkDraft is a chunk candidate before persistence. Offsets are
// artifact-relative; Sentences carry artifact-relative offsets too.
type ChunkDraft struct {
	Text      string
	Start     int
	End       int
	Sentences []SentenceSpan
}

// Chunker groups sentences into chunks of a bounded word count, never
// splitting a sentence across chunks.
type Chunker struct {
	minWords int
	maxWords int
	splitter *SentenceSplitter
}

// NewChunker creates a chunker. Non-positive bounds fall back to the 50-150
// word defaults.
func NewChunker(minWords, maxWords int, splitter *SentenceSplitter) *Chunker {
	if minWords <= 0 {
		minWords = defaultMinChunkWords
	}
	if maxWords <= 0 || maxWords < minWords {
		maxWords = defaultMaxChunkWords
	}
	if splitter == nil {
		splitter = NewSentenceSplitter(0)
	}
	return &Chunker{minWords: minWords, maxWords: maxWords, splitter: splitter}
}

// Chunk splits artifact text into drafts. A single sentence longer than the
// word cap becomes its own chunk.
func (c *Chunker) Chunk(text string) []ChunkDraft {
	sentences := c.splitter.Split(text)
	if len(sentences) == 0 {
		return nil
	}

	var drafts []ChunkDraft
	var cur []SentenceSpan
	curWords := 0

	flush := func() {
		if len(cur) == 0 {
			return
		}
		start := cur[0].Start
		end := cur[len(cur)-1].End
		drafts = append(drafts, ChunkDraft{
			Text:      text[start:end],
			Start:     start,
			End:       end,
			Sentences: append([]SentenceSpan(nil), cur...),
		})
		cur = cur[:0]
		curWords = 0
	}

	for _, sent := range sentences {
		w := wordCount(sent.Text)
		if len(cur) > 0 && curWords+w > c.maxWords {
			flush()
		}
		cur = append(cur, sent)
		curWords += w
	}
	flush()

	return drafts
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}

package ingest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSentenceSplitter(t *testing.T) {
	s := NewSentenceSplitter(0)

	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "simple sentences",
			text: "Patient reports no pain. Follow up in two weeks.",
			want: []string{"Patient reports no pain.", "Follow up in two weeks."},
		},
		{
			name: "title abbreviation does not terminate",
			text: "Dr. Smith increased the dose. Patient tolerated it well.",
			want: []string{"Dr. Smith increased the dose.", "Patient tolerated it well."},
		},
		{
			name: "dosage abbreviation does not terminate",
			text: "Increased metformin to 500 mg. twice daily. No side effects noted.",
			want: []string{"Increased metformin to 500 mg. twice daily.", "No side effects noted."},
		},
		{
			name: "decimal point does not terminate",
			text: "Temperature was 98.6 today. No fever reported.",
			want: []string{"Temperature was 98.6 today.", "No fever reported."},
		},
		{
			name: "question and exclamation",
			text: "Any chest pain? None reported!",
			want: []string{"Any chest pain?", "None reported!"},
		},
		{
			name: "newline terminates",
			text: "Assessment stable\nPlan unchanged",
			want: []string{"Assessment stable", "Plan unchanged"},
		},
		{
			name: "single initial does not terminate",
			text: "Seen by J. Doe today. Vitals stable.",
			want: []string{"Seen by J. Doe today.", "Vitals stable."},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spans := s.Split(tt.text)
			got := make([]string, len(spans))
			for i, sp := range spans {
				got[i] = sp.Text
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSentenceSplitterOffsetsRoundTrip(t *testing.T) {
	s := NewSentenceSplitter(0)
	text := "Dr. Smith prescribed atorvastatin 20 mg. daily. Patient reports no myalgia. Recheck lipids in 3 months."

	spans := s.Split(text)
	require.NotEmpty(t, spans)
	for _, sp := range spans {
		assert.Equal(t, text[sp.Start:sp.End], sp.Text)
	}
}

func TestSentenceSplitterClauseSplit(t *testing.T) {
	s := NewSentenceSplitter(60)
	text := "Patient reports fatigue, intermittent dizziness, occasional palpitations, and poor sleep over the last month"

	spans := s.Split(text)
	require.Greater(t, len(spans), 1)
	for _, sp := range spans {
		assert.LessOrEqual(t, len(sp.Text), 60)
		assert.Equal(t, text[sp.Start:sp.End], sp.Text)
	}
}

func TestChunkerBounds(t *testing.T) {
	sentence := "The patient was seen in clinic today and reported feeling well overall." // 12 words
	text := strings.TrimSpace(strings.Repeat(sentence+" ", 30))

	c := NewChunker(50, 150, NewSentenceSplitter(0))
	drafts := c.Chunk(text)
	require.Greater(t, len(drafts), 1)

	for _, d := range drafts {
		assert.LessOrEqual(t, wordCount(d.Text), 150)
		assert.Equal(t, text[d.Start:d.End], d.Text)
		require.NotEmpty(t, d.Sentences)
		// no sentence straddles a chunk boundary
		for _, sent := range d.Sentences {
			assert.GreaterOrEqual(t, sent.Start, d.Start)
			assert.LessOrEqual(t, sent.End, d.End)
		}
	}
}

func TestChunkerSingleOversizedSentence(t *testing.T) {
	words := make([]string, 200)
	for i := range words {
		words[i] = "word"
	}
	text := strings.Join(words, " ")

	c := NewChunker(50, 150, NewSentenceSplitter(len(text)+1))
	drafts := c.Chunk(text)
	require.Len(t, drafts, 1)
	assert.Equal(t, text, drafts[0].Text)
}

func TestChunkerEmptyText(t *testing.T) {
	c := NewChunker(50, 150, nil)
	assert.Empty(t, c.Chunk(""))
	assert.Empty(t, c.Chunk("   \n  "))
}

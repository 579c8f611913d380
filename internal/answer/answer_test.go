package answer

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chartquery/chartquery/internal/query"
	"github.com/chartquery/chartquery/internal/retrieval"
	"github.com/chartquery/chartquery/internal/storage"
)

func medicationCandidates(now time.Time) []retrieval.Candidate {
	return []retrieval.Candidate{
		{
			Chunk: storage.Chunk{
				ChunkID:      "a-1:0000",
				ArtifactID:   "a-1",
				PatientID:    "p-1",
				ArtifactType: storage.ArtifactTypeMedication,
				OccurredAt:   now.AddDate(0, 0, -21),
				Text:         "Medication: Atorvastatin. Dosage: 20mg. Frequency: Daily.",
			},
			Score: 0.9, Rank: 1,
		},
		{
			Chunk: storage.Chunk{
				ChunkID:      "a-2:0000",
				ArtifactID:   "a-2",
				PatientID:    "p-1",
				ArtifactType: storage.ArtifactTypeLabObservation,
				OccurredAt:   now.AddDate(0, 0, -7),
				Author:       "Dr. Lee",
				Text:         "Lab result: LDL 98 mg/dL, improved from prior.",
			},
			Score: 0.6, Rank: 2,
		},
	}
}

func TestPromptBuilderSections(t *testing.T) {
	now := time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)
	sq := &query.StructuredQuery{
		OriginalQuery: "What medications is the patient taking?",
		PatientID:     "p-1",
		Intent:        query.IntentRetrieveMedications,
		Entities:      []query.Entity{{Type: query.EntityMedication, Value: "atorvastatin"}},
		DetailLevel:   2,
		Constraints:   query.ConstraintsForLevel(2),
	}

	prompt := NewPromptBuilder(10).Build(sq, medicationCandidates(now), now)

	assert.Contains(t, prompt, "## Patient Record Context")
	assert.Contains(t, prompt, "## Question")
	assert.Contains(t, prompt, "## Instructions")
	assert.Contains(t, prompt, "### medication")
	assert.Contains(t, prompt, "### lab_observation")
	assert.Contains(t, prompt, "[a-1:0000] (3 weeks ago)")
	assert.Contains(t, prompt, "by Dr. Lee")
	assert.Contains(t, prompt, "deduplicated by normalized name")
	assert.Contains(t, prompt, "Key entities: atorvastatin (medication)")
	assert.Contains(t, prompt, "under 20 words")
	assert.Contains(t, prompt, "Style: concise")
}

func TestPromptBuilderCapsContext(t *testing.T) {
	now := time.Now()
	var candidates []retrieval.Candidate
	for i := 0; i < 15; i++ {
		candidates = append(candidates, retrieval.Candidate{
			Chunk: storage.Chunk{
				ChunkID:      strings.Repeat("c", 3) + string(rune('a'+i)),
				ArtifactType: storage.ArtifactTypeNote,
				OccurredAt:   now,
				Text:         "note text",
			},
		})
	}
	sq := &query.StructuredQuery{OriginalQuery: "summary", Constraints: query.ConstraintsForLevel(3)}

	prompt := NewPromptBuilder(10).Build(sq, candidates, now)
	assert.Equal(t, 10, strings.Count(prompt, "note text"))
}

func TestPromptBuilderUsesEnrichedText(t *testing.T) {
	now := time.Now()
	candidates := []retrieval.Candidate{{
		Chunk: storage.Chunk{
			ChunkID:      "c-1",
			ArtifactType: storage.ArtifactTypeMedication,
			OccurredAt:   now,
			Text:         "Metformin 500 mg twice daily.",
			EnrichedText: "Related Conditions: diabetes.\n\nMetformin 500 mg twice daily.",
		},
	}}
	sq := &query.StructuredQuery{OriginalQuery: "meds", Constraints: query.ConstraintsForLevel(3)}

	prompt := NewPromptBuilder(10).Build(sq, candidates, now)
	assert.Contains(t, prompt, "Related Conditions: diabetes.")
}

func TestParseAnswer(t *testing.T) {
	now := time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)
	candidates := medicationCandidates(now)
	raw := `Here is the answer:
{"short_answer": "Patient takes Atorvastatin 20mg daily.",
 "detailed_summary": "- Atorvastatin 20mg daily for cholesterol",
 "extractions": [
   {"type": "medication", "content": {"name": "Atorvastatin", "dosage": "20mg"}, "chunk_id": "a-1:0000", "confidence": 0.9},
   {"type": "medication", "content": {"name": "Ghostatin"}, "chunk_id": "missing-chunk", "confidence": 0.9}
 ]}`

	ans, err := NewParser().Parse(raw, candidates)
	require.NoError(t, err)

	assert.Equal(t, "Patient takes Atorvastatin 20mg daily.", ans.ShortAnswer)
	require.Len(t, ans.Extractions, 1)
	assert.Equal(t, 1, ans.RejectedExtractions)

	ext := ans.Extractions[0]
	assert.Equal(t, "medication", ext.Type)
	assert.Equal(t, "Atorvastatin", ext.Content["name"])
	assert.Equal(t, "a-1:0000", ext.Provenance.ChunkID)
	assert.Equal(t, "a-1", ext.Provenance.ArtifactID)
	assert.Contains(t, ext.Provenance.SupportingText, "Atorvastatin")
	assert.Equal(t, 0.9, ext.Provenance.Confidence)
}

func TestParseAnswerCodeFence(t *testing.T) {
	raw := "```json\n{\"short_answer\": \"No.\", \"detailed_summary\": \"- not on aspirin\", \"extractions\": []}\n```"
	ans, err := NewParser().Parse(raw, nil)
	require.NoError(t, err)
	assert.Equal(t, "No.", ans.ShortAnswer)
	assert.Empty(t, ans.Extractions)
}

func TestParseAnswerMalformed(t *testing.T) {
	_, err := NewParser().Parse("the model refused to answer", nil)
	assert.ErrorIs(t, err, ErrMalformedOutput)

	_, err = NewParser().Parse(`{"extractions": []}`, nil)
	assert.ErrorIs(t, err, ErrMalformedOutput)
}

func TestRelativeTime(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		t    time.Time
		want string
	}{
		{name: "today", t: now, want: "today"},
		{name: "days", t: now.AddDate(0, 0, -3), want: "3 days ago"},
		{name: "weeks", t: now.AddDate(0, 0, -21), want: "3 weeks ago"},
		{name: "months", t: now.AddDate(0, 0, -90), want: "3 months ago"},
		{name: "years", t: now.AddDate(-2, 0, -10), want: "2 years ago"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, relativeTime(tt.t, now))
		})
	}
}

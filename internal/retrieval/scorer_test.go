package retrieval

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chartquery/chartquery/internal/query"
	"github.com/chartquery/chartquery/internal/storage"
)

func TestRecencyScore(t *testing.T) {
	now := time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		ageDays int
		want    float64
		delta   float64
	}{
		{name: "now", ageDays: 0, want: 1.0},
		{name: "thirty days", ageDays: 30, want: 1.0},
		{name: "one year", ageDays: 365, want: 0.5, delta: 0.001},
		{name: "two years", ageDays: 730, want: 0.0, delta: 0.001},
		{name: "beyond two years", ageDays: 1000, want: 0.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			occurred := now.AddDate(0, 0, -tt.ageDays)
			got := RecencyScore(occurred, now)
			if tt.delta > 0 {
				assert.InDelta(t, tt.want, got, tt.delta)
			} else {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestRemapSimilarity(t *testing.T) {
	assert.Equal(t, 0.0, remapSimilarity(0.5))
	assert.Equal(t, 1.0, remapSimilarity(0.8))
	assert.Equal(t, 0.0, remapSimilarity(0.3))
	assert.Equal(t, 1.0, remapSimilarity(0.95))
	assert.InDelta(t, 0.5, remapSimilarity(0.65), 0.001)
}

func TestQualityScore(t *testing.T) {
	words := func(n int) string {
		return strings.TrimSpace(strings.Repeat("word ", n))
	}
	assert.Equal(t, 1.0, qualityScore(words(50)))
	assert.Equal(t, 1.0, qualityScore(words(150)))
	assert.InDelta(t, 0.5, qualityScore(words(25)), 0.001)
	assert.InDelta(t, 0.5, qualityScore(words(300)), 0.001)
	assert.Equal(t, 0.0, qualityScore(""))
}

func TestKeywordMatchScoreCap(t *testing.T) {
	chunk := "metformin lisinopril atorvastatin aspirin warfarin insulin"
	tokens := keywordTokens(chunk)
	score := keywordMatchScore(tokens, chunk)
	assert.Equal(t, 1.0, score) // 6 exact matches would be 1.8 uncapped
}

func TestKeywordMatchScorePartial(t *testing.T) {
	score := keywordMatchScore([]string{"statin"}, "patient takes atorvastatin daily")
	assert.InDelta(t, 0.1, score, 0.001)
}

func TestDiversifyPenalizesNearDuplicates(t *testing.T) {
	near1 := "patient reports stable blood pressure on current medication regimen"
	near2 := "patient reports stable blood pressure on current medication regimen today"
	distinct := "lab results show hemoglobin a1c improved since last quarter"

	candidates := []Candidate{
		{Chunk: storage.Chunk{ChunkID: "c-1", Text: near1}, Score: 0.9},
		{Chunk: storage.Chunk{ChunkID: "c-2", Text: near2}, Score: 0.8},
		{Chunk: storage.Chunk{ChunkID: "c-3", Text: distinct}, Score: 0.7},
	}

	out := diversifyCandidates(candidates, 0.85)
	require.Len(t, out, 3)

	byID := make(map[string]Candidate)
	for _, c := range out {
		byID[c.Chunk.ChunkID] = c
	}
	assert.Equal(t, 0.9, byID["c-1"].Score)
	assert.InDelta(t, 0.8*0.7, byID["c-2"].Score, 1e-9)
	assert.Equal(t, 0.7, byID["c-3"].Score)
	// penalized duplicate stays in the set but drops below the distinct chunk
	assert.Equal(t, "c-3", out[1].Chunk.ChunkID)
}

func TestRerankDeterministic(t *testing.T) {
	sq := &query.StructuredQuery{
		OriginalQuery: "is the patient taking metformin",
		Entities:      []query.Entity{{Type: query.EntityMedication, Value: "metformin"}},
	}
	tokens := keywordTokens(sq.OriginalQuery)

	build := func() []Candidate {
		return []Candidate{
			{Chunk: storage.Chunk{ChunkID: "c-1", Text: "metformin 500 mg twice daily"}, Score: 0.5},
			{Chunk: storage.Chunk{ChunkID: "c-2", Text: "follow up appointment scheduled"}, Score: 0.6},
		}
	}

	first := rerankCandidates(build(), sq, tokens)
	second := rerankCandidates(build(), sq, tokens)
	assert.Equal(t, first, second)
	// the chunk covering the query entity outranks the higher-scored one
	assert.Equal(t, "c-1", first[0].Chunk.ChunkID)
}

func TestApplyTimeDecay(t *testing.T) {
	now := time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)
	candidates := []Candidate{
		{Chunk: storage.Chunk{ChunkID: "old", OccurredAt: now.AddDate(-3, 0, 0)}, Score: 0.8},
		{Chunk: storage.Chunk{ChunkID: "new", OccurredAt: now}, Score: 0.75},
	}

	out := applyTimeDecay(candidates, now)
	// old chunk decays to 0.8*0.7=0.56; new stays at 0.75
	assert.Equal(t, "new", out[0].Chunk.ChunkID)
	assert.InDelta(t, 0.75, out[0].Score, 1e-9)
	assert.InDelta(t, 0.56, out[1].Score, 1e-9)
}

func TestFinalizeAssignsRanks(t *testing.T) {
	candidates := []Candidate{
		{Chunk: storage.Chunk{ChunkID: "c-2"}, Score: 0.4},
		{Chunk: storage.Chunk{ChunkID: "c-1"}, Score: 0.9},
		{Chunk: storage.Chunk{ChunkID: "c-3"}, Score: 0.6},
	}

	out := finalize(candidates, 2)
	require.Len(t, out, 2)
	assert.Equal(t, "c-1", out[0].Chunk.ChunkID)
	assert.Equal(t, 1, out[0].Rank)
	assert.Equal(t, "c-3", out[1].Chunk.ChunkID)
	assert.Equal(t, 2, out[1].Rank)
}

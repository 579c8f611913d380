package quality

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chartquery/chartquery/internal/answer"
	"github.com/chartquery/chartquery/internal/retrieval"
	"github.com/chartquery/chartquery/internal/storage"
)

func TestAggregateConfidenceFactorMath(t *testing.T) {
	candidates := []retrieval.Candidate{{
		Chunk: storage.Chunk{ChunkID: "c-1", ArtifactType: storage.ArtifactTypeLabObservation},
		Score: 0.9,
	}}
	ans := &answer.Answer{Extractions: []answer.Extraction{{
		Type:       "lab_result",
		Content:    map[string]string{"name": "LDL", "value": "95"},
		Provenance: answer.Provenance{ChunkID: "c-1", Confidence: 0.9},
	}}}

	result := AggregateConfidence(ans, candidates, 1.0)

	require.Len(t, result.PerExtraction, 1)
	ec := result.PerExtraction[0]
	assert.InDelta(t, 0.9, ec.Retrieval, 1e-9)
	assert.InDelta(t, 0.95, ec.Source, 1e-9)
	assert.InDelta(t, 0.30*0.9+0.20*0.95+0.30*0.9+0.20*1.0, ec.Overall, 1e-9)
	assert.Equal(t, UncertaintyVeryLow, result.UncertaintyLevel)
	assert.Empty(t, result.LowConfidenceReasons)
}

func TestAggregateConfidenceUnknownChunk(t *testing.T) {
	ans := &answer.Answer{Extractions: []answer.Extraction{{
		Type:       "medication",
		Content:    map[string]string{"name": "Metformin"},
		Provenance: answer.Provenance{ChunkID: "missing", Confidence: 0.8},
	}}}

	result := AggregateConfidence(ans, nil, 1.0)

	require.Len(t, result.PerExtraction, 1)
	ec := result.PerExtraction[0]
	assert.Zero(t, ec.Retrieval)
	assert.InDelta(t, 0.5, ec.Source, 1e-9)
	assert.NotEmpty(t, result.LowConfidenceReasons)
}

func TestAggregateConfidenceNoExtractionsFallback(t *testing.T) {
	candidates := []retrieval.Candidate{
		{Chunk: storage.Chunk{ChunkID: "c-1"}, Score: 0.8},
		{Chunk: storage.Chunk{ChunkID: "c-2"}, Score: 0.6},
	}

	result := AggregateConfidence(&answer.Answer{}, candidates, 0.9)

	assert.InDelta(t, 0.5*0.7+0.5*0.9, result.Overall, 1e-9)
	assert.Empty(t, result.PerExtraction)
}

func TestUncertaintyBands(t *testing.T) {
	cases := []struct {
		confidence float64
		want       string
	}{
		{0.95, UncertaintyVeryLow},
		{0.90, UncertaintyVeryLow},
		{0.85, UncertaintyLow},
		{0.70, UncertaintyMedium},
		{0.50, UncertaintyHigh},
		{0.20, UncertaintyVeryHigh},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, uncertaintyLevel(tc.confidence), "confidence %.2f", tc.confidence)
	}
}

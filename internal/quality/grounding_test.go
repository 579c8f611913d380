package quality

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chartquery/chartquery/internal/retrieval"
	"github.com/chartquery/chartquery/internal/storage"
)

func groundingCandidates() []retrieval.Candidate {
	return []retrieval.Candidate{
		{Chunk: storage.Chunk{
			ChunkID:    "c-1",
			ArtifactID: "a-1",
			Text:       "Patient takes Atorvastatin 20mg daily. LDL improved since last visit.",
		}},
		{Chunk: storage.Chunk{
			ChunkID:    "c-2",
			ArtifactID: "a-2",
			Text:       "Medication: Lisinopril. Dosage: 10mg. Frequency: Daily.",
		}},
	}
}

func TestDecomposeStatements(t *testing.T) {
	got := DecomposeStatements("Patient takes Atorvastatin daily and exercises regularly. Ok.")
	assert.Equal(t, []string{"Patient takes Atorvastatin daily", "exercises regularly"}, got)
}

func TestDecomposeDropsShortFragments(t *testing.T) {
	got := DecomposeStatements("Yes. No change. Patient remains stable on current regimen.")
	assert.Equal(t, []string{"Patient remains stable on current regimen"}, got)
}

func TestVerifyExactMatch(t *testing.T) {
	v := NewGroundingVerifier(nil)
	result := v.Verify(context.Background(), "Patient takes Atorvastatin 20mg daily.", "", groundingCandidates())

	require.Len(t, result.Statements, 1)
	st := result.Statements[0]
	assert.True(t, st.IsGrounded)
	assert.Equal(t, MethodExactMatch, st.VerificationMethod)
	assert.Equal(t, 0.95, st.GroundingConfidence)
	assert.Equal(t, "c-1", st.SourceChunkID)
	assert.InDelta(t, 0.7*1.0+0.3*0.95, result.Score, 1e-9)
}

func TestVerifyWordOverlap(t *testing.T) {
	v := NewGroundingVerifier(nil)
	result := v.Verify(context.Background(), "Lisinopril 10mg prescribed at daily frequency.", "", groundingCandidates())

	require.Len(t, result.Statements, 1)
	st := result.Statements[0]
	assert.True(t, st.IsGrounded)
	assert.Equal(t, MethodSemanticMatch, st.VerificationMethod)
	assert.Equal(t, "c-2", st.SourceChunkID)
	assert.GreaterOrEqual(t, st.GroundingConfidence, 0.70)
	assert.LessOrEqual(t, st.GroundingConfidence, 0.90)
}

func TestVerifyUnsupportedStatement(t *testing.T) {
	v := NewGroundingVerifier(nil)
	result := v.Verify(context.Background(), "Patient had surgery in 2010.", "", groundingCandidates())

	require.Len(t, result.Statements, 1)
	st := result.Statements[0]
	assert.False(t, st.IsGrounded)
	assert.Equal(t, MethodUnsupported, st.VerificationMethod)
	assert.Equal(t, 0.0, st.GroundingConfidence)
	assert.Contains(t, result.UnsupportedStatements, "Patient had surgery in 2010")
	assert.Less(t, result.Score, 1.0)
	assert.NotEmpty(t, result.Warnings)
}

func TestVerifyDeterministic(t *testing.T) {
	v := NewGroundingVerifier(nil)
	short := "Patient takes Atorvastatin 20mg daily."
	detailed := "- Atorvastatin 20mg daily\n- Patient had surgery in 2010"

	first := v.Verify(context.Background(), short, detailed, groundingCandidates())
	second := v.Verify(context.Background(), short, detailed, groundingCandidates())
	assert.InDelta(t, first.Score, second.Score, 1e-9)
	assert.Equal(t, first.GroundedStatements, second.GroundedStatements)
}

func TestVerifyEmptyAnswer(t *testing.T) {
	v := NewGroundingVerifier(nil)
	result := v.Verify(context.Background(), "", "", groundingCandidates())
	assert.Equal(t, 1.0, result.Score)
	assert.Zero(t, result.TotalStatements)
}

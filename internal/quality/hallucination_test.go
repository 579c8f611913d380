package quality

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chartquery/chartquery/internal/embedding"
	"github.com/chartquery/chartquery/internal/llm"
)

type fakeGenerator struct {
	calls []float64
}

func (f *fakeGenerator) Generate(ctx context.Context, prompt string, opts llm.GenerateOptions) (string, error) {
	f.calls = append(f.calls, opts.Temperature)
	return fmt.Sprintf("sample at %.1f", opts.Temperature), nil
}

func (f *fakeGenerator) Health(ctx context.Context) bool { return true }

func (f *fakeGenerator) Info() llm.ProviderInfo { return llm.ProviderInfo{Provider: "fake"} }

type fakeSampleEmbedder struct {
	vectors [][]float32
}

func (f fakeSampleEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return f.vectors[0], nil
}

func (f fakeSampleEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return f.vectors[:len(texts)], nil
}

func (f fakeSampleEmbedder) Health(ctx context.Context) bool { return true }

func (f fakeSampleEmbedder) Info() embedding.ProviderInfo { return embedding.ProviderInfo{} }

func TestRiskFromScores(t *testing.T) {
	cases := []struct {
		name                               string
		grounding, consistency, confidence float64
		wantRisk                           float64
		wantLevel                          string
		wantDetected                       bool
	}{
		{"perfect scores", 1.0, 1.0, 1.0, 0.0, RiskVeryLow, false},
		{"middling scores", 0.5, 0.5, 0.5, 0.5, RiskHigh, true},
		{"strong answer", 0.9, 0.9, 0.8, 0.40*0.1 + 0.30*0.1 + 0.30*0.2, RiskLow, false},
		{"ungrounded answer", 0.0, 1.0, 1.0, 0.40, RiskHigh, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result := RiskFromScores(tc.grounding, tc.consistency, tc.confidence)
			assert.InDelta(t, tc.wantRisk, result.Risk, 1e-9)
			assert.Equal(t, tc.wantLevel, result.RiskLevel)
			assert.Equal(t, tc.wantDetected, result.Detected)
			assert.Equal(t, MethodScoreBased, result.Method)
		})
	}
}

func TestSelfCheckerConsistentSamples(t *testing.T) {
	gen := &fakeGenerator{}
	same := []float32{1, 0, 0}
	emb := fakeSampleEmbedder{vectors: [][]float32{same, same, same}}

	checker := NewSelfChecker(gen, emb, 3, 0.2, 0.3)
	result, err := checker.Check(context.Background(), "prompt")
	require.NoError(t, err)

	require.Len(t, gen.calls, 3)
	for i, want := range []float64{0.2, 0.5, 0.8} {
		assert.InDelta(t, want, gen.calls[i], 1e-9)
	}
	assert.Equal(t, 3, result.SampleCount)
	assert.Equal(t, MethodSelfCheck, result.Method)
	assert.InDelta(t, 0.0, result.Risk, 1e-6)
	assert.False(t, result.Detected)
	require.NotNil(t, result.SemanticConsistency)
	assert.InDelta(t, 1.0, *result.SemanticConsistency, 1e-6)
}

func TestSelfCheckerDivergentSamples(t *testing.T) {
	gen := &fakeGenerator{}
	emb := fakeSampleEmbedder{vectors: [][]float32{
		{1, 0, 0},
		{0, 1, 0},
	}}

	checker := NewSelfChecker(gen, emb, 2, 0, 0.3)
	result, err := checker.Check(context.Background(), "prompt")
	require.NoError(t, err)

	assert.InDelta(t, 1.0, result.Risk, 1e-6)
	assert.True(t, result.Detected)
	assert.Equal(t, RiskVeryHigh, result.RiskLevel)
}

func TestSelfCheckerClampsSampleCount(t *testing.T) {
	same := []float32{1, 0}
	emb := fakeSampleEmbedder{vectors: [][]float32{same, same, same, same, same}}

	checker := NewSelfChecker(&fakeGenerator{}, emb, 9, 0, 0.1)
	result, err := checker.Check(context.Background(), "prompt")
	require.NoError(t, err)
	assert.Equal(t, 5, result.SampleCount)
}

func TestAggregateReport(t *testing.T) {
	report := Aggregate(0.9, 0.9, 0.8, 0.1)

	assert.InDelta(t, 0.35*0.9+0.25*0.9+0.25*0.8+0.15*0.9, report.OverallQuality, 1e-9)
	assert.Equal(t, GradeGood, report.QualityGrade)
	assert.True(t, report.PassesChecks)
	assert.Empty(t, report.FailedChecks)
}

func TestAggregateFailedChecks(t *testing.T) {
	report := Aggregate(0.6, 0.7, 0.5, 0.4)

	assert.False(t, report.PassesChecks)
	assert.Len(t, report.FailedChecks, 4)
	assert.Equal(t, GradePoor, report.QualityGrade)
}

func TestGradeBands(t *testing.T) {
	cases := []struct {
		overall float64
		want    string
	}{
		{0.95, GradeExcellent},
		{0.90, GradeExcellent},
		{0.85, GradeGood},
		{0.75, GradeAcceptable},
		{0.60, GradePoor},
		{0.30, GradeUnacceptable},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, grade(tc.overall), "overall %.2f", tc.overall)
	}
}

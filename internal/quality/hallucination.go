package quality

import (
	"context"
	"fmt"

	"github.com/chartquery/chartquery/internal/embedding"
	"github.com/chartquery/chartquery/internal/llm"
	"github.com/chartquery/chartquery/internal/vector"
)

// Detection methods.
const (
	MethodScoreBased = "score_based"
	MethodSelfCheck  = "selfcheck"
)

// Risk levels.
const (
	RiskVeryLow  = "very_low"
	RiskLow      = "low"
	RiskMedium   = "medium"
	RiskHigh     = "high"
	RiskVeryHigh = "very_high"
)

// detectionThreshold marks an answer as hallucination-suspect.
const detectionThreshold = 0.30

// selfCheckVarianceThreshold marks multi-sample variance as suspect.
const selfCheckVarianceThreshold = 0.40

// HallucinationResult is the risk assessment for one answer.
type HallucinationResult struct {
	Risk                float64  `json:"risk"`
	RiskLevel           string   `json:"risk_level"`
	Detected            bool     `json:"detected"`
	Method              string   `json:"method"`
	SemanticConsistency *float64 `json:"semantic_consistency,omitempty"`
	SampleCount         int      `json:"sample_count,omitempty"`
}

// RiskFromScores combines the three quality scores into a hallucination
// risk.
func RiskFromScores(grounding, consistency, confidence float64) *HallucinationResult {
	risk := 0.40*(1-grounding) + 0.30*(1-consistency) + 0.30*(1-confidence)
	return &HallucinationResult{
		Risk:      risk,
		RiskLevel: riskLevel(risk),
		Detected:  risk > detectionThreshold,
		Method:    MethodScoreBased,
	}
}

func riskLevel(risk float64) string {
	switch {
	case risk < 0.1:
		return RiskVeryLow
	case risk < 0.2:
		return RiskLow
	case risk < 0.4:
		return RiskMedium
	case risk < 0.7:
		return RiskHigh
	default:
		return RiskVeryHigh
	}
}

// SelfChecker implements the optional SelfCheckGPT path: regenerate the
// answer several times at stepped temperatures and measure how much the
// samples agree.
type SelfChecker struct {
	generator llm.Generator
	embedder  embedding.Embedder
	samples   int
	baseTemp  float64
	tempStep  float64
}

// NewSelfChecker creates a self-checker. Samples clamp to the 2..5 range.
func NewSelfChecker(generator llm.Generator, embedder embedding.Embedder, samples int, baseTemp, tempStep float64) *SelfChecker {
	if samples < 2 {
		samples = 2
	}
	if samples > 5 {
		samples = 5
	}
	if tempStep <= 0 {
		tempStep = 0.3
	}
	return &SelfChecker{
		generator: generator,
		embedder:  embedder,
		samples:   samples,
		baseTemp:  baseTemp,
		tempStep:  tempStep,
	}
}

// Check regenerates the prompt at stepped temperatures, embeds each sample,
// and averages pairwise cosine similarity. Variance is 1 minus that
// consistency.
func (s *SelfChecker) Check(ctx context.Context, prompt string) (*HallucinationResult, error) {
	samples := make([]string, 0, s.samples)
	for i := 0; i < s.samples; i++ {
		temp := s.baseTemp + float64(i)*s.tempStep
		out, err := s.generator.Generate(ctx, prompt, llm.GenerateOptions{Temperature: temp})
		if err != nil {
			return nil, fmt.Errorf("selfcheck sample %d: %w", i+1, err)
		}
		samples = append(samples, out)
	}

	vectors, err := s.embedder.EmbedBatch(ctx, samples)
	if err != nil {
		return nil, fmt.Errorf("selfcheck embed: %w", err)
	}
	if len(vectors) != len(samples) {
		return nil, fmt.Errorf("selfcheck embed: got %d vectors for %d samples", len(vectors), len(samples))
	}

	sum := 0.0
	pairs := 0
	for i := 0; i < len(vectors); i++ {
		for j := i + 1; j < len(vectors); j++ {
			sum += float64(vector.CosineSimilarity(vectors[i], vectors[j]))
			pairs++
		}
	}
	consistency := 0.0
	if pairs > 0 {
		consistency = sum / float64(pairs)
	}
	variance := 1 - consistency

	return &HallucinationResult{
		Risk:                variance,
		RiskLevel:           riskLevel(variance),
		Detected:            variance > selfCheckVarianceThreshold,
		Method:              MethodSelfCheck,
		SemanticConsistency: &consistency,
		SampleCount:         len(samples),
	}, nil
}

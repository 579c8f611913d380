package quality

import (
	"fmt"

	"github.com/chartquery/chartquery/internal/answer"
	"github.com/chartquery/chartquery/internal/retrieval"
	"github.com/chartquery/chartquery/internal/storage"
)

// Per-extraction factor weights.
const (
	confWeightRetrieval   = 0.30
	confWeightSource      = 0.20
	confWeightExtraction  = 0.30
	confWeightConsistency = 0.20
)

// sourceTypeConfidence ranks artifact types by reliability: structured
// clinical data above narrative, narrative above messaging.
var sourceTypeConfidence = map[storage.ArtifactType]float64{
	storage.ArtifactTypeLabObservation:  0.95,
	storage.ArtifactTypeVital:           0.90,
	storage.ArtifactTypeMedication:      0.90,
	storage.ArtifactTypeCondition:       0.85,
	storage.ArtifactTypeAllergy:         0.85,
	storage.ArtifactTypeDocument:        0.80,
	storage.ArtifactTypeCarePlan:        0.80,
	storage.ArtifactTypeNote:            0.75,
	storage.ArtifactTypeAppointment:     0.70,
	storage.ArtifactTypeFormResponse:    0.70,
	storage.ArtifactTypeForm:            0.70,
	storage.ArtifactTypeIntakeFlow:      0.65,
	storage.ArtifactTypeFamilyHistory:   0.65,
	storage.ArtifactTypeTask:            0.60,
	storage.ArtifactTypeSuperbill:       0.60,
	storage.ArtifactTypeInsurancePolicy: 0.60,
	storage.ArtifactTypeMessage:         0.55,
}

// Uncertainty level thresholds, highest confidence first.
const (
	UncertaintyVeryLow  = "very_low"
	UncertaintyLow      = "low"
	UncertaintyMedium   = "medium"
	UncertaintyHigh     = "high"
	UncertaintyVeryHigh = "very_high"
)

// ExtractionConfidence is the factor breakdown for one extraction.
type ExtractionConfidence struct {
	Index       int     `json:"index"`
	Retrieval   float64 `json:"retrieval_confidence"`
	Source      float64 `json:"source_confidence"`
	Extraction  float64 `json:"extraction_confidence"`
	Consistency float64 `json:"consistency_confidence"`
	Overall     float64 `json:"overall"`
}

// ConfidenceResult aggregates confidence across all extractions.
type ConfidenceResult struct {
	Overall              float64                `json:"overall_confidence"`
	UncertaintyLevel     string                 `json:"uncertainty_level"`
	PerExtraction        []ExtractionConfidence `json:"per_extraction,omitempty"`
	LowConfidenceReasons []string               `json:"low_confidence_reasons,omitempty"`
	Recommendation       string                 `json:"recommendation"`
}

// AggregateConfidence computes the four-factor confidence per extraction
// and the overall mean.
func AggregateConfidence(ans *answer.Answer, candidates []retrieval.Candidate, consistencyScore float64) *ConfidenceResult {
	result := &ConfidenceResult{}

	byChunk := make(map[string]*retrieval.Candidate, len(candidates))
	for i := range candidates {
		byChunk[candidates[i].Chunk.ChunkID] = &candidates[i]
	}

	if len(ans.Extractions) == 0 {
		// nothing extracted; fall back to retrieval strength and history
		avgRetrieval := 0.0
		if len(candidates) > 0 {
			for _, c := range candidates {
				avgRetrieval += clamp01(c.Score)
			}
			avgRetrieval /= float64(len(candidates))
		}
		result.Overall = 0.5*avgRetrieval + 0.5*consistencyScore
		finishConfidence(result)
		return result
	}

	sum := 0.0
	for i, ext := range ans.Extractions {
		ec := ExtractionConfidence{
			Index:       i,
			Extraction:  clamp01(ext.Provenance.Confidence),
			Consistency: clamp01(consistencyScore),
			Source:      0.5,
		}
		if c, ok := byChunk[ext.Provenance.ChunkID]; ok {
			ec.Retrieval = clamp01(c.Score)
			if sc, ok := sourceTypeConfidence[c.Chunk.ArtifactType]; ok {
				ec.Source = sc
			}
		}
		ec.Overall = confWeightRetrieval*ec.Retrieval +
			confWeightSource*ec.Source +
			confWeightExtraction*ec.Extraction +
			confWeightConsistency*ec.Consistency
		result.PerExtraction = append(result.PerExtraction, ec)
		sum += ec.Overall

		if ec.Retrieval < 0.4 {
			result.LowConfidenceReasons = append(result.LowConfidenceReasons,
				fmt.Sprintf("extraction %d: weak retrieval support (%.2f)", i, ec.Retrieval))
		}
		if ec.Source < 0.6 {
			result.LowConfidenceReasons = append(result.LowConfidenceReasons,
				fmt.Sprintf("extraction %d: low-reliability source type", i))
		}
		if ec.Extraction < 0.5 {
			result.LowConfidenceReasons = append(result.LowConfidenceReasons,
				fmt.Sprintf("extraction %d: parser confidence %.2f", i, ec.Extraction))
		}
	}
	result.Overall = sum / float64(len(ans.Extractions))
	if consistencyScore < 0.8 {
		result.LowConfidenceReasons = append(result.LowConfidenceReasons,
			fmt.Sprintf("consistency score %.2f against recent history", consistencyScore))
	}

	finishConfidence(result)
	return result
}

func finishConfidence(result *ConfidenceResult) {
	result.UncertaintyLevel = uncertaintyLevel(result.Overall)
	switch result.UncertaintyLevel {
	case UncertaintyVeryLow, UncertaintyLow:
		result.Recommendation = "Answer is well supported; no review needed."
	case UncertaintyMedium:
		result.Recommendation = "Answer is usable; spot-check the cited sources."
	case UncertaintyHigh:
		result.Recommendation = "Verify the answer against the cited sources before relying on it."
	default:
		result.Recommendation = "Do not rely on this answer without reviewing the full record."
	}
}

// uncertaintyLevel maps confidence to the inverse uncertainty band.
func uncertaintyLevel(confidence float64) string {
	switch {
	case confidence >= 0.90:
		return UncertaintyVeryLow
	case confidence >= 0.80:
		return UncertaintyLow
	case confidence >= 0.60:
		return UncertaintyMedium
	case confidence >= 0.40:
		return UncertaintyHigh
	default:
		return UncertaintyVeryHigh
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

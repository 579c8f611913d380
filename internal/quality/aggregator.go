package quality

// Quality grades.
const (
	GradeExcellent    = "excellent"
	GradeGood         = "good"
	GradeAcceptable   = "acceptable"
	GradePoor         = "poor"
	GradeUnacceptable = "unacceptable"
)

// Report combines every quality signal into one graded summary.
type Report struct {
	GroundingScore    float64  `json:"grounding_score"`
	ConsistencyScore  float64  `json:"consistency_score"`
	ConfidenceScore   float64  `json:"confidence_score"`
	HallucinationRisk float64  `json:"hallucination_risk"`
	OverallQuality    float64  `json:"overall_quality_score"`
	QualityGrade      string   `json:"quality_grade"`
	PassesChecks      bool     `json:"passes_checks"`
	FailedChecks      []string `json:"failed_checks,omitempty"`
}

// Aggregate combines the four quality scores into the overall grade and
// pass/fail verdict.
func Aggregate(grounding, consistency, confidence, risk float64) *Report {
	overall := 0.35*grounding + 0.25*consistency + 0.25*confidence + 0.15*(1-risk)

	report := &Report{
		GroundingScore:    grounding,
		ConsistencyScore:  consistency,
		ConfidenceScore:   confidence,
		HallucinationRisk: risk,
		OverallQuality:    overall,
		QualityGrade:      grade(overall),
	}

	if grounding < 0.7 {
		report.FailedChecks = append(report.FailedChecks, "grounding below 0.7")
	}
	if consistency < 0.8 {
		report.FailedChecks = append(report.FailedChecks, "consistency below 0.8")
	}
	if confidence < 0.6 {
		report.FailedChecks = append(report.FailedChecks, "confidence below 0.6")
	}
	if risk >= 0.3 {
		report.FailedChecks = append(report.FailedChecks, "hallucination risk at or above 0.3")
	}
	report.PassesChecks = len(report.FailedChecks) == 0

	return report
}

func grade(overall float64) string {
	switch {
	case overall >= 0.90:
		return GradeExcellent
	case overall >= 0.80:
		return GradeGood
	case overall >= 0.70:
		return GradeAcceptable
	case overall >= 0.50:
		return GradePoor
	default:
		return GradeUnacceptable
	}
}

package query

import "strings"

var yesNoStarters = []string{
	"is ", "are ", "was ", "were ", "does ", "do ", "did ", "has ", "have ",
	"had ", "can ", "could ", "should ", "will ", "would ",
}

var factoidStarters = []string{"what ", "when ", "who ", "which ", "what's "}

var analysisKeywords = []string{
	"analyze", "analysis", "compare", "comparison", "why", "trend", "trends",
	"correlate", "correlation", "explain", "pattern", "progression",
	"interpret",
}

var compoundMarkers = []string{" and ", " as well as ", " along with ", " both "}

// detailAnalyzer decides the 1..5 detail level for a query.
type detailAnalyzer struct{}

// Analyze applies the rule precedence: yes/no, short factoid, analysis
// keywords, multi-entity or compound questions, intent-driven defaults,
// then the middle level.
func (d *detailAnalyzer) Analyze(q string, intent Intent, entities []Entity, temporal *TemporalFilter) int {
	lower := strings.ToLower(strings.TrimSpace(q))
	tokens := tokenize(lower)

	for _, starter := range yesNoStarters {
		if strings.HasPrefix(lower, starter) {
			return 1
		}
	}

	for _, starter := range factoidStarters {
		if strings.HasPrefix(lower, starter) && len(tokens) <= 8 {
			return 2
		}
	}

	for _, kw := range analysisKeywords {
		if containsWord(lower, kw) {
			return 5
		}
	}

	timeRefs := 0
	if temporal != nil {
		timeRefs = 1
	}
	for _, e := range entities {
		if e.Type == EntityDate {
			timeRefs++
		}
	}
	clinicalEntities := 0
	for _, e := range entities {
		switch e.Type {
		case EntityMedication, EntityCondition, EntitySymptom:
			clinicalEntities++
		}
	}
	compound := false
	for _, marker := range compoundMarkers {
		if strings.Contains(lower, marker) {
			compound = true
			break
		}
	}
	if clinicalEntities >= 2 || timeRefs >= 2 || compound {
		return 4
	}

	switch intent {
	case IntentSummary:
		return 4
	case IntentComparison:
		return 5
	}

	return 3
}

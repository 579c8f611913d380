package query

import (
	"sort"
	"strings"
)

// ambiguityEpsilon is the score margin within which two intents are
// reported as ambiguous.
const ambiguityEpsilon = 0.1

// abbreviations expand common clinical shorthand before keyword matching.
var abbreviations = map[string]string{
	"bp":   "blood pressure",
	"hr":   "heart rate",
	"meds": "medications",
	"med":  "medication",
	"rx":   "prescription",
	"dx":   "diagnosis",
	"hx":   "history",
	"appt": "appointment",
	"labs": "lab results",
	"a1c":  "hemoglobin a1c",
}

// intentKeywords score each intent by keyword hits.
var intentKeywords = map[Intent][]string{
	IntentRetrieveMedications: {
		"medication", "medications", "medicine", "medicines", "drug", "drugs",
		"prescription", "prescriptions", "taking", "dose", "dosage", "pill", "pills",
	},
	IntentRetrieveCarePlans: {
		"care plan", "care plans", "treatment plan", "plan of care", "goal",
		"goals", "intervention",
	},
	IntentRetrieveNotes: {
		"note", "notes", "visit", "encounter", "wrote", "documented", "charted",
	},
	IntentSummary: {
		"summary", "summarize", "overview", "history", "recap", "tell me about",
	},
	IntentComparison: {
		"compare", "comparison", "versus", "vs", "difference", "changed",
		"change", "trend", "before and after",
	},
	IntentRetrieveAll: {
		"everything", "all records", "full record", "complete record", "anything",
	},
}

// intentClassifier is a rule-based intent scorer.
type intentClassifier struct{}

// Classify returns the winning intent, its confidence (maxScore/tokenCount
// clamped to [0,1]), and any intents tied within the ambiguity epsilon.
func (c *intentClassifier) Classify(q string) (Intent, float64, []Intent) {
	expanded := expandAbbreviations(strings.ToLower(q))
	tokens := tokenize(expanded)
	if len(tokens) == 0 {
		return IntentUnknown, 0, nil
	}

	scores := make(map[Intent]float64)
	for intent, keywords := range intentKeywords {
		for _, kw := range keywords {
			if strings.Contains(kw, " ") {
				if strings.Contains(expanded, kw) {
					scores[intent] += 2 // phrase hits outweigh single tokens
				}
				continue
			}
			for _, tok := range tokens {
				if tok == kw {
					scores[intent]++
				}
			}
		}
	}

	if len(scores) == 0 {
		return IntentUnknown, 0, nil
	}

	type scored struct {
		intent Intent
		score  float64
	}
	ranked := make([]scored, 0, len(scores))
	for intent, score := range scores {
		ranked = append(ranked, scored{intent, score})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].intent < ranked[j].intent
	})

	best := ranked[0]
	confidence := best.score / float64(len(tokens))
	if confidence > 1 {
		confidence = 1
	}

	var ambiguous []Intent
	for _, r := range ranked[1:] {
		if best.score-r.score <= ambiguityEpsilon {
			ambiguous = append(ambiguous, r.intent)
		}
	}

	return best.intent, confidence, ambiguous
}

// expandAbbreviations replaces known shorthand tokens in place.
func expandAbbreviations(q string) string {
	tokens := strings.Fields(q)
	for i, tok := range tokens {
		clean := strings.Trim(tok, ".,?!;:")
		if full, ok := abbreviations[clean]; ok {
			tokens[i] = full
		}
	}
	return strings.Join(tokens, " ")
}

// tokenize lowercases and strips non-alphanumerics, dropping empty tokens.
func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	tokens := fields[:0]
	for _, f := range fields {
		if f != "" {
			tokens = append(tokens, f)
		}
	}
	return tokens
}

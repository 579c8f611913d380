package query

import (
	"regexp"
	"strings"
)

// Curated gazetteers. These cover the common ambulatory vocabulary; the
// extractor is intentionally high-precision, since false entities distort
// re-ranking downstream.
var medicationGazetteer = []string{
	"atorvastatin", "lisinopril", "metformin", "amlodipine", "metoprolol",
	"omeprazole", "simvastatin", "losartan", "albuterol", "gabapentin",
	"hydrochlorothiazide", "sertraline", "levothyroxine", "aspirin",
	"ibuprofen", "acetaminophen", "insulin", "warfarin", "prednisone",
	"amoxicillin", "azithromycin", "fluoxetine", "citalopram", "escitalopram",
	"pantoprazole", "furosemide", "clopidogrel", "rosuvastatin", "tramadol",
	"duloxetine",
}

var conditionGazetteer = []string{
	"diabetes", "hypertension", "asthma", "copd", "depression", "anxiety",
	"hyperlipidemia", "hypothyroidism", "atrial fibrillation", "heart failure",
	"coronary artery disease", "chronic kidney disease", "osteoarthritis",
	"rheumatoid arthritis", "gerd", "migraine", "obesity", "anemia",
	"pneumonia", "cancer", "stroke", "osteoporosis",
}

var symptomGazetteer = []string{
	"pain", "fever", "cough", "fatigue", "nausea", "vomiting", "dizziness",
	"headache", "shortness of breath", "chest pain", "swelling", "rash",
	"weakness", "numbness", "palpitations", "insomnia", "weight loss",
	"weight gain",
}

var (
	personRe = regexp.MustCompile(`(?i)\b(?:dr|doctor|nurse)\.?\s+([A-Z][a-z]+)`)
	dateRe   = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b|\b(?:January|February|March|April|May|June|July|August|September|October|November|December)\s+\d{1,2}(?:,\s*\d{4})?\b`)
)

// entityExtractor recognizes medications, conditions, symptoms, dates and
// persons.
type entityExtractor struct{}

// ExtractEntities runs the gazetteer extractor over arbitrary text. Used by
// indexing to tag chunks and derive relationships.
func ExtractEntities(text string) []Entity {
	return (&entityExtractor{}).Extract(text)
}

// Extract returns entities in query order, deduplicated by (type, value).
func (e *entityExtractor) Extract(q string) []Entity {
	lower := strings.ToLower(q)
	var entities []Entity
	seen := make(map[string]bool)

	add := func(t EntityType, value string) {
		key := string(t) + ":" + strings.ToLower(value)
		if !seen[key] {
			seen[key] = true
			entities = append(entities, Entity{Type: t, Value: value})
		}
	}

	for _, med := range medicationGazetteer {
		if containsWord(lower, med) {
			add(EntityMedication, med)
		}
	}
	for _, cond := range conditionGazetteer {
		if containsWord(lower, cond) {
			add(EntityCondition, cond)
		}
	}
	for _, sym := range symptomGazetteer {
		if containsWord(lower, sym) {
			add(EntitySymptom, sym)
		}
	}

	for _, m := range dateRe.FindAllString(q, -1) {
		add(EntityDate, m)
	}
	for _, m := range personRe.FindAllStringSubmatch(q, -1) {
		add(EntityPerson, m[1])
	}

	return entities
}

// containsWord reports whether term occurs in text on word boundaries.
// Multi-word terms use substring matching.
func containsWord(text, term string) bool {
	if strings.Contains(term, " ") {
		return strings.Contains(text, term)
	}
	idx := 0
	for {
		i := strings.Index(text[idx:], term)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(term)
		beforeOK := start == 0 || !isAlnum(text[start-1])
		afterOK := end == len(text) || !isAlnum(text[end])
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isAlnum(b byte) bool {
	return ('a' <= b && b <= 'z') || ('A' <= b && b <= 'Z') || ('0' <= b && b <= '9')
}

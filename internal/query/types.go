// Package query converts free-text clinical questions into structured
// queries: intent, entities, temporal window, artifact-type filters, and
// detail level.
package query

import (
	"errors"
	"time"

	"github.com/chartquery/chartquery/internal/storage"
)

// ErrInvalidInput indicates an unusable query or patient id. Never retried.
var ErrInvalidInput = errors.New("invalid input")

// MaxQueryLength is the longest accepted query in characters.
const MaxQueryLength = 1000

// Intent classifies what the user is asking for.
type Intent string

const (
	IntentRetrieveMedications Intent = "retrieve_medications"
	IntentRetrieveCarePlans   Intent = "retrieve_care_plans"
	IntentRetrieveNotes       Intent = "retrieve_notes"
	IntentSummary             Intent = "summary"
	IntentComparison          Intent = "comparison"
	IntentRetrieveAll         Intent = "retrieve_all"
	IntentUnknown             Intent = "unknown"
)

// EntityType classifies an extracted entity.
type EntityType string

const (
	EntityMedication EntityType = "medication"
	EntityCondition  EntityType = "condition"
	EntitySymptom    EntityType = "symptom"
	EntityDate       EntityType = "date"
	EntityPerson     EntityType = "person"
)

// Entity is a recognized span in the query.
type Entity struct {
	Type  EntityType `json:"type"`
	Value string     `json:"value"`
}

// TemporalFilter is a resolved date window.
type TemporalFilter struct {
	From  time.Time `json:"from"`
	To    time.Time `json:"to"`
	Label string    `json:"label"`
}

// Filters narrows retrieval by artifact type and date range.
type Filters struct {
	ArtifactTypes []storage.ArtifactType `json:"artifact_types,omitempty"`
	From          *time.Time             `json:"from,omitempty"`
	To            *time.Time             `json:"to,omitempty"`
}

// ResponseConstraints fix answer shape per detail level.
type ResponseConstraints struct {
	MaxShortAnswerWords int  `json:"max_short_answer_words"`
	SummaryBullets      int  `json:"summary_bullets"`
	MinSources          int  `json:"min_sources"`
	IncludeReasoning    bool `json:"include_reasoning"`
}

// StructuredQuery is the output of query understanding.
type StructuredQuery struct {
	QueryID          string              `json:"query_id"`
	OriginalQuery    string              `json:"original_query"`
	PatientID        string              `json:"patient_id"`
	Intent           Intent              `json:"intent"`
	IntentConfidence float64             `json:"intent_confidence"`
	AmbiguousIntents []Intent            `json:"ambiguous_intents,omitempty"`
	Entities         []Entity            `json:"entities,omitempty"`
	Temporal         *TemporalFilter     `json:"temporal_filter,omitempty"`
	Filters          Filters             `json:"filters"`
	DetailLevel      int                 `json:"detail_level"`
	Constraints      ResponseConstraints `json:"constraints"`
}

// ConstraintsForLevel returns the response constraints for a detail level
// 1..5. Out-of-range levels clamp.
func ConstraintsForLevel(level int) ResponseConstraints {
	if level < 1 {
		level = 1
	}
	if level > 5 {
		level = 5
	}
	switch level {
	case 1:
		return ResponseConstraints{MaxShortAnswerWords: 10, SummaryBullets: 2, MinSources: 1, IncludeReasoning: false}
	case 2:
		return ResponseConstraints{MaxShortAnswerWords: 20, SummaryBullets: 3, MinSources: 1, IncludeReasoning: false}
	case 3:
		return ResponseConstraints{MaxShortAnswerWords: 40, SummaryBullets: 4, MinSources: 2, IncludeReasoning: true}
	case 4:
		return ResponseConstraints{MaxShortAnswerWords: 60, SummaryBullets: 5, MinSources: 3, IncludeReasoning: true}
	default:
		return ResponseConstraints{MaxShortAnswerWords: 80, SummaryBullets: 6, MinSources: 4, IncludeReasoning: true}
	}
}

// artifactTypesForIntent maps an intent to the artifact types it retrieves.
// Spellings match the singular forms stored in the metadata store. A nil
// return means no type restriction.
func artifactTypesForIntent(intent Intent) []storage.ArtifactType {
	switch intent {
	case IntentRetrieveMedications:
		return []storage.ArtifactType{storage.ArtifactTypeMedication}
	case IntentRetrieveCarePlans:
		return []storage.ArtifactType{storage.ArtifactTypeCarePlan}
	case IntentRetrieveNotes:
		return []storage.ArtifactType{storage.ArtifactTypeNote}
	default:
		return nil
	}
}

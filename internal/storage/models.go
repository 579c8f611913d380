// Package storage provides database models and repositories for ChartQuery.
package storage

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// ArtifactType enumerates the normalized medical record item kinds.
type ArtifactType string

const (
	ArtifactTypeNote            ArtifactType = "note"
	ArtifactTypeDocument        ArtifactType = "document"
	ArtifactTypeMedication      ArtifactType = "medication"
	ArtifactTypeCondition       ArtifactType = "condition"
	ArtifactTypeAllergy         ArtifactType = "allergy"
	ArtifactTypeCarePlan        ArtifactType = "care_plan"
	ArtifactTypeFormResponse    ArtifactType = "form_response"
	ArtifactTypeMessage         ArtifactType = "message"
	ArtifactTypeLabObservation  ArtifactType = "lab_observation"
	ArtifactTypeVital           ArtifactType = "vital"
	ArtifactTypeAppointment     ArtifactType = "appointment"
	ArtifactTypeSuperbill       ArtifactType = "superbill"
	ArtifactTypeInsurancePolicy ArtifactType = "insurance_policy"
	ArtifactTypeTask            ArtifactType = "task"
	ArtifactTypeFamilyHistory   ArtifactType = "family_history"
	ArtifactTypeIntakeFlow      ArtifactType = "intake_flow"
	ArtifactTypeForm            ArtifactType = "form"
)

// ValidArtifactType reports whether t is a known artifact type.
func ValidArtifactType(t ArtifactType) bool {
	switch t {
	case ArtifactTypeNote, ArtifactTypeDocument, ArtifactTypeMedication,
		ArtifactTypeCondition, ArtifactTypeAllergy, ArtifactTypeCarePlan,
		ArtifactTypeFormResponse, ArtifactTypeMessage, ArtifactTypeLabObservation,
		ArtifactTypeVital, ArtifactTypeAppointment, ArtifactTypeSuperbill,
		ArtifactTypeInsurancePolicy, ArtifactTypeTask, ArtifactTypeFamilyHistory,
		ArtifactTypeIntakeFlow, ArtifactTypeForm:
		return true
	}
	return false
}

// Artifact is a normalized medical record item. Immutable once created.
type Artifact struct {
	ID         string
	PatientID  string
	Type       ArtifactType
	OccurredAt time.Time
	Author     string
	Title      string
	Text       string
	SourceURL  string
	Meta       JSONMap
}

// Chunk is a retrieval unit derived from one artifact. OccurredAt always
// equals the owning artifact's.
type Chunk struct {
	ChunkID               string
	ArtifactID            string
	PatientID             string
	ArtifactType          ArtifactType
	OccurredAt            time.Time
	Author                string
	Text                  string
	EnrichedText          string
	SourceURL             string
	ExtractedEntities     StringList
	RelationshipIDs       StringList
	ContextExpansionLevel int
}

// Sentence is a sub-chunk segmentation with offsets into both the chunk
// and the owning artifact.
type Sentence struct {
	SentenceID    string
	ChunkID       string
	Text          string
	ChunkStart    int
	ChunkEnd      int
	ArtifactStart int
	ArtifactEnd   int
}

// Relationship is a (subject, predicate, object) tuple between artifacts,
// resolved at indexing time and used for chunk enrichment.
type Relationship struct {
	ID        string
	PatientID string
	SubjectID string
	Predicate string
	ObjectID  string
	CreatedAt time.Time
}

// Conversation is a persisted answered query with its quality scores.
// Created at end of generation, updated once quality is computed, immutable
// thereafter.
type Conversation struct {
	ID                  string
	PatientID           string
	Query               string
	QueryIntent         string
	QueryTimestamp      time.Time
	ShortAnswer         string
	DetailedSummary     string
	ModelUsed           string
	Extractions         JSONRaw
	Sources             JSONRaw
	RetrievalCandidates JSONRaw
	FeatureFlags        JSONMap
	RetrievalTimeMs     int64
	GenerationTimeMs    int64
	TotalTimeMs         int64
	GroundingScore      *float64
	ConsistencyScore    *float64
	ConfidenceScore     *float64
	HallucinationRisk   *float64
	OverallQuality      *float64
	CreatedAt           time.Time
}

// GroundingRecord persists per-conversation grounding verification.
type GroundingRecord struct {
	ID                    string
	ConversationID        string
	GroundingScore        float64
	TotalStatements       int
	GroundedStatements    int
	UnsupportedStatements JSONRaw
	StatementDetails      JSONRaw
	Warnings              StringList
	CreatedAt             time.Time
}

// ConsistencyRecord persists per-conversation consistency results.
type ConsistencyRecord struct {
	ID               string
	ConversationID   string
	ConsistencyScore float64
	Contradictions   JSONRaw
	CheckedAgainst   int
	Warnings         StringList
	CreatedAt        time.Time
}

// ConfidenceRecord persists per-conversation confidence aggregation.
type ConfidenceRecord struct {
	ID                   string
	ConversationID       string
	OverallConfidence    float64
	UncertaintyLevel     string
	PerExtraction        JSONRaw
	LowConfidenceReasons StringList
	Recommendation       string
	CreatedAt            time.Time
}

// HallucinationRecord persists per-conversation hallucination risk.
type HallucinationRecord struct {
	ID                  string
	ConversationID      string
	Risk                float64
	RiskLevel           string
	Detected            bool
	Method              string
	SemanticConsistency *float64
	SampleCount         int
	CreatedAt           time.Time
}

// QualityTrend is a per-(patient, day) rollup updated after each query.
type QualityTrend struct {
	ID             string
	PatientID      string
	Day            string // YYYY-MM-DD
	QueryCount     int
	AvgGrounding   float64
	AvgConsistency float64
	AvgConfidence  float64
	AvgRisk        float64
	AvgOverall     float64
	UpdatedAt      time.Time
}

// JSONMap stores a string map as a JSON column.
type JSONMap map[string]string

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	return string(b), err
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src interface{}) error {
	return scanJSON(src, m)
}

// StringList stores a string slice as a JSON column.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal(l)
	return string(b), err
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(src interface{}) error {
	return scanJSON(src, l)
}

// JSONRaw stores pre-marshalled JSON verbatim.
type JSONRaw []byte

// Value implements driver.Valuer.
func (r JSONRaw) Value() (driver.Value, error) {
	if len(r) == 0 {
		return "null", nil
	}
	return string(r), nil
}

// Scan implements sql.Scanner.
func (r *JSONRaw) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*r = nil
	case []byte:
		*r = append((*r)[:0], v...)
	case string:
		*r = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into JSONRaw", src)
	}
	return nil
}

// MarshalJSONRaw marshals v into a JSONRaw column value.
func MarshalJSONRaw(v interface{}) (JSONRaw, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal json column: %w", err)
	}
	return JSONRaw(b), nil
}

func scanJSON(src, dst interface{}) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, dst)
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("cannot scan %T into JSON column", src)
	}
}

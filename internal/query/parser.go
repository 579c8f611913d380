package query

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chartquery/chartquery/internal/observability"
)

// Parser runs the four query-understanding sub-steps in order: temporal
// parsing, intent classification, entity extraction, detail analysis.
type Parser struct {
	logger   *observability.Logger
	temporal *temporalParser
	intents  *intentClassifier
	entities *entityExtractor
	detail   *detailAnalyzer
}

// NewParser creates a query parser. now is injectable for tests; nil means
// time.Now.
func NewParser(logger *observability.Logger, now func() time.Time) *Parser {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Parser{
		logger:   logger,
		temporal: &temporalParser{now: now},
		intents:  &intentClassifier{},
		entities: &entityExtractor{},
		detail:   &detailAnalyzer{},
	}
}

// Parse converts a free-text question into a StructuredQuery.
func (p *Parser) Parse(q, patientID string) (*StructuredQuery, error) {
	trimmed := strings.TrimSpace(q)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: query is empty", ErrInvalidInput)
	}
	if len(trimmed) > MaxQueryLength {
		return nil, fmt.Errorf("%w: query exceeds %d characters", ErrInvalidInput, MaxQueryLength)
	}
	if strings.TrimSpace(patientID) == "" {
		return nil, fmt.Errorf("%w: patient id is empty", ErrInvalidInput)
	}

	temporal := p.temporal.Parse(trimmed)
	intent, confidence, ambiguous := p.intents.Classify(trimmed)
	entities := p.entities.Extract(trimmed)
	level := p.detail.Analyze(trimmed, intent, entities, temporal)

	sq := &StructuredQuery{
		QueryID:          uuid.NewString(),
		OriginalQuery:    trimmed,
		PatientID:        patientID,
		Intent:           intent,
		IntentConfidence: confidence,
		AmbiguousIntents: ambiguous,
		Entities:         entities,
		Temporal:         temporal,
		DetailLevel:      level,
		Constraints:      ConstraintsForLevel(level),
	}

	sq.Filters.ArtifactTypes = artifactTypesForIntent(intent)
	if temporal != nil {
		from, to := temporal.From, temporal.To
		sq.Filters.From = &from
		sq.Filters.To = &to
	}

	p.logger.Debug().
		Str("query_id", sq.QueryID).
		Str("intent", string(intent)).
		Float64("intent_confidence", confidence).
		Int("detail_level", level).
		Int("entities", len(entities)).
		Msg("parsed query")

	return sq, nil
}

package query

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chartquery/chartquery/internal/storage"
)

func fixedClock() func() time.Time {
	return func() time.Time {
		return time.Date(2024, time.June, 15, 12, 0, 0, 0, time.UTC)
	}
}

func TestParserValidation(t *testing.T) {
	p := NewParser(nil, fixedClock())

	tests := []struct {
		name      string
		query     string
		patientID string
	}{
		{name: "empty query", query: "", patientID: "p-1"},
		{name: "whitespace query", query: "   ", patientID: "p-1"},
		{name: "over length query", query: strings.Repeat("a", 1001), patientID: "p-1"},
		{name: "empty patient id", query: "what medications?", patientID: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sq, err := p.Parse(tt.query, tt.patientID)
			assert.Nil(t, sq)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func TestParserMedicationsQuery(t *testing.T) {
	p := NewParser(nil, fixedClock())

	sq, err := p.Parse("What medications is the patient taking?", "p-1")
	require.NoError(t, err)

	assert.NotEmpty(t, sq.QueryID)
	assert.Equal(t, "p-1", sq.PatientID)
	assert.Equal(t, IntentRetrieveMedications, sq.Intent)
	assert.Greater(t, sq.IntentConfidence, 0.0)
	assert.Equal(t, []storage.ArtifactType{storage.ArtifactTypeMedication}, sq.Filters.ArtifactTypes)
	assert.Nil(t, sq.Temporal)
}

func TestParserYesNoQuery(t *testing.T) {
	p := NewParser(nil, fixedClock())

	sq, err := p.Parse("Is patient on aspirin?", "p-1")
	require.NoError(t, err)

	assert.Equal(t, 1, sq.DetailLevel)
	assert.Equal(t, 10, sq.Constraints.MaxShortAnswerWords)
	assert.Equal(t, 1, sq.Constraints.MinSources)
	assert.False(t, sq.Constraints.IncludeReasoning)
	assert.Contains(t, sq.Entities, Entity{Type: EntityMedication, Value: "aspirin"})
}

func TestParserTemporalWindow(t *testing.T) {
	p := NewParser(nil, fixedClock())

	sq, err := p.Parse("Show medications from the last 3 months", "p-1")
	require.NoError(t, err)

	require.NotNil(t, sq.Temporal)
	assert.Equal(t, time.Date(2024, time.March, 15, 12, 0, 0, 0, time.UTC), sq.Temporal.From)
	require.NotNil(t, sq.Filters.From)
	require.NotNil(t, sq.Filters.To)
	assert.Equal(t, sq.Temporal.From, *sq.Filters.From)
	assert.Equal(t, sq.Temporal.To, *sq.Filters.To)
}

func TestIntentClassifier(t *testing.T) {
	c := &intentClassifier{}

	tests := []struct {
		name   string
		query  string
		intent Intent
	}{
		{name: "medications", query: "what medications is the patient taking", intent: IntentRetrieveMedications},
		{name: "abbreviation meds", query: "current meds", intent: IntentRetrieveMedications},
		{name: "care plan phrase", query: "show me the care plan", intent: IntentRetrieveCarePlans},
		{name: "notes", query: "any notes from the visit", intent: IntentRetrieveNotes},
		{name: "summary", query: "summarize the patient history", intent: IntentSummary},
		{name: "comparison", query: "compare blood pressure readings", intent: IntentComparison},
		{name: "retrieve all", query: "show me everything", intent: IntentRetrieveAll},
		{name: "no keywords", query: "hello there", intent: IntentUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			intent, confidence, _ := c.Classify(tt.query)
			assert.Equal(t, tt.intent, intent)
			if tt.intent != IntentUnknown {
				assert.Greater(t, confidence, 0.0)
			}
		})
	}
}

func TestTemporalParser(t *testing.T) {
	now := fixedClock()()
	p := &temporalParser{now: fixedClock()}

	tests := []struct {
		name     string
		query    string
		wantNil  bool
		wantFrom time.Time
		wantTo   time.Time
	}{
		{
			name:     "last n months",
			query:    "medications from the last 3 months",
			wantFrom: now.AddDate(0, -3, 0),
			wantTo:   now,
		},
		{
			name:     "past week default count",
			query:    "notes from the past week",
			wantFrom: now.AddDate(0, 0, -7),
			wantTo:   now,
		},
		{
			name:     "since year",
			query:    "blood pressure since 2023",
			wantFrom: time.Date(2023, time.January, 1, 0, 0, 0, 0, time.UTC),
			wantTo:   now,
		},
		{
			name:     "since month name",
			query:    "labs since March",
			wantFrom: time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC),
			wantTo:   now,
		},
		{
			name:     "month name after now resolves to prior year",
			query:    "labs since October",
			wantFrom: time.Date(2023, time.October, 1, 0, 0, 0, 0, time.UTC),
			wantTo:   now,
		},
		{
			name:     "between months",
			query:    "readings between January and March",
			wantFrom: time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC),
			wantTo:   time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name:     "literal date",
			query:    "what happened on 2024-02-10",
			wantFrom: time.Date(2024, time.February, 10, 0, 0, 0, 0, time.UTC),
			wantTo:   time.Date(2024, time.February, 11, 0, 0, 0, 0, time.UTC),
		},
		{
			name:    "no temporal expression",
			query:   "current medications",
			wantNil: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := p.Parse(tt.query)
			if tt.wantNil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.wantFrom, got.From)
			assert.Equal(t, tt.wantTo, got.To)
		})
	}
}

func TestDetailAnalyzer(t *testing.T) {
	d := &detailAnalyzer{}
	e := &entityExtractor{}
	tp := &temporalParser{now: fixedClock()}
	c := &intentClassifier{}

	tests := []struct {
		name  string
		query string
		level int
	}{
		{name: "yes no", query: "Is the patient on aspirin?", level: 1},
		{name: "short factoid", query: "What is the latest a1c?", level: 2},
		{name: "analysis keyword", query: "Analyze the blood pressure readings over time", level: 5},
		{name: "two clinical entities", query: "How are diabetes and hypertension being managed?", level: 4},
		{name: "summary intent", query: "Give me a summary of this patient", level: 4},
		{name: "default middle", query: "Tell me more about the latest lab result", level: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			intent, _, _ := c.Classify(tt.query)
			entities := e.Extract(tt.query)
			temporal := tp.Parse(tt.query)
			assert.Equal(t, tt.level, d.Analyze(tt.query, intent, entities, temporal))
		})
	}
}

func TestEntityExtractor(t *testing.T) {
	e := &entityExtractor{}

	t.Run("medication and condition", func(t *testing.T) {
		got := e.Extract("Is the patient taking metformin for diabetes?")
		assert.Contains(t, got, Entity{Type: EntityMedication, Value: "metformin"})
		assert.Contains(t, got, Entity{Type: EntityCondition, Value: "diabetes"})
	})

	t.Run("person symptom and date", func(t *testing.T) {
		got := e.Extract("Dr. Smith noted chest pain on 2024-01-05")
		assert.Contains(t, got, Entity{Type: EntityPerson, Value: "Smith"})
		assert.Contains(t, got, Entity{Type: EntitySymptom, Value: "chest pain"})
		assert.Contains(t, got, Entity{Type: EntityDate, Value: "2024-01-05"})
	})

	t.Run("no partial word matches", func(t *testing.T) {
		got := e.Extract("the painter visited")
		for _, ent := range got {
			assert.NotEqual(t, Entity{Type: EntitySymptom, Value: "pain"}, ent)
		}
	})

	t.Run("deduplicates", func(t *testing.T) {
		got := e.Extract("aspirin or aspirin?")
		count := 0
		for _, ent := range got {
			if ent.Value == "aspirin" {
				count++
			}
		}
		assert.Equal(t, 1, count)
	})
}

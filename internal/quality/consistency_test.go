package quality

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chartquery/chartquery/internal/answer"
	"github.com/chartquery/chartquery/internal/storage"
)

type fakeHistory struct {
	conversations []storage.Conversation
}

func (f fakeHistory) ListSince(ctx context.Context, patientID string, since time.Time, excludeID string) ([]storage.Conversation, error) {
	return f.conversations, nil
}

func medicationAnswer(name, dosage string) *answer.Answer {
	return &answer.Answer{
		ShortAnswer:     "Patient is currently taking " + name + ".",
		DetailedSummary: "- " + name + " " + dosage,
		Extractions: []answer.Extraction{{
			Type:    "medication",
			Content: map[string]string{"name": name, "dosage": dosage},
		}},
	}
}

func extractionsJSON(t *testing.T, extractions []answer.Extraction) storage.JSONRaw {
	t.Helper()
	raw, err := storage.MarshalJSONRaw(extractions)
	require.NoError(t, err)
	return raw
}

func TestDiscontinuedMedicationContradiction(t *testing.T) {
	now := time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)
	history := fakeHistory{conversations: []storage.Conversation{{
		ID:             "conv-old",
		PatientID:      "p-1",
		QueryTimestamp: now.AddDate(0, 0, -10),
		ShortAnswer:    "Metformin was discontinued last month.",
	}}}

	checker := NewConsistencyChecker(history, func() time.Time { return now })
	result, err := checker.Check(context.Background(), "conv-new", "p-1", medicationAnswer("Metformin", "500mg"))
	require.NoError(t, err)

	require.Len(t, result.Contradictions, 1)
	c := result.Contradictions[0]
	assert.Equal(t, SeverityHigh, c.Severity)
	assert.Equal(t, "conv-old", c.PreviousConversationID)
	assert.Equal(t, "metformin", c.EntityValue)
	assert.LessOrEqual(t, result.Score, 0.7)
	assert.NotEmpty(t, result.Warnings)
}

func TestDosageChangeWithinSevenDays(t *testing.T) {
	now := time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)
	history := fakeHistory{conversations: []storage.Conversation{{
		ID:             "conv-old",
		PatientID:      "p-1",
		QueryTimestamp: now.AddDate(0, 0, -3),
		ShortAnswer:    "Patient takes Metformin 500mg.",
		Extractions: extractionsJSON(t, []answer.Extraction{{
			Type:    "medication",
			Content: map[string]string{"name": "Metformin", "dosage": "500mg"},
		}}),
	}}}

	checker := NewConsistencyChecker(history, func() time.Time { return now })
	result, err := checker.Check(context.Background(), "conv-new", "p-1", medicationAnswer("Metformin", "1000mg"))
	require.NoError(t, err)

	found := false
	for _, c := range result.Contradictions {
		if c.Severity == SeverityMedium && c.EntityType == "medication" {
			found = true
		}
	}
	assert.True(t, found, "expected a medium dosage-change contradiction")
}

func TestActiveVersusResolvedCondition(t *testing.T) {
	now := time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)
	history := fakeHistory{conversations: []storage.Conversation{{
		ID:             "conv-old",
		QueryTimestamp: now.AddDate(0, 0, -5),
		ShortAnswer:    "Pneumonia resolved after treatment.",
		Extractions: extractionsJSON(t, []answer.Extraction{{
			Type:    "condition",
			Content: map[string]string{"name": "Pneumonia", "status": "resolved"},
		}}),
	}}}

	current := &answer.Answer{
		ShortAnswer: "Pneumonia is active.",
		Extractions: []answer.Extraction{{
			Type:    "condition",
			Content: map[string]string{"name": "Pneumonia", "status": "active"},
		}},
	}

	checker := NewConsistencyChecker(history, func() time.Time { return now })
	result, err := checker.Check(context.Background(), "conv-new", "p-1", current)
	require.NoError(t, err)

	require.NotEmpty(t, result.Contradictions)
	assert.Equal(t, SeverityHigh, result.Contradictions[0].Severity)
	assert.Equal(t, "condition", result.Contradictions[0].EntityType)
}

func TestSemanticNegationContradiction(t *testing.T) {
	now := time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)
	history := fakeHistory{conversations: []storage.Conversation{{
		ID:             "conv-old",
		QueryTimestamp: now.AddDate(0, 0, -2),
		ShortAnswer:    "Patient has no diabetes on record.",
	}}}

	current := &answer.Answer{ShortAnswer: "Diabetes management is ongoing."}

	checker := NewConsistencyChecker(history, func() time.Time { return now })
	result, err := checker.Check(context.Background(), "conv-new", "p-1", current)
	require.NoError(t, err)

	require.Len(t, result.Contradictions, 1)
	assert.Equal(t, SeverityMedium, result.Contradictions[0].Severity)
	assert.Equal(t, "diabetes", result.Contradictions[0].EntityValue)
}

func TestNoHistoryIsFullyConsistent(t *testing.T) {
	checker := NewConsistencyChecker(fakeHistory{}, nil)
	result, err := checker.Check(context.Background(), "conv-new", "p-1", medicationAnswer("Metformin", "500mg"))
	require.NoError(t, err)

	assert.Equal(t, 1.0, result.Score)
	assert.Zero(t, result.CheckedAgainst)
	assert.Empty(t, result.Contradictions)
}

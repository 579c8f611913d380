package ingest

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chartquery/chartquery/internal/query"
	"github.com/chartquery/chartquery/internal/storage"
)

func TestRolloutEnabled(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		e := NewEnricher(false, 100)
		assert.False(t, e.RolloutEnabled("u-1", "p-1"))
	})

	t.Run("zero percent", func(t *testing.T) {
		e := NewEnricher(true, 0)
		assert.False(t, e.RolloutEnabled("u-1", "p-1"))
	})

	t.Run("full rollout", func(t *testing.T) {
		e := NewEnricher(true, 100)
		assert.True(t, e.RolloutEnabled("u-1", "p-1"))
	})

	t.Run("deterministic per pair", func(t *testing.T) {
		e := NewEnricher(true, 50)
		first := e.RolloutEnabled("u-1", "p-1")
		for i := 0; i < 10; i++ {
			assert.Equal(t, first, e.RolloutEnabled("u-1", "p-1"))
		}
	})
}

func TestEnrich(t *testing.T) {
	e := NewEnricher(true, 100)
	rels := []storage.Relationship{
		{PatientID: "p-1", SubjectID: "metformin", Predicate: PredicateMedicationFor, ObjectID: "diabetes"},
		{PatientID: "p-1", SubjectID: "lisinopril", Predicate: PredicateMedicationFor, ObjectID: "hypertension"},
	}

	t.Run("medication gains related condition", func(t *testing.T) {
		text := "Continue metformin 500 mg twice daily."
		got := e.Enrich(text, query.ExtractEntities(text), rels)
		require.NotEmpty(t, got)
		assert.True(t, strings.HasPrefix(got, "Related Conditions: diabetes."))
		assert.True(t, strings.HasSuffix(got, text))
	})

	t.Run("condition gains related medication", func(t *testing.T) {
		text := "Hypertension remains well controlled."
		got := e.Enrich(text, query.ExtractEntities(text), rels)
		require.NotEmpty(t, got)
		assert.Contains(t, got, "Related Medications: lisinopril.")
	})

	t.Run("no header when pair already present", func(t *testing.T) {
		text := "Metformin prescribed for diabetes management."
		got := e.Enrich(text, query.ExtractEntities(text), rels)
		assert.Empty(t, got)
	})

	t.Run("no clinical entities", func(t *testing.T) {
		text := "Follow up scheduled for next month."
		got := e.Enrich(text, query.ExtractEntities(text), rels)
		assert.Empty(t, got)
	})
}

func TestRelationshipExtraction(t *testing.T) {
	a := &storage.Artifact{
		ID:         "a-1",
		PatientID:  "p-1",
		Type:       storage.ArtifactTypeNote,
		OccurredAt: time.Now(),
		Text:       "Started metformin for newly diagnosed diabetes.",
	}

	rels := relationshipExtractor{}.Extract(a)
	require.Len(t, rels, 1)
	assert.Equal(t, "metformin", rels[0].SubjectID)
	assert.Equal(t, PredicateMedicationFor, rels[0].Predicate)
	assert.Equal(t, "diabetes", rels[0].ObjectID)
	assert.Equal(t, "p-1", rels[0].PatientID)
}

func TestBuildChunksDeterministicIDs(t *testing.T) {
	ix := NewIndexer(nil, IndexerConfig{}, nil, nil, nil, nil, nil)
	a := &storage.Artifact{
		ID:         "a-1",
		PatientID:  "p-1",
		Type:       storage.ArtifactTypeMedication,
		OccurredAt: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		Text:       "Medication: Atorvastatin. Dosage: 20mg. Frequency: Daily. Indication: Hyperlipidemia.",
	}

	first, firstSents := ix.buildChunks(a, nil, false)
	second, secondSents := ix.buildChunks(a, nil, false)
	assert.Equal(t, first, second)
	assert.Equal(t, firstSents, secondSents)

	require.NotEmpty(t, first)
	assert.Equal(t, "a-1:0000", first[0].ChunkID)
	assert.Equal(t, a.OccurredAt, first[0].OccurredAt)

	for _, s := range firstSents {
		assert.Equal(t, first[0].Text[s.ChunkStart:s.ChunkEnd], s.Text)
		assert.Equal(t, a.Text[s.ArtifactStart:s.ArtifactEnd], s.Text)
	}
}

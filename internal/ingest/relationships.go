package ingest

import (
	"time"

	"github.com/google/uuid"

	"github.com/chartquery/chartquery/internal/query"
	"github.com/chartquery/chartquery/internal/storage"
)

// PredicateMedicationFor links a medication to a condition it co-occurs
// with in an artifact.
const PredicateMedicationFor = "medication_for"

// relationshipExtractor derives (subject, predicate, object) tuples from
// medication/condition co-occurrence within one artifact. The resulting
// table drives chunk enrichment and prompt context.
type relationshipExtractor struct{}

// Extract returns the relationships implied by one artifact's text.
func (relationshipExtractor) Extract(a *storage.Artifact) []storage.Relationship {
	entities := query.ExtractEntities(a.Text)

	var medications, conditions []string
	seen := make(map[string]bool)
	for _, e := range entities {
		key := string(e.Type) + ":" + e.Value
		if seen[key] {
			continue
		}
		seen[key] = true
		switch e.Type {
		case query.EntityMedication:
			medications = append(medications, e.Value)
		case query.EntityCondition:
			conditions = append(conditions, e.Value)
		}
	}

	var rels []storage.Relationship
	for _, med := range medications {
		for _, cond := range conditions {
			rels = append(rels, storage.Relationship{
				ID:        uuid.NewString(),
				PatientID: a.PatientID,
				SubjectID: med,
				Predicate: PredicateMedicationFor,
				ObjectID:  cond,
				CreatedAt: time.Now(),
			})
		}
	}
	return rels
}

package ingest

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"

	"github.com/chartquery/chartquery/internal/query"
	"github.com/chartquery/chartquery/internal/storage"
)

// Enricher prepends a compact related-context header to chunk text. The
// enriched text is used only for prompt context; grounding always verifies
// against the raw chunk text.
type Enricher struct {
	enabled           bool
	rolloutPercentage int
}

// NewEnricher creates an enricher with a percentage rollout in [0,100].
func NewEnricher(enabled bool, rolloutPercentage int) *Enricher {
	if rolloutPercentage < 0 {
		rolloutPercentage = 0
	}
	if rolloutPercentage > 100 {
		rolloutPercentage = 100
	}
	return &Enricher{enabled: enabled, rolloutPercentage: rolloutPercentage}
}

// RolloutEnabled decides deterministically whether enrichment applies for a
// (user, patient) pair. The same pair always lands in the same bucket.
func (e *Enricher) RolloutEnabled(userID, patientID string) bool {
	if !e.enabled || e.rolloutPercentage == 0 {
		return false
	}
	if e.rolloutPercentage >= 100 {
		return true
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID + ":" + patientID))
	return int(h.Sum32()%100) < e.rolloutPercentage
}

// Enrich builds enriched text for a chunk from the patient's relationship
// table. Returns "" when no related context applies.
func (e *Enricher) Enrich(chunkText string, entities []query.Entity, rels []storage.Relationship) string {
	mentionedMeds := make(map[string]bool)
	mentionedConds := make(map[string]bool)
	for _, ent := range entities {
		switch ent.Type {
		case query.EntityMedication:
			mentionedMeds[strings.ToLower(ent.Value)] = true
		case query.EntityCondition:
			mentionedConds[strings.ToLower(ent.Value)] = true
		}
	}
	if len(mentionedMeds) == 0 && len(mentionedConds) == 0 {
		return ""
	}

	relatedConds := make(map[string]bool)
	relatedMeds := make(map[string]bool)
	for _, rel := range rels {
		if rel.Predicate != PredicateMedicationFor {
			continue
		}
		subject := strings.ToLower(rel.SubjectID)
		object := strings.ToLower(rel.ObjectID)
		if mentionedMeds[subject] && !mentionedConds[object] {
			relatedConds[rel.ObjectID] = true
		}
		if mentionedConds[object] && !mentionedMeds[subject] {
			relatedMeds[rel.SubjectID] = true
		}
	}
	if len(relatedConds) == 0 && len(relatedMeds) == 0 {
		return ""
	}

	var header []string
	if len(relatedConds) > 0 {
		header = append(header, fmt.Sprintf("Related Conditions: %s.", strings.Join(sortedKeys(relatedConds), ", ")))
	}
	if len(relatedMeds) > 0 {
		header = append(header, fmt.Sprintf("Related Medications: %s.", strings.Join(sortedKeys(relatedMeds), ", ")))
	}
	return strings.Join(header, " ") + "\n\n" + chunkText
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

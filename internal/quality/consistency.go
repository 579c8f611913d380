package quality

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/chartquery/chartquery/internal/answer"
	"github.com/chartquery/chartquery/internal/storage"
)

// Contradiction severities and their score weights.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

var severityWeights = map[string]float64{
	SeverityLow:      0.05,
	SeverityMedium:   0.15,
	SeverityHigh:     0.30,
	SeverityCritical: 0.50,
}

// historyWindow bounds how far back consistency checking looks.
const historyWindow = 30 * 24 * time.Hour

// dosageChangeWindow flags medication dosage changes within this span.
const dosageChangeWindow = 7 * 24 * time.Hour

// Contradiction is a detected inconsistency against a prior conversation.
type Contradiction struct {
	CurrentStatement       string    `json:"current_statement"`
	PreviousStatement      string    `json:"previous_statement"`
	PreviousConversationID string    `json:"previous_conversation_id"`
	PreviousTimestamp      time.Time `json:"previous_timestamp"`
	Severity               string    `json:"severity"`
	Explanation            string    `json:"explanation"`
	EntityType             string    `json:"entity_type,omitempty"`
	EntityValue            string    `json:"entity_value,omitempty"`
}

// ConsistencyResult summarizes cross-query consistency.
type ConsistencyResult struct {
	Score          float64         `json:"consistency_score"`
	Contradictions []Contradiction `json:"contradictions,omitempty"`
	CheckedAgainst int             `json:"checked_against"`
	Warnings       []string        `json:"warnings,omitempty"`
}

// HistorySource yields the recent conversations consistency checking runs
// against. Satisfied by storage.ConversationRepository.
type HistorySource interface {
	ListSince(ctx context.Context, patientID string, since time.Time, excludeID string) ([]storage.Conversation, error)
}

// ConsistencyChecker detects contradictions against the patient's recent
// conversation history.
type ConsistencyChecker struct {
	conversations HistorySource
	now           func() time.Time
}

// NewConsistencyChecker creates a checker. now is injectable for tests; nil
// means time.Now.
func NewConsistencyChecker(conversations HistorySource, now func() time.Time) *ConsistencyChecker {
	if now == nil {
		now = time.Now
	}
	return &ConsistencyChecker{conversations: conversations, now: now}
}

// Check compares the current answer against the last 30 days of this
// patient's conversations, excluding the current one.
func (c *ConsistencyChecker) Check(ctx context.Context, conversationID, patientID string, ans *answer.Answer) (*ConsistencyResult, error) {
	since := c.now().Add(-historyWindow)
	history, err := c.conversations.ListSince(ctx, patientID, since, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load conversation history: %w", err)
	}

	result := &ConsistencyResult{CheckedAgainst: len(history)}
	currentText := strings.ToLower(ans.ShortAnswer + " " + ans.DetailedSummary)

	for i := range history {
		prev := &history[i]
		prevExtractions := decodeExtractions(prev.Extractions)
		prevText := strings.ToLower(prev.ShortAnswer + " " + prev.DetailedSummary)

		result.Contradictions = append(result.Contradictions, c.checkEntities(ans, prev, prevExtractions)...)
		result.Contradictions = append(result.Contradictions, c.checkTemporal(ans, prev, prevText)...)
		result.Contradictions = append(result.Contradictions, c.checkSemantic(currentText, prev, prevText)...)
	}

	penalty := 0.0
	counts := make(map[string]int)
	for _, contradiction := range result.Contradictions {
		penalty += severityWeights[contradiction.Severity]
		counts[contradiction.Severity]++
	}
	result.Score = 1 - penalty
	if result.Score < 0 {
		result.Score = 0
	}

	if len(result.Contradictions) > 0 {
		var parts []string
		for _, sev := range []string{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow} {
			if counts[sev] > 0 {
				parts = append(parts, fmt.Sprintf("%d %s", counts[sev], sev))
			}
		}
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("%d contradiction(s) against recent history: %s", len(result.Contradictions), strings.Join(parts, ", ")))
	}

	return result, nil
}

// checkEntities compares current extractions against past extractions of
// the same type and value.
func (c *ConsistencyChecker) checkEntities(ans *answer.Answer, prev *storage.Conversation, prevExtractions []answer.Extraction) []Contradiction {
	var out []Contradiction
	for _, cur := range ans.Extractions {
		curName := strings.ToLower(cur.Content["name"])
		if curName == "" {
			continue
		}
		for _, past := range prevExtractions {
			if past.Type != cur.Type || strings.ToLower(past.Content["name"]) != curName {
				continue
			}

			if cur.Type == "medication" {
				curDose := strings.ToLower(cur.Content["dosage"])
				pastDose := strings.ToLower(past.Content["dosage"])
				if curDose != "" && pastDose != "" && curDose != pastDose &&
					c.now().Sub(prev.QueryTimestamp) <= dosageChangeWindow {
					out = append(out, Contradiction{
						CurrentStatement:       fmt.Sprintf("%s %s", cur.Content["name"], cur.Content["dosage"]),
						PreviousStatement:      fmt.Sprintf("%s %s", past.Content["name"], past.Content["dosage"]),
						PreviousConversationID: prev.ID,
						PreviousTimestamp:      prev.QueryTimestamp,
						Severity:               SeverityMedium,
						Explanation:            fmt.Sprintf("medication %s dosage changed within 7 days", cur.Content["name"]),
						EntityType:             "medication",
						EntityValue:            curName,
					})
				}
			}

			if cur.Type == "condition" {
				curStatus := strings.ToLower(cur.Content["status"])
				pastStatus := strings.ToLower(past.Content["status"])
				if curStatus == "active" && pastStatus == "resolved" {
					out = append(out, Contradiction{
						CurrentStatement:       fmt.Sprintf("%s active", cur.Content["name"]),
						PreviousStatement:      fmt.Sprintf("%s resolved", past.Content["name"]),
						PreviousConversationID: prev.ID,
						PreviousTimestamp:      prev.QueryTimestamp,
						Severity:               SeverityHigh,
						Explanation:            fmt.Sprintf("condition %s reported active but previously resolved", cur.Content["name"]),
						EntityType:             "condition",
						EntityValue:            curName,
					})
				}
			}
		}
	}
	return out
}

var discontinuationMarkers = []string{"discontinued", "stopped", "no longer taking"}

// checkTemporal flags medications the answer presents as current that a
// prior answer described as discontinued.
func (c *ConsistencyChecker) checkTemporal(ans *answer.Answer, prev *storage.Conversation, prevText string) []Contradiction {
	var out []Contradiction
	for _, cur := range ans.Extractions {
		if cur.Type != "medication" {
			continue
		}
		name := strings.ToLower(cur.Content["name"])
		if name == "" || !strings.Contains(prevText, name) {
			continue
		}
		for _, marker := range discontinuationMarkers {
			if markerNearName(prevText, name, marker) {
				out = append(out, Contradiction{
					CurrentStatement:       fmt.Sprintf("patient is on %s", cur.Content["name"]),
					PreviousStatement:      fmt.Sprintf("%s was %s", cur.Content["name"], marker),
					PreviousConversationID: prev.ID,
					PreviousTimestamp:      prev.QueryTimestamp,
					Severity:               SeverityHigh,
					Explanation:            fmt.Sprintf("medication %s stated as current but previously %s", cur.Content["name"], marker),
					EntityType:             "medication",
					EntityValue:            name,
				})
				break
			}
		}
	}
	return out
}

var semanticKeywords = []string{"diabetes", "hypertension", "allergy", "medication", "condition"}

var negationPrefixes = []string{"no ", "not ", "denies ", "without ", "negative for "}

// checkSemantic flags keywords the past answer negated but the current one
// asserts.
func (c *ConsistencyChecker) checkSemantic(currentText string, prev *storage.Conversation, prevText string) []Contradiction {
	var out []Contradiction
	for _, kw := range semanticKeywords {
		if !strings.Contains(currentText, kw) || !strings.Contains(prevText, kw) {
			continue
		}
		if isNegated(prevText, kw) && !isNegated(currentText, kw) {
			out = append(out, Contradiction{
				CurrentStatement:       fmt.Sprintf("answer asserts %s", kw),
				PreviousStatement:      fmt.Sprintf("previous answer negated %s", kw),
				PreviousConversationID: prev.ID,
				PreviousTimestamp:      prev.QueryTimestamp,
				Severity:               SeverityMedium,
				Explanation:            fmt.Sprintf("previous answer negated %q but the current answer does not", kw),
				EntityValue:            kw,
			})
		}
	}
	return out
}

// markerNearName reports whether marker occurs in the same sentence as the
// medication name.
func markerNearName(text, name, marker string) bool {
	for _, sentence := range splitSentences(text) {
		if strings.Contains(sentence, name) && strings.Contains(sentence, marker) {
			return true
		}
	}
	return false
}

func isNegated(text, keyword string) bool {
	for _, prefix := range negationPrefixes {
		if strings.Contains(text, prefix+keyword) {
			return true
		}
	}
	return false
}

func decodeExtractions(raw storage.JSONRaw) []answer.Extraction {
	if len(raw) == 0 {
		return nil
	}
	var extractions []answer.Extraction
	if err := json.Unmarshal(raw, &extractions); err != nil {
		return nil
	}
	return extractions
}

// Package answer builds LLM prompts from retrieval candidates and parses
// model output into typed extractions with provenance.
package answer

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/chartquery/chartquery/internal/query"
	"github.com/chartquery/chartquery/internal/retrieval"
	"github.com/chartquery/chartquery/internal/storage"
)

const defaultMaxContextChunks = 10

const systemPrompt = `You are a clinical record assistant answering questions about one patient's medical record.
Rules:
- Answer ONLY from the provided record context. Never invent facts.
- Cite the chunk id for every fact you state.
- Distinguish current from historical information using the dates given; prefer the most recent source when sources conflict.
- Keep the short answer and the detailed summary internally consistent.
Respond with a single JSON object:
{"short_answer": "...", "detailed_summary": "...", "extractions": [{"type": "medication|condition|symptom|procedure|lab|other", "content": {"name": "...", "...": "..."}, "chunk_id": "...", "confidence": 0.0}]}`

// PromptBuilder assembles the four-section generation prompt.
type PromptBuilder struct {
	maxContextChunks int
}

// NewPromptBuilder creates a builder. maxContextChunks <= 0 uses the
// default cap of 10.
func NewPromptBuilder(maxContextChunks int) *PromptBuilder {
	if maxContextChunks <= 0 {
		maxContextChunks = defaultMaxContextChunks
	}
	return &PromptBuilder{maxContextChunks: maxContextChunks}
}

// Build renders the prompt: system instructions, context grouped by
// artifact type, the user query with emphasized entities, and
// intent-specific reasoning instructions.
func (b *PromptBuilder) Build(sq *query.StructuredQuery, candidates []retrieval.Candidate, now time.Time) string {
	var sb strings.Builder

	sb.WriteString(systemPrompt)
	sb.WriteString("\n\n")

	b.writeContext(&sb, candidates, now)
	b.writeQuery(&sb, sq)
	b.writeInstructions(&sb, sq)

	return sb.String()
}

// writeContext groups the capped candidate set by artifact type. Enriched
// text, when present, replaces the raw chunk text for prompt context only.
func (b *PromptBuilder) writeContext(sb *strings.Builder, candidates []retrieval.Candidate, now time.Time) {
	sb.WriteString("## Patient Record Context\n\n")

	capped := candidates
	if len(capped) > b.maxContextChunks {
		capped = capped[:b.maxContextChunks]
	}
	if len(capped) == 0 {
		sb.WriteString("(no matching records)\n\n")
		return
	}

	groups := make(map[storage.ArtifactType][]retrieval.Candidate)
	var order []storage.ArtifactType
	for _, c := range capped {
		if _, ok := groups[c.Chunk.ArtifactType]; !ok {
			order = append(order, c.Chunk.ArtifactType)
		}
		groups[c.Chunk.ArtifactType] = append(groups[c.Chunk.ArtifactType], c)
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	for _, artifactType := range order {
		fmt.Fprintf(sb, "### %s\n", artifactType)
		for _, c := range groups[artifactType] {
			text := c.Chunk.Text
			if c.Chunk.EnrichedText != "" {
				text = c.Chunk.EnrichedText
			}
			fmt.Fprintf(sb, "[%s] (%s", c.Chunk.ChunkID, relativeTime(c.Chunk.OccurredAt, now))
			if c.Chunk.Author != "" {
				fmt.Fprintf(sb, ", by %s", c.Chunk.Author)
			}
			fmt.Fprintf(sb, "): %s\n", text)
		}
		sb.WriteString("\n")
	}
}

func (b *PromptBuilder) writeQuery(sb *strings.Builder, sq *query.StructuredQuery) {
	sb.WriteString("## Question\n\n")
	sb.WriteString(sq.OriginalQuery)
	sb.WriteString("\n")

	if len(sq.Entities) > 0 {
		var parts []string
		for _, e := range sq.Entities {
			parts = append(parts, fmt.Sprintf("%s (%s)", e.Value, e.Type))
		}
		fmt.Fprintf(sb, "Key entities: %s\n", strings.Join(parts, ", "))
	}
	if sq.Temporal != nil {
		fmt.Fprintf(sb, "Time window: %s to %s (%s)\n",
			sq.Temporal.From.Format("2006-01-02"), sq.Temporal.To.Format("2006-01-02"), sq.Temporal.Label)
	}
	sb.WriteString("\n")
}

// writeInstructions adds intent-specific reasoning guidance and the
// detail-level response constraints.
func (b *PromptBuilder) writeInstructions(sb *strings.Builder, sq *query.StructuredQuery) {
	sb.WriteString("## Instructions\n\n")

	switch sq.Intent {
	case query.IntentRetrieveMedications:
		sb.WriteString("List medications deduplicated by normalized name, using the most recent occurrence of each. Report an accurate count and keep it consistent between the short answer and the detailed summary.\n")
	case query.IntentRetrieveCarePlans:
		sb.WriteString("Describe the active care plans, their goals, and any documented interventions.\n")
	case query.IntentRetrieveNotes:
		sb.WriteString("Summarize the relevant clinical notes in chronological order, naming the author and date of each.\n")
	case query.IntentSummary:
		sb.WriteString("Give a balanced overview covering medications, conditions, and recent encounters.\n")
	case query.IntentComparison:
		sb.WriteString("Compare the values or states across the time points in the context, stating what changed and when.\n")
	}

	c := sq.Constraints
	fmt.Fprintf(sb, "Keep the short answer under %d words. ", c.MaxShortAnswerWords)
	fmt.Fprintf(sb, "Use up to %d bullet points in the detailed summary. ", c.SummaryBullets)
	fmt.Fprintf(sb, "Cite at least %d source chunk(s).\n", c.MinSources)

	if sq.DetailLevel <= 2 {
		sb.WriteString("Style: concise. State the answer directly without explaining your reasoning.\n")
	} else {
		sb.WriteString("Style: detailed. Briefly explain the reasoning behind the answer, citing the sources that support each step.\n")
	}
}

// relativeTime phrases an instant relative to now, e.g. "3 weeks ago".
func relativeTime(t, now time.Time) string {
	days := int(now.Sub(t).Hours() / 24)
	switch {
	case days <= 0:
		return "today"
	case days == 1:
		return "1 day ago"
	case days < 14:
		return fmt.Sprintf("%d days ago", days)
	case days < 60:
		return fmt.Sprintf("%d weeks ago", days/7)
	case days < 730:
		return fmt.Sprintf("%d months ago", days/30)
	default:
		return fmt.Sprintf("%d years ago", days/365)
	}
}

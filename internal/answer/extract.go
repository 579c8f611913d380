package answer

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/chartquery/chartquery/internal/ingest"
	"github.com/chartquery/chartquery/internal/retrieval"
)

// ErrMalformedOutput indicates the LLM response carried no parseable JSON
// answer object.
var ErrMalformedOutput = errors.New("malformed llm output")

// Provenance maps an extraction back to its source chunk.
type Provenance struct {
	ArtifactID     string  `json:"artifact_id"`
	ChunkID        string  `json:"chunk_id"`
	Start          int     `json:"start"`
	End            int     `json:"end"`
	SupportingText string  `json:"supporting_text"`
	Confidence     float64 `json:"confidence"`
}

// Extraction is a typed fact parsed from the LLM answer.
type Extraction struct {
	Type       string            `json:"type"`
	Content    map[string]string `json:"content"`
	Provenance Provenance        `json:"provenance"`
}

// Answer is the parsed generation output.
type Answer struct {
	ShortAnswer     string       `json:"short_answer"`
	DetailedSummary string       `json:"detailed_summary"`
	Extractions     []Extraction `json:"extractions"`
	// RejectedExtractions counts extractions dropped because their
	// provenance did not map to a retrieval candidate.
	RejectedExtractions int `json:"rejected_extractions,omitempty"`
}

// rawAnswer matches the JSON schema the prompt requests.
type rawAnswer struct {
	ShortAnswer     string          `json:"short_answer"`
	DetailedSummary string          `json:"detailed_summary"`
	Extractions     []rawExtraction `json:"extractions"`
}

type rawExtraction struct {
	Type       string                 `json:"type"`
	Content    map[string]interface{} `json:"content"`
	ChunkID    string                 `json:"chunk_id"`
	Confidence float64                `json:"confidence"`
}

// Parser converts raw LLM output into an Answer with verified provenance.
type Parser struct {
	splitter *ingest.SentenceSplitter
}

// NewParser creates an extraction parser.
func NewParser() *Parser {
	return &Parser{splitter: ingest.NewSentenceSplitter(0)}
}

// Parse extracts the answer object from raw model output. Extractions whose
// chunk_id is not in the candidate set are rejected.
func (p *Parser) Parse(raw string, candidates []retrieval.Candidate) (*Answer, error) {
	payload := extractJSON(raw)
	if payload == "" {
		return nil, fmt.Errorf("%w: no JSON object found", ErrMalformedOutput)
	}

	var parsed rawAnswer
	if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	if parsed.ShortAnswer == "" && parsed.DetailedSummary == "" {
		return nil, fmt.Errorf("%w: empty answer fields", ErrMalformedOutput)
	}

	byChunk := make(map[string]*retrieval.Candidate, len(candidates))
	for i := range candidates {
		byChunk[candidates[i].Chunk.ChunkID] = &candidates[i]
	}

	ans := &Answer{
		ShortAnswer:     strings.TrimSpace(parsed.ShortAnswer),
		DetailedSummary: strings.TrimSpace(parsed.DetailedSummary),
	}

	for _, re := range parsed.Extractions {
		candidate, ok := byChunk[re.ChunkID]
		if !ok {
			ans.RejectedExtractions++
			continue
		}

		content := make(map[string]string, len(re.Content))
		for k, v := range re.Content {
			content[k] = fmt.Sprintf("%v", v)
		}

		confidence := re.Confidence
		if confidence <= 0 || confidence > 1 {
			confidence = 0.5
		}

		supporting, start, end := p.supportingSentence(candidate.Chunk.Text, content)
		ans.Extractions = append(ans.Extractions, Extraction{
			Type:    strings.ToLower(strings.TrimSpace(re.Type)),
			Content: content,
			Provenance: Provenance{
				ArtifactID:     candidate.Chunk.ArtifactID,
				ChunkID:        candidate.Chunk.ChunkID,
				Start:          start,
				End:            end,
				SupportingText: supporting,
				Confidence:     confidence,
			},
		})
	}

	return ans, nil
}

// supportingSentence picks the source sentence with the highest token
// overlap against the extraction content. Ties keep the earliest sentence.
func (p *Parser) supportingSentence(chunkText string, content map[string]string) (string, int, int) {
	spans := p.splitter.Split(chunkText)
	if len(spans) == 0 {
		return chunkText, 0, len(chunkText)
	}

	contentTokens := make(map[string]bool)
	for _, v := range content {
		for _, tok := range tokenizeLower(v) {
			contentTokens[tok] = true
		}
	}

	best := 0
	bestScore := -1
	for i, span := range spans {
		score := 0
		for _, tok := range tokenizeLower(span.Text) {
			if contentTokens[tok] {
				score++
			}
		}
		if score > bestScore {
			bestScore = score
			best = i
		}
	}
	span := spans[best]
	return span.Text, span.Start, span.End
}

// extractJSON locates the outermost JSON object in the model output,
// tolerating code fences and surrounding prose.
func extractJSON(raw string) string {
	s := strings.TrimSpace(raw)
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		s = strings.TrimPrefix(s, "json")
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

func tokenizeLower(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
}

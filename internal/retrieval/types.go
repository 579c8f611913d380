// Package retrieval implements the seven-stage candidate pipeline:
// metadata filter, hybrid search, scoring, re-ranking, diversification,
// recency decay, and snippet extraction.
package retrieval

import (
	"time"

	"github.com/chartquery/chartquery/internal/storage"
)

// Highlight marks a query-token occurrence inside chunk text.
type Highlight struct {
	Start int    `json:"start"`
	End   int    `json:"end"`
	Text  string `json:"text"`
}

// Candidate is a ranked retrieval result. Rank is the 1-based position in
// descending score order.
type Candidate struct {
	Chunk      storage.Chunk `json:"chunk"`
	Score      float64       `json:"score"`
	Semantic   float64       `json:"semantic_score"`
	Keyword    float64       `json:"keyword_score"`
	Snippet    string        `json:"snippet"`
	Highlights []Highlight   `json:"highlights,omitempty"`
	Rank       int           `json:"rank"`
}

// StageMetric records one stage execution for diagnostics.
type StageMetric struct {
	Stage       string        `json:"stage"`
	Duration    time.Duration `json:"duration"`
	InputCount  int           `json:"input_count"`
	OutputCount int           `json:"output_count"`
	Error       string        `json:"error,omitempty"`
}

// Result is the pipeline output. Err is set when a terminal failure or the
// request deadline cut the run short; Candidates then hold whatever was
// computed before.
type Result struct {
	Candidates   []Candidate   `json:"candidates"`
	StageMetrics []StageMetric `json:"stage_metrics"`
	CacheHit     bool          `json:"cache_hit"`
	Err          error         `json:"-"`
}

package retrieval

import (
	"sort"
	"strings"
	"time"

	"github.com/chartquery/chartquery/internal/query"
)

// Combined relevance weights.
const (
	weightSemantic = 0.50
	weightKeyword  = 0.25
	weightRecency  = 0.15
	weightQuality  = 0.10
)

// RecencyScore maps document age to [0,1]: 1.0 up to 30 days, linear decay
// to 0.5 at 365 days, linear decay to 0.0 at 730 days.
func RecencyScore(occurredAt, now time.Time) float64 {
	age := now.Sub(occurredAt).Hours() / 24
	switch {
	case age <= 30:
		return 1.0
	case age <= 365:
		return 1.0 - 0.5*(age-30)/(365-30)
	case age <= 730:
		return 0.5 - 0.5*(age-365)/(730-365)
	default:
		return 0.0
	}
}

// remapSimilarity linearly remaps raw vector similarity so 0.5 maps to 0
// and 0.8 maps to 1, clamped to [0,1].
func remapSimilarity(sim float64) float64 {
	v := (sim - 0.5) / 0.3
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// qualityScore peaks for chunks of 50-150 words and falls off outside that
// band.
func qualityScore(text string) float64 {
	wc := len(strings.Fields(text))
	switch {
	case wc == 0:
		return 0
	case wc < 50:
		return float64(wc) / 50
	case wc <= 150:
		return 1.0
	default:
		return 150.0 / float64(wc)
	}
}

// keywordMatchScore counts exact and partial query-token matches in the
// chunk. Each query token contributes at most once per kind.
func keywordMatchScore(queryTokens []string, chunkText string) float64 {
	chunkTokens := keywordTokens(chunkText)
	exactSet := make(map[string]bool, len(chunkTokens))
	for _, t := range chunkTokens {
		exactSet[t] = true
	}

	exact, partial := 0, 0
	for _, qt := range queryTokens {
		if exactSet[qt] {
			exact++
			continue
		}
		for _, ct := range chunkTokens {
			if strings.Contains(ct, qt) {
				partial++
				break
			}
		}
	}

	score := float64(exact)*0.3 + float64(partial)*0.1
	if score > 1 {
		score = 1
	}
	return score
}

// scoreCandidates computes the combined relevance score for each candidate.
func scoreCandidates(candidates []Candidate, queryTokens []string, now time.Time) []Candidate {
	for i := range candidates {
		c := &candidates[i]
		semantic := remapSimilarity(c.Semantic) * weightSemantic
		keyword := keywordMatchScore(queryTokens, c.Chunk.Text) * weightKeyword
		recency := RecencyScore(c.Chunk.OccurredAt, now) * weightRecency
		quality := qualityScore(c.Chunk.Text) * weightQuality
		c.Score = semantic + keyword + recency + quality
	}
	sortCandidates(candidates)
	return candidates
}

// applyTimeDecay multiplies each score by 0.7 + 0.3*recency and re-sorts.
func applyTimeDecay(candidates []Candidate, now time.Time) []Candidate {
	for i := range candidates {
		candidates[i].Score *= 0.7 + 0.3*RecencyScore(candidates[i].Chunk.OccurredAt, now)
	}
	sortCandidates(candidates)
	return candidates
}

// rerankCandidates blends the initial score with entity coverage and
// query-token overlap. Deterministic for a fixed candidate set and query.
func rerankCandidates(candidates []Candidate, sq *query.StructuredQuery, queryTokens []string) []Candidate {
	for i := range candidates {
		c := &candidates[i]
		lower := strings.ToLower(c.Chunk.Text)

		coverage := 0.0
		if len(sq.Entities) > 0 {
			covered := 0
			for _, e := range sq.Entities {
				if strings.Contains(lower, strings.ToLower(e.Value)) {
					covered++
				}
			}
			coverage = float64(covered) / float64(len(sq.Entities))
		}

		overlap := 0.0
		if len(queryTokens) > 0 {
			chunkTokens := make(map[string]bool)
			for _, t := range keywordTokens(c.Chunk.Text) {
				chunkTokens[t] = true
			}
			hits := 0
			for _, qt := range queryTokens {
				if chunkTokens[qt] {
					hits++
				}
			}
			overlap = float64(hits) / float64(len(queryTokens))
		}

		c.Score = 0.6*c.Score + 0.25*coverage + 0.15*overlap
	}
	sortCandidates(candidates)
	return candidates
}

// diversifyCandidates walks candidates in order and penalizes near
// duplicates: token-set Jaccard above the threshold against any earlier
// candidate multiplies the score by 0.7. The candidate stays in the set.
func diversifyCandidates(candidates []Candidate, threshold float64) []Candidate {
	if threshold <= 0 {
		threshold = 0.85
	}
	seen := make([]map[string]bool, 0, len(candidates))
	for i := range candidates {
		tokens := make(map[string]bool)
		for _, t := range keywordTokens(candidates[i].Chunk.Text) {
			tokens[t] = true
		}
		for _, prev := range seen {
			if jaccard(tokens, prev) > threshold {
				candidates[i].Score *= 0.7
				break
			}
		}
		seen = append(seen, tokens)
	}
	sortCandidates(candidates)
	return candidates
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if b[t] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// sortCandidates orders by descending score, breaking ties on chunk id so
// ordering stays deterministic.
func sortCandidates(candidates []Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].Chunk.ChunkID < candidates[j].Chunk.ChunkID
	})
}

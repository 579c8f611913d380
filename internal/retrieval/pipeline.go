package retrieval

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/chartquery/chartquery/internal/embedding"
	"github.com/chartquery/chartquery/internal/observability"
	"github.com/chartquery/chartquery/internal/query"
	"github.com/chartquery/chartquery/internal/storage"
	"github.com/chartquery/chartquery/internal/vector"
)

// Config holds retrieval pipeline settings.
type Config struct {
	TopK               int
	Alpha              float64
	Rerank             bool
	Diversify          bool
	DiversityThreshold float64
	TimeDecay          bool
	SnippetLength      int
	CacheResults       bool
}

// Options are per-request overrides.
type Options struct {
	// Alpha overrides the semantic/keyword blend for this request.
	Alpha *float64
	// TopK overrides the result count for this request.
	TopK int
}

// Pipeline runs the seven retrieval stages for one query. Stage failures
// never abort the run: a failing stage records its error and passes its
// input forward unchanged.
type Pipeline struct {
	logger   *observability.Logger
	cfg      Config
	repos    *storage.Repositories
	embedder embedding.Embedder
	vectors  vector.Store
	keyword  *KeywordIndex
	cache    *ResponseCache
	now      func() time.Time
}

// NewPipeline creates a retrieval pipeline. cache may be nil to disable
// result caching regardless of config.
func NewPipeline(
	logger *observability.Logger,
	cfg Config,
	repos *storage.Repositories,
	embedder embedding.Embedder,
	vectors vector.Store,
	keyword *KeywordIndex,
	respCache *ResponseCache,
) *Pipeline {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 10
	}
	if cfg.Alpha <= 0 || cfg.Alpha > 1 {
		cfg.Alpha = 0.7
	}
	if cfg.DiversityThreshold <= 0 {
		cfg.DiversityThreshold = 0.85
	}
	if cfg.SnippetLength <= 0 {
		cfg.SnippetLength = defaultSnippetLength
	}
	return &Pipeline{
		logger:   logger,
		cfg:      cfg,
		repos:    repos,
		embedder: embedder,
		vectors:  vectors,
		keyword:  keyword,
		cache:    respCache,
		now:      time.Now,
	}
}

// KeywordIndex exposes the pipeline's keyword index so the indexer can feed
// it documents.
func (p *Pipeline) KeywordIndex() *KeywordIndex { return p.keyword }

// Retrieve runs all stages and returns the ranked candidate set. On
// deadline or terminal failure the result carries whatever candidates were
// computed plus the collected stage metrics.
func (p *Pipeline) Retrieve(ctx context.Context, sq *query.StructuredQuery) *Result {
	return p.RetrieveWithOptions(ctx, sq, Options{})
}

// RetrieveWithOptions is Retrieve with per-request overrides.
func (p *Pipeline) RetrieveWithOptions(ctx context.Context, sq *query.StructuredQuery, opts Options) *Result {
	alpha := p.cfg.Alpha
	if opts.Alpha != nil && *opts.Alpha >= 0 && *opts.Alpha <= 1 {
		alpha = *opts.Alpha
	}
	topK := p.cfg.TopK
	if opts.TopK > 0 {
		topK = opts.TopK
	}

	result := &Result{}
	queryTokens := keywordTokens(sq.OriginalQuery)

	var cacheKey string
	if p.cfg.CacheResults && p.cache != nil {
		cacheKey = p.cache.Key(sq, p.cfg, alpha, topK)
		if cached, ok := p.cache.Get(ctx, cacheKey); ok {
			result.Candidates = cached
			result.CacheHit = true
			p.logger.Debug().Str("query_id", sq.QueryID).Int("candidates", len(cached)).Msg("retrieval cache hit")
			return result
		}
	}

	// Stage 1: metadata filter
	chunks, terminal := p.filterStage(ctx, result, sq)
	if terminal || len(chunks) == 0 {
		return result
	}
	if deadlineHit(ctx, result) {
		return result
	}

	// Stage 2: hybrid search
	candidates := p.hybridStage(ctx, result, sq, chunks, alpha, topK)
	if deadlineHit(ctx, result) {
		result.Candidates = finalize(candidates, topK)
		return result
	}

	// Stage 3: initial scoring
	candidates = p.stage(result, "scoring", candidates, func() ([]Candidate, error) {
		return scoreCandidates(candidates, queryTokens, p.now()), nil
	})

	// Stage 4: re-ranking
	if p.cfg.Rerank {
		candidates = p.stage(result, "rerank", candidates, func() ([]Candidate, error) {
			return rerankCandidates(candidates, sq, queryTokens), nil
		})
	}

	// Stage 5: diversification
	if p.cfg.Diversify {
		candidates = p.stage(result, "diversify", candidates, func() ([]Candidate, error) {
			return diversifyCandidates(candidates, p.cfg.DiversityThreshold), nil
		})
	}

	// Stage 6: time decay
	if p.cfg.TimeDecay {
		candidates = p.stage(result, "time_decay", candidates, func() ([]Candidate, error) {
			return applyTimeDecay(candidates, p.now()), nil
		})
	}

	if deadlineHit(ctx, result) {
		result.Candidates = finalize(candidates, topK)
		return result
	}

	// Stage 7: snippets and highlights
	candidates = finalize(candidates, topK)
	candidates = p.stage(result, "snippet", candidates, func() ([]Candidate, error) {
		for i := range candidates {
			candidates[i].Snippet, candidates[i].Highlights = buildSnippet(candidates[i].Chunk.Text, queryTokens, p.cfg.SnippetLength)
		}
		return candidates, nil
	})

	result.Candidates = candidates

	if cacheKey != "" {
		if err := p.cache.Put(ctx, cacheKey, candidates); err != nil {
			p.logger.Warn().Err(err).Msg("failed to cache retrieval result")
		}
	}

	p.logger.Debug().
		Str("query_id", sq.QueryID).
		Int("candidates", len(candidates)).
		Int("stages", len(result.StageMetrics)).
		Msg("retrieval completed")

	return result
}

// stage times fn and records a metric. On error the input passes through
// unchanged.
func (p *Pipeline) stage(result *Result, name string, in []Candidate, fn func() ([]Candidate, error)) []Candidate {
	start := time.Now()
	out, err := fn()
	metric := StageMetric{
		Stage:       name,
		Duration:    time.Since(start),
		InputCount:  len(in),
		OutputCount: len(out),
	}
	if err != nil {
		metric.Error = err.Error()
		metric.OutputCount = len(in)
		result.StageMetrics = append(result.StageMetrics, metric)
		p.logger.Warn().Err(err).Str("stage", name).Msg("retrieval stage failed, passing input through")
		return in
	}
	result.StageMetrics = append(result.StageMetrics, metric)
	return out
}

// filterStage reduces the chunk universe by patient, artifact type, and
// date range. A store failure is terminal for the pipeline.
func (p *Pipeline) filterStage(ctx context.Context, result *Result, sq *query.StructuredQuery) ([]storage.Chunk, bool) {
	start := time.Now()
	filter := storage.ChunkFilter{
		PatientID:     sq.PatientID,
		ArtifactTypes: sq.Filters.ArtifactTypes,
		From:          sq.Filters.From,
		To:            sq.Filters.To,
	}
	chunks, err := p.repos.Chunks.Filter(ctx, filter)
	metric := StageMetric{
		Stage:       "metadata_filter",
		Duration:    time.Since(start),
		OutputCount: len(chunks),
	}
	if err != nil {
		metric.Error = err.Error()
		result.StageMetrics = append(result.StageMetrics, metric)
		result.Err = fmt.Errorf("metadata filter: %w", err)
		return nil, true
	}
	result.StageMetrics = append(result.StageMetrics, metric)
	return chunks, false
}

// hybridStage blends dense similarity with BM25 keyword scores and emits
// the top 2k candidates. When embedding fails the stage degrades to
// keyword-only scoring.
func (p *Pipeline) hybridStage(ctx context.Context, result *Result, sq *query.StructuredQuery, chunks []storage.Chunk, alpha float64, topK int) []Candidate {
	start := time.Now()
	var stageErr error

	allowed := make(map[string]*storage.Chunk, len(chunks))
	for i := range chunks {
		allowed[chunks[i].ChunkID] = &chunks[i]
	}

	semantic := make(map[string]float64)
	if p.embedder != nil && p.vectors != nil {
		qvec, err := p.embedder.Embed(ctx, sq.OriginalQuery)
		if err != nil {
			stageErr = fmt.Errorf("embed query: %w", err)
		} else {
			hits, err := p.vectors.Search(ctx, qvec, len(chunks)+100)
			if err != nil {
				stageErr = fmt.Errorf("vector search: %w", err)
			} else {
				for _, hit := range hits {
					if _, ok := allowed[hit.ID]; ok {
						semantic[hit.ID] = float64(hit.Score)
					}
				}
			}
		}
	}

	keyword := make(map[string]float64)
	if p.keyword != nil {
		hits := p.keyword.Search(sq.OriginalQuery, 0)
		maxScore := 0.0
		for _, hit := range hits {
			if _, ok := allowed[hit.ID]; ok && hit.Score > maxScore {
				maxScore = hit.Score
			}
		}
		if maxScore > 0 {
			for _, hit := range hits {
				if _, ok := allowed[hit.ID]; ok {
					keyword[hit.ID] = hit.Score / maxScore
				}
			}
		}
	}

	candidates := make([]Candidate, 0, len(chunks))
	for id, chunk := range allowed {
		sem := semantic[id]
		kw := keyword[id]
		if sem == 0 && kw == 0 && stageErr == nil {
			continue
		}
		candidates = append(candidates, Candidate{
			Chunk:    *chunk,
			Semantic: sem,
			Keyword:  kw,
			Score:    alpha*sem + (1-alpha)*kw,
		})
	}
	if stageErr != nil && len(candidates) == 0 {
		// degrade to the filtered set so downstream stages can still rank
		for _, chunk := range chunks {
			candidates = append(candidates, Candidate{Chunk: chunk})
		}
	}
	sortCandidates(candidates)
	if len(candidates) > 2*topK {
		candidates = candidates[:2*topK]
	}

	metric := StageMetric{
		Stage:       "hybrid_search",
		Duration:    time.Since(start),
		InputCount:  len(chunks),
		OutputCount: len(candidates),
	}
	if stageErr != nil {
		metric.Error = stageErr.Error()
		p.logger.Warn().Err(stageErr).Msg("hybrid search degraded")
	}
	result.StageMetrics = append(result.StageMetrics, metric)
	return candidates
}

// finalize truncates to topK and assigns 1-based ranks in descending score
// order.
func finalize(candidates []Candidate, topK int) []Candidate {
	sortCandidates(candidates)
	if len(candidates) > topK {
		candidates = candidates[:topK]
	}
	for i := range candidates {
		candidates[i].Rank = i + 1
	}
	return candidates
}

// deadlineHit records a deadline error on the result when the context is
// done.
func deadlineHit(ctx context.Context, result *Result) bool {
	if ctx.Err() == nil {
		return false
	}
	result.Err = ctx.Err()
	return true
}

// SortByScore re-sorts a candidate slice and reassigns ranks. Exposed for
// callers that post-process candidate sets.
func SortByScore(candidates []Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].Chunk.ChunkID < candidates[j].Chunk.ChunkID
	})
	for i := range candidates {
		candidates[i].Rank = i + 1
	}
}

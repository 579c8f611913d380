// Package engine wires query understanding, retrieval, generation, and
// quality verification into the ChartQuery question-answering flow.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/chartquery/chartquery/internal/answer"
	"github.com/chartquery/chartquery/internal/cache"
	"github.com/chartquery/chartquery/internal/config"
	"github.com/chartquery/chartquery/internal/embedding"
	"github.com/chartquery/chartquery/internal/ingest"
	"github.com/chartquery/chartquery/internal/llm"
	"github.com/chartquery/chartquery/internal/observability"
	"github.com/chartquery/chartquery/internal/quality"
	"github.com/chartquery/chartquery/internal/query"
	"github.com/chartquery/chartquery/internal/retrieval"
	"github.com/chartquery/chartquery/internal/storage"
	"github.com/chartquery/chartquery/internal/vector"
)

// Sentinel errors exposed to transport layers.
var (
	// ErrNoIndexedRecords indicates the patient has no chunks in the store.
	ErrNoIndexedRecords = errors.New("no indexed records for patient")
	// ErrTimeout indicates the request deadline elapsed before an answer
	// could be generated.
	ErrTimeout = errors.New("request deadline exceeded")
	// ErrUpstreamUnavailable indicates a local inference provider failed.
	ErrUpstreamUnavailable = errors.New("upstream provider unavailable")
	// ErrGenerationFailed indicates the model produced unusable output.
	ErrGenerationFailed = errors.New("answer generation failed")
)

// Source is one cited record chunk in an answer bundle.
type Source struct {
	ChunkID      string                `json:"chunk_id"`
	ArtifactID   string                `json:"artifact_id"`
	ArtifactType storage.ArtifactType  `json:"artifact_type"`
	OccurredAt   time.Time             `json:"occurred_at"`
	Author       string                `json:"author,omitempty"`
	Snippet      string                `json:"snippet,omitempty"`
	Highlights   []retrieval.Highlight `json:"highlights,omitempty"`
	Score        float64               `json:"score"`
	Rank         int                   `json:"rank"`
}

// Timings breaks the request down by phase.
type Timings struct {
	RetrievalMs  int64 `json:"retrieval_ms"`
	GenerationMs int64 `json:"generation_ms"`
	QualityMs    int64 `json:"quality_ms"`
	TotalMs      int64 `json:"total_ms"`
}

// AnswerBundle is the complete response for one answered query.
type AnswerBundle struct {
	QueryID         string              `json:"query_id"`
	ConversationID  string              `json:"conversation_id"`
	PatientID       string              `json:"patient_id"`
	Intent          query.Intent        `json:"intent"`
	ShortAnswer     string              `json:"short_answer"`
	DetailedSummary string              `json:"detailed_summary"`
	Extractions     []answer.Extraction `json:"extractions,omitempty"`
	Sources         []Source            `json:"sources,omitempty"`
	Quality         *quality.Report     `json:"quality,omitempty"`
	Warnings        []string            `json:"warnings,omitempty"`
	Timings         Timings             `json:"timings"`
	CacheHit        bool                `json:"cache_hit"`
}

// QueryOptions are per-request overrides.
type QueryOptions struct {
	// Alpha overrides the semantic/keyword blend.
	Alpha *float64
	// TopK overrides the retrieval result count.
	TopK int
}

// Engine is the composition root: one instance serves all patients.
type Engine struct {
	logger      *observability.Logger
	cfg         *config.Config
	repos       *storage.Repositories
	parser      *query.Parser
	pipeline    *retrieval.Pipeline
	keyword     *retrieval.KeywordIndex
	prompts     *answer.PromptBuilder
	answers     *answer.Parser
	generator   llm.Generator
	embedder    embedding.Embedder
	vectors     vector.Store
	grounding   *quality.GroundingVerifier
	consistency *quality.ConsistencyChecker
	selfCheck   *quality.SelfChecker
	indexer     *ingest.Indexer
	now         func() time.Time
}

// New assembles an engine from its infrastructure dependencies. cacheClient
// may be nil to disable retrieval caching.
func New(
	logger *observability.Logger,
	cfg *config.Config,
	repos *storage.Repositories,
	embedder embedding.Embedder,
	generator llm.Generator,
	vectors vector.Store,
	cacheClient cache.Client,
) *Engine {
	if logger == nil {
		logger = observability.NopLogger()
	}

	keyword := retrieval.NewKeywordIndex()

	var respCache *retrieval.ResponseCache
	if cfg.Cache.Enabled && cacheClient != nil {
		respCache = retrieval.NewResponseCache(cacheClient)
	}

	pipeline := retrieval.NewPipeline(
		logger.WithComponent("retrieval"),
		retrieval.Config{
			TopK:               cfg.Retrieval.TopK,
			Alpha:              cfg.Retrieval.Alpha,
			Rerank:             cfg.Retrieval.Rerank,
			Diversify:          cfg.Retrieval.Diversify,
			DiversityThreshold: cfg.Retrieval.DiversityThreshold,
			TimeDecay:          cfg.Retrieval.TimeDecay,
			SnippetLength:      cfg.Retrieval.SnippetLength,
			CacheResults:       cfg.Retrieval.CacheResults,
		},
		repos, embedder, vectors, keyword, respCache,
	)

	enricher := ingest.NewEnricher(cfg.Enrichment.Enabled, cfg.Enrichment.RolloutPercentage)
	indexer := ingest.NewIndexer(
		logger.WithComponent("ingest"),
		ingest.IndexerConfig{},
		enricher, repos, embedder, vectors, keyword,
	)

	var selfCheck *quality.SelfChecker
	if cfg.Quality.SelfCheckEnabled {
		selfCheck = quality.NewSelfChecker(generator, embedder,
			cfg.Quality.SelfCheckSamples, cfg.LLM.Temperature, cfg.Quality.SelfCheckTempStep)
	}

	return &Engine{
		logger:      logger,
		cfg:         cfg,
		repos:       repos,
		parser:      query.NewParser(logger.WithComponent("query"), nil),
		pipeline:    pipeline,
		keyword:     keyword,
		prompts:     answer.NewPromptBuilder(cfg.Retrieval.MaxContextChunks),
		answers:     answer.NewParser(),
		generator:   generator,
		embedder:    embedder,
		vectors:     vectors,
		grounding:   quality.NewGroundingVerifier(embedder),
		consistency: quality.NewConsistencyChecker(repos.Conversations, nil),
		selfCheck:   selfCheck,
		indexer:     indexer,
		now:         time.Now,
	}
}

// Query answers one free-text question about a patient's record. The whole
// request runs under the configured deadline.
func (e *Engine) Query(ctx context.Context, q, patientID string, opts QueryOptions) (*AnswerBundle, error) {
	started := e.now()
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Server.RequestDeadline)
	defer cancel()

	sq, err := e.parser.Parse(q, patientID)
	if err != nil {
		return nil, err
	}
	ctx = observability.ContextWithQueryID(ctx, sq.QueryID)
	log := e.logger.WithContext(ctx).WithPatient(patientID)

	indexed, err := e.repos.Chunks.CountByPatient(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("count indexed chunks: %w", err)
	}
	if indexed == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoIndexedRecords, patientID)
	}

	retrievalStart := e.now()
	result := e.pipeline.RetrieveWithOptions(ctx, sq, retrieval.Options{Alpha: opts.Alpha, TopK: opts.TopK})
	retrievalMs := e.now().Sub(retrievalStart).Milliseconds()
	if result.Err != nil && len(result.Candidates) == 0 {
		if errors.Is(result.Err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: retrieval", ErrTimeout)
		}
		return nil, fmt.Errorf("retrieval failed: %w", result.Err)
	}
	candidates := result.Candidates

	prompt := e.prompts.Build(sq, candidates, e.now())

	generationStart := e.now()
	raw, err := e.generator.Generate(ctx, prompt, llm.GenerateOptions{
		Temperature: e.cfg.LLM.Temperature,
		MaxTokens:   e.cfg.LLM.MaxTokens,
	})
	generationMs := e.now().Sub(generationStart).Milliseconds()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return nil, fmt.Errorf("%w: generation", ErrTimeout)
		}
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	ans, err := e.answers.Parse(raw, candidates)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}

	conversation, err := e.persistConversation(ctx, sq, ans, candidates, result.CacheHit, retrievalMs, generationMs, started)
	if err != nil {
		return nil, fmt.Errorf("persist conversation: %w", err)
	}

	qualityStart := e.now()
	report, warnings := e.verify(ctx, log, conversation, sq, ans, candidates, prompt)
	qualityMs := e.now().Sub(qualityStart).Milliseconds()

	bundle := &AnswerBundle{
		QueryID:         sq.QueryID,
		ConversationID:  conversation.ID,
		PatientID:       patientID,
		Intent:          sq.Intent,
		ShortAnswer:     ans.ShortAnswer,
		DetailedSummary: ans.DetailedSummary,
		Extractions:     ans.Extractions,
		Sources:         buildSources(candidates),
		Quality:         report,
		Warnings:        warnings,
		CacheHit:        result.CacheHit,
		Timings: Timings{
			RetrievalMs:  retrievalMs,
			GenerationMs: generationMs,
			QualityMs:    qualityMs,
			TotalMs:      e.now().Sub(started).Milliseconds(),
		},
	}

	log.Info().
		Str("intent", string(sq.Intent)).
		Int("sources", len(bundle.Sources)).
		Int("extractions", len(bundle.Extractions)).
		Float64("overall_quality", report.OverallQuality).
		Bool("passes_checks", report.PassesChecks).
		Int64("total_ms", bundle.Timings.TotalMs).
		Msg("query answered")

	return bundle, nil
}

// verify runs the four quality checks and persists their records. Quality
// persistence failures degrade to warnings; the answer is already stored.
func (e *Engine) verify(ctx context.Context, log *observability.Logger, conversation *storage.Conversation,
	sq *query.StructuredQuery, ans *answer.Answer, candidates []retrieval.Candidate, prompt string) (*quality.Report, []string) {

	grounding := e.grounding.Verify(ctx, ans.ShortAnswer, ans.DetailedSummary, candidates)

	consistency, err := e.consistency.Check(ctx, conversation.ID, sq.PatientID, ans)
	if err != nil {
		log.Warn().Err(err).Msg("consistency check failed, assuming consistent")
		consistency = &quality.ConsistencyResult{Score: 1.0}
	}

	confidence := quality.AggregateConfidence(ans, candidates, consistency.Score)

	hallucination := quality.RiskFromScores(grounding.Score, consistency.Score, confidence.Overall)
	if e.selfCheck != nil {
		if checked, err := e.selfCheck.Check(ctx, prompt); err != nil {
			log.Warn().Err(err).Msg("selfcheck failed, keeping score-based risk")
		} else if checked.Risk > hallucination.Risk {
			hallucination = checked
		}
	}

	report := quality.Aggregate(grounding.Score, consistency.Score, confidence.Overall, hallucination.Risk)

	if err := e.persistQuality(ctx, conversation.ID, sq.PatientID, grounding, consistency, confidence, hallucination, report); err != nil {
		log.Warn().Err(err).Msg("failed to persist quality records")
	}

	var warnings []string
	warnings = append(warnings, grounding.Warnings...)
	warnings = append(warnings, consistency.Warnings...)
	warnings = append(warnings, confidence.LowConfidenceReasons...)
	if hallucination.Detected {
		warnings = append(warnings, fmt.Sprintf("hallucination risk %s (%.2f)", hallucination.RiskLevel, hallucination.Risk))
	}
	if ans.RejectedExtractions > 0 {
		warnings = append(warnings, fmt.Sprintf("%d extraction(s) cited unknown sources and were dropped", ans.RejectedExtractions))
	}
	return report, warnings
}

// persistConversation stores the answered query before quality runs so a
// verification failure never loses the answer.
func (e *Engine) persistConversation(ctx context.Context, sq *query.StructuredQuery, ans *answer.Answer,
	candidates []retrieval.Candidate, cacheHit bool, retrievalMs, generationMs int64, started time.Time) (*storage.Conversation, error) {

	extractions, err := storage.MarshalJSONRaw(ans.Extractions)
	if err != nil {
		return nil, err
	}
	sources, err := storage.MarshalJSONRaw(buildSources(candidates))
	if err != nil {
		return nil, err
	}

	type candidateTrace struct {
		ChunkID string  `json:"chunk_id"`
		Score   float64 `json:"score"`
		Rank    int     `json:"rank"`
	}
	traces := make([]candidateTrace, 0, len(candidates))
	for _, c := range candidates {
		traces = append(traces, candidateTrace{ChunkID: c.Chunk.ChunkID, Score: c.Score, Rank: c.Rank})
	}
	traceJSON, err := storage.MarshalJSONRaw(traces)
	if err != nil {
		return nil, err
	}

	conversation := &storage.Conversation{
		ID:                  sq.QueryID,
		PatientID:           sq.PatientID,
		Query:               sq.OriginalQuery,
		QueryIntent:         string(sq.Intent),
		QueryTimestamp:      started.UTC(),
		ShortAnswer:         ans.ShortAnswer,
		DetailedSummary:     ans.DetailedSummary,
		ModelUsed:           e.generator.Info().Model,
		Extractions:         extractions,
		Sources:             sources,
		RetrievalCandidates: traceJSON,
		FeatureFlags: storage.JSONMap{
			"rerank":     strconv.FormatBool(e.cfg.Retrieval.Rerank),
			"diversify":  strconv.FormatBool(e.cfg.Retrieval.Diversify),
			"time_decay": strconv.FormatBool(e.cfg.Retrieval.TimeDecay),
			"selfcheck":  strconv.FormatBool(e.selfCheck != nil),
			"cache_hit":  strconv.FormatBool(cacheHit),
		},
		RetrievalTimeMs:  retrievalMs,
		GenerationTimeMs: generationMs,
		TotalTimeMs:      e.now().Sub(started).Milliseconds(),
	}
	if err := e.repos.Conversations.Insert(ctx, conversation); err != nil {
		return nil, err
	}
	return conversation, nil
}

// persistQuality writes the conversation scores, the four verification
// records, and the daily rollup.
func (e *Engine) persistQuality(ctx context.Context, conversationID, patientID string,
	g *quality.GroundingResult, c *quality.ConsistencyResult, cf *quality.ConfidenceResult,
	h *quality.HallucinationResult, report *quality.Report) error {

	if err := e.repos.Conversations.UpdateQualityScores(ctx, conversationID,
		g.Score, c.Score, cf.Overall, h.Risk, report.OverallQuality); err != nil {
		return fmt.Errorf("update quality scores: %w", err)
	}

	statementDetails, err := storage.MarshalJSONRaw(g.Statements)
	if err != nil {
		return err
	}
	unsupported, err := storage.MarshalJSONRaw(g.UnsupportedStatements)
	if err != nil {
		return err
	}
	contradictions, err := storage.MarshalJSONRaw(c.Contradictions)
	if err != nil {
		return err
	}
	perExtraction, err := storage.MarshalJSONRaw(cf.PerExtraction)
	if err != nil {
		return err
	}

	err = e.repos.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.repos.Quality.InsertGrounding(ctx, tx, &storage.GroundingRecord{
			ConversationID:        conversationID,
			GroundingScore:        g.Score,
			TotalStatements:       g.TotalStatements,
			GroundedStatements:    g.GroundedStatements,
			UnsupportedStatements: unsupported,
			StatementDetails:      statementDetails,
			Warnings:              g.Warnings,
		}); err != nil {
			return err
		}
		if err := e.repos.Quality.InsertConsistency(ctx, tx, &storage.ConsistencyRecord{
			ConversationID:   conversationID,
			ConsistencyScore: c.Score,
			Contradictions:   contradictions,
			CheckedAgainst:   c.CheckedAgainst,
			Warnings:         c.Warnings,
		}); err != nil {
			return err
		}
		if err := e.repos.Quality.InsertConfidence(ctx, tx, &storage.ConfidenceRecord{
			ConversationID:       conversationID,
			OverallConfidence:    cf.Overall,
			UncertaintyLevel:     cf.UncertaintyLevel,
			PerExtraction:        perExtraction,
			LowConfidenceReasons: cf.LowConfidenceReasons,
			Recommendation:       cf.Recommendation,
		}); err != nil {
			return err
		}
		return e.repos.Quality.InsertHallucination(ctx, tx, &storage.HallucinationRecord{
			ConversationID:      conversationID,
			Risk:                h.Risk,
			RiskLevel:           h.RiskLevel,
			Detected:            h.Detected,
			Method:              h.Method,
			SemanticConsistency: h.SemanticConsistency,
			SampleCount:         h.SampleCount,
		})
	})
	if err != nil {
		return err
	}

	if err := e.repos.Trends.Record(ctx, patientID,
		g.Score, c.Score, cf.Overall, h.Risk, report.OverallQuality); err != nil {
		e.logger.Warn().Err(err).Str("patient_id", patientID).Msg("failed to update quality trend")
	}
	return nil
}

// Index ingests a batch of artifacts for one patient.
func (e *Engine) Index(ctx context.Context, patientID string, artifacts []storage.Artifact, opts ingest.IndexOptions) (*ingest.Report, error) {
	return e.indexer.IndexArtifacts(ctx, patientID, artifacts, opts)
}

// RecentQueries returns the patient's most recent answered queries.
func (e *Engine) RecentQueries(ctx context.Context, patientID string, limit int) ([]storage.Conversation, error) {
	return e.repos.Conversations.ListRecent(ctx, patientID, limit)
}

// Warm reloads the persisted vector index and rebuilds the in-memory
// keyword index for the given patients. Call once on startup.
func (e *Engine) Warm(ctx context.Context, patientIDs []string) error {
	if err := e.vectors.Load(ctx); err != nil {
		return fmt.Errorf("load vector index: %w", err)
	}
	for _, patientID := range patientIDs {
		chunks, err := e.repos.Chunks.Filter(ctx, storage.ChunkFilter{PatientID: patientID})
		if err != nil {
			return fmt.Errorf("load chunks for %s: %w", patientID, err)
		}
		for _, ch := range chunks {
			e.keyword.AddDocument(ch.ChunkID, ch.Text)
		}
	}
	return nil
}

// Health reports the status of each dependency.
func (e *Engine) Health(ctx context.Context) map[string]bool {
	status := map[string]bool{
		"embedding": e.embedder.Health(ctx),
		"llm":       e.generator.Health(ctx),
		"vector_db": e.vectors.Health(ctx),
	}
	_, err := e.repos.Chunks.CountByPatient(ctx, "health-probe")
	status["database"] = err == nil
	return status
}

// buildSources projects the candidate set into cited sources.
func buildSources(candidates []retrieval.Candidate) []Source {
	sources := make([]Source, 0, len(candidates))
	for _, c := range candidates {
		sources = append(sources, Source{
			ChunkID:      c.Chunk.ChunkID,
			ArtifactID:   c.Chunk.ArtifactID,
			ArtifactType: c.Chunk.ArtifactType,
			OccurredAt:   c.Chunk.OccurredAt,
			Author:       c.Chunk.Author,
			Snippet:      c.Snippet,
			Highlights:   c.Highlights,
			Score:        c.Score,
			Rank:         c.Rank,
		})
	}
	return sources
}

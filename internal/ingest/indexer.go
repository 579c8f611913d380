package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/chartquery/chartquery/internal/embedding"
	"github.com/chartquery/chartquery/internal/observability"
	"github.com/chartquery/chartquery/internal/query"
	"github.com/chartquery/chartquery/internal/storage"
	"github.com/chartquery/chartquery/internal/vector"
)

// DocumentSink receives chunk text for keyword indexing. Implemented by the
// retrieval keyword index.
type DocumentSink interface {
	AddDocument(id, text string)
}

// IndexerConfig holds indexing knobs.
type IndexerConfig struct {
	MinChunkWords  int
	MaxChunkWords  int
	MaxSentenceLen int
}

// IndexOptions controls one indexing run.
type IndexOptions struct {
	// UserID feeds the deterministic enrichment rollout bucket.
	UserID string
	// ForceReindex re-embeds and rewrites chunks even for already-indexed
	// artifacts.
	ForceReindex bool
}

// Report summarizes one indexing run.
type Report struct {
	PatientID            string        `json:"patient_id"`
	ArtifactsIndexed     int           `json:"artifacts_indexed"`
	ArtifactsSkipped     int           `json:"artifacts_skipped"`
	ChunksCreated        int           `json:"chunks_created"`
	SentencesCreated     int           `json:"sentences_created"`
	VectorsWritten       int           `json:"vectors_written"`
	RelationshipsCreated int           `json:"relationships_created"`
	EnrichmentApplied    bool          `json:"enrichment_applied"`
	Errors               []string      `json:"errors,omitempty"`
	StartedAt            time.Time     `json:"started_at"`
	CompletedAt          time.Time     `json:"completed_at"`
	Duration             time.Duration `json:"duration"`
}

// Indexer runs the ingestion pipeline: chunk, segment, relate, enrich,
// embed, persist. Indexing the same artifact twice leaves the stores in the
// same state as indexing it once.
type Indexer struct {
	logger   *observability.Logger
	chunker  *Chunker
	enricher *Enricher
	rels     relationshipExtractor
	repos    *storage.Repositories
	embedder embedding.Embedder
	vectors  vector.Store
	keyword  DocumentSink
}

// NewIndexer creates an indexer. keyword may be nil when no keyword index
// participates (e.g. the migrate CLI path).
func NewIndexer(
	logger *observability.Logger,
	cfg IndexerConfig,
	enricher *Enricher,
	repos *storage.Repositories,
	embedder embedding.Embedder,
	vectors vector.Store,
	keyword DocumentSink,
) *Indexer {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if enricher == nil {
		enricher = NewEnricher(false, 0)
	}
	return &Indexer{
		logger:   logger,
		chunker:  NewChunker(cfg.MinChunkWords, cfg.MaxChunkWords, NewSentenceSplitter(cfg.MaxSentenceLen)),
		enricher: enricher,
		repos:    repos,
		embedder: embedder,
		vectors:  vectors,
		keyword:  keyword,
	}
}

// IndexArtifacts ingests a batch of artifacts for one patient. Per-artifact
// failures are recorded in the report and do not abort the batch.
func (ix *Indexer) IndexArtifacts(ctx context.Context, patientID string, artifacts []storage.Artifact, opts IndexOptions) (*Report, error) {
	report := &Report{PatientID: patientID, StartedAt: time.Now()}

	ix.logger.Info().
		Str("patient_id", patientID).
		Int("artifacts", len(artifacts)).
		Bool("force_reindex", opts.ForceReindex).
		Msg("starting indexing run")

	valid := artifacts[:0:0]
	for i := range artifacts {
		a := &artifacts[i]
		if err := validateArtifact(a, patientID); err != nil {
			report.ArtifactsSkipped++
			report.Errors = append(report.Errors, fmt.Sprintf("artifact %s: %v", a.ID, err))
			continue
		}
		valid = append(valid, *a)
	}

	// Relationships come first so enrichment sees the full patient graph.
	for i := range valid {
		for _, rel := range ix.rels.Extract(&valid[i]) {
			if err := ix.repos.Relationships.Upsert(ctx, &rel); err != nil {
				ix.logger.Warn().Err(err).Str("artifact_id", valid[i].ID).Msg("failed to persist relationship")
				continue
			}
			report.RelationshipsCreated++
		}
	}
	patientRels, err := ix.repos.Relationships.ListByPatient(ctx, patientID)
	if err != nil {
		ix.logger.Warn().Err(err).Str("patient_id", patientID).Msg("failed to load relationships, skipping enrichment")
	}

	enrich := err == nil && ix.enricher.RolloutEnabled(opts.UserID, patientID)
	report.EnrichmentApplied = enrich

	for i := range valid {
		a := &valid[i]
		chunks, sentences := ix.buildChunks(a, patientRels, enrich)
		if len(chunks) == 0 {
			report.ArtifactsSkipped++
			continue
		}

		if err := ix.persistArtifact(ctx, a, chunks, sentences); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("artifact %s: %v", a.ID, err))
			ix.logger.Warn().Err(err).Str("artifact_id", a.ID).Msg("failed to persist artifact")
			continue
		}
		report.ArtifactsIndexed++
		report.ChunksCreated += len(chunks)
		report.SentencesCreated += len(sentences)

		written, err := ix.writeVectors(ctx, chunks)
		report.VectorsWritten += written
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("artifact %s: %v", a.ID, err))
			ix.logger.Warn().Err(err).Str("artifact_id", a.ID).Msg("failed to write vectors")
		}

		if ix.keyword != nil {
			for _, ch := range chunks {
				ix.keyword.AddDocument(ch.ChunkID, ch.Text)
			}
		}
	}

	if ix.vectors != nil {
		if err := ix.vectors.Save(ctx); err != nil {
			ix.logger.Warn().Err(err).Msg("failed to save vector index")
		}
	}

	report.CompletedAt = time.Now()
	report.Duration = report.CompletedAt.Sub(report.StartedAt)

	ix.logger.Info().
		Str("patient_id", patientID).
		Int("artifacts_indexed", report.ArtifactsIndexed).
		Int("chunks_created", report.ChunksCreated).
		Int("sentences_created", report.SentencesCreated).
		Int("vectors_written", report.VectorsWritten).
		Int("relationships_created", report.RelationshipsCreated).
		Dur("duration", report.Duration).
		Msg("indexing run completed")

	return report, nil
}

// buildChunks derives chunks and sentences for one artifact. Chunk IDs are
// deterministic in artifact ID and position, which makes re-indexing
// idempotent.
func (ix *Indexer) buildChunks(a *storage.Artifact, rels []storage.Relationship, enrich bool) ([]storage.Chunk, []storage.Sentence) {
	drafts := ix.chunker.Chunk(a.Text)

	chunks := make([]storage.Chunk, 0, len(drafts))
	var sentences []storage.Sentence
	for i, draft := range drafts {
		chunkID := fmt.Sprintf("%s:%04d", a.ID, i)

		entities := query.ExtractEntities(draft.Text)
		entityValues := make(storage.StringList, 0, len(entities))
		for _, e := range entities {
			entityValues = append(entityValues, string(e.Type)+":"+e.Value)
		}

		chunk := storage.Chunk{
			ChunkID:           chunkID,
			ArtifactID:        a.ID,
			PatientID:         a.PatientID,
			ArtifactType:      a.Type,
			OccurredAt:        a.OccurredAt,
			Author:            a.Author,
			Text:              draft.Text,
			SourceURL:         a.SourceURL,
			ExtractedEntities: entityValues,
		}
		if enrich {
			chunk.EnrichedText = ix.enricher.Enrich(draft.Text, entities, rels)
			if chunk.EnrichedText != "" {
				chunk.ContextExpansionLevel = 1
			}
		}
		chunks = append(chunks, chunk)

		for j, sent := range draft.Sentences {
			sentences = append(sentences, storage.Sentence{
				SentenceID:    fmt.Sprintf("%s:s%03d", chunkID, j),
				ChunkID:       chunkID,
				Text:          sent.Text,
				ChunkStart:    sent.Start - draft.Start,
				ChunkEnd:      sent.End - draft.Start,
				ArtifactStart: sent.Start,
				ArtifactEnd:   sent.End,
			})
		}
	}
	return chunks, sentences
}

// persistArtifact writes the artifact, its chunks and its sentences in one
// transaction. Existing chunks for the artifact are replaced.
func (ix *Indexer) persistArtifact(ctx context.Context, a *storage.Artifact, chunks []storage.Chunk, sentences []storage.Sentence) error {
	if err := ix.repos.Artifacts.Upsert(ctx, a); err != nil {
		return fmt.Errorf("upsert artifact: %w", err)
	}
	return ix.repos.WithTx(ctx, func(tx *sql.Tx) error {
		if err := ix.repos.Chunks.ReplaceForArtifact(ctx, tx, a.ID, chunks); err != nil {
			return fmt.Errorf("replace chunks: %w", err)
		}
		if err := ix.repos.Sentences.InsertBatch(ctx, tx, sentences); err != nil {
			return fmt.Errorf("insert sentences: %w", err)
		}
		return nil
	})
}

// writeVectors embeds the chunk texts and adds them to the vector store.
// Embedding output order matches chunk input order.
func (ix *Indexer) writeVectors(ctx context.Context, chunks []storage.Chunk) (int, error) {
	if ix.embedder == nil || ix.vectors == nil {
		return 0, nil
	}

	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Text
	}
	vectors, err := ix.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embed chunks: %w", err)
	}

	entries := make([]vector.Entry, len(chunks))
	for i, ch := range chunks {
		entries[i] = vector.Entry{
			ID:     ch.ChunkID,
			Vector: vectors[i],
			Metadata: map[string]string{
				"patient_id":    ch.PatientID,
				"artifact_id":   ch.ArtifactID,
				"artifact_type": string(ch.ArtifactType),
				"occurred_at":   ch.OccurredAt.UTC().Format(time.RFC3339),
			},
		}
	}
	if err := ix.vectors.Add(ctx, entries); err != nil {
		return 0, fmt.Errorf("add vectors: %w", err)
	}
	return len(entries), nil
}

func validateArtifact(a *storage.Artifact, patientID string) error {
	switch {
	case a.ID == "":
		return fmt.Errorf("missing id")
	case a.PatientID != patientID:
		return fmt.Errorf("artifact patient %q does not match %q", a.PatientID, patientID)
	case !storage.ValidArtifactType(a.Type):
		return fmt.Errorf("unknown artifact type %q", a.Type)
	case a.OccurredAt.IsZero():
		return fmt.Errorf("missing occurred_at")
	case a.Text == "":
		return fmt.Errorf("empty text")
	}
	return nil
}

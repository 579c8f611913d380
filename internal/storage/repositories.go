package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Common errors.
var (
	ErrNotFound           = errors.New("record not found")
	ErrIntegrityViolation = errors.New("integrity violation")
)

// DB is the subset of *sql.DB the repositories need, satisfied by *sql.Tx too.
type DB interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Repositories bundles all repositories over one connection.
type Repositories struct {
	db *sql.DB

	Artifacts     *ArtifactRepository
	Chunks        *ChunkRepository
	Sentences     *SentenceRepository
	Relationships *RelationshipRepository
	Conversations *ConversationRepository
	Quality       *QualityRepository
	Trends        *QualityTrendRepository
}

// NewRepositories creates the repository bundle.
func NewRepositories(db *sql.DB) *Repositories {
	return &Repositories{
		db:            db,
		Artifacts:     &ArtifactRepository{db: db},
		Chunks:        &ChunkRepository{db: db},
		Sentences:     &SentenceRepository{db: db},
		Relationships: &RelationshipRepository{db: db},
		Conversations: &ConversationRepository{db: db},
		Quality:       &QualityRepository{db: db},
		Trends:        &QualityTrendRepository{db: db},
	}
}

// WithTx runs fn inside a transaction.
func (r *Repositories) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// isUniqueViolation reports whether err is a unique-constraint failure on
// either driver.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// ArtifactRepository handles artifact persistence.
type ArtifactRepository struct {
	db DB
}

// Upsert writes an artifact, replacing any previous row with the same id.
// Artifacts are immutable in content; upsert exists for re-indexing.
func (r *ArtifactRepository) Upsert(ctx context.Context, a *Artifact) error {
	query := `
		INSERT INTO artifacts (id, patient_id, artifact_type, occurred_at, author,
			title, artifact_text, source_url, meta, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			patient_id = excluded.patient_id,
			artifact_type = excluded.artifact_type,
			occurred_at = excluded.occurred_at,
			author = excluded.author,
			title = excluded.title,
			artifact_text = excluded.artifact_text,
			source_url = excluded.source_url,
			meta = excluded.meta
	`
	_, err := r.db.ExecContext(ctx, query,
		a.ID, a.PatientID, a.Type, a.OccurredAt, a.Author,
		a.Title, a.Text, a.SourceURL, a.Meta, time.Now().UTC(),
	)
	return err
}

// GetByID retrieves an artifact.
func (r *ArtifactRepository) GetByID(ctx context.Context, id string) (*Artifact, error) {
	query := `
		SELECT id, patient_id, artifact_type, occurred_at, author, title,
			artifact_text, source_url, meta
		FROM artifacts WHERE id = $1
	`
	a := &Artifact{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&a.ID, &a.PatientID, &a.Type, &a.OccurredAt, &a.Author, &a.Title,
		&a.Text, &a.SourceURL, &a.Meta,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

// ListByPatient returns all artifacts for a patient ordered by occurrence.
func (r *ArtifactRepository) ListByPatient(ctx context.Context, patientID string) ([]Artifact, error) {
	query := `
		SELECT id, patient_id, artifact_type, occurred_at, author, title,
			artifact_text, source_url, meta
		FROM artifacts WHERE patient_id = $1 ORDER BY occurred_at DESC
	`
	rows, err := r.db.QueryContext(ctx, query, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var artifacts []Artifact
	for rows.Next() {
		var a Artifact
		if err := rows.Scan(&a.ID, &a.PatientID, &a.Type, &a.OccurredAt, &a.Author,
			&a.Title, &a.Text, &a.SourceURL, &a.Meta); err != nil {
			return nil, err
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

// ChunkRepository handles chunk persistence.
type ChunkRepository struct {
	db DB
}

// ReplaceForArtifact deletes an artifact's existing chunks and inserts the
// new set. Indexing the same artifact twice therefore leaves the store in
// the same state as indexing it once.
func (r *ChunkRepository) ReplaceForArtifact(ctx context.Context, tx *sql.Tx, artifactID string, chunks []Chunk) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE artifact_id = $1`, artifactID); err != nil {
		return fmt.Errorf("delete old chunks: %w", err)
	}

	query := `
		INSERT INTO chunks (chunk_id, artifact_id, patient_id, artifact_type,
			occurred_at, author, chunk_text, enriched_text, source_url,
			extracted_entities, relationship_ids, context_expansion_level)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	for i := range chunks {
		c := &chunks[i]
		if _, err := tx.ExecContext(ctx, query,
			c.ChunkID, c.ArtifactID, c.PatientID, c.ArtifactType,
			c.OccurredAt, c.Author, c.Text, c.EnrichedText, c.SourceURL,
			c.ExtractedEntities, c.RelationshipIDs, c.ContextExpansionLevel,
		); err != nil {
			return fmt.Errorf("insert chunk %s: %w", c.ChunkID, err)
		}
	}
	return nil
}

// ChunkFilter narrows the chunk universe for stage 1 of retrieval.
type ChunkFilter struct {
	PatientID     string
	ArtifactTypes []ArtifactType
	From          *time.Time
	To            *time.Time
}

// Filter returns chunks satisfying every predicate, newest first.
func (r *ChunkRepository) Filter(ctx context.Context, f ChunkFilter) ([]Chunk, error) {
	var sb strings.Builder
	sb.WriteString(`
		SELECT chunk_id, artifact_id, patient_id, artifact_type, occurred_at,
			author, chunk_text, enriched_text, source_url, extracted_entities,
			relationship_ids, context_expansion_level
		FROM chunks WHERE patient_id = $1`)
	args := []interface{}{f.PatientID}

	if len(f.ArtifactTypes) > 0 {
		placeholders := make([]string, len(f.ArtifactTypes))
		for i, t := range f.ArtifactTypes {
			args = append(args, string(t))
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		sb.WriteString(" AND artifact_type IN (" + strings.Join(placeholders, ", ") + ")")
	}
	if f.From != nil {
		args = append(args, *f.From)
		sb.WriteString(fmt.Sprintf(" AND occurred_at >= $%d", len(args)))
	}
	if f.To != nil {
		args = append(args, *f.To)
		sb.WriteString(fmt.Sprintf(" AND occurred_at <= $%d", len(args)))
	}
	sb.WriteString(" ORDER BY occurred_at DESC")

	rows, err := r.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanChunks(rows)
}

// GetByIDs retrieves chunks by id.
func (r *ChunkRepository) GetByIDs(ctx context.Context, ids []string) ([]Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	query := `
		SELECT chunk_id, artifact_id, patient_id, artifact_type, occurred_at,
			author, chunk_text, enriched_text, source_url, extracted_entities,
			relationship_ids, context_expansion_level
		FROM chunks WHERE chunk_id IN (` + strings.Join(placeholders, ", ") + `)`
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanChunks(rows)
}

// CountByPatient returns the number of indexed chunks for a patient.
func (r *ChunkRepository) CountByPatient(ctx context.Context, patientID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chunks WHERE patient_id = $1`, patientID).Scan(&n)
	return n, err
}

func scanChunks(rows *sql.Rows) ([]Chunk, error) {
	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.ChunkID, &c.ArtifactID, &c.PatientID, &c.ArtifactType,
			&c.OccurredAt, &c.Author, &c.Text, &c.EnrichedText, &c.SourceURL,
			&c.ExtractedEntities, &c.RelationshipIDs, &c.ContextExpansionLevel); err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// SentenceRepository handles sentence persistence.
type SentenceRepository struct {
	db DB
}

// InsertBatch writes sentences for a chunk inside the indexing transaction.
func (r *SentenceRepository) InsertBatch(ctx context.Context, tx *sql.Tx, sentences []Sentence) error {
	query := `
		INSERT INTO sentences (sentence_id, chunk_id, sentence_text,
			chunk_start, chunk_end, artifact_start, artifact_end)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	for i := range sentences {
		s := &sentences[i]
		if s.SentenceID == "" {
			s.SentenceID = uuid.NewString()
		}
		if _, err := tx.ExecContext(ctx, query,
			s.SentenceID, s.ChunkID, s.Text,
			s.ChunkStart, s.ChunkEnd, s.ArtifactStart, s.ArtifactEnd,
		); err != nil {
			return fmt.Errorf("insert sentence: %w", err)
		}
	}
	return nil
}

// ListByChunk returns a chunk's sentences in offset order.
func (r *SentenceRepository) ListByChunk(ctx context.Context, chunkID string) ([]Sentence, error) {
	query := `
		SELECT sentence_id, chunk_id, sentence_text, chunk_start, chunk_end,
			artifact_start, artifact_end
		FROM sentences WHERE chunk_id = $1 ORDER BY chunk_start
	`
	rows, err := r.db.QueryContext(ctx, query, chunkID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sentences []Sentence
	for rows.Next() {
		var s Sentence
		if err := rows.Scan(&s.SentenceID, &s.ChunkID, &s.Text, &s.ChunkStart,
			&s.ChunkEnd, &s.ArtifactStart, &s.ArtifactEnd); err != nil {
			return nil, err
		}
		sentences = append(sentences, s)
	}
	return sentences, rows.Err()
}

// RelationshipRepository handles relationship tuples.
type RelationshipRepository struct {
	db DB
}

// Upsert writes a relationship tuple; duplicates of the same triple are
// silently kept as the existing row.
func (r *RelationshipRepository) Upsert(ctx context.Context, rel *Relationship) error {
	if rel.ID == "" {
		rel.ID = uuid.NewString()
	}
	query := `
		INSERT INTO relationships (id, patient_id, subject_id, predicate, object_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (subject_id, predicate, object_id) DO NOTHING
	`
	_, err := r.db.ExecContext(ctx, query,
		rel.ID, rel.PatientID, rel.SubjectID, rel.Predicate, rel.ObjectID, time.Now().UTC())
	return err
}

// ListByPatient returns all relationship tuples for a patient.
func (r *RelationshipRepository) ListByPatient(ctx context.Context, patientID string) ([]Relationship, error) {
	query := `
		SELECT id, patient_id, subject_id, predicate, object_id, created_at
		FROM relationships WHERE patient_id = $1
	`
	rows, err := r.db.QueryContext(ctx, query, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rels []Relationship
	for rows.Next() {
		var rel Relationship
		if err := rows.Scan(&rel.ID, &rel.PatientID, &rel.SubjectID, &rel.Predicate,
			&rel.ObjectID, &rel.CreatedAt); err != nil {
			return nil, err
		}
		rels = append(rels, rel)
	}
	return rels, rows.Err()
}

// ConversationRepository handles conversation_history rows.
type ConversationRepository struct {
	db DB
}

// Insert creates a conversation row at end of generation.
func (r *ConversationRepository) Insert(ctx context.Context, c *Conversation) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.CreatedAt = time.Now().UTC()

	query := `
		INSERT INTO conversation_history (id, patient_id, query_text, query_intent,
			query_timestamp, short_answer, detailed_summary, model_used,
			extractions, sources, retrieval_candidates, feature_flags,
			retrieval_time_ms, generation_time_ms, total_time_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`
	_, err := r.db.ExecContext(ctx, query,
		c.ID, c.PatientID, c.Query, c.QueryIntent,
		c.QueryTimestamp, c.ShortAnswer, c.DetailedSummary, c.ModelUsed,
		c.Extractions, c.Sources, c.RetrievalCandidates, c.FeatureFlags,
		c.RetrievalTimeMs, c.GenerationTimeMs, c.TotalTimeMs, c.CreatedAt,
	)
	return err
}

// UpdateQualityScores records quality scores once, after verification.
func (r *ConversationRepository) UpdateQualityScores(ctx context.Context, id string,
	grounding, consistency, confidence, risk, overall float64) error {
	query := `
		UPDATE conversation_history
		SET grounding_score = $1, consistency_score = $2, confidence_score = $3,
			hallucination_risk = $4, overall_quality = $5
		WHERE id = $6
	`
	res, err := r.db.ExecContext(ctx, query, grounding, consistency, confidence, risk, overall, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetByID retrieves a conversation.
func (r *ConversationRepository) GetByID(ctx context.Context, id string) (*Conversation, error) {
	row := r.db.QueryRowContext(ctx, conversationSelect+` WHERE id = $1`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

// ListRecent returns the most recent conversations for a patient.
func (r *ConversationRepository) ListRecent(ctx context.Context, patientID string, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 10
	}
	query := conversationSelect + `
		WHERE patient_id = $1 ORDER BY query_timestamp DESC LIMIT $2`
	return r.list(ctx, query, patientID, limit)
}

// ListSince returns a patient's conversations at or after since, excluding
// one conversation id (the current one).
func (r *ConversationRepository) ListSince(ctx context.Context, patientID string, since time.Time, excludeID string) ([]Conversation, error) {
	query := conversationSelect + `
		WHERE patient_id = $1 AND query_timestamp >= $2 AND id != $3
		ORDER BY query_timestamp DESC`
	return r.list(ctx, query, patientID, since, excludeID)
}

func (r *ConversationRepository) list(ctx context.Context, query string, args ...interface{}) ([]Conversation, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conversations []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, *c)
	}
	return conversations, rows.Err()
}

const conversationSelect = `
	SELECT id, patient_id, query_text, query_intent, query_timestamp,
		short_answer, detailed_summary, model_used, extractions, sources,
		retrieval_candidates, feature_flags, retrieval_time_ms,
		generation_time_ms, total_time_ms, grounding_score, consistency_score,
		confidence_score, hallucination_risk, overall_quality, created_at
	FROM conversation_history`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	c := &Conversation{}
	err := row.Scan(
		&c.ID, &c.PatientID, &c.Query, &c.QueryIntent, &c.QueryTimestamp,
		&c.ShortAnswer, &c.DetailedSummary, &c.ModelUsed, &c.Extractions, &c.Sources,
		&c.RetrievalCandidates, &c.FeatureFlags, &c.RetrievalTimeMs,
		&c.GenerationTimeMs, &c.TotalTimeMs, &c.GroundingScore, &c.ConsistencyScore,
		&c.ConfidenceScore, &c.HallucinationRisk, &c.OverallQuality, &c.CreatedAt,
	)
	return c, err
}

// QualityRepository writes the four per-conversation verification records.
// Each table has a UNIQUE constraint on conversation_id: a second write for
// the same conversation fails with ErrIntegrityViolation.
type QualityRepository struct {
	db DB
}

// InsertGrounding persists a grounding verification record.
func (r *QualityRepository) InsertGrounding(ctx context.Context, tx DB, g *GroundingRecord) error {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	query := `
		INSERT INTO grounding_verification (id, conversation_id, grounding_score,
			total_statements, grounded_statements, unsupported_statements,
			statement_details, warnings, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := tx.ExecContext(ctx, query,
		g.ID, g.ConversationID, g.GroundingScore,
		g.TotalStatements, g.GroundedStatements, g.UnsupportedStatements,
		g.StatementDetails, g.Warnings, time.Now().UTC(),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("grounding record for conversation %s: %w", g.ConversationID, ErrIntegrityViolation)
	}
	return err
}

// InsertConsistency persists a consistency check record.
func (r *QualityRepository) InsertConsistency(ctx context.Context, tx DB, c *ConsistencyRecord) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	query := `
		INSERT INTO consistency_checks (id, conversation_id, consistency_score,
			contradictions, checked_against, warnings, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := tx.ExecContext(ctx, query,
		c.ID, c.ConversationID, c.ConsistencyScore,
		c.Contradictions, c.CheckedAgainst, c.Warnings, time.Now().UTC(),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("consistency record for conversation %s: %w", c.ConversationID, ErrIntegrityViolation)
	}
	return err
}

// InsertConfidence persists a confidence metrics record.
func (r *QualityRepository) InsertConfidence(ctx context.Context, tx DB, c *ConfidenceRecord) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	query := `
		INSERT INTO confidence_metrics (id, conversation_id, overall_confidence,
			uncertainty_level, per_extraction, low_confidence_reasons,
			recommendation, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := tx.ExecContext(ctx, query,
		c.ID, c.ConversationID, c.OverallConfidence,
		c.UncertaintyLevel, c.PerExtraction, c.LowConfidenceReasons,
		c.Recommendation, time.Now().UTC(),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("confidence record for conversation %s: %w", c.ConversationID, ErrIntegrityViolation)
	}
	return err
}

// InsertHallucination persists a hallucination detection record.
func (r *QualityRepository) InsertHallucination(ctx context.Context, tx DB, h *HallucinationRecord) error {
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	query := `
		INSERT INTO hallucination_detections (id, conversation_id, risk, risk_level,
			detected, method, semantic_consistency, sample_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := tx.ExecContext(ctx, query,
		h.ID, h.ConversationID, h.Risk, h.RiskLevel,
		h.Detected, h.Method, h.SemanticConsistency, h.SampleCount, time.Now().UTC(),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("hallucination record for conversation %s: %w", h.ConversationID, ErrIntegrityViolation)
	}
	return err
}

// QualityTrendRepository maintains per-(patient, day) rollups.
type QualityTrendRepository struct {
	db DB
}

// Record folds one query's scores into the patient's rollup for the day.
func (r *QualityTrendRepository) Record(ctx context.Context, patientID string,
	grounding, consistency, confidence, risk, overall float64) error {
	day := time.Now().UTC().Format("2006-01-02")

	var (
		id    string
		count int
		g, c  float64
		cf, h float64
		o     float64
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, query_count, avg_grounding, avg_consistency, avg_confidence,
			avg_risk, avg_overall
		FROM quality_trends WHERE patient_id = $1 AND day = $2`,
		patientID, day,
	).Scan(&id, &count, &g, &c, &cf, &h, &o)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = r.db.ExecContext(ctx, `
			INSERT INTO quality_trends (id, patient_id, day, query_count,
				avg_grounding, avg_consistency, avg_confidence, avg_risk,
				avg_overall, updated_at)
			VALUES ($1, $2, $3, 1, $4, $5, $6, $7, $8, $9)`,
			uuid.NewString(), patientID, day,
			grounding, consistency, confidence, risk, overall, time.Now().UTC(),
		)
		return err
	case err != nil:
		return err
	}

	n := float64(count)
	fold := func(avg, v float64) float64 { return (avg*n + v) / (n + 1) }
	_, err = r.db.ExecContext(ctx, `
		UPDATE quality_trends
		SET query_count = $1, avg_grounding = $2, avg_consistency = $3,
			avg_confidence = $4, avg_risk = $5, avg_overall = $6, updated_at = $7
		WHERE id = $8`,
		count+1, fold(g, grounding), fold(c, consistency), fold(cf, confidence),
		fold(h, risk), fold(o, overall), time.Now().UTC(), id,
	)
	return err
}

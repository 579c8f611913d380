package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// migrations are executed in order on every startup. Every statement is
// idempotent (IF NOT EXISTS), so re-running the full list is safe on both
// SQLite and Postgres.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS artifacts (
		id TEXT PRIMARY KEY,
		patient_id TEXT NOT NULL,
		artifact_type TEXT NOT NULL,
		occurred_at TIMESTAMP NOT NULL,
		author TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		artifact_text TEXT NOT NULL,
		source_url TEXT NOT NULL DEFAULT '',
		meta TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_artifacts_patient ON artifacts (patient_id)`,
	`CREATE INDEX IF NOT EXISTS idx_artifacts_patient_type ON artifacts (patient_id, artifact_type)`,

	`CREATE TABLE IF NOT EXISTS chunks (
		chunk_id TEXT PRIMARY KEY,
		artifact_id TEXT NOT NULL REFERENCES artifacts (id) ON DELETE CASCADE,
		patient_id TEXT NOT NULL,
		artifact_type TEXT NOT NULL,
		occurred_at TIMESTAMP NOT NULL,
		author TEXT NOT NULL DEFAULT '',
		chunk_text TEXT NOT NULL,
		enriched_text TEXT NOT NULL DEFAULT '',
		source_url TEXT NOT NULL DEFAULT '',
		extracted_entities TEXT NOT NULL DEFAULT '[]',
		relationship_ids TEXT NOT NULL DEFAULT '[]',
		context_expansion_level INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chunks_patient ON chunks (patient_id)`,
	`CREATE INDEX IF NOT EXISTS idx_chunks_patient_type ON chunks (patient_id, artifact_type)`,
	`CREATE INDEX IF NOT EXISTS idx_chunks_patient_occurred ON chunks (patient_id, occurred_at)`,
	`CREATE INDEX IF NOT EXISTS idx_chunks_artifact ON chunks (artifact_id)`,

	`CREATE TABLE IF NOT EXISTS sentences (
		sentence_id TEXT PRIMARY KEY,
		chunk_id TEXT NOT NULL REFERENCES chunks (chunk_id) ON DELETE CASCADE,
		sentence_text TEXT NOT NULL,
		chunk_start INTEGER NOT NULL,
		chunk_end INTEGER NOT NULL,
		artifact_start INTEGER NOT NULL,
		artifact_end INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sentences_chunk ON sentences (chunk_id)`,

	`CREATE TABLE IF NOT EXISTS relationships (
		id TEXT PRIMARY KEY,
		patient_id TEXT NOT NULL,
		subject_id TEXT NOT NULL,
		predicate TEXT NOT NULL,
		object_id TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_relationships_patient ON relationships (patient_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_relationships_triple
		ON relationships (subject_id, predicate, object_id)`,

	`CREATE TABLE IF NOT EXISTS conversation_history (
		id TEXT PRIMARY KEY,
		patient_id TEXT NOT NULL,
		query_text TEXT NOT NULL,
		query_intent TEXT NOT NULL DEFAULT '',
		query_timestamp TIMESTAMP NOT NULL,
		short_answer TEXT NOT NULL DEFAULT '',
		detailed_summary TEXT NOT NULL DEFAULT '',
		model_used TEXT NOT NULL DEFAULT '',
		extractions TEXT,
		sources TEXT,
		retrieval_candidates TEXT,
		feature_flags TEXT NOT NULL DEFAULT '{}',
		retrieval_time_ms INTEGER NOT NULL DEFAULT 0,
		generation_time_ms INTEGER NOT NULL DEFAULT 0,
		total_time_ms INTEGER NOT NULL DEFAULT 0,
		grounding_score REAL,
		consistency_score REAL,
		confidence_score REAL,
		hallucination_risk REAL,
		overall_quality REAL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_conversations_patient_time
		ON conversation_history (patient_id, query_timestamp)`,

	`CREATE TABLE IF NOT EXISTS grounding_verification (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL UNIQUE
			REFERENCES conversation_history (id) ON DELETE CASCADE,
		grounding_score REAL NOT NULL,
		total_statements INTEGER NOT NULL,
		grounded_statements INTEGER NOT NULL,
		unsupported_statements TEXT,
		statement_details TEXT,
		warnings TEXT NOT NULL DEFAULT '[]',
		created_at TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS consistency_checks (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL UNIQUE
			REFERENCES conversation_history (id) ON DELETE CASCADE,
		consistency_score REAL NOT NULL,
		contradictions TEXT,
		checked_against INTEGER NOT NULL DEFAULT 0,
		warnings TEXT NOT NULL DEFAULT '[]',
		created_at TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS confidence_metrics (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL UNIQUE
			REFERENCES conversation_history (id) ON DELETE CASCADE,
		overall_confidence REAL NOT NULL,
		uncertainty_level TEXT NOT NULL,
		per_extraction TEXT,
		low_confidence_reasons TEXT NOT NULL DEFAULT '[]',
		recommendation TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS hallucination_detections (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL UNIQUE
			REFERENCES conversation_history (id) ON DELETE CASCADE,
		risk REAL NOT NULL,
		risk_level TEXT NOT NULL,
		detected INTEGER NOT NULL,
		method TEXT NOT NULL,
		semantic_consistency REAL,
		sample_count INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS quality_trends (
		id TEXT PRIMARY KEY,
		patient_id TEXT NOT NULL,
		day TEXT NOT NULL,
		query_count INTEGER NOT NULL DEFAULT 0,
		avg_grounding REAL NOT NULL DEFAULT 0,
		avg_consistency REAL NOT NULL DEFAULT 0,
		avg_confidence REAL NOT NULL DEFAULT 0,
		avg_risk REAL NOT NULL DEFAULT 0,
		avg_overall REAL NOT NULL DEFAULT 0,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_quality_trends_patient_day
		ON quality_trends (patient_id, day)`,
}

// Migrate applies the full migration list. Safe to call on every startup.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}

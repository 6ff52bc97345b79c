package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const schemaLockID = int64(2026031701)

func OpenDB(dsn string, maxOpenConns int) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	if maxOpenConns <= 0 {
		maxOpenConns = 10
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxOpenConns)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func EnsureSchema(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across api, worker and scheduler startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, schemaLockID); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	if _, err := tx.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS lease_documents (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	building_id TEXT NOT NULL DEFAULT '',
	filename TEXT NOT NULL,
	mime_type TEXT NOT NULL,
	size_bytes BIGINT NOT NULL,
	storage_key TEXT NOT NULL,
	extraction_status TEXT NOT NULL DEFAULT 'pending',
	ocr_source TEXT NOT NULL DEFAULT '',
	ocr_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	char_count INTEGER NOT NULL DEFAULT 0,
	metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

ALTER TABLE lease_documents ADD COLUMN IF NOT EXISTS metadata JSONB NOT NULL DEFAULT '{}'::jsonb;

CREATE INDEX IF NOT EXISTS idx_lease_documents_user ON lease_documents(user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS lease_processing_jobs (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	user_email TEXT NOT NULL DEFAULT '',
	document_id TEXT NOT NULL REFERENCES lease_documents(id) ON DELETE CASCADE,
	building_id TEXT NOT NULL DEFAULT '',
	storage_key TEXT NOT NULL,
	filename TEXT NOT NULL,
	file_size BIGINT NOT NULL,
	mime_type TEXT NOT NULL,
	status TEXT NOT NULL CHECK (status IN ('pending','processing','retrying','completed','failed')),
	priority INTEGER NOT NULL DEFAULT 0,
	retry_count INTEGER NOT NULL DEFAULT 0 CHECK (retry_count >= 0),
	max_retries INTEGER NOT NULL DEFAULT 3 CHECK (max_retries >= 0),
	error_message TEXT NOT NULL DEFAULT '',
	error_class TEXT NOT NULL DEFAULT '',
	ocr_source TEXT NOT NULL DEFAULT '',
	extracted_text TEXT NOT NULL DEFAULT '',
	analysis JSONB,
	notification_sent BOOLEAN NOT NULL DEFAULT FALSE,
	notification_sent_at TIMESTAMPTZ,
	next_attempt_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	processing_started_at TIMESTAMPTZ,
	attempt_started_at TIMESTAMPTZ,
	processing_completed_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_lease_jobs_claim ON lease_processing_jobs(priority DESC, created_at ASC)
	WHERE status IN ('pending','retrying');
CREATE INDEX IF NOT EXISTS idx_lease_jobs_status_created ON lease_processing_jobs(status, created_at);
CREATE INDEX IF NOT EXISTS idx_lease_jobs_user ON lease_processing_jobs(user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_lease_jobs_outbox ON lease_processing_jobs(processing_completed_at)
	WHERE notification_sent = FALSE AND status IN ('completed','failed');

CREATE TABLE IF NOT EXISTS lease_processing_job_history (
	id BIGSERIAL PRIMARY KEY,
	job_id TEXT NOT NULL REFERENCES lease_processing_jobs(id) ON DELETE CASCADE,
	previous_status TEXT NOT NULL DEFAULT '',
	new_status TEXT NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	note TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_lease_job_history_job ON lease_processing_job_history(job_id, created_at);
`

package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/blociq/lease-pipeline/internal/core/domain"
)

const jobColumns = `id, user_id, user_email, document_id, building_id, storage_key, filename, file_size, mime_type,
	status, priority, retry_count, max_retries, error_message, error_class, ocr_source, extracted_text, analysis,
	notification_sent, notification_sent_at, next_attempt_at, created_at, updated_at,
	processing_started_at, attempt_started_at, processing_completed_at`

const insertHistorySQL = `
INSERT INTO lease_processing_job_history (job_id, previous_status, new_status, error_message, note, created_at)
VALUES ($1,$2,$3,$4,$5,$6)
`

// JobRepository owns the job table. Claims and terminal writes are
// conditional on the current status so the database arbitrates races.
type JobRepository struct {
	db *sql.DB
}

func NewJobRepository(db *sql.DB) *JobRepository {
	return &JobRepository{db: db}
}

func (r *JobRepository) Create(ctx context.Context, job *domain.Job) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create job tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx, `
INSERT INTO lease_processing_jobs (
	id, user_id, user_email, document_id, building_id, storage_key, filename, file_size, mime_type,
	status, priority, retry_count, max_retries, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
`,
		job.ID, job.UserID, job.UserEmail, job.DocumentID, job.BuildingID, job.StorageKey, job.Filename, job.FileSize,
		job.MimeType, string(job.Status), job.Priority, job.RetryCount, job.MaxRetries, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	if _, err := tx.ExecContext(ctx, insertHistorySQL, job.ID, "", string(job.Status), "", "uploaded", job.CreatedAt); err != nil {
		return fmt.Errorf("insert job history: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create job: %w", err)
	}
	return nil
}

func (r *JobRepository) GetForUser(ctx context.Context, userID, jobID string) (*domain.Job, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT `+jobColumns+`
FROM lease_processing_jobs
WHERE id = $1 AND user_id = $2
`, jobID, userID)

	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrJobNotFound, "get job", fmt.Errorf("id=%s", jobID))
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &job, nil
}

func (r *JobRepository) ListHistory(ctx context.Context, jobID string) ([]domain.JobHistoryEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT job_id, previous_status, new_status, error_message, note, created_at
FROM lease_processing_job_history
WHERE job_id = $1
ORDER BY created_at ASC, id ASC
`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list job history: %w", err)
	}
	defer rows.Close()

	out := make([]domain.JobHistoryEntry, 0)
	for rows.Next() {
		var entry domain.JobHistoryEntry
		var prev, next string
		if err := rows.Scan(&entry.JobID, &prev, &next, &entry.ErrorMessage, &entry.Note, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan job history: %w", err)
		}
		entry.PreviousStatus = domain.JobStatus(prev)
		entry.NewStatus = domain.JobStatus(next)
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job history: %w", err)
	}
	return out, nil
}

func (r *JobRepository) Stats(ctx context.Context, since time.Time) (domain.JobStats, error) {
	stats := domain.JobStats{Since: since, ByStatus: make(map[domain.JobStatus]int)}

	rows, err := r.db.QueryContext(ctx, `
SELECT status, COUNT(*)
FROM lease_processing_jobs
WHERE created_at >= $1
GROUP BY status
`, since)
	if err != nil {
		return stats, fmt.Errorf("count jobs by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return stats, fmt.Errorf("scan job counts: %w", err)
		}
		stats.ByStatus[domain.JobStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("iterate job counts: %w", err)
	}

	row := r.db.QueryRowContext(ctx, `
SELECT
	COALESCE(AVG(EXTRACT(EPOCH FROM (processing_completed_at - processing_started_at)))
		FILTER (WHERE status = 'completed' AND created_at >= $1), 0),
	COUNT(*) FILTER (WHERE status IN ('completed','failed') AND notification_sent = FALSE AND user_email <> '')
FROM lease_processing_jobs
`, since)
	if err := row.Scan(&stats.AverageDurationSec, &stats.PendingNotify); err != nil {
		return stats, fmt.Errorf("job duration stats: %w", err)
	}
	return stats, nil
}

// ClaimNext moves the highest-priority eligible job to processing. Rows
// locked by a concurrent claimer are skipped rather than waited on.
func (r *JobRepository) ClaimNext(ctx context.Context, now time.Time) (*domain.Job, error) {
	job, err := r.claim(ctx, now, `
WITH target AS (
	SELECT id AS claim_id, status AS previous_status
	FROM lease_processing_jobs
	WHERE status IN ('pending','retrying')
		AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
	ORDER BY priority DESC, created_at ASC
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

func (r *JobRepository) ClaimByID(ctx context.Context, jobID string, now time.Time) (*domain.Job, error) {
	job, err := r.claim(ctx, now, `
WITH target AS (
	SELECT id AS claim_id, status AS previous_status
	FROM lease_processing_jobs
	WHERE id = $2
		AND status IN ('pending','retrying')
		AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
	FOR UPDATE SKIP LOCKED
)`, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.WrapError(domain.ErrClaimLost, "claim job", fmt.Errorf("id=%s", jobID))
	}
	return job, err
}

func (r *JobRepository) claim(ctx context.Context, now time.Time, target string, args ...any) (*domain.Job, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	query := target + `
UPDATE lease_processing_jobs
SET status = 'processing',
	processing_started_at = COALESCE(processing_started_at, $1),
	attempt_started_at = $1,
	next_attempt_at = NULL,
	updated_at = $1
FROM target
WHERE id = target.claim_id
RETURNING target.previous_status, ` + jobColumns

	row := tx.QueryRowContext(ctx, query, append([]any{now}, args...)...)
	var previous string
	job, err := scanJob(prefixedScanner{row: row, prefix: []any{&previous}})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("claim job: %w", err)
	}

	if _, err := tx.ExecContext(ctx, insertHistorySQL, job.ID, previous, string(domain.JobProcessing), "", "", now); err != nil {
		return nil, fmt.Errorf("insert claim history: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return &job, nil
}

// Complete stores the analysis, updates the document provenance and records
// the transition in one transaction.
func (r *JobRepository) Complete(ctx context.Context, rec domain.CompletionRecord) error {
	analysisJSON, err := json.Marshal(rec.Analysis)
	if err != nil {
		return fmt.Errorf("marshal analysis: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin complete tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	result, err := tx.ExecContext(ctx, `
UPDATE lease_processing_jobs
SET status = 'completed', analysis = $2, extracted_text = $3, ocr_source = $4,
	error_message = '', error_class = '', next_attempt_at = NULL,
	processing_completed_at = $5, updated_at = $5
WHERE id = $1 AND status = 'processing' AND attempt_started_at = $6
`, rec.Claim.JobID, analysisJSON, rec.ExtractedText, rec.OCR.Source, rec.CompletedAt, rec.Claim.AttemptStartedAt)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if err := requireRow(result, "complete job", rec.Claim.JobID); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE lease_documents
SET extraction_status = $2, ocr_source = $3, ocr_confidence = $4, char_count = $5, updated_at = $6
WHERE id = $1
`, rec.DocumentID, string(domain.ExtractionCompleted), rec.OCR.Source, rec.OCR.Confidence, len([]rune(rec.ExtractedText)), rec.CompletedAt); err != nil {
		return fmt.Errorf("update document provenance: %w", err)
	}

	if _, err := tx.ExecContext(ctx, insertHistorySQL, rec.Claim.JobID, string(domain.JobProcessing), string(domain.JobCompleted), "", "", rec.CompletedAt); err != nil {
		return fmt.Errorf("insert completion history: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit complete: %w", err)
	}
	return nil
}

func (r *JobRepository) RecordFailure(ctx context.Context, claim domain.ClaimRef, d domain.FailureDecision, at time.Time) error {
	var completedAt *time.Time
	if d.Terminal() {
		completedAt = &at
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin failure tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var documentID string
	err = tx.QueryRowContext(ctx, `
UPDATE lease_processing_jobs
SET status = $2, retry_count = $3, error_class = $4, error_message = $5, next_attempt_at = $6,
	processing_completed_at = COALESCE($7, processing_completed_at), updated_at = $8
WHERE id = $1 AND status = 'processing' AND attempt_started_at = $9
RETURNING document_id
`, claim.JobID, string(d.Status), d.RetryCount, string(d.ErrorClass), d.ErrorMessage, d.NextAttemptAt, completedAt, at,
		claim.AttemptStartedAt).Scan(&documentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.WrapError(domain.ErrClaimLost, "record failure", fmt.Errorf("id=%s", claim.JobID))
		}
		return fmt.Errorf("record failure: %w", err)
	}

	if d.Terminal() {
		if _, err := tx.ExecContext(ctx, `
UPDATE lease_documents SET extraction_status = $2, updated_at = $3 WHERE id = $1
`, documentID, string(domain.ExtractionFailed), at); err != nil {
			return fmt.Errorf("mark document failed: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, insertHistorySQL, claim.JobID, string(domain.JobProcessing), string(d.Status), d.ErrorMessage, string(d.ErrorClass), at); err != nil {
		return fmt.Errorf("insert failure history: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit failure: %w", err)
	}
	return nil
}

// ReleaseClaim puts an interrupted attempt back in the queue. The retry
// count is untouched; a job that already failed once goes back to retrying.
func (r *JobRepository) ReleaseClaim(ctx context.Context, claim domain.ClaimRef, at time.Time) (domain.JobStatus, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin release tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var status string
	err = tx.QueryRowContext(ctx, `
UPDATE lease_processing_jobs
SET status = CASE WHEN retry_count > 0 THEN 'retrying' ELSE 'pending' END,
	attempt_started_at = NULL, next_attempt_at = NULL, updated_at = $3
WHERE id = $1 AND status = 'processing' AND attempt_started_at = $2
RETURNING status
`, claim.JobID, claim.AttemptStartedAt, at).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", domain.WrapError(domain.ErrClaimLost, "release claim", fmt.Errorf("id=%s", claim.JobID))
		}
		return "", fmt.Errorf("release claim: %w", err)
	}

	if _, err := tx.ExecContext(ctx, insertHistorySQL, claim.JobID, string(domain.JobProcessing), status, "", "released", at); err != nil {
		return "", fmt.Errorf("insert release history: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit release: %w", err)
	}
	return domain.JobStatus(status), nil
}

func (r *JobRepository) ListStale(ctx context.Context, attemptStartedBefore time.Time, limit int) ([]domain.Job, error) {
	return r.listJobs(ctx, `
SELECT `+jobColumns+`
FROM lease_processing_jobs
WHERE status = 'processing' AND attempt_started_at < $1
ORDER BY attempt_started_at ASC
LIMIT $2
`, attemptStartedBefore, limit)
}

func (r *JobRepository) CountQueue(ctx context.Context, since, now time.Time) (domain.QueueCounts, error) {
	var counts domain.QueueCounts
	row := r.db.QueryRowContext(ctx, `
SELECT
	COUNT(*) FILTER (WHERE status IN ('pending','retrying') AND (next_attempt_at IS NULL OR next_attempt_at <= $2)),
	COUNT(*) FILTER (WHERE status = 'processing')
FROM lease_processing_jobs
WHERE created_at >= $1
`, since, now)
	if err := row.Scan(&counts.Pending, &counts.Processing); err != nil {
		return counts, fmt.Errorf("count queue: %w", err)
	}
	return counts, nil
}

// PurgeTerminalBefore deletes finished jobs whose last update is older than
// cutoff. History rows go with them; documents are kept.
func (r *JobRepository) PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
DELETE FROM lease_processing_jobs
WHERE status IN ('completed','failed') AND COALESCE(processing_completed_at, updated_at) < $1
`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge terminal jobs: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge rows affected: %w", err)
	}
	return n, nil
}

func (r *JobRepository) ListPendingNotifications(ctx context.Context, limit int) ([]domain.Job, error) {
	return r.listJobs(ctx, `
SELECT `+jobColumns+`
FROM lease_processing_jobs
WHERE status IN ('completed','failed') AND notification_sent = FALSE AND user_email <> ''
ORDER BY processing_completed_at ASC NULLS FIRST, created_at ASC
LIMIT $1
`, limit)
}

func (r *JobRepository) MarkNotified(ctx context.Context, jobID string, at time.Time) error {
	result, err := r.db.ExecContext(ctx, `
UPDATE lease_processing_jobs
SET notification_sent = TRUE, notification_sent_at = $2, updated_at = $2
WHERE id = $1 AND notification_sent = FALSE AND status IN ('completed','failed')
`, jobID, at)
	if err != nil {
		return fmt.Errorf("mark notified: %w", err)
	}
	return requireRow(result, "mark notified", jobID)
}

func (r *JobRepository) listJobs(ctx context.Context, query string, args ...any) ([]domain.Job, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

func requireRow(result sql.Result, op, jobID string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if rows == 0 {
		return domain.WrapError(domain.ErrClaimLost, op, fmt.Errorf("id=%s", jobID))
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// prefixedScanner reads extra leading columns before the job columns.
type prefixedScanner struct {
	row    rowScanner
	prefix []any
}

func (p prefixedScanner) Scan(dest ...interface{}) error {
	return p.row.Scan(append(append([]any{}, p.prefix...), dest...)...)
}

func scanJob(row rowScanner) (domain.Job, error) {
	var job domain.Job
	var status, errorClass string
	var analysisRaw []byte
	err := row.Scan(
		&job.ID,
		&job.UserID,
		&job.UserEmail,
		&job.DocumentID,
		&job.BuildingID,
		&job.StorageKey,
		&job.Filename,
		&job.FileSize,
		&job.MimeType,
		&status,
		&job.Priority,
		&job.RetryCount,
		&job.MaxRetries,
		&job.ErrorMessage,
		&errorClass,
		&job.OCRSource,
		&job.ExtractedText,
		&analysisRaw,
		&job.NotificationSent,
		&job.NotificationSentAt,
		&job.NextAttemptAt,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.ProcessingStartedAt,
		&job.AttemptStartedAt,
		&job.ProcessingCompletedAt,
	)
	if err != nil {
		return domain.Job{}, err
	}
	job.Status = domain.JobStatus(status)
	job.ErrorClass = domain.FailureClass(errorClass)
	if len(analysisRaw) > 0 {
		var analysis domain.LeaseAnalysis
		if err := json.Unmarshal(analysisRaw, &analysis); err != nil {
			return domain.Job{}, fmt.Errorf("unmarshal analysis: %w", err)
		}
		job.Analysis = &analysis
	}
	return job, nil
}

package postgres

import (
	"context"
	"database/sql/driver"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/blociq/lease-pipeline/internal/core/domain"
)

var testNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

var testClaim = domain.ClaimRef{JobID: "job-1", AttemptStartedAt: testNow.Add(-time.Minute)}

var jobColumnNames = []string{
	"id", "user_id", "user_email", "document_id", "building_id", "storage_key", "filename", "file_size", "mime_type",
	"status", "priority", "retry_count", "max_retries", "error_message", "error_class", "ocr_source", "extracted_text", "analysis",
	"notification_sent", "notification_sent_at", "next_attempt_at", "created_at", "updated_at",
	"processing_started_at", "attempt_started_at", "processing_completed_at",
}

func newJobRepoWithMock(t *testing.T) (*JobRepository, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	return &JobRepository{db: db}, mock, func() { _ = db.Close() }
}

func jobRowValues(id, status string, analysis []byte) []driver.Value {
	return []driver.Value{
		id, "user-1", "owner@example.com", "doc-1", "", "user-1/key_lease.pdf", "lease.pdf", int64(2048), "application/pdf",
		status, int64(0), int64(0), int64(3), "", "", "", "", analysis,
		false, nil, nil, testNow.Add(-time.Minute), testNow,
		testNow, testNow, nil,
	}
}

func TestClaimNextReturnsNilWhenNothingEligible(t *testing.T) {
	repo, mock, done := newJobRepoWithMock(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectQuery("WITH target AS").
		WithArgs(testNow).
		WillReturnRows(sqlmock.NewRows(append([]string{"previous_status"}, jobColumnNames...)))
	mock.ExpectRollback()

	job, err := repo.ClaimNext(context.Background(), testNow)
	if err != nil {
		t.Fatalf("claim next: %v", err)
	}
	if job != nil {
		t.Fatalf("expected no job, got %+v", job)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestClaimByIDRecordsTransition(t *testing.T) {
	repo, mock, done := newJobRepoWithMock(t)
	defer done()

	rows := sqlmock.NewRows(append([]string{"previous_status"}, jobColumnNames...)).
		AddRow(append([]driver.Value{"retrying"}, jobRowValues("job-1", "processing", nil)...)...)

	mock.ExpectBegin()
	mock.ExpectQuery("WITH target AS").
		WithArgs(testNow, "job-1").
		WillReturnRows(rows)
	mock.ExpectExec("INSERT INTO lease_processing_job_history").
		WithArgs("job-1", "retrying", "processing", "", "", testNow).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	job, err := repo.ClaimByID(context.Background(), "job-1", testNow)
	if err != nil {
		t.Fatalf("claim by id: %v", err)
	}
	if job.Status != domain.JobProcessing || job.MaxRetries != 3 {
		t.Fatalf("unexpected job %+v", job)
	}
	if job.ProcessingStartedAt == nil || job.NotificationSentAt != nil {
		t.Fatalf("unexpected nullable timestamps")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestClaimByIDReportsLostClaim(t *testing.T) {
	repo, mock, done := newJobRepoWithMock(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectQuery("WITH target AS").
		WithArgs(testNow, "job-1").
		WillReturnRows(sqlmock.NewRows(append([]string{"previous_status"}, jobColumnNames...)))
	mock.ExpectRollback()

	_, err := repo.ClaimByID(context.Background(), "job-1", testNow)
	if !domain.IsKind(err, domain.ErrClaimLost) {
		t.Fatalf("expected ErrClaimLost, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCompleteRejectsJobNotProcessing(t *testing.T) {
	repo, mock, done := newJobRepoWithMock(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE lease_processing_jobs").
		WithArgs("job-1", sqlmock.AnyArg(), "text", "pdf_text", testNow, testClaim.AttemptStartedAt).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.Complete(context.Background(), domain.CompletionRecord{
		Claim:         testClaim,
		DocumentID:    "doc-1",
		ExtractedText: "text",
		OCR:           domain.OCRResult{Source: "pdf_text"},
		CompletedAt:   testNow,
	})
	if !domain.IsKind(err, domain.ErrClaimLost) {
		t.Fatalf("expected ErrClaimLost, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCompleteUpdatesDocumentInSameTransaction(t *testing.T) {
	repo, mock, done := newJobRepoWithMock(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE lease_processing_jobs").
		WithArgs("job-1", sqlmock.AnyArg(), "lease text", "openai_vision", testNow, testClaim.AttemptStartedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE lease_documents").
		WithArgs("doc-1", "extracted", "openai_vision", 0.92, 10, testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO lease_processing_job_history").
		WithArgs("job-1", "processing", "completed", "", "", testNow).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := repo.Complete(context.Background(), domain.CompletionRecord{
		Claim:         testClaim,
		DocumentID:    "doc-1",
		ExtractedText: "lease text",
		OCR:           domain.OCRResult{Source: "openai_vision", Confidence: 0.92},
		Analysis:      domain.LeaseAnalysis{Summary: "ok"},
		CompletedAt:   testNow,
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRecordTerminalFailureMarksDocumentFailed(t *testing.T) {
	repo, mock, done := newJobRepoWithMock(t)
	defer done()

	decision := domain.FailureDecision{
		Status:       domain.JobFailed,
		RetryCount:   3,
		ErrorClass:   domain.FailureOCR,
		ErrorMessage: "ocr_failure: timeout",
	}

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE lease_processing_jobs").
		WithArgs("job-1", "failed", 3, "ocr_failure", "ocr_failure: timeout", nil, testNow, testNow, testClaim.AttemptStartedAt).
		WillReturnRows(sqlmock.NewRows([]string{"document_id"}).AddRow("doc-1"))
	mock.ExpectExec("UPDATE lease_documents").
		WithArgs("doc-1", "failed", testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO lease_processing_job_history").
		WithArgs("job-1", "processing", "failed", "ocr_failure: timeout", "ocr_failure", testNow).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := repo.RecordFailure(context.Background(), testClaim, decision, testNow); err != nil {
		t.Fatalf("record failure: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRecordRetryingFailureLeavesDocumentAlone(t *testing.T) {
	repo, mock, done := newJobRepoWithMock(t)
	defer done()

	next := testNow.Add(30 * time.Second)
	decision := domain.FailureDecision{
		Status:        domain.JobRetrying,
		RetryCount:    1,
		ErrorClass:    domain.FailureNetwork,
		ErrorMessage:  "network_failure: reset",
		NextAttemptAt: &next,
	}

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE lease_processing_jobs").
		WithArgs("job-1", "retrying", 1, "network_failure", "network_failure: reset", next, nil, testNow, testClaim.AttemptStartedAt).
		WillReturnRows(sqlmock.NewRows([]string{"document_id"}).AddRow("doc-1"))
	mock.ExpectExec("INSERT INTO lease_processing_job_history").
		WithArgs("job-1", "processing", "retrying", "network_failure: reset", "network_failure", testNow).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := repo.RecordFailure(context.Background(), testClaim, decision, testNow); err != nil {
		t.Fatalf("record failure: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMarkNotifiedIsConditional(t *testing.T) {
	repo, mock, done := newJobRepoWithMock(t)
	defer done()

	mock.ExpectExec("UPDATE lease_processing_jobs").
		WithArgs("job-1", testNow).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.MarkNotified(context.Background(), "job-1", testNow)
	if !domain.IsKind(err, domain.ErrClaimLost) {
		t.Fatalf("expected ErrClaimLost, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetForUserReturnsDomainNotFound(t *testing.T) {
	repo, mock, done := newJobRepoWithMock(t)
	defer done()

	mock.ExpectQuery("SELECT id, user_id, user_email").
		WithArgs("job-1", "intruder").
		WillReturnRows(sqlmock.NewRows(jobColumnNames))

	_, err := repo.GetForUser(context.Background(), "intruder", "job-1")
	if !domain.IsKind(err, domain.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetForUserDecodesAnalysis(t *testing.T) {
	repo, mock, done := newJobRepoWithMock(t)
	defer done()

	analysis := []byte(`{"summary":"Twelve month lease","confidence":0.8,"clauses":[],"keyTerms":{"monthlyRent":"1200 GBP"}}`)
	mock.ExpectQuery("SELECT id, user_id, user_email").
		WithArgs("job-1", "user-1").
		WillReturnRows(sqlmock.NewRows(jobColumnNames).AddRow(jobRowValues("job-1", "completed", analysis)...))

	job, err := repo.GetForUser(context.Background(), "user-1", "job-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Analysis == nil || job.Analysis.KeyTerms.MonthlyRent != "1200 GBP" {
		t.Fatalf("expected decoded analysis, got %+v", job.Analysis)
	}
}

func TestCountQueue(t *testing.T) {
	repo, mock, done := newJobRepoWithMock(t)
	defer done()

	since := testNow.Add(-24 * time.Hour)
	mock.ExpectQuery("SELECT").
		WithArgs(since, testNow).
		WillReturnRows(sqlmock.NewRows([]string{"pending", "processing"}).AddRow(5, 3))

	counts, err := repo.CountQueue(context.Background(), since, testNow)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts.Pending != 5 || counts.Processing != 3 {
		t.Fatalf("unexpected counts %+v", counts)
	}
}

func TestPurgeTerminalBefore(t *testing.T) {
	repo, mock, done := newJobRepoWithMock(t)
	defer done()

	cutoff := testNow.AddDate(0, 0, -30)
	mock.ExpectExec("DELETE FROM lease_processing_jobs").
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := repo.PurgeTerminalBefore(context.Background(), cutoff)
	if err != nil || n != 7 {
		t.Fatalf("expected 7 purged, got %d err=%v", n, err)
	}
}

func TestCountQueuePropagatesDriverError(t *testing.T) {
	repo, mock, done := newJobRepoWithMock(t)
	defer done()

	mock.ExpectQuery("SELECT").WillReturnError(errors.New("connection refused"))

	if _, err := repo.CountQueue(context.Background(), testNow, testNow); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRecordFailureFromSupersededAttemptIsClaimLost(t *testing.T) {
	repo, mock, done := newJobRepoWithMock(t)
	defer done()

	// The row was requeued and claimed again, so its attempt_started_at no
	// longer matches the first processor's claim.
	decision := domain.FailureDecision{Status: domain.JobRetrying, RetryCount: 1, ErrorClass: domain.FailureOCR}
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("AND attempt_started_at = $9")).
		WillReturnRows(sqlmock.NewRows([]string{"document_id"}))
	mock.ExpectRollback()

	err := repo.RecordFailure(context.Background(), testClaim, decision, testNow)
	if !domain.IsKind(err, domain.ErrClaimLost) {
		t.Fatalf("expected ErrClaimLost, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestReleaseClaimKeepsRetryCount(t *testing.T) {
	repo, mock, done := newJobRepoWithMock(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("CASE WHEN retry_count > 0 THEN 'retrying' ELSE 'pending' END")).
		WithArgs("job-1", testClaim.AttemptStartedAt, testNow).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("retrying"))
	mock.ExpectExec("INSERT INTO lease_processing_job_history").
		WithArgs("job-1", "processing", "retrying", "", "released", testNow).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	status, err := repo.ReleaseClaim(context.Background(), testClaim, testNow)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if status != domain.JobRetrying {
		t.Fatalf("expected retrying, got %s", status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestReleaseClaimReportsLostClaim(t *testing.T) {
	repo, mock, done := newJobRepoWithMock(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE lease_processing_jobs").
		WillReturnRows(sqlmock.NewRows([]string{"status"}))
	mock.ExpectRollback()

	if _, err := repo.ReleaseClaim(context.Background(), testClaim, testNow); !domain.IsKind(err, domain.ErrClaimLost) {
		t.Fatalf("expected ErrClaimLost, got %v", err)
	}
}

func TestCreateWritesJobAndHistoryInOneTransaction(t *testing.T) {
	repo, mock, done := newJobRepoWithMock(t)
	defer done()

	job := &domain.Job{
		ID: "job-1", UserID: "user-1", UserEmail: "owner@example.com", DocumentID: "doc-1",
		StorageKey: "user-1/key_lease.pdf", Filename: "lease.pdf", FileSize: 2048, MimeType: domain.MimePDF,
		Status: domain.JobPending, MaxRetries: 3, CreatedAt: testNow, UpdatedAt: testNow,
	}
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO lease_processing_jobs").
		WithArgs("job-1", "user-1", "owner@example.com", "doc-1", "", "user-1/key_lease.pdf", "lease.pdf", int64(2048),
			domain.MimePDF, "pending", 0, 0, 3, testNow, testNow).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO lease_processing_job_history").
		WithArgs("job-1", "", "pending", "", "uploaded", testNow).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := repo.Create(context.Background(), job); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCreateRollsBackWhenHistoryInsertFails(t *testing.T) {
	repo, mock, done := newJobRepoWithMock(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO lease_processing_jobs").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO lease_processing_job_history").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := repo.Create(context.Background(), &domain.Job{ID: "job-1", Status: domain.JobPending, CreatedAt: testNow})
	if err == nil {
		t.Fatalf("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestListPendingNotificationsFiltersTerminalUnsentWithEmail(t *testing.T) {
	repo, mock, done := newJobRepoWithMock(t)
	defer done()

	mock.ExpectQuery(regexp.QuoteMeta("WHERE status IN ('completed','failed') AND notification_sent = FALSE AND user_email <> ''")).
		WithArgs(25).
		WillReturnRows(sqlmock.NewRows(jobColumnNames).
			AddRow(jobRowValues("job-1", "completed", nil)...).
			AddRow(jobRowValues("job-2", "failed", nil)...))

	jobs, err := repo.ListPendingNotifications(context.Background(), 25)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 2 || jobs[0].Status != domain.JobCompleted || jobs[1].Status != domain.JobFailed {
		t.Fatalf("unexpected jobs %+v", jobs)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestListStaleSelectsOldProcessingAttempts(t *testing.T) {
	repo, mock, done := newJobRepoWithMock(t)
	defer done()

	cutoff := testNow.Add(-10 * time.Minute)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE status = 'processing' AND attempt_started_at < $1")).
		WithArgs(cutoff, 50).
		WillReturnRows(sqlmock.NewRows(jobColumnNames).AddRow(jobRowValues("job-1", "processing", nil)...))

	jobs, err := repo.ListStale(context.Background(), cutoff, 50)
	if err != nil {
		t.Fatalf("list stale: %v", err)
	}
	if len(jobs) != 1 || jobs[0].AttemptStartedAt == nil {
		t.Fatalf("expected one stale job with its attempt start, got %+v", jobs)
	}
	if ref := jobs[0].Claim(); !ref.AttemptStartedAt.Equal(testNow) {
		t.Fatalf("stale claim must carry the stored attempt start, got %v", ref.AttemptStartedAt)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

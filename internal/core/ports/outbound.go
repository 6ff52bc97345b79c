package ports

import (
	"context"
	"io"
	"time"

	"github.com/blociq/lease-pipeline/internal/core/domain"
)

// DocumentRepository persists document metadata records.
type DocumentRepository interface {
	Create(ctx context.Context, doc *domain.Document) error
	GetByID(ctx context.Context, id string) (*domain.Document, error)
	Delete(ctx context.Context, id string) error
	AppendAnnotation(ctx context.Context, id string, entry domain.AnnotationEntry) error
	RecordCorrection(ctx context.Context, id string, entry domain.CorrectionEntry) error
}

// JobRepository creates jobs and serves the read side.
type JobRepository interface {
	Create(ctx context.Context, job *domain.Job) error
	GetForUser(ctx context.Context, userID, jobID string) (*domain.Job, error)
	ListHistory(ctx context.Context, jobID string) ([]domain.JobHistoryEntry, error)
	Stats(ctx context.Context, since time.Time) (domain.JobStats, error)
}

// JobClaimer drives the processing side of the state machine. Every write is
// conditional on the claim it ends so concurrent processors cannot both own
// a job. Terminal
// outcomes also update the sibling document record in the same transaction.
type JobClaimer interface {
	ClaimNext(ctx context.Context, now time.Time) (*domain.Job, error)
	ClaimByID(ctx context.Context, jobID string, now time.Time) (*domain.Job, error)
	Complete(ctx context.Context, rec domain.CompletionRecord) error
	RecordFailure(ctx context.Context, claim domain.ClaimRef, decision domain.FailureDecision, at time.Time) error
	// ReleaseClaim returns an abandoned attempt to the queue without
	// consuming a retry.
	ReleaseClaim(ctx context.Context, claim domain.ClaimRef, at time.Time) (domain.JobStatus, error)
	ListStale(ctx context.Context, attemptStartedBefore time.Time, limit int) ([]domain.Job, error)
}

// QueueInspector exposes the aggregate reads and sweeps used by the scheduler.
type QueueInspector interface {
	CountQueue(ctx context.Context, since, now time.Time) (domain.QueueCounts, error)
	PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// NotificationOutbox lists terminal jobs that still owe the user a message.
type NotificationOutbox interface {
	ListPendingNotifications(ctx context.Context, limit int) ([]domain.Job, error)
	MarkNotified(ctx context.Context, jobID string, at time.Time) error
}

// ObjectStorage stores source documents.
type ObjectStorage interface {
	Save(ctx context.Context, key string, data io.Reader) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// OCREngine turns document bytes into raw text.
type OCREngine interface {
	Name() string
	Recognize(ctx context.Context, in domain.OCRInput) (domain.OCRResult, error)
}

// FieldExtractor turns raw lease text into structured fields.
type FieldExtractor interface {
	Extract(ctx context.Context, text string) (domain.LeaseAnalysis, error)
}

// NotificationSender delivers a message to a user.
type NotificationSender interface {
	Send(ctx context.Context, n domain.Notification) error
}

// ProcessDispatcher hands a processing request to a worker. An empty job id
// asks the worker to claim the next eligible job.
type ProcessDispatcher interface {
	DispatchProcess(ctx context.Context, jobID string) error
}

// ProcessSubscriber consumes processing requests until ctx is done.
type ProcessSubscriber interface {
	SubscribeProcessRequests(ctx context.Context, handler func(context.Context, string) error) error
}

// IdentityVerifier resolves a caller token to a user.
type IdentityVerifier interface {
	Verify(ctx context.Context, token string) (domain.Identity, error)
}

// Locker serializes scheduler ticks across replicas.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, error)
	Unlock(ctx context.Context, key, token string) error
}

// WorkbookExporter renders a completed job as a spreadsheet.
type WorkbookExporter interface {
	Workbook(job *domain.Job) ([]byte, error)
}

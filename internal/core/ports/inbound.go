package ports

import (
	"context"
	"time"

	"github.com/blociq/lease-pipeline/internal/core/domain"
)

// Uploader is the inbound contract for accepting lease documents.
type Uploader interface {
	Upload(ctx context.Context, req domain.UploadRequest) (*domain.UploadReceipt, error)
}

// JobProcessor runs OCR and extraction for one claimed job.
type JobProcessor interface {
	ProcessNext(ctx context.Context) (*domain.Job, error)
	ProcessByID(ctx context.Context, jobID string) (*domain.Job, error)
}

// Scheduler is invoked on a fixed cadence.
type Scheduler interface {
	Tick(ctx context.Context) (domain.TickReport, error)
}

// NotificationSweeper sends outstanding completion and failure messages.
type NotificationSweeper interface {
	Sweep(ctx context.Context) (domain.NotifyReport, error)
}

// JobStatusReader is the read model for polling clients and operators.
type JobStatusReader interface {
	Get(ctx context.Context, userID, jobID string, includeHistory bool) (*domain.JobStatusView, error)
	Stats(ctx context.Context, window time.Duration) (domain.JobStats, error)
}

// ResultDownloader renders completed results and takes the owner's
// annotations and corrections on them.
type ResultDownloader interface {
	Download(ctx context.Context, userID, jobID string, format domain.ExportFormat) (*domain.ResultFile, error)
	RecordFeedback(ctx context.Context, userID, jobID string, feedback domain.ResultFeedback) (*domain.FeedbackReceipt, error)
}

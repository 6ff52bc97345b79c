package usecase

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/blociq/lease-pipeline/internal/core/domain"
	"github.com/blociq/lease-pipeline/internal/core/ports"
)

type StatusUseCase struct {
	jobs ports.JobRepository
	now  func() time.Time
}

func NewStatusUseCase(jobs ports.JobRepository) *StatusUseCase {
	return &StatusUseCase{
		jobs: jobs,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Get returns the caller's view of a job. Jobs owned by someone else are
// reported as not found.
func (uc *StatusUseCase) Get(ctx context.Context, userID, jobID string, includeHistory bool) (*domain.JobStatusView, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "get job status", fmt.Errorf("job id is required"))
	}
	job, err := uc.jobs.GetForUser(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}
	if !job.OwnedBy(userID) {
		return nil, domain.WrapError(domain.ErrJobNotFound, "get job status", fmt.Errorf("id=%s", jobID))
	}

	view := projectJob(job)
	if includeHistory {
		history, err := uc.jobs.ListHistory(ctx, job.ID)
		if err != nil {
			return nil, fmt.Errorf("list job history: %w", err)
		}
		view.History = history
	}
	return view, nil
}

func (uc *StatusUseCase) Stats(ctx context.Context, window time.Duration) (domain.JobStats, error) {
	if window <= 0 {
		window = 24 * time.Hour
	}
	stats, err := uc.jobs.Stats(ctx, uc.now().Add(-window))
	if err != nil {
		return domain.JobStats{}, fmt.Errorf("job stats: %w", err)
	}
	return stats, nil
}

func projectJob(job *domain.Job) *domain.JobStatusView {
	view := &domain.JobStatusView{
		JobID:                 job.ID,
		DocumentID:            job.DocumentID,
		Filename:              job.Filename,
		BuildingID:            job.BuildingID,
		Status:                job.Status,
		Priority:              job.Priority,
		RetryCount:            job.RetryCount,
		MaxRetries:            job.MaxRetries,
		CreatedAt:             job.CreatedAt,
		ProcessingStartedAt:   job.ProcessingStartedAt,
		ProcessingCompletedAt: job.ProcessingCompletedAt,
		NotificationSent:      job.NotificationSent,
	}
	if job.Status == domain.JobRetrying {
		view.NextAttemptAt = job.NextAttemptAt
		view.ErrorMessage = job.ErrorMessage
	}
	if !job.Status.IsTerminal() {
		return view
	}

	view.ProcessingDurationSec = job.ProcessingDuration().Seconds()
	switch job.Status {
	case domain.JobCompleted:
		summary := &domain.ResultSummary{OCRSource: job.OCRSource}
		if job.Analysis != nil {
			summary.Summary = job.Analysis.Summary
			summary.Confidence = job.Analysis.Confidence
			summary.ClauseCount = len(job.Analysis.Clauses)
			summary.KeyTerms = job.Analysis.KeyTerms
		}
		view.Result = summary
	case domain.JobFailed:
		view.ErrorMessage = job.ErrorMessage
	}
	return view
}

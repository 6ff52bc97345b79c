package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/blociq/lease-pipeline/internal/core/domain"
	"github.com/blociq/lease-pipeline/internal/core/ports"
)

type ProcessPolicy struct {
	RetryDelay time.Duration
}

type ProcessUseCase struct {
	claimer   ports.JobClaimer
	storage   ports.ObjectStorage
	ocr       ports.OCREngine
	extractor ports.FieldExtractor
	policy    ProcessPolicy
	log       *zerolog.Logger

	now func() time.Time
}

func NewProcessUseCase(
	claimer ports.JobClaimer,
	storage ports.ObjectStorage,
	ocr ports.OCREngine,
	extractor ports.FieldExtractor,
	policy ProcessPolicy,
	logger *zerolog.Logger,
) *ProcessUseCase {
	return &ProcessUseCase{
		claimer:   claimer,
		storage:   storage,
		ocr:       ocr,
		extractor: extractor,
		policy:    policy,
		log:       componentLogger(logger, "processor"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// ProcessNext claims the highest-priority eligible job and processes it.
// It returns a nil job when nothing is eligible.
func (uc *ProcessUseCase) ProcessNext(ctx context.Context) (*domain.Job, error) {
	job, err := uc.claimer.ClaimNext(ctx, uc.now())
	if err != nil {
		return nil, fmt.Errorf("claim next job: %w", err)
	}
	if job == nil {
		uc.log.Debug().Msg("no_eligible_job")
		return nil, nil
	}
	return uc.process(ctx, job)
}

// ProcessByID claims the given job. Losing the claim race is not an error:
// the job is skipped and a nil job is returned.
func (uc *ProcessUseCase) ProcessByID(ctx context.Context, jobID string) (*domain.Job, error) {
	job, err := uc.claimer.ClaimByID(ctx, jobID, uc.now())
	if err != nil {
		if domain.IsKind(err, domain.ErrClaimLost) {
			uc.log.Info().Str("job_id", jobID).Msg("claim_lost")
			return nil, nil
		}
		return nil, fmt.Errorf("claim job %s: %w", jobID, err)
	}
	return uc.process(ctx, job)
}

func (uc *ProcessUseCase) process(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	uc.log.Info().
		Str("job_id", job.ID).
		Int("attempt", job.RetryCount+1).
		Int("max_retries", job.MaxRetries).
		Msg("job_claimed")

	ocrResult, analysis, err := uc.pipeline(ctx, job)
	if err != nil {
		return uc.fail(ctx, job, err)
	}

	completedAt := uc.now()
	rec := domain.CompletionRecord{
		Claim:         job.Claim(),
		DocumentID:    job.DocumentID,
		Analysis:      analysis,
		ExtractedText: ocrResult.Text,
		OCR:           ocrResult,
		CompletedAt:   completedAt,
	}
	completeCtx, cancel := detached(ctx)
	defer cancel()
	if err := uc.claimer.Complete(completeCtx, rec); err != nil {
		if domain.IsKind(err, domain.ErrClaimLost) {
			uc.superseded(job, "complete")
			return nil, nil
		}
		return nil, fmt.Errorf("complete job %s: %w", job.ID, err)
	}

	job.Status = domain.JobCompleted
	job.Analysis = &analysis
	job.ExtractedText = ocrResult.Text
	job.OCRSource = ocrResult.Source
	job.ErrorMessage = ""
	job.ProcessingCompletedAt = &completedAt
	job.UpdatedAt = completedAt

	uc.log.Info().
		Str("job_id", job.ID).
		Str("ocr_source", ocrResult.Source).
		Int("chars", len(ocrResult.Text)).
		Float64("confidence", analysis.Confidence).
		Msg("job_completed")
	return job, nil
}

func (uc *ProcessUseCase) pipeline(ctx context.Context, job *domain.Job) (domain.OCRResult, domain.LeaseAnalysis, error) {
	data, err := uc.loadDocument(ctx, job)
	if err != nil {
		return domain.OCRResult{}, domain.LeaseAnalysis{}, err
	}

	ocrResult, err := uc.recognize(ctx, job, data)
	if err != nil {
		return domain.OCRResult{}, domain.LeaseAnalysis{}, err
	}

	analysis, err := uc.extract(ctx, ocrResult.Text)
	if err != nil {
		return domain.OCRResult{}, domain.LeaseAnalysis{}, err
	}
	return ocrResult, analysis, nil
}

func (uc *ProcessUseCase) loadDocument(ctx context.Context, job *domain.Job) ([]byte, error) {
	rc, err := uc.storage.Open(ctx, job.StorageKey)
	if err != nil {
		return nil, domain.NewTransientError(domain.FailureNetwork, fmt.Errorf("open document: %w", err))
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, domain.NewTransientError(domain.FailureNetwork, fmt.Errorf("read document: %w", err))
	}
	if len(data) == 0 {
		return nil, domain.NewPermanentError(domain.FailureCorruptFile, errors.New("stored document is empty"))
	}
	return data, nil
}

func (uc *ProcessUseCase) recognize(ctx context.Context, job *domain.Job, data []byte) (domain.OCRResult, error) {
	result, err := uc.ocr.Recognize(ctx, domain.OCRInput{
		Filename: job.Filename,
		MimeType: job.MimeType,
		Data:     data,
	})
	if err != nil {
		var perr *domain.ProcessingError
		switch {
		case errors.As(err, &perr):
			return domain.OCRResult{}, err
		case domain.IsKind(err, domain.ErrUnreadableDocument):
			return domain.OCRResult{}, domain.NewPermanentError(domain.FailureCorruptFile, err)
		default:
			return domain.OCRResult{}, domain.NewTransientError(domain.FailureOCR, err)
		}
	}
	result.Text = strings.TrimSpace(result.Text)
	if result.Text == "" {
		return domain.OCRResult{}, domain.NewPermanentError(domain.FailureUnsupportedContent, errors.New("no text detected in document"))
	}
	return result, nil
}

func (uc *ProcessUseCase) extract(ctx context.Context, text string) (domain.LeaseAnalysis, error) {
	analysis, err := uc.extractor.Extract(ctx, text)
	if err != nil {
		return domain.LeaseAnalysis{}, domain.NewTransientError(domain.FailureExtraction, err)
	}
	analysis.Normalize()
	return analysis, nil
}

func (uc *ProcessUseCase) fail(ctx context.Context, job *domain.Job, procErr error) (*domain.Job, error) {
	now := uc.now()
	recordCtx, cancel := detached(ctx)
	defer cancel()

	// A shutdown says nothing about the document; hand the job back intact.
	if errors.Is(ctx.Err(), context.Canceled) && errors.Is(procErr, context.Canceled) {
		return uc.release(recordCtx, job, now)
	}

	decision := domain.DecideFailure(job, procErr, now, uc.policy.RetryDelay)
	if err := uc.claimer.RecordFailure(recordCtx, job.Claim(), decision, now); err != nil {
		if domain.IsKind(err, domain.ErrClaimLost) {
			uc.superseded(job, "record_failure")
			return nil, nil
		}
		return nil, fmt.Errorf("%w; record failure: %v", procErr, err)
	}

	job.Status = decision.Status
	job.RetryCount = decision.RetryCount
	job.ErrorClass = decision.ErrorClass
	job.ErrorMessage = decision.ErrorMessage
	job.NextAttemptAt = decision.NextAttemptAt
	job.UpdatedAt = now
	if decision.Terminal() {
		job.ProcessingCompletedAt = &now
	}

	uc.log.Warn().
		Str("job_id", job.ID).
		Str("status", string(decision.Status)).
		Str("error_class", string(decision.ErrorClass)).
		Int("retry_count", decision.RetryCount).
		Err(procErr).
		Msg("job_attempt_failed")
	return job, procErr
}

func (uc *ProcessUseCase) release(ctx context.Context, job *domain.Job, now time.Time) (*domain.Job, error) {
	status, err := uc.claimer.ReleaseClaim(ctx, job.Claim(), now)
	if err != nil {
		if domain.IsKind(err, domain.ErrClaimLost) {
			uc.superseded(job, "release")
			return nil, nil
		}
		return nil, fmt.Errorf("release job %s: %w", job.ID, err)
	}
	job.Status = status
	job.AttemptStartedAt = nil
	job.UpdatedAt = now
	uc.log.Info().
		Str("job_id", job.ID).
		Str("status", string(status)).
		Int("retry_count", job.RetryCount).
		Msg("job_released_on_shutdown")
	return job, context.Canceled
}

// superseded logs an attempt whose claim was taken over by the stale sweep.
// The newer attempt owns the job, so the result is dropped.
func (uc *ProcessUseCase) superseded(job *domain.Job, write string) {
	uc.log.Warn().
		Str("job_id", job.ID).
		Str("write", write).
		Msg("claim_superseded")
}

// detached keeps request values but survives cancellation so the final state
// write is not lost when the worker is shutting down.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), domain.FinalWriteTimeout)
}

package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/blociq/lease-pipeline/internal/core/domain"
	"github.com/blociq/lease-pipeline/internal/core/ports"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type ResultsUseCase struct {
	jobs     ports.JobRepository
	docs     ports.DocumentRepository
	exporter ports.WorkbookExporter

	now func() time.Time
}

func NewResultsUseCase(jobs ports.JobRepository, docs ports.DocumentRepository, exporter ports.WorkbookExporter) *ResultsUseCase {
	return &ResultsUseCase{
		jobs:     jobs,
		docs:     docs,
		exporter: exporter,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

type fullExport struct {
	JobID                 string                `json:"job_id"`
	DocumentID            string                `json:"document_id"`
	Filename              string                `json:"filename"`
	OCRSource             string                `json:"ocr_source"`
	ProcessingCompletedAt *time.Time            `json:"processing_completed_at,omitempty"`
	ProcessingDurationSec float64               `json:"processing_duration_seconds"`
	Analysis              *domain.LeaseAnalysis `json:"analysis"`
	ExtractedText         string                `json:"extracted_text,omitempty"`
}

// completedJob loads a job the user owns and that has finished successfully.
func (uc *ResultsUseCase) completedJob(ctx context.Context, op, userID, jobID string) (*domain.Job, error) {
	job, err := uc.jobs.GetForUser(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}
	if !job.OwnedBy(userID) {
		return nil, domain.WrapError(domain.ErrJobNotFound, op, fmt.Errorf("id=%s", jobID))
	}
	if job.Status != domain.JobCompleted {
		return nil, domain.WrapError(domain.ErrJobNotReady, op, fmt.Errorf("job status is %s", job.Status))
	}
	return job, nil
}

func (uc *ResultsUseCase) Download(ctx context.Context, userID, jobID string, format domain.ExportFormat) (*domain.ResultFile, error) {
	job, err := uc.completedJob(ctx, "download results", userID, jobID)
	if err != nil {
		return nil, err
	}

	base := strings.TrimSuffix(job.Filename, filepath.Ext(job.Filename))
	if base == "" {
		base = job.ID
	}

	export := fullExport{
		JobID:                 job.ID,
		DocumentID:            job.DocumentID,
		Filename:              job.Filename,
		OCRSource:             job.OCRSource,
		ProcessingCompletedAt: job.ProcessingCompletedAt,
		ProcessingDurationSec: job.ProcessingDuration().Seconds(),
		Analysis:              job.Analysis,
	}

	switch format {
	case domain.FormatText:
		return &domain.ResultFile{
			Filename:    base + "_extracted.txt",
			ContentType: "text/plain; charset=utf-8",
			Body:        []byte(job.ExtractedText),
		}, nil
	case domain.FormatAnalysis:
		return jsonFile(base+"_analysis.json", job.Analysis)
	case domain.FormatFull:
		export.ExtractedText = job.ExtractedText
		return jsonFile(base+"_full.json", export)
	case domain.FormatXLSX:
		if uc.exporter == nil {
			return nil, domain.WrapError(domain.ErrInvalidInput, "download results", fmt.Errorf("xlsx export is not enabled"))
		}
		body, err := uc.exporter.Workbook(job)
		if err != nil {
			return nil, fmt.Errorf("render workbook: %w", err)
		}
		return &domain.ResultFile{Filename: base + "_analysis.xlsx", ContentType: xlsxContentType, Body: body}, nil
	case domain.FormatJSON:
		return jsonFile(base+".json", export)
	default:
		return nil, domain.WrapError(domain.ErrInvalidInput, "download results", fmt.Errorf("unsupported format %q", format))
	}
}

// RecordFeedback stores an owner's annotation or correction against the
// job's document.
func (uc *ResultsUseCase) RecordFeedback(ctx context.Context, userID, jobID string, feedback domain.ResultFeedback) (*domain.FeedbackReceipt, error) {
	if err := feedback.Validate(); err != nil {
		return nil, err
	}
	if uc.docs == nil {
		return nil, fmt.Errorf("record feedback: document repository is not configured")
	}
	job, err := uc.completedJob(ctx, "record feedback", userID, jobID)
	if err != nil {
		return nil, err
	}

	now := uc.now()
	switch feedback.Action {
	case domain.FeedbackAnnotate:
		err = uc.docs.AppendAnnotation(ctx, job.DocumentID, domain.AnnotationEntry{
			Annotation: strings.TrimSpace(feedback.Annotation),
			CreatedAt:  now,
			CreatedBy:  userID,
		})
	case domain.FeedbackCorrect:
		corrections := feedback.Corrections
		if corrections == nil {
			corrections = map[string]any{}
		}
		err = uc.docs.RecordCorrection(ctx, job.DocumentID, domain.CorrectionEntry{
			Corrections:      corrections,
			CorrectedClauses: feedback.CorrectedClauses,
			CorrectedAt:      now,
			CorrectedBy:      userID,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("record %s for job %s: %w", feedback.Action, job.ID, err)
	}
	return &domain.FeedbackReceipt{
		JobID:      job.ID,
		DocumentID: job.DocumentID,
		Action:     feedback.Action,
		RecordedAt: now,
	}, nil
}

func jsonFile(name string, payload any) (*domain.ResultFile, error) {
	body, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", name, err)
	}
	return &domain.ResultFile{Filename: name, ContentType: "application/json", Body: body}, nil
}

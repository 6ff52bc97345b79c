package httpadapter

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/blociq/lease-pipeline/internal/core/domain"
	"github.com/blociq/lease-pipeline/internal/observability/logging"
)

// multipartOverhead covers boundaries and the small form fields sent next
// to the file.
const multipartOverhead = 1 << 20

func (rt *Router) uploadLease(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logging.With(ctx, rt.log)
	id, _ := identityFromContext(ctx)

	if rt.opts.MaxUploadBytes > 0 {
		if r.ContentLength > rt.opts.MaxUploadBytes+multipartOverhead {
			rt.rejectUpload(w, rt.tooLarge())
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, rt.opts.MaxUploadBytes+multipartOverhead)
	}
	if err := r.ParseMultipartForm(rt.opts.MultipartMemBytes); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			rt.rejectUpload(w, rt.tooLarge())
			return
		}
		rt.rejectUpload(w, domain.NewValidationError(domain.ConstraintMissingField, "multipart form with a 'file' field is required"))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		rt.rejectUpload(w, domain.NewValidationError(domain.ConstraintMissingField, "multipart field 'file' is required"))
		return
	}
	defer file.Close()

	if rt.opts.MaxUploadBytes > 0 && header.Size > rt.opts.MaxUploadBytes {
		rt.rejectUpload(w, rt.tooLarge())
		return
	}

	priority := 0
	if raw := strings.TrimSpace(r.FormValue("priority")); raw != "" {
		priority, err = strconv.Atoi(raw)
		if err != nil {
			rt.rejectUpload(w, domain.NewValidationError(domain.ConstraintInvalidPriority, "priority must be an integer"))
			return
		}
	}

	receipt, err := rt.uploader.Upload(ctx, domain.UploadRequest{
		UserID:     id.UserID,
		UserEmail:  id.Email,
		Filename:   header.Filename,
		MimeType:   header.Header.Get("Content-Type"),
		Size:       header.Size,
		BuildingID: r.FormValue("building_id"),
		Priority:   priority,
		Body:       file,
	})
	if err != nil {
		if mapErrorToHTTPStatus(err) >= http.StatusInternalServerError {
			log.Error().Err(err).Str("filename", header.Filename).Msg("upload_failed")
			rt.recordUpload("failed", 0)
			writeError(w, err)
			return
		}
		rt.rejectUpload(w, err)
		return
	}

	rt.recordUpload("accepted", header.Size)
	log.Info().
		Str("job_id", receipt.JobID).
		Str("document_id", receipt.DocumentID).
		Int64("size_bytes", header.Size).
		Msg("lease_uploaded")

	w.Header().Set("Location", receipt.StatusURL)
	writeJSON(w, http.StatusAccepted, receipt)
}

func (rt *Router) tooLarge() error {
	return domain.NewValidationError(domain.ConstraintTooLarge, "file exceeds maximum size of %d MB", rt.opts.MaxUploadBytes>>20)
}

func (rt *Router) rejectUpload(w http.ResponseWriter, err error) {
	rt.recordUpload("rejected", 0)
	rt.recordRejected(errorCode(err))
	writeError(w, err)
}

func (rt *Router) recordUpload(outcome string, size int64) {
	if rt.metrics != nil {
		rt.metrics.RecordUpload(outcome, size)
	}
}

func (rt *Router) getJob(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFromContext(r.Context())
	includeHistory, _ := strconv.ParseBool(r.URL.Query().Get("include_history"))

	view, err := rt.status.Get(r.Context(), id.UserID, chi.URLParam(r, "jobID"), includeHistory)
	if err != nil {
		rt.logFailure(r, err, "job_status_failed")
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (rt *Router) downloadResult(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFromContext(r.Context())
	format, ok := domain.ParseExportFormat(r.URL.Query().Get("format"))
	if !ok {
		writeError(w, domain.WrapError(domain.ErrInvalidInput, "download", errors.New("format must be one of text, analysis, json, full, xlsx")))
		return
	}

	file, err := rt.results.Download(r.Context(), id.UserID, chi.URLParam(r, "jobID"), format)
	if err != nil {
		rt.logFailure(r, err, "download_failed")
		writeError(w, err)
		return
	}
	if rt.metrics != nil {
		rt.metrics.RecordDownload(string(format))
	}

	w.Header().Set("Content-Type", file.ContentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": file.Filename}))
	w.Header().Set("Content-Length", strconv.Itoa(len(file.Body)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(file.Body)
}

const maxFeedbackBytes = 64 << 10

type feedbackRequest struct {
	Action string `json:"action"`
	Data   struct {
		Annotation       string               `json:"annotation"`
		Corrections      map[string]any       `json:"corrections"`
		CorrectedClauses []domain.LeaseClause `json:"corrected_clauses"`
	} `json:"data"`
}

func (rt *Router) recordFeedback(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFromContext(r.Context())

	var req feedbackRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxFeedbackBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		var maxBytesErr *http.MaxBytesError
		if !errors.As(err, &maxBytesErr) {
			err = domain.WrapError(domain.ErrInvalidInput, "record feedback", fmt.Errorf("decode body: %w", err))
		}
		writeError(w, err)
		return
	}

	receipt, err := rt.results.RecordFeedback(r.Context(), id.UserID, chi.URLParam(r, "jobID"), domain.ResultFeedback{
		Action:           domain.FeedbackAction(req.Action),
		Annotation:       req.Data.Annotation,
		Corrections:      req.Data.Corrections,
		CorrectedClauses: req.Data.CorrectedClauses,
	})
	if err != nil {
		rt.logFailure(r, err, "record_feedback_failed")
		writeError(w, err)
		return
	}
	logging.With(r.Context(), rt.log).Info().
		Str("job_id", receipt.JobID).
		Str("action", string(receipt.Action)).
		Msg("result_feedback_recorded")
	writeJSON(w, http.StatusOK, receipt)
}

func (rt *Router) schedulerTick(w http.ResponseWriter, r *http.Request) {
	report, err := rt.scheduler.Tick(r.Context())
	if rt.metrics != nil {
		rt.metrics.ObserveTick(report, err)
	}
	if err != nil {
		rt.logFailure(r, err, "scheduler_tick_failed")
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (rt *Router) schedulerStats(w http.ResponseWriter, r *http.Request) {
	window := rt.opts.StatsWindow
	if raw := r.URL.Query().Get("window"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			writeError(w, domain.WrapError(domain.ErrInvalidInput, "stats", errors.New("window must be a positive duration such as 24h")))
			return
		}
		window = parsed
	}

	stats, err := rt.status.Stats(r.Context(), window)
	if err != nil {
		rt.logFailure(r, err, "scheduler_stats_failed")
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (rt *Router) logFailure(r *http.Request, err error, msg string) {
	if mapErrorToHTTPStatus(err) < http.StatusInternalServerError {
		return
	}
	logging.With(r.Context(), rt.log).Error().Err(err).Str("path", r.URL.Path).Msg(msg)
}

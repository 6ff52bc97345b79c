package httpadapter

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/blociq/lease-pipeline/internal/core/domain"
)

const testToken = "good-token"

type identityFake struct{}

func (identityFake) Verify(_ context.Context, token string) (domain.Identity, error) {
	if token != testToken {
		return domain.Identity{}, domain.WrapError(domain.ErrUnauthorized, "verify", errors.New("bad token"))
	}
	return domain.Identity{UserID: "user-1", Email: "pm@example.com"}, nil
}

type uploaderFake struct {
	err  error
	got  domain.UploadRequest
	body []byte
}

func (f *uploaderFake) Upload(_ context.Context, req domain.UploadRequest) (*domain.UploadReceipt, error) {
	f.got = req
	f.body, _ = io.ReadAll(req.Body)
	if f.err != nil {
		return nil, f.err
	}
	return &domain.UploadReceipt{
		JobID:                   "job-1",
		DocumentID:              "doc-1",
		Status:                  domain.JobPending,
		EstimatedProcessingTime: "2-5 minutes",
		StatusURL:               "/v1/lease-jobs/job-1",
	}, nil
}

type statusFake struct {
	err            error
	userID         string
	includeHistory bool
	window         time.Duration
}

func (f *statusFake) Get(_ context.Context, userID, jobID string, includeHistory bool) (*domain.JobStatusView, error) {
	f.userID = userID
	f.includeHistory = includeHistory
	if f.err != nil {
		return nil, f.err
	}
	return &domain.JobStatusView{JobID: jobID, Status: domain.JobProcessing}, nil
}

func (f *statusFake) Stats(_ context.Context, window time.Duration) (domain.JobStats, error) {
	f.window = window
	return domain.JobStats{ByStatus: map[domain.JobStatus]int{domain.JobPending: 2}}, nil
}

type resultsFake struct {
	err      error
	format   domain.ExportFormat
	feedback domain.ResultFeedback
	userID   string
}

func (f *resultsFake) Download(_ context.Context, _, _ string, format domain.ExportFormat) (*domain.ResultFile, error) {
	f.format = format
	if f.err != nil {
		return nil, f.err
	}
	return &domain.ResultFile{Filename: "lease-job-1.txt", ContentType: "text/plain; charset=utf-8", Body: []byte("lease text")}, nil
}

func (f *resultsFake) RecordFeedback(_ context.Context, userID, jobID string, feedback domain.ResultFeedback) (*domain.FeedbackReceipt, error) {
	f.userID = userID
	f.feedback = feedback
	if f.err != nil {
		return nil, f.err
	}
	if err := feedback.Validate(); err != nil {
		return nil, err
	}
	return &domain.FeedbackReceipt{JobID: jobID, DocumentID: "doc-1", Action: feedback.Action}, nil
}

type schedulerFake struct {
	calls int
}

func (f *schedulerFake) Tick(context.Context) (domain.TickReport, error) {
	f.calls++
	return domain.TickReport{AvailableSlots: 2, Launched: 1}, nil
}

type testDeps struct {
	uploader  *uploaderFake
	status    *statusFake
	results   *resultsFake
	scheduler *schedulerFake
}

func newTestDeps() *testDeps {
	return &testDeps{
		uploader:  &uploaderFake{},
		status:    &statusFake{},
		results:   &resultsFake{},
		scheduler: &schedulerFake{},
	}
}

func (d *testDeps) handler(opts Options) http.Handler {
	return NewRouter(d.uploader, d.status, d.results, d.scheduler, identityFake{}, nil, opts, nil).Handler()
}

func newTestHandler(opts Options) http.Handler {
	return newTestDeps().handler(opts)
}

func authorize(req *http.Request) *http.Request {
	req.Header.Set("Authorization", "Bearer "+testToken)
	return req
}

package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/blociq/lease-pipeline/internal/core/domain"
)

// jobStoreFake mimics the conditional writes of the postgres repository.
type jobStoreFake struct {
	mu        sync.Mutex
	jobs      map[string]*domain.Job
	docs      map[string]*domain.Document
	history   []domain.JobHistoryEntry
	createErr error
	countErr  error
	purgeErr  error
	staleJobs []domain.Job
	purged    int64
	completes int
	released  int

	// beforeWrite runs before an attempt-ending write, outside the lock,
	// so tests can interleave other processors or sweeps.
	beforeWrite func()
}

func newJobStoreFake() *jobStoreFake {
	return &jobStoreFake{
		jobs: make(map[string]*domain.Job),
		docs: make(map[string]*domain.Document),
	}
}

func (f *jobStoreFake) put(job domain.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	copyJob := job
	f.jobs[job.ID] = &copyJob
}

func (f *jobStoreFake) get(id string) domain.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.jobs[id]
}

func (f *jobStoreFake) Create(_ context.Context, job *domain.Job) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.put(*job)
	return nil
}

func (f *jobStoreFake) GetForUser(_ context.Context, userID, jobID string) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok || job.UserID != userID {
		return nil, domain.WrapError(domain.ErrJobNotFound, "get job", fmt.Errorf("id=%s", jobID))
	}
	copyJob := *job
	return &copyJob, nil
}

func (f *jobStoreFake) ListHistory(_ context.Context, jobID string) ([]domain.JobHistoryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.JobHistoryEntry, 0)
	for _, h := range f.history {
		if h.JobID == jobID {
			out = append(out, h)
		}
	}
	return out, nil
}

func (f *jobStoreFake) Stats(context.Context, time.Time) (domain.JobStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := domain.JobStats{ByStatus: make(map[domain.JobStatus]int)}
	for _, j := range f.jobs {
		stats.ByStatus[j.Status]++
	}
	return stats, nil
}

func (f *jobStoreFake) claim(job *domain.Job, now time.Time) *domain.Job {
	prev := job.Status
	job.Status = domain.JobProcessing
	if job.ProcessingStartedAt == nil {
		started := now
		job.ProcessingStartedAt = &started
	}
	attempt := now
	job.AttemptStartedAt = &attempt
	job.NextAttemptAt = nil
	f.history = append(f.history, domain.JobHistoryEntry{JobID: job.ID, PreviousStatus: prev, NewStatus: domain.JobProcessing, CreatedAt: now})
	copyJob := *job
	return &copyJob
}

func (f *jobStoreFake) ClaimNext(_ context.Context, now time.Time) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	candidates := make([]*domain.Job, 0)
	for _, j := range f.jobs {
		if j.Claimable(now) {
			candidates = append(candidates, j)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(a, b int) bool {
		if candidates[a].Priority != candidates[b].Priority {
			return candidates[a].Priority > candidates[b].Priority
		}
		return candidates[a].CreatedAt.Before(candidates[b].CreatedAt)
	})
	return f.claim(candidates[0], now), nil
}

func (f *jobStoreFake) ClaimByID(_ context.Context, jobID string, now time.Time) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok || !job.Claimable(now) {
		return nil, domain.WrapError(domain.ErrClaimLost, "claim job", fmt.Errorf("id=%s", jobID))
	}
	return f.claim(job, now), nil
}

// holds reports whether claim is still the live attempt on its job.
func (f *jobStoreFake) holds(claim domain.ClaimRef) (*domain.Job, bool) {
	job, ok := f.jobs[claim.JobID]
	if !ok || job.Status != domain.JobProcessing || job.AttemptStartedAt == nil {
		return nil, false
	}
	return job, job.AttemptStartedAt.Equal(claim.AttemptStartedAt)
}

func (f *jobStoreFake) runBeforeWrite() {
	if hook := f.beforeWrite; hook != nil {
		f.beforeWrite = nil
		hook()
	}
}

func (f *jobStoreFake) Complete(_ context.Context, rec domain.CompletionRecord) error {
	f.runBeforeWrite()
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.holds(rec.Claim)
	if !ok {
		return domain.WrapError(domain.ErrClaimLost, "complete job", fmt.Errorf("id=%s", rec.Claim.JobID))
	}
	analysis := rec.Analysis
	completed := rec.CompletedAt
	job.Status = domain.JobCompleted
	job.Analysis = &analysis
	job.ExtractedText = rec.ExtractedText
	job.OCRSource = rec.OCR.Source
	job.ProcessingCompletedAt = &completed
	f.completes++
	f.history = append(f.history, domain.JobHistoryEntry{JobID: job.ID, PreviousStatus: domain.JobProcessing, NewStatus: domain.JobCompleted, CreatedAt: completed})
	return nil
}

func (f *jobStoreFake) RecordFailure(_ context.Context, claim domain.ClaimRef, d domain.FailureDecision, at time.Time) error {
	f.runBeforeWrite()
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.holds(claim)
	if !ok {
		return domain.WrapError(domain.ErrClaimLost, "record failure", fmt.Errorf("id=%s", claim.JobID))
	}
	job.Status = d.Status
	job.RetryCount = d.RetryCount
	job.ErrorClass = d.ErrorClass
	job.ErrorMessage = d.ErrorMessage
	job.NextAttemptAt = d.NextAttemptAt
	if d.Terminal() {
		completed := at
		job.ProcessingCompletedAt = &completed
		if doc, ok := f.docs[job.DocumentID]; ok {
			doc.ExtractionStatus = domain.ExtractionFailed
		}
	}
	f.history = append(f.history, domain.JobHistoryEntry{JobID: claim.JobID, PreviousStatus: domain.JobProcessing, NewStatus: d.Status, ErrorMessage: d.ErrorMessage, CreatedAt: at})
	return nil
}

func (f *jobStoreFake) ReleaseClaim(_ context.Context, claim domain.ClaimRef, at time.Time) (domain.JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.holds(claim)
	if !ok {
		return "", domain.WrapError(domain.ErrClaimLost, "release claim", fmt.Errorf("id=%s", claim.JobID))
	}
	job.Status = job.ReleasedStatus()
	job.AttemptStartedAt = nil
	job.NextAttemptAt = nil
	f.released++
	f.history = append(f.history, domain.JobHistoryEntry{JobID: claim.JobID, PreviousStatus: domain.JobProcessing, NewStatus: job.Status, Note: "released", CreatedAt: at})
	return job.Status, nil
}

// ListStale returns the seeded staleJobs when set, otherwise every
// processing job whose attempt began before the cutoff.
func (f *jobStoreFake) ListStale(_ context.Context, before time.Time, _ int) ([]domain.Job, error) {
	if f.staleJobs != nil {
		return f.staleJobs, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Job, 0)
	for _, j := range f.jobs {
		if j.Status == domain.JobProcessing && j.AttemptStartedAt != nil && j.AttemptStartedAt.Before(before) {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (f *jobStoreFake) CountQueue(_ context.Context, _ time.Time, now time.Time) (domain.QueueCounts, error) {
	if f.countErr != nil {
		return domain.QueueCounts{}, f.countErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var counts domain.QueueCounts
	for _, j := range f.jobs {
		switch j.Status {
		case domain.JobPending, domain.JobRetrying:
			if j.Claimable(now) {
				counts.Pending++
			}
		case domain.JobProcessing:
			counts.Processing++
		}
	}
	return counts, nil
}

func (f *jobStoreFake) PurgeTerminalBefore(context.Context, time.Time) (int64, error) {
	return f.purged, f.purgeErr
}

func (f *jobStoreFake) ListPendingNotifications(_ context.Context, limit int) ([]domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Job, 0)
	for _, j := range f.jobs {
		if j.Status.IsTerminal() && !j.NotificationSent && j.UserEmail != "" && len(out) < limit {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

func (f *jobStoreFake) MarkNotified(_ context.Context, jobID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok || job.NotificationSent || !job.Status.IsTerminal() {
		return domain.WrapError(domain.ErrClaimLost, "mark notified", fmt.Errorf("id=%s", jobID))
	}
	job.NotificationSent = true
	sentAt := at
	job.NotificationSentAt = &sentAt
	return nil
}

type docRepoFake struct {
	mu          sync.Mutex
	docs        map[string]*domain.Document
	createErr   error
	deleted     []string
	annotations map[string][]domain.AnnotationEntry
	corrections map[string]domain.CorrectionEntry
}

func newDocRepoFake() *docRepoFake {
	return &docRepoFake{docs: make(map[string]*domain.Document)}
}

func (f *docRepoFake) Create(_ context.Context, doc *domain.Document) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	copyDoc := *doc
	f.docs[doc.ID] = &copyDoc
	return nil
}

func (f *docRepoFake) GetByID(_ context.Context, id string) (*domain.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrDocumentNotFound, "get document", fmt.Errorf("id=%s", id))
	}
	copyDoc := *doc
	return &copyDoc, nil
}

func (f *docRepoFake) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.docs, id)
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *docRepoFake) AppendAnnotation(_ context.Context, id string, entry domain.AnnotationEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.docs[id]; !ok {
		return domain.WrapError(domain.ErrDocumentNotFound, "append annotation", fmt.Errorf("id=%s", id))
	}
	if f.annotations == nil {
		f.annotations = make(map[string][]domain.AnnotationEntry)
	}
	f.annotations[id] = append(f.annotations[id], entry)
	return nil
}

func (f *docRepoFake) RecordCorrection(_ context.Context, id string, entry domain.CorrectionEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.docs[id]; !ok {
		return domain.WrapError(domain.ErrDocumentNotFound, "record correction", fmt.Errorf("id=%s", id))
	}
	if f.corrections == nil {
		f.corrections = make(map[string]domain.CorrectionEntry)
	}
	f.corrections[id] = entry
	return nil
}

type storageFake struct {
	mu      sync.Mutex
	objects map[string][]byte
	saveErr error
	openErr error
	deleted []string
}

func newStorageFake() *storageFake {
	return &storageFake{objects: make(map[string][]byte)}
}

func (f *storageFake) Save(_ context.Context, key string, data io.Reader) error {
	raw, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	if f.saveErr != nil {
		return f.saveErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = raw
	return nil
}

func (f *storageFake) Open(_ context.Context, key string) (io.ReadCloser, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.objects[key]
	if !ok {
		return nil, errors.New("object not found")
	}
	return io.NopCloser(bytes.NewReader(raw)), nil
}

func (f *storageFake) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	f.deleted = append(f.deleted, key)
	return nil
}

type ocrFake struct {
	mu     sync.Mutex
	result domain.OCRResult
	errs   []error
	calls  int
}

func (f *ocrFake) Name() string { return "fake" }

func (f *ocrFake) Recognize(context.Context, domain.OCRInput) (domain.OCRResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return domain.OCRResult{}, err
		}
	}
	return f.result, nil
}

type extractorFake struct {
	analysis domain.LeaseAnalysis
	err      error
	calls    int
}

func (f *extractorFake) Extract(context.Context, string) (domain.LeaseAnalysis, error) {
	f.calls++
	if f.err != nil {
		return domain.LeaseAnalysis{}, f.err
	}
	return f.analysis, nil
}

type dispatcherFake struct {
	mu       sync.Mutex
	calls    int
	failEach map[int]error
}

func (f *dispatcherFake) DispatchProcess(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err, ok := f.failEach[f.calls]; ok {
		return err
	}
	return nil
}

type senderFake struct {
	sent []domain.Notification
	err  error
}

func (f *senderFake) Send(_ context.Context, n domain.Notification) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, n)
	return nil
}

type lockerFake struct {
	held     bool
	unlocked int
}

func (f *lockerFake) TryLock(context.Context, string, time.Duration) (string, error) {
	if f.held {
		return "", domain.WrapError(domain.ErrLockHeld, "try lock", errors.New("busy"))
	}
	return "token", nil
}

func (f *lockerFake) Unlock(context.Context, string, string) error {
	f.unlocked++
	return nil
}

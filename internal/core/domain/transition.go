package domain

import (
	"fmt"
	"strings"
	"time"
)

var allowedTransitions = map[JobStatus][]JobStatus{
	JobPending:    {JobProcessing},
	JobRetrying:   {JobProcessing},
	// pending is reached only when a shutdown hands the claim back unused.
	JobProcessing: {JobCompleted, JobFailed, JobRetrying, JobPending},
}

// FinalWriteTimeout bounds the write that ends an attempt after the
// processing context is gone. Worker timeouts must leave room for it below
// the stale-attempt threshold.
const FinalWriteTimeout = 15 * time.Second

// ClaimRef names one processing attempt. Writes that end an attempt match
// both fields, so an attempt superseded by the stale sweep cannot overwrite
// the claim that replaced it.
type ClaimRef struct {
	JobID            string
	AttemptStartedAt time.Time
}

func (j *Job) Claim() ClaimRef {
	ref := ClaimRef{JobID: j.ID}
	if j.AttemptStartedAt != nil {
		ref.AttemptStartedAt = *j.AttemptStartedAt
	}
	return ref
}

// ReleasedStatus is where a claim returns to when an attempt is abandoned
// without a verdict: a job that already failed once waits as retrying.
func (j *Job) ReleasedStatus() JobStatus {
	if j.RetryCount > 0 {
		return JobRetrying
	}
	return JobPending
}

func CanTransition(from, to JobStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Claimable reports whether a job may be moved to processing at now.
func (j *Job) Claimable(now time.Time) bool {
	switch j.Status {
	case JobPending:
		return true
	case JobRetrying:
		return j.NextAttemptAt == nil || !j.NextAttemptAt.After(now)
	default:
		return false
	}
}

// FailureDecision is the outcome of one failed processing attempt.
type FailureDecision struct {
	Status        JobStatus
	RetryCount    int
	ErrorClass    FailureClass
	ErrorMessage  string
	NextAttemptAt *time.Time
}

func (d FailureDecision) Terminal() bool {
	return d.Status.IsTerminal()
}

const maxErrorMessageLen = 1000

// DecideFailure applies the retry policy to a claimed job. Transient failures
// consume one retry and leave the job retrying until max_retries is reached.
// Permanent failures exhaust the budget at once.
func DecideFailure(job *Job, procErr error, now time.Time, retryDelay time.Duration) FailureDecision {
	perr := AsProcessingError(procErr)

	maxRetries := job.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	decision := FailureDecision{
		ErrorClass:   perr.Class,
		ErrorMessage: formatFailure(perr),
	}

	if perr.Permanent {
		decision.Status = JobFailed
		decision.RetryCount = maxRetries
		if job.RetryCount > maxRetries {
			decision.RetryCount = job.RetryCount
		}
		return decision
	}

	decision.RetryCount = job.RetryCount + 1
	if decision.RetryCount > maxRetries {
		decision.RetryCount = maxRetries
	}
	if decision.RetryCount < maxRetries {
		next := now.Add(retryDelay)
		decision.Status = JobRetrying
		decision.NextAttemptAt = &next
		return decision
	}
	decision.Status = JobFailed
	return decision
}

func formatFailure(perr *ProcessingError) string {
	detail := ""
	if perr.Err != nil {
		detail = strings.TrimSpace(perr.Err.Error())
	}
	msg := string(perr.Class)
	if detail != "" {
		msg = fmt.Sprintf("%s: %s", perr.Class, detail)
	}
	if len(msg) > maxErrorMessageLen {
		msg = msg[:maxErrorMessageLen]
	}
	return msg
}

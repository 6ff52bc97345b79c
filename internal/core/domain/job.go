package domain

import "time"

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobRetrying   JobStatus = "retrying"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed
}

func (s JobStatus) Valid() bool {
	switch s {
	case JobPending, JobProcessing, JobRetrying, JobCompleted, JobFailed:
		return true
	default:
		return false
	}
}

// Job tracks one document's processing lifecycle.
type Job struct {
	ID         string `json:"id"`
	UserID     string `json:"user_id"`
	UserEmail  string `json:"user_email,omitempty"`
	DocumentID string `json:"document_id"`
	BuildingID string `json:"building_id,omitempty"`

	StorageKey string `json:"storage_key"`
	Filename   string `json:"filename"`
	FileSize   int64  `json:"file_size"`
	MimeType   string `json:"mime_type"`

	Status       JobStatus    `json:"status"`
	Priority     int          `json:"priority"`
	RetryCount   int          `json:"retry_count"`
	MaxRetries   int          `json:"max_retries"`
	ErrorMessage string       `json:"error_message,omitempty"`
	ErrorClass   FailureClass `json:"error_class,omitempty"`

	OCRSource     string         `json:"ocr_source,omitempty"`
	ExtractedText string         `json:"-"`
	Analysis      *LeaseAnalysis `json:"analysis,omitempty"`

	NotificationSent   bool       `json:"notification_sent"`
	NotificationSentAt *time.Time `json:"notification_sent_at,omitempty"`
	NextAttemptAt      *time.Time `json:"next_attempt_at,omitempty"`

	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
	ProcessingStartedAt   *time.Time `json:"processing_started_at,omitempty"`
	AttemptStartedAt      *time.Time `json:"attempt_started_at,omitempty"`
	ProcessingCompletedAt *time.Time `json:"processing_completed_at,omitempty"`
}

// ProcessingDuration is zero until the job reaches a terminal state.
func (j *Job) ProcessingDuration() time.Duration {
	if j == nil || j.ProcessingStartedAt == nil || j.ProcessingCompletedAt == nil {
		return 0
	}
	d := j.ProcessingCompletedAt.Sub(*j.ProcessingStartedAt)
	if d < 0 {
		return 0
	}
	return d
}

func (j *Job) OwnedBy(userID string) bool {
	return j != nil && userID != "" && j.UserID == userID
}

// JobHistoryEntry records one state transition.
type JobHistoryEntry struct {
	JobID          string    `json:"job_id"`
	PreviousStatus JobStatus `json:"previous_status,omitempty"`
	NewStatus      JobStatus `json:"new_status"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	Note           string    `json:"note,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// QueueCounts is the scheduler's view of the job table.
type QueueCounts struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
}

type JobStats struct {
	Since              time.Time         `json:"since"`
	ByStatus           map[JobStatus]int `json:"by_status"`
	AverageDurationSec float64           `json:"average_duration_seconds"`
	PendingNotify      int               `json:"pending_notifications"`
}

// CompletionRecord is written atomically when a job succeeds.
type CompletionRecord struct {
	Claim         ClaimRef
	DocumentID    string
	Analysis      LeaseAnalysis
	ExtractedText string
	OCR           OCRResult
	CompletedAt   time.Time
}

type Identity struct {
	UserID string
	Email  string
}

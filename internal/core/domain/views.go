package domain

import "time"

// JobStatusView is the read-only projection returned to polling clients.
type JobStatusView struct {
	JobID                 string            `json:"job_id"`
	DocumentID            string            `json:"document_id"`
	Filename              string            `json:"filename"`
	BuildingID            string            `json:"building_id,omitempty"`
	Status                JobStatus         `json:"status"`
	Priority              int               `json:"priority"`
	RetryCount            int               `json:"retry_count"`
	MaxRetries            int               `json:"max_retries"`
	CreatedAt             time.Time         `json:"created_at"`
	ProcessingStartedAt   *time.Time        `json:"processing_started_at,omitempty"`
	ProcessingCompletedAt *time.Time        `json:"processing_completed_at,omitempty"`
	NextAttemptAt         *time.Time        `json:"next_attempt_at,omitempty"`
	ProcessingDurationSec float64           `json:"processing_duration_seconds,omitempty"`
	ErrorMessage          string            `json:"error_message,omitempty"`
	Result                *ResultSummary    `json:"result,omitempty"`
	NotificationSent      bool              `json:"notification_sent"`
	History               []JobHistoryEntry `json:"history,omitempty"`
}

type ResultSummary struct {
	Summary     string        `json:"summary"`
	Confidence  float64       `json:"confidence"`
	OCRSource   string        `json:"ocr_source,omitempty"`
	ClauseCount int           `json:"clause_count"`
	KeyTerms    LeaseKeyTerms `json:"key_terms"`
}

// TickReport summarizes one scheduler invocation.
type TickReport struct {
	Skipped        bool        `json:"skipped"`
	Queue          QueueCounts `json:"queue"`
	AvailableSlots int         `json:"available_slots"`
	Launched       int         `json:"launched"`
	LaunchFailures int         `json:"launch_failures"`
	Requeued       int         `json:"requeued_stale"`
	Notified       int         `json:"notified"`
	NotifyFailures int         `json:"notify_failures"`
	Purged         int64       `json:"purged"`
	Errors         []string    `json:"errors,omitempty"`
}

type NotifyReport struct {
	Attempted int `json:"attempted"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
}

type ExportFormat string

const (
	FormatText     ExportFormat = "text"
	FormatAnalysis ExportFormat = "analysis"
	FormatJSON     ExportFormat = "json"
	FormatFull     ExportFormat = "full"
	FormatXLSX     ExportFormat = "xlsx"
)

func ParseExportFormat(raw string) (ExportFormat, bool) {
	switch ExportFormat(raw) {
	case "":
		return FormatJSON, true
	case FormatText, FormatAnalysis, FormatJSON, FormatFull, FormatXLSX:
		return ExportFormat(raw), true
	default:
		return "", false
	}
}

// ResultFile is a rendered download.
type ResultFile struct {
	Filename    string
	ContentType string
	Body        []byte
}

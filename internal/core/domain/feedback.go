package domain

import (
	"strings"
	"time"
)

type FeedbackAction string

const (
	FeedbackAnnotate FeedbackAction = "add_annotation"
	FeedbackCorrect  FeedbackAction = "correct_analysis"
)

const maxAnnotationLen = 4000

// ResultFeedback is a user's note on, or correction to, a completed
// analysis. It is kept in the document's metadata; the machine analysis on
// the job row is never rewritten.
type ResultFeedback struct {
	Action           FeedbackAction
	Annotation       string
	Corrections      map[string]any
	CorrectedClauses []LeaseClause
}

func (f ResultFeedback) Validate() error {
	switch f.Action {
	case FeedbackAnnotate:
		text := strings.TrimSpace(f.Annotation)
		if text == "" {
			return NewValidationError(ConstraintMissingField, "annotation is required")
		}
		if len(text) > maxAnnotationLen {
			return NewValidationError(ConstraintInvalidFeedback, "annotation must be at most %d characters", maxAnnotationLen)
		}
	case FeedbackCorrect:
		if len(f.Corrections) == 0 && len(f.CorrectedClauses) == 0 {
			return NewValidationError(ConstraintMissingField, "corrections or corrected_clauses is required")
		}
	default:
		return NewValidationError(ConstraintInvalidFeedback, "unknown action %q", f.Action)
	}
	return nil
}

// AnnotationEntry is appended to metadata.user_annotations.
type AnnotationEntry struct {
	Annotation string    `json:"annotation"`
	CreatedAt  time.Time `json:"created_at"`
	CreatedBy  string    `json:"created_by"`
}

// CorrectionEntry replaces metadata.user_corrections.
type CorrectionEntry struct {
	Corrections      map[string]any `json:"corrections"`
	CorrectedClauses []LeaseClause  `json:"corrected_clauses,omitempty"`
	CorrectedAt      time.Time      `json:"corrected_at"`
	CorrectedBy      string         `json:"corrected_by"`
}

// FeedbackReceipt is returned once feedback has been stored.
type FeedbackReceipt struct {
	JobID      string         `json:"job_id"`
	DocumentID string         `json:"document_id"`
	Action     FeedbackAction `json:"action"`
	RecordedAt time.Time      `json:"recorded_at"`
}

package domain

import (
	"errors"
	"fmt"
)

var (
	ErrJobNotFound        = errors.New("job not found")
	ErrDocumentNotFound   = errors.New("document not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrPayloadTooLarge    = errors.New("payload too large")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrClaimLost          = errors.New("job claim lost")
	ErrJobNotReady        = errors.New("job not ready")
	ErrPersistence        = errors.New("persistence failure")
	ErrTemporary          = errors.New("temporary failure")
	ErrUnreadableDocument = errors.New("unreadable document")
	ErrLockHeld           = errors.New("lock held")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}

const (
	ConstraintEmpty           = "empty_file"
	ConstraintTooLarge        = "file_too_large"
	ConstraintUnsupportedType = "unsupported_type"
	ConstraintMissingField    = "missing_field"
	ConstraintInvalidPriority = "invalid_priority"
	ConstraintInvalidFeedback = "invalid_feedback"
)

// ValidationError rejects an upload at the boundary. It is never retried.
type ValidationError struct {
	Constraint string
	Message    string
}

func NewValidationError(constraint, format string, args ...any) *ValidationError {
	return &ValidationError{Constraint: constraint, Message: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	return e.Message
}

func (e *ValidationError) Unwrap() error {
	if e.Constraint == ConstraintTooLarge {
		return ErrPayloadTooLarge
	}
	return ErrInvalidInput
}

// PersistenceError reports a storage or database write that failed while
// accepting an upload.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() []error {
	return []error{ErrPersistence, e.Err}
}

type FailureClass string

const (
	FailureOCR                FailureClass = "ocr_failure"
	FailureExtraction         FailureClass = "extraction_failure"
	FailureNetwork            FailureClass = "network_failure"
	FailureCorruptFile        FailureClass = "corrupt_file"
	FailureUnsupportedContent FailureClass = "unsupported_content"
)

// ProcessingError carries the failure class recorded on a job.
type ProcessingError struct {
	Class     FailureClass
	Permanent bool
	Err       error
}

func NewTransientError(class FailureClass, err error) *ProcessingError {
	return &ProcessingError{Class: class, Err: err}
}

func NewPermanentError(class FailureClass, err error) *ProcessingError {
	return &ProcessingError{Class: class, Permanent: true, Err: err}
}

func (e *ProcessingError) Error() string {
	if e.Err == nil {
		return string(e.Class)
	}
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}

// AsProcessingError classifies an arbitrary processing failure. Errors that
// carry no class are treated as transient network failures.
func AsProcessingError(err error) *ProcessingError {
	if err == nil {
		return nil
	}
	var perr *ProcessingError
	if errors.As(err, &perr) {
		return perr
	}
	return NewTransientError(FailureNetwork, err)
}

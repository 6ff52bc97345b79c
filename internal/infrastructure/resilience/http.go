package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// HTTPStatusError is returned by adapters when a remote service answers
// with a non-2xx status.
type HTTPStatusError struct {
	Service    string
	StatusCode int
	Body       string
	// RetryIn is the upstream's Retry-After, zero when absent.
	RetryIn time.Duration
}

func (e *HTTPStatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s returned status %d", e.Service, e.StatusCode)
	}
	return fmt.Sprintf("%s returned status %d: %s", e.Service, e.StatusCode, e.Body)
}

// Temporary reports whether a retry could succeed.
func (e *HTTPStatusError) Temporary() bool {
	return IsRetryableHTTPStatus(e.StatusCode)
}

func (e *HTTPStatusError) RetryAfter() time.Duration {
	return e.RetryIn
}

// NewHTTPStatusError builds the error from a response, keeping a bounded
// slice of the body and any Retry-After hint.
func NewHTTPStatusError(service string, status int, header http.Header, body []byte) *HTTPStatusError {
	return &HTTPStatusError{
		Service:    service,
		StatusCode: status,
		Body:       Truncate(body, 512),
		RetryIn:    ParseRetryAfter(header.Get("Retry-After"), time.Now()),
	}
}

// ParseRetryAfter accepts both delay-seconds and HTTP-date forms.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	at, err := http.ParseTime(value)
	if err != nil || !at.After(now) {
		return 0
	}
	return at.Sub(now)
}

func IsRetryableHTTPStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return status >= 500
}

// ClassifyHTTPError is the shared classifier for HTTP-backed adapters.
// Cancellation is neither retried nor counted against the breaker.
func ClassifyHTTPError(err error) ErrorClassification {
	if err == nil {
		return ErrorClassification{}
	}
	if errors.Is(err, context.Canceled) {
		return ErrorClassification{}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassification{Retryable: true, RecordFailure: true}
	}
	if IsCircuitOpen(err) {
		return ErrorClassification{Retryable: false, RecordFailure: false}
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return ErrorClassification{
			Retryable:     statusErr.Temporary(),
			RecordFailure: statusErr.StatusCode >= 500 || statusErr.StatusCode == http.StatusTooManyRequests,
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrorClassification{Retryable: true, RecordFailure: true}
	}
	return ErrorClassification{Retryable: false, RecordFailure: true}
}

// Truncate caps an upstream response body kept for error messages.
func Truncate(body []byte, limit int) string {
	if limit <= 0 || len(body) <= limit {
		return string(body)
	}
	return string(body[:limit]) + "..."
}

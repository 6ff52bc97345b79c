package httpadapter

import (
	"errors"
	"net/http"

	"github.com/blociq/lease-pipeline/internal/core/domain"
)

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func mapErrorToHTTPStatus(err error) int {
	var maxBytesErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxBytesErr), domain.IsKind(err, domain.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case domain.IsKind(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case domain.IsKind(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case domain.IsKind(err, domain.ErrJobNotFound), domain.IsKind(err, domain.ErrDocumentNotFound):
		return http.StatusNotFound
	case domain.IsKind(err, domain.ErrJobNotReady):
		return http.StatusConflict
	case domain.IsKind(err, domain.ErrTemporary):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// errorCode is the machine-readable companion of the message.
func errorCode(err error) string {
	var validation *domain.ValidationError
	if errors.As(err, &validation) {
		return validation.Constraint
	}
	switch mapErrorToHTTPStatus(err) {
	case http.StatusRequestEntityTooLarge:
		return domain.ConstraintTooLarge
	case http.StatusBadRequest:
		return "invalid_input"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "not_ready"
	case http.StatusServiceUnavailable:
		return "temporarily_unavailable"
	default:
		return "internal_error"
	}
}

// writeError hides internal failure details from clients; they are logged
// by the caller instead.
func writeError(w http.ResponseWriter, err error) {
	status := mapErrorToHTTPStatus(err)
	msg := err.Error()
	var validation *domain.ValidationError
	switch {
	case errors.As(err, &validation):
		msg = validation.Message
	case status == http.StatusInternalServerError:
		msg = "internal error"
	case status == http.StatusServiceUnavailable:
		msg = "service temporarily unavailable"
	case status == http.StatusNotFound:
		msg = "job not found"
	case status == http.StatusUnauthorized:
		msg = "unauthorized"
	}
	writeJSON(w, status, errorBody{Error: msg, Code: errorCode(err)})
}

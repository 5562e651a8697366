package model

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Standard error codes.
const (
	ErrBadRequest         = "BAD_REQUEST"
	ErrNotFound           = "NOT_FOUND"
	ErrValidationError    = "VALIDATION_ERROR"
	ErrRateLimited        = "RATE_LIMITED"
	ErrInternalError      = "INTERNAL_ERROR"
	ErrBackendUnavailable = "BACKEND_UNAVAILABLE"
	ErrBackendTimeout     = "BACKEND_TIMEOUT"
	ErrBackendError       = "BACKEND_ERROR"
	ErrProtocolError      = "PROTOCOL_ERROR"
	ErrEmptyResult        = "EMPTY_RESULT"
	ErrClientClosed       = "CLIENT_CLOSED"
	ErrJobFailed          = "JOB_FAILED"
	ErrJobCancelled       = "JOB_CANCELLED"
)

// Field-level validation codes.
const (
	FieldRequired     = "REQUIRED"
	FieldEmpty        = "EMPTY"
	FieldTypeMismatch = "TYPE_MISMATCH"
)

// ErrorEnvelope is the structured error returned by every layer. It
// implements the error interface.
type ErrorEnvelope struct {
	Code       string       `json:"code"`
	Message    string       `json:"message"`
	Details    []FieldError `json:"details,omitempty"`
	StatusCode int          `json:"status_code,omitempty"`
	TraceID    string       `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	if len(e.Details) == 0 {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	parts := make([]string, len(e.Details))
	for i, d := range e.Details {
		parts[i] = d.Message
	}
	return fmt.Sprintf("%s: %s: %s", e.Code, e.Message, strings.Join(parts, "; "))
}

// Retryable reports whether repeating the same request may succeed:
// connection failures, timeouts, rate limiting and 5xx responses.
func (e *ErrorEnvelope) Retryable() bool {
	switch e.Code {
	case ErrBackendUnavailable, ErrBackendTimeout, ErrRateLimited:
		return true
	case ErrBackendError:
		return e.StatusCode >= http.StatusInternalServerError
	default:
		return false
	}
}

// FieldError describes a problem with one named field or parameter.
type FieldError struct {
	Field    string `json:"field"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
}

// AsEnvelope extracts an ErrorEnvelope from err's chain.
func AsEnvelope(err error) (*ErrorEnvelope, bool) {
	var env *ErrorEnvelope
	if errors.As(err, &env) {
		return env, true
	}
	return nil, false
}

// HasCode reports whether err carries an ErrorEnvelope with the given code.
func HasCode(err error, code string) bool {
	env, ok := AsEnvelope(err)
	return ok && env.Code == code
}

// IsRetryable reports whether err carries a retryable ErrorEnvelope.
func IsRetryable(err error) bool {
	env, ok := AsEnvelope(err)
	return ok && env.Retryable()
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more parameters are invalid",
		Details: details,
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewBackendUnavailableError returns a BACKEND_UNAVAILABLE error.
func NewBackendUnavailableError(msg string) *ErrorEnvelope {
	if msg == "" {
		msg = "The render backend is unreachable"
	}
	return &ErrorEnvelope{Code: ErrBackendUnavailable, Message: msg}
}

// NewBackendTimeoutError returns a BACKEND_TIMEOUT error.
func NewBackendTimeoutError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrBackendTimeout,
		Message: "The render backend did not respond in time",
	}
}

// NewBackendError returns a BACKEND_ERROR for a non-success response.
func NewBackendError(status int, msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBackendError, Message: msg, StatusCode: status}
}

// NewRateLimitedError returns a RATE_LIMITED error.
func NewRateLimitedError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:       ErrRateLimited,
		Message:    "Rate limit exceeded. Please try again later.",
		StatusCode: http.StatusTooManyRequests,
	}
}

// NewProtocolError returns a PROTOCOL_ERROR for an unexpected backend payload.
func NewProtocolError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrProtocolError, Message: msg}
}

// NewEmptyResultError returns an EMPTY_RESULT error.
func NewEmptyResultError(jobID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrEmptyResult,
		Message: fmt.Sprintf("job %s has no outputs", jobID),
	}
}

// NewClientClosedError returns a CLIENT_CLOSED error.
func NewClientClosedError() *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrClientClosed, Message: "backend client is closed"}
}

// NewJobFailedError returns a JOB_FAILED error for a job the backend
// reported as failed.
func NewJobFailedError(jobID, reason string) *ErrorEnvelope {
	msg := fmt.Sprintf("job %s failed", jobID)
	if reason != "" {
		msg += ": " + reason
	}
	return &ErrorEnvelope{Code: ErrJobFailed, Message: msg}
}

// NewJobCancelledError returns a JOB_CANCELLED error.
func NewJobCancelledError(jobID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrJobCancelled,
		Message: fmt.Sprintf("job %s was cancelled", jobID),
	}
}

// Package apperr defines the classified errors that cross the service boundary.
// Every failure recorded on a task or returned to a client is one of these.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes
const (
	CodeValidation       = "A1001"
	CodeUnsupported      = "A1002"
	CodeChartUnavailable = "A2001"
	CodeLLMTimeout       = "A3001"
	CodeLLMUpstream      = "A3002"
	CodeLLMInvalid       = "A3003"
	CodeNotFound         = "A4004"
	CodeConflict         = "A4009"
	CodeUnauthorized     = "A4011"
	CodeRetryExhausted   = "A4091"
	CodeRateLimited      = "A4290"
	CodeInternal         = "A5000"
	CodeWorkerLost       = "A5001"
)

// Error is an error with a stable code, an HTTP status and a retry hint
type Error struct {
	Code       string
	Message    string
	HTTPStatus int
	Retryable  bool
	Details    map[string]any
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error with explicit classification
func New(code, message string, status int, retryable bool) *Error {
	return &Error{Code: code, Message: message, HTTPStatus: status, Retryable: retryable}
}

// Wrap attaches cause to a new classified error
func Wrap(err error, code, message string, status int, retryable bool) *Error {
	return &Error{Code: code, Message: message, HTTPStatus: status, Retryable: retryable, Err: err}
}

// Validation reports a bad request field
func Validation(field, message string) *Error {
	e := New(CodeValidation, message, http.StatusBadRequest, false)
	e.Details = map[string]any{"field": field}
	return e
}

// Unsupported reports an unknown provider or analysis type
func Unsupported(message string) *Error {
	return New(CodeUnsupported, message, http.StatusUnprocessableEntity, false)
}

// NotFound reports a missing task, result or item
func NotFound(message string) *Error {
	return New(CodeNotFound, message, http.StatusNotFound, false)
}

// Conflict reports a state transition that is not allowed
func Conflict(message string) *Error {
	return New(CodeConflict, message, http.StatusConflict, false)
}

// RetryExhausted reports a retry beyond the configured maximum
func RetryExhausted(max int) *Error {
	return New(CodeRetryExhausted, fmt.Sprintf("max retry reached (%d)", max), http.StatusConflict, false)
}

// ChartUnavailable reports a failed chart service call
func ChartUnavailable(err error) *Error {
	return Wrap(err, CodeChartUnavailable, fmt.Sprintf("chart service unavailable: %v", err), http.StatusBadGateway, true)
}

// Internal reports an unexpected failure
func Internal(err error) *Error {
	return Wrap(err, CodeInternal, "internal server error", http.StatusInternalServerError, false)
}

// As extracts an *Error from err
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// From returns err as an *Error, classifying anything unknown as internal
func From(err error) *Error {
	if e, ok := As(err); ok {
		return e
	}
	return Internal(err)
}

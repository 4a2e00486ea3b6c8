// Package errors provides the cmux error taxonomy as typed values.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds. These are carried as tagged values so callers can branch on
// kind rather than matching message strings.
const (
	KindValidation = "VALIDATION"
	KindNotFound   = "NOT_FOUND"
	KindConflict   = "CONFLICT"
	KindBusy       = "BUSY"
	KindRuntime    = "RUNTIME"
	KindStream     = "STREAM"
	KindInternal   = "INTERNAL"
)

// Runtime error sub-kinds.
const (
	RuntimeExec    = "exec"
	RuntimeFileIO  = "file_io"
	RuntimeNetwork = "network"
	RuntimeUnknown = "unknown"
)

// AppError is an application error with a kind, an HTTP mapping, and an
// optional wrapped cause.
type AppError struct {
	Kind       string `json:"kind"`
	SubKind    string `json:"subKind,omitempty"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause for errors.Is / errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// Validation creates a validation error (empty name, bad name format, empty
// message, empty command).
func Validation(message string) *AppError {
	return &AppError{
		Kind:       KindValidation,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// NotFound creates a not-found error for a resource.
func NotFound(resource, id string) *AppError {
	return &AppError{
		Kind:       KindNotFound,
		Message:    fmt.Sprintf("%s %q not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// Conflict creates a conflict error (rename collision, workspace exists).
func Conflict(message string) *AppError {
	return &AppError{
		Kind:       KindConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// Busy creates a busy error for operations blocked by an active stream. The
// message should tell the caller to interrupt the stream first.
func Busy(message string) *AppError {
	return &AppError{
		Kind:       KindBusy,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// Runtime creates a runtime error with an exec/file_io/network/unknown
// sub-kind and a wrapped cause. Runtime errors are never retried by the
// core; they surface verbatim for diagnostics.
func Runtime(subKind, message string, err error) *AppError {
	return &AppError{
		Kind:       KindRuntime,
		SubKind:    subKind,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Stream creates a stream error with the given error type (provider-rate-limit,
// provider-auth, network, unknown).
func Stream(errorType, message string, err error) *AppError {
	return &AppError{
		Kind:       KindStream,
		SubKind:    errorType,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Internal wraps an unexpected error.
func Internal(message string, err error) *AppError {
	return &AppError{
		Kind:       KindInternal,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

func isKind(err error, kind string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind == kind
	}
	return false
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool { return isKind(err, KindValidation) }

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool { return isKind(err, KindNotFound) }

// IsConflict reports whether err is a conflict error.
func IsConflict(err error) bool { return isKind(err, KindConflict) }

// IsBusy reports whether err is a busy error.
func IsBusy(err error) bool { return isKind(err, KindBusy) }

// IsRuntime reports whether err is a runtime error, optionally of a
// specific sub-kind ("" matches any).
func IsRuntime(err error, subKind string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind == KindRuntime && (subKind == "" || appErr.SubKind == subKind)
	}
	return false
}

// GetHTTPStatus returns the HTTP status for an error, defaulting to 500.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

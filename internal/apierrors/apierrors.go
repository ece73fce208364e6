// Package apierrors defines the coded error envelope returned at the HTTP
// boundary.
//
// Every error response carries {error_code, message, details}. Internal
// errors are wrapped with fmt.Errorf and %w; only at the boundary are they
// converted into this envelope.
package apierrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes produced by the service.
const (
	CodeDatasetNotFound       = "DATASET_NOT_FOUND"
	CodeDatasetObjectMissing  = "DATASET_OBJECT_MISSING"
	CodeDatasetParseFailed    = "DATASET_PARSE_FAILED"
	CodeInvalidFileType       = "INVALID_FILE_TYPE"
	CodeUploadTooLarge        = "UPLOAD_TOO_LARGE"
	CodeJobNotFound           = "JOB_NOT_FOUND"
	CodeJobNotReady           = "JOB_NOT_READY"
	CodeExportNotReady        = "EXPORT_NOT_READY"
	CodeResultReadFailed      = "RESULT_READ_FAILED"
	CodeReportDateMismatch    = "REPORT_DATE_MISMATCH"
	CodeFutureDateOutOfRange  = "FUTURE_DATE_OUT_OF_RANGE"
	CodeFutureDateUnsupported = "FUTURE_DATE_NOT_SUPPORTED"
	CodeRequestValidation     = "REQUEST_VALIDATION_ERROR"
	CodeScenarioNotFound      = "SCENARIO_NOT_FOUND"
	CodeScenarioParamsInvalid = "SCENARIO_PARAMS_INVALID"
	CodeHistoryItemNotFound   = "HISTORY_ITEM_NOT_FOUND"
	CodeHistoryJobActive      = "HISTORY_JOB_ACTIVE"
	CodeDependencyUnavailable = "DEPENDENCY_UNAVAILABLE"
	CodeSyncEndpointRemoved   = "SYNC_ENDPOINT_REMOVED"
	CodeInternal              = "INTERNAL_ERROR"
)

// Error is a coded error suitable for rendering as an API response.
type Error struct {
	Code    string         `json:"error_code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`

	status int
	cause  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *Error) Unwrap() error { return e.cause }

// Status returns the HTTP status for the error.
func (e *Error) Status() int {
	if e.status != 0 {
		return e.status
	}
	return statusFor(e.Code)
}

// Option customizes a constructed Error.
type Option func(*Error)

// WithDetails attaches structured details to the error.
func WithDetails(details map[string]any) Option {
	return func(e *Error) { e.Details = details }
}

// WithCause attaches an underlying cause.
func WithCause(err error) Option {
	return func(e *Error) { e.cause = err }
}

// WithStatus overrides the default HTTP status for the code.
func WithStatus(status int) Option {
	return func(e *Error) { e.status = status }
}

// New constructs a coded error.
func New(code, message string, opts ...Option) *Error {
	e := &Error{Code: code, Message: message}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// From extracts an *Error from err, or wraps err as INTERNAL_ERROR.
func From(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return New(CodeInternal, "internal error", WithCause(err))
}

func statusFor(code string) int {
	switch code {
	case CodeDatasetNotFound, CodeJobNotFound, CodeScenarioNotFound, CodeHistoryItemNotFound:
		return http.StatusNotFound
	case CodeJobNotReady, CodeExportNotReady, CodeHistoryJobActive:
		return http.StatusConflict
	case CodeRequestValidation, CodeReportDateMismatch, CodeFutureDateOutOfRange,
		CodeFutureDateUnsupported, CodeInvalidFileType, CodeDatasetParseFailed:
		return http.StatusUnprocessableEntity
	case CodeScenarioParamsInvalid:
		return http.StatusUnprocessableEntity
	case CodeUploadTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeSyncEndpointRemoved:
		return http.StatusGone
	case CodeDependencyUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

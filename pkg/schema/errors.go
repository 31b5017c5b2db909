package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeConfiguration         = "CONFIGURATION_ERROR"
	ErrCodeAdaptation            = "ADAPTATION_ERROR"
	ErrCodeCapabilityUnsupported = "CAPABILITY_UNSUPPORTED"
	ErrCodeExecution             = "EXECUTION_ERROR"
	ErrCodeStore                 = "STORE_ERROR"
	ErrCodeValidation            = "VALIDATION_ERROR"
	ErrCodeNotFound              = "NOT_FOUND"
	ErrCodeConflict              = "CONFLICT"
	ErrCodeCancelled             = "CANCELLED"
	ErrCodeToolUnavailable       = "TOOL_UNAVAILABLE"
)

// nonRetryable lists codes that describe a caller or configuration mistake.
// Repeating the same call can never succeed.
var nonRetryable = map[string]bool{
	ErrCodeConfiguration:         true,
	ErrCodeAdaptation:            true,
	ErrCodeCapabilityUnsupported: true,
	ErrCodeValidation:            true,
	ErrCodeNotFound:              true,
	ErrCodeConflict:              true,
	ErrCodeCancelled:             true,
	ErrCodeToolUnavailable:       true,
}

// PlaybookError is the structured error type for all control plane operations.
type PlaybookError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *PlaybookError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *PlaybookError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the caller may reasonably retry the failed work.
// The control plane itself never retries.
func (e *PlaybookError) Retryable() bool {
	return !nonRetryable[e.Code]
}

// NewError creates a new PlaybookError.
func NewError(code, message string) *PlaybookError {
	return &PlaybookError{Code: code, Message: message}
}

// NewErrorf creates a new PlaybookError with a formatted message.
func NewErrorf(code, format string, args ...any) *PlaybookError {
	return &PlaybookError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *PlaybookError) WithStep(stepID string) *PlaybookError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *PlaybookError) WithCause(err error) *PlaybookError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *PlaybookError) WithDetails(details map[string]any) *PlaybookError {
	e.Details = details
	return e
}

// HasCode reports whether err (or anything it wraps) is a PlaybookError with the given code.
func HasCode(err error, code string) bool {
	var pErr *PlaybookError
	if !errors.As(err, &pErr) {
		return false
	}
	return pErr.Code == code
}

// CodeOf returns the code of the first PlaybookError in err's chain, or "".
func CodeOf(err error) string {
	var pErr *PlaybookError
	if errors.As(err, &pErr) {
		return pErr.Code
	}
	return ""
}

package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeProvider         = "PROVIDER_ERROR"
	ErrCodeProviderNotFound = "PROVIDER_NOT_FOUND"
	ErrCodeRetryExhausted   = "RETRY_EXHAUSTED"
	ErrCodeRollback         = "ROLLBACK_ERROR"
	ErrCodeCircuitOpen      = "CIRCUIT_OPEN"
	ErrCodeNonRetryable     = "NON_RETRYABLE"
	ErrCodeCancelled        = "CANCELLED"
	ErrCodeStore            = "STORE_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
)

// Validation reasons carried in Error.Reason for ErrCodeValidation.
const (
	ReasonDuplicateID         = "duplicate_id"
	ReasonDanglingDependency  = "dangling_dependency"
	ReasonCycle               = "cycle"
	ReasonDuplicateDependency = "duplicate_dependency"
	ReasonEmptyWorkflow       = "empty_workflow"
	ReasonEmptyID             = "empty_id"
	ReasonMissingProvider     = "missing_provider"
	ReasonMissingAction       = "missing_action"
	ReasonInvalidPolicy       = "invalid_policy"
	ReasonInvalidRetry        = "invalid_retry"
	ReasonInvalidCondition    = "invalid_condition"
	ReasonSchema              = "schema"
)

// Error is the structured error type used across the engine and its collaborators.
type Error struct {
	Code    string         `json:"code"`
	Reason  string         `json:"reason,omitempty"`
	Message string         `json:"message"`
	StepID  string         `json:"step_id,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	Cause   error          `json:"-"`
}

func (e *Error) Error() string {
	code := e.Code
	if e.Reason != "" {
		code = e.Code + "/" + e.Reason
	}
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether a failed attempt carrying this error may be retried.
func (e *Error) IsRetryable() bool {
	switch e.Code {
	case ErrCodeValidation, ErrCodeProviderNotFound, ErrCodeCircuitOpen,
		ErrCodeNonRetryable, ErrCodeCancelled:
		return false
	default:
		return true
	}
}

// NewError creates a new Error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf creates a new Error with a formatted message.
func NewErrorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// NewValidationError creates a VALIDATION_ERROR with the given reason.
func NewValidationError(reason, format string, args ...any) *Error {
	return &Error{Code: ErrCodeValidation, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *Error) WithStep(stepID string) *Error {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// AsError extracts a *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) string {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// IsValidation reports whether err is a VALIDATION_ERROR.
func IsValidation(err error) bool {
	return CodeOf(err) == ErrCodeValidation
}

// ReasonOf returns the validation reason of err, or "".
func ReasonOf(err error) string {
	if e, ok := AsError(err); ok {
		return e.Reason
	}
	return ""
}

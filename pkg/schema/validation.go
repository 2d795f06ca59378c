package schema

import (
	"fmt"
	"slices"
	"strings"
)

// ValidationSeverity indicates whether an issue is an error or warning.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is one problem found in a definition, located by a path
// such as "steps[2].depends_on[0]" or "/" for the whole document.
type ValidationIssue struct {
	Path     string             `json:"path"`
	Reason   string             `json:"reason"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

// String renders the issue as "path: message (reason)".
func (i ValidationIssue) String() string {
	return fmt.Sprintf("%s: %s (%s)", i.Path, i.Message, i.Reason)
}

// StepPath returns the issue path of a field of the i-th step. An empty field
// addresses the step itself.
func StepPath(i int, field string) string {
	if field == "" {
		return fmt.Sprintf("steps[%d]", i)
	}
	return fmt.Sprintf("steps[%d].%s", i, field)
}

// ValidationResult collects the issues found while checking a definition.
// Warnings never make a definition invalid.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

func (r *ValidationResult) AddError(path, reason, message string) {
	r.Errors = append(r.Errors, ValidationIssue{
		Path: path, Reason: reason, Message: message, Severity: SeverityError,
	})
}

func (r *ValidationResult) AddWarning(path, reason, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{
		Path: path, Reason: reason, Message: message, Severity: SeverityWarning,
	})
}

// Errorf is AddError with a formatted message.
func (r *ValidationResult) Errorf(path, reason, format string, args ...any) {
	r.AddError(path, reason, fmt.Sprintf(format, args...))
}

// Warnf is AddWarning with a formatted message.
func (r *ValidationResult) Warnf(path, reason, format string, args ...any) {
	r.AddWarning(path, reason, fmt.Sprintf(format, args...))
}

// Merge appends other's issues. A nil other is a no-op.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// HasReason reports whether any error carries reason.
func (r *ValidationResult) HasReason(reason string) bool {
	return slices.ContainsFunc(r.Errors, func(i ValidationIssue) bool { return i.Reason == reason })
}

// Summary is a one-line description: the first error when there is only one,
// otherwise a count.
func (r *ValidationResult) Summary() string {
	switch len(r.Errors) {
	case 0:
		if len(r.Warnings) == 0 {
			return "valid"
		}
		return fmt.Sprintf("valid with %d warning(s)", len(r.Warnings))
	case 1:
		return r.Errors[0].Message
	default:
		paths := make([]string, 0, len(r.Errors))
		for _, e := range r.Errors {
			paths = append(paths, e.Path)
		}
		return fmt.Sprintf("validation failed with %d errors at %s", len(r.Errors), strings.Join(paths, ", "))
	}
}

// ToError converts an invalid result to a VALIDATION_ERROR carrying the first
// error's reason and every issue in Details. A valid result yields nil.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}
	return NewValidationError(r.Errors[0].Reason, "%s", r.Summary()).
		WithDetails(map[string]any{
			"error_count":   len(r.Errors),
			"warning_count": len(r.Warnings),
			"errors":        r.Errors,
			"warnings":      r.Warnings,
		})
}

package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_EmptyIsValid(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())
	assert.Nil(t, r.ToError())
}

func TestValidationResult_AddError(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("steps[0].provider", ReasonMissingProvider, "provider is required")

	assert.False(t, r.Valid())
	require.Len(t, r.Errors, 1)
	assert.Equal(t, "steps[0].provider", r.Errors[0].Path)
	assert.Equal(t, ReasonMissingProvider, r.Errors[0].Reason)
	assert.Equal(t, SeverityError, r.Errors[0].Severity)
}

func TestValidationResult_WarningsStayValid(t *testing.T) {
	r := &ValidationResult{}
	r.AddWarning("steps[1].retry", ReasonInvalidRetry, "high retry count")

	assert.True(t, r.Valid())
	require.Len(t, r.Warnings, 1)
	assert.Equal(t, SeverityWarning, r.Warnings[0].Severity)
	assert.Nil(t, r.ToError())
}

func TestValidationResult_Merge(t *testing.T) {
	r1 := &ValidationResult{}
	r1.AddError("/", ReasonSchema, "err1")
	r1.AddWarning("/", ReasonSchema, "warn1")

	r2 := &ValidationResult{}
	r2.AddError("steps[0]", ReasonCycle, "err2")
	r2.AddWarning("steps[1]", ReasonSchema, "warn2")

	r1.Merge(r2)
	r1.Merge(nil)

	assert.Len(t, r1.Errors, 2)
	assert.Len(t, r1.Warnings, 2)
}

func TestValidationResult_ToError(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("steps[2].depends_on[0]", ReasonDanglingDependency, "unknown step \"ghost\"")

	err := r.ToError()
	e, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, ErrCodeValidation, e.Code)
	assert.Equal(t, ReasonDanglingDependency, e.Reason)
	assert.Equal(t, `unknown step "ghost"`, e.Message)
	assert.Equal(t, 1, e.Details["error_count"])

	r.AddError("/", ReasonSchema, "err2")
	r.AddWarning("/", ReasonSchema, "warn")
	e, _ = AsError(r.ToError())
	assert.Contains(t, e.Message, "2 errors")
	assert.Equal(t, ReasonDanglingDependency, e.Reason)
	assert.Equal(t, 1, e.Details["warning_count"])
}

func TestStepPath(t *testing.T) {
	assert.Equal(t, "steps[3]", StepPath(3, ""))
	assert.Equal(t, "steps[0].compensation.action", StepPath(0, "compensation.action"))
}

func TestValidationIssue_String(t *testing.T) {
	issue := ValidationIssue{Path: "steps[1].when", Reason: ReasonInvalidCondition, Message: "syntax error"}
	assert.Equal(t, "steps[1].when: syntax error (invalid_condition)", issue.String())
}

func TestValidationResult_SummaryAndReasons(t *testing.T) {
	r := &ValidationResult{}
	assert.Equal(t, "valid", r.Summary())

	r.Warnf("on_error", ReasonInvalidPolicy, "%d step(s) declare compensation", 2)
	assert.Equal(t, "valid with 1 warning(s)", r.Summary())
	assert.Equal(t, "2 step(s) declare compensation", r.Warnings[0].Message)

	r.Errorf(StepPath(0, "action"), ReasonMissingAction, "provider %q has no action %q", "core", "nope")
	assert.Equal(t, `provider "core" has no action "nope"`, r.Summary())
	assert.True(t, r.HasReason(ReasonMissingAction))
	assert.False(t, r.HasReason(ReasonCycle))

	r.AddError(StepPath(1, "depends_on[0]"), ReasonDanglingDependency, "unknown step")
	assert.Equal(t, "validation failed with 2 errors at steps[0].action, steps[1].depends_on[0]", r.Summary())
}

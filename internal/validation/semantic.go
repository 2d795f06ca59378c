package validation

import (
	"github.com/rendis/toolflow/internal/expressions"
	"github.com/rendis/toolflow/pkg/schema"
)

// maxReasonableRetries is the retry count above which a warning is raised.
const maxReasonableRetries = 10

// validateSemantic checks what JSON Schema cannot express: provider and action
// existence, condition syntax, and policy/compensation consistency.
func validateSemantic(def *schema.WorkflowDefinition, lookup ActionLookup, conds *expressions.Conditions) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if !def.OnError.Valid() {
		result.Errorf("on_error", schema.ReasonInvalidPolicy, "unknown error policy %q", def.OnError)
	}

	compensations := 0
	for i := range def.Steps {
		step := &def.Steps[i]
		if lookup != nil && step.Provider != "" && step.Action != "" &&
			!lookup.HasAction(step.Provider, step.Action) {
			result.Errorf(schema.StepPath(i, "action"), schema.ReasonMissingAction,
				"provider %q has no action %q", step.Provider, step.Action)
		}

		if step.When != "" && step.Condition == nil && conds != nil {
			if _, err := conds.Compile(step.WhenLang, step.When, nil); err != nil {
				result.AddError(schema.StepPath(i, "when"), schema.ReasonInvalidCondition, err.Error())
			}
		}

		if step.Retry != nil && step.Retry.MaxRetries > maxReasonableRetries {
			result.Warnf(schema.StepPath(i, "retry.max_retries"), schema.ReasonInvalidRetry,
				"high retry count (%d) may cause long delays", step.Retry.MaxRetries)
		}

		if c := step.Compensation; c != nil {
			compensations++
			if lookup != nil && !lookup.HasAction(c.Provider, c.Action) {
				result.Errorf(schema.StepPath(i, "compensation.action"), schema.ReasonMissingAction,
					"provider %q has no action %q", c.Provider, c.Action)
			}
		}
		if step.Compensate != nil {
			compensations++
		}
	}

	if compensations > 0 && def.OnError.Effective() != schema.ErrorPolicyRollback {
		result.Warnf("on_error", schema.ReasonInvalidPolicy,
			"%d step(s) declare compensation but on_error is %q; compensation only runs under rollback",
			compensations, def.OnError.Effective())
	}
	if compensations == 0 && def.OnError == schema.ErrorPolicyRollback {
		result.AddWarning("on_error", schema.ReasonInvalidPolicy,
			"on_error is rollback but no step declares a compensation")
	}

	return result
}

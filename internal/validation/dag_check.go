package validation

import (
	"fmt"

	"github.com/rendis/toolflow/internal/engine"
	"github.com/rendis/toolflow/pkg/schema"
)

// validateDAG builds the dependency graph and reports the first structural
// problem: duplicate ids, dangling or duplicate dependencies, cycles.
// Conditions must already have been checked by the caller.
func validateDAG(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if _, err := engine.BuildPlan(def); err != nil {
		e, ok := schema.AsError(err)
		if !ok {
			result.AddError("steps", schema.ReasonSchema, err.Error())
			return result
		}
		path := "steps"
		if e.StepID != "" {
			if idx := def.StepIndex(e.StepID); idx >= 0 {
				path = fmt.Sprintf("steps[%d]", idx)
			}
		}
		result.AddError(path, e.Reason, e.Message)
	}
	return result
}

package engine

import (
	"fmt"

	"github.com/rendis/toolflow/pkg/schema"
)

// Decision is the outcome of evaluating whether a pending step may be dispatched.
type Decision int

const (
	// DecisionWait means at least one dependency has not settled.
	DecisionWait Decision = iota
	// DecisionRun means every dependency is satisfied and the condition holds.
	DecisionRun
	// DecisionSkip means the step's condition returned false.
	DecisionSkip
	// DecisionSkipUpstream means a dependency failed or was skipped because of a failure.
	DecisionSkipUpstream
)

func (d Decision) String() string {
	switch d {
	case DecisionWait:
		return "wait"
	case DecisionRun:
		return "run"
	case DecisionSkip:
		return "skip"
	case DecisionSkipUpstream:
		return "skip_upstream"
	}
	return fmt.Sprintf("decision(%d)", int(d))
}

// dependencySatisfied reports whether a settled dependency unblocks its dependents.
// A skip caused by an upstream failure does not.
func dependencySatisfied(r *schema.StepResult) bool {
	switch r.Status {
	case schema.StepStatusSucceeded:
		return true
	case schema.StepStatusSkipped:
		return r.SkipReason != schema.SkipUpstreamFailed
	}
	return false
}

// Evaluate decides what to do with a pending step given the current results.
// outputs holds the outputs of succeeded steps only. The second return value
// carries the condition error, if any; such errors resolve to DecisionRun.
func Evaluate(step *schema.Step, deps []string, results map[string]*schema.StepResult, outputs map[string]any) (Decision, error) {
	for _, dep := range deps {
		r, ok := results[dep]
		if !ok || !r.Status.Terminal() {
			return DecisionWait, nil
		}
		if !dependencySatisfied(r) {
			return DecisionSkipUpstream, nil
		}
	}

	if step.Condition == nil {
		return DecisionRun, nil
	}
	run, err := callCondition(step.Condition, outputs)
	if err != nil {
		return DecisionRun, err
	}
	if !run {
		return DecisionSkip, nil
	}
	return DecisionRun, nil
}

// callCondition invokes a condition, converting a panic into an error.
func callCondition(cond schema.Condition, outputs map[string]any) (run bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			run, err = true, fmt.Errorf("condition panicked: %v", r)
		}
	}()
	return cond(outputs)
}

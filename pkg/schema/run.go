package schema

import "time"

// ExecutionRun is the outcome of one invocation of a workflow definition.
type ExecutionRun struct {
	ID          string                 `json:"id"`
	WorkflowID  string                 `json:"workflow_id"`
	Status      RunStatus              `json:"status"`
	StepResults map[string]*StepResult `json:"step_results"`
	Error       *Error                 `json:"error,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`

	// CompletionOrder lists succeeded and failed steps in the order they settled.
	CompletionOrder []string `json:"completion_order,omitempty"`
}

// StepResult records the status and output of one step in a run.
type StepResult struct {
	StepID      string     `json:"step_id"`
	Status      StepStatus `json:"status"`
	Output      any        `json:"output,omitempty"`
	Error       *Error     `json:"error,omitempty"`
	Attempts    int        `json:"attempts"`
	SkipReason  string     `json:"skip_reason,omitempty"`
	Warnings    []string   `json:"warnings,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Compensated   bool   `json:"compensated,omitempty"`
	RollbackError *Error `json:"rollback_error,omitempty"`
}

// Clone returns a copy safe to hand to another goroutine. Output is shared.
func (r *StepResult) Clone() StepResult {
	c := *r
	if r.Warnings != nil {
		c.Warnings = append([]string(nil), r.Warnings...)
	}
	return c
}

// Result returns the StepResult for id, or nil.
func (r *ExecutionRun) Result(id string) *StepResult {
	if r == nil || r.StepResults == nil {
		return nil
	}
	return r.StepResults[id]
}

// CountByStatus returns how many steps ended in each status.
func (r *ExecutionRun) CountByStatus() map[StepStatus]int {
	counts := make(map[StepStatus]int)
	for _, sr := range r.StepResults {
		counts[sr.Status]++
	}
	return counts
}

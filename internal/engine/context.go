package engine

import (
	"maps"
	"slices"
	"time"

	"github.com/rendis/toolflow/pkg/schema"
)

// ValidRunTransitions defines the allowed state transitions for runs.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusNotStarted: {schema.RunStatusRunning},
	schema.RunStatusRunning: {
		schema.RunStatusSucceeded, schema.RunStatusPartiallySucceeded,
		schema.RunStatusFailed, schema.RunStatusRolledBack,
	},
	schema.RunStatusSucceeded:          {},
	schema.RunStatusPartiallySucceeded: {},
	schema.RunStatusFailed:             {},
	schema.RunStatusRolledBack:         {},
}

// ValidStepTransitions defines the allowed state transitions for steps.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending:   {schema.StepStatusRunning, schema.StepStatusSkipped},
	schema.StepStatusRunning:   {schema.StepStatusSucceeded, schema.StepStatusFailed},
	schema.StepStatusSucceeded: {},
	schema.StepStatusFailed:    {},
	schema.StepStatusSkipped:   {},
}

// ExecutionContext is the mutable state of one run. It is owned by the
// scheduler goroutine; step tasks never touch it.
type ExecutionContext struct {
	run     *schema.ExecutionRun
	inputs  map[string]any
	outputs map[string]any
	events  []schema.Event
	now     func() time.Time
	observe func(schema.Event)
}

func newExecutionContext(runID string, g *Graph, inputs map[string]any, now func() time.Time, observe func(schema.Event)) *ExecutionContext {
	run := &schema.ExecutionRun{
		ID:          runID,
		Status:      schema.RunStatusNotStarted,
		StepResults: make(map[string]*schema.StepResult, len(g.Order)),
	}
	for _, id := range g.Order {
		run.StepResults[id] = &schema.StepResult{StepID: id, Status: schema.StepStatusPending}
	}
	return &ExecutionContext{
		run:     run,
		inputs:  maps.Clone(inputs),
		outputs: make(map[string]any, len(g.Order)),
		now:     now,
		observe: observe,
	}
}

// Run returns the run record.
func (c *ExecutionContext) Run() *schema.ExecutionRun { return c.run }

// Events returns the events emitted so far.
func (c *ExecutionContext) Events() []schema.Event { return c.events }

// Result returns the result of step id.
func (c *ExecutionContext) Result(id string) *schema.StepResult { return c.run.StepResults[id] }

// Outputs returns a snapshot of succeeded step outputs keyed by step ID.
func (c *ExecutionContext) Outputs() map[string]any { return maps.Clone(c.outputs) }

// Scope returns the variable scope used for parameter resolution.
func (c *ExecutionContext) Scope() map[string]any { return BuildScope(c.inputs, c.outputs) }

// emit appends an event to the run log and forwards it to the observer.
func (c *ExecutionContext) emit(eventType, stepID string, payload map[string]any) {
	ev := schema.Event{
		RunID:     c.run.ID,
		Sequence:  int64(len(c.events) + 1),
		Type:      eventType,
		StepID:    stepID,
		Payload:   payload,
		Timestamp: c.now(),
	}
	c.events = append(c.events, ev)
	if c.observe != nil {
		c.observe(ev)
	}
}

// transitionRun validates and applies a run status change.
func (c *ExecutionContext) transitionRun(to schema.RunStatus, payload map[string]any) error {
	from := c.run.Status
	if !slices.Contains(ValidRunTransitions[from], to) {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid run transition: %s -> %s", from, to).
			WithDetails(map[string]any{"run_id": c.run.ID, "from": string(from), "to": string(to)})
	}
	c.run.Status = to
	now := c.now()
	switch {
	case to == schema.RunStatusRunning:
		c.run.StartedAt = now
		c.emit(schema.EventRunStarted, "", payload)
	case to.Terminal():
		c.run.CompletedAt = &now
		if payload == nil {
			payload = map[string]any{}
		}
		payload["status"] = string(to)
		c.emit(schema.EventRunFinished, "", payload)
	}
	return nil
}

// transitionStep validates and applies a step status change, then emits
// the matching event. mutate, when non-nil, fills in result fields first.
func (c *ExecutionContext) transitionStep(id string, to schema.StepStatus, mutate func(*schema.StepResult), payload map[string]any) error {
	r, ok := c.run.StepResults[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown step %s", id)
	}
	from := r.Status
	if !slices.Contains(ValidStepTransitions[from], to) {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid step transition: %s -> %s", from, to).
			WithStep(id).
			WithDetails(map[string]any{"from": string(from), "to": string(to)})
	}
	if mutate != nil {
		mutate(r)
	}
	r.Status = to

	now := c.now()
	switch to {
	case schema.StepStatusRunning:
		r.StartedAt = &now
	default:
		r.CompletedAt = &now
	}
	switch to {
	case schema.StepStatusSucceeded:
		c.outputs[id] = r.Output
		c.run.CompletionOrder = append(c.run.CompletionOrder, id)
	case schema.StepStatusFailed:
		c.run.CompletionOrder = append(c.run.CompletionOrder, id)
	}

	if eventType := stepEventType(to); eventType != "" {
		c.emit(eventType, id, payload)
	}
	return nil
}

func stepEventType(to schema.StepStatus) string {
	switch to {
	case schema.StepStatusRunning:
		return schema.EventStepStarted
	case schema.StepStatusSucceeded:
		return schema.EventStepSucceeded
	case schema.StepStatusFailed:
		return schema.EventStepFailed
	case schema.StepStatusSkipped:
		return schema.EventStepSkipped
	default:
		return ""
	}
}

// skip moves a pending step to skipped with the given reason.
func (c *ExecutionContext) skip(id, reason string) error {
	return c.transitionStep(id, schema.StepStatusSkipped, func(r *schema.StepResult) {
		r.SkipReason = reason
	}, map[string]any{"reason": reason})
}

// pending returns the IDs still pending, in declared order.
func (c *ExecutionContext) pending(order []string) []string {
	var out []string
	for _, id := range order {
		if c.run.StepResults[id].Status == schema.StepStatusPending {
			out = append(out, id)
		}
	}
	return out
}

// hasFailures reports whether any step failed.
func (c *ExecutionContext) hasFailures() bool {
	for _, r := range c.run.StepResults {
		if r.Status == schema.StepStatusFailed {
			return true
		}
	}
	return false
}

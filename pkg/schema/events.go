package schema

import "time"

// Event type constants for the per-run event log.
const (
	EventRunStarted  = "run_started"
	EventRunFinished = "run_finished"

	EventStepStarted            = "step_started"
	EventStepRetrying           = "step_retrying"
	EventStepSucceeded          = "step_succeeded"
	EventStepFailed             = "step_failed"
	EventStepSkipped            = "step_skipped"
	EventStepCompensated        = "step_compensated"
	EventStepCompensationFailed = "step_compensation_failed"
)

// RunStatus is the lifecycle state of an ExecutionRun.
type RunStatus string

const (
	RunStatusNotStarted         RunStatus = "not_started"
	RunStatusRunning            RunStatus = "running"
	RunStatusSucceeded          RunStatus = "succeeded"
	RunStatusPartiallySucceeded RunStatus = "partially_succeeded"
	RunStatusFailed             RunStatus = "failed"
	RunStatusRolledBack         RunStatus = "rolled_back"
)

// Terminal reports whether no further transition can occur.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusPartiallySucceeded, RunStatusFailed, RunStatusRolledBack:
		return true
	}
	return false
}

// StepStatus is the lifecycle state of a StepResult.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusSkipped   StepStatus = "skipped"
	StepStatusSucceeded StepStatus = "succeeded"
	StepStatusFailed    StepStatus = "failed"
)

// Terminal reports whether no further transition can occur.
func (s StepStatus) Terminal() bool {
	return s == StepStatusSucceeded || s == StepStatusFailed || s == StepStatusSkipped
}

// Skip reasons recorded in StepResult.SkipReason.
const (
	SkipConditionFalse = "condition_false"
	SkipUpstreamFailed = "upstream_failed"
	SkipRunHalted      = "run_halted"
)

// Event is an append-only record of one state change within a run.
type Event struct {
	RunID     string         `json:"run_id"`
	Sequence  int64          `json:"sequence"`
	Type      string         `json:"event_type"`
	StepID    string         `json:"step_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

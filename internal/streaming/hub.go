package streaming

import (
	"context"

	"github.com/rendis/toolflow/pkg/schema"
)

// StreamEvent is a real-time event emitted while a run executes.
type StreamEvent struct {
	RunID      string `json:"run_id"`
	WorkflowID string `json:"workflow_id"`
	StepID     string `json:"step_id,omitempty"`
	EventType  string `json:"event_type"`
	Sequence   int64  `json:"sequence"`
	Payload    any    `json:"payload,omitempty"`
}

// FromEvent converts a run event into its streamed form.
func FromEvent(workflowID string, ev schema.Event) StreamEvent {
	se := StreamEvent{
		RunID:      ev.RunID,
		WorkflowID: workflowID,
		StepID:     ev.StepID,
		EventType:  ev.Type,
		Sequence:   ev.Sequence,
	}
	if len(ev.Payload) > 0 {
		se.Payload = ev.Payload
	}
	return se
}

// EventFilter specifies which events a subscriber wants to receive.
// Empty fields match everything.
type EventFilter struct {
	RunID      string   `json:"run_id,omitempty"`
	WorkflowID string   `json:"workflow_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for real-time run events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}

package store

import (
	"context"
	"time"

	"github.com/rendis/toolflow/pkg/schema"
)

// RunStore persists finished runs and answers history queries.
// Implementations must be safe for concurrent use.
type RunStore interface {
	RecordRun(ctx context.Context, run *schema.ExecutionRun, events []schema.Event) error
	GetRun(ctx context.Context, id string) (*schema.ExecutionRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*RunSummary, error)
	GetEvents(ctx context.Context, runID string) ([]schema.Event, error)

	Migrate(ctx context.Context) error
	Close() error
}

// DefaultListLimit caps ListRuns when RunFilter.Limit is not set.
const DefaultListLimit = 50

// RunFilter narrows ListRuns. Zero fields match everything.
type RunFilter struct {
	WorkflowID string           `json:"workflow_id,omitempty"`
	Status     schema.RunStatus `json:"status,omitempty"`
	Limit      int              `json:"limit,omitempty"`
}

// RunSummary is the row returned by ListRuns, without step outputs.
type RunSummary struct {
	ID          string           `json:"id"`
	WorkflowID  string           `json:"workflow_id"`
	Status      schema.RunStatus `json:"status"`
	Error       *schema.Error    `json:"error,omitempty"`
	StepCount   int              `json:"step_count"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

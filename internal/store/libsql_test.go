package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/toolflow/internal/engine"
	"github.com/rendis/toolflow/pkg/schema"
)

var _ engine.RunRecorder = (*LibSQLStore)(nil)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "history.db")
	s, err := OpenLibSQLStore(context.Background(), "file:"+dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleRun(id, workflowID string, status schema.RunStatus, started time.Time) *schema.ExecutionRun {
	begun := started
	done := started.Add(2 * time.Second)
	return &schema.ExecutionRun{
		ID:          id,
		WorkflowID:  workflowID,
		Status:      status,
		StartedAt:   started,
		CompletedAt: &done,
		StepResults: map[string]*schema.StepResult{
			"fetchDocs": {
				StepID:      "fetchDocs",
				Status:      schema.StepStatusSucceeded,
				Output:      map[string]any{"pages": []any{"intro", "setup"}},
				Attempts:    2,
				Warnings:    []string{"unresolved placeholder {{x}}"},
				StartedAt:   &begun,
				CompletedAt: &done,
				Compensated: true,
			},
			"createBranch": {
				StepID:   "createBranch",
				Status:   schema.StepStatusFailed,
				Attempts: 1,
				Error:    schema.NewError(schema.ErrCodeProvider, "boom").WithStep("createBranch"),
			},
			"notify": {
				StepID:     "notify",
				Status:     schema.StepStatusSkipped,
				SkipReason: schema.SkipUpstreamFailed,
			},
		},
		CompletionOrder: []string{"fetchDocs", "createBranch"},
	}
}

func TestRecordAndGetRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	run := sampleRun("run-1", "docs-sync", schema.RunStatusRolledBack, started)
	run.Error = schema.NewError(schema.ErrCodeProvider, "boom")
	require.NoError(t, s.RecordRun(ctx, run, nil))

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "docs-sync", got.WorkflowID)
	assert.Equal(t, schema.RunStatusRolledBack, got.Status)
	assert.WithinDuration(t, started, got.StartedAt, time.Second)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, []string{"fetchDocs", "createBranch"}, got.CompletionOrder)
	require.NotNil(t, got.Error)
	assert.Equal(t, schema.ErrCodeProvider, got.Error.Code)
	require.Len(t, got.StepResults, 3)

	fetch := got.Result("fetchDocs")
	require.NotNil(t, fetch)
	assert.Equal(t, schema.StepStatusSucceeded, fetch.Status)
	assert.Equal(t, map[string]any{"pages": []any{"intro", "setup"}}, fetch.Output)
	assert.Equal(t, 2, fetch.Attempts)
	assert.True(t, fetch.Compensated)
	assert.Equal(t, []string{"unresolved placeholder {{x}}"}, fetch.Warnings)
	assert.NotNil(t, fetch.StartedAt)

	branch := got.Result("createBranch")
	require.NotNil(t, branch.Error)
	assert.Equal(t, "createBranch", branch.Error.StepID)
	assert.Nil(t, branch.Output)
	assert.False(t, branch.Compensated)

	notify := got.Result("notify")
	assert.Equal(t, schema.SkipUpstreamFailed, notify.SkipReason)
	assert.Nil(t, notify.StartedAt)
}

func TestGetRun_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetRun(context.Background(), "nonexistent")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestRecordRun_RequiresID(t *testing.T) {
	s := newTestStore(t)
	err := s.RecordRun(context.Background(), &schema.ExecutionRun{}, nil)
	assert.Equal(t, schema.ErrCodeStore, schema.CodeOf(err))
}

func TestRecordRun_ReplacesEarlierCopy(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	started := time.Now().UTC()

	first := sampleRun("run-1", "docs-sync", schema.RunStatusFailed, started)
	require.NoError(t, s.RecordRun(ctx, first, []schema.Event{
		{Sequence: 1, Type: schema.EventRunStarted, Timestamp: started},
	}))

	second := sampleRun("run-1", "docs-sync", schema.RunStatusSucceeded, started)
	delete(second.StepResults, "notify")
	require.NoError(t, s.RecordRun(ctx, second, []schema.Event{
		{Sequence: 1, Type: schema.EventRunStarted, Timestamp: started},
		{Sequence: 2, Type: schema.EventRunFinished, Timestamp: started},
	}))

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSucceeded, got.Status)
	assert.Len(t, got.StepResults, 2)

	events, err := s.GetEvents(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestGetEvents_OrderedBySequence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	events := []schema.Event{
		{Sequence: 3, Type: schema.EventStepSucceeded, StepID: "a", Timestamp: now, Payload: map[string]any{"attempts": 1}},
		{Sequence: 1, Type: schema.EventRunStarted, Timestamp: now, Payload: map[string]any{"parallel": true}},
		{Sequence: 2, Type: schema.EventStepStarted, StepID: "a", Timestamp: now},
		{Sequence: 4, Type: schema.EventRunFinished, Timestamp: now},
	}
	require.NoError(t, s.RecordRun(ctx, sampleRun("run-1", "wf", schema.RunStatusSucceeded, now), events))

	got, err := s.GetEvents(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, got, 4)
	for i, ev := range got {
		assert.Equal(t, int64(i+1), ev.Sequence)
		assert.Equal(t, "run-1", ev.RunID)
	}
	assert.Equal(t, schema.EventStepStarted, got[1].Type)
	assert.Equal(t, "a", got[1].StepID)
	assert.Empty(t, got[0].StepID)
	assert.Equal(t, map[string]any{"parallel": true}, got[0].Payload)
	assert.Equal(t, float64(1), got[2].Payload["attempts"])
	assert.Nil(t, got[3].Payload)

	none, err := s.GetEvents(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestListRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.RecordRun(ctx, sampleRun("r1", "docs-sync", schema.RunStatusSucceeded, base), nil))
	require.NoError(t, s.RecordRun(ctx, sampleRun("r2", "docs-sync", schema.RunStatusFailed, base.Add(time.Minute)), nil))
	require.NoError(t, s.RecordRun(ctx, sampleRun("r3", "release", schema.RunStatusSucceeded, base.Add(2*time.Minute)), nil))

	all, err := s.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "r3", all[0].ID)
	assert.Equal(t, "r1", all[2].ID)
	assert.Equal(t, 3, all[0].StepCount)

	docs, err := s.ListRuns(ctx, RunFilter{WorkflowID: "docs-sync"})
	require.NoError(t, err)
	assert.Len(t, docs, 2)

	failed, err := s.ListRuns(ctx, RunFilter{Status: schema.RunStatusFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "r2", failed[0].ID)

	limited, err := s.ListRuns(ctx, RunFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.Migrate(ctx))

	all, err := loadMigrations()
	require.NoError(t, err)
	require.NotEmpty(t, all)
	v, err := schemaVersion(ctx, s.db)
	require.NoError(t, err)
	assert.Equal(t, all[len(all)-1].version, v)
}

func TestLoadMigrations_Ordered(t *testing.T) {
	all, err := loadMigrations()
	require.NoError(t, err)
	assert.Equal(t, 1, all[0].version)
	assert.Equal(t, "run_history", all[0].name)
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].version, all[i].version)
	}
}

func TestSplitStatements(t *testing.T) {
	script := `-- header comment
CREATE TABLE a (id TEXT);

-- only a comment;
CREATE INDEX idx_a ON a(id);
`
	stmts := splitStatements(script)
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[0], "CREATE TABLE a")
	assert.Equal(t, "CREATE INDEX idx_a ON a(id)", stmts[1])
}

func TestStore_AsExecutorRecorder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	invoker := engine.InvokerFunc(func(_ context.Context, _, action string, params map[string]any) (any, error) {
		if action == "fail" {
			return nil, schema.NewError(schema.ErrCodeNonRetryable, "nope")
		}
		return params, nil
	})
	exec := engine.NewExecutor(invoker, engine.ExecutorConfig{PoolSize: 2, Recorder: s})
	defer exec.Close()

	def := &schema.WorkflowDefinition{
		ID:      "recorded",
		OnError: schema.ErrorPolicyContinue,
		Steps: []schema.Step{
			{ID: "a", Provider: "core", Action: "echo", Params: map[string]any{"n": 1}},
			{ID: "b", Provider: "core", Action: "fail", DependsOn: []string{"a"}},
			{ID: "c", Provider: "core", Action: "echo", DependsOn: []string{"b"}},
		},
	}
	run, err := exec.RunWorkflow(ctx, def, nil)
	require.NoError(t, err)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.Status, got.Status)
	assert.Equal(t, schema.StepStatusSucceeded, got.Result("a").Status)
	assert.Equal(t, schema.StepStatusFailed, got.Result("b").Status)
	assert.Equal(t, schema.SkipUpstreamFailed, got.Result("c").SkipReason)

	events, err := s.GetEvents(ctx, run.ID)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, schema.EventRunStarted, events[0].Type)
	assert.Equal(t, schema.EventRunFinished, events[len(events)-1].Type)
}

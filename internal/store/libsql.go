package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/toolflow/pkg/schema"
)

// LibSQLStore implements RunStore using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/history.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	if !strings.Contains(dbPath, ":") {
		dbPath = "file:" + dbPath
	}
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "open libsql: %v", err).WithCause(err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// OpenLibSQLStore opens the database and applies pending migrations.
func OpenLibSQLStore(ctx context.Context, dbPath string) (*LibSQLStore, error) {
	s, err := NewLibSQLStore(dbPath)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	if err := runMigrations(ctx, s.db); err != nil {
		return storeErr("migrate", err)
	}
	return nil
}

// RecordRun writes run, its step results and its events in one transaction.
// Recording the same run id again replaces the earlier copy.
func (s *LibSQLStore) RecordRun(ctx context.Context, run *schema.ExecutionRun, events []schema.Event) error {
	if run == nil || run.ID == "" {
		return schema.NewError(schema.ErrCodeStore, "record run: run id is required")
	}

	runErr, err := nullableJSON(run.Error)
	if err != nil {
		return storeErr("marshal run error", err)
	}
	order, err := nullableJSON(run.CompletionOrder)
	if err != nil {
		return storeErr("marshal completion order", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin record tx", err)
	}
	defer tx.Rollback()

	// Cascades to step_results and events.
	if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, run.ID); err != nil {
		return storeErr("replace run", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, workflow_id, status, error, completion_order, step_count, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowID, string(run.Status), runErr, order, len(run.StepResults),
		timeOrNow(run.StartedAt), nullTime(run.CompletedAt),
	)
	if err != nil {
		return storeErr("insert run", err)
	}

	for id, sr := range run.StepResults {
		if err := insertStepResult(ctx, tx, run.ID, id, sr); err != nil {
			return err
		}
	}

	for _, ev := range events {
		payload, err := nullableJSON(ev.Payload)
		if err != nil {
			return storeErr("marshal event payload", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO events (run_id, sequence, event_type, step_id, payload, timestamp)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			run.ID, ev.Sequence, ev.Type, nullStr(ev.StepID), payload, timeOrNow(ev.Timestamp),
		)
		if err != nil {
			return storeErr(fmt.Sprintf("insert event %d", ev.Sequence), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storeErr("commit run", err)
	}
	return nil
}

func insertStepResult(ctx context.Context, tx *sql.Tx, runID, stepID string, sr *schema.StepResult) error {
	if sr == nil {
		return nil
	}
	output, err := nullableJSON(sr.Output)
	if err != nil {
		return storeErr("marshal output of step "+stepID, err)
	}
	stepErr, err := nullableJSON(sr.Error)
	if err != nil {
		return storeErr("marshal error of step "+stepID, err)
	}
	rbErr, err := nullableJSON(sr.RollbackError)
	if err != nil {
		return storeErr("marshal rollback error of step "+stepID, err)
	}
	warnings, err := nullableJSON(sr.Warnings)
	if err != nil {
		return storeErr("marshal warnings of step "+stepID, err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO step_results (run_id, step_id, status, output, error, attempts, skip_reason, warnings, compensated, rollback_error, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, stepID, string(sr.Status), output, stepErr, sr.Attempts, nullStr(sr.SkipReason),
		warnings, sr.Compensated, rbErr, nullTime(sr.StartedAt), nullTime(sr.CompletedAt),
	)
	if err != nil {
		return storeErr("insert step "+stepID, err)
	}
	return nil
}

// GetRun loads a recorded run with all of its step results.
func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*schema.ExecutionRun, error) {
	run := &schema.ExecutionRun{ID: id}
	var (
		status        string
		runErr, order sql.NullString
		completedAt   sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT workflow_id, status, error, completion_order, started_at, completed_at FROM runs WHERE id = ?`, id,
	).Scan(&run.WorkflowID, &status, &runErr, &order, &run.StartedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("run", id)
	}
	if err != nil {
		return nil, storeErr("get run", err)
	}
	run.Status = schema.RunStatus(status)
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	if err := decodeJSON(runErr, &run.Error); err != nil {
		return nil, storeErr("decode run error", err)
	}
	if err := decodeJSON(order, &run.CompletionOrder); err != nil {
		return nil, storeErr("decode completion order", err)
	}

	results, err := s.stepResults(ctx, id)
	if err != nil {
		return nil, err
	}
	run.StepResults = results
	return run, nil
}

func (s *LibSQLStore) stepResults(ctx context.Context, runID string) (map[string]*schema.StepResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT step_id, status, output, error, attempts, skip_reason, warnings, compensated, rollback_error, started_at, completed_at
		 FROM step_results WHERE run_id = ?`, runID,
	)
	if err != nil {
		return nil, storeErr("list step results", err)
	}
	defer rows.Close()

	results := make(map[string]*schema.StepResult)
	for rows.Next() {
		sr := &schema.StepResult{}
		var (
			status                           string
			output, stepErr, warnings, rbErr sql.NullString
			skipReason                       sql.NullString
			startedAt, completedAt           sql.NullTime
		)
		if err := rows.Scan(&sr.StepID, &status, &output, &stepErr, &sr.Attempts, &skipReason,
			&warnings, &sr.Compensated, &rbErr, &startedAt, &completedAt); err != nil {
			return nil, storeErr("scan step result", err)
		}
		sr.Status = schema.StepStatus(status)
		sr.SkipReason = skipReason.String
		if startedAt.Valid {
			sr.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			sr.CompletedAt = &completedAt.Time
		}
		for _, f := range []struct {
			col sql.NullString
			dst any
		}{
			{output, &sr.Output},
			{stepErr, &sr.Error},
			{warnings, &sr.Warnings},
			{rbErr, &sr.RollbackError},
		} {
			if err := decodeJSON(f.col, f.dst); err != nil {
				return nil, storeErr("decode step "+sr.StepID, err)
			}
		}
		results[sr.StepID] = sr
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list step results", err)
	}
	return results, nil
}

// ListRuns returns recorded runs, most recent first.
func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*RunSummary, error) {
	query := `SELECT id, workflow_id, status, error, step_count, started_at, completed_at FROM runs`
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	query += fmt.Sprintf(" ORDER BY started_at DESC, id LIMIT %d", limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list runs", err)
	}
	defer rows.Close()

	var runs []*RunSummary
	for rows.Next() {
		r := &RunSummary{}
		var status string
		var runErr sql.NullString
		var completedAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.WorkflowID, &status, &runErr, &r.StepCount, &r.StartedAt, &completedAt); err != nil {
			return nil, storeErr("scan run", err)
		}
		r.Status = schema.RunStatus(status)
		if completedAt.Valid {
			r.CompletedAt = &completedAt.Time
		}
		if err := decodeJSON(runErr, &r.Error); err != nil {
			return nil, storeErr("decode run error", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list runs", err)
	}
	return runs, nil
}

// GetEvents returns the event log of a run ordered by sequence.
func (s *LibSQLStore) GetEvents(ctx context.Context, runID string) ([]schema.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sequence, event_type, step_id, payload, timestamp FROM events WHERE run_id = ? ORDER BY sequence ASC`,
		runID,
	)
	if err != nil {
		return nil, storeErr("list events", err)
	}
	defer rows.Close()

	var events []schema.Event
	for rows.Next() {
		ev := schema.Event{RunID: runID}
		var stepID, payload sql.NullString
		if err := rows.Scan(&ev.Sequence, &ev.Type, &stepID, &payload, &ev.Timestamp); err != nil {
			return nil, storeErr("scan event", err)
		}
		ev.StepID = stepID.String
		if err := decodeJSON(payload, &ev.Payload); err != nil {
			return nil, storeErr("decode event payload", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list events", err)
	}
	return events, nil
}

// --- Helpers ---

func storeErr(op string, err error) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %v", op, err).WithCause(err)
}

func storeNotFound(resource, id string) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullableJSON encodes v as a JSON column, storing NULL for nil values.
func nullableJSON[T any](v T) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(raw) == "null" {
		return nil, nil
	}
	return string(raw), nil
}

func decodeJSON(ns sql.NullString, dst any) error {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(ns.String), dst)
}

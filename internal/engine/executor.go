package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/toolflow/internal/logging"
	"github.com/rendis/toolflow/internal/streaming"
	"github.com/rendis/toolflow/pkg/schema"
)

// ToolInvoker performs one provider action. Implementations enforce their own timeouts.
type ToolInvoker interface {
	Invoke(ctx context.Context, provider, action string, params map[string]any) (any, error)
}

// InvokerFunc adapts a function to ToolInvoker.
type InvokerFunc func(ctx context.Context, provider, action string, params map[string]any) (any, error)

func (f InvokerFunc) Invoke(ctx context.Context, provider, action string, params map[string]any) (any, error) {
	return f(ctx, provider, action, params)
}

// RunRecorder persists a finished run and its event log.
type RunRecorder interface {
	RecordRun(ctx context.Context, run *schema.ExecutionRun, events []schema.Event) error
}

// DefaultPoolSize is the default worker pool concurrency.
const DefaultPoolSize = 10

// ExecutorConfig holds configuration for the executor.
type ExecutorConfig struct {
	PoolSize int                // max concurrent step tasks across all runs
	Logger   *slog.Logger       // nil = discard
	Hub      streaming.EventHub // optional live event fan-out
	Recorder RunRecorder        // optional run history
	Now      func() time.Time   // clock; nil = time.Now().UTC()
	NewRunID func() string      // nil = random UUID
	Wait     Waiter             // retry backoff wait; nil = WaitForBackoff
}

// Executor runs workflow definitions against a ToolInvoker.
// It holds no per-run state, so one Executor may run many workflows concurrently.
type Executor struct {
	invoker ToolInvoker
	cfg     ExecutorConfig
	pool    *WorkerPool
	logger  *slog.Logger
}

// NewExecutor creates an Executor.
func NewExecutor(invoker ToolInvoker, cfg ExecutorConfig) *Executor {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.NewRunID == nil {
		cfg.NewRunID = uuid.NewString
	}
	if cfg.Wait == nil {
		cfg.Wait = WaitForBackoff
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Executor{
		invoker: invoker,
		cfg:     cfg,
		pool:    NewWorkerPool(cfg.PoolSize),
		logger:  logger,
	}
}

// Close waits for in-flight step tasks and rejects further runs.
func (e *Executor) Close() {
	e.pool.Shutdown()
}

// PoolStats reports the shared step pool's counters.
func (e *Executor) PoolStats() PoolStats { return e.pool.Stats() }

// RunWorkflow validates def, executes it to completion, and returns the run.
// Only validation errors are returned as errors; step failures are reported
// through the run's status and step results.
func (e *Executor) RunWorkflow(ctx context.Context, def *schema.WorkflowDefinition, inputs map[string]any) (*schema.ExecutionRun, error) {
	g, err := BuildGraph(def)
	if err != nil {
		return nil, err
	}
	return e.execute(ctx, def, g, inputs, nil), nil
}

// RunHandle tracks a run started by Stream.
type RunHandle struct {
	RunID   string
	updates chan schema.Event
	done    chan struct{}
	run     *schema.ExecutionRun
}

// Updates delivers every event of the run in order and is closed after run_finished.
// Events are buffered; callers may ignore the channel.
func (h *RunHandle) Updates() <-chan schema.Event { return h.updates }

// Done is closed when the run reaches a terminal status.
func (h *RunHandle) Done() <-chan struct{} { return h.done }

// Wait blocks until the run finishes and returns it.
func (h *RunHandle) Wait() *schema.ExecutionRun {
	<-h.done
	return h.run
}

// Stream validates def and starts it in the background.
func (e *Executor) Stream(ctx context.Context, def *schema.WorkflowDefinition, inputs map[string]any) (*RunHandle, error) {
	g, err := BuildGraph(def)
	if err != nil {
		return nil, err
	}

	runID := e.cfg.NewRunID()
	h := &RunHandle{
		RunID:   runID,
		updates: make(chan schema.Event, eventCapacity(g)),
		done:    make(chan struct{}),
	}
	observe := func(ev schema.Event) {
		// Capacity covers every event a run can emit.
		select {
		case h.updates <- ev:
		default:
		}
	}
	go func() {
		defer close(h.done)
		h.run = e.executeWithID(ctx, runID, def, g, inputs, observe)
		close(h.updates)
	}()
	return h, nil
}

// eventCapacity bounds the events one run can emit: run start and finish, plus
// per step a start, a settle, a compensation, and one event per retry.
func eventCapacity(g *Graph) int {
	n := 2
	for _, id := range g.Order {
		n += 3
		if r := g.Steps[id].Retry; r != nil {
			n += r.MaxRetries
		}
	}
	return n
}

func (e *Executor) execute(ctx context.Context, def *schema.WorkflowDefinition, g *Graph, inputs map[string]any, observe func(schema.Event)) *schema.ExecutionRun {
	return e.executeWithID(ctx, e.cfg.NewRunID(), def, g, inputs, observe)
}

// stepOutcome is what a step task sends back to the scheduler.
type stepOutcome struct {
	stepID   string
	output   any
	attempts int
	err      *schema.Error
	retries  []retryNote
}

type retryNote struct {
	attempt int
	err     string
	delay   time.Duration
}

// scheduler is the single owner of one run's ExecutionContext.
type scheduler struct {
	e       *Executor
	def     *schema.WorkflowDefinition
	g       *Graph
	ec      *ExecutionContext
	policy  schema.ErrorPolicy
	logger  *slog.Logger
	results chan stepOutcome

	inFlight        int
	halted          bool
	haltedByFailure bool
	cancelled       bool
	trigger         *schema.Error
}

func (e *Executor) executeWithID(ctx context.Context, runID string, def *schema.WorkflowDefinition, g *Graph, inputs map[string]any, observe func(schema.Event)) *schema.ExecutionRun {
	ctx = logging.WithRunID(logging.WithWorkflowID(ctx, def.ID), runID)

	var hubCtx context.Context
	if e.cfg.Hub != nil {
		hubCtx = context.WithoutCancel(ctx)
	}
	emit := func(ev schema.Event) {
		if observe != nil {
			observe(ev)
		}
		if e.cfg.Hub != nil {
			_ = e.cfg.Hub.Publish(hubCtx, streaming.FromEvent(def.ID, ev))
		}
	}

	s := &scheduler{
		e:       e,
		def:     def,
		g:       g,
		ec:      newExecutionContext(runID, g, inputs, e.cfg.Now, emit),
		policy:  def.OnError.Effective(),
		logger:  e.logger,
		results: make(chan stepOutcome, len(g.Order)),
	}
	s.ec.run.WorkflowID = def.ID

	_ = s.ec.transitionRun(schema.RunStatusRunning, map[string]any{
		"steps":    len(g.Order),
		"parallel": def.Parallel,
		"on_error": string(s.policy),
	})
	s.logger.InfoContext(ctx, "run started",
		slog.Int("steps", len(g.Order)), slog.Bool("parallel", def.Parallel), slog.String("on_error", string(s.policy)))

	s.loop(ctx)
	run := s.finish(ctx)

	if e.cfg.Recorder != nil {
		if err := e.cfg.Recorder.RecordRun(context.WithoutCancel(ctx), run, s.ec.Events()); err != nil {
			s.logger.WarnContext(ctx, "failed to record run", slog.String("error", err.Error()))
		}
	}
	return run
}

// loop dispatches ready steps and folds outcomes into the context until
// nothing is left to run.
func (s *scheduler) loop(ctx context.Context) {
	done := ctx.Done()
	for {
		if !s.halted && ctx.Err() != nil {
			s.cancel(ctx)
			done = nil
		}
		if !s.halted {
			s.dispatch(ctx)
		}
		if s.inFlight == 0 {
			return
		}
		select {
		case o := <-s.results:
			s.inFlight--
			s.settle(ctx, o)
		case <-done:
			s.cancel(ctx)
			done = nil
		}
	}
}

func (s *scheduler) cancel(ctx context.Context) {
	if s.cancelled {
		return
	}
	s.cancelled = true
	s.halted = true
	s.logger.WarnContext(ctx, "run cancelled, waiting for in-flight steps", slog.Int("in_flight", s.inFlight))
}

// dispatch resolves every pending step it can. Skips may unblock further
// steps, so it repeats until a pass makes no progress.
func (s *scheduler) dispatch(ctx context.Context) {
	outputs := s.ec.Outputs()
	for progress := true; progress && !s.halted; {
		progress = false
		for _, id := range s.ec.pending(s.g.Order) {
			// Sequential runs keep at most one step in flight.
			if !s.def.Parallel && s.inFlight > 0 {
				return
			}
			// Outcomes settled while waiting for a pool slot may have
			// skipped steps listed in this pass.
			if s.ec.Result(id).Status != schema.StepStatusPending {
				continue
			}
			step := s.g.Steps[id]
			decision, condErr := Evaluate(step, s.g.Deps[id], s.ec.run.StepResults, outputs)
			switch decision {
			case DecisionWait:
				continue
			case DecisionSkipUpstream:
				s.skip(ctx, id, schema.SkipUpstreamFailed)
				progress = true
			case DecisionSkip:
				s.skip(ctx, id, schema.SkipConditionFalse)
				progress = true
			case DecisionRun:
				if !s.start(ctx, step, condErr) {
					return
				}
				outputs = s.ec.Outputs()
				progress = true
			}
		}
	}
}

func (s *scheduler) skip(ctx context.Context, id, reason string) {
	if err := s.ec.skip(id, reason); err != nil {
		s.logger.ErrorContext(ctx, "skip rejected", slog.String("step_id", id), slog.String("error", err.Error()))
		return
	}
	s.logger.DebugContext(logging.WithStepID(ctx, id), "step skipped", slog.String("reason", reason))
}

// start resolves a step's parameters and hands it to the worker pool.
// It returns false when the step was not dispatched: the run halted while it
// waited for a slot, or the pool refused it.
func (s *scheduler) start(ctx context.Context, step *schema.Step, condErr error) bool {
	stepCtx := logging.WithStepID(ctx, step.ID)
	if !s.claimSlot(ctx) {
		return false
	}

	var warnings []string
	if condErr != nil {
		warnings = append(warnings, "condition error: "+condErr.Error())
		s.logger.WarnContext(stepCtx, "condition failed, running step", slog.String("error", condErr.Error()))
	}
	params, unresolved := ResolveParams(step.Params, s.ec.Scope())
	for _, w := range unresolved {
		warnings = append(warnings, w.String())
		s.logger.WarnContext(stepCtx, "unresolved placeholder", slog.String("token", w.Token), slog.String("reason", w.Reason))
	}

	policy := NewRetryPolicy(step.Retry)
	policy.Wait = s.e.cfg.Wait
	task := s.task(step, params, policy)

	if err := s.e.pool.launch(ctx, task); err != nil {
		s.logger.WarnContext(stepCtx, "dispatch refused", slog.String("error", err.Error()))
		s.cancel(ctx)
		return false
	}
	s.inFlight++

	_ = s.ec.transitionStep(step.ID, schema.StepStatusRunning, func(r *schema.StepResult) {
		r.Warnings = warnings
	}, map[string]any{"provider": step.Provider, "action": step.Action})
	s.logger.DebugContext(stepCtx, "step dispatched",
		slog.String("provider", step.Provider), slog.String("action", step.Action))
	return true
}

// claimSlot waits for a free pool slot while still settling this run's
// outcomes, so a failure that lands during the wait halts the run before the
// waiting step is dispatched. It returns false, holding no slot, when the run
// halted, was cancelled, or the pool shut down.
func (s *scheduler) claimSlot(ctx context.Context) bool {
	pool := s.e.pool
	pool.waiting.Add(1)
	defer pool.waiting.Add(-1)

	for {
		select {
		case pool.acquire() <- struct{}{}:
			// A task reports before giving up its slot, so an outcome that
			// freed this slot is already buffered.
			s.drain(ctx)
			if s.halted {
				pool.release()
				return false
			}
			return true
		case o := <-s.results:
			s.inFlight--
			s.settle(ctx, o)
			if s.halted {
				return false
			}
		case <-ctx.Done():
			s.cancel(ctx)
			return false
		case <-pool.closing():
			s.logger.WarnContext(ctx, "dispatch refused", slog.String("error", ErrPoolShutdown.Error()))
			s.cancel(ctx)
			return false
		}
	}
}

// drain settles every outcome already waiting without blocking.
func (s *scheduler) drain(ctx context.Context) {
	for {
		select {
		case o := <-s.results:
			s.inFlight--
			s.settle(ctx, o)
		default:
			return
		}
	}
}

// task builds the closure run on the worker pool. It only reads its arguments
// and reports back through the results channel.
func (s *scheduler) task(step *schema.Step, params map[string]any, policy RetryPolicy) func(context.Context) {
	invoker := s.e.invoker
	results := s.results
	return func(ctx context.Context) {
		ctx = logging.WithStepID(ctx, step.ID)
		o := stepOutcome{stepID: step.ID}
		defer func() {
			if r := recover(); r != nil {
				o.output = nil
				o.err = schema.NewErrorf(schema.ErrCodeProvider, "provider panicked: %v", r).WithStep(step.ID)
				if o.attempts == 0 {
					o.attempts = 1
				}
			}
			results <- o
		}()

		o.output, o.attempts, o.err = policy.Do(ctx, func(ctx context.Context, attempt int) (any, error) {
			o.attempts = attempt
			return invoker.Invoke(ctx, step.Provider, step.Action, params)
		}, func(attempt int, err error, delay time.Duration) {
			o.retries = append(o.retries, retryNote{attempt: attempt, err: err.Error(), delay: delay})
		})
		if o.err != nil {
			stepErr := *o.err
			stepErr.StepID = step.ID
			o.err = &stepErr
		}
	}
}

// settle records a finished step and applies the error policy.
func (s *scheduler) settle(ctx context.Context, o stepOutcome) {
	stepCtx := logging.WithStepID(ctx, o.stepID)
	for _, n := range o.retries {
		s.ec.emit(schema.EventStepRetrying, o.stepID, map[string]any{
			"attempt":  n.attempt,
			"error":    n.err,
			"delay_ms": n.delay.Milliseconds(),
		})
	}

	if o.err == nil {
		_ = s.ec.transitionStep(o.stepID, schema.StepStatusSucceeded, func(r *schema.StepResult) {
			r.Output = o.output
			r.Attempts = o.attempts
		}, map[string]any{"attempts": o.attempts})
		s.logger.InfoContext(stepCtx, "step succeeded", slog.Int("attempts", o.attempts))
		return
	}

	_ = s.ec.transitionStep(o.stepID, schema.StepStatusFailed, func(r *schema.StepResult) {
		r.Error = o.err
		r.Attempts = o.attempts
	}, map[string]any{"attempts": o.attempts, "code": o.err.Code, "error": o.err.Message})
	s.logger.WarnContext(stepCtx, "step failed",
		slog.Int("attempts", o.attempts), slog.String("code", o.err.Code), slog.String("error", o.err.Message))

	// Dependents can never run, whatever the policy.
	for _, dep := range s.g.Transitive(o.stepID) {
		if s.ec.Result(dep).Status == schema.StepStatusPending {
			s.skip(ctx, dep, schema.SkipUpstreamFailed)
		}
	}

	if haltsOnFailure(s.policy) && !s.haltedByFailure && !s.cancelled {
		s.halted = true
		s.haltedByFailure = true
		s.trigger = o.err
		s.logger.InfoContext(stepCtx, "halting run", slog.String("on_error", string(s.policy)), slog.Int("in_flight", s.inFlight))
	}
}

// finish skips whatever never ran, compensates if required, and closes the run.
func (s *scheduler) finish(ctx context.Context) *schema.ExecutionRun {
	for _, id := range s.ec.pending(s.g.Order) {
		s.skip(ctx, id, schema.SkipRunHalted)
	}

	run := s.ec.Run()
	rollbackFailures := 0
	if s.haltedByFailure && s.policy == schema.ErrorPolicyRollback {
		s.logger.InfoContext(ctx, "rolling back", slog.Int("completed", len(run.CompletionOrder)))
		rollbackFailures = rollback(context.WithoutCancel(ctx), s.ec, s.g, s.e.invoker, s.logger)
	}

	status := finalStatus(s.policy, s.haltedByFailure, s.ec.hasFailures(), rollbackFailures > 0)
	switch {
	case s.cancelled && !s.haltedByFailure:
		status = schema.RunStatusFailed
		run.Error = schema.NewError(schema.ErrCodeCancelled, "run cancelled")
		if err := ctx.Err(); err != nil {
			run.Error.WithCause(err)
		}
	case rollbackFailures > 0:
		run.Error = schema.NewErrorf(schema.ErrCodeRollback, "%d compensation(s) failed", rollbackFailures).
			WithCause(s.trigger)
	case s.haltedByFailure:
		run.Error = s.trigger
	}

	payload := map[string]any{}
	if run.Error != nil {
		payload["code"] = run.Error.Code
	}
	_ = s.ec.transitionRun(status, payload)

	counts := run.CountByStatus()
	s.logger.InfoContext(ctx, "run finished",
		slog.String("status", string(status)),
		slog.Int("succeeded", counts[schema.StepStatusSucceeded]),
		slog.Int("failed", counts[schema.StepStatusFailed]),
		slog.Int("skipped", counts[schema.StepStatusSkipped]))
	return run
}

// Summary renders a one-line description of a finished run.
func Summary(run *schema.ExecutionRun) string {
	c := run.CountByStatus()
	return fmt.Sprintf("%s: %d succeeded, %d failed, %d skipped",
		run.Status, c[schema.StepStatusSucceeded], c[schema.StepStatusFailed], c[schema.StepStatusSkipped])
}

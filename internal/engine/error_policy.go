package engine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/rendis/toolflow/internal/logging"
	"github.com/rendis/toolflow/pkg/schema"
)

// haltsOnFailure reports whether a failed step stops new dispatch under policy p.
func haltsOnFailure(p schema.ErrorPolicy) bool {
	return p.Effective() != schema.ErrorPolicyContinue
}

// finalStatus derives the aggregate run status once every step has settled.
func finalStatus(policy schema.ErrorPolicy, haltedByFailure, anyFailed, rollbackFailed bool) schema.RunStatus {
	if haltedByFailure {
		if policy.Effective() == schema.ErrorPolicyRollback && !rollbackFailed {
			return schema.RunStatusRolledBack
		}
		return schema.RunStatusFailed
	}
	if anyFailed {
		return schema.RunStatusPartiallySucceeded
	}
	return schema.RunStatusSucceeded
}

// rollback compensates succeeded steps in reverse completion order.
// A failing compensation is recorded on its step and does not stop the rest.
// It returns the number of compensations that failed.
func rollback(ctx context.Context, ec *ExecutionContext, g *Graph, invoker ToolInvoker, logger *slog.Logger) int {
	order := slices.Clone(ec.Run().CompletionOrder)
	slices.Reverse(order)

	failed := 0
	for _, id := range order {
		r := ec.Result(id)
		if r.Status != schema.StepStatusSucceeded {
			continue
		}
		step := g.Steps[id]
		stepCtx := logging.WithStepID(ctx, id)
		if step.Compensate == nil && step.Compensation == nil {
			logger.WarnContext(stepCtx, "no compensating action")
			continue
		}

		if err := compensate(stepCtx, step, r.Output, ec.Scope(), invoker); err != nil {
			failed++
			rbErr := schema.NewErrorf(schema.ErrCodeRollback, "compensation failed: %s", err.Error()).
				WithStep(id).WithCause(err)
			r.RollbackError = rbErr
			ec.emit(schema.EventStepCompensationFailed, id, map[string]any{"error": err.Error()})
			logger.WarnContext(stepCtx, "compensation failed", slog.String("error", err.Error()))
			continue
		}
		r.Compensated = true
		ec.emit(schema.EventStepCompensated, id, nil)
		logger.DebugContext(stepCtx, "step compensated")
	}
	return failed
}

// compensate runs a step's compensating action. Compensate takes precedence
// over a declarative Compensation; the latter sees the step output as "output".
func compensate(ctx context.Context, step *schema.Step, output any, scope map[string]any, invoker ToolInvoker) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("compensation panicked: %v", r)
		}
	}()

	if step.Compensate != nil {
		return step.Compensate(ctx, output)
	}

	call := step.Compensation
	scope["output"] = output
	params, _ := ResolveParams(call.Params, scope)
	_, err = invoker.Invoke(ctx, call.Provider, call.Action, params)
	return err
}

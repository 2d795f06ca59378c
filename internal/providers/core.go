package providers

import (
	"context"
	"maps"

	"github.com/rendis/toolflow/internal/expressions"
	"github.com/rendis/toolflow/pkg/schema"
)

// CoreProviderName is the name of the builtin provider.
const CoreProviderName = "core"

// CoreProvider offers data-plumbing actions that need no external system.
type CoreProvider struct {
	jq   *expressions.GoJQEngine
	expr *expressions.ExprEngine
}

// NewCoreProvider creates the builtin provider.
func NewCoreProvider() *CoreProvider {
	return &CoreProvider{
		jq:   expressions.NewGoJQEngine(),
		expr: expressions.NewExprEngine(),
	}
}

func (p *CoreProvider) Name() string { return CoreProviderName }

func (p *CoreProvider) Actions() []ActionInfo {
	return []ActionInfo{
		{Name: "echo", Description: "Return the resolved params unchanged."},
		{Name: "jq", Description: "Run the jq program `filter` over `input`."},
		{Name: "eval", Description: "Evaluate the expr-lang `expression` with `env` as variables."},
		{Name: "fail", Description: "Fail with `message`; `retryable: false` makes the failure permanent."},
	}
}

func (p *CoreProvider) Invoke(ctx context.Context, action string, params map[string]any) (any, error) {
	switch action {
	case "echo":
		return maps.Clone(params), nil

	case "jq":
		filter := stringParam(params, "filter", "")
		if filter == "" {
			return nil, schema.NewError(schema.ErrCodeNonRetryable, "core.jq: missing required param 'filter'")
		}
		results, err := p.jq.Query(ctx, filter, params["input"])
		if err != nil {
			return nil, nonRetryable(err)
		}
		switch len(results) {
		case 0:
			return nil, nil
		case 1:
			return results[0], nil
		default:
			return results, nil
		}

	case "eval":
		expression := stringParam(params, "expression", "")
		if expression == "" {
			return nil, schema.NewError(schema.ErrCodeNonRetryable, "core.eval: missing required param 'expression'")
		}
		env, _ := expressions.Normalize(mapParam(params, "env")).(map[string]any)
		out, err := p.expr.Evaluate(ctx, expression, env)
		if err != nil {
			return nil, nonRetryable(err)
		}
		return out, nil

	case "fail":
		msg := stringParam(params, "message", "core.fail")
		if retryable, ok := params["retryable"].(bool); ok && !retryable {
			return nil, schema.NewError(schema.ErrCodeNonRetryable, msg)
		}
		return nil, schema.NewError(schema.ErrCodeProvider, msg)
	}
	return nil, schema.NewErrorf(schema.ErrCodeProviderNotFound, "core has no action %q", action)
}

// nonRetryable turns expression compile errors into permanent step failures.
func nonRetryable(err error) error {
	if e, ok := schema.AsError(err); ok && e.Code == schema.ErrCodeValidation {
		return schema.NewError(schema.ErrCodeNonRetryable, e.Message).WithCause(err)
	}
	return err
}

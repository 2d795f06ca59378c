package expressions

import (
	"context"
	"fmt"
	"strings"

	"github.com/rendis/toolflow/pkg/schema"
)

// Condition languages accepted in Step.WhenLang.
const (
	LangCEL  = "cel"
	LangExpr = "expr"
)

// Conditions compiles `when` expressions into schema.Condition predicates.
// One instance can be shared by every loaded definition.
type Conditions struct {
	cel  *CELEngine
	expr *ExprEngine
}

// NewConditions builds the CEL and Expr engines used for step conditions.
func NewConditions() (*Conditions, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Conditions{cel: celEngine, expr: NewExprEngine()}, nil
}

// Compile checks expression in the given language (empty means CEL) and returns
// a predicate over succeeded step outputs, exposed to the expression as `steps`.
// Inputs are bound at compile time and visible as `inputs`.
func (c *Conditions) Compile(lang, expression string, inputs map[string]any) (schema.Condition, error) {
	var engine Engine
	switch strings.ToLower(strings.TrimSpace(lang)) {
	case "", LangCEL:
		if err := c.cel.Compile(expression); err != nil {
			return nil, err
		}
		engine = c.cel
	case LangExpr:
		if err := c.expr.Compile(expression); err != nil {
			return nil, err
		}
		engine = c.expr
	default:
		return nil, schema.NewValidationError(schema.ReasonInvalidCondition,
			"unknown condition language %q", lang)
	}

	bound, _ := Normalize(inputs).(map[string]any)
	return func(outputs map[string]any) (bool, error) {
		data := map[string]any{
			"steps":  Normalize(outputs),
			"inputs": bound,
		}
		out, err := engine.Evaluate(context.Background(), expression, data)
		if err != nil {
			return false, err
		}
		b, ok := out.(bool)
		if !ok {
			return false, fmt.Errorf("condition %q returned %T, want bool", expression, out)
		}
		return b, nil
	}, nil
}

// Bind compiles every step's When into its Condition in place. A Condition
// set by the caller is left alone; one compiled by an earlier Bind is rebuilt
// against the new inputs.
func (c *Conditions) Bind(def *schema.WorkflowDefinition, inputs map[string]any) error {
	for i := range def.Steps {
		s := &def.Steps[i]
		if s.When == "" || (s.Condition != nil && !s.WhenBound) {
			continue
		}
		cond, err := c.Compile(s.WhenLang, s.When, inputs)
		if err != nil {
			if e, ok := schema.AsError(err); ok {
				return e.WithStep(s.ID)
			}
			return err
		}
		s.Condition = cond
		s.WhenBound = true
	}
	return nil
}

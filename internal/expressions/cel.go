package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/rendis/toolflow/pkg/schema"
)

// celVariables are the top-level names a CEL expression may reference.
var celVariables = []string{"steps", "inputs"}

// CELEngine implements Engine using Google's Common Expression Language.
// It is the default condition language.
type CELEngine struct {
	env      *cel.Env
	programs *programCache[cel.Program]
}

// NewCELEngine creates a CEL engine whose environment exposes:
//   - steps:  map(string, dyn), outputs of succeeded steps keyed by step ID
//   - inputs: map(string, dyn), the run's initial variables
func NewCELEngine() (*CELEngine, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)

	opts := make([]cel.EnvOption, 0, len(celVariables))
	for _, name := range celVariables {
		opts = append(opts, cel.Variable(name, mapType))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	e := &CELEngine{env: env}
	e.programs = newProgramCache(LangCEL, e.compile)
	return e, nil
}

func (e *CELEngine) Name() string { return LangCEL }

// Compile checks expression without evaluating it.
func (e *CELEngine) Compile(expression string) error {
	_, err := e.programs.get(expression)
	return err
}

func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	prg, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}
	out, _, err := prg.ContextEval(ctx, activation(data))
	if err != nil {
		return nil, evalError(LangCEL, expression, err)
	}
	return out.Value(), nil
}

func (e *CELEngine) compile(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, compileError(LangCEL, schema.ReasonInvalidCondition, expression, issues.Err())
	}
	prg, err := e.env.Program(ast, cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, compileError(LangCEL, schema.ReasonInvalidCondition, expression, err)
	}
	return prg, nil
}

// activation fills missing variables with empty maps so references fail as
// "no such key" instead of unbound-variable errors.
func activation(data map[string]any) map[string]any {
	act := make(map[string]any, len(celVariables))
	for _, key := range celVariables {
		if v, ok := data[key]; ok && v != nil {
			act[key] = v
		} else {
			act[key] = map[string]any{}
		}
	}
	return act
}

var _ Engine = (*CELEngine)(nil)

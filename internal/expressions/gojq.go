package expressions

import (
	"context"

	"github.com/itchyny/gojq"

	"github.com/rendis/toolflow/pkg/schema"
)

// LangJQ names the jq engine in errors.
const LangJQ = "jq"

// GoJQEngine implements Engine with gojq. It backs the core provider's jq
// action rather than conditions.
type GoJQEngine struct {
	programs *programCache[*gojq.Code]
}

func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{programs: newProgramCache(LangJQ, compileJQ)}
}

func (e *GoJQEngine) Name() string { return LangJQ }

// Evaluate runs expression with data as its input. A single output is returned
// as-is, several outputs are collected into []any, and no output yields nil.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	var input any = map[string]any{}
	if data != nil {
		input = data
	}
	results, err := e.Query(ctx, expression, input)
	if err != nil {
		return nil, err
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// Query runs expression against any JSON-shaped input and returns every output.
// Input is normalized first, so Go structs and integer types are accepted.
func (e *GoJQEngine) Query(ctx context.Context, expression string, input any) ([]any, error) {
	code, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}

	var results []any
	iter := code.RunWithContext(ctx, Normalize(input))
	for {
		val, ok := iter.Next()
		if !ok {
			return results, nil
		}
		if err, isErr := val.(error); isErr {
			return nil, evalError(LangJQ, expression, err)
		}
		results = append(results, val)
	}
}

func compileJQ(expression string) (*gojq.Code, error) {
	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, compileError(LangJQ, schema.ReasonSchema, expression, err)
	}
	// $ENV and env are empty.
	code, err := gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
	if err != nil {
		return nil, compileError(LangJQ, schema.ReasonSchema, expression, err)
	}
	return code, nil
}

var _ Engine = (*GoJQEngine)(nil)

package expressions

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rendis/toolflow/pkg/schema"
)

// Engine evaluates an expression against a data document.
// CEL and Expr back step conditions; GoJQ backs the core.jq action.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// programCache memoizes compiled programs by their source text. Definitions
// are evaluated many times per run, so each expression compiles once.
type programCache[P any] struct {
	engine  string
	compile func(expression string) (P, error)

	mu       sync.RWMutex
	programs map[string]P
}

func newProgramCache[P any](engine string, compile func(string) (P, error)) *programCache[P] {
	return &programCache[P]{engine: engine, compile: compile, programs: make(map[string]P)}
}

func (c *programCache[P]) get(expression string) (P, error) {
	var zero P
	if expression == "" {
		return zero, schema.NewValidationError(schema.ReasonInvalidCondition, "empty %s expression", c.engine)
	}

	c.mu.RLock()
	p, ok := c.programs[expression]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	p, err := c.compile(expression)
	if err != nil {
		return zero, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// A concurrent compile of the same text may have won; keep the first.
	if prev, ok := c.programs[expression]; ok {
		return prev, nil
	}
	c.programs[expression] = p
	return p, nil
}

func (c *programCache[P]) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.programs)
}

// compileError reports an expression that cannot be compiled.
func compileError(engine, reason, expression string, err error) *schema.Error {
	return schema.NewValidationError(reason, "%s compile error in %q: %s", engine, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"engine": engine, "expression": expression})
}

// evalError reports a compiled expression that failed at run time. These are
// never retryable: the same data fails the same way.
func evalError(engine, expression string, err error) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeNonRetryable, "%s evaluation failed for %q: %s", engine, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"engine": engine, "expression": expression})
}

// Normalize converts arbitrary Go values (structs, typed slices, ints) into the
// JSON shapes the engines understand: map[string]any, []any, float64, string, bool, nil.
func Normalize(v any) any {
	switch val := v.(type) {
	case nil, string, bool, float64:
		return val
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = Normalize(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Normalize(item)
		}
		return out
	case int:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case float32:
		return float64(val)
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/toolflow/pkg/schema"
)

// ExprEngine implements Engine using expr-lang/expr, selected with
// when_lang: expr. Beyond CEL it offers let bindings, array builtins (filter,
// map, count, any, all, sum), nil coalescing (??) and optional chaining (?.).
type ExprEngine struct {
	programs *programCache[*vm.Program]
}

func NewExprEngine() *ExprEngine {
	return &ExprEngine{programs: newProgramCache(LangExpr, compileExpr)}
}

func (e *ExprEngine) Name() string { return LangExpr }

// Compile checks expression without evaluating it.
func (e *ExprEngine) Compile(expression string) error {
	_, err := e.programs.get(expression)
	return err
}

// Evaluate runs expression with every key of data as a top-level variable.
func (e *ExprEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	prg, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string]any{}
	}
	out, err := vm.Run(prg, data)
	if err != nil {
		return nil, evalError(LangExpr, expression, err)
	}
	return out, nil
}

// compileExpr compiles against an untyped environment. Undefined variables
// evaluate to nil, so one program serves any data shape.
func compileExpr(expression string) (*vm.Program, error) {
	prg, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, compileError(LangExpr, schema.ReasonInvalidCondition, expression, err)
	}
	return prg, nil
}

var _ Engine = (*ExprEngine)(nil)

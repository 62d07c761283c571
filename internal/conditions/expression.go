package conditions

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ExprEnv is the complete evaluation context for the expression condition.
// Only request method, path, host, and headers are visible; there is no
// handle to the process, filesystem, or any loadable module, so a compiled
// expression cannot do more than compute a boolean over these fields.
type ExprEnv struct {
	Method  string            `expr:"method"`
	Path    string            `expr:"path"`
	Host    string            `expr:"host"`
	Headers map[string]string `expr:"headers"` // lowercase header names, first value
}

func buildExpression(spec Spec, _ CompileFunc) (Predicate, error) {
	src, err := stringParam(spec, "expression")
	if err != nil {
		return nil, err
	}

	program, err := expr.Compile(src, expr.Env(ExprEnv{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile expression: %w", err)
	}

	return func(req *Request) bool {
		return runExpression(program, req)
	}, nil
}

func runExpression(program *vm.Program, req *Request) bool {
	env := ExprEnv{
		Method:  req.Method(),
		Path:    req.Path(),
		Host:    req.Host(),
		Headers: req.HeaderMap(),
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false
	}
	b, ok := out.(bool)
	return ok && b
}

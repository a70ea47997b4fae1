package builtin

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"mcpagent/pkg/tools"
)

// CalculatorArgs are the arguments of the calculator tool.
type CalculatorArgs struct {
	Expr string `json:"expr" jsonschema:"arithmetic expression, e.g. (2 + 3) * 4 or 7.5 / 2.0"`
}

// NewCalculator evaluates arithmetic with the CEL runtime. Integer and
// floating point operands must not be mixed: write 2.0 instead of 2.
func NewCalculator() (tools.LocalTool, error) {
	env, err := cel.NewEnv()
	if err != nil {
		return nil, fmt.Errorf("calculator: %w", err)
	}
	return tools.NewTypedTool("calculator",
		"Evaluate an arithmetic expression and return the result.",
		func(ctx context.Context, in CalculatorArgs) (string, error) {
			return evaluate(env, in.Expr)
		})
}

func evaluate(env *cel.Env, expr string) (string, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return "", fmt.Errorf("empty expression")
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return "", fmt.Errorf("compile %q: %w", expr, iss.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return "", fmt.Errorf("program %q: %w", expr, err)
	}
	out, _, err := prg.Eval(map[string]any{})
	if err != nil {
		return "", fmt.Errorf("eval %q: %w", expr, err)
	}
	return fmt.Sprint(out.Value()), nil
}

package plan

import (
	"reflect"
	"strconv"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/pkg/errors"
)

// Guard evaluates an operator-supplied CEL expression against a completed
// plan before it may be confirmed. An empty expression allows everything.
//
// The expression sees amount and slippage as doubles (0 when unset or not
// numeric) and fromToken, toToken, interval, duration as strings. Example:
//
//	amount <= 10000.0 && fromToken != toToken
type Guard struct {
	program cel.Program
	expr    string
}

// NewGuard compiles the expression. A guard that cannot compile, or does not
// produce a bool, is a configuration error and fails at startup.
func NewGuard(expr string) (*Guard, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return &Guard{}, nil
	}

	env, err := cel.NewEnv(
		cel.Variable(FieldFromToken, cel.StringType),
		cel.Variable(FieldToToken, cel.StringType),
		cel.Variable(FieldAmount, cel.DoubleType),
		cel.Variable(FieldInterval, cel.StringType),
		cel.Variable(FieldDuration, cel.StringType),
		cel.Variable("slippage", cel.DoubleType),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create guard environment")
	}

	celAST, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, errors.Wrapf(issues.Err(), "invalid guard expression: %s", expr)
	}
	if !reflect.DeepEqual(celAST.OutputType(), cel.BoolType) {
		return nil, errors.Errorf("guard expression must produce bool, got %v", celAST.OutputType())
	}

	program, err := env.Program(celAST)
	if err != nil {
		return nil, errors.Wrap(err, "build guard program")
	}
	return &Guard{program: program, expr: expr}, nil
}

// Enabled reports whether an expression is configured.
func (g *Guard) Enabled() bool {
	return g != nil && g.program != nil
}

// Expr returns the configured expression, for logging.
func (g *Guard) Expr() string {
	if g == nil {
		return ""
	}
	return g.expr
}

// Allow evaluates the guard against a plan. Evaluation errors are returned
// to the caller, which should treat them as a denial.
func (g *Guard) Allow(p PlanData) (bool, error) {
	if !g.Enabled() {
		return true, nil
	}

	out, _, err := g.program.Eval(map[string]any{
		FieldFromToken: p.FromToken,
		FieldToToken:   p.ToToken,
		FieldAmount:    numeric(p.Amount),
		FieldInterval:  p.Interval,
		FieldDuration:  p.Duration,
		"slippage":     numeric(p.Slippage),
	})
	if err != nil {
		return false, errors.Wrap(err, "evaluate guard")
	}

	allowed, ok := out.Value().(bool)
	if !ok {
		return false, errors.Errorf("guard produced %T, want bool", out.Value())
	}
	return allowed, nil
}

func numeric(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}

package workflow

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
)

// evaluateCondition evaluates expr as a restricted boolean expression over
// context keys. This replaces an unsafe general-purpose evaluator: the CEL
// environment only ever declares the keys present in context as dynamically
// typed variables, so an expression cannot reach host attributes. What it
// can call is CEL's standard operators and functions (comparisons, &&/||/!,
// indexing, size(), and the rest of the CEL standard library) plus a len()
// function added here, which returns the size of a string, list or map.
func evaluateCondition(expr string, context map[string]any) (bool, error) {
	opts := make([]cel.EnvOption, 0, len(context)+1)
	for k := range context {
		opts = append(opts, cel.Variable(k, cel.DynType))
	}
	opts = append(opts, cel.Function("len",
		cel.Overload("len_dyn", []*cel.Type{cel.DynType}, cel.IntType,
			cel.UnaryBinding(func(v ref.Val) ref.Val {
				if s, ok := v.(traits.Sizer); ok {
					return s.Size()
				}
				return types.NewErr("len: unsupported type %s", v.Type().TypeName())
			}))))
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return false, fmt.Errorf("condition: building evaluator: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return false, fmt.Errorf("condition: invalid expression %q: %w", expr, issues.Err())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return false, fmt.Errorf("condition: building program: %w", err)
	}

	out, _, err := prg.Eval(context)
	if err != nil {
		return false, fmt.Errorf("condition: evaluating %q: %w", expr, err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition: expression %q did not evaluate to a boolean", expr)
	}
	return result, nil
}

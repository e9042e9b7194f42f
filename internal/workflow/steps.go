package workflow

import (
	"context"
	"fmt"
)

// runStepBody dispatches by step type: each is a pure function from the
// resolved config and current execution context to an output record.
// Browser driving itself is opaque to this core; these handlers stand in
// for whatever action executor a deployment wires in.
func runStepBody(ctx context.Context, step Step, resolved map[string]any, execContext map[string]any) (map[string]any, error) {
	switch step.Type {
	case StepNavigate:
		url, _ := resolved["url"].(string)
		return map[string]any{"url": url, "success": true}, nil

	case StepExtract:
		selector, _ := resolved["selector"].(string)
		extractType, _ := resolved["extract_type"].(string)
		if extractType == "" {
			extractType = "text"
		}
		return map[string]any{"selector": selector, "extract_type": extractType, "data": []any{}}, nil

	case StepAction:
		actionType, _ := resolved["action_type"].(string)
		return map[string]any{"action_type": actionType, "success": true}, nil

	case StepAnalyze:
		analysisType, _ := resolved["analysis_type"].(string)
		return map[string]any{"analysis_type": analysisType, "result": resolved["data"]}, nil

	case StepCondition:
		expr, _ := resolved["condition"].(string)
		result, err := evaluateCondition(expr, execContext)
		if err != nil {
			return nil, err
		}
		return map[string]any{"condition": expr, "result": result}, nil

	case StepLoop:
		items, _ := resolved["items"].([]any)
		results := make([]any, 0, len(items))
		for i, item := range items {
			// Loop bodies are not recursively executed as sub-DAGs in this
			// engine: the per-iteration scope is collected and returned
			// verbatim rather than driving a nested step.
			results = append(results, map[string]any{
				"item":  item,
				"index": i,
			})
		}
		return map[string]any{"items": results}, nil

	case StepCustom:
		handler, _ := resolved["handler"].(string)
		if handler == "http" {
			return runHTTPCustomStep(ctx, resolved)
		}
		return map[string]any{"handler": handler, "success": true}, nil

	default:
		return nil, fmt.Errorf("unknown step type %q", step.Type)
	}
}

package registry

import (
	"context"
	"fmt"

	"github.com/autobrowse/orchestrator-core/internal/task"
)

// NavigatorAgent drives navigation-intent tasks. Browser driving itself is
// opaque to the core; this agent stands in for whatever action executor a
// deployment wires in, returning the shape downstream steps expect.
type NavigatorAgent struct {
	BaseAgent
}

func NewNavigatorAgent(id, name string) *NavigatorAgent {
	return &NavigatorAgent{BaseAgent: NewBaseAgent(id, TypeNavigator, name, "navigates to a target URL", Capabilities{ConcurrencyLimit: 1, SupportedActions: []string{"navigate"}})}
}

func (a *NavigatorAgent) Execute(ctx context.Context, t *task.Task) (map[string]any, error) {
	url, _ := t.Input["url"].(string)
	if url == "" {
		return nil, fmt.Errorf("navigator agent: missing url in task input")
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return map[string]any{"action": "navigate", "url": url, "success": true}, nil
}

// PlannerAgent decomposes a goal into an action plan.
type PlannerAgent struct {
	BaseAgent
}

func NewPlannerAgent(id, name string) *PlannerAgent {
	return &PlannerAgent{BaseAgent: NewBaseAgent(id, TypePlanner, name, "plans a sequence of actions toward a goal", Capabilities{ConcurrencyLimit: 1, SupportedActions: []string{"plan"}})}
}

func (a *PlannerAgent) Execute(ctx context.Context, t *task.Task) (map[string]any, error) {
	goal, _ := t.Input["goal"].(string)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return map[string]any{"goal": goal, "plan": []string{"observe", "act", "verify"}, "success": true}, nil
}

// ValidatorAgent checks a condition or assertion against page state.
type ValidatorAgent struct {
	BaseAgent
}

func NewValidatorAgent(id, name string) *ValidatorAgent {
	return &ValidatorAgent{BaseAgent: NewBaseAgent(id, TypeValidator, name, "validates an assertion against observed state", Capabilities{ConcurrencyLimit: 1, SupportedActions: []string{"validate"}})}
}

func (a *ValidatorAgent) Execute(ctx context.Context, t *task.Task) (map[string]any, error) {
	assertion, _ := t.Input["assertion"].(string)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return map[string]any{"assertion": assertion, "valid": true, "success": true}, nil
}

// ExecutorAgent is the catch-all that runs an arbitrary named action; any
// task type not mapped in the routing table is dispatched here.
type ExecutorAgent struct {
	BaseAgent
}

func NewExecutorAgent(id, name string) *ExecutorAgent {
	return &ExecutorAgent{BaseAgent: NewBaseAgent(id, TypeExecutor, name, "executes an arbitrary named action", Capabilities{ConcurrencyLimit: 1, SupportedActions: []string{"execute", "custom"}})}
}

func (a *ExecutorAgent) Execute(ctx context.Context, t *task.Task) (map[string]any, error) {
	action, _ := t.Input["action"].(string)
	if action == "" {
		action = t.Type
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return map[string]any{"action_type": action, "success": true}, nil
}

// ExtractorAgent pulls structured data out of the current page.
type ExtractorAgent struct {
	BaseAgent
}

func NewExtractorAgent(id, name string) *ExtractorAgent {
	return &ExtractorAgent{BaseAgent: NewBaseAgent(id, TypeExtractor, name, "extracts structured data via a selector", Capabilities{ConcurrencyLimit: 1, SupportedActions: []string{"extract"}})}
}

func (a *ExtractorAgent) Execute(ctx context.Context, t *task.Task) (map[string]any, error) {
	selector, _ := t.Input["selector"].(string)
	extractType, _ := t.Input["extract_type"].(string)
	if extractType == "" {
		extractType = "text"
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return map[string]any{"selector": selector, "extract_type": extractType, "data": []any{}}, nil
}

// AnalyzerAgent runs an analysis over already-extracted data.
type AnalyzerAgent struct {
	BaseAgent
}

func NewAnalyzerAgent(id, name string) *AnalyzerAgent {
	return &AnalyzerAgent{BaseAgent: NewBaseAgent(id, TypeAnalyzer, name, "analyzes previously extracted data", Capabilities{ConcurrencyLimit: 1, SupportedActions: []string{"analyze"}})}
}

func (a *AnalyzerAgent) Execute(ctx context.Context, t *task.Task) (map[string]any, error) {
	analysisType, _ := t.Input["analysis_type"].(string)
	if analysisType == "" {
		analysisType = "generic"
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return map[string]any{"analysis_type": analysisType, "result": t.Input["data"]}, nil
}

// CustomAgent runs a deployment-specific handler name. The orchestrator's
// routing table has no entry for TypeCustom: a task of type "custom" routes
// to the executor catch-all, so a CustomAgent is only reached by callers
// that invoke it directly.
type CustomAgent struct {
	BaseAgent
	handlers map[string]func(context.Context, *task.Task) (map[string]any, error)
}

func NewCustomAgent(id, name string) *CustomAgent {
	return &CustomAgent{
		BaseAgent: NewBaseAgent(id, TypeCustom, name, "runs a registered custom handler", Capabilities{ConcurrencyLimit: 1, SupportedActions: []string{"custom"}}),
		handlers:  make(map[string]func(context.Context, *task.Task) (map[string]any, error)),
	}
}

// RegisterHandler binds a named handler function this agent can dispatch to.
func (a *CustomAgent) RegisterHandler(name string, fn func(context.Context, *task.Task) (map[string]any, error)) {
	a.handlers[name] = fn
}

func (a *CustomAgent) Execute(ctx context.Context, t *task.Task) (map[string]any, error) {
	handler, _ := t.Input["handler"].(string)
	if fn, ok := a.handlers[handler]; ok {
		return fn(ctx, t)
	}
	return map[string]any{"handler": handler, "success": true}, nil
}

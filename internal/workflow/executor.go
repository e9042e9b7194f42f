package workflow

import (
	"context"
	"time"
)

// Executor is a thin adapter over Engine: it flattens execution state to a
// serializable summary and exposes a dedicated status/progress accessor, so
// HTTP handlers never reach into ExecutionState directly.
type Executor struct {
	engine *Engine
}

// NewExecutor wraps engine.
func NewExecutor(engine *Engine) *Executor {
	return &Executor{engine: engine}
}

// Engine exposes the underlying engine for collaborators, such as the
// scheduler, that need the raw ExecutionState to persist rather than its
// flattened Summary.
func (x *Executor) Engine() *Engine {
	return x.engine
}

// Summary is the serializable view of a workflow execution.
type Summary struct {
	ExecutionID  string                `json:"execution_id"`
	WorkflowID   string                `json:"workflow_id"`
	Status       ExecutionStatus       `json:"status"`
	Result       map[string]any        `json:"result,omitempty"`
	ErrorMessage string                `json:"error_message,omitempty"`
	Steps        map[string]StepState  `json:"steps"`
	Progress     Progress              `json:"progress"`
	StartedAt    time.Time             `json:"started_at"`
	CompletedAt  *time.Time            `json:"completed_at,omitempty"`
}

// Register registers a workflow definition with the underlying engine.
func (x *Executor) Register(workflowID string, def *Definition) error {
	return x.engine.Register(workflowID, def)
}

// Execute runs workflowID to completion and returns its flattened summary.
func (x *Executor) Execute(ctx context.Context, workflowID string, params map[string]any, user string) (Summary, error) {
	state, err := x.engine.Execute(ctx, workflowID, params, user)
	if state == nil {
		return Summary{}, err
	}
	return x.summarize(state), err
}

// GetStatus returns the progress view {total_steps, completed_steps,
// failed_steps, current_step} for executionID.
func (x *Executor) GetStatus(executionID string) (Progress, bool) {
	state, ok := x.engine.Get(executionID)
	if !ok {
		return Progress{}, false
	}
	return state.Progress(x.totalSteps(state.WorkflowID)), true
}

// GetSummary returns the full flattened summary for executionID.
func (x *Executor) GetSummary(executionID string) (Summary, bool) {
	state, ok := x.engine.Get(executionID)
	if !ok {
		return Summary{}, false
	}
	return x.summarize(state), true
}

func (x *Executor) totalSteps(workflowID string) int {
	x.engine.mu.RLock()
	defer x.engine.mu.RUnlock()
	def, ok := x.engine.definitions[workflowID]
	if !ok {
		return 0
	}
	return len(def.Steps)
}

func (x *Executor) summarize(state *ExecutionState) Summary {
	total := x.totalSteps(state.WorkflowID)

	state.mu.RLock()
	defer state.mu.RUnlock()
	steps := make(map[string]StepState, len(state.Steps))
	progress := Progress{TotalSteps: total, CurrentStep: state.CurrentStepID}
	for id, st := range state.Steps {
		steps[id] = *st
		switch st.Status {
		case StepCompleted:
			progress.CompletedSteps++
		case StepFailed:
			progress.FailedSteps++
		}
	}
	return Summary{
		ExecutionID:  state.ExecutionID,
		WorkflowID:   state.WorkflowID,
		Status:       state.Status,
		Result:       state.Result,
		ErrorMessage: state.ErrorMessage,
		Steps:        steps,
		Progress:     progress,
		StartedAt:    state.StartedAt,
		CompletedAt:  state.CompletedAt,
	}
}

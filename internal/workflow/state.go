package workflow

import (
	"sync"
	"time"
)

// ExecutionStatus is the overall lifecycle of a workflow execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// StepStatus is the lifecycle of a single step within an execution.
// Completed, Failed, and Skipped are terminal — predecessor waits poll for
// any of these three.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Terminal reports whether s is one a predecessor wait accepts.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped:
		return true
	default:
		return false
	}
}

// StepState tracks one step's execution within one workflow execution.
type StepState struct {
	ID           string          `json:"id"`
	Status       StepStatus      `json:"status"`
	Input        map[string]any  `json:"input,omitempty"`
	Output       map[string]any  `json:"output,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	RetryCount   int             `json:"retry_count,omitempty"`
}

// ExecutionState is the mutable record of one workflow run: its context,
// per-step states, and overall outcome. The engine is the sole mutator;
// predecessor waiters and status readers go through the accessor methods,
// which hold the lock, rather than touching fields directly.
type ExecutionState struct {
	mu sync.RWMutex

	ExecutionID   string
	WorkflowID    string
	Status        ExecutionStatus
	Context       map[string]any
	Steps         map[string]*StepState
	CurrentStepID string
	Result        map[string]any
	ErrorMessage  string
	StartedAt     time.Time
	CompletedAt   *time.Time
}

// NewExecutionState seeds a pending execution with the given initial
// context parameters copied into a fresh context map.
func NewExecutionState(executionID, workflowID string, params map[string]any) *ExecutionState {
	ctx := make(map[string]any, len(params))
	for k, v := range params {
		ctx[k] = v
	}
	return &ExecutionState{
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		Status:      ExecutionPending,
		Context:     ctx,
		Steps:       make(map[string]*StepState),
		StartedAt:   time.Now(),
	}
}

// SetStatus transitions the execution's overall status, stamping
// CompletedAt when it becomes terminal.
func (e *ExecutionState) SetStatus(s ExecutionStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Status = s
	if s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled {
		now := time.Now()
		e.CompletedAt = &now
	}
}

// Fail marks the execution failed with msg.
func (e *ExecutionState) Fail(msg string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Status = ExecutionFailed
	e.ErrorMessage = msg
	now := time.Now()
	e.CompletedAt = &now
}

// GetStatus reads the overall status under lock.
func (e *ExecutionState) GetStatus() ExecutionStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.Status
}

// StepState returns a pointer to the tracked state for stepID, creating a
// pending entry on first access.
func (e *ExecutionState) StepState(stepID string) *StepState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.Steps[stepID]
	if !ok {
		st = &StepState{ID: stepID, Status: StepPending}
		e.Steps[stepID] = st
	}
	return st
}

// StepStatusOf reads a step's status under the execution lock, so
// predecessor waiters never race the engine's own mutation of StepState.
func (e *ExecutionState) StepStatusOf(stepID string) (StepStatus, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.Steps[stepID]
	if !ok {
		return "", false
	}
	return st.Status, true
}

// PublishStepOutput records output in the step state and merges it into the
// execution context under key "step_<id>", atomically with respect to
// concurrent readers of either.
func (e *ExecutionState) PublishStepOutput(stepID string, output map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.stepStateLocked(stepID)
	st.Output = output
	e.Context["step_"+stepID] = output
}

// SetStepStatus transitions a step's status, stamping started/completed
// timestamps as appropriate.
func (e *ExecutionState) SetStepStatus(stepID string, s StepStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.stepStateLocked(stepID)
	st.Status = s
	switch s {
	case StepRunning:
		if st.StartedAt == nil {
			now := time.Now()
			st.StartedAt = &now
		}
	default:
		if s.Terminal() {
			now := time.Now()
			st.CompletedAt = &now
		}
	}
}

// SetStepInput records the resolved input a step is about to run with,
// under the same lock as every other StepState mutation — callers must not
// write to a *StepState returned by StepState directly, since that would
// race Progress/ContextSnapshot/concurrent predecessor-status readers.
func (e *ExecutionState) SetStepInput(stepID string, input map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.stepStateLocked(stepID)
	st.Input = input
}

// SetStepError records an error message and increments the step's retry
// count, returning the new count.
func (e *ExecutionState) SetStepError(stepID, msg string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.stepStateLocked(stepID)
	st.ErrorMessage = msg
	st.RetryCount++
	return st.RetryCount
}

// SetCurrentStep records the step the engine is now driving.
func (e *ExecutionState) SetCurrentStep(stepID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CurrentStepID = stepID
}

// ContextValue reads a context key under lock.
func (e *ExecutionState) ContextValue(key string) (any, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.Context[key]
	return v, ok
}

// ContextSnapshot copies the current context map under lock.
func (e *ExecutionState) ContextSnapshot() map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]any, len(e.Context))
	for k, v := range e.Context {
		out[k] = v
	}
	return out
}

func (e *ExecutionState) stepStateLocked(stepID string) *StepState {
	st, ok := e.Steps[stepID]
	if !ok {
		st = &StepState{ID: stepID, Status: StepPending}
		e.Steps[stepID] = st
	}
	return st
}

// Progress summarizes step counts for the executor facade.
type Progress struct {
	TotalSteps     int    `json:"total_steps"`
	CompletedSteps int    `json:"completed_steps"`
	FailedSteps    int    `json:"failed_steps"`
	CurrentStep    string `json:"current_step,omitempty"`
}

// Progress computes the step-count summary under lock.
func (e *ExecutionState) Progress(total int) Progress {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p := Progress{TotalSteps: total, CurrentStep: e.CurrentStepID}
	for _, st := range e.Steps {
		switch st.Status {
		case StepCompleted:
			p.CompletedSteps++
		case StepFailed:
			p.FailedSteps++
		}
	}
	return p
}

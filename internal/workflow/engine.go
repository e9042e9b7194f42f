package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// PredecessorPollInterval is how often the engine polls a predecessor
// step's terminal status while waiting on it. Variable rather than const so
// tests can shrink it instead of waiting out the real cap.
var PredecessorPollInterval = 500 * time.Millisecond

// PredecessorWaitCap is the overall cap per step beyond which a predecessor
// wait is treated as a timeout that fails the whole execution.
var PredecessorWaitCap = 300 * time.Second

// Engine holds registered workflow definitions and drives execution of
// their DAGs: dependency ordering via predecessor polling, parallel
// fan-out on multiple successors, per-step retry, and conditional
// successor selection.
type Engine struct {
	mu          sync.RWMutex
	definitions map[string]*Definition
	executions  map[string]*ExecutionState

	tracer       trace.Tracer
	stepDuration metric.Float64Histogram
	stepRetries  metric.Int64Counter
	stepFailures metric.Int64Counter
}

// NewEngine constructs an empty Engine.
func NewEngine() *Engine {
	meter := otel.Meter("orchestrator-core")
	duration, _ := meter.Float64Histogram("orch_workflow_step_duration_ms")
	retries, _ := meter.Int64Counter("orch_workflow_step_retries_total")
	failures, _ := meter.Int64Counter("orch_workflow_step_failures_total")
	return &Engine{
		definitions:  make(map[string]*Definition),
		executions:   make(map[string]*ExecutionState),
		tracer:       otel.Tracer("orchestrator-core"),
		stepDuration: duration,
		stepRetries:  retries,
		stepFailures: failures,
	}
}

// Register stores definition under workflowID, rejecting it if its
// reverse-dependency graph contains a cycle. Cycle detection at
// registration time closes the open question the reference design left
// unresolved: rather than letting a cyclic DAG hang the predecessor-wait
// logic until it times out, we refuse to register it.
func (e *Engine) Register(workflowID string, def *Definition) error {
	if err := validateDefinition(def); err != nil {
		return fmt.Errorf("workflow %s: %w", workflowID, err)
	}
	if err := detectCycle(def); err != nil {
		return fmt.Errorf("workflow %s: %w", workflowID, err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.definitions[workflowID] = def
	return nil
}

// Get returns the execution state for executionID, if known.
func (e *Engine) Get(executionID string) (*ExecutionState, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.executions[executionID]
	return st, ok
}

// Execute creates a fresh execution of workflowID against the given initial
// context parameters, runs it to a terminal status, and returns the final
// state.
func (e *Engine) Execute(ctx context.Context, workflowID string, params map[string]any, user string) (*ExecutionState, error) {
	e.mu.RLock()
	def, ok := e.definitions[workflowID]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown workflow id %q", workflowID)
	}

	executionID := uuid.NewString()
	state := NewExecutionState(executionID, workflowID, params)
	state.Context["_user"] = user

	e.mu.Lock()
	e.executions[executionID] = state
	e.mu.Unlock()

	ctx, span := e.tracer.Start(ctx, "workflow.execute",
		trace.WithAttributes(
			attribute.String("workflow_id", workflowID),
			attribute.String("execution_id", executionID),
		),
	)
	defer span.End()

	dag := buildReverseDependencies(def)
	state.SetStatus(ExecutionRunning)

	start := def.FirstStepID()
	if start == "" {
		state.SetStatus(ExecutionCompleted)
		return state, nil
	}

	visited := newVisitedSet()
	if err := e.runFrom(ctx, def, dag, state, start, visited); err != nil {
		state.Fail(err.Error())
		return state, err
	}

	if state.GetStatus() == ExecutionRunning {
		state.SetStatus(ExecutionCompleted)
	}
	return state, nil
}

// visitedSet tracks which step ids have begun execution in this run, so a
// step reached through multiple predecessors executes exactly once.
type visitedSet struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newVisitedSet() *visitedSet {
	return &visitedSet{seen: make(map[string]bool)}
}

// claim marks id visited and reports whether this call was the first.
func (v *visitedSet) claim(id string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.seen[id] {
		return false
	}
	v.seen[id] = true
	return true
}

// runFrom recursively drives execution starting at stepID: wait for every
// predecessor to reach a terminal status, run the step itself, determine
// its successors, and recurse — sequentially for one successor, in
// parallel for several.
func (e *Engine) runFrom(ctx context.Context, def *Definition, dag reverseDeps, state *ExecutionState, stepID string, visited *visitedSet) error {
	if !visited.claim(stepID) {
		return nil
	}

	step, ok := def.StepByID(stepID)
	if !ok {
		return fmt.Errorf("unknown step id %q", stepID)
	}

	for _, pred := range dag[stepID] {
		if err := e.awaitPredecessor(ctx, state, pred); err != nil {
			return err
		}
	}

	// runStep records the step's own terminal status regardless of outcome;
	// whether a failure escalates to the whole execution is decided by
	// successor selection below (on_error routing).
	stepErr := e.runStep(ctx, def, state, step)

	successors := successorsFor(def, state, step)
	switch len(successors) {
	case 0:
		// A failed step with no on_error has nowhere to route to: it
		// terminates the enclosing execution rather than completing it.
		if status, _ := state.StepStatusOf(step.ID); status == StepFailed {
			if stepErr == nil {
				stepErr = fmt.Errorf("step %q failed with no on_error route", step.ID)
			}
			return stepErr
		}
		return nil
	case 1:
		return e.runFrom(ctx, def, dag, state, successors[0], visited)
	default:
		var wg sync.WaitGroup
		errCh := make(chan error, len(successors))
		for _, succ := range successors {
			succ := succ
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := e.runFrom(ctx, def, dag, state, succ, visited); err != nil {
					errCh <- err
				}
			}()
		}
		wg.Wait()
		close(errCh)
		for err := range errCh {
			if err != nil {
				return err
			}
		}
		return nil
	}
}

// awaitPredecessor polls predecessor's status every PredecessorPollInterval
// until it reaches a terminal status, or raises a timeout past
// PredecessorWaitCap.
func (e *Engine) awaitPredecessor(ctx context.Context, state *ExecutionState, predecessor string) error {
	deadline := time.Now().Add(PredecessorWaitCap)
	for {
		if status, ok := state.StepStatusOf(predecessor); ok && status.Terminal() {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for predecessor step %q", predecessor)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(PredecessorPollInterval):
		}
	}
}

// runStep resolves config, dispatches by step type, and handles per-step
// retry. On success it publishes the output into the context under
// "step_<id>". On exhausted retries, it records the failure on the step and
// returns the error; whether that fails the overall execution or is
// absorbed is decided by the caller via successor selection (on_error
// routing) in runFrom.
func (e *Engine) runStep(ctx context.Context, def *Definition, state *ExecutionState, step Step) error {
	ctx, span := e.tracer.Start(ctx, "workflow.step",
		trace.WithAttributes(
			attribute.String("step_id", step.ID),
			attribute.String("step_type", string(step.Type)),
		),
	)
	defer span.End()

	state.SetCurrentStep(step.ID)
	state.SetStepStatus(step.ID, StepRunning)
	start := time.Now()

	for {
		snapshot := state.ContextSnapshot()
		resolved := resolveConfig(step.Config, snapshot)
		state.SetStepInput(step.ID, resolved)

		output, err := func() (out map[string]any, err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("step %q panicked: %v", step.ID, r)
				}
			}()
			return runStepBody(ctx, step, resolved, snapshot)
		}()
		if err == nil {
			state.PublishStepOutput(step.ID, output)
			state.SetStepStatus(step.ID, StepCompleted)
			e.stepDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
				metric.WithAttributes(attribute.String("step_type", string(step.Type))))
			return nil
		}

		retries := state.SetStepError(step.ID, err.Error())
		if retries-1 < step.MaxRetries {
			e.stepRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("step_id", step.ID)))
			backoff := time.Duration(1<<uint(retries-1)) * time.Second
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			continue
		}

		state.SetStepStatus(step.ID, StepFailed)
		e.stepFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("step_id", step.ID)))
		slog.Warn("workflow step failed", "execution_id", state.ExecutionID, "step_id", step.ID, "error", err)
		return err
	}
}

// successorsFor implements 4.4b: failure with on_error routes there; else
// next_steps; else on_success; else terminal.
func successorsFor(def *Definition, state *ExecutionState, step Step) []string {
	status, _ := state.StepStatusOf(step.ID)
	if status == StepFailed {
		if step.OnError != "" {
			return []string{step.OnError}
		}
		return nil
	}
	if len(step.NextSteps) > 0 {
		return step.NextSteps
	}
	if step.OnSuccess != "" {
		return []string{step.OnSuccess}
	}
	return nil
}

// reverseDeps maps a step id to the ids of the steps that list it as a
// successor — its predecessors.
type reverseDeps map[string][]string

// buildReverseDependencies records, for every step S listing T in its
// NextSteps, that T depends on S. OnSuccess and OnError targets are not
// recorded as dependencies. Steps never listed in any NextSteps have no
// predecessors.
func buildReverseDependencies(def *Definition) reverseDeps {
	dag := make(reverseDeps)
	for _, s := range def.Steps {
		for _, next := range s.NextSteps {
			dag[next] = append(dag[next], s.ID)
		}
	}
	return dag
}

// detectCycle runs a DFS with a recursion stack over the NextSteps edges
// (the forward graph) and reports the first cycle found, if any.
func detectCycle(def *Definition) error {
	byID := make(map[string]Step, len(def.Steps))
	for _, s := range def.Steps {
		byID[s.ID] = s
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(def.Steps))

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		for _, next := range byID[id].NextSteps {
			switch color[next] {
			case gray:
				return fmt.Errorf("cycle detected at step %q", next)
			case white:
				if err := visit(next); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}

	for _, s := range def.Steps {
		if color[s.ID] == white {
			if err := visit(s.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

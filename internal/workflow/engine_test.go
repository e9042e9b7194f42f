package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterRejectsCyclicDefinition(t *testing.T) {
	def := &Definition{
		ID: "cyclic",
		Steps: []Step{
			{ID: "a", Type: StepAction, NextSteps: []string{"b"}},
			{ID: "b", Type: StepAction, NextSteps: []string{"a"}},
		},
	}
	e := NewEngine()
	err := e.Register("cyclic", def)
	assert.Error(t, err)
}

func TestExecuteUnknownWorkflowIDErrors(t *testing.T) {
	e := NewEngine()
	_, err := e.Execute(context.Background(), "missing", nil, "user-1")
	assert.Error(t, err)
}

func TestSingleStepWorkflowCompletes(t *testing.T) {
	def := &Definition{
		ID:          "single",
		InitialStep: "navigate-1",
		Steps: []Step{
			{ID: "navigate-1", Type: StepNavigate, Config: map[string]any{"url": "$targetUrl"}},
		},
	}
	e := NewEngine()
	require.NoError(t, e.Register("single", def))

	state, err := e.Execute(context.Background(), "single", map[string]any{"targetUrl": "https://example"}, "user-1")
	require.NoError(t, err)
	assert.Equal(t, ExecutionCompleted, state.GetStatus())

	out, ok := state.ContextValue("step_navigate-1")
	require.True(t, ok)
	assert.Equal(t, "https://example", out.(map[string]any)["url"])
}

func TestTwoPredecessorsConvergeOnSuccessorExactlyOnce(t *testing.T) {
	def := &Definition{
		ID:          "converge",
		InitialStep: "start",
		Steps: []Step{
			{ID: "start", Type: StepAction, NextSteps: []string{"left", "right"}},
			{ID: "left", Type: StepAction, NextSteps: []string{"join"}},
			{ID: "right", Type: StepAction, NextSteps: []string{"join"}},
			{ID: "join", Type: StepAction},
		},
	}
	e := NewEngine()
	require.NoError(t, e.Register("converge", def))

	state, err := e.Execute(context.Background(), "converge", nil, "user-1")
	require.NoError(t, err)
	assert.Equal(t, ExecutionCompleted, state.GetStatus())

	joinState := state.StepState("join")
	assert.Equal(t, StepCompleted, joinState.Status)

	// started_at of the join step must not be earlier than either
	// predecessor's completed_at.
	left := state.StepState("left")
	right := state.StepState("right")
	require.NotNil(t, left.CompletedAt)
	require.NotNil(t, right.CompletedAt)
	require.NotNil(t, joinState.StartedAt)
	assert.True(t, joinState.StartedAt.After(*left.CompletedAt) || joinState.StartedAt.Equal(*left.CompletedAt))
	assert.True(t, joinState.StartedAt.After(*right.CompletedAt) || joinState.StartedAt.Equal(*right.CompletedAt))
}

func TestPriceComparisonWorkflowResolvesVariablesAcrossSteps(t *testing.T) {
	def := &Definition{
		ID:          "price-comparison",
		InitialStep: "navigate-1",
		Steps: []Step{
			{ID: "navigate-1", Type: StepNavigate, Config: map[string]any{"url": "$site1Url"}, NextSteps: []string{"extract-1"}},
			{ID: "extract-1", Type: StepExtract, Config: map[string]any{"selector": "$priceSelector"}, NextSteps: []string{"navigate-2"}},
			{ID: "navigate-2", Type: StepNavigate, Config: map[string]any{"url": "$site2Url"}, NextSteps: []string{"extract-2"}},
			{ID: "extract-2", Type: StepExtract, Config: map[string]any{"selector": "$priceSelector"}, NextSteps: []string{"analyze-1"}},
			{ID: "analyze-1", Type: StepAnalyze, Config: map[string]any{
				"analysis_type": "price_diff",
				"data": map[string]any{
					"site1": "$step_extract-1",
					"site2": "$step_extract-2",
				},
			}},
		},
	}
	e := NewEngine()
	require.NoError(t, e.Register("price-comparison", def))

	state, err := e.Execute(context.Background(), "price-comparison", map[string]any{
		"site1Url":      "https://a.test",
		"site2Url":      "https://b.test",
		"priceSelector": ".price",
	}, "user-1")
	require.NoError(t, err)
	assert.Equal(t, ExecutionCompleted, state.GetStatus())

	analyzeInput := state.StepState("analyze-1").Input
	data := analyzeInput["data"].(map[string]any)
	site1 := data["site1"].(map[string]any)
	assert.Equal(t, ".price", site1["selector"])
}

func TestFormFillingWorkflowSubmitRunsExactlyOnceAfterConcurrentFills(t *testing.T) {
	def := &Definition{
		ID:          "form-filling",
		InitialStep: "navigate",
		Steps: []Step{
			{ID: "navigate", Type: StepNavigate, Config: map[string]any{"url": "$formUrl"}, NextSteps: []string{"fill-name", "fill-email"}},
			{ID: "fill-name", Type: StepAction, Config: map[string]any{"action_type": "fill_name"}, NextSteps: []string{"submit"}},
			{ID: "fill-email", Type: StepAction, Config: map[string]any{"action_type": "fill_email"}, NextSteps: []string{"submit"}},
			{ID: "submit", Type: StepAction, Config: map[string]any{"action_type": "submit"}},
		},
	}
	e := NewEngine()
	require.NoError(t, e.Register("form-filling", def))

	state, err := e.Execute(context.Background(), "form-filling", map[string]any{"formUrl": "https://form.test"}, "user-1")
	require.NoError(t, err)
	assert.Equal(t, ExecutionCompleted, state.GetStatus())
	assert.Equal(t, StepCompleted, state.StepState("submit").Status)
}

func TestConditionStepOnErrorRoutesToErrorStep(t *testing.T) {
	def := &Definition{
		ID:          "conditional",
		InitialStep: "check",
		Steps: []Step{
			{ID: "check", Type: StepCondition, Config: map[string]any{"condition": "not a valid ((("}, OnError: "fallback"},
			{ID: "fallback", Type: StepAction, Config: map[string]any{"action_type": "fallback"}},
		},
	}
	e := NewEngine()
	require.NoError(t, e.Register("conditional", def))

	state, err := e.Execute(context.Background(), "conditional", nil, "user-1")
	require.NoError(t, err)
	assert.Equal(t, StepFailed, state.StepState("check").Status)
	assert.Equal(t, StepCompleted, state.StepState("fallback").Status)
}

func TestFailedStepWithNoOnErrorFailsExecution(t *testing.T) {
	def := &Definition{
		ID:          "unrouted-failure",
		InitialStep: "check",
		Steps: []Step{
			{ID: "check", Type: StepCondition, Config: map[string]any{"condition": "not a valid((("}},
		},
	}
	e := NewEngine()
	require.NoError(t, e.Register("unrouted-failure", def))

	state, err := e.Execute(context.Background(), "unrouted-failure", nil, "user-1")
	require.Error(t, err)
	assert.Equal(t, ExecutionFailed, state.GetStatus())
	assert.Equal(t, StepFailed, state.StepState("check").Status)
	assert.NotEmpty(t, state.ErrorMessage)
}

func TestPredecessorWaitTimesOutAndFailsExecution(t *testing.T) {
	origCap := PredecessorWaitCap
	origInterval := PredecessorPollInterval
	defer func() {
		PredecessorWaitCap = origCap
		PredecessorPollInterval = origInterval
	}()
	PredecessorWaitCap = 20 * time.Millisecond
	PredecessorPollInterval = 5 * time.Millisecond

	def := &Definition{
		ID:          "stuck",
		InitialStep: "orphan-successor",
		Steps: []Step{
			// "orphan-successor" has a predecessor "never-runs" that is
			// never reachable from the initial step, so the predecessor
			// wait can never observe a terminal status and must time out.
			{ID: "never-runs", Type: StepAction, NextSteps: []string{"orphan-successor"}},
			{ID: "orphan-successor", Type: StepAction},
		},
	}
	e := NewEngine()
	require.NoError(t, e.Register("stuck", def))

	_, err := e.Execute(context.Background(), "stuck", nil, "user-1")
	assert.Error(t, err)
}

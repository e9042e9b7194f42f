package registry

import (
	"context"
	"testing"

	"github.com/autobrowse/orchestrator-core/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndGet(t *testing.T) {
	r := New()
	nav := NewNavigatorAgent("nav-1", "Navigator One")
	r.Register(nav)

	got, ok := r.Get("nav-1")
	require.True(t, ok)
	assert.Equal(t, TypeNavigator, got.Type())
}

func TestDeregisterRemovesFromBothIndexes(t *testing.T) {
	r := New()
	r.Register(NewNavigatorAgent("nav-1", "N"))
	require.True(t, r.Deregister("nav-1"))
	_, ok := r.Get("nav-1")
	assert.False(t, ok)
	assert.Empty(t, r.ByType(TypeNavigator))
}

func TestDeregisterUnknownReturnsFalse(t *testing.T) {
	r := New()
	assert.False(t, r.Deregister("missing"))
}

func TestAvailableReturnsOnlyIdleAgent(t *testing.T) {
	r := New()
	busy := NewExecutorAgent("exec-1", "Busy")
	idle := NewExecutorAgent("exec-2", "Idle")
	r.Register(busy)
	r.Register(idle)
	busy.SetStatus(StatusRunning)

	a, ok := r.Available(TypeExecutor)
	require.True(t, ok)
	assert.Equal(t, "exec-2", a.ID())
}

func TestAvailableReturnsFalseWhenNoneIdle(t *testing.T) {
	r := New()
	a := NewExecutorAgent("exec-1", "Busy")
	a.SetStatus(StatusRunning)
	r.Register(a)

	_, ok := r.Available(TypeExecutor)
	assert.False(t, ok)
}

func TestStatsCountsByTypeAndStatus(t *testing.T) {
	r := New()
	r.Register(NewNavigatorAgent("nav-1", "N"))
	r.Register(NewExtractorAgent("ext-1", "E"))
	r.Register(NewExtractorAgent("ext-2", "E2"))

	stats := r.Stats()
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.ByType[TypeNavigator])
	assert.Equal(t, 2, stats.ByType[TypeExtractor])
	assert.Equal(t, 3, stats.ByStatus[StatusIdle])
}

func TestClaimEnforcesSingleCurrentTask(t *testing.T) {
	a := NewNavigatorAgent("nav-1", "N")
	assert.True(t, a.Claim("task-1"))
	assert.False(t, a.Claim("task-2"), "agent already claimed should refuse a second claim")
	assert.Equal(t, "task-1", a.CurrentTask())
}

func TestNavigatorAgentExecuteReturnsURL(t *testing.T) {
	a := NewNavigatorAgent("nav-1", "N")
	tk := task.New("t-1", "navigate", "", task.PriorityMedium, map[string]any{"url": "https://example.test"})
	out, err := a.Execute(context.Background(), tk)
	require.NoError(t, err)
	assert.Equal(t, "https://example.test", out["url"])
	assert.Equal(t, true, out["success"])
}

func TestNavigatorAgentExecuteFailsWithoutURL(t *testing.T) {
	a := NewNavigatorAgent("nav-1", "N")
	tk := task.New("t-1", "navigate", "", task.PriorityMedium, nil)
	_, err := a.Execute(context.Background(), tk)
	assert.Error(t, err)
}

func TestExtractorAgentDefaultsExtractType(t *testing.T) {
	a := NewExtractorAgent("ext-1", "E")
	tk := task.New("t-1", "extract", "", task.PriorityLow, map[string]any{"selector": ".price"})
	out, err := a.Execute(context.Background(), tk)
	require.NoError(t, err)
	assert.Equal(t, "text", out["extract_type"])
}

func TestCustomAgentDispatchesRegisteredHandler(t *testing.T) {
	a := NewCustomAgent("cust-1", "C")
	a.RegisterHandler("ping", func(ctx context.Context, t *task.Task) (map[string]any, error) {
		return map[string]any{"pong": true}, nil
	})
	tk := task.New("t-1", "custom", "", task.PriorityMedium, map[string]any{"handler": "ping"})
	out, err := a.Execute(context.Background(), tk)
	require.NoError(t, err)
	assert.Equal(t, true, out["pong"])
}

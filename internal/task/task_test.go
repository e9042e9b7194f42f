package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTaskStartsIdle(t *testing.T) {
	tk := New("t-1", "navigate", "go to page", PriorityMedium, map[string]any{"url": "https://example"})
	assert.Equal(t, StatusIdle, tk.GetStatus())
	assert.False(t, tk.CreatedAt.IsZero())
	assert.Equal(t, 0, tk.RetryCount)
}

func TestSetStatusTerminalStampsCompletedAt(t *testing.T) {
	tk := New("t-1", "navigate", "", PriorityLow, nil)
	tk.SetStatus(StatusWaiting)
	snap := tk.Snapshot()
	assert.Nil(t, snap.CompletedAt)

	tk.SetStatus(StatusCancelled)
	snap = tk.Snapshot()
	require.NotNil(t, snap.CompletedAt)
	assert.Equal(t, StatusCancelled, snap.Status)
}

func TestMarkRunningAssignsAgentAndStartedAt(t *testing.T) {
	tk := New("t-1", "navigate", "", PriorityHigh, nil)
	tk.MarkInitializing("agent-1")
	assert.Equal(t, StatusInitializing, tk.GetStatus())

	tk.MarkRunning("agent-1")
	snap := tk.Snapshot()
	assert.Equal(t, StatusRunning, snap.Status)
	assert.Equal(t, "agent-1", snap.AssignedAgent)
	require.NotNil(t, snap.StartedAt)
}

func TestCompleteClearsAssignedAgentAndSetsOutput(t *testing.T) {
	tk := New("t-1", "navigate", "", PriorityUrgent, nil)
	tk.MarkRunning("agent-1")
	tk.Complete(map[string]any{"success": true})
	snap := tk.Snapshot()
	assert.Equal(t, StatusCompleted, snap.Status)
	assert.Empty(t, snap.AssignedAgent)
	assert.Equal(t, true, snap.Output["success"])
	require.NotNil(t, snap.CompletedAt)
}

func TestFailRecordsErrorString(t *testing.T) {
	tk := New("t-1", "extract", "", PriorityMedium, nil)
	tk.MarkRunning("agent-9")
	tk.Fail("selector not found")
	snap := tk.Snapshot()
	assert.Equal(t, StatusFailed, snap.Status)
	assert.Equal(t, "selector not found", snap.Error)
}

func TestIncrementRetryAccumulates(t *testing.T) {
	tk := New("t-1", "navigate", "", PriorityMedium, nil)
	assert.Equal(t, 1, tk.IncrementRetry())
	assert.Equal(t, 2, tk.IncrementRetry())
	assert.Equal(t, 2, tk.Snapshot().RetryCount)
}

func TestPriorityRankOrdersUrgentFirst(t *testing.T) {
	assert.Less(t, PriorityUrgent.Rank(), PriorityHigh.Rank())
	assert.Less(t, PriorityHigh.Rank(), PriorityMedium.Rank())
	assert.Less(t, PriorityMedium.Rank(), PriorityLow.Rank())
}

func TestPriorityValid(t *testing.T) {
	assert.True(t, PriorityUrgent.Valid())
	assert.False(t, Priority("critical").Valid())
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.False(t, StatusWaiting.Terminal())
}

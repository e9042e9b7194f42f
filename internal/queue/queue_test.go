package queue

import (
	"fmt"
	"testing"

	"github.com/autobrowse/orchestrator-core/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTask(id string, p task.Priority) *task.Task {
	return task.New(id, "navigate", "", p, map[string]any{"url": "https://example"})
}

func TestEnqueueDequeueRoundTrip(t *testing.T) {
	q := New(20, 100)
	tk := newTask("t-1", task.PriorityMedium)
	q.Enqueue(tk)

	got := q.Dequeue()
	require.NotNil(t, got)
	assert.Equal(t, "t-1", got.ID)
}

func TestDequeuePrefersHigherPriorityLanes(t *testing.T) {
	q := New(20, 100)
	q.Enqueue(newTask("low-1", task.PriorityLow))
	q.Enqueue(newTask("urgent-1", task.PriorityUrgent))
	q.Enqueue(newTask("high-1", task.PriorityHigh))

	got := q.Dequeue()
	require.NotNil(t, got)
	assert.Equal(t, "urgent-1", got.ID)

	got = q.Dequeue()
	require.NotNil(t, got)
	assert.Equal(t, "high-1", got.ID)
}

func TestFIFOWithinLane(t *testing.T) {
	q := New(20, 100)
	q.Enqueue(newTask("a", task.PriorityHigh))
	q.Enqueue(newTask("b", task.PriorityHigh))

	first := q.Dequeue()
	second := q.Dequeue()
	assert.Equal(t, "a", first.ID)
	assert.Equal(t, "b", second.ID)
}

func TestDequeueReturnsNilAtCapacity(t *testing.T) {
	q := New(1, 100)
	q.Enqueue(newTask("a", task.PriorityMedium))
	q.Enqueue(newTask("b", task.PriorityMedium))

	first := q.Dequeue()
	require.NotNil(t, first)

	second := q.Dequeue()
	assert.Nil(t, second, "dequeue should refuse once in-flight is at capacity")
}

func TestCompleteMovesFromInFlightToTerminated(t *testing.T) {
	q := New(20, 100)
	q.Enqueue(newTask("a", task.PriorityMedium))
	tk := q.Dequeue()
	require.NotNil(t, tk)

	q.Complete(tk.ID)
	got, ok := q.Get(tk.ID)
	require.True(t, ok)
	assert.Equal(t, task.StatusWaiting, got.Status) // Complete() on the queue doesn't mutate status itself (it stays as Enqueue set it); orchestrator does via task.Complete
}

func TestFailSetsErrorAndTerminates(t *testing.T) {
	q := New(20, 100)
	q.Enqueue(newTask("a", task.PriorityMedium))
	tk := q.Dequeue()
	require.NotNil(t, tk)

	q.Fail(tk.ID, "boom")
	got, ok := q.Get(tk.ID)
	require.True(t, ok)
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Equal(t, "boom", got.Error)
}

func TestCancelQueuedTaskPreventsFutureDequeue(t *testing.T) {
	q := New(20, 100)
	q.Enqueue(newTask("a", task.PriorityMedium))

	ok := q.Cancel("a")
	assert.True(t, ok)

	got := q.Dequeue()
	assert.Nil(t, got, "cancelled task must never be returned by dequeue")
}

func TestCancelAlreadyTerminatedReturnsFalse(t *testing.T) {
	q := New(20, 100)
	q.Enqueue(newTask("a", task.PriorityMedium))
	tk := q.Dequeue()
	q.Complete(tk.ID)

	assert.False(t, q.Cancel("a"))
}

func TestCancelUnknownReturnsFalse(t *testing.T) {
	q := New(20, 100)
	assert.False(t, q.Cancel("missing"))
}

func TestGetConsultsAllThreeSets(t *testing.T) {
	q := New(20, 100)
	q.Enqueue(newTask("queued", task.PriorityLow))
	_, ok := q.Get("queued")
	assert.True(t, ok)

	inflight := q.Dequeue()
	_, ok = q.Get(inflight.ID)
	assert.True(t, ok)

	q.Complete(inflight.ID)
	_, ok = q.Get(inflight.ID)
	assert.True(t, ok)
}

func TestTerminatedRetentionEvictsOldestByCompletionTime(t *testing.T) {
	q := New(20, 3)
	ids := []string{"a", "b", "c", "d"}
	for _, id := range ids {
		q.Enqueue(newTask(id, task.PriorityMedium))
		tk := q.Dequeue()
		q.Complete(tk.ID)
	}
	stats := q.Stats()
	assert.LessOrEqual(t, stats.Terminated, 3)
	_, ok := q.Get("a")
	assert.False(t, ok, "oldest terminated entry should have been evicted")
}

func TestStatsReportsLaneSizesAndUtilization(t *testing.T) {
	q := New(10, 100)
	for i := 0; i < 3; i++ {
		q.Enqueue(newTask(fmt.Sprintf("t-%d", i), task.PriorityHigh))
	}
	q.Dequeue()

	s := q.Stats()
	assert.Equal(t, 2, s.LaneSizes[task.PriorityHigh])
	assert.Equal(t, 1, s.InFlight)
	assert.Equal(t, 10, s.Capacity)
	assert.InDelta(t, 0.1, s.Utilization, 0.001)
}

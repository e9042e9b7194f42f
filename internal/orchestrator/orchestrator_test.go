package orchestrator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/autobrowse/orchestrator-core/internal/queue"
	"github.com/autobrowse/orchestrator-core/internal/registry"
	"github.com/autobrowse/orchestrator-core/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitForStatus(t *testing.T, o *Orchestrator, taskID string, want task.Status, timeout time.Duration) task.Snapshot {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if snap, ok := o.Status(taskID); ok && snap.Status == want {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	snap, _ := o.Status(taskID)
	t.Fatalf("task %s did not reach status %s within %s, last snapshot: %+v", taskID, want, timeout, snap)
	return task.Snapshot{}
}

func TestSubmitRunsToCompletion(t *testing.T) {
	q := queue.New(20, 100)
	reg := registry.New()
	reg.Register(registry.NewNavigatorAgent("nav-1", "Navigator"))

	o := New(q, reg, Config{DequeuePollInterval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.Start(ctx)
	defer o.Stop()

	tk := task.New("t-1", "navigate", "go", task.PriorityMedium, map[string]any{"url": "https://example.test"})
	o.Submit(tk)

	snap := waitForStatus(t, o, "t-1", task.StatusCompleted, time.Second)
	assert.Equal(t, "https://example.test", snap.Output["url"])
}

func TestStatsReportsPerAgentTypeBreakerAfterDispatch(t *testing.T) {
	q := queue.New(20, 100)
	reg := registry.New()
	reg.Register(registry.NewNavigatorAgent("nav-1", "Navigator"))

	o := New(q, reg, Config{DequeuePollInterval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.Start(ctx)
	defer o.Stop()

	tk := task.New("t-breaker", "navigate", "go", task.PriorityMedium, map[string]any{"url": "https://example.test"})
	o.Submit(tk)
	waitForStatus(t, o, "t-breaker", task.StatusCompleted, time.Second)

	breakers := o.Stats().Breakers
	require.Len(t, breakers, 1)
	assert.Equal(t, string(registry.TypeNavigator), breakers[0].Name)
	assert.Equal(t, "closed", breakers[0].State)
}

func TestCapacityLimitsInFlightTasks(t *testing.T) {
	q := queue.New(1, 100)
	reg := registry.New()
	reg.Register(registry.NewNavigatorAgent("nav-1", "Navigator"))
	// Only one agent, so only one task runs at a time regardless of queue
	// capacity; this exercises the queue's own ceiling via direct dequeue.
	assert.Nil(t, q.Dequeue()) // nothing queued yet

	for i := 0; i < 3; i++ {
		q.Enqueue(task.New("t", "navigate", "", task.PriorityMedium, nil))
	}
	first := q.Dequeue()
	require.NotNil(t, first)
	assert.Nil(t, q.Dequeue(), "capacity of 1 should refuse a second in-flight task")
}

type flakyAgent struct {
	registry.BaseAgent
	failures int32
	maxFail  int32
}

func newFlakyAgent(id string, maxFail int32) *flakyAgent {
	return &flakyAgent{
		BaseAgent: registry.NewBaseAgent(id, registry.TypeExecutor, "flaky", "fails then succeeds", registry.Capabilities{ConcurrencyLimit: 1}),
		maxFail:   maxFail,
	}
}

func (a *flakyAgent) Execute(ctx context.Context, t *task.Task) (map[string]any, error) {
	n := atomic.AddInt32(&a.failures, 1)
	if n <= a.maxFail {
		return nil, errors.New("transient failure")
	}
	return map[string]any{"success": true}, nil
}

func TestRetryExhaustionTerminatesAsFailed(t *testing.T) {
	q := queue.New(20, 100)
	reg := registry.New()
	reg.Register(newFlakyAgent("flaky-1", 100)) // always fails

	o := New(q, reg, Config{
		DequeuePollInterval: 2 * time.Millisecond,
		RetryLimit:          0,
		Backoff:             []time.Duration{time.Millisecond},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.Start(ctx)
	defer o.Stop()

	tk := task.New("t-1", "execute", "", task.PriorityHigh, nil)
	o.Submit(tk)

	snap := waitForStatus(t, o, "t-1", task.StatusFailed, time.Second)
	assert.Equal(t, 1, snap.RetryCount)
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	q := queue.New(20, 100)
	reg := registry.New()
	reg.Register(newFlakyAgent("flaky-1", 2))

	o := New(q, reg, Config{
		DequeuePollInterval: 2 * time.Millisecond,
		RetryLimit:          3,
		Backoff:             []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.Start(ctx)
	defer o.Stop()

	tk := task.New("t-1", "execute", "", task.PriorityHigh, nil)
	o.Submit(tk)

	snap := waitForStatus(t, o, "t-1", task.StatusCompleted, 2*time.Second)
	assert.Equal(t, 2, snap.RetryCount)
}

func TestUnroutableTaskReenqueuesUntilAgentAvailable(t *testing.T) {
	q := queue.New(20, 100)
	reg := registry.New()

	o := New(q, reg, Config{DequeuePollInterval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.Start(ctx)
	defer o.Stop()

	tk := task.New("t-1", "extract", "", task.PriorityMedium, map[string]any{"selector": ".x"})
	o.Submit(tk)

	time.Sleep(30 * time.Millisecond)
	snap, ok := o.Status("t-1")
	require.True(t, ok)
	assert.NotEqual(t, task.StatusCompleted, snap.Status)

	reg.Register(registry.NewExtractorAgent("ext-1", "Extractor"))
	waitForStatus(t, o, "t-1", task.StatusCompleted, time.Second)
}

func TestCancelDelegatesToQueue(t *testing.T) {
	q := queue.New(20, 100)
	reg := registry.New()
	o := New(q, reg, DefaultConfig())

	tk := task.New("t-1", "navigate", "", task.PriorityLow, nil)
	o.Submit(tk)
	assert.True(t, o.Cancel("t-1"))
	assert.False(t, o.Cancel("t-1"))
}

func TestStopAwaitsWorkerCompletion(t *testing.T) {
	q := queue.New(20, 100)
	reg := registry.New()
	o := New(q, reg, Config{DequeuePollInterval: 5 * time.Millisecond, MaxConcurrentAgents: 2})
	o.Start(context.Background())
	o.Stop() // must return promptly, no deadlock
	assert.False(t, o.Stats().Running)
}

func TestStartIsIdempotent(t *testing.T) {
	q := queue.New(20, 100)
	reg := registry.New()
	o := New(q, reg, DefaultConfig())
	o.Start(context.Background())
	o.Start(context.Background())
	defer o.Stop()
	assert.Equal(t, DefaultConfig().MaxConcurrentAgents, o.Stats().Workers)
}

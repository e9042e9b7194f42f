// Package orchestrator runs the worker pool that dequeues tasks, routes them
// to a compatible agent, enforces per-task timeouts, and retries with
// backoff.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/autobrowse/orchestrator-core/internal/core/resilience"
	"github.com/autobrowse/orchestrator-core/internal/queue"
	"github.com/autobrowse/orchestrator-core/internal/registry"
	"github.com/autobrowse/orchestrator-core/internal/task"
)

// DefaultBackoff is the fixed retry backoff sequence in seconds.
var DefaultBackoff = []time.Duration{1 * time.Second, 5 * time.Second, 15 * time.Second, 30 * time.Second, 60 * time.Second}

// routingTable maps a task's free-form Type to the agent Type responsible
// for it. Any value not present here routes to the executor catch-all.
var routingTable = map[string]registry.Type{
	"navigate": registry.TypeNavigator,
	"plan":     registry.TypePlanner,
	"validate": registry.TypeValidator,
	"execute":  registry.TypeExecutor,
	"extract":  registry.TypeExtractor,
	"analyze":  registry.TypeAnalyzer,
}

func routeFor(taskType string) registry.Type {
	if t, ok := routingTable[taskType]; ok {
		return t
	}
	return registry.TypeExecutor
}

// Config carries the tunables from the core's external configuration knobs.
type Config struct {
	MaxConcurrentAgents int
	AgentTimeout        time.Duration
	RetryLimit          int
	Backoff             []time.Duration
	DequeuePollInterval time.Duration
}

// DefaultConfig returns the spec's default knob values.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentAgents: 20,
		AgentTimeout:        300 * time.Second,
		RetryLimit:          3,
		Backoff:             DefaultBackoff,
		DequeuePollInterval: 100 * time.Millisecond,
	}
}

// Orchestrator coordinates the queue, registry, and agents: it owns N worker
// loops and the retry/backoff policy applied to failing tasks.
type Orchestrator struct {
	cfg      Config
	q        *queue.Queue
	reg      *registry.Registry
	tracer   trace.Tracer
	tasksDispatched metric.Int64Counter
	tasksFailed     metric.Int64Counter
	taskDuration    metric.Float64Histogram

	breakersMu sync.Mutex
	breakers   map[registry.Type]*resilience.CircuitBreaker

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs an Orchestrator over q and reg with cfg. Zero fields in cfg
// fall back to DefaultConfig, except RetryLimit: zero is kept (no retries)
// and only a negative value falls back.
func New(q *queue.Queue, reg *registry.Registry, cfg Config) *Orchestrator {
	def := DefaultConfig()
	if cfg.MaxConcurrentAgents <= 0 {
		cfg.MaxConcurrentAgents = def.MaxConcurrentAgents
	}
	if cfg.AgentTimeout <= 0 {
		cfg.AgentTimeout = def.AgentTimeout
	}
	if cfg.RetryLimit < 0 {
		cfg.RetryLimit = def.RetryLimit
	}
	if len(cfg.Backoff) == 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.DequeuePollInterval <= 0 {
		cfg.DequeuePollInterval = def.DequeuePollInterval
	}

	meter := otel.Meter("orchestrator-core")
	dispatched, _ := meter.Int64Counter("orch_tasks_dispatched_total")
	failed, _ := meter.Int64Counter("orch_tasks_failed_total")
	duration, _ := meter.Float64Histogram("orch_task_duration_ms")

	return &Orchestrator{
		cfg:             cfg,
		q:               q,
		reg:             reg,
		tracer:          otel.Tracer("orchestrator-core"),
		tasksDispatched: dispatched,
		tasksFailed:     failed,
		taskDuration:    duration,
		breakers:        make(map[registry.Type]*resilience.CircuitBreaker),
	}
}

// Start is idempotent: it spawns cfg.MaxConcurrentAgents worker loops. It is
// a no-op if already running.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return
	}
	workerCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.running = true
	for i := 0; i < o.cfg.MaxConcurrentAgents; i++ {
		o.wg.Add(1)
		go o.workerLoop(workerCtx, i)
	}
	slog.Info("orchestrator started", "workers", o.cfg.MaxConcurrentAgents)
}

// Stop cooperatively cancels all worker loops and awaits their completion.
// A task whose dispatch fails after the stop began (including an agent that
// returns on the cancelled context) is marked failed with a reason naming
// the stop instead of being re-queued; queued tasks remain in the queue
// untouched.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	cancel := o.cancel
	o.running = false
	o.mu.Unlock()

	cancel()
	o.wg.Wait()
	slog.Info("orchestrator stopped")
}

// Submit enqueues t and returns its id.
func (o *Orchestrator) Submit(t *task.Task) string {
	o.q.Enqueue(t)
	return t.ID
}

// Status flattens a task into its snapshot form, or reports absence.
func (o *Orchestrator) Status(taskID string) (task.Snapshot, bool) {
	t, ok := o.q.Get(taskID)
	if !ok {
		return task.Snapshot{}, false
	}
	return t.Snapshot(), true
}

// Cancel delegates to the queue.
func (o *Orchestrator) Cancel(taskID string) bool {
	return o.q.Cancel(taskID)
}

// Stats is the composite view of queue stats, registry stats, and the
// orchestrator's own worker count and running flag.
type Stats struct {
	Queue    queue.Stats
	Registry registry.Stats
	Workers  int
	Running  bool
	Breakers []resilience.Stats
}

// Stats composes queue and registry stats with the orchestrator's own state,
// including a snapshot of every per-agent-type circuit breaker so an
// operator can tell which routing target tripped rather than just that
// "some" breaker somewhere opened.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	running := o.running
	o.mu.Unlock()

	o.breakersMu.Lock()
	breakers := make([]resilience.Stats, 0, len(o.breakers))
	for _, cb := range o.breakers {
		breakers = append(breakers, cb.Stats())
	}
	o.breakersMu.Unlock()

	return Stats{
		Queue:    o.q.Stats(),
		Registry: o.reg.Stats(),
		Workers:  o.cfg.MaxConcurrentAgents,
		Running:  running,
		Breakers: breakers,
	}
}

func (o *Orchestrator) breakerFor(t registry.Type) *resilience.CircuitBreaker {
	o.breakersMu.Lock()
	defer o.breakersMu.Unlock()
	if cb, ok := o.breakers[t]; ok {
		return cb
	}
	cb := resilience.NewCircuitBreakerAdaptive(string(t), 30*time.Second, 6, 5, 0.5, 10*time.Second, 2)
	o.breakers[t] = cb
	return cb
}

// workerLoop implements the per-worker dequeue/route/dispatch/retry cycle
// described in the core's dispatch contract.
func (o *Orchestrator) workerLoop(ctx context.Context, idx int) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		t := o.q.Dequeue()
		if t == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(o.cfg.DequeuePollInterval):
			}
			continue
		}

		agentType := routeFor(t.Type)
		agent, ok := o.reg.Available(agentType)
		if !ok {
			// No compatible agent free right now: re-enqueue preserving
			// priority. The task is not starved because dequeue always
			// prefers higher-priority lanes on the next pass.
			o.q.Enqueue(t)
			select {
			case <-ctx.Done():
				return
			case <-time.After(o.cfg.DequeuePollInterval):
			}
			continue
		}

		o.dispatch(ctx, t, agent, agentType)
	}
}

// dispatch runs one task on one claimed agent under a deadline, then routes
// the outcome to completion or the retry/failure path.
func (o *Orchestrator) dispatch(ctx context.Context, t *task.Task, agent registry.Agent, agentType registry.Type) {
	breaker := o.breakerFor(agentType)
	if !breaker.Allow() {
		// Agent type is tripped: treat exactly like a dispatch failure so
		// the task takes the same retry path rather than spinning.
		o.handleFailure(ctx, t, fmt.Errorf("circuit open for agent type %s", agentType))
		return
	}

	if claimer, ok := agent.(interface{ Claim(string) bool }); ok && !claimer.Claim(t.ID) {
		o.q.Enqueue(t)
		return
	}

	ctx, span := o.tracer.Start(ctx, "task.dispatch",
		trace.WithAttributes(
			attribute.String("task_id", t.ID),
			attribute.String("task_type", t.Type),
			attribute.String("agent_id", agent.ID()),
			attribute.String("agent_type", string(agentType)),
		),
	)
	defer span.End()

	t.MarkInitializing(agent.ID())
	t.MarkRunning(agent.ID())
	setAgentStatus(agent, registry.StatusRunning)

	execCtx, cancel := context.WithTimeout(ctx, o.cfg.AgentTimeout)
	start := time.Now()
	output, err := func() (out map[string]any, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("agent %s panicked: %v", agent.ID(), r)
			}
		}()
		return agent.Execute(execCtx, t)
	}()
	cancel()
	elapsed := time.Since(start)

	setAgentStatus(agent, registry.StatusIdle)
	o.releaseAgent(agent)

	o.taskDuration.Record(ctx, float64(elapsed.Milliseconds()),
		metric.WithAttributes(attribute.String("agent_type", string(agentType))))

	if err == nil {
		breaker.RecordResult(true)
		t.Complete(output)
		o.q.Complete(t.ID)
		o.tasksDispatched.Add(ctx, 1, metric.WithAttributes(attribute.String("agent_type", string(agentType))))
		return
	}

	breaker.RecordResult(false)
	o.handleFailure(ctx, t, err)
}

// handleFailure implements the retry-with-backoff policy: on failure,
// increment retry_count; if still within the limit, sleep the matching
// backoff step on the worker thread and re-enqueue; otherwise terminate the
// task as failed. Once ctx is cancelled (the orchestrator is stopping) the
// task is failed instead of re-enqueued.
func (o *Orchestrator) handleFailure(ctx context.Context, t *task.Task, cause error) {
	retries := t.IncrementRetry()
	if ctx.Err() == nil && retries <= o.cfg.RetryLimit {
		idx := retries - 1
		if idx >= len(o.cfg.Backoff) {
			idx = len(o.cfg.Backoff) - 1
		}
		select {
		case <-ctx.Done():
		case <-time.After(o.cfg.Backoff[idx]):
		}
		if ctx.Err() == nil {
			o.q.Enqueue(t)
			return
		}
	}
	if ctx.Err() != nil {
		cause = fmt.Errorf("orchestrator stopped: %w", cause)
	}
	t.Fail(cause.Error())
	o.q.Fail(t.ID, cause.Error())
	o.tasksFailed.Add(ctx, 1)
}

func (o *Orchestrator) releaseAgent(agent registry.Agent) {
	if releaser, ok := agent.(interface{ Release() }); ok {
		releaser.Release()
	}
}

func setAgentStatus(agent registry.Agent, s registry.Status) {
	if setter, ok := agent.(interface{ SetStatus(registry.Status) }); ok {
		setter.SetStatus(s)
	}
}

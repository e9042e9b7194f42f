// Package task defines the unit of work dispatched through the queue and
// orchestrator: a typed, priority-tagged job with input, status, and result
// slots.
package task

import (
	"sync"
	"time"
)

// Priority orders tasks across the four queue lanes.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank gives a lower-is-more-urgent ordinal, used by callers that need a
// total order rather than lane membership (e.g. stats sorting).
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

// Valid reports whether p is one of the four accepted priority values.
func (p Priority) Valid() bool {
	switch p {
	case PriorityUrgent, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	default:
		return false
	}
}

// Status is the task lifecycle state. Completed, Failed, and Cancelled are
// terminal.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusWaiting      Status = "waiting"
	StatusInitializing Status = "initializing"
	StatusRunning      Status = "running"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
)

// Terminal reports whether s is one of the three terminal statuses.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Task is a unit of externally submitted work, typed by intent (navigate,
// extract, plan, execute, analyze, validate, ...). The Type string feeds the
// orchestrator's routing table; it is not restricted to a closed set.
//
// Task is mutated by exactly one logical owner at a time: the submitter
// before enqueue, the queue while queued, and a single orchestrator worker
// while in-flight. The mutex guards the fields a status snapshot reads, since
// queue stats and HTTP status handlers may read concurrently with a worker
// mutating state.
type Task struct {
	mu sync.RWMutex

	ID            string
	Type          string
	Description   string
	Priority      Priority
	Input         map[string]any
	Output        map[string]any
	Status        Status
	AssignedAgent string
	Error         string
	RetryCount    int
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

// New constructs a Task in StatusIdle with the given fields, stamping
// CreatedAt to now.
func New(id, typ, description string, priority Priority, input map[string]any) *Task {
	if input == nil {
		input = map[string]any{}
	}
	return &Task{
		ID:          id,
		Type:        typ,
		Description: description,
		Priority:    priority,
		Input:       input,
		Status:      StatusIdle,
		CreatedAt:   time.Now(),
	}
}

// SetStatus transitions the task to s, stamping CompletedAt when s is
// terminal and clearing AssignedAgent unless s is Initializing or Running.
func (t *Task) SetStatus(s Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Status = s
	if s == StatusInitializing || s == StatusRunning {
		return
	}
	t.AssignedAgent = ""
	if s.Terminal() {
		now := time.Now()
		t.CompletedAt = &now
	}
}

// MarkRunning stamps StartedAt (if unset) and assigns the claiming agent.
func (t *Task) MarkRunning(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Status = StatusRunning
	t.AssignedAgent = agentID
	if t.StartedAt == nil {
		now := time.Now()
		t.StartedAt = &now
	}
}

// MarkInitializing claims the task for agentID without yet starting it.
func (t *Task) MarkInitializing(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Status = StatusInitializing
	t.AssignedAgent = agentID
}

// Complete stores the output and marks the task completed.
func (t *Task) Complete(output map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Output = output
	t.Status = StatusCompleted
	t.AssignedAgent = ""
	now := time.Now()
	t.CompletedAt = &now
}

// Fail stores the error and marks the task failed.
func (t *Task) Fail(err string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Error = err
	t.Status = StatusFailed
	t.AssignedAgent = ""
	now := time.Now()
	t.CompletedAt = &now
}

// Cancel marks the task cancelled, regardless of its current status.
func (t *Task) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Status = StatusCancelled
	t.AssignedAgent = ""
	now := time.Now()
	t.CompletedAt = &now
}

// IncrementRetry bumps the retry counter and returns the new value.
func (t *Task) IncrementRetry() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.RetryCount++
	return t.RetryCount
}

// Snapshot is an immutable, externally-safe copy of a Task's fields,
// suitable for JSON responses or stats aggregation.
type Snapshot struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	Description   string         `json:"description"`
	Priority      Priority       `json:"priority"`
	Input         map[string]any `json:"input"`
	Output        map[string]any `json:"output,omitempty"`
	Status        Status         `json:"status"`
	AssignedAgent string         `json:"assigned_agent,omitempty"`
	Error         string         `json:"error,omitempty"`
	RetryCount    int            `json:"retry_count"`
	CreatedAt     time.Time      `json:"created_at"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
}

// Snapshot takes a consistent point-in-time copy of the task under its
// read lock.
func (t *Task) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Snapshot{
		ID:            t.ID,
		Type:          t.Type,
		Description:   t.Description,
		Priority:      t.Priority,
		Input:         t.Input,
		Output:        t.Output,
		Status:        t.Status,
		AssignedAgent: t.AssignedAgent,
		Error:         t.Error,
		RetryCount:    t.RetryCount,
		CreatedAt:     t.CreatedAt,
		StartedAt:     t.StartedAt,
		CompletedAt:   t.CompletedAt,
	}
}

// GetStatus reads the current status under lock.
func (t *Task) GetStatus() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.Status
}

// Package registry models workers ("agents") capable of executing tasks,
// and the directory that tracks them by identity and by type.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/autobrowse/orchestrator-core/internal/task"
)

// Type is the fixed set of agent kinds the orchestrator's routing table
// dispatches to, plus a catch-all.
type Type string

const (
	TypeNavigator Type = "navigator"
	TypePlanner   Type = "planner"
	TypeValidator Type = "validator"
	TypeExecutor  Type = "executor"
	TypeExtractor Type = "extractor"
	TypeAnalyzer  Type = "analyzer"
	TypeCustom    Type = "custom"
)

// Status mirrors task.Status so an agent's reported state lines up with the
// vocabulary a caller already knows from tasks; agents additionally start
// and rest in Idle between tasks.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusInitializing Status = "initializing"
	StatusRunning      Status = "running"
	StatusWaiting      Status = "waiting"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
)

// Capabilities describes what an agent offers beyond its Type, including the
// concurrency limit referenced by the single-current-task invariant.
type Capabilities struct {
	ConcurrencyLimit int
	SupportedActions []string
}

// Agent is the single capability interface every concrete worker implements:
// accept a task, run it to completion or error, honoring ctx cancellation.
// Concrete agents (NavigatorAgent, PlannerAgent, ...) hold their own
// configuration but are otherwise interchangeable behind this interface, so
// the registry and orchestrator never depend on a concrete type.
type Agent interface {
	ID() string
	Type() Type
	Name() string
	Description() string
	Capabilities() Capabilities
	Status() Status
	CurrentTask() string
	CreatedAt() time.Time
	LastActive() time.Time
	Execute(ctx context.Context, t *task.Task) (map[string]any, error)
}

// BaseAgent implements the bookkeeping shared by every concrete agent:
// status tracking, current-task bookkeeping, and the single-task-at-a-time
// invariant. Concrete agents embed BaseAgent and override Execute.
type BaseAgent struct {
	mu sync.RWMutex

	id           string
	typ          Type
	name         string
	description  string
	capabilities Capabilities
	status       Status
	currentTask  string
	createdAt    time.Time
	lastActive   time.Time
}

// NewBaseAgent constructs a BaseAgent in StatusIdle.
func NewBaseAgent(id string, typ Type, name, description string, caps Capabilities) BaseAgent {
	if caps.ConcurrencyLimit <= 0 {
		caps.ConcurrencyLimit = 1
	}
	now := time.Now()
	return BaseAgent{
		id:           id,
		typ:          typ,
		name:         name,
		description:  description,
		capabilities: caps,
		status:       StatusIdle,
		createdAt:    now,
		lastActive:   now,
	}
}

func (b *BaseAgent) ID() string                 { return b.id }
func (b *BaseAgent) Type() Type                 { return b.typ }
func (b *BaseAgent) Name() string                { return b.name }
func (b *BaseAgent) Description() string        { return b.description }
func (b *BaseAgent) Capabilities() Capabilities  { return b.capabilities }
func (b *BaseAgent) CreatedAt() time.Time        { return b.createdAt }

func (b *BaseAgent) Status() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}

func (b *BaseAgent) CurrentTask() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.currentTask
}

func (b *BaseAgent) LastActive() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastActive
}

// Claim transitions the agent into Initializing and records the task it is
// about to run. Returns false if the agent is not Idle (concurrency limit of
// one enforced here).
func (b *BaseAgent) Claim(taskID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status != StatusIdle {
		return false
	}
	b.status = StatusInitializing
	b.currentTask = taskID
	b.lastActive = time.Now()
	return true
}

// SetStatus transitions the agent to s, marking LastActive.
func (b *BaseAgent) SetStatus(s Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = s
	b.lastActive = time.Now()
}

// Release clears the current task and returns the agent to Idle.
func (b *BaseAgent) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = StatusIdle
	b.currentTask = ""
	b.lastActive = time.Now()
}

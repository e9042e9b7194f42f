// Package queue implements the task priority queue: four FIFO lanes plus
// in-flight and terminated indexes, under a single mutex, bounded by a
// configurable concurrency ceiling.
package queue

import (
	"container/list"
	"sync"
	"time"

	"github.com/autobrowse/orchestrator-core/internal/task"
)

// DefaultCapacity is the default in-flight ceiling.
const DefaultCapacity = 20

// DefaultTerminatedRetention bounds the terminated index so it does not grow
// without bound; oldest-by-completion-time entries are evicted first.
const DefaultTerminatedRetention = 1000

var lanes = []task.Priority{task.PriorityUrgent, task.PriorityHigh, task.PriorityMedium, task.PriorityLow}

// Queue is a concurrency-safe priority store. Every task is in exactly one
// of: a priority lane, the in-flight set, or the terminated set.
type Queue struct {
	mu sync.Mutex

	capacity            int
	terminatedRetention int

	lane     map[task.Priority]*list.List // each element is *task.Task
	inFlight map[string]*task.Task
	terminated map[string]*terminatedEntry
}

type terminatedEntry struct {
	t           *task.Task
	completedAt time.Time
}

// New constructs a Queue with the given in-flight capacity and terminated
// retention bound.
func New(capacity, terminatedRetention int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if terminatedRetention <= 0 {
		terminatedRetention = DefaultTerminatedRetention
	}
	q := &Queue{
		capacity:            capacity,
		terminatedRetention: terminatedRetention,
		lane:                make(map[task.Priority]*list.List, len(lanes)),
		inFlight:            make(map[string]*task.Task),
		terminated:          make(map[string]*terminatedEntry),
	}
	for _, p := range lanes {
		q.lane[p] = list.New()
	}
	return q
}

// Enqueue appends t to the lane matching its priority and sets its status to
// Waiting. Re-enqueuing a previously in-flight task (the retry path) removes
// it from in-flight first.
func (q *Queue) Enqueue(t *task.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inFlight, t.ID)
	t.SetStatus(task.StatusWaiting)
	l, ok := q.lane[t.Priority]
	if !ok {
		l = q.lane[task.PriorityLow]
	}
	l.PushBack(t)
}

// Dequeue pops the first task from the highest non-empty lane and marks it
// in-flight. Returns nil if the in-flight set is already at capacity.
func (q *Queue) Dequeue() *task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.inFlight) >= q.capacity {
		return nil
	}
	for _, p := range lanes {
		l := q.lane[p]
		front := l.Front()
		if front == nil {
			continue
		}
		l.Remove(front)
		t := front.Value.(*task.Task)
		q.inFlight[t.ID] = t
		return t
	}
	return nil
}

// Complete removes taskID from in-flight and records it in the terminated
// set. No error if absent.
func (q *Queue) Complete(taskID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.inFlight[taskID]
	if !ok {
		return
	}
	delete(q.inFlight, taskID)
	q.terminate(t)
}

// Fail removes taskID from in-flight, marks it failed with err, and records
// it in the terminated set.
func (q *Queue) Fail(taskID string, errMsg string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.inFlight[taskID]
	if !ok {
		return
	}
	delete(q.inFlight, taskID)
	t.Fail(errMsg)
	q.terminate(t)
}

// Cancel evicts taskID from in-flight or from a priority lane and marks it
// cancelled. Returns whether a cancellation occurred; already-terminated
// tasks return false.
func (q *Queue) Cancel(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t, ok := q.inFlight[taskID]; ok {
		delete(q.inFlight, taskID)
		t.Cancel()
		q.terminate(t)
		return true
	}
	for _, p := range lanes {
		l := q.lane[p]
		for e := l.Front(); e != nil; e = e.Next() {
			t := e.Value.(*task.Task)
			if t.ID == taskID {
				l.Remove(e)
				t.Cancel()
				q.terminate(t)
				return true
			}
		}
	}
	return false
}

// Get consults in-flight, then terminated, then the priority lanes.
func (q *Queue) Get(taskID string) (*task.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t, ok := q.inFlight[taskID]; ok {
		return t, true
	}
	if e, ok := q.terminated[taskID]; ok {
		return e.t, true
	}
	for _, p := range lanes {
		l := q.lane[p]
		for e := l.Front(); e != nil; e = e.Next() {
			t := e.Value.(*task.Task)
			if t.ID == taskID {
				return t, true
			}
		}
	}
	return nil, false
}

// terminate inserts t into the terminated index under the lock already held
// by the caller, evicting the oldest-by-completion-time entry if the
// retention bound is exceeded.
func (q *Queue) terminate(t *task.Task) {
	completedAt := time.Now()
	if snap := t.Snapshot(); snap.CompletedAt != nil {
		completedAt = *snap.CompletedAt
	}
	q.terminated[t.ID] = &terminatedEntry{t: t, completedAt: completedAt}
	if len(q.terminated) <= q.terminatedRetention {
		return
	}
	var oldestID string
	var oldestAt time.Time
	for id, e := range q.terminated {
		if oldestID == "" || e.completedAt.Before(oldestAt) {
			oldestID = id
			oldestAt = e.completedAt
		}
	}
	if oldestID != "" {
		delete(q.terminated, oldestID)
	}
}

// Stats is the aggregate view returned by Queue.Stats.
type Stats struct {
	LaneSizes   map[task.Priority]int
	InFlight    int
	Terminated  int
	Capacity    int
	Utilization float64
}

// Stats reports per-lane sizes, in-flight and terminated counts, capacity,
// and in-flight utilization.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Stats{
		LaneSizes: make(map[task.Priority]int, len(lanes)),
		InFlight:  len(q.inFlight),
		Terminated: len(q.terminated),
		Capacity:  q.capacity,
	}
	for _, p := range lanes {
		s.LaneSizes[p] = q.lane[p].Len()
	}
	if q.capacity > 0 {
		s.Utilization = float64(s.InFlight) / float64(q.capacity)
	}
	return s
}

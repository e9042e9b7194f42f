package registry

import "sync"

// Registry is a directory of Agents keyed by id and secondarily indexed by
// Type. It is a directory, not the authority on agent liveness: callers may
// observe stale status because agents mutate their own status during
// execution.
type Registry struct {
	mu      sync.Mutex
	byID    map[string]Agent
	byType  map[Type][]Agent
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		byID:   make(map[string]Agent),
		byType: make(map[Type][]Agent),
	}
}

// Register inserts agent by id and appends it to its type index. A duplicate
// id replaces the prior entry; the previous value remains in the type index
// list, so deregister-then-register is the safe way to replace an agent of
// the same id with a different type.
func (r *Registry) Register(a Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[a.ID()] = a
	r.byType[a.Type()] = append(r.byType[a.Type()], a)
}

// Deregister removes agentID from both indexes. Returns whether it was
// present.
func (r *Registry) Deregister(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.byID[agentID]
	if !ok {
		return false
	}
	delete(r.byID, agentID)
	list := r.byType[a.Type()]
	for i, v := range list {
		if v.ID() == agentID {
			r.byType[a.Type()] = append(list[:i], list[i+1:]...)
			break
		}
	}
	return true
}

// Get returns the agent with the given id, if registered.
func (r *Registry) Get(agentID string) (Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.byID[agentID]
	return a, ok
}

// ByType returns a snapshot slice of all agents of the given type.
func (r *Registry) ByType(t Type) []Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.byType[t]
	out := make([]Agent, len(list))
	copy(out, list)
	return out
}

// Available returns the first agent of type t whose status is Idle, in
// insertion order. No fairness guarantee beyond that.
func (r *Registry) Available(t Type) (Agent, bool) {
	r.mu.Lock()
	list := r.byType[t]
	snapshot := make([]Agent, len(list))
	copy(snapshot, list)
	r.mu.Unlock()

	for _, a := range snapshot {
		if a.Status() == StatusIdle {
			return a, true
		}
	}
	return nil, false
}

// Stats is the aggregate view returned by Registry.Stats.
type Stats struct {
	Total      int
	ByType     map[Type]int
	ByStatus   map[Status]int
}

// Stats computes total count, counts by type, and counts by status across
// all registered agents.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Stats{
		ByType:   make(map[Type]int),
		ByStatus: make(map[Status]int),
	}
	for _, a := range r.byID {
		s.Total++
		s.ByType[a.Type()]++
		s.ByStatus[a.Status()]++
	}
	return s
}

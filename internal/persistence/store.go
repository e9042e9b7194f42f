// Package persistence durably stores workflow definitions and execution
// records. The workflow engine treats it as an optional collaborator:
// correctness of execution never depends on it, only inspection and
// recovery across restarts do.
package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/autobrowse/orchestrator-core/internal/workflow"
)

var (
	bucketDefinitions = []byte("workflow_definitions")
	bucketExecutions  = []byte("workflow_executions")
	bucketIndexes     = []byte("execution_index")
	bucketSchedules   = []byte("schedules")
)

// Store is a BoltDB-backed store for workflow definitions and execution
// records, fronted by an in-memory hot cache so reads of recently-touched
// definitions and executions avoid a disk round trip.
type Store struct {
	db *bbolt.DB

	mu             sync.RWMutex
	definitionsMem map[string]*workflow.Definition
	executionsMem  map[string]executionRecord
	maxCacheSize   int

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
	cacheHits    metric.Int64Counter
	cacheMisses  metric.Int64Counter
}

// executionRecord is the serializable snapshot persisted for a workflow
// execution; ExecutionState itself is not serialized directly since it
// carries a mutex.
type executionRecord struct {
	ExecutionID  string                    `json:"execution_id"`
	WorkflowID   string                    `json:"workflow_id"`
	Status       workflow.ExecutionStatus  `json:"status"`
	Context      map[string]any            `json:"context"`
	Steps        map[string]workflow.StepState `json:"steps"`
	Result       map[string]any            `json:"result,omitempty"`
	ErrorMessage string                    `json:"error_message,omitempty"`
	StartedAt    time.Time                 `json:"started_at"`
	CompletedAt  *time.Time                `json:"completed_at,omitempty"`
}

// Open opens (creating if absent) a BoltDB file under dir/orchestrator.db
// and prepares its buckets.
func Open(dir string) (*Store, error) {
	opts := &bbolt.Options{Timeout: 1 * time.Second}
	db, err := bbolt.Open(dir+"/orchestrator.db", 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketDefinitions, bucketExecutions, bucketIndexes, bucketSchedules} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	meter := otel.Meter("orchestrator-core")
	readLatency, _ := meter.Float64Histogram("orch_persistence_read_ms")
	writeLatency, _ := meter.Float64Histogram("orch_persistence_write_ms")
	cacheHits, _ := meter.Int64Counter("orch_persistence_cache_hits_total")
	cacheMisses, _ := meter.Int64Counter("orch_persistence_cache_misses_total")

	s := &Store{
		db:             db,
		definitionsMem: make(map[string]*workflow.Definition),
		executionsMem:  make(map[string]executionRecord),
		maxCacheSize:   1000,
		readLatency:    readLatency,
		writeLatency:   writeLatency,
		cacheHits:      cacheHits,
		cacheMisses:    cacheMisses,
	}
	if err := s.warmCache(); err != nil {
		return nil, fmt.Errorf("warm cache: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// PutDefinition stores def under workflowID.
func (s *Store) PutDefinition(ctx context.Context, workflowID string, def *workflow.Definition) error {
	start := time.Now()
	defer func() {
		s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", "put_definition")))
	}()

	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}

	if err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDefinitions).Put([]byte(workflowID), data)
	}); err != nil {
		return fmt.Errorf("write definition: %w", err)
	}

	s.mu.Lock()
	s.definitionsMem[workflowID] = def
	s.mu.Unlock()
	return nil
}

// GetDefinition retrieves a definition by workflowID, consulting the
// in-memory cache before the database.
func (s *Store) GetDefinition(ctx context.Context, workflowID string) (*workflow.Definition, bool, error) {
	start := time.Now()
	defer func() {
		s.readLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", "get_definition")))
	}()

	s.mu.RLock()
	if def, ok := s.definitionsMem[workflowID]; ok {
		s.mu.RUnlock()
		s.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("type", "definition")))
		return def, true, nil
	}
	s.mu.RUnlock()
	s.cacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("type", "definition")))

	var def workflow.Definition
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketDefinitions).Get([]byte(workflowID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &def)
	})
	if err != nil {
		return nil, false, fmt.Errorf("read definition: %w", err)
	}
	if !found {
		return nil, false, nil
	}

	s.mu.Lock()
	s.definitionsMem[workflowID] = &def
	s.mu.Unlock()
	return &def, true, nil
}

// PutExecution persists a point-in-time snapshot of state.
func (s *Store) PutExecution(ctx context.Context, state *workflow.ExecutionState) error {
	start := time.Now()
	defer func() {
		s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", "put_execution")))
	}()

	rec := snapshotRecord(state)
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}

	if err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketExecutions).Put([]byte(rec.ExecutionID), data); err != nil {
			return err
		}
		indexKey := fmt.Sprintf("%s:%d:%s", rec.WorkflowID, rec.StartedAt.UnixNano(), rec.ExecutionID)
		return tx.Bucket(bucketIndexes).Put([]byte(indexKey), []byte(rec.ExecutionID))
	}); err != nil {
		return fmt.Errorf("write execution: %w", err)
	}

	s.mu.Lock()
	if len(s.executionsMem) >= s.maxCacheSize {
		s.evictOldestExecutionLocked()
	}
	s.executionsMem[rec.ExecutionID] = rec
	s.mu.Unlock()
	return nil
}

// GetExecution retrieves a persisted execution record by id.
func (s *Store) GetExecution(ctx context.Context, executionID string) (executionRecord, bool, error) {
	start := time.Now()
	defer func() {
		s.readLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", "get_execution")))
	}()

	s.mu.RLock()
	if rec, ok := s.executionsMem[executionID]; ok {
		s.mu.RUnlock()
		s.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("type", "execution")))
		return rec, true, nil
	}
	s.mu.RUnlock()
	s.cacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("type", "execution")))

	var rec executionRecord
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketExecutions).Get([]byte(executionID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return executionRecord{}, false, fmt.Errorf("read execution: %w", err)
	}
	return rec, found, nil
}

// ListExecutions returns every persisted execution for workflowID, ordered
// oldest-first, by scanning the time-indexed bucketIndexes keys with prefix
// "workflowID:".
func (s *Store) ListExecutions(ctx context.Context, workflowID string) ([]executionRecord, error) {
	start := time.Now()
	defer func() {
		s.readLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", "list_executions")))
	}()

	var ids []string
	prefix := []byte(workflowID + ":")
	if err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketIndexes).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			ids = append(ids, string(v))
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("scan execution index: %w", err)
	}

	recs := make([]executionRecord, 0, len(ids))
	for _, id := range ids {
		rec, ok, err := s.GetExecution(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			recs = append(recs, rec)
		}
	}
	return recs, nil
}

// PutSchedule persists the raw, caller-serialized form of a schedule under
// workflowID. The store treats a schedule's encoding as opaque — it is the
// scheduler package's own JSON, round-tripped unmodified.
func (s *Store) PutSchedule(ctx context.Context, workflowID string, data []byte) error {
	start := time.Now()
	defer func() {
		s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", "put_schedule")))
	}()
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedules).Put([]byte(workflowID), data)
	})
}

// DeleteSchedule removes the persisted schedule for workflowID, if any.
func (s *Store) DeleteSchedule(ctx context.Context, workflowID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedules).Delete([]byte(workflowID))
	})
}

// ListSchedules returns every persisted schedule's raw bytes keyed by
// workflow id, for the caller to unmarshal.
func (s *Store) ListSchedules(ctx context.Context) (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedules).ForEach(func(k, v []byte) error {
			cp := make([]byte, len(v))
			copy(cp, v)
			out[string(k)] = cp
			return nil
		})
	})
	return out, err
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

func snapshotRecord(state *workflow.ExecutionState) executionRecord {
	ctx := state.ContextSnapshot()
	steps := collectSteps(state)
	return executionRecord{
		ExecutionID: state.ExecutionID,
		WorkflowID:  state.WorkflowID,
		Status:      state.GetStatus(),
		Context:     ctx,
		Steps:       steps,
		StartedAt:   state.StartedAt,
	}
}

// collectSteps reads step states through the exported StepState accessor so
// persistence never touches ExecutionState's internal lock directly.
func collectSteps(state *workflow.ExecutionState) map[string]workflow.StepState {
	out := make(map[string]workflow.StepState)
	// StepState(id) lazily creates pending entries, which would pollute the
	// snapshot; instead, walk the known step ids carried in the context
	// under the step_<id> convention published by the engine.
	ctx := state.ContextSnapshot()
	for k := range ctx {
		if len(k) > 5 && k[:5] == "step_" {
			id := k[5:]
			out[id] = *state.StepState(id)
		}
	}
	return out
}

func (s *Store) warmCache() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDefinitions).ForEach(func(k, v []byte) error {
			var def workflow.Definition
			if err := json.Unmarshal(v, &def); err != nil {
				return nil
			}
			s.definitionsMem[string(k)] = &def
			return nil
		})
	})
}

func (s *Store) evictOldestExecutionLocked() {
	var oldestID string
	var oldestAt time.Time
	for id, rec := range s.executionsMem {
		if oldestID == "" || rec.StartedAt.Before(oldestAt) {
			oldestID = id
			oldestAt = rec.StartedAt
		}
	}
	if oldestID != "" {
		delete(s.executionsMem, oldestID)
	}
}

package persistence

import (
	"context"
	"testing"

	"github.com/autobrowse/orchestrator-core/internal/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutAndGetDefinitionRoundTrips(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	def := &workflow.Definition{
		ID:          "wf-1",
		Name:        "demo",
		InitialStep: "start",
		Steps:       []workflow.Step{{ID: "start", Type: workflow.StepAction}},
	}
	require.NoError(t, store.PutDefinition(context.Background(), "wf-1", def))

	got, ok, err := store.GetDefinition(context.Background(), "wf-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "demo", got.Name)
}

func TestGetDefinitionMissingReturnsFalse(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	_, ok, err := store.GetDefinition(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPutExecutionThenGetFromCache(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	state := workflow.NewExecutionState("exec-1", "wf-1", map[string]any{"url": "https://x"})
	state.SetStatus(workflow.ExecutionCompleted)
	require.NoError(t, store.PutExecution(context.Background(), state))

	rec, ok, err := store.GetExecution(context.Background(), "exec-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, workflow.ExecutionCompleted, rec.Status)
}

func TestPutListAndDeleteSchedule(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.PutSchedule(ctx, "wf-1", []byte(`{"workflow_id":"wf-1"}`)))

	schedules, err := store.ListSchedules(ctx)
	require.NoError(t, err)
	require.Contains(t, schedules, "wf-1")

	require.NoError(t, store.DeleteSchedule(ctx, "wf-1"))
	schedules, err = store.ListSchedules(ctx)
	require.NoError(t, err)
	assert.NotContains(t, schedules, "wf-1")
}

func TestListExecutionsReturnsPersistedRecordsForWorkflow(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	state := workflow.NewExecutionState("exec-1", "wf-1", nil)
	state.SetStatus(workflow.ExecutionCompleted)
	require.NoError(t, store.PutExecution(ctx, state))

	recs, err := store.ListExecutions(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "exec-1", recs[0].ExecutionID)
}

func TestWarmCacheReloadsDefinitionsOnReopen(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir)
	require.NoError(t, err)
	def := &workflow.Definition{ID: "wf-1", Name: "demo"}
	require.NoError(t, store.PutDefinition(context.Background(), "wf-1", def))
	require.NoError(t, store.Close())

	reopened, err := Open(dir)
	require.NoError(t, err)
	defer reopened.Close()

	got, ok, err := reopened.GetDefinition(context.Background(), "wf-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "demo", got.Name)
}

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kilnworks/kiln/retry"
	"github.com/kilnworks/kiln/store"
	storeinmem "github.com/kilnworks/kiln/store/inmem"
	"github.com/kilnworks/kiln/telemetry"
)

func TestStatusWriterRetriesTransientFailures(t *testing.T) {
	inner := storeinmem.New()
	inner.SeedRun(store.AgentRun{ID: "r1", Status: store.StatusRunning})
	flaky := &flakyStore{Store: inner, failures: 2}
	w := newTestStatusWriter(flaky)

	ok := w.writeAgent(context.Background(), "r1", store.StatusCompleted, "",
		[]json.RawMessage{json.RawMessage(`{"type":"tool"}`)}, time.Now().UTC())
	require.True(t, ok)
	require.Equal(t, 3, flaky.terminalCalls)

	run, err := inner.LoadRun(context.Background(), "r1")
	require.NoError(t, err)
	require.Equal(t, store.StatusCompleted, run.Status)
}

func TestStatusWriterReturnsFalseWhenExhausted(t *testing.T) {
	inner := storeinmem.New()
	flaky := &flakyStore{Store: inner, failures: 10}
	w := newTestStatusWriter(flaky)

	ok := w.writeAgent(context.Background(), "r1", store.StatusFailed, "boom", nil, time.Now().UTC())
	require.False(t, ok)
	require.Equal(t, 3, flaky.terminalCalls)
}

func TestStatusWriterIdempotent(t *testing.T) {
	inner := storeinmem.New()
	inner.SeedRun(store.AgentRun{ID: "r1", Status: store.StatusRunning})
	w := newTestStatusWriter(inner)

	responses := []json.RawMessage{json.RawMessage(`{"type":"status","status":"completed"}`)}
	at := time.Now().UTC()
	require.True(t, w.writeAgent(context.Background(), "r1", store.StatusCompleted, "", responses, at))
	first, err := inner.LoadRun(context.Background(), "r1")
	require.NoError(t, err)

	require.True(t, w.writeAgent(context.Background(), "r1", store.StatusCompleted, "", responses, at))
	second, err := inner.LoadRun(context.Background(), "r1")
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestStatusWriterWorkflowMirrorsAlias(t *testing.T) {
	inner := storeinmem.New()
	inner.SeedExecution(store.WorkflowExecution{ID: "e1", Status: store.StatusRunning})
	inner.SeedRun(store.AgentRun{ID: "r1", Status: store.StatusRunning})
	w := newTestStatusWriter(inner)

	responses := []json.RawMessage{json.RawMessage(`{"type":"workflow_status","status":"completed"}`)}
	ok := w.writeWorkflow(context.Background(), "e1", "r1", store.StatusCompleted, "", responses, time.Now().UTC())
	require.True(t, ok)

	exec, err := inner.LoadExecution(context.Background(), "e1")
	require.NoError(t, err)
	require.Equal(t, store.StatusCompleted, exec.Status)

	run, err := inner.LoadRun(context.Background(), "r1")
	require.NoError(t, err)
	require.Equal(t, store.StatusCompleted, run.Status)
	require.Len(t, run.Responses, 1)
}

func TestStatusWriterWorkflowToleratesMissingAliasRow(t *testing.T) {
	// No run row seeded for the alias: the store reports ErrNotFound and the
	// mirror swallows it without burning retries.
	inner := storeinmem.New()
	inner.SeedExecution(store.WorkflowExecution{ID: "e1", Status: store.StatusRunning})
	w := newTestStatusWriter(inner)

	ok := w.writeWorkflow(context.Background(), "e1", "ghost", store.StatusCompleted, "", nil, time.Now().UTC())
	require.True(t, ok)

	exec, err := inner.LoadExecution(context.Background(), "e1")
	require.NoError(t, err)
	require.Equal(t, store.StatusCompleted, exec.Status)
}

func newTestStatusWriter(s store.Store) *statusWriter {
	return &statusWriter{
		store:  s,
		logger: telemetry.NewNoopLogger(),
		cfg: retry.Config{
			MaxAttempts:       3,
			InitialBackoff:    time.Millisecond,
			MaxBackoff:        5 * time.Millisecond,
			BackoffMultiplier: 2,
		},
	}
}

// flakyStore fails the first N terminal writes.
type flakyStore struct {
	store.Store
	failures      int
	terminalCalls int
}

func (s *flakyStore) WriteRunTerminal(ctx context.Context, runID string, status store.Status, errMsg string, responses []json.RawMessage, completedAt time.Time) error {
	s.terminalCalls++
	if s.terminalCalls <= s.failures {
		return errors.New("connection reset")
	}
	return s.Store.WriteRunTerminal(ctx, runID, status, errMsg, responses, completedAt)
}

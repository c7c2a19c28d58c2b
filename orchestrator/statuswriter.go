package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/kilnworks/kiln/retry"
	"github.com/kilnworks/kiln/store"
	"github.com/kilnworks/kiln/telemetry"
)

// statusWriter persists terminal run status with bounded retries and verifies
// the write by reading the row back. Write failures are logged, never
// propagated: by the time the writer runs the stream consumers have already
// seen the terminal event, and crashing the worker here would only cause a
// redelivery against a terminal row.
type statusWriter struct {
	store  store.Store
	logger telemetry.Logger
	cfg    retry.Config
}

func (w *statusWriter) writeAgent(ctx context.Context, runID string, status store.Status, errMsg string, responses []json.RawMessage, completedAt time.Time) bool {
	err := retry.Do(ctx, w.cfg, func(ctx context.Context) error {
		return w.store.WriteRunTerminal(ctx, runID, status, errMsg, responses, completedAt)
	})
	if err != nil {
		w.logger.Error(ctx, "terminal status write failed after retries",
			"run_id", runID, "status", status, "error", err)
		return false
	}
	w.verifyRun(ctx, runID, status)
	return true
}

func (w *statusWriter) writeWorkflow(ctx context.Context, executionID, agentRunID string, status store.Status, errMsg string, responses []json.RawMessage, completedAt time.Time) bool {
	err := retry.Do(ctx, w.cfg, func(ctx context.Context) error {
		return w.store.WriteExecutionTerminal(ctx, executionID, status, errMsg, completedAt)
	})
	if err != nil {
		w.logger.Error(ctx, "terminal status write failed after retries",
			"execution_id", executionID, "status", status, "error", err)
		return false
	}
	w.verifyExecution(ctx, executionID, status)
	if agentRunID != "" {
		w.mirrorRun(ctx, agentRunID, status, errMsg, responses, completedAt)
	}
	return true
}

// mirrorRun copies the execution's terminal state onto the aliased agent run
// row so subscribers polling the run record see the same outcome. A missing
// alias row is not an error.
func (w *statusWriter) mirrorRun(ctx context.Context, runID string, status store.Status, errMsg string, responses []json.RawMessage, completedAt time.Time) {
	err := retry.Do(ctx, w.cfg, func(ctx context.Context) error {
		err := w.store.WriteRunTerminal(ctx, runID, status, errMsg, responses, completedAt)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		w.logger.Error(ctx, "mirror terminal status to aliased run failed",
			"run_id", runID, "status", status, "error", err)
	}
}

func (w *statusWriter) verifyRun(ctx context.Context, runID string, want store.Status) {
	run, err := w.store.LoadRun(ctx, runID)
	if err != nil {
		w.logger.Warn(ctx, "terminal status read-back failed", "run_id", runID, "error", err)
		return
	}
	if run.Status != want {
		w.logger.Warn(ctx, "terminal status mismatch after write",
			"run_id", runID, "want", want, "got", run.Status)
	}
}

func (w *statusWriter) verifyExecution(ctx context.Context, executionID string, want store.Status) {
	exec, err := w.store.LoadExecution(ctx, executionID)
	if err != nil {
		w.logger.Warn(ctx, "terminal status read-back failed", "execution_id", executionID, "error", err)
		return
	}
	if exec.Status != want {
		w.logger.Warn(ctx, "terminal status mismatch after write",
			"execution_id", executionID, "want", want, "got", exec.Status)
	}
}

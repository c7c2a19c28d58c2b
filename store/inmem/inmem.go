// Package inmem provides an in-memory implementation of store.Store for
// testing and local development. Rows live in maps keyed by id with no
// persistence across restarts; production deployments use store/mongo.
package inmem

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/kilnworks/kiln/store"
)

// Store implements store.Store in memory. All operations are thread-safe and
// enforce the same monotone status transitions as the durable backend:
// a terminal row only accepts writes carrying the identical terminal status.
type Store struct {
	mu    sync.RWMutex
	runs  map[string]store.AgentRun
	execs map[string]store.WorkflowExecution
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		runs:  make(map[string]store.AgentRun),
		execs: make(map[string]store.WorkflowExecution),
	}
}

// SeedRun inserts an agent run row, typically with status pending.
func (s *Store) SeedRun(run store.AgentRun) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run.Status == "" {
		run.Status = store.StatusPending
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	s.runs[run.ID] = run
}

// SeedExecution inserts a workflow execution row.
func (s *Store) SeedExecution(exec store.WorkflowExecution) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if exec.Status == "" {
		exec.Status = store.StatusPending
	}
	s.execs[exec.ID] = exec
}

// MarkRunRunning transitions a non-terminal run to running. Missing rows
// report store.ErrNotFound; terminal rows are left untouched.
func (s *Store) MarkRunRunning(_ context.Context, runID string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	if run.Status.Terminal() {
		return nil
	}
	run.Status = store.StatusRunning
	started := startedAt.UTC()
	run.StartedAt = &started
	s.runs[runID] = run
	return nil
}

// WriteRunTerminal writes the terminal state of a run. Missing rows report
// store.ErrNotFound; a row already terminal with a different status is left
// untouched.
func (s *Store) WriteRunTerminal(_ context.Context, runID string, status store.Status, errMsg string, responses []json.RawMessage, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	if run.Status.Terminal() && run.Status != status {
		return nil
	}
	run.Status = status
	run.Error = errMsg
	done := completedAt.UTC()
	run.CompletedAt = &done
	run.Responses = cloneResponses(responses)
	s.runs[runID] = run
	return nil
}

// LoadRun returns the run row or store.ErrNotFound.
func (s *Store) LoadRun(_ context.Context, runID string) (store.AgentRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return store.AgentRun{}, store.ErrNotFound
	}
	run.Responses = cloneResponses(run.Responses)
	return run, nil
}

// MarkExecutionRunning transitions a non-terminal execution to running.
// Missing rows report store.ErrNotFound.
func (s *Store) MarkExecutionRunning(_ context.Context, executionID string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.execs[executionID]
	if !ok {
		return store.ErrNotFound
	}
	if exec.Status.Terminal() {
		return nil
	}
	exec.Status = store.StatusRunning
	started := startedAt.UTC()
	exec.StartedAt = &started
	s.execs[executionID] = exec
	return nil
}

// WriteExecutionTerminal writes the terminal state of a workflow execution.
// Missing rows report store.ErrNotFound.
func (s *Store) WriteExecutionTerminal(_ context.Context, executionID string, status store.Status, errMsg string, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.execs[executionID]
	if !ok {
		return store.ErrNotFound
	}
	if exec.Status.Terminal() && exec.Status != status {
		return nil
	}
	exec.Status = status
	exec.Error = errMsg
	done := completedAt.UTC()
	exec.CompletedAt = &done
	s.execs[executionID] = exec
	return nil
}

// LoadExecution returns the execution row or store.ErrNotFound.
func (s *Store) LoadExecution(_ context.Context, executionID string) (store.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.execs[executionID]
	if !ok {
		return store.WorkflowExecution{}, store.ErrNotFound
	}
	return exec, nil
}

func cloneResponses(src []json.RawMessage) []json.RawMessage {
	if len(src) == 0 {
		return nil
	}
	dst := make([]json.RawMessage, len(src))
	for i, raw := range src {
		cp := make(json.RawMessage, len(raw))
		copy(cp, raw)
		dst[i] = cp
	}
	return dst
}

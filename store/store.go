// Package store defines the durable record of runs: their parameters,
// lifecycle status, terminal error, and the full ordered list of response
// events. The store is the authoritative copy of a finished run; the
// streaming bus only holds a replay buffer with a TTL.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when no row exists for the requested id.
var ErrNotFound = errors.New("run record not found")

type (
	// Status is the lifecycle state of a run. Transitions are monotone:
	// pending → running → {completed | failed | stopped}. Once a terminal
	// status is written with a completion timestamp the row is immutable.
	Status string

	// AgentRun is the durable record of one agent run.
	AgentRun struct {
		// ID uniquely identifies the run.
		ID string
		// ThreadID is the conversation thread the run belongs to.
		ThreadID string
		// ProjectID scopes the run to a project.
		ProjectID string
		// Status is the current lifecycle state.
		Status Status
		// ModelName identifies the model driving the run.
		ModelName string
		// EnableThinking requests extended reasoning from the model.
		EnableThinking bool
		// ReasoningEffort tunes reasoning depth ("low", "medium", "high").
		ReasoningEffort string
		// Stream requests incremental output from the model.
		Stream bool
		// EnableContextManager enables automatic context compaction.
		EnableContextManager bool
		// AgentConfig is the optional custom agent configuration blob.
		AgentConfig json.RawMessage
		// CreatedAt records when the run row was created.
		CreatedAt time.Time
		// StartedAt records when a worker began driving the run.
		StartedAt *time.Time
		// CompletedAt records when the run reached a terminal status.
		CompletedAt *time.Time
		// Error holds the terminal error for failed or stopped runs.
		Error string
		// Responses is the full ordered event log, rewritten at terminal write.
		Responses []json.RawMessage
	}

	// WorkflowExecution is the durable record of one workflow run. When
	// AgentRunID is set the execution aliases an agent run row so that
	// subscribers use a single URL pattern; terminal writes then update both.
	WorkflowExecution struct {
		// ID uniquely identifies the execution.
		ID string
		// WorkflowID identifies the workflow definition.
		WorkflowID string
		// WorkflowName is the human-readable workflow name.
		WorkflowName string
		// ThreadID is the conversation thread, if any.
		ThreadID string
		// ProjectID scopes the execution to a project.
		ProjectID string
		// AgentRunID is the agent-run row this execution aliases, if any.
		AgentRunID string
		// TriggeredBy records the trigger source (e.g., "MANUAL", "WEBHOOK").
		TriggeredBy string
		// Status is the current lifecycle state.
		Status Status
		// StartedAt records when a worker began driving the execution.
		StartedAt *time.Time
		// CompletedAt records when the execution reached a terminal status.
		CompletedAt *time.Time
		// Error holds the terminal error for failed or stopped executions.
		Error string
	}

	// Store persists run records. Updates are by primary key; implementations
	// must keep status transitions monotone so a terminal row is never
	// overwritten with a non-terminal status.
	Store interface {
		// MarkRunRunning transitions an agent run to running and stamps StartedAt.
		MarkRunRunning(ctx context.Context, runID string, startedAt time.Time) error
		// WriteRunTerminal writes the terminal status, error, completion time and
		// full response log for an agent run. Idempotent.
		WriteRunTerminal(ctx context.Context, runID string, status Status, errMsg string, responses []json.RawMessage, completedAt time.Time) error
		// LoadRun returns the agent run row, or ErrNotFound.
		LoadRun(ctx context.Context, runID string) (AgentRun, error)

		// MarkExecutionRunning transitions a workflow execution to running.
		MarkExecutionRunning(ctx context.Context, executionID string, startedAt time.Time) error
		// WriteExecutionTerminal writes the terminal status for a workflow
		// execution. Idempotent.
		WriteExecutionTerminal(ctx context.Context, executionID string, status Status, errMsg string, completedAt time.Time) error
		// LoadExecution returns the workflow execution row, or ErrNotFound.
		LoadExecution(ctx context.Context, executionID string) (WorkflowExecution, error)
	}
)

const (
	// StatusPending indicates the run has been accepted but not started.
	StatusPending Status = "pending"
	// StatusRunning indicates a worker is actively driving the run.
	StatusRunning Status = "running"
	// StatusCompleted indicates the run finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed indicates the run failed permanently.
	StatusFailed Status = "failed"
	// StatusStopped indicates the run was stopped by an external signal.
	StatusStopped Status = "stopped"
)

// Terminal reports whether the status is one of the frozen end states.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped:
		return true
	}
	return false
}

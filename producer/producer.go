// Package producer defines the event producer contract: a lazy, single-pass,
// finite sequence of response events consumed by the run coordinator. Two
// implementations exist — the agent driver and the workflow executor — and
// the coordinator treats them identically. Producers never touch the
// streaming bus or the state store.
package producer

import (
	"context"
	"encoding/json"
	"fmt"
)

type (
	// Event is one response event. The coordinator inspects only the status
	// envelope fields; everything else is forwarded verbatim.
	Event = json.RawMessage

	// Producer is an open event sequence. Next returns events in emission
	// order and io.EOF when the sequence is exhausted. The sequence is not
	// restartable. Cancellation is cooperative: when the consumer abandons
	// the sequence it calls Close, and the producer releases its resources.
	Producer interface {
		Next(ctx context.Context) (Event, error)
		Close(ctx context.Context) error
	}

	// Kind selects which producer drives a run and which status sentinel
	// terminates its event sequence.
	Kind string

	// StatusEnvelope is the decoded status portion of an event. Agent runs
	// signal through type "status", workflow runs through "workflow_status";
	// the coordinator checks the union.
	StatusEnvelope struct {
		Type    string `json:"type"`
		Status  string `json:"status"`
		Message string `json:"message,omitempty"`
		Error   string `json:"error,omitempty"`
	}
)

const (
	// KindAgent is an LLM-driven agent run.
	KindAgent Kind = "agent"
	// KindWorkflow is a deterministic workflow run.
	KindWorkflow Kind = "workflow"
)

// StatusType returns the sentinel event type that carries terminal status
// for this kind.
func (k Kind) StatusType() string {
	if k == KindWorkflow {
		return "workflow_status"
	}
	return "status"
}

// DecodeStatus decodes the status envelope of an event. ok is false when the
// event is not a status sentinel for the given kind.
func DecodeStatus(kind Kind, ev Event) (StatusEnvelope, bool) {
	var env StatusEnvelope
	if err := json.Unmarshal(ev, &env); err != nil {
		return StatusEnvelope{}, false
	}
	if env.Type != kind.StatusType() {
		return StatusEnvelope{}, false
	}
	return env, true
}

// Terminal reports whether the envelope carries one of the producer-signaled
// terminal statuses.
func (e StatusEnvelope) Terminal() bool {
	switch e.Status {
	case "completed", "failed", "stopped":
		return true
	}
	return false
}

// Reason returns the terminal message, preferring the message field and
// falling back to the error field (workflow executors report through error).
func (e StatusEnvelope) Reason() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Error
}

// CompletionEvent synthesizes the terminal status event appended when a
// sequence exhausts without signaling completion itself.
func CompletionEvent(kind Kind) Event {
	msg := "Agent run completed successfully"
	if kind == KindWorkflow {
		msg = "Workflow execution completed successfully"
	}
	return mustMarshal(StatusEnvelope{Type: kind.StatusType(), Status: "completed", Message: msg})
}

// ErrorEvent synthesizes the status event appended when the drive loop fails.
func ErrorEvent(kind Kind, message string) Event {
	return mustMarshal(StatusEnvelope{Type: kind.StatusType(), Status: "error", Message: message})
}

func mustMarshal(env StatusEnvelope) Event {
	raw, err := json.Marshal(env)
	if err != nil {
		// StatusEnvelope contains only strings; marshaling cannot fail.
		panic(fmt.Sprintf("marshal status envelope: %v", err))
	}
	return raw
}

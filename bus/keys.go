package bus

import (
	"errors"
	"fmt"
)

// Namespace is the stream key prefix shared by a run's response list and its
// notification and control channels. Agent runs use "agent_run:<id>";
// workflow runs reuse the agent-run namespace through their agent-run alias
// so subscribers see one URL pattern.
type Namespace string

// ErrEmptyNamespace is returned when a run is submitted without a stream
// namespace. The namespace is mandatory at the boundary: a workflow run with
// no agent-run alias must be rejected, not silently keyed under an empty
// prefix.
var ErrEmptyNamespace = errors.New("bus: stream namespace is required")

// AgentRunNamespace returns the stream namespace for an agent run.
func AgentRunNamespace(runID string) Namespace {
	return Namespace("agent_run:" + runID)
}

// Validate reports whether the namespace is usable.
func (n Namespace) Validate() error {
	if n == "" {
		return ErrEmptyNamespace
	}
	return nil
}

// ResponsesKey is the append-only list of response event JSON.
func (n Namespace) ResponsesKey() string {
	return string(n) + ":responses"
}

// NotificationChannel carries "new" after every response append.
func (n Namespace) NotificationChannel() string {
	return string(n) + ":new_response"
}

// ControlChannel is the global control channel for the run, visible to every
// instance.
func (n Namespace) ControlChannel() string {
	return string(n) + ":control"
}

// InstanceControlChannel is the control channel targeted at one instance.
func (n Namespace) InstanceControlChannel(instanceID string) string {
	return fmt.Sprintf("%s:control:%s", n, instanceID)
}

// RunLockKey holds the instance id of the worker that owns the run.
func RunLockKey(runID string) string {
	return "run_lock:" + runID
}

// ActiveRunKey is the heartbeat key written by the owning instance; its
// absence after the TTL signals a crashed worker.
func ActiveRunKey(instanceID, runID string) string {
	return fmt.Sprintf("active_run:%s:%s", instanceID, runID)
}

// InstanceHealthKey is written in response to broker health probes.
func InstanceHealthKey(instanceID string) string {
	return fmt.Sprintf("instance:%s:health", instanceID)
}

// Control payloads are literal ASCII strings.
const (
	// ControlStop requests cooperative termination of a run.
	ControlStop = "STOP"
	// ControlEndStream announces that a run completed.
	ControlEndStream = "END_STREAM"
	// ControlError announces that a run failed.
	ControlError = "ERROR"
)

package broker

import (
	"encoding/json"
	"errors"

	"github.com/kilnworks/kiln/bus"
	"github.com/kilnworks/kiln/producer"
)

// Event names discriminate job payloads on the stream.
const (
	// EventAgentRun starts an agent run.
	EventAgentRun = "agent_run"
	// EventWorkflowRun starts a workflow run.
	EventWorkflowRun = "workflow_run"
	// EventHealthCheck probes worker liveness.
	EventHealthCheck = "health_check"
)

type (
	// AgentJob is the run-start message for an ad-hoc agent run.
	AgentJob struct {
		RunID                string          `json:"run_id"`
		ThreadID             string          `json:"thread_id"`
		InstanceIDHint       string          `json:"instance_id_hint,omitempty"`
		ProjectID            string          `json:"project_id"`
		ModelName            string          `json:"model_name"`
		EnableThinking       bool            `json:"enable_thinking,omitempty"`
		ReasoningEffort      string          `json:"reasoning_effort,omitempty"`
		Stream               bool            `json:"stream"`
		EnableContextManager bool            `json:"enable_context_manager"`
		AgentConfig          json.RawMessage `json:"agent_config,omitempty"`
		IsAgentBuilder       bool            `json:"is_agent_builder,omitempty"`
		TargetAgentID        string          `json:"target_agent_id,omitempty"`
		RequestID            string          `json:"request_id,omitempty"`
	}

	// WorkflowJob is the run-start message for a webhook- or manually
	// triggered workflow run. AgentRunID aliases the agent-run key namespace
	// so subscribers use one URL pattern; it is mandatory.
	WorkflowJob struct {
		ExecutionID        string          `json:"execution_id"`
		WorkflowID         string          `json:"workflow_id"`
		WorkflowName       string          `json:"workflow_name"`
		WorkflowDefinition json.RawMessage `json:"workflow_definition"`
		Variables          map[string]any  `json:"variables,omitempty"`
		TriggeredBy        string          `json:"triggered_by"`
		Deterministic      bool            `json:"deterministic"`
		ThreadID           string          `json:"thread_id,omitempty"`
		ProjectID          string          `json:"project_id,omitempty"`
		AgentRunID         string          `json:"agent_run_id"`
		InstanceIDHint     string          `json:"instance_id_hint,omitempty"`
		RequestID          string          `json:"request_id,omitempty"`
	}

	// HealthProbe asks a worker to write the given key to the bus.
	HealthProbe struct {
		Key string `json:"key"`
	}
)

// Validate checks the fields the coordinator cannot run without.
func (j AgentJob) Validate() error {
	if j.RunID == "" {
		return errors.New("agent job: run id is required")
	}
	if j.ThreadID == "" {
		return errors.New("agent job: thread id is required")
	}
	return nil
}

// Kind returns the producer kind for this job.
func (j AgentJob) Kind() producer.Kind { return producer.KindAgent }

// Namespace returns the bus namespace for this run's stream keys.
func (j AgentJob) Namespace() bus.Namespace { return bus.AgentRunNamespace(j.RunID) }

// Validate checks the fields the coordinator cannot run without. The stream
// namespace alias is mandatory at the boundary: a workflow job with no
// agent-run alias is rejected rather than keyed under an empty prefix.
func (j WorkflowJob) Validate() error {
	if j.ExecutionID == "" {
		return errors.New("workflow job: execution id is required")
	}
	if j.WorkflowID == "" {
		return errors.New("workflow job: workflow id is required")
	}
	if len(j.WorkflowDefinition) == 0 {
		return errors.New("workflow job: workflow definition is required")
	}
	if j.AgentRunID == "" {
		return errors.New("workflow job: agent run id alias is required")
	}
	return nil
}

// Kind returns the producer kind for this job.
func (j WorkflowJob) Kind() producer.Kind { return producer.KindWorkflow }

// Namespace returns the bus namespace for this run's stream keys. Workflow
// runs reuse the agent-run prefix through their alias.
func (j WorkflowJob) Namespace() bus.Namespace { return bus.AgentRunNamespace(j.AgentRunID) }

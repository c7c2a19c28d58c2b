package producer

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeStatusAgentSentinel(t *testing.T) {
	env, ok := DecodeStatus(KindAgent, json.RawMessage(`{"type":"status","status":"completed","message":"ok"}`))
	require.True(t, ok)
	require.True(t, env.Terminal())
	require.Equal(t, "ok", env.Reason())
}

func TestDecodeStatusWorkflowSentinel(t *testing.T) {
	ev := json.RawMessage(`{"type":"workflow_status","status":"failed","error":"step 3 failed"}`)

	env, ok := DecodeStatus(KindWorkflow, ev)
	require.True(t, ok)
	require.True(t, env.Terminal())
	require.Equal(t, "step 3 failed", env.Reason())

	// An agent run must not treat workflow sentinels as terminal.
	_, ok = DecodeStatus(KindAgent, ev)
	require.False(t, ok)
}

func TestDecodeStatusIgnoresContentEvents(t *testing.T) {
	_, ok := DecodeStatus(KindAgent, json.RawMessage(`{"type":"assistant","text":"hi"}`))
	require.False(t, ok)
	_, ok = DecodeStatus(KindAgent, json.RawMessage(`not json`))
	require.False(t, ok)
}

func TestNonTerminalStatusEvent(t *testing.T) {
	env, ok := DecodeStatus(KindAgent, json.RawMessage(`{"type":"status","status":"thinking"}`))
	require.True(t, ok)
	require.False(t, env.Terminal())
}

func TestCompletionEvent(t *testing.T) {
	env, ok := DecodeStatus(KindAgent, CompletionEvent(KindAgent))
	require.True(t, ok)
	require.Equal(t, "completed", env.Status)

	env, ok = DecodeStatus(KindWorkflow, CompletionEvent(KindWorkflow))
	require.True(t, ok)
	require.Equal(t, "workflow_status", env.Type)
}

func TestErrorEvent(t *testing.T) {
	env, ok := DecodeStatus(KindAgent, ErrorEvent(KindAgent, "Boom"))
	require.True(t, ok)
	require.Equal(t, "error", env.Status)
	require.Equal(t, "Boom", env.Reason())
	require.False(t, env.Terminal())
}

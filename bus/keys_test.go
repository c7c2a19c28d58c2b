package bus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAgentRunNamespaceKeys(t *testing.T) {
	ns := AgentRunNamespace("r1")
	require.Equal(t, "agent_run:r1:responses", ns.ResponsesKey())
	require.Equal(t, "agent_run:r1:new_response", ns.NotificationChannel())
	require.Equal(t, "agent_run:r1:control", ns.ControlChannel())
	require.Equal(t, "agent_run:r1:control:inst_A", ns.InstanceControlChannel("inst_A"))
}

func TestNamespaceValidate(t *testing.T) {
	require.NoError(t, AgentRunNamespace("r1").Validate())
	require.ErrorIs(t, Namespace("").Validate(), ErrEmptyNamespace)
}

func TestLockAndHeartbeatKeys(t *testing.T) {
	require.Equal(t, "run_lock:r1", RunLockKey("r1"))
	require.Equal(t, "active_run:inst_A:r1", ActiveRunKey("inst_A", "r1"))
	require.Equal(t, "instance:inst_A:health", InstanceHealthKey("inst_A"))
}

package workflow

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kilnworks/kiln/producer"
)

func TestParseJSON(t *testing.T) {
	def, err := ParseJSON([]byte(`{
		"name": "notify",
		"nodes": [
			{"id": "fetch", "type": "task", "action": "http_get", "next": "send"},
			{"id": "send", "type": "task", "action": "send_email"}
		]
	}`))
	require.NoError(t, err)
	require.Equal(t, "notify", def.Name)
	require.Len(t, def.Nodes, 2)
	require.Equal(t, "fetch", def.entryID())
}

func TestParseJSONRejectsSchemaViolations(t *testing.T) {
	cases := map[string]string{
		"missing name":  `{"nodes":[{"id":"a","type":"task"}]}`,
		"empty nodes":   `{"name":"x","nodes":[]}`,
		"bad node type": `{"name":"x","nodes":[{"id":"a","type":"loop"}]}`,
		"missing id":    `{"name":"x","nodes":[{"type":"task"}]}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseJSON([]byte(raw))
			require.Error(t, err)
		})
	}
}

func TestParseJSONRejectsDanglingEdges(t *testing.T) {
	_, err := ParseJSON([]byte(`{
		"name": "broken",
		"nodes": [{"id": "a", "type": "task", "next": "ghost"}]
	}`))
	require.EqualError(t, err, `node "a" references unknown node "ghost"`)
}

func TestParseYAML(t *testing.T) {
	def, err := ParseYAML([]byte(`
name: notify
entry: fetch
nodes:
  - id: fetch
    type: task
    action: http_get
    params:
      url: https://example.com
    next: route
  - id: route
    type: branch
    when:
      - var: env
        equals: prod
        then: send
    else: skip
  - id: send
    type: task
    action: send_email
  - id: skip
    type: task
    action: log
`))
	require.NoError(t, err)
	require.Equal(t, "fetch", def.Entry)
	require.Len(t, def.Nodes, 4)
	require.Equal(t, "https://example.com", def.Nodes[0].Params["url"])
}

func TestExecutorWalksLinearGraph(t *testing.T) {
	def := mustParse(t, `{
		"name": "lin",
		"nodes": [
			{"id": "a", "type": "task", "action": "first", "next": "b"},
			{"id": "b", "type": "task", "action": "second"}
		]
	}`)
	var ran []string
	exec, err := NewExecutor(def, nil, NodeRunnerFunc(func(_ context.Context, node Node, _ map[string]any) (any, error) {
		ran = append(ran, node.ID)
		return node.Action + " done", nil
	}))
	require.NoError(t, err)

	events := drainExecutor(t, exec)
	require.Len(t, events, 2)
	require.JSONEq(t, `{"type":"node_result","node":"a","action":"first","output":"first done"}`, string(events[0]))
	require.JSONEq(t, `{"type":"node_result","node":"b","action":"second","output":"second done"}`, string(events[1]))
	require.Equal(t, []string{"a", "b"}, ran)
}

func TestExecutorBranchSelectsByVariable(t *testing.T) {
	def := mustParse(t, `{
		"name": "route",
		"nodes": [
			{"id": "route", "type": "branch",
			 "when": [{"var": "env", "equals": "prod", "then": "send"}],
			 "else": "skip"},
			{"id": "send", "type": "task", "action": "send_email"},
			{"id": "skip", "type": "task", "action": "log"}
		]
	}`)

	exec, err := NewExecutor(def, map[string]any{"env": "prod"}, echoRunner())
	require.NoError(t, err)
	events := drainExecutor(t, exec)
	require.Len(t, events, 2)
	require.Contains(t, string(events[0]), `"branch"`)
	require.Contains(t, string(events[1]), `"node":"send"`)

	exec, err = NewExecutor(def, map[string]any{"env": "dev"}, echoRunner())
	require.NoError(t, err)
	events = drainExecutor(t, exec)
	require.Len(t, events, 2)
	require.Contains(t, string(events[1]), `"node":"skip"`)
}

func TestExecutorNodeOutputFeedsLaterBranches(t *testing.T) {
	def := mustParse(t, `{
		"name": "chained",
		"nodes": [
			{"id": "check", "type": "task", "action": "probe", "next": "route"},
			{"id": "route", "type": "branch",
			 "when": [{"var": "nodes.check", "equals": "ok", "then": "done"}],
			 "else": "alert"},
			{"id": "done", "type": "task", "action": "noop"},
			{"id": "alert", "type": "task", "action": "page"}
		]
	}`)
	exec, err := NewExecutor(def, nil, NodeRunnerFunc(func(_ context.Context, node Node, _ map[string]any) (any, error) {
		if node.ID == "check" {
			return "ok", nil
		}
		return nil, nil
	}))
	require.NoError(t, err)

	events := drainExecutor(t, exec)
	require.Len(t, events, 3)
	require.Contains(t, string(events[2]), `"node":"done"`)
}

func TestExecutorNodeFailureEmitsFailedStatus(t *testing.T) {
	def := mustParse(t, `{
		"name": "boom",
		"nodes": [{"id": "a", "type": "task", "action": "explode"}]
	}`)
	exec, err := NewExecutor(def, nil, NodeRunnerFunc(func(context.Context, Node, map[string]any) (any, error) {
		return nil, errors.New("exploded")
	}))
	require.NoError(t, err)

	ev, err := exec.Next(context.Background())
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"workflow_status","status":"failed","error":"node \"a\": exploded"}`, string(ev))

	_, err = exec.Next(context.Background())
	require.ErrorIs(t, err, io.EOF)
}

func TestExecutorDetectsCycles(t *testing.T) {
	def := mustParse(t, `{
		"name": "cycle",
		"nodes": [
			{"id": "a", "type": "task", "next": "b"},
			{"id": "b", "type": "task", "next": "a"}
		]
	}`)
	exec, err := NewExecutor(def, nil, echoRunner())
	require.NoError(t, err)

	var last producer.Event
	for {
		ev, err := exec.Next(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		last = ev
	}
	require.Contains(t, string(last), "cycle detected")
}

func mustParse(t *testing.T, raw string) Definition {
	t.Helper()
	def, err := ParseJSON([]byte(raw))
	require.NoError(t, err)
	return def
}

func echoRunner() NodeRunner {
	return NodeRunnerFunc(func(_ context.Context, node Node, _ map[string]any) (any, error) {
		return node.Action, nil
	})
}

func drainExecutor(t *testing.T, exec *Executor) []producer.Event {
	t.Helper()
	var events []producer.Event
	for {
		ev, err := exec.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return events
		}
		require.NoError(t, err)
		events = append(events, ev)
	}
}

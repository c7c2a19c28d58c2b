package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/require"

	"github.com/kilnworks/kiln/producer"
)

func TestDriverTextOnlyConversation(t *testing.T) {
	stub := &stubMessages{responses: []*sdk.Message{{
		Content:    []sdk.ContentBlockUnion{{Type: "text", Text: "hello there"}},
		StopReason: sdk.StopReasonEndTurn,
	}}}
	d := mustNewDriver(t, Options{Messages: stub, Model: "claude-sonnet-4", Prompt: "hi"})

	events := drain(t, d)
	require.Len(t, events, 1)
	require.JSONEq(t, `{"type":"assistant","content":"hello there"}`, string(events[0]))
	require.Len(t, stub.params, 1)
	require.Equal(t, sdk.Model("claude-sonnet-4"), stub.params[0].Model)
}

func TestDriverToolLoop(t *testing.T) {
	stub := &stubMessages{responses: []*sdk.Message{
		{
			Content: []sdk.ContentBlockUnion{
				{Type: "text", Text: "let me check"},
				{Type: "tool_use", ID: "tu_1", Name: "weather", Input: json.RawMessage(`{"city":"Lyon"}`)},
			},
			StopReason: sdk.StopReasonToolUse,
		},
		{
			Content:    []sdk.ContentBlockUnion{{Type: "text", Text: "it is sunny"}},
			StopReason: sdk.StopReasonEndTurn,
		},
	}}
	disp := &recordingDispatcher{result: "22C and clear"}
	d := mustNewDriver(t, Options{
		Messages:   stub,
		Model:      "claude-sonnet-4",
		Prompt:     "weather in Lyon?",
		Tools:      []ToolDefinition{{Name: "weather", Description: "weather lookup"}},
		Dispatcher: disp,
	})

	events := drain(t, d)
	require.Len(t, events, 4)
	require.JSONEq(t, `{"type":"assistant","content":"let me check"}`, string(events[0]))
	require.JSONEq(t, `{"type":"tool_use","id":"tu_1","name":"weather","input":{"city":"Lyon"}}`, string(events[1]))
	require.JSONEq(t, `{"type":"tool_result","tool_use_id":"tu_1","name":"weather","content":"22C and clear","is_error":false}`, string(events[2]))
	require.JSONEq(t, `{"type":"assistant","content":"it is sunny"}`, string(events[3]))

	require.Equal(t, []string{"weather"}, disp.names)
	require.JSONEq(t, `{"city":"Lyon"}`, string(disp.inputs[0]))

	// The second model call carries the assistant turn and the tool result.
	require.Len(t, stub.params, 2)
	require.Len(t, stub.params[1].Messages, 3)
}

func TestDriverToolErrorFedBackNotFatal(t *testing.T) {
	stub := &stubMessages{responses: []*sdk.Message{
		{
			Content: []sdk.ContentBlockUnion{
				{Type: "tool_use", ID: "tu_1", Name: "weather", Input: json.RawMessage(`{}`)},
			},
			StopReason: sdk.StopReasonToolUse,
		},
		{
			Content:    []sdk.ContentBlockUnion{{Type: "text", Text: "could not check"}},
			StopReason: sdk.StopReasonEndTurn,
		},
	}}
	d := mustNewDriver(t, Options{
		Messages:   stub,
		Model:      "claude-sonnet-4",
		Prompt:     "weather?",
		Tools:      []ToolDefinition{{Name: "weather", Description: "weather lookup"}},
		Dispatcher: &recordingDispatcher{err: errors.New("upstream down")},
	})

	events := drain(t, d)
	require.Len(t, events, 3)
	require.JSONEq(t, `{"type":"tool_result","tool_use_id":"tu_1","name":"weather","content":"upstream down","is_error":true}`, string(events[1]))
}

func TestDriverModelFailureSurfacesError(t *testing.T) {
	stub := &stubMessages{err: errors.New("overloaded")}
	d := mustNewDriver(t, Options{Messages: stub, Model: "claude-sonnet-4", Prompt: "hi"})

	_, err := d.Next(context.Background())
	require.ErrorContains(t, err, "overloaded")
}

func TestDriverValidation(t *testing.T) {
	_, err := New(Options{Model: "m", Prompt: "p"})
	require.EqualError(t, err, "anthropic messages client is required")

	_, err = New(Options{Messages: &stubMessages{}, Prompt: "p"})
	require.EqualError(t, err, "model identifier is required")

	_, err = New(Options{Messages: &stubMessages{}, Model: "m", Prompt: "p",
		Tools: []ToolDefinition{{Name: "x"}}})
	require.EqualError(t, err, "dispatcher is required when tools are configured")

	_, err = New(Options{Messages: &stubMessages{}, Model: "m", Prompt: "p",
		EnableThinking: true, ThinkingBudget: 512})
	require.ErrorContains(t, err, "thinking budget")
}

func TestDriverCloseAbandonsLoop(t *testing.T) {
	stub := &stubMessages{responses: []*sdk.Message{{
		Content: []sdk.ContentBlockUnion{
			{Type: "text", Text: "a"},
			{Type: "text", Text: "b"},
		},
		StopReason: sdk.StopReasonEndTurn,
	}}}
	d := mustNewDriver(t, Options{Messages: stub, Model: "claude-sonnet-4", Prompt: "hi"})

	_, err := d.Next(context.Background())
	require.NoError(t, err)
	require.NoError(t, d.Close(context.Background()))
}

func mustNewDriver(t *testing.T, opts Options) *Driver {
	t.Helper()
	d, err := New(opts)
	require.NoError(t, err)
	return d
}

func drain(t *testing.T, d *Driver) []producer.Event {
	t.Helper()
	var events []producer.Event
	for {
		ev, err := d.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return events
		}
		require.NoError(t, err)
		events = append(events, ev)
	}
}

type stubMessages struct {
	responses []*sdk.Message
	err       error
	params    []sdk.MessageNewParams
}

func (s *stubMessages) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.params = append(s.params, body)
	if s.err != nil {
		return nil, s.err
	}
	if len(s.params) > len(s.responses) {
		return nil, errors.New("no scripted response")
	}
	return s.responses[len(s.params)-1], nil
}

type recordingDispatcher struct {
	result string
	err    error
	names  []string
	inputs []json.RawMessage
}

func (d *recordingDispatcher) Dispatch(_ context.Context, name string, input json.RawMessage) (string, error) {
	d.names = append(d.names, name)
	d.inputs = append(d.inputs, input)
	if d.err != nil {
		return "", d.err
	}
	return d.result, nil
}

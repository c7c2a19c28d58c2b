// Package agent implements the agent event producer: an LLM chat loop with
// tool dispatch backed by the Anthropic Claude Messages API. The driver owns
// the conversation state and surfaces each model turn as a sequence of
// response events; it never touches the streaming bus or the state store.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/kilnworks/kiln/producer"
)

const (
	// DefaultMaxTurns bounds the chat loop: a model that keeps requesting
	// tools past this many turns fails the run instead of looping forever.
	DefaultMaxTurns = 25
	// DefaultMaxTokens is the completion cap used when none is configured.
	DefaultMaxTokens = 8192
	// minThinkingBudget is the smallest budget the Messages API accepts.
	minThinkingBudget = 1024
)

type (
	// MessagesClient is the subset of the Anthropic SDK used by the driver.
	// Satisfied by *sdk.MessageService; tests supply a fake.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	}

	// Dispatcher executes tool calls requested by the model. A returned error
	// is reported to the model as an error tool result, not a run failure.
	Dispatcher interface {
		Dispatch(ctx context.Context, name string, input json.RawMessage) (string, error)
	}

	// ToolDefinition advertises one tool to the model.
	ToolDefinition struct {
		Name        string
		Description string
		InputSchema map[string]any
	}

	// Options configures the driver.
	Options struct {
		// Messages is the Anthropic Messages client. Required.
		Messages MessagesClient
		// Model is the Claude model identifier. Required.
		Model string
		// Prompt is the initial user message. Required.
		Prompt string
		// System is the optional system prompt.
		System string
		// MaxTokens caps each completion. Zero uses DefaultMaxTokens.
		MaxTokens int
		// Temperature is forwarded when positive.
		Temperature float64
		// EnableThinking requests extended reasoning.
		EnableThinking bool
		// ThinkingBudget is the reasoning token budget; required when
		// EnableThinking is set and must be >= 1024 and < MaxTokens.
		ThinkingBudget int64
		// Tools are advertised to the model. Requires Dispatcher when set.
		Tools []ToolDefinition
		// Dispatcher executes tool calls.
		Dispatcher Dispatcher
		// MaxTurns bounds the tool loop. Zero uses DefaultMaxTurns.
		MaxTurns int
	}

	// Driver implements producer.Producer over the chat loop. The loop starts
	// lazily on the first Next call and runs in its own goroutine; Next
	// relays its events in emission order and io.EOF when the model stops
	// requesting tools.
	Driver struct {
		opts Options

		startOnce sync.Once
		closeOnce sync.Once
		cancel    context.CancelFunc
		events    chan producer.Event
		err       error
	}
)

// New validates the options and constructs a Driver.
func New(opts Options) (*Driver, error) {
	if opts.Messages == nil {
		return nil, errors.New("anthropic messages client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model identifier is required")
	}
	if opts.Prompt == "" {
		return nil, errors.New("prompt is required")
	}
	if len(opts.Tools) > 0 && opts.Dispatcher == nil {
		return nil, errors.New("dispatcher is required when tools are configured")
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = DefaultMaxTurns
	}
	if opts.EnableThinking {
		if opts.ThinkingBudget < minThinkingBudget {
			return nil, fmt.Errorf("thinking budget %d must be >= %d", opts.ThinkingBudget, minThinkingBudget)
		}
		if opts.ThinkingBudget >= int64(opts.MaxTokens) {
			return nil, fmt.Errorf("thinking budget %d must be less than max_tokens %d", opts.ThinkingBudget, opts.MaxTokens)
		}
	}
	return &Driver{
		opts:   opts,
		events: make(chan producer.Event),
	}, nil
}

// Next returns the next response event, io.EOF when the conversation is done
// or the loop's error when a model call failed.
func (d *Driver) Next(ctx context.Context) (producer.Event, error) {
	d.startOnce.Do(func() {
		// The loop outlives individual Next calls; it is cancelled by Close.
		loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		d.cancel = cancel
		go d.loop(loopCtx)
	})
	select {
	case ev, ok := <-d.events:
		if !ok {
			if d.err != nil {
				return nil, d.err
			}
			return nil, io.EOF
		}
		return ev, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close cancels the chat loop and releases its goroutine.
func (d *Driver) Close(context.Context) error {
	d.closeOnce.Do(func() {
		if d.cancel != nil {
			d.cancel()
		}
		// Unblock the loop if it is mid-emit; the channel close then ends
		// the drain.
		go func() {
			for range d.events { //nolint:revive // draining
			}
		}()
	})
	return nil
}

// loop runs the chat turn cycle: call the model, surface its blocks as
// events, dispatch requested tools and feed results back, until the model
// stops asking for tools. d.err is written before the channel closes so Next
// observes it on the same goroutine that sees the close.
func (d *Driver) loop(ctx context.Context) {
	defer close(d.events)

	conversation := []sdk.MessageParam{
		sdk.NewUserMessage(sdk.NewTextBlock(d.opts.Prompt)),
	}
	for turn := 0; turn < d.opts.MaxTurns; turn++ {
		msg, err := d.opts.Messages.New(ctx, d.params(conversation))
		if err != nil {
			d.err = fmt.Errorf("anthropic messages.new: %w", err)
			return
		}
		if !d.emitBlocks(ctx, msg) {
			return
		}
		if msg.StopReason != sdk.StopReasonToolUse {
			return
		}
		conversation = append(conversation, msg.ToParam())
		results, ok := d.dispatchTools(ctx, msg)
		if !ok {
			return
		}
		conversation = append(conversation, sdk.NewUserMessage(results...))
	}
	d.err = fmt.Errorf("tool loop did not converge within %d turns", d.opts.MaxTurns)
}

func (d *Driver) params(conversation []sdk.MessageParam) sdk.MessageNewParams {
	params := sdk.MessageNewParams{
		Model:     sdk.Model(d.opts.Model),
		MaxTokens: int64(d.opts.MaxTokens),
		Messages:  conversation,
	}
	if d.opts.System != "" {
		params.System = []sdk.TextBlockParam{{Text: d.opts.System}}
	}
	if d.opts.Temperature > 0 {
		params.Temperature = sdk.Float(d.opts.Temperature)
	}
	if d.opts.EnableThinking {
		params.Thinking = sdk.ThinkingConfigParamOfEnabled(d.opts.ThinkingBudget)
	}
	if len(d.opts.Tools) > 0 {
		tools := make([]sdk.ToolUnionParam, 0, len(d.opts.Tools))
		for _, def := range d.opts.Tools {
			u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: def.InputSchema}, def.Name)
			if u.OfTool != nil && def.Description != "" {
				u.OfTool.Description = sdk.String(def.Description)
			}
			tools = append(tools, u)
		}
		params.Tools = tools
	}
	return params
}

// emitBlocks surfaces each content block of a model turn as one event.
// Reports false when the consumer went away.
func (d *Driver) emitBlocks(ctx context.Context, msg *sdk.Message) bool {
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text == "" {
				continue
			}
			if !d.emit(ctx, map[string]any{"type": "assistant", "content": block.Text}) {
				return false
			}
		case "thinking":
			if block.Thinking == "" {
				continue
			}
			if !d.emit(ctx, map[string]any{"type": "thinking", "content": block.Thinking}) {
				return false
			}
		case "tool_use":
			if !d.emit(ctx, map[string]any{
				"type":  "tool_use",
				"id":    block.ID,
				"name":  block.Name,
				"input": block.Input,
			}) {
				return false
			}
		}
	}
	return true
}

// dispatchTools executes every tool_use block of the turn and emits one
// tool_result event per call. Tool errors become error results fed back to
// the model rather than run failures.
func (d *Driver) dispatchTools(ctx context.Context, msg *sdk.Message) ([]sdk.ContentBlockParamUnion, bool) {
	var results []sdk.ContentBlockParamUnion
	for _, block := range msg.Content {
		if block.Type != "tool_use" {
			continue
		}
		input, err := json.Marshal(block.Input)
		if err != nil {
			input = nil
		}
		content, dispatchErr := d.opts.Dispatcher.Dispatch(ctx, block.Name, input)
		isError := dispatchErr != nil
		if isError {
			content = dispatchErr.Error()
		}
		if !d.emit(ctx, map[string]any{
			"type":        "tool_result",
			"tool_use_id": block.ID,
			"name":        block.Name,
			"content":     content,
			"is_error":    isError,
		}) {
			return nil, false
		}
		results = append(results, sdk.NewToolResultBlock(block.ID, content, isError))
	}
	return results, true
}

func (d *Driver) emit(ctx context.Context, payload map[string]any) bool {
	raw, err := json.Marshal(payload)
	if err != nil {
		d.err = fmt.Errorf("marshal response event: %w", err)
		return false
	}
	select {
	case d.events <- producer.Event(raw):
		return true
	case <-ctx.Done():
		return false
	}
}

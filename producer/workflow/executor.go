package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"

	"github.com/kilnworks/kiln/producer"
)

type (
	// NodeRunner executes task nodes. Implementations perform the actual
	// side effects (HTTP calls, tool invocations); the executor only walks
	// the graph and records outputs.
	NodeRunner interface {
		RunNode(ctx context.Context, node Node, vars map[string]any) (any, error)
	}

	// NodeRunnerFunc adapts a function to NodeRunner.
	NodeRunnerFunc func(ctx context.Context, node Node, vars map[string]any) (any, error)

	// Executor implements producer.Producer over a workflow graph. Each Next
	// call executes exactly one node and returns its result event; the
	// sequence is lazy, single-pass and not restartable. Node failures and
	// cycles terminate the sequence with a workflow_status event rather than
	// a producer error so the run is recorded as failed, not crashed.
	Executor struct {
		def    Definition
		vars   map[string]any
		runner NodeRunner

		current string
		visited map[string]struct{}
		done    bool
	}
)

// RunNode implements NodeRunner.
func (f NodeRunnerFunc) RunNode(ctx context.Context, node Node, vars map[string]any) (any, error) {
	return f(ctx, node, vars)
}

// NewExecutor constructs an executor over a validated definition. Variables
// seed the evaluation context; node outputs are added under "nodes.<id>".
func NewExecutor(def Definition, vars map[string]any, runner NodeRunner) (*Executor, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if runner == nil {
		return nil, errors.New("node runner is required")
	}
	evalVars := make(map[string]any, len(vars))
	for k, v := range vars {
		evalVars[k] = v
	}
	return &Executor{
		def:     def,
		vars:    evalVars,
		runner:  runner,
		current: def.entryID(),
		visited: make(map[string]struct{}, len(def.Nodes)),
	}, nil
}

// Next executes the next node and returns its event, or io.EOF once the walk
// left the graph.
func (e *Executor) Next(ctx context.Context) (producer.Event, error) {
	if e.done || e.current == "" {
		e.done = true
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	node, ok := e.def.node(e.current)
	if !ok {
		// Unreachable after Validate, kept as a terminal guard.
		return e.terminate(fmt.Sprintf("unknown node %q", e.current)), nil
	}
	if _, seen := e.visited[node.ID]; seen {
		return e.terminate(fmt.Sprintf("cycle detected at node %q", node.ID)), nil
	}
	e.visited[node.ID] = struct{}{}

	switch node.Type {
	case NodeBranch:
		next, chosen := e.evalBranch(node)
		e.current = next
		return e.event(map[string]any{
			"type":   "node_result",
			"node":   node.ID,
			"branch": chosen,
		})
	default:
		output, err := e.runner.RunNode(ctx, node, e.vars)
		if err != nil {
			return e.terminate(fmt.Sprintf("node %q: %v", node.ID, err)), nil
		}
		e.vars["nodes."+node.ID] = output
		e.current = node.Next
		return e.event(map[string]any{
			"type":   "node_result",
			"node":   node.ID,
			"action": node.Action,
			"output": output,
		})
	}
}

// Close ends the walk. Workflow nodes already executed keep their effects;
// there is nothing to roll back.
func (e *Executor) Close(context.Context) error {
	e.done = true
	return nil
}

// evalBranch returns the successor id selected by the first matching
// condition and a label describing the choice.
func (e *Executor) evalBranch(node Node) (string, string) {
	for _, b := range node.When {
		if reflect.DeepEqual(e.vars[b.Var], b.Equals) {
			return b.Then, fmt.Sprintf("%s == %v -> %s", b.Var, b.Equals, b.Then)
		}
	}
	return node.Else, "else -> " + node.Else
}

// terminate emits the failed workflow_status sentinel and ends the sequence.
func (e *Executor) terminate(reason string) producer.Event {
	e.done = true
	ev, err := e.event(map[string]any{
		"type":   "workflow_status",
		"status": "failed",
		"error":  reason,
	})
	if err != nil {
		// The payload contains only strings; marshaling cannot fail.
		panic(err)
	}
	return ev
}

func (e *Executor) event(payload map[string]any) (producer.Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal workflow event: %w", err)
	}
	return producer.Event(raw), nil
}

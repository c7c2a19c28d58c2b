// Package workflow implements the workflow event producer: a deterministic
// graph walker over a declarative node definition. Definitions arrive as JSON
// or YAML, are validated against a JSON Schema before execution, and are
// walked one node per event so the coordinator consumes workflow progress
// exactly like agent output.
package workflow

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

type (
	// Definition is a workflow graph. Execution starts at Entry (or the
	// first node when Entry is empty) and follows Next/branch edges until a
	// node with no successor is reached.
	Definition struct {
		Name  string `json:"name" yaml:"name"`
		Entry string `json:"entry,omitempty" yaml:"entry,omitempty"`
		Nodes []Node `json:"nodes" yaml:"nodes"`
	}

	// Node is one workflow step. Type "task" runs an action through the
	// node runner; type "branch" selects the successor from its conditions
	// without running anything.
	Node struct {
		ID     string         `json:"id" yaml:"id"`
		Type   string         `json:"type" yaml:"type"`
		Action string         `json:"action,omitempty" yaml:"action,omitempty"`
		Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
		Next   string         `json:"next,omitempty" yaml:"next,omitempty"`
		When   []Branch       `json:"when,omitempty" yaml:"when,omitempty"`
		Else   string         `json:"else,omitempty" yaml:"else,omitempty"`
	}

	// Branch is one condition of a branch node: when the named variable
	// equals the given value, execution continues at Then.
	Branch struct {
		Var    string `json:"var" yaml:"var"`
		Equals any    `json:"equals" yaml:"equals"`
		Then   string `json:"then" yaml:"then"`
	}
)

// Node types.
const (
	NodeTask   = "task"
	NodeBranch = "branch"
)

// definitionSchema is the JSON Schema workflow definitions are validated
// against before any node runs.
const definitionSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["name", "nodes"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "entry": {"type": "string"},
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "type"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "type": {"enum": ["task", "branch"]},
          "action": {"type": "string"},
          "params": {"type": "object"},
          "next": {"type": "string"},
          "when": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["var", "then"],
              "properties": {
                "var": {"type": "string", "minLength": 1},
                "then": {"type": "string", "minLength": 1}
              }
            }
          },
          "else": {"type": "string"}
        }
      }
    }
  }
}`

// ParseJSON validates and decodes a JSON workflow definition.
func ParseJSON(raw []byte) (Definition, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Definition{}, fmt.Errorf("decode workflow definition: %w", err)
	}
	if err := validateSchema(doc); err != nil {
		return Definition{}, err
	}
	var def Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return Definition{}, fmt.Errorf("decode workflow definition: %w", err)
	}
	if err := def.Validate(); err != nil {
		return Definition{}, err
	}
	return def, nil
}

// ParseYAML validates and decodes a YAML workflow definition.
func ParseYAML(raw []byte) (Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(raw, &def); err != nil {
		return Definition{}, fmt.Errorf("decode workflow definition: %w", err)
	}
	// Round-trip through JSON so schema validation sees the same document
	// shape for both input formats.
	doc, err := json.Marshal(def)
	if err != nil {
		return Definition{}, fmt.Errorf("normalize workflow definition: %w", err)
	}
	var normalized any
	if err := json.Unmarshal(doc, &normalized); err != nil {
		return Definition{}, fmt.Errorf("normalize workflow definition: %w", err)
	}
	if err := validateSchema(normalized); err != nil {
		return Definition{}, err
	}
	if err := def.Validate(); err != nil {
		return Definition{}, err
	}
	return def, nil
}

func validateSchema(doc any) error {
	c := jsonschema.NewCompiler()
	var schemaDoc any
	if err := json.Unmarshal([]byte(definitionSchema), &schemaDoc); err != nil {
		return fmt.Errorf("decode definition schema: %w", err)
	}
	if err := c.AddResource("workflow.json", schemaDoc); err != nil {
		return fmt.Errorf("add definition schema: %w", err)
	}
	schema, err := c.Compile("workflow.json")
	if err != nil {
		return fmt.Errorf("compile definition schema: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("invalid workflow definition: %w", err)
	}
	return nil
}

// Validate checks graph-level constraints the schema cannot express: unique
// node ids and edges that reference existing nodes.
func (d Definition) Validate() error {
	if len(d.Nodes) == 0 {
		return errors.New("workflow has no nodes")
	}
	ids := make(map[string]struct{}, len(d.Nodes))
	for _, n := range d.Nodes {
		if _, dup := ids[n.ID]; dup {
			return fmt.Errorf("duplicate node id %q", n.ID)
		}
		ids[n.ID] = struct{}{}
	}
	check := func(from, to string) error {
		if to == "" {
			return nil
		}
		if _, ok := ids[to]; !ok {
			return fmt.Errorf("node %q references unknown node %q", from, to)
		}
		return nil
	}
	for _, n := range d.Nodes {
		if err := check(n.ID, n.Next); err != nil {
			return err
		}
		if err := check(n.ID, n.Else); err != nil {
			return err
		}
		for _, b := range n.When {
			if err := check(n.ID, b.Then); err != nil {
				return err
			}
		}
		if n.Type == NodeBranch && len(n.When) == 0 {
			return fmt.Errorf("branch node %q has no conditions", n.ID)
		}
	}
	if d.Entry != "" {
		if _, ok := ids[d.Entry]; !ok {
			return fmt.Errorf("entry references unknown node %q", d.Entry)
		}
	}
	return nil
}

// entryID returns the node execution starts at.
func (d Definition) entryID() string {
	if d.Entry != "" {
		return d.Entry
	}
	return d.Nodes[0].ID
}

func (d Definition) node(id string) (Node, bool) {
	for _, n := range d.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

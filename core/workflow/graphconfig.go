package workflow

import (
	"bytes"
	"fmt"
	"os"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// graphConfigSchema constrains the shape of a graph configuration document
// before it is decoded; structural errors surface with schema paths instead
// of zero-valued structs.
const graphConfigSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["workflows"],
  "additionalProperties": false,
  "properties": {
    "workflows": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["kind", "entry", "steps"],
        "additionalProperties": false,
        "properties": {
          "kind": {"type": "string", "minLength": 1},
          "entry": {"type": "string", "minLength": 1},
          "abortEntry": {"type": "string"},
          "steps": {
            "type": "object",
            "minProperties": 1,
            "additionalProperties": {
              "type": "object",
              "additionalProperties": false,
              "properties": {
                "onSuccess": {"type": "array", "items": {"type": "string"}},
                "onFailure": {"type": "string"},
                "checkStep": {"type": "string"},
                "readDataFrom": {"type": "array", "items": {"type": "string"}},
                "terminal": {"enum": ["success", "failure"]},
                "timeoutSec": {"type": "integer", "minimum": 1}
              }
            }
          }
        }
      }
    }
  }
}`

type graphConfigDoc struct {
	Workflows []graphConfigWorkflow `yaml:"workflows"`
}

type graphConfigWorkflow struct {
	Kind       string                     `yaml:"kind"`
	Entry      string                     `yaml:"entry"`
	AbortEntry string                     `yaml:"abortEntry"`
	Steps      map[string]graphConfigNode `yaml:"steps"`
}

type graphConfigNode struct {
	OnSuccess    []string `yaml:"onSuccess"`
	OnFailure    string   `yaml:"onFailure"`
	CheckStep    string   `yaml:"checkStep"`
	ReadDataFrom []string `yaml:"readDataFrom"`
	Terminal     string   `yaml:"terminal"`
	TimeoutSec   int64    `yaml:"timeoutSec"`
}

// LoadGraphConfig parses a YAML graph document, validates it against the
// embedded schema and returns the declared graphs. Well-formedness of each
// graph (edges, reachability, terminals) is enforced when the graphs are
// registered.
func LoadGraphConfig(data []byte) ([]*Graph, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse graph config: %w", err)
	}
	if err := validateGraphConfig(raw); err != nil {
		return nil, err
	}

	var doc graphConfigDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode graph config: %w", err)
	}

	graphs := make([]*Graph, 0, len(doc.Workflows))
	for _, w := range doc.Workflows {
		g := &Graph{
			Kind:       Kind(w.Kind),
			Entry:      StepKind(w.Entry),
			AbortEntry: StepKind(w.AbortEntry),
			Nodes:      make(map[StepKind]*Node, len(w.Steps)),
		}
		for name, n := range w.Steps {
			node := &Node{
				OnFailure:  StepKind(n.OnFailure),
				CheckStep:  StepKind(n.CheckStep),
				Terminal:   TerminalClass(n.Terminal),
				TimeoutSec: n.TimeoutSec,
			}
			for _, s := range n.OnSuccess {
				node.OnSuccess = append(node.OnSuccess, StepKind(s))
			}
			for _, s := range n.ReadDataFrom {
				node.ReadDataFrom = append(node.ReadDataFrom, StepKind(s))
			}
			g.Nodes[StepKind(name)] = node
		}
		graphs = append(graphs, g)
	}
	return graphs, nil
}

// LoadGraphConfigFile reads and parses a graph document from disk.
func LoadGraphConfigFile(path string) ([]*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read graph config: %w", err)
	}
	return LoadGraphConfig(data)
}

func validateGraphConfig(value any) error {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("inmemory://graph-config", bytes.NewReader([]byte(graphConfigSchema))); err != nil {
		return fmt.Errorf("add graph schema: %w", err)
	}
	compiled, err := compiler.Compile("inmemory://graph-config")
	if err != nil {
		return fmt.Errorf("compile graph schema: %w", err)
	}
	if err := compiled.Validate(normalizeYAML(value)); err != nil {
		return fmt.Errorf("graph config invalid: %w", err)
	}
	return nil
}

// normalizeYAML converts yaml.v3 decoding artifacts into the JSON-shaped
// value tree the schema validator expects.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeYAML(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprintf("%v", k)] = normalizeYAML(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeYAML(val)
		}
		return out
	case int:
		return int64(t)
	default:
		return v
	}
}

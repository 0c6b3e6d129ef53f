package script

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// DefaultLoopCount is the loop count assumed when a loop omits one. Loops run
// count times, so a missing count yields zero iterations.
const DefaultLoopCount = -1

// StepSpec is one element of a scenario flow: a think delay, a loop over
// nested steps, or a protocol action whose arguments only the engine
// understands. In a document a step is a single-key mapping (`think: 1`,
// `get: {...}`) except loops, which pair `loop` with an optional `count`.
type StepSpec struct {
	Think  *float64
	Loop   []StepSpec
	Count  *int
	Action string
	Args   any
}

// IsThink reports whether the step is a think delay.
func (s StepSpec) IsThink() bool { return s.Think != nil }

// IsLoop reports whether the step is a loop.
func (s StepSpec) IsLoop() bool { return s.Loop != nil }

// LoopCount returns the number of iterations of a loop step.
func (s StepSpec) LoopCount() int {
	if s.Count == nil {
		return DefaultLoopCount
	}
	return *s.Count
}

// Decode converts the action arguments into out, which is typically a
// pointer to an engine-specific struct carrying yaml tags.
func (s StepSpec) Decode(out any) error {
	raw, err := yaml.Marshal(s.Args)
	if err != nil {
		return fmt.Errorf("encode %s arguments: %w", s.Action, err)
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s arguments: %w", s.Action, err)
	}
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *StepSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: step must be a mapping", node.Line)
	}
	var out StepSpec
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		switch key.Value {
		case "think":
			var think float64
			if err := value.Decode(&think); err != nil {
				return fmt.Errorf("line %d: think: %w", value.Line, err)
			}
			out.Think = &think
		case "loop":
			var loop []StepSpec
			if err := value.Decode(&loop); err != nil {
				return err
			}
			if loop == nil {
				loop = []StepSpec{}
			}
			out.Loop = loop
		case "count":
			var count int
			if err := value.Decode(&count); err != nil {
				return fmt.Errorf("line %d: count: %w", value.Line, err)
			}
			out.Count = &count
		default:
			if out.Action != "" {
				return fmt.Errorf("line %d: step has two actions %q and %q", key.Line, out.Action, key.Value)
			}
			var args any
			if err := value.Decode(&args); err != nil {
				return fmt.Errorf("line %d: %s: %w", value.Line, key.Value, err)
			}
			out.Action = key.Value
			out.Args = args
		}
	}
	*s = out
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (s StepSpec) MarshalYAML() (any, error) {
	return s.asMap(), nil
}

// MarshalJSON implements json.Marshaler so scripts can travel inside JSON
// documents. Arguments decoded from YAML may hold map[string]any values only.
func (s StepSpec) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.asMap())
}

// UnmarshalJSON implements json.Unmarshaler. JSON is a subset of YAML, so
// decoding is delegated to the YAML form.
func (s *StepSpec) UnmarshalJSON(data []byte) error {
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return err
	}
	if node.Kind == yaml.DocumentNode && len(node.Content) == 1 {
		return s.UnmarshalYAML(node.Content[0])
	}
	return s.UnmarshalYAML(&node)
}

func (s StepSpec) asMap() map[string]any {
	m := make(map[string]any, 2)
	switch {
	case s.Think != nil:
		m["think"] = *s.Think
	case s.Loop != nil:
		m["loop"] = s.Loop
		if s.Count != nil {
			m["count"] = *s.Count
		}
	case s.Action != "":
		m[s.Action] = s.Args
	}
	return m
}

// Payloads is one or more payload blocks. A document may give a single
// mapping or a list.
type Payloads []PayloadSpec

// PayloadSpec binds the columns of a row, drawn at random per scenario
// instance, to variable names.
type PayloadSpec struct {
	Path   string     `yaml:"path,omitempty" json:"path,omitempty"`
	Fields []string   `yaml:"fields" json:"fields"`
	Data   [][]string `yaml:"data,omitempty" json:"data,omitempty"`
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (p *Payloads) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.MappingNode:
		var single PayloadSpec
		if err := node.Decode(&single); err != nil {
			return err
		}
		*p = Payloads{single}
		return nil
	case yaml.SequenceNode:
		var many []PayloadSpec
		if err := node.Decode(&many); err != nil {
			return err
		}
		*p = many
		return nil
	default:
		return fmt.Errorf("line %d: payload must be a mapping or a list", node.Line)
	}
}

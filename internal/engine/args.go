package engine

import (
	"gopkg.in/yaml.v3"
)

// oneOrMany decodes either a single mapping or a sequence of them.
type oneOrMany[T any] []T

func (o *oneOrMany[T]) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.SequenceNode {
		var list []T
		if err := node.Decode(&list); err != nil {
			return err
		}
		*o = list
		return nil
	}
	var one T
	if err := node.Decode(&one); err != nil {
		return err
	}
	*o = oneOrMany[T]{one}
	return nil
}

type captureArgs struct {
	JSON      string `yaml:"json"`
	Regex     string `yaml:"regex"`
	As        string `yaml:"as"`
	Transform string `yaml:"transform"`
}

type matchArgs struct {
	JSON   string `yaml:"json"`
	Regex  string `yaml:"regex"`
	Value  string `yaml:"value"`
	Strict bool   `yaml:"strict"`
}

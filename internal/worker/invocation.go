package worker

import (
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/torosent/crankswarm/internal/script"
)

// Invocation is everything one worker execution needs. It travels as YAML
// on stdin when workers run as separate processes.
type Invocation struct {
	Script          *script.Script `yaml:"script" json:"script"`
	RunID           string         `yaml:"runId" json:"runId"`
	WorkerID        string         `yaml:"workerId,omitempty" json:"workerId,omitempty"`
	Destination     string         `yaml:"destination,omitempty" json:"destination,omitempty"`
	BaseDir         string         `yaml:"baseDir,omitempty" json:"baseDir,omitempty"`
	MaxMessageBytes int            `yaml:"maxMessageBytes,omitempty" json:"maxMessageBytes,omitempty"`
	// TraceContext carries the coordinator's run span (W3C traceparent).
	TraceContext map[string]string `yaml:"traceContext,omitempty" json:"traceContext,omitempty"`
}

// Result is returned to the invoker once the final report is published.
type Result struct {
	IntermediateCount int    `json:"intermediateCount"`
	UID               string `json:"uid"`
}

func (inv Invocation) validate() error {
	var errs []error
	if inv.Script == nil {
		errs = append(errs, errors.New("script is required"))
	}
	if inv.RunID == "" {
		errs = append(errs, errors.New("runId is required"))
	}
	if inv.MaxMessageBytes < 0 {
		errs = append(errs, fmt.Errorf("maxMessageBytes must be non-negative, got %d", inv.MaxMessageBytes))
	}
	return errors.Join(errs...)
}

// EncodeInvocation renders inv as a YAML document.
func EncodeInvocation(inv Invocation) ([]byte, error) {
	data, err := yaml.Marshal(inv)
	if err != nil {
		return nil, fmt.Errorf("encode invocation: %w", err)
	}
	return data, nil
}

// DecodeInvocation parses a YAML or JSON invocation. The embedded script is
// checked against the script schema; semantic validation happens in Run.
func DecodeInvocation(data []byte) (Invocation, error) {
	var raw struct {
		Script          yaml.Node         `yaml:"script"`
		RunID           string            `yaml:"runId"`
		WorkerID        string            `yaml:"workerId"`
		Destination     string            `yaml:"destination"`
		BaseDir         string            `yaml:"baseDir"`
		MaxMessageBytes int               `yaml:"maxMessageBytes"`
		TraceContext    map[string]string `yaml:"traceContext"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Invocation{}, fmt.Errorf("decode invocation: %w", err)
	}
	inv := Invocation{
		RunID:           raw.RunID,
		WorkerID:        raw.WorkerID,
		Destination:     raw.Destination,
		BaseDir:         raw.BaseDir,
		MaxMessageBytes: raw.MaxMessageBytes,
		TraceContext:    raw.TraceContext,
	}
	if raw.Script.Kind == 0 {
		return inv, errors.New("decode invocation: script is required")
	}
	doc, err := yaml.Marshal(&raw.Script)
	if err != nil {
		return inv, fmt.Errorf("decode invocation: %w", err)
	}
	if inv.Script, err = script.Parse(doc); err != nil {
		return inv, fmt.Errorf("decode invocation: %w", err)
	}
	return inv, nil
}

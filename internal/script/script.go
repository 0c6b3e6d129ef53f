// Package script models the load script executed by every worker: traffic
// phases, weighted scenarios and the step flows each scenario runs.
package script

import (
	"fmt"
	"time"
)

const (
	// DefaultEngine is used by scenarios that do not name an engine.
	DefaultEngine = "http"
	// DefaultStatsInterval is the period between intermediate reports.
	DefaultStatsInterval = 10 * time.Second
	// DefaultTimeout bounds a single protocol action.
	DefaultTimeout = 10 * time.Second
)

// Script is a complete load script.
type Script struct {
	Config    Config         `yaml:"config" json:"config"`
	Scenarios []ScenarioSpec `yaml:"scenarios" json:"scenarios"`
}

// Config holds run-wide settings shared by all scenarios.
type Config struct {
	Target        string         `yaml:"target" json:"target"`
	Phases        []PhaseSpec    `yaml:"phases" json:"phases"`
	Mode          ArrivalMode    `yaml:"mode,omitempty" json:"mode,omitempty"`
	StatsInterval float64        `yaml:"statsInterval,omitempty" json:"statsInterval,omitempty"`
	Timeout       float64        `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	TLS           TLSConfig      `yaml:"tls,omitempty" json:"tls,omitempty"`
	Defaults      Defaults       `yaml:"defaults,omitempty" json:"defaults,omitempty"`
	Payload       Payloads       `yaml:"payload,omitempty" json:"payload,omitempty"`
	Variables     map[string]any `yaml:"variables,omitempty" json:"variables,omitempty"`
	GRPC          GRPCConfig     `yaml:"grpc,omitempty" json:"grpc,omitempty"`
	Engines       []string       `yaml:"engines,omitempty" json:"engines,omitempty"`
}

// TLSConfig controls certificate verification for engines that dial TLS.
type TLSConfig struct {
	RejectUnauthorized *bool `yaml:"rejectUnauthorized,omitempty" json:"rejectUnauthorized,omitempty"`
}

// Insecure reports whether certificate verification is disabled.
func (t TLSConfig) Insecure() bool {
	return t.RejectUnauthorized != nil && !*t.RejectUnauthorized
}

// Defaults are merged into every action of every scenario.
type Defaults struct {
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
}

// GRPCConfig configures the grpc engine.
type GRPCConfig struct {
	ProtoFile   string   `yaml:"protoFile,omitempty" json:"protoFile,omitempty"`
	ImportPaths []string `yaml:"importPaths,omitempty" json:"importPaths,omitempty"`
	TLS         bool     `yaml:"tls,omitempty" json:"tls,omitempty"`
}

// StatsPeriod returns the intermediate reporting period.
func (c Config) StatsPeriod() time.Duration {
	if c.StatsInterval <= 0 {
		return DefaultStatsInterval
	}
	return seconds(c.StatsInterval)
}

// RequestTimeout returns the per-action timeout.
func (c Config) RequestTimeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultTimeout
	}
	return seconds(c.Timeout)
}

// ScenarioSpec is one virtual-user script.
type ScenarioSpec struct {
	Name   string     `yaml:"name,omitempty" json:"name,omitempty"`
	Weight *float64   `yaml:"weight,omitempty" json:"weight,omitempty"`
	Engine string     `yaml:"engine,omitempty" json:"engine,omitempty"`
	Flow   []StepSpec `yaml:"flow" json:"flow"`
}

// EngineName returns the engine the scenario runs on.
func (s ScenarioSpec) EngineName() string {
	if s.Engine == "" {
		return DefaultEngine
	}
	return s.Engine
}

// EffectiveWeight returns the declared weight, defaulting to 1.
func (s ScenarioSpec) EffectiveWeight() float64 {
	if s.Weight == nil {
		return 1
	}
	return *s.Weight
}

// Label names the scenario for logs.
func (s ScenarioSpec) Label(idx int) string {
	if s.Name != "" {
		return s.Name
	}
	return fmt.Sprintf("scenario[%d]", idx)
}

// Weights returns the effective weight of every scenario in order.
func (s *Script) Weights() []float64 {
	out := make([]float64, len(s.Scenarios))
	for i, sc := range s.Scenarios {
		out[i] = sc.EffectiveWeight()
	}
	return out
}

// EngineNames returns every engine the script references, without duplicates.
func (s *Script) EngineNames() []string {
	seen := make(map[string]bool)
	var names []string
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	for _, name := range s.Config.Engines {
		add(name)
	}
	for _, sc := range s.Scenarios {
		add(sc.EngineName())
	}
	return names
}

// normalize fills unset phase modes from the config-level mode and stamps
// each phase with its position.
func (s *Script) normalize() {
	for i := range s.Config.Phases {
		p := &s.Config.Phases[i]
		p.Index = i
		if p.Mode == "" {
			p.Mode = s.Config.Mode
		}
		if p.Mode == "" {
			p.Mode = ArrivalModeUniform
		}
	}
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

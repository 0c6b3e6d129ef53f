// Package config loads the crankswarm settings shared by the run, worker
// and validate commands from a settings file, CRANKSWARM_* environment
// variables and command-line flags, in increasing order of precedence.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"
)

type InvokerKind string

const (
	InvokerLocal   InvokerKind = "local"
	InvokerProcess InvokerKind = "process"
)

const (
	DefaultDestination     = "mem://crankswarm"
	DefaultMaxMessageBytes = 262144
	DefaultPollInterval    = 500 * time.Millisecond
	DefaultPollBatch       = 10
	DefaultGrace           = 2 * time.Second
	DefaultDrainTimeout    = 30 * time.Second
	MaxWorkers             = 100
)

type Config struct {
	Workers       int             `mapstructure:"workers"`
	Invoker       InvokerKind     `mapstructure:"invoker"`
	StatsInterval time.Duration   `mapstructure:"stats_interval"`
	JSONOutput    bool            `mapstructure:"json"`
	HTMLOutput    string          `mapstructure:"html"`
	Thresholds    []string        `mapstructure:"thresholds"`
	ConfigFile    string          `mapstructure:"-"`
	Transport     TransportConfig `mapstructure:"transport"`
	Poll          PollConfig      `mapstructure:"poll"`
	Log           LogConfig       `mapstructure:"log"`
	Metrics       MetricsConfig   `mapstructure:"metrics"`
	Tracing       TracingConfig   `mapstructure:"tracing"`
}

type TransportConfig struct {
	Destination     string `mapstructure:"destination"`
	MaxMessageBytes int    `mapstructure:"max_message_bytes"`
}

// PollConfig drives the coordinator's receive loop.
type PollConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	Batch        int           `mapstructure:"batch"`
	Grace        time.Duration `mapstructure:"grace"`
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig enables the Prometheus endpoint when Listen is set.
type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

type TracingConfig struct {
	Endpoint    string  `mapstructure:"endpoint"`
	Protocol    string  `mapstructure:"protocol"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRate  float64 `mapstructure:"sample_rate"`
	Insecure    bool    `mapstructure:"insecure"`
	Propagate   *bool   `mapstructure:"propagate"`
}

// Enabled reports whether spans should be produced or propagated at all.
func (t TracingConfig) Enabled() bool {
	if t.Propagate != nil && *t.Propagate {
		return true
	}
	return t.Endpoint != "" || os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != ""
}

// ShouldPropagate reports whether W3C trace context is injected into
// outgoing requests. An explicit propagate setting wins.
func (t TracingConfig) ShouldPropagate() bool {
	if t.Propagate != nil {
		return *t.Propagate
	}
	return t.Enabled()
}

// Default returns the settings used when nothing overrides them.
func Default() *Config {
	return &Config{
		Workers: 1,
		Invoker: InvokerLocal,
		Transport: TransportConfig{
			Destination:     DefaultDestination,
			MaxMessageBytes: DefaultMaxMessageBytes,
		},
		Poll: PollConfig{
			Interval:     DefaultPollInterval,
			Batch:        DefaultPollBatch,
			Grace:        DefaultGrace,
			DrainTimeout: DefaultDrainTimeout,
		},
		Log: LogConfig{Level: "info", Format: "console"},
		Tracing: TracingConfig{
			Protocol:   "grpc",
			SampleRate: 1.0,
		},
	}
}

type ValidationError struct {
	issues []string
}

func (e ValidationError) Error() string {
	if len(e.issues) == 0 {
		return "validation failed"
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(e.issues, "; "))
}

func (e ValidationError) Issues() []string {
	return append([]string(nil), e.issues...)
}

func (c Config) Validate() error {
	var issues []string

	if c.Workers < 1 || c.Workers > MaxWorkers {
		issues = append(issues, fmt.Sprintf("workers: must be between 1 and %d", MaxWorkers))
	}
	switch c.Invoker {
	case InvokerLocal, InvokerProcess:
	default:
		issues = append(issues, fmt.Sprintf("invoker: must be 'local' or 'process', got %q", c.Invoker))
	}
	if c.StatsInterval < 0 {
		issues = append(issues, "stats_interval: must be >= 0")
	}

	issues = append(issues, validateTransportConfig(c.Transport, c.Invoker)...)
	issues = append(issues, validatePollConfig(c.Poll)...)
	issues = append(issues, validateLogConfig(c.Log)...)
	issues = append(issues, validateTracingConfig(c.Tracing)...)

	if len(issues) > 0 {
		return ValidationError{issues: issues}
	}
	return nil
}

func validateTransportConfig(tc TransportConfig, invoker InvokerKind) []string {
	var issues []string
	if tc.MaxMessageBytes <= 0 {
		issues = append(issues, "transport.max_message_bytes: must be > 0")
	}
	dest := strings.TrimSpace(tc.Destination)
	if dest == "" {
		return append(issues, "transport.destination: is required")
	}
	u, err := url.Parse(dest)
	if err != nil {
		return append(issues, fmt.Sprintf("transport.destination: %v", err))
	}
	switch u.Scheme {
	case "mem":
		if invoker == InvokerProcess {
			issues = append(issues, "transport.destination: mem:// is process-local and cannot serve the process invoker")
		}
	case "file", "redis", "rediss":
	default:
		issues = append(issues, fmt.Sprintf("transport.destination: unsupported scheme %q (use mem, file or redis)", u.Scheme))
	}
	return issues
}

func validatePollConfig(pc PollConfig) []string {
	var issues []string
	if pc.Interval <= 0 {
		issues = append(issues, "poll.interval: must be > 0")
	}
	if pc.Batch < 1 {
		issues = append(issues, "poll.batch: must be >= 1")
	}
	if pc.Grace < 0 {
		issues = append(issues, "poll.grace: must be >= 0")
	}
	if pc.DrainTimeout < 0 {
		issues = append(issues, "poll.drain_timeout: must be >= 0")
	}
	return issues
}

func validateLogConfig(lc LogConfig) []string {
	var issues []string
	switch strings.ToLower(lc.Level) {
	case "debug", "info", "warn", "error":
	default:
		issues = append(issues, fmt.Sprintf("log.level: must be debug, info, warn or error, got %q", lc.Level))
	}
	switch strings.ToLower(lc.Format) {
	case "console", "json":
	default:
		issues = append(issues, fmt.Sprintf("log.format: must be 'console' or 'json', got %q", lc.Format))
	}
	return issues
}

func validateTracingConfig(tc TracingConfig) []string {
	var issues []string
	switch strings.ToLower(tc.Protocol) {
	case "", "grpc", "http":
	default:
		issues = append(issues, fmt.Sprintf("tracing.protocol: must be 'grpc' or 'http', got %q", tc.Protocol))
	}
	if tc.SampleRate < 0 || tc.SampleRate > 1 {
		issues = append(issues, "tracing.sample_rate: must be between 0.0 and 1.0")
	}
	return issues
}

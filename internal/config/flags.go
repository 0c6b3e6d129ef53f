package config

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// RegisterFlags registers the settings flags shared by every command as
// persistent flags of cmd.
func RegisterFlags(cmd *cobra.Command) {
	configureFlags(cmd.PersistentFlags())
}

// configureFlags sets up all settings flags on the provided flag set.
func configureFlags(flags *pflag.FlagSet) {
	d := Default()

	flags.String("config", "", "Path to settings file (JSON or YAML)")

	// Distribution flags
	flags.IntP("workers", "l", d.Workers, "Number of workers to invoke (1-100)")
	flags.String("invoker", string(d.Invoker), "How workers are started: local or process")
	flags.String("transport", d.Transport.Destination, "Transport destination URL (mem://, file://, redis://)")
	flags.Int("max-message-bytes", d.Transport.MaxMessageBytes, "Largest message the transport accepts")
	flags.Duration("stats-interval", 0, "Override the script's statsInterval (0 keeps the script value)")
	flags.Duration("poll-interval", d.Poll.Interval, "Coordinator receive interval")
	flags.Int("poll-batch", d.Poll.Batch, "Messages received per poll")
	flags.Duration("grace", d.Poll.Grace, "Keep polling this long after the last final report")
	flags.Duration("drain-timeout", d.Poll.DrainTimeout, "How long to wait for missing final reports once every worker returned")

	// Output flags
	flags.Bool("json", false, "Emit the consolidated report as JSON")
	flags.String("html", "", "Also write a standalone HTML report to this path")
	flags.StringArray("threshold", nil, "Assertion such as 'latency:p95 < 500' (repeatable)")
	flags.String("log-level", d.Log.Level, "Log level: debug, info, warn or error")
	flags.String("log-format", d.Log.Format, "Log format: console or json")
	flags.String("metrics-listen", "", "Serve Prometheus metrics on this address (e.g. :9464)")

	// Tracing flags
	flags.String("tracing-endpoint", "", "OTLP collector endpoint (enables tracing)")
	flags.String("tracing-protocol", d.Tracing.Protocol, "OTLP protocol: grpc or http")
	flags.String("tracing-service-name", "", "Service name reported on spans")
	flags.Float64("tracing-sample-rate", d.Tracing.SampleRate, "Trace sampling ratio between 0.0 and 1.0")
	flags.Bool("tracing-insecure", false, "Disable TLS towards the collector")
	flags.Bool("tracing-propagate", false, "Inject W3C trace context even without an exporter")
}

// applyFlagOverrides applies command-line flag values to the config, overriding
// values from the settings file and environment.
func applyFlagOverrides(cfg *Config, fs *pflag.FlagSet) error {
	if fs.Changed("workers") {
		val, err := fs.GetInt("workers")
		if err != nil {
			return err
		}
		cfg.Workers = val
	}
	if fs.Changed("invoker") {
		val, err := fs.GetString("invoker")
		if err != nil {
			return err
		}
		cfg.Invoker = InvokerKind(strings.ToLower(strings.TrimSpace(val)))
	}
	if fs.Changed("transport") {
		val, err := fs.GetString("transport")
		if err != nil {
			return err
		}
		cfg.Transport.Destination = strings.TrimSpace(val)
	}
	if fs.Changed("max-message-bytes") {
		val, err := fs.GetInt("max-message-bytes")
		if err != nil {
			return err
		}
		cfg.Transport.MaxMessageBytes = val
	}
	if fs.Changed("stats-interval") {
		val, err := fs.GetDuration("stats-interval")
		if err != nil {
			return err
		}
		cfg.StatsInterval = val
	}
	if fs.Changed("poll-interval") {
		val, err := fs.GetDuration("poll-interval")
		if err != nil {
			return err
		}
		cfg.Poll.Interval = val
	}
	if fs.Changed("poll-batch") {
		val, err := fs.GetInt("poll-batch")
		if err != nil {
			return err
		}
		cfg.Poll.Batch = val
	}
	if fs.Changed("grace") {
		val, err := fs.GetDuration("grace")
		if err != nil {
			return err
		}
		cfg.Poll.Grace = val
	}
	if fs.Changed("drain-timeout") {
		val, err := fs.GetDuration("drain-timeout")
		if err != nil {
			return err
		}
		cfg.Poll.DrainTimeout = val
	}
	if fs.Changed("json") {
		val, err := fs.GetBool("json")
		if err != nil {
			return err
		}
		cfg.JSONOutput = val
	}
	if fs.Changed("html") {
		val, err := fs.GetString("html")
		if err != nil {
			return err
		}
		cfg.HTMLOutput = strings.TrimSpace(val)
	}
	if fs.Changed("threshold") {
		val, err := fs.GetStringArray("threshold")
		if err != nil {
			return err
		}
		cfg.Thresholds = val
	}
	if fs.Changed("log-level") {
		val, err := fs.GetString("log-level")
		if err != nil {
			return err
		}
		cfg.Log.Level = val
	}
	if fs.Changed("log-format") {
		val, err := fs.GetString("log-format")
		if err != nil {
			return err
		}
		cfg.Log.Format = val
	}
	if fs.Changed("metrics-listen") {
		val, err := fs.GetString("metrics-listen")
		if err != nil {
			return err
		}
		cfg.Metrics.Listen = val
	}
	if fs.Changed("tracing-endpoint") {
		val, err := fs.GetString("tracing-endpoint")
		if err != nil {
			return err
		}
		cfg.Tracing.Endpoint = val
	}
	if fs.Changed("tracing-protocol") {
		val, err := fs.GetString("tracing-protocol")
		if err != nil {
			return err
		}
		cfg.Tracing.Protocol = val
	}
	if fs.Changed("tracing-service-name") {
		val, err := fs.GetString("tracing-service-name")
		if err != nil {
			return err
		}
		cfg.Tracing.ServiceName = val
	}
	if fs.Changed("tracing-sample-rate") {
		val, err := fs.GetFloat64("tracing-sample-rate")
		if err != nil {
			return err
		}
		cfg.Tracing.SampleRate = val
	}
	if fs.Changed("tracing-insecure") {
		val, err := fs.GetBool("tracing-insecure")
		if err != nil {
			return err
		}
		cfg.Tracing.Insecure = val
	}
	if fs.Changed("tracing-propagate") {
		val, err := fs.GetBool("tracing-propagate")
		if err != nil {
			return err
		}
		cfg.Tracing.Propagate = &val
	}
	return nil
}

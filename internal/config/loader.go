package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable the loader consults, e.g.
// CRANKSWARM_POLL_INTERVAL for poll.interval.
const EnvPrefix = "CRANKSWARM"

// Loader handles loading settings from files, the environment and flags.
type Loader struct{}

// NewLoader creates a new configuration Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load resolves the settings for a command whose flags were registered with
// RegisterFlags and already parsed. fs may be nil.
func (Loader) Load(fs *pflag.FlagSet) (*Config, error) {
	configPath := ""
	if fs != nil {
		if f := fs.Lookup("config"); f != nil {
			configPath = strings.TrimSpace(f.Value.String())
		}
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read settings %s: %w", configPath, err)
		}
	}

	cfg := Default()
	cfg.ConfigFile = configPath
	if err := applyConfigSettings(cfg, v.AllSettings()); err != nil {
		return nil, err
	}
	if fs != nil {
		if err := applyFlagOverrides(cfg, fs); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can resolve it through
// AllSettings.
func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("workers", d.Workers)
	v.SetDefault("invoker", string(d.Invoker))
	v.SetDefault("stats_interval", d.StatsInterval)
	v.SetDefault("json", d.JSONOutput)
	v.SetDefault("html", d.HTMLOutput)
	v.SetDefault("thresholds", []string{})
	v.SetDefault("transport.destination", d.Transport.Destination)
	v.SetDefault("transport.max_message_bytes", d.Transport.MaxMessageBytes)
	v.SetDefault("poll.interval", d.Poll.Interval)
	v.SetDefault("poll.batch", d.Poll.Batch)
	v.SetDefault("poll.grace", d.Poll.Grace)
	v.SetDefault("poll.drain_timeout", d.Poll.DrainTimeout)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("metrics.listen", d.Metrics.Listen)
	v.SetDefault("tracing.endpoint", d.Tracing.Endpoint)
	v.SetDefault("tracing.protocol", d.Tracing.Protocol)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	v.SetDefault("tracing.insecure", d.Tracing.Insecure)
	// no default: an unset propagate falls back to Enabled
	_ = v.BindEnv("tracing.propagate")
}

// applyConfigSettings applies settings from viper to the Config struct.
func applyConfigSettings(cfg *Config, settings map[string]interface{}) error {
	if len(settings) == 0 {
		return nil
	}

	if raw, ok := lookupSetting(settings, "workers"); ok {
		val, err := asInt(raw)
		if err != nil {
			return fmt.Errorf("workers: %w", err)
		}
		cfg.Workers = val
	}
	if raw, ok := lookupSetting(settings, "invoker"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("invoker: %w", err)
		}
		if val != "" {
			cfg.Invoker = InvokerKind(strings.ToLower(strings.TrimSpace(val)))
		}
	}
	if raw, ok := lookupSetting(settings, "stats_interval", "statsinterval"); ok {
		val, err := asDuration(raw)
		if err != nil {
			return fmt.Errorf("stats_interval: %w", err)
		}
		cfg.StatsInterval = val
	}
	if raw, ok := lookupSetting(settings, "json"); ok {
		val, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("json: %w", err)
		}
		cfg.JSONOutput = val
	}
	if raw, ok := lookupSetting(settings, "html"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("html: %w", err)
		}
		cfg.HTMLOutput = strings.TrimSpace(val)
	}
	if raw, ok := lookupSetting(settings, "thresholds"); ok {
		val, err := asStringSlice(raw)
		if err != nil {
			return fmt.Errorf("thresholds: %w", err)
		}
		if len(val) > 0 {
			cfg.Thresholds = val
		}
	}

	if raw, ok := lookupSetting(settings, "transport"); ok {
		if err := applySection(raw, "transport", func(section map[string]interface{}) error {
			return applyTransportSettings(&cfg.Transport, section)
		}); err != nil {
			return err
		}
	}
	if raw, ok := lookupSetting(settings, "poll"); ok {
		if err := applySection(raw, "poll", func(section map[string]interface{}) error {
			return applyPollSettings(&cfg.Poll, section)
		}); err != nil {
			return err
		}
	}
	if raw, ok := lookupSetting(settings, "log"); ok {
		if err := applySection(raw, "log", func(section map[string]interface{}) error {
			return applyLogSettings(&cfg.Log, section)
		}); err != nil {
			return err
		}
	}
	if raw, ok := lookupSetting(settings, "metrics"); ok {
		if err := applySection(raw, "metrics", func(section map[string]interface{}) error {
			if raw, ok := lookupSetting(section, "listen"); ok {
				val, err := asString(raw)
				if err != nil {
					return fmt.Errorf("listen: %w", err)
				}
				cfg.Metrics.Listen = strings.TrimSpace(val)
			}
			return nil
		}); err != nil {
			return err
		}
	}
	if raw, ok := lookupSetting(settings, "tracing"); ok {
		if err := applySection(raw, "tracing", func(section map[string]interface{}) error {
			return applyTracingSettings(&cfg.Tracing, section)
		}); err != nil {
			return err
		}
	}
	return nil
}

func applySection(raw interface{}, name string, apply func(map[string]interface{}) error) error {
	section, err := toStringKeyMap(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if err := apply(section); err != nil {
		return fmt.Errorf("%s.%w", name, err)
	}
	return nil
}

func applyTransportSettings(tc *TransportConfig, settings map[string]interface{}) error {
	if raw, ok := lookupSetting(settings, "destination"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("destination: %w", err)
		}
		if val != "" {
			tc.Destination = strings.TrimSpace(val)
		}
	}
	if raw, ok := lookupSetting(settings, "max_message_bytes", "maxmessagebytes"); ok {
		val, err := asInt(raw)
		if err != nil {
			return fmt.Errorf("max_message_bytes: %w", err)
		}
		tc.MaxMessageBytes = val
	}
	return nil
}

func applyPollSettings(pc *PollConfig, settings map[string]interface{}) error {
	if raw, ok := lookupSetting(settings, "interval"); ok {
		val, err := asDuration(raw)
		if err != nil {
			return fmt.Errorf("interval: %w", err)
		}
		pc.Interval = val
	}
	if raw, ok := lookupSetting(settings, "batch"); ok {
		val, err := asInt(raw)
		if err != nil {
			return fmt.Errorf("batch: %w", err)
		}
		pc.Batch = val
	}
	if raw, ok := lookupSetting(settings, "grace"); ok {
		val, err := asDuration(raw)
		if err != nil {
			return fmt.Errorf("grace: %w", err)
		}
		pc.Grace = val
	}
	if raw, ok := lookupSetting(settings, "drain_timeout", "draintimeout"); ok {
		val, err := asDuration(raw)
		if err != nil {
			return fmt.Errorf("drain_timeout: %w", err)
		}
		pc.DrainTimeout = val
	}
	return nil
}

func applyLogSettings(lc *LogConfig, settings map[string]interface{}) error {
	if raw, ok := lookupSetting(settings, "level"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("level: %w", err)
		}
		if val != "" {
			lc.Level = strings.ToLower(val)
		}
	}
	if raw, ok := lookupSetting(settings, "format"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("format: %w", err)
		}
		if val != "" {
			lc.Format = strings.ToLower(val)
		}
	}
	return nil
}

func applyTracingSettings(tc *TracingConfig, settings map[string]interface{}) error {
	if raw, ok := lookupSetting(settings, "endpoint"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("endpoint: %w", err)
		}
		tc.Endpoint = strings.TrimSpace(val)
	}
	if raw, ok := lookupSetting(settings, "protocol"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("protocol: %w", err)
		}
		if val != "" {
			tc.Protocol = strings.ToLower(val)
		}
	}
	if raw, ok := lookupSetting(settings, "service_name", "servicename"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("service_name: %w", err)
		}
		tc.ServiceName = val
	}
	if raw, ok := lookupSetting(settings, "sample_rate", "samplerate"); ok {
		val, err := asFloat64(raw)
		if err != nil {
			return fmt.Errorf("sample_rate: %w", err)
		}
		tc.SampleRate = val
	}
	if raw, ok := lookupSetting(settings, "insecure"); ok {
		val, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("insecure: %w", err)
		}
		tc.Insecure = val
	}
	if raw, ok := lookupSetting(settings, "propagate"); ok {
		val, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("propagate: %w", err)
		}
		tc.Propagate = &val
	}
	return nil
}

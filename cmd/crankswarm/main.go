package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/torosent/crankswarm/internal/config"
	"github.com/torosent/crankswarm/internal/engine"
	"github.com/torosent/crankswarm/internal/logging"
	"github.com/torosent/crankswarm/internal/metrics"
	"github.com/torosent/crankswarm/internal/tracing"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand(os.Stdin, os.Stdout, os.Stderr).ExecuteContext(ctx)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:   "crankswarm",
		Short: "Distributed load generator",
		Long: `crankswarm runs a load script on many independent workers and merges
the statistics they publish through a shared transport into one report.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)
	config.RegisterFlags(root)

	root.AddCommand(newRunCommand(), newWorkerCommand(), newValidateCommand())
	return root
}

// env is what every command builds from the resolved settings.
type env struct {
	cfg      *config.Config
	log      zerolog.Logger
	tracing  *tracing.Provider
	registry *prometheus.Registry
}

func setup(cmd *cobra.Command, component string) (*env, error) {
	cfg, err := config.NewLoader().Load(cmd.Flags())
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	log = log.With().Str("component", component).Logger()

	provider, err := tracing.Init(cmd.Context(), cfg.Tracing)
	if err != nil {
		return nil, err
	}

	e := &env{cfg: cfg, log: log, tracing: provider}
	if cfg.Metrics.Listen != "" {
		e.registry = prometheus.NewRegistry()
		go func() {
			if err := metrics.Serve(cmd.Context(), cfg.Metrics.Listen, e.registry, log); err != nil {
				log.Error().Err(err).Str("addr", cfg.Metrics.Listen).Msg("metrics endpoint stopped")
			}
		}()
	}
	return e, nil
}

func (e *env) engineOptions() engine.Options {
	return engine.Options{
		Tracer:    e.tracing.Tracer(),
		Propagate: e.tracing.ShouldPropagate(),
	}
}

// metricsRegisterer returns nil when metrics are disabled so workers skip
// registration entirely.
func (e *env) metricsRegisterer() prometheus.Registerer {
	if e.registry == nil {
		return nil
	}
	return e.registry
}

func (e *env) close(ctx context.Context) {
	if err := e.tracing.Shutdown(context.WithoutCancel(ctx)); err != nil {
		e.log.Warn().Err(err).Msg("tracing shutdown")
	}
}

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/torosent/crankswarm/internal/config"
	"github.com/torosent/crankswarm/internal/coordinator"
	"github.com/torosent/crankswarm/internal/engine"
	"github.com/torosent/crankswarm/internal/output"
	"github.com/torosent/crankswarm/internal/script"
	"github.com/torosent/crankswarm/internal/threshold"
	"github.com/torosent/crankswarm/internal/transport"
	"github.com/torosent/crankswarm/internal/worker"
)

type runFlags struct {
	target      string
	requests    int
	connections int
	insecure    bool
}

func newRunCommand() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run [script.yml]",
		Short: "Run a load test on N workers and print the consolidated report",
		Long: `Run a load script, or with no script a quick test of -n GETs per virtual
user with -c virtual users per second against -t, on -l workers.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoadTest(cmd, args, f)
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&f.target, "target", "t", "", "Target URL for a quick test")
	flags.IntVarP(&f.requests, "requests", "n", 1, "Requests per virtual user in a quick test")
	flags.IntVarP(&f.connections, "connections", "c", 1, "Virtual users started per worker in a quick test")
	flags.BoolVarP(&f.insecure, "insecure", "k", false, "Skip TLS certificate verification")
	return cmd
}

func runLoadTest(cmd *cobra.Command, args []string, f runFlags) error {
	ctx := cmd.Context()
	e, err := setup(cmd, "coordinator")
	if err != nil {
		return err
	}
	defer e.close(ctx)
	cfg := e.cfg

	thresholds, err := threshold.ParseMultiple(cfg.Thresholds)
	if err != nil {
		return err
	}

	s, baseDir, expected, err := loadRunScript(args, f, cfg.Workers)
	if err != nil {
		return err
	}

	t, err := transport.Open(ctx, cfg.Transport.Destination, transport.Options{MaxMessageBytes: cfg.Transport.MaxMessageBytes})
	if err != nil {
		return fmt.Errorf("open transport: %w", err)
	}
	defer t.Close()

	invoker, err := newInvoker(e, t)
	if err != nil {
		return err
	}

	stdout := cmd.OutOrStdout()
	progressOut := stdout
	if cfg.JSONOutput {
		progressOut = cmd.ErrOrStderr()
	}
	c, err := coordinator.New(coordinator.Options{
		Workers:          cfg.Workers,
		Invoker:          invoker,
		Transport:        t,
		PollInterval:     cfg.Poll.Interval,
		PollBatch:        cfg.Poll.Batch,
		Grace:            cfg.Poll.Grace,
		DrainTimeout:     cfg.Poll.DrainTimeout,
		ExpectedRequests: expected,
		Progress:         output.ProgressPrinter(progressOut, output.SchemeFor(progressOut)),
		Logger:           e.log,
		Tracer:           e.tracing.Tracer(),
	})
	if err != nil {
		return err
	}

	report, runErr := c.Run(ctx, coordinator.Plan{
		Script:          s,
		Destination:     cfg.Transport.Destination,
		BaseDir:         baseDir,
		MaxMessageBytes: cfg.Transport.MaxMessageBytes,
	})
	if report == nil {
		return runErr
	}

	results := threshold.NewEvaluator(thresholds).Evaluate(report.Stats, report.Duration)
	if cfg.JSONOutput {
		if err := output.PrintJSONReport(stdout, report, results); err != nil {
			return err
		}
	} else {
		output.PrintReport(stdout, report, results, output.SchemeFor(stdout))
	}
	if cfg.HTMLOutput != "" {
		if err := writeHTMLReport(cfg.HTMLOutput, report, results, s.Config.Target); err != nil {
			return err
		}
	}

	if runErr != nil {
		return runErr
	}
	if !threshold.Passed(results) {
		failed := 0
		for _, r := range results {
			if !r.Pass {
				failed++
			}
		}
		return fmt.Errorf("%d of %d thresholds failed", failed, len(results))
	}
	return nil
}

// loadRunScript returns the script, the directory its relative file
// references resolve against and the expected request total for progress,
// which is only known for quick tests.
func loadRunScript(args []string, f runFlags, workers int) (*script.Script, string, int64, error) {
	if len(args) == 1 {
		if f.target != "" {
			return nil, "", 0, errors.New("--target cannot be combined with a script")
		}
		path, err := filepath.Abs(args[0])
		if err != nil {
			return nil, "", 0, err
		}
		s, err := script.Load(path, engine.Default())
		if err != nil {
			return nil, "", 0, err
		}
		if f.insecure {
			reject := false
			s.Config.TLS.RejectUnauthorized = &reject
		}
		return s, filepath.Dir(path), 0, nil
	}
	if f.target == "" {
		return nil, "", 0, errors.New("either a script or --target is required")
	}
	s, err := script.Quick(f.target, f.requests, f.connections, f.insecure)
	if err != nil {
		return nil, "", 0, err
	}
	return s, "", int64(f.connections) * int64(f.requests) * int64(workers), nil
}

func newInvoker(e *env, t transport.Transport) (coordinator.Invoker, error) {
	if e.cfg.Invoker == config.InvokerProcess {
		return coordinator.NewProcessInvoker(childArgs(e.cfg)...)
	}
	return &coordinator.LocalInvoker{
		Transport: t,
		Options: worker.Options{
			Engine:        e.engineOptions(),
			Metrics:       e.metricsRegisterer(),
			Logger:        e.log.With().Str("component", "worker").Logger(),
			StatsInterval: e.cfg.StatsInterval,
		},
	}, nil
}

// childArgs forwards the settings a worker process needs. The metrics
// listener is not forwarded since workers would compete for the port.
func childArgs(cfg *config.Config) []string {
	args := []string{"--log-level", cfg.Log.Level, "--log-format", cfg.Log.Format}
	if cfg.ConfigFile != "" {
		args = append(args, "--config", cfg.ConfigFile)
	}
	if cfg.StatsInterval > 0 {
		args = append(args, "--stats-interval", cfg.StatsInterval.String())
	}
	if cfg.Tracing.Endpoint != "" {
		args = append(args,
			"--tracing-endpoint", cfg.Tracing.Endpoint,
			"--tracing-protocol", cfg.Tracing.Protocol,
			"--tracing-sample-rate", strconv.FormatFloat(cfg.Tracing.SampleRate, 'f', -1, 64),
		)
		if cfg.Tracing.Insecure {
			args = append(args, "--tracing-insecure")
		}
	}
	return args
}

func writeHTMLReport(path string, report *coordinator.Report, results []threshold.Result, target string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create HTML report: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return output.GenerateHTMLReport(f, report, results, target)
}

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/torosent/crankswarm/internal/worker"
)

func newWorkerCommand() *cobra.Command {
	var invocationPath string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Execute one worker invocation and print its result as JSON",
		Long: `Reads a worker invocation (YAML or JSON) from stdin or --invocation, runs it
and prints {"intermediateCount": N, "uid": "..."} on stdout. Used by the
process invoker; logs go to stderr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWorker(cmd, invocationPath)
		},
	}
	cmd.Flags().StringVar(&invocationPath, "invocation", "", "Read the invocation from this file instead of stdin")
	return cmd
}

func runWorker(cmd *cobra.Command, invocationPath string) error {
	ctx := cmd.Context()
	e, err := setup(cmd, "worker")
	if err != nil {
		return err
	}
	defer e.close(ctx)

	var data []byte
	if invocationPath != "" {
		data, err = os.ReadFile(invocationPath)
	} else {
		data, err = io.ReadAll(cmd.InOrStdin())
	}
	if err != nil {
		return fmt.Errorf("read invocation: %w", err)
	}
	inv, err := worker.DecodeInvocation(data)
	if err != nil {
		return err
	}

	res, runErr := worker.Run(ctx, inv, worker.Options{
		Engine:        e.engineOptions(),
		Metrics:       e.metricsRegisterer(),
		Logger:        e.log,
		StatsInterval: e.cfg.StatsInterval,
	})
	if res.UID != "" {
		if err := json.NewEncoder(cmd.OutOrStdout()).Encode(res); err != nil {
			return err
		}
	}
	return runErr
}

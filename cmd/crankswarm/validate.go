package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/torosent/crankswarm/internal/engine"
	"github.com/torosent/crankswarm/internal/script"
)

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate script.yml",
		Short: "Check a load script without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := script.Load(args[0], engine.Default())
			if err != nil {
				var verr script.ValidationError
				if errors.As(err, &verr) {
					for _, issue := range verr.Issues() {
						fmt.Fprintf(cmd.ErrOrStderr(), "  - %s\n", issue)
					}
				}
				return err
			}
			expected := 0
			for _, p := range s.Config.Phases {
				expected += p.ExpectedArrivals()
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d phases, %d scenarios, about %d arrivals per worker)\n",
				args[0], len(s.Config.Phases), len(s.Scenarios), expected)
			return nil
		},
	}
}

package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"perpbot/internal/service/engine"
)

func newTickCmd(opts *rootOptions) *cobra.Command {
	var respectCadence bool
	cmd := &cobra.Command{
		Use:   "tick <session-id>",
		Short: "Run one tick for a session and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			var res engine.TickResult
			if respectCadence {
				res = a.orch.Tick(ctx, args[0])
			} else {
				res = a.orch.ForceTick(ctx, args[0])
			}
			out, err := json.MarshalIndent(res, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			if res.Error != "" {
				return fmt.Errorf("tick failed: %s", res.Error)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&respectCadence, "respect-cadence", false, "skip the tick when the session's cadence has not elapsed")
	return cmd
}

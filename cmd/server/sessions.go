package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"perpbot/internal/domain"
	storepkg "perpbot/internal/store"
)

func newSessionsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List sessions with status, mode and equity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			list, err := a.sessions.List(ctx)
			if err != nil {
				return err
			}
			return printSessions(ctx, cmd.OutOrStdout(), a.store, list)
		},
	}
}

func printSessions(ctx context.Context, out io.Writer, st storepkg.Store, list []domain.Session) error {
	table := tablewriter.NewWriter(out)
	table.Header("Session", "Strategy", "Mode", "Status", "Cadence", "Last tick", "Start", "Equity", "PnL %")
	for _, s := range list {
		start, equity, pnl := "-", "-", "-"
		if acct, err := st.GetAccount(ctx, s.AccountID); err == nil {
			start = fmt.Sprintf("%.2f", acct.StartingBalance)
			equity = fmt.Sprintf("%.2f", acct.Equity)
			if acct.StartingBalance > 0 {
				pnl = strconv.FormatFloat((acct.Equity-acct.StartingBalance)/acct.StartingBalance*100, 'f', 2, 64)
			}
		}
		last := "never"
		if !s.LastTickAt.IsZero() {
			last = s.LastTickAt.Format(time.RFC3339)
		}
		if err := table.Append(s.ID, s.StrategyID, string(s.Mode), string(s.Status), s.Cadence.String(), last, start, equity, pnl); err != nil {
			return err
		}
	}
	return table.Render()
}

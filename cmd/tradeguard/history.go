package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"trade-guard/internal/store"
	"trade-guard/internal/trade"

	"github.com/spf13/cobra"
)

func newHistoryCmd() *cobra.Command {
	var (
		date   string
		user   string
		mode   string
		source string
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print the closed trades of one day",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(false)
			if err != nil {
				return err
			}
			defer a.log.Sync()

			if date == "" {
				date = a.store.Day(time.Now())
			}
			ctx := context.Background()
			filter := store.HistoryFilter{ExitDatePrefix: date, UserID: user, Mode: trade.Mode(mode), Source: source}
			entries, err := a.store.LoadHistory(ctx, filter)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tUSER\tSYMBOL\tMODE\tSTATUS\tENTRY\tEXIT\tPNL\tHIGH\tSOURCE")
			for _, e := range entries {
				t := e.Trade
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%.2f\t%.2f\t%.2f\t%.2f\t%s\n",
					t.ID, t.UserID, t.Symbol, t.Mode, t.Status, t.EntryPrice, t.ExitPrice, t.Realized(), e.VirtualHigh, e.Source)
			}
			if err := w.Flush(); err != nil {
				return err
			}

			sum, err := a.store.Summary(ctx, user, trade.Mode(mode), date)
			if err != nil {
				return err
			}
			fmt.Printf("\n%s: %d live trades, %d profitable, pnl %.2f\n", date, sum.Trades, sum.Profitable, sum.PnL)
			return nil
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "exit date YYYY-MM-DD (default today)")
	cmd.Flags().StringVar(&user, "user", "", "only this user")
	cmd.Flags().StringVar(&mode, "mode", "", "SIMULATED or BROKERED")
	cmd.Flags().StringVar(&source, "source", "", "LIVE or REPLAY")
	return cmd
}

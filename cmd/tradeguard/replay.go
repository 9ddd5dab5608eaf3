package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"trade-guard/internal/broker"
	"trade-guard/internal/replay"
	"trade-guard/internal/trade"

	"github.com/spf13/cobra"
)

func newReplayCmd() *cobra.Command {
	var (
		req       replay.Request
		entryStr  string
		toStr     string
		trailMode int
		exitLots  []int

		scenarioTargets []float64
		riskMultiples   []float64
		lotMultiplier   int
	)

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay one synthetic trade over historical candles and print the outcome as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if req.EntryTime, err = time.Parse(time.RFC3339, entryStr); err != nil {
				return fmt.Errorf("bad --entry-time: %w", err)
			}
			if toStr != "" {
				if req.To, err = time.Parse(time.RFC3339, toStr); err != nil {
					return fmt.Errorf("bad --to: %w", err)
				}
				if !req.EntryTime.Before(req.To) {
					return fmt.Errorf("--entry-time must be before --to")
				}
			}
			if len(exitLots) > trade.MaxTargets {
				return fmt.Errorf("at most %d --exit-lots values", trade.MaxTargets)
			}
			req.TrailMode = trade.TrailMode(trailMode)
			for i, lots := range exitLots {
				if lots != 0 {
					req.TargetControls[i] = trade.TargetControl{Enabled: true, Lots: lots}
				}
			}
			if len(scenarioTargets) > 0 || len(riskMultiples) > 0 || lotMultiplier > 1 {
				req.Scenario = &replay.Scenario{
					Targets:       scenarioTargets,
					RiskMultiples: riskMultiples,
					LotMultiplier: lotMultiplier,
				}
			}

			a, err := setup(false)
			if err != nil {
				return err
			}
			defer a.log.Sync()

			rest := broker.NewRestClient(&a.cfg.Broker, a.log)
			engine, err := replay.New(a.cfg, rest, a.store, nil, a.log)
			if err != nil {
				return err
			}
			res := engine.Run(context.Background(), req)

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return err
			}
			if !res.OK {
				return fmt.Errorf("replay failed: %s", res.Message)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&req.UserID, "user", "replay", "user the replay is recorded for")
	f.StringVar(&req.Symbol, "symbol", "", "trading symbol")
	f.StringVar(&req.Exchange, "exchange", "NSE", "exchange code")
	f.Int64Var(&req.InstrumentToken, "token", 0, "broker instrument token")
	f.IntVar(&req.Quantity, "qty", 1, "quantity")
	f.IntVar(&req.LotSize, "lot-size", 1, "lot size")
	f.Float64Var(&req.EntryPrice, "entry", 0, "entry price")
	f.Float64Var(&req.StopLoss, "stop", 0, "stop-loss price")
	f.Float64Var(&req.TrailStep, "trail", 0, "trailing step (0 disables trailing)")
	f.IntVar(&trailMode, "trail-mode", 0, "trail cap: 0 none, 1 entry, 2-4 target 1-3")
	f.Float64SliceVar(&req.Targets, "targets", nil, "target prices")
	f.IntSliceVar(&exitLots, "exit-lots", nil, "lots to exit at each target (-1 exits all, 0 only records the hit)")
	f.StringVar(&entryStr, "entry-time", "", "entry time (RFC3339)")
	f.StringVar(&toStr, "to", "", "end of the replay window (RFC3339, default now)")
	f.StringVar(&req.Interval, "interval", "", "candle interval (default from config)")
	f.BoolVar(&req.Persist, "persist", false, "append the outcome to history as a replay")
	f.Float64SliceVar(&scenarioTargets, "scenario-targets", nil, "what-if target prices")
	f.Float64SliceVar(&riskMultiples, "risk-multiples", nil, "what-if targets as multiples of entry-stop risk")
	f.IntVar(&lotMultiplier, "lot-multiplier", 0, "what-if quantity multiplier")
	_ = cmd.MarkFlagRequired("symbol")
	_ = cmd.MarkFlagRequired("token")
	_ = cmd.MarkFlagRequired("entry")
	_ = cmd.MarkFlagRequired("stop")
	_ = cmd.MarkFlagRequired("entry-time")
	return cmd
}

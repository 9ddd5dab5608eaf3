package replay

import (
	"context"
	"fmt"
	"time"

	"trade-guard/internal/broker"
	"trade-guard/internal/trade"
)

// simulator drives the shared lifecycle over candles. It never places
// orders: every replay runs through the simulated executor.
type simulator struct {
	lifecycle  trade.Lifecycle
	loc        *time.Location
	exitHour   int
	exitMinute int
}

func (s simulator) cutoff(at time.Time) time.Time {
	local := at.In(s.loc)
	return time.Date(local.Year(), local.Month(), local.Day(), s.exitHour, s.exitMinute, 0, 0, s.loc)
}

// applyCandle feeds c's ticks to t in candle order and returns the ticks left
// in the interval once t settles.
func (s simulator) applyCandle(ctx context.Context, t *trade.Trade, c trade.Candle, ex trade.Executor) ([]trade.Event, []float64) {
	ticks := c.Ticks()
	var events []trade.Event
	for i, px := range ticks {
		events = append(events, s.lifecycle.Apply(ctx, t, px, c.Time, ex)...)
		if t.Status.Terminal() {
			return events, ticks[i+1:]
		}
	}
	return events, nil
}

// run replays t over candles. Once the trade settles, the rest of the exit
// candle and every later candle are scanned for the post-exit high.
func (s simulator) run(t trade.Trade, candles []trade.Candle, entry time.Time) Outcome {
	ctx := context.Background()
	ex := broker.Simulated{}

	t.Trigger = trade.TriggerBelow
	if len(candles) > 0 && candles[0].Open < t.EntryPrice {
		t.Trigger = trade.TriggerAbove
	}
	t.Logf(entry, "replay of %d candles, trigger %s %.2f", len(candles), t.Trigger, t.EntryPrice)
	events := []trade.Event{trade.NewEvent(trade.EventNewTrade, &t, t.EntryPrice, entry)}

	var (
		high   float64
		highAt *time.Time
		scan   bool
	)
	for _, c := range candles {
		if !t.Status.Terminal() {
			var rest []float64
			if !c.Time.Before(s.cutoff(c.Time)) {
				events = append(events, s.lifecycle.ForceExit(ctx, &t, trade.StatusTimeExit, c.Open, c.Time, ex))
				ticks := c.Ticks()
				rest = ticks[1:]
			} else {
				var evs []trade.Event
				evs, rest = s.applyCandle(ctx, &t, c, ex)
				events = append(events, evs...)
			}
			if t.Status.Terminal() {
				high, scan = postExitStart(t)
				highAt = t.ExitTime
				for _, px := range rest {
					if scan && px > high {
						high = px
						at := c.Time
						highAt = &at
					}
				}
			}
			continue
		}
		if !scan {
			break
		}
		if c.High > high {
			high = c.High
			at := c.Time
			highAt = &at
		}
	}

	out := Outcome{Trade: t, High: high, HighAt: highAt}
	if !t.Status.Terminal() {
		out.High = t.HighPrice
		out.HighAt = nil
	}
	if scan && high > t.HighPrice && highAt != nil {
		ev := trade.NewEvent(trade.EventHighMade, &out.Trade, high, *highAt)
		ev.PnL = trade.Money(high-t.ExitPrice, t.Quantity)
		ev.Detail = fmt.Sprintf("high %.2f after exit at %.2f (high at exit %.2f)", high, t.ExitPrice, t.HighPrice)
		events = append(events, ev)
	}
	out.Events = events
	return out
}

// postExitStart returns the high the post-exit scan starts from and whether
// the scan runs at all. A stop-out after a target hit keeps its recorded
// high; a trade that never activated has nothing to measure.
func postExitStart(t trade.Trade) (float64, bool) {
	switch {
	case t.Status == trade.StatusNotActive:
		return 0, false
	case t.Status == trade.StatusSLHit && len(t.TargetsHit) > 0:
		return t.HighPrice, false
	}
	return max(t.HighPrice, t.ExitPrice), true
}

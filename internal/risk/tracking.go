package risk

import (
	"context"
	"fmt"
	"time"

	"trade-guard/internal/store"
	"trade-guard/internal/trade"

	"go.uber.org/zap"
)

// tracked follows a closed trade's instrument after exit to measure the
// move it missed. A zero stop never ends tracking before the day does.
type tracked struct {
	trade trade.Trade
	high  float64
	stop  float64
}

func (tr *tracked) key() string {
	return tr.trade.Key()
}

// virtualStart returns the initial tracking state for a closed trade.
// A stop-out after a target hit is final; a plain stop-out is watched for
// the rest of the day; any other exit trails a virtual stop from the exit.
func virtualStart(t trade.Trade) (high, stop float64, done bool) {
	high = t.HighPrice
	if high < t.ExitPrice {
		high = t.ExitPrice
	}
	switch {
	case t.Status == trade.StatusNotActive:
		return high, 0, true
	case t.Status == trade.StatusSLHit && len(t.TargetsHit) > 0:
		return high, t.StopLoss, true
	case t.Status == trade.StatusSLHit:
		return high, 0, false
	}
	stop = t.StopLoss
	if t.ExitPrice > 0 && t.ExitPrice < stop {
		stop = t.ExitPrice
	}
	return high, stop, false
}

// startTracking builds the history entry for a closed trade and registers it
// for tracking when applicable.
func (e *Engine) startTracking(t trade.Trade) store.HistoryEntry {
	high, stop, done := virtualStart(t)
	if !done {
		e.tracking[t.ID] = &tracked{trade: t.Clone(), high: high, stop: stop}
	}
	return store.HistoryEntry{
		Trade:       t,
		Source:      store.SourceLive,
		VirtualHigh: high,
		VirtualStop: stop,
		VirtualDone: done,
	}
}

// ensureTracking loads today's tracked trades once per day and finishes
// anything left over from earlier days.
func (e *Engine) ensureTracking(ctx context.Context, at time.Time) {
	day := e.today(at)
	if day == e.trackDay {
		return
	}
	for id, tr := range e.tracking {
		if tr.trade.ExitTime == nil || e.today(*tr.trade.ExitTime) != day {
			e.finishTracking(ctx, tr, at)
			delete(e.tracking, id)
		}
	}

	entries, err := e.store.LoadHistory(ctx, store.HistoryFilter{TrackingOnly: true, Source: store.SourceLive})
	if err != nil {
		e.logger.Error("Failed to load tracked trades", zap.Error(err))
		return
	}
	for _, h := range entries {
		if _, ok := e.tracking[h.Trade.ID]; ok {
			continue
		}
		tr := &tracked{trade: h.Trade, high: h.VirtualHigh, stop: h.VirtualStop}
		if h.Trade.ExitTime == nil || e.today(*h.Trade.ExitTime) != day {
			e.finishTracking(ctx, tr, at)
			continue
		}
		e.tracking[h.Trade.ID] = tr
	}
	e.trackDay = day
}

// track advances every tracked trade with this cycle's prices.
func (e *Engine) track(ctx context.Context, prices map[string]float64, at time.Time) {
	for id, tr := range e.tracking {
		px, ok := prices[tr.key()]
		if !ok {
			continue
		}
		moved := false
		if px > tr.high {
			tr.high = px
			moved = true
			if tr.stop > 0 {
				tr.stop = trade.StepTrail(tr.stop, tr.high, tr.trade.TrailStep, 0)
			}
		}
		if tr.stop > 0 && px <= tr.stop {
			e.finishTracking(ctx, tr, at)
			delete(e.tracking, id)
			continue
		}
		if moved {
			if err := e.store.UpdateVirtual(ctx, id, tr.high, tr.stop, false); err != nil {
				e.logger.Warn("Failed to update tracking", zap.Error(err), zap.Int64("trade_id", id))
			}
		}
	}
}

// finishTracking stops tracking permanently and reports a missed high.
func (e *Engine) finishTracking(ctx context.Context, tr *tracked, at time.Time) {
	if err := e.store.UpdateVirtual(ctx, tr.trade.ID, tr.high, tr.stop, true); err != nil {
		e.logger.Warn("Failed to finish tracking", zap.Error(err), zap.Int64("trade_id", tr.trade.ID))
	}
	if tr.high <= tr.trade.HighPrice {
		return
	}
	ev := trade.NewEvent(trade.EventHighMade, &tr.trade, tr.high, at)
	ev.PnL = trade.Money(tr.high-tr.trade.ExitPrice, tr.trade.Quantity)
	ev.Detail = fmt.Sprintf("high %.2f after exit at %.2f (high at exit %.2f)", tr.high, tr.trade.ExitPrice, tr.trade.HighPrice)
	e.emit(ctx, ev)
}

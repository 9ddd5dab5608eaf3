package risk

import (
	"context"
	"fmt"
	"sort"
	"time"

	"trade-guard/internal/models"
	"trade-guard/internal/store"
	"trade-guard/internal/trade"

	"go.uber.org/zap"
)

func (e *Engine) portfolioEvent(kind trade.EventKind, p pairKey, pnl float64, detail string, at time.Time) trade.Event {
	return trade.Event{
		ID:     trade.NewEventID(at),
		Kind:   kind,
		UserID: p.userID,
		Mode:   p.mode,
		PnL:    pnl,
		Detail: detail,
		At:     at,
	}
}

// inExitWindow reports whether at falls in [cutoff, cutoff+window).
func (e *Engine) inExitWindow(at time.Time) bool {
	cut := e.cutoff(at)
	window := e.cfg.Trading.ExitWindow()
	if window <= 0 {
		window = 2 * time.Minute
	}
	return !at.Before(cut) && at.Before(cut.Add(window))
}

// portfolio applies the per-(user, mode) rules to the active set.
func (e *Engine) portfolio(ctx context.Context, active []trade.Trade, at time.Time) ([]trade.Trade, []trade.Event) {
	today := e.today(at)
	exitWindow := e.inExitWindow(at)

	seen := make(map[pairKey]struct{})
	for _, t := range active {
		seen[pairKey{t.UserID, t.Mode}] = struct{}{}
	}
	if exitWindow {
		// Users whose trades all closed earlier still get their report.
		closed, err := e.store.LoadHistory(ctx, store.HistoryFilter{ExitDatePrefix: today, Source: store.SourceLive})
		if err != nil {
			e.logger.Warn("Failed to load today's history for end of day", zap.Error(err))
		}
		for _, h := range closed {
			seen[pairKey{h.Trade.UserID, h.Trade.Mode}] = struct{}{}
		}
	}
	if !exitWindow && !e.cfg.ProfitLock.Enabled {
		return active, nil
	}

	pairs := make([]pairKey, 0, len(seen))
	for p := range seen {
		pairs = append(pairs, p)
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].String() < pairs[j].String() })

	var events []trade.Event
	for _, p := range pairs {
		st, err := e.store.RiskState(ctx, p.userID, p.mode)
		if err != nil {
			e.logger.Error("Failed to load risk state", zap.Error(err), zap.String("pair", p.String()))
			continue
		}
		var evs []trade.Event
		changed := false
		switch {
		case exitWindow && st.LastExitDate != today:
			active, evs = e.timeExit(ctx, active, p, at)
			st.LastExitDate = today
			changed = true
		case e.cfg.ProfitLock.Enabled:
			active, evs, changed = e.profitLock(ctx, active, p, &st, at)
		}
		events = append(events, evs...)
		if changed {
			if err := e.store.SaveRiskState(ctx, st); err != nil {
				e.logger.Error("Failed to save risk state", zap.Error(err), zap.String("pair", p.String()))
			}
		}
	}
	return active, events
}

func (e *Engine) exitPair(ctx context.Context, active []trade.Trade, p pairKey, status trade.Status, at time.Time) []trade.Event {
	var events []trade.Event
	for i := range active {
		t := &active[i]
		if t.UserID != p.userID || t.Mode != p.mode || t.Status.Terminal() {
			continue
		}
		events = append(events, e.lifecycle.ForceExit(ctx, t, status, t.CurrentPrice, at, e.executor(t)))
	}
	return events
}

// timeExit force-closes every trade of the pair and reports the day.
func (e *Engine) timeExit(ctx context.Context, active []trade.Trade, p pairKey, at time.Time) ([]trade.Trade, []trade.Event) {
	events := e.exitPair(ctx, active, p, trade.StatusTimeExit, at)
	active = e.settle(ctx, active)
	e.logger.Info("Universal time exit", zap.String("pair", p.String()), zap.Int("closed", len(events)))

	sum, err := e.store.Summary(ctx, p.userID, p.mode, e.today(at))
	if err != nil {
		e.logger.Error("Failed to summarize day", zap.Error(err), zap.String("pair", p.String()))
		return active, events
	}
	detail := fmt.Sprintf("%d trades closed, %d profitable", sum.Trades, sum.Profitable)
	return active, append(events, e.portfolioEvent(trade.EventEODReport, p, sum.PnL, detail, at))
}

// profitLock trails a floor under the pair's realized plus unrealized P&L
// and closes everything once the total falls to it. It fires at most once a day.
func (e *Engine) profitLock(ctx context.Context, active []trade.Trade, p pairKey, st *models.RiskState, at time.Time) ([]trade.Trade, []trade.Event, bool) {
	today := e.today(at)
	if st.LastLockDate == today {
		return active, nil, false
	}
	changed := false
	if st.TradingDate != today {
		st.TradingDate = today
		st.Armed = false
		st.HighPnL = 0
		st.Floor = 0
		changed = true
	}

	open := false
	unrealized := 0.0
	for i := range active {
		t := &active[i]
		if t.UserID != p.userID || t.Mode != p.mode || !t.IsOpen() {
			continue
		}
		open = true
		unrealized = trade.AddMoney(unrealized, t.BookedPnL)
		if t.CurrentPrice > 0 {
			unrealized = trade.AddMoney(unrealized, t.Unrealized(t.CurrentPrice))
		}
	}
	if !open {
		return active, nil, changed
	}

	sum, err := e.store.Summary(ctx, p.userID, p.mode, today)
	if err != nil {
		e.logger.Error("Failed to compute realized P&L for profit lock", zap.Error(err), zap.String("pair", p.String()))
		return active, nil, changed
	}
	total := trade.AddMoney(sum.PnL, unrealized)
	cfg := e.cfg.ProfitLock

	if !st.Armed {
		if total < cfg.Activation {
			return active, nil, changed
		}
		st.Armed = true
		st.HighPnL = total
		st.Floor = trade.StepFloor(cfg.MinFloor, cfg.MinFloor, cfg.Activation, total, cfg.Step)
		e.logger.Info("Profit lock armed",
			zap.String("pair", p.String()),
			zap.Float64("total", total),
			zap.Float64("floor", st.Floor))
		return active, nil, true
	}

	if total > st.HighPnL {
		st.HighPnL = total
		if next := trade.StepFloor(st.Floor, cfg.MinFloor, cfg.Activation, total, cfg.Step); next > st.Floor {
			e.logger.Info("Profit lock floor raised",
				zap.String("pair", p.String()),
				zap.Float64("from", st.Floor),
				zap.Float64("to", next))
			st.Floor = next
		}
		changed = true
	}
	if total > st.Floor {
		return active, nil, changed
	}

	events := e.exitPair(ctx, active, p, trade.StatusProfitLock, at)
	active = e.settle(ctx, active)
	e.logger.Warn("Profit lock triggered",
		zap.String("pair", p.String()),
		zap.Float64("total", total),
		zap.Float64("floor", st.Floor),
		zap.Int("closed", len(events)))
	detail := fmt.Sprintf("profit lock: total %.2f fell to floor %.2f (high %.2f)", total, st.Floor, st.HighPnL)
	events = append(events, e.portfolioEvent(trade.EventAlert, p, total, detail, at))
	st.Armed = false
	st.LastLockDate = today
	return active, events, true
}

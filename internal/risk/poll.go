package risk

import (
	"context"
	"errors"
	"sort"
	"time"

	"trade-guard/internal/broker"
	"trade-guard/internal/trade"

	"go.uber.org/zap"
)

// quoteBatch is the set of instrument keys fetched through one gateway.
// userID is empty for the shared market-data feed.
type quoteBatch struct {
	userID string
	gw     broker.Gateway
	keys   []string
}

type quoteSnapshot struct {
	at      time.Time
	prices  map[string]float64
	expired map[string]string
}

func (e *Engine) marketData() (broker.Gateway, bool) {
	if e.feed != nil {
		return e.feed, true
	}
	return e.sessions.Any()
}

// planQuotes collects every distinct instrument that needs a price this
// cycle: active trades plus closed trades still under missed-opportunity
// tracking. Brokered trades of suspended users are left out.
func (e *Engine) planQuotes(ctx context.Context) ([]quoteBatch, error) {
	e.ensureTracking(ctx, e.now())

	active, err := e.store.LoadActive(ctx)
	if err != nil {
		return nil, err
	}

	shared := make(map[string]struct{})
	perUser := make(map[string]map[string]struct{})
	gateways := make(map[string]broker.Gateway)
	for i := range active {
		t := &active[i]
		if t.Status.Terminal() {
			continue
		}
		if t.Mode == trade.ModeBrokered {
			if e.sessions.IsSuspended(t.UserID) {
				continue
			}
			if gw, ok := e.sessions.Gateway(t.UserID); ok {
				if perUser[t.UserID] == nil {
					perUser[t.UserID] = make(map[string]struct{})
				}
				perUser[t.UserID][t.Key()] = struct{}{}
				gateways[t.UserID] = gw
				continue
			}
		}
		shared[t.Key()] = struct{}{}
	}
	for _, tr := range e.tracking {
		shared[tr.key()] = struct{}{}
	}

	var plan []quoteBatch
	users := make([]string, 0, len(perUser))
	for u := range perUser {
		users = append(users, u)
	}
	sort.Strings(users)
	for _, u := range users {
		plan = append(plan, quoteBatch{userID: u, gw: gateways[u], keys: sortedKeys(perUser[u])})
	}
	if len(shared) > 0 {
		if gw, ok := e.marketData(); ok {
			plan = append(plan, quoteBatch{gw: gw, keys: sortedKeys(shared)})
		} else {
			e.logger.Warn("No market data source for simulated trades", zap.Int("instruments", len(shared)))
		}
	}
	return plan, nil
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// fetchQuotes runs outside the Run goroutine. Requests are chunked by the
// configured batch size and spaced by the configured delay.
func (e *Engine) fetchQuotes(ctx context.Context, plan []quoteBatch) quoteSnapshot {
	snap := quoteSnapshot{prices: make(map[string]float64), expired: make(map[string]string)}
	size := e.cfg.Broker.QuoteBatchSize
	if size <= 0 {
		size = 200
	}
	delay := e.cfg.Broker.QuoteDelay()

	first := true
	for _, b := range plan {
		for start := 0; start < len(b.keys); start += size {
			if !first && delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					snap.at = e.now()
					return snap
				}
			}
			first = false

			keys := b.keys[start:min(start+size, len(b.keys))]
			quotes, err := b.gw.Quote(ctx, keys)
			if err != nil {
				if errors.Is(err, broker.ErrSessionExpired) && b.userID != "" {
					snap.expired[b.userID] = err.Error()
					break
				}
				e.logger.Warn("Quote request failed", zap.Error(err), zap.String("user_id", b.userID), zap.Int("instruments", len(keys)))
				continue
			}
			for k, q := range quotes {
				if q.LastPrice > 0 {
					snap.prices[k] = q.LastPrice
				}
			}
		}
	}
	snap.at = e.now()
	return snap
}

// applySnapshot is one polling pass: session expiries, tick evaluation,
// portfolio rules and missed-opportunity tracking.
func (e *Engine) applySnapshot(ctx context.Context, snap quoteSnapshot) {
	for userID, reason := range snap.expired {
		e.suspend(ctx, userID, reason)
	}
	e.ensureTracking(ctx, snap.at)
	e.applyQuotes(ctx, snap.prices, snap.at)
	e.track(ctx, snap.prices, snap.at)
}

func (e *Engine) suspend(ctx context.Context, userID, reason string) {
	if e.sessions.IsSuspended(userID) {
		return
	}
	if err := e.sessions.Suspend(userID, reason); err != nil {
		e.logger.Warn("Failed to suspend session", zap.Error(err), zap.String("user_id", userID))
		return
	}
	e.emit(ctx, e.portfolioEvent(trade.EventAlert, pairKey{userID, trade.ModeBrokered}, 0,
		"broker session expired, brokered polling suspended: "+reason, e.now()))
}

func (e *Engine) applyQuotes(ctx context.Context, prices map[string]float64, at time.Time) {
	var events []trade.Event
	err := e.store.Update(ctx, func(active []trade.Trade) ([]trade.Trade, error) {
		for i := range active {
			t := &active[i]
			if t.Mode == trade.ModeBrokered && e.sessions.IsSuspended(t.UserID) {
				continue
			}
			px, ok := prices[t.Key()]
			if !ok {
				continue
			}
			events = append(events, e.lifecycle.Apply(ctx, t, px, at, e.executor(t))...)
		}
		active = e.settle(ctx, active)

		var evs []trade.Event
		active, evs = e.portfolio(ctx, active, at)
		events = append(events, evs...)
		return active, nil
	})
	if err != nil {
		e.logger.Error("Failed to save polling pass", zap.Error(err))
	}
	e.emit(ctx, events...)
}

// settle moves terminal trades into history. A trade whose history write
// fails stays in the active set and is retried on the next pass.
func (e *Engine) settle(ctx context.Context, active []trade.Trade) []trade.Trade {
	keep := make([]trade.Trade, 0, len(active))
	for _, t := range active {
		if !t.Status.Terminal() {
			keep = append(keep, t)
			continue
		}
		entry := e.startTracking(t)
		if err := e.store.AppendHistory(ctx, entry); err != nil {
			delete(e.tracking, t.ID)
			e.logger.Error("Failed to move trade to history",
				zap.Error(err),
				zap.Int64("trade_id", t.ID),
				zap.String("status", string(t.Status)))
			keep = append(keep, t)
			continue
		}
		e.logger.Info("Trade closed",
			zap.Int64("trade_id", t.ID),
			zap.String("user_id", t.UserID),
			zap.String("symbol", t.Symbol),
			zap.String("status", string(t.Status)),
			zap.Float64("pnl", t.Realized()))
	}
	return keep
}

package risk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"trade-guard/internal/broker"
	"trade-guard/internal/store"
	"trade-guard/internal/trade"

	"go.uber.org/zap"
)

// DefaultExchange is used when a trade request names no venue.
const DefaultExchange = "NSE"

// Result is the outcome of a user-facing operation.
type Result struct {
	OK      bool         `json:"ok"`
	Message string       `json:"message"`
	Trade   *trade.Trade `json:"trade,omitempty"`
}

func succeed(t *trade.Trade, format string, args ...any) Result {
	return Result{OK: true, Message: fmt.Sprintf(format, args...), Trade: t}
}

func fail(format string, args ...any) Result {
	return Result{OK: false, Message: fmt.Sprintf(format, args...)}
}

// Protection carries a protection update. Nil fields are left unchanged.
type Protection struct {
	StopLoss       *float64                               `json:"stop_loss,omitempty"`
	TrailStep      *float64                               `json:"trail_step,omitempty"`
	TrailMode      *trade.TrailMode                       `json:"trail_mode,omitempty"`
	Targets        []float64                              `json:"targets,omitempty"`
	TargetControls *[trade.MaxTargets]trade.TargetControl `json:"target_controls,omitempty"`
}

// CreateTrade admits a new trade.
func (e *Engine) CreateTrade(ctx context.Context, req trade.Trade) Result {
	return e.submit(ctx, func(ctx context.Context) Result { return e.createTrade(ctx, req) })
}

// ManualExit closes one of the user's trades at the last known price.
func (e *Engine) ManualExit(ctx context.Context, userID string, id int64) Result {
	return e.submit(ctx, func(ctx context.Context) Result { return e.manualExit(ctx, userID, id) })
}

// PanicExit closes every trade the user holds in mode.
func (e *Engine) PanicExit(ctx context.Context, userID string, mode trade.Mode) Result {
	return e.submit(ctx, func(ctx context.Context) Result { return e.panicExit(ctx, userID, mode) })
}

// Promote moves an open simulated trade to the broker.
func (e *Engine) Promote(ctx context.Context, userID string, id int64) Result {
	return e.submit(ctx, func(ctx context.Context) Result { return e.promote(ctx, userID, id) })
}

// UpdateProtection changes the stop, trailing and target settings of a trade.
func (e *Engine) UpdateProtection(ctx context.Context, userID string, id int64, p Protection) Result {
	return e.submit(ctx, func(ctx context.Context) Result { return e.updateProtection(ctx, userID, id, p) })
}

func (e *Engine) lastPrice(ctx context.Context, t *trade.Trade) (float64, error) {
	gw, ok := e.marketData()
	if t.Mode == trade.ModeBrokered {
		if own, found := e.sessions.Gateway(t.UserID); found {
			gw, ok = own, true
		}
	}
	if !ok {
		return 0, fmt.Errorf("no market data source")
	}
	quotes, err := gw.Quote(ctx, []string{t.Key()})
	if err != nil {
		return 0, err
	}
	q, found := quotes[t.Key()]
	if !found || q.LastPrice <= 0 {
		return 0, broker.ErrNoData
	}
	return q.LastPrice, nil
}

func (e *Engine) createTrade(ctx context.Context, req trade.Trade) Result {
	at := e.now()
	t := trade.Trade{
		UserID:          req.UserID,
		Symbol:          req.Symbol,
		Exchange:        req.Exchange,
		InstrumentToken: req.InstrumentToken,
		Mode:            req.Mode,
		OrderKind:       req.OrderKind,
		Quantity:        req.Quantity,
		LotSize:         req.LotSize,
		EntryPrice:      req.EntryPrice,
		Trigger:         req.Trigger,
		StopLoss:        req.StopLoss,
		TrailStep:       req.TrailStep,
		TrailMode:       req.TrailMode,
		Targets:         append([]float64(nil), req.Targets...),
		TargetControls:  req.TargetControls,
		CreatedAt:       at,
		Status:          trade.StatusPending,
	}
	if t.Exchange == "" {
		t.Exchange = DefaultExchange
	}
	if t.OrderKind == "" {
		t.OrderKind = trade.OrderMarket
	}
	if t.Mode == "" {
		t.Mode = trade.ModeSimulated
	}
	if t.LotSize <= 0 {
		t.LotSize = 1
	}
	l := e.logger.With(zap.String("user_id", t.UserID), zap.String("symbol", t.Symbol), zap.String("mode", string(t.Mode)))

	var ltp float64
	if (t.OrderKind == trade.OrderMarket && t.EntryPrice <= 0) || (t.OrderKind == trade.OrderLimit && t.Trigger == "") {
		px, err := e.lastPrice(ctx, &t)
		if err != nil && t.EntryPrice <= 0 {
			return fail("no quote for %s: %v", t.Key(), err)
		}
		ltp = px
	}
	if t.OrderKind == trade.OrderMarket && t.EntryPrice <= 0 {
		t.EntryPrice = ltp
	}
	if err := t.Validate(); err != nil {
		return fail("invalid trade: %v", err)
	}
	if t.OrderKind == trade.OrderLimit && t.Trigger == "" {
		t.Trigger = trade.TriggerAbove
		if ltp > 0 && ltp > t.EntryPrice {
			t.Trigger = trade.TriggerBelow
		}
	}
	if t.Mode == trade.ModeBrokered {
		if _, ok := e.sessions.Gateway(t.UserID); !ok {
			return fail("no active broker session for %s", t.UserID)
		}
	}

	if limit := e.cfg.Trading.MaxDailyLoss; limit > 0 {
		sum, err := e.store.Summary(ctx, t.UserID, t.Mode, e.today(at))
		switch {
		case err != nil:
			l.Warn("Daily loss check failed, allowing trade", zap.Error(err))
		case sum.PnL <= -limit:
			return fail("daily loss limit reached (%.2f of %.2f)", sum.PnL, limit)
		}
	}

	t.CurrentPrice = ltp
	if err := e.store.Create(ctx, &t); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return fail("duplicate submission: %v", err)
		}
		return fail("could not create trade: %v", err)
	}
	t.Logf(at, "created %s %s x%d @ %.2f stop %.2f", t.Mode, t.OrderKind, t.Quantity, t.EntryPrice, t.StopLoss)
	events := []trade.Event{trade.NewEvent(trade.EventNewTrade, &t, t.EntryPrice, at)}

	if t.OrderKind == trade.OrderMarket {
		ex := e.executor(&t)
		orderID, err := ex.Buy(ctx, &t, t.Quantity)
		if err != nil {
			l.Error("Entry order failed, discarding trade", zap.Error(err), zap.Int64("trade_id", t.ID))
			if dropErr := e.drop(ctx, t.ID); dropErr != nil {
				l.Error("Failed to discard trade", zap.Error(dropErr), zap.Int64("trade_id", t.ID))
			}
			return fail("entry order failed: %v", err)
		}
		if orderID != "" {
			t.Logf(at, "entry order %s placed", orderID)
		}
		events = append(events, e.lifecycle.Activate(ctx, &t, at, ex)...)
		t.CurrentPrice = t.EntryPrice
	}

	if err := e.replace(ctx, t); err != nil {
		l.Error("Failed to save new trade state", zap.Error(err), zap.Int64("trade_id", t.ID))
		return fail("trade %d created but its state could not be saved: %v", t.ID, err)
	}
	e.emit(ctx, events...)
	return succeed(&t, "trade %d created", t.ID)
}

func (e *Engine) replace(ctx context.Context, t trade.Trade) error {
	return e.store.Update(ctx, func(active []trade.Trade) ([]trade.Trade, error) {
		for i := range active {
			if active[i].ID == t.ID {
				active[i] = t
				return active, nil
			}
		}
		return append(active, t), nil
	})
}

func (e *Engine) drop(ctx context.Context, id int64) error {
	return e.store.Update(ctx, func(active []trade.Trade) ([]trade.Trade, error) {
		keep := active[:0]
		for _, t := range active {
			if t.ID != id {
				keep = append(keep, t)
			}
		}
		return keep, nil
	})
}

// withTrade runs fn on one of the user's trades inside a single
// load-mutate-save scope and settles it if fn closed it.
func (e *Engine) withTrade(ctx context.Context, userID string, id int64, fn func(t *trade.Trade, at time.Time) ([]trade.Event, error)) (trade.Trade, error) {
	at := e.now()
	e.ensureTracking(ctx, at)
	var events []trade.Event
	var out trade.Trade
	err := e.store.Update(ctx, func(active []trade.Trade) ([]trade.Trade, error) {
		for i := range active {
			t := &active[i]
			if t.ID != id || t.UserID != userID || t.Status.Terminal() {
				continue
			}
			evs, err := fn(t, at)
			if err != nil {
				return nil, err
			}
			events = evs
			out = t.Clone()
			return e.settle(ctx, active), nil
		}
		return nil, store.ErrNotFound
	})
	if err != nil {
		return trade.Trade{}, err
	}
	e.emit(ctx, events...)
	return out, nil
}

func (e *Engine) commandResult(t trade.Trade, err error, id int64, format string, args ...any) Result {
	if errors.Is(err, store.ErrNotFound) {
		return fail("trade %d not found", id)
	}
	if err != nil {
		return fail("%v", err)
	}
	return succeed(&t, format, args...)
}

func (e *Engine) manualExit(ctx context.Context, userID string, id int64) Result {
	t, err := e.withTrade(ctx, userID, id, func(t *trade.Trade, at time.Time) ([]trade.Event, error) {
		return []trade.Event{e.lifecycle.ForceExit(ctx, t, trade.StatusManualExit, t.CurrentPrice, at, e.executor(t))}, nil
	})
	return e.commandResult(t, err, id, "trade %d closed", id)
}

func (e *Engine) panicExit(ctx context.Context, userID string, mode trade.Mode) Result {
	at := e.now()
	e.ensureTracking(ctx, at)
	var events []trade.Event
	err := e.store.Update(ctx, func(active []trade.Trade) ([]trade.Trade, error) {
		events = e.exitPair(ctx, active, pairKey{userID, mode}, trade.StatusPanicExit, at)
		return e.settle(ctx, active), nil
	})
	if err != nil {
		return fail("panic exit failed: %v", err)
	}
	e.logger.Warn("Panic exit", zap.String("user_id", userID), zap.String("mode", string(mode)), zap.Int("closed", len(events)))
	e.emit(ctx, events...)
	return succeed(nil, "%d trades closed", len(events))
}

func (e *Engine) promote(ctx context.Context, userID string, id int64) Result {
	t, err := e.withTrade(ctx, userID, id, func(t *trade.Trade, at time.Time) ([]trade.Event, error) {
		if t.Mode != trade.ModeSimulated {
			return nil, fmt.Errorf("trade %d is already brokered", t.ID)
		}
		if t.Status != trade.StatusOpen {
			return nil, fmt.Errorf("only open trades can be promoted, trade %d is %s", t.ID, t.Status)
		}
		gw, ok := e.sessions.Gateway(userID)
		if !ok {
			return nil, fmt.Errorf("no active broker session for %s", userID)
		}
		ex := broker.ForMode(trade.ModeBrokered, gw)
		if _, err := ex.Buy(ctx, t, t.Quantity); err != nil {
			return nil, fmt.Errorf("entry order failed: %w", err)
		}
		t.Mode = trade.ModeBrokered
		t.Status = trade.StatusPromotedLive
		t.Logf(at, "promoted to brokered at %.2f", t.CurrentPrice)
		ev := trade.NewEvent(trade.EventActive, t, t.CurrentPrice, at)
		ev.Detail = string(trade.StatusPromotedLive)
		return append([]trade.Event{ev}, e.lifecycle.PlaceStop(ctx, t, at, ex)...), nil
	})
	return e.commandResult(t, err, id, "trade %d promoted", id)
}

func (e *Engine) updateProtection(ctx context.Context, userID string, id int64, p Protection) Result {
	t, err := e.withTrade(ctx, userID, id, func(t *trade.Trade, at time.Time) ([]trade.Event, error) {
		next := t.Clone()
		if p.StopLoss != nil {
			if *p.StopLoss < t.StopLoss {
				return nil, fmt.Errorf("stop loss can only be raised (current %.2f)", t.StopLoss)
			}
			if t.Status == trade.StatusPending && *p.StopLoss >= t.EntryPrice {
				return nil, fmt.Errorf("stop loss %.2f must be below the entry %.2f", *p.StopLoss, t.EntryPrice)
			}
			if t.IsOpen() && t.CurrentPrice > 0 && *p.StopLoss >= t.CurrentPrice {
				return nil, fmt.Errorf("stop loss %.2f must be below the current price %.2f", *p.StopLoss, t.CurrentPrice)
			}
			next.StopLoss = *p.StopLoss
		}
		if p.TrailStep != nil {
			next.TrailStep = *p.TrailStep
		}
		if p.TrailMode != nil {
			next.TrailMode = *p.TrailMode
		}
		if p.Targets != nil {
			next.Targets = append([]float64(nil), p.Targets...)
			hit := next.TargetsHit[:0]
			for _, i := range next.TargetsHit {
				if i < len(next.Targets) {
					hit = append(hit, i)
				}
			}
			next.TargetsHit = hit
		}
		if p.TargetControls != nil {
			next.TargetControls = *p.TargetControls
		}
		if err := validateProtection(&next); err != nil {
			return nil, err
		}

		stopMoved := next.StopLoss != t.StopLoss
		*t = next
		t.Logf(at, "protection updated: stop %.2f, trail %.2f mode %d, targets %v", t.StopLoss, t.TrailStep, t.TrailMode, t.Targets)
		if stopMoved {
			return e.lifecycle.SyncStop(ctx, t, at, e.executor(t)), nil
		}
		return nil, nil
	})
	return e.commandResult(t, err, id, "trade %d protection updated", id)
}

func validateProtection(t *trade.Trade) error {
	switch {
	case t.TrailStep < 0:
		return fmt.Errorf("trail step cannot be negative")
	case t.TrailMode < trade.TrailUncapped || t.TrailMode > trade.TrailToTarget3:
		return fmt.Errorf("unknown trail mode %d", t.TrailMode)
	case len(t.Targets) > trade.MaxTargets:
		return fmt.Errorf("at most %d targets are supported", trade.MaxTargets)
	}
	for i, tg := range t.Targets {
		if tg <= t.EntryPrice {
			return fmt.Errorf("target %d (%.2f) must be above entry", i+1, tg)
		}
	}
	return nil
}

package trade

import (
	"context"
	"time"
)

// Executor is the broker capability a trading mode provides. The simulated
// variant accepts every call without side effects.
type Executor interface {
	Name() string
	Buy(ctx context.Context, t *Trade, quantity int) (string, error)
	Sell(ctx context.Context, t *Trade, quantity int) (string, error)
	PlaceStop(ctx context.Context, t *Trade) (string, error)
	ModifyStop(ctx context.Context, orderID string, quantity int, trigger float64) error
	CancelStop(ctx context.Context, orderID string) error
}

// Lifecycle applies price ticks to a single trade. It holds no per-trade
// state, so the live poller and the replay engine share one instance shape.
type Lifecycle struct {
	// AlertOnStopFailure raises an ALERT event whenever the protective stop
	// could not be placed or kept in sync with the broker.
	AlertOnStopFailure bool
}

// Apply feeds one tick to t and returns the events it raised, in order.
func (l Lifecycle) Apply(ctx context.Context, t *Trade, ltp float64, at time.Time, ex Executor) []Event {
	if ltp <= 0 || t.Status.Terminal() {
		return nil
	}
	t.CurrentPrice = ltp
	switch t.Status {
	case StatusPending:
		if !l.triggered(t, ltp) {
			return nil
		}
		return l.Activate(ctx, t, at, ex)
	default:
		return l.applyOpen(ctx, t, ltp, at, ex)
	}
}

// ApplyCandle replays one interval through Apply using the candle tick order.
func (l Lifecycle) ApplyCandle(ctx context.Context, t *Trade, c Candle, ex Executor) []Event {
	var events []Event
	for _, px := range c.Ticks() {
		if t.Status.Terminal() {
			break
		}
		events = append(events, l.Apply(ctx, t, px, c.Time, ex)...)
	}
	return events
}

func (l Lifecycle) triggered(t *Trade, ltp float64) bool {
	if t.Trigger == TriggerBelow {
		return ltp <= t.EntryPrice
	}
	return ltp >= t.EntryPrice
}

// Activate opens a trade at its entry price. For brokered trades the entry
// and protective stop are sent to the broker; a failed stop never blocks the
// entry.
func (l Lifecycle) Activate(ctx context.Context, t *Trade, at time.Time, ex Executor) []Event {
	t.Status = StatusOpen
	t.HighPrice = t.EntryPrice
	activated := at
	t.ActivatedAt = &activated
	t.Logf(at, "activated at %.2f", t.EntryPrice)
	events := []Event{NewEvent(EventActive, t, t.EntryPrice, at)}

	if t.OrderKind == OrderLimit {
		if id, err := ex.Buy(ctx, t, t.Quantity); err != nil {
			t.Logf(at, "entry order failed: %v", err)
		} else if id != "" {
			t.Logf(at, "entry order %s placed", id)
		}
	}
	return append(events, l.PlaceStop(ctx, t, at, ex)...)
}

// PlaceStop places the protective stop for the trade's remaining quantity.
func (l Lifecycle) PlaceStop(ctx context.Context, t *Trade, at time.Time, ex Executor) []Event {
	id, err := ex.PlaceStop(ctx, t)
	if err != nil {
		t.Logf(at, "stop order failed: %v", err)
		return l.stopAlert(t, at, "stop order placement failed: "+err.Error())
	}
	if id != "" {
		t.StopOrderID = &id
		t.Logf(at, "stop order %s placed at %.2f", id, t.StopLoss)
	}
	return nil
}

// SyncStop pushes the current stop price and quantity to the broker order, if any.
func (l Lifecycle) SyncStop(ctx context.Context, t *Trade, at time.Time, ex Executor) []Event {
	if t.StopOrderID == nil {
		return nil
	}
	if err := ex.ModifyStop(ctx, *t.StopOrderID, t.Quantity, t.StopLoss); err != nil {
		t.Logf(at, "stop order %s modify failed: %v", *t.StopOrderID, err)
		return l.stopAlert(t, at, "stop order modify failed: "+err.Error())
	}
	return nil
}

func (l Lifecycle) stopAlert(t *Trade, at time.Time, detail string) []Event {
	if !l.AlertOnStopFailure {
		return nil
	}
	ev := NewEvent(EventAlert, t, t.StopLoss, at)
	ev.Detail = detail
	return []Event{ev}
}

func (l Lifecycle) applyOpen(ctx context.Context, t *Trade, ltp float64, at time.Time, ex Executor) []Event {
	var events []Event
	if ltp > t.HighPrice {
		t.HighPrice = ltp
	}

	if next := StepTrail(t.StopLoss, t.HighPrice, t.TrailStep, t.trailCeiling()); next > t.StopLoss {
		t.Logf(at, "stop trailed %.2f -> %.2f (high %.2f)", t.StopLoss, next, t.HighPrice)
		t.StopLoss = next
		events = append(events, l.SyncStop(ctx, t, at, ex)...)
	}

	if ltp <= t.StopLoss {
		// The broker-side stop order fills by itself; only an unprotected
		// position needs an explicit market exit.
		if t.StopOrderID == nil {
			if _, err := ex.Sell(ctx, t, t.Quantity); err != nil {
				t.Logf(at, "stop exit order failed: %v", err)
			}
		}
		Close(t, StatusSLHit, string(StatusSLHit), t.StopLoss, at)
		ev := NewEvent(EventSLHit, t, t.StopLoss, at)
		ev.PnL = t.PnL
		return append(events, ev)
	}

	for i, target := range t.Targets {
		if target <= 0 || t.TargetHit(i) || ltp < target {
			continue
		}
		t.TargetsHit = append(t.TargetsHit, i)
		t.Logf(at, "target %d hit at %.2f", i+1, target)
		hit := NewEvent(EventTargetHit, t, target, at)
		hit.Target = i + 1
		ctl := t.TargetControls[i]

		if ctl.TrailToEntry && t.StopLoss < t.EntryPrice {
			t.Logf(at, "stop moved to entry %.2f", t.EntryPrice)
			t.StopLoss = t.EntryPrice
			events = append(events, l.SyncStop(ctx, t, at, ex)...)
		}

		if !ctl.Enabled {
			events = append(events, hit)
			continue
		}

		lot := t.LotSize
		if lot <= 0 {
			lot = 1
		}
		qty := ctl.Lots * lot
		if ctl.Lots == ExitAllLots || qty >= t.Quantity {
			if t.StopOrderID != nil {
				if err := ex.CancelStop(ctx, *t.StopOrderID); err != nil {
					t.Logf(at, "stop order %s cancel failed: %v", *t.StopOrderID, err)
				}
			}
			if _, err := ex.Sell(ctx, t, t.Quantity); err != nil {
				t.Logf(at, "target exit order failed: %v", err)
			}
			Close(t, StatusTargetHit, string(StatusTargetHit), target, at)
			hit.PnL = t.PnL
			return append(events, hit)
		}
		if qty <= 0 {
			events = append(events, hit)
			continue
		}

		t.Quantity -= qty
		booked := Money(target-t.EntryPrice, qty)
		t.BookedPnL = AddMoney(t.BookedPnL, booked)
		t.Exits = append(t.Exits, PartialExit{Target: i + 1, Quantity: qty, Price: target, At: at})
		t.Logf(at, "partial exit %d @ %.2f, %d remaining", qty, target, t.Quantity)
		if _, err := ex.Sell(ctx, t, qty); err != nil {
			t.Logf(at, "partial exit order failed: %v", err)
		}
		events = append(events, l.SyncStop(ctx, t, at, ex)...)
		hit.PnL = booked
		events = append(events, hit)
	}

	if t.Quantity <= 0 {
		Close(t, StatusTargetHit, string(StatusTargetHit), ltp, at)
	}
	return events
}

// trailCeiling resolves the configured trail mode to a price cap; 0 disables it.
// A mode pointing at a missing target falls back to the entry price.
func (t *Trade) trailCeiling() float64 {
	idx := -1
	switch t.TrailMode {
	case TrailUncapped:
		return 0
	case TrailToEntry:
		return t.EntryPrice
	case TrailToTarget1:
		idx = 0
	case TrailToTarget2:
		idx = 1
	case TrailToTarget3:
		idx = 2
	}
	if idx >= 0 && idx < len(t.Targets) && t.Targets[idx] > 0 {
		return t.Targets[idx]
	}
	return t.EntryPrice
}

// ForceExit closes t outside the tick rules (time exit, manual, panic,
// profit lock). A trade that never activated settles as NOT_ACTIVE with zero P&L.
func (l Lifecycle) ForceExit(ctx context.Context, t *Trade, status Status, ltp float64, at time.Time, ex Executor) Event {
	if t.Status == StatusPending {
		Close(t, StatusNotActive, string(status), 0, at)
		ev := NewEvent(EventExit, t, 0, at)
		ev.Detail = string(StatusNotActive)
		return ev
	}
	if ltp <= 0 {
		ltp = t.CurrentPrice
	}
	if ltp <= 0 {
		ltp = t.EntryPrice
	}
	if t.StopOrderID != nil {
		if err := ex.CancelStop(ctx, *t.StopOrderID); err != nil {
			t.Logf(at, "stop order %s cancel failed: %v", *t.StopOrderID, err)
		}
	}
	if _, err := ex.Sell(ctx, t, t.Quantity); err != nil {
		t.Logf(at, "exit order failed: %v", err)
	}
	Close(t, status, string(status), ltp, at)
	ev := NewEvent(EventExit, t, ltp, at)
	ev.PnL = t.PnL
	ev.Detail = string(status)
	return ev
}

// Close settles t in a terminal status. P&L is (price − entry) × quantity at
// exit; NOT_ACTIVE always settles at zero.
func Close(t *Trade, status Status, reason string, price float64, at time.Time) {
	exit := at
	t.Status = status
	t.ExitTime = &exit
	t.ExitReason = reason
	if status == StatusNotActive {
		t.ExitPrice = 0
		t.PnL = 0
	} else {
		t.ExitPrice = price
		t.PnL = Money(price-t.EntryPrice, t.Quantity)
	}
	t.Logf(at, "closed %s at %.2f, pnl %.2f", status, t.ExitPrice, t.PnL)
}

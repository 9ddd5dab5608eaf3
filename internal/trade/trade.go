package trade

import (
	"fmt"
	"time"
)

// Mode selects whether a trade is only simulated or routed to the broker.
type Mode string

const (
	ModeSimulated Mode = "SIMULATED"
	ModeBrokered  Mode = "BROKERED"
)

// Valid reports whether m is a known trading mode.
func (m Mode) Valid() bool {
	return m == ModeSimulated || m == ModeBrokered
}

// OrderKind is the entry order type.
type OrderKind string

const (
	OrderMarket OrderKind = "MARKET"
	OrderLimit  OrderKind = "LIMIT"
)

// Trigger decides when a pending LIMIT trade activates.
type Trigger string

const (
	TriggerAbove Trigger = "ABOVE"
	TriggerBelow Trigger = "BELOW"
)

// Status is the lifecycle state of a trade.
type Status string

const (
	StatusPending      Status = "PENDING"
	StatusOpen         Status = "OPEN"
	StatusSLHit        Status = "SL_HIT"
	StatusTargetHit    Status = "TARGET_HIT"
	StatusTimeExit     Status = "TIME_EXIT"
	StatusPromotedLive Status = "PROMOTED_LIVE"
	StatusNotActive    Status = "NOT_ACTIVE"
	StatusManualExit   Status = "MANUAL_EXIT"
	StatusPanicExit    Status = "PANIC_EXIT"
	StatusProfitLock   Status = "PROFIT_LOCK"
)

// Terminal reports whether the status moves the trade into history.
// PROMOTED_LIVE is a sub-state of OPEN and therefore not terminal.
func (s Status) Terminal() bool {
	switch s {
	case StatusPending, StatusOpen, StatusPromotedLive:
		return false
	}
	return true
}

// TrailMode caps how far the trailing stop may advance.
type TrailMode int

const (
	TrailUncapped TrailMode = iota
	TrailToEntry
	TrailToTarget1
	TrailToTarget2
	TrailToTarget3
)

// ExitAllLots is the TargetControl.Lots sentinel meaning "exit all remaining quantity".
const ExitAllLots = -1

// MaxTargets is the number of configurable targets per trade.
const MaxTargets = 3

// TargetControl configures what happens when a target is reached.
type TargetControl struct {
	Enabled      bool `json:"enabled"`
	Lots         int  `json:"lots"`
	TrailToEntry bool `json:"trail_to_entry"`
}

// PartialExit records a quantity booked at a target before the trade closed.
type PartialExit struct {
	Target   int       `json:"target"`
	Quantity int       `json:"quantity"`
	Price    float64   `json:"price"`
	At       time.Time `json:"at"`
}

// Trade is one simulated or brokered position.
type Trade struct {
	ID              int64     `json:"id"`
	UserID          string    `json:"user_id"`
	Symbol          string    `json:"symbol"`
	Exchange        string    `json:"exchange"`
	InstrumentToken int64     `json:"instrument_token"`
	Mode            Mode      `json:"mode"`
	CreatedAt       time.Time `json:"created_at"`

	OrderKind       OrderKind `json:"order_kind"`
	Quantity        int       `json:"quantity"`
	InitialQuantity int       `json:"initial_quantity"`
	LotSize         int       `json:"lot_size"`
	EntryPrice      float64   `json:"entry_price"`
	Trigger         Trigger   `json:"trigger,omitempty"`

	StopLoss       float64                   `json:"stop_loss"`
	TrailStep      float64                   `json:"trail_step"`
	TrailMode      TrailMode                 `json:"trail_mode"`
	Targets        []float64                 `json:"targets"`
	TargetControls [MaxTargets]TargetControl `json:"target_controls"`

	Status       Status        `json:"status"`
	CurrentPrice float64       `json:"current_price"`
	HighPrice    float64       `json:"high_price"`
	TargetsHit   []int         `json:"targets_hit"`
	Exits        []PartialExit `json:"exits,omitempty"`
	BookedPnL    float64       `json:"booked_pnl"`
	StopOrderID  *string       `json:"stop_order_id,omitempty"`
	ActivatedAt  *time.Time    `json:"activated_at,omitempty"`
	Logs         []string      `json:"logs"`

	ExitTime   *time.Time `json:"exit_time,omitempty"`
	ExitPrice  float64    `json:"exit_price"`
	ExitReason string     `json:"exit_reason,omitempty"`
	PnL        float64    `json:"pnl"`
}

// Key identifies the instrument on the broker ("EXCHANGE:SYMBOL").
func (t *Trade) Key() string {
	return InstrumentKey(t.Exchange, t.Symbol)
}

// InstrumentKey joins a venue and symbol the way the broker expects.
func InstrumentKey(exchange, symbol string) string {
	return exchange + ":" + symbol
}

// Logf appends a timestamped line to the trade's own log.
func (t *Trade) Logf(at time.Time, format string, args ...any) {
	t.Logs = append(t.Logs, at.Format("2006-01-02 15:04:05")+" "+fmt.Sprintf(format, args...))
}

// TargetHit reports whether target index i (0-based) is already recorded.
func (t *Trade) TargetHit(i int) bool {
	for _, h := range t.TargetsHit {
		if h == i {
			return true
		}
	}
	return false
}

// Unrealized is the mark-to-market P&L of the remaining quantity.
func (t *Trade) Unrealized(ltp float64) float64 {
	if t.Status != StatusOpen && t.Status != StatusPromotedLive {
		return 0
	}
	return Money(ltp-t.EntryPrice, t.Quantity)
}

// Realized is the P&L already locked in, partial exits included.
func (t *Trade) Realized() float64 {
	return t.PnL + t.BookedPnL
}

// IsOpen reports whether the trade holds a position.
func (t *Trade) IsOpen() bool {
	return t.Status == StatusOpen || t.Status == StatusPromotedLive
}

// Clone returns a deep copy safe to mutate independently.
func (t Trade) Clone() Trade {
	c := t
	c.Targets = append([]float64(nil), t.Targets...)
	c.TargetsHit = append([]int(nil), t.TargetsHit...)
	c.Exits = append([]PartialExit(nil), t.Exits...)
	c.Logs = append([]string(nil), t.Logs...)
	if t.StopOrderID != nil {
		id := *t.StopOrderID
		c.StopOrderID = &id
	}
	if t.ActivatedAt != nil {
		at := *t.ActivatedAt
		c.ActivatedAt = &at
	}
	if t.ExitTime != nil {
		at := *t.ExitTime
		c.ExitTime = &at
	}
	return c
}

// Validate checks a trade before it is admitted into the active set.
func (t *Trade) Validate() error {
	switch {
	case t.UserID == "":
		return fmt.Errorf("user id is required")
	case t.Symbol == "":
		return fmt.Errorf("symbol is required")
	case !t.Mode.Valid():
		return fmt.Errorf("unknown trading mode %q", t.Mode)
	case t.OrderKind != OrderMarket && t.OrderKind != OrderLimit:
		return fmt.Errorf("unknown order kind %q", t.OrderKind)
	case t.Quantity <= 0:
		return fmt.Errorf("quantity must be positive")
	case t.EntryPrice <= 0:
		return fmt.Errorf("entry price must be positive")
	case t.StopLoss >= t.EntryPrice:
		return fmt.Errorf("stop loss %.2f must be below entry %.2f", t.StopLoss, t.EntryPrice)
	case t.TrailStep < 0:
		return fmt.Errorf("trail step cannot be negative")
	case t.TrailMode < TrailUncapped || t.TrailMode > TrailToTarget3:
		return fmt.Errorf("unknown trail mode %d", t.TrailMode)
	case len(t.Targets) > MaxTargets:
		return fmt.Errorf("at most %d targets are supported", MaxTargets)
	}
	for i, tg := range t.Targets {
		if tg <= t.EntryPrice {
			return fmt.Errorf("target %d (%.2f) must be above entry", i+1, tg)
		}
	}
	return nil
}

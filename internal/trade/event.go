package trade

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// EventKind names a lifecycle notification.
type EventKind string

const (
	EventNewTrade  EventKind = "NEW_TRADE"
	EventActive    EventKind = "ACTIVE"
	EventTargetHit EventKind = "TARGET_HIT"
	EventSLHit     EventKind = "SL_HIT"
	EventHighMade  EventKind = "HIGH_MADE"
	EventExit      EventKind = "EXIT"
	EventEODReport EventKind = "EOD_REPORT"
	EventAlert     EventKind = "ALERT"
)

// Event is a lifecycle notification handed to the notification queue.
type Event struct {
	ID      string    `json:"id"`
	Kind    EventKind `json:"kind"`
	TradeID int64     `json:"trade_id,omitempty"`
	UserID  string    `json:"user_id"`
	Symbol  string    `json:"symbol,omitempty"`
	Mode    Mode      `json:"mode"`
	Price   float64   `json:"price,omitempty"`
	Target  int       `json:"target,omitempty"` // 1-based
	PnL     float64   `json:"pnl,omitempty"`
	Detail  string    `json:"detail,omitempty"`
	At      time.Time `json:"at"`
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewEventID returns a time-sortable identifier for an event raised at.
func NewEventID(at time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(at), entropy).String()
}

// NewEvent builds an event for t.
func NewEvent(kind EventKind, t *Trade, price float64, at time.Time) Event {
	return Event{
		ID:      NewEventID(at),
		Kind:    kind,
		TradeID: t.ID,
		UserID:  t.UserID,
		Symbol:  t.Symbol,
		Mode:    t.Mode,
		Price:   price,
		At:      at,
	}
}

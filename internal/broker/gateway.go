package broker

import (
	"context"
	"errors"
	"time"

	"trade-guard/internal/trade"
)

var (
	// ErrRejected is returned when the venue refuses an order (margin, input, risk checks).
	ErrRejected = errors.New("broker rejected the request")
	// ErrSessionExpired signals an invalid or expired access token; the user
	// must re-authenticate before brokered calls can resume.
	ErrSessionExpired = errors.New("broker session expired")
	// ErrNoData is returned when a historical query yields nothing.
	ErrNoData = errors.New("no data returned")
	// ErrNoSession is returned by the brokered executor when the user has no gateway.
	ErrNoSession = errors.New("no broker session for user")
)

const (
	SideBuy  = "BUY"
	SideSell = "SELL"

	KindMarket   = "MARKET"
	KindLimit    = "LIMIT"
	KindStopLoss = "SL-M"

	ProductIntraday = "MIS"
)

// Quote is the subset of a market quote the engine consumes.
type Quote struct {
	InstrumentToken int64   `json:"instrument_token"`
	LastPrice       float64 `json:"last_price"`
}

// OrderRequest describes an order to place at the broker.
type OrderRequest struct {
	Symbol       string
	Exchange     string
	Side         string
	Quantity     int
	Kind         string
	Product      string
	LimitPrice   float64
	TriggerPrice float64
}

// Gateway is the brokerage contract consumed by the engines.
type Gateway interface {
	// Quote returns last prices keyed by "EXCHANGE:SYMBOL"; unknown keys are omitted.
	Quote(ctx context.Context, keys []string) (map[string]Quote, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (string, error)
	ModifyOrder(ctx context.Context, orderID string, quantity int, triggerPrice float64) error
	CancelOrder(ctx context.Context, orderID string) error
	HistoricalCandles(ctx context.Context, token int64, from, to time.Time, interval string) ([]trade.Candle, error)
}

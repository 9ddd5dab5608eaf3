package broker

import (
	"context"

	"trade-guard/internal/trade"
)

// Simulated is the executor for paper trades: every order call succeeds
// without side effects and returns no order id.
type Simulated struct{}

var _ trade.Executor = Simulated{}

func (Simulated) Name() string { return string(trade.ModeSimulated) }

func (Simulated) Buy(context.Context, *trade.Trade, int) (string, error) { return "", nil }

func (Simulated) Sell(context.Context, *trade.Trade, int) (string, error) { return "", nil }

func (Simulated) PlaceStop(context.Context, *trade.Trade) (string, error) { return "", nil }

func (Simulated) ModifyStop(context.Context, string, int, float64) error { return nil }

func (Simulated) CancelStop(context.Context, string) error { return nil }

// Brokered routes trade actions to a user's broker gateway.
type Brokered struct {
	Gateway Gateway
	Product string
}

var _ trade.Executor = Brokered{}

func (b Brokered) Name() string { return string(trade.ModeBrokered) }

func (b Brokered) market(ctx context.Context, t *trade.Trade, side string, qty int) (string, error) {
	if b.Gateway == nil {
		return "", ErrNoSession
	}
	return b.Gateway.PlaceOrder(ctx, OrderRequest{
		Symbol:   t.Symbol,
		Exchange: t.Exchange,
		Side:     side,
		Quantity: qty,
		Kind:     KindMarket,
		Product:  b.Product,
	})
}

// Buy places a market buy for qty.
func (b Brokered) Buy(ctx context.Context, t *trade.Trade, qty int) (string, error) {
	return b.market(ctx, t, SideBuy, qty)
}

// Sell places a market sell for qty.
func (b Brokered) Sell(ctx context.Context, t *trade.Trade, qty int) (string, error) {
	return b.market(ctx, t, SideSell, qty)
}

// PlaceStop places a stop-market sell for the whole remaining quantity.
func (b Brokered) PlaceStop(ctx context.Context, t *trade.Trade) (string, error) {
	if b.Gateway == nil {
		return "", ErrNoSession
	}
	return b.Gateway.PlaceOrder(ctx, OrderRequest{
		Symbol:       t.Symbol,
		Exchange:     t.Exchange,
		Side:         SideSell,
		Quantity:     t.Quantity,
		Kind:         KindStopLoss,
		Product:      b.Product,
		TriggerPrice: t.StopLoss,
	})
}

func (b Brokered) ModifyStop(ctx context.Context, orderID string, qty int, trigger float64) error {
	if b.Gateway == nil {
		return ErrNoSession
	}
	return b.Gateway.ModifyOrder(ctx, orderID, qty, trigger)
}

func (b Brokered) CancelStop(ctx context.Context, orderID string) error {
	if b.Gateway == nil {
		return ErrNoSession
	}
	return b.Gateway.CancelOrder(ctx, orderID)
}

// ForMode returns the executor variant for a trading mode. gw may be nil for
// simulated trades.
func ForMode(mode trade.Mode, gw Gateway) trade.Executor {
	if mode == trade.ModeBrokered {
		return Brokered{Gateway: gw, Product: ProductIntraday}
	}
	return Simulated{}
}

// Package brokertest provides a testify mock of the broker gateway.
package brokertest

import (
	"context"
	"time"

	"trade-guard/internal/broker"
	"trade-guard/internal/trade"

	"github.com/stretchr/testify/mock"
)

// MockGateway is a mock type for the broker.Gateway interface.
type MockGateway struct {
	mock.Mock
}

var _ broker.Gateway = (*MockGateway)(nil)

func (m *MockGateway) Quote(ctx context.Context, keys []string) (map[string]broker.Quote, error) {
	args := m.Called(ctx, keys)
	if q, ok := args.Get(0).(map[string]broker.Quote); ok {
		return q, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockGateway) PlaceOrder(ctx context.Context, o broker.OrderRequest) (string, error) {
	args := m.Called(ctx, o)
	return args.String(0), args.Error(1)
}

func (m *MockGateway) ModifyOrder(ctx context.Context, orderID string, quantity int, triggerPrice float64) error {
	args := m.Called(ctx, orderID, quantity, triggerPrice)
	return args.Error(0)
}

func (m *MockGateway) CancelOrder(ctx context.Context, orderID string) error {
	args := m.Called(ctx, orderID)
	return args.Error(0)
}

func (m *MockGateway) HistoricalCandles(ctx context.Context, token int64, from, to time.Time, interval string) ([]trade.Candle, error) {
	args := m.Called(ctx, token, from, to, interval)
	if c, ok := args.Get(0).([]trade.Candle); ok {
		return c, args.Error(1)
	}
	return nil, args.Error(1)
}

// IsBuy matches market buy orders.
func IsBuy(o broker.OrderRequest) bool {
	return o.Side == broker.SideBuy && o.Kind == broker.KindMarket
}

// IsSell matches market sell orders.
func IsSell(o broker.OrderRequest) bool {
	return o.Side == broker.SideSell && o.Kind == broker.KindMarket
}

// IsStop matches protective stop orders.
func IsStop(o broker.OrderRequest) bool {
	return o.Kind == broker.KindStopLoss
}

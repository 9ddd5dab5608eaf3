package trade

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// noopExecutor behaves like the simulated mode.
type noopExecutor struct{}

func (noopExecutor) Name() string { return "noop" }
func (noopExecutor) Buy(context.Context, *Trade, int) (string, error) { return "", nil }
func (noopExecutor) Sell(context.Context, *Trade, int) (string, error) { return "", nil }
func (noopExecutor) PlaceStop(context.Context, *Trade) (string, error) { return "", nil }
func (noopExecutor) ModifyStop(context.Context, string, int, float64) error { return nil }
func (noopExecutor) CancelStop(context.Context, string) error { return nil }

// MockExecutor records broker calls.
type MockExecutor struct {
	mock.Mock
}

func (m *MockExecutor) Name() string { return "mock" }

func (m *MockExecutor) Buy(_ context.Context, t *Trade, quantity int) (string, error) {
	args := m.Called(t.Symbol, quantity)
	return args.String(0), args.Error(1)
}

func (m *MockExecutor) Sell(_ context.Context, t *Trade, quantity int) (string, error) {
	args := m.Called(t.Symbol, quantity)
	return args.String(0), args.Error(1)
}

func (m *MockExecutor) PlaceStop(_ context.Context, t *Trade) (string, error) {
	args := m.Called(t.Symbol, t.StopLoss)
	return args.String(0), args.Error(1)
}

func (m *MockExecutor) ModifyStop(_ context.Context, orderID string, quantity int, trigger float64) error {
	return m.Called(orderID, quantity, trigger).Error(0)
}

func (m *MockExecutor) CancelStop(_ context.Context, orderID string) error {
	return m.Called(orderID).Error(0)
}

var t0 = time.Date(2026, 10, 16, 9, 20, 0, 0, time.UTC)

func openTrade() *Trade {
	return &Trade{
		ID:              1,
		UserID:          "u1",
		Symbol:          "INFY",
		Exchange:        "NSE",
		Mode:            ModeSimulated,
		OrderKind:       OrderMarket,
		Quantity:        10,
		InitialQuantity: 10,
		LotSize:         1,
		EntryPrice:      100,
		StopLoss:        90,
		Targets:         []float64{105, 110, 120},
		Status:          StatusOpen,
		HighPrice:       100,
	}
}

func feed(l Lifecycle, tr *Trade, ex Executor, ticks ...float64) ([]Event, []float64) {
	var events []Event
	var stops []float64
	for i, px := range ticks {
		events = append(events, l.Apply(context.Background(), tr, px, t0.Add(time.Duration(i)*time.Second), ex)...)
		stops = append(stops, tr.StopLoss)
	}
	return events, stops
}

func kinds(events []Event) []EventKind {
	out := make([]EventKind, 0, len(events))
	for _, e := range events {
		out = append(out, e.Kind)
	}
	return out
}

func assertNonDecreasing(t *testing.T, stops []float64) {
	t.Helper()
	for i := 1; i < len(stops); i++ {
		assert.GreaterOrEqual(t, stops[i], stops[i-1], "stop lowered at step %d", i)
	}
}

func TestApply_TrailCappedAtEntry(t *testing.T) {
	tr := openTrade()
	tr.TrailStep = 2
	tr.TrailMode = TrailToEntry

	events, stops := feed(Lifecycle{}, tr, noopExecutor{}, 100, 103, 106, 108, 89)

	assert.Equal(t, []float64{98, 100, 100, 100, 100}, stops)
	assertNonDecreasing(t, stops)
	assert.Equal(t, []EventKind{EventTargetHit, EventSLHit}, kinds(events))
	assert.Equal(t, 1, events[0].Target)
	assert.Equal(t, StatusSLHit, tr.Status)
	assert.Equal(t, 100.0, tr.ExitPrice)
	assert.Equal(t, Money(tr.ExitPrice-tr.EntryPrice, tr.Quantity), tr.PnL)
	assert.Equal(t, 0.0, tr.PnL)
	assert.Equal(t, 108.0, tr.HighPrice)
}

func TestApply_TrailUncapped(t *testing.T) {
	tr := openTrade()
	tr.TrailStep = 2

	_, stops := feed(Lifecycle{}, tr, noopExecutor{}, 100, 103, 106, 108, 89)

	assert.Equal(t, []float64{98, 100, 104, 106, 106}, stops)
	assert.Equal(t, StatusSLHit, tr.Status)
	assert.Equal(t, 60.0, tr.PnL)
}

func TestApply_TrailCappedAtTarget(t *testing.T) {
	tr := openTrade()
	tr.TrailStep = 1
	tr.TrailMode = TrailToTarget1

	_, stops := feed(Lifecycle{}, tr, noopExecutor{}, 104, 109)

	assert.Equal(t, 105.0, stops[len(stops)-1])
	assert.Equal(t, StatusOpen, tr.Status)
}

func TestApply_StopCheckedBeforeTargets(t *testing.T) {
	tr := openTrade()
	tr.StopLoss = 99
	tr.Targets = []float64{101}
	tr.TargetControls[0] = TargetControl{Enabled: true, Lots: ExitAllLots}

	events, _ := feed(Lifecycle{}, tr, noopExecutor{}, 98)

	assert.Equal(t, []EventKind{EventSLHit}, kinds(events))
	assert.Empty(t, tr.TargetsHit)
}

func TestApply_PendingActivation(t *testing.T) {
	cases := []struct {
		name    string
		trigger Trigger
		ticks   []float64
		want    Status
	}{
		{"above not reached", TriggerAbove, []float64{95, 99.9}, StatusPending},
		{"above reached", TriggerAbove, []float64{95, 100}, StatusOpen},
		{"below not reached", TriggerBelow, []float64{105, 100.5}, StatusPending},
		{"below reached", TriggerBelow, []float64{105, 99}, StatusOpen},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr := openTrade()
			tr.Status = StatusPending
			tr.OrderKind = OrderLimit
			tr.HighPrice = 0
			tr.Trigger = tc.trigger

			events, _ := feed(Lifecycle{}, tr, noopExecutor{}, tc.ticks...)

			assert.Equal(t, tc.want, tr.Status)
			if tc.want == StatusOpen {
				assert.Equal(t, []EventKind{EventActive}, kinds(events))
				assert.Equal(t, tr.EntryPrice, tr.HighPrice)
				assert.NotNil(t, tr.ActivatedAt)
			} else {
				assert.Empty(t, events)
			}
		})
	}
}

func TestApply_PartialExitsOnOneTick(t *testing.T) {
	tr := openTrade()
	tr.Quantity, tr.InitialQuantity, tr.LotSize = 150, 150, 50
	tr.TargetControls = [MaxTargets]TargetControl{
		{Enabled: true, Lots: 1},
		{Enabled: true, Lots: 1},
		{Enabled: true, Lots: ExitAllLots},
	}

	events, _ := feed(Lifecycle{}, tr, noopExecutor{}, 121)

	assert.Equal(t, []EventKind{EventTargetHit, EventTargetHit, EventTargetHit}, kinds(events))
	assert.Equal(t, StatusTargetHit, tr.Status)
	assert.Equal(t, 120.0, tr.ExitPrice)
	assert.Equal(t, 50, tr.Quantity)
	assert.Equal(t, 1000.0, tr.PnL)
	assert.Equal(t, 750.0, tr.BookedPnL)

	exited := 0
	for _, e := range tr.Exits {
		exited += e.Quantity
	}
	assert.Equal(t, tr.InitialQuantity, exited+tr.Quantity)
}

func TestApply_PartialThenStop(t *testing.T) {
	tr := openTrade()
	tr.Quantity, tr.InitialQuantity, tr.LotSize = 100, 100, 25
	tr.TargetControls[0] = TargetControl{Enabled: true, Lots: 2, TrailToEntry: true}

	events, stops := feed(Lifecycle{}, tr, noopExecutor{}, 103, 105.5, 102, 99.5)

	assert.Equal(t, []EventKind{EventTargetHit, EventSLHit}, kinds(events))
	assertNonDecreasing(t, stops)
	assert.Equal(t, 50, tr.Quantity)
	assert.Equal(t, 250.0, tr.BookedPnL)
	assert.Equal(t, 0.0, tr.PnL)
	assert.Equal(t, 250.0, tr.Realized())
}

func TestApply_DisabledTargetOnlyRecords(t *testing.T) {
	tr := openTrade()
	events, _ := feed(Lifecycle{}, tr, noopExecutor{}, 111)

	assert.Equal(t, []EventKind{EventTargetHit, EventTargetHit}, kinds(events))
	assert.Equal(t, []int{0, 1}, tr.TargetsHit)
	assert.Equal(t, StatusOpen, tr.Status)

	events, _ = feed(Lifecycle{}, tr, noopExecutor{}, 112)
	assert.Empty(t, events, "targets fire once")
}

func TestApply_BrokeredSyncsStop(t *testing.T) {
	ex := new(MockExecutor)
	tr := openTrade()
	tr.Mode = ModeBrokered
	tr.Status = StatusPending
	tr.OrderKind = OrderLimit
	tr.Trigger = TriggerAbove
	tr.TrailStep = 5

	ex.On("Buy", "INFY", 10).Return("B1", nil)
	ex.On("PlaceStop", "INFY", 90.0).Return("S1", nil)
	ex.On("ModifyStop", "S1", 10, 95.0).Return(nil)
	ex.On("ModifyStop", "S1", 10, 105.0).Return(errors.New("order already triggered"))

	l := Lifecycle{AlertOnStopFailure: true}
	events, _ := feed(l, tr, ex, 100, 100.5, 110)

	require.NotNil(t, tr.StopOrderID)
	assert.Equal(t, "S1", *tr.StopOrderID)
	assert.Equal(t, []EventKind{EventActive, EventAlert, EventTargetHit, EventTargetHit}, kinds(events))
	assert.Equal(t, 105.0, tr.StopLoss)
	assert.Contains(t, tr.Logs[len(tr.Logs)-3], "modify failed")
	ex.AssertExpectations(t)
}

func TestActivate_StopFailureIsNotFatal(t *testing.T) {
	ex := new(MockExecutor)
	tr := openTrade()
	tr.Status = StatusPending
	tr.OrderKind = OrderMarket
	ex.On("PlaceStop", "INFY", 90.0).Return("", errors.New("margin exceeded"))

	events := Lifecycle{}.Activate(context.Background(), tr, t0, ex)

	assert.Equal(t, StatusOpen, tr.Status)
	assert.Nil(t, tr.StopOrderID)
	assert.Equal(t, []EventKind{EventActive}, kinds(events))
	ex.AssertNotCalled(t, "Buy", mock.Anything, mock.Anything)
	ex.AssertExpectations(t)
}

func TestForceExit(t *testing.T) {
	t.Run("pending settles not active", func(t *testing.T) {
		tr := openTrade()
		tr.Status = StatusPending
		ev := Lifecycle{}.ForceExit(context.Background(), tr, StatusTimeExit, 120, t0, noopExecutor{})

		assert.Equal(t, StatusNotActive, tr.Status)
		assert.Equal(t, string(StatusTimeExit), tr.ExitReason)
		assert.Equal(t, 0.0, tr.PnL)
		assert.Equal(t, EventExit, ev.Kind)
	})

	t.Run("open brokered cancels stop and sells", func(t *testing.T) {
		ex := new(MockExecutor)
		tr := openTrade()
		id := "S9"
		tr.StopOrderID = &id
		ex.On("CancelStop", "S9").Return(errors.New("already cancelled"))
		ex.On("Sell", "INFY", 10).Return("X1", nil)

		ev := Lifecycle{}.ForceExit(context.Background(), tr, StatusManualExit, 104, t0, ex)

		assert.Equal(t, StatusManualExit, tr.Status)
		assert.Equal(t, 40.0, tr.PnL)
		assert.Equal(t, 40.0, ev.PnL)
		ex.AssertExpectations(t)
	})
}

func TestCandleTicks(t *testing.T) {
	up := Candle{Open: 100, High: 110, Low: 95, Close: 108}
	down := Candle{Open: 100, High: 110, Low: 95, Close: 97}
	flat := Candle{Open: 100, High: 101, Low: 99, Close: 100}

	assert.Equal(t, [4]float64{100, 95, 110, 108}, up.Ticks())
	assert.Equal(t, [4]float64{100, 110, 95, 97}, down.Ticks())
	assert.Equal(t, [4]float64{100, 101, 99, 100}, flat.Ticks())
}

func TestApplyCandle_MatchesTickFeed(t *testing.T) {
	candles := []Candle{
		{Time: t0, Open: 99, High: 101, Low: 98, Close: 100.5},
		{Time: t0.Add(time.Minute), Open: 100.5, High: 106, Low: 100, Close: 105},
		{Time: t0.Add(2 * time.Minute), Open: 105, High: 105.5, Low: 96, Close: 97},
	}
	mk := func() *Trade {
		tr := openTrade()
		tr.Status = StatusPending
		tr.OrderKind = OrderLimit
		tr.Trigger = TriggerAbove
		tr.TrailStep = 1
		tr.TrailMode = TrailToEntry
		return tr
	}

	viaCandles := mk()
	for _, c := range candles {
		Lifecycle{}.ApplyCandle(context.Background(), viaCandles, c, noopExecutor{})
	}

	viaTicks := mk()
	for _, c := range candles {
		for _, px := range c.Ticks() {
			Lifecycle{}.Apply(context.Background(), viaTicks, px, c.Time, noopExecutor{})
		}
	}

	assert.Equal(t, viaTicks.Status, viaCandles.Status)
	assert.Equal(t, viaTicks.ExitPrice, viaCandles.ExitPrice)
	assert.Equal(t, viaTicks.ExitReason, viaCandles.ExitReason)
	assert.Equal(t, StatusSLHit, viaCandles.Status)
}

func TestStepHelpers(t *testing.T) {
	assert.Equal(t, 90.0, StepTrail(90, 93, 2, 0))
	assert.Equal(t, 92.0, StepTrail(90, 94, 2, 0))
	assert.Equal(t, 96.0, StepTrail(90, 99.5, 2, 0))
	assert.Equal(t, 95.0, StepTrail(90, 120, 2, 95))
	assert.Equal(t, 96.0, StepTrail(96, 120, 2, 95), "cap never lowers")
	assert.Equal(t, 90.0, StepTrail(90, 120, 0, 0))

	assert.Equal(t, 0.0, StepFloor(0, 0, 5000, 5000, 1000))
	assert.Equal(t, 3000.0, StepFloor(0, 0, 5000, 8000, 1000))
	assert.Equal(t, 3000.0, StepFloor(3000, 0, 5000, 7200, 1000))
	assert.Equal(t, 0.0, StepFloor(0, 0, 5000, 4000, 1000))
}

func TestValidate(t *testing.T) {
	tr := openTrade()
	tr.Status = ""
	require.NoError(t, tr.Validate())

	tr.StopLoss = 101
	assert.ErrorContains(t, tr.Validate(), "stop loss")

	tr = openTrade()
	tr.Targets = []float64{99}
	assert.ErrorContains(t, tr.Validate(), "target 1")
}

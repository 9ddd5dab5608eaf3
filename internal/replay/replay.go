// Package replay re-runs the trade lifecycle over historical candles.
package replay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"trade-guard/internal/broker"
	"trade-guard/internal/config"
	"trade-guard/internal/notify"
	"trade-guard/internal/store"
	"trade-guard/internal/trade"

	"go.uber.org/zap"
)

// DefaultInterval is used when neither the request nor the config names one.
const DefaultInterval = "minute"

// CandleSource provides historical intervals for an instrument.
type CandleSource interface {
	HistoricalCandles(ctx context.Context, token int64, from, to time.Time, interval string) ([]trade.Candle, error)
}

// HistoryWriter persists a settled replay.
type HistoryWriter interface {
	AppendHistory(ctx context.Context, e store.HistoryEntry) error
}

// Request describes one synthetic trade to replay.
type Request struct {
	UserID          string                                `json:"user_id"`
	Symbol          string                                `json:"symbol"`
	Exchange        string                                `json:"exchange"`
	InstrumentToken int64                                 `json:"instrument_token"`
	Quantity        int                                   `json:"quantity"`
	LotSize         int                                   `json:"lot_size"`
	EntryPrice      float64                               `json:"entry_price"`
	EntryTime       time.Time                             `json:"entry_time"`
	To              time.Time                             `json:"to"`
	Interval        string                                `json:"interval"`
	StopLoss        float64                               `json:"stop_loss"`
	TrailStep       float64                               `json:"trail_step"`
	TrailMode       trade.TrailMode                       `json:"trail_mode"`
	Targets         []float64                             `json:"targets"`
	TargetControls  [trade.MaxTargets]trade.TargetControl `json:"target_controls"`

	// Persist appends the settled trade to history with source REPLAY.
	Persist bool `json:"persist"`
	// Scenario, when set, is evaluated over the same candles.
	Scenario *Scenario `json:"scenario,omitempty"`
}

// Outcome is the settled state of one simulated run.
type Outcome struct {
	Trade trade.Trade `json:"trade"`
	// High is the best price seen from entry until the end of the scan.
	High   float64       `json:"high"`
	HighAt *time.Time    `json:"high_at,omitempty"`
	Events []trade.Event `json:"events"`
}

// Result is returned by Run; it never carries an error value.
type Result struct {
	OK       bool     `json:"ok"`
	Message  string   `json:"message"`
	Outcome  *Outcome `json:"outcome,omitempty"`
	Scenario *Outcome `json:"scenario,omitempty"`
}

func fail(format string, args ...any) Result {
	return Result{Message: fmt.Sprintf(format, args...)}
}

// Engine replays requests against a candle source.
type Engine struct {
	sim      simulator
	candles  CandleSource
	history  HistoryWriter
	queue    notify.Queue
	interval string
	logger   *zap.Logger
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New builds a replay engine. history and queue may be nil.
func New(cfg config.Config, candles CandleSource, history HistoryWriter, queue notify.Queue, logger *zap.Logger, opts ...Option) (*Engine, error) {
	loc, err := cfg.Trading.Location()
	if err != nil {
		return nil, err
	}
	hour, minute, err := cfg.Trading.ExitClock()
	if err != nil {
		return nil, err
	}
	if queue == nil {
		queue = notify.Discard{}
	}
	interval := cfg.Replay.Interval
	if interval == "" {
		interval = DefaultInterval
	}
	e := &Engine{
		sim:      simulator{loc: loc, exitHour: hour, exitMinute: minute},
		candles:  candles,
		history:  history,
		queue:    queue,
		interval: interval,
		logger:   logger.Named("replay"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Run fetches the candles for req, replays them and, when asked, persists the
// outcome. Lifecycle events are enqueued for delivery in the order raised.
func (e *Engine) Run(ctx context.Context, req Request) Result {
	l := e.logger.With(zap.String("symbol", req.Symbol), zap.Time("entry_time", req.EntryTime))
	t, err := newTrade(req, e.now())
	if err != nil {
		return fail("invalid replay request: %v", err)
	}
	if req.InstrumentToken <= 0 {
		return fail("instrument token is required")
	}

	to := req.To
	if to.IsZero() {
		to = e.now()
	}
	interval := req.Interval
	if interval == "" {
		interval = e.interval
	}
	candles, err := e.candles.HistoricalCandles(ctx, req.InstrumentToken, req.EntryTime, to, interval)
	if err == nil && len(candles) == 0 {
		err = broker.ErrNoData
	}
	if err != nil {
		if errors.Is(err, broker.ErrNoData) {
			return fail("no historical data for %s from %s", t.Key(), req.EntryTime.Format(time.RFC3339))
		}
		l.Error("Failed to fetch candles", zap.Error(err))
		return fail("could not fetch candles: %v", err)
	}

	out := e.sim.run(t, candles, req.EntryTime)
	l.Info("Replay finished",
		zap.Int("candles", len(candles)),
		zap.String("status", string(out.Trade.Status)),
		zap.Float64("pnl", out.Trade.Realized()),
		zap.Float64("high", out.High))

	res := Result{OK: true, Outcome: &out}
	res.Message = fmt.Sprintf("%s %s at %.2f, pnl %.2f", t.Symbol, out.Trade.Status, out.Trade.ExitPrice, out.Trade.Realized())

	if req.Scenario != nil {
		variant, err := req.Scenario.Apply(req)
		if err != nil {
			res.Message += fmt.Sprintf("; scenario skipped: %v", err)
		} else if st, err := newTrade(variant, e.now()); err != nil {
			res.Message += fmt.Sprintf("; scenario skipped: %v", err)
		} else {
			sc := e.sim.run(st, candles, req.EntryTime)
			res.Scenario = &sc
		}
	}

	for _, ev := range out.Events {
		if err := e.queue.Enqueue(ctx, ev); err != nil {
			l.Warn("Failed to enqueue replay event", zap.Error(err), zap.String("kind", string(ev.Kind)))
		}
	}

	if req.Persist && e.history != nil {
		if !out.Trade.Status.Terminal() {
			res.Message += "; not saved, trade still " + string(out.Trade.Status)
			return res
		}
		entry := store.HistoryEntry{
			Trade:       out.Trade,
			Source:      store.SourceReplay,
			VirtualHigh: out.High,
			VirtualDone: true,
		}
		if err := e.history.AppendHistory(ctx, entry); err != nil {
			l.Error("Failed to save replay", zap.Error(err))
			res.Message += fmt.Sprintf("; not saved: %v", err)
		}
	}
	return res
}

// Scenario evaluates req under a modified configuration over candles the
// caller already holds. It touches neither the store nor the queue.
func (e *Engine) Scenario(req Request, s Scenario, candles []trade.Candle) (Outcome, error) {
	variant, err := s.Apply(req)
	if err != nil {
		return Outcome{}, err
	}
	t, err := newTrade(variant, e.now())
	if err != nil {
		return Outcome{}, err
	}
	if len(candles) == 0 {
		return Outcome{}, broker.ErrNoData
	}
	return e.sim.run(t, candles, req.EntryTime), nil
}

func newTrade(req Request, now time.Time) (trade.Trade, error) {
	t := trade.Trade{
		ID:              now.UnixMicro(),
		UserID:          req.UserID,
		Symbol:          req.Symbol,
		Exchange:        req.Exchange,
		InstrumentToken: req.InstrumentToken,
		Mode:            trade.ModeSimulated,
		CreatedAt:       req.EntryTime,
		OrderKind:       trade.OrderLimit,
		Quantity:        req.Quantity,
		InitialQuantity: req.Quantity,
		LotSize:         req.LotSize,
		EntryPrice:      req.EntryPrice,
		StopLoss:        req.StopLoss,
		TrailStep:       req.TrailStep,
		TrailMode:       req.TrailMode,
		Targets:         append([]float64(nil), req.Targets...),
		TargetControls:  req.TargetControls,
		Status:          trade.StatusPending,
	}
	if t.UserID == "" {
		t.UserID = "replay"
	}
	if t.Exchange == "" {
		t.Exchange = "NSE"
	}
	if t.LotSize <= 0 {
		t.LotSize = 1
	}
	if req.EntryTime.IsZero() {
		return t, fmt.Errorf("entry time is required")
	}
	return t, t.Validate()
}

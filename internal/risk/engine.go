package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"trade-guard/internal/broker"
	"trade-guard/internal/config"
	"trade-guard/internal/notify"
	"trade-guard/internal/store"
	"trade-guard/internal/trade"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Sessions resolves per-user broker gateways.
type Sessions interface {
	Gateway(userID string) (broker.Gateway, bool)
	IsSuspended(userID string) bool
	Suspend(userID, reason string) error
	Any() (broker.Gateway, bool)
}

// Engine is the single writer of the active trade set. The polling loop and
// user commands all run on the goroutine started by Run.
type Engine struct {
	id        string
	cfg       config.Config
	store     *store.Store
	sessions  Sessions
	feed      broker.Gateway
	queue     notify.Queue
	lifecycle trade.Lifecycle
	logger    *zap.Logger

	loc        *time.Location
	exitHour   int
	exitMinute int
	now        func() time.Time

	commands chan command
	quotes   chan quoteSnapshot

	// Owned by the Run goroutine.
	tracking map[int64]*tracked
	trackDay string

	mu        sync.RWMutex
	startedAt time.Time
	lastPoll  time.Time
}

type command struct {
	run   func(ctx context.Context) Result
	reply chan Result
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New builds the engine. feed is the market-data gateway used for simulated
// and tracked trades; when nil, any live user session is used instead.
func New(cfg config.Config, st *store.Store, sessions Sessions, feed broker.Gateway, queue notify.Queue, logger *zap.Logger, opts ...Option) (*Engine, error) {
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
	e := &Engine{
		id:         uuid.NewString(),
		cfg:        cfg,
		store:      st,
		sessions:   sessions,
		feed:       feed,
		queue:      queue,
		lifecycle:  trade.Lifecycle{AlertOnStopFailure: cfg.Trading.StopSyncPolicy == config.StopSyncAlert},
		logger:     logger.Named("risk"),
		loc:        loc,
		exitHour:   hour,
		exitMinute: minute,
		now:        time.Now,
		commands:   make(chan command),
		quotes:     make(chan quoteSnapshot, 1),
		tracking:   make(map[int64]*tracked),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Status describes the running engine.
type Status struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"started_at"`
	LastPoll  time.Time `json:"last_poll"`
}

// Status returns the engine's identity and last poll time.
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Status{ID: e.id, StartedAt: e.startedAt, LastPoll: e.lastPoll}
}

// Run drives the polling loop and serves commands until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	e.startedAt = e.now()
	e.mu.Unlock()

	interval := e.cfg.Trading.PollInterval()
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Info("Starting risk engine", zap.String("engine_id", e.id), zap.Duration("interval", interval))

	fetching := false
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Stopping risk engine...")
			return nil
		case cmd := <-e.commands:
			cmd.reply <- cmd.run(ctx)
		case <-ticker.C:
			if fetching {
				continue
			}
			plan, err := e.planQuotes(ctx)
			if err != nil {
				e.logger.Error("Failed to plan quotes", zap.Error(err))
				continue
			}
			fetching = true
			go func() {
				snap := e.fetchQuotes(ctx, plan)
				select {
				case e.quotes <- snap:
				case <-ctx.Done():
				}
			}()
		case snap := <-e.quotes:
			fetching = false
			e.applySnapshot(ctx, snap)
			e.mu.Lock()
			e.lastPoll = snap.at
			e.mu.Unlock()
		}
	}
}

// submit hands fn to the Run goroutine and waits for its result.
func (e *Engine) submit(ctx context.Context, fn func(ctx context.Context) Result) Result {
	reply := make(chan Result, 1)
	select {
	case e.commands <- command{run: fn, reply: reply}:
	case <-ctx.Done():
		return fail("request cancelled: %v", ctx.Err())
	}
	select {
	case r := <-reply:
		return r
	case <-ctx.Done():
		return fail("request cancelled: %v", ctx.Err())
	}
}

func (e *Engine) executor(t *trade.Trade) trade.Executor {
	if t.Mode != trade.ModeBrokered {
		return broker.ForMode(t.Mode, nil)
	}
	gw, _ := e.sessions.Gateway(t.UserID)
	return broker.ForMode(t.Mode, gw)
}

func (e *Engine) emit(ctx context.Context, events ...trade.Event) {
	for _, ev := range events {
		if err := e.queue.Enqueue(ctx, ev); err != nil {
			e.logger.Warn("Failed to enqueue event", zap.Error(err), zap.String("kind", string(ev.Kind)), zap.Int64("trade_id", ev.TradeID))
		}
	}
}

func (e *Engine) today(at time.Time) string {
	return at.In(e.loc).Format(store.DayLayout)
}

func (e *Engine) cutoff(at time.Time) time.Time {
	local := at.In(e.loc)
	return time.Date(local.Year(), local.Month(), local.Day(), e.exitHour, e.exitMinute, 0, 0, e.loc)
}

type pairKey struct {
	userID string
	mode   trade.Mode
}

func (p pairKey) String() string {
	return fmt.Sprintf("%s/%s", p.userID, p.mode)
}

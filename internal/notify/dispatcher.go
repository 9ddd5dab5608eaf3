package notify

import (
	"context"
	"errors"
	"fmt"

	"trade-guard/internal/trade"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// ErrQueueFull is returned when the buffer cannot take another event.
var ErrQueueFull = errors.New("notification queue full")

// Queue accepts lifecycle events for asynchronous delivery.
type Queue interface {
	Enqueue(ctx context.Context, ev trade.Event) error
}

// Sender delivers one rendered message and returns its delivery id.
type Sender interface {
	Send(ctx context.Context, msg Message) (string, error)
}

// MessageRecorder keeps delivery ids per trade so a conversation thread can
// be correlated with the trade that started it.
type MessageRecorder interface {
	AttachMessageID(ctx context.Context, tradeID int64, messageID string) error
}

// LogSender writes messages to the log. It stands in for an external
// delivery channel.
type LogSender struct {
	Logger *zap.Logger
}

// Send logs msg and returns a fresh message id.
func (s LogSender) Send(_ context.Context, msg Message) (string, error) {
	id := ulid.Make().String()
	s.Logger.Info("Notification",
		zap.String("message_id", id),
		zap.Int64("trade_id", msg.TradeID),
		zap.String("user_id", msg.UserID),
		zap.String("text", msg.Text()))
	return id, nil
}

// Dispatcher buffers events and delivers them from a single worker so the
// polling loop never blocks on delivery.
type Dispatcher struct {
	events   chan trade.Event
	sender   Sender
	recorder MessageRecorder
	logger   *zap.Logger
}

var _ Queue = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher with the given buffer size. recorder may be nil.
func NewDispatcher(buffer int, sender Sender, recorder MessageRecorder, logger *zap.Logger) *Dispatcher {
	if buffer <= 0 {
		buffer = 1
	}
	return &Dispatcher{
		events:   make(chan trade.Event, buffer),
		sender:   sender,
		recorder: recorder,
		logger:   logger.Named("notify"),
	}
}

// Enqueue hands ev to the worker without blocking. A full buffer drops the
// event and reports ErrQueueFull.
func (d *Dispatcher) Enqueue(ctx context.Context, ev trade.Event) error {
	select {
	case d.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		d.logger.Warn("Dropping notification", zap.String("kind", string(ev.Kind)), zap.Int64("trade_id", ev.TradeID))
		return fmt.Errorf("%w: %s for trade %d", ErrQueueFull, ev.Kind, ev.TradeID)
	}
}

// Run delivers events until ctx is cancelled, then drains what is buffered.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case ev := <-d.events:
			d.deliver(ctx, ev)
		case <-ctx.Done():
			d.drain()
			return nil
		}
	}
}

func (d *Dispatcher) drain() {
	ctx := context.Background()
	for {
		select {
		case ev := <-d.events:
			d.deliver(ctx, ev)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ev trade.Event) {
	id, err := d.sender.Send(ctx, Render(ev))
	if err != nil {
		d.logger.Error("Failed to deliver notification",
			zap.Error(err),
			zap.String("event_id", ev.ID),
			zap.String("kind", string(ev.Kind)),
			zap.Int64("trade_id", ev.TradeID))
		return
	}
	if d.recorder == nil || ev.TradeID == 0 || id == "" {
		return
	}
	if err := d.recorder.AttachMessageID(ctx, ev.TradeID, id); err != nil {
		d.logger.Warn("Failed to record message id",
			zap.Error(err),
			zap.Int64("trade_id", ev.TradeID),
			zap.String("message_id", id))
	}
}

// Discard is a Queue that drops every event. Replay runs use it when they
// should not notify.
type Discard struct{}

// Enqueue implements Queue.
func (Discard) Enqueue(context.Context, trade.Event) error { return nil }

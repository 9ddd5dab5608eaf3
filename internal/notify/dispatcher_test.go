package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"trade-guard/internal/trade"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type MockSender struct {
	mock.Mock
}

func (m *MockSender) Send(ctx context.Context, msg Message) (string, error) {
	args := m.Called(ctx, msg)
	return args.String(0), args.Error(1)
}

type MockRecorder struct {
	mock.Mock
}

func (m *MockRecorder) AttachMessageID(ctx context.Context, tradeID int64, messageID string) error {
	args := m.Called(ctx, tradeID, messageID)
	return args.Error(0)
}

func sampleEvent(kind trade.EventKind) trade.Event {
	tr := &trade.Trade{ID: 42, UserID: "u1", Symbol: "INFY", Mode: trade.ModeSimulated}
	return trade.NewEvent(kind, tr, 105, time.Date(2026, 10, 16, 10, 0, 0, 0, time.UTC))
}

func TestRender(t *testing.T) {
	ev := sampleEvent(trade.EventTargetHit)
	ev.Target = 2
	ev.PnL = 250

	text := Render(ev).Text()
	assert.Contains(t, text, "Target hit · INFY")
	assert.Contains(t, text, "Trade #42 (SIMULATED)")
	assert.Contains(t, text, "Target 2 reached at 105.00")
	assert.Contains(t, text, "P&L 250.00")
	assert.Contains(t, text, "2026-10-16 10:00:00")
}

func TestRender_SLHitAlwaysShowsPnL(t *testing.T) {
	ev := sampleEvent(trade.EventSLHit)
	assert.Contains(t, Render(ev).Text(), "P&L 0.00")

	active := sampleEvent(trade.EventActive)
	assert.NotContains(t, Render(active).Text(), "P&L")
}

func TestMessage_Truncates(t *testing.T) {
	long := make([]byte, maxMessageLen*2)
	for i := range long {
		long[i] = 'x'
	}
	msg := Message{Title: "t", Footer: string(long)}
	assert.Len(t, msg.Text(), maxMessageLen+3)
}

func TestDispatcher_DeliversAndRecords(t *testing.T) {
	sender := new(MockSender)
	recorder := new(MockRecorder)
	d := NewDispatcher(4, sender, recorder, zap.NewNop())

	done := make(chan struct{})
	sender.On("Send", mock.Anything, mock.AnythingOfType("notify.Message")).Return("msg-1", nil).Once()
	recorder.On("AttachMessageID", mock.Anything, int64(42), "msg-1").Return(nil).Once().
		Run(func(mock.Arguments) { close(done) })

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()

	require.NoError(t, d.Enqueue(ctx, sampleEvent(trade.EventNewTrade)))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("event was not delivered")
	}
	cancel()
	require.NoError(t, <-errCh)

	sender.AssertExpectations(t)
	recorder.AssertExpectations(t)
}

func TestDispatcher_SendFailureSkipsRecord(t *testing.T) {
	sender := new(MockSender)
	recorder := new(MockRecorder)
	d := NewDispatcher(1, sender, recorder, zap.NewNop())

	sender.On("Send", mock.Anything, mock.Anything).Return("", errors.New("down"))
	d.deliver(context.Background(), sampleEvent(trade.EventActive))

	recorder.AssertNotCalled(t, "AttachMessageID", mock.Anything, mock.Anything, mock.Anything)
}

func TestDispatcher_FullQueue(t *testing.T) {
	d := NewDispatcher(1, LogSender{Logger: zap.NewNop()}, nil, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, d.Enqueue(ctx, sampleEvent(trade.EventActive)))
	assert.ErrorIs(t, d.Enqueue(ctx, sampleEvent(trade.EventActive)), ErrQueueFull)
}

func TestDispatcher_DrainsOnShutdown(t *testing.T) {
	sender := new(MockSender)
	sender.On("Send", mock.Anything, mock.Anything).Return("id", nil).Twice()
	d := NewDispatcher(2, sender, nil, zap.NewNop())

	require.NoError(t, d.Enqueue(context.Background(), sampleEvent(trade.EventActive)))
	require.NoError(t, d.Enqueue(context.Background(), sampleEvent(trade.EventExit)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, d.Run(ctx))
	sender.AssertNumberOfCalls(t, "Send", 2)
}

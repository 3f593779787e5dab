package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"algotrader/internal/core"
	apperrors "algotrader/pkg/errors"
	"algotrader/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStream struct {
	ticks     chan []core.Tick
	fail      chan error
	closed    chan struct{}
	closeOnce sync.Once

	mu         sync.Mutex
	subscribed []string
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		ticks:  make(chan []core.Tick, 8),
		fail:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (s *fakeStream) Subscribe(ctx context.Context, instruments []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribed = instruments
	return nil
}

func (s *fakeStream) Recv(ctx context.Context) ([]core.Tick, error) {
	select {
	case t := <-s.ticks:
		return t, nil
	case err := <-s.fail:
		return nil, err
	case <-s.closed:
		return nil, errors.New("closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// scriptedTransport hands out the queued outcomes in order: a *fakeStream or an error
type scriptedTransport struct {
	steps chan interface{}
}

func (t *scriptedTransport) Name() string { return "scripted" }

func (t *scriptedTransport) Connect(ctx context.Context) (Stream, error) {
	select {
	case step := <-t.steps:
		if err, ok := step.(error); ok {
			return nil, err
		}
		return step.(*fakeStream), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type chanPublisher struct {
	ch     chan interface{}
	closed bool
}

func (p *chanPublisher) Publish(ctx context.Context, payload interface{}) error {
	if p.closed {
		return apperrors.ErrQueueClosed
	}
	select {
	case p.ch <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func tick(price string) core.Tick {
	return core.Tick{Instrument: "XAUUSD", Timestamp: time.Now(), Price: decimal.RequireFromString(price), Side: core.TickSideBid}
}

func next(t *testing.T, ch chan interface{}) interface{} {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for publish")
		return nil
	}
}

func TestAdapter_ReconnectEmitsExactlyOneGap(t *testing.T) {
	first, second := newFakeStream(), newFakeStream()
	transport := &scriptedTransport{steps: make(chan interface{}, 8)}
	transport.steps <- errors.New("connection refused")
	transport.steps <- first

	pub := &chanPublisher{ch: make(chan interface{}, 16)}
	a := New(transport, Config{
		Instruments:  []string{"XAUUSD"},
		ReconnectMin: time.Millisecond,
		ReconnectMax: 5 * time.Millisecond,
	}, pub, logging.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	// first session: no gap before the first tick
	first.ticks <- []core.Tick{tick("100"), tick("100.5")}
	assert.Equal(t, "100", next(t, pub.ch).(core.Tick).Price.String())
	assert.Equal(t, "100.5", next(t, pub.ch).(core.Tick).Price.String())
	assert.Eventually(t, func() bool { return a.State() == StateStreaming }, time.Second, time.Millisecond)
	assert.NoError(t, a.Health())

	// fault, a failed reconnect, then a new session
	transport.steps <- errors.New("dns failure")
	transport.steps <- second
	first.fail <- errors.New("connection reset")

	assert.Eventually(t, func() bool {
		second.mu.Lock()
		defer second.mu.Unlock()
		return len(second.subscribed) == 1
	}, time.Second, time.Millisecond)
	assert.Eventually(t, func() bool { return a.State() == StateSubscribed }, time.Second, time.Millisecond)
	assert.Error(t, a.Health())

	second.ticks <- []core.Tick{tick("101")}
	second.ticks <- []core.Tick{tick("102")}

	gap, ok := next(t, pub.ch).(core.Gap)
	require.True(t, ok, "gap must precede the first tick after reconnect")
	assert.Equal(t, []string{"XAUUSD"}, gap.Instruments)
	assert.Contains(t, gap.Reason, "dns failure")
	assert.Equal(t, "101", next(t, pub.ch).(core.Tick).Price.String())
	assert.Equal(t, "102", next(t, pub.ch).(core.Tick).Price.String())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, StateDisconnected, a.State())
	select {
	case <-second.closed:
	default:
		t.Fatal("stream not closed on shutdown")
	}
}

func TestAdapter_StopsWhenBusCloses(t *testing.T) {
	s := newFakeStream()
	transport := &scriptedTransport{steps: make(chan interface{}, 1)}
	transport.steps <- s
	pub := &chanPublisher{ch: make(chan interface{}, 1), closed: true}

	a := New(transport, Config{Instruments: []string{"XAUUSD"}}, pub, logging.NewNop())
	s.ticks <- []core.Tick{tick("1")}

	assert.NoError(t, a.Run(context.Background()))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "STREAMING", StateStreaming.String())
	assert.Equal(t, "State(9)", State(9).String())
}

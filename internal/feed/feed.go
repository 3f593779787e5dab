// Package feed supervises a market data transport: it connects, subscribes,
// publishes normalized ticks onto the event bus and reconnects with backoff.
package feed

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"algotrader/internal/core"
	apperrors "algotrader/pkg/errors"
	"algotrader/pkg/telemetry"

	"github.com/jpillora/backoff"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// State of the feed connection
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribed
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateSubscribed:
		return "SUBSCRIBED"
	case StateStreaming:
		return "STREAMING"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Transport opens quote streams
type Transport interface {
	Name() string
	Connect(ctx context.Context) (Stream, error)
}

// Stream is one connected session. Recv returns one or more ticks per venue message;
// any error ends the session. Close must unblock a pending Recv.
type Stream interface {
	Subscribe(ctx context.Context, instruments []string) error
	Recv(ctx context.Context) ([]core.Tick, error)
	Close() error
}

// Publisher is the bus side of the adapter
type Publisher interface {
	Publish(ctx context.Context, payload interface{}) error
}

// Config tunes reconnects
type Config struct {
	Instruments  []string
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

// Adapter drives the Disconnected → Connecting → Subscribed → Streaming machine
type Adapter struct {
	transport Transport
	cfg       Config
	pub       Publisher
	logger    core.ILogger
	metrics   *telemetry.MetricsHolder

	state    atomic.Int32
	backoff  *backoff.Backoff
	streamed bool
	// needGap is set when a streaming session ends; the next tick is preceded by one Gap
	needGap bool
	reason  string
}

// New creates a feed adapter
func New(transport Transport, cfg Config, pub Publisher, logger core.ILogger) *Adapter {
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = 500 * time.Millisecond
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = 30 * time.Second
	}
	return &Adapter{
		transport: transport,
		cfg:       cfg,
		pub:       pub,
		logger:    logger.WithField("component", "feed").WithField("transport", transport.Name()),
		metrics:   telemetry.GetGlobalMetrics(),
		backoff: &backoff.Backoff{
			Min:    cfg.ReconnectMin,
			Max:    cfg.ReconnectMax,
			Factor: 2,
			Jitter: true,
		},
	}
}

// State returns the current connection state
func (a *Adapter) State() State {
	return State(a.state.Load())
}

func (a *Adapter) setState(s State) {
	if prev := State(a.state.Swap(int32(s))); prev != s {
		a.logger.Debug("Feed state changed", "from", prev.String(), "to", s.String())
	}
}

// Health reports an error unless ticks are flowing
func (a *Adapter) Health() error {
	if s := a.State(); s != StateStreaming {
		return fmt.Errorf("feed %s", s)
	}
	return nil
}

// Run supervises sessions until ctx is cancelled or the bus closes
func (a *Adapter) Run(ctx context.Context) error {
	defer a.setState(StateDisconnected)

	for {
		if ctx.Err() != nil {
			return nil
		}

		err := a.session(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, apperrors.ErrQueueClosed):
			a.logger.Info("Event bus closed, stopping feed")
			return nil
		}

		a.setState(StateDisconnected)
		a.reason = err.Error()
		if a.streamed {
			a.needGap = true
		}
		wait := a.backoff.Duration()
		a.metrics.ReconnectsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("component", "feed")))
		a.logger.Warn("Feed session ended, reconnecting",
			"error", err,
			"attempt", int(a.backoff.Attempt()),
			"wait", wait)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// session runs one connect/subscribe/stream cycle and returns why it ended
func (a *Adapter) session(ctx context.Context) error {
	a.setState(StateConnecting)
	stream, err := a.transport.Connect(ctx)
	if err != nil {
		return &apperrors.TransportError{Component: "feed", Op: "connect", Err: err}
	}
	defer stream.Close()
	stop := context.AfterFunc(ctx, func() { _ = stream.Close() })
	defer stop()

	if err := stream.Subscribe(ctx, a.cfg.Instruments); err != nil {
		return &apperrors.TransportError{Component: "feed", Op: "subscribe", Err: err}
	}
	a.setState(StateSubscribed)
	a.logger.Info("Feed subscribed", "instruments", a.cfg.Instruments)

	for {
		ticks, err := stream.Recv(ctx)
		if err != nil {
			return &apperrors.TransportError{Component: "feed", Op: "recv", Err: err}
		}
		if len(ticks) == 0 {
			continue
		}
		if a.State() != StateStreaming {
			a.setState(StateStreaming)
			a.streamed = true
			a.backoff.Reset()
		}
		if a.needGap {
			if err := a.emitGap(ctx); err != nil {
				return err
			}
		}
		for _, t := range ticks {
			if err := a.pub.Publish(ctx, t); err != nil {
				return err
			}
		}
	}
}

func (a *Adapter) emitGap(ctx context.Context) error {
	gap := core.Gap{
		Instruments: append([]string(nil), a.cfg.Instruments...),
		At:          time.Now(),
		Reason:      a.reason,
	}
	if err := a.pub.Publish(ctx, gap); err != nil {
		return err
	}
	a.needGap = false
	a.metrics.FeedGapsTotal.Add(ctx, 1)
	a.logger.Warn("Feed gap emitted", "reason", gap.Reason)
	return nil
}

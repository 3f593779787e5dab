// Package bus is the single-goroutine dispatcher that owns all engine state.
// Adapters publish from their own goroutines; only the Run loop invokes the handler.
package bus

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"algotrader/internal/core"
	apperrors "algotrader/pkg/errors"
	"algotrader/pkg/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Handler receives every published payload, one at a time
type Handler func(payload interface{})

// call is a closure executed inside the loop
type call struct {
	fn   func()
	done chan struct{}
}

// Bus is a bounded FIFO with a single consumer
type Bus struct {
	ch      chan interface{}
	handler Handler
	logger  core.ILogger
	metrics *telemetry.MetricsHolder

	quit     chan struct{}
	quitOnce sync.Once
	stopped  chan struct{}
	running  atomic.Bool
	panics   atomic.Int64
}

// New allocates a bus with the given queue capacity
func New(capacity int, handler Handler, logger core.ILogger) *Bus {
	if capacity <= 0 {
		capacity = 1
	}
	return &Bus{
		ch:      make(chan interface{}, capacity),
		handler: handler,
		logger:  logger.WithField("component", "bus"),
		metrics: telemetry.GetGlobalMetrics(),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Publish enqueues a payload, blocking while the queue is full.
// Blocking keeps events from one publisher in receipt order.
func (b *Bus) Publish(ctx context.Context, payload interface{}) error {
	select {
	case <-b.quit:
		return apperrors.ErrQueueClosed
	default:
	}
	select {
	case b.ch <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.quit:
		return apperrors.ErrQueueClosed
	}
}

// After delivers payload through the bus once d has elapsed
func (b *Bus) After(d time.Duration, payload interface{}) (cancel func()) {
	t := time.AfterFunc(d, func() {
		_ = b.Publish(context.Background(), payload)
	})
	return func() { t.Stop() }
}

// Call runs fn inside the dispatch loop and waits for it to finish
func (b *Bus) Call(ctx context.Context, fn func()) error {
	c := call{fn: fn, done: make(chan struct{})}
	if err := b.Publish(ctx, c); err != nil {
		return err
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.stopped:
		// The loop may have run it just before exiting
		select {
		case <-c.done:
			return nil
		default:
			return apperrors.ErrQueueClosed
		}
	}
}

// Query runs fn inside the dispatch loop and returns its result. When Call gives
// up early, fn may still run later and its result is dropped.
func Query[T any](ctx context.Context, b *Bus, fn func() T) (T, error) {
	res := make(chan T, 1)
	if err := b.Call(ctx, func() { res <- fn() }); err != nil {
		var zero T
		return zero, err
	}
	return <-res, nil
}

// Run dispatches events until ctx is done or Stop is called
func (b *Bus) Run(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return fmt.Errorf("bus already running")
	}
	defer close(b.stopped)

	b.logger.Info("Event bus started", "capacity", cap(b.ch))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.quit:
			b.logger.Info("Event bus stopped", "pending", len(b.ch))
			return nil
		case payload := <-b.ch:
			b.dispatch(payload)
		}
	}
}

// Stop makes Run return after the current event and rejects new publishes
func (b *Bus) Stop() {
	b.quitOnce.Do(func() { close(b.quit) })
}

// Done is closed once Run has returned
func (b *Bus) Done() <-chan struct{} {
	return b.stopped
}

// Len reports queued events
func (b *Bus) Len() int {
	return len(b.ch)
}

// Panics reports handler panics recovered so far
func (b *Bus) Panics() int64 {
	return b.panics.Load()
}

func (b *Bus) dispatch(payload interface{}) {
	start := time.Now()
	kind := "event"

	defer func() {
		if r := recover(); r != nil {
			b.panics.Add(1)
			b.logger.Error("Handler panic recovered", "payload_type", fmt.Sprintf("%T", payload), "panic", r, "stack", string(debug.Stack()))
		}
		b.metrics.DispatchLatency.Record(context.Background(), float64(time.Since(start).Microseconds())/1000.0,
			metric.WithAttributes(attribute.String("kind", kind)))
	}()

	if c, ok := payload.(call); ok {
		kind = "call"
		defer close(c.done)
		c.fn()
		return
	}
	b.handler(payload)
}

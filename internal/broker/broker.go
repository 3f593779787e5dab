// Package broker forwards order commands to an execution venue and publishes
// the venue's events onto the event bus in receipt order.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"algotrader/internal/core"
	"algotrader/pkg/concurrency"
	apperrors "algotrader/pkg/errors"
	"algotrader/pkg/telemetry"

	"github.com/jpillora/backoff"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Venue opens sessions to an execution venue
type Venue interface {
	Name() string
	// DedupByClientID reports whether the venue ignores a repeated client order id
	DedupByClientID() bool
	Connect(ctx context.Context) (Session, error)
}

// Session is one live connection. Submit and Cancel return once the command was
// delivered; Recv returns the next venue event and any Recv error ends the session.
// Close must unblock a pending Recv.
type Session interface {
	Submit(ctx context.Context, order core.Order) error
	Cancel(ctx context.Context, clientOrderID string) error
	Recv(ctx context.Context) (core.BrokerEvent, error)
	Close() error
}

// Publisher is the bus side of the adapter
type Publisher interface {
	Publish(ctx context.Context, payload interface{}) error
}

// Config tunes the adapter
type Config struct {
	RequestTimeout time.Duration
	ReconnectMin   time.Duration
	ReconnectMax   time.Duration
	// SendQueue bounds commands waiting for the sender
	SendQueue int
}

// Adapter implements core.IBroker on top of a Venue
type Adapter struct {
	venue   Venue
	cfg     Config
	pub     Publisher
	logger  core.ILogger
	metrics *telemetry.MetricsHolder
	sender  *concurrency.WorkerPool
	backoff *backoff.Backoff

	mu      sync.Mutex
	session Session
	// client order ids that may have reached a venue without dedup
	sent map[string]struct{}
}

// New creates a broker adapter. Commands are sent by a single worker in call order.
func New(venue Venue, cfg Config, pub Publisher, logger core.ILogger) *Adapter {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = 500 * time.Millisecond
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = 30 * time.Second
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = 1024
	}
	log := logger.WithField("component", "broker").WithField("venue", venue.Name())
	return &Adapter{
		venue:   venue,
		cfg:     cfg,
		pub:     pub,
		logger:  log,
		metrics: telemetry.GetGlobalMetrics(),
		sender: concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:        "broker-sender",
			MaxWorkers:  1,
			MaxCapacity: cfg.SendQueue,
			NonBlocking: true,
		}, log),
		backoff: &backoff.Backoff{
			Min:    cfg.ReconnectMin,
			Max:    cfg.ReconnectMax,
			Factor: 2,
			Jitter: true,
		},
		sent: make(map[string]struct{}),
	}
}

// Submit queues an order for delivery without blocking the caller
func (a *Adapter) Submit(order core.Order) {
	if err := a.sender.Submit(func() { a.deliver(order) }); err != nil {
		// the order manager's ack timer re-sends
		a.logger.Warn("Order not queued", "client_order_id", order.ClientOrderID, "error", err)
	}
}

// Cancel queues a cancel request without blocking the caller
func (a *Adapter) Cancel(clientOrderID string) {
	if err := a.sender.Submit(func() { a.deliverCancel(clientOrderID) }); err != nil {
		a.logger.Warn("Cancel not queued", "client_order_id", clientOrderID, "error", err)
	}
}

func (a *Adapter) deliver(order core.Order) {
	cid := order.ClientOrderID
	sess := a.current()
	if sess == nil {
		a.logger.Debug("Order held back while disconnected", "client_order_id", cid, "error", apperrors.ErrNotConnected)
		return
	}

	// a venue without dedup may have received an order even when Submit failed,
	// so the id stays logged unless the error proves nothing went out
	dedup := a.venue.DedupByClientID()
	if !dedup && !a.claim(cid) {
		a.logger.Warn("Re-send suppressed", "client_order_id", cid, "error", apperrors.ErrDuplicateSend)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.RequestTimeout)
	defer cancel()
	if err := sess.Submit(ctx, order); err != nil {
		unsent := errors.Is(err, apperrors.ErrNotSent)
		if !dedup && unsent {
			a.release(cid)
		}
		a.logger.Warn("Order delivery failed",
			"client_order_id", cid,
			"attempt", order.Attempts,
			"never_sent", unsent,
			"error", &apperrors.TransportError{Component: "broker", Op: "submit", Err: err})
		return
	}
	a.logger.Debug("Order delivered", "client_order_id", cid, "attempt", order.Attempts)
}

func (a *Adapter) deliverCancel(clientOrderID string) {
	sess := a.current()
	if sess == nil {
		a.logger.Debug("Cancel held back while disconnected", "client_order_id", clientOrderID)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.RequestTimeout)
	defer cancel()
	if err := sess.Cancel(ctx, clientOrderID); err != nil {
		a.logger.Warn("Cancel delivery failed",
			"client_order_id", clientOrderID,
			"error", &apperrors.TransportError{Component: "broker", Op: "cancel", Err: err})
	}
}

func (a *Adapter) current() Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session
}

func (a *Adapter) setSession(s Session) {
	a.mu.Lock()
	a.session = s
	a.mu.Unlock()
}

// claim logs cid as sent and reports false if it already was
func (a *Adapter) claim(cid string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.sent[cid]; ok {
		return false
	}
	a.sent[cid] = struct{}{}
	return true
}

func (a *Adapter) release(cid string) {
	a.mu.Lock()
	delete(a.sent, cid)
	a.mu.Unlock()
}

// Connected reports whether a session is live
func (a *Adapter) Connected() bool {
	return a.current() != nil
}

// Health is nil while a session is live and the send queue is not backing up
func (a *Adapter) Health() error {
	if !a.Connected() {
		return apperrors.ErrNotConnected
	}
	if pending := a.sender.Pending(); pending*10 >= a.cfg.SendQueue*9 {
		return fmt.Errorf("send queue backlog %d/%d", pending, a.cfg.SendQueue)
	}
	return nil
}

// Flush waits for queued commands and stops the sender. Later commands are dropped.
func (a *Adapter) Flush() {
	a.sender.Stop()
}

// Run supervises venue sessions until ctx is cancelled or the bus closes
func (a *Adapter) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		err := a.runSession(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, apperrors.ErrQueueClosed):
			a.logger.Info("Event bus closed, stopping broker adapter")
			return nil
		}

		wait := a.backoff.Duration()
		a.metrics.ReconnectsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("component", "broker")))
		a.logger.Warn("Broker session ended, reconnecting",
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

// runSession connects, announces the connection and relays venue events until the session fails
func (a *Adapter) runSession(ctx context.Context) error {
	sess, err := a.venue.Connect(ctx)
	if err != nil {
		return &apperrors.TransportError{Component: "broker", Op: "connect", Err: err}
	}
	stop := context.AfterFunc(ctx, func() { _ = sess.Close() })
	defer stop()

	a.setSession(sess)
	a.backoff.Reset()
	a.logger.Info("Broker connected", "dedup_by_client_id", a.venue.DedupByClientID())
	if err := a.pub.Publish(ctx, core.BrokerEvent{Kind: core.BrokerEventConnected, At: time.Now()}); err != nil {
		a.setSession(nil)
		_ = sess.Close()
		return err
	}

	for {
		ev, err := sess.Recv(ctx)
		if err != nil {
			a.setSession(nil)
			_ = sess.Close()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			terr := &apperrors.TransportError{Component: "broker", Op: "recv", Err: err}
			down := core.BrokerEvent{Kind: core.BrokerEventDisconnected, Reason: err.Error(), At: time.Now()}
			if perr := a.pub.Publish(ctx, down); perr != nil {
				return perr
			}
			return terr
		}
		if ev.At.IsZero() {
			ev.At = time.Now()
		}
		if err := a.pub.Publish(ctx, ev); err != nil {
			a.setSession(nil)
			_ = sess.Close()
			return err
		}
	}
}

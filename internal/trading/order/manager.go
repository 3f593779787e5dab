// Package order converts intents into broker orders and drives each order's lifecycle.
//
// The Manager is owned by the event bus goroutine: every method must be called from
// inside the dispatch loop (or a Bus.Call closure). It never blocks on I/O; the broker
// adapter performs sends asynchronously and timers are delivered back through the bus.
package order

import (
	"context"
	"fmt"
	"time"

	"algotrader/internal/core"
	"algotrader/internal/trading/ledger"
	apperrors "algotrader/pkg/errors"
	"algotrader/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Config holds order lifecycle timeouts
type Config struct {
	AckTimeout    time.Duration
	CancelTimeout time.Duration
	// FillGrace bounds how long a cancel ack may wait for fills the venue already reported
	FillGrace  time.Duration
	MaxResends int
}

// DefaultConfig returns production timeouts
func DefaultConfig() Config {
	return Config{
		AckTimeout:    2 * time.Second,
		CancelTimeout: 5 * time.Second,
		FillGrace:     2 * time.Second,
		MaxResends:    3,
	}
}

// ObserverFunc is told about every order transition; err is set for rejections
type ObserverFunc func(order core.Order, err error)

// SubmitResult is the synchronous outcome of Submit
type SubmitResult struct {
	ClientOrderID string
	// Duplicate is set when the intent ID was already consumed
	Duplicate bool
	Err       error
}

// Accepted reports whether an order was created
func (r SubmitResult) Accepted() bool {
	return r.Err == nil && r.ClientOrderID != ""
}

type entry struct {
	order    core.Order
	tradeIDs map[string]struct{}
	reserved decimal.Decimal // signed exposure still reserved in the ledger
	// fills applied in this process, used by Reconcile
	filledSinceStart decimal.Decimal
	resends          int

	cancelRequested bool
	resendOnConnect bool
	// cumAtCancel is the venue's executed quantity reported by a deferred cancel ack
	cumAtCancel  decimal.Decimal
	closePending bool
	// cumUnknown marks a deferred cancel ack that carried no executed quantity
	cumUnknown bool

	stopAck    func()
	stopCancel func()
	stopGrace  func()
}

func (e *entry) stopTimers() {
	for _, stop := range []func(){e.stopAck, e.stopCancel, e.stopGrace} {
		if stop != nil {
			stop()
		}
	}
	e.stopAck, e.stopCancel, e.stopGrace = nil, nil, nil
}

// Manager implements the order state machine
type Manager struct {
	cfg       Config
	ledger    *ledger.Ledger
	broker    core.IBroker
	scheduler core.IScheduler
	alerter   core.IAlerter
	journal   core.IJournal
	observer  ObserverFunc
	logger    core.ILogger

	orders   map[string]*entry
	byBroker map[string]string
	intents  map[string]SubmitResult
	draining bool
	// brokerDown is set between a disconnect and the next connect
	brokerDown bool
	gapTimes   []time.Time
	now        func() time.Time
	newID      func() string
	metrics    *telemetry.MetricsHolder
	openCount  map[string]int64
}

// Option configures a Manager
type Option func(*Manager)

// WithAlerter routes reconciliation gaps and expiries to an alerter
func WithAlerter(a core.IAlerter) Option { return func(m *Manager) { m.alerter = a } }

// WithJournal records terminal transitions and discarded events
func WithJournal(j core.IJournal) Option { return func(m *Manager) { m.journal = j } }

// WithObserver receives order updates for strategy attribution
func WithObserver(fn ObserverFunc) Option { return func(m *Manager) { m.observer = fn } }

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// WithIDGenerator overrides client order id minting
func WithIDGenerator(fn func() string) Option { return func(m *Manager) { m.newID = fn } }

// NewManager creates an order manager
func NewManager(cfg Config, l *ledger.Ledger, broker core.IBroker, scheduler core.IScheduler, logger core.ILogger, opts ...Option) *Manager {
	m := &Manager{
		cfg:       cfg,
		ledger:    l,
		broker:    broker,
		scheduler: scheduler,
		logger:    logger.WithField("component", "order_manager"),
		orders:    make(map[string]*entry),
		byBroker:  make(map[string]string),
		intents:   make(map[string]SubmitResult),
		now:       time.Now,
		newID:     uuid.NewString,
		metrics:   telemetry.GetGlobalMetrics(),
		openCount: make(map[string]int64),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func validateIntent(intent core.Intent) error {
	switch {
	case intent.ID == "":
		return fmt.Errorf("%w: missing id", apperrors.ErrInvalidIntent)
	case intent.Instrument == "":
		return fmt.Errorf("%w: missing instrument", apperrors.ErrInvalidIntent)
	case !intent.Direction.Valid():
		return fmt.Errorf("%w: direction %q", apperrors.ErrInvalidIntent, intent.Direction)
	case !intent.Quantity.IsPositive():
		return fmt.Errorf("%w: quantity %s", apperrors.ErrInvalidIntent, intent.Quantity)
	case intent.Price.IsNegative():
		return fmt.Errorf("%w: price %s", apperrors.ErrInvalidIntent, intent.Price)
	}
	return nil
}

// Submit consumes an intent. Risk failures return a *apperrors.ValidationError and
// leave no state behind; accepted intents are handed to the broker exactly once.
func (m *Manager) Submit(intent core.Intent) SubmitResult {
	if prior, ok := m.intents[intent.ID]; ok && intent.ID != "" {
		m.logger.Warn("Intent already consumed, ignoring", "intent_id", intent.ID, "client_order_id", prior.ClientOrderID)
		prior.Duplicate = true
		return prior
	}
	if err := validateIntent(intent); err != nil {
		m.logger.Warn("Invalid intent rejected", "intent_id", intent.ID, "strategy", intent.StrategyTag, "error", err)
		return SubmitResult{Err: err}
	}
	if m.draining {
		return SubmitResult{Err: apperrors.ErrShuttingDown}
	}

	signed := intent.SignedQty()
	if res := m.ledger.CheckRisk(intent.Instrument, signed, intent.Price); !res.Pass {
		m.metrics.RiskRejectionsTotal.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("instrument", intent.Instrument),
			attribute.String("limit", res.Limit),
		))
		m.logger.Warn("Intent failed risk check",
			"intent_id", intent.ID,
			"strategy", intent.StrategyTag,
			"instrument", intent.Instrument,
			"qty", signed.String(),
			"limit", res.Limit,
			"reason", res.Reason)
		return SubmitResult{Err: res.Err()}
	}

	now := m.now()
	orderType := core.OrderTypeLimit
	if intent.IsMarket() {
		orderType = core.OrderTypeMarket
	}
	e := &entry{
		order: core.Order{
			ClientOrderID: m.newID(),
			IntentID:      intent.ID,
			Instrument:    intent.Instrument,
			Direction:     intent.Direction,
			Type:          orderType,
			Price:         intent.Price,
			RequestedQty:  intent.Quantity,
			FilledQty:     decimal.Zero,
			Status:        core.OrderStatusCreated,
			StrategyTag:   intent.StrategyTag,
			CreatedAt:     now,
			UpdatedAt:     now,
		},
		tradeIDs: make(map[string]struct{}),
	}
	cid := e.order.ClientOrderID
	m.orders[cid] = e
	result := SubmitResult{ClientOrderID: cid}
	m.intents[intent.ID] = result

	m.ledger.ReserveOpen(intent.Instrument, signed, intent.Price)
	e.reserved = signed
	m.ledger.RecordSubmission()
	m.adjustOpen(intent.Instrument, 1)

	m.transition(e, core.OrderStatusSubmitted, "submitted")
	if m.brokerDown {
		e.resendOnConnect = true
		m.transition(e, core.OrderStatusPendingReconciliation, "broker disconnected, held for reconnect")
	} else {
		m.send(e)
	}

	m.metrics.OrdersSubmittedTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("instrument", intent.Instrument),
		attribute.String("strategy", intent.StrategyTag),
	))
	m.logger.Info("Order submitted",
		"client_order_id", cid,
		"intent_id", intent.ID,
		"strategy", intent.StrategyTag,
		"instrument", intent.Instrument,
		"side", string(intent.Direction),
		"qty", intent.Quantity.String(),
		"price", intent.Price.String())
	return result
}

// send hands the order to the broker and arms the ack timer
func (m *Manager) send(e *entry) {
	e.order.Attempts++
	m.broker.Submit(e.order)
	if e.stopAck != nil {
		e.stopAck()
	}
	e.stopAck = m.scheduler.After(m.cfg.AckTimeout, AckTimeout{ClientOrderID: e.order.ClientOrderID, Attempt: e.order.Attempts})
}

// HandleBrokerEvent routes a normalized venue event
func (m *Manager) HandleBrokerEvent(ev core.BrokerEvent) {
	switch ev.Kind {
	case core.BrokerEventAck:
		m.OnAck(m.resolve(ev), ev.BrokerOrderID)
	case core.BrokerEventFill:
		m.OnFill(m.resolve(ev), ev.FillQty, ev.RemainingQty, ev.Price, ev.TradeID)
	case core.BrokerEventReject:
		m.OnReject(m.resolve(ev), ev.Reason)
	case core.BrokerEventCancelAck:
		m.OnCancelAck(m.resolve(ev), ev.CumFilledQty)
	case core.BrokerEventDisconnected:
		m.OnBrokerDisconnected(ev.Reason)
	case core.BrokerEventConnected:
		m.OnBrokerConnected()
	default:
		m.logger.Warn("Unknown broker event kind", "kind", string(ev.Kind))
	}
}

func (m *Manager) resolve(ev core.BrokerEvent) string {
	if ev.ClientOrderID != "" {
		return ev.ClientOrderID
	}
	return m.byBroker[ev.BrokerOrderID]
}

// lookup returns the live entry or records a discard for unknown and terminal orders
func (m *Manager) lookup(clientID string, kind core.BrokerEventKind) (*entry, bool) {
	e, ok := m.orders[clientID]
	if !ok {
		m.discard(clientID, kind, "unknown client order id")
		return nil, false
	}
	if e.order.Status.IsTerminal() {
		m.discard(clientID, kind, "order already "+string(e.order.Status))
		return nil, false
	}
	return e, true
}

// OnAck moves Submitted or PendingReconciliation orders to Acknowledged. Duplicates are ignored.
func (m *Manager) OnAck(clientID, brokerID string) {
	e, ok := m.lookup(clientID, core.BrokerEventAck)
	if !ok {
		return
	}
	if brokerID != "" && e.order.BrokerOrderID == "" {
		e.order.BrokerOrderID = brokerID
		m.byBroker[brokerID] = clientID
	}

	switch e.order.Status {
	case core.OrderStatusSubmitted, core.OrderStatusPendingReconciliation:
		if e.stopAck != nil {
			e.stopAck()
			e.stopAck = nil
		}
		e.resendOnConnect = false
		m.transition(e, core.OrderStatusAcknowledged, "acknowledged")
		m.logger.Info("Order acknowledged", "client_order_id", clientID, "broker_order_id", brokerID, "attempts", e.order.Attempts)
	default:
		m.logger.Info("Duplicate ack ignored", "client_order_id", clientID, "status", string(e.order.Status))
	}
}

// OnFill applies a fill to the order and the ledger in the same step
func (m *Manager) OnFill(clientID string, fillQty, remainingQty, price decimal.Decimal, tradeID string) {
	e, ok := m.lookup(clientID, core.BrokerEventFill)
	if !ok {
		return
	}
	if tradeID != "" {
		if _, seen := e.tradeIDs[tradeID]; seen {
			m.logger.Info("Duplicate fill dropped", "client_order_id", clientID, "trade_id", tradeID)
			return
		}
		e.tradeIDs[tradeID] = struct{}{}
	}
	if !fillQty.IsPositive() {
		m.logger.Warn("Non-positive fill ignored", "client_order_id", clientID, "qty", fillQty.String())
		return
	}

	o := &e.order
	if fillQty.GreaterThan(o.RemainingQty()) {
		m.logger.Warn("Fill exceeds remaining quantity", "client_order_id", clientID, "fill", fillQty.String(), "remaining", o.RemainingQty().String())
	}

	signed := fillQty.Mul(o.Direction.Sign())
	o.FilledQty = o.FilledQty.Add(fillQty)
	e.filledSinceStart = e.filledSinceStart.Add(fillQty)
	m.ledger.ApplyFill(o.Instrument, signed, price, m.now())
	m.release(e, signed)

	// a fill proves the venue holds the order
	if e.stopAck != nil {
		e.stopAck()
		e.stopAck = nil
	}
	e.resendOnConnect = false

	m.metrics.FillsTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("instrument", o.Instrument)))
	m.metrics.VolumeTotal.Add(context.Background(), fillQty.InexactFloat64(), metric.WithAttributes(attribute.String("instrument", o.Instrument)))
	m.logger.Info("Order fill applied",
		"client_order_id", clientID,
		"trade_id", tradeID,
		"qty", fillQty.String(),
		"price", price.String(),
		"filled", o.FilledQty.String(),
		"remaining", remainingQty.String())

	switch {
	case remainingQty.IsZero() || !o.FilledQty.LessThan(o.RequestedQty):
		m.close(e, core.OrderStatusFilled, "filled", nil)
	case e.closePending && !e.cumUnknown && !o.FilledQty.LessThan(e.cumAtCancel):
		m.close(e, core.OrderStatusCancelled, "cancel confirmed after fills caught up", nil)
	default:
		m.transition(e, core.OrderStatusPartiallyFilled, "partial fill")
	}
}

// OnReject closes the order as Rejected without touching the position
func (m *Manager) OnReject(clientID, reason string) {
	e, ok := m.lookup(clientID, core.BrokerEventReject)
	if !ok {
		return
	}
	rejection := &apperrors.BrokerRejection{ClientOrderID: clientID, StrategyTag: e.order.StrategyTag, Reason: reason}
	m.close(e, core.OrderStatusRejected, "rejected: "+reason, rejection)
}

// Cancel requests cancellation. Valid from Submitted, Acknowledged and PartiallyFilled.
func (m *Manager) Cancel(clientID string) error {
	e, ok := m.orders[clientID]
	if !ok {
		return fmt.Errorf("cancel %s: %w", clientID, apperrors.ErrUnknownOrder)
	}
	if e.order.Status.IsTerminal() {
		return fmt.Errorf("cancel %s: %w", clientID, apperrors.ErrTerminalOrder)
	}
	switch e.order.Status {
	case core.OrderStatusSubmitted, core.OrderStatusAcknowledged, core.OrderStatusPartiallyFilled:
	default:
		return fmt.Errorf("cancel %s from %s: %w", clientID, e.order.Status, apperrors.ErrInvalidTransition)
	}
	if e.cancelRequested {
		m.logger.Debug("Cancel already in flight", "client_order_id", clientID)
		return nil
	}

	e.cancelRequested = true
	// no more submission resends once a cancel is in flight
	if e.stopAck != nil {
		e.stopAck()
		e.stopAck = nil
	}
	m.broker.Cancel(clientID)
	e.stopCancel = m.scheduler.After(m.cfg.CancelTimeout, CancelTimeout{ClientOrderID: clientID})
	m.logger.Info("Cancel requested", "client_order_id", clientID, "status", string(e.order.Status))
	return nil
}

// OnCancelAck closes the order as Cancelled once local fills match the venue's
// cumulative quantity. Without one, the close waits out the fill grace period.
func (m *Manager) OnCancelAck(clientID string, cumFilled decimal.NullDecimal) {
	e, ok := m.lookup(clientID, core.BrokerEventCancelAck)
	if !ok {
		return
	}
	if e.stopCancel != nil {
		e.stopCancel()
		e.stopCancel = nil
	}

	if !cumFilled.Valid {
		e.closePending = true
		e.cumUnknown = true
		e.stopGrace = m.scheduler.After(m.cfg.FillGrace, FillGraceTimeout{ClientOrderID: clientID})
		m.logger.Info("Cancel ack without executed quantity, waiting for in-flight fills",
			"client_order_id", clientID,
			"local_filled", e.order.FilledQty.String())
		return
	}
	if cumFilled.Decimal.GreaterThan(e.order.FilledQty) {
		// fills are still in flight: apply them before closing
		e.closePending = true
		e.cumAtCancel = cumFilled.Decimal
		e.stopGrace = m.scheduler.After(m.cfg.FillGrace, FillGraceTimeout{ClientOrderID: clientID})
		m.logger.Info("Cancel ack deferred until fills arrive",
			"client_order_id", clientID,
			"venue_filled", cumFilled.Decimal.String(),
			"local_filled", e.order.FilledQty.String())
		return
	}
	m.close(e, core.OrderStatusCancelled, "cancel confirmed", nil)
}

// transition records a non-terminal status change
func (m *Manager) transition(e *entry, status core.OrderStatus, reason string) {
	if e.order.Status == status {
		return
	}
	e.order.Status = status
	e.order.UpdatedAt = m.now()
	if status == core.OrderStatusPendingReconciliation {
		m.record(e, reason)
	}
	m.notify(e, nil)
}

// close moves an order to a terminal state and releases its remaining exposure
func (m *Manager) close(e *entry, status core.OrderStatus, reason string, cause error) {
	e.stopTimers()
	e.closePending = false
	if !e.reserved.IsZero() {
		m.ledger.ReleaseOpen(e.order.Instrument, e.reserved)
		e.reserved = decimal.Zero
	}
	e.order.Status = status
	e.order.UpdatedAt = m.now()
	m.adjustOpen(e.order.Instrument, -1)

	m.metrics.OrdersTerminalTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("instrument", e.order.Instrument),
		attribute.String("status", string(status)),
	))
	m.logger.Info("Order closed",
		"client_order_id", e.order.ClientOrderID,
		"broker_order_id", e.order.BrokerOrderID,
		"status", string(status),
		"filled", e.order.FilledQty.String(),
		"requested", e.order.RequestedQty.String(),
		"created_at", e.order.CreatedAt,
		"closed_at", e.order.UpdatedAt,
		"reason", reason)
	m.record(e, reason)
	m.notify(e, cause)
}

// release returns filled quantity from the order's reservation
func (m *Manager) release(e *entry, signedFill decimal.Decimal) {
	amt := signedFill
	if amt.Abs().GreaterThan(e.reserved.Abs()) {
		amt = e.reserved
	}
	if amt.IsZero() {
		return
	}
	m.ledger.ReleaseOpen(e.order.Instrument, amt)
	e.reserved = e.reserved.Sub(amt)
}

func (m *Manager) record(e *entry, reason string) {
	if m.journal == nil {
		return
	}
	if err := m.journal.RecordOrder(e.order, reason); err != nil {
		m.logger.Error("Failed to journal order", "client_order_id", e.order.ClientOrderID, "error", err)
	}
}

func (m *Manager) notify(e *entry, err error) {
	if m.observer != nil {
		m.observer(e.order, err)
	}
}

// discard drops a late or unknown event, keeping it in the audit trail and raising an alert
func (m *Manager) discard(clientID string, kind core.BrokerEventKind, reason string) {
	gap := &apperrors.ReconciliationGap{ClientOrderID: clientID, Event: string(kind), Reason: reason}
	m.gapTimes = append(m.gapTimes, m.now())

	m.metrics.EventsDiscardedTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("event", string(kind))))
	m.logger.Warn("Broker event discarded", "client_order_id", clientID, "event", string(kind), "reason", reason, "at", m.now())
	if m.journal != nil {
		if err := m.journal.RecordDiscard(clientID, kind, reason); err != nil {
			m.logger.Error("Failed to journal discarded event", "client_order_id", clientID, "error", err)
		}
	}
	if m.alerter != nil {
		m.alerter.Raise(context.Background(), "Reconciliation gap", gap, map[string]string{
			"client_order_id": clientID,
			"event":           string(kind),
		})
	}
}

func (m *Manager) adjustOpen(instrument string, delta int64) {
	m.openCount[instrument] += delta
	m.metrics.SetOpenOrders(instrument, m.openCount[instrument])
}

// Order returns a copy of the order
func (m *Manager) Order(clientID string) (core.Order, bool) {
	e, ok := m.orders[clientID]
	if !ok {
		return core.Order{}, false
	}
	return e.order, true
}

// Orders returns copies of all tracked orders, optionally only non-terminal ones
func (m *Manager) Orders(openOnly bool) []core.Order {
	out := make([]core.Order, 0, len(m.orders))
	for _, e := range m.orders {
		if openOnly && e.order.Status.IsTerminal() {
			continue
		}
		out = append(out, e.order)
	}
	sortOrders(out)
	return out
}

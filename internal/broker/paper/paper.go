// Package paper is an in-process simulated venue. It deduplicates by client
// order id, acknowledges and fills asynchronously and keeps its book across
// dropped sessions.
package paper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"algotrader/internal/broker"
	"algotrader/internal/core"
	apperrors "algotrader/pkg/errors"

	"github.com/shopspring/decimal"
)

// Config tunes the simulated latencies
type Config struct {
	AckLatency  time.Duration
	FillLatency time.Duration
	// PartialFills splits each execution into this many slices
	PartialFills int
	// EventBuffer bounds events held while no session reads them
	EventBuffer int
}

var errSessionClosed = fmt.Errorf("paper session closed: %w", apperrors.ErrNotSent)

type paperOrder struct {
	order     core.Order
	brokerID  string
	acked     bool
	filling   bool
	cancelled bool
	filled    decimal.Decimal
}

func (o *paperOrder) done() bool {
	return o.cancelled || o.filled.GreaterThanOrEqual(o.order.RequestedQty)
}

// Venue is the simulated exchange
type Venue struct {
	cfg    Config
	logger core.ILogger

	mu       sync.Mutex
	events   chan core.BrokerEvent
	marks    map[string]decimal.Decimal
	orders   map[string]*paperOrder
	live     *session
	silent   bool
	stopped  bool
	seq      int64
	received map[string]int
}

// New creates a paper venue
func New(cfg Config, logger core.ILogger) *Venue {
	if cfg.PartialFills <= 0 {
		cfg.PartialFills = 1
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 4096
	}
	return &Venue{
		cfg:      cfg,
		logger:   logger.WithField("component", "paper_venue"),
		events:   make(chan core.BrokerEvent, cfg.EventBuffer),
		marks:    make(map[string]decimal.Decimal),
		orders:   make(map[string]*paperOrder),
		received: make(map[string]int),
	}
}

func (v *Venue) Name() string { return "paper" }

func (v *Venue) DedupByClientID() bool { return true }

// Connect opens a session. A previous session is closed.
func (v *Venue) Connect(ctx context.Context) (broker.Session, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.stopped {
		return nil, errors.New("paper venue stopped")
	}
	if v.live != nil {
		v.live.close()
	}
	v.live = &session{v: v, closed: make(chan struct{})}
	return v.live, nil
}

// OnTick updates the venue's mark and executes resting orders that became marketable
func (v *Venue) OnTick(tick core.Tick) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.marks[tick.Instrument] = tick.Price
	for _, po := range v.orders {
		if po.order.Instrument == tick.Instrument && po.acked && !po.filling && !po.done() {
			v.tryExecute(po)
		}
	}
}

// Drop closes the live session, simulating a connection loss
func (v *Venue) Drop() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.live != nil {
		v.live.close()
		v.live = nil
	}
}

// SetSilent swallows every venue event while on
func (v *Venue) SetSilent(silent bool) {
	v.mu.Lock()
	v.silent = silent
	v.mu.Unlock()
}

// Received reports how many submissions arrived for a client order id
func (v *Venue) Received(clientOrderID string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.received[clientOrderID]
}

// Stop closes the venue and discards pending executions
func (v *Venue) Stop() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.stopped = true
	if v.live != nil {
		v.live.close()
		v.live = nil
	}
}

func (v *Venue) nextID(prefix string) string {
	v.seq++
	return fmt.Sprintf("%s-%d", prefix, v.seq)
}

// emit must be called with mu held
func (v *Venue) emit(ev core.BrokerEvent) {
	if v.silent || v.stopped {
		return
	}
	ev.At = time.Now()
	select {
	case v.events <- ev:
	default:
		v.logger.Warn("Event buffer full, event dropped", "kind", string(ev.Kind), "client_order_id", ev.ClientOrderID)
	}
}

func (v *Venue) later(d time.Duration, fn func()) {
	time.AfterFunc(d, func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		if !v.stopped {
			fn()
		}
	})
}

func (v *Venue) submit(order core.Order) {
	v.mu.Lock()
	defer v.mu.Unlock()
	cid := order.ClientOrderID
	v.received[cid]++

	if po, ok := v.orders[cid]; ok {
		if po.acked && !po.done() {
			v.later(v.cfg.AckLatency, func() {
				v.emit(core.BrokerEvent{Kind: core.BrokerEventAck, ClientOrderID: cid, BrokerOrderID: po.brokerID})
			})
		}
		v.logger.Debug("Duplicate client order id ignored", "client_order_id", cid)
		return
	}

	po := &paperOrder{order: order, brokerID: v.nextID("P")}
	v.orders[cid] = po
	v.later(v.cfg.AckLatency, func() {
		if po.cancelled {
			// the cancel ack closes it
			return
		}
		if reason := v.refuse(po); reason != "" {
			po.cancelled = true
			v.emit(core.BrokerEvent{Kind: core.BrokerEventReject, ClientOrderID: cid, Reason: reason})
			return
		}
		po.acked = true
		v.emit(core.BrokerEvent{Kind: core.BrokerEventAck, ClientOrderID: cid, BrokerOrderID: po.brokerID})
		v.tryExecute(po)
	})
}

func (v *Venue) refuse(po *paperOrder) string {
	if !po.order.RequestedQty.IsPositive() {
		return "quantity must be positive"
	}
	if po.order.Type == core.OrderTypeMarket {
		if _, ok := v.marks[po.order.Instrument]; !ok {
			return "no market price for " + po.order.Instrument
		}
	}
	return ""
}

// tryExecute schedules fills when the order is marketable against the last mark
func (v *Venue) tryExecute(po *paperOrder) {
	mark, ok := v.marks[po.order.Instrument]
	if !ok {
		return
	}
	price := mark
	if po.order.Type == core.OrderTypeLimit {
		price = po.order.Price
		marketable := (po.order.Direction == core.Buy && mark.LessThanOrEqual(price)) ||
			(po.order.Direction == core.Sell && mark.GreaterThanOrEqual(price))
		if !marketable {
			return
		}
	}

	po.filling = true
	remaining := po.order.RequestedQty.Sub(po.filled)
	slices := int64(v.cfg.PartialFills)
	slice := remaining.Div(decimal.NewFromInt(slices)).RoundDown(8)
	if !slice.IsPositive() {
		slice, slices = remaining, 1
	}
	for i := int64(1); i <= slices; i++ {
		qty := slice
		if i == slices {
			qty = remaining.Sub(slice.Mul(decimal.NewFromInt(slices - 1)))
		}
		v.later(time.Duration(i)*v.cfg.FillLatency, func() {
			if po.cancelled || !qty.IsPositive() {
				return
			}
			po.filled = po.filled.Add(qty)
			v.emit(core.BrokerEvent{
				Kind:          core.BrokerEventFill,
				ClientOrderID: po.order.ClientOrderID,
				BrokerOrderID: po.brokerID,
				FillQty:       qty,
				RemainingQty:  po.order.RequestedQty.Sub(po.filled),
				CumFilledQty:  decimal.NewNullDecimal(po.filled),
				Price:         price,
				TradeID:       v.nextID("T"),
			})
		})
	}
}

func (v *Venue) cancel(cid string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	po, ok := v.orders[cid]
	if !ok || po.done() {
		v.logger.Debug("Cancel for unknown or finished order ignored", "client_order_id", cid)
		return
	}
	po.cancelled = true
	v.later(v.cfg.AckLatency, func() {
		v.emit(core.BrokerEvent{
			Kind:          core.BrokerEventCancelAck,
			ClientOrderID: cid,
			BrokerOrderID: po.brokerID,
			CumFilledQty:  decimal.NewNullDecimal(po.filled),
		})
	})
}

type session struct {
	v         *Venue
	closeOnce sync.Once
	closed    chan struct{}
}

func (s *session) close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

func (s *session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *session) Submit(ctx context.Context, order core.Order) error {
	if s.isClosed() {
		return errSessionClosed
	}
	s.v.submit(order)
	return nil
}

func (s *session) Cancel(ctx context.Context, clientOrderID string) error {
	if s.isClosed() {
		return errSessionClosed
	}
	s.v.cancel(clientOrderID)
	return nil
}

func (s *session) Recv(ctx context.Context) (core.BrokerEvent, error) {
	select {
	case <-ctx.Done():
		return core.BrokerEvent{}, ctx.Err()
	case <-s.closed:
		return core.BrokerEvent{}, errSessionClosed
	case ev := <-s.v.events:
		return ev, nil
	}
}

func (s *session) Close() error {
	s.close()
	return nil
}

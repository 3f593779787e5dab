package order

import (
	"fmt"
	"sort"
	"time"

	"algotrader/internal/core"

	"github.com/shopspring/decimal"
)

// OnBrokerDisconnected marks unacknowledged orders PendingReconciliation.
// They are not assumed failed; OnBrokerConnected re-sends them.
func (m *Manager) OnBrokerDisconnected(reason string) {
	marked := 0
	for _, e := range m.orders {
		if e.order.Status != core.OrderStatusSubmitted || e.cancelRequested {
			continue
		}
		if e.stopAck != nil {
			e.stopAck()
			e.stopAck = nil
		}
		e.resendOnConnect = true
		m.transition(e, core.OrderStatusPendingReconciliation, "broker disconnected: "+reason)
		marked++
	}
	m.brokerDown = true
	m.logger.Warn("Broker disconnected", "reason", reason, "pending_reconciliation", marked)
}

// OnBrokerConnected re-sends orders parked by a disconnect or by exhausted ack
// retries, reusing their client order ids
func (m *Manager) OnBrokerConnected() {
	m.brokerDown = false
	resent := 0
	for _, e := range m.orders {
		if e.order.Status != core.OrderStatusPendingReconciliation || !e.resendOnConnect {
			continue
		}
		if m.draining {
			continue
		}
		e.resendOnConnect = false
		e.resends = 0
		m.transition(e, core.OrderStatusSubmitted, "re-sent after reconnect")
		m.send(e)
		resent++
	}
	m.logger.Info("Broker connected", "resent", resent)
}

// BeginDrain stops intake and requests cancellation of every working order.
// It returns the number of orders still open.
func (m *Manager) BeginDrain() int {
	m.draining = true
	open := 0
	for _, e := range m.orders {
		if e.order.Status.IsTerminal() {
			continue
		}
		switch e.order.Status {
		case core.OrderStatusSubmitted, core.OrderStatusAcknowledged, core.OrderStatusPartiallyFilled:
			if err := m.Cancel(e.order.ClientOrderID); err != nil {
				m.logger.Warn("Drain cancel failed", "client_order_id", e.order.ClientOrderID, "error", err)
			}
		case core.OrderStatusPendingReconciliation:
			if e.order.Attempts == 0 {
				m.close(e, core.OrderStatusCancelled, "never sent, cancelled at shutdown", nil)
				continue
			}
		}
		open++
	}
	m.logger.Info("Draining orders", "open", open)
	return open
}

// FinishDrain parks every order that did not reach a terminal state as PendingReconciliation
func (m *Manager) FinishDrain() int {
	parked := 0
	for _, e := range m.orders {
		if e.order.Status.IsTerminal() {
			continue
		}
		e.stopTimers()
		e.resendOnConnect = false
		m.transition(e, core.OrderStatusPendingReconciliation, "unconfirmed at shutdown")
		parked++
	}
	m.logger.Info("Drain finished", "pending_reconciliation", parked)
	return parked
}

// OpenCount is the number of non-terminal orders
func (m *Manager) OpenCount() int {
	n := 0
	for _, e := range m.orders {
		if !e.order.Status.IsTerminal() {
			n++
		}
	}
	return n
}

// Snapshot returns non-terminal orders for checkpointing
func (m *Manager) Snapshot() []core.Order {
	return m.Orders(true)
}

// Restore loads checkpointed open orders as PendingReconciliation and re-reserves
// their remaining exposure. They are resolved by venue events, never re-sent.
func (m *Manager) Restore(orders []core.Order) {
	for _, o := range orders {
		if o.Status.IsTerminal() {
			continue
		}
		if _, exists := m.orders[o.ClientOrderID]; exists {
			continue
		}
		o.Status = core.OrderStatusPendingReconciliation
		e := &entry{order: o, tradeIDs: make(map[string]struct{})}
		signed := o.RemainingQty().Mul(o.Direction.Sign())
		if !signed.IsZero() {
			m.ledger.ReserveOpen(o.Instrument, signed, o.Price)
			e.reserved = signed
		}
		m.orders[o.ClientOrderID] = e
		if o.BrokerOrderID != "" {
			m.byBroker[o.BrokerOrderID] = o.ClientOrderID
		}
		if o.IntentID != "" {
			m.intents[o.IntentID] = SubmitResult{ClientOrderID: o.ClientOrderID}
		}
		m.adjustOpen(o.Instrument, 1)
	}
	m.logger.Info("Open orders restored", "count", len(orders))
}

// Discrepancy is an instrument whose order fills disagree with the ledger
type Discrepancy struct {
	Instrument  string
	OrderFills  decimal.Decimal
	LedgerDelta decimal.Decimal
}

func (d Discrepancy) String() string {
	return fmt.Sprintf("%s: orders=%s ledger=%s", d.Instrument, d.OrderFills, d.LedgerDelta)
}

// Reconcile checks that signed fills across orders equal the ledger's position delta since start
func (m *Manager) Reconcile() []Discrepancy {
	sums := make(map[string]decimal.Decimal)
	for _, e := range m.orders {
		sums[e.order.Instrument] = sums[e.order.Instrument].Add(e.filledSinceStart.Mul(e.order.Direction.Sign()))
	}

	var out []Discrepancy
	for inst, sum := range sums {
		if delta := m.ledger.FillDelta(inst); !delta.Equal(sum) {
			out = append(out, Discrepancy{Instrument: inst, OrderFills: sum, LedgerDelta: delta})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out
}

// CheckHealth fails when reconciliation gaps pile up or the books disagree
func (m *Manager) CheckHealth() error {
	cutoff := m.now().Add(-5 * time.Minute)
	kept := m.gapTimes[:0]
	for _, t := range m.gapTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	m.gapTimes = kept

	if len(kept) > 20 {
		return fmt.Errorf("high reconciliation gap rate: %d in last 5 minutes", len(kept))
	}
	if d := m.Reconcile(); len(d) > 0 {
		return fmt.Errorf("fills disagree with ledger: %v", d)
	}
	return nil
}

func sortOrders(orders []core.Order) {
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].ClientOrderID < orders[j].ClientOrderID
		}
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
}

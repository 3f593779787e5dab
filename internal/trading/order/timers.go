package order

import (
	"context"
	"fmt"

	"algotrader/internal/core"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Timer payloads delivered through the event bus

// AckTimeout fires when a submission attempt was not acknowledged in time
type AckTimeout struct {
	ClientOrderID string
	Attempt       int
}

// CancelTimeout fires when a cancel request was not confirmed in time
type CancelTimeout struct {
	ClientOrderID string
}

// FillGraceTimeout fires when fills reported by a cancel ack never arrived
type FillGraceTimeout struct {
	ClientOrderID string
}

// HandleTimer dispatches timer payloads; it reports false for foreign payloads
func (m *Manager) HandleTimer(payload interface{}) bool {
	switch t := payload.(type) {
	case AckTimeout:
		m.onAckTimeout(t)
	case CancelTimeout:
		m.onCancelTimeout(t)
	case FillGraceTimeout:
		m.onFillGrace(t)
	default:
		return false
	}
	return true
}

// onAckTimeout re-sends with the same client order id until MaxResends is spent
func (m *Manager) onAckTimeout(t AckTimeout) {
	e, ok := m.orders[t.ClientOrderID]
	// stale timers from earlier attempts are ignored
	if !ok || e.order.Status != core.OrderStatusSubmitted || e.order.Attempts != t.Attempt || e.cancelRequested {
		return
	}
	e.stopAck = nil

	if e.resends < m.cfg.MaxResends {
		e.resends++
		m.metrics.OrderResendsTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("instrument", e.order.Instrument)))
		m.logger.Warn("Ack timeout, re-sending with same client order id",
			"client_order_id", e.order.ClientOrderID,
			"attempt", e.order.Attempts+1,
			"max_resends", m.cfg.MaxResends)
		m.send(e)
		return
	}

	// the sends may never have left the process; the next connect tries again
	e.resendOnConnect = true
	m.transition(e, core.OrderStatusPendingReconciliation, "ack retries exhausted")
	m.logger.Error("Ack retries exhausted, order pending reconciliation",
		"client_order_id", e.order.ClientOrderID,
		"attempts", e.order.Attempts)
	if m.alerter != nil {
		m.alerter.Raise(context.Background(), "Order unconfirmed",
			fmt.Errorf("no ack after %d attempts", e.order.Attempts),
			map[string]string{"client_order_id": e.order.ClientOrderID, "instrument": e.order.Instrument})
	}
}

// onCancelTimeout expires orders whose cancel was never confirmed
func (m *Manager) onCancelTimeout(t CancelTimeout) {
	e, ok := m.orders[t.ClientOrderID]
	if !ok || e.order.Status.IsTerminal() || !e.cancelRequested || e.closePending {
		return
	}
	e.stopCancel = nil

	m.close(e, core.OrderStatusExpired, "cancel not confirmed within timeout", nil)
	if m.alerter != nil {
		m.alerter.Raise(context.Background(), "Order expired",
			fmt.Errorf("cancel not confirmed within %s, manual intervention required", m.cfg.CancelTimeout),
			map[string]string{"client_order_id": e.order.ClientOrderID, "instrument": e.order.Instrument})
	}
}

// onFillGrace closes a deferred cancel whose missing fills never arrived
func (m *Manager) onFillGrace(t FillGraceTimeout) {
	e, ok := m.orders[t.ClientOrderID]
	if !ok || e.order.Status.IsTerminal() || !e.closePending {
		return
	}
	e.stopGrace = nil

	if e.cumUnknown {
		m.close(e, core.OrderStatusCancelled, "cancel confirmed, no fills within grace period", nil)
		return
	}
	missing := e.cumAtCancel.Sub(e.order.FilledQty)
	m.close(e, core.OrderStatusCancelled, "cancel confirmed with "+missing.String()+" unmatched venue fill", nil)
	m.discardGap(e, "venue reported "+e.cumAtCancel.String()+" filled, local "+e.order.FilledQty.String())
}

// discardGap raises a reconciliation gap for a known order
func (m *Manager) discardGap(e *entry, reason string) {
	m.discard(e.order.ClientOrderID, core.BrokerEventCancelAck, reason)
}

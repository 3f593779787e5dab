package order

import (
	"context"
	"fmt"
	"testing"
	"time"

	"algotrader/internal/core"
	"algotrader/internal/trading/ledger"
	"algotrader/pkg/logging"

	"github.com/shopspring/decimal"
)

type mockBroker struct {
	submits []core.Order
	cancels []string
}

func (b *mockBroker) Submit(o core.Order)        { b.submits = append(b.submits, o) }
func (b *mockBroker) Cancel(clientOrderID string) { b.cancels = append(b.cancels, clientOrderID) }

type timer struct {
	d         time.Duration
	payload   interface{}
	cancelled bool
	fired     bool
}

// manualScheduler records timers; tests fire them explicitly
type manualScheduler struct {
	timers []*timer
}

func (s *manualScheduler) After(d time.Duration, payload interface{}) func() {
	t := &timer{d: d, payload: payload}
	s.timers = append(s.timers, t)
	return func() { t.cancelled = true }
}

// fireLive delivers every armed, uncancelled timer of the given type
func (s *manualScheduler) fireLive(m *Manager, match func(interface{}) bool) int {
	n := 0
	for _, t := range append([]*timer(nil), s.timers...) {
		if t.cancelled || t.fired || !match(t.payload) {
			continue
		}
		t.fired = true
		m.HandleTimer(t.payload)
		n++
	}
	return n
}

func isAck(p interface{}) bool {
	_, ok := p.(AckTimeout)
	return ok
}

func isCancel(p interface{}) bool {
	_, ok := p.(CancelTimeout)
	return ok
}

func isGrace(p interface{}) bool {
	_, ok := p.(FillGraceTimeout)
	return ok
}

type raised struct {
	title string
	err   error
}

type mockAlerter struct{ alerts []raised }

func (a *mockAlerter) Raise(ctx context.Context, title string, err error, fields map[string]string) {
	a.alerts = append(a.alerts, raised{title: title, err: err})
}

type mockJournal struct {
	orders   []core.Order
	reasons  []string
	discards []string
}

func (j *mockJournal) RecordOrder(o core.Order, reason string) error {
	j.orders = append(j.orders, o)
	j.reasons = append(j.reasons, reason)
	return nil
}

func (j *mockJournal) RecordDiscard(clientOrderID string, event core.BrokerEventKind, reason string) error {
	j.discards = append(j.discards, fmt.Sprintf("%s:%s", clientOrderID, event))
	return nil
}

type update struct {
	order core.Order
	err   error
}

type harness struct {
	m       *Manager
	ledger  *ledger.Ledger
	broker  *mockBroker
	sched   *manualScheduler
	alerter *mockAlerter
	journal *mockJournal
	updates []update
}

func newHarness(t *testing.T, limits core.RiskLimits) *harness {
	t.Helper()
	h := &harness{
		broker:  &mockBroker{},
		sched:   &manualScheduler{},
		alerter: &mockAlerter{},
		journal: &mockJournal{},
	}
	h.ledger = ledger.New(limits, logging.NewNop())
	seq := 0
	h.m = NewManager(DefaultConfig(), h.ledger, h.broker, h.sched, logging.NewNop(),
		WithAlerter(h.alerter),
		WithJournal(h.journal),
		WithObserver(func(o core.Order, err error) { h.updates = append(h.updates, update{o, err}) }),
		WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("cid-%d", seq)
		}),
	)
	return h
}

func (h *harness) statusesOf(cid string) []core.OrderStatus {
	var out []core.OrderStatus
	for _, u := range h.updates {
		if u.order.ClientOrderID == cid {
			out = append(out, u.order.Status)
		}
	}
	return out
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var intentSeq int

func buy(inst, qty string) core.Intent {
	intentSeq++
	return core.Intent{
		ID:          fmt.Sprintf("intent-%d", intentSeq),
		Instrument:  inst,
		Direction:   core.Buy,
		Quantity:    dec(qty),
		Price:       dec("10"),
		StrategyTag: "test",
		CreatedAt:   time.Now(),
	}
}

func sell(inst, qty string) core.Intent {
	i := buy(inst, qty)
	i.Direction = core.Sell
	return i
}

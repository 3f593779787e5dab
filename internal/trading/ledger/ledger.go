// Package ledger is the authoritative record of positions, working exposure and risk limits.
// It is not safe for concurrent use: the event bus goroutine is its only writer.
package ledger

import (
	"math"
	"sort"
	"time"

	"algotrader/internal/core"
	apperrors "algotrader/pkg/errors"
	"algotrader/pkg/telemetry"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// Limit names reported on risk failures
const (
	LimitQuantity    = "quantity"
	LimitPosition    = "max_position_per_instrument"
	LimitGross       = "max_gross_exposure"
	LimitOrderRate   = "max_order_rate_per_second"
	LimitNoReference = "reference_price"
)

// RiskResult is the outcome of a pre-submission check
type RiskResult struct {
	Pass   bool
	Limit  string
	Reason string
}

// Err converts a failing result into a *apperrors.ValidationError
func (r RiskResult) Err() error {
	if r.Pass {
		return nil
	}
	return &apperrors.ValidationError{Limit: r.Limit, Reason: r.Reason}
}

func pass() RiskResult { return RiskResult{Pass: true} }

func fail(limit, reason string) RiskResult {
	return RiskResult{Limit: limit, Reason: reason}
}

// working is the unfilled quantity of non-terminal orders, split by side,
// with its notional at the reservation price
type working struct {
	long          decimal.Decimal
	short         decimal.Decimal
	longNotional  decimal.Decimal
	shortNotional decimal.Decimal
}

// value prices working quantity at mark, or at reservation notional without one
func (w *working) value(mark decimal.Decimal) decimal.Decimal {
	if mark.IsPositive() {
		return w.long.Add(w.short).Mul(mark)
	}
	return w.longNotional.Add(w.shortNotional)
}

type quote struct {
	bid decimal.Decimal
	ask decimal.Decimal
}

// Ledger tracks positions and enforces risk limits
type Ledger struct {
	positions map[string]*core.Position
	open      map[string]*working
	quotes    map[string]*quote
	stale     map[string]bool
	// fillDelta is the signed quantity applied per instrument since start
	fillDelta map[string]decimal.Decimal

	limits  core.RiskLimits
	limiter *rate.Limiter
	now     func() time.Time

	logger  core.ILogger
	metrics *telemetry.MetricsHolder
}

// Option configures a Ledger
type Option func(*Ledger)

// WithClock overrides time.Now, used by tests of the order-rate limit
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates an empty ledger
func New(limits core.RiskLimits, logger core.ILogger, opts ...Option) *Ledger {
	l := &Ledger{
		positions: make(map[string]*core.Position),
		open:      make(map[string]*working),
		quotes:    make(map[string]*quote),
		stale:     make(map[string]bool),
		fillDelta: make(map[string]decimal.Decimal),
		now:       time.Now,
		logger:    logger.WithField("component", "ledger"),
		metrics:   telemetry.GetGlobalMetrics(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.limiter = rate.NewLimiter(rateFor(limits.MaxOrderRatePerSecond), burstFor(limits.MaxOrderRatePerSecond))
	l.limits = limits
	return l
}

func rateFor(perSecond float64) rate.Limit {
	if perSecond <= 0 {
		return rate.Inf
	}
	return rate.Limit(perSecond)
}

func burstFor(perSecond float64) int {
	if perSecond <= 0 {
		return 1
	}
	return int(math.Max(1, math.Ceil(perSecond)))
}

// SetLimits hot-reloads risk limits. Orders already accepted are not revalidated.
func (l *Ledger) SetLimits(limits core.RiskLimits) {
	now := l.now()
	l.limiter.SetLimitAt(now, rateFor(limits.MaxOrderRatePerSecond))
	l.limiter.SetBurstAt(now, burstFor(limits.MaxOrderRatePerSecond))
	l.limits = limits
	l.logger.Info("Risk limits updated",
		"max_position", limits.MaxPositionPerInstrument.String(),
		"max_gross_exposure", limits.MaxGrossExposure.String(),
		"max_order_rate", limits.MaxOrderRatePerSecond,
		"overrides", len(limits.PerInstrument))
}

// Limits returns the active limits
func (l *Ledger) Limits() core.RiskLimits {
	return l.limits
}

func (l *Ledger) position(instrument string) *core.Position {
	p, ok := l.positions[instrument]
	if !ok {
		p = &core.Position{Instrument: instrument}
		l.positions[instrument] = p
	}
	return p
}

// ApplyFill updates net quantity and weighted-average cost. Realized P&L is booked
// on the reduced quantity whenever a fill reduces or crosses through zero.
func (l *Ledger) ApplyFill(instrument string, signedQty, price decimal.Decimal, at time.Time) {
	if signedQty.IsZero() {
		return
	}
	p := l.position(instrument)
	net := p.NetQty
	next := net.Add(signedQty)

	switch {
	case net.IsZero() || net.Sign() == signedQty.Sign():
		// opening or increasing
		total := net.Abs().Add(signedQty.Abs())
		p.AvgCost = net.Abs().Mul(p.AvgCost).Add(signedQty.Abs().Mul(price)).Div(total)
	default:
		closed := decimal.Min(signedQty.Abs(), net.Abs())
		pnl := price.Sub(p.AvgCost).Mul(closed)
		if net.IsNegative() {
			pnl = pnl.Neg()
		}
		p.RealizedPnL = p.RealizedPnL.Add(pnl)

		switch {
		case next.IsZero():
			p.AvgCost = decimal.Zero
		case next.Sign() != net.Sign():
			// crossed through zero: the remainder opens at the fill price
			p.AvgCost = price
		}
	}

	p.NetQty = next
	p.UpdatedAt = at
	if p.LastMark.IsZero() {
		p.LastMark = price
	}
	l.revalue(p)
	l.fillDelta[instrument] = l.fillDelta[instrument].Add(signedQty)
	l.publish(p)
}

// MarkToMarket updates the instrument's mark and unrealized P&L and clears its stale flag
func (l *Ledger) MarkToMarket(tick core.Tick) {
	if !tick.Price.IsPositive() {
		return
	}
	q, ok := l.quotes[tick.Instrument]
	if !ok {
		q = &quote{}
		l.quotes[tick.Instrument] = q
	}

	mark := tick.Price
	switch tick.Side {
	case core.TickSideBid:
		q.bid = tick.Price
		if q.ask.IsPositive() {
			mark = q.bid.Add(q.ask).Div(decimal.NewFromInt(2))
		}
	case core.TickSideAsk:
		q.ask = tick.Price
		if q.bid.IsPositive() {
			mark = q.bid.Add(q.ask).Div(decimal.NewFromInt(2))
		}
	}

	delete(l.stale, tick.Instrument)
	p := l.position(tick.Instrument)
	p.LastMark = mark
	p.UpdatedAt = tick.Timestamp
	l.revalue(p)
	l.publish(p)
}

// MarkGap flags the gap's instruments stale until their next tick
func (l *Ledger) MarkGap(gap core.Gap) {
	for _, inst := range gap.Instruments {
		l.stale[inst] = true
		// quotes from before the gap must not pair with quotes after it
		delete(l.quotes, inst)
	}
	l.logger.Warn("Market data gap, marks stale", "instruments", gap.Instruments, "reason", gap.Reason)
}

// IsStale reports whether the instrument's mark predates a feed gap
func (l *Ledger) IsStale(instrument string) bool {
	return l.stale[instrument]
}

func (l *Ledger) revalue(p *core.Position) {
	if p.NetQty.IsZero() || p.LastMark.IsZero() {
		p.UnrealizedPnL = decimal.Zero
		return
	}
	p.UnrealizedPnL = p.LastMark.Sub(p.AvgCost).Mul(p.NetQty)
}

func (l *Ledger) publish(p *core.Position) {
	l.metrics.SetPosition(p.Instrument, p.NetQty.InexactFloat64(), p.UnrealizedPnL.InexactFloat64(), p.RealizedPnL.InexactFloat64())
}

// ReserveOpen adds working exposure for an accepted order. A zero price
// (market order) reserves at the instrument's last mark.
func (l *Ledger) ReserveOpen(instrument string, signedQty, price decimal.Decimal) {
	w, ok := l.open[instrument]
	if !ok {
		w = &working{}
		l.open[instrument] = w
	}
	if !price.IsPositive() {
		if p, ok := l.positions[instrument]; ok {
			price = p.LastMark
		}
	}
	notional := signedQty.Abs().Mul(price)
	if signedQty.IsPositive() {
		w.long = w.long.Add(signedQty)
		w.longNotional = w.longNotional.Add(notional)
	} else {
		w.short = w.short.Add(signedQty.Neg())
		w.shortNotional = w.shortNotional.Add(notional)
	}
}

// ReleaseOpen removes working exposure after fills or a terminal transition
func (l *Ledger) ReleaseOpen(instrument string, signedQty decimal.Decimal) {
	w, ok := l.open[instrument]
	if !ok {
		return
	}
	if signedQty.IsPositive() {
		w.long, w.longNotional = release(w.long, w.longNotional, signedQty)
	} else {
		w.short, w.shortNotional = release(w.short, w.shortNotional, signedQty.Neg())
	}
	if w.long.IsZero() && w.short.IsZero() {
		delete(l.open, instrument)
	}
}

// release removes qty from one side, scaling its notional pro rata
func release(qty, notional, amount decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	left := decimal.Max(decimal.Zero, qty.Sub(amount))
	if left.IsZero() {
		return decimal.Zero, decimal.Zero
	}
	return left, notional.Mul(left).Div(qty)
}

// CheckRisk evaluates a proposed order without mutating the ledger.
// A zero refPrice (market order) falls back to the instrument's last mark,
// which must not be stale.
func (l *Ledger) CheckRisk(instrument string, proposedSignedQty, refPrice decimal.Decimal) RiskResult {
	if proposedSignedQty.IsZero() {
		return fail(LimitQuantity, "proposed quantity is zero")
	}
	if !refPrice.IsPositive() && l.stale[instrument] {
		return fail(LimitNoReference, "mark for "+instrument+" is stale after a feed gap")
	}

	net := decimal.Zero
	mark := decimal.Zero
	if p, ok := l.positions[instrument]; ok {
		net = p.NetQty
		mark = p.LastMark
	}
	w := l.open[instrument]
	if w == nil {
		w = &working{}
	}

	if limit := l.limits.PositionLimit(instrument); limit.IsPositive() {
		// worst case: every working order on the same side fills
		if proposedSignedQty.IsPositive() {
			if worst := net.Add(w.long).Add(proposedSignedQty); worst.GreaterThan(limit) {
				return fail(LimitPosition, "projected long "+worst.String()+" exceeds "+limit.String()+" on "+instrument)
			}
		} else {
			if worst := net.Sub(w.short).Add(proposedSignedQty); worst.Neg().GreaterThan(limit) {
				return fail(LimitPosition, "projected short "+worst.Abs().String()+" exceeds "+limit.String()+" on "+instrument)
			}
		}
	}

	if limit := l.limits.MaxGrossExposure; limit.IsPositive() {
		price := refPrice
		if !price.IsPositive() {
			price = mark
		}
		if !price.IsPositive() {
			return fail(LimitNoReference, "no price or mark available for "+instrument)
		}
		gross := l.grossExposure().Add(proposedSignedQty.Abs().Mul(price))
		if gross.GreaterThan(limit) {
			return fail(LimitGross, "projected gross exposure "+gross.StringFixed(2)+" exceeds "+limit.String())
		}
	}

	if l.limits.MaxOrderRatePerSecond > 0 {
		if l.limiter.TokensAt(l.now()) < 1 {
			return fail(LimitOrderRate, "order rate limit reached")
		}
	}

	return pass()
}

// grossExposure values positions at their marks and working orders at their
// marks, or at their order prices on instruments not yet marked
func (l *Ledger) grossExposure() decimal.Decimal {
	gross := decimal.Zero
	for _, p := range l.positions {
		gross = gross.Add(p.NetQty.Abs().Mul(p.LastMark))
	}
	for inst, w := range l.open {
		mark := decimal.Zero
		if p, ok := l.positions[inst]; ok {
			mark = p.LastMark
		}
		gross = gross.Add(w.value(mark))
	}
	return gross
}

// GrossExposure is exported for monitoring
func (l *Ledger) GrossExposure() decimal.Decimal {
	return l.grossExposure()
}

// RecordSubmission consumes an order-rate token. Call only after CheckRisk passed.
func (l *Ledger) RecordSubmission() {
	l.limiter.AllowN(l.now(), 1)
}

// FillDelta is the signed quantity applied to the instrument since start
func (l *Ledger) FillDelta(instrument string) decimal.Decimal {
	return l.fillDelta[instrument]
}

// Position returns a copy of the instrument's position
func (l *Ledger) Position(instrument string) core.Position {
	if p, ok := l.positions[instrument]; ok {
		return *p
	}
	return core.Position{Instrument: instrument}
}

// Positions returns copies sorted by instrument
func (l *Ledger) Positions() []core.Position {
	out := make([]core.Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out
}

// Restore replaces positions with checkpointed values.
// Working exposure is rebuilt by the order manager from restored orders.
func (l *Ledger) Restore(positions []core.Position) {
	l.positions = make(map[string]*core.Position, len(positions))
	for i := range positions {
		p := positions[i]
		l.positions[p.Instrument] = &p
		l.publish(&p)
	}
	l.logger.Info("Ledger restored", "positions", len(positions))
}

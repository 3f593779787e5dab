package strategy

import (
	"errors"
	"time"

	"algotrader/internal/config"
	"algotrader/internal/core"
	"algotrader/internal/marketdata"
	"algotrader/internal/trading/ledger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Breakout decisions, reported in logs and Status
const (
	DecisionInitSession = "INIT_SESSION"
	DecisionNoLevels    = "NO_LEVELS"
	DecisionBlocked     = "BLOCKED"
	DecisionNoBreakout  = "NO_BREAKOUT"
	DecisionC1          = "C1"
	DecisionC2          = "C2"
	DecisionInvalidated = "INVALIDATED"
	DecisionRejected    = "REJECTED"
	DecisionSignal      = "SIGNAL"
	DecisionExit        = "EXIT"
)

// BreakoutConfig parameterizes the previous-session breakout strategy
type BreakoutConfig struct {
	Tag        string
	Instrument string
	Resolution time.Duration
	// AccountBalance and RiskPercent size the position: risk = balance * pct / 100
	AccountBalance decimal.Decimal
	RiskPercent    decimal.Decimal
	ContractSize   decimal.Decimal
	// SessionOffset shifts the session boundary from 00:00 UTC
	SessionOffset time.Duration
	// PrevHigh and PrevLow seed the levels for the first session observed
	PrevHigh   decimal.Decimal
	PrevLow    decimal.Decimal
	TakeProfit decimal.Decimal
	// QtyDecimals rounds the computed size
	QtyDecimals int32
}

type trade struct {
	intentID  string
	direction core.Direction
	entry     decimal.Decimal
	stop      decimal.Decimal
	target    decimal.Decimal
	exitID    string
}

// Breakout trades a breakout of the previous session's range.
//
// C1: a closed bar beyond the previous high (buy) or low (sell).
// C2: the next bar closes beyond the same level, accepting the breakout;
// any other close invalidates the setup.
// C3: entry at the open of the bar after C2, stop beyond the extreme of C1 and C2.
// At most one entry per session.
type Breakout struct {
	cfg    BreakoutConfig
	agg    *marketdata.Aggregator
	logger core.ILogger

	session     time.Time
	sessionHigh decimal.Decimal
	sessionLow  decimal.Decimal
	prevHigh    decimal.Decimal
	prevLow     decimal.Decimal
	traded      bool

	c1, c2    *marketdata.Candle
	direction core.Direction

	open         *trade
	lastDecision string
}

// NewBreakout creates the strategy
func NewBreakout(cfg BreakoutConfig, logger core.ILogger) (*Breakout, error) {
	if cfg.Resolution <= 0 {
		return nil, errors.New("resolution must be positive")
	}
	if !cfg.AccountBalance.IsPositive() || !cfg.RiskPercent.IsPositive() {
		return nil, errors.New("account balance and risk percent must be positive")
	}
	if !cfg.ContractSize.IsPositive() {
		cfg.ContractSize = decimal.NewFromInt(1)
	}
	if cfg.QtyDecimals == 0 {
		cfg.QtyDecimals = 2
	}
	return &Breakout{
		cfg:    cfg,
		agg:    marketdata.NewAggregator(cfg.Resolution),
		logger: logger.WithField("component", "breakout").WithField("tag", cfg.Tag),
	}, nil
}

// NewBreakoutFromConfig adapts a config block
func NewBreakoutFromConfig(sc config.StrategyConfig, logger core.ILogger) (Strategy, error) {
	cfg := BreakoutConfig{
		Tag:            sc.Tag,
		Instrument:     sc.Instrument,
		Resolution:     sc.Resolution,
		AccountBalance: decimal.NewFromFloat(sc.AccountBalance),
		RiskPercent:    decimal.NewFromFloat(sc.RiskPercent),
		ContractSize:   decimal.NewFromFloat(sc.ContractSize),
		SessionOffset:  sc.SessionOffset,
	}
	var err error
	if cfg.PrevHigh, err = optionalDecimal(sc.PrevHigh); err != nil {
		return nil, err
	}
	if cfg.PrevLow, err = optionalDecimal(sc.PrevLow); err != nil {
		return nil, err
	}
	if cfg.TakeProfit, err = optionalDecimal(sc.TakeProfit); err != nil {
		return nil, err
	}
	return NewBreakout(cfg, logger)
}

func optionalDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

func (b *Breakout) Tag() string        { return b.cfg.Tag }
func (b *Breakout) Instrument() string { return b.cfg.Instrument }

// OnTick manages the open trade's exit and evaluates closed bars
func (b *Breakout) OnTick(tick core.Tick, snap ledger.Snapshot) []core.Intent {
	if tick.Instrument != b.cfg.Instrument {
		return nil
	}

	var out []core.Intent
	if exit, ok := b.checkExit(tick, snap); ok {
		out = append(out, exit)
	}

	closed, ok := b.agg.Add(tick)
	if !ok {
		return out
	}
	if entry, ok := b.onBarClose(closed, tick); ok {
		out = append(out, entry)
	}
	return out
}

func (b *Breakout) sessionOf(t time.Time) time.Time {
	return t.UTC().Add(-b.cfg.SessionOffset).Truncate(24 * time.Hour)
}

// onBarClose runs the C1/C2/C3 machine. next is the first tick of the following bar.
func (b *Breakout) onBarClose(c marketdata.Candle, next core.Tick) (core.Intent, bool) {
	if session := b.sessionOf(c.Start); !session.Equal(b.session) {
		b.rollSession(session, c)
		return core.Intent{}, false
	}
	if c.High.GreaterThan(b.sessionHigh) {
		b.sessionHigh = c.High
	}
	if c.Low.LessThan(b.sessionLow) {
		b.sessionLow = c.Low
	}

	switch {
	case b.prevHigh.IsZero() || b.prevLow.IsZero():
		b.decide(DecisionNoLevels, "previous session levels unknown")
		return core.Intent{}, false
	case b.traded:
		b.decide(DecisionBlocked, "session already traded")
		return core.Intent{}, false
	case c.Gapped:
		b.resetSetup()
		b.decide(DecisionInvalidated, "bar spans a feed gap")
		return core.Intent{}, false
	}

	if b.c1 == nil {
		switch {
		case c.Close.GreaterThan(b.prevHigh):
			b.c1, b.direction = &c, core.Buy
			b.decide(DecisionC1, "closed above previous high "+b.prevHigh.String())
		case c.Close.LessThan(b.prevLow):
			b.c1, b.direction = &c, core.Sell
			b.decide(DecisionC1, "closed below previous low "+b.prevLow.String())
		default:
			b.decide(DecisionNoBreakout, "closed inside previous range")
		}
		return core.Intent{}, false
	}

	accepted := (b.direction == core.Buy && c.Close.GreaterThan(b.prevHigh)) ||
		(b.direction == core.Sell && c.Close.LessThan(b.prevLow))
	if !accepted {
		b.resetSetup()
		b.decide(DecisionInvalidated, "acceptance bar closed back inside range")
		return core.Intent{}, false
	}
	b.c2 = &c
	return b.enter(next)
}

// enter sizes and emits the C3 entry at the open of the bar following C2
func (b *Breakout) enter(next core.Tick) (core.Intent, bool) {
	defer b.resetSetup()

	entry := next.Price
	var stop, target decimal.Decimal
	if b.direction == core.Buy {
		stop = decimal.Min(b.c1.Low, b.c2.Low)
		if b.cfg.TakeProfit.IsPositive() {
			target = entry.Add(b.cfg.TakeProfit)
		}
	} else {
		stop = decimal.Max(b.c1.High, b.c2.High)
		if b.cfg.TakeProfit.IsPositive() {
			target = entry.Sub(b.cfg.TakeProfit)
		}
	}

	if (b.direction == core.Buy && !entry.GreaterThan(stop)) || (b.direction == core.Sell && !entry.LessThan(stop)) {
		b.decide(DecisionRejected, "entry "+entry.String()+" already beyond stop "+stop.String())
		return core.Intent{}, false
	}
	size := b.size(entry, stop)
	if !size.IsPositive() {
		b.decide(DecisionRejected, "position size rounds to zero")
		return core.Intent{}, false
	}

	b.traded = true
	intent := core.Intent{
		ID:         uuid.NewString(),
		Instrument: b.cfg.Instrument,
		Direction:  b.direction,
		Quantity:   size,
		Price:      entry,
		CreatedAt:  next.Timestamp,
	}
	b.open = &trade{intentID: intent.ID, direction: b.direction, entry: entry, stop: stop, target: target}
	b.decide(DecisionSignal, "C1 breakout and C2 acceptance confirmed")
	b.logger.Info("Breakout entry",
		"direction", string(b.direction),
		"entry", entry.String(),
		"stop", stop.String(),
		"target", target.String(),
		"size", size.String())
	return intent, true
}

// size risks RiskPercent of the balance between entry and stop
func (b *Breakout) size(entry, stop decimal.Decimal) decimal.Decimal {
	dist := entry.Sub(stop).Abs()
	if !dist.IsPositive() {
		return decimal.Zero
	}
	risk := b.cfg.AccountBalance.Mul(b.cfg.RiskPercent).Div(decimal.NewFromInt(100))
	return risk.Div(dist.Mul(b.cfg.ContractSize)).Round(b.cfg.QtyDecimals)
}

// checkExit flattens the position once price reaches the stop or target
func (b *Breakout) checkExit(tick core.Tick, snap ledger.Snapshot) (core.Intent, bool) {
	if b.open == nil || b.open.exitID != "" {
		return core.Intent{}, false
	}
	held := snap.Position(b.cfg.Instrument).NetQty
	if held.IsZero() || held.Sign() != b.open.direction.Sign().Sign() {
		return core.Intent{}, false
	}

	p := tick.Price
	var reason string
	if b.open.direction == core.Buy {
		switch {
		case !p.GreaterThan(b.open.stop):
			reason = "stop"
		case b.open.target.IsPositive() && !p.LessThan(b.open.target):
			reason = "target"
		}
	} else {
		switch {
		case !p.LessThan(b.open.stop):
			reason = "stop"
		case b.open.target.IsPositive() && !p.GreaterThan(b.open.target):
			reason = "target"
		}
	}
	if reason == "" {
		return core.Intent{}, false
	}

	exitDir := core.Sell
	if held.IsNegative() {
		exitDir = core.Buy
	}
	b.open.exitID = uuid.NewString()
	b.decide(DecisionExit, reason+" reached at "+p.String())
	return core.Intent{
		ID:         b.open.exitID,
		Instrument: b.cfg.Instrument,
		Direction:  exitDir,
		Quantity:   held.Abs(),
		CreatedAt:  tick.Timestamp,
	}, true
}

// OnOrderUpdate clears the trade when its entry dies unfilled or its exit completes
func (b *Breakout) OnOrderUpdate(o core.Order, err error) {
	if b.open == nil || !o.Status.IsTerminal() {
		return
	}
	switch o.IntentID {
	case b.open.intentID:
		if o.FilledQty.IsZero() {
			b.logger.Info("Entry closed without fills", "status", string(o.Status), "error", err)
			b.open = nil
		}
	case b.open.exitID:
		if o.Status == core.OrderStatusFilled {
			b.open = nil
			return
		}
		// retry the exit on the next tick
		b.logger.Warn("Exit order closed unfilled", "status", string(o.Status), "error", err)
		b.open.exitID = ""
	}
}

// OnGap invalidates a setup in progress
func (b *Breakout) OnGap(gap core.Gap) {
	b.agg.MarkGap(b.cfg.Instrument)
	if b.c1 != nil {
		b.resetSetup()
		b.decide(DecisionInvalidated, "feed gap: "+gap.Reason)
	}
}

func (b *Breakout) rollSession(session time.Time, first marketdata.Candle) {
	switch {
	case !b.session.IsZero():
		b.prevHigh, b.prevLow = b.sessionHigh, b.sessionLow
	case b.cfg.PrevHigh.IsPositive() && b.cfg.PrevLow.IsPositive():
		b.prevHigh, b.prevLow = b.cfg.PrevHigh, b.cfg.PrevLow
	}
	b.session = session
	b.sessionHigh, b.sessionLow = first.High, first.Low
	b.traded = false
	b.resetSetup()
	b.decide(DecisionInitSession, "previous high "+b.prevHigh.String()+" low "+b.prevLow.String())
}

func (b *Breakout) resetSetup() {
	b.c1, b.c2 = nil, nil
	b.direction = ""
}

func (b *Breakout) decide(decision, reason string) {
	b.lastDecision = decision
	b.logger.Debug("Breakout decision", "decision", decision, "reason", reason, "session", b.session.Format("2006-01-02"))
}

// Status mirrors the setup state
func (b *Breakout) Status() map[string]interface{} {
	st := map[string]interface{}{
		"session":       b.session.Format("2006-01-02"),
		"traded":        b.traded,
		"prev_high":     b.prevHigh.String(),
		"prev_low":      b.prevLow.String(),
		"c1":            b.c1 != nil,
		"c2":            b.c2 != nil,
		"direction":     string(b.direction),
		"last_decision": b.lastDecision,
	}
	if b.open != nil {
		st["stop"] = b.open.stop.String()
		st["target"] = b.open.target.String()
	}
	return st
}

package strategy

import (
	"errors"
	"time"

	"algotrader/internal/config"
	"algotrader/internal/core"
	"algotrader/internal/marketdata"
	"algotrader/internal/trading/ledger"

	"github.com/shopspring/decimal"
)

// SMACrossConfig parameterizes the moving-average crossover strategy
type SMACrossConfig struct {
	Tag        string
	Instrument string
	Resolution time.Duration
	Quantity   decimal.Decimal
	Fast       int
	Slow       int
}

// SMACross holds +Quantity while the fast average is above the slow one and
// -Quantity while it is below. It trades only on a crossover.
type SMACross struct {
	cfg    SMACrossConfig
	agg    *marketdata.Aggregator
	logger core.ILogger

	closes []decimal.Decimal
	// regime is +1 (fast above), -1 (fast below) or 0 (unknown)
	regime int
}

// NewSMACross creates the strategy
func NewSMACross(cfg SMACrossConfig, logger core.ILogger) (*SMACross, error) {
	if cfg.Fast <= 0 || cfg.Slow <= cfg.Fast {
		return nil, errors.New("periods must satisfy 0 < fast < slow")
	}
	if !cfg.Quantity.IsPositive() {
		return nil, errors.New("quantity must be positive")
	}
	if cfg.Resolution <= 0 {
		return nil, errors.New("resolution must be positive")
	}
	return &SMACross{
		cfg:    cfg,
		agg:    marketdata.NewAggregator(cfg.Resolution),
		logger: logger.WithField("component", "sma_cross").WithField("tag", cfg.Tag),
		closes: make([]decimal.Decimal, 0, cfg.Slow),
	}, nil
}

// NewSMACrossFromConfig adapts a config block
func NewSMACrossFromConfig(sc config.StrategyConfig, logger core.ILogger) (Strategy, error) {
	qty, err := decimal.NewFromString(sc.Quantity)
	if err != nil {
		return nil, err
	}
	return NewSMACross(SMACrossConfig{
		Tag:        sc.Tag,
		Instrument: sc.Instrument,
		Resolution: sc.Resolution,
		Quantity:   qty,
		Fast:       sc.FastPeriod,
		Slow:       sc.SlowPeriod,
	}, logger)
}

func (s *SMACross) Tag() string        { return s.cfg.Tag }
func (s *SMACross) Instrument() string { return s.cfg.Instrument }

func (s *SMACross) OnTick(tick core.Tick, snap ledger.Snapshot) []core.Intent {
	if tick.Instrument != s.cfg.Instrument {
		return nil
	}
	c, ok := s.agg.Add(tick)
	if !ok {
		return nil
	}

	if len(s.closes) == s.cfg.Slow {
		s.closes = append(s.closes[:0], s.closes[1:]...)
	}
	s.closes = append(s.closes, c.Close)
	if len(s.closes) < s.cfg.Slow {
		return nil
	}

	fast := average(s.closes[len(s.closes)-s.cfg.Fast:])
	slow := average(s.closes)
	regime := fast.Cmp(slow)
	prev := s.regime
	if regime != 0 {
		s.regime = regime
	}
	if prev == 0 || regime == 0 || regime == prev {
		return nil
	}

	target := s.cfg.Quantity.Mul(decimal.NewFromInt(int64(regime)))
	// working orders count toward the target so a slow fill is not doubled
	current := snap.Position(s.cfg.Instrument).NetQty.Add(snap.Working[s.cfg.Instrument])
	delta := target.Sub(current)
	if delta.IsZero() {
		return nil
	}

	dir := core.Buy
	if delta.IsNegative() {
		dir = core.Sell
	}
	s.logger.Info("Moving average crossover",
		"fast", fast.StringFixed(5),
		"slow", slow.StringFixed(5),
		"side", string(dir),
		"qty", delta.Abs().String())
	return []core.Intent{{
		Instrument: s.cfg.Instrument,
		Direction:  dir,
		Quantity:   delta.Abs(),
		Price:      tick.Price,
		CreatedAt:  tick.Timestamp,
	}}
}

// OnGap forgets the regime; the next crossover must be observed on continuous data
func (s *SMACross) OnGap(core.Gap) {
	s.agg.MarkGap(s.cfg.Instrument)
	s.regime = 0
}

func (s *SMACross) Status() map[string]interface{} {
	return map[string]interface{}{
		"bars":   len(s.closes),
		"regime": s.regime,
	}
}

func average(xs []decimal.Decimal) decimal.Decimal {
	return decimal.Sum(decimal.Zero, xs...).Div(decimal.NewFromInt(int64(len(xs))))
}

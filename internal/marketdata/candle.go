// Package marketdata aggregates ticks into time-bucketed candles
package marketdata

import (
	"time"

	"algotrader/internal/core"

	"github.com/shopspring/decimal"
)

// Candle is an OHLC bar built from bid (or trade) prices
type Candle struct {
	Instrument string
	Start      time.Time
	End        time.Time
	Open       decimal.Decimal
	High       decimal.Decimal
	Low        decimal.Decimal
	Close      decimal.Decimal
	// Ticks is the number of observations in the bar
	Ticks int
	// Gapped is set when a feed gap occurred while the bar was open
	Gapped bool
}

// Range returns High - Low
func (c Candle) Range() decimal.Decimal {
	return c.High.Sub(c.Low)
}

// Aggregator builds candles of one resolution for any number of instruments.
// Not safe for concurrent use; strategies own their aggregator.
type Aggregator struct {
	resolution time.Duration
	current    map[string]*Candle
	last       map[string]Candle
}

// NewAggregator creates an aggregator for the given bar length
func NewAggregator(resolution time.Duration) *Aggregator {
	return &Aggregator{
		resolution: resolution,
		current:    make(map[string]*Candle),
		last:       make(map[string]Candle),
	}
}

// Resolution returns the bar length
func (a *Aggregator) Resolution() time.Duration {
	return a.resolution
}

// Add folds a tick into the open bar. When the tick belongs to a later bucket the
// open bar is closed and returned with ok=true. Ask-side ticks are ignored.
func (a *Aggregator) Add(tick core.Tick) (closed Candle, ok bool) {
	if tick.Side == core.TickSideAsk {
		return Candle{}, false
	}

	start := tick.Timestamp.UTC().Truncate(a.resolution)
	cur, exists := a.current[tick.Instrument]
	if !exists {
		a.open(tick, start)
		return Candle{}, false
	}

	if start.After(cur.Start) {
		closed = *cur
		a.last[tick.Instrument] = closed
		a.open(tick, start)
		return closed, true
	}
	if start.Before(cur.Start) {
		// out-of-order tick from an earlier bucket
		return Candle{}, false
	}

	if tick.Price.GreaterThan(cur.High) {
		cur.High = tick.Price
	}
	if tick.Price.LessThan(cur.Low) {
		cur.Low = tick.Price
	}
	cur.Close = tick.Price
	cur.Ticks++
	return Candle{}, false
}

func (a *Aggregator) open(tick core.Tick, start time.Time) {
	a.current[tick.Instrument] = &Candle{
		Instrument: tick.Instrument,
		Start:      start,
		End:        start.Add(a.resolution),
		Open:       tick.Price,
		High:       tick.Price,
		Low:        tick.Price,
		Close:      tick.Price,
		Ticks:      1,
	}
}

// MarkGap flags the instrument's open bar as incomplete
func (a *Aggregator) MarkGap(instrument string) {
	if cur, ok := a.current[instrument]; ok {
		cur.Gapped = true
	}
}

// Current returns a copy of the open bar
func (a *Aggregator) Current(instrument string) (Candle, bool) {
	cur, ok := a.current[instrument]
	if !ok {
		return Candle{}, false
	}
	return *cur, true
}

// Last returns the most recently closed bar
func (a *Aggregator) Last(instrument string) (Candle, bool) {
	c, ok := a.last[instrument]
	return c, ok
}

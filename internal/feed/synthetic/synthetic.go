// Package synthetic generates random-walk quotes for paper trading
package synthetic

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"algotrader/internal/core"
	"algotrader/internal/feed"

	"github.com/shopspring/decimal"
)

// Config for the random walk
type Config struct {
	Interval   time.Duration
	StartPrice float64
	// Volatility is the per-step standard deviation of log returns
	Volatility float64
	Spread     float64
	Seed       int64
	// Decimals rounds generated prices
	Decimals int32
}

var errStreamClosed = errors.New("synthetic stream closed")

// Transport produces quotes from a seeded random walk. Prices survive reconnects.
type Transport struct {
	cfg Config

	mu     sync.Mutex
	rng    *rand.Rand
	prices map[string]float64
	live   *stream
}

// New creates a synthetic transport
func New(cfg Config) *Transport {
	if cfg.Interval <= 0 {
		cfg.Interval = 250 * time.Millisecond
	}
	if cfg.Decimals == 0 {
		cfg.Decimals = 2
	}
	return &Transport{
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		prices: make(map[string]float64),
	}
}

func (t *Transport) Name() string { return "synthetic" }

func (t *Transport) Connect(ctx context.Context) (feed.Stream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := &stream{t: t, closed: make(chan struct{})}
	t.live = s
	return s, nil
}

// Drop closes the live stream, simulating a transport fault
func (t *Transport) Drop() {
	t.mu.Lock()
	s := t.live
	t.mu.Unlock()
	if s != nil {
		_ = s.Close()
	}
}

// step advances every instrument and returns a bid and ask tick for each
func (t *Transport) step(instruments []string, at time.Time) []core.Tick {
	t.mu.Lock()
	defer t.mu.Unlock()

	ticks := make([]core.Tick, 0, 2*len(instruments))
	half := decimal.NewFromFloat(t.cfg.Spread / 2)
	for _, inst := range instruments {
		p, ok := t.prices[inst]
		if !ok {
			p = t.cfg.StartPrice
		}
		p *= math.Exp(t.cfg.Volatility * t.rng.NormFloat64())
		t.prices[inst] = p

		mid := decimal.NewFromFloat(p).Round(t.cfg.Decimals)
		bid, ask := mid.Sub(half), mid.Add(half)
		ticks = append(ticks,
			core.Tick{Instrument: inst, Timestamp: at, Price: bid, Size: decimal.NewFromInt(1), Side: core.TickSideBid},
			core.Tick{Instrument: inst, Timestamp: at, Price: ask, Size: decimal.NewFromInt(1), Side: core.TickSideAsk},
		)
	}
	return ticks
}

type stream struct {
	t           *Transport
	instruments []string
	closeOnce   sync.Once
	closed      chan struct{}
}

func (s *stream) Subscribe(ctx context.Context, instruments []string) error {
	s.instruments = append([]string(nil), instruments...)
	return nil
}

func (s *stream) Recv(ctx context.Context) ([]core.Tick, error) {
	timer := time.NewTimer(s.t.cfg.Interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, errStreamClosed
	case at := <-timer.C:
		return s.t.step(s.instruments, at.UTC()), nil
	}
}

func (s *stream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

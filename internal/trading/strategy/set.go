package strategy

import (
	"fmt"
	"time"

	"algotrader/internal/core"
	"algotrader/internal/trading/ledger"

	"github.com/google/uuid"
)

// Set fans ticks out to independent strategies feeding the same order manager
type Set struct {
	strategies []Strategy
	byTag      map[string]Strategy
	logger     core.ILogger
}

// NewSet composes strategies; tags must be unique
func NewSet(logger core.ILogger, strategies ...Strategy) (*Set, error) {
	s := &Set{
		byTag:  make(map[string]Strategy, len(strategies)),
		logger: logger.WithField("component", "strategy_set"),
	}
	for _, st := range strategies {
		if _, dup := s.byTag[st.Tag()]; dup {
			return nil, fmt.Errorf("duplicate strategy tag %q", st.Tag())
		}
		s.byTag[st.Tag()] = st
		s.strategies = append(s.strategies, st)
	}
	return s, nil
}

// Len returns the number of strategies
func (s *Set) Len() int { return len(s.strategies) }

// Get returns the strategy with the given tag
func (s *Set) Get(tag string) (Strategy, bool) {
	st, ok := s.byTag[tag]
	return st, ok
}

// OnTick evaluates every strategy bound to the tick's instrument. Intents are
// stamped with the producing strategy's tag; a panicking strategy is skipped.
func (s *Set) OnTick(tick core.Tick, snap ledger.Snapshot) []core.Intent {
	var out []core.Intent
	for _, st := range s.strategies {
		if st.Instrument() != tick.Instrument {
			continue
		}
		for _, intent := range s.evaluate(st, tick, snap) {
			intent.StrategyTag = st.Tag()
			if intent.ID == "" {
				intent.ID = uuid.NewString()
			}
			if intent.CreatedAt.IsZero() {
				intent.CreatedAt = time.Now()
			}
			out = append(out, intent)
		}
	}
	return out
}

func (s *Set) evaluate(st Strategy, tick core.Tick, snap ledger.Snapshot) (intents []core.Intent) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Strategy panicked", "tag", st.Tag(), "panic", r)
			intents = nil
		}
	}()
	return st.OnTick(tick, snap)
}

// OnGap notifies gap observers bound to an affected instrument
func (s *Set) OnGap(gap core.Gap) {
	for _, st := range s.strategies {
		obs, ok := st.(GapObserver)
		if !ok || !affects(gap, st.Instrument()) {
			continue
		}
		obs.OnGap(gap)
	}
}

func affects(gap core.Gap, instrument string) bool {
	if len(gap.Instruments) == 0 {
		return true
	}
	for _, inst := range gap.Instruments {
		if inst == instrument {
			return true
		}
	}
	return false
}

// OnOrderUpdate routes an order update to the strategy that produced it
func (s *Set) OnOrderUpdate(order core.Order, err error) {
	st, ok := s.byTag[order.StrategyTag]
	if !ok {
		return
	}
	if obs, ok := st.(OrderObserver); ok {
		obs.OnOrderUpdate(order, err)
	}
}

// Status reports the state of every strategy that exposes one
func (s *Set) Status() map[string]map[string]interface{} {
	out := make(map[string]map[string]interface{}, len(s.strategies))
	for _, st := range s.strategies {
		status := map[string]interface{}{"instrument": st.Instrument()}
		if r, ok := st.(Reporter); ok {
			for k, v := range r.Status() {
				status[k] = v
			}
		}
		out[st.Tag()] = status
	}
	return out
}

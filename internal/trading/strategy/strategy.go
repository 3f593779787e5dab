// Package strategy hosts pluggable signal engines. A strategy turns ticks into
// intents and never touches the order manager or the ledger directly; it sees the
// ledger only through the read-only snapshot passed to OnTick.
package strategy

import (
	"fmt"
	"sort"
	"sync"

	"algotrader/internal/config"
	"algotrader/internal/core"
	"algotrader/internal/trading/ledger"
)

// Strategy is a signal engine bound to one instrument
type Strategy interface {
	Tag() string
	Instrument() string
	OnTick(tick core.Tick, snap ledger.Snapshot) []core.Intent
}

// GapObserver is implemented by strategies that react to feed discontinuities
type GapObserver interface {
	OnGap(gap core.Gap)
}

// OrderObserver is implemented by strategies that track their own orders.
// err is set for broker rejections.
type OrderObserver interface {
	OnOrderUpdate(order core.Order, err error)
}

// Reporter exposes a strategy's internal state for the ops API
type Reporter interface {
	Status() map[string]interface{}
}

// Factory builds a strategy from its config block
type Factory func(cfg config.StrategyConfig, logger core.ILogger) (Strategy, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{
		"breakout":  NewBreakoutFromConfig,
		"sma_cross": NewSMACrossFromConfig,
	}
)

// Register adds or replaces a strategy type
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// Types lists registered strategy types
func Types() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// New builds a strategy of cfg.Type
func New(cfg config.StrategyConfig, logger core.ILogger) (Strategy, error) {
	registryMu.RLock()
	f, ok := registry[cfg.Type]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown strategy type %q", cfg.Type)
	}
	s, err := f(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("strategy %s: %w", cfg.Tag, err)
	}
	return s, nil
}

package ledger

import (
	"time"

	"algotrader/internal/core"

	"github.com/shopspring/decimal"
)

// Snapshot is a read-only copy of ledger state handed to strategies
type Snapshot struct {
	At        time.Time
	Positions map[string]core.Position
	// Working is the signed unfilled quantity of live orders per instrument
	Working map[string]decimal.Decimal
	Stale   map[string]bool
	Limits  core.RiskLimits
}

// Position returns the instrument's position or a flat one
func (s Snapshot) Position(instrument string) core.Position {
	if p, ok := s.Positions[instrument]; ok {
		return p
	}
	return core.Position{Instrument: instrument}
}

// IsFlat reports whether there is neither a position nor a working order
func (s Snapshot) IsFlat(instrument string) bool {
	return s.Position(instrument).NetQty.IsZero() && s.Working[instrument].IsZero()
}

// Snapshot deep-copies the current state
func (l *Ledger) Snapshot() Snapshot {
	s := Snapshot{
		At:        l.now(),
		Positions: make(map[string]core.Position, len(l.positions)),
		Working:   make(map[string]decimal.Decimal, len(l.open)),
		Stale:     make(map[string]bool, len(l.stale)),
		Limits:    l.limits,
	}
	for inst, p := range l.positions {
		s.Positions[inst] = *p
	}
	for inst, w := range l.open {
		s.Working[inst] = w.long.Sub(w.short)
	}
	for inst := range l.stale {
		s.Stale[inst] = true
	}
	if l.limits.PerInstrument != nil {
		s.Limits.PerInstrument = make(map[string]decimal.Decimal, len(l.limits.PerInstrument))
		for k, v := range l.limits.PerInstrument {
			s.Limits.PerInstrument[k] = v
		}
	}
	return s
}

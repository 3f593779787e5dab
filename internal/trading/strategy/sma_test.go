package strategy

import (
	"testing"
	"time"

	"algotrader/internal/core"
	"algotrader/internal/trading/ledger"
	"algotrader/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSMA(t *testing.T) *SMACross {
	t.Helper()
	s, err := NewSMACross(SMACrossConfig{
		Tag:        "sma",
		Instrument: inst,
		Resolution: time.Minute,
		Quantity:   d("1"),
		Fast:       2,
		Slow:       3,
	}, logging.NewNop())
	require.NoError(t, err)
	return s
}

// one tick per minute; bar i closes when tick i+1 arrives
var smaPrices = []string{"10", "10", "10", "12", "14", "8", "6", "20"}

func TestSMACross_TradesOnlyOnCrossover(t *testing.T) {
	s := newTestSMA(t)
	flat := ledger.Snapshot{}

	var intents []core.Intent
	for i := 0; i <= 6; i++ {
		out := s.OnTick(tickAt(minute(i), smaPrices[i]), flat)
		if i < 6 {
			require.Empty(t, out, "tick %d", i)
		}
		intents = out
	}

	require.Len(t, intents, 1)
	assert.Equal(t, core.Sell, intents[0].Direction)
	assert.Equal(t, "1", intents[0].Quantity.String())
	assert.Equal(t, "6", intents[0].Price.String())

	assert.Empty(t, s.OnTick(tickAt(minute(7), smaPrices[7]), flat))

	short := ledger.Snapshot{Positions: map[string]core.Position{inst: {Instrument: inst, NetQty: d("-1")}}}
	up := s.OnTick(tickAt(minute(8), "20"), short)
	require.Len(t, up, 1)
	assert.Equal(t, core.Buy, up[0].Direction)
	assert.Equal(t, "2", up[0].Quantity.String())
}

func TestSMACross_WorkingOrdersCountTowardTarget(t *testing.T) {
	s := newTestSMA(t)
	for i := 0; i <= 5; i++ {
		s.OnTick(tickAt(minute(i), smaPrices[i]), ledger.Snapshot{})
	}
	// an earlier sell is still working
	working := ledger.Snapshot{Working: map[string]decimal.Decimal{inst: d("-1")}}
	assert.Empty(t, s.OnTick(tickAt(minute(6), smaPrices[6]), working))
}

func TestSMACross_GapForgetsRegime(t *testing.T) {
	s := newTestSMA(t)
	for i := 0; i <= 5; i++ {
		s.OnTick(tickAt(minute(i), smaPrices[i]), ledger.Snapshot{})
	}
	s.OnGap(core.Gap{Reason: "reconnect"})
	assert.Equal(t, 0, s.Status()["regime"])

	// the down-cross is not traded because the prior regime is unknown
	assert.Empty(t, s.OnTick(tickAt(minute(6), smaPrices[6]), ledger.Snapshot{}))
	assert.Equal(t, -1, s.Status()["regime"])
}

func TestNewSMACross_Validation(t *testing.T) {
	_, err := NewSMACross(SMACrossConfig{Fast: 5, Slow: 5, Quantity: d("1"), Resolution: time.Minute}, logging.NewNop())
	assert.Error(t, err)
	_, err = NewSMACross(SMACrossConfig{Fast: 2, Slow: 5, Resolution: time.Minute}, logging.NewNop())
	assert.Error(t, err)
}

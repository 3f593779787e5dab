package ledger

import (
	"errors"
	"testing"
	"time"

	"algotrader/internal/core"
	apperrors "algotrader/pkg/errors"
	"algotrader/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertDec(t *testing.T, want string, got decimal.Decimal, msg ...interface{}) {
	t.Helper()
	assert.True(t, d(want).Equal(got), "want %s got %s %v", want, got, msg)
}

func newLedger(limits core.RiskLimits, opts ...Option) *Ledger {
	return New(limits, logging.NewNop(), opts...)
}

func TestApplyFill_WeightedAverageAndRealized(t *testing.T) {
	l := newLedger(core.RiskLimits{})
	now := time.Now()

	l.ApplyFill("X", d("10"), d("100"), now)
	l.ApplyFill("X", d("10"), d("110"), now)
	p := l.Position("X")
	assertDec(t, "20", p.NetQty)
	assertDec(t, "105", p.AvgCost)
	assertDec(t, "0", p.RealizedPnL)

	// reduce: realized on the closed quantity only
	l.ApplyFill("X", d("-5"), d("120"), now)
	p = l.Position("X")
	assertDec(t, "15", p.NetQty)
	assertDec(t, "105", p.AvgCost)
	assertDec(t, "75", p.RealizedPnL)

	// cross through zero: close 15, open 5 short at the fill price
	l.ApplyFill("X", d("-20"), d("100"), now)
	p = l.Position("X")
	assertDec(t, "-5", p.NetQty)
	assertDec(t, "100", p.AvgCost)
	assertDec(t, "0", p.RealizedPnL) // 75 - 15*5

	// flatten the short at a profit
	l.ApplyFill("X", d("5"), d("90"), now)
	p = l.Position("X")
	assertDec(t, "0", p.NetQty)
	assertDec(t, "0", p.AvgCost)
	assertDec(t, "50", p.RealizedPnL)

	assertDec(t, "0", l.FillDelta("X"))
}

func TestMarkToMarket_UnrealizedUsesMid(t *testing.T) {
	l := newLedger(core.RiskLimits{})
	l.ApplyFill("X", d("-2"), d("50"), time.Now())

	l.MarkToMarket(core.Tick{Instrument: "X", Price: d("44"), Side: core.TickSideBid})
	assertDec(t, "12", l.Position("X").UnrealizedPnL) // mark 44

	l.MarkToMarket(core.Tick{Instrument: "X", Price: d("46"), Side: core.TickSideAsk})
	p := l.Position("X")
	assertDec(t, "45", p.LastMark)
	assertDec(t, "10", p.UnrealizedPnL)
}

func TestMarkGap_StaleUntilNextTick(t *testing.T) {
	l := newLedger(core.RiskLimits{})
	l.MarkToMarket(core.Tick{Instrument: "X", Price: d("10"), Side: core.TickSideTrade})

	l.MarkGap(core.Gap{Instruments: []string{"X", "Y"}, Reason: "reconnect"})
	assert.True(t, l.IsStale("X"))
	assert.True(t, l.Snapshot().Stale["Y"])

	l.MarkToMarket(core.Tick{Instrument: "X", Price: d("11"), Side: core.TickSideTrade})
	assert.False(t, l.IsStale("X"))
	assert.True(t, l.IsStale("Y"))
}

func TestCheckRisk_StaleMarkRefusesMarketOrders(t *testing.T) {
	l := newLedger(core.RiskLimits{})
	l.MarkToMarket(core.Tick{Instrument: "X", Price: d("10"), Side: core.TickSideTrade})
	l.MarkGap(core.Gap{Instruments: []string{"X"}, Reason: "reconnect"})

	res := l.CheckRisk("X", d("1"), decimal.Zero)
	assert.False(t, res.Pass)
	assert.Equal(t, LimitNoReference, res.Limit)

	assert.True(t, l.CheckRisk("X", d("1"), d("10")).Pass)

	l.MarkToMarket(core.Tick{Instrument: "X", Price: d("10.5"), Side: core.TickSideTrade})
	assert.True(t, l.CheckRisk("X", d("1"), decimal.Zero).Pass)
}

func TestCheckRisk_PositionLimit(t *testing.T) {
	tests := []struct {
		name     string
		limits   core.RiskLimits
		net      string
		reserved string
		proposed string
		pass     bool
	}{
		{"within limit", core.RiskLimits{MaxPositionPerInstrument: d("200")}, "0", "0", "100", true},
		{"exceeds limit", core.RiskLimits{MaxPositionPerInstrument: d("50")}, "0", "0", "100", false},
		{"working orders count", core.RiskLimits{MaxPositionPerInstrument: d("150")}, "0", "100", "100", false},
		{"reducing is allowed", core.RiskLimits{MaxPositionPerInstrument: d("50")}, "50", "0", "-50", true},
		{"short side", core.RiskLimits{MaxPositionPerInstrument: d("50")}, "-40", "-5", "-10", false},
		{"override wins", core.RiskLimits{MaxPositionPerInstrument: d("10"), PerInstrument: map[string]decimal.Decimal{"X": d("500")}}, "0", "0", "100", true},
		{"zero disables", core.RiskLimits{}, "0", "0", "1000000", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newLedger(tt.limits)
			if !d(tt.net).IsZero() {
				l.ApplyFill("X", d(tt.net), d("1"), time.Now())
			}
			if !d(tt.reserved).IsZero() {
				l.ReserveOpen("X", d(tt.reserved), d("1"))
			}
			res := l.CheckRisk("X", d(tt.proposed), d("1"))
			assert.Equal(t, tt.pass, res.Pass, res.Reason)
			if !tt.pass {
				assert.Equal(t, LimitPosition, res.Limit)
				var ve *apperrors.ValidationError
				require.True(t, errors.As(res.Err(), &ve))
				assert.Equal(t, LimitPosition, ve.Limit)
			}
		})
	}
}

func TestCheckRisk_IsPure(t *testing.T) {
	clock := time.Unix(1000, 0)
	l := newLedger(core.RiskLimits{MaxPositionPerInstrument: d("10"), MaxOrderRatePerSecond: 1}, WithClock(func() time.Time { return clock }))
	before := l.Snapshot()

	for i := 0; i < 5; i++ {
		assert.True(t, l.CheckRisk("X", d("5"), d("1")).Pass)
	}
	assert.Equal(t, before, l.Snapshot())
}

func TestCheckRisk_GrossExposure(t *testing.T) {
	l := newLedger(core.RiskLimits{MaxGrossExposure: d("1000")})
	l.ApplyFill("A", d("5"), d("100"), time.Now()) // 500
	l.ReserveOpen("A", d("-2"), d("90"))           // +200 at mark

	assert.True(t, l.CheckRisk("B", d("3"), d("100")).Pass)
	res := l.CheckRisk("B", d("-4"), d("100"))
	assert.False(t, res.Pass)
	assert.Equal(t, LimitGross, res.Limit)

	// market order with no mark for the instrument
	res = l.CheckRisk("C", d("1"), decimal.Zero)
	assert.Equal(t, LimitNoReference, res.Limit)
	assertDec(t, "700", l.GrossExposure())
}

func TestCheckRisk_GrossExposureBeforeFirstMark(t *testing.T) {
	l := newLedger(core.RiskLimits{MaxGrossExposure: d("1000")})

	require.True(t, l.CheckRisk("X", d("5"), d("100")).Pass)
	l.ReserveOpen("X", d("5"), d("100"))
	assertDec(t, "500", l.GrossExposure())

	res := l.CheckRisk("X", d("6"), d("100"))
	assert.False(t, res.Pass)
	assert.Equal(t, LimitGross, res.Limit)
	assert.True(t, l.CheckRisk("Y", d("-5"), d("100")).Pass)

	// partial release scales the reserved notional
	l.ReleaseOpen("X", d("2"))
	assertDec(t, "300", l.GrossExposure())

	// once marked, working quantity is valued at the mark
	l.MarkToMarket(core.Tick{Instrument: "X", Price: d("110"), Side: core.TickSideTrade})
	assertDec(t, "330", l.GrossExposure())
}

func TestCheckRisk_OrderRate(t *testing.T) {
	clock := time.Unix(1000, 0)
	l := newLedger(core.RiskLimits{MaxOrderRatePerSecond: 2}, WithClock(func() time.Time { return clock }))

	for i := 0; i < 2; i++ {
		require.True(t, l.CheckRisk("X", d("1"), d("1")).Pass)
		l.RecordSubmission()
	}
	res := l.CheckRisk("X", d("1"), d("1"))
	assert.False(t, res.Pass)
	assert.Equal(t, LimitOrderRate, res.Limit)

	clock = clock.Add(500 * time.Millisecond)
	assert.True(t, l.CheckRisk("X", d("1"), d("1")).Pass)
}

func TestSetLimits_HotReload(t *testing.T) {
	l := newLedger(core.RiskLimits{MaxPositionPerInstrument: d("50")})
	assert.False(t, l.CheckRisk("X", d("100"), d("1")).Pass)

	l.SetLimits(core.RiskLimits{MaxPositionPerInstrument: d("200")})
	assert.True(t, l.CheckRisk("X", d("100"), d("1")).Pass)
	assertDec(t, "200", l.Limits().MaxPositionPerInstrument)
}

func TestReserveRelease(t *testing.T) {
	l := newLedger(core.RiskLimits{})
	l.ReserveOpen("X", d("10"), d("5"))
	l.ReserveOpen("X", d("-4"), d("5"))
	assertDec(t, "6", l.Snapshot().Working["X"])

	l.ReleaseOpen("X", d("10"))
	l.ReleaseOpen("X", d("-4"))
	_, ok := l.Snapshot().Working["X"]
	assert.False(t, ok)

	// releasing more than reserved clamps at zero
	l.ReserveOpen("X", d("1"), d("5"))
	l.ReleaseOpen("X", d("3"))
	assert.True(t, l.Snapshot().IsFlat("X"))
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	l := newLedger(core.RiskLimits{PerInstrument: map[string]decimal.Decimal{"X": d("1")}})
	l.ApplyFill("X", d("1"), d("10"), time.Now())

	s := l.Snapshot()
	s.Limits.PerInstrument["X"] = d("999")
	p := s.Positions["X"]
	p.NetQty = d("42")

	assertDec(t, "1", l.Position("X").NetQty)
	assertDec(t, "1", l.Limits().PerInstrument["X"])
}

func TestRestore(t *testing.T) {
	l := newLedger(core.RiskLimits{})
	l.Restore([]core.Position{{Instrument: "X", NetQty: d("3"), AvgCost: d("10"), LastMark: d("12")}})

	ps := l.Positions()
	require.Len(t, ps, 1)
	assertDec(t, "3", ps[0].NetQty)
	// restored quantity is not a fill since start
	assertDec(t, "0", l.FillDelta("X"))
}

package checkpoint

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"algotrader/internal/config"
	"algotrader/internal/core"
	apperrors "algotrader/pkg/errors"
	"algotrader/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleState() *State {
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	return &State{
		SavedAt: at,
		Positions: []core.Position{{
			Instrument:  "XAUUSD",
			NetQty:      decimal.RequireFromString("1.25"),
			AvgCost:     decimal.RequireFromString("2001.40"),
			RealizedPnL: decimal.RequireFromString("-3.5"),
			UpdatedAt:   at,
		}},
		OpenOrders: []core.Order{{
			ClientOrderID: "c-1",
			Instrument:    "XAUUSD",
			Direction:     core.Sell,
			Type:          core.OrderTypeLimit,
			Price:         decimal.RequireFromString("2010"),
			RequestedQty:  decimal.RequireFromString("1"),
			FilledQty:     decimal.RequireFromString("0.5"),
			Status:        core.OrderStatusPartiallyFilled,
			StrategyTag:   "breakout",
		}},
	}
}

func TestStores_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	drivers := []config.CheckpointConfig{
		{Driver: "memory"},
		{Driver: "sqlite", Path: filepath.Join(dir, "state.db")},
		{Driver: "pebble", Path: filepath.Join(dir, "pebble")},
	}

	for _, cfg := range drivers {
		t.Run(cfg.Driver, func(t *testing.T) {
			store, err := Open(cfg)
			require.NoError(t, err)
			defer store.Close()

			empty, err := store.Load(context.Background())
			require.NoError(t, err)
			assert.Nil(t, empty)

			require.NoError(t, store.Save(context.Background(), sampleState()))
			next := sampleState()
			next.Positions[0].NetQty = decimal.RequireFromString("2")
			require.NoError(t, store.Save(context.Background(), next))

			got, err := store.Load(context.Background())
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, Version, got.Version)
			assert.True(t, got.SavedAt.Equal(next.SavedAt))
			require.Len(t, got.Positions, 1)
			assert.Equal(t, "2", got.Positions[0].NetQty.String())
			assert.True(t, got.Positions[0].AvgCost.Equal(decimal.RequireFromString("2001.4")))
			require.Len(t, got.OpenOrders, 1)
			assert.Equal(t, "c-1", got.OpenOrders[0].ClientOrderID)
			assert.Equal(t, core.OrderStatusPartiallyFilled, got.OpenOrders[0].Status)
			assert.Equal(t, "0.5", got.OpenOrders[0].FilledQty.String())
		})
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(config.CheckpointConfig{Driver: "etcd"})
	assert.Error(t, err)
}

func TestMemoryStore_DetectsCorruption(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), sampleState()))

	store.data[len(store.data)-2] ^= 0xff
	_, err := store.Load(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrChecksumMismatch)
}

func TestSQLiteStore_DetectsCorruption(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Save(context.Background(), sampleState()))
	_, err = store.db.Exec(`UPDATE checkpoint SET data = replace(data, '1.25', '9.25') WHERE id = 1`)
	require.NoError(t, err)

	_, err = store.Load(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrChecksumMismatch)
}

func TestDecode_RejectsNewerVersion(t *testing.T) {
	state := sampleState()
	state.Version = Version + 1
	data, sum, err := encode(state)
	require.NoError(t, err)
	_, err = decode(data, sum)
	assert.Error(t, err)
}

type flakyStore struct {
	*MemoryStore
	failures int
}

func (s *flakyStore) Save(ctx context.Context, state *State) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("disk busy")
	}
	return s.MemoryStore.Save(ctx, state)
}

func TestSaveWithRetry(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore(), failures: 2}
	require.NoError(t, SaveWithRetry(context.Background(), store, sampleState(), logging.NewNop()))
	assert.Equal(t, 1, store.Saves())

	store.failures = 5
	assert.Error(t, SaveWithRetry(context.Background(), store, sampleState(), logging.NewNop()))
}

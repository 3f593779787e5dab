// Package checkpoint persists ledger positions and open orders so a restart
// resumes with the same exposure. Every blob carries a sha256 checksum that
// is verified on load.
package checkpoint

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"algotrader/internal/config"
	"algotrader/internal/core"
	apperrors "algotrader/pkg/errors"
	"algotrader/pkg/retry"
)

// Version of the State layout
const Version = 1

// State is one checkpoint
type State struct {
	Version    int             `json:"version"`
	SavedAt    time.Time       `json:"saved_at"`
	Positions  []core.Position `json:"positions"`
	OpenOrders []core.Order    `json:"open_orders"`
}

// Store persists the latest State. Load returns nil, nil when nothing was saved yet.
type Store interface {
	Save(ctx context.Context, state *State) error
	Load(ctx context.Context) (*State, error)
	Close() error
}

// Open builds the store named by cfg.Driver
func Open(cfg config.CheckpointConfig) (Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return NewSQLiteStore(cfg.Path)
	case "pebble":
		return NewPebbleStore(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown checkpoint driver %q", cfg.Driver)
	}
}

func encode(state *State) ([]byte, []byte, error) {
	if state.Version == 0 {
		state.Version = Version
	}
	data, err := json.Marshal(state)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal state: %w", err)
	}
	sum := sha256.Sum256(data)
	return data, sum[:], nil
}

func decode(data, checksum []byte) (*State, error) {
	sum := sha256.Sum256(data)
	if !bytes.Equal(sum[:], checksum) {
		return nil, apperrors.ErrChecksumMismatch
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	if state.Version > Version {
		return nil, fmt.Errorf("checkpoint version %d is newer than supported %d", state.Version, Version)
	}
	return &state, nil
}

// SaveWithRetry writes state under the default retry policy
func SaveWithRetry(ctx context.Context, store Store, state *State, logger core.ILogger) error {
	return retry.DoNotify(ctx, retry.DefaultPolicy, retry.Always,
		func(attempt int, err error, wait time.Duration) {
			logger.Warn("Checkpoint write failed, retrying", "attempt", attempt, "error", err, "wait", wait)
		},
		func() error { return store.Save(ctx, state) })
}

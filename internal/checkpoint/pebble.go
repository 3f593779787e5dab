package checkpoint

import (
	"context"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
)

var (
	keyState    = []byte("checkpoint:state")
	keyChecksum = []byte("checkpoint:checksum")
)

// PebbleStore keeps the checkpoint in a pebble key-value store
type PebbleStore struct {
	db *pebble.DB
}

// NewPebbleStore opens or creates the store directory at path
func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble store: %w", err)
	}
	return &PebbleStore{db: db}, nil
}

// Save writes data and checksum in one synced batch
func (s *PebbleStore) Save(ctx context.Context, state *State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, checksum, err := encode(state)
	if err != nil {
		return err
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(keyState, data, nil); err != nil {
		return err
	}
	if err := b.Set(keyChecksum, checksum, nil); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return nil
}

func (s *PebbleStore) Load(ctx context.Context) (*State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := s.get(keyState)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	checksum, err := s.get(keyChecksum)
	if err != nil {
		return nil, fmt.Errorf("failed to read checksum: %w", err)
	}
	return decode(data, checksum)
}

// get copies the value out before the closer releases it
func (s *PebbleStore) get(key []byte) ([]byte, error) {
	val, closer, err := s.db.Get(key)
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), val...), nil
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}

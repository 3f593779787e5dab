package checkpoint

import (
	"context"
	"sync"
)

// MemoryStore holds the encoded checkpoint in process. Used for paper runs and tests.
type MemoryStore struct {
	mu       sync.Mutex
	data     []byte
	checksum []byte
	saves    int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Save(ctx context.Context, state *State) error {
	data, checksum, err := encode(state)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data, s.checksum = data, checksum
	s.saves++
	return nil
}

func (s *MemoryStore) Load(ctx context.Context) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return nil, nil
	}
	return decode(s.data, s.checksum)
}

// Saves counts successful writes
func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func (s *MemoryStore) Close() error { return nil }

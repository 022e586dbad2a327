// Package checkpoint persists serialized thread state so an interrupted turn
// can be resumed after a process restart.
package checkpoint

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned by Load when no checkpoint exists for a thread.
var ErrNotFound = errors.New("checkpoint not found")

// Store saves and loads opaque thread state keyed by thread id. Save must be
// durable before it returns.
type Store interface {
	Save(ctx context.Context, threadID string, state []byte) error
	Load(ctx context.Context, threadID string) ([]byte, error)
	Delete(ctx context.Context, threadID string) error
}

// MemoryStore is an in-process Store. State does not survive a restart.
type MemoryStore struct {
	mu      sync.RWMutex
	threads map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{threads: make(map[string][]byte)}
}

// Save stores a copy of state.
func (s *MemoryStore) Save(ctx context.Context, threadID string, state []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[threadID] = append([]byte(nil), state...)
	return nil
}

// Load returns a copy of the stored state or ErrNotFound.
func (s *MemoryStore) Load(ctx context.Context, threadID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.threads[threadID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), state...), nil
}

// Delete removes the thread. Deleting an unknown thread is not an error.
func (s *MemoryStore) Delete(ctx context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.threads, threadID)
	return nil
}

// Len returns the number of stored threads.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.threads)
}

package outqueue

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Store persists pending messages across restarts. Load returns entries
// in Seq order.
type Store interface {
	Put(ctx context.Context, p PendingMessage) error
	Delete(ctx context.Context, p PendingMessage) error
	Load(ctx context.Context) ([]PendingMessage, error)
	Close() error
}

type MemoryStore struct {
	mu      sync.Mutex
	entries map[uuid.UUID]PendingMessage
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[uuid.UUID]PendingMessage)}
}

func (s *MemoryStore) Put(ctx context.Context, p PendingMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[p.ClientTempID] = p
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, p PendingMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, p.ClientTempID)
	return nil
}

func (s *MemoryStore) Load(ctx context.Context) ([]PendingMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PendingMessage, 0, len(s.entries))
	for _, p := range s.entries {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

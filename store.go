package audit

import (
	"context"
	"sync"
)

// Store is the durable medium behind the audit trail. It holds opaque slot
// payloads addressed by name and replaces a slot as a whole on every Save;
// there is no partial append.
//
// Load returns (nil, nil) when the slot has never been written.
//
// Two engines sharing one Store and slot are not safe to flush concurrently:
// the later Save wins. Deployments with several writers must serialize access
// outside the engine.
type Store interface {
	Load(ctx context.Context, slot string) ([]byte, error)
	Save(ctx context.Context, slot string, data []byte) error
	Close() error
}

// MemoryStore is a process-local Store, mainly for tests and for hosts that
// forward the audit trail elsewhere.
type MemoryStore struct {
	mu    sync.RWMutex
	slots map[string][]byte
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{slots: make(map[string][]byte)}
}

func (s *MemoryStore) Load(_ context.Context, slot string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.slots[slot]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryStore) Save(_ context.Context, slot string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots[slot] = append([]byte(nil), data...)
	return nil
}

func (s *MemoryStore) Close() error { return nil }

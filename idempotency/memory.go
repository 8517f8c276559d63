package idempotency

import (
	"context"
	"sync"
)

// InMemory is a Ledger kept in process memory. It is meant for tests and
// single process setups; claims do not survive a restart.
type InMemory struct {
	mu      sync.Mutex
	entries map[string]struct{}
}

var _ Ledger = (*InMemory)(nil)

func NewInMemory() *InMemory {
	return &InMemory{
		entries: make(map[string]struct{}),
	}
}

func (l *InMemory) TryClaim(_ context.Context, consumer, messageId string) (bool, error) {
	key := consumer + "\x00" + messageId
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.entries[key]; ok {
		return false, nil
	}
	l.entries[key] = struct{}{}
	return true, nil
}

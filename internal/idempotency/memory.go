package idempotency

import (
	"context"
	"sync"
	"time"
)

// Memory is a process-local Store. Keys are not shared across instances.
type Memory struct {
	mu      sync.Mutex
	entries map[string]time.Time // key -> expiry
	now     func() time.Time
}

// NewMemory builds an empty process-local store.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]time.Time), now: time.Now}
}

// WithClock replaces the time source; used by tests to step past the TTL.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

func (m *Memory) SeenOrMark(_ context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if expiry, ok := m.entries[key]; ok && now.Before(expiry) {
		return true, nil
	}
	m.entries[key] = now.Add(ttl)
	m.sweep(now)
	return false, nil
}

func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]time.Time)
	return nil
}

// sweep drops expired entries once the map grows; callers hold mu.
func (m *Memory) sweep(now time.Time) {
	if len(m.entries) < 1024 {
		return
	}
	for k, expiry := range m.entries {
		if !now.Before(expiry) {
			delete(m.entries, k)
		}
	}
}

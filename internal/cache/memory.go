package cache

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	payload    []byte
	recordedAt time.Time
}

// Memory is an in-process cache with lazy expiry and an optional janitor.
type Memory struct {
	mu           sync.RWMutex
	entries      map[string]memoryEntry
	ttl          time.Duration
	cleanupEvery time.Duration
	now          func() time.Time
}

type MemoryOption func(*Memory)

func WithCleanupEvery(d time.Duration) MemoryOption {
	return func(m *Memory) { m.cleanupEvery = d }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

func NewMemory(ttl time.Duration, opts ...MemoryOption) *Memory {
	m := &Memory{
		entries:      make(map[string]memoryEntry),
		ttl:          ttl,
		cleanupEvery: 10 * time.Minute,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	ent, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok || expired(ent.recordedAt, m.now(), m.ttl) {
		return nil, false, nil
	}
	out := make([]byte, len(ent.payload))
	copy(out, ent.payload)
	return out, true, nil
}

func (m *Memory) Put(_ context.Context, key string, payload []byte) error {
	buf := make([]byte, len(payload))
	copy(buf, payload)

	m.mu.Lock()
	m.entries[key] = memoryEntry{payload: buf, recordedAt: m.now()}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Cleanup drops expired entries.
func (m *Memory) Cleanup() {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	for k, ent := range m.entries {
		if expired(ent.recordedAt, now, m.ttl) {
			delete(m.entries, k)
		}
	}
}

// StartJanitor runs Cleanup every cleanupEvery until ctx is done.
func (m *Memory) StartJanitor(ctx context.Context) {
	if m.cleanupEvery <= 0 || m.ttl <= 0 {
		return
	}
	t := time.NewTicker(m.cleanupEvery)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				m.Cleanup()
			}
		}
	}()
}

package store

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	value     int64
	expiresAt time.Time // zero means no expiry
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Compile-time interface checks.
var (
	_ Coordinator = (*MemoryStore)(nil)
	_ Sizer       = (*MemoryStore)(nil)
)

// MemoryStore is an in-memory Coordinator. A single mutex makes every
// operation atomic. Expired keys are dropped when they are next read, and
// all of them are swept, at most once a second, whenever a new window
// counter is created. Counters are lost on process restart.
type MemoryStore struct {
	mu        sync.Mutex
	entries   map[string]*entry
	now       func() time.Time
	nextSweep time.Time
	closed    bool
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	o := newOptions(opts)
	return &MemoryStore{
		entries: make(map[string]*entry),
		now:     o.now,
	}
}

// lookup returns the live entry for key, evicting it if it has expired.
// Callers must hold m.mu.
func (m *MemoryStore) lookup(key string, now time.Time) *entry {
	e, ok := m.entries[key]
	if !ok {
		return nil
	}
	if e.expired(now) {
		delete(m.entries, key)
		return nil
	}
	return e
}

// sweep deletes every expired entry. Callers must hold m.mu.
func (m *MemoryStore) sweep(now time.Time) {
	if now.Before(m.nextSweep) {
		return
	}
	m.nextSweep = now.Add(sweepInterval)
	for key, e := range m.entries {
		if e.expired(now) {
			delete(m.entries, key)
		}
	}
}

// ExecuteAtomic runs script against key under the store lock.
func (m *MemoryStore) ExecuteAtomic(_ context.Context, key string, script Script, args ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}
	now := m.now()

	switch script {
	case BucketCheck:
		limit, err := IntArg(script, args, 0)
		if err != nil {
			return 0, err
		}
		e := m.lookup(key, now)
		var current int64
		if e != nil {
			current = e.value
		}
		if current+1 > limit {
			return 0, nil
		}
		if e == nil {
			m.sweep(now)
			e = &entry{}
			m.entries[key] = e
		}
		e.value++
		e.expiresAt = now.Add(BucketTTL)
		return 1, nil

	case SemaphoreCheck:
		e := m.lookup(key, now)
		if e == nil || e.value <= 0 {
			return 0, nil
		}
		e.value--
		return 1, nil

	case SemaphoreReleaseBounded:
		limit, err := IntArg(script, args, 0)
		if err != nil {
			return 0, err
		}
		e := m.lookup(key, now)
		if e == nil {
			e = &entry{}
			m.entries[key] = e
		}
		if e.value >= limit {
			return 0, nil
		}
		e.value++
		return 1, nil
	}

	return 0, ErrUnknownScript
}

// IncrBy adds by to the value at key.
func (m *MemoryStore) IncrBy(_ context.Context, key string, by int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}
	e := m.lookup(key, m.now())
	if e == nil {
		e = &entry{}
		m.entries[key] = e
	}
	e.value += by
	return e.value, nil
}

// Get returns the value at key, or 0 when absent or expired.
func (m *MemoryStore) Get(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}
	e := m.lookup(key, m.now())
	if e == nil {
		return 0, nil
	}
	return e.value, nil
}

// Delete removes key.
func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	delete(m.entries, key)
	return nil
}

// Len returns the number of keys held, including expired ones not yet swept.
func (m *MemoryStore) Len(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}
	return int64(len(m.entries)), nil
}

// Close marks the store closed. Every later call fails with ErrClosed.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.entries = make(map[string]*entry)
	return nil
}

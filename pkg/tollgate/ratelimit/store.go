// Package ratelimit provides the public tier's per-IP daily admission
// control. It is best-effort: counters live in a Store, and the in-memory
// store neither survives restarts nor coordinates across instances. Use the
// Redis store when several instances serve the public tier.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Store holds expiring counters.
type Store interface {
	// Get returns the current value of key, zero when missing or expired.
	Get(ctx context.Context, key string) (int64, error)

	// IncrementWithExpiry adds delta to key and sets its expiry when the key
	// is new.
	IncrementWithExpiry(ctx context.Context, key string, delta int64, expiration time.Duration) (int64, error)

	// Close releases resources.
	Close() error
}

type entry struct {
	value      int64
	expiration time.Time
}

// MemoryStore is a process-local Store with an injectable clock.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]*entry
	now  func() time.Time
	done chan struct{}
	once sync.Once
}

// NewMemoryStore creates a MemoryStore that sweeps expired keys every
// sweepInterval. A zero interval disables sweeping.
func NewMemoryStore(now func() time.Time, sweepInterval time.Duration) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	s := &MemoryStore{data: make(map[string]*entry), now: now, done: make(chan struct{})}
	if sweepInterval > 0 {
		go s.sweep(sweepInterval)
	}
	return s
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[key]
	if !ok || s.expired(e) {
		return 0, nil
	}
	return e.value, nil
}

// IncrementWithExpiry implements Store.
func (s *MemoryStore) IncrementWithExpiry(ctx context.Context, key string, delta int64, expiration time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[key]
	if !ok || s.expired(e) {
		e = &entry{expiration: s.now().Add(expiration)}
		s.data[key] = e
	}
	e.value += delta
	return e.value, nil
}

// Close stops the sweeper.
func (s *MemoryStore) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

// Len returns the number of stored keys, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

func (s *MemoryStore) expired(e *entry) bool {
	return !e.expiration.IsZero() && !s.now().Before(e.expiration)
}

func (s *MemoryStore) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep drops expired keys.
func (s *MemoryStore) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.data {
		if s.expired(e) {
			delete(s.data, k)
		}
	}
}

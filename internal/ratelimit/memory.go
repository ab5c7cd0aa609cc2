package ratelimit

import (
	"context"
	"sync"
	"time"
)

// sweepEvery is how many new windows may be created before expired entries
// are swept. Sweeping on creation keeps memory bounded without a background
// goroutine and never blocks checks for longer than one map pass.
const sweepEvery = 100

type window struct {
	count     int
	expiresAt time.Time
}

// MemoryStore is a mutex-guarded fixed-window table. It is the default
// backend and the fallback for the shared ones; state is intentionally lost
// on restart.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*window
	created int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]*window)}
}

// Incr implements Store. The context is unused: the operation is a map
// access under a local mutex.
func (s *MemoryStore) Incr(_ context.Context, key string, windowLength time.Duration) (int, time.Time, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok || !now.Before(w.expiresAt) {
		w = &window{count: 1, expiresAt: now.Add(windowLength)}
		s.windows[key] = w

		s.created++
		if s.created >= sweepEvery {
			s.created = 0
			s.sweepLocked(now)
		}
		return w.count, w.expiresAt, nil
	}

	w.count++
	return w.count, w.expiresAt, nil
}

// sweepLocked drops expired windows. Caller holds the mutex.
func (s *MemoryStore) sweepLocked(now time.Time) {
	for key, w := range s.windows {
		if !now.Before(w.expiresAt) {
			delete(s.windows, key)
		}
	}
}

// Len reports the number of live windows, expired ones included until the
// next sweep.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}

package ratelimit

import (
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// Maximum number of per-identity buckets to keep in memory
	maxBuckets = 10000
	// How often inactive buckets are removed
	burstCleanupInterval = 5 * time.Minute
	// A bucket is considered inactive if not used for this duration
	bucketTTL = 15 * time.Minute
)

type bucket struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// BurstGuard caps the short-horizon request rate per identity. The upload
// scope layers it on top of the fixed-window budget so a caller cannot spend
// a whole window's allowance in one burst.
type BurstGuard struct {
	buckets map[string]*bucket
	mu      sync.RWMutex
	rate    rate.Limit
	burst   int
	stopCh  chan struct{}
}

// NewBurstGuard creates a guard allowing perSecond sustained requests with
// the given burst capacity per identity, and starts its cleanup goroutine.
func NewBurstGuard(perSecond float64, burst int) *BurstGuard {
	g := &BurstGuard{
		buckets: make(map[string]*bucket),
		rate:    rate.Limit(perSecond),
		burst:   burst,
		stopCh:  make(chan struct{}),
	}

	go g.cleanupLoop()

	return g
}

// Allow reports whether the identity may proceed right now.
func (g *BurstGuard) Allow(identity string) bool {
	return g.bucketFor(identity).Allow()
}

// Stop stops the cleanup goroutine.
func (g *BurstGuard) Stop() {
	close(g.stopCh)
}

func (g *BurstGuard) bucketFor(identity string) *rate.Limiter {
	g.mu.RLock()
	b, exists := g.buckets[identity]
	g.mu.RUnlock()

	if exists {
		g.mu.Lock()
		b.lastAccess = time.Now()
		g.mu.Unlock()
		return b.limiter
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	// Double-check after acquiring write lock
	if b, exists = g.buckets[identity]; exists {
		b.lastAccess = time.Now()
		return b.limiter
	}

	b = &bucket{
		limiter:    rate.NewLimiter(g.rate, g.burst),
		lastAccess: time.Now(),
	}
	g.buckets[identity] = b
	return b.limiter
}

func (g *BurstGuard) cleanupLoop() {
	ticker := time.NewTicker(burstCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.stopCh:
			return
		case <-ticker.C:
			g.cleanup()
		}
	}
}

// cleanup removes stale buckets, and when the table is still over capacity
// evicts the least recently used half.
func (g *BurstGuard) cleanup() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	for identity, b := range g.buckets {
		if now.Sub(b.lastAccess) > bucketTTL {
			delete(g.buckets, identity)
		}
	}

	if len(g.buckets) <= maxBuckets {
		return
	}

	type access struct {
		identity string
		at       time.Time
	}
	entries := make([]access, 0, len(g.buckets))
	for identity, b := range g.buckets {
		entries = append(entries, access{identity, b.lastAccess})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].at.Before(entries[j].at) })

	for _, e := range entries[:len(entries)-maxBuckets/2] {
		delete(g.buckets, e.identity)
	}
}

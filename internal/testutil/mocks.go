package testutil

import (
	"context"
	"sync"
	"time"

	"edgegate/internal/audit"
)

// CapturingSink is an audit.Sink that records events in memory so tests can
// assert on what the pipeline emitted.
type CapturingSink struct {
	mu     sync.Mutex
	events []*audit.Event
}

func (s *CapturingSink) Publish(ctx context.Context, event *audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// Events returns a copy of everything published so far.
func (s *CapturingSink) Events() []*audit.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*audit.Event, len(s.events))
	copy(out, s.events)
	return out
}

// Kinds returns the event kinds in publish order.
func (s *CapturingSink) Kinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds := make([]string, len(s.events))
	for i, e := range s.events {
		kinds[i] = e.Kind
	}
	return kinds
}

// FailingStore is a rate store whose every advance fails, for exercising
// fail-closed behavior.
type FailingStore struct {
	Err error
}

func (s FailingStore) Incr(ctx context.Context, key string, window time.Duration) (int, time.Time, error) {
	return 0, time.Time{}, s.Err
}

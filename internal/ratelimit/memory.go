package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process sliding-window store. Each key holds the
// timestamps of its admitted requests inside the current window.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time

	lastSweep time.Time
}

type bucket struct {
	hits     []time.Time
	lastSeen time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

func (s *MemoryStore) Take(_ context.Context, key string, limit int, window time.Duration) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.sweep(now, window)

	b, ok := s.buckets[key]
	if !ok {
		b = &bucket{}
		s.buckets[key] = b
	}
	b.lastSeen = now

	// Drop hits that slid out of the window.
	cutoff := now.Add(-window)
	kept := b.hits[:0]
	for _, t := range b.hits {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.hits = kept

	if len(b.hits) >= limit {
		return Decision{
			Allowed:   false,
			Remaining: 0,
			ResetAt:   b.hits[0].Add(window),
		}, nil
	}

	b.hits = append(b.hits, now)
	return Decision{
		Allowed:   true,
		Remaining: limit - len(b.hits),
		ResetAt:   b.hits[0].Add(window),
	}, nil
}

// sweep drops buckets idle for more than two windows. Runs at most once
// per window, under the store lock.
func (s *MemoryStore) sweep(now time.Time, window time.Duration) {
	if now.Sub(s.lastSweep) < window {
		return
	}
	s.lastSweep = now
	idle := now.Add(-2 * window)
	for key, b := range s.buckets {
		if b.lastSeen.Before(idle) {
			delete(s.buckets, key)
		}
	}
}

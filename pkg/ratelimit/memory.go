package ratelimit

import (
	"context"
	"sync"
	"time"
)

// NewMemoryStrategy keeps the same sliding window as the redis strategy in process memory.
func NewMemoryStrategy(now func() time.Time) Strategy {
	return &memoryStrategy{
		now:     now,
		windows: map[string]*window{},
	}
}

type window struct {
	requests  []time.Time
	expiresAt time.Time // the window is empty from then on
}

type memoryStrategy struct {
	now func() time.Time

	mx        sync.Mutex
	windows   map[string]*window
	lastSweep time.Time
}

// sweep drops idle keys, at most once per d. Caller holds s.mx.
func (s *memoryStrategy) sweep(now time.Time, d time.Duration) {
	if now.Sub(s.lastSweep) < d {
		return
	}
	s.lastSweep = now
	for key, w := range s.windows {
		if !w.expiresAt.After(now) {
			delete(s.windows, key)
		}
	}
}

func (s *memoryStrategy) Run(_ context.Context, r *Request) (*Result, error) {
	now := s.now()
	expiresAt := now.Add(r.Duration)
	minimum := now.Add(-r.Duration)

	s.mx.Lock()
	defer s.mx.Unlock()

	s.sweep(now, r.Duration)

	w, ok := s.windows[r.Key]
	if !ok {
		w = &window{}
		s.windows[r.Key] = w
	}
	l := 0
	for l < len(w.requests) && !w.requests[l].After(minimum) {
		l++
	}
	w.requests = w.requests[l:]

	if uint64(len(w.requests)) >= r.Limit {
		return &Result{
			State:         Deny,
			TotalRequests: uint64(len(w.requests)),
			ExpiresAt:     expiresAt,
		}, nil
	}

	w.requests = append(w.requests, now)
	w.expiresAt = expiresAt
	return &Result{
		State:         Allow,
		TotalRequests: uint64(len(w.requests)),
		ExpiresAt:     expiresAt,
	}, nil
}

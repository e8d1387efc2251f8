package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Spacer enforces a minimum interval between successive calls, across all
// goroutines sharing it. Public registries such as the CMS NPI API and
// Nominatim ask clients for at most one request per second.
type Spacer struct {
	interval time.Duration
	now      func() time.Time

	mu   sync.Mutex
	next time.Time // earliest start for the next reserved slot
}

// NewSpacer returns a Spacer. A non-positive interval never waits.
func NewSpacer(interval time.Duration) *Spacer {
	return &Spacer{interval: interval, now: time.Now}
}

// Wait reserves the next slot and blocks until it arrives or ctx is done.
// Slots are handed out in call order. A cancelled waiter still consumes
// its slot.
func (s *Spacer) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.interval <= 0 {
		return nil
	}

	s.mu.Lock()
	now := s.now()
	start := s.next
	if start.Before(now) {
		start = now
	}
	s.next = start.Add(s.interval)
	s.mu.Unlock()

	delay := start.Sub(now)
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

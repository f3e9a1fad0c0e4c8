package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/gridfuse/resilience/models"
)

// OriginLimiter paces scraping traffic per origin (scheme+host). Each origin
// gets a fixed requests-per-minute budget derived from the configured
// inter-request delay plus a concurrency gate bounding in-flight fetches.
type OriginLimiter struct {
	clock   Clock
	mu      sync.Mutex
	origins map[string]*originState
}

type originState struct {
	perMinute   int
	concurrent  int
	windowStart time.Time
	count       int
	sem         *semaphore.Weighted
}

// NewOriginLimiter constructs an empty origin limiter.
func NewOriginLimiter() *OriginLimiter {
	return &OriginLimiter{clock: realClock{}, origins: make(map[string]*originState)}
}

// WithClock swaps the clock, for tests.
func (l *OriginLimiter) WithClock(clock Clock) *OriginLimiter {
	if clock != nil {
		l.clock = clock
	}
	return l
}

// Configure installs the budget for an origin. The per-minute rate is derived
// as ceil(60s / delay); concurrent bounds simultaneous in-flight requests.
// Reconfiguring with an unchanged budget keeps the current window state.
func (l *OriginLimiter) Configure(origin string, delay time.Duration, concurrent int) {
	if delay <= 0 {
		delay = time.Second
	}
	if concurrent <= 0 {
		concurrent = 1
	}
	perMinute := int((time.Minute + delay - 1) / delay)
	l.mu.Lock()
	if existing, ok := l.origins[origin]; ok && existing.perMinute == perMinute && existing.concurrent == concurrent {
		l.mu.Unlock()
		return
	}
	l.origins[origin] = &originState{perMinute: perMinute, concurrent: concurrent, sem: semaphore.NewWeighted(int64(concurrent))}
	l.mu.Unlock()
}

// Acquire claims a minute-window slot and a concurrency slot for the origin.
// The returned release func must be called when the fetch completes. Waiting on
// the concurrency gate respects ctx.
func (l *OriginLimiter) Acquire(ctx context.Context, origin string) (func(), error) {
	l.mu.Lock()
	state, ok := l.origins[origin]
	if !ok {
		l.mu.Unlock()
		return func() {}, nil
	}
	now := l.clock.Now().UTC()
	minute := now.Truncate(time.Minute)
	if !minute.Equal(state.windowStart) {
		state.windowStart = minute
		state.count = 0
	}
	if state.count >= state.perMinute {
		retry := state.windowStart.Add(time.Minute).Sub(now)
		l.mu.Unlock()
		return nil, &models.RateLimitError{SourceID: origin, RetryAfter: retry}
	}
	state.count++
	l.mu.Unlock()

	if err := state.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { state.sem.Release(1) }, nil
}

package ratelimit

import (
	"sync"
	"time"

	"github.com/gridfuse/resilience/models"
)

// Clock abstraction for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Remaining reports the unspent budget in each window.
type Remaining struct {
	PerSecond int `json:"per_second"`
	PerHour   int `json:"per_hour"`
	PerDay    int `json:"per_day"`
}

// Limiter enforces per-source request budgets across fixed one-second,
// one-hour and one-day windows. Window boundaries are wall-clock aligned to
// UTC. Acquisition is atomic: if any window would overflow, none is consumed.
type Limiter struct {
	clock   Clock
	mu      sync.Mutex
	sources map[string]*sourceWindows
}

type sourceWindows struct {
	limits models.RateLimitSpec

	secondStart time.Time
	secondCount int
	hourStart   time.Time
	hourCount   int
	dayStart    time.Time
	dayCount    int
}

// NewLimiter constructs an empty limiter; sources are installed via Register.
func NewLimiter() *Limiter {
	return &Limiter{clock: realClock{}, sources: make(map[string]*sourceWindows)}
}

// WithClock swaps the clock, for tests.
func (l *Limiter) WithClock(clock Clock) *Limiter {
	if clock != nil {
		l.clock = clock
	}
	return l
}

// Register installs (or replaces) the budget for a source.
func (l *Limiter) Register(sourceID string, limits models.RateLimitSpec) {
	l.mu.Lock()
	l.sources[sourceID] = &sourceWindows{limits: limits}
	l.mu.Unlock()
}

// Remove drops all limiter state for a source.
func (l *Limiter) Remove(sourceID string) {
	l.mu.Lock()
	delete(l.sources, sourceID)
	l.mu.Unlock()
}

// Acquire consumes one slot in every window, or consumes nothing and returns a
// RateLimitError carrying the earliest reset among the saturated windows.
// Unregistered sources are unlimited.
func (l *Limiter) Acquire(sourceID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	state, ok := l.sources[sourceID]
	if !ok {
		return nil
	}
	now := l.clock.Now().UTC()
	state.roll(now)

	var earliest time.Time
	note := func(reset time.Time) {
		if earliest.IsZero() || reset.Before(earliest) {
			earliest = reset
		}
	}
	if state.limits.PerSecond > 0 && state.secondCount >= state.limits.PerSecond {
		note(state.secondStart.Add(time.Second))
	}
	if state.limits.PerHour > 0 && state.hourCount >= state.limits.PerHour {
		note(state.hourStart.Add(time.Hour))
	}
	if state.limits.PerDay > 0 && state.dayCount >= state.limits.PerDay {
		note(state.dayStart.Add(24 * time.Hour))
	}
	if !earliest.IsZero() {
		return &models.RateLimitError{SourceID: sourceID, RetryAfter: earliest.Sub(now)}
	}

	state.secondCount++
	state.hourCount++
	state.dayCount++
	return nil
}

// Remaining reports the unspent budget per window. Zero-limit windows report -1
// (unlimited).
func (l *Limiter) Remaining(sourceID string) Remaining {
	l.mu.Lock()
	defer l.mu.Unlock()
	state, ok := l.sources[sourceID]
	if !ok {
		return Remaining{PerSecond: -1, PerHour: -1, PerDay: -1}
	}
	state.roll(l.clock.Now().UTC())
	left := func(limit, used int) int {
		if limit <= 0 {
			return -1
		}
		if used >= limit {
			return 0
		}
		return limit - used
	}
	return Remaining{
		PerSecond: left(state.limits.PerSecond, state.secondCount),
		PerHour:   left(state.limits.PerHour, state.hourCount),
		PerDay:    left(state.limits.PerDay, state.dayCount),
	}
}

// roll advances any window whose boundary has passed, resetting its count.
func (s *sourceWindows) roll(now time.Time) {
	sec := now.Truncate(time.Second)
	if !sec.Equal(s.secondStart) {
		s.secondStart = sec
		s.secondCount = 0
	}
	hour := now.Truncate(time.Hour)
	if !hour.Equal(s.hourStart) {
		s.hourStart = hour
		s.hourCount = 0
	}
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if !day.Equal(s.dayStart) {
		s.dayStart = day
		s.dayCount = 0
	}
}

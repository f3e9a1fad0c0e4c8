package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gridfuse/resilience/models"
)

// State of a per-source circuit.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Settings tune the per-source state machine.
type Settings struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
	MonitoringWindow time.Duration `yaml:"monitoring_window"`
}

// DefaultSettings mirror the documented defaults.
func DefaultSettings() Settings {
	return Settings{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		OpenTimeout:      60 * time.Second,
		MonitoringWindow: 5 * time.Minute,
	}
}

// UnmarshalYAML decodes duration fields from strings like "60s", layering over
// the values already present.
func (s *Settings) UnmarshalYAML(value *yaml.Node) error {
	raw := struct {
		FailureThreshold *int    `yaml:"failure_threshold"`
		SuccessThreshold *int    `yaml:"success_threshold"`
		OpenTimeout      *string `yaml:"open_timeout"`
		MonitoringWindow *string `yaml:"monitoring_window"`
	}{}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.FailureThreshold != nil {
		s.FailureThreshold = *raw.FailureThreshold
	}
	if raw.SuccessThreshold != nil {
		s.SuccessThreshold = *raw.SuccessThreshold
	}
	if raw.OpenTimeout != nil {
		d, err := time.ParseDuration(*raw.OpenTimeout)
		if err != nil {
			return err
		}
		s.OpenTimeout = d
	}
	if raw.MonitoringWindow != nil {
		d, err := time.ParseDuration(*raw.MonitoringWindow)
		if err != nil {
			return err
		}
		s.MonitoringWindow = d
	}
	return nil
}

func (s Settings) normalized() Settings {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 5
	}
	if s.SuccessThreshold <= 0 {
		s.SuccessThreshold = 3
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = 60 * time.Second
	}
	if s.MonitoringWindow <= 0 {
		s.MonitoringWindow = 5 * time.Minute
	}
	return s
}

// Clock abstraction for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// TransitionFunc observes state changes; invoked outside the source lock.
type TransitionFunc func(sourceID string, from, to State)

// Breaker holds one circuit state machine per source. All mutation for a given
// source is serialized on that source's lock; the guarded function runs outside
// it.
type Breaker struct {
	settings     Settings
	clock        Clock
	mu           sync.RWMutex
	sources      map[string]*sourceState
	onTransition TransitionFunc
}

type sourceState struct {
	mu            sync.Mutex
	state         State
	failures      []time.Time // within monitoring window
	successCount  int         // HALF_OPEN only
	nextAttemptAt time.Time   // OPEN only
	lastFailureAt time.Time
}

// New constructs a Breaker with normalized settings.
func New(settings Settings) *Breaker {
	return &Breaker{
		settings: settings.normalized(),
		clock:    realClock{},
		sources:  make(map[string]*sourceState),
	}
}

// WithClock swaps the clock, for tests.
func (b *Breaker) WithClock(clock Clock) *Breaker {
	if clock != nil {
		b.clock = clock
	}
	return b
}

// OnTransition registers a single observer for state changes.
func (b *Breaker) OnTransition(fn TransitionFunc) { b.onTransition = fn }

// Register installs a closed circuit for the source. Idempotent.
func (b *Breaker) Register(sourceID string) {
	b.mu.Lock()
	if _, ok := b.sources[sourceID]; !ok {
		b.sources[sourceID] = &sourceState{state: StateClosed}
	}
	b.mu.Unlock()
}

// Remove drops all circuit state for the source.
func (b *Breaker) Remove(sourceID string) {
	b.mu.Lock()
	delete(b.sources, sourceID)
	b.mu.Unlock()
}

func (b *Breaker) get(sourceID string) *sourceState {
	b.mu.RLock()
	s := b.sources[sourceID]
	b.mu.RUnlock()
	if s != nil {
		return s
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if s = b.sources[sourceID]; s == nil {
		s = &sourceState{state: StateClosed}
		b.sources[sourceID] = s
	}
	return s
}

// Execute runs fn under the source's circuit. While OPEN and before the next
// attempt time it returns CircuitOpenError without invoking fn. The first call
// at or after nextAttemptAt transitions to HALF_OPEN and proceeds. A cancelled
// call records neither success nor failure.
func (b *Breaker) Execute(ctx context.Context, sourceID string, fn func(ctx context.Context) (any, error)) (any, error) {
	s := b.get(sourceID)

	s.mu.Lock()
	now := b.clock.Now()
	if s.state == StateOpen {
		if now.Before(s.nextAttemptAt) {
			next := s.nextAttemptAt
			s.mu.Unlock()
			return nil, &models.CircuitOpenError{SourceID: sourceID, NextAttemptAt: next}
		}
		b.transitionLocked(s, sourceID, StateHalfOpen)
		s.successCount = 0
	}
	s.mu.Unlock()

	result, err := fn(ctx)

	// A cancellation never completed the business contract: no recording.
	if err != nil && errors.Is(err, context.Canceled) {
		return nil, err
	}

	if err != nil {
		b.recordFailure(s, sourceID)
		return nil, err
	}
	b.recordSuccess(s, sourceID)
	return result, nil
}

// RecordSuccess feeds an externally-observed success into the machine.
func (b *Breaker) RecordSuccess(sourceID string) { b.recordSuccess(b.get(sourceID), sourceID) }

// RecordFailure feeds an externally-observed failure into the machine.
func (b *Breaker) RecordFailure(sourceID string) { b.recordFailure(b.get(sourceID), sourceID) }

func (b *Breaker) recordSuccess(s *sourceState, sourceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateHalfOpen:
		s.successCount++
		if s.successCount >= b.settings.SuccessThreshold {
			s.failures = nil
			s.successCount = 0
			b.transitionLocked(s, sourceID, StateClosed)
		}
	case StateClosed:
		// Success resets the failure window.
		s.failures = nil
	}
}

func (b *Breaker) recordFailure(s *sourceState, sourceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := b.clock.Now()
	s.lastFailureAt = now
	switch s.state {
	case StateHalfOpen:
		s.nextAttemptAt = now.Add(b.settings.OpenTimeout)
		s.successCount = 0
		b.transitionLocked(s, sourceID, StateOpen)
	case StateClosed:
		s.failures = append(s.failures, now)
		s.pruneLocked(now, b.settings.MonitoringWindow)
		if len(s.failures) >= b.settings.FailureThreshold {
			s.nextAttemptAt = now.Add(b.settings.OpenTimeout)
			s.failures = nil
			b.transitionLocked(s, sourceID, StateOpen)
		}
	}
}

// pruneLocked drops failures at or beyond the monitoring window boundary.
func (s *sourceState) pruneLocked(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	kept := s.failures[:0]
	for _, t := range s.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.failures = kept
}

func (b *Breaker) transitionLocked(s *sourceState, sourceID string, to State) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	if b.onTransition != nil {
		go b.onTransition(sourceID, from, to)
	}
}

// State reports the current state of a source's circuit, accounting for an
// elapsed open timeout only at the next Execute (no timer threads).
func (b *Breaker) State(sourceID string) State {
	b.mu.RLock()
	s := b.sources[sourceID]
	b.mu.RUnlock()
	if s == nil {
		return StateClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// NextAttemptAt reports when an OPEN circuit permits its next probe.
func (b *Breaker) NextAttemptAt(sourceID string) (time.Time, bool) {
	b.mu.RLock()
	s := b.sources[sourceID]
	b.mu.RUnlock()
	if s == nil {
		return time.Time{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpen {
		return time.Time{}, false
	}
	return s.nextAttemptAt, true
}

// OpenCount reports how many circuits are currently OPEN.
func (b *Breaker) OpenCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, s := range b.sources {
		s.mu.Lock()
		if s.state == StateOpen {
			n++
		}
		s.mu.Unlock()
	}
	return n
}

// ResetStuck force-closes circuits that have sat OPEN for longer than grace
// past their next attempt time. Returns the affected source IDs.
func (b *Breaker) ResetStuck(grace time.Duration) []string {
	now := b.clock.Now()
	b.mu.RLock()
	ids := make([]string, 0, len(b.sources))
	states := make([]*sourceState, 0, len(b.sources))
	for id, s := range b.sources {
		ids = append(ids, id)
		states = append(states, s)
	}
	b.mu.RUnlock()

	var reset []string
	for i, s := range states {
		s.mu.Lock()
		if s.state == StateOpen && now.Sub(s.nextAttemptAt) > grace {
			s.failures = nil
			s.successCount = 0
			b.transitionLocked(s, ids[i], StateClosed)
			reset = append(reset, ids[i])
		}
		s.mu.Unlock()
	}
	return reset
}

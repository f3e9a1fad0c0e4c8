package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridfuse/resilience/models"
)

type manualClock struct{ now time.Time }

func (c *manualClock) Now() time.Time          { return c.now }
func (c *manualClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestLimiter(t *testing.T, limits models.RateLimitSpec) (*Limiter, *manualClock) {
	t.Helper()
	clock := &manualClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	l := NewLimiter().WithClock(clock)
	l.Register("src", limits)
	return l, clock
}

func TestAcquireWithinBudget(t *testing.T) {
	l, _ := newTestLimiter(t, models.RateLimitSpec{PerSecond: 2, PerHour: 10, PerDay: 100})
	require.NoError(t, l.Acquire("src"))
	require.NoError(t, l.Acquire("src"))
}

func TestSecondWindowSaturation(t *testing.T) {
	l, clock := newTestLimiter(t, models.RateLimitSpec{PerSecond: 2})
	require.NoError(t, l.Acquire("src"))
	require.NoError(t, l.Acquire("src"))

	err := l.Acquire("src")
	require.Error(t, err)
	var rle *models.RateLimitError
	require.True(t, errors.As(err, &rle))
	assert.True(t, errors.Is(err, models.ErrRateLimited))
	assert.LessOrEqual(t, rle.RetryAfter, time.Second)

	clock.Advance(time.Second)
	require.NoError(t, l.Acquire("src"))
}

func TestAcquireIsAtomicAcrossWindows(t *testing.T) {
	// Second window permits, day window is exhausted: nothing is consumed.
	l, clock := newTestLimiter(t, models.RateLimitSpec{PerSecond: 5, PerDay: 2})
	require.NoError(t, l.Acquire("src"))
	require.NoError(t, l.Acquire("src"))
	require.Error(t, l.Acquire("src"))

	clock.Advance(2 * time.Second)
	require.Error(t, l.Acquire("src"), "day window still saturated")
	rem := l.Remaining("src")
	assert.Equal(t, 5, rem.PerSecond, "failed acquire must not consume the second window")
	assert.Equal(t, 0, rem.PerDay)
}

func TestHourWindowRollsAtUTCBoundary(t *testing.T) {
	l, clock := newTestLimiter(t, models.RateLimitSpec{PerHour: 1})
	require.NoError(t, l.Acquire("src"))
	require.Error(t, l.Acquire("src"))

	// 12:00 -> 13:00 boundary.
	clock.Advance(time.Hour)
	require.NoError(t, l.Acquire("src"))
}

func TestDayWindowRetryAfterPointsAtMidnight(t *testing.T) {
	l, _ := newTestLimiter(t, models.RateLimitSpec{PerDay: 1})
	require.NoError(t, l.Acquire("src"))
	err := l.Acquire("src")
	var rle *models.RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, 12*time.Hour, rle.RetryAfter)
}

func TestGrantsNeverExceedBudgetWithinWindow(t *testing.T) {
	l, clock := newTestLimiter(t, models.RateLimitSpec{PerSecond: 3})
	for window := 0; window < 5; window++ {
		granted := 0
		for i := 0; i < 10; i++ {
			if l.Acquire("src") == nil {
				granted++
			}
		}
		assert.Equal(t, 3, granted, "window %d", window)
		clock.Advance(time.Second)
	}
}

func TestUnregisteredSourceIsUnlimited(t *testing.T) {
	l := NewLimiter()
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Acquire("anything"))
	}
	rem := l.Remaining("anything")
	assert.Equal(t, -1, rem.PerSecond)
}

func TestRemaining(t *testing.T) {
	l, _ := newTestLimiter(t, models.RateLimitSpec{PerSecond: 3, PerHour: 5})
	require.NoError(t, l.Acquire("src"))
	rem := l.Remaining("src")
	assert.Equal(t, 2, rem.PerSecond)
	assert.Equal(t, 4, rem.PerHour)
	assert.Equal(t, -1, rem.PerDay)
}

func TestOriginLimiterPerMinuteBudget(t *testing.T) {
	clock := &manualClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	l := NewOriginLimiter().WithClock(clock)
	// 20s delay -> 3 requests per minute.
	l.Configure("https://example.org", 20*time.Second, 2)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		release, err := l.Acquire(ctx, "https://example.org")
		require.NoError(t, err)
		release()
	}
	_, err := l.Acquire(ctx, "https://example.org")
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrRateLimited))

	clock.Advance(time.Minute)
	release, err := l.Acquire(ctx, "https://example.org")
	require.NoError(t, err)
	release()
}

func TestOriginLimiterConcurrencyGate(t *testing.T) {
	clock := &manualClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	l := NewOriginLimiter().WithClock(clock)
	l.Configure("https://example.org", time.Millisecond, 1)

	ctx := context.Background()
	release, err := l.Acquire(ctx, "https://example.org")
	require.NoError(t, err)

	// Second in-flight acquire must block until release; bound it with a
	// deadline to observe the block.
	blocked, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(blocked, "https://example.org")
	require.Error(t, err)

	release()
	release2, err := l.Acquire(ctx, "https://example.org")
	require.NoError(t, err)
	release2()
}

func TestOriginLimiterUnknownOriginAllows(t *testing.T) {
	l := NewOriginLimiter()
	release, err := l.Acquire(context.Background(), "https://unknown.example")
	require.NoError(t, err)
	release()
}

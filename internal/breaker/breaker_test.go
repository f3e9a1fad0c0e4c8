package breaker

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

var errUpstream = errors.New("upstream boom")

func newTestBreaker() (*Breaker, *manualClock) {
	clock := &manualClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	b := New(DefaultSettings()).WithClock(clock)
	b.Register("src")
	return b, clock
}

func fail(ctx context.Context) (any, error)    { return nil, errUpstream }
func succeed(ctx context.Context) (any, error) { return "ok", nil }

func TestClosedToOpenAtFailureThreshold(t *testing.T) {
	b, _ := newTestBreaker()
	for i := 0; i < 4; i++ {
		_, err := b.Execute(context.Background(), "src", fail)
		require.Error(t, err)
		assert.Equal(t, StateClosed, b.State("src"), "failure %d", i+1)
	}
	_, err := b.Execute(context.Background(), "src", fail)
	require.Error(t, err)
	assert.Equal(t, StateOpen, b.State("src"))

	next, ok := b.NextAttemptAt("src")
	require.True(t, ok)
	assert.False(t, next.IsZero())
}

func TestOpenShortCircuitsWithoutInvoking(t *testing.T) {
	b, _ := newTestBreaker()
	for i := 0; i < 5; i++ {
		_, _ = b.Execute(context.Background(), "src", fail)
	}
	invoked := false
	_, err := b.Execute(context.Background(), "src", func(ctx context.Context) (any, error) {
		invoked = true
		return "ok", nil
	})
	require.Error(t, err)
	var coe *models.CircuitOpenError
	require.ErrorAs(t, err, &coe)
	assert.False(t, invoked)
	assert.Equal(t, "src", coe.SourceID)
}

func TestOpenToHalfOpenAtExactBoundary(t *testing.T) {
	b, clock := newTestBreaker()
	for i := 0; i < 5; i++ {
		_, _ = b.Execute(context.Background(), "src", fail)
	}
	next, _ := b.NextAttemptAt("src")

	// First call at t == nextAttemptAt transitions to HALF_OPEN and proceeds.
	clock.now = next
	result, err := b.Execute(context.Background(), "src", succeed)
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, StateHalfOpen, b.State("src"))
}

func TestHalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	b, clock := newTestBreaker()
	for i := 0; i < 5; i++ {
		_, _ = b.Execute(context.Background(), "src", fail)
	}
	clock.Advance(61 * time.Second)
	for i := 0; i < 3; i++ {
		_, err := b.Execute(context.Background(), "src", succeed)
		require.NoError(t, err)
	}
	assert.Equal(t, StateClosed, b.State("src"))
}

func TestHalfOpenReopensOnAnyFailure(t *testing.T) {
	b, clock := newTestBreaker()
	for i := 0; i < 5; i++ {
		_, _ = b.Execute(context.Background(), "src", fail)
	}
	clock.Advance(61 * time.Second)
	_, err := b.Execute(context.Background(), "src", succeed)
	require.NoError(t, err)
	_, err = b.Execute(context.Background(), "src", fail)
	require.Error(t, err)
	assert.Equal(t, StateOpen, b.State("src"))

	next, ok := b.NextAttemptAt("src")
	require.True(t, ok)
	assert.Equal(t, clock.now.Add(60*time.Second), next)
}

func TestClosedSuccessResetsFailureWindow(t *testing.T) {
	b, _ := newTestBreaker()
	for i := 0; i < 4; i++ {
		_, _ = b.Execute(context.Background(), "src", fail)
	}
	_, err := b.Execute(context.Background(), "src", succeed)
	require.NoError(t, err)
	// Window reset: four more failures do not trip.
	for i := 0; i < 4; i++ {
		_, _ = b.Execute(context.Background(), "src", fail)
	}
	assert.Equal(t, StateClosed, b.State("src"))
}

func TestFailureExactlyWindowOldIsExcluded(t *testing.T) {
	b, clock := newTestBreaker()
	for i := 0; i < 4; i++ {
		_, _ = b.Execute(context.Background(), "src", fail)
	}
	// The fifth failure lands exactly monitoringWindow after the first; the
	// first is excluded and the circuit stays closed.
	clock.Advance(5 * time.Minute)
	_, _ = b.Execute(context.Background(), "src", fail)
	assert.Equal(t, StateClosed, b.State("src"))
}

func TestTimeoutCountsAsFailure(t *testing.T) {
	b, _ := newTestBreaker()
	timeout := func(ctx context.Context) (any, error) { return nil, context.DeadlineExceeded }
	for i := 0; i < 5; i++ {
		_, _ = b.Execute(context.Background(), "src", timeout)
	}
	assert.Equal(t, StateOpen, b.State("src"))
}

func TestCancelledCallRecordsNothing(t *testing.T) {
	b, _ := newTestBreaker()
	cancelled := func(ctx context.Context) (any, error) { return nil, context.Canceled }
	for i := 0; i < 10; i++ {
		_, err := b.Execute(context.Background(), "src", cancelled)
		require.Error(t, err)
	}
	assert.Equal(t, StateClosed, b.State("src"))
}

func TestDeterministicStateFromSequence(t *testing.T) {
	// Same sequence of outcomes and times yields the same state on two
	// independent machines.
	run := func() State {
		clock := &manualClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
		b := New(DefaultSettings()).WithClock(clock)
		b.Register("src")
		steps := []bool{false, false, true, false, false, false, false, false}
		for _, success := range steps {
			clock.Advance(time.Second)
			if success {
				_, _ = b.Execute(context.Background(), "src", succeed)
			} else {
				_, _ = b.Execute(context.Background(), "src", fail)
			}
		}
		return b.State("src")
	}
	assert.Equal(t, run(), run())
}

func TestResetStuck(t *testing.T) {
	b, clock := newTestBreaker()
	for i := 0; i < 5; i++ {
		_, _ = b.Execute(context.Background(), "src", fail)
	}
	require.Equal(t, StateOpen, b.State("src"))

	// Not yet past grace.
	assert.Empty(t, b.ResetStuck(5*time.Minute))

	clock.Advance(60*time.Second + 5*time.Minute + time.Second)
	reset := b.ResetStuck(5 * time.Minute)
	assert.Equal(t, []string{"src"}, reset)
	assert.Equal(t, StateClosed, b.State("src"))
}

func TestOpenCount(t *testing.T) {
	b, _ := newTestBreaker()
	b.Register("other")
	assert.Equal(t, 0, b.OpenCount())
	for i := 0; i < 5; i++ {
		_, _ = b.Execute(context.Background(), "src", fail)
	}
	assert.Equal(t, 1, b.OpenCount())
}

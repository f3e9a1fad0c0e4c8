package feeds

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridfuse/resilience/internal/testutil/httpmock"
	"github.com/gridfuse/resilience/models"
)

type manualClock struct{ now time.Time }

func (c *manualClock) Now() time.Time          { return c.now }
func (c *manualClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type itemSink struct {
	mu    sync.Mutex
	items []models.FeedItem
}

func (s *itemSink) handler(streamID string, items []models.FeedItem) {
	s.mu.Lock()
	s.items = append(s.items, items...)
	s.mu.Unlock()
}

func (s *itemSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func newFeedServer(t *testing.T, body string) *httpmock.MockServer {
	t.Helper()
	server := httpmock.NewServer([]httpmock.RouteSpec{
		{Pattern: "/feed", Body: body, Headers: map[string]string{"Content-Type": "application/rss+xml"}},
	})
	t.Cleanup(server.Close)
	return server
}

func testStream(url string) Stream {
	return Stream{
		ID:           "grid-watch",
		Name:         "Grid Watch",
		URL:          url,
		Type:         StreamRSS,
		PollInterval: time.Hour,
		Timeout:      5 * time.Second,
		UserAgent:    "GridFuseBot/1.0 (+https://gridfuse.example/bot)",
	}
}

func TestPollDeliversParsedItems(t *testing.T) {
	server := newFeedServer(t, sampleRSS)
	sink := &itemSink{}
	p := NewPoller(server.Client(), sink.handler, nil)
	require.NoError(t, p.AddStream(testStream(server.URL()+"/feed")))

	delivered := p.PollOnce(context.Background(), "grid-watch")
	assert.Len(t, delivered, 2)
	assert.Equal(t, 2, sink.count())

	m, ok := p.Metrics("grid-watch")
	require.True(t, ok)
	assert.Equal(t, int64(2), m.TotalItems)
	assert.Equal(t, int64(2), m.ItemsToday)
	assert.Equal(t, int64(1), m.PollCount)
	assert.Equal(t, int64(0), m.ErrorCount)
}

func TestPollDeduplicatesAcrossCycles(t *testing.T) {
	server := newFeedServer(t, sampleRSS)
	sink := &itemSink{}
	p := NewPoller(server.Client(), sink.handler, nil)
	require.NoError(t, p.AddStream(testStream(server.URL()+"/feed")))

	first := p.PollOnce(context.Background(), "grid-watch")
	assert.Len(t, first, 2)
	second := p.PollOnce(context.Background(), "grid-watch")
	assert.Empty(t, second, "identical keys are delivered at most once")

	m, _ := p.Metrics("grid-watch")
	assert.Equal(t, int64(2), m.TotalItems)
	assert.Greater(t, m.DuplicateRate, 0.0)
}

func TestClearCachePermitsRedelivery(t *testing.T) {
	server := newFeedServer(t, sampleRSS)
	p := NewPoller(server.Client(), nil, nil)
	require.NoError(t, p.AddStream(testStream(server.URL()+"/feed")))

	require.Len(t, p.PollOnce(context.Background(), "grid-watch"), 2)
	require.Empty(t, p.PollOnce(context.Background(), "grid-watch"))
	p.ClearCache("grid-watch")
	assert.Len(t, p.PollOnce(context.Background(), "grid-watch"), 2)
}

func TestPollErrorCountsWithoutItems(t *testing.T) {
	server := httpmock.NewServer([]httpmock.RouteSpec{
		{Pattern: "/feed", Status: http.StatusInternalServerError, Body: "boom"},
	})
	t.Cleanup(server.Close)
	p := NewPoller(server.Client(), nil, nil)
	require.NoError(t, p.AddStream(testStream(server.URL()+"/feed")))

	delivered := p.PollOnce(context.Background(), "grid-watch")
	assert.Empty(t, delivered)
	m, _ := p.Metrics("grid-watch")
	assert.Equal(t, int64(1), m.ErrorCount)
	assert.Equal(t, int64(0), m.TotalItems)
}

func TestMalformedFeedCountsErrorNotPanic(t *testing.T) {
	server := newFeedServer(t, "<rss><channel><item>")
	p := NewPoller(server.Client(), nil, nil)
	require.NoError(t, p.AddStream(testStream(server.URL()+"/feed")))

	delivered := p.PollOnce(context.Background(), "grid-watch")
	assert.Empty(t, delivered)
}

func TestFiltersDropNonMatching(t *testing.T) {
	server := newFeedServer(t, sampleRSS)
	p := NewPoller(server.Client(), nil, nil)
	stream := testStream(server.URL() + "/feed")
	stream.Filters = []Filter{{Field: "title", Op: FilterContains, Value: "SOLAR"}}
	require.NoError(t, p.AddStream(stream))

	delivered := p.PollOnce(context.Background(), "grid-watch")
	require.Len(t, delivered, 1, "case-insensitive contains filter")
	assert.Equal(t, "Solar capacity hits record", delivered[0].Title)
}

func TestTransformsApplyInOrder(t *testing.T) {
	server := newFeedServer(t, sampleRSS)
	p := NewPoller(server.Client(), nil, nil)
	stream := testStream(server.URL() + "/feed")
	var order []string
	stream.Transforms = []Transform{
		{Kind: TransformMap, Order: 2, Apply: func(items []models.FeedItem) []models.FeedItem {
			order = append(order, "map")
			return items
		}},
		{Kind: TransformFilter, Order: 1, Apply: func(items []models.FeedItem) []models.FeedItem {
			order = append(order, "filter")
			return items[:1]
		}},
	}
	require.NoError(t, p.AddStream(stream))

	delivered := p.PollOnce(context.Background(), "grid-watch")
	assert.Len(t, delivered, 1)
	assert.Equal(t, []string{"filter", "map"}, order)
}

func TestDailyCountersResetAtUTCRollover(t *testing.T) {
	server := newFeedServer(t, sampleRSS)
	clock := &manualClock{now: time.Date(2025, 6, 1, 23, 50, 0, 0, time.UTC)}
	p := NewPoller(server.Client(), nil, nil).WithClock(clock)
	require.NoError(t, p.AddStream(testStream(server.URL()+"/feed")))

	p.PollOnce(context.Background(), "grid-watch")
	m, _ := p.Metrics("grid-watch")
	assert.Equal(t, int64(2), m.ItemsToday)

	clock.Advance(20 * time.Minute) // crosses midnight UTC
	p.PollOnce(context.Background(), "grid-watch")
	m, _ = p.Metrics("grid-watch")
	assert.Equal(t, int64(0), m.ItemsToday, "duplicates after rollover deliver nothing")
	assert.Equal(t, int64(2), m.TotalItems)
}

func TestStartStopStream(t *testing.T) {
	server := newFeedServer(t, sampleRSS)
	sink := &itemSink{}
	p := NewPoller(server.Client(), sink.handler, nil)
	stream := testStream(server.URL() + "/feed")
	stream.PollInterval = 20 * time.Millisecond
	require.NoError(t, p.AddStream(stream))

	require.NoError(t, p.StartStream("grid-watch"))
	assert.Equal(t, 1, p.RunningCount())

	deadline := time.After(2 * time.Second)
	for sink.count() < 2 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for poll delivery")
		case <-time.After(10 * time.Millisecond):
		}
	}

	p.StopStream("grid-watch")
	assert.Equal(t, 0, p.RunningCount())

	// Removing a stopped stream is clean.
	p.RemoveStream("grid-watch")
	assert.Empty(t, p.StreamIDs())
}

func TestAddStreamValidation(t *testing.T) {
	p := NewPoller(nil, nil, nil)
	err := p.AddStream(Stream{ID: "", URL: ""})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrValidation)

	require.NoError(t, p.AddStream(Stream{ID: "a", URL: "https://example.org/feed", Type: StreamRSS}))
	err = p.AddStream(Stream{ID: "a", URL: "https://example.org/feed", Type: StreamRSS})
	require.Error(t, err, "duplicate stream IDs are rejected")
}

package compliance

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridfuse/resilience/internal/testutil/httpmock"
)

const sampleRobots = `# robots policy
User-agent: *
Disallow: /private/
Allow: /private/reports
Crawl-delay: 2
Sitemap: https://example.org/sitemap.xml

User-agent: GridFuseBot
Disallow: /internal/
Allow: /internal/public$
`

func newRobotsServer(t *testing.T, body string, status int) *httpmock.MockServer {
	t.Helper()
	server := httpmock.NewServer([]httpmock.RouteSpec{
		{Pattern: "/robots.txt", Status: status, Body: body},
	})
	t.Cleanup(server.Close)
	return server
}

func TestDisallowedPrefix(t *testing.T) {
	server := newRobotsServer(t, sampleRobots, http.StatusOK)
	cache := NewRobotsCache(time.Hour, server.Client())

	allowed, err := cache.Allowed(context.Background(), server.URL()+"/private/list", "SomeBot/1.0")
	require.NoError(t, err)
	assert.False(t, allowed)

	allowed, err = cache.Allowed(context.Background(), server.URL()+"/public/list", "SomeBot/1.0")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestExplicitAllowBeatsDisallow(t *testing.T) {
	server := newRobotsServer(t, sampleRobots, http.StatusOK)
	cache := NewRobotsCache(time.Hour, server.Client())

	allowed, err := cache.Allowed(context.Background(), server.URL()+"/private/reports/2025", "SomeBot/1.0")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestMostSpecificAgentGroupWins(t *testing.T) {
	server := newRobotsServer(t, sampleRobots, http.StatusOK)
	cache := NewRobotsCache(time.Hour, server.Client())

	// The named group applies: /private/ is only blocked for the wildcard.
	allowed, err := cache.Allowed(context.Background(), server.URL()+"/private/list", "GridFuseBot/1.0 (+https://gridfuse.example/bot)")
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = cache.Allowed(context.Background(), server.URL()+"/internal/secrets", "GridFuseBot/1.0 (+https://gridfuse.example/bot)")
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestEndOfPathAnchor(t *testing.T) {
	server := newRobotsServer(t, sampleRobots, http.StatusOK)
	cache := NewRobotsCache(time.Hour, server.Client())

	allowed, err := cache.Allowed(context.Background(), server.URL()+"/internal/public", "GridFuseBot")
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = cache.Allowed(context.Background(), server.URL()+"/internal/publication", "GridFuseBot")
	require.NoError(t, err)
	assert.False(t, allowed, "$ anchors at end of path")
}

func TestWildcardPattern(t *testing.T) {
	server := newRobotsServer(t, "User-agent: *\nDisallow: /*.json\n", http.StatusOK)
	cache := NewRobotsCache(time.Hour, server.Client())

	allowed, err := cache.Allowed(context.Background(), server.URL()+"/data/export.json", "SomeBot")
	require.NoError(t, err)
	assert.False(t, allowed)

	allowed, err = cache.Allowed(context.Background(), server.URL()+"/data/export.csv", "SomeBot")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestNon200TreatedAsNoRules(t *testing.T) {
	server := newRobotsServer(t, "", http.StatusNotFound)
	cache := NewRobotsCache(time.Hour, server.Client())

	allowed, err := cache.Allowed(context.Background(), server.URL()+"/anything", "SomeBot")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestRulesAreCachedPerOrigin(t *testing.T) {
	server := newRobotsServer(t, sampleRobots, http.StatusOK)
	cache := NewRobotsCache(time.Hour, server.Client())

	for i := 0; i < 5; i++ {
		_, err := cache.Allowed(context.Background(), server.URL()+"/public", "SomeBot")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, server.Hits("/robots.txt"))
}

func TestCrawlDelayAndSitemaps(t *testing.T) {
	server := newRobotsServer(t, sampleRobots, http.StatusOK)
	cache := NewRobotsCache(time.Hour, server.Client())

	rules, err := cache.Rules(context.Background(), server.URL()+"/")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, rules.CrawlDelay("SomeBot"))
	assert.Equal(t, []string{"https://example.org/sitemap.xml"}, rules.Sitemaps)
}

func TestRobotsPathItselfAlwaysAllowed(t *testing.T) {
	server := newRobotsServer(t, "User-agent: *\nDisallow: /\n", http.StatusOK)
	cache := NewRobotsCache(time.Hour, server.Client())

	allowed, err := cache.Allowed(context.Background(), server.URL()+"/robots.txt", "SomeBot")
	require.NoError(t, err)
	assert.True(t, allowed)
}

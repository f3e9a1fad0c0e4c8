package compliance

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/temoto/robotstxt"
)

const (
	defaultRobotsTTL  = 24 * time.Hour
	robotsCacheBounds = 512
	robotsBodyCap     = 512 * 1024
)

// RobotsRules is the per-origin view surfaced to callers: matching is delegated
// to the parsed ruleset; crawl-delay and sitemaps are exposed directly.
type RobotsRules struct {
	Origin    string    `json:"origin"`
	Sitemaps  []string  `json:"sitemaps,omitempty"`
	FetchedAt time.Time `json:"fetched_at"`

	data *robotstxt.RobotsData
}

// CrawlDelay reports the crawl-delay declared for the agent, zero if none.
func (r *RobotsRules) CrawlDelay(agent string) time.Duration {
	if r.data == nil {
		return 0
	}
	if g := r.data.FindGroup(agent); g != nil {
		return g.CrawlDelay
	}
	return 0
}

// Allowed evaluates the URL path against the most specific matching rules for
// the agent, falling back to the wildcard group. Wildcards and end-of-path
// anchors are honored; an explicit Allow beats Disallow at equal specificity.
func (r *RobotsRules) Allowed(agent, path string) bool {
	if r.data == nil {
		return true
	}
	if path == "" {
		path = "/"
	}
	return r.data.TestAgent(path, agent)
}

// RobotsCache fetches, parses and caches robots.txt per origin (24h TTL).
// Fetch failures and non-200 responses yield "no rules": allow by default.
type RobotsCache struct {
	cache  *lru.LRU[string, *RobotsRules]
	client *http.Client
	clock  func() time.Time
}

// NewRobotsCache constructs a cache. A non-positive ttl uses the 24h default;
// a nil client uses a 10s-timeout default.
func NewRobotsCache(ttl time.Duration, client *http.Client) *RobotsCache {
	if ttl <= 0 {
		ttl = defaultRobotsTTL
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &RobotsCache{
		cache:  lru.NewLRU[string, *RobotsRules](robotsCacheBounds, nil, ttl),
		client: client,
		clock:  time.Now,
	}
}

// Allowed reports whether the agent may fetch rawURL under the origin's
// robots.txt. The robots.txt path itself is always allowed.
func (c *RobotsCache) Allowed(ctx context.Context, rawURL, agent string) (bool, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false, err
	}
	if u.Path == "/robots.txt" {
		return true, nil
	}
	rules, err := c.rulesFor(ctx, u)
	if err != nil {
		return true, nil // fetch trouble: no rules, allow by default
	}
	return rules.Allowed(agent, u.Path), nil
}

// Rules returns the cached (or freshly fetched) ruleset for the URL's origin.
func (c *RobotsCache) Rules(ctx context.Context, rawURL string) (*RobotsRules, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	return c.rulesFor(ctx, u)
}

func (c *RobotsCache) rulesFor(ctx context.Context, u *url.URL) (*RobotsRules, error) {
	origin := u.Scheme + "://" + u.Host
	if rules, ok := c.cache.Get(origin); ok {
		return rules, nil
	}

	robotsURL := &url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/robots.txt"}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		return nil, err
	}
	rules := &RobotsRules{Origin: origin, FetchedAt: c.clock()}
	resp, err := c.client.Do(req)
	if err != nil {
		// Unreachable origin: cache an allow-all entry so we do not hammer it.
		c.cache.Add(origin, rules)
		return rules, nil
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusOK {
		body, err := io.ReadAll(io.LimitReader(resp.Body, robotsBodyCap))
		if err == nil {
			if data, perr := robotstxt.FromBytes(body); perr == nil {
				rules.data = data
				rules.Sitemaps = append(rules.Sitemaps, data.Sitemaps...)
			}
		}
	}
	c.cache.Add(origin, rules)
	return rules, nil
}

// Invalidate drops the cached rules for an origin.
func (c *RobotsCache) Invalidate(origin string) { c.cache.Remove(origin) }

// Purge clears the whole cache. Used by maintenance when rules must be
// re-fetched ahead of TTL.
func (c *RobotsCache) Purge() { c.cache.Purge() }

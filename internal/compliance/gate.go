package compliance

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/gridfuse/resilience/models"
)

// CheckStatus is the outcome of a compliance rule evaluation.
type CheckStatus string

const (
	CheckPass CheckStatus = "pass"
	CheckWarn CheckStatus = "warn"
	CheckFail CheckStatus = "fail"
)

// Check is a cached assessment of whether a source may be used under its
// declared licensing and policy constraints.
type Check struct {
	SourceID  string      `json:"source_id"`
	Status    CheckStatus `json:"status"`
	Reasons   []string    `json:"reasons,omitempty"`
	Warnings  []string    `json:"warnings,omitempty"`
	CheckedAt time.Time   `json:"checked_at"`
}

const (
	defaultCheckTTL  = 30 * 24 * time.Hour
	checkCacheBounds = 1024
)

// Gate evaluates source compliance with a TTL cache in front of the rule set.
type Gate struct {
	cache *lru.LRU[string, Check]
	clock func() time.Time
}

// NewGate constructs a Gate. A non-positive ttl uses the 30-day default.
func NewGate(ttl time.Duration) *Gate {
	if ttl <= 0 {
		ttl = defaultCheckTTL
	}
	return &Gate{
		cache: lru.NewLRU[string, Check](checkCacheBounds, nil, ttl),
		clock: time.Now,
	}
}

// WithClock swaps the clock, for tests. Cache entry expiry still follows the
// LRU's wall clock.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	if now != nil {
		g.clock = now
	}
	return g
}

// CheckSource returns the cached check for the source, running the rule set on
// miss or expiry.
func (g *Gate) CheckSource(cfg models.SourceConfig) Check {
	if check, ok := g.cache.Get(cfg.ID); ok {
		return check
	}
	check := g.Evaluate(cfg)
	g.cache.Add(cfg.ID, check)
	return check
}

// Invalidate drops the cached check so the next lookup re-evaluates.
func (g *Gate) Invalidate(sourceID string) { g.cache.Remove(sourceID) }

// Evaluate runs the rule set against the source's declared policy, bypassing
// the cache.
func (g *Gate) Evaluate(cfg models.SourceConfig) Check {
	check := Check{SourceID: cfg.ID, Status: CheckPass, CheckedAt: g.clock()}
	fail := func(reason string) {
		check.Status = CheckFail
		check.Reasons = append(check.Reasons, reason)
	}
	warn := func(reason string) {
		if check.Status == CheckPass {
			check.Status = CheckWarn
		}
		check.Warnings = append(check.Warnings, reason)
	}

	pol := cfg.Compliance
	if pol.LicenseTerms == "" {
		fail("data licensing not declared")
	}
	if len(pol.UsageRestrictions) == 0 {
		fail("usage restrictions not documented")
	}
	if pol.RetentionDays <= 0 {
		warn("retention policy not set")
	}
	if pol.RequiresAttribution && pol.AttributionText == "" {
		fail("attribution required but not declared")
	}
	if pol.Commercial && !pol.PricingTransparent {
		fail("pricing not transparent")
	}
	return check
}

// Eligible reports whether the source may serve requests. Failing sources are
// excluded; warn-status sources remain eligible.
func (g *Gate) Eligible(cfg models.SourceConfig) (bool, []string) {
	check := g.CheckSource(cfg)
	if check.Status == CheckFail {
		return false, check.Reasons
	}
	return true, nil
}

// IssueCount reports how many of the given sources currently fail compliance.
func (g *Gate) IssueCount(cfgs []models.SourceConfig) int {
	n := 0
	for _, cfg := range cfgs {
		if ok, _ := g.Eligible(cfg); !ok {
			n++
		}
	}
	return n
}

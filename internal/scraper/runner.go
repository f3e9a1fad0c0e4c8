package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"github.com/gridfuse/resilience/internal/compliance"
	"github.com/gridfuse/resilience/internal/ratelimit"
	"github.com/gridfuse/resilience/models"
)

// RuleKind classifies an extraction validation rule.
type RuleKind string

const (
	RuleRequired RuleKind = "required"
	RulePattern  RuleKind = "pattern"
	RuleRange    RuleKind = "range"
	RuleCustom   RuleKind = "custom"
)

// ValidationRule checks one extracted field. A required miss is an error;
// pattern and range misses only warn.
type ValidationRule struct {
	Field   string
	Kind    RuleKind
	Pattern string
	Min     float64
	Max     float64
	Custom  func(value any) error
}

// JobRateLimit paces fetches against the job's origin.
type JobRateLimit struct {
	Delay      time.Duration `json:"delay" yaml:"delay"`
	Concurrent int           `json:"concurrent" yaml:"concurrent"`
}

// Job describes one scraping target. The user agent must identify as a bot and
// carry an http(s) contact URL.
type Job struct {
	ID               string            `json:"id" yaml:"id"`
	Name             string            `json:"name" yaml:"name"`
	TargetURL        string            `json:"target_url" yaml:"target_url"`
	Selectors        map[string]string `json:"selectors" yaml:"selectors"`
	Headers          map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	UserAgent        string            `json:"user_agent" yaml:"user_agent"`
	RateLimit        JobRateLimit      `json:"rate_limit" yaml:"rate_limit"`
	RespectRobotsTxt bool              `json:"respect_robots_txt" yaml:"respect_robots_txt"`
	MarkdownContent  bool              `json:"markdown_content,omitempty" yaml:"markdown_content,omitempty"`
	Validation       []ValidationRule  `json:"-" yaml:"-"`
	Timeout          time.Duration     `json:"timeout" yaml:"timeout"`
}

// QualityMetrics grade one scrape's output.
type QualityMetrics struct {
	Completeness float64 `json:"completeness"`
	Accuracy     float64 `json:"accuracy"`
	Freshness    float64 `json:"freshness"`
}

// Result is the outcome of one scrape execution.
type Result struct {
	JobID     string         `json:"job_id"`
	URL       string         `json:"url"`
	Data      map[string]any `json:"data"`
	Warnings  []string       `json:"warnings,omitempty"`
	Errors    []string       `json:"errors,omitempty"`
	Quality   QualityMetrics `json:"quality"`
	ScrapedAt time.Time      `json:"scraped_at"`
}

// Metrics is the runner-level counter view.
type Metrics struct {
	TotalRuns        int64 `json:"total_runs"`
	Failures         int64 `json:"failures"`
	RobotsViolations int64 `json:"robots_violations"`
}

const freshnessBaseline = 0.9

var contactURLPattern = regexp.MustCompile(`https?://\S+`)

// Runner executes registered scraping jobs under robots and origin rate-limit
// gates.
type Runner struct {
	robots  *compliance.RobotsCache
	origins *ratelimit.OriginLimiter
	logger  *slog.Logger
	clock   func() time.Time

	mu      sync.Mutex
	jobs    map[string]Job
	metrics Metrics
}

// NewRunner constructs a Runner using the shared robots cache and origin
// limiter.
func NewRunner(robots *compliance.RobotsCache, origins *ratelimit.OriginLimiter, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		robots:  robots,
		origins: origins,
		logger:  logger.With("component", "scraper"),
		clock:   time.Now,
		jobs:    make(map[string]Job),
	}
}

// RegisterJob validates and installs a job; invalid jobs are rejected with a
// compliance failure.
func (r *Runner) RegisterJob(job Job) error {
	if reasons := validateJob(job); len(reasons) > 0 {
		return &models.ComplianceError{Reasons: reasons}
	}
	origin, _ := originOf(job.TargetURL)
	r.origins.Configure(origin, job.RateLimit.Delay, job.RateLimit.Concurrent)
	r.mu.Lock()
	r.jobs[job.ID] = job
	r.mu.Unlock()
	return nil
}

// RemoveJob deletes a job.
func (r *Runner) RemoveJob(jobID string) {
	r.mu.Lock()
	delete(r.jobs, jobID)
	r.mu.Unlock()
}

// JobCount reports how many jobs are registered.
func (r *Runner) JobCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

// Metrics returns a snapshot of runner counters.
func (r *Runner) Metrics() Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.metrics
}

func validateJob(job Job) []string {
	var reasons []string
	u, err := url.Parse(job.TargetURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		reasons = append(reasons, "target URL must be a valid http(s) URL")
	}
	if len(job.Selectors) == 0 {
		reasons = append(reasons, "at least one selector is required")
	}
	if job.RateLimit.Delay <= 0 || job.RateLimit.Concurrent <= 0 {
		reasons = append(reasons, "rate limit must be configured")
	}
	if !strings.Contains(strings.ToLower(contactURLPattern.ReplaceAllString(job.UserAgent, "")), "bot") {
		reasons = append(reasons, "user agent must identify as a bot")
	}
	if !contactURLPattern.MatchString(job.UserAgent) {
		reasons = append(reasons, "user agent must carry a contact URL")
	}
	return reasons
}

// Run executes one job: robots gate, origin slot, fetch, extract, validate.
func (r *Runner) Run(ctx context.Context, jobID string) (*Result, error) {
	r.mu.Lock()
	job, ok := r.jobs[jobID]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: job %s", models.ErrUnknownSource, jobID)
	}

	r.mu.Lock()
	r.metrics.TotalRuns++
	r.mu.Unlock()

	if job.RespectRobotsTxt {
		allowed, err := r.robots.Allowed(ctx, job.TargetURL, job.UserAgent)
		if err == nil && !allowed {
			r.mu.Lock()
			r.metrics.RobotsViolations++
			r.metrics.Failures++
			r.mu.Unlock()
			r.logger.Warn("robots.txt disallows target", "job", job.ID, "url", job.TargetURL)
			return nil, &models.ComplianceError{Reasons: []string{fmt.Sprintf("robots.txt disallows %s", job.TargetURL)}}
		}
		// Honor a declared crawl-delay larger than the configured pacing.
		if rules, rerr := r.robots.Rules(ctx, job.TargetURL); rerr == nil {
			if delay := rules.CrawlDelay(job.UserAgent); delay > job.RateLimit.Delay {
				origin, _ := originOf(job.TargetURL)
				r.origins.Configure(origin, delay, job.RateLimit.Concurrent)
			}
		}
	}

	origin, err := originOf(job.TargetURL)
	if err != nil {
		return nil, &models.ValidationError{Field: "targetUrl", Reason: err.Error()}
	}
	release, err := r.origins.Acquire(ctx, origin)
	if err != nil {
		r.mu.Lock()
		r.metrics.Failures++
		r.mu.Unlock()
		return nil, err
	}
	defer release()

	body, err := r.fetch(ctx, job)
	if err != nil {
		r.mu.Lock()
		r.metrics.Failures++
		r.mu.Unlock()
		return nil, &models.AdapterError{SourceID: job.ID, Err: err}
	}

	result := r.extract(job, body)
	return result, nil
}

// fetch retrieves the target page with the job's declared identity, following
// redirects.
func (r *Runner) fetch(ctx context.Context, job Job) ([]byte, error) {
	timeout := job.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := colly.NewCollector()
	c.UserAgent = job.UserAgent
	c.SetRequestTimeout(timeout)
	c.OnRequest(func(req *colly.Request) {
		for k, v := range job.Headers {
			req.Headers.Set(k, v)
		}
	})

	var body []byte
	c.OnResponse(func(resp *colly.Response) {
		body = resp.Body
	})
	if err := c.Visit(job.TargetURL); err != nil {
		return nil, err
	}
	c.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return body, nil
}

// extract pulls fields per selector and validates them. Missing selectors
// yield nil values with a warning; they never fail the job.
func (r *Runner) extract(job Job, body []byte) *Result {
	result := &Result{
		JobID:     job.ID,
		URL:       job.TargetURL,
		Data:      make(map[string]any, len(job.Selectors)),
		ScrapedAt: r.clock(),
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("parse html: %v", err))
		for field := range job.Selectors {
			result.Data[field] = nil
		}
		result.Quality = qualityOf(result, len(job.Selectors), r.clock())
		return result
	}

	for field, selector := range job.Selectors {
		value := r.extractField(doc, field, selector, job.MarkdownContent)
		if value == nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("selector %q for field %q matched nothing", selector, field))
		}
		result.Data[field] = value
	}

	r.validate(job, result)
	result.Quality = qualityOf(result, len(job.Selectors), r.clock())
	return result
}

// extractField resolves one selector. "title" falls back to the document
// title; "selector@attr" extracts an attribute; otherwise the trimmed text of
// the first match.
func (r *Runner) extractField(doc *goquery.Document, field, selector string, markdown bool) any {
	if selector == "title" {
		if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
			return title
		}
		return nil
	}
	sel := selector
	attr := ""
	if i := strings.LastIndex(selector, "@"); i > 0 {
		sel, attr = selector[:i], selector[i+1:]
	}
	node := doc.Find(sel).First()
	if node.Length() == 0 {
		return nil
	}
	if attr != "" {
		if v, ok := node.Attr(attr); ok {
			return v
		}
		return nil
	}
	if markdown && strings.EqualFold(field, "content") {
		if html, err := node.Html(); err == nil {
			if md, cerr := convertMarkdown(html); cerr == nil && md != "" {
				return md
			}
		}
	}
	text := strings.TrimSpace(node.Text())
	if text == "" {
		return nil
	}
	return text
}

func convertMarkdown(html string) (string, error) {
	conv := converter.NewConverter(converter.WithPlugins(base.NewBasePlugin(), commonmark.NewCommonmarkPlugin()))
	return conv.ConvertString(html)
}

func (r *Runner) validate(job Job, result *Result) {
	for _, rule := range job.Validation {
		value := result.Data[rule.Field]
		switch rule.Kind {
		case RuleRequired:
			if value == nil {
				result.Errors = append(result.Errors, fmt.Sprintf("required field %q missing", rule.Field))
			}
		case RulePattern:
			s, ok := value.(string)
			if !ok {
				continue
			}
			re, err := regexp.Compile(rule.Pattern)
			if err != nil || !re.MatchString(s) {
				result.Warnings = append(result.Warnings, fmt.Sprintf("field %q does not match pattern", rule.Field))
			}
		case RuleRange:
			f, ok := toNumber(value)
			if !ok || f < rule.Min || f > rule.Max {
				result.Warnings = append(result.Warnings, fmt.Sprintf("field %q outside range [%v, %v]", rule.Field, rule.Min, rule.Max))
			}
		case RuleCustom:
			if rule.Custom == nil {
				continue
			}
			if err := rule.Custom(value); err != nil {
				result.Warnings = append(result.Warnings, fmt.Sprintf("field %q: %v", rule.Field, err))
			}
		}
	}
}

func qualityOf(result *Result, totalFields int, now time.Time) QualityMetrics {
	freshness := freshnessBaseline
	if ts, ok := pageTimestamp(result.Data); ok {
		freshness = freshnessAt(ts, now)
	}
	if totalFields == 0 {
		return QualityMetrics{Freshness: freshness}
	}
	nonNull := 0
	for _, v := range result.Data {
		if v != nil {
			nonNull++
		}
	}
	accuracy := 1 - float64(len(result.Errors))/float64(totalFields)
	return QualityMetrics{
		Completeness: float64(nonNull) / float64(totalFields),
		Accuracy:     math.Max(0, accuracy),
		Freshness:    freshness,
	}
}

var scrapeTimeLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	time.RFC3339,
	time.RFC822Z,
	time.RFC822,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// pageTimestamp returns the most recent timestamp carried by the extracted
// fields, if any value parses as a time.
func pageTimestamp(data map[string]any) (time.Time, bool) {
	var best time.Time
	for _, v := range data {
		s, ok := v.(string)
		if !ok {
			continue
		}
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		for _, layout := range scrapeTimeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				if t.After(best) {
					best = t
				}
				break
			}
		}
	}
	return best, !best.IsZero()
}

// freshnessAt decays linearly from 1.0 to zero over seven days of age.
func freshnessAt(ts, now time.Time) float64 {
	age := now.Sub(ts)
	if age < 0 {
		age = 0
	}
	f := 1 - age.Hours()/(7*24)
	if f < 0 {
		return 0
	}
	return f
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func originOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	return u.Scheme + "://" + u.Host, nil
}

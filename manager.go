// Package resilience fronts a heterogeneous collection of external data
// providers behind a single request-level contract: circuit-breaker isolation,
// priority-ordered failover, multi-source fusion with confidence scoring,
// per-source reliability tracking, compliance gating, and respectful scraping.
package resilience

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/gridfuse/resilience/internal/breaker"
	"github.com/gridfuse/resilience/internal/compliance"
	"github.com/gridfuse/resilience/internal/failover"
	"github.com/gridfuse/resilience/internal/feeds"
	"github.com/gridfuse/resilience/internal/fusion"
	"github.com/gridfuse/resilience/internal/ratelimit"
	"github.com/gridfuse/resilience/internal/reliability"
	"github.com/gridfuse/resilience/internal/scraper"
	telemEvents "github.com/gridfuse/resilience/internal/telemetry/events"
	"github.com/gridfuse/resilience/models"
	"github.com/gridfuse/resilience/monitoring"
	"github.com/gridfuse/resilience/store"
	"github.com/gridfuse/resilience/telemetry/logging"
)

const maxResponseWarnings = 8

// Event is the reduced, stable event representation handed to external
// observers.
type Event struct {
	Time     time.Time         `json:"time"`
	Category string            `json:"category"`
	Type     string            `json:"type"`
	Severity string            `json:"severity,omitempty"`
	SourceID string            `json:"source_id,omitempty"`
	Labels   map[string]string `json:"labels,omitempty"`
	Fields   map[string]any    `json:"fields,omitempty"`
}

// EventObserver receives Event notifications. Observers must be fast; they run
// synchronously at publish points.
type EventObserver func(ev Event)

// Status is the aggregate view returned by Manager.Status.
type Status struct {
	TotalSources        int     `json:"total_sources"`
	HealthySources      int     `json:"healthy_sources"`
	CircuitBreakersOpen int     `json:"circuit_breakers_open"`
	ActiveFailovers     int     `json:"active_failovers"`
	RealTimeStreams     int     `json:"real_time_streams"`
	ScrapingJobs        int     `json:"scraping_jobs"`
	ComplianceIssues    int     `json:"compliance_issues"`
	OverallHealth       float64 `json:"overall_health"`
}

// Option customizes Manager construction.
type Option func(*Manager)

// WithStore injects the persistence backend. Defaults to an in-memory store.
func WithStore(s store.Store) Option { return func(m *Manager) { m.store = s } }

// WithLogger injects the base structured logger.
func WithLogger(base *slog.Logger) Option { return func(m *Manager) { m.baseLogger = base } }

// WithHTTPClient injects the HTTP client shared by the feed poller and robots
// cache, for tests.
func WithHTTPClient(client *http.Client) Option { return func(m *Manager) { m.httpClient = client } }

// Manager composes all resilience subsystems behind a single facade. It owns
// the per-source state maps; components expose read-only accessors to one
// another only through the manager.
type Manager struct {
	cfg        Config
	baseLogger *slog.Logger
	logger     logging.Logger
	httpClient *http.Client

	registryMu sync.RWMutex
	sources    map[string]models.SourceConfig
	adapters   map[string]models.SourceAdapter

	breaker      *breaker.Breaker
	limiter      *ratelimit.Limiter
	originLimits *ratelimit.OriginLimiter
	tracker      *reliability.Tracker
	fusion       *fusion.Engine
	gate         *compliance.Gate
	robots       *compliance.RobotsCache
	orchestrator *failover.Orchestrator
	poller       *feeds.Poller
	scraper      *scraper.Runner
	store        store.Store
	bus          telemEvents.Bus
	health       *monitoring.HealthSystem
	exporter     *monitoring.Exporter
	tracer       *monitoring.Tracer

	activeFailovers atomic.Int64

	observersMu sync.RWMutex
	observers   []EventObserver

	feedHandlersMu sync.RWMutex
	feedHandlers   []feeds.Handler
}

// New constructs a Manager with the supplied configuration.
func New(cfg Config, opts ...Option) (*Manager, error) {
	m := &Manager{
		cfg:      cfg,
		sources:  make(map[string]models.SourceConfig),
		adapters: make(map[string]models.SourceAdapter),
	}
	for _, o := range opts {
		if o != nil {
			o(m)
		}
	}
	if m.baseLogger == nil {
		m.baseLogger = logging.NewBase(cfg.Logging.Level, cfg.Logging.Format, cfg.ServiceName)
	}
	m.logger = logging.New(m.baseLogger)
	if m.store == nil {
		m.store = store.NewMemoryStore()
	}
	if m.httpClient == nil {
		m.httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	m.breaker = breaker.New(cfg.Breaker)
	m.limiter = ratelimit.NewLimiter()
	m.originLimits = ratelimit.NewOriginLimiter()
	m.tracker = reliability.NewTracker(cfg.Reliability)
	m.gate = compliance.NewGate(cfg.Compliance.CheckTTL)
	m.robots = compliance.NewRobotsCache(cfg.Compliance.RobotsTTL, &http.Client{
		Timeout:   cfg.Compliance.RobotsClientTimeout,
		Transport: m.httpClient.Transport,
	})
	m.fusion = fusion.NewEngine(m.lookupConfig, m.lookupQuality)
	m.orchestrator = failover.New(
		m.breaker, m.limiter, m.tracker, m.fusion, m.lookupAdapter,
		failover.Options{MaxAttempts: cfg.Failover.MaxAttempts, MaxFusionSources: cfg.Failover.MaxFusionSources},
		m.baseLogger,
	)
	m.poller = feeds.NewPoller(m.httpClient, m.dispatchFeedItems, m.baseLogger)
	m.scraper = scraper.NewRunner(m.robots, m.originLimits, m.baseLogger)
	m.bus = telemEvents.NewBus()
	m.health = monitoring.NewHealthSystem()
	m.registerHealthProbes()

	if cfg.MetricsEnabled {
		exporter, err := monitoring.NewExporter(cfg.MetricsNamespace)
		if err != nil {
			return nil, err
		}
		m.exporter = exporter
	}
	if cfg.TracingEnabled {
		tracer, err := monitoring.NewTracer(cfg.ServiceName, cfg.Environment)
		if err != nil {
			return nil, err
		}
		m.tracer = tracer
	}

	m.breaker.OnTransition(func(sourceID string, from, to breaker.State) {
		if m.exporter != nil {
			m.exporter.SetBreakerState(sourceID, string(to))
		}
		m.publish(telemEvents.Event{
			Category: telemEvents.CategoryBreaker,
			Type:     "state_change",
			SourceID: sourceID,
			Labels:   map[string]string{"from": string(from), "to": string(to)},
		})
	})
	m.tracker.OnIncident(func(inc models.Incident) {
		_ = m.store.PutIncident(inc)
		if m.exporter != nil {
			m.exporter.RecordIncident(inc.SourceID, string(inc.Severity))
		}
		m.publish(telemEvents.Event{
			Category: telemEvents.CategorySource,
			Type:     "incident",
			Severity: string(inc.Severity),
			SourceID: inc.SourceID,
			Fields:   map[string]any{"incident_id": inc.ID, "description": inc.Description},
		})
	})

	return m, nil
}

// RegisterSource installs a source and its adapter into every subsystem and
// schedules a background compliance check. Registering the same ID with an
// equal config is a no-op; a conflicting config is rejected.
func (m *Manager) RegisterSource(cfg models.SourceConfig, adapter models.SourceAdapter) error {
	if cfg.ID == "" {
		return &models.ValidationError{Field: "id", Reason: "must not be empty"}
	}
	if adapter == nil {
		return &models.ValidationError{Field: "adapter", Reason: "must not be nil"}
	}
	if cfg.Priority <= 0 {
		cfg.Priority = 1
	}

	m.registryMu.Lock()
	if existing, ok := m.sources[cfg.ID]; ok {
		m.registryMu.Unlock()
		if reflect.DeepEqual(existing, cfg) {
			return nil
		}
		return &models.ValidationError{Field: "id", Reason: fmt.Sprintf("source %s already registered with different config", cfg.ID)}
	}
	m.sources[cfg.ID] = cfg
	m.adapters[cfg.ID] = adapter
	m.registryMu.Unlock()

	m.breaker.Register(cfg.ID)
	m.limiter.Register(cfg.ID, cfg.RateLimit)
	m.tracker.Register(cfg.ID, cfg.Quality)

	go func() {
		check := m.gate.CheckSource(cfg)
		_ = m.store.PutComplianceCheck(store.ComplianceRecord{
			Key:       cfg.ID,
			Status:    string(check.Status),
			Reasons:   check.Reasons,
			CheckedAt: check.CheckedAt,
		})
		if check.Status == compliance.CheckFail {
			m.publish(telemEvents.Event{
				Category: telemEvents.CategoryCompliance,
				Type:     "check_failed",
				SourceID: cfg.ID,
				Fields:   map[string]any{"reasons": check.Reasons},
			})
		}
	}()

	m.publish(telemEvents.Event{Category: telemEvents.CategorySource, Type: "registered", SourceID: cfg.ID})
	return nil
}

// DeregisterSource removes a source and all of its per-source state.
func (m *Manager) DeregisterSource(sourceID string) error {
	m.registryMu.Lock()
	_, ok := m.sources[sourceID]
	delete(m.sources, sourceID)
	delete(m.adapters, sourceID)
	m.registryMu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrUnknownSource, sourceID)
	}
	m.breaker.Remove(sourceID)
	m.limiter.Remove(sourceID)
	m.tracker.Remove(sourceID)
	m.gate.Invalidate(sourceID)
	m.publish(telemEvents.Event{Category: telemEvents.CategorySource, Type: "deregistered", SourceID: sourceID})
	return nil
}

// ExecuteRequest routes a request through compliance gating and the configured
// strategy. Per-source errors are absorbed; see the error kinds in models.
func (m *Manager) ExecuteRequest(ctx context.Context, req models.DataRequest) (*models.DataResponse, error) {
	start := time.Now()
	if req.Strategy == "" {
		req.Strategy = models.StrategyFailover
	}
	var finish func(err error)
	if m.tracer != nil {
		tctx, span := m.tracer.StartRequest(ctx, string(req.Strategy), req.DataType)
		ctx = tctx
		finish = func(err error) { m.tracer.Finish(span, err) }
	} else {
		finish = func(error) {}
	}

	resp, err := m.executeRequest(ctx, req)
	finish(err)
	if m.exporter != nil {
		status := "success"
		if err != nil {
			status = models.ErrorKind(err)
		}
		m.exporter.RecordRequest(string(req.Strategy), status, time.Since(start))
	}
	if err != nil {
		m.logger.WarnCtx(ctx, "request failed", "strategy", string(req.Strategy), "data_type", req.DataType, "error", err)
		return nil, err
	}
	resp.Metadata.Latency = time.Since(start)
	return resp, nil
}

func (m *Manager) executeRequest(ctx context.Context, req models.DataRequest) (*models.DataResponse, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrCancelled, err)
	}

	fingerprint := requestFingerprint(req)
	if !req.Quality.RequireFreshData {
		if cached, ok := m.store.GetCachedResponse(fingerprint); ok {
			var resp models.DataResponse
			if json.Unmarshal(cached, &resp) == nil {
				resp.Metadata.FromCache = true
				return &resp, nil
			}
		}
	}

	candidates, err := m.eligibleCandidates(req)
	if err != nil {
		return nil, err
	}

	var outcome *failover.Outcome
	switch req.Strategy {
	case models.StrategyFailover:
		m.activeFailovers.Add(1)
		outcome, err = m.orchestrator.Failover(ctx, req, candidates)
		m.activeFailovers.Add(-1)
	case models.StrategyFusion:
		outcome, err = m.orchestrator.Fusion(ctx, req, candidates)
	case models.StrategyPrimaryOnly:
		outcome, err = m.orchestrator.PrimaryOnly(ctx, req, candidates)
	default:
		return nil, &models.ValidationError{Field: "strategy", Reason: fmt.Sprintf("unknown strategy %q", req.Strategy)}
	}
	if err != nil {
		return nil, err
	}

	if outcome.FailoverOccurred {
		m.publish(telemEvents.Event{
			Category: telemEvents.CategoryFailover,
			Type:     "failover_occurred",
			Fields:   map[string]any{"attempted": outcome.Attempted},
		})
	}

	resp := m.buildResponse(req, outcome)
	if payload, merr := json.Marshal(resp); merr == nil {
		_ = m.store.PutCachedResponse(fingerprint, payload, 5*time.Minute)
	}
	return resp, nil
}

// eligibleCandidates applies the request's source filters and the compliance
// gate. A required source failing compliance vetoes the whole request.
func (m *Manager) eligibleCandidates(req models.DataRequest) ([]models.SourceConfig, error) {
	m.registryMu.RLock()
	all := make([]models.SourceConfig, 0, len(m.sources))
	for _, cfg := range m.sources {
		all = append(all, cfg)
	}
	m.registryMu.RUnlock()

	required := make(map[string]bool, len(req.Sources.Required))
	for _, id := range req.Sources.Required {
		if _, ok := m.lookupConfig(id); !ok {
			return nil, fmt.Errorf("%w: %s", models.ErrUnknownSource, id)
		}
		required[id] = true
	}
	excluded := make(map[string]bool, len(req.Sources.Excluded))
	for _, id := range req.Sources.Excluded {
		excluded[id] = true
	}

	var candidates []models.SourceConfig
	var vetoReasons []string
	for _, cfg := range all {
		if excluded[cfg.ID] {
			continue
		}
		if len(required) > 0 && !required[cfg.ID] {
			continue
		}
		ok, reasons := m.gate.Eligible(cfg)
		if !ok {
			vetoReasons = append(vetoReasons, reasons...)
			if required[cfg.ID] {
				return nil, &models.ComplianceError{Reasons: reasons}
			}
			continue
		}
		candidates = append(candidates, cfg)
	}
	if len(candidates) == 0 {
		if len(vetoReasons) > 0 {
			return nil, &models.ComplianceError{Reasons: vetoReasons}
		}
		return nil, &models.ValidationError{Field: "sources", Reason: "no candidate sources available"}
	}
	return candidates, nil
}

// buildResponse decorates the orchestrator outcome with quality and compliance
// summaries plus advisory budget warnings.
func (m *Manager) buildResponse(req models.DataRequest, outcome *failover.Outcome) *models.DataResponse {
	warnings := append([]string(nil), outcome.Warnings...)

	var quality models.ResponseQuality
	var attribution bool
	restrictions := make(map[string]struct{})
	for _, id := range outcome.SourcesUsed {
		cfg, ok := m.lookupConfig(id)
		if !ok {
			continue
		}
		quality.Completeness += cfg.Quality.Completeness
		quality.Freshness += cfg.Quality.Timeliness
		if metrics, found := m.tracker.Metrics(id); found && metrics.SampleCount > 0 {
			quality.Accuracy += metrics.DataQualityScore
			quality.Reliability += metrics.UptimePercent / 100
		} else {
			quality.Accuracy += cfg.Quality.Accuracy
			quality.Reliability += cfg.Quality.Reliability
		}
		if cfg.Compliance.RequiresAttribution {
			attribution = true
		}
		for _, r := range cfg.Compliance.UsageRestrictions {
			restrictions[r] = struct{}{}
		}
	}
	if n := float64(len(outcome.SourcesUsed)); n > 0 {
		quality.Accuracy /= n
		quality.Completeness /= n
		quality.Freshness /= n
		quality.Reliability /= n
	}

	if req.Budget != nil {
		var cost float64
		for _, id := range outcome.Attempted {
			if cfg, ok := m.lookupConfig(id); ok {
				cost += cfg.CostPerCall
			}
		}
		if cost > req.Budget.MaxCost {
			warnings = append(warnings, fmt.Sprintf("estimated cost %.4f exceeds budget %.4f", cost, req.Budget.MaxCost))
		}
	}
	if req.Quality.MinConfidence > 0 && outcome.Confidence < req.Quality.MinConfidence && req.Strategy != models.StrategyFusion {
		warnings = append(warnings, fmt.Sprintf("confidence %.2f below requested minimum %.2f", outcome.Confidence, req.Quality.MinConfidence))
	}
	if len(warnings) > maxResponseWarnings {
		warnings = warnings[:maxResponseWarnings]
	}

	restrictionList := make([]string, 0, len(restrictions))
	for r := range restrictions {
		restrictionList = append(restrictionList, r)
	}
	sort.Strings(restrictionList)

	return &models.DataResponse{
		Data: outcome.Data,
		Metadata: models.ResponseMetadata{
			Strategy:         req.Strategy,
			SourcesUsed:      outcome.SourcesUsed,
			Confidence:       outcome.Confidence,
			Warnings:         warnings,
			FailoverOccurred: outcome.FailoverOccurred,
		},
		Quality: quality,
		Compliance: models.ResponseCompliance{
			LicenseCompliant:    true,
			AttributionRequired: attribution,
			UsageRestrictions:   restrictionList,
		},
	}
}

// Status returns the aggregate subsystem view.
func (m *Manager) Status() Status {
	m.registryMu.RLock()
	total := len(m.sources)
	configs := make([]models.SourceConfig, 0, total)
	for _, cfg := range m.sources {
		configs = append(configs, cfg)
	}
	m.registryMu.RUnlock()

	open := m.breaker.OpenCount()
	healthy := 0
	for _, cfg := range configs {
		if m.breaker.State(cfg.ID) == breaker.StateClosed {
			healthy++
		}
	}
	issues := m.gate.IssueCount(configs)

	overall := 0.0
	if total > 0 {
		overall = float64(healthy)/float64(total) - 0.1*float64(open) - 0.2*float64(issues)
		if overall < 0 {
			overall = 0
		}
	}
	return Status{
		TotalSources:        total,
		HealthySources:      healthy,
		CircuitBreakersOpen: open,
		ActiveFailovers:     int(m.activeFailovers.Load()),
		RealTimeStreams:     m.poller.RunningCount(),
		ScrapingJobs:        m.scraper.JobCount(),
		ComplianceIssues:    issues,
		OverallHealth:       overall,
	}
}

// HealthCheck aggregates component probe results with remediation
// recommendations.
func (m *Manager) HealthCheck(ctx context.Context) monitoring.OverallHealth {
	return m.health.Check(ctx)
}

func (m *Manager) registerHealthProbes() {
	m.health.Register("circuit_breakers", func(ctx context.Context) monitoring.CheckResult {
		m.registryMu.RLock()
		total := len(m.sources)
		m.registryMu.RUnlock()
		open := m.breaker.OpenCount()
		res := monitoring.CheckResult{Status: monitoring.StatusHealthy}
		switch {
		case total == 0 || open == 0:
		case open*2 >= total:
			res.Status = monitoring.StatusUnhealthy
			res.Issues = append(res.Issues, fmt.Sprintf("%d of %d circuits open", open, total))
			res.Recommendations = append(res.Recommendations, "investigate upstream outages; consider maintenance() to reset stuck breakers")
		default:
			res.Status = monitoring.StatusDegraded
			res.Issues = append(res.Issues, fmt.Sprintf("%d of %d circuits open", open, total))
		}
		return res
	})
	m.health.Register("compliance", func(ctx context.Context) monitoring.CheckResult {
		m.registryMu.RLock()
		configs := make([]models.SourceConfig, 0, len(m.sources))
		for _, cfg := range m.sources {
			configs = append(configs, cfg)
		}
		m.registryMu.RUnlock()
		res := monitoring.CheckResult{Status: monitoring.StatusHealthy}
		if issues := m.gate.IssueCount(configs); issues > 0 {
			res.Status = monitoring.StatusDegraded
			res.Issues = append(res.Issues, fmt.Sprintf("%d sources failing compliance", issues))
			res.Recommendations = append(res.Recommendations, "review licensing metadata for failing sources")
		}
		return res
	})
	m.health.Register("reliability", func(ctx context.Context) monitoring.CheckResult {
		res := monitoring.CheckResult{Status: monitoring.StatusHealthy}
		critical := 0
		for _, alert := range m.tracker.Alerts() {
			if alert.Severity == models.SeverityCritical {
				critical++
			}
		}
		if critical > 0 {
			res.Status = monitoring.StatusDegraded
			res.Issues = append(res.Issues, fmt.Sprintf("%d critical reliability alerts", critical))
			res.Recommendations = append(res.Recommendations, "check incident log for affected sources")
		}
		return res
	})
	m.health.Register("feeds", func(ctx context.Context) monitoring.CheckResult {
		res := monitoring.CheckResult{Status: monitoring.StatusHealthy}
		for _, id := range m.poller.StreamIDs() {
			metrics, ok := m.poller.Metrics(id)
			if !ok || metrics.PollCount == 0 {
				continue
			}
			if float64(metrics.ErrorCount)/float64(metrics.PollCount) > 0.5 {
				res.Status = monitoring.StatusDegraded
				res.Issues = append(res.Issues, fmt.Sprintf("stream %s failing more than half its polls", id))
			}
		}
		return res
	})
}

// Maintenance trims reliability samples and feed caches, resets circuit
// breakers stuck open past their grace period, drops aged alerts and persists
// metric snapshots.
func (m *Manager) Maintenance() {
	m.tracker.Trim(m.cfg.Maintenance.AlertRetention)
	m.poller.TrimCaches()
	reset := m.breaker.ResetStuck(m.cfg.Maintenance.StuckBreakerGrace)
	for _, id := range reset {
		m.publish(telemEvents.Event{Category: telemEvents.CategoryBreaker, Type: "stuck_reset", SourceID: id})
	}

	m.registryMu.RLock()
	ids := make([]string, 0, len(m.sources))
	for id := range m.sources {
		ids = append(ids, id)
	}
	m.registryMu.RUnlock()
	for _, id := range ids {
		if metrics, ok := m.tracker.Metrics(id); ok {
			_ = m.store.PutMetricsSnapshot(id, metrics)
		}
	}
}

// Close stops background work (feed tickers). Idempotent.
func (m *Manager) Close() error {
	m.poller.StopAll()
	return nil
}

// --- streams ---

// AddStream registers a real-time feed stream.
func (m *Manager) AddStream(s feeds.Stream) error { return m.poller.AddStream(s) }

// RemoveStream stops and deletes a stream.
func (m *Manager) RemoveStream(streamID string) { m.poller.RemoveStream(streamID) }

// StartStream begins polling one stream.
func (m *Manager) StartStream(streamID string) error { return m.poller.StartStream(streamID) }

// StopStream halts polling for one stream, waiting out any in-flight poll.
func (m *Manager) StopStream(streamID string) { m.poller.StopStream(streamID) }

// StartStreams begins polling every registered stream.
func (m *Manager) StartStreams() { m.poller.StartAll() }

// StreamMetrics returns one stream's health counters.
func (m *Manager) StreamMetrics(streamID string) (feeds.StreamMetrics, bool) {
	return m.poller.Metrics(streamID)
}

// OnFeedItems registers a consumer for newly delivered feed items.
func (m *Manager) OnFeedItems(handler feeds.Handler) {
	if handler == nil {
		return
	}
	m.feedHandlersMu.Lock()
	m.feedHandlers = append(m.feedHandlers, handler)
	m.feedHandlersMu.Unlock()
}

func (m *Manager) dispatchFeedItems(streamID string, items []models.FeedItem) {
	if m.exporter != nil {
		m.exporter.RecordFeedPoll(streamID, "delivered")
	}
	m.publish(telemEvents.Event{
		Category: telemEvents.CategoryFeeds,
		Type:     "items_delivered",
		Labels:   map[string]string{"stream": streamID},
		Fields:   map[string]any{"count": len(items)},
	})
	m.feedHandlersMu.RLock()
	handlers := append([]feeds.Handler(nil), m.feedHandlers...)
	m.feedHandlersMu.RUnlock()
	for _, h := range handlers {
		h(streamID, items)
	}
}

// --- scraping ---

// RegisterScrapingJob validates and installs a scraping job.
func (m *Manager) RegisterScrapingJob(job scraper.Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	return m.scraper.RegisterJob(job)
}

// RunScrapingJob executes one registered job under robots and rate-limit
// gates.
func (m *Manager) RunScrapingJob(ctx context.Context, jobID string) (*scraper.Result, error) {
	result, err := m.scraper.Run(ctx, jobID)
	if m.exporter != nil {
		status := "success"
		if err != nil {
			status = models.ErrorKind(err)
		}
		m.exporter.RecordScrapeRun(jobID, status)
	}
	if err != nil {
		m.publish(telemEvents.Event{
			Category: telemEvents.CategoryScraper,
			Type:     "run_failed",
			Labels:   map[string]string{"job": jobID},
			Fields:   map[string]any{"error": err.Error()},
		})
		return nil, err
	}
	return result, nil
}

// ScraperMetrics returns the runner's counters.
func (m *Manager) ScraperMetrics() scraper.Metrics { return m.scraper.Metrics() }

// --- observers and accessors ---

// RegisterEventObserver adds an observer invoked synchronously for each
// internal event. Safe for concurrent use; no-op on nil.
func (m *Manager) RegisterEventObserver(obs EventObserver) {
	if obs == nil {
		return
	}
	m.observersMu.Lock()
	m.observers = append(m.observers, obs)
	m.observersMu.Unlock()
}

// MetricsHandler returns the Prometheus handler, nil when metrics disabled.
func (m *Manager) MetricsHandler() http.Handler {
	if m.exporter == nil {
		return nil
	}
	return m.exporter.Handler()
}

// HealthHandler returns the JSON health endpoint handler.
func (m *Manager) HealthHandler() http.Handler { return m.health.Handler() }

// SourceMetrics returns a source's rolling reliability view.
func (m *Manager) SourceMetrics(sourceID string) (models.SourceMetrics, bool) {
	return m.tracker.Metrics(sourceID)
}

// BreakerState reports a source's circuit state.
func (m *Manager) BreakerState(sourceID string) breaker.State { return m.breaker.State(sourceID) }

// Alerts returns the accumulated reliability alerts.
func (m *Manager) Alerts() []reliability.Alert { return m.tracker.Alerts() }

// ResolveIncident closes an incident by ID.
func (m *Manager) ResolveIncident(incidentID string) bool { return m.tracker.ResolveIncident(incidentID) }

func (m *Manager) publish(ev telemEvents.Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	_ = m.bus.Publish(ev)
	m.observersMu.RLock()
	if len(m.observers) == 0 {
		m.observersMu.RUnlock()
		return
	}
	observers := append([]EventObserver(nil), m.observers...)
	m.observersMu.RUnlock()
	pub := Event{Time: ev.Time, Category: ev.Category, Type: ev.Type, Severity: ev.Severity, SourceID: ev.SourceID, Labels: ev.Labels, Fields: ev.Fields}
	for _, o := range observers { // synchronous; observers must be fast
		func() { defer func() { _ = recover() }(); o(pub) }()
	}
}

func (m *Manager) lookupConfig(sourceID string) (models.SourceConfig, bool) {
	m.registryMu.RLock()
	defer m.registryMu.RUnlock()
	cfg, ok := m.sources[sourceID]
	return cfg, ok
}

func (m *Manager) lookupAdapter(sourceID string) (models.SourceAdapter, bool) {
	m.registryMu.RLock()
	defer m.registryMu.RUnlock()
	adapter, ok := m.adapters[sourceID]
	return adapter, ok
}

func (m *Manager) lookupQuality(sourceID string) float64 {
	if metrics, ok := m.tracker.Metrics(sourceID); ok && metrics.SampleCount > 0 && metrics.DataQualityScore > 0 {
		return metrics.DataQualityScore
	}
	if cfg, ok := m.lookupConfig(sourceID); ok {
		q := cfg.Quality
		return (q.Accuracy + q.Completeness + q.Timeliness + q.Reliability) / 4
	}
	return 0.5
}

func validateRequest(req models.DataRequest) error {
	if req.DataType == "" {
		return &models.ValidationError{Field: "dataType", Reason: "must not be empty"}
	}
	switch req.Strategy {
	case models.StrategyPrimaryOnly, models.StrategyFailover, models.StrategyFusion:
	default:
		return &models.ValidationError{Field: "strategy", Reason: fmt.Sprintf("unknown strategy %q", req.Strategy)}
	}
	if req.Quality.MinConfidence < 0 || req.Quality.MinConfidence > 1 {
		return &models.ValidationError{Field: "quality.minConfidence", Reason: "must be within [0,1]"}
	}
	return nil
}

// requestFingerprint derives the stable cache key for a request.
func requestFingerprint(req models.DataRequest) string {
	keys := make([]string, 0, len(req.Parameters))
	for k := range req.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s", req.DataType, req.Strategy)
	for _, k := range keys {
		fmt.Fprintf(h, "|%s=%v", k, req.Parameters[k])
	}
	fmt.Fprintf(h, "|req=%v|exc=%v", req.Sources.Required, req.Sources.Excluded)
	return hex.EncodeToString(h.Sum(nil)[:16])
}

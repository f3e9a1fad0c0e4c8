package reliability

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gridfuse/resilience/models"
)

// Clock abstraction for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// PerformancePoint is one observed attempt against a source.
type PerformancePoint struct {
	Timestamp time.Time
	Latency   time.Duration
	Success   bool
}

// QualityAssessment grades one response on six dimensions, each in [0,1].
type QualityAssessment struct {
	Accuracy     float64 `json:"accuracy"`
	Completeness float64 `json:"completeness"`
	Consistency  float64 `json:"consistency"`
	Timeliness   float64 `json:"timeliness"`
	Validity     float64 `json:"validity"`
	Uniqueness   float64 `json:"uniqueness"`
}

// Overall collapses the six dimensions into a single score.
func (q QualityAssessment) Overall() float64 {
	return 0.25*q.Accuracy + 0.20*q.Completeness + 0.15*q.Consistency +
		0.15*q.Timeliness + 0.15*q.Validity + 0.10*q.Uniqueness
}

// Thresholds trigger alerts when a source's rolling metrics cross them. The
// Critical bounds escalate severity.
type Thresholds struct {
	MinUptimePercent      float64 `yaml:"min_uptime_percent"`
	MaxAvgResponseTimeMs  float64 `yaml:"max_avg_response_time_ms"`
	MinSuccessRatePercent float64 `yaml:"min_success_rate_percent"`
	MinDataQualityScore   float64 `yaml:"min_data_quality_score"`

	CriticalUptimePercent      float64 `yaml:"critical_uptime_percent"`
	CriticalAvgResponseTimeMs  float64 `yaml:"critical_avg_response_time_ms"`
	CriticalSuccessRatePercent float64 `yaml:"critical_success_rate_percent"`
	CriticalDataQualityScore   float64 `yaml:"critical_data_quality_score"`
}

// DefaultThresholds mirror the documented defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinUptimePercent:           95,
		MaxAvgResponseTimeMs:       2000,
		MinSuccessRatePercent:      98,
		MinDataQualityScore:        0.8,
		CriticalUptimePercent:      90,
		CriticalAvgResponseTimeMs:  5000,
		CriticalSuccessRatePercent: 95,
		CriticalDataQualityScore:   0.6,
	}
}

// Alert is a threshold breach observation.
type Alert struct {
	ID        string          `json:"id"`
	SourceID  string          `json:"source_id"`
	Metric    string          `json:"metric"`
	Value     float64         `json:"value"`
	Threshold float64         `json:"threshold"`
	Severity  models.Severity `json:"severity"`
	CreatedAt time.Time       `json:"created_at"`
}

const (
	sampleWindow       = 24 * time.Hour
	qualityHistorySize = 10
	incidentWindow     = 5 * time.Minute
	incidentMinFails   = 3
	incidentCritFails  = 5
)

// Tracker ingests per-attempt samples and maintains rolling 24h SLIs,
// incidents and alerts per source.
type Tracker struct {
	clock      Clock
	thresholds Thresholds
	mu         sync.RWMutex
	sources    map[string]*sourceRecord
	alerts     []Alert
	onIncident func(models.Incident)
}

type sourceRecord struct {
	samples   []PerformancePoint
	quality   []QualityAssessment // bounded to qualityHistorySize
	incidents []models.Incident
	metrics   models.SourceMetrics
	baseline  models.QualityBaseline
	// open outage incident guard: avoid duplicate incidents for an ongoing
	// failure burst
	openOutage bool
}

// NewTracker constructs a Tracker with the given thresholds.
func NewTracker(thresholds Thresholds) *Tracker {
	return &Tracker{
		clock:      realClock{},
		thresholds: thresholds,
		sources:    make(map[string]*sourceRecord),
	}
}

// WithClock swaps the clock, for tests.
func (t *Tracker) WithClock(clock Clock) *Tracker {
	if clock != nil {
		t.clock = clock
	}
	return t
}

// OnIncident registers a single observer for created incidents.
func (t *Tracker) OnIncident(fn func(models.Incident)) { t.onIncident = fn }

// Register installs tracking state seeded with the source's quality baseline.
func (t *Tracker) Register(sourceID string, baseline models.QualityBaseline) {
	t.mu.Lock()
	if _, ok := t.sources[sourceID]; !ok {
		t.sources[sourceID] = &sourceRecord{
			baseline: baseline,
			metrics: models.SourceMetrics{
				SourceID:         sourceID,
				UptimePercent:    100,
				SuccessRate:      100,
				DataQualityScore: baseline.Accuracy,
				FreshnessScore:   baseline.Timeliness,
				ConsistencyScore: 1,
			},
		}
	}
	t.mu.Unlock()
}

// Remove drops all tracking state for a source.
func (t *Tracker) Remove(sourceID string) {
	t.mu.Lock()
	delete(t.sources, sourceID)
	t.mu.Unlock()
}

// Record ingests one attempt outcome and recomputes the source's rolling
// metrics.
func (t *Tracker) Record(sourceID string, latency time.Duration, success bool) {
	t.mu.Lock()
	rec, ok := t.sources[sourceID]
	if !ok {
		rec = &sourceRecord{metrics: models.SourceMetrics{SourceID: sourceID}}
		t.sources[sourceID] = rec
	}
	now := t.clock.Now()
	rec.samples = append(rec.samples, PerformancePoint{Timestamp: now, Latency: latency, Success: success})
	rec.trim(now)
	t.recomputeLocked(rec)
	var incident *models.Incident
	if !success {
		incident = t.maybeOpenIncidentLocked(sourceID, rec, now)
	} else {
		rec.openOutage = false
	}
	alerts := t.evaluateThresholdsLocked(sourceID, rec, now)
	t.alerts = append(t.alerts, alerts...)
	t.mu.Unlock()

	if incident != nil && t.onIncident != nil {
		t.onIncident(*incident)
	}
}

// RecordQuality ingests a response quality assessment for the source.
func (t *Tracker) RecordQuality(sourceID string, qa QualityAssessment) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.sources[sourceID]
	if !ok {
		return
	}
	rec.quality = append(rec.quality, qa)
	if len(rec.quality) > qualityHistorySize {
		rec.quality = rec.quality[len(rec.quality)-qualityHistorySize:]
	}
	t.recomputeLocked(rec)
}

// recomputeLocked rebuilds the rolling metrics from retained samples.
func (t *Tracker) recomputeLocked(rec *sourceRecord) {
	total := len(rec.samples)
	if total == 0 {
		return
	}
	var successes int
	var latencies []float64
	for _, p := range rec.samples {
		if p.Success {
			successes++
			latencies = append(latencies, float64(p.Latency.Milliseconds()))
		}
	}
	m := &rec.metrics
	m.SampleCount = total
	m.UptimePercent = float64(successes) / float64(total) * 100
	m.SuccessRate = m.UptimePercent

	mean, stddev := meanStddev(latencies)
	m.AvgResponseTime = mean
	if mean > 0 {
		m.ConsistencyScore = clamp01(1 - stddev/mean)
	} else {
		m.ConsistencyScore = 1
	}

	if len(rec.quality) > 0 {
		var sum float64
		for _, qa := range rec.quality {
			sum += qa.Overall()
		}
		m.DataQualityScore = sum / float64(len(rec.quality))
	}

	m.UserSatisfaction = 0.30*(m.UptimePercent/100) +
		0.20*(1-math.Min(m.AvgResponseTime/3000, 1)) +
		0.30*m.DataQualityScore +
		0.20*m.ConsistencyScore
}

// maybeOpenIncidentLocked creates an outage incident when the recent failure
// burst crosses the documented bounds. One incident per burst.
func (t *Tracker) maybeOpenIncidentLocked(sourceID string, rec *sourceRecord, now time.Time) *models.Incident {
	cutoff := now.Add(-incidentWindow)
	recent := 0
	for _, p := range rec.samples {
		if !p.Success && p.Timestamp.After(cutoff) {
			recent++
		}
	}
	if recent < incidentMinFails || rec.openOutage {
		return nil
	}
	severity := models.SeverityHigh
	if recent >= incidentCritFails {
		severity = models.SeverityCritical
	}
	inc := models.Incident{
		ID:          uuid.NewString(),
		SourceID:    sourceID,
		CreatedAt:   now,
		Type:        models.IncidentOutage,
		Severity:    severity,
		Description: fmt.Sprintf("%d failures within %s", recent, incidentWindow),
	}
	rec.incidents = append(rec.incidents, inc)
	rec.openOutage = true
	return &inc
}

func (t *Tracker) evaluateThresholdsLocked(sourceID string, rec *sourceRecord, now time.Time) []Alert {
	m := rec.metrics
	th := t.thresholds
	var out []Alert
	add := func(metric string, value, threshold float64, critical bool) {
		sev := models.SeverityHigh
		if critical {
			sev = models.SeverityCritical
		}
		out = append(out, Alert{
			ID: uuid.NewString(), SourceID: sourceID, Metric: metric,
			Value: value, Threshold: threshold, Severity: sev, CreatedAt: now,
		})
	}
	// Require a minimal sample base before alerting on ratios.
	if m.SampleCount < 3 {
		return nil
	}
	if th.MinUptimePercent > 0 && m.UptimePercent < th.MinUptimePercent {
		add("uptime", m.UptimePercent, th.MinUptimePercent, m.UptimePercent < th.CriticalUptimePercent)
	}
	if th.MaxAvgResponseTimeMs > 0 && m.AvgResponseTime > th.MaxAvgResponseTimeMs {
		add("avg_response_time", m.AvgResponseTime, th.MaxAvgResponseTimeMs, m.AvgResponseTime > th.CriticalAvgResponseTimeMs)
	}
	if th.MinSuccessRatePercent > 0 && m.SuccessRate < th.MinSuccessRatePercent {
		add("success_rate", m.SuccessRate, th.MinSuccessRatePercent, m.SuccessRate < th.CriticalSuccessRatePercent)
	}
	if th.MinDataQualityScore > 0 && len(rec.quality) > 0 && m.DataQualityScore < th.MinDataQualityScore {
		add("data_quality", m.DataQualityScore, th.MinDataQualityScore, m.DataQualityScore < th.CriticalDataQualityScore)
	}
	return out
}

// Metrics returns a copy of the source's rolling metrics including unresolved
// incidents.
func (t *Tracker) Metrics(sourceID string) (models.SourceMetrics, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.sources[sourceID]
	if !ok {
		return models.SourceMetrics{}, false
	}
	m := rec.metrics
	m.Incidents = append([]models.Incident(nil), rec.incidents...)
	return m, true
}

// UserSatisfaction is the composite ranking signal used by failover ordering.
// Unknown sources rank neutral.
func (t *Tracker) UserSatisfaction(sourceID string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.sources[sourceID]
	if !ok {
		return 0.5
	}
	if rec.metrics.SampleCount == 0 {
		// No observations yet: fall back to the declared baseline.
		b := rec.baseline
		return (b.Accuracy + b.Completeness + b.Timeliness + b.Reliability) / 4
	}
	return rec.metrics.UserSatisfaction
}

// ResolveIncident closes an incident; resolved incidents are immutable.
func (t *Tracker) ResolveIncident(incidentID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	for _, rec := range t.sources {
		for i := range rec.incidents {
			if rec.incidents[i].ID == incidentID && rec.incidents[i].ResolvedAt == nil {
				resolved := now
				rec.incidents[i].ResolvedAt = &resolved
				return true
			}
		}
	}
	return false
}

// Alerts returns a snapshot of accumulated alerts.
func (t *Tracker) Alerts() []Alert {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Alert(nil), t.alerts...)
}

// Trim drops samples older than the retention window and alerts older than
// alertRetention. Called from maintenance.
func (t *Tracker) Trim(alertRetention time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	for _, rec := range t.sources {
		rec.trim(now)
		t.recomputeLocked(rec)
	}
	if alertRetention > 0 {
		cutoff := now.Add(-alertRetention)
		kept := t.alerts[:0]
		for _, a := range t.alerts {
			if a.CreatedAt.After(cutoff) {
				kept = append(kept, a)
			}
		}
		t.alerts = kept
	}
}

func (rec *sourceRecord) trim(now time.Time) {
	cutoff := now.Add(-sampleWindow)
	kept := rec.samples[:0]
	for _, p := range rec.samples {
		if !p.Timestamp.Before(cutoff) {
			kept = append(kept, p)
		}
	}
	rec.samples = kept
}

func meanStddev(values []float64) (mean, stddev float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean = sum / float64(len(values))
	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	stddev = math.Sqrt(sq / float64(len(values)))
	return mean, stddev
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

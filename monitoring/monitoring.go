package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Exporter publishes resilience-core metrics to Prometheus via a dedicated
// registry.
type Exporter struct {
	namespace string
	registry  *prometheus.Registry

	requests       *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
	breakerState   *prometheus.GaugeVec
	incidents      *prometheus.CounterVec
	feedPolls      *prometheus.CounterVec
	scrapeRuns     *prometheus.CounterVec
}

// NewExporter creates the exporter and registers its collectors.
func NewExporter(namespace string) (*Exporter, error) {
	registry := prometheus.NewRegistry()

	requests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total facade requests by strategy and status",
		},
		[]string{"strategy", "status"},
	)
	requestLatency := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_latency_seconds",
			Help:      "Facade request latency",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"strategy"},
	)
	breakerState := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state per source (0=closed,1=half_open,2=open)",
		},
		[]string{"source"},
	)
	incidents := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "incidents_total",
			Help:      "Reliability incidents by source and severity",
		},
		[]string{"source", "severity"},
	)
	feedPolls := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_polls_total",
			Help:      "Feed poll cycles by stream and status",
		},
		[]string{"stream", "status"},
	)
	scrapeRuns := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scrape_runs_total",
			Help:      "Scraping job executions by job and status",
		},
		[]string{"job", "status"},
	)

	registry.MustRegister(requests, requestLatency, breakerState, incidents, feedPolls, scrapeRuns)

	return &Exporter{
		namespace:      namespace,
		registry:       registry,
		requests:       requests,
		requestLatency: requestLatency,
		breakerState:   breakerState,
		incidents:      incidents,
		feedPolls:      feedPolls,
		scrapeRuns:     scrapeRuns,
	}, nil
}

// RecordRequest folds one facade request outcome into the counters.
func (e *Exporter) RecordRequest(strategy, status string, latency time.Duration) {
	e.requests.WithLabelValues(strategy, status).Inc()
	e.requestLatency.WithLabelValues(strategy).Observe(latency.Seconds())
}

// SetBreakerState publishes a source's breaker state as a gauge.
func (e *Exporter) SetBreakerState(source string, state string) {
	var v float64
	switch state {
	case "HALF_OPEN":
		v = 1
	case "OPEN":
		v = 2
	}
	e.breakerState.WithLabelValues(source).Set(v)
}

// RecordIncident counts one reliability incident.
func (e *Exporter) RecordIncident(source, severity string) {
	e.incidents.WithLabelValues(source, severity).Inc()
}

// RecordFeedPoll counts one poll cycle.
func (e *Exporter) RecordFeedPoll(stream, status string) {
	e.feedPolls.WithLabelValues(stream, status).Inc()
}

// RecordScrapeRun counts one scraping execution.
func (e *Exporter) RecordScrapeRun(job, status string) {
	e.scrapeRuns.WithLabelValues(job, status).Inc()
}

// Handler returns the HTTP handler serving this exporter's registry.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// Tracer provides distributed tracing for facade operations.
type Tracer struct {
	tracer      oteltrace.Tracer
	serviceName string
}

// NewTracer installs a basic tracer provider and returns the wrapper.
func NewTracer(serviceName, environment string) (*Tracer, error) {
	tp := trace.NewTracerProvider(
		trace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(serviceName),
			semconv.DeploymentEnvironmentKey.String(environment),
		)),
	)
	otel.SetTracerProvider(tp)
	return &Tracer{tracer: otel.Tracer(serviceName), serviceName: serviceName}, nil
}

// StartRequest opens a span for one facade request.
func (t *Tracer) StartRequest(ctx context.Context, strategy, dataType string) (context.Context, oteltrace.Span) {
	return t.tracer.Start(ctx, "execute_request", oteltrace.WithAttributes(
		attribute.String("strategy", strategy),
		attribute.String("data_type", dataType),
	))
}

// RecordAttempt annotates the active span with one source attempt.
func (t *Tracer) RecordAttempt(ctx context.Context, sourceID string, latency time.Duration, success bool) {
	span := oteltrace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.AddEvent("source_attempt", oteltrace.WithAttributes(
			attribute.String("source", sourceID),
			attribute.Int64("latency_ms", latency.Milliseconds()),
			attribute.Bool("success", success),
		))
	}
}

// Finish closes the span with outcome status.
func (t *Tracer) Finish(span oteltrace.Span, err error) {
	if span.IsRecording() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "completed")
		}
	}
	span.End()
}

// HealthStatus buckets a component's condition.
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// CheckFunc probes one component.
type CheckFunc func(ctx context.Context) CheckResult

// CheckResult is one component's health probe outcome.
type CheckResult struct {
	Name            string       `json:"name"`
	Status          HealthStatus `json:"status"`
	Timestamp       time.Time    `json:"timestamp"`
	Issues          []string     `json:"issues,omitempty"`
	Recommendations []string     `json:"recommendations,omitempty"`
}

// OverallHealth aggregates component probes.
type OverallHealth struct {
	Overall         HealthStatus  `json:"overall"`
	Components      []CheckResult `json:"components"`
	CheckedAt       time.Time     `json:"checked_at"`
	Recommendations []string      `json:"recommendations,omitempty"`
}

// HealthSystem runs registered component probes and aggregates them.
type HealthSystem struct {
	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// NewHealthSystem constructs an empty health system.
func NewHealthSystem() *HealthSystem {
	return &HealthSystem{checks: make(map[string]CheckFunc)}
}

// Register installs (or replaces) a component probe.
func (h *HealthSystem) Register(name string, check CheckFunc) {
	h.mu.Lock()
	h.checks[name] = check
	h.mu.Unlock()
}

// Check runs every probe and aggregates: any unhealthy component makes the
// whole system unhealthy; otherwise any degraded component degrades it.
func (h *HealthSystem) Check(ctx context.Context) OverallHealth {
	h.mu.RLock()
	checks := make(map[string]CheckFunc, len(h.checks))
	for name, fn := range h.checks {
		checks[name] = fn
	}
	h.mu.RUnlock()

	out := OverallHealth{Overall: StatusHealthy, CheckedAt: time.Now()}
	for name, fn := range checks {
		res := fn(ctx)
		res.Name = name
		if res.Timestamp.IsZero() {
			res.Timestamp = out.CheckedAt
		}
		out.Components = append(out.Components, res)
		out.Recommendations = append(out.Recommendations, res.Recommendations...)
		switch res.Status {
		case StatusUnhealthy:
			out.Overall = StatusUnhealthy
		case StatusDegraded:
			if out.Overall != StatusUnhealthy {
				out.Overall = StatusDegraded
			}
		}
	}
	return out
}

// Handler serves the aggregated health as JSON; unhealthy maps to 503.
func (h *HealthSystem) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := h.Check(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if health.Overall == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		if err := json.NewEncoder(w).Encode(health); err != nil {
			fmt.Fprintf(os.Stderr, "health encode error: %v\n", err)
		}
	})
}

package models

import (
	"context"
	"time"
)

// Strategy selects how a request is routed across sources.
type Strategy string

const (
	StrategyPrimaryOnly Strategy = "primary_only"
	StrategyFailover    Strategy = "failover"
	StrategyFusion      Strategy = "fusion"
)

// AuthKind enumerates supported upstream authentication schemes.
type AuthKind string

const (
	AuthNone   AuthKind = "none"
	AuthAPIKey AuthKind = "api_key"
	AuthBasic  AuthKind = "basic"
	AuthOAuth  AuthKind = "oauth"
)

// AuthConfig describes how a source authenticates outbound calls. Only the
// fields relevant to Kind are populated.
type AuthConfig struct {
	Kind       AuthKind `json:"kind" yaml:"kind"`
	APIKey     string   `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	HeaderName string   `json:"header_name,omitempty" yaml:"header_name,omitempty"`
	Username   string   `json:"username,omitempty" yaml:"username,omitempty"`
	Password   string   `json:"password,omitempty" yaml:"password,omitempty"`
	TokenURL   string   `json:"token_url,omitempty" yaml:"token_url,omitempty"`
}

// RateLimitSpec is the per-source request budget across three fixed windows.
// A zero value for any window means unlimited for that window.
type RateLimitSpec struct {
	PerSecond int `json:"per_second" yaml:"per_second"`
	PerHour   int `json:"per_hour" yaml:"per_hour"`
	PerDay    int `json:"per_day" yaml:"per_day"`
}

// RetrySpec shapes backoff between failover attempts after this source fails.
type RetrySpec struct {
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts"`
	BaseBackoff time.Duration `json:"base_backoff" yaml:"base_backoff"`
	Exponential bool          `json:"exponential" yaml:"exponential"`
}

// QualityBaseline carries the operator-declared quality priors for a source.
// All values are in [0,1].
type QualityBaseline struct {
	Accuracy     float64 `json:"accuracy" yaml:"accuracy"`
	Completeness float64 `json:"completeness" yaml:"completeness"`
	Timeliness   float64 `json:"timeliness" yaml:"timeliness"`
	Reliability  float64 `json:"reliability" yaml:"reliability"`
}

// CompliancePolicy is the licensing/usage posture declared for a source.
type CompliancePolicy struct {
	RequiresAttribution bool     `json:"requires_attribution" yaml:"requires_attribution"`
	AttributionText     string   `json:"attribution_text,omitempty" yaml:"attribution_text,omitempty"`
	UsageRestrictions   []string `json:"usage_restrictions,omitempty" yaml:"usage_restrictions,omitempty"`
	LicenseTerms        string   `json:"license_terms,omitempty" yaml:"license_terms,omitempty"`
	RetentionDays       int      `json:"retention_days" yaml:"retention_days"`
	Commercial          bool     `json:"commercial" yaml:"commercial"`
	PricingTransparent  bool     `json:"pricing_transparent" yaml:"pricing_transparent"`
}

// SourceConfig describes a registered upstream data provider. Immutable after
// registration; re-registering with an equal config is a no-op.
type SourceConfig struct {
	ID                string           `json:"id" yaml:"id"`
	Name              string           `json:"name" yaml:"name"`
	Priority          int              `json:"priority" yaml:"priority"` // 1 = highest
	BaseURL           string           `json:"base_url" yaml:"base_url"`
	Auth              AuthConfig       `json:"auth" yaml:"auth"`
	RateLimit         RateLimitSpec    `json:"rate_limit" yaml:"rate_limit"`
	Retry             RetrySpec        `json:"retry" yaml:"retry"`
	Timeout           time.Duration    `json:"timeout" yaml:"timeout"`
	FallbackSourceIDs []string         `json:"fallback_source_ids,omitempty" yaml:"fallback_source_ids,omitempty"`
	Quality           QualityBaseline  `json:"quality" yaml:"quality"`
	Compliance        CompliancePolicy `json:"compliance" yaml:"compliance"`
	CostPerCall       float64          `json:"cost_per_call,omitempty" yaml:"cost_per_call,omitempty"`
}

// SourceResponse is what adapters return from a single fetch.
type SourceResponse struct {
	Success            bool      `json:"success"`
	Data               any       `json:"data,omitempty"`
	Error              string    `json:"error,omitempty"`
	Source             string    `json:"source"`
	Timestamp          time.Time `json:"timestamp"`
	RequestID          string    `json:"request_id"`
	RateLimitRemaining int       `json:"rate_limit_remaining,omitempty"`
}

// SourceAdapter is the single-method contract every upstream client implements.
// Adapters are called under circuit-breaker and rate-limiter guards and must not
// layer their own retries or circuit logic on top.
type SourceAdapter interface {
	Fetch(ctx context.Context, params map[string]any) (*SourceResponse, error)
}

// AdapterFunc adapts a plain function to the SourceAdapter interface.
type AdapterFunc func(ctx context.Context, params map[string]any) (*SourceResponse, error)

func (f AdapterFunc) Fetch(ctx context.Context, params map[string]any) (*SourceResponse, error) {
	return f(ctx, params)
}

// RequestSources narrows which sources a request may use.
type RequestSources struct {
	Required  []string `json:"required,omitempty"`
	Excluded  []string `json:"excluded,omitempty"`
	Preferred []string `json:"preferred,omitempty"`
}

// RequestQuality carries per-request quality demands.
type RequestQuality struct {
	MinConfidence    float64       `json:"min_confidence,omitempty"`
	MaxLatency       time.Duration `json:"max_latency,omitempty"`
	RequireFreshData bool          `json:"require_fresh_data,omitempty"`
}

// RequestBudget is an advisory cost ceiling; overruns produce warnings, never
// rejections.
type RequestBudget struct {
	MaxCost float64 `json:"max_cost"`
}

// DataRequest is the facade-level request contract.
type DataRequest struct {
	DataType   string         `json:"data_type"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Strategy   Strategy       `json:"strategy"`
	Sources    RequestSources `json:"sources,omitempty"`
	Quality    RequestQuality `json:"quality,omitempty"`
	Budget     *RequestBudget `json:"budget,omitempty"`
}

// ResponseMetadata records how a response was produced.
type ResponseMetadata struct {
	Strategy         Strategy      `json:"strategy"`
	SourcesUsed      []string      `json:"sources_used"`
	Confidence       float64       `json:"confidence"`
	Latency          time.Duration `json:"latency"`
	Warnings         []string      `json:"warnings"`
	FailoverOccurred bool          `json:"failover_occurred,omitempty"`
	FromCache        bool          `json:"from_cache,omitempty"`
}

// ResponseQuality summarizes observed quality of the sources that contributed.
type ResponseQuality struct {
	Accuracy     float64 `json:"accuracy"`
	Completeness float64 `json:"completeness"`
	Freshness    float64 `json:"freshness"`
	Reliability  float64 `json:"reliability"`
}

// ResponseCompliance reflects the licensing posture of the contributing sources.
type ResponseCompliance struct {
	LicenseCompliant    bool     `json:"license_compliant"`
	AttributionRequired bool     `json:"attribution_required"`
	UsageRestrictions   []string `json:"usage_restrictions,omitempty"`
}

// DataResponse is the facade-level response contract.
type DataResponse struct {
	Data       any                `json:"data"`
	Metadata   ResponseMetadata   `json:"metadata"`
	Quality    ResponseQuality    `json:"quality"`
	Compliance ResponseCompliance `json:"compliance"`
}

// ContributionStatus classifies the outcome of one source's attempt in fusion.
type ContributionStatus string

const (
	ContributionSuccess ContributionStatus = "success"
	ContributionError   ContributionStatus = "error"
	ContributionTimeout ContributionStatus = "timeout"
)

// SourceContribution is a single source's result participating in fusion.
type SourceContribution struct {
	SourceID   string             `json:"source_id"`
	Status     ContributionStatus `json:"status"`
	Data       any                `json:"data,omitempty"`
	Latency    time.Duration      `json:"latency"`
	Confidence float64            `json:"confidence"`
	Weight     float64            `json:"weight"`
	Timestamp  time.Time          `json:"timestamp"`
}

// TimePoint is one sample of a time-series contribution.
type TimePoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// FeedItem is a normalized entry from any supported feed format.
type FeedItem struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Link        string    `json:"link"`
	Description string    `json:"description,omitempty"`
	PubDate     time.Time `json:"pub_date,omitempty"`
	Source      string    `json:"source"`
	Tags        []string  `json:"tags,omitempty"`
	Content     string    `json:"content,omitempty"`
	Author      string    `json:"author,omitempty"`
}

// IncidentType classifies a reliability incident.
type IncidentType string

const (
	IncidentOutage      IncidentType = "outage"
	IncidentDegradation IncidentType = "degradation"
	IncidentDataQuality IncidentType = "data_quality"
	IncidentRateLimit   IncidentType = "rate_limit"
)

// Severity grades incidents and alerts.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Incident records a reliability event for a source. Once ResolvedAt is set the
// incident is immutable.
type Incident struct {
	ID          string       `json:"id"`
	SourceID    string       `json:"source_id"`
	CreatedAt   time.Time    `json:"created_at"`
	Type        IncidentType `json:"type"`
	Severity    Severity     `json:"severity"`
	Description string       `json:"description"`
	ResolvedAt  *time.Time   `json:"resolved_at,omitempty"`
}

// SourceMetrics is the rolling 24h view of a source's behavior.
type SourceMetrics struct {
	SourceID         string     `json:"source_id"`
	UptimePercent    float64    `json:"uptime_percent"`
	AvgResponseTime  float64    `json:"avg_response_time_ms"`
	SuccessRate      float64    `json:"success_rate_percent"`
	DataQualityScore float64    `json:"data_quality_score"`
	ConsistencyScore float64    `json:"consistency_score"`
	FreshnessScore   float64    `json:"freshness_score"`
	UserSatisfaction float64    `json:"user_satisfaction"`
	SampleCount      int        `json:"sample_count"`
	Incidents        []Incident `json:"incidents,omitempty"`
}

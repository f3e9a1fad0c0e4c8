package resilience

import (
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gridfuse/resilience/internal/breaker"
	"github.com/gridfuse/resilience/internal/reliability"
)

// LoggingConfig selects the structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // text|json
}

// FailoverConfig tunes the orchestrator.
type FailoverConfig struct {
	MaxAttempts      int `yaml:"max_attempts"`
	MaxFusionSources int `yaml:"max_fusion_sources"`
}

// ComplianceConfig tunes the gate and robots cache.
type ComplianceConfig struct {
	CheckTTL            time.Duration `yaml:"check_ttl"`
	RobotsTTL           time.Duration `yaml:"robots_ttl"`
	RobotsClientTimeout time.Duration `yaml:"robots_client_timeout"`
}

// MaintenanceConfig tunes the periodic housekeeping pass.
type MaintenanceConfig struct {
	AlertRetention    time.Duration `yaml:"alert_retention"`
	StuckBreakerGrace time.Duration `yaml:"stuck_breaker_grace"`
}

// UnmarshalYAML decodes duration fields from strings like "24h".
func (c *ComplianceConfig) UnmarshalYAML(value *yaml.Node) error {
	raw := struct {
		CheckTTL            *string `yaml:"check_ttl"`
		RobotsTTL           *string `yaml:"robots_ttl"`
		RobotsClientTimeout *string `yaml:"robots_client_timeout"`
	}{}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	return applyDurations(map[*time.Duration]*string{
		&c.CheckTTL:            raw.CheckTTL,
		&c.RobotsTTL:           raw.RobotsTTL,
		&c.RobotsClientTimeout: raw.RobotsClientTimeout,
	})
}

// UnmarshalYAML decodes duration fields from strings like "720h".
func (c *MaintenanceConfig) UnmarshalYAML(value *yaml.Node) error {
	raw := struct {
		AlertRetention    *string `yaml:"alert_retention"`
		StuckBreakerGrace *string `yaml:"stuck_breaker_grace"`
	}{}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	return applyDurations(map[*time.Duration]*string{
		&c.AlertRetention:    raw.AlertRetention,
		&c.StuckBreakerGrace: raw.StuckBreakerGrace,
	})
}

func applyDurations(fields map[*time.Duration]*string) error {
	for target, raw := range fields {
		if raw == nil {
			continue
		}
		d, err := time.ParseDuration(*raw)
		if err != nil {
			return err
		}
		*target = d
	}
	return nil
}

// Config is the public configuration surface for the Manager facade.
type Config struct {
	ServiceName string `yaml:"service_name"`
	Environment string `yaml:"environment"`

	Logging LoggingConfig `yaml:"logging"`

	// Metrics/tracing wiring; disabled by default to preserve footprint.
	MetricsEnabled   bool   `yaml:"metrics_enabled"`
	MetricsNamespace string `yaml:"metrics_namespace"`
	TracingEnabled   bool   `yaml:"tracing_enabled"`

	Breaker     breaker.Settings       `yaml:"breaker"`
	Reliability reliability.Thresholds `yaml:"reliability"`
	Failover    FailoverConfig         `yaml:"failover"`
	Compliance  ComplianceConfig       `yaml:"compliance"`
	Maintenance MaintenanceConfig      `yaml:"maintenance"`
}

// Defaults returns a Config with reasonable defaults.
func Defaults() Config {
	return Config{
		ServiceName:      "resilience-core",
		Environment:      "development",
		Logging:          LoggingConfig{Level: "info", Format: "text"},
		MetricsEnabled:   false,
		MetricsNamespace: "gridfuse",
		TracingEnabled:   false,
		Breaker:          breaker.DefaultSettings(),
		Reliability:      reliability.DefaultThresholds(),
		Failover: FailoverConfig{
			MaxAttempts:      3,
			MaxFusionSources: 3,
		},
		Compliance: ComplianceConfig{
			CheckTTL:            30 * 24 * time.Hour,
			RobotsTTL:           24 * time.Hour,
			RobotsClientTimeout: 10 * time.Second,
		},
		Maintenance: MaintenanceConfig{
			AlertRetention:    30 * 24 * time.Hour,
			StuckBreakerGrace: 5 * time.Minute,
		},
	}
}

package resilience

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
service_name: energy-aggregator
logging:
  level: debug
  format: json
metrics_enabled: true
breaker:
  failure_threshold: 7
  open_timeout: 30s
failover:
  max_attempts: 5
`

func TestLoadConfigFileLayersOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resilience.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o644))

	cfg, err := LoadConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, "energy-aggregator", cfg.ServiceName)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.MetricsEnabled)
	assert.Equal(t, 7, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.Breaker.OpenTimeout)
	assert.Equal(t, 5, cfg.Failover.MaxAttempts)

	// Unset fields keep their defaults.
	assert.Equal(t, 3, cfg.Breaker.SuccessThreshold)
	assert.Equal(t, 3, cfg.Failover.MaxFusionSources)
}

func TestLoadConfigFileMissing(t *testing.T) {
	_, err := LoadConfigFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestWatchConfigFileFiresOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "resilience.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o644))

	changed := make(chan Config, 1)
	w, err := WatchConfigFile(path, func(cfg Config) {
		select {
		case changed <- cfg:
		default:
		}
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	updated := sampleConfig + "environment: production\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	select {
	case cfg := <-changed:
		assert.Equal(t, "production", cfg.Environment)
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not observe the change")
	}
}

func TestWatcherIgnoresChecksumIdenticalWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "resilience.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o644))

	fired := make(chan struct{}, 4)
	w, err := WatchConfigFile(path, func(Config) { fired <- struct{}{} })
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o644))
	select {
	case <-fired:
		t.Fatal("identical content must not fire the callback")
	case <-time.After(300 * time.Millisecond):
	}
}

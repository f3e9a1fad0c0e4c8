package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridfuse/resilience/models"
)

func TestMetricsSnapshotRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.PutMetricsSnapshot("wb", models.SourceMetrics{SourceID: "wb", UptimePercent: 99.5}))
	snap, ok := s.MetricsSnapshot("wb")
	require.True(t, ok)
	assert.InDelta(t, 99.5, snap.UptimePercent, 0.001)

	_, ok = s.MetricsSnapshot("ghost")
	assert.False(t, ok)
}

func TestIncidentPersistence(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.PutIncident(models.Incident{ID: "inc-1", SourceID: "wb", Severity: models.SeverityHigh}))
	require.NoError(t, s.PutIncident(models.Incident{ID: "inc-2", SourceID: "wb", Severity: models.SeverityCritical}))
	assert.Equal(t, 2, s.IncidentCount())
}

func TestCachedResponses(t *testing.T) {
	s := NewMemoryStore()
	_, ok := s.GetCachedResponse("fp")
	assert.False(t, ok)

	require.NoError(t, s.PutCachedResponse("fp", []byte(`{"data":42}`), time.Minute))
	payload, ok := s.GetCachedResponse("fp")
	require.True(t, ok)
	assert.JSONEq(t, `{"data":42}`, string(payload))
}

func TestComplianceRecords(t *testing.T) {
	s := NewMemoryStore()
	rec := ComplianceRecord{Key: "wb", Status: "pass", CheckedAt: time.Now()}
	require.NoError(t, s.PutComplianceCheck(rec))
	got, ok := s.GetComplianceCheck("wb")
	require.True(t, ok)
	assert.Equal(t, "pass", got.Status)
}

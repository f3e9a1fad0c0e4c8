// Package store defines the narrow persistence surface the resilience core
// depends on. Implementations are external; the in-memory store here backs
// tests and embedders without infrastructure.
package store

import (
	"time"

	"github.com/gridfuse/resilience/models"
)

// ComplianceRecord persists the outcome of a compliance check.
type ComplianceRecord struct {
	Key       string    `json:"key"`
	Status    string    `json:"status"`
	Reasons   []string  `json:"reasons,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Store is the persistence contract. The core only ever calls these methods;
// everything else about the backing storage is opaque.
type Store interface {
	PutMetricsSnapshot(sourceID string, snapshot models.SourceMetrics) error
	PutIncident(incident models.Incident) error
	GetCachedResponse(fingerprint string) ([]byte, bool)
	PutCachedResponse(fingerprint string, payload []byte, ttl time.Duration) error
	PutComplianceCheck(check ComplianceRecord) error
	GetComplianceCheck(key string) (ComplianceRecord, bool)
}

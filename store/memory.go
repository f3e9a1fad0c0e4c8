package store

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/gridfuse/resilience/models"
)

const (
	cachedResponseBounds = 4096
	defaultResponseTTL   = 5 * time.Minute
)

// MemoryStore is the default Store when no external persistence is injected.
// Cached responses live in an expirable LRU; snapshots and incidents in plain
// maps.
type MemoryStore struct {
	mu         sync.RWMutex
	snapshots  map[string]models.SourceMetrics
	incidents  map[string]models.Incident
	compliance map[string]ComplianceRecord
	responses  *lru.LRU[string, []byte]
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots:  make(map[string]models.SourceMetrics),
		incidents:  make(map[string]models.Incident),
		compliance: make(map[string]ComplianceRecord),
		responses:  lru.NewLRU[string, []byte](cachedResponseBounds, nil, defaultResponseTTL),
	}
}

func (s *MemoryStore) PutMetricsSnapshot(sourceID string, snapshot models.SourceMetrics) error {
	s.mu.Lock()
	s.snapshots[sourceID] = snapshot
	s.mu.Unlock()
	return nil
}

// MetricsSnapshot returns the last stored snapshot for a source.
func (s *MemoryStore) MetricsSnapshot(sourceID string) (models.SourceMetrics, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[sourceID]
	return snap, ok
}

func (s *MemoryStore) PutIncident(incident models.Incident) error {
	s.mu.Lock()
	s.incidents[incident.ID] = incident
	s.mu.Unlock()
	return nil
}

// IncidentCount reports how many incidents have been persisted.
func (s *MemoryStore) IncidentCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.incidents)
}

func (s *MemoryStore) GetCachedResponse(fingerprint string) ([]byte, bool) {
	return s.responses.Get(fingerprint)
}

func (s *MemoryStore) PutCachedResponse(fingerprint string, payload []byte, ttl time.Duration) error {
	// The LRU applies a single TTL (defaultResponseTTL) to every entry; the ttl
	// argument is not used.
	s.responses.Add(fingerprint, payload)
	return nil
}

func (s *MemoryStore) PutComplianceCheck(check ComplianceRecord) error {
	s.mu.Lock()
	s.compliance[check.Key] = check
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) GetComplianceCheck(key string) (ComplianceRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.compliance[key]
	return rec, ok
}

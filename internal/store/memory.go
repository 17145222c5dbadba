package store

import (
	"log/slog"
	"sync"
	"time"

	"github.com/FinBridge/LedgerPipe/internal/models"
)

// InMemoryStore is a mutex-guarded map store with lazy TTL expiry. It backs
// tests and single-node deployments that do not need durability.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]memoryEntry
	audit    []models.AuditEvent

	// now is swappable for TTL tests.
	now func() time.Time
}

type memoryEntry struct {
	session   *models.Session
	expiresAt time.Time
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]memoryEntry),
		now:      time.Now,
	}
}

// SetClock overrides the store clock. Tests use it to simulate TTL expiry.
func (s *InMemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// GetSession returns the stored session for key, treating expired entries as
// absent and removing them.
func (s *InMemoryStore) GetSession(key string) (*models.Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.sessions[key]
	if !ok {
		return nil, false, nil
	}
	if s.now().After(entry.expiresAt) {
		delete(s.sessions, key)
		slog.Debug("InMemoryStore GetSession expired entry removed", "key", key)
		return nil, false, nil
	}
	return entry.session.Clone(), true, nil
}

// PutSession writes a session unconditionally.
func (s *InMemoryStore) PutSession(key string, session *models.Session, ttlSeconds int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[key] = memoryEntry{
		session:   session.Clone(),
		expiresAt: s.now().Add(time.Duration(ttlSeconds) * time.Second),
	}
	return nil
}

// CompareAndSwapSession writes only when the stored version matches
// expectedVersion. Expired entries count as absent.
func (s *InMemoryStore) CompareAndSwapSession(key string, expectedVersion int64, session *models.Session, ttlSeconds int64) (bool, *models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.sessions[key]
	if exists && s.now().After(entry.expiresAt) {
		delete(s.sessions, key)
		exists = false
	}

	if !exists {
		if expectedVersion != 0 {
			slog.Debug("InMemoryStore CAS failed: key absent", "key", key, "expected_version", expectedVersion)
			return false, nil, nil
		}
	} else if entry.session.Version != expectedVersion {
		slog.Debug("InMemoryStore CAS failed: version mismatch", "key", key, "expected_version", expectedVersion, "current_version", entry.session.Version)
		return false, entry.session.Clone(), nil
	}

	s.sessions[key] = memoryEntry{
		session:   session.Clone(),
		expiresAt: s.now().Add(time.Duration(ttlSeconds) * time.Second),
	}
	return true, nil, nil
}

// DeleteSession removes a session.
func (s *InMemoryStore) DeleteSession(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, key)
	return nil
}

// AppendAuditEvent appends one audit record.
func (s *InMemoryStore) AppendAuditEvent(ev models.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, ev)
	return nil
}

// ListAuditEvents returns all audit records for a flow id in append order.
func (s *InMemoryStore) ListAuditEvents(flowID string) ([]models.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var events []models.AuditEvent
	for _, ev := range s.audit {
		if ev.FlowID == flowID {
			events = append(events, ev)
		}
	}
	return events, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}

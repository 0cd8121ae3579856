package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

type memoryEntry struct {
	status    Status
	result    json.RawMessage
	attempts  int
	updatedAt time.Time
	expiresAt time.Time
}

type memoryKey struct{ messageID, handler string }

// MemoryStore is an in-process Store for development and tests
type MemoryStore struct {
	mu      sync.Mutex
	entries map[memoryKey]*memoryEntry
	now     func() time.Time
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[memoryKey]*memoryEntry), now: time.Now}
}

// Claim follows the same rules as PostgresStore.Claim
func (s *MemoryStore) Claim(_ context.Context, messageID, handler string, _ json.RawMessage, ttl, staleAfter time.Duration) (Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	key := memoryKey{messageID, handler}
	e, ok := s.entries[key]
	if !ok || now.After(e.expiresAt) {
		s.entries[key] = &memoryEntry{status: StatusStarted, attempts: 1, updatedAt: now, expiresAt: now.Add(ttl)}
		return Claim{Acquired: true}, nil
	}

	stale := e.status == StatusStarted && now.Sub(e.updatedAt) > staleAfter
	if e.status == StatusRecoverable || stale {
		e.status = StatusStarted
		e.attempts++
		e.updatedAt = now
		return Claim{Acquired: true, Recovered: true}, nil
	}
	return Claim{Status: e.status, Result: e.result}, nil
}

// Complete records the final status of a run
func (s *MemoryStore) Complete(_ context.Context, messageID, handler string, status Status, result json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[memoryKey{messageID, handler}]; ok {
		e.status = status
		e.result = result
		e.updatedAt = s.now()
	}
	return nil
}

// Cleanup removes expired entries
func (s *MemoryStore) Cleanup(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var deleted int64
	for k, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, k)
			deleted++
		}
	}
	return deleted, nil
}

// Stats counts entries by status
func (s *MemoryStore) Stats(context.Context) (*InboxStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := &InboxStats{TotalEntries: int64(len(s.entries))}
	for _, e := range s.entries {
		switch e.status {
		case StatusStarted:
			stats.Started++
		case StatusFinished:
			stats.Finished++
		case StatusRecoverable:
			stats.Recoverable++
		case StatusFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

var _ Store = (*MemoryStore)(nil)

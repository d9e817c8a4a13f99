package storage

import (
	"context"
	"sort"
	"sync"

	"playshelf/internal/models"
)

// MemoryStore keeps persisted sessions in memory. It is safe for concurrent
// use and primarily intended for development or single-instance deployments.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]models.Session
}

// NewMemoryStore constructs an in-memory store implementation.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]models.Session)}
}

// GetByID retrieves the persisted session with the provided id.
func (s *MemoryStore) GetByID(_ context.Context, id string) (models.Session, bool, error) {
	s.mu.RLock()
	session, ok := s.sessions[id]
	s.mu.RUnlock()
	return session, ok, nil
}

// FindByKey returns the most recently updated session for the tuple.
func (s *MemoryStore) FindByKey(_ context.Context, key models.SessionKey) (models.Session, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best models.Session
	found := false
	for _, session := range s.sessions {
		if session.Key() != key {
			continue
		}
		if !found || session.UpdatedAt.After(best.UpdatedAt) {
			best = session
			found = true
		}
	}
	return best, found, nil
}

// Upsert inserts or replaces the session row.
func (s *MemoryStore) Upsert(_ context.Context, session models.Session) error {
	session.Open = false
	s.mu.Lock()
	s.sessions[session.ID] = session
	s.mu.Unlock()
	return nil
}

// Delete removes the session row, reporting whether it existed.
func (s *MemoryStore) Delete(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	_, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	return ok, nil
}

// List returns persisted sessions matching the filter, most recent first.
func (s *MemoryStore) List(_ context.Context, filter SessionFilter) ([]models.Session, error) {
	s.mu.RLock()
	sessions := make([]models.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		if filter.UserID != "" && session.UserID != filter.UserID {
			continue
		}
		sessions = append(sessions, session)
	}
	s.mu.RUnlock()
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})
	return sessions, nil
}

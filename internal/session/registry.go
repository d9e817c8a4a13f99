package session

import (
	"sort"
	"sync"

	"playshelf/internal/models"
)

// Registry tracks currently open sessions in memory. The registry map is
// guarded by an RWMutex held only for map access; each entry carries its own
// mutex so read-modify-write cycles for one session never interleave while
// mutations of different sessions proceed in parallel.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*registryEntry
}

type registryEntry struct {
	mu      sync.Mutex
	session models.Session
}

// NewRegistry constructs an empty open-session registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*registryEntry)}
}

// Get returns a copy of the open session with the given id.
func (r *Registry) Get(sessionID string) (models.Session, bool) {
	r.mu.RLock()
	entry, ok := r.entries[sessionID]
	r.mu.RUnlock()
	if !ok {
		return models.Session{}, false
	}
	entry.mu.Lock()
	session := entry.session
	entry.mu.Unlock()
	return session, true
}

// GetByUser returns the user's open sessions ordered by most recent update.
func (r *Registry) GetByUser(userID string) []models.Session {
	sessions := r.Snapshot()
	filtered := sessions[:0]
	for _, s := range sessions {
		if s.UserID == userID {
			filtered = append(filtered, s)
		}
	}
	return filtered
}

// FindByKey returns the open session for the (user, device, item) tuple.
func (r *Registry) FindByKey(key models.SessionKey) (models.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, entry := range r.entries {
		entry.mu.Lock()
		session := entry.session
		entry.mu.Unlock()
		if session.Key() == key {
			return session, true
		}
	}
	return models.Session{}, false
}

// OpenOrContinue returns the open session for the tuple, invoking create to
// build one when absent. The registry lock spans lookup and insert so two
// concurrent opens for the same tuple can never both create; create must be
// cheap and must not block.
func (r *Registry) OpenOrContinue(key models.SessionKey, create func() models.Session) (models.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entry := range r.entries {
		entry.mu.Lock()
		session := entry.session
		entry.mu.Unlock()
		if session.Key() == key {
			return session, true
		}
	}
	session := create()
	session.Open = true
	r.entries[session.ID] = &registryEntry{session: session}
	return session, false
}

// Upsert inserts or replaces the registry entry for the session. The map lock
// is held across the replace so an Upsert racing a Remove can never write into
// an entry that is no longer in the map.
func (r *Registry) Upsert(session models.Session) {
	session.Open = true
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[session.ID]
	if !ok {
		r.entries[session.ID] = &registryEntry{session: session}
		return
	}
	entry.mu.Lock()
	entry.session = session
	entry.mu.Unlock()
}

// Update applies fn to the session under its entry lock and returns the
// resulting copy. The per-entry lock serializes concurrent updates for the
// same id; fn must not block on I/O.
func (r *Registry) Update(sessionID string, fn func(*models.Session)) (models.Session, bool) {
	r.mu.RLock()
	entry, ok := r.entries[sessionID]
	r.mu.RUnlock()
	if !ok {
		return models.Session{}, false
	}
	entry.mu.Lock()
	fn(&entry.session)
	entry.session.Open = true
	session := entry.session
	entry.mu.Unlock()
	return session, true
}

// Remove drops the session from the registry. Removing an absent id is a
// no-op.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	delete(r.entries, sessionID)
	r.mu.Unlock()
}

// Len reports the number of open sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Snapshot returns copies of all open sessions ordered by most recent update.
// The registry lock is held only to collect entry pointers.
func (r *Registry) Snapshot() []models.Session {
	r.mu.RLock()
	entries := make([]*registryEntry, 0, len(r.entries))
	for _, entry := range r.entries {
		entries = append(entries, entry)
	}
	r.mu.RUnlock()

	sessions := make([]models.Session, 0, len(entries))
	for _, entry := range entries {
		entry.mu.Lock()
		sessions = append(sessions, entry.session)
		entry.mu.Unlock()
	}
	sortSessionsByUpdatedDesc(sessions)
	return sessions
}

func sortSessionsByUpdatedDesc(sessions []models.Session) {
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})
}

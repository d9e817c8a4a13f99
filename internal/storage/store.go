// Package storage provides durable persistence for closed playback sessions.
// Open sessions live in the in-memory registry; a persisted session is
// implicitly closed.
package storage

import (
	"context"

	"playshelf/internal/models"
)

// SessionFilter narrows List results. A zero filter matches everything.
type SessionFilter struct {
	UserID string
}

// Store is the persistence contract for closed sessions. Upsert is atomic per
// row; List orders by updatedAt descending.
type Store interface {
	GetByID(ctx context.Context, id string) (models.Session, bool, error)
	// FindByKey returns the most recently updated persisted session for the
	// (user, device, item) tuple, used to reconcile offline syncs without
	// creating duplicates.
	FindByKey(ctx context.Context, key models.SessionKey) (models.Session, bool, error)
	Upsert(ctx context.Context, session models.Session) error
	Delete(ctx context.Context, id string) (bool, error)
	List(ctx context.Context, filter SessionFilter) ([]models.Session, error)
}

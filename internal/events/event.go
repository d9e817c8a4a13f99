// Package events fans playback lifecycle notifications out to connected
// clients. Delivery is fire-and-forget; the session engine never blocks on a
// slow subscriber.
package events

import (
	"time"

	"playshelf/internal/models"
)

// Type names a session lifecycle transition.
type Type string

const (
	TypeSessionOpen     Type = "session_open"
	TypeSessionProgress Type = "session_progress"
	TypeSessionClosed   Type = "session_closed"
	TypeSessionRemoved  Type = "session_removed"
)

// Event is a lifecycle notification payload.
type Event struct {
	Type      Type               `json:"type"`
	SessionID string             `json:"sessionId"`
	UserID    string             `json:"userId"`
	EmittedAt time.Time          `json:"emittedAt"`
	Session   *models.ClientView `json:"session,omitempty"`
}

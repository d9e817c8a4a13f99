package models

import "time"

// MediaType discriminates how playback progress is measured. Audio media track
// a time position against a known duration; e-books track a reader location
// with a client-computed completion ratio.
type MediaType string

const (
	MediaTypeBook    MediaType = "book"
	MediaTypePodcast MediaType = "podcast"
	MediaTypeEBook   MediaType = "ebook"
)

// TimeBased reports whether progress for the media type derives from
// currentTime/duration rather than a reader location.
func (m MediaType) TimeBased() bool {
	return m != MediaTypeEBook
}

// Valid reports whether the media type is one of the supported discriminators.
func (m MediaType) Valid() bool {
	switch m {
	case MediaTypeBook, MediaTypePodcast, MediaTypeEBook:
		return true
	}
	return false
}

// SessionKey identifies the tuple that at most one open session may exist for
// at a time.
type SessionKey struct {
	UserID        string
	DeviceID      string
	LibraryItemID string
}

// Session is a playback or reading session. While open it lives in the
// in-memory registry; once closed it is persisted and implicitly no longer
// open. All time positions and durations are in seconds.
type Session struct {
	ID            string    `json:"id"`
	UserID        string    `json:"userId"`
	DeviceID      string    `json:"deviceId"`
	LibraryItemID string    `json:"libraryItemId"`
	MediaType     MediaType `json:"mediaType"`
	DisplayTitle  string    `json:"displayTitle,omitempty"`
	CurrentTime   float64   `json:"currentTime"`
	Duration      float64   `json:"duration"`
	EbookLocation string    `json:"ebookLocation,omitempty"`
	Progress      float64   `json:"progress"`
	IsFinished    bool      `json:"isFinished"`
	TimeListening float64   `json:"timeListening"`
	StartedAt     time.Time `json:"startedAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
	// Open is registry residency, never persisted.
	Open bool `json:"-"`
}

// Key returns the (user, device, item) tuple for open-session deduplication.
func (s Session) Key() SessionKey {
	return SessionKey{UserID: s.UserID, DeviceID: s.DeviceID, LibraryItemID: s.LibraryItemID}
}

// ProgressReport is a client-submitted snapshot of playback position and
// elapsed listening time for a session on a given device. Timestamp carries
// the client clock at capture and drives the merge tie-break for rewinds and
// out-of-order delivery.
type ProgressReport struct {
	SessionID     string    `json:"sessionId,omitempty"`
	UserID        string    `json:"userId,omitempty"`
	DeviceID      string    `json:"deviceId,omitempty"`
	LibraryItemID string    `json:"libraryItemId,omitempty"`
	MediaType     MediaType `json:"mediaType,omitempty"`
	DisplayTitle  string    `json:"displayTitle,omitempty"`
	CurrentTime   float64   `json:"currentTime"`
	Duration      float64   `json:"duration"`
	EbookLocation string    `json:"ebookLocation,omitempty"`
	EbookProgress float64   `json:"ebookProgress,omitempty"`
	TimeListened  float64   `json:"timeListened"`
	Timestamp     time.Time `json:"timestamp,omitempty"`
}

// Key returns the identifying tuple carried by the report.
func (r ProgressReport) Key() SessionKey {
	return SessionKey{UserID: r.UserID, DeviceID: r.DeviceID, LibraryItemID: r.LibraryItemID}
}

// UserSummary is the minified identity attached to admin session views.
type UserSummary struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// ClientView is the session shape returned to the owning client. It omits the
// owner id, which the client already knows, and carries no admin-only fields.
type ClientView struct {
	ID            string    `json:"id"`
	DeviceID      string    `json:"deviceId"`
	LibraryItemID string    `json:"libraryItemId"`
	MediaType     MediaType `json:"mediaType"`
	DisplayTitle  string    `json:"displayTitle,omitempty"`
	CurrentTime   float64   `json:"currentTime"`
	Duration      float64   `json:"duration"`
	EbookLocation string    `json:"ebookLocation,omitempty"`
	Progress      float64   `json:"progress"`
	IsFinished    bool      `json:"isFinished"`
	TimeListening float64   `json:"timeListening"`
	StartedAt     time.Time `json:"startedAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// AdminView is the session shape returned from admin listings. It includes the
// owner id and, when resolvable, the minified user record.
type AdminView struct {
	ClientView
	UserID string       `json:"userId"`
	Open   bool         `json:"open"`
	User   *UserSummary `json:"user,omitempty"`
}

// ToClientView shapes the session for its owner.
func (s Session) ToClientView() ClientView {
	return ClientView{
		ID:            s.ID,
		DeviceID:      s.DeviceID,
		LibraryItemID: s.LibraryItemID,
		MediaType:     s.MediaType,
		DisplayTitle:  s.DisplayTitle,
		CurrentTime:   s.CurrentTime,
		Duration:      s.Duration,
		EbookLocation: s.EbookLocation,
		Progress:      s.Progress,
		IsFinished:    s.IsFinished,
		TimeListening: s.TimeListening,
		StartedAt:     s.StartedAt,
		UpdatedAt:     s.UpdatedAt,
	}
}

// ToAdminView shapes the session for admin listings, optionally attaching the
// minified user record.
func (s Session) ToAdminView(user *UserSummary) AdminView {
	return AdminView{
		ClientView: s.ToClientView(),
		UserID:     s.UserID,
		Open:       s.Open,
		User:       user,
	}
}

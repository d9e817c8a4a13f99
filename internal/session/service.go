// Package session implements the playback session lifecycle: the in-memory
// open-session registry, the progress merge algorithm, and the service that
// coordinates open, sync, close and offline reconciliation against the
// durable store.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"playshelf/internal/events"
	"playshelf/internal/identity"
	"playshelf/internal/models"
	"playshelf/internal/observability/metrics"
	"playshelf/internal/storage"
)

const (
	defaultCheckpointParallelism = 4
	publishTimeout               = 2 * time.Second
)

type capability int

const (
	capNone capability = iota
	capUpdate
	capDelete
)

// Option configures a Service instance.
type Option func(*Service)

// WithQueue injects the lifecycle event sink.
func WithQueue(queue events.Queue) Option {
	return func(s *Service) {
		s.queue = queue
	}
}

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(recorder *metrics.Recorder) Option {
	return func(s *Service) {
		s.metrics = recorder
	}
}

// WithClock overrides the wall clock, primarily for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDFactory overrides session id generation, primarily for tests.
func WithIDFactory(newID func() string) Option {
	return func(s *Service) {
		if newID != nil {
			s.newID = newID
		}
	}
}

// WithCheckpointParallelism bounds concurrent store writes during Checkpoint.
func WithCheckpointParallelism(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.checkpointParallelism = n
		}
	}
}

// Service orchestrates session lifecycle transitions. It is the sole writer
// into the registry and the sole caller of store mutation methods. Per-session
// merges happen under the registry's entry lock; store I/O never holds it. A
// close racing a late sync resolves last-writer-wins by updatedAt.
type Service struct {
	registry *Registry
	store    storage.Store
	queue    events.Queue
	logger   *slog.Logger
	metrics  *metrics.Recorder
	now      func() time.Time
	newID    func() string

	checkpointParallelism int
}

// NewService constructs a lifecycle service over the provided store.
func NewService(store storage.Store, opts ...Option) *Service {
	s := &Service{
		registry:              NewRegistry(),
		store:                 store,
		logger:                slog.Default(),
		now:                   time.Now,
		newID:                 uuid.NewString,
		checkpointParallelism: defaultCheckpointParallelism,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// OpenRequest identifies the media a caller wants to start or resume playing.
type OpenRequest struct {
	DeviceID      string           `json:"deviceId"`
	LibraryItemID string           `json:"libraryItemId"`
	MediaType     models.MediaType `json:"mediaType"`
	DisplayTitle  string           `json:"displayTitle,omitempty"`
	CurrentTime   float64          `json:"currentTime"`
	Duration      float64          `json:"duration"`
}

// OpenOrContinue returns the caller's open session for the (device, item)
// tuple, creating one when absent. At most one open session exists per tuple.
func (s *Service) OpenOrContinue(ctx context.Context, caller identity.Identity, req OpenRequest) (models.Session, error) {
	report := models.ProgressReport{
		UserID:        caller.UserID,
		DeviceID:      req.DeviceID,
		LibraryItemID: req.LibraryItemID,
		MediaType:     req.MediaType,
		DisplayTitle:  req.DisplayTitle,
		CurrentTime:   req.CurrentTime,
		Duration:      req.Duration,
	}
	if err := ValidateReport(report, true); err != nil {
		return models.Session{}, err
	}

	created, existing := s.registry.OpenOrContinue(report.Key(), func() models.Session {
		session, _ := Merge(nil, report, s.now())
		session.ID = s.newID()
		return session
	})
	if existing {
		return created, nil
	}

	if s.metrics != nil {
		s.metrics.SessionEvent(metrics.SessionOpened)
		s.metrics.SetOpenSessions(int64(s.registry.Len()))
	}
	s.publish(events.TypeSessionOpen, created)
	s.logger.Info("session opened",
		"session_id", created.ID,
		"user_id", created.UserID,
		"library_item_id", created.LibraryItemID)
	return created, nil
}

// SyncLive merges a progress report into the caller's open session. The
// merged state stays in the registry; durable persistence is deferred to
// close or the periodic checkpoint.
func (s *Service) SyncLive(ctx context.Context, caller identity.Identity, sessionID string, report models.ProgressReport) (models.Session, Outcome, error) {
	if err := ValidateReport(report, false); err != nil {
		return models.Session{}, Outcome{}, err
	}

	var outcome Outcome
	owned := true
	merged, ok := s.registry.Update(sessionID, func(current *models.Session) {
		if current.UserID != caller.UserID {
			owned = false
			return
		}
		next, out := Merge(current, report, s.now())
		*current = next
		outcome = out
	})
	if !ok || !owned {
		// Ownership mismatch deliberately reads as NotFound so other users
		// cannot confirm the session exists.
		return models.Session{}, Outcome{}, ErrNotFound
	}

	if s.metrics != nil {
		s.metrics.SessionEvent(metrics.SessionSynced)
		if outcome.StaleIgnored {
			s.metrics.SessionEvent(metrics.SessionStaleReport)
		}
	}
	s.publish(events.TypeSessionProgress, merged)
	return merged, outcome, nil
}

// Close finalizes a session. An open session gets a final merge, is persisted,
// and leaves the registry; when persistence fails the session stays in the
// registry so close can be retried. A session that is no longer open is
// updated directly in the store with the same merge semantics. Close is safe
// to call more than once for the same id.
func (s *Service) Close(ctx context.Context, caller identity.Identity, sessionID string, report *models.ProgressReport) (models.Session, error) {
	if report != nil {
		if err := ValidateReport(*report, false); err != nil {
			return models.Session{}, err
		}
	}

	owned := true
	final, open := s.registry.Update(sessionID, func(current *models.Session) {
		if current.UserID != caller.UserID {
			owned = false
			return
		}
		if report != nil {
			next, _ := Merge(current, *report, s.now())
			*current = next
		}
	})
	if open {
		if !owned {
			return models.Session{}, ErrNotFound
		}
		return s.finalize(ctx, final)
	}

	stored, found, err := s.store.GetByID(ctx, sessionID)
	if err != nil {
		return models.Session{}, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if !found {
		return models.Session{}, ErrNotFound
	}
	if err := s.authorize(caller, stored.UserID, capUpdate); err != nil {
		return models.Session{}, err
	}
	if report == nil {
		// Repeated close of an already-persisted session is a no-op.
		return stored, nil
	}
	merged, _ := Merge(&stored, *report, s.now())
	if err := s.store.Upsert(ctx, merged); err != nil {
		s.recordPersistenceFailure("close resync", sessionID, err)
		return models.Session{}, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	s.publish(events.TypeSessionClosed, merged)
	return merged, nil
}

// finalize persists the closed state and removes the session from the
// registry. The entry lock is already released; a sync arriving between the
// store write and the removal loses by design (last writer by updatedAt).
func (s *Service) finalize(ctx context.Context, final models.Session) (models.Session, error) {
	final.Open = false
	if err := s.store.Upsert(ctx, final); err != nil {
		s.recordPersistenceFailure("close", final.ID, err)
		return models.Session{}, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	s.registry.Remove(final.ID)
	if s.metrics != nil {
		s.metrics.SessionEvent(metrics.SessionClosed)
		s.metrics.SetOpenSessions(int64(s.registry.Len()))
	}
	s.publish(events.TypeSessionClosed, final)
	s.logger.Info("session closed",
		"session_id", final.ID,
		"user_id", final.UserID,
		"time_listening", final.TimeListening)
	return final, nil
}

// Delete removes a session from the registry and the store. Deleting an
// unknown id is a successful no-op.
func (s *Service) Delete(ctx context.Context, caller identity.Identity, sessionID string) error {
	removed := false
	if open, ok := s.registry.Get(sessionID); ok {
		if err := s.authorize(caller, open.UserID, capDelete); err != nil {
			return err
		}
		s.registry.Remove(sessionID)
		removed = true
		if s.metrics != nil {
			s.metrics.SetOpenSessions(int64(s.registry.Len()))
		}
	}

	stored, found, err := s.store.GetByID(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if found {
		if err := s.authorize(caller, stored.UserID, capDelete); err != nil {
			return err
		}
		if _, err := s.store.Delete(ctx, sessionID); err != nil {
			s.recordPersistenceFailure("delete", sessionID, err)
			return fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		removed = true
	}

	if removed {
		s.publish(events.TypeSessionRemoved, models.Session{ID: sessionID})
		if s.metrics != nil {
			s.metrics.SessionEvent(metrics.SessionDeleted)
		}
	}
	return nil
}

// LocalSyncResult reports the outcome for one report of an offline batch.
type LocalSyncResult struct {
	Session models.Session
	Outcome Outcome
	Err     error
}

// SyncLocal reconciles sessions recorded offline. Each report resolves its
// target by explicit session id or by (user, device, item) tuple, preferring
// an existing persisted session over creating a duplicate, and is persisted
// immediately. Reports are processed independently: a failure on one never
// aborts the rest, and results come back in input order.
func (s *Service) SyncLocal(ctx context.Context, caller identity.Identity, reports []models.ProgressReport) []LocalSyncResult {
	results := make([]LocalSyncResult, 0, len(reports))
	for _, report := range reports {
		if err := ctx.Err(); err != nil {
			results = append(results, LocalSyncResult{Err: err})
			continue
		}
		results = append(results, s.syncLocalOne(ctx, caller, report))
	}
	return results
}

func (s *Service) syncLocalOne(ctx context.Context, caller identity.Identity, report models.ProgressReport) LocalSyncResult {
	if report.UserID == "" {
		report.UserID = caller.UserID
	}
	if err := ValidateReport(report, true); err != nil {
		return LocalSyncResult{Err: err}
	}
	if report.UserID != caller.UserID {
		if err := s.authorize(caller, report.UserID, capUpdate); err != nil {
			return LocalSyncResult{Err: err}
		}
	}

	var existing *models.Session
	if report.SessionID != "" {
		stored, found, err := s.store.GetByID(ctx, report.SessionID)
		if err != nil {
			return LocalSyncResult{Err: fmt.Errorf("%w: %v", ErrPersistence, err)}
		}
		if found && stored.UserID == report.UserID {
			existing = &stored
		}
	}
	if existing == nil {
		stored, found, err := s.store.FindByKey(ctx, report.Key())
		if err != nil {
			return LocalSyncResult{Err: fmt.Errorf("%w: %v", ErrPersistence, err)}
		}
		if found {
			existing = &stored
		}
	}

	merged, outcome := Merge(existing, report, s.now())
	if outcome.IsNew && merged.ID == "" {
		merged.ID = s.newID()
	}
	if err := s.store.Upsert(ctx, merged); err != nil {
		s.recordPersistenceFailure("local sync", merged.ID, err)
		return LocalSyncResult{Err: fmt.Errorf("%w: %v", ErrPersistence, err)}
	}

	if s.metrics != nil {
		s.metrics.SessionEvent(metrics.SessionLocalSynced)
		if outcome.StaleIgnored {
			s.metrics.SessionEvent(metrics.SessionStaleReport)
		}
	}
	s.publish(events.TypeSessionClosed, merged)
	return LocalSyncResult{Session: merged, Outcome: outcome}
}

// GetOpen returns the caller's open session by id.
func (s *Service) GetOpen(ctx context.Context, caller identity.Identity, sessionID string) (models.Session, error) {
	session, ok := s.registry.Get(sessionID)
	if !ok || session.UserID != caller.UserID {
		return models.Session{}, ErrNotFound
	}
	return session, nil
}

// ListOpen returns a snapshot of all open sessions. Admin only.
func (s *Service) ListOpen(ctx context.Context, caller identity.Identity) ([]models.Session, error) {
	if !caller.IsAdmin {
		return nil, ErrForbidden
	}
	return s.registry.Snapshot(), nil
}

// Page is one slice of the combined persisted-plus-open session history. The
// API layer shapes it for the wire; it is never encoded directly.
type Page struct {
	Total        int
	NumPages     int
	Page         int
	ItemsPerPage int
	UserFilter   string
	Sessions     []models.Session
}

// ListAll returns persisted history merged with still-open sessions, newest
// first, sliced by page. Admin only; userID optionally filters to one user.
func (s *Service) ListAll(ctx context.Context, caller identity.Identity, userID string, page, itemsPerPage int) (Page, error) {
	if !caller.IsAdmin {
		return Page{}, ErrForbidden
	}
	if itemsPerPage <= 0 {
		itemsPerPage = 10
	}
	if page < 0 {
		page = 0
	}

	persisted, err := s.store.List(ctx, storage.SessionFilter{UserID: userID})
	if err != nil {
		return Page{}, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	seen := make(map[string]int, len(persisted))
	combined := make([]models.Session, 0, len(persisted))
	for _, session := range persisted {
		seen[session.ID] = len(combined)
		combined = append(combined, session)
	}
	// An open session supersedes its own checkpointed row: the registry copy
	// is always at least as fresh.
	for _, open := range s.registry.Snapshot() {
		if userID != "" && open.UserID != userID {
			continue
		}
		if idx, ok := seen[open.ID]; ok {
			combined[idx] = open
		} else {
			combined = append(combined, open)
		}
	}
	sortSessionsByUpdatedDesc(combined)

	total := len(combined)
	start := page * itemsPerPage
	end := start + itemsPerPage
	if start > total {
		start = total
	}
	if end > total {
		end = total
	}
	return Page{
		Total:        total,
		NumPages:     int(math.Ceil(float64(total) / float64(itemsPerPage))),
		Page:         page,
		ItemsPerPage: itemsPerPage,
		UserFilter:   userID,
		Sessions:     combined[start:end],
	}, nil
}

// Checkpoint persists a snapshot of every open session without closing it,
// bounding the durability loss of a crash to one checkpoint interval. Store
// writes run with bounded parallelism.
func (s *Service) Checkpoint(ctx context.Context) error {
	snapshot := s.registry.Snapshot()
	if len(snapshot) == 0 {
		return nil
	}
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.checkpointParallelism)
	for _, session := range snapshot {
		session := session
		group.Go(func() error {
			session.Open = false
			if err := s.store.Upsert(groupCtx, session); err != nil {
				s.recordPersistenceFailure("checkpoint", session.ID, err)
				return fmt.Errorf("checkpoint session %s: %w", session.ID, err)
			}
			return nil
		})
	}
	return group.Wait()
}

// SweepStale closes open sessions idle for longer than idleFor, persisting
// their final state. It returns the number of sessions closed.
func (s *Service) SweepStale(ctx context.Context, idleFor time.Duration) (int, error) {
	if idleFor <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-idleFor)
	closed := 0
	var firstErr error
	for _, session := range s.registry.Snapshot() {
		if session.UpdatedAt.After(cutoff) {
			continue
		}
		if _, err := s.finalize(ctx, session); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		s.logger.Info("stale session auto-closed", "session_id", session.ID, "user_id", session.UserID)
		closed++
	}
	return closed, firstErr
}

func (s *Service) authorize(caller identity.Identity, ownerID string, cap capability) error {
	if caller.UserID == ownerID {
		return nil
	}
	if !caller.IsAdmin {
		return ErrNotFound
	}
	switch cap {
	case capUpdate:
		if !caller.CanUpdate {
			return ErrForbidden
		}
	case capDelete:
		if !caller.CanDelete {
			return ErrForbidden
		}
	}
	return nil
}

func (s *Service) publish(eventType events.Type, session models.Session) {
	if s.queue == nil {
		return
	}
	event := events.Event{
		Type:      eventType,
		SessionID: session.ID,
		UserID:    session.UserID,
		EmittedAt: s.now(),
	}
	if session.UserID != "" {
		view := session.ToClientView()
		event.Session = &view
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := s.queue.Publish(ctx, event); err != nil {
			s.logger.Warn("lifecycle event publish failed", "type", eventType, "session_id", session.ID, "error", err)
		}
	}()
}

func (s *Service) recordPersistenceFailure(op, sessionID string, err error) {
	if s.metrics != nil {
		s.metrics.SessionEvent(metrics.SessionPersistFailed)
	}
	s.logger.Error("session persistence failed", "op", op, "session_id", sessionID, "error", err)
}

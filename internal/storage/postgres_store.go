package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"playshelf/internal/models"
)

// PostgresStore persists sessions to a Postgres table, allowing multiple API
// replicas to share playback history.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a Postgres-backed session store using the provided DSN.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres session dsn required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres session config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres session pool: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// EnsureSchema creates the playback_sessions table when it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("postgres session pool not configured")
	}
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS playback_sessions (
    id              TEXT PRIMARY KEY,
    user_id         TEXT NOT NULL,
    device_id       TEXT NOT NULL,
    library_item_id TEXT NOT NULL,
    media_type      TEXT NOT NULL,
    display_title   TEXT NOT NULL DEFAULT '',
    position_s      DOUBLE PRECISION NOT NULL DEFAULT 0,
    duration_s      DOUBLE PRECISION NOT NULL DEFAULT 0,
    ebook_location  TEXT NOT NULL DEFAULT '',
    progress        DOUBLE PRECISION NOT NULL DEFAULT 0,
    is_finished     BOOLEAN NOT NULL DEFAULT FALSE,
    time_listening  DOUBLE PRECISION NOT NULL DEFAULT 0,
    started_at      TIMESTAMPTZ NOT NULL,
    updated_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS playback_sessions_user_updated
    ON playback_sessions (user_id, updated_at DESC);
CREATE INDEX IF NOT EXISTS playback_sessions_tuple
    ON playback_sessions (user_id, device_id, library_item_id, updated_at DESC);
`)
	return err
}

// Close releases the Postgres connection pool resources.
func (s *PostgresStore) Close(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		s.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

const sessionColumns = `id, user_id, device_id, library_item_id, media_type, display_title,
position_s, duration_s, ebook_location, progress, is_finished, time_listening, started_at, updated_at`

// GetByID fetches the persisted session with the provided id.
func (s *PostgresStore) GetByID(ctx context.Context, id string) (models.Session, bool, error) {
	if s.pool == nil {
		return models.Session{}, false, fmt.Errorf("postgres session pool not configured")
	}
	row := s.pool.QueryRow(ctx, `
SELECT `+sessionColumns+`
FROM playback_sessions
WHERE id = $1
`, id)
	session, err := scanSession(row)
	if err != nil {
		if isNoRows(err) {
			return models.Session{}, false, nil
		}
		return models.Session{}, false, err
	}
	return session, true, nil
}

// FindByKey returns the most recently updated session for the tuple.
func (s *PostgresStore) FindByKey(ctx context.Context, key models.SessionKey) (models.Session, bool, error) {
	if s.pool == nil {
		return models.Session{}, false, fmt.Errorf("postgres session pool not configured")
	}
	row := s.pool.QueryRow(ctx, `
SELECT `+sessionColumns+`
FROM playback_sessions
WHERE user_id = $1 AND device_id = $2 AND library_item_id = $3
ORDER BY updated_at DESC
LIMIT 1
`, key.UserID, key.DeviceID, key.LibraryItemID)
	session, err := scanSession(row)
	if err != nil {
		if isNoRows(err) {
			return models.Session{}, false, nil
		}
		return models.Session{}, false, err
	}
	return session, true, nil
}

// Upsert stores or updates the session row.
func (s *PostgresStore) Upsert(ctx context.Context, session models.Session) error {
	if s.pool == nil {
		return fmt.Errorf("postgres session pool not configured")
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO playback_sessions (`+sessionColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (id) DO UPDATE SET
    user_id = EXCLUDED.user_id,
    device_id = EXCLUDED.device_id,
    library_item_id = EXCLUDED.library_item_id,
    media_type = EXCLUDED.media_type,
    display_title = EXCLUDED.display_title,
    position_s = EXCLUDED.position_s,
    duration_s = EXCLUDED.duration_s,
    ebook_location = EXCLUDED.ebook_location,
    progress = EXCLUDED.progress,
    is_finished = EXCLUDED.is_finished,
    time_listening = EXCLUDED.time_listening,
    started_at = EXCLUDED.started_at,
    updated_at = EXCLUDED.updated_at
`,
		session.ID, session.UserID, session.DeviceID, session.LibraryItemID,
		string(session.MediaType), session.DisplayTitle, session.CurrentTime,
		session.Duration, session.EbookLocation, session.Progress,
		session.IsFinished, session.TimeListening,
		session.StartedAt.UTC(), session.UpdatedAt.UTC())
	return err
}

// Delete removes the session row, reporting whether a row was deleted.
func (s *PostgresStore) Delete(ctx context.Context, id string) (bool, error) {
	if s.pool == nil {
		return false, fmt.Errorf("postgres session pool not configured")
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM playback_sessions WHERE id = $1`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// List returns persisted sessions matching the filter, most recent first.
func (s *PostgresStore) List(ctx context.Context, filter SessionFilter) ([]models.Session, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("postgres session pool not configured")
	}
	query := `
SELECT ` + sessionColumns + `
FROM playback_sessions
`
	args := []interface{}{}
	if filter.UserID != "" {
		query += `WHERE user_id = $1
`
		args = append(args, filter.UserID)
	}
	query += `ORDER BY updated_at DESC`
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (models.Session, error) {
	var session models.Session
	var mediaType string
	if err := row.Scan(
		&session.ID, &session.UserID, &session.DeviceID, &session.LibraryItemID,
		&mediaType, &session.DisplayTitle, &session.CurrentTime, &session.Duration,
		&session.EbookLocation, &session.Progress, &session.IsFinished,
		&session.TimeListening, &session.StartedAt, &session.UpdatedAt,
	); err != nil {
		return models.Session{}, err
	}
	session.MediaType = models.MediaType(mediaType)
	return session, nil
}

func isNoRows(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, pgx.ErrNoRows)
}

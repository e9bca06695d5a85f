package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/retro-relay/internal/domain"
)

// PostgresStore implements Repository on Postgres. The schema comes from
// the embedded migrations in internal/db.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres wraps an open Postgres pool.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Ping verifies database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// UpsertUser creates or updates a user's display metadata.
func (s *PostgresStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, name, image, updated_at)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (user_id) DO UPDATE SET
		name = CASE WHEN excluded.name <> '' THEN excluded.name ELSE users.name END,
		image = CASE WHEN excluded.image <> '' THEN excluded.image ELSE users.image END,
		updated_at = excluded.updated_at`

	updatedAt := user.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	if _, err := s.db.ExecContext(ctx, query, user.ID, user.Name, user.Image, updatedAt); err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// UpsertPresence sets the active flag and last-seen time for a pair.
func (s *PostgresStore) UpsertPresence(ctx context.Context, sessionID, userID string, active bool, at time.Time) error {
	query := `
	INSERT INTO session_presence (session_id, user_id, is_active, last_seen_at)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (session_id, user_id) DO UPDATE SET
		is_active = excluded.is_active,
		last_seen_at = excluded.last_seen_at`

	if _, err := s.db.ExecContext(ctx, query, sessionID, userID, active, at); err != nil {
		return fmt.Errorf("upsert presence: %w", err)
	}
	return nil
}

// TouchPresence refreshes last_seen_at on an existing record only.
func (s *PostgresStore) TouchPresence(ctx context.Context, sessionID, userID string, at time.Time) error {
	query := `
	UPDATE session_presence SET last_seen_at = $1
	WHERE session_id = $2 AND user_id = $3`

	if _, err := s.db.ExecContext(ctx, query, at, sessionID, userID); err != nil {
		return fmt.Errorf("touch presence: %w", err)
	}
	return nil
}

// GetPresence returns the record for a pair, or nil if none exists.
func (s *PostgresStore) GetPresence(ctx context.Context, sessionID, userID string) (*domain.PresenceRecord, error) {
	query := `
		SELECT session_id, user_id, is_active, last_seen_at
		FROM session_presence WHERE session_id = $1 AND user_id = $2`

	var rec domain.PresenceRecord
	err := s.db.QueryRowContext(ctx, query, sessionID, userID).Scan(&rec.SessionID, &rec.UserID, &rec.IsActive, &rec.LastSeenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan presence row: %w", err)
	}
	return &rec, nil
}

// ListActive returns the active users of a session.
func (s *PostgresStore) ListActive(ctx context.Context, sessionID string) ([]domain.ActiveUser, error) {
	query := `
		SELECT p.user_id, COALESCE(NULLIF(u.name, ''), p.user_id), COALESCE(u.image, ''), p.last_seen_at
		FROM session_presence p
		LEFT JOIN users u ON u.user_id = p.user_id
		WHERE p.session_id = $1 AND p.is_active
		ORDER BY COALESCE(NULLIF(u.name, ''), p.user_id), p.user_id`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query active users: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close active user rows", "error", closeErr)
		}
	}()

	users := []domain.ActiveUser{}
	for rows.Next() {
		var u domain.ActiveUser
		if err := rows.Scan(&u.ID, &u.Name, &u.Image, &u.LastSeenAt); err != nil {
			return nil, fmt.Errorf("scan active user row: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate active users: %w", err)
	}
	return users, nil
}

// MarkStale deactivates records last seen before the cutoff.
func (s *PostgresStore) MarkStale(ctx context.Context, before time.Time) ([]domain.PresenceRecord, error) {
	query := `
		UPDATE session_presence SET is_active = FALSE
		WHERE is_active AND last_seen_at < $1
		RETURNING session_id, user_id, last_seen_at`

	rows, err := s.db.QueryContext(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("mark stale presence: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close stale presence rows", "error", closeErr)
		}
	}()

	var stale []domain.PresenceRecord
	for rows.Next() {
		var rec domain.PresenceRecord
		if err := rows.Scan(&rec.SessionID, &rec.UserID, &rec.LastSeenAt); err != nil {
			return nil, fmt.Errorf("scan stale presence row: %w", err)
		}
		stale = append(stale, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale presence: %w", err)
	}
	return stale, nil
}

var _ Repository = (*PostgresStore)(nil)

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/retro-relay/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		image TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS session_presence (
		session_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 0,
		last_seen_at INTEGER NOT NULL,
		PRIMARY KEY (session_id, user_id)
	);
	CREATE INDEX IF NOT EXISTS idx_presence_active ON session_presence(session_id) WHERE is_active = 1;
	CREATE INDEX IF NOT EXISTS idx_presence_last_seen ON session_presence(last_seen_at) WHERE is_active = 1;
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// UpsertUser creates or updates a user's display metadata.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, name, image, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		name = CASE WHEN excluded.name <> '' THEN excluded.name ELSE users.name END,
		image = CASE WHEN excluded.image <> '' THEN excluded.image ELSE users.image END,
		updated_at = excluded.updated_at`

	updatedAt := user.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	if _, err := s.db.ExecContext(ctx, query, user.ID, user.Name, user.Image, updatedAt.UnixMilli()); err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// UpsertPresence sets the active flag and last-seen time for a pair.
func (s *SQLiteStore) UpsertPresence(ctx context.Context, sessionID, userID string, active bool, at time.Time) error {
	query := `
	INSERT INTO session_presence (session_id, user_id, is_active, last_seen_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(session_id, user_id) DO UPDATE SET
		is_active = excluded.is_active,
		last_seen_at = excluded.last_seen_at`

	if _, err := s.db.ExecContext(ctx, query, sessionID, userID, boolToInt(active), at.UnixMilli()); err != nil {
		return fmt.Errorf("upsert presence: %w", err)
	}
	return nil
}

// TouchPresence refreshes last_seen_at on an existing record. A pair that
// never joined is left without one.
func (s *SQLiteStore) TouchPresence(ctx context.Context, sessionID, userID string, at time.Time) error {
	query := `
	UPDATE session_presence SET last_seen_at = ?
	WHERE session_id = ? AND user_id = ?`

	if _, err := s.db.ExecContext(ctx, query, at.UnixMilli(), sessionID, userID); err != nil {
		return fmt.Errorf("touch presence: %w", err)
	}
	return nil
}

// GetPresence returns the record for a pair, or nil if none exists.
func (s *SQLiteStore) GetPresence(ctx context.Context, sessionID, userID string) (*domain.PresenceRecord, error) {
	query := `
		SELECT session_id, user_id, is_active, last_seen_at
		FROM session_presence WHERE session_id = ? AND user_id = ?`

	var rec domain.PresenceRecord
	var lastSeen int64
	err := s.db.QueryRowContext(ctx, query, sessionID, userID).Scan(&rec.SessionID, &rec.UserID, &rec.IsActive, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan presence row: %w", err)
	}
	rec.LastSeenAt = fromMillis(lastSeen)
	return &rec, nil
}

// ListActive returns the active users of a session.
func (s *SQLiteStore) ListActive(ctx context.Context, sessionID string) ([]domain.ActiveUser, error) {
	query := `
		SELECT p.user_id, COALESCE(NULLIF(u.name, ''), p.user_id), COALESCE(u.image, ''), p.last_seen_at
		FROM session_presence p
		LEFT JOIN users u ON u.user_id = p.user_id
		WHERE p.session_id = ? AND p.is_active = 1
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
		var lastSeen int64
		if err := rows.Scan(&u.ID, &u.Name, &u.Image, &lastSeen); err != nil {
			return nil, fmt.Errorf("scan active user row: %w", err)
		}
		u.LastSeenAt = fromMillis(lastSeen)
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate active users: %w", err)
	}
	return users, nil
}

// MarkStale deactivates records last seen before the cutoff.
func (s *SQLiteStore) MarkStale(ctx context.Context, before time.Time) ([]domain.PresenceRecord, error) {
	query := `
		UPDATE session_presence SET is_active = 0
		WHERE is_active = 1 AND last_seen_at < ?
		RETURNING session_id, user_id, last_seen_at`

	rows, err := s.db.QueryContext(ctx, query, before.UnixMilli())
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
		var lastSeen int64
		if err := rows.Scan(&rec.SessionID, &rec.UserID, &lastSeen); err != nil {
			return nil, fmt.Errorf("scan stale presence row: %w", err)
		}
		rec.LastSeenAt = fromMillis(lastSeen)
		stale = append(stale, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale presence: %w", err)
	}
	return stale, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ Repository = (*SQLiteStore)(nil)

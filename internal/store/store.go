// Package store provides presence persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/retro-relay/internal/domain"
)

// Repository persists presence records and the user metadata joined into
// presence snapshots.
type Repository interface {
	// UpsertUser creates or updates display metadata. Empty name or image
	// fields never overwrite stored values.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpsertPresence sets the active flag and last-seen time for a
	// (session, user) pair, creating the record if needed.
	UpsertPresence(ctx context.Context, sessionID, userID string, active bool, at time.Time) error

	// TouchPresence refreshes last_seen_at only. It never creates a record
	// and never changes the active flag.
	TouchPresence(ctx context.Context, sessionID, userID string, at time.Time) error

	// GetPresence returns the record for a pair, or nil if none exists.
	GetPresence(ctx context.Context, sessionID, userID string) (*domain.PresenceRecord, error)

	// ListActive returns active users of a session joined with their
	// display metadata, ordered by name then id. A user without a stored
	// name is listed under their id.
	ListActive(ctx context.Context, sessionID string) ([]domain.ActiveUser, error)

	// MarkStale flips every active record last seen before the cutoff to
	// inactive and returns the records it changed.
	MarkStale(ctx context.Context, before time.Time) ([]domain.PresenceRecord, error)

	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	// Close releases the underlying handle.
	Close() error
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}

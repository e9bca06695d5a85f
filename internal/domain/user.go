// Package domain contains core domain types for the retro relay.
package domain

import (
	"time"
)

// User is the display metadata joined into presence snapshots.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Image     string    `json:"image,omitempty"`
	UpdatedAt time.Time `json:"-"`
}

// PresenceRecord is the persisted presence state for one user in one session.
type PresenceRecord struct {
	SessionID  string
	UserID     string
	IsActive   bool
	LastSeenAt time.Time
}

// IsStale returns true if the record is active but has not been refreshed
// within staleAfter of now.
func (p *PresenceRecord) IsStale(now time.Time, staleAfter time.Duration) bool {
	if !p.IsActive {
		return false
	}
	return now.Sub(p.LastSeenAt) > staleAfter
}

// ActiveUser is one entry of a presence snapshot.
type ActiveUser struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Image      string    `json:"image"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

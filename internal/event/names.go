// Package event defines the relay's wire protocol: event names, the JSON
// envelope and the typed payload for every event kind.
package event

// Name identifies an event on the wire.
type Name string

// Client to server.
const (
	SessionJoin       Name = "session:join"
	SessionLeave      Name = "session:leave"
	PresenceHeartbeat Name = "presence:heartbeat"
	StageChange       Name = "stage:change"
)

// Mutations, relayed verbatim between clients.
const (
	IdeaCreated     Name = "idea:created"
	IdeaUpdated     Name = "idea:updated"
	IdeaDeleted     Name = "idea:deleted"
	IdeaMoved       Name = "idea:moved"
	GroupCreated    Name = "group:created"
	GroupUpdated    Name = "group:updated"
	GroupDeleted    Name = "group:deleted"
	CommentCreated  Name = "comment:created"
	VoteCast        Name = "vote:cast"
	VoteRemoved     Name = "vote:removed"
	SettingsUpdated Name = "settings:updated"
)

// Server to client.
const (
	PresenceUpdate Name = "presence:update"
	StageChanged   Name = "stage:changed"
	Error          Name = "error"
)

// FromClient reports whether clients are allowed to emit n.
func (n Name) FromClient() bool {
	switch n {
	case SessionJoin, SessionLeave, PresenceHeartbeat, StageChange:
		return true
	}
	return n.IsMutation()
}

// Known reports whether n is part of the protocol in either direction.
func (n Name) Known() bool {
	switch n {
	case PresenceUpdate, StageChanged, Error:
		return true
	}
	return n.FromClient()
}

// IsMutation reports whether n is relayed to other room members as-is.
func (n Name) IsMutation() bool {
	switch n {
	case IdeaCreated, IdeaUpdated, IdeaDeleted, IdeaMoved,
		GroupCreated, GroupUpdated, GroupDeleted,
		CommentCreated, VoteCast, VoteRemoved, SettingsUpdated:
		return true
	}
	return false
}

// IncludesSender reports whether a broadcast of n also reaches the
// connection that triggered it. Session-level events must reach every tab,
// ordinary mutations must not echo back to the emitter.
func (n Name) IncludesSender() bool {
	switch n {
	case PresenceUpdate, StageChanged, SettingsUpdated:
		return true
	}
	return false
}

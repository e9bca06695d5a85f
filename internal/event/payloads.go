package event

import (
	"encoding/json"

	"github.com/ashureev/retro-relay/internal/domain"
)

// Event is a decoded, validated payload. Every variant carries the session
// it is scoped to.
type Event interface {
	Name() Name
	Session() string
}

// Join is sent by a client when it starts viewing a session.
type Join struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
}

// Leave is sent by a client when it stops viewing a session.
type Leave struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
}

// Heartbeat keeps a presence record fresh.
type Heartbeat struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
}

// StageChangeRequest is the admin's stage change as received from a client.
type StageChangeRequest struct {
	SessionID string       `json:"sessionId"`
	NewStage  domain.Stage `json:"newStage"`
	ChangedBy string       `json:"changedBy"`
}

// StageChangedNotice is the stage change as broadcast to the room.
type StageChangedNotice struct {
	SessionID string       `json:"sessionId"`
	NewStage  domain.Stage `json:"newStage"`
	ChangedBy string       `json:"changedBy"`
}

// Idea is a single submitted idea.
type Idea struct {
	ID         string `json:"id"`
	Content    string `json:"content,omitempty"`
	CategoryID string `json:"categoryId,omitempty"`
	GroupID    string `json:"groupId,omitempty"`
	AuthorID   string `json:"authorId,omitempty"`
}

// Group is a named cluster of ideas.
type Group struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	CategoryID string `json:"categoryId,omitempty"`
}

// Comment is attached to an idea.
type Comment struct {
	ID       string `json:"id"`
	IdeaID   string `json:"ideaId"`
	AuthorID string `json:"authorId,omitempty"`
	Content  string `json:"content,omitempty"`
}

// Vote is one user's vote on an idea or group.
type Vote struct {
	ID      string `json:"id"`
	IdeaID  string `json:"ideaId,omitempty"`
	GroupID string `json:"groupId,omitempty"`
	UserID  string `json:"userId,omitempty"`
}

// IdeaUpsert covers idea:created and idea:updated.
type IdeaUpsert struct {
	Kind      Name   `json:"-"`
	SessionID string `json:"sessionId"`
	Idea      Idea   `json:"idea"`
}

// IdeaDelete covers idea:deleted.
type IdeaDelete struct {
	SessionID string `json:"sessionId"`
	IdeaID    string `json:"ideaId"`
}

// IdeaMove covers idea:moved. An empty GroupID ungroups the idea.
type IdeaMove struct {
	SessionID  string `json:"sessionId"`
	IdeaID     string `json:"ideaId"`
	GroupID    string `json:"groupId"`
	CategoryID string `json:"categoryId,omitempty"`
}

// GroupUpsert covers group:created and group:updated.
type GroupUpsert struct {
	Kind      Name   `json:"-"`
	SessionID string `json:"sessionId"`
	Group     Group  `json:"group"`
}

// GroupDelete covers group:deleted.
type GroupDelete struct {
	SessionID string `json:"sessionId"`
	GroupID   string `json:"groupId"`
}

// CommentCreate covers comment:created.
type CommentCreate struct {
	SessionID string  `json:"sessionId"`
	Comment   Comment `json:"comment"`
}

// VoteCastEvent covers vote:cast.
type VoteCastEvent struct {
	SessionID string `json:"sessionId"`
	Vote      Vote   `json:"vote"`
}

// VoteRemove covers vote:removed.
type VoteRemove struct {
	SessionID string `json:"sessionId"`
	VoteID    string `json:"voteId"`
}

// SettingsChange covers settings:updated. Settings is opaque to the relay.
type SettingsChange struct {
	SessionID string          `json:"sessionId"`
	Settings  json.RawMessage `json:"settings,omitempty"`
}

// PresenceSnapshot is the presence:update payload.
type PresenceSnapshot struct {
	SessionID   string              `json:"sessionId"`
	ActiveUsers []domain.ActiveUser `json:"activeUsers"`
	Count       int                 `json:"count"`
}

// NewPresenceSnapshot builds a snapshot whose count always matches its users.
func NewPresenceSnapshot(sessionID string, users []domain.ActiveUser) PresenceSnapshot {
	if users == nil {
		users = []domain.ActiveUser{}
	}
	return PresenceSnapshot{SessionID: sessionID, ActiveUsers: users, Count: len(users)}
}

// ErrorNotice is sent to a single connection when its event failed.
type ErrorNotice struct {
	Message string `json:"message"`
}

func (Join) Name() Name               { return SessionJoin }
func (Leave) Name() Name              { return SessionLeave }
func (Heartbeat) Name() Name          { return PresenceHeartbeat }
func (StageChangeRequest) Name() Name { return StageChange }
func (StageChangedNotice) Name() Name { return StageChanged }
func (e IdeaUpsert) Name() Name       { return e.Kind }
func (IdeaDelete) Name() Name         { return IdeaDeleted }
func (IdeaMove) Name() Name           { return IdeaMoved }
func (e GroupUpsert) Name() Name      { return e.Kind }
func (GroupDelete) Name() Name        { return GroupDeleted }
func (CommentCreate) Name() Name      { return CommentCreated }
func (VoteCastEvent) Name() Name      { return VoteCast }
func (VoteRemove) Name() Name         { return VoteRemoved }
func (SettingsChange) Name() Name     { return SettingsUpdated }
func (PresenceSnapshot) Name() Name   { return PresenceUpdate }

func (e Join) Session() string               { return e.SessionID }
func (e Leave) Session() string              { return e.SessionID }
func (e Heartbeat) Session() string          { return e.SessionID }
func (e StageChangeRequest) Session() string { return e.SessionID }
func (e StageChangedNotice) Session() string { return e.SessionID }
func (e IdeaUpsert) Session() string         { return e.SessionID }
func (e IdeaDelete) Session() string         { return e.SessionID }
func (e IdeaMove) Session() string           { return e.SessionID }
func (e GroupUpsert) Session() string        { return e.SessionID }
func (e GroupDelete) Session() string        { return e.SessionID }
func (e CommentCreate) Session() string      { return e.SessionID }
func (e VoteCastEvent) Session() string      { return e.SessionID }
func (e VoteRemove) Session() string         { return e.SessionID }
func (e SettingsChange) Session() string     { return e.SessionID }
func (e PresenceSnapshot) Session() string   { return e.SessionID }

// Package board folds relayed session events into a local snapshot of a
// retrospective board.
package board

import (
	"encoding/json"
	"maps"

	"github.com/ashureev/retro-relay/internal/domain"
	"github.com/ashureev/retro-relay/internal/event"
)

// Snapshot is the client-side view of one session.
type Snapshot struct {
	SessionID   string
	Stage       domain.Stage
	Ideas       map[string]event.Idea
	Groups      map[string]event.Group
	Comments    map[string]event.Comment
	Votes       map[string]event.Vote
	Settings    json.RawMessage
	ActiveUsers []domain.ActiveUser
}

// New returns an empty board for sessionID.
func New(sessionID string) Snapshot {
	return Snapshot{
		SessionID: sessionID,
		Stage:     domain.StagePreSession,
		Ideas:     map[string]event.Idea{},
		Groups:    map[string]event.Group{},
		Comments:  map[string]event.Comment{},
		Votes:     map[string]event.Vote{},
	}
}

// Apply returns s with ev applied. s is not modified. Events scoped to
// another session and client-only signals leave the board unchanged.
// Each event overwrites only the fields it carries.
//
//nolint:gocyclo // One case per event kind keeps the reducer exhaustive.
func Apply(s Snapshot, ev event.Event) Snapshot {
	if ev == nil || ev.Session() != s.SessionID {
		return s
	}

	switch e := ev.(type) {
	case event.IdeaUpsert:
		s.Ideas = maps.Clone(s.Ideas)
		if e.Kind == event.IdeaUpdated {
			s.Ideas[e.Idea.ID] = mergeIdea(s.Ideas[e.Idea.ID], e.Idea)
		} else {
			s.Ideas[e.Idea.ID] = e.Idea
		}
	case event.IdeaDelete:
		s.Ideas = maps.Clone(s.Ideas)
		delete(s.Ideas, e.IdeaID)
		s.Comments = dropWhere(s.Comments, func(c event.Comment) bool { return c.IdeaID == e.IdeaID })
		s.Votes = dropWhere(s.Votes, func(v event.Vote) bool { return v.IdeaID == e.IdeaID })
	case event.IdeaMove:
		idea, ok := s.Ideas[e.IdeaID]
		if !ok {
			return s
		}
		idea.GroupID = e.GroupID
		if e.CategoryID != "" {
			idea.CategoryID = e.CategoryID
		}
		s.Ideas = maps.Clone(s.Ideas)
		s.Ideas[e.IdeaID] = idea
	case event.GroupUpsert:
		s.Groups = maps.Clone(s.Groups)
		if e.Kind == event.GroupUpdated {
			s.Groups[e.Group.ID] = mergeGroup(s.Groups[e.Group.ID], e.Group)
		} else {
			s.Groups[e.Group.ID] = e.Group
		}
	case event.GroupDelete:
		s.Groups = maps.Clone(s.Groups)
		delete(s.Groups, e.GroupID)
		s.Ideas = maps.Clone(s.Ideas)
		for id, idea := range s.Ideas {
			if idea.GroupID == e.GroupID {
				idea.GroupID = ""
				s.Ideas[id] = idea
			}
		}
		s.Votes = dropWhere(s.Votes, func(v event.Vote) bool { return v.GroupID == e.GroupID })
	case event.CommentCreate:
		s.Comments = maps.Clone(s.Comments)
		s.Comments[e.Comment.ID] = e.Comment
	case event.VoteCastEvent:
		s.Votes = maps.Clone(s.Votes)
		s.Votes[e.Vote.ID] = e.Vote
	case event.VoteRemove:
		s.Votes = maps.Clone(s.Votes)
		delete(s.Votes, e.VoteID)
	case event.SettingsChange:
		if len(e.Settings) > 0 {
			s.Settings = append(json.RawMessage(nil), e.Settings...)
		}
	case event.StageChangedNotice:
		s.Stage = e.NewStage
	case event.PresenceSnapshot:
		s.ActiveUsers = append([]domain.ActiveUser(nil), e.ActiveUsers...)
	case event.Join, event.Leave, event.Heartbeat, event.StageChangeRequest:
		// Outbound signals; the server answers with the events above.
	}
	return s
}

// VoteCount returns the number of votes cast on an idea or group id.
func (s Snapshot) VoteCount(targetID string) int {
	n := 0
	for _, v := range s.Votes {
		if v.IdeaID == targetID || v.GroupID == targetID {
			n++
		}
	}
	return n
}

func mergeIdea(cur, next event.Idea) event.Idea {
	cur.ID = next.ID
	if next.Content != "" {
		cur.Content = next.Content
	}
	if next.CategoryID != "" {
		cur.CategoryID = next.CategoryID
	}
	if next.GroupID != "" {
		cur.GroupID = next.GroupID
	}
	if next.AuthorID != "" {
		cur.AuthorID = next.AuthorID
	}
	return cur
}

func mergeGroup(cur, next event.Group) event.Group {
	cur.ID = next.ID
	if next.Name != "" {
		cur.Name = next.Name
	}
	if next.CategoryID != "" {
		cur.CategoryID = next.CategoryID
	}
	return cur
}

func dropWhere[V any](m map[string]V, drop func(V) bool) map[string]V {
	out := make(map[string]V, len(m))
	for k, v := range m {
		if !drop(v) {
			out[k] = v
		}
	}
	return out
}

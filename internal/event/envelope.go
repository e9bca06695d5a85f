package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMalformed is returned for frames that are not a JSON envelope or
	// whose data does not fit the event's payload.
	ErrMalformed = errors.New("malformed event")
	// ErrUnknownEvent is returned for event names outside the catalog.
	ErrUnknownEvent = errors.New("unknown event")
	// ErrMissingSessionID is returned when a payload carries no sessionId.
	ErrMissingSessionID = errors.New("missing sessionId")
	// ErrMissingField is returned when an event-specific field is empty.
	ErrMissingField = errors.New("missing required field")
	// ErrUnknownStage is returned for a stage name outside the known stages.
	ErrUnknownStage = errors.New("unknown stage")
)

// Envelope is one JSON text frame on the socket.
type Envelope struct {
	Event Name            `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Parse reads a frame into an envelope without interpreting the payload.
func Parse(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("%w: empty event name", ErrMalformed)
	}
	return env, nil
}

// Encode wraps payload in an envelope named n.
func Encode(n Name, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", n, err)
	}
	return EncodeRaw(n, data)
}

// EncodeRaw wraps already-encoded data in an envelope named n.
func EncodeRaw(n Name, data json.RawMessage) ([]byte, error) {
	frame, err := json.Marshal(Envelope{Event: n, Data: data})
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", n, err)
	}
	return frame, nil
}

// Decode turns the envelope into its typed variant and validates it.
// Every returned event has a non-empty session id.
func (e Envelope) Decode() (Event, error) {
	var (
		ev  Event
		err error
	)
	switch e.Event {
	case SessionJoin:
		ev, err = decodeAs[Join](e.Data)
	case SessionLeave:
		ev, err = decodeAs[Leave](e.Data)
	case PresenceHeartbeat:
		ev, err = decodeAs[Heartbeat](e.Data)
	case StageChange:
		ev, err = decodeAs[StageChangeRequest](e.Data)
	case StageChanged:
		ev, err = decodeAs[StageChangedNotice](e.Data)
	case IdeaCreated, IdeaUpdated:
		var v IdeaUpsert
		v, err = decodeAs[IdeaUpsert](e.Data)
		v.Kind = e.Event
		ev = v
	case IdeaDeleted:
		ev, err = decodeAs[IdeaDelete](e.Data)
	case IdeaMoved:
		ev, err = decodeAs[IdeaMove](e.Data)
	case GroupCreated, GroupUpdated:
		var v GroupUpsert
		v, err = decodeAs[GroupUpsert](e.Data)
		v.Kind = e.Event
		ev = v
	case GroupDeleted:
		ev, err = decodeAs[GroupDelete](e.Data)
	case CommentCreated:
		ev, err = decodeAs[CommentCreate](e.Data)
	case VoteCast:
		ev, err = decodeAs[VoteCastEvent](e.Data)
	case VoteRemoved:
		ev, err = decodeAs[VoteRemove](e.Data)
	case SettingsUpdated:
		ev, err = decodeAs[SettingsChange](e.Data)
	case PresenceUpdate:
		ev, err = decodeAs[PresenceSnapshot](e.Data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, e.Event)
	}
	if err != nil {
		return nil, err
	}
	if err := validate(ev); err != nil {
		return nil, fmt.Errorf("%s: %w", e.Event, err)
	}
	return ev, nil
}

// DecodeError reads the payload of an error event.
func DecodeError(data json.RawMessage) (ErrorNotice, error) {
	return decodeAs[ErrorNotice](data)
}

func decodeAs[T any](data json.RawMessage) (T, error) {
	var v T
	if len(data) == 0 {
		return v, fmt.Errorf("%w: empty payload", ErrMalformed)
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return v, nil
}

func missing(field string) error {
	return fmt.Errorf("%w: %s", ErrMissingField, field)
}

func blank(s string) bool {
	return strings.TrimSpace(s) == ""
}

//nolint:gocyclo // One case per event kind keeps validation exhaustive.
func validate(ev Event) error {
	if blank(ev.Session()) {
		return ErrMissingSessionID
	}
	switch v := ev.(type) {
	case Join:
		if blank(v.UserID) {
			return missing("userId")
		}
	case Leave:
		if blank(v.UserID) {
			return missing("userId")
		}
	case Heartbeat:
		if blank(v.UserID) {
			return missing("userId")
		}
	case StageChangeRequest:
		if !v.NewStage.Valid() {
			return fmt.Errorf("%w: %q", ErrUnknownStage, v.NewStage)
		}
	case StageChangedNotice:
		if !v.NewStage.Valid() {
			return fmt.Errorf("%w: %q", ErrUnknownStage, v.NewStage)
		}
	case IdeaUpsert:
		if blank(v.Idea.ID) {
			return missing("idea.id")
		}
	case IdeaDelete:
		if blank(v.IdeaID) {
			return missing("ideaId")
		}
	case IdeaMove:
		if blank(v.IdeaID) {
			return missing("ideaId")
		}
	case GroupUpsert:
		if blank(v.Group.ID) {
			return missing("group.id")
		}
	case GroupDelete:
		if blank(v.GroupID) {
			return missing("groupId")
		}
	case CommentCreate:
		if blank(v.Comment.ID) {
			return missing("comment.id")
		}
		if blank(v.Comment.IdeaID) {
			return missing("comment.ideaId")
		}
	case VoteCastEvent:
		if blank(v.Vote.ID) {
			return missing("vote.id")
		}
	case VoteRemove:
		if blank(v.VoteID) {
			return missing("voteId")
		}
	}
	return nil
}

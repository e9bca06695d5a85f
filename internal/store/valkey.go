package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/retro-relay/internal/domain"
	"github.com/valkey-io/valkey-go"
)

// Key layout:
//
//	retro:user:{userID}          hash name, image, updated_at
//	retro:presence:{sessionID}   hash userID -> "<0|1>:<lastSeenMillis>"
//	retro:presence:sessions      set of session ids with active entries
const (
	valkeyUserPrefix     = "retro:user:"
	valkeyPresencePrefix = "retro:presence:"
	valkeySessionsKey    = "retro:presence:sessions"
)

// touchScript rewrites last-seen on an existing entry and keeps its flag.
// Returns 0 when the pair has no entry.
var touchScript = valkey.NewLuaScript(`
local v = redis.call('HGET', KEYS[1], ARGV[1])
if not v then return 0 end
local sep = string.find(v, ':', 1, true)
if not sep then return 0 end
redis.call('HSET', KEYS[1], ARGV[1], string.sub(v, 1, sep - 1) .. ':' .. ARGV[2])
return 1
`)

// sweepScript deactivates one session's entries last seen before ARGV[1]
// and returns user/lastSeen pairs. A session left with no active entry is
// dropped from the index.
var sweepScript = valkey.NewLuaScript(`
local cutoff = tonumber(ARGV[1])
local fields = redis.call('HGETALL', KEYS[1])
local stale = {}
local active = 0
for i = 1, #fields, 2 do
  local v = fields[i + 1]
  local sep = string.find(v, ':', 1, true)
  if sep and string.sub(v, 1, sep - 1) == '1' then
    local seen = string.sub(v, sep + 1)
    if tonumber(seen) < cutoff then
      redis.call('HSET', KEYS[1], fields[i], '0:' .. seen)
      stale[#stale + 1] = fields[i]
      stale[#stale + 1] = seen
    else
      active = active + 1
    end
  end
end
if active == 0 then redis.call('SREM', KEYS[2], ARGV[2]) end
return stale
`)

type presenceEntry struct {
	Active     bool
	LastSeenAt int64
}

func (e presenceEntry) encode() string {
	flag := "0"
	if e.Active {
		flag = "1"
	}
	return flag + ":" + strconv.FormatInt(e.LastSeenAt, 10)
}

func decodeEntry(raw string) (presenceEntry, error) {
	flag, seen, ok := strings.Cut(raw, ":")
	if !ok || (flag != "0" && flag != "1") {
		return presenceEntry{}, fmt.Errorf("malformed presence entry %q", raw)
	}
	ms, err := strconv.ParseInt(seen, 10, 64)
	if err != nil {
		return presenceEntry{}, fmt.Errorf("malformed presence entry %q: %w", raw, err)
	}
	return presenceEntry{Active: flag == "1", LastSeenAt: ms}, nil
}

// ValkeyStore implements Repository on Valkey hashes. Writes to one
// (session, user) field are last-write-wins; read-modify-write paths run
// as server-side scripts.
type ValkeyStore struct {
	client valkey.Client
}

// NewValkey connects to a Valkey server.
func NewValkey(addr string) (*ValkeyStore, error) {
	client, err := valkey.NewClient(valkey.ClientOption{InitAddress: []string{addr}})
	if err != nil {
		return nil, fmt.Errorf("connect valkey: %w", err)
	}
	return &ValkeyStore{client: client}, nil
}

// Ping verifies connectivity.
func (s *ValkeyStore) Ping(ctx context.Context) error {
	return s.client.Do(ctx, s.client.B().Ping().Build()).Error()
}

// Close closes the client.
func (s *ValkeyStore) Close() error {
	s.client.Close()
	return nil
}

// UpsertUser creates or updates a user's display metadata.
func (s *ValkeyStore) UpsertUser(ctx context.Context, user *domain.User) error {
	updatedAt := user.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	fv := s.client.B().Hset().Key(valkeyUserPrefix+user.ID).FieldValue().
		FieldValue("updated_at", fmt.Sprint(updatedAt.UnixMilli()))
	if user.Name != "" {
		fv = fv.FieldValue("name", user.Name)
	}
	if user.Image != "" {
		fv = fv.FieldValue("image", user.Image)
	}
	if err := s.client.Do(ctx, fv.Build()).Error(); err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

func (s *ValkeyStore) writeEntry(ctx context.Context, sessionID, userID string, entry presenceEntry) error {
	cmds := valkey.Commands{
		s.client.B().Hset().Key(valkeyPresencePrefix+sessionID).FieldValue().FieldValue(userID, entry.encode()).Build(),
	}
	if entry.Active {
		cmds = append(cmds, s.client.B().Sadd().Key(valkeySessionsKey).Member(sessionID).Build())
	}
	for _, res := range s.client.DoMulti(ctx, cmds...) {
		if err := res.Error(); err != nil {
			return err
		}
	}
	return nil
}

func (s *ValkeyStore) readEntry(ctx context.Context, sessionID, userID string) (*presenceEntry, error) {
	raw, err := s.client.Do(ctx, s.client.B().Hget().Key(valkeyPresencePrefix+sessionID).Field(userID).Build()).ToString()
	if valkey.IsValkeyNil(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	entry, err := decodeEntry(raw)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// UpsertPresence sets the active flag and last-seen time for a pair.
func (s *ValkeyStore) UpsertPresence(ctx context.Context, sessionID, userID string, active bool, at time.Time) error {
	if err := s.writeEntry(ctx, sessionID, userID, presenceEntry{Active: active, LastSeenAt: at.UnixMilli()}); err != nil {
		return fmt.Errorf("upsert presence: %w", err)
	}
	return nil
}

// TouchPresence refreshes last_seen_at on an existing entry only.
func (s *ValkeyStore) TouchPresence(ctx context.Context, sessionID, userID string, at time.Time) error {
	err := touchScript.Exec(ctx, s.client,
		[]string{valkeyPresencePrefix + sessionID},
		[]string{userID, strconv.FormatInt(at.UnixMilli(), 10)},
	).Error()
	if err != nil {
		return fmt.Errorf("touch presence: %w", err)
	}
	return nil
}

// GetPresence returns the record for a pair, or nil if none exists.
func (s *ValkeyStore) GetPresence(ctx context.Context, sessionID, userID string) (*domain.PresenceRecord, error) {
	entry, err := s.readEntry(ctx, sessionID, userID)
	if err != nil {
		return nil, fmt.Errorf("get presence: %w", err)
	}
	if entry == nil {
		return nil, nil
	}
	return &domain.PresenceRecord{
		SessionID:  sessionID,
		UserID:     userID,
		IsActive:   entry.Active,
		LastSeenAt: fromMillis(entry.LastSeenAt),
	}, nil
}

func (s *ValkeyStore) sessionEntries(ctx context.Context, sessionID string) (map[string]presenceEntry, error) {
	fields, err := s.client.Do(ctx, s.client.B().Hgetall().Key(valkeyPresencePrefix+sessionID).Build()).AsStrMap()
	if err != nil {
		return nil, err
	}
	entries := make(map[string]presenceEntry, len(fields))
	for userID, raw := range fields {
		entry, err := decodeEntry(raw)
		if err != nil {
			slog.Warn("Skipping malformed presence entry", "session_id", sessionID, "user_id", userID, "error", err)
			continue
		}
		entries[userID] = entry
	}
	return entries, nil
}

// ListActive returns the active users of a session.
func (s *ValkeyStore) ListActive(ctx context.Context, sessionID string) ([]domain.ActiveUser, error) {
	entries, err := s.sessionEntries(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query active users: %w", err)
	}

	users := []domain.ActiveUser{}
	cmds := valkey.Commands{}
	for userID, entry := range entries {
		if !entry.Active {
			continue
		}
		users = append(users, domain.ActiveUser{ID: userID, LastSeenAt: fromMillis(entry.LastSeenAt)})
		cmds = append(cmds, s.client.B().Hgetall().Key(valkeyUserPrefix+userID).Build())
	}
	if len(users) == 0 {
		return users, nil
	}

	for i, res := range s.client.DoMulti(ctx, cmds...) {
		meta, err := res.AsStrMap()
		if err != nil {
			return nil, fmt.Errorf("query user metadata: %w", err)
		}
		users[i].Name = meta["name"]
		if users[i].Name == "" {
			users[i].Name = users[i].ID
		}
		users[i].Image = meta["image"]
	}

	sort.Slice(users, func(i, j int) bool {
		if users[i].Name != users[j].Name {
			return users[i].Name < users[j].Name
		}
		return users[i].ID < users[j].ID
	})
	return users, nil
}

// MarkStale deactivates records last seen before the cutoff.
func (s *ValkeyStore) MarkStale(ctx context.Context, before time.Time) ([]domain.PresenceRecord, error) {
	sessions, err := s.client.Do(ctx, s.client.B().Smembers().Key(valkeySessionsKey).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("list presence sessions: %w", err)
	}

	cutoff := strconv.FormatInt(before.UnixMilli(), 10)
	var stale []domain.PresenceRecord
	for _, sessionID := range sessions {
		pairs, err := sweepScript.Exec(ctx, s.client,
			[]string{valkeyPresencePrefix + sessionID, valkeySessionsKey},
			[]string{cutoff, sessionID},
		).AsStrSlice()
		if err != nil {
			return stale, fmt.Errorf("mark stale presence: %w", err)
		}
		for i := 0; i+1 < len(pairs); i += 2 {
			ms, err := strconv.ParseInt(pairs[i+1], 10, 64)
			if err != nil {
				return stale, fmt.Errorf("parse stale last seen: %w", err)
			}
			stale = append(stale, domain.PresenceRecord{
				SessionID:  sessionID,
				UserID:     pairs[i],
				LastSeenAt: fromMillis(ms),
			})
		}
	}
	return stale, nil
}

var _ Repository = (*ValkeyStore)(nil)

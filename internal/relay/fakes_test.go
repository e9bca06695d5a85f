package relay

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/retro-relay/internal/domain"
	"github.com/ashureev/retro-relay/internal/event"
)

type fakeConn struct {
	id string

	mu      sync.Mutex
	frames  [][]byte
	closed  bool
	sendErr error
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	if c.closed {
		return ErrConnClosed
	}
	c.frames = append(c.frames, frame)
	return nil
}

func (c *fakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) Close(string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) envelopes(t *testing.T) []event.Envelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]event.Envelope, 0, len(c.frames))
	for _, f := range c.frames {
		env, err := event.Parse(f)
		if err != nil {
			t.Fatalf("conn %s received unparseable frame %s: %v", c.id, f, err)
		}
		out = append(out, env)
	}
	return out
}

func (c *fakeConn) count(t *testing.T, name event.Name) int {
	t.Helper()
	n := 0
	for _, env := range c.envelopes(t) {
		if env.Event == name {
			n++
		}
	}
	return n
}

func (c *fakeConn) last(t *testing.T, name event.Name) (event.Envelope, bool) {
	t.Helper()
	envs := c.envelopes(t)
	for i := len(envs) - 1; i >= 0; i-- {
		if envs[i].Event == name {
			return envs[i], true
		}
	}
	return event.Envelope{}, false
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = nil
}

// fakePresence keeps presence in memory and can be told to fail.
type fakePresence struct {
	mu         sync.Mutex
	active     map[string]map[string]string // session -> user -> name
	joinErr    error
	heartbeats int
	leaves     []string
	stale      []string
}

func newFakePresence() *fakePresence {
	return &fakePresence{active: make(map[string]map[string]string)}
}

func (p *fakePresence) snapshotLocked(sessionID string) event.PresenceSnapshot {
	users := make([]domain.ActiveUser, 0, len(p.active[sessionID]))
	for id, name := range p.active[sessionID] {
		users = append(users, domain.ActiveUser{ID: id, Name: name})
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return event.NewPresenceSnapshot(sessionID, users)
}

func (p *fakePresence) Join(_ context.Context, sessionID, userID, userName string) (event.PresenceSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.joinErr != nil {
		return event.PresenceSnapshot{}, p.joinErr
	}
	if p.active[sessionID] == nil {
		p.active[sessionID] = make(map[string]string)
	}
	p.active[sessionID][userID] = userName
	return p.snapshotLocked(sessionID), nil
}

func (p *fakePresence) Leave(_ context.Context, sessionID, userID string) (event.PresenceSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.active[sessionID], userID)
	p.leaves = append(p.leaves, sessionID+"/"+userID)
	return p.snapshotLocked(sessionID), nil
}

func (p *fakePresence) Heartbeat(context.Context, string, string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.heartbeats++
	return nil
}

func (p *fakePresence) Snapshot(_ context.Context, sessionID string) (event.PresenceSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked(sessionID), nil
}

// Sweep drops every user listed in p.stale ("session/user").
func (p *fakePresence) Sweep(context.Context, time.Duration) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var sessions []string
	for _, key := range p.stale {
		for sessionID, users := range p.active {
			for userID := range users {
				if sessionID+"/"+userID == key {
					delete(users, userID)
					sessions = append(sessions, sessionID)
				}
			}
		}
	}
	p.stale = nil
	return sessions, nil
}

func encodeFrame(t *testing.T, name event.Name, payload any) []byte {
	t.Helper()
	f, err := event.Encode(name, payload)
	if err != nil {
		t.Fatalf("encode %s: %v", name, err)
	}
	return f
}

func rawFrame(name event.Name, data string) []byte {
	f, _ := json.Marshal(event.Envelope{Event: name, Data: json.RawMessage(data)})
	return f
}

func join(t *testing.T, h *Hub, c *fakeConn, sessionID, userID string) {
	t.Helper()
	h.Dispatch(context.Background(), c, encodeFrame(t, event.SessionJoin, event.Join{
		SessionID: sessionID, UserID: userID, UserName: userID,
	}))
}

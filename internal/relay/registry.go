package relay

import (
	"log/slog"
	"sort"
	"sync"
)

// RoomKey namespaces a session id into a room identifier.
func RoomKey(sessionID string) string {
	return "session:" + sessionID
}

type member struct {
	conn   Conn
	userID string
}

// Registry maps rooms to their live connections. All fan-out happens under
// the registry lock so every recipient in a room observes broadcasts in the
// same order.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]map[string]member // room -> conn id -> member
	conns map[string]map[string]string // conn id -> session id -> user id
	live  map[string]Conn
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[string]map[string]member),
		conns: make(map[string]map[string]string),
		live:  make(map[string]Conn),
	}
}

// Attach tracks c so it is closed on shutdown even before it joins a room.
func (r *Registry) Attach(c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[c.ID()] = c
}

// Join subscribes c to sessionID on behalf of userID. added reports
// whether the connection was newly added. When it was already in the room,
// previous is the user id it was joined as; rejoining replaces it.
func (r *Registry) Join(c Conn, sessionID, userID string) (previous string, added bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := RoomKey(sessionID)
	room, ok := r.rooms[key]
	if !ok {
		room = make(map[string]member)
		r.rooms[key] = room
	}
	prior, existed := room[c.ID()]
	room[c.ID()] = member{conn: c, userID: userID}

	r.live[c.ID()] = c
	sessions, ok := r.conns[c.ID()]
	if !ok {
		sessions = make(map[string]string)
		r.conns[c.ID()] = sessions
	}
	sessions[sessionID] = userID

	if !existed {
		slog.Debug("Connection joined room", "conn_id", c.ID(), "room", key, "user_id", userID)
		return "", true
	}
	if prior.userID != userID {
		slog.Debug("Connection rejoined room as another user",
			"conn_id", c.ID(), "room", key, "user_id", userID, "previous_user_id", prior.userID)
	}
	return prior.userID, false
}

// Leave unsubscribes connID from sessionID and returns the user it was
// joined as. ok is false when the connection was not in the room.
func (r *Registry) Leave(connID, sessionID string) (userID string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(connID, sessionID)
}

func (r *Registry) leaveLocked(connID, sessionID string) (string, bool) {
	key := RoomKey(sessionID)
	room, ok := r.rooms[key]
	if !ok {
		return "", false
	}
	m, ok := room[connID]
	if !ok {
		return "", false
	}
	delete(room, connID)
	if len(room) == 0 {
		delete(r.rooms, key)
	}
	if sessions, ok := r.conns[connID]; ok {
		delete(sessions, sessionID)
		if len(sessions) == 0 {
			delete(r.conns, connID)
		}
	}
	slog.Debug("Connection left room", "conn_id", connID, "room", key, "user_id", m.userID)
	return m.userID, true
}

// RemoveConn forgets connID, dropping it from every room, and returns the
// memberships it held as session id -> user id.
func (r *Registry) RemoveConn(connID string) map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.live, connID)

	held := make(map[string]string, len(r.conns[connID]))
	for sessionID, userID := range r.conns[connID] {
		held[sessionID] = userID
	}
	for sessionID := range held {
		r.leaveLocked(connID, sessionID)
	}
	return held
}

// HasUser reports whether userID still has a live connection in sessionID.
func (r *Registry) HasUser(sessionID, userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, m := range r.rooms[RoomKey(sessionID)] {
		if m.userID == userID && !m.conn.Closed() {
			return true
		}
	}
	return false
}

// IsMember reports whether connID is subscribed to sessionID.
func (r *Registry) IsMember(connID, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.rooms[RoomKey(sessionID)][connID]
	return ok
}

// Broadcast enqueues frame to every connection in sessionID's room except
// the one whose id equals except (pass "" to include everyone). A failed
// send is reported through onFail and never stops delivery to the rest.
// It returns the number of successful enqueues.
func (r *Registry) Broadcast(sessionID string, frame []byte, except string, onFail func(Conn, error)) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	sent := 0
	for id, m := range r.rooms[RoomKey(sessionID)] {
		if id == except {
			continue
		}
		if err := m.conn.Send(frame); err != nil {
			if onFail != nil {
				onFail(m.conn, err)
			}
			continue
		}
		sent++
	}
	return sent
}

// Members returns the number of connections in sessionID's room.
func (r *Registry) Members(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms[RoomKey(sessionID)])
}

// RoomCount returns the number of non-empty rooms.
func (r *Registry) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// ConnCount returns the number of tracked connections.
func (r *Registry) ConnCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

// ClosedConns returns tracked connections whose transport is gone, ordered
// by id.
func (r *Registry) ClosedConns() []Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	var closed []Conn
	for _, c := range r.live {
		if c.Closed() {
			closed = append(closed, c)
		}
	}
	sort.Slice(closed, func(i, j int) bool { return closed[i].ID() < closed[j].ID() })
	return closed
}

// CloseAll closes every tracked connection and empties the registry.
func (r *Registry) CloseAll(reason string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.live)
	for _, c := range r.live {
		c.Close(reason)
	}
	r.rooms = make(map[string]map[string]member)
	r.conns = make(map[string]map[string]string)
	r.live = make(map[string]Conn)
	return n
}

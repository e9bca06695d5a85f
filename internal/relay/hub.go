package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/retro-relay/internal/event"
)

// Presence is the presence reconciliation the hub drives.
type Presence interface {
	Join(ctx context.Context, sessionID, userID, userName string) (event.PresenceSnapshot, error)
	Leave(ctx context.Context, sessionID, userID string) (event.PresenceSnapshot, error)
	Heartbeat(ctx context.Context, sessionID, userID string) error
	Snapshot(ctx context.Context, sessionID string) (event.PresenceSnapshot, error)
	Sweep(ctx context.Context, staleAfter time.Duration) ([]string, error)
}

// Client-facing error messages. Store details stay in server logs.
const (
	msgInvalidEvent   = "invalid event"
	msgJoinFailed     = "failed to join session"
	msgLeaveFailed    = "failed to leave session"
	msgHeartbeatError = "failed to record heartbeat"
	msgNotAccepted    = "event not accepted from clients"
)

// Hub owns the room registry and dispatches decoded client events.
// Lifecycle: NewHub, Start, serve connections, Shutdown.
type Hub struct {
	registry *Registry
	presence Presence
	metrics  *metrics

	sweepInterval time.Duration
	staleAfter    time.Duration

	started atomic.Bool
	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithSweep enables the stale presence sweeper. A zero interval disables it.
func WithSweep(interval, staleAfter time.Duration) HubOption {
	return func(h *Hub) {
		h.sweepInterval = interval
		h.staleAfter = staleAfter
	}
}

// NewHub creates a hub that reconciles presence through p.
func NewHub(p Presence, opts ...HubOption) *Hub {
	reg := NewRegistry()
	h := &Hub{
		registry: reg,
		presence: p,
		metrics:  newMetrics(reg),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Registry exposes the hub's room registry.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Start marks the hub ready to accept connections and launches the
// sweeper when configured. Calling Start twice is a no-op.
func (h *Hub) Start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started.Load() {
		return
	}

	ctx, h.cancel = context.WithCancel(ctx)
	if h.sweepInterval > 0 {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			RunSweeper(ctx, h, h.sweepInterval, h.staleAfter)
		}()
	}
	h.started.Store(true)
	slog.Info("Relay hub started", "sweep_interval", h.sweepInterval, "stale_after", h.staleAfter)
}

// Started reports whether the hub is accepting connections.
func (h *Hub) Started() bool {
	return h.started.Load()
}

// Shutdown stops the sweeper and closes every connection. Presence records
// are left as they are; a restarted process will sweep them.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	if !h.started.Load() {
		h.mu.Unlock()
		return nil
	}
	h.started.Store(false)
	h.cancel()
	h.mu.Unlock()

	closed := h.registry.CloseAll("server shutting down")

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("wait for sweeper: %w", ctx.Err())
	}
	slog.Info("Relay hub stopped", "closed_connections", closed)
	return nil
}

// Attach registers a freshly accepted connection.
func (h *Hub) Attach(c Conn) {
	h.registry.Attach(c)
}

// Dispatch parses, validates and routes one frame received from c.
// Invalid frames are dropped with a single error event back to c.
func (h *Hub) Dispatch(ctx context.Context, c Conn, frame []byte) {
	env, err := event.Parse(frame)
	if err != nil {
		h.reject(ctx, c, "", err)
		return
	}
	if !env.Event.Known() {
		h.reject(ctx, c, env.Event, fmt.Errorf("%w: %q", event.ErrUnknownEvent, env.Event))
		return
	}
	if !env.Event.FromClient() {
		h.metrics.event(ctx, env.Event, "rejected")
		slog.Warn("Dropping server-only event from client", "conn_id", c.ID(), "event", env.Event)
		h.sendError(c, msgNotAccepted+": "+string(env.Event))
		return
	}
	ev, err := env.Decode()
	if err != nil {
		h.reject(ctx, c, env.Event, err)
		return
	}

	switch e := ev.(type) {
	case event.Join:
		h.join(ctx, c, e)
	case event.Leave:
		h.leave(ctx, c, e)
	case event.Heartbeat:
		h.heartbeat(ctx, c, e)
	case event.StageChangeRequest:
		h.broadcastStage(ctx, c, e)
	default:
		h.relay(ctx, c, env.Event, e.Session(), env.Data)
	}
}

// Disconnect removes c from every room. Users left without a live
// connection in a room are marked inactive and the room is told.
func (h *Hub) Disconnect(ctx context.Context, c Conn) {
	held := h.registry.RemoveConn(c.ID())
	for sessionID, userID := range held {
		if err := h.release(ctx, sessionID, userID); err != nil {
			slog.Error("Failed to mark disconnected user inactive",
				"error", err, "conn_id", c.ID(), "session_id", sessionID, "user_id", userID)
		}
	}
	if len(held) > 0 {
		slog.Info("Connection removed from rooms", "conn_id", c.ID(), "rooms", len(held))
	}
}

// Sweep evicts connections whose transport is closed and deactivates stale
// presence records, broadcasting fresh snapshots to affected rooms.
func (h *Hub) Sweep(ctx context.Context, staleAfter time.Duration) error {
	for _, c := range h.registry.ClosedConns() {
		slog.Info("Evicting closed connection", "conn_id", c.ID())
		h.Disconnect(ctx, c)
	}

	sessions, err := h.presence.Sweep(ctx, staleAfter)
	if err != nil {
		return err
	}
	for _, sessionID := range sessions {
		if h.registry.Members(sessionID) == 0 {
			continue
		}
		snap, err := h.presence.Snapshot(ctx, sessionID)
		if err != nil {
			slog.Warn("Failed to rebuild swept snapshot", "error", err, "session_id", sessionID)
			continue
		}
		h.broadcastSnapshot(snap)
	}
	if len(sessions) > 0 {
		slog.Info("Stale presence swept", "sessions", len(sessions))
	}
	return nil
}

func (h *Hub) join(ctx context.Context, c Conn, e event.Join) {
	// Membership first so a store failure leaves the connection subscribed.
	if prev, _ := h.registry.Join(c, e.SessionID, e.UserID); prev != "" && prev != e.UserID {
		if err := h.release(ctx, e.SessionID, prev); err != nil {
			slog.Error("Failed to mark replaced user inactive",
				"error", err, "conn_id", c.ID(), "session_id", e.SessionID, "user_id", prev)
		}
	}

	snap, err := h.presence.Join(ctx, e.SessionID, e.UserID, e.UserName)
	if err != nil {
		h.metrics.event(ctx, event.SessionJoin, "error")
		slog.Error("Presence join failed",
			"error", err, "conn_id", c.ID(), "session_id", e.SessionID, "user_id", e.UserID)
		h.sendError(c, msgJoinFailed)
		return
	}
	h.metrics.event(ctx, event.SessionJoin, "ok")
	slog.Info("User joined session", "conn_id", c.ID(), "session_id", e.SessionID, "user_id", e.UserID, "active", snap.Count)
	h.broadcastSnapshot(snap)
}

func (h *Hub) leave(ctx context.Context, c Conn, e event.Leave) {
	userID, ok := h.registry.Leave(c.ID(), e.SessionID)
	if !ok {
		h.metrics.event(ctx, event.SessionLeave, "ignored")
		slog.Debug("Leave for room the connection is not in", "conn_id", c.ID(), "session_id", e.SessionID)
		return
	}
	// The connection leaves as the user it joined as.
	if e.UserID != userID {
		slog.Warn("Leave names a different user than the join",
			"conn_id", c.ID(), "session_id", e.SessionID, "user_id", userID, "claimed_user_id", e.UserID)
	}

	if err := h.release(ctx, e.SessionID, userID); err != nil {
		h.metrics.event(ctx, event.SessionLeave, "error")
		slog.Error("Presence leave failed",
			"error", err, "conn_id", c.ID(), "session_id", e.SessionID, "user_id", userID)
		h.sendError(c, msgLeaveFailed)
		return
	}
	h.metrics.event(ctx, event.SessionLeave, "ok")
	slog.Info("User left session", "conn_id", c.ID(), "session_id", e.SessionID, "user_id", userID)
}

// release marks userID inactive in sessionID unless another live
// connection still holds the user there, then broadcasts the snapshot.
func (h *Hub) release(ctx context.Context, sessionID, userID string) error {
	if h.registry.HasUser(sessionID, userID) {
		return nil
	}
	snap, err := h.presence.Leave(ctx, sessionID, userID)
	if err != nil {
		return err
	}
	h.broadcastSnapshot(snap)
	return nil
}

func (h *Hub) heartbeat(ctx context.Context, c Conn, e event.Heartbeat) {
	if err := h.presence.Heartbeat(ctx, e.SessionID, e.UserID); err != nil {
		h.metrics.event(ctx, event.PresenceHeartbeat, "error")
		slog.Warn("Heartbeat failed",
			"error", err, "conn_id", c.ID(), "session_id", e.SessionID, "user_id", e.UserID)
		h.sendError(c, msgHeartbeatError)
		return
	}
	h.metrics.event(ctx, event.PresenceHeartbeat, "ok")
}

func (h *Hub) broadcastStage(ctx context.Context, c Conn, e event.StageChangeRequest) {
	frame, err := event.Encode(event.StageChanged, event.StageChangedNotice(e))
	if err != nil {
		slog.Error("Failed to encode stage change", "error", err, "session_id", e.SessionID)
		return
	}
	n := h.broadcast(e.SessionID, event.StageChanged, frame, "")
	h.metrics.event(ctx, event.StageChange, "ok")
	slog.Info("Stage changed",
		"conn_id", c.ID(), "session_id", e.SessionID, "stage", e.NewStage, "changed_by", e.ChangedBy, "recipients", n)
}

// relay forwards a mutation's original payload bytes to the room.
func (h *Hub) relay(ctx context.Context, c Conn, name event.Name, sessionID string, data []byte) {
	frame, err := event.EncodeRaw(name, data)
	if err != nil {
		slog.Error("Failed to encode relayed event", "error", err, "event", name)
		return
	}
	except := c.ID()
	if name.IncludesSender() {
		except = ""
	}
	n := h.broadcast(sessionID, name, frame, except)
	h.metrics.event(ctx, name, "ok")
	slog.Debug("Event relayed", "conn_id", c.ID(), "session_id", sessionID, "event", name, "recipients", n)
}

func (h *Hub) broadcastSnapshot(snap event.PresenceSnapshot) {
	frame, err := event.Encode(event.PresenceUpdate, snap)
	if err != nil {
		slog.Error("Failed to encode presence snapshot", "error", err, "session_id", snap.SessionID)
		return
	}
	h.broadcast(snap.SessionID, event.PresenceUpdate, frame, "")
}

func (h *Hub) broadcast(sessionID string, name event.Name, frame []byte, except string) int {
	return h.registry.Broadcast(sessionID, frame, except, func(c Conn, err error) {
		h.metrics.sendFailure(name)
		slog.Warn("Send failed", "error", err, "conn_id", c.ID(), "session_id", sessionID, "event", name)
	})
}

func (h *Hub) reject(ctx context.Context, c Conn, name event.Name, err error) {
	h.metrics.event(ctx, name, "invalid")
	slog.Warn("Dropping invalid event", "error", err, "conn_id", c.ID(), "event", name)

	msg := msgInvalidEvent
	switch {
	case errors.Is(err, event.ErrMissingSessionID):
		msg += ": missing sessionId"
	case errors.Is(err, event.ErrUnknownEvent):
		msg += ": unknown event"
	case errors.Is(err, event.ErrUnknownStage):
		msg += ": unknown stage"
	case errors.Is(err, event.ErrMissingField):
		msg += ": missing required field"
	}
	h.sendError(c, msg)
}

func (h *Hub) sendError(c Conn, message string) {
	frame, err := event.Encode(event.Error, event.ErrorNotice{Message: message})
	if err != nil {
		slog.Error("Failed to encode error event", "error", err)
		return
	}
	if err := c.Send(frame); err != nil {
		h.metrics.sendFailure(event.Error)
		slog.Debug("Failed to deliver error event", "error", err, "conn_id", c.ID())
	}
}

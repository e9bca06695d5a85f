// Package client is a Go session socket for the relay: it joins one
// session, keeps presence fresh with heartbeats, reconnects with bounded
// backoff and fans incoming events out to subscribers.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ashureev/retro-relay/internal/event"
	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Status is the connection state surfaced to callers.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// AllEvents subscribes a handler to every incoming event.
const AllEvents event.Name = "*"

// ErrNotConnected is returned by Emit while no transport is up.
var ErrNotConnected = errors.New("socket not connected")

// Handler receives one incoming event.
type Handler func(env event.Envelope)

// Options configures a Socket. Zero durations and counts take defaults.
type Options struct {
	URL       string
	SessionID string
	UserID    string
	UserName  string
	Header    http.Header

	HeartbeatInterval    time.Duration // 30s
	ReconnectFloor       time.Duration // 1s
	ReconnectCeiling     time.Duration // 5s
	MaxReconnectAttempts int           // 5

	// OnStatus is called on every status change.
	OnStatus func(Status)
}

func (o *Options) defaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.ReconnectFloor <= 0 {
		o.ReconnectFloor = time.Second
	}
	if o.ReconnectCeiling < o.ReconnectFloor {
		o.ReconnectCeiling = 5 * time.Second
		if o.ReconnectCeiling < o.ReconnectFloor {
			o.ReconnectCeiling = o.ReconnectFloor
		}
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = 5
	}
}

type subscription struct {
	id int
	h  Handler
}

// Socket manages one relay connection for a single session.
type Socket struct {
	opts Options

	mu       sync.Mutex
	conn     *websocket.Conn
	status   Status
	subs     map[event.Name][]subscription
	nextSub  int
	closing  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	dialFunc func(ctx context.Context) (*websocket.Conn, error)
}

// New creates a socket. Call Open to connect.
func New(opts Options) *Socket {
	opts.defaults()
	s := &Socket{
		opts:   opts,
		status: StatusDisconnected,
		subs:   make(map[event.Name][]subscription),
	}
	s.dialFunc = s.dial
	return s
}

// Status returns the current connection status.
func (s *Socket) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Subscribe registers h for name, or for every event with AllEvents. The
// returned func unsubscribes.
func (s *Socket) Subscribe(name event.Name, h Handler) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSub++
	id := s.nextSub
	s.subs[name] = append(s.subs[name], subscription{id: id, h: h})

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		list := s.subs[name]
		for i, sub := range list {
			if sub.id == id {
				s.subs[name] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
	}
}

// Open connects, joins the session and starts the read and heartbeat
// loops. An empty session or user id leaves the socket idle.
func (s *Socket) Open(ctx context.Context) error {
	if s.opts.SessionID == "" || s.opts.UserID == "" {
		return nil
	}

	s.setStatus(StatusConnecting)
	conn, err := s.dialFunc(ctx)
	if err != nil {
		s.setStatus(StatusError)
		return fmt.Errorf("connect relay: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.conn = conn
	s.cancel = cancel
	s.closing = false
	s.mu.Unlock()

	if err := s.join(ctx); err != nil {
		cancel()
		_ = conn.CloseNow()
		s.setStatus(StatusError)
		return err
	}
	s.setStatus(StatusConnected)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.readLoop(runCtx)
	}()
	go func() {
		defer s.wg.Done()
		s.heartbeatLoop(runCtx)
	}()
	return nil
}

// Close emits session:leave and closes the connection.
func (s *Socket) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	conn := s.conn
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	var leaveErr error
	if conn != nil {
		leaveErr = s.Emit(ctx, event.SessionLeave, event.Leave{SessionID: s.opts.SessionID, UserID: s.opts.UserID})
		if err := conn.Close(websocket.StatusNormalClosure, "leaving session"); err != nil {
			slog.Debug("Socket close handshake failed", "error", err)
		}
	}
	cancel()
	s.wg.Wait()
	s.setStatus(StatusDisconnected)

	if leaveErr != nil && !errors.Is(leaveErr, ErrNotConnected) {
		return fmt.Errorf("emit leave: %w", leaveErr)
	}
	return nil
}

// Emit sends one event. Payloads are sent as given.
func (s *Socket) Emit(ctx context.Context, name event.Name, payload any) error {
	s.mu.Lock()
	conn := s.conn
	connected := s.status == StatusConnected || name == event.SessionJoin
	s.mu.Unlock()
	if conn == nil || !connected {
		return ErrNotConnected
	}

	frame, err := event.Encode(name, payload)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

func (s *Socket) join(ctx context.Context) error {
	return s.Emit(ctx, event.SessionJoin, event.Join{
		SessionID: s.opts.SessionID,
		UserID:    s.opts.UserID,
		UserName:  s.opts.UserName,
	})
}

func (s *Socket) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, s.opts.URL, &websocket.DialOptions{HTTPHeader: s.opts.Header})
	return conn, err
}

func (s *Socket) setStatus(st Status) {
	s.mu.Lock()
	changed := s.status != st
	s.status = st
	s.mu.Unlock()
	if changed && s.opts.OnStatus != nil {
		s.opts.OnStatus(st)
	}
}

func (s *Socket) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *Socket) readLoop(ctx context.Context) {
	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()

		var env event.Envelope
		err := wsjson.Read(ctx, conn, &env)
		if err == nil {
			s.dispatch(env)
			continue
		}
		if ctx.Err() != nil || s.isClosing() {
			return
		}

		slog.Warn("Relay connection lost", "error", err, "session_id", s.opts.SessionID)
		s.setStatus(StatusDisconnected)
		if !s.reconnect(ctx) {
			return
		}
	}
}

// reconnect redials with exponential backoff between the configured floor
// and ceiling. It reports false once attempts are exhausted or the socket
// is closing.
func (s *Socket) reconnect(ctx context.Context) bool {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.opts.ReconnectFloor
	eb.MaxInterval = s.opts.ReconnectCeiling
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0
	b := backoff.WithMaxRetries(eb, uint64(s.opts.MaxReconnectAttempts))
	// Reset applies the floor as the first interval.
	b.Reset()

	for attempt := 1; ; attempt++ {
		delay := b.NextBackOff()
		if delay == backoff.Stop {
			slog.Error("Relay reconnection gave up", "attempts", attempt-1, "session_id", s.opts.SessionID)
			s.setStatus(StatusError)
			return false
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return false
		}

		s.setStatus(StatusConnecting)
		conn, err := s.dialFunc(ctx)
		if err != nil {
			slog.Debug("Reconnect attempt failed", "attempt", attempt, "delay", delay, "error", err)
			s.setStatus(StatusDisconnected)
			continue
		}

		s.mu.Lock()
		if s.closing {
			s.mu.Unlock()
			_ = conn.CloseNow()
			return false
		}
		old := s.conn
		s.conn = conn
		s.mu.Unlock()
		if old != nil {
			_ = old.CloseNow()
		}

		if err := s.join(ctx); err != nil {
			slog.Debug("Rejoin after reconnect failed", "attempt", attempt, "error", err)
			_ = conn.CloseNow()
			s.setStatus(StatusDisconnected)
			continue
		}
		s.setStatus(StatusConnected)
		slog.Info("Relay reconnected", "attempt", attempt, "session_id", s.opts.SessionID)
		return true
	}
}

func (s *Socket) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			err := s.Emit(ctx, event.PresenceHeartbeat, event.Heartbeat{
				SessionID: s.opts.SessionID,
				UserID:    s.opts.UserID,
			})
			if err != nil && !errors.Is(err, ErrNotConnected) {
				slog.Debug("Heartbeat failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Socket) dispatch(env event.Envelope) {
	s.mu.Lock()
	handlers := make([]Handler, 0, len(s.subs[env.Event])+len(s.subs[AllEvents]))
	for _, sub := range s.subs[env.Event] {
		handlers = append(handlers, sub.h)
	}
	for _, sub := range s.subs[AllEvents] {
		handlers = append(handlers, sub.h)
	}
	s.mu.Unlock()

	for _, h := range handlers {
		h(env)
	}
}

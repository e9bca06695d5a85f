package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/retro-relay/internal/identity"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const writeTimeout = 10 * time.Second

// wsConn adapts a websocket.Conn to Conn. Frames are queued by Send and
// written by a single writer goroutine.
type wsConn struct {
	id     string
	ws     *websocket.Conn
	queue  chan []byte
	done   chan struct{}
	once   sync.Once
	closed atomic.Bool
}

func newWSConn(id string, ws *websocket.Conn, queueSize int) *wsConn {
	return &wsConn{
		id:    id,
		ws:    ws,
		queue: make(chan []byte, queueSize),
		done:  make(chan struct{}),
	}
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Closed() bool { return c.closed.Load() }

func (c *wsConn) Send(frame []byte) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	select {
	case c.queue <- frame:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		return ErrSendQueueFull
	}
}

func (c *wsConn) Close(reason string) {
	c.once.Do(func() {
		c.closed.Store(true)
		close(c.done)
		// Close waits for the peer's close frame; never block the caller on it.
		go func() {
			if err := c.ws.Close(websocket.StatusGoingAway, reason); err != nil {
				slog.Debug("Failed to close websocket", "error", err, "conn_id", c.id)
			}
		}()
	})
}

// markClosed records that the read side has ended without sending a close.
func (c *wsConn) markClosed() {
	c.once.Do(func() {
		c.closed.Store(true)
		close(c.done)
	})
}

func (c *wsConn) writeLoop(ctx context.Context) {
	for {
		select {
		case frame := <-c.queue:
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.ws.Write(writeCtx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					slog.Debug("WebSocket write error", "error", err, "conn_id", c.id)
				}
				c.Close("write failed")
				return
			}
		case <-c.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// WebSocketHandler upgrades requests on /api/socket and feeds frames into
// the hub.
type WebSocketHandler struct {
	hub             *Hub
	originPatterns  []string
	queueSize       int
	maxMessageBytes int64
	isDev           bool
}

// NewWebSocketHandler creates a handler. allowedOrigins are full origins
// such as "https://retro.example.com".
func NewWebSocketHandler(hub *Hub, allowedOrigins []string, queueSize int, maxMessageBytes int64, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{
		hub:             hub,
		originPatterns:  originHosts(allowedOrigins),
		queueSize:       queueSize,
		maxMessageBytes: maxMessageBytes,
		isDev:           isDev,
	}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.hub.Started() {
		http.Error(w, "relay not initialized", http.StatusServiceUnavailable)
		return
	}

	connID := identity.ConnectionIDFromContext(r.Context())
	if connID == "" {
		connID = uuid.NewString()
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     h.originPatterns,
		InsecureSkipVerify: h.isDev,
	})
	if err != nil {
		slog.Warn("Failed to accept WebSocket", "error", err, "conn_id", connID, "origin", r.Header.Get("Origin"))
		return
	}
	ws.SetReadLimit(h.maxMessageBytes)

	c := newWSConn(connID, ws, h.queueSize)
	h.hub.Attach(c)
	slog.Info("Relay connection opened", "conn_id", connID, "ip", identity.IPFromRequest(r))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop(ctx)
	}()

	h.readLoop(ctx, c)

	c.markClosed()
	h.hub.Disconnect(context.WithoutCancel(ctx), c)
	cancel()
	wg.Wait()
	_ = ws.CloseNow()
	slog.Info("Relay connection closed", "conn_id", connID)
}

func (h *WebSocketHandler) readLoop(ctx context.Context, c *wsConn) {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			switch {
			case websocket.CloseStatus(err) != -1:
				slog.Debug("WebSocket closed by client", "conn_id", c.id, "status", websocket.CloseStatus(err))
			case errors.Is(err, context.Canceled) || c.Closed():
			default:
				slog.Warn("WebSocket read error", "error", err, "conn_id", c.id)
			}
			return
		}
		if typ != websocket.MessageText {
			h.hub.sendError(c, msgInvalidEvent+": expected text frame")
			continue
		}
		h.hub.Dispatch(ctx, c, data)
	}
}

// originHosts converts origins to the host patterns websocket.Accept
// matches against.
func originHosts(origins []string) []string {
	hosts := make([]string, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		if o == "*" {
			hosts = append(hosts, "*")
			continue
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			hosts = append(hosts, u.Host)
			continue
		}
		hosts = append(hosts, o)
	}
	return hosts
}

var _ Conn = (*wsConn)(nil)


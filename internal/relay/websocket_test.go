package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/retro-relay/internal/event"
	"github.com/ashureev/retro-relay/internal/identity"
	"github.com/ashureev/retro-relay/internal/presence"
	"github.com/ashureev/retro-relay/internal/store"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

func newTestServer(t *testing.T) (*httptest.Server, *Hub) {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "socket.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	hub := NewHub(presence.NewReconciler(repo))
	handler := NewWebSocketHandler(hub, []string{"http://localhost:3000"}, 16, 64*1024, false)

	mux := http.NewServeMux()
	mux.Handle("/api/socket", identity.Middleware()(handler))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	t.Cleanup(func() { _ = hub.Shutdown(context.Background()) })
	return srv, hub
}

func dial(ctx context.Context, t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/socket"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func emit(ctx context.Context, t *testing.T, conn *websocket.Conn, name event.Name, data string) {
	t.Helper()
	if err := wsjson.Write(ctx, conn, event.Envelope{Event: name, Data: json.RawMessage(data)}); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

// readUntil returns the first envelope accepted by match.
func readUntil(ctx context.Context, t *testing.T, conn *websocket.Conn, match func(event.Envelope) bool) event.Envelope {
	t.Helper()
	for {
		var env event.Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			t.Fatalf("read: %v", err)
		}
		if match(env) {
			return env
		}
	}
}

func presenceCount(n int) func(event.Envelope) bool {
	return func(env event.Envelope) bool {
		if env.Event != event.PresenceUpdate {
			return false
		}
		var snap event.PresenceSnapshot
		return json.Unmarshal(env.Data, &snap) == nil && snap.Count == n
	}
}

func TestWebSocketTwoClientVote(t *testing.T) {
	srv, hub := newTestServer(t)
	hub.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c1 := dial(ctx, t, srv)
	c2 := dial(ctx, t, srv)

	emit(ctx, t, c1, event.SessionJoin, `{"sessionId":"S","userId":"u1","userName":"One"}`)
	readUntil(ctx, t, c1, presenceCount(1))
	emit(ctx, t, c2, event.SessionJoin, `{"sessionId":"S","userId":"u2","userName":"Two"}`)
	readUntil(ctx, t, c1, presenceCount(2))
	readUntil(ctx, t, c2, presenceCount(2))

	vote := `{"sessionId":"S","vote":{"id":"v1","ideaId":"i1"}}`
	emit(ctx, t, c1, event.VoteCast, vote)

	got := readUntil(ctx, t, c2, func(env event.Envelope) bool { return env.Event == event.VoteCast })
	var want, have map[string]any
	_ = json.Unmarshal([]byte(vote), &want)
	if err := json.Unmarshal(got.Data, &have); err != nil {
		t.Fatalf("decode relayed vote: %v", err)
	}
	if !jsonEqual(want, have) {
		t.Fatalf("relayed vote %s differs from %s", got.Data, vote)
	}

	// Room order is preserved, so if c1 had been echoed its own vote it
	// would arrive before c2's idea.
	emit(ctx, t, c2, event.IdeaCreated, `{"sessionId":"S","idea":{"id":"i2"}}`)
	next := readUntil(ctx, t, c1, func(event.Envelope) bool { return true })
	if next.Event != event.IdeaCreated {
		t.Fatalf("sender received %s before the peer's idea", next.Event)
	}
}

func TestWebSocketDisconnectUpdatesPresence(t *testing.T) {
	srv, hub := newTestServer(t)
	hub.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c1 := dial(ctx, t, srv)
	c2 := dial(ctx, t, srv)
	emit(ctx, t, c1, event.SessionJoin, `{"sessionId":"S","userId":"u1"}`)
	emit(ctx, t, c2, event.SessionJoin, `{"sessionId":"S","userId":"u2"}`)
	readUntil(ctx, t, c2, presenceCount(2))

	_ = c1.Close(websocket.StatusNormalClosure, "bye")
	readUntil(ctx, t, c2, presenceCount(1))
}

func TestWebSocketInvalidEventGetsError(t *testing.T) {
	srv, hub := newTestServer(t)
	hub.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := dial(ctx, t, srv)
	emit(ctx, t, c, event.IdeaCreated, `{"idea":{"id":"i1"}}`)

	env := readUntil(ctx, t, c, func(event.Envelope) bool { return true })
	if env.Event != event.Error {
		t.Fatalf("expected error event, got %s", env.Event)
	}
	notice, err := event.DecodeError(env.Data)
	if err != nil {
		t.Fatalf("decode error notice: %v", err)
	}
	if !strings.Contains(notice.Message, "sessionId") {
		t.Fatalf("expected sessionId in message, got %q", notice.Message)
	}
}

func TestWebSocketRejectedBeforeStart(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/socket")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}

func TestOriginHosts(t *testing.T) {
	got := originHosts([]string{"https://retro.example.com", " ", "*", "localhost:5173"})
	want := []string{"retro.example.com", "*", "localhost:5173"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func jsonEqual(a, b any) bool {
	ja, _ := json.Marshal(a)
	jb, _ := json.Marshal(b)
	return string(ja) == string(jb)
}

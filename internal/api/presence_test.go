package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ashureev/retro-relay/internal/domain"
	"github.com/ashureev/retro-relay/internal/event"
	"github.com/go-chi/chi/v5"
)

type fakeSnapshots struct {
	users []domain.ActiveUser
	err   error
	asked string
}

func (f *fakeSnapshots) Snapshot(_ context.Context, sessionID string) (event.PresenceSnapshot, error) {
	f.asked = sessionID
	if f.err != nil {
		return event.PresenceSnapshot{}, f.err
	}
	return event.NewPresenceSnapshot(sessionID, f.users), nil
}

func servePresence(reader SnapshotReader, path string) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		NewPresenceHandler(reader).RegisterRoutes(r)
	})
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

func TestGetPresence(t *testing.T) {
	reader := &fakeSnapshots{users: []domain.ActiveUser{{ID: "a", Name: "Ann"}}}
	rr := servePresence(reader, "/api/sessions/S1/presence")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if reader.asked != "S1" {
		t.Fatalf("expected lookup for S1, got %q", reader.asked)
	}
	var snap event.PresenceSnapshot
	if err := json.NewDecoder(rr.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Count != 1 || snap.ActiveUsers[0].Name != "Ann" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestGetPresenceStoreError(t *testing.T) {
	rr := servePresence(&fakeSnapshots{err: errors.New("boom")}, "/api/sessions/S1/presence")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

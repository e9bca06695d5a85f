package presence

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/retro-relay/internal/domain"
	"github.com/ashureev/retro-relay/internal/shared"
	"github.com/ashureev/retro-relay/internal/store"
)

type stepClock struct {
	now time.Time
}

func (c *stepClock) Now() time.Time { return c.now }

func (c *stepClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestReconciler(t *testing.T) (*Reconciler, *store.SQLiteStore, *stepClock) {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "presence.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	clock := &stepClock{now: time.UnixMilli(1_700_000_000_000)}
	return NewReconciler(repo, WithClock(clock.Now)), repo, clock
}

func TestJoinIsIdempotent(t *testing.T) {
	r, repo, clock := newTestReconciler(t)
	ctx := context.Background()

	if _, err := r.Join(ctx, "S", "alice", "Alice"); err != nil {
		t.Fatalf("first join failed: %v", err)
	}
	clock.advance(7 * time.Second)
	snap, err := r.Join(ctx, "S", "alice", "Alice")
	if err != nil {
		t.Fatalf("second join failed: %v", err)
	}

	if snap.Count != 1 || len(snap.ActiveUsers) != 1 {
		t.Fatalf("expected one active user, got %+v", snap)
	}
	rec, err := repo.GetPresence(ctx, "S", "alice")
	if err != nil {
		t.Fatalf("GetPresence failed: %v", err)
	}
	if rec == nil || !rec.IsActive {
		t.Fatalf("expected active record, got %+v", rec)
	}
	if !rec.LastSeenAt.Equal(clock.now) {
		t.Fatalf("expected lastSeenAt %v, got %v", clock.now, rec.LastSeenAt)
	}
}

func TestJoinLeaveActiveSet(t *testing.T) {
	r, _, _ := newTestReconciler(t)
	ctx := context.Background()

	if _, err := r.Join(ctx, "S", "a", "Ann"); err != nil {
		t.Fatalf("join a: %v", err)
	}
	snap, err := r.Join(ctx, "S", "b", "Ben")
	if err != nil {
		t.Fatalf("join b: %v", err)
	}
	if snap.Count != 2 {
		t.Fatalf("expected count 2 after both joins, got %d", snap.Count)
	}

	snap, err = r.Leave(ctx, "S", "a")
	if err != nil {
		t.Fatalf("leave a: %v", err)
	}
	if snap.Count != 1 || len(snap.ActiveUsers) != 1 || snap.ActiveUsers[0].ID != "b" {
		t.Fatalf("expected only b active, got %+v", snap)
	}
	if snap.ActiveUsers[0].Name != "Ben" {
		t.Fatalf("expected display name Ben, got %q", snap.ActiveUsers[0].Name)
	}
}

func TestJoinFallsBackToUserIDForName(t *testing.T) {
	r, _, _ := newTestReconciler(t)

	snap, err := r.Join(context.Background(), "S", "u-42", "")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if got := snap.ActiveUsers[0].Name; got != "u-42" {
		t.Fatalf("expected name fallback to id, got %q", got)
	}
}

func TestJoinWithoutNameKeepsStoredName(t *testing.T) {
	r, _, _ := newTestReconciler(t)
	ctx := context.Background()

	if _, err := r.Join(ctx, "S", "u1", "Alice"); err != nil {
		t.Fatalf("join: %v", err)
	}
	snap, err := r.Join(ctx, "S", "u1", "")
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if got := snap.ActiveUsers[0].Name; got != "Alice" {
		t.Fatalf("expected stored name Alice to survive a nameless rejoin, got %q", got)
	}
}

func TestHeartbeatBeforeJoinCreatesNoRecord(t *testing.T) {
	r, repo, _ := newTestReconciler(t)
	ctx := context.Background()

	if err := r.Heartbeat(ctx, "S", "ghost"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if rec, err := repo.GetPresence(ctx, "S", "ghost"); err != nil || rec != nil {
		t.Fatalf("heartbeat must not create a record, got %+v (err=%v)", rec, err)
	}

	snap, err := r.Join(ctx, "S", "a", "Ann")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if snap.Count != 1 || snap.ActiveUsers[0].ID != "a" {
		t.Fatalf("expected only a active, got %+v", snap)
	}
}

func TestHeartbeatKeepsActiveFlag(t *testing.T) {
	r, repo, clock := newTestReconciler(t)
	ctx := context.Background()

	if _, err := r.Join(ctx, "S", "a", "Ann"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := r.Leave(ctx, "S", "a"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	clock.advance(30 * time.Second)
	if err := r.Heartbeat(ctx, "S", "a"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	rec, err := repo.GetPresence(ctx, "S", "a")
	if err != nil {
		t.Fatalf("GetPresence: %v", err)
	}
	if rec.IsActive {
		t.Fatal("heartbeat must not reactivate a departed user")
	}
	if !rec.LastSeenAt.Equal(clock.now) {
		t.Fatalf("expected lastSeenAt refreshed to %v, got %v", clock.now, rec.LastSeenAt)
	}
}

func TestSweepReportsAffectedSessions(t *testing.T) {
	r, _, clock := newTestReconciler(t)
	ctx := context.Background()

	_, _ = r.Join(ctx, "S2", "a", "Ann")
	_, _ = r.Join(ctx, "S1", "b", "Ben")
	_, _ = r.Join(ctx, "S1", "c", "Cat")
	clock.advance(90 * time.Second)
	_, _ = r.Join(ctx, "S3", "d", "Dan")

	sessions, err := r.Sweep(ctx, time.Minute)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(sessions) != 2 || sessions[0] != "S1" || sessions[1] != "S2" {
		t.Fatalf("expected [S1 S2], got %v", sessions)
	}

	snap, err := r.Snapshot(ctx, "S1")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Count != 0 {
		t.Fatalf("expected S1 empty after sweep, got %+v", snap)
	}
}

type failingRepo struct {
	store.Repository
	err   error
	calls int
}

func (f *failingRepo) UpsertUser(context.Context, *domain.User) error {
	f.calls++
	return f.err
}

func TestJoinSurfacesStoreError(t *testing.T) {
	repo := &failingRepo{err: errors.New("connection refused")}
	r := NewReconciler(repo, WithRetryPolicy(shared.RetryPolicy{MaxRetries: 3}))

	_, err := r.Join(context.Background(), "S", "a", "Ann")
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, repo.err) {
		t.Fatalf("expected wrapped store error, got %v", err)
	}
	if repo.calls != 1 {
		t.Fatalf("non-conflict errors must not be retried, got %d calls", repo.calls)
	}
}

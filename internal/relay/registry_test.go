package relay

import (
	"errors"
	"strconv"
	"sync"
	"testing"
)

func TestRegistry_JoinIsIdempotent(t *testing.T) {
	r := NewRegistry()
	c := newFakeConn("c1")

	if prev, added := r.Join(c, "S", "a"); !added || prev != "" {
		t.Fatalf("first join should add the connection, got prev=%q added=%v", prev, added)
	}
	if prev, added := r.Join(c, "S", "a"); added || prev != "a" {
		t.Fatalf("second join should not add again, got prev=%q added=%v", prev, added)
	}
	if n := r.Members("S"); n != 1 {
		t.Fatalf("expected 1 member, got %d", n)
	}
}

func TestRegistry_RejoinAsAnotherUserReplaces(t *testing.T) {
	r := NewRegistry()
	c := newFakeConn("c1")

	r.Join(c, "S", "a")
	if prev, added := r.Join(c, "S", "a2"); added || prev != "a" {
		t.Fatalf("expected replaced user a, got prev=%q added=%v", prev, added)
	}
	if r.HasUser("S", "a") {
		t.Fatal("replaced user must no longer hold the connection")
	}
	if !r.HasUser("S", "a2") {
		t.Fatal("new user should hold the connection")
	}
	if userID, ok := r.Leave("c1", "S"); !ok || userID != "a2" {
		t.Fatalf("leave should report a2, got %q ok=%v", userID, ok)
	}
}

func TestRegistry_LeaveUnknownIsNoop(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Leave("ghost", "S"); ok {
		t.Fatal("leave of unknown connection must report false")
	}

	r.Join(newFakeConn("c1"), "S", "a")
	if _, ok := r.Leave("c2", "S"); ok {
		t.Fatal("leave of non-member must report false")
	}
	if r.Members("S") != 1 {
		t.Fatal("non-member leave changed the room")
	}
}

func TestRegistry_RemoveConnReturnsMemberships(t *testing.T) {
	r := NewRegistry()
	c := newFakeConn("c1")
	r.Join(c, "S1", "a")
	r.Join(c, "S2", "a")
	r.Join(newFakeConn("c2"), "S2", "b")

	held := r.RemoveConn("c1")
	if len(held) != 2 || held["S1"] != "a" || held["S2"] != "a" {
		t.Fatalf("unexpected memberships %v", held)
	}
	if r.RoomCount() != 1 {
		t.Fatalf("empty rooms should be dropped, have %d", r.RoomCount())
	}
	if r.ConnCount() != 1 {
		t.Fatalf("expected 1 tracked connection, got %d", r.ConnCount())
	}
}

func TestRegistry_HasUserIgnoresClosedConns(t *testing.T) {
	r := NewRegistry()
	c := newFakeConn("c1")
	r.Join(c, "S", "a")
	if !r.HasUser("S", "a") {
		t.Fatal("expected user present")
	}
	c.Close("bye")
	if r.HasUser("S", "a") {
		t.Fatal("closed connections do not count as presence")
	}
}

func TestRegistry_BroadcastExcludeAndFailures(t *testing.T) {
	r := NewRegistry()
	a, b, c := newFakeConn("a"), newFakeConn("b"), newFakeConn("c")
	r.Join(a, "S", "ua")
	r.Join(b, "S", "ub")
	r.Join(c, "S", "uc")
	c.sendErr = errors.New("boom")

	var failed []string
	sent := r.Broadcast("S", []byte(`{}`), "a", func(conn Conn, _ error) {
		failed = append(failed, conn.ID())
	})

	if sent != 1 {
		t.Fatalf("expected 1 delivery, got %d", sent)
	}
	if len(failed) != 1 || failed[0] != "c" {
		t.Fatalf("expected failure for c, got %v", failed)
	}
	if len(a.frames) != 0 {
		t.Fatal("excluded connection received the frame")
	}
}

func TestRegistry_ClosedConns(t *testing.T) {
	r := NewRegistry()
	live, dead := newFakeConn("live"), newFakeConn("dead")
	r.Attach(live)
	r.Attach(dead)
	dead.Close("x")

	closed := r.ClosedConns()
	if len(closed) != 1 || closed[0].ID() != "dead" {
		t.Fatalf("expected [dead], got %v", closed)
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				id := strconv.Itoa(w) + "-" + strconv.Itoa(i)
				c := newFakeConn(id)
				r.Join(c, "S", id)
				r.Broadcast("S", []byte(`{}`), id, nil)
				r.RemoveConn(id)
			}
		}(w)
	}
	wg.Wait()
	if r.Members("S") != 0 {
		t.Fatalf("expected empty room, got %d", r.Members("S"))
	}
}

func TestRoomKey(t *testing.T) {
	if got := RoomKey("abc"); got != "session:abc" {
		t.Fatalf("unexpected room key %q", got)
	}
}

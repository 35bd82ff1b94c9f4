package server

import (
	"testing"

	"github.com/finnweber/chime/pkg/protocol"
)

func TestRegistryLastLoginWins(t *testing.T) {
	r := NewRegistry()
	first := &fakeConn{userID: "u1"}
	second := &fakeConn{userID: "u1"}

	if prev := r.Register(first); prev != nil {
		t.Fatalf("first register returned previous conn")
	}
	prev := r.Register(second)
	if prev != first {
		t.Fatalf("second register did not return the displaced conn")
	}

	got, ok := r.Lookup("u1")
	if !ok || got != Conn(second) {
		t.Fatalf("lookup returned %v, want the second conn", got)
	}
	if r.Count() != 1 {
		t.Fatalf("count = %d, want 1", r.Count())
	}
}

func TestRegistryStaleUnregisterKeepsNewerConn(t *testing.T) {
	r := NewRegistry()
	first := &fakeConn{userID: "u1"}
	second := &fakeConn{userID: "u1"}
	r.Register(first)
	r.Register(second)

	// The displaced connection's cleanup runs after the new login; it must
	// not knock the newer connection offline.
	if r.Unregister(first) {
		t.Fatalf("stale unregister reported removal")
	}
	if !r.Online("u1") {
		t.Fatalf("user went offline after stale unregister")
	}

	if !r.Unregister(second) {
		t.Fatalf("current unregister reported no removal")
	}
	if r.Online("u1") {
		t.Fatalf("user still online after unregister")
	}
}

func TestRegistryBroadcastExcludes(t *testing.T) {
	r := NewRegistry()
	a := &fakeConn{userID: "a"}
	b := &fakeConn{userID: "b"}
	c := &fakeConn{userID: "c"}
	r.Register(a)
	r.Register(b)
	r.Register(c)

	r.Broadcast(&protocol.Event{UserStatus: &protocol.UserStatus{}}, "a")

	if len(a.named("user_status")) != 0 {
		t.Errorf("broadcast reached the excluded user")
	}
	if len(b.named("user_status")) != 1 || len(c.named("user_status")) != 1 {
		t.Errorf("broadcast missed a registered user")
	}
}

func TestRegistryUsersSnapshot(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeConn{userID: "a"})
	r.Register(&fakeConn{userID: "b"})

	users := r.Users()
	if len(users) != 2 {
		t.Fatalf("users = %v, want 2 entries", users)
	}
	seen := map[string]bool{}
	for _, u := range users {
		seen[u] = true
	}
	if !seen["a"] || !seen["b"] {
		t.Fatalf("users snapshot incomplete: %v", users)
	}
}

package server

import (
	"sync"

	"github.com/finnweber/chime/pkg/protocol"
)

// Conn is one live signaling connection held by the registry. The concrete
// implementation is the WebSocket client; tests use in-process fakes.
type Conn interface {
	UserID() string
	// Send enqueues an event for delivery. It reports false when the
	// connection's outbound buffer is full or the connection is closed.
	Send(ev *protocol.Event) bool
	// Close tears the connection down; safe to call more than once.
	Close()
}

// Registry maps user IDs to their single live connection. A user is online
// exactly while they have an entry here; no separate online flag exists.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]Conn
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]Conn)}
}

// Register binds conn as the live connection for its user. A second login
// displaces the first: the previous connection is returned so the caller can
// close it, and all traffic from then on routes to conn.
func (r *Registry) Register(conn Conn) Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.conns[conn.UserID()]
	r.conns[conn.UserID()] = conn
	return prev
}

// Unregister removes conn if it is still the user's current connection.
// A stale connection that was already displaced by a newer login must not
// knock the newer one offline, so removal compares connection identity.
func (r *Registry) Unregister(conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[conn.UserID()] != conn {
		return false
	}
	delete(r.conns, conn.UserID())
	return true
}

// Lookup returns the live connection for userID, if any.
func (r *Registry) Lookup(userID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[userID]
	return conn, ok
}

// Online reports whether userID has a live connection.
func (r *Registry) Online(userID string) bool {
	_, ok := r.Lookup(userID)
	return ok
}

// Broadcast sends ev to every registered connection except exclude.
func (r *Registry) Broadcast(ev *protocol.Event, exclude string) {
	r.mu.RLock()
	conns := make([]Conn, 0, len(r.conns))
	for userID, conn := range r.conns {
		if userID == exclude {
			continue
		}
		conns = append(conns, conn)
	}
	r.mu.RUnlock()
	for _, conn := range conns {
		conn.Send(ev)
	}
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Users returns a snapshot of all online user IDs.
func (r *Registry) Users() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	users := make([]string, 0, len(r.conns))
	for userID := range r.conns {
		users = append(users, userID)
	}
	return users
}

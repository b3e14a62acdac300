// Package session is the instance-local registry of connections and
// their authenticated sessions. Connections, sessions and the user index
// live in flat tables keyed by generated ids; membership is id-to-id, so
// there are no cyclic object references to leak.
package session

import (
	"sync"
	"time"

	"github.com/nats-io/nuid"
)

// Connection is the ephemeral record for one live transport session.
type Connection struct {
	ID              string
	InstanceID      string
	Transport       string
	RemoteAddr      string
	ConnectedAt     time.Time
	LastHeartbeatAt time.Time
}

// Session is the authenticated identity bound to a connection. A user
// may hold many concurrent sessions (multi-device); a connection holds
// at most one.
type Session struct {
	UserID              string
	SessionID           string
	TokenExpiry         time.Time
	RevocationCheckedAt time.Time
}

// Registry is safe for concurrent use. Only the owning instance's
// connection-handling goroutines mutate it.
type Registry struct {
	mu         sync.RWMutex
	instanceID string
	conns      map[string]*Connection        // connID → connection
	sessions   map[string]*Session           // connID → session
	byUser     map[string]map[string]struct{} // userID → set of connIDs
}

func NewRegistry(instanceID string) *Registry {
	return &Registry{
		instanceID: instanceID,
		conns:      make(map[string]*Connection),
		sessions:   make(map[string]*Session),
		byUser:     make(map[string]map[string]struct{}),
	}
}

// AddConnection records a freshly accepted, not yet authenticated
// connection and returns its generated id.
func (r *Registry) AddConnection(transport, remoteAddr string) *Connection {
	now := time.Now()
	conn := &Connection{
		ID:              nuid.Next(),
		InstanceID:      r.instanceID,
		Transport:       transport,
		RemoteAddr:      remoteAddr,
		ConnectedAt:     now,
		LastHeartbeatAt: now,
	}
	r.mu.Lock()
	r.conns[conn.ID] = conn
	r.mu.Unlock()
	return conn
}

// Attach binds a session to a connection. A connection has at most one
// session: a repeat authenticate replaces the previous session and the
// old one is returned so the caller can unwind per-user state.
func (r *Registry) Attach(connID string, sess Session) (replaced *Session, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[connID]; !exists {
		return nil, false
	}

	if old, exists := r.sessions[connID]; exists {
		replaced = old
		r.dropUserIndex(old.UserID, connID)
	}

	s := sess
	r.sessions[connID] = &s
	if r.byUser[s.UserID] == nil {
		r.byUser[s.UserID] = make(map[string]struct{})
	}
	r.byUser[s.UserID][connID] = struct{}{}
	return replaced, true
}

// SessionFor returns the session bound to a connection, if any.
func (r *Registry) SessionFor(connID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[connID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Touch records a heartbeat on a connection.
func (r *Registry) Touch(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[connID]; ok {
		c.LastHeartbeatAt = time.Now()
	}
}

// RemoveConnection drops a connection and its session. It reports the
// removed session (if the connection was authenticated) and whether the
// user has no remaining connections on this instance, which drives the
// presence offline grace.
func (r *Registry) RemoveConnection(connID string) (sess *Session, lastOfUser bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.conns, connID)
	s, ok := r.sessions[connID]
	if !ok {
		return nil, false
	}
	delete(r.sessions, connID)
	r.dropUserIndex(s.UserID, connID)
	_, stillConnected := r.byUser[s.UserID]
	return s, !stillConnected
}

// ConnectionsForUser lists this instance's connection ids for a user.
func (r *Registry) ConnectionsForUser(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.byUser[userID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// Len reports the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// AuthenticatedLen reports the number of connections with a session.
func (r *Registry) AuthenticatedLen() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// dropUserIndex removes one connID from a user's set. Caller holds the lock.
func (r *Registry) dropUserIndex(userID, connID string) {
	set, ok := r.byUser[userID]
	if !ok {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(r.byUser, userID)
	}
}

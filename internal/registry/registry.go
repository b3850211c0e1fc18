// Package registry tracks the Runner and App connections attached to this
// broker instance. It is purely local state: cross-instance visibility
// (liveness, bindings, fan-out sets) lives in the shared store, and every
// instance consults its own registry only to deliver to sockets it owns.
package registry

import (
	"sync"

	"github.com/termlink/broker/internal/wire"
)

// Role distinguishes the two peer types a connection can authenticate as.
type Role string

const (
	RoleRunner Role = "runner"
	RoleApp    Role = "app"
)

// Identity names one authenticated peer. Runner IDs are self-declared and
// verified by shared secret; App IDs come from the verified token subject.
type Identity struct {
	Role Role
	ID   string
}

func (id Identity) String() string {
	return string(id.Role) + ":" + id.ID
}

// Session is the slice of a connection the registry needs: deliver a
// message, or tear the connection down. Implemented by the gateway's
// connection type.
type Session interface {
	// Send queues a message for the peer. False means the session is
	// closed or its buffer is full and the message was dropped.
	Send(msg *wire.Message) bool
	// Close tears the connection down. Safe to call more than once.
	Close()
}

// Registry is a concurrency-safe Identity -> Session map with
// last-connection-wins semantics.
type Registry struct {
	mu       sync.RWMutex
	sessions map[Identity]Session
}

func New() *Registry {
	return &Registry{sessions: make(map[Identity]Session)}
}

// Attach registers a session under an identity and returns the session it
// displaced, if any. The caller owns notifying and closing the displaced
// session; the registry has already forgotten it.
func (r *Registry) Attach(id Identity, s Session) Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.sessions[id]
	r.sessions[id] = s
	if prev == s {
		return nil
	}
	return prev
}

// Detach removes the identity only while s is still its current session.
// A connection displaced by a takeover calls this on shutdown without
// clobbering its successor.
func (r *Registry) Detach(id Identity, s Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[id] != s {
		return false
	}
	delete(r.sessions, id)
	return true
}

// Get returns the current session for an identity.
func (r *Registry) Get(id Identity) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Count returns the number of attached sessions with the given role.
func (r *Registry) Count(role Role) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for id := range r.sessions {
		if id.Role == role {
			n++
		}
	}
	return n
}

// Len returns the total number of attached sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

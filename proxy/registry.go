package proxy

import (
	"sync"

	"ocproxy/metrics/counters"
	"ocproxy/utility"
)

var ErrDuplicateSession = utility.Err("session already registered for this charge point")

// Registry is the process-wide map of live sessions, keyed by charge
// point id. At most one session exists per id at any instant. The
// acceptor is the only component that removes entries.
type Registry struct {
	mux      sync.Mutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

// Add registers a session. Fails with ErrDuplicateSession when a live
// session already exists for the same charge point id.
func (r *Registry) Add(session *Session) error {
	r.mux.Lock()
	defer r.mux.Unlock()
	if _, ok := r.sessions[session.ChargePointId()]; ok {
		return ErrDuplicateSession
	}
	r.sessions[session.ChargePointId()] = session
	counters.ObserveSessions(len(r.sessions))
	return nil
}

// Get looks up the live session for a charge point id.
func (r *Registry) Get(chargePointId string) (*Session, bool) {
	r.mux.Lock()
	defer r.mux.Unlock()
	session, ok := r.sessions[chargePointId]
	return session, ok
}

// Remove drops the registration for a charge point id. Idempotent.
func (r *Registry) Remove(chargePointId string) {
	r.mux.Lock()
	defer r.mux.Unlock()
	delete(r.sessions, chargePointId)
	counters.ObserveSessions(len(r.sessions))
}

// RemoveSession drops the registration only when the given session is
// still the registered one. A displaced session going away must not
// unregister its successor.
func (r *Registry) RemoveSession(session *Session) bool {
	r.mux.Lock()
	defer r.mux.Unlock()
	current, ok := r.sessions[session.ChargePointId()]
	if !ok || current != session {
		return false
	}
	delete(r.sessions, session.ChargePointId())
	counters.ObserveSessions(len(r.sessions))
	return true
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mux.Lock()
	defer r.mux.Unlock()
	return len(r.sessions)
}

// All returns a snapshot of the live sessions.
func (r *Registry) All() []*Session {
	r.mux.Lock()
	defer r.mux.Unlock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		sessions = append(sessions, session)
	}
	return sessions
}

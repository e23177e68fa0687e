// Package session tracks gateway sessions, each session's subscription
// set, and activity timestamps, and supports bulk cleanup of inactive or
// errored sessions.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaypoint/supervisor/internal/common/errors"
)

// State is a session's connection state.
type State string

const (
	StateConnected State = "connected"
	StateError     State = "error"
	StateClosed    State = "closed"
)

// Subscriptions is a session's declared visibility into process events.
type Subscriptions struct {
	AllProcesses bool
	ProcessIDs   map[string]bool
}

// Transport is the minimal surface the session registry needs from a
// gateway connection to close it during cleanup, kept independent of any
// particular WebSocket library.
type Transport interface {
	Close(code int, reason string) error
}

// Session is one persistent bidirectional channel between the gateway and
// a client.
type Session struct {
	ID            string
	Transport     Transport
	State         State
	ConnectedAt   time.Time
	LastActivity  time.Time
	Subscriptions Subscriptions
	Metadata      map[string]any
}

func (s *Session) clone() *Session {
	cp := *s
	cp.Subscriptions.ProcessIDs = make(map[string]bool, len(s.Subscriptions.ProcessIDs))
	for id := range s.Subscriptions.ProcessIDs {
		cp.Subscriptions.ProcessIDs[id] = true
	}
	if s.Metadata != nil {
		cp.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// Action names a subscription update.
type Action string

const (
	ActionSubscribe       Action = "subscribe"
	ActionUnsubscribe     Action = "unsubscribe"
	ActionSubscribeAll    Action = "subscribe_all"
	ActionUnsubscribeAll  Action = "unsubscribe_all"
)

// Registry tracks every active session. It is safe for concurrent use by
// the gateway's accept/close paths and by subscription request handlers.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// New creates an empty session Registry.
func New() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add registers a new session with a server-assigned id and returns it.
func (r *Registry) Add(transport Transport, metadata map[string]any) *Session {
	now := time.Now()
	s := &Session{
		ID:            uuid.New().String(),
		Transport:     transport,
		State:         StateConnected,
		ConnectedAt:   now,
		LastActivity:  now,
		Subscriptions: Subscriptions{ProcessIDs: make(map[string]bool)},
		Metadata:      metadata,
	}
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
	return s.clone()
}

// Remove deletes a session from the registry without touching its
// transport.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Get returns a defensive copy of the session, or a not-found error.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, errors.NotFound("session", id)
	}
	return s.clone(), nil
}

// Count returns the number of tracked sessions, regardless of state.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// UpdateActivity stamps LastActivity to now for the given session.
func (r *Registry) UpdateActivity(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.LastActivity = time.Now()
	}
}

// SetState transitions a session's connection state (e.g. to error after a
// failed transport write).
func (r *Registry) SetState(id string, state State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.State = state
	}
}

// UpdateSubscription applies one of the four subscription actions.
// subscribe_all and unsubscribe_all both clear the per-id set.
func (r *Registry) UpdateSubscription(id string, action Action, processID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return errors.NotFound("session", id)
	}

	switch action {
	case ActionSubscribe:
		if processID == "" {
			return errors.ValidationError("processId", "required for subscribe")
		}
		s.Subscriptions.ProcessIDs[processID] = true
	case ActionUnsubscribe:
		delete(s.Subscriptions.ProcessIDs, processID)
	case ActionSubscribeAll:
		s.Subscriptions.AllProcesses = true
		s.Subscriptions.ProcessIDs = make(map[string]bool)
	case ActionUnsubscribeAll:
		s.Subscriptions.AllProcesses = false
		s.Subscriptions.ProcessIDs = make(map[string]bool)
	default:
		return errors.ValidationError("action", "unknown subscription action")
	}
	return nil
}

// IsSubscribedToProcess reports whether id is visible to session
// sessionID: allProcesses, or explicit membership.
func (r *Registry) IsSubscribedToProcess(sessionID, id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	return s.Subscriptions.AllProcesses || s.Subscriptions.ProcessIDs[id]
}

// ListFilter narrows List to a subset of sessions.
type ListFilter struct {
	State             State
	SubscribedToAll   bool
	InactiveSince     time.Time // zero means no constraint
}

// List returns defensive copies of sessions matching filter.
func (r *Registry) List(filter ListFilter) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if filter.State != "" && s.State != filter.State {
			continue
		}
		if filter.SubscribedToAll && !s.Subscriptions.AllProcesses {
			continue
		}
		if !filter.InactiveSince.IsZero() && s.LastActivity.After(filter.InactiveSince) {
			continue
		}
		out = append(out, s.clone())
	}
	return out
}

// CleanupInactive closes and removes every session whose state is error,
// or whose last activity is older than maxAge. The underlying transport is
// closed with the standard "inactive" code 4000.
func (r *Registry) CleanupInactive(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	r.mu.Lock()
	var stale []*Session
	for id, s := range r.sessions {
		if s.State == StateError || s.LastActivity.Before(cutoff) {
			stale = append(stale, s)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, s := range stale {
		if s.Transport != nil {
			_ = s.Transport.Close(4000, "inactive")
		}
	}
	return len(stale)
}

// CloseAll closes and removes every tracked session, used during gateway
// shutdown.
func (r *Registry) CloseAll(code int, reason string) {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range all {
		if s.Transport != nil {
			_ = s.Transport.Close(code, reason)
		}
	}
}

package agent

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive       Status = "active"
	StatusDone         Status = "done"
	StatusAwaitingUser Status = "awaiting_user"
	StatusStopped      Status = "stopped"
	StatusErrored      Status = "errored"
)

// Terminal reports whether the session loop has exited in this state.
func (s Status) Terminal() bool {
	return s != StatusActive
}

// Session is one user-visible exchange. Only the stop flag is shared with other goroutines.
type Session struct {
	ID             string
	ConversationID string
	CreatedAt      time.Time

	status atomic.Value
	stop   atomic.Bool
}

func newSession(conversationID string) *Session {
	s := &Session{ID: uuid.NewString(), ConversationID: conversationID, CreatedAt: time.Now().UTC()}
	s.status.Store(StatusActive)
	return s
}

// RequestStop asks the loop to stop at its next checkpoint.
func (s *Session) RequestStop() {
	s.stop.Store(true)
}

// StopRequested reports whether a stop has been requested.
func (s *Session) StopRequested() bool {
	return s.stop.Load()
}

// Status returns the current state.
func (s *Session) Status() Status {
	return s.status.Load().(Status)
}

func (s *Session) setStatus(st Status) {
	s.status.Store(st)
}

// Registry tracks active sessions so they can be stopped by id.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// add registers s unless another session is already running on its conversation.
// Two sessions appending to one transcript would interleave their tool turns.
func (r *Registry) add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, other := range r.sessions {
		if other.ConversationID == s.ConversationID {
			return ErrConversationBusy
		}
	}
	r.sessions[s.ID] = s
	return nil
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Get returns an active session.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Busy reports whether a session is running on the conversation.
func (r *Registry) Busy(conversationID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		if s.ConversationID == conversationID {
			return true
		}
	}
	return false
}

// Stop flags the session for cooperative cancellation.
func (r *Registry) Stop(id string) error {
	s, ok := r.Get(id)
	if !ok {
		return ErrSessionNotFound
	}
	s.RequestStop()
	return nil
}

// Active lists the ids of running sessions, oldest first.
func (r *Registry) Active() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	ids := make([]string, len(list))
	for i, s := range list {
		ids[i] = s.ID
	}
	return ids
}

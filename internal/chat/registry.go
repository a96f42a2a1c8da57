package chat

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registry keeps the sessions of every open chat page. A session lives from page load until its
// event stream ends; nothing outlives the process.
type Registry struct {
	predictor Predictor
	notifier  Notifier
	interval  time.Duration

	mu       sync.Mutex
	sessions map[string]*Session

	logger *slog.Logger
}

// NewRegistry creates an empty registry. Every session it creates shares the given predictor, notifier
// and stream interval.
func NewRegistry(predictor Predictor, notifier Notifier, interval time.Duration, logger *slog.Logger) *Registry {
	return &Registry{
		predictor: predictor,
		notifier:  notifier,
		interval:  interval,
		sessions:  make(map[string]*Session),
		logger:    logger,
	}
}

// Create starts a new empty session.
func (r *Registry) Create() *Session {
	s := NewSession(uuid.New().String(), r.predictor, r.notifier, r.interval, r.logger)

	r.mu.Lock()
	r.sessions[s.ID()] = s
	r.mu.Unlock()

	return s
}

// Get returns the session with the given id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	return s, ok
}

// Remove tears down and forgets the session with the given id. Removing an unknown id is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if ok {
		s.Close()
	}
}

// Len returns the number of open sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.sessions)
}

// Close tears down every session.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

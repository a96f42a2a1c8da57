package handlers

import (
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// streamWatch tears down sessions whose page never opened its event stream.
type streamWatch struct {
	timeout time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer
}

const streamConnectTimeout = 30 * time.Second

// HandleSSE serves the event stream of one chat session, identified by the "session_id" query
// parameter. The session lives as long as this stream: when the client goes away, the session and its
// speech connection are torn down.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if _, ok := m.sessions.Get(sessionID); !ok {
		m.logger.Error("Session not found", slog.String("sessionID", sessionID))
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	m.streams.done(sessionID)

	m.sseSrv.ServeHTTP(w, r)

	m.logger.Debug("Event stream ended", slog.String("sessionID", sessionID))
	m.speech.close(sessionID)
	m.sessions.Remove(sessionID)
}

func newStreamWatch(timeout time.Duration) *streamWatch {
	return &streamWatch{
		timeout: timeout,
		timers:  make(map[string]*time.Timer),
	}
}

// expect calls onTimeout unless done is called for id within the timeout.
func (s *streamWatch) expect(id string, onTimeout func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.timers[id] = time.AfterFunc(s.timeout, func() {
		s.mu.Lock()
		_, pending := s.timers[id]
		delete(s.timers, id)
		s.mu.Unlock()

		if pending {
			onTimeout()
		}
	})
}

func (s *streamWatch) done(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
}

func (s *streamWatch) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

package handlers

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/MegaGrindStone/bousai-web-ui/internal/speech"
	"github.com/gorilla/websocket"
)

// speechHub keeps the speech connection of every session that has one. A session has at most one; a
// newer connection replaces the older one.
type speechHub struct {
	mu    sync.Mutex
	conns map[string]*speechConn
}

type speechConn struct {
	bridge     *speech.Bridge
	recognizer *speech.WSRecognizer
}

type speechStatus struct {
	SessionID string
	Available bool
	Listening bool
	Interim   string
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// HandleSpeech upgrades the request to the speech WebSocket of the session named by the "session_id"
// query parameter. The page reports whether it can recognize speech, then streams recognition results;
// final transcripts are submitted to the conversation. The handler returns when the socket closes or
// the session is torn down.
func (m Main) HandleSpeech(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	s, ok := m.sessions.Get(sessionID)
	if !ok {
		m.logger.Error("Session not found", slog.String("sessionID", sessionID))
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Error("WebSocket upgrade failed", slog.String(errLoggerKey, err.Error()))
		return
	}

	rec, err := speech.NewWSRecognizer(conn, m.logger)
	if err != nil {
		m.logger.Error("Failed to start speech recognizer",
			slog.String("sessionID", sessionID),
			slog.String(errLoggerKey, err.Error()))
		_ = conn.Close()
		return
	}

	pub := m.publisher()
	bridge := speech.NewBridge(rec, s, func(st speech.State) {
		pub.publishSpeech(sessionID, st)
	}, m.logger)

	sc := &speechConn{bridge: bridge, recognizer: rec}
	if old := m.speech.register(sessionID, sc); old != nil {
		_ = old.recognizer.Close()
	}
	pub.publishSpeech(sessionID, bridge.State())

	if !bridge.Available() {
		m.logger.Info("Speech recognition is not available", slog.String("sessionID", sessionID))
	}

	bridge.Run(r.Context())

	if m.speech.unregister(sessionID, sc) {
		pub.publishSpeech(sessionID, speech.State{})
	}
	_ = rec.Close()
}

// HandleSpeechToggle starts or stops speech recognition for the session named by "session_id", and
// renders the new speech status. It replies 404 when the session has no speech connection.
func (m Main) HandleSpeechToggle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID := r.FormValue("session_id")
	sc, ok := m.speech.get(sessionID)
	if !ok {
		m.logger.Error("Speech connection not found", slog.String("sessionID", sessionID))
		http.Error(w, "Speech recognition is not connected", http.StatusNotFound)
		return
	}

	if err := sc.bridge.Toggle(); err != nil {
		m.logger.Error("Failed to toggle speech recognition",
			slog.String("sessionID", sessionID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	html, err := renderSpeechStatus(m.publisher(), sessionID, sc.bridge.State())
	if err != nil {
		m.logger.Error("Failed to render speech status", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(html))
}

func (p publisher) publishSpeech(sessionID string, st speech.State) {
	html, err := renderSpeechStatus(p, sessionID, st)
	if err != nil {
		p.logger.Error("Failed to render speech status", slog.String(errLoggerKey, err.Error()))
		return
	}
	p.publish(sessionID, speechSSEType, html)
}

func renderSpeechStatus(p publisher, sessionID string, st speech.State) (string, error) {
	var sb strings.Builder
	err := p.templates.ExecuteTemplate(&sb, "speech_status", speechStatus{
		SessionID: sessionID,
		Available: st.Available,
		Listening: st.Listening,
		Interim:   st.Interim,
	})
	if err != nil {
		return "", fmt.Errorf("failed to execute speech_status template: %w", err)
	}
	return sb.String(), nil
}

func newSpeechHub() *speechHub {
	return &speechHub{
		conns: make(map[string]*speechConn),
	}
}

// register returns the connection sc replaced, if any.
func (h *speechHub) register(sessionID string, sc *speechConn) *speechConn {
	h.mu.Lock()
	defer h.mu.Unlock()

	old := h.conns[sessionID]
	h.conns[sessionID] = sc
	return old
}

// unregister forgets sc unless it was already replaced, and reports whether it was forgotten.
func (h *speechHub) unregister(sessionID string, sc *speechConn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.conns[sessionID] != sc {
		return false
	}
	delete(h.conns, sessionID)
	return true
}

func (h *speechHub) get(sessionID string) (*speechConn, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sc, ok := h.conns[sessionID]
	return sc, ok
}

// close closes the speech connection of a session, which ends its HandleSpeech call.
func (h *speechHub) close(sessionID string) {
	h.mu.Lock()
	sc, ok := h.conns[sessionID]
	delete(h.conns, sessionID)
	h.mu.Unlock()

	if ok {
		_ = sc.recognizer.Close()
	}
}

func (h *speechHub) closeAll() {
	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[string]*speechConn)
	h.mu.Unlock()

	for _, sc := range conns {
		_ = sc.recognizer.Close()
	}
}

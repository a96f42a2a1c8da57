package handlers

import (
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MegaGrindStone/bousai-web-ui/internal/models"
	"github.com/MegaGrindStone/bousai-web-ui/internal/speech"
)

type homePageData struct {
	SessionID  string
	MapsAPIKey string
	SpeechLang string
}

type turn struct {
	SessionID string
	ID        string
	Text      string
	Sender    string
	Direction string
	Timestamp time.Time
	HasMap    bool

	StreamingState string
}

// HandleHome renders the chat page. Every page load starts a new, empty conversation that lives as long
// as the page keeps its event stream open.
func (m Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s := m.sessions.Create()
	m.streams.expect(s.ID(), func() {
		m.logger.Warn("Event stream never connected", slog.String("sessionID", s.ID()))
		m.sessions.Remove(s.ID())
	})

	data := homePageData{
		SessionID:  s.ID(),
		MapsAPIKey: m.mapsAPIKey,
		SpeechLang: speech.Lang,
	}
	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		m.logger.Error("Failed to execute home template", slog.String(errLoggerKey, err.Error()))
		m.streams.done(s.ID())
		m.sessions.Remove(s.ID())
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}

// HandleChats submits the user's typed input to a conversation. It accepts a "message" and a
// "session_id" form field. The outgoing turn is rendered in the response; the assistant's reply follows
// asynchronously through the session's event stream.
//
// The handler replies 405 for methods other than POST, 400 for a missing or blank message and 404 for
// an unknown session.
func (m Main) HandleChats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	msg := r.FormValue("message")
	if strings.TrimSpace(msg) == "" {
		m.logger.Error("Message is required")
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	}

	sessionID := r.FormValue("session_id")
	s, ok := m.sessions.Get(sessionID)
	if !ok {
		m.logger.Error("Session not found", slog.String("sessionID", sessionID))
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	t, ok := s.Submit(msg)
	if !ok {
		m.logger.Error("Session is closed", slog.String("sessionID", sessionID))
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	html, err := renderTurn(m.templates, sessionID, t)
	if err != nil {
		m.logger.Error("Failed to render turn", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(html))
}

func renderTurn(tmpl *template.Template, sessionID string, t models.Turn) (string, error) {
	name := "user_message"
	if t.Sender == models.SenderAssistant {
		name = "ai_message"
	}

	var sb strings.Builder
	err := tmpl.ExecuteTemplate(&sb, name, turn{
		SessionID:      sessionID,
		ID:             t.ID,
		Text:           t.Text,
		Sender:         string(t.Sender),
		Direction:      string(t.Direction),
		Timestamp:      t.Timestamp,
		HasMap:         t.MapData != nil,
		StreamingState: string(t.StreamingState),
	})
	if err != nil {
		return "", fmt.Errorf("failed to execute %s template: %w", name, err)
	}
	return sb.String(), nil
}

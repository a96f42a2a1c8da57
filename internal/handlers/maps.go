package handlers

import (
	"encoding/json"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MegaGrindStone/bousai-web-ui/internal/chat"
	"github.com/MegaGrindStone/bousai-web-ui/internal/routemap"
)

type mapModal struct {
	SessionID string
	ViewJSON  string
	HasRoute  bool
	Steps     []mapStep
}

type mapStep struct {
	Instruction template.HTML
	Distance    string
}

// HandleMapView returns the compact view of a turn's map as JSON. It expects the "session_id" and
// "turn_id" query parameters, and replies 404 when the session or the turn is unknown or when the turn
// carries no map.
func (m Main) HandleMapView(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID := r.URL.Query().Get("session_id")
	s, ok := m.sessions.Get(sessionID)
	if !ok {
		m.logger.Error("Session not found", slog.String("sessionID", sessionID))
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	turnID := r.URL.Query().Get("turn_id")
	t, err := s.Turn(turnID)
	if err != nil {
		m.logger.Error("Turn not found", slog.String("turnID", turnID))
		http.Error(w, "Turn not found", http.StatusNotFound)
		return
	}
	if t.MapData == nil {
		m.logger.Error("Turn has no map", slog.String("turnID", turnID))
		http.Error(w, "Turn has no map", http.StatusNotFound)
		return
	}

	view := m.renderer.Render(r.Context(), *t.MapData, routemap.ModeCompact)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(view); err != nil {
		m.logger.Error("Failed to encode map view", slog.String(errLoggerKey, err.Error()))
	}
}

// HandleMapSelect opens the map of a turn in the full-screen modal. It accepts the "session_id" and
// "turn_id" form fields and renders the modal, turn-by-turn directions included when the route could be
// resolved. Selecting another turn's map replaces the open one.
func (m Main) HandleMapSelect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID := r.FormValue("session_id")
	s, ok := m.sessions.Get(sessionID)
	if !ok {
		m.logger.Error("Session not found", slog.String("sessionID", sessionID))
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	turnID := r.FormValue("turn_id")
	md, err := s.SelectMap(turnID)
	if err != nil {
		m.logger.Error("Failed to select map",
			slog.String("turnID", turnID),
			slog.String(errLoggerKey, err.Error()))
		status := http.StatusNotFound
		if errors.Is(err, chat.ErrNoMap) {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}

	view := m.renderer.Render(r.Context(), md, routemap.ModeModal)
	viewJSON, err := json.Marshal(view)
	if err != nil {
		m.logger.Error("Failed to encode map view", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	data := mapModal{
		SessionID: sessionID,
		ViewJSON:  string(viewJSON),
		HasRoute:  view.Route != nil,
	}
	if view.Route != nil {
		for _, st := range view.Route.Steps {
			data.Steps = append(data.Steps, mapStep{
				// Instructions are HTML produced by the Directions service.
				Instruction: template.HTML(st.Instruction),
				Distance:    st.Distance,
			})
		}
	}

	var sb strings.Builder
	if err := m.templates.ExecuteTemplate(&sb, "map_modal", data); err != nil {
		m.logger.Error("Failed to execute map_modal template", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(sb.String()))
}

// HandleMapClose closes the modal map of the session named by the "session_id" form field. Closing
// when nothing is open is not an error.
func (m Main) HandleMapClose(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID := r.FormValue("session_id")
	s, ok := m.sessions.Get(sessionID)
	if !ok {
		m.logger.Error("Session not found", slog.String("sessionID", sessionID))
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	if !s.CloseMap() {
		m.logger.Debug("No map was open", slog.String("sessionID", sessionID))
	}
	w.WriteHeader(http.StatusNoContent)
}

package handlers

import (
	"github.com/MegaGrindStone/bousai-web-ui/internal/chat"
	"github.com/MegaGrindStone/bousai-web-ui/internal/models"
)

// Session exposes the chat session behind a page to the tests.
func (m Main) Session(id string) (*chat.Session, bool) {
	return m.sessions.Get(id)
}

// RenderTurn renders a turn the way it is pushed to the page.
func (m Main) RenderTurn(sessionID string, t models.Turn) (string, error) {
	return renderTurn(m.templates, sessionID, t)
}

package chat

import (
	"strings"
	"time"

	"github.com/MegaGrindStone/bousai-web-ui/internal/models"
)

// stream writes text into the given turn one character per tick, simulating live typing. Each character
// is a separate EventTurnUpdated. Once the text is exhausted, a single EventStreamEnded marks the turn as
// ended and carries the map data, if any. The driver stops early when the session is torn down.
func (s *Session) stream(turnID, text string, mapData *models.MapData) {
	runes := []rune(text)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var sb strings.Builder
	for _, r := range runes {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}

		sb.WriteRune(r)
		current := sb.String()
		ok := s.updateTurn(turnID, EventTurnUpdated, func(t *models.Turn) {
			t.Text = current
			t.StreamingState = models.StreamingStateStreaming
		})
		if !ok {
			return
		}
	}

	s.updateTurn(turnID, EventStreamEnded, func(t *models.Turn) {
		t.StreamingState = models.StreamingStateEnded
		if mapData != nil && t.MapData == nil {
			md := mapData.Clone()
			t.MapData = &md
		}
	})
}

func (s *Session) updateTurn(turnID string, typ EventType, update func(t *models.Turn)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}

	idx, ok := s.turnIdx[turnID]
	if !ok {
		return false
	}

	update(&s.turns[idx])
	s.notify(Event{Type: typ, Turn: s.turns[idx].Clone()})
	return true
}

package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MegaGrindStone/bousai-web-ui/internal/models"
	"github.com/google/uuid"
)

// Predictor issues the forwarding call for a conversation. It accepts the full chronological history
// and returns the first prediction of the endpoint's reply.
type Predictor interface {
	Predict(ctx context.Context, history []models.Message) (models.Prediction, error)
}

// Notifier receives every state change of a session, in the order the changes were applied. Each session
// delivers its events one at a time from its own goroutine, after releasing its lock, so a slow Notify
// delays only later events of that session. Notify may read the session but must not call Wait or Close.
type Notifier interface {
	Notify(e Event)
}

// NotifierFunc adapts a plain function to the Notifier interface.
type NotifierFunc func(e Event)

// EventType names a session state change.
type EventType string

// Event describes one session state change. Turn and MapData are copies and safe to keep.
type Event struct {
	SessionID string
	Type      EventType

	// Turn would be filled for turn events.
	Turn models.Turn
	// Composing would be filled for EventComposing.
	Composing bool
	// MapData would be filled for EventMapSelected.
	MapData *models.MapData
}

// Session is the conversation state of one open chat page: the append-only list of turns, the composing
// flag, the speech transcript buffer and the modal map selection. All mutations go through its methods,
// and every mutation is reported to the Notifier.
type Session struct {
	id        string
	predictor Predictor
	notifier  Notifier
	interval  time.Duration

	mu         sync.Mutex
	turns      []models.Turn
	turnIdx    map[string]int
	inflight   int
	transcript string
	modal      *models.MapData
	closed     bool

	// Events wait in pending until the dispatcher hands them to the notifier. cond is bound to mu and
	// signals both new events and finished deliveries.
	pending    []Event
	queued     uint64
	delivered  uint64
	stopped    bool
	cond       *sync.Cond
	dispatched chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *slog.Logger
}

const (
	// EventTurnAppended is emitted when a turn is added to the conversation.
	EventTurnAppended EventType = "turn_appended"
	// EventTurnUpdated is emitted for each streamed character and for map attachments.
	EventTurnUpdated EventType = "turn_updated"
	// EventStreamEnded is emitted once the streamed text of a turn is exhausted.
	EventStreamEnded EventType = "stream_ended"
	// EventComposing is emitted when the composing flag flips.
	EventComposing EventType = "composing"
	// EventMapSelected is emitted when a turn's map is opened in the modal.
	EventMapSelected EventType = "map_selected"
	// EventMapClosed is emitted when the modal map is closed.
	EventMapClosed EventType = "map_closed"

	// DefaultStreamInterval is the delay between two streamed characters.
	DefaultStreamInterval = 50 * time.Millisecond

	errLoggerKey = "err"
)

var (
	// ErrTurnNotFound is returned for operations on a turn id the session doesn't know.
	ErrTurnNotFound = errors.New("turn not found")
	// ErrNoMap is returned when selecting the map of a turn that has none.
	ErrNoMap = errors.New("turn has no map data")
	// ErrMapAlreadyAttached is returned when attaching map data to a turn that already carries one.
	ErrMapAlreadyAttached = errors.New("map data already attached")
	// ErrSessionClosed is returned for operations on a torn down session.
	ErrSessionClosed = errors.New("session closed")
)

// NewSession creates an empty session. Replies are streamed one character every interval; a zero
// interval means DefaultStreamInterval.
func NewSession(id string, predictor Predictor, notifier Notifier, interval time.Duration, logger *slog.Logger) *Session {
	if interval <= 0 {
		interval = DefaultStreamInterval
	}
	if notifier == nil {
		notifier = NotifierFunc(func(Event) {})
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:         id,
		predictor:  predictor,
		notifier:   notifier,
		interval:   interval,
		turnIdx:    make(map[string]int),
		dispatched: make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
		logger:     logger.With(slog.String("module", "chat"), slog.String("sessionID", id)),
	}
	s.cond = sync.NewCond(&s.mu)

	go s.dispatch()

	return s
}

// Notify calls f(e).
func (f NotifierFunc) Notify(e Event) {
	f(e)
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// Submit appends the user's input as an outgoing turn and issues the forwarding call with the full
// history in the background. Empty or whitespace-only input is ignored and reported with false.
//
// There is no mutual exclusion: submitting while a previous call is in flight starts another call.
func (s *Session) Submit(text string) (models.Turn, bool) {
	if strings.TrimSpace(text) == "" {
		return models.Turn{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return models.Turn{}, false
	}

	turn := models.Turn{
		ID:             uuid.New().String(),
		Text:           text,
		Sender:         models.SenderUser,
		Direction:      models.DirectionOutgoing,
		Timestamp:      time.Now(),
		StreamingState: models.StreamingStateEnded,
	}
	s.appendTurn(turn)

	history := models.History(s.turns)

	s.inflight++
	if s.inflight == 1 {
		s.notify(Event{Type: EventComposing, Composing: true})
	}

	s.wg.Add(1)
	go s.forward(history)

	return turn, true
}

// Composing reports whether at least one forwarding call is in flight.
func (s *Session) Composing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.inflight > 0
}

// Turns returns a copy of the conversation in display order.
func (s *Session) Turns() []models.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()

	turns := make([]models.Turn, len(s.turns))
	for i, t := range s.turns {
		turns[i] = t.Clone()
	}
	return turns
}

// Turn returns a copy of the turn with the given id.
func (s *Session) Turn(turnID string) (models.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.turnIdx[turnID]
	if !ok {
		return models.Turn{}, ErrTurnNotFound
	}
	return s.turns[idx].Clone(), nil
}

// AttachMap attaches map data to a turn. A turn carries at most one map, and it never changes once attached.
func (s *Session) AttachMap(turnID string, data models.MapData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}

	idx, ok := s.turnIdx[turnID]
	if !ok {
		return ErrTurnNotFound
	}
	if s.turns[idx].MapData != nil {
		return ErrMapAlreadyAttached
	}

	md := data.Clone()
	s.turns[idx].MapData = &md
	s.notify(Event{Type: EventTurnUpdated, Turn: s.turns[idx].Clone()})
	return nil
}

// SelectMap opens the map of the given turn in the modal, replacing any previous selection.
func (s *Session) SelectMap(turnID string) (models.MapData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return models.MapData{}, ErrSessionClosed
	}

	idx, ok := s.turnIdx[turnID]
	if !ok {
		return models.MapData{}, ErrTurnNotFound
	}
	if s.turns[idx].MapData == nil {
		return models.MapData{}, ErrNoMap
	}

	md := s.turns[idx].MapData.Clone()
	s.modal = &md

	selected := md.Clone()
	s.notify(Event{Type: EventMapSelected, MapData: &selected})
	return md.Clone(), nil
}

// CloseMap clears the modal selection. It reports false when no map was open.
func (s *Session) CloseMap() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.modal == nil {
		return false
	}
	s.modal = nil
	if !s.closed {
		s.notify(Event{Type: EventMapClosed})
	}
	return true
}

// ModalMap returns the map currently shown in the modal, if any.
func (s *Session) ModalMap() (models.MapData, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.modal == nil {
		return models.MapData{}, false
	}
	return s.modal.Clone(), true
}

// SetTranscript stores a final speech transcript. A non-empty transcript is submitted exactly once,
// and the buffer is cleared right after.
func (s *Session) SetTranscript(text string) {
	s.mu.Lock()
	if s.closed || text == "" || text == s.transcript {
		s.mu.Unlock()
		return
	}
	s.transcript = text
	s.mu.Unlock()

	s.Submit(text)

	s.mu.Lock()
	s.transcript = ""
	s.mu.Unlock()
}

// Transcript returns the pending speech transcript.
func (s *Session) Transcript() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.transcript
}

// Close tears the session down: in-flight forwarding calls are cancelled, the stream driver stops, and
// no event is emitted once Close returns.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	s.stopped = true
	s.cond.Broadcast()
	s.mu.Unlock()

	<-s.dispatched
}

// Wait blocks until every forwarding call and stream started so far has finished, and every event they
// emitted has been delivered.
func (s *Session) Wait() {
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()

	target := s.queued
	for s.delivered < target {
		s.cond.Wait()
	}
}

func (s *Session) forward(history []models.Message) {
	defer s.wg.Done()

	pred, err := s.predictor.Predict(s.ctx, history)

	s.mu.Lock()
	s.inflight--
	if s.inflight == 0 && !s.closed {
		s.notify(Event{Type: EventComposing, Composing: false})
	}
	s.mu.Unlock()

	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.logger.Error("Failed to get prediction", slog.String(errLoggerKey, err.Error()))
		return
	}

	turnID, ok := s.appendReply()
	if !ok {
		return
	}
	s.stream(turnID, pred.Content, pred.MapData)
}

func (s *Session) appendReply() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", false
	}

	turn := models.Turn{
		ID:             uuid.New().String(),
		Sender:         models.SenderAssistant,
		Direction:      models.DirectionIncoming,
		Timestamp:      time.Now(),
		StreamingState: models.StreamingStateLoading,
	}
	s.appendTurn(turn)
	return turn.ID, true
}

// appendTurn must be called with s.mu held.
func (s *Session) appendTurn(turn models.Turn) {
	s.turnIdx[turn.ID] = len(s.turns)
	s.turns = append(s.turns, turn)
	s.notify(Event{Type: EventTurnAppended, Turn: turn.Clone()})
}

// notify queues e for the dispatcher. It must be called with s.mu held.
func (s *Session) notify(e Event) {
	e.SessionID = s.id
	s.pending = append(s.pending, e)
	s.queued++
	s.cond.Broadcast()
}

// dispatch delivers queued events in order, outside of the session lock. It returns once Close has
// stopped it and the queue is empty.
func (s *Session) dispatch() {
	defer close(s.dispatched)

	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		for len(s.pending) == 0 && !s.stopped {
			s.cond.Wait()
		}
		if len(s.pending) == 0 {
			return
		}

		events := s.pending
		s.pending = nil

		s.mu.Unlock()
		for _, e := range events {
			s.notifier.Notify(e)
		}
		s.mu.Lock()

		s.delivered += uint64(len(events))
		s.cond.Broadcast()
	}
}

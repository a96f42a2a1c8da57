package chat_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/bousai-web-ui/internal/chat"
	"github.com/MegaGrindStone/bousai-web-ui/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type predictFunc func(ctx context.Context, history []models.Message) (models.Prediction, error)

type recorder struct {
	mu     sync.Mutex
	events []chat.Event
	ch     chan chat.Event
}

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

var testMapData = models.MapData{
	Origin:         models.LatLng{Lat: 35.70, Lng: 139.41},
	Destination:    models.LatLng{Lat: 35.71, Lng: 139.42},
	Waypoints:      []models.Waypoint{},
	GeofenceCenter: models.LatLng{Lat: 35.705, Lng: 139.415},
	GeofenceRadius: 500,
}

func TestSubmitAppendsOutgoingTurn(t *testing.T) {
	var (
		mu      sync.Mutex
		history []models.Message
	)
	predictor := predictFunc(func(_ context.Context, h []models.Message) (models.Prediction, error) {
		mu.Lock()
		history = h
		mu.Unlock()
		return models.Prediction{}, errors.New("unavailable")
	})

	s := chat.NewSession("s1", predictor, nil, time.Millisecond, testLogger)
	defer s.Close()

	turn, ok := s.Submit("避難所はどこですか")
	require.True(t, ok)

	turns := s.Turns()
	require.Len(t, turns, 1)
	assert.Equal(t, turn.ID, turns[0].ID)
	assert.Equal(t, "避難所はどこですか", turns[0].Text)
	assert.Equal(t, models.SenderUser, turns[0].Sender)
	assert.Equal(t, models.DirectionOutgoing, turns[0].Direction)
	assert.Nil(t, turns[0].MapData)

	s.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []models.Message{{Role: models.RoleUser, Content: "避難所はどこですか"}}, history)
}

func TestSubmitIgnoresBlankInput(t *testing.T) {
	called := false
	predictor := predictFunc(func(context.Context, []models.Message) (models.Prediction, error) {
		called = true
		return models.Prediction{}, nil
	})

	s := chat.NewSession("s1", predictor, nil, time.Millisecond, testLogger)
	defer s.Close()

	for _, input := range []string{"", " ", "\n\t ", "　"} {
		_, ok := s.Submit(input)
		assert.False(t, ok, "input %q", input)
	}
	s.Wait()

	assert.Empty(t, s.Turns())
	assert.False(t, s.Composing())
	assert.False(t, called)
}

func TestComposingOverlappingCalls(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	predictor := predictFunc(func(ctx context.Context, _ []models.Message) (models.Prediction, error) {
		started <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
			return models.Prediction{}, ctx.Err()
		}
		return models.Prediction{Content: "ok"}, nil
	})

	rec := &recorder{}
	s := chat.NewSession("s1", predictor, rec, time.Millisecond, testLogger)
	defer s.Close()

	assert.False(t, s.Composing())

	_, ok := s.Submit("first")
	require.True(t, ok)
	assert.True(t, s.Composing())

	_, ok = s.Submit("second")
	require.True(t, ok)
	<-started
	<-started

	release <- struct{}{}
	assert.Eventually(t, func() bool {
		return len(rec.assistantTurns()) == 1
	}, time.Second, time.Millisecond)
	assert.True(t, s.Composing(), "second call is still in flight")

	release <- struct{}{}
	s.Wait()
	assert.False(t, s.Composing())

	var flips []bool
	for _, e := range rec.all() {
		if e.Type == chat.EventComposing {
			flips = append(flips, e.Composing)
		}
	}
	assert.Equal(t, []bool{true, false}, flips)
}

func TestStreamedDisplay(t *testing.T) {
	reply := "最寄りの避難所は"
	predictor := predictFunc(func(context.Context, []models.Message) (models.Prediction, error) {
		md := testMapData.Clone()
		return models.Prediction{Content: reply, MapData: &md}, nil
	})

	rec := &recorder{}
	s := chat.NewSession("s1", predictor, rec, time.Millisecond, testLogger)
	defer s.Close()

	_, ok := s.Submit("避難所はどこですか")
	require.True(t, ok)
	s.Wait()

	turns := s.Turns()
	require.Len(t, turns, 2)
	last := turns[1]
	assert.Equal(t, reply, last.Text)
	assert.Equal(t, models.SenderAssistant, last.Sender)
	assert.Equal(t, models.DirectionIncoming, last.Direction)
	assert.Equal(t, models.StreamingStateEnded, last.StreamingState)
	require.NotNil(t, last.MapData)
	assert.Equal(t, testMapData, *last.MapData)

	var updates []chat.Event
	ended := 0
	for _, e := range rec.all() {
		if e.Turn.ID != last.ID {
			continue
		}
		switch e.Type {
		case chat.EventTurnUpdated:
			require.Zero(t, ended, "update after stream ended")
			updates = append(updates, e)
		case chat.EventStreamEnded:
			ended++
			require.NotNil(t, e.Turn.MapData)
		}
	}
	assert.Equal(t, 1, ended)

	runes := []rune(reply)
	require.Len(t, updates, len(runes))
	for i, e := range updates {
		assert.Equal(t, string(runes[:i+1]), e.Turn.Text)
		assert.Nil(t, e.Turn.MapData, "map data is attached only after the last character")
	}
}

func TestStreamedDisplayWithoutMap(t *testing.T) {
	predictor := predictFunc(func(context.Context, []models.Message) (models.Prediction, error) {
		return models.Prediction{Content: "はい"}, nil
	})

	s := chat.NewSession("s1", predictor, nil, time.Millisecond, testLogger)
	defer s.Close()

	s.Submit("安全ですか")
	s.Wait()

	turns := s.Turns()
	require.Len(t, turns, 2)
	assert.Equal(t, "はい", turns[1].Text)
	assert.Nil(t, turns[1].MapData)
}

func TestForwardFailureLeavesHistory(t *testing.T) {
	predictor := predictFunc(func(context.Context, []models.Message) (models.Prediction, error) {
		return models.Prediction{}, errors.New("status 500")
	})

	rec := &recorder{}
	s := chat.NewSession("s1", predictor, rec, time.Millisecond, testLogger)
	defer s.Close()

	s.Submit("避難所はどこですか")
	s.Wait()

	assert.Len(t, s.Turns(), 1)
	assert.False(t, s.Composing())
	assert.Empty(t, rec.assistantTurns())
}

func TestEndToEndPrediction(t *testing.T) {
	var got []models.Message
	predictor := predictFunc(func(_ context.Context, h []models.Message) (models.Prediction, error) {
		got = h
		return models.Prediction{Content: "最寄りの避難所は..."}, nil
	})

	s := chat.NewSession("s1", predictor, nil, time.Millisecond, testLogger)
	defer s.Close()

	s.Submit("避難所はどこですか")
	s.Wait()
	s.Submit("ありがとう")
	s.Wait()

	assert.False(t, s.Composing())
	assert.Equal(t, []models.Message{
		{Role: models.RoleUser, Content: "避難所はどこですか"},
		{Role: models.RoleAssistant, Content: "最寄りの避難所は..."},
		{Role: models.RoleUser, Content: "ありがとう"},
	}, got)
}

func TestAttachMapIsImmutable(t *testing.T) {
	predictor := predictFunc(func(context.Context, []models.Message) (models.Prediction, error) {
		return models.Prediction{}, errors.New("down")
	})

	s := chat.NewSession("s1", predictor, nil, time.Millisecond, testLogger)
	defer s.Close()

	turn, _ := s.Submit("道を教えて")
	s.Wait()

	data := testMapData.Clone()
	data.Waypoints = append(data.Waypoints, models.Waypoint{Location: models.LatLng{Lat: 35.702, Lng: 139.412}})
	require.NoError(t, s.AttachMap(turn.ID, data))

	other := testMapData.Clone()
	other.GeofenceRadius = 1000
	assert.ErrorIs(t, s.AttachMap(turn.ID, other), chat.ErrMapAlreadyAttached)
	assert.ErrorIs(t, s.AttachMap("unknown", other), chat.ErrTurnNotFound)

	// Mutating the caller's copy or a returned copy must not leak into the session.
	data.Waypoints[0].Location.Lat = 0
	got, err := s.Turn(turn.ID)
	require.NoError(t, err)
	got.MapData.Waypoints[0].Location.Lng = 0
	got.MapData.GeofenceRadius = 1

	again, err := s.Turn(turn.ID)
	require.NoError(t, err)
	require.NotNil(t, again.MapData)
	assert.Equal(t, 500.0, again.MapData.GeofenceRadius)
	assert.Equal(t, models.LatLng{Lat: 35.702, Lng: 139.412}, again.MapData.Waypoints[0].Location)
}

func TestModalMapSelection(t *testing.T) {
	predictor := predictFunc(func(context.Context, []models.Message) (models.Prediction, error) {
		md := testMapData.Clone()
		return models.Prediction{Content: "こちらです", MapData: &md}, nil
	})

	rec := &recorder{}
	s := chat.NewSession("s1", predictor, rec, time.Millisecond, testLogger)
	defer s.Close()

	userTurn, _ := s.Submit("安全な道を教えて")
	s.Wait()

	turns := s.Turns()
	require.Len(t, turns, 2)

	_, err := s.SelectMap(userTurn.ID)
	assert.ErrorIs(t, err, chat.ErrNoMap)
	_, err = s.SelectMap("unknown")
	assert.ErrorIs(t, err, chat.ErrTurnNotFound)

	selected, err := s.SelectMap(turns[1].ID)
	require.NoError(t, err)
	assert.Equal(t, testMapData, selected)

	modal, ok := s.ModalMap()
	require.True(t, ok)
	assert.Equal(t, testMapData, modal)

	assert.True(t, s.CloseMap())
	_, ok = s.ModalMap()
	assert.False(t, ok)
	assert.False(t, s.CloseMap(), "second close is a no-op")
	s.Wait()

	closes := 0
	for _, e := range rec.all() {
		if e.Type == chat.EventMapClosed {
			closes++
		}
	}
	assert.Equal(t, 1, closes)
}

func TestSlowNotifierDoesNotBlockSession(t *testing.T) {
	predictor := predictFunc(func(context.Context, []models.Message) (models.Prediction, error) {
		return models.Prediction{}, errors.New("down")
	})

	var (
		s       *chat.Session
		release = make(chan struct{})
		rec     = &recorder{}
		seen    []int
	)
	notifier := chat.NotifierFunc(func(e chat.Event) {
		<-release
		// Reading the session from the notifier must not deadlock.
		seen = append(seen, len(s.Turns()))
		rec.Notify(e)
	})

	s = chat.NewSession("s1", predictor, notifier, time.Millisecond, testLogger)
	defer s.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Submit("first")
		s.Submit("second")
		s.Composing()
		s.Turns()
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("session calls stalled behind a blocked notifier")
	}

	close(release)
	s.Wait()

	events := rec.all()
	require.GreaterOrEqual(t, len(events), 4)
	assert.Equal(t, chat.EventTurnAppended, events[0].Type)
	assert.Equal(t, "first", events[0].Turn.Text)
	assert.Equal(t, chat.EventComposing, events[1].Type)
	assert.True(t, events[1].Composing)

	var texts []string
	for _, e := range events {
		assert.Equal(t, "s1", e.SessionID)
		if e.Type == chat.EventTurnAppended {
			texts = append(texts, e.Turn.Text)
		}
	}
	assert.Equal(t, []string{"first", "second"}, texts)

	last := events[len(events)-1]
	assert.Equal(t, chat.EventComposing, last.Type)
	assert.False(t, last.Composing)
	assert.Len(t, seen, len(events))
}

func TestSetTranscriptSubmitsOnce(t *testing.T) {
	var (
		mu    sync.Mutex
		calls [][]models.Message
	)
	predictor := predictFunc(func(_ context.Context, h []models.Message) (models.Prediction, error) {
		mu.Lock()
		calls = append(calls, h)
		mu.Unlock()
		return models.Prediction{}, errors.New("down")
	})

	s := chat.NewSession("s1", predictor, nil, time.Millisecond, testLogger)
	defer s.Close()

	s.SetTranscript("安全な道を教えて")
	assert.Empty(t, s.Transcript())
	s.Wait()

	s.SetTranscript("")
	s.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, calls, 1)
	assert.Equal(t, "安全な道を教えて", calls[0][len(calls[0])-1].Content)

	turns := s.Turns()
	require.Len(t, turns, 1)
	assert.Equal(t, "安全な道を教えて", turns[0].Text)
}

func TestCloseStopsStream(t *testing.T) {
	predictor := predictFunc(func(context.Context, []models.Message) (models.Prediction, error) {
		return models.Prediction{Content: "とても長い返答がここに続きます。避難してください。"}, nil
	})

	rec := &recorder{ch: make(chan chat.Event, 64)}
	s := chat.NewSession("s1", predictor, rec, 5*time.Millisecond, testLogger)

	s.Submit("どうすれば")

	for e := range rec.ch {
		if e.Type == chat.EventTurnUpdated {
			break
		}
	}
	s.Close()

	count := len(rec.all())
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, count, len(rec.all()), "no events after Close")

	_, ok := s.Submit("まだ？")
	assert.False(t, ok)
	assert.Equal(t, models.StreamingStateStreaming, s.Turns()[1].StreamingState)
}

func TestCloseCancelsForward(t *testing.T) {
	predictor := predictFunc(func(ctx context.Context, _ []models.Message) (models.Prediction, error) {
		<-ctx.Done()
		return models.Prediction{}, ctx.Err()
	})

	s := chat.NewSession("s1", predictor, nil, time.Millisecond, testLogger)
	s.Submit("hung upstream")
	assert.True(t, s.Composing())

	s.Close()
	assert.False(t, s.Composing())
	assert.Len(t, s.Turns(), 1)
}

func TestRegistry(t *testing.T) {
	predictor := predictFunc(func(context.Context, []models.Message) (models.Prediction, error) {
		return models.Prediction{}, nil
	})

	r := chat.NewRegistry(predictor, nil, time.Millisecond, testLogger)

	s1 := r.Create()
	s2 := r.Create()
	assert.NotEqual(t, s1.ID(), s2.ID())
	assert.Equal(t, 2, r.Len())

	got, ok := r.Get(s1.ID())
	require.True(t, ok)
	assert.Same(t, s1, got)

	r.Remove(s1.ID())
	_, ok = r.Get(s1.ID())
	assert.False(t, ok)
	_, ok = s1.Submit("closed")
	assert.False(t, ok)

	r.Remove("unknown")

	r.Close()
	assert.Zero(t, r.Len())
	_, ok = s2.Submit("closed")
	assert.False(t, ok)
}

func (f predictFunc) Predict(ctx context.Context, history []models.Message) (models.Prediction, error) {
	return f(ctx, history)
}

func (r *recorder) Notify(e chat.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()

	if r.ch != nil {
		select {
		case r.ch <- e:
		default:
		}
	}
}

func (r *recorder) all() []chat.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]chat.Event(nil), r.events...)
}

func (r *recorder) assistantTurns() []chat.Event {
	var evs []chat.Event
	for _, e := range r.all() {
		if e.Type == chat.EventTurnAppended && e.Turn.Sender == models.SenderAssistant {
			evs = append(evs, e)
		}
	}
	return evs
}

package handlers

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"time"

	bousaiwebui "github.com/MegaGrindStone/bousai-web-ui"
	"github.com/MegaGrindStone/bousai-web-ui/internal/chat"
	"github.com/MegaGrindStone/bousai-web-ui/internal/models"
	"github.com/MegaGrindStone/bousai-web-ui/internal/routemap"
	"github.com/tmaxmax/go-sse"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/extension"
)

// Forwarder relays a raw prediction request body to the prediction endpoint and returns the raw
// response body.
type Forwarder interface {
	Forward(ctx context.Context, body []byte) ([]byte, error)
}

// MapRenderer projects the map data of a turn into a drawable view.
type MapRenderer interface {
	Render(ctx context.Context, data models.MapData, mode routemap.Mode) routemap.View
}

// Main handles the web surface of the assistant: the chat page, its event stream, the prediction proxy,
// the speech socket and the map endpoints. Every open page owns one chat session, and every change of
// that session is pushed to the page through server-sent events.
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template

	sessions  *chat.Registry
	streams   *streamWatch
	speech    *speechHub
	forwarder Forwarder
	renderer  MapRenderer

	mapsAPIKey string

	logger *slog.Logger
}

// publisher turns session events into server-sent events. It is the chat.Notifier of every session and
// runs on each session's dispatcher goroutine, so a slow page only delays its own session's events.
type publisher struct {
	sseSrv    *sse.Server
	templates *template.Template
	logger    *slog.Logger
}

const (
	errLoggerKey = "err"

	shutdownTimeout = 5 * time.Second
)

// SSE event types for real-time updates.
const (
	turnSSEType      = "turn"
	composingSSEType = "composing"
	speechSSEType    = "speech"
	closeSSEType     = "closeChat"
)

// NewMain creates a new Main instance. predictor issues the forwarding call of every chat session, and
// forwarder serves the prediction proxy endpoint. Replies are streamed one character every
// streamInterval. It parses the HTML templates from the embedded filesystem.
func NewMain(
	predictor chat.Predictor,
	forwarder Forwarder,
	renderer MapRenderer,
	mapsAPIKey string,
	streamInterval time.Duration,
	logger *slog.Logger,
) (Main, error) {
	tmpl, err := parseTemplates()
	if err != nil {
		return Main{}, err
	}

	sseSrv := &sse.Server{
		OnSession: func(s *sse.Session) (sse.Subscription, bool) {
			// HandleSSE has already checked that the session exists.
			sessionID := s.Req.URL.Query().Get("session_id")

			return sse.Subscription{
				Client:      s,
				LastEventID: s.LastEventID,
				Topics:      []string{sse.DefaultTopic, sessionTopic(sessionID)},
			}, true
		},
	}

	logger = logger.With(slog.String("module", "main"))
	pub := publisher{
		sseSrv:    sseSrv,
		templates: tmpl,
		logger:    logger,
	}

	return Main{
		sseSrv:     sseSrv,
		templates:  tmpl,
		sessions:   chat.NewRegistry(predictor, pub, streamInterval, logger),
		streams:    newStreamWatch(streamConnectTimeout),
		speech:     newSpeechHub(),
		forwarder:  forwarder,
		renderer:   renderer,
		mapsAPIKey: mapsAPIKey,
		logger:     logger,
	}, nil
}

func (m Main) publisher() publisher {
	return publisher{
		sseSrv:    m.sseSrv,
		templates: m.templates,
		logger:    m.logger,
	}
}

func parseTemplates() (*template.Template, error) {
	md := goldmark.New(
		goldmark.WithExtensions(
			extension.GFM,
			highlighting.NewHighlighting(highlighting.WithStyle("github")),
		),
	)

	funcs := template.FuncMap{
		"markdown": func(s string) (template.HTML, error) {
			var buf bytes.Buffer
			if err := md.Convert([]byte(s), &buf); err != nil {
				return "", err
			}
			// goldmark's default renderer drops raw HTML and leaves an HTML comment in its place.
			return template.HTML(buf.String()), nil
		},
		"turnID": turnElementID,
	}

	// We parse templates from three distinct directories to separate layout, pages, and partial views
	return template.New("").Funcs(funcs).ParseFS(
		bousaiwebui.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
}

func sessionTopic(sessionID string) string {
	return fmt.Sprintf("session-%s", sessionID)
}

func turnElementID(turnID string) string {
	return fmt.Sprintf("turn-%s", turnID)
}

// Shutdown gracefully terminates the Main instance. It tears down every chat session, broadcasts a close
// message to all connected clients and waits up to 5 seconds for connections to terminate. After the
// timeout, any remaining connections are forcefully closed.
func (m Main) Shutdown(ctx context.Context) error {
	m.streams.stopAll()
	m.speech.closeAll()
	m.sessions.Close()

	e := &sse.Message{Type: sse.Type(closeSSEType)}
	// An event without data is never dispatched by the browser
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway
	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}

// Notify publishes a session change to the page that owns the session.
func (p publisher) Notify(e chat.Event) {
	switch e.Type {
	case chat.EventTurnAppended, chat.EventTurnUpdated, chat.EventStreamEnded:
		html, err := renderTurn(p.templates, e.SessionID, e.Turn)
		if err != nil {
			p.logger.Error("Failed to render turn",
				slog.String("turnID", e.Turn.ID),
				slog.String(errLoggerKey, err.Error()))
			return
		}
		p.publish(e.SessionID, turnSSEType, html)
	case chat.EventComposing:
		p.publish(e.SessionID, composingSSEType, fmt.Sprintf("%t", e.Composing))
	case chat.EventMapSelected, chat.EventMapClosed:
		// The modal is driven by the responses of the map endpoints.
	}
}

func (p publisher) publish(sessionID, typ, data string) {
	msg := sse.Message{
		Type: sse.Type(typ),
	}
	msg.AppendData(data)
	if err := p.sseSrv.Publish(&msg, sessionTopic(sessionID)); err != nil {
		p.logger.Error("Failed to publish event",
			slog.String("sessionID", sessionID),
			slog.String("type", typ),
			slog.String(errLoggerKey, err.Error()))
	}
}

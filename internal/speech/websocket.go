package speech

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSRecognizer is a Recognizer backed by the page's own speech recognition, reached over a WebSocket.
// The page announces its capability in the first frame, then streams recognition results and reports
// when its engine ends recognition on its own. The server sends start and stop commands.
type WSRecognizer struct {
	conn      *websocket.Conn
	available bool

	results chan Result
	done    chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once

	logger *slog.Logger
}

type frame struct {
	Type string `json:"type"`

	// Available would be filled for capability frames.
	Available bool `json:"available,omitempty"`

	// Transcript and Final would be filled for result frames.
	Transcript string `json:"transcript,omitempty"`
	Final      bool   `json:"final,omitempty"`

	// Lang and Continuous would be filled for start frames.
	Lang       string `json:"lang,omitempty"`
	Continuous bool   `json:"continuous,omitempty"`
}

const (
	frameCapability = "capability"
	frameResult     = "result"
	frameStart      = "start"
	frameStop       = "stop"
	frameEnd        = "end"

	handshakeTimeout = 10 * time.Second
	writeTimeout     = 5 * time.Second

	errLoggerKey = "err"
)

// NewWSRecognizer reads the capability frame from conn and starts reading results. It fails when the
// page doesn't announce its capability within the handshake timeout.
func NewWSRecognizer(conn *websocket.Conn, logger *slog.Logger) (*WSRecognizer, error) {
	if err := conn.SetReadDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return nil, fmt.Errorf("failed to set read deadline: %w", err)
	}

	var f frame
	if err := conn.ReadJSON(&f); err != nil {
		return nil, fmt.Errorf("failed to read capability: %w", err)
	}
	if f.Type != frameCapability {
		return nil, fmt.Errorf("expected capability frame, got %q", f.Type)
	}

	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("failed to reset read deadline: %w", err)
	}

	r := &WSRecognizer{
		conn:      conn,
		available: f.Available,
		results:   make(chan Result),
		done:      make(chan struct{}),
		logger:    logger.With(slog.String("module", "ws-recognizer")),
	}
	go r.readLoop()

	return r, nil
}

// Available reports the capability announced by the page.
func (r *WSRecognizer) Available() bool {
	return r.available
}

// Start asks the page to start continuous recognition in lang.
func (r *WSRecognizer) Start(lang string) error {
	return r.write(frame{Type: frameStart, Lang: lang, Continuous: true})
}

// Stop asks the page to stop recognition.
func (r *WSRecognizer) Stop() error {
	return r.write(frame{Type: frameStop})
}

// Results returns the channel of recognition results. It is closed when the connection ends.
func (r *WSRecognizer) Results() <-chan Result {
	return r.results
}

// Close closes the connection and stops delivering results.
func (r *WSRecognizer) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		err = r.conn.Close()
	})
	return err
}

func (r *WSRecognizer) write(f frame) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	select {
	case <-r.done:
		return errors.New("recognizer closed")
	default:
	}

	if err := r.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := r.conn.WriteJSON(f); err != nil {
		return fmt.Errorf("failed to write %s frame: %w", f.Type, err)
	}
	return nil
}

func (r *WSRecognizer) readLoop() {
	defer close(r.results)

	for {
		var f frame
		if err := r.conn.ReadJSON(&f); err != nil {
			r.logger.Debug("Connection ended", slog.String(errLoggerKey, err.Error()))
			return
		}

		var res Result
		switch f.Type {
		case frameResult:
			res = Result{Transcript: f.Transcript, Final: f.Final}
		case frameEnd:
			res = Result{Ended: true}
		default:
			continue
		}

		select {
		case r.results <- res:
		case <-r.done:
			return
		}
	}
}

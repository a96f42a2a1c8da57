// Package speech connects a speech recognition engine to a conversation. The engine is an injected
// Recognizer, so the bridge works the same with the browser's recognizer behind a WebSocket and with a
// fake in tests. Only final results reach the conversation; interim results are live feedback.
package speech

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Lang is the only recognition locale.
const Lang = "ja-JP"

// Result is one recognition result. Final is the engine's finality flag. Ended marks the engine ending
// recognition on its own, such as after a long silence, and carries no transcript.
type Result struct {
	Transcript string
	Final      bool
	Ended      bool
}

// Recognizer is a speech recognition capability. Available is fixed for the recognizer's lifetime.
// Results delivers results asynchronously and is closed when the engine goes away.
type Recognizer interface {
	Available() bool
	Start(lang string) error
	Stop() error
	Results() <-chan Result
}

// TranscriptSink receives final transcripts. chat.Session implements it.
type TranscriptSink interface {
	SetTranscript(text string)
}

// State is a snapshot of the bridge, published to the page as live feedback.
type State struct {
	Available bool
	Listening bool
	Interim   string
}

// Bridge drives one recognizer on behalf of one conversation. At most one recognition session is
// active at a time, enforced by the listening flag.
type Bridge struct {
	recognizer Recognizer
	sink       TranscriptSink
	available  bool
	onChange   func(State)

	mu        sync.Mutex
	listening bool
	interim   string

	logger *slog.Logger
}

// NewBridge creates a bridge between rec and sink. Availability is read from rec once, here. onChange,
// when not nil, is called after every state change.
func NewBridge(rec Recognizer, sink TranscriptSink, onChange func(State), logger *slog.Logger) *Bridge {
	return &Bridge{
		recognizer: rec,
		sink:       sink,
		available:  rec.Available(),
		onChange:   onChange,
		logger:     logger.With(slog.String("module", "speech")),
	}
}

// Available reports whether the recognizer can be used at all.
func (b *Bridge) Available() bool {
	return b.available
}

// Listening reports whether a recognition session is active.
func (b *Bridge) Listening() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.listening
}

// Interim returns the latest non-final transcript of the active recognition session.
func (b *Bridge) Interim() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.interim
}

// Toggle starts continuous recognition when idle and stops it when listening. It does nothing when the
// recognizer is unavailable.
func (b *Bridge) Toggle() error {
	if !b.available {
		return nil
	}

	b.mu.Lock()
	if b.listening {
		if err := b.recognizer.Stop(); err != nil {
			b.mu.Unlock()
			return fmt.Errorf("failed to stop recognition: %w", err)
		}
		b.listening = false
		b.interim = ""
	} else {
		if err := b.recognizer.Start(Lang); err != nil {
			b.mu.Unlock()
			return fmt.Errorf("failed to start recognition: %w", err)
		}
		b.listening = true
	}
	st := b.stateLocked()
	b.mu.Unlock()

	b.changed(st)
	return nil
}

// State returns a snapshot of the bridge.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.stateLocked()
}

// Run consumes recognition results until ctx is done or the recognizer's result channel is closed.
// Each final result is handed to the sink exactly once. A closed channel silently ends listening.
func (b *Bridge) Run(ctx context.Context) {
	results := b.recognizer.Results()
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-results:
			if !ok {
				b.logger.Debug("Recognizer closed")
				b.mu.Lock()
				b.listening = false
				b.interim = ""
				st := b.stateLocked()
				b.mu.Unlock()
				b.changed(st)
				return
			}
			b.handle(res)
		}
	}
}

func (b *Bridge) handle(res Result) {
	if res.Ended {
		b.ended()
		return
	}

	b.mu.Lock()
	if res.Final {
		b.interim = ""
	} else {
		b.interim = res.Transcript
	}
	st := b.stateLocked()
	b.mu.Unlock()

	b.changed(st)

	if res.Final {
		b.sink.SetTranscript(res.Transcript)
	}
}

func (b *Bridge) ended() {
	b.mu.Lock()
	if !b.listening {
		b.mu.Unlock()
		return
	}
	b.listening = false
	b.interim = ""
	st := b.stateLocked()
	b.mu.Unlock()

	b.logger.Debug("Recognition ended by the engine")
	b.changed(st)
}

func (b *Bridge) stateLocked() State {
	return State{
		Available: b.available,
		Listening: b.listening,
		Interim:   b.interim,
	}
}

func (b *Bridge) changed(st State) {
	if b.onChange != nil {
		b.onChange(st)
	}
}

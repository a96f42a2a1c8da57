package models

import (
	"slices"
	"time"
)

// Turn represents one message unit in a conversation, authored either by the user or by the assistant.
// Text is mutable while an assistant reply is being streamed into it; everything else is fixed once the
// turn is appended, except MapData which may be attached exactly once.
type Turn struct {
	ID        string
	Text      string
	Sender    Sender
	Direction Direction
	// MapData would be filled only on assistant turns that carry a route.
	MapData   *MapData
	Timestamp time.Time

	StreamingState StreamingState
}

// Sender identifies who authored a turn.
type Sender string

// Direction tells on which side of the thread a turn is rendered.
type Direction string

// StreamingState tracks the display progress of a turn.
type StreamingState string

const (
	// SenderUser marks turns typed or spoken by the user.
	SenderUser Sender = "user"
	// SenderAssistant marks turns produced from a prediction reply.
	SenderAssistant Sender = "assistant"

	// DirectionIncoming turns are rendered on the left (assistant).
	DirectionIncoming Direction = "incoming"
	// DirectionOutgoing turns are rendered on the right (user).
	DirectionOutgoing Direction = "outgoing"

	// StreamingStateLoading is the state of an assistant turn before its first character arrives.
	StreamingStateLoading StreamingState = "loading"
	// StreamingStateStreaming is the state of an assistant turn while characters are being appended.
	StreamingStateStreaming StreamingState = "streaming"
	// StreamingStateEnded is the state of every user turn and of fully displayed assistant turns.
	StreamingStateEnded StreamingState = "ended"
)

// LatLng is a WGS 84 coordinate.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Waypoint is an intermediate stop of a route.
type Waypoint struct {
	Location LatLng `json:"location"`
}

// MapData describes a route overlay attached to an assistant turn: a walking route from Origin to
// Destination through Waypoints, and a circular geofence of GeofenceRadius meters around GeofenceCenter.
// It is treated as an immutable value; use Clone before handing it to code that may keep a reference.
type MapData struct {
	Origin         LatLng     `json:"origin"`
	Destination    LatLng     `json:"destination"`
	Waypoints      []Waypoint `json:"waypoints"`
	GeofenceCenter LatLng     `json:"geofenceCenter"`
	GeofenceRadius float64    `json:"geofenceRadius"`
}

// Clone returns a deep copy of the map data.
func (m MapData) Clone() MapData {
	m.Waypoints = slices.Clone(m.Waypoints)
	return m
}

// Clone returns a deep copy of the turn, including its map data.
func (t Turn) Clone() Turn {
	if t.MapData != nil {
		md := t.MapData.Clone()
		t.MapData = &md
	}
	return t
}

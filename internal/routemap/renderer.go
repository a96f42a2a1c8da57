// Package routemap projects the map data of an assistant turn into what the browser draws: a walking
// route between two points and a circular geofence, either inline next to the message or in a
// full-screen modal. Routing is delegated to a Directions service; drawing is left to the maps
// JavaScript API in the page.
package routemap

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/MegaGrindStone/bousai-web-ui/internal/models"
)

// Mode selects one of the two presentations of a map.
type Mode string

// Directions looks up a walking route from origin to destination through the waypoints, in order.
type Directions interface {
	WalkingRoute(ctx context.Context, origin, destination models.LatLng, waypoints []models.LatLng) (Route, error)
}

// Route is a routed path with its turn-by-turn instructions.
type Route struct {
	Path  []models.LatLng `json:"path"`
	Steps []Step          `json:"steps"`
}

// Step is one turn-by-turn instruction. Instruction is HTML as returned by the routing service.
type Step struct {
	Instruction string `json:"instruction"`
	Distance    string `json:"distance"`
}

// Circle is a filled circular overlay.
type Circle struct {
	Center        models.LatLng `json:"center"`
	Radius        float64       `json:"radius"`
	StrokeColor   string        `json:"strokeColor"`
	StrokeOpacity float64       `json:"strokeOpacity"`
	StrokeWeight  int           `json:"strokeWeight"`
	FillColor     string        `json:"fillColor"`
	FillOpacity   float64       `json:"fillOpacity"`
}

// View is everything needed to draw one map. Route is nil when routing failed; markers and the geofence
// are always present.
type View struct {
	Mode             Mode            `json:"mode"`
	Width            string          `json:"width"`
	Height           string          `json:"height"`
	Center           models.LatLng   `json:"center"`
	Zoom             int             `json:"zoom"`
	MapTypeID        string          `json:"mapTypeId"`
	Tilt             int             `json:"tilt"`
	DisableDefaultUI bool            `json:"disableDefaultUI"`
	Clickable        bool            `json:"clickable"`
	ShowPanel        bool            `json:"showPanel"`
	Markers          []models.LatLng `json:"markers"`
	Geofence         Circle          `json:"geofence"`
	Route            *Route          `json:"route,omitempty"`
}

// Renderer builds map views. Successfully routed paths are cached per route, so the compact and modal
// presentations of the same map data share a single Directions lookup.
type Renderer struct {
	directions Directions

	mu     sync.Mutex
	routes map[string]Route

	logger *slog.Logger
}

const (
	// ModeCompact is the small inline map shown inside a chat turn.
	ModeCompact Mode = "compact"
	// ModeModal is the expanded full-screen map.
	ModeModal Mode = "modal"

	geofenceColor = "#FF0000"

	maxCachedRoutes = 256

	errLoggerKey = "err"
)

// NewRenderer creates a Renderer backed by the given Directions service.
func NewRenderer(directions Directions, logger *slog.Logger) *Renderer {
	return &Renderer{
		directions: directions,
		routes:     make(map[string]Route),
		logger:     logger.With(slog.String("module", "routemap")),
	}
}

// Render projects data into a view for the given mode. A routing failure is logged and leaves the
// view without a route; it never fails the render.
func (r *Renderer) Render(ctx context.Context, data models.MapData, mode Mode) View {
	v := baseView(mode)
	v.Center = data.Origin
	v.Markers = []models.LatLng{data.Origin, data.Destination}
	v.Geofence.Center = data.GeofenceCenter
	v.Geofence.Radius = data.GeofenceRadius

	route, err := r.route(ctx, data)
	if err != nil {
		r.logger.Error("Directions request failed",
			slog.String("mode", string(mode)),
			slog.String(errLoggerKey, err.Error()))
		return v
	}
	v.Route = &route

	return v
}

func baseView(mode Mode) View {
	if mode == ModeModal {
		return View{
			Mode:      ModeModal,
			Width:     "100%",
			Height:    "100%",
			Zoom:      14,
			MapTypeID: "satellite",
			Tilt:      45,
			ShowPanel: true,
			Geofence: Circle{
				StrokeColor:   geofenceColor,
				StrokeOpacity: 0.8,
				StrokeWeight:  2,
				FillColor:     geofenceColor,
				FillOpacity:   0.35,
			},
		}
	}

	return View{
		Mode:             ModeCompact,
		Width:            "600px",
		Height:           "350px",
		Zoom:             15,
		MapTypeID:        "roadmap",
		DisableDefaultUI: true,
		Clickable:        true,
		Geofence: Circle{
			StrokeColor:   geofenceColor,
			StrokeOpacity: 0.8,
			StrokeWeight:  2,
			FillColor:     geofenceColor,
			FillOpacity:   0.2,
		},
	}
}

func (r *Renderer) route(ctx context.Context, data models.MapData) (Route, error) {
	key := routeKey(data)

	r.mu.Lock()
	cached, ok := r.routes[key]
	r.mu.Unlock()
	if ok {
		return cached, nil
	}

	waypoints := make([]models.LatLng, len(data.Waypoints))
	for i, wp := range data.Waypoints {
		waypoints[i] = wp.Location
	}

	route, err := r.directions.WalkingRoute(ctx, data.Origin, data.Destination, waypoints)
	if err != nil {
		return Route{}, err
	}

	r.mu.Lock()
	if len(r.routes) >= maxCachedRoutes {
		r.routes = make(map[string]Route)
	}
	r.routes[key] = route
	r.mu.Unlock()

	return route, nil
}

func routeKey(data models.MapData) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%g,%g|%g,%g", data.Origin.Lat, data.Origin.Lng, data.Destination.Lat, data.Destination.Lng)
	for _, wp := range data.Waypoints {
		fmt.Fprintf(&sb, "|%g,%g", wp.Location.Lat, wp.Location.Lng)
	}
	return sb.String()
}

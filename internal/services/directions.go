package services

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/MegaGrindStone/bousai-web-ui/internal/models"
	"github.com/MegaGrindStone/bousai-web-ui/internal/routemap"
	"googlemaps.github.io/maps"
)

// statusZeroResults is the status the Directions API reports when no route connects the points. The
// maps client returns it as an empty route list without an error.
const statusZeroResults = "ZERO_RESULTS"

// Directions implements routemap.Directions with the Google Maps Directions API.
type Directions struct {
	client *maps.Client

	logger *slog.Logger
}

// NewDirections creates a new Directions client authenticated with the given Maps API key. Extra client
// options, such as maps.WithBaseURL, are applied after the key.
func NewDirections(apiKey string, logger *slog.Logger, opts ...maps.ClientOption) (Directions, error) {
	opts = append([]maps.ClientOption{maps.WithAPIKey(apiKey)}, opts...)
	client, err := maps.NewClient(opts...)
	if err != nil {
		return Directions{}, fmt.Errorf("failed to create maps client: %w", err)
	}

	return Directions{
		client: client,
		logger: logger.With(slog.String("module", "directions")),
	}, nil
}

// WalkingRoute requests a walking route and returns the first route found, decoded into a path and its
// turn-by-turn steps. The returned error carries the status of the Directions API on failure.
func (d Directions) WalkingRoute(
	ctx context.Context,
	origin, destination models.LatLng,
	waypoints []models.LatLng,
) (routemap.Route, error) {
	req := &maps.DirectionsRequest{
		Origin:      latLngParam(origin),
		Destination: latLngParam(destination),
		Mode:        maps.TravelModeWalking,
	}
	for _, wp := range waypoints {
		req.Waypoints = append(req.Waypoints, latLngParam(wp))
	}

	routes, _, err := d.client.Directions(ctx, req)
	if err != nil {
		return routemap.Route{}, fmt.Errorf("error requesting directions: %w", err)
	}
	if len(routes) == 0 {
		return routemap.Route{}, fmt.Errorf("no routes found: %s", statusZeroResults)
	}

	points, err := routes[0].OverviewPolyline.Decode()
	if err != nil {
		return routemap.Route{}, fmt.Errorf("error decoding polyline: %w", err)
	}

	route := routemap.Route{
		Path: make([]models.LatLng, len(points)),
	}
	for i, p := range points {
		route.Path[i] = models.LatLng{Lat: p.Lat, Lng: p.Lng}
	}
	for _, leg := range routes[0].Legs {
		for _, step := range leg.Steps {
			route.Steps = append(route.Steps, routemap.Step{
				Instruction: step.HTMLInstructions,
				Distance:    step.Distance.HumanReadable,
			})
		}
	}

	d.logger.Debug("Route found",
		slog.Int("points", len(route.Path)),
		slog.Int("steps", len(route.Steps)))

	return route, nil
}

func latLngParam(l models.LatLng) string {
	return strconv.FormatFloat(l.Lat, 'f', -1, 64) + "," + strconv.FormatFloat(l.Lng, 'f', -1, 64)
}

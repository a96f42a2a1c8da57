package services_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MegaGrindStone/bousai-web-ui/internal/models"
	"github.com/MegaGrindStone/bousai-web-ui/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"googlemaps.github.io/maps"
)

const directionsOK = `{
  "status": "OK",
  "geocoded_waypoints": [],
  "routes": [{
    "summary": "",
    "overview_polyline": {"points": "_p~iF~ps|U_ulLnnqC_mqNvxq` + "`" + `@"},
    "legs": [{
      "steps": [
        {"html_instructions": "Head <b>north</b>", "distance": {"text": "0.2 km", "value": 200}, "duration": {"text": "3 mins", "value": 180}},
        {"html_instructions": "Turn <b>left</b>", "distance": {"text": "50 m", "value": 50}, "duration": {"text": "1 min", "value": 40}}
      ]
    }]
  }]
}`

func TestDirectionsWalkingRoute(t *testing.T) {
	var query map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		query = map[string]string{
			"origin":      q.Get("origin"),
			"destination": q.Get("destination"),
			"mode":        q.Get("mode"),
			"waypoints":   q.Get("waypoints"),
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(directionsOK))
	}))
	defer srv.Close()

	d, err := services.NewDirections("test-key", testLogger, maps.WithBaseURL(srv.URL))
	require.NoError(t, err)

	route, err := d.WalkingRoute(context.Background(),
		models.LatLng{Lat: 35.70, Lng: 139.41},
		models.LatLng{Lat: 35.71, Lng: 139.42},
		[]models.LatLng{{Lat: 35.703, Lng: 139.413}},
	)
	require.NoError(t, err)

	assert.Equal(t, "35.7,139.41", query["origin"])
	assert.Equal(t, "35.71,139.42", query["destination"])
	assert.Equal(t, "walking", query["mode"])
	assert.Contains(t, query["waypoints"], "35.703,139.413")

	require.Len(t, route.Path, 3)
	assert.InDelta(t, 38.5, route.Path[0].Lat, 1e-6)
	assert.InDelta(t, -120.2, route.Path[0].Lng, 1e-6)
	assert.InDelta(t, 43.252, route.Path[2].Lat, 1e-6)

	require.Len(t, route.Steps, 2)
	assert.Equal(t, "Head <b>north</b>", route.Steps[0].Instruction)
	assert.Equal(t, "0.2 km", route.Steps[0].Distance)
}

func TestDirectionsWalkingRouteFailure(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status string
	}{
		{
			name:   "no route between the points",
			body:   `{"status":"ZERO_RESULTS","routes":[],"geocoded_waypoints":[]}`,
			status: "ZERO_RESULTS",
		},
		{
			name:   "key rejected",
			body:   `{"status":"REQUEST_DENIED","error_message":"The provided API key is invalid.","routes":[]}`,
			status: "REQUEST_DENIED",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			d, err := services.NewDirections("test-key", testLogger, maps.WithBaseURL(srv.URL))
			require.NoError(t, err)

			_, err = d.WalkingRoute(context.Background(),
				models.LatLng{Lat: 35.70, Lng: 139.41},
				models.LatLng{Lat: 35.71, Lng: 139.42},
				nil,
			)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.status)
		})
	}
}

package handlers

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
)

const maxPredictBodySize = 1 << 20

var (
	predictFailure = []byte(`{"error":"Prediction request failed"}`)
	healthOK       = []byte(`{"status":"ok"}`)
)

// HandlePredict is the prediction proxy. It forwards the JSON request body as-is to the prediction
// endpoint with server-held credentials and relays the endpoint's JSON reply.
//
// Every failure, whether an invalid request, an unreachable endpoint, an error status or a non-JSON
// reply, results in the same 500 response with a generic JSON error. Details are only logged.
func (m Main) HandlePredict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPredictBodySize))
	if err != nil {
		m.logger.Error("Failed to read prediction request", slog.String(errLoggerKey, err.Error()))
		writePredictFailure(w)
		return
	}
	if !json.Valid(body) {
		m.logger.Error("Prediction request is not valid JSON")
		writePredictFailure(w)
		return
	}

	resp, err := m.forwarder.Forward(r.Context(), body)
	if err != nil {
		m.logger.Error("Prediction request failed", slog.String(errLoggerKey, err.Error()))
		writePredictFailure(w)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp)
}

// HandleHealth reports that the server is up.
func (m Main) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(healthOK)
}

func writePredictFailure(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	_, _ = w.Write(predictFailure)
}

package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/MegaGrindStone/bousai-web-ui/internal/models"
)

// PredictClient issues the forwarding call of a conversation against the prediction proxy endpoint.
type PredictClient struct {
	url string

	client *http.Client
}

type predictRequest struct {
	Instances []predictInstance `json:"instances"`
}

type predictInstance struct {
	Messages []models.Message `json:"messages"`
}

type predictResponse struct {
	Predictions []models.Prediction `json:"predictions"`
}

type predictError struct {
	Error string `json:"error"`
}

// NewPredictClient creates a new PredictClient that posts to the given proxy URL.
func NewPredictClient(url string, client *http.Client) PredictClient {
	if client == nil {
		client = &http.Client{}
	}
	return PredictClient{
		url:    url,
		client: client,
	}
}

// Predict sends the conversation history as a single instance and returns the first prediction of the
// reply. A reply without predictions is an error.
func (p PredictClient) Predict(ctx context.Context, history []models.Message) (models.Prediction, error) {
	reqBody, err := json.Marshal(predictRequest{
		Instances: []predictInstance{{Messages: history}},
	})
	if err != nil {
		return models.Prediction{}, fmt.Errorf("error marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(reqBody))
	if err != nil {
		return models.Prediction{}, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return models.Prediction{}, fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		var perr predictError
		if err := json.Unmarshal(body, &perr); err == nil && perr.Error != "" {
			return models.Prediction{}, fmt.Errorf("unexpected status code: %d, error: %s", resp.StatusCode, perr.Error)
		}
		return models.Prediction{}, fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, string(body))
	}

	var res predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return models.Prediction{}, fmt.Errorf("error decoding response: %w", err)
	}

	if len(res.Predictions) == 0 {
		return models.Prediction{}, errors.New("no predictions found")
	}

	return res.Predictions[0], nil
}

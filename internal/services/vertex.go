package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"google.golang.org/api/option"
	htransport "google.golang.org/api/transport/http"
)

// Vertex forwards prediction requests to a Vertex AI endpoint. It does not look into the request or the
// response beyond checking that both are JSON: bodies are relayed byte-for-byte.
type Vertex struct {
	endpointURL string

	client *http.Client

	logger *slog.Logger
}

const (
	cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

	// DefaultVertexMethod is the endpoint method used when none is configured.
	DefaultVertexMethod = "predict"
)

// VertexEndpointURL builds the regional URL of a Vertex AI endpoint from its project, location and
// endpoint identifiers. An empty method means DefaultVertexMethod.
func VertexEndpointURL(projectID, location, endpointID, method string) string {
	if method == "" {
		method = DefaultVertexMethod
	}
	return fmt.Sprintf("https://%s-aiplatform.googleapis.com/v1/projects/%s/locations/%s/endpoints/%s:%s",
		location, projectID, location, endpointID, method)
}

// NewVertexHTTPClient returns an HTTP client that signs every request with Google Cloud credentials. The
// credentials are read from credentialsFile, or from Application Default Credentials when it is empty.
func NewVertexHTTPClient(ctx context.Context, credentialsFile string) (*http.Client, error) {
	opts := []option.ClientOption{option.WithScopes(cloudPlatformScope)}
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	client, _, err := htransport.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create authenticated client: %w", err)
	}
	return client, nil
}

// NewVertex creates a new Vertex forwarder for the given endpoint URL. The client is expected to attach
// credentials itself, see NewVertexHTTPClient.
func NewVertex(endpointURL string, client *http.Client, logger *slog.Logger) Vertex {
	return Vertex{
		endpointURL: endpointURL,
		client:      client,
		logger:      logger.With(slog.String("module", "vertex")),
	}
}

// Forward posts body to the endpoint and returns the response body. It fails when body is not valid JSON,
// when the request can't be sent, when the endpoint replies with a non-2xx status, or when the reply is
// not valid JSON. There is no retry.
func (v Vertex) Forward(ctx context.Context, body []byte) ([]byte, error) {
	if !json.Valid(body) {
		return nil, errors.New("request body is not valid json")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.endpointURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading response: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, string(respBody))
	}

	if !json.Valid(respBody) {
		return nil, errors.New("response body is not valid json")
	}

	v.logger.Debug("Prediction forwarded", slog.Int("responseSize", len(respBody)))

	return respBody, nil
}

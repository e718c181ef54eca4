package pushsub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Reporter delivers a subscription payload to the backend and returns the
// backend's JSON response.
type Reporter interface {
	Report(ctx context.Context, path string, payload any) (json.RawMessage, error)
}

// HTTPReporter posts report payloads as JSON to a backend.
type HTTPReporter struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPReporter creates a reporter that resolves report paths against
// baseURL. An empty baseURL leaves paths relative, which is what a page
// served by the backend itself wants.
func NewHTTPReporter(baseURL string) *HTTPReporter {
	return &HTTPReporter{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: http.DefaultClient,
	}
}

// WithHTTPClient sets a custom HTTP client.
func (r *HTTPReporter) WithHTTPClient(httpClient *http.Client) *HTTPReporter {
	r.httpClient = httpClient
	return r
}

// Report posts payload to path. Every failure, including a non-2xx status
// or a response that is not JSON, wraps ErrNetwork.
func (r *HTTPReporter) Report(ctx context.Context, path string, payload any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: marshaling payload: %w", ErrNetwork, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: creating request: %w", ErrNetwork, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: sending request: %w", ErrNetwork, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %w", ErrNetwork, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: backend returned %d: %s", ErrNetwork, resp.StatusCode, string(respBody))
	}
	if !json.Valid(respBody) {
		return nil, fmt.Errorf("%w: backend returned non-JSON response", ErrNetwork)
	}
	return json.RawMessage(respBody), nil
}

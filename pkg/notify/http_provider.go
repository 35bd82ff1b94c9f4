package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPProvider pushes through a gateway that speaks a minimal JSON contract:
// POST {url} with {"to": destination, "title": ..., "body": ..., "data": ...}.
// 404 and 410 mean the destination token is no longer valid.
type HTTPProvider struct {
	url    string
	apiKey string
	client *http.Client
}

// NewHTTPProvider creates a provider targeting url. apiKey may be empty.
func NewHTTPProvider(url, apiKey string) *HTTPProvider {
	return &HTTPProvider{
		url:    url,
		apiKey: apiKey,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

type pushRequest struct {
	To string `json:"to"`
	Payload
}

// Push implements Provider.
func (p *HTTPProvider) Push(ctx context.Context, destination string, payload Payload) error {
	body, err := json.Marshal(pushRequest{To: destination, Payload: payload})
	if err != nil {
		return fmt.Errorf("notify: marshal push: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: push request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return ErrDestinationGone
	default:
		return fmt.Errorf("notify: push gateway returned %s", resp.Status)
	}
}

// Package backend implements the HTTP client for the LLM generation service.
package backend

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/observatory-hq/observatory/internal/adapter/observability"
	"github.com/observatory-hq/observatory/internal/domain"
)

// StatusError marks a non-2xx backend reply so the dispatcher can decide
// whether the attempt is retryable.
type StatusError struct {
	Code    int
	Snippet string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend status %d: %s", e.Code, e.Snippet)
}

// Retryable reports whether the status warrants another attempt. Client
// errors are final; 5xx and 429 are not.
func (e *StatusError) Retryable() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

// Client calls the backend's /generate endpoint.
type Client struct {
	baseURL string
	hc      *http.Client
}

// New constructs a Client with an instrumented transport. timeout bounds a
// single generation call.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		hc: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Generate posts the prompt and returns the backend's reply. The response
// text is opaque to this layer.
func (c *Client) Generate(ctx domain.Context, req domain.GenerateRequest) (domain.GenerateResponse, error) {
	start := time.Now()
	body, err := json.Marshal(req)
	if err != nil {
		return domain.GenerateResponse{}, fmt.Errorf("op=backend.generate: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/generate", bytes.NewReader(body))
	if err != nil {
		return domain.GenerateResponse{}, fmt.Errorf("op=backend.generate: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.hc.Do(httpReq)
	if err != nil {
		observability.BackendRequestsTotal.WithLabelValues("transport_error").Inc()
		return domain.GenerateResponse{}, fmt.Errorf("op=backend.generate: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	observability.BackendRequestDuration.Observe(time.Since(start).Seconds())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		observability.BackendRequestsTotal.WithLabelValues(fmt.Sprintf("status_%d", resp.StatusCode)).Inc()
		return domain.GenerateResponse{}, fmt.Errorf("op=backend.generate: %w", &StatusError{Code: resp.StatusCode, Snippet: string(snippet)})
	}

	var out domain.GenerateResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&out); err != nil {
		observability.BackendRequestsTotal.WithLabelValues("decode_error").Inc()
		return domain.GenerateResponse{}, fmt.Errorf("op=backend.generate: decode: %w", err)
	}
	observability.BackendRequestsTotal.WithLabelValues("ok").Inc()
	return out, nil
}

// Healthy probes the backend with a short deadline.
func (c *Client) Healthy(ctx domain.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("backend status %d", resp.StatusCode)
}

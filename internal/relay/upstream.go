package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrNoCredential means the server has no provider API key configured.
// Callers map this to an internal error; it is never the client's fault.
var ErrNoCredential = errors.New("relay: model api key not configured")

// UpstreamResult carries the provider's raw answer. Non-2xx statuses are
// passed through to the client byte for byte, so Body is kept verbatim.
type UpstreamResult struct {
	StatusCode  int
	Body        []byte
	ContentType string
}

// OK reports whether the provider answered with a 2xx status.
func (r *UpstreamResult) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Completion parses the body as a chat completion. Only meaningful when OK.
func (r *UpstreamResult) Completion() (*completionResponse, error) {
	var c completionResponse
	if err := json.Unmarshal(r.Body, &c); err != nil {
		return nil, fmt.Errorf("relay: decode completion: %w", err)
	}
	return &c, nil
}

// Client posts chat completions to the provider with the server-held key.
type Client struct {
	url        string
	apiKey     string
	httpClient *http.Client
	tracer     trace.Tracer
}

func NewClient(url, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		url:    url,
		apiKey: apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		tracer: otel.Tracer("aitherapy.internal.relay.client"),
	}
}

// Configured reports whether a provider credential is present.
func (c *Client) Configured() bool { return c.apiKey != "" }

// Complete sends one sanitized payload upstream and returns the provider's
// answer. A missing credential fails before any network traffic.
func (c *Client) Complete(ctx context.Context, payload upstreamPayload) (*UpstreamResult, error) {
	if c.apiKey == "" {
		return nil, ErrNoCredential
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("relay: marshal payload: %w", err)
	}

	ctx, span := c.tracer.Start(ctx, "relay.upstream.complete")
	defer span.End()
	span.SetAttributes(
		attribute.String("aitherapy.model", payload.Model),
		attribute.Int("aitherapy.messages", len(payload.Messages)),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("relay: build upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("relay: upstream request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("relay: read upstream response: %w", err)
	}
	span.SetAttributes(attribute.Int("aitherapy.upstream_status", resp.StatusCode))

	return &UpstreamResult{
		StatusCode:  resp.StatusCode,
		Body:        respBody,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

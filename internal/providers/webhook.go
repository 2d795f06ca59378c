package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"strings"
	"time"

	"github.com/rendis/toolflow/pkg/schema"
)

const (
	defaultWebhookTimeout = 10 * time.Second
	maxWebhookResponse    = 1 << 20
)

// WebhookConfig describes one outgoing endpoint, such as a chat incoming-webhook URL.
type WebhookConfig struct {
	URL     string            `mapstructure:"url" json:"url"`
	Headers map[string]string `mapstructure:"headers" json:"headers,omitempty"`
	Timeout time.Duration     `mapstructure:"timeout" json:"timeout,omitempty"`
}

// WebhookProvider posts JSON payloads to a single configured endpoint.
type WebhookProvider struct {
	name   string
	config WebhookConfig
	client *http.Client
}

// NewWebhookProvider creates a provider named name that posts to cfg.URL.
func NewWebhookProvider(name string, cfg WebhookConfig) *WebhookProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultWebhookTimeout
	}
	return &WebhookProvider{
		name:   name,
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (p *WebhookProvider) Name() string { return p.name }

func (p *WebhookProvider) Actions() []ActionInfo {
	return []ActionInfo{{
		Name:        "post",
		Description: fmt.Sprintf("POST the params as JSON to the %s endpoint. A `headers` param adds request headers.", p.name),
	}}
}

// Invoke sends params (minus `headers`) as the JSON body. 5xx and 429 replies
// are retryable provider errors; other non-2xx replies are permanent.
func (p *WebhookProvider) Invoke(ctx context.Context, action string, params map[string]any) (any, error) {
	if action != "post" {
		return nil, schema.NewErrorf(schema.ErrCodeProviderNotFound, "%s has no action %q", p.name, action)
	}

	payload := maps.Clone(params)
	extra := headerParam(payload, "headers")
	delete(payload, "headers")
	if payload == nil {
		payload = map[string]any{}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNonRetryable, "%s.post: marshal body: %s", p.name, err.Error()).WithCause(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.URL, bytes.NewReader(body))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNonRetryable, "%s.post: build request: %s", p.name, err.Error()).WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range p.config.Headers {
		req.Header.Set(k, v)
	}
	for k, v := range extra {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, schema.NewErrorf(schema.ErrCodeProvider, "%s.post: %s", p.name, err.Error()).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxWebhookResponse))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeProvider, "%s.post: read response: %s", p.name, err.Error()).WithCause(err)
	}

	result := map[string]any{
		"status_code": resp.StatusCode,
		"body":        decodeBody(resp.Header.Get("Content-Type"), raw),
		"duration_ms": time.Since(start).Milliseconds(),
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		code := schema.ErrCodeNonRetryable
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			code = schema.ErrCodeProvider
		}
		return nil, schema.NewErrorf(code, "%s.post: endpoint returned %d", p.name, resp.StatusCode).
			WithDetails(result)
	}
	return result, nil
}

func decodeBody(contentType string, raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	if strings.Contains(contentType, "json") {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
	}
	return string(raw)
}

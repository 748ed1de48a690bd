package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"tempus/pkg/models"
)

const (
	defaultHTTPTimeoutMs = 30_000
	maxResponseBytes     = 1 << 20
)

// HTTP performs a request described by the payload:
// {url, method=GET, headers={}, body?, timeout_ms=30000}.
// Success is any response status in [200, 300).
type HTTP struct {
	client *http.Client
}

// NewHTTP wraps the given client; pass nil to use a dedicated default. The
// client carries no timeout of its own, deadlines come in through context.
func NewHTTP(client *http.Client) *HTTP {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTP{client: client}
}

func (h *HTTP) Type() models.JobType { return models.JobTypeHTTP }

func (h *HTTP) ValidatePayload(payload models.JSONMap) error {
	return validateRequestPayload(payload)
}

func (h *HTTP) Execute(ctx context.Context, payload models.JSONMap) (models.JSONMap, error) {
	return h.do(ctx, payload, http.MethodGet, "")
}

// do is shared with the webhook adapter, which flips the default method to
// POST and signs the body.
func (h *HTTP) do(ctx context.Context, payload models.JSONMap, defaultMethod, secret string) (models.JSONMap, error) {
	target := stringField(payload, "url")
	method := strings.ToUpper(stringField(payload, "method"))
	if method == "" {
		method = defaultMethod
	}
	timeout := time.Duration(intField(payload, "timeout_ms", defaultHTTPTimeoutMs)) * time.Millisecond
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	var encoded []byte
	if raw, ok := payload["body"]; ok && raw != nil {
		// encoding/json sorts object keys, so these bytes double as the
		// canonical form the webhook signature covers.
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, fail(nil, "encode request body: %v", err)
		}
		encoded = b
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fail(nil, "build request: %v", err)
	}
	for k, v := range mapField(payload, "headers") {
		if s, ok := v.(string); ok {
			req.Header.Set(k, s)
		}
	}
	if encoded != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if secret != "" && encoded != nil {
		req.Header.Set("X-Webhook-Signature", signBody(secret, encoded))
	}

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fail(models.JSONMap{"cause": err.Error()}, "request failed: %v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fail(models.JSONMap{"statusCode": resp.StatusCode}, "read response: %v", err)
	}

	var parsed interface{}
	if len(raw) > 0 {
		if json.Unmarshal(raw, &parsed) != nil {
			parsed = string(raw)
		}
	}
	headers := make(map[string]interface{}, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	result := models.JSONMap{
		"statusCode": resp.StatusCode,
		"headers":    headers,
		"body":       parsed,
		"durationMs": time.Since(start).Milliseconds(),
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fail(result, "unexpected status %d from %s %s", resp.StatusCode, method, target)
	}
	return result, nil
}

func validateRequestPayload(payload models.JSONMap) error {
	target := stringField(payload, "url")
	if target == "" {
		return errors.New("url is required")
	}
	parsed, err := url.Parse(target)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("url %q is not absolute", target)
	}
	switch parsed.Scheme {
	case "http", "https":
	default:
		return fmt.Errorf("url scheme %q not supported", parsed.Scheme)
	}
	if m := stringField(payload, "method"); m != "" {
		switch strings.ToUpper(m) {
		case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodHead:
		default:
			return fmt.Errorf("method %q not supported", m)
		}
	}
	return nil
}

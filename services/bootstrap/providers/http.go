package providers

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

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"agentboard/pkg/redact"
	"agentboard/services/bootstrap"
)

const (
	maxResponseBytes = 1 << 20
	userAgent        = "agentboard-bootstrap"
)

// NewHTTPClient returns the traced client shared by all adapters.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// apiClient issues JSON requests against one provider and classifies
// failures.
type apiClient struct {
	service string
	base    string
	hc      *http.Client
	headers map[string]string
}

func newAPIClient(service, base string, hc *http.Client) *apiClient {
	if hc == nil {
		hc = NewHTTPClient(0)
	}
	return &apiClient{
		service: service,
		base:    strings.TrimRight(base, "/"),
		hc:      hc,
		headers: map[string]string{},
	}
}

// call sends body as JSON and decodes a 2xx response into out. The returned
// status is zero when no response was received. A nil Failure means 2xx.
func (c *apiClient) call(ctx context.Context, method, path string, query url.Values, token string, body, out any) (int, *bootstrap.Failure) {
	target := c.base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, &bootstrap.Failure{Kind: bootstrap.KindUnknown, Message: "Failed to encode " + c.service + " request", Details: err.Error()}
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return 0, &bootstrap.Failure{Kind: bootstrap.KindInvalidInput, Message: "Invalid " + c.service + " request", Details: err.Error()}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return 0, c.transportFailure(ctx, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, c.transportFailure(ctx, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, classify(c.service, resp.StatusCode, raw)
	}
	if out != nil && len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, &bootstrap.Failure{
				Kind:    bootstrap.KindUnknown,
				Message: "Unexpected " + c.service + " response",
				Details: err.Error(),
			}
		}
	}
	return resp.StatusCode, nil
}

func (c *apiClient) transportFailure(ctx context.Context, err error) *bootstrap.Failure {
	msg := "Could not reach " + c.service
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		msg = c.service + " request timed out"
	}
	return &bootstrap.Failure{Kind: bootstrap.KindNetwork, Message: msg, Details: redact.String(err.Error())}
}

// classify maps an HTTP error status to a failure kind.
func classify(service string, status int, body []byte) *bootstrap.Failure {
	detail := fmt.Sprintf("HTTP %d", status)
	if msg := errorMessage(body); msg != "" {
		detail += ": " + msg
	}
	detail = redact.String(detail)

	f := &bootstrap.Failure{Details: detail}
	switch {
	case status == http.StatusUnauthorized:
		f.Kind, f.Message = bootstrap.KindInvalidCredentials, service+" rejected the supplied credentials"
	case status == http.StatusForbidden && mentionsRateLimit(body):
		f.Kind, f.Message = bootstrap.KindRateLimited, service+" rate limit exceeded"
	case status == http.StatusForbidden:
		f.Kind, f.Message = bootstrap.KindPermissionDenied, service+" denied access"
	case status == http.StatusNotFound:
		f.Kind, f.Message = bootstrap.KindResourceNotFound, service+" resource not found"
	case status == http.StatusTooManyRequests:
		f.Kind, f.Message = bootstrap.KindRateLimited, service+" rate limit exceeded"
	case status >= 500:
		f.Kind, f.Message = bootstrap.KindNetwork, service+" is unavailable"
	default:
		f.Kind, f.Message = bootstrap.KindUnknown, fmt.Sprintf("%s request failed with status %d", service, status)
	}
	return f
}

func mentionsRateLimit(body []byte) bool {
	lower := strings.ToLower(string(body))
	return strings.Contains(lower, "rate limit") || strings.Contains(lower, "abuse detection")
}

// errorMessage pulls a human readable message out of common error bodies.
func errorMessage(body []byte) string {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return ""
	}

	var shaped struct {
		Message string          `json:"message"`
		Error   json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &shaped); err == nil {
		if shaped.Message != "" {
			return shaped.Message
		}
		var s string
		if json.Unmarshal(shaped.Error, &s) == nil && s != "" {
			return s
		}
		var nested struct {
			Message string `json:"message"`
			Code    string `json:"code"`
		}
		if json.Unmarshal(shaped.Error, &nested) == nil && nested.Message != "" {
			return nested.Message
		}
	}

	const limit = 256
	if len(body) > limit {
		body = body[:limit]
	}
	return string(body)
}

// splitRepository parses "owner/repo".
func splitRepository(s string) (owner, repo string, ok bool) {
	s = strings.Trim(strings.TrimSpace(s), "/")
	owner, repo, found := strings.Cut(s, "/")
	if !found || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return "", "", false
	}
	return owner, repo, true
}

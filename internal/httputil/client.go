// Package httputil provides the JSON client used for calls to external
// collaborators and the response helpers shared by HTTP handlers.
package httputil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/civic-os/reflections/internal/app/metrics"
	svcerrors "github.com/civic-os/reflections/internal/errors"
	"github.com/civic-os/reflections/internal/logging"
)

const (
	// DefaultTimeout bounds every outbound call unless configured otherwise.
	DefaultTimeout = 10 * time.Second

	TraceIDHeader = "X-Trace-ID"

	maxErrorBody    = 64 << 10
	maxResponseBody = 8 << 20
)

// Client is a JSON HTTP client bound to one collaborator. Static headers
// (API key, bearer token) are attached to every request.
type Client struct {
	httpClient *http.Client
	service    string
	baseURL    string
	headers    map[string]string
	breaker    *CircuitBreaker
}

// ClientConfig configures a Client.
type ClientConfig struct {
	// Service names the collaborator in errors and metrics.
	Service string
	BaseURL string
	Timeout time.Duration
	Headers map[string]string
	// Breaker is optional; a nil breaker admits every call.
	Breaker    *CircuitBreaker
	HTTPClient *http.Client
}

// NewClient creates a Client.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	headers := make(map[string]string, len(cfg.Headers))
	for k, v := range cfg.Headers {
		if v != "" {
			headers[k] = v
		}
	}

	return &Client{
		httpClient: httpClient,
		service:    cfg.Service,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		headers:    headers,
		breaker:    cfg.Breaker,
	}
}

// Service returns the collaborator name.
func (c *Client) Service() string { return c.service }

// BaseURL returns the configured base URL without a trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

// Do sends body as JSON and returns the raw 2xx response body.
//
// Transport failures and an open breaker yield UPSTREAM_UNAVAILABLE.
// Non-2xx answers yield UPSTREAM_ERROR carrying the (bounded) response body.
func (c *Client) Do(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	start := time.Now()
	data, err := c.do(ctx, method, path, body)
	metrics.RecordUpstreamCall(c.service, operationName(path), time.Since(start), err)
	return data, err
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	if c.breaker != nil {
		if err := c.breaker.Allow(); err != nil {
			return nil, svcerrors.Unavailable(c.service, err)
		}
	}

	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, svcerrors.Internal("marshal request body", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, svcerrors.Internal("create request", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	if traceID := logging.GetTraceID(ctx); traceID != "" {
		req.Header.Set(TraceIDHeader, traceID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.recordFailure(err)
		return nil, svcerrors.Unavailable(c.service, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, truncated, readErr := ReadAllWithLimit(resp.Body, maxErrorBody)
		msg := strings.TrimSpace(string(raw))
		if truncated {
			msg += "...(truncated)"
		}
		if readErr != nil && msg == "" {
			msg = readErr.Error()
		}
		if resp.StatusCode >= 500 {
			c.recordFailure(fmt.Errorf("status %d", resp.StatusCode))
		} else {
			c.recordSuccess()
		}
		return nil, svcerrors.Upstream(c.service, resp.StatusCode, msg)
	}

	data, err := ReadAllStrict(resp.Body, maxResponseBody)
	if err != nil {
		c.recordFailure(err)
		return nil, svcerrors.Unavailable(c.service, fmt.Errorf("read response body: %w", err))
	}
	c.recordSuccess()
	return data, nil
}

// Get performs a GET request.
func (c *Client) Get(ctx context.Context, path string) ([]byte, error) {
	return c.Do(ctx, http.MethodGet, path, nil)
}

// Post performs a POST request with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body interface{}) ([]byte, error) {
	return c.Do(ctx, http.MethodPost, path, body)
}

// GetJSON performs a GET request and decodes the response into target.
func (c *Client) GetJSON(ctx context.Context, path string, target interface{}) error {
	data, err := c.Get(ctx, path)
	if err != nil {
		return err
	}
	return decodeBody(c.service, data, target)
}

// PostJSON performs a POST request and decodes the response into target.
// A nil target discards the response.
func (c *Client) PostJSON(ctx context.Context, path string, body, target interface{}) error {
	data, err := c.Post(ctx, path, body)
	if err != nil {
		return err
	}
	if target == nil {
		return nil
	}
	return decodeBody(c.service, data, target)
}

func decodeBody(service string, data []byte, target interface{}) error {
	if err := json.Unmarshal(data, target); err != nil {
		return svcerrors.Upstream(service, http.StatusOK, "malformed response: "+err.Error())
	}
	return nil
}

func (c *Client) recordFailure(err error) {
	if c.breaker != nil {
		c.breaker.RecordFailure(err)
	}
}

func (c *Client) recordSuccess() {
	if c.breaker != nil {
		c.breaker.RecordSuccess()
	}
}

// operationName reduces a request path to its first segment for metric labels.
func operationName(path string) string {
	path = strings.TrimPrefix(path, "/")
	if i := strings.IndexAny(path, "/?"); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "root"
	}
	return path
}

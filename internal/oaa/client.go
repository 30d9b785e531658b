// Package oaa forwards reflection snapshots to the OAA assistant service and
// reads back the echoes it produces for them.
package oaa

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/civic-os/reflections/internal/httputil"
)

const (
	ServiceName  = "oaa"
	APIKeyHeader = "X-API-Key"

	KindReflection = "reflection"
)

// DefaultTags are attached to every reflection snapshot.
var DefaultTags = []string{"apprentice", "reflections", "civic-edu"}

var errNotConfigured = errors.New("oaa url or key not configured")

type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client talks to OAA. Both URL and key must be set for it to be enabled.
type Client struct {
	http    *httputil.Client
	enabled bool
}

func New(cfg Config) *Client {
	return &Client{
		http: httputil.NewClient(httputil.ClientConfig{
			Service:    ServiceName,
			BaseURL:    cfg.BaseURL,
			Timeout:    cfg.Timeout,
			Headers:    map[string]string{APIKeyHeader: cfg.APIKey},
			HTTPClient: cfg.HTTPClient,
		}),
		enabled: strings.TrimSpace(cfg.BaseURL) != "" && strings.TrimSpace(cfg.APIKey) != "",
	}
}

// Enabled reports whether OAA is configured.
func (c *Client) Enabled() bool { return c != nil && c.enabled }

// Content is the body of a reflection snapshot.
type Content struct {
	Text      string `json:"text"`
	TraceID   string `json:"trace_id"`
	Topic     string `json:"topic,omitempty"`
	Question  string `json:"question,omitempty"`
	Challenge string `json:"challenge,omitempty"`
}

// Snapshot is one item ingested by OAA.
type Snapshot struct {
	Kind    string   `json:"kind"`
	Actor   string   `json:"actor"`
	Content Content  `json:"content"`
	Tags    []string `json:"tags"`
}

// Ingest stores snap in OAA. The response body is ignored.
func (c *Client) Ingest(ctx context.Context, snap Snapshot) error {
	if !c.Enabled() {
		return errNotConfigured
	}
	return c.http.PostJSON(ctx, "/oaa/ingest/snapshot", snap, nil)
}

// Echoes returns the raw echo items whose content.trace_id equals traceID.
// Only the latest page OAA returns is searched.
func (c *Client) Echoes(ctx context.Context, traceID string) ([]json.RawMessage, error) {
	if !c.Enabled() {
		return nil, errNotConfigured
	}
	data, err := c.http.Get(ctx, "/oaa/echo/list")
	if err != nil {
		return nil, err
	}
	out := []json.RawMessage{}
	gjson.GetBytes(data, "items").ForEach(func(_, item gjson.Result) bool {
		if item.Get("content.trace_id").String() == traceID {
			out = append(out, json.RawMessage(item.Raw))
		}
		return true
	})
	return out, nil
}

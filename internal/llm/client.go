// Package llm calls an OpenAI-compatible chat completion endpoint.
package llm

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	svcerrors "github.com/civic-os/reflections/internal/errors"
	"github.com/civic-os/reflections/internal/httputil"
)

const (
	ServiceName = "llm"

	DefaultModel       = "gpt-4o-mini"
	DefaultTemperature = 0.3

	// EmptyReply is returned when the provider answers without content.
	EmptyReply = "…"
)

var errNotConfigured = errors.New("llm api key not configured")

type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	// Temperature defaults to DefaultTemperature when nil; zero is honoured.
	Temperature *float64
	Timeout     time.Duration
	HTTPClient  *http.Client
}

// Client is a minimal chat completion client.
type Client struct {
	http        *httputil.Client
	model       string
	temperature float64
	configured  bool
}

func New(cfg Config) *Client {
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	temperature := DefaultTemperature
	if cfg.Temperature != nil {
		temperature = *cfg.Temperature
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}

	headers := map[string]string{}
	if cfg.APIKey != "" {
		headers["Authorization"] = "Bearer " + cfg.APIKey
	}

	return &Client{
		http: httputil.NewClient(httputil.ClientConfig{
			Service:    ServiceName,
			BaseURL:    baseURL,
			Timeout:    cfg.Timeout,
			Headers:    headers,
			HTTPClient: cfg.HTTPClient,
		}),
		model:       model,
		temperature: temperature,
		configured:  cfg.APIKey != "",
	}
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model       string    `json:"model"`
	Temperature float64   `json:"temperature"`
	Messages    []message `json:"messages"`
}

// Complete sends one system prompt and one user message and returns the
// first choice's content. Provider rejections carry the provider body.
func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	if !c.configured {
		return "", svcerrors.Unavailable(ServiceName, errNotConfigured)
	}

	data, err := c.http.Post(ctx, "/chat/completions", completionRequest{
		Model:       c.model,
		Temperature: c.temperature,
		Messages: []message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	})
	if err != nil {
		return "", err
	}

	reply := strings.TrimSpace(gjson.GetBytes(data, "choices.0.message.content").String())
	if reply == "" {
		return EmptyReply, nil
	}
	return reply, nil
}

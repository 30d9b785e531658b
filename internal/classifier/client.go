// Package classifier asks the archetype analyzer for category scores.
// Classification is advisory; callers proceed without a tag on failure.
package classifier

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/tidwall/gjson"

	"github.com/civic-os/reflections/internal/httputil"
)

const ServiceName = "classifier"

// DefaultTimeout is short since posting waits on it.
const DefaultTimeout = 3 * time.Second

type Config struct {
	// URL is the analyzer endpoint; empty disables classification.
	URL        string
	Timeout    time.Duration
	HTTPClient *http.Client
}

type Client struct {
	http *httputil.Client
}

// New returns nil when cfg.URL is empty; a nil *Client classifies nothing.
func New(cfg Config) *Client {
	if cfg.URL == "" {
		return nil
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		http: httputil.NewClient(httputil.ClientConfig{
			Service:    ServiceName,
			BaseURL:    cfg.URL,
			Timeout:    timeout,
			HTTPClient: cfg.HTTPClient,
		}),
	}
}

type request struct {
	User string `json:"user"`
	Text string `json:"text"`
}

// Classify returns the analyzer's category scores for text.
func (c *Client) Classify(ctx context.Context, user, text string) (map[string]float64, error) {
	if c == nil {
		return nil, nil
	}
	data, err := c.http.Post(ctx, "", request{User: user, Text: text})
	if err != nil {
		return nil, err
	}

	scores := make(map[string]float64)
	gjson.GetBytes(data, "scores").ForEach(func(k, v gjson.Result) bool {
		if v.Type == gjson.Number {
			scores[k.String()] = v.Float()
		}
		return true
	})
	return scores, nil
}

// Top returns the highest scoring category. Ties go to the
// lexicographically smallest name.
func Top(scores map[string]float64) (string, bool) {
	if len(scores) == 0 {
		return "", false
	}
	names := make([]string, 0, len(scores))
	for name := range scores {
		names = append(names, name)
	}
	sort.Strings(names)

	best := names[0]
	for _, name := range names[1:] {
		if scores[name] > scores[best] {
			best = name
		}
	}
	return best, true
}

// Package ledger is the client for the external GIC indexer, the point
// ledger of record for balances, unlocks, awards, burns and staking.
package ledger

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	model "github.com/civic-os/reflections/internal/app/domain/ledger"
	svcerrors "github.com/civic-os/reflections/internal/errors"
	"github.com/civic-os/reflections/internal/httputil"
)

const (
	ServiceName  = "ledger"
	APIKeyHeader = "X-API-Key"
)

// Config configures the ledger client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// Breaker is optional.
	Breaker    *httputil.CircuitBreaker
	HTTPClient *http.Client
}

// Client talks to the ledger service. It never retries: event ingestion is
// not idempotent on the ledger side, so callers carry a dedup key in meta.
type Client struct {
	http *httputil.Client
}

// New creates a ledger client.
func New(cfg Config) *Client {
	return &Client{
		http: httputil.NewClient(httputil.ClientConfig{
			Service:    ServiceName,
			BaseURL:    cfg.BaseURL,
			Timeout:    cfg.Timeout,
			Headers:    map[string]string{APIKeyHeader: cfg.APIKey},
			Breaker:    cfg.Breaker,
			HTTPClient: cfg.HTTPClient,
		}),
	}
}

// GetBalance returns the handle's current points. A failure, including an
// answer without a balance field, means "no update", never a zero balance.
func (c *Client) GetBalance(ctx context.Context, handle string) (model.Balance, error) {
	if err := requireHandle(handle); err != nil {
		return model.Balance{}, err
	}
	data, err := c.http.Get(ctx, "/balances/"+url.PathEscape(handle))
	if err != nil {
		return model.Balance{}, err
	}
	doc, err := parse(data)
	if err != nil {
		return model.Balance{}, err
	}
	total, ok := firstNumber(doc, "total_gic", "totalPoints", "balance", "total")
	if !ok {
		return model.Balance{}, missing("balance")
	}
	return model.Balance{Handle: handle, TotalPoints: total}, nil
}

// GetUnlocked returns the companions the ledger says handle has paid for.
// Both {"unlocked":[...]} and a bare array are accepted.
func (c *Client) GetUnlocked(ctx context.Context, handle string) (model.UnlockSet, error) {
	if err := requireHandle(handle); err != nil {
		return model.UnlockSet{}, err
	}
	data, err := c.http.Get(ctx, "/unlocks/"+url.PathEscape(handle))
	if err != nil {
		return model.UnlockSet{}, err
	}
	doc, err := parse(data)
	if err != nil {
		return model.UnlockSet{}, err
	}

	list := doc
	if !doc.IsArray() {
		list = doc.Get("unlocked")
	}
	var ids []string
	list.ForEach(func(_, v gjson.Result) bool {
		if id := strings.TrimSpace(v.String()); id != "" {
			ids = append(ids, id)
		}
		return true
	})
	return model.NewUnlockSet(handle, ids...), nil
}

// GetForest returns the handle's staking counters.
func (c *Client) GetForest(ctx context.Context, handle string) (model.ForestState, error) {
	if err := requireHandle(handle); err != nil {
		return model.ForestState{}, err
	}
	data, err := c.http.Get(ctx, "/forest/user/"+url.PathEscape(handle))
	if err != nil {
		return model.ForestState{}, err
	}
	doc, err := parse(data)
	if err != nil {
		return model.ForestState{}, err
	}
	trees, hasTrees := firstNumber(doc, "trees_planted", "treesPlanted", "trees")
	staked, hasStaked := firstNumber(doc, "gic_staked", "gicStaked", "staked_gic")
	if !hasTrees && !hasStaked {
		return model.ForestState{}, missing("forest state")
	}
	return model.ForestState{TreesPlanted: trees, GICStaked: staked}, nil
}

// RecordEvent submits an award or burn. Delivery is at most once.
func (c *Client) RecordEvent(ctx context.Context, ev model.Event) error {
	if ev.Amount <= 0 {
		return svcerrors.InvalidAmount(ev.Amount)
	}
	if ev.Kind != model.KindAward && ev.Kind != model.KindBurn {
		return svcerrors.Validation("kind", "kind must be award or burn")
	}
	if err := requireHandle(ev.Actor); err != nil {
		return err
	}
	if ev.Unit == "" {
		return svcerrors.Validation("unit", "unit is required")
	}
	return c.http.PostJSON(ctx, "/ingest/ledger", ev, nil)
}

// Stake converts amount GIC into trees. Non-positive amounts are rejected
// without contacting the ledger.
func (c *Client) Stake(ctx context.Context, handle string, amount float64) (model.StakeResult, error) {
	if amount <= 0 {
		return model.StakeResult{}, svcerrors.InvalidAmount(amount)
	}
	if err := requireHandle(handle); err != nil {
		return model.StakeResult{}, err
	}

	q := url.Values{}
	q.Set("handle", handle)
	q.Set("amount", strconv.FormatFloat(amount, 'f', -1, 64))
	data, err := c.http.Post(ctx, "/stake/trees?"+q.Encode(), nil)
	if err != nil {
		return model.StakeResult{}, err
	}
	doc, err := parse(data)
	if err != nil {
		return model.StakeResult{}, err
	}
	staked, hasStaked := firstNumber(doc, "staked", "gic_staked")
	trees, hasTrees := firstNumber(doc, "trees", "treesEquivalent", "trees_planted")
	if !hasStaked && !hasTrees {
		return model.StakeResult{}, missing("stake result")
	}
	return model.StakeResult{Staked: staked, Trees: trees}, nil
}

// Ping checks that the ledger answers.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.http.Get(ctx, "/health")
	return err
}

func requireHandle(handle string) error {
	if strings.TrimSpace(handle) == "" {
		return svcerrors.Validation("handle", "handle is required")
	}
	return nil
}

func parse(data []byte) (gjson.Result, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return gjson.Result{}, nil
	}
	if !gjson.ValidBytes(data) {
		return gjson.Result{}, svcerrors.Upstream(ServiceName, http.StatusOK, "malformed response")
	}
	return gjson.ParseBytes(data), nil
}

// firstNumber returns the first numeric value found at paths. ok is false
// when none of them holds a number.
func firstNumber(doc gjson.Result, paths ...string) (float64, bool) {
	for _, p := range paths {
		v := doc.Get(p)
		switch {
		case v.Type == gjson.Number:
			return v.Float(), true
		case v.Type == gjson.String:
			if f, err := strconv.ParseFloat(strings.TrimSpace(v.Str), 64); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}

// missing reports a 2xx answer that lacks the requested figures. Callers
// treat it like any other failed lookup, never as zero.
func missing(what string) error {
	return svcerrors.Upstream(ServiceName, http.StatusOK, what+" missing from response")
}

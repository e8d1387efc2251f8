// Package npi is the identity registry client for the CMS NPI Registry.
package npi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/ashita-ai/kensa/internal/cache"
	"github.com/ashita-ai/kensa/internal/integrations"
	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/ratelimit"
)

// Record is one registry result, kept as decoded JSON so the raw document can
// be persisted alongside the parsed provider.
type Record map[string]any

type searchResponse struct {
	ResultCount int      `json:"result_count"`
	Results     []Record `json:"results"`
}

// Config configures a Client.
type Config struct {
	BaseURL     string
	MinInterval time.Duration // spacing between registry calls
	CacheTTL    time.Duration
	Timeout     time.Duration
	Attempts    int
}

// Client looks up providers by NPI number. Safe for concurrent use.
type Client struct {
	baseURL string
	fetcher *integrations.Fetcher
	cache   *cache.TTL[Record]
	logger  *slog.Logger
}

// New creates a registry client.
func New(cfg Config, logger *slog.Logger) *Client {
	return newClient(cfg, integrations.DefaultRetryPolicy(cfg.Attempts), logger)
}

func newClient(cfg Config, policy integrations.RetryPolicy, logger *slog.Logger) *Client {
	c := &Client{
		baseURL: cfg.BaseURL,
		cache:   cache.New[Record](cfg.CacheTTL),
		logger:  logger,
	}
	c.fetcher = &integrations.Fetcher{
		Client: &http.Client{Timeout: cfg.Timeout},
		Spacer: ratelimit.NewSpacer(cfg.MinInterval),
		Policy: policy,
		Scope:  "kensa/npi",
		OnRetry: func(err error, wait time.Duration) {
			logger.Warn("npi: registry call failed, retrying", "error", err, "wait", wait)
		},
	}
	return c
}

// Close stops the cache eviction loop.
func (c *Client) Close() {
	c.cache.Close()
}

// ValidateNumber checks that number is exactly ten ASCII digits.
func ValidateNumber(number string) error {
	if len(number) != 10 {
		return model.Invalid("npi_number", "must be 10 digits, got %d characters", len(number))
	}
	for _, r := range number {
		if r < '0' || r > '9' {
			return model.Invalid("npi_number", "must contain only digits")
		}
	}
	return nil
}

// errNoMatch carries a confirmed absence out of the cache loader so that
// misses are shared with concurrent callers but never cached.
var errNoMatch = errors.New("npi: no registry match")

// Lookup returns the registry record for number. found is false when the
// registry confirms there is no such provider. Failed calls return an
// *model.ExternalServiceError once the retry budget is spent. Concurrent
// lookups of the same number share one registry call.
func (c *Client) Lookup(ctx context.Context, number string) (Record, bool, error) {
	if err := ValidateNumber(number); err != nil {
		return nil, false, err
	}
	rec, err := c.cache.GetOrLoad(ctx, number, func(ctx context.Context) (Record, error) {
		return c.fetch(ctx, number)
	})
	switch {
	case errors.Is(err, errNoMatch):
		return nil, false, nil
	case err != nil:
		return nil, false, err
	}
	return rec, true, nil
}

func (c *Client) fetch(ctx context.Context, number string) (Record, error) {
	q := url.Values{}
	q.Set("number", number)
	q.Set("version", "2.1")

	var resp searchResponse
	if err := c.fetcher.GetJSON(ctx, c.baseURL+"?"+q.Encode(), &resp); err != nil {
		c.logger.Error("npi: lookup failed", "npi", number, "error", err)
		return nil, &model.ExternalServiceError{
			Capability: model.CapabilityNPIRegistry,
			Err:        fmt.Errorf("npi: lookup %s: %w", number, err),
		}
	}
	if resp.ResultCount == 0 || len(resp.Results) == 0 {
		c.logger.Info("npi: no registry match", "npi", number)
		return nil, errNoMatch
	}
	c.logger.Info("npi: fetched registry record", "npi", number)
	return resp.Results[0], nil
}

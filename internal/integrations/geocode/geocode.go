// Package geocode is the geocoder client for a Nominatim (OpenStreetMap)
// server. Nominatim's usage policy requires an identifying User-Agent and
// at most one request per second.
package geocode

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ashita-ai/kensa/internal/cache"
	"github.com/ashita-ai/kensa/internal/integrations"
	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/ratelimit"
)

// Address is the input to a forward lookup. Empty parts are skipped.
type Address struct {
	Line1      string
	City       string
	State      string
	PostalCode string
	Country    string
}

// Query renders the free-form search string.
func (a Address) Query() string {
	parts := make([]string, 0, 5)
	for _, p := range []string{a.Line1, a.City, a.State, a.PostalCode, a.Country} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}

// Coordinates is a WGS84 point.
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Place is the structured address returned by a reverse lookup.
type Place map[string]string

// Config configures a Client.
type Config struct {
	BaseURL     string
	UserAgent   string
	MinInterval time.Duration
	CacheTTL    time.Duration
	Timeout     time.Duration
	Attempts    int
}

// cached forward result; Found=false records a confirmed miss.
type cached struct {
	Coordinates Coordinates
	Found       bool
}

// Client geocodes addresses. Safe for concurrent use.
type Client struct {
	baseURL string
	fetcher *integrations.Fetcher
	cache   *cache.TTL[cached]
	logger  *slog.Logger
}

// New creates a geocoder client.
func New(cfg Config, logger *slog.Logger) *Client {
	return newClient(cfg, integrations.DefaultRetryPolicy(cfg.Attempts), logger)
}

func newClient(cfg Config, policy integrations.RetryPolicy, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		cache:   cache.New[cached](cfg.CacheTTL),
		logger:  logger,
		fetcher: &integrations.Fetcher{
			Client:    &http.Client{Timeout: cfg.Timeout},
			Spacer:    ratelimit.NewSpacer(cfg.MinInterval),
			Policy:    policy,
			UserAgent: cfg.UserAgent,
			Scope:     "kensa/geocode",
			OnRetry: func(err error, wait time.Duration) {
				logger.Warn("geocode: call failed, retrying", "error", err, "wait", wait)
			},
		},
	}
}

// Close stops the cache eviction loop.
func (c *Client) Close() {
	c.cache.Close()
}

func cacheKey(query string) string {
	return strings.ToLower(strings.TrimSpace(query))
}

type searchResult struct {
	Lat string `json:"lat"`
	Lon string `json:"lon"`
}

// Geocode resolves addr to coordinates. found is false when the geocoder has
// no match; misses are cached like hits. Concurrent lookups of the same
// query share one call.
func (c *Client) Geocode(ctx context.Context, addr Address) (Coordinates, bool, error) {
	query := addr.Query()
	if query == "" {
		return Coordinates{}, false, model.Invalid("address", "is empty")
	}
	res, err := c.cache.GetOrLoad(ctx, cacheKey(query), func(ctx context.Context) (cached, error) {
		return c.search(ctx, query)
	})
	if err != nil {
		return Coordinates{}, false, err
	}
	return res.Coordinates, res.Found, nil
}

func (c *Client) search(ctx context.Context, query string) (cached, error) {
	q := url.Values{}
	q.Set("q", query)
	q.Set("format", "json")
	q.Set("limit", "1")
	q.Set("addressdetails", "1")

	var results []searchResult
	if err := c.fetcher.GetJSON(ctx, c.baseURL+"/search?"+q.Encode(), &results); err != nil {
		c.logger.Error("geocode: search failed", "query", query, "error", err)
		return cached{}, wrap(fmt.Errorf("geocode: search %q: %w", query, err))
	}
	if len(results) == 0 {
		c.logger.Info("geocode: no match", "query", query)
		return cached{}, nil
	}

	lat, errLat := strconv.ParseFloat(results[0].Lat, 64)
	lon, errLon := strconv.ParseFloat(results[0].Lon, 64)
	if errLat != nil || errLon != nil {
		return cached{}, wrap(fmt.Errorf("geocode: malformed coordinates %q,%q", results[0].Lat, results[0].Lon))
	}
	c.logger.Info("geocode: resolved", "query", query, "lat", lat, "lon", lon)
	return cached{Coordinates: Coordinates{Latitude: lat, Longitude: lon}, Found: true}, nil
}

type reverseResult struct {
	Error   string         `json:"error"`
	Address map[string]any `json:"address"`
}

// Reverse resolves a point to a structured address. found is false when
// the geocoder reports nothing at that location. Results are not cached.
func (c *Client) Reverse(ctx context.Context, lat, lon float64) (Place, bool, error) {
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return nil, false, model.Invalid("coordinates", "out of range: %f,%f", lat, lon)
	}

	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	q.Set("lon", strconv.FormatFloat(lon, 'f', -1, 64))
	q.Set("format", "json")
	q.Set("addressdetails", "1")

	var res reverseResult
	if err := c.fetcher.GetJSON(ctx, c.baseURL+"/reverse?"+q.Encode(), &res); err != nil {
		c.logger.Error("geocode: reverse failed", "lat", lat, "lon", lon, "error", err)
		return nil, false, wrap(fmt.Errorf("geocode: reverse %f,%f: %w", lat, lon, err))
	}
	if res.Error != "" || len(res.Address) == 0 {
		return nil, false, nil
	}

	place := make(Place, len(res.Address))
	for k, v := range res.Address {
		if s, ok := v.(string); ok {
			place[k] = s
		}
	}
	return place, true, nil
}

func wrap(err error) error {
	return &model.ExternalServiceError{Capability: model.CapabilityGeocoder, Err: err}
}

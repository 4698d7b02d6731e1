// Package providers adapts external data sources (traffic flow, weather,
// OSM infrastructure, speed limits, geocoding) into normalized records.
//
// Every adapter is cache-first: it consults the cache store before issuing
// a network call and writes successful fetches through. Adapters never
// return hard errors for provider outages; they return tagged results with
// OK=false so the scorer can degrade the affected component to zero.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sentinelroad/backend/internal/cache"
	"github.com/sentinelroad/backend/internal/circuitbreaker"
	"github.com/sentinelroad/backend/internal/config"
	"github.com/sentinelroad/backend/internal/logging"
	"github.com/sentinelroad/backend/internal/metrics"
	"github.com/sentinelroad/backend/internal/ratelimit"
	"github.com/sentinelroad/backend/internal/retry"
)

// ErrUnavailable indicates a provider call failed, was rate limited, or is
// circuit-broken. Callers degrade the affected signal rather than abort.
var ErrUnavailable = errors.New("provider unavailable")

const userAgent = "sentinelroad/1.0"

// Client is the shared outbound HTTP client. It applies a per-provider
// circuit breaker, bounded retries with backoff, and request metrics.
type Client struct {
	httpClient  *http.Client
	breaker     *circuitbreaker.Breaker
	log         *slog.Logger
	maxAttempts int
	baseDelay   time.Duration
}

// NewClient creates a Client with the given request timeout.
func NewClient(timeout time.Duration, log *slog.Logger) *Client {
	return &Client{
		httpClient:  &http.Client{Timeout: timeout},
		breaker:     circuitbreaker.New(5, 30*time.Second),
		log:         logging.Component(log, "providers"),
		maxAttempts: 3,
		baseDelay:   500 * time.Millisecond,
	}
}

// GetJSON issues a GET to rawURL with the given query params and decodes the
// JSON response into out. It returns an error wrapping ErrUnavailable when
// the provider cannot be reached or keeps failing.
func (c *Client) GetJSON(ctx context.Context, provider, rawURL string, params url.Values, out any) error {
	build := func() (*http.Request, error) {
		u := rawURL
		if len(params) > 0 {
			u = rawURL + "?" + params.Encode()
		}
		return http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	}
	return c.do(ctx, provider, build, out)
}

// PostFormJSON issues a form-encoded POST and decodes the JSON response.
func (c *Client) PostFormJSON(ctx context.Context, provider, rawURL string, form url.Values, out any) error {
	build := func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL,
			strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	}
	return c.do(ctx, provider, build, out)
}

func (c *Client) do(ctx context.Context, provider string, build func() (*http.Request, error), out any) error {
	if !c.breaker.Allow(provider) {
		metrics.ProviderRequestsTotal.WithLabelValues(provider, "circuit_open").Inc()
		return fmt.Errorf("%s: circuit open: %w", provider, ErrUnavailable)
	}

	var body []byte
	err := retry.Do(ctx, c.maxAttempts, c.baseDelay, func() error {
		req, err := build()
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("User-Agent", userAgent)
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
		case resp.StatusCode == http.StatusTooManyRequests:
			metrics.ProviderRequestsTotal.WithLabelValues(provider, "rate_limited").Inc()
			return fmt.Errorf("rate limited (status %d)", resp.StatusCode)
		case resp.StatusCode >= 500:
			return fmt.Errorf("server error (status %d)", resp.StatusCode)
		default:
			return retry.Permanent(fmt.Errorf("unexpected status %d", resp.StatusCode))
		}

		body, err = io.ReadAll(io.LimitReader(resp.Body, 16<<20))
		if err != nil {
			return fmt.Errorf("read body: %w", err)
		}
		return nil
	})
	if err != nil {
		c.breaker.RecordFailure(provider)
		metrics.ProviderRequestsTotal.WithLabelValues(provider, "error").Inc()
		c.log.WarnContext(ctx, "provider request failed",
			"provider", provider, "error", err)
		return fmt.Errorf("%s: %v: %w", provider, err, ErrUnavailable)
	}

	c.breaker.RecordSuccess(provider)
	metrics.ProviderRequestsTotal.WithLabelValues(provider, "ok").Inc()

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("%s: decode response: %v: %w", provider, err, ErrUnavailable)
		}
	}
	return nil
}

// Providers bundles all source adapters behind one constructor.
type Providers struct {
	Traffic    *TrafficProvider
	Weather    *WeatherProvider
	Infra      *InfraProvider
	SpeedLimit *SpeedLimitProvider
	Geocoder   *Geocoder
	RoadGraph  *RoadGraphProvider

	client *Client
}

// New wires all adapters against a shared HTTP client and cache store.
func New(cfg *config.Config, store cache.Store, log *slog.Logger) *Providers {
	client := NewClient(cfg.HTTPTimeout, log)
	return &Providers{
		Traffic:    NewTrafficProvider(client, store, cfg, log),
		Weather:    NewWeatherProvider(client, store, cfg, log),
		Infra:      NewInfraProvider(client, store, cfg, log),
		SpeedLimit: NewSpeedLimitProvider(client, store, cfg, log),
		Geocoder:   NewGeocoder(client, cfg, ratelimit.NewPacer(cfg.GeocodeInterval), log),
		RoadGraph:  NewRoadGraphProvider(client, store, cfg, log),
		client:     client,
	}
}

// Breaker exposes the shared circuit breaker for health reporting.
func (p *Providers) Breaker() *circuitbreaker.Breaker {
	return p.client.breaker
}

// Package client provides the HTTP page source for the remote read-only API,
// with quota tracking, error classification and request metrics.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/dataset-loader/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Prometheus metrics for API page requests.
var (
	apiRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dataset_api_requests_total",
		Help: "Total page requests by HTTP status",
	}, []string{"status"})

	apiRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dataset_api_request_duration_seconds",
		Help:    "Page request duration in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
	})

	apiErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dataset_api_errors_total",
		Help: "Total page request errors by class",
	}, []string{"class"})
)

// Client fetches pages of the dataset over HTTP.
type Client struct {
	httpClient  *http.Client
	rateLimiter *ratelimit.Tracker
	config      Config
	logger      zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// BaseURL is the API origin (e.g., "https://data.example.org")
	BaseURL string

	// Endpoint is the resource path (e.g., "/resource/incidents.json")
	Endpoint string

	// Filters are deployment filters added to every page request
	Filters url.Values

	// OffsetParam and LimitParam name the pagination query parameters
	OffsetParam string
	LimitParam  string

	// UserAgent is sent with every request (REQUIRED)
	UserAgent string

	// Timeout bounds a single page request
	Timeout time.Duration
}

// DefaultConfig returns a configuration with the usual parameter names.
func DefaultConfig(baseURL, endpoint, userAgent string) Config {
	return Config{
		BaseURL:     baseURL,
		Endpoint:    endpoint,
		OffsetParam: "offset",
		LimitParam:  "limit",
		UserAgent:   userAgent,
		Timeout:     30 * time.Second,
	}
}

// New creates a new API client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}
	if cfg.OffsetParam == "" {
		cfg.OffsetParam = "offset"
	}
	if cfg.LimitParam == "" {
		cfg.LimitParam = "limit"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	logger := log.With().Str("component", "api-client").Logger()

	return &Client{
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		rateLimiter: ratelimit.NewTracker(logger),
		config:      cfg,
		logger:      logger,
	}, nil
}

// envelope is the API response body.
type envelope struct {
	Items []json.RawMessage `json:"items"`
}

// FetchPage requests one page starting at offset.
// Every failure is returned as *APIError: network errors, non-2xx statuses
// and bodies that are not a valid {"items": [...]} envelope.
func (c *Client) FetchPage(ctx context.Context, offset, limit int) ([]json.RawMessage, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.pageURL(offset, limit), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	defer func() {
		apiRequestDuration.Observe(time.Since(start).Seconds())
	}()

	c.logger.Debug().
		Str("endpoint", c.config.Endpoint).
		Int("offset", offset).
		Int("limit", limit).
		Msg("Requesting page")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Cancellation is not a page failure
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		apiErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		apiRequestsTotal.WithLabelValues("network_error").Inc()
		return nil, &APIError{
			ErrorClass: ErrorClassNetwork,
			Offset:     offset,
			Message:    "request failed",
			Err:        err,
		}
	}
	defer resp.Body.Close()

	apiRequestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

	if err := c.rateLimiter.UpdateFromHeaders(resp.Header); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to update rate limit from headers")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		class := classifyStatus(resp.StatusCode)
		apiErrorsTotal.WithLabelValues(string(class)).Inc()
		c.logger.Warn().
			Str("endpoint", c.config.Endpoint).
			Int("offset", offset).
			Int("status", resp.StatusCode).
			Str("error_class", string(class)).
			Msg("API request error")
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			ErrorClass: class,
			Offset:     offset,
			Message:    resp.Status,
		}
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		apiErrorsTotal.WithLabelValues(string(ErrorClassProtocol)).Inc()
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			ErrorClass: ErrorClassProtocol,
			Offset:     offset,
			Message:    "decode body",
			Err:        fmt.Errorf("%w: %v", ErrMalformedEnvelope, err),
		}
	}
	if env.Items == nil {
		apiErrorsTotal.WithLabelValues(string(ErrorClassProtocol)).Inc()
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			ErrorClass: ErrorClassProtocol,
			Offset:     offset,
			Message:    "missing items array",
			Err:        ErrMalformedEnvelope,
		}
	}

	return env.Items, nil
}

// pageURL builds the request URL for one page.
func (c *Client) pageURL(offset, limit int) string {
	query := url.Values{}
	for name, values := range c.config.Filters {
		for _, v := range values {
			query.Add(name, v)
		}
	}
	query.Set(c.config.OffsetParam, strconv.Itoa(offset))
	query.Set(c.config.LimitParam, strconv.Itoa(limit))

	return strings.TrimRight(c.config.BaseURL, "/") + "/" + strings.TrimLeft(c.config.Endpoint, "/") + "?" + query.Encode()
}

// Config returns the client configuration.
func (c *Client) Config() Config {
	return c.config
}

// RateLimiter returns the quota tracker.
func (c *Client) RateLimiter() *ratelimit.Tracker {
	return c.rateLimiter
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

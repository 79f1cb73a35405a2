package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for rate limit tracking.
var (
	apiRequestsRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dataset_api_requests_remaining",
		Help: "Requests remaining in the current remote API quota window",
	})

	apiRateLimitBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dataset_api_rate_limit_blocks_total",
		Help: "Total number of page requests held until the quota window reset",
	})

	apiRateLimitPacedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dataset_api_rate_limit_paced_total",
		Help: "Total number of page requests paced due to low quota",
	})
)

// DefaultMaxPace caps the pause between requests in the low band.
const DefaultMaxPace = 2 * time.Second

// Tracker monitors the API quota and gates requests.
type Tracker struct {
	mu      sync.RWMutex
	state   State
	maxPace time.Duration
	logger  zerolog.Logger
}

// NewTracker creates a new rate limit tracker.
func NewTracker(logger zerolog.Logger) *Tracker {
	return &Tracker{
		state:   State{Band: BandHealthy},
		maxPace: DefaultMaxPace,
		logger:  logger,
	}
}

// SetMaxPace changes the low-band pause cap.
func (t *Tracker) SetMaxPace(d time.Duration) {
	t.mu.Lock()
	t.maxPace = d
	t.mu.Unlock()
}

// GetState returns the current quota state. It is healthy and not
// Reported until the first quota headers arrive.
func (t *Tracker) GetState() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// UpdateFromHeaders parses the quota headers of a response.
func (t *Tracker) UpdateFromHeaders(headers http.Header) error {
	remainStr := headers.Get(HeaderRemaining)
	if remainStr == "" {
		// APIs without quota headers are fine
		return nil
	}

	remain, err := strconv.Atoi(remainStr)
	if err != nil {
		return fmt.Errorf("parse %s header: %w", HeaderRemaining, err)
	}

	resetStr := headers.Get(HeaderReset)
	if resetStr == "" {
		return fmt.Errorf("%s header missing", HeaderReset)
	}

	resetSeconds, err := strconv.Atoi(resetStr)
	if err != nil {
		return fmt.Errorf("parse %s header: %w", HeaderReset, err)
	}

	var limit int
	if limitStr := headers.Get(HeaderLimit); limitStr != "" {
		if limit, err = strconv.Atoi(limitStr); err != nil {
			return fmt.Errorf("parse %s header: %w", HeaderLimit, err)
		}
	}

	now := time.Now()
	state := State{
		Reported:   true,
		Limit:      limit,
		Remaining:  remain,
		ResetAt:    now.Add(time.Duration(resetSeconds) * time.Second),
		LastUpdate: now,
		Band:       Classify(limit, remain),
	}

	t.mu.Lock()
	t.state = state
	t.mu.Unlock()

	apiRequestsRemaining.Set(float64(remain))

	switch state.Band {
	case BandExhausted:
		t.logger.Error().
			Int("limit", limit).
			Time("reset_at", state.ResetAt).
			Msg("API quota EXHAUSTED - requests will wait for reset")
	case BandLow:
		t.logger.Warn().
			Int("remaining", remain).
			Int("limit", limit).
			Time("reset_at", state.ResetAt).
			Msg("API quota LOW - pacing requests until reset")
	default:
		t.logger.Debug().
			Int("remaining", remain).
			Int("limit", limit).
			Time("reset_at", state.ResetAt).
			Msg("API quota state updated")
	}

	return nil
}

// Wait blocks until a request may be sent, for as long as State.Pace
// says. Returns ctx.Err() if ctx ends first.
func (t *Tracker) Wait(ctx context.Context) error {
	t.mu.RLock()
	state, maxPace := t.state, t.maxPace
	t.mu.RUnlock()

	delay := state.Pace(time.Now(), maxPace)
	if delay <= 0 {
		return ctx.Err()
	}

	if state.Band == BandExhausted {
		t.logger.Warn().
			Dur("wait_duration", delay).
			Msg("API quota exhausted - holding request until reset")
		apiRateLimitBlocksTotal.Inc()
	} else {
		t.logger.Debug().
			Int("remaining", state.Remaining).
			Dur("wait_duration", delay).
			Msg("API quota low - pacing request")
		apiRateLimitPacedTotal.Inc()
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

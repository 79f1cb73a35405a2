package pagination

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/Sternrassler/dataset-loader/pkg/client"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// ErrRetryExhausted indicates a page kept failing after all attempts.
var ErrRetryExhausted = errors.New("retry attempts exhausted")

// Prometheus metrics for page retries.
var (
	fetchRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dataset_fetch_retries_total",
		Help: "Total number of page retry attempts by error class",
	}, []string{"error_class"})

	fetchRetryBackoffSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dataset_fetch_retry_backoff_seconds",
		Help:    "Backoff duration before a page retry",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	})

	fetchRetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dataset_fetch_retry_exhausted_total",
		Help: "Total number of pages that exhausted their retry attempts by error class",
	}, []string{"error_class"})
)

// RetryConfig holds the per-page retry policy.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts per page (including the first request).
	MaxAttempts int

	// InitialBackoff is the wait before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps the wait between attempts.
	MaxBackoff time.Duration

	// BackoffMultiplier grows the backoff after each retry.
	BackoffMultiplier float64

	// Jitter is the relative randomisation applied to each wait (0.2 = ±20%).
	Jitter float64
}

// DefaultRetryConfig returns the default retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.2,
	}
}

// withDefaults fills zero fields from DefaultRetryConfig.
func (c RetryConfig) withDefaults() RetryConfig {
	def := DefaultRetryConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = def.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = def.MaxBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = def.BackoffMultiplier
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		c.Jitter = def.Jitter
	}
	return c
}

// backoffFor returns the un-jittered wait before attempt+1.
func (c RetryConfig) backoffFor(attempt int) time.Duration {
	backoff := float64(c.InitialBackoff)
	for i := 1; i < attempt; i++ {
		backoff *= c.BackoffMultiplier
		if backoff >= float64(c.MaxBackoff) {
			return c.MaxBackoff
		}
	}
	return time.Duration(backoff)
}

// jittered applies ±Jitter randomness to d.
func (c RetryConfig) jittered(d time.Duration) time.Duration {
	if c.Jitter == 0 {
		return d
	}
	return time.Duration(float64(d) * (1 - c.Jitter + rand.Float64()*2*c.Jitter))
}

// errorClassLabel returns the metric label for err.
func errorClassLabel(err error) string {
	if class := client.ClassOf(err); class != "" {
		return string(class)
	}
	return "unknown"
}

// retryWithBackoff calls fn until it succeeds, attempts run out, or ctx ends.
// Every error is retried; page failures are never fatal before exhaustion.
// On exhaustion it returns ErrRetryExhausted joined with the last error.
// On cancellation it returns ctx.Err().
func retryWithBackoff(ctx context.Context, config RetryConfig, logger zerolog.Logger, fn func(attempt int) error) (int, error) {
	var lastErr error

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}

		err := fn(attempt)
		if err == nil {
			if attempt > 1 {
				logger.Info().
					Int("attempt", attempt).
					Msg("Page succeeded after retry")
			}
			return attempt, nil
		}

		// Cancellation mid-request is not a page failure
		if ctx.Err() != nil {
			return attempt, ctx.Err()
		}

		lastErr = err
		class := errorClassLabel(err)

		if attempt >= config.MaxAttempts {
			break
		}

		fetchRetriesTotal.WithLabelValues(class).Inc()

		wait := config.jittered(config.backoffFor(attempt))
		fetchRetryBackoffSeconds.Observe(wait.Seconds())

		logger.Warn().
			Err(err).
			Str("error_class", class).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Msg("Page request failed, retrying after backoff")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Debug().
				Int("attempt", attempt).
				Msg("Context cancelled during retry backoff")
			return attempt, ctx.Err()
		case <-timer.C:
		}
	}

	fetchRetryExhaustedTotal.WithLabelValues(errorClassLabel(lastErr)).Inc()
	logger.Error().
		Err(lastErr).
		Int("max_attempts", config.MaxAttempts).
		Msg("Retry attempts exhausted")

	return config.MaxAttempts, fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, config.MaxAttempts, lastErr)
}

// Package ratelimit tracks the remote API's request quota and gates page
// requests. It reads the X-RateLimit-* headers so a long paginated load
// spreads its remaining requests over the window instead of running into
// refusals.
package ratelimit

import (
	"time"
)

// Response headers the tracker understands. HeaderLimit is optional.
const (
	HeaderLimit     = "X-RateLimit-Limit"
	HeaderRemaining = "X-RateLimit-Remaining"
	HeaderReset     = "X-RateLimit-Reset"
)

// Band classifies how much of the quota window is left.
type Band string

const (
	BandHealthy   Band = "healthy"
	BandLow       Band = "low"
	BandExhausted Band = "exhausted"
)

const (
	// LowFraction is the share of the window limit below which requests
	// are paced.
	LowFraction = 0.1

	// LowFloor is the low-band boundary for APIs that send no limit.
	LowFloor = 10
)

// State is the last quota reported by the API.
type State struct {
	// Reported is false until a response carried quota headers.
	Reported bool `json:"reported"`

	// Limit is the window size, 0 when the API does not send it.
	Limit int `json:"limit,omitempty"`

	Remaining  int       `json:"remaining"`
	ResetAt    time.Time `json:"reset_at"`
	LastUpdate time.Time `json:"last_update"`
	Band       Band      `json:"band"`
}

// Classify returns the band for remaining requests out of limit.
func Classify(limit, remaining int) Band {
	switch {
	case remaining <= 0:
		return BandExhausted
	case limit > 0 && float64(remaining) < float64(limit)*LowFraction:
		return BandLow
	case limit <= 0 && remaining < LowFloor:
		return BandLow
	default:
		return BandHealthy
	}
}

// Pace returns how long the next request should be held at now. An
// exhausted window holds until the reset; a low one spreads the remaining
// requests evenly over the time left, capped at maxDelay. Once the reset
// time has passed nothing is held.
func (s State) Pace(now time.Time, maxDelay time.Duration) time.Duration {
	left := s.ResetAt.Sub(now)
	if !s.Reported || left <= 0 {
		return 0
	}

	switch s.Band {
	case BandExhausted:
		return left
	case BandLow:
		return min(left/time.Duration(s.Remaining+1), maxDelay)
	default:
		return 0
	}
}

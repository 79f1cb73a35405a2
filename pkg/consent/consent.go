// Package consent implements the tri-state permission that gates writes to
// the persistent cache.
//
// The decision is owned by the user: it is only changed through Accept and
// Decline, expires after a configurable period, and reads as Undecided when
// missing or expired. Readers react to transitions through Subscribe.
package consent

import (
	"context"
	"fmt"
	"strings"
)

// State is the user's cache consent decision.
type State int

const (
	// Undecided means the user has not answered (or the answer expired).
	Undecided State = iota
	// Granted allows the cache to be read and written.
	Granted
	// Denied forbids cache writes and requires existing entries to be removed.
	Denied
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case Granted:
		return "granted"
	case Denied:
		return "denied"
	default:
		return "undecided"
	}
}

// ParseState converts a state name back to a State.
func ParseState(s string) (State, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "granted", "accepted", "accept":
		return Granted, nil
	case "denied", "declined", "decline":
		return Denied, nil
	case "undecided", "":
		return Undecided, nil
	default:
		return Undecided, fmt.Errorf("unknown consent state %q", s)
	}
}

// Gate reports whether the cache may be used.
type Gate interface {
	State(ctx context.Context) State
}

// Static is a Gate with a fixed answer.
type Static State

// State implements Gate.
func (s Static) State(context.Context) State {
	return State(s)
}

package consent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/Sternrassler/dataset-loader/pkg/cache"
	"github.com/Sternrassler/dataset-loader/pkg/logging"
	"github.com/rs/zerolog"
)

const (
	// StorageKey is where the decision is persisted.
	StorageKey = "consent:cache"

	// DefaultExpiry is how long a decision stays valid.
	DefaultExpiry = 365 * 24 * time.Hour
)

// Decision is the persisted consent record.
type Decision struct {
	State     State     `json:"state"`
	DecidedAt time.Time `json:"decided_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Listener receives consent transitions.
type Listener func(previous, current State)

// Store persists the decision in a cache backend and notifies listeners on
// change. It implements Gate.
type Store struct {
	backend cache.Backend
	expiry  time.Duration
	now     func() time.Time
	logger  zerolog.Logger

	mu        sync.Mutex
	current   State
	loaded    bool
	nextID    int
	listeners map[int]Listener
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithExpiry overrides DefaultExpiry.
func WithExpiry(d time.Duration) StoreOption {
	return func(s *Store) {
		if d > 0 {
			s.expiry = d
		}
	}
}

// WithClock replaces time.Now (for tests).
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore creates a consent store on top of backend.
func NewStore(backend cache.Backend, opts ...StoreOption) *Store {
	if backend == nil {
		panic("consent backend cannot be nil")
	}
	s := &Store{
		backend:   backend,
		expiry:    DefaultExpiry,
		now:       time.Now,
		logger:    logging.NewLogger("consent"),
		listeners: make(map[int]Listener),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State implements Gate. The persisted decision is re-read on every call so
// expiry and changes made by other processes are observed.
func (s *Store) State(ctx context.Context) State {
	state := s.read(ctx)

	s.mu.Lock()
	previous := s.current
	changed := s.loaded && previous != state
	s.current = state
	s.loaded = true
	listeners := s.snapshotListeners()
	s.mu.Unlock()

	if changed {
		s.notify(listeners, previous, state)
	}
	return state
}

// Accept records a granted decision.
func (s *Store) Accept(ctx context.Context) error {
	return s.decide(ctx, Granted)
}

// Decline records a denied decision.
func (s *Store) Decline(ctx context.Context) error {
	return s.decide(ctx, Denied)
}

// Reset forgets the decision; the state becomes Undecided.
func (s *Store) Reset(ctx context.Context) error {
	if err := s.backend.Delete(ctx, StorageKey); err != nil {
		return err
	}
	s.transition(Undecided)
	return nil
}

// Subscribe registers fn for state transitions and returns a function that
// removes it.
func (s *Store) Subscribe(fn Listener) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Store) decide(ctx context.Context, state State) error {
	now := s.now()
	data, err := json.Marshal(Decision{
		State:     state,
		DecidedAt: now,
		ExpiresAt: now.Add(s.expiry),
	})
	if err != nil {
		return err
	}
	if err := s.backend.SetAll(ctx, map[string][]byte{StorageKey: data}); err != nil {
		return err
	}

	s.logger.Info().Str("state", state.String()).Msg("Cache consent decided")
	s.transition(state)
	return nil
}

func (s *Store) transition(state State) {
	s.mu.Lock()
	previous := s.current
	s.current = state
	s.loaded = true
	listeners := s.snapshotListeners()
	s.mu.Unlock()

	if previous != state {
		s.notify(listeners, previous, state)
	}
}

func (s *Store) read(ctx context.Context) State {
	data, err := s.backend.Get(ctx, StorageKey)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			s.logger.Warn().Err(err).Msg("Failed to read consent, treating as undecided")
		}
		return Undecided
	}

	var d Decision
	if err := json.Unmarshal(data, &d); err != nil {
		s.logger.Warn().Err(err).Msg("Unreadable consent record, treating as undecided")
		return Undecided
	}
	if !s.now().Before(d.ExpiresAt) {
		return Undecided
	}
	return d.State
}

// snapshotListeners must be called with s.mu held.
func (s *Store) snapshotListeners() []Listener {
	out := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		out = append(out, l)
	}
	return out
}

func (s *Store) notify(listeners []Listener, previous, current State) {
	s.logger.Debug().
		Str("from", previous.String()).
		Str("to", current.String()).
		Msg("Consent transition")
	for _, l := range listeners {
		l(previous, current)
	}
}

// Package orchestrator runs a dataset load session: it consults the consent
// gate and the cache, drives the paginated fetch, and keeps consumers
// notified through the debounced scheduler and the activation registry.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/dataset-loader/pkg/activation"
	"github.com/Sternrassler/dataset-loader/pkg/cache"
	"github.com/Sternrassler/dataset-loader/pkg/consent"
	"github.com/Sternrassler/dataset-loader/pkg/dataset"
	"github.com/Sternrassler/dataset-loader/pkg/logging"
	"github.com/Sternrassler/dataset-loader/pkg/pagination"
	"github.com/Sternrassler/dataset-loader/pkg/scheduler"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// ErrClosed is returned by operations on a closed Orchestrator.
var ErrClosed = errors.New("orchestrator closed")

var (
	sessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dataset_sessions_total",
		Help: "Total number of load sessions by data source",
	}, []string{"source"})

	sessionFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dataset_session_failures_total",
		Help: "Total number of sessions that ended in a terminal fetch error",
	})

	datasetRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dataset_records",
		Help: "Number of records in the current dataset",
	})
)

// Source tells where the current dataset came from.
type Source string

const (
	SourceNone    Source = ""
	SourceCache   Source = "cache"
	SourceNetwork Source = "network"
)

// Config holds orchestrator configuration.
type Config struct {
	// CacheKey identifies the dataset in the cache
	CacheKey cache.Key

	// Fetch configures paging and retries
	Fetch pagination.Config

	// DebounceWindow is the scheduler quiet window
	DebounceWindow time.Duration
}

// DefaultConfig returns the compiled-in orchestrator settings.
func DefaultConfig(key cache.Key) Config {
	fetch := pagination.DefaultConfig()
	if key.PageSize > 0 {
		fetch.PageSize = key.PageSize
	}
	key.PageSize = fetch.PageSize
	return Config{
		CacheKey:       key,
		Fetch:          fetch,
		DebounceWindow: scheduler.DefaultWindow,
	}
}

// ConsentNotifier delivers consent transitions. Implemented by consent.Store.
type ConsentNotifier interface {
	Subscribe(fn consent.Listener) func()
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	// Source fetches raw pages (REQUIRED)
	Source pagination.PageSource

	// Cache is optional; without it every session fetches
	Cache *cache.Manager

	// Gate decides whether the cache may be used (default: undecided)
	Gate consent.Gate

	// Consent, if set, is watched for transitions to denied
	Consent ConsentNotifier

	// Normalizer turns raw items into records (default: pass-through)
	Normalizer dataset.Normalizer
}

// Status is the user-visible session state.
type Status struct {
	SessionID string    `json:"session_id,omitempty"`
	Loading   bool      `json:"loading"`
	Source    Source    `json:"source,omitempty"`
	Consent   string    `json:"consent"`
	Records   int       `json:"records"`
	Pages     int       `json:"pages"`
	Rejected  int       `json:"rejected"`
	Retries   int       `json:"retries"`
	Cancelled bool      `json:"cancelled"`
	Error     string    `json:"error,omitempty"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Err is the terminal fetch error until dismissed
	Err error `json:"-"`
}

// Orchestrator owns the dataset and sequences load sessions.
type Orchestrator struct {
	config     Config
	cache      *cache.Manager
	gate       consent.Gate
	normalizer dataset.Normalizer

	fetcher    *pagination.Fetcher
	debouncer  *scheduler.Debouncer
	activation *activation.Manager
	logger     zerolog.Logger

	unsubscribe func()

	// writeMu serializes cache writes with generation changes
	writeMu sync.Mutex

	mu         sync.Mutex
	data       *dataset.Dataset
	status     Status
	generation uint64
	closed     bool
}

// New creates an orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Source == nil {
		return nil, fmt.Errorf("page source is required")
	}
	if cfg.Fetch.PageSize <= 0 {
		cfg.Fetch.PageSize = pagination.DefaultConfig().PageSize
	}
	// The cache key carries the page size so a change of size starts fresh
	cfg.CacheKey.PageSize = cfg.Fetch.PageSize

	gate := deps.Gate
	if gate == nil {
		gate = consent.Static(consent.Undecided)
	}
	normalizer := deps.Normalizer
	if normalizer == nil {
		normalizer = dataset.PassThrough
	}

	o := &Orchestrator{
		config:     cfg,
		cache:      deps.Cache,
		gate:       gate,
		normalizer: normalizer,
		fetcher:    pagination.NewFetcher(deps.Source, cfg.Fetch),
		logger:     logging.NewLogger("orchestrator"),
		data:       dataset.New(),
	}
	o.debouncer = scheduler.NewDebouncer(cfg.DebounceWindow, o.notify)
	o.activation = activation.NewManager(o.Snapshot)

	if deps.Consent != nil {
		o.unsubscribe = deps.Consent.Subscribe(o.onConsentChange)
	}

	return o, nil
}

// Config returns the orchestrator configuration.
func (o *Orchestrator) Config() Config {
	return o.config
}

// Snapshot returns a read-only view of the current dataset.
func (o *Orchestrator) Snapshot() dataset.Snapshot {
	o.mu.Lock()
	data := o.data
	o.mu.Unlock()
	return data.Snapshot()
}

// Start runs a session: a valid cache entry is used when consent is
// granted, otherwise the dataset is fetched. It returns the terminal fetch
// error, if any; the partial dataset is kept either way.
func (o *Orchestrator) Start(ctx context.Context) error {
	return o.run(ctx, false)
}

// Refresh deletes the cached dataset and fetches it again unconditionally.
func (o *Orchestrator) Refresh(ctx context.Context) error {
	return o.run(ctx, true)
}

// Cancel stops the active fetch. Records received so far are kept.
func (o *Orchestrator) Cancel() {
	o.fetcher.Cancel()
}

// ClearCache removes the cached dataset.
func (o *Orchestrator) ClearCache(ctx context.Context) {
	if o.cache == nil {
		return
	}
	o.cache.Delete(ctx, o.config.CacheKey)
	o.logger.Info().Str("key", o.config.CacheKey.String()).Msg("Cache cleared")
}

// CacheStatus returns metadata of the cached dataset. It only reads the
// cache when consent is granted.
func (o *Orchestrator) CacheStatus(ctx context.Context) (*cache.Metadata, error) {
	if o.cache == nil || o.gate.State(ctx) != consent.Granted {
		return nil, cache.ErrCacheMiss
	}
	return o.cache.Metadata(ctx, o.config.CacheKey)
}

// Status returns the current session state.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// DismissError clears a surfaced terminal error.
func (o *Orchestrator) DismissError() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.status.Err = nil
	o.status.Error = ""
}

// Register adds a consumer; see activation.Manager.Register.
func (o *Orchestrator) Register(id string, source activation.ReadinessSource, callback activation.Callback) error {
	return o.activation.Register(id, source, callback)
}

// Unregister removes a consumer.
func (o *Orchestrator) Unregister(id string) error {
	return o.activation.Unregister(id)
}

// IsActivated reports whether a consumer has been activated.
func (o *Orchestrator) IsActivated(id string) bool {
	return o.activation.IsActivated(id)
}

// ForceActivate activates a consumer immediately.
func (o *Orchestrator) ForceActivate(id string) error {
	return o.activation.ForceActivate(id)
}

// MarkReady signals a consumer's readiness.
func (o *Orchestrator) MarkReady(id string) error {
	return o.activation.MarkReady(id)
}

// Consumers lists the registered consumers.
func (o *Orchestrator) Consumers() []activation.Info {
	return o.activation.Registrations()
}

// Close cancels any fetch and releases the scheduler and registry.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.mu.Unlock()

	if o.unsubscribe != nil {
		o.unsubscribe()
	}
	o.fetcher.Cancel()
	o.debouncer.Stop()
	o.activation.Close()
}

func (o *Orchestrator) run(ctx context.Context, force bool) error {
	gen, data, err := o.begin()
	if err != nil {
		return err
	}
	defer o.finish(gen)

	// A superseded fetch must not outlive the new session
	o.fetcher.Stop()

	key := o.config.CacheKey
	state := o.gate.State(ctx)
	o.update(gen, func(s *Status) { s.Consent = state.String() })

	logger := o.logger.With().
		Str("consent", state.String()).
		Bool("refresh", force).
		Logger()

	if o.cache != nil {
		switch state {
		case consent.Denied:
			o.cache.Delete(ctx, key)
		case consent.Granted:
			if force {
				o.cache.Delete(ctx, key)
			} else if entry, err := o.cache.Get(ctx, key); err == nil {
				o.loadFromCache(gen, entry)
				logger.Info().
					Int("records", len(entry.Records)).
					Time("created_at", entry.CreatedAt).
					Msg("Session served from cache")
				return nil
			}
		}
	}

	sessionsTotal.WithLabelValues(string(SourceNetwork)).Inc()
	logger.Info().Msg("Fetching dataset")

	result, fetchErr := o.fetcher.FetchAll(ctx, func(p pagination.Page) []dataset.Record {
		records, rejected := dataset.Normalize(o.normalizer, p.Items)
		if rejected > 0 {
			logger.Debug().
				Int("page", p.Number).
				Int("rejected", rejected).
				Msg("Records rejected by normalizer")
		}
		data.Append(records...)
		o.update(gen, func(s *Status) {
			s.SessionID = p.SessionID
			s.Pages = p.Number
			s.Records = data.Len()
			s.Rejected += rejected
		})
		if o.owns(gen) {
			o.debouncer.Trigger()
		}
		return records
	})

	o.update(gen, func(s *Status) {
		s.Source = SourceNetwork
		s.SessionID = result.SessionID
		s.Pages = result.Pages
		s.Records = data.Len()
		s.Retries = result.Retries
		s.Cancelled = result.Cancelled
	})

	// Final non-debounced notification with the last state
	if o.owns(gen) {
		o.debouncer.Flush()
	}

	if fetchErr != nil {
		sessionFailuresTotal.Inc()
		o.update(gen, func(s *Status) {
			s.Err = fetchErr
			s.Error = fetchErr.Error()
		})
		logger.Error().
			Err(fetchErr).
			Int("records", data.Len()).
			Msg("Session ended with a terminal fetch error, keeping partial data")
		return fetchErr
	}
	if result.Cancelled {
		return nil
	}

	o.store(ctx, gen, data.Snapshot())
	return nil
}

// store caches a complete dataset if gen still owns the session and consent
// is granted before and after the write.
func (o *Orchestrator) store(ctx context.Context, gen uint64, snapshot dataset.Snapshot) {
	if o.cache == nil {
		return
	}
	o.writeMu.Lock()
	defer o.writeMu.Unlock()

	if !o.owns(gen) || o.gate.State(ctx) != consent.Granted {
		return
	}
	o.cache.Put(ctx, o.config.CacheKey, snapshot)

	// Consent denied while the write was in flight; the delete issued on
	// the transition may have run before the write landed.
	if o.gate.State(ctx) != consent.Granted {
		o.logger.Info().Msg("Consent withdrawn during cache write, deleting entry")
		o.cache.Delete(ctx, o.config.CacheKey)
	}
}

// begin claims a new generation with a fresh dataset. Holding writeMu
// orders the claim against an older session's cache write.
func (o *Orchestrator) begin() (uint64, *dataset.Dataset, error) {
	o.writeMu.Lock()
	defer o.writeMu.Unlock()
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return 0, nil, ErrClosed
	}

	o.generation++
	o.data = dataset.New()
	now := time.Now()
	o.status = Status{
		Loading:   true,
		Consent:   o.status.Consent,
		StartedAt: now,
		UpdatedAt: now,
	}
	datasetRecords.Set(0)
	return o.generation, o.data, nil
}

// finish clears Loading if gen still owns the session.
func (o *Orchestrator) finish(gen uint64) {
	o.update(gen, func(s *Status) { s.Loading = false })
}

func (o *Orchestrator) owns(gen uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.generation == gen
}

// update applies fn to the status if gen still owns the session.
func (o *Orchestrator) update(gen uint64, fn func(*Status)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.generation != gen {
		return
	}
	fn(&o.status)
	o.status.UpdatedAt = time.Now()
	datasetRecords.Set(float64(o.status.Records))
}

func (o *Orchestrator) loadFromCache(gen uint64, entry *cache.Entry) {
	o.mu.Lock()
	if o.generation != gen {
		o.mu.Unlock()
		return
	}
	o.data = dataset.FromSnapshot(entry.Records)
	o.status.Source = SourceCache
	o.status.Records = len(entry.Records)
	o.status.UpdatedAt = time.Now()
	o.mu.Unlock()

	sessionsTotal.WithLabelValues(string(SourceCache)).Inc()
	datasetRecords.Set(float64(len(entry.Records)))
	o.debouncer.Flush()
}

// notify is the debounced consumer refresh.
func (o *Orchestrator) notify() {
	snapshot := o.Snapshot()
	o.logger.Debug().Int("records", snapshot.Len()).Msg("Notifying consumers")
	o.activation.Refresh(snapshot)
}

func (o *Orchestrator) onConsentChange(previous, current consent.State) {
	o.mu.Lock()
	o.status.Consent = current.String()
	o.mu.Unlock()

	if current != consent.Denied || o.cache == nil {
		return
	}
	o.logger.Info().
		Str("from", previous.String()).
		Msg("Cache consent denied, deleting cached dataset")
	o.cache.Delete(context.Background(), o.config.CacheKey)
}

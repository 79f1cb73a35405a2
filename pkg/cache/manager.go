package cache

import (
	"context"
	"errors"
	"time"

	"github.com/Sternrassler/dataset-loader/pkg/dataset"
	"github.com/Sternrassler/dataset-loader/pkg/logging"
	"github.com/rs/zerolog"
)

var (
	// ErrCacheMiss indicates no valid entry exists for the key
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the cache entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// Config holds cache manager configuration.
type Config struct {
	// TTL is the maximum age of a valid entry
	TTL time.Duration

	// SchemaVersion is the record schema the running code expects.
	// Bump it whenever the normalized record shape changes.
	SchemaVersion int
}

// DefaultConfig returns the compiled-in cache settings.
func DefaultConfig() Config {
	return Config{
		TTL:           24 * time.Hour,
		SchemaVersion: 1,
	}
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now (for tests).
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithLogger sets the logger used for absorbed storage errors.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// Manager handles dataset caching on top of a Backend.
type Manager struct {
	backend Backend
	config  Config
	now     func() time.Time
	logger  zerolog.Logger
}

// NewManager creates a new cache manager.
func NewManager(backend Backend, cfg Config, opts ...Option) *Manager {
	if backend == nil {
		panic("cache backend cannot be nil")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	m := &Manager{
		backend: backend,
		config:  cfg,
		now:     time.Now,
		logger:  logging.NewLogger("cache"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Config returns the manager configuration.
func (m *Manager) Config() Config {
	return m.config
}

// Get retrieves a valid cache entry by key.
// Returns ErrCacheMiss if the key is absent, expired, written under another
// schema version, or unreadable. Stale entries are deleted as a side effect.
func (m *Manager) Get(ctx context.Context, key Key) (*Entry, error) {
	cacheKey := key.String()

	meta, reason := m.readMetadata(ctx, cacheKey, "get")
	if meta == nil {
		CacheMisses.WithLabelValues(reason).Inc()
		return nil, ErrCacheMiss
	}

	if reason := m.staleReason(meta); reason != "" {
		m.logger.Debug().
			Str("key", cacheKey).
			Str("reason", reason).
			Int("schema_version", meta.SchemaVersion).
			Time("created_at", meta.CreatedAt).
			Msg("Dropping stale cache entry")
		m.remove(ctx, cacheKey)
		CacheMisses.WithLabelValues(reason).Inc()
		return nil, ErrCacheMiss
	}

	data, err := m.backend.Get(ctx, cacheKey)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Metadata without payload: a broken write from an older process
			m.remove(ctx, cacheKey)
			CacheMisses.WithLabelValues("corrupt").Inc()
			return nil, ErrCacheMiss
		}
		CacheErrors.WithLabelValues("get").Inc()
		CacheMisses.WithLabelValues("error").Inc()
		m.logger.Warn().Err(err).Str("key", cacheKey).Msg("Cache read failed, treating as miss")
		return nil, ErrCacheMiss
	}

	entry, err := decodeEntry(data)
	if err != nil || entry.SchemaVersion != m.config.SchemaVersion {
		m.logger.Warn().Err(err).Str("key", cacheKey).Msg("Unreadable cache entry, deleting")
		m.remove(ctx, cacheKey)
		CacheMisses.WithLabelValues("corrupt").Inc()
		return nil, ErrCacheMiss
	}

	CacheHits.Inc()
	m.logger.Debug().
		Str("key", cacheKey).
		Int("items", len(entry.Records)).
		Dur("age", m.now().Sub(entry.CreatedAt)).
		Msg("Cache hit")

	return entry, nil
}

// Put stores records under key with the current time and schema version,
// overwriting any previous entry. Storage failures are logged and dropped so
// the caller keeps working without a cache.
func (m *Manager) Put(ctx context.Context, key Key, records dataset.Snapshot) {
	cacheKey := key.String()
	now := m.now()

	entry := &Entry{
		Key:           cacheKey,
		Records:       records,
		CreatedAt:     now,
		SchemaVersion: m.config.SchemaVersion,
	}

	payload, err := encodeEntry(entry)
	if err != nil {
		CacheErrors.WithLabelValues("put").Inc()
		m.logger.Warn().Err(err).Str("key", cacheKey).Msg("Failed to encode cache entry")
		return
	}

	metaBytes, err := encodeMetadata(&Metadata{
		Key:           cacheKey,
		CreatedAt:     now,
		SchemaVersion: m.config.SchemaVersion,
		ItemCount:     len(records),
		PayloadBytes:  len(payload),
	})
	if err != nil {
		CacheErrors.WithLabelValues("put").Inc()
		m.logger.Warn().Err(err).Str("key", cacheKey).Msg("Failed to encode cache metadata")
		return
	}

	// Payload and metadata in one atomic write
	if err := m.backend.SetAll(ctx, map[string][]byte{
		cacheKey:          payload,
		metaKey(cacheKey): metaBytes,
	}); err != nil {
		CacheErrors.WithLabelValues("put").Inc()
		m.logger.Warn().Err(err).Str("key", cacheKey).Msg("Cache write failed, continuing without cache")
		return
	}

	CacheStoredBytes.Set(float64(len(payload)))
	m.logger.Debug().
		Str("key", cacheKey).
		Int("items", len(records)).
		Int("bytes", len(payload)).
		Dur("ttl", m.config.TTL).
		Msg("Cached dataset")
}

// Delete removes a cache entry. Deleting a missing entry is a no-op.
func (m *Manager) Delete(ctx context.Context, key Key) {
	m.remove(ctx, key.String())
}

// Metadata returns the entry's metadata without decoding the payload.
// Unlike Get it does not delete stale entries; Expired reports the TTL state.
func (m *Manager) Metadata(ctx context.Context, key Key) (*Metadata, error) {
	meta, _ := m.readMetadata(ctx, key.String(), "metadata")
	if meta == nil {
		return nil, ErrCacheMiss
	}
	meta.Expired = IsExpired(meta.CreatedAt, m.now(), m.config.TTL)
	return meta, nil
}

// readMetadata returns the metadata record or nil with a miss reason.
func (m *Manager) readMetadata(ctx context.Context, cacheKey, operation string) (*Metadata, string) {
	data, err := m.backend.Get(ctx, metaKey(cacheKey))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, "absent"
		}
		CacheErrors.WithLabelValues(operation).Inc()
		m.logger.Warn().Err(err).Str("key", cacheKey).Msg("Cache metadata read failed")
		return nil, "error"
	}

	meta, err := decodeMetadata(data)
	if err != nil {
		m.logger.Warn().Err(err).Str("key", cacheKey).Msg("Unreadable cache metadata, deleting")
		m.remove(ctx, cacheKey)
		return nil, "corrupt"
	}
	return meta, ""
}

func (m *Manager) staleReason(meta *Metadata) string {
	if meta.SchemaVersion != m.config.SchemaVersion {
		return "schema"
	}
	if IsExpired(meta.CreatedAt, m.now(), m.config.TTL) {
		return "expired"
	}
	return ""
}

func (m *Manager) remove(ctx context.Context, cacheKey string) {
	if err := m.backend.Delete(ctx, cacheKey, metaKey(cacheKey)); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		m.logger.Warn().Err(err).Str("key", cacheKey).Msg("Cache delete failed")
	}
}

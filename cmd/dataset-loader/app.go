package main

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Sternrassler/dataset-loader/pkg/activation"
	"github.com/Sternrassler/dataset-loader/pkg/cache"
	badgerbackend "github.com/Sternrassler/dataset-loader/pkg/cache/badger"
	"github.com/Sternrassler/dataset-loader/pkg/cache/memory"
	redisbackend "github.com/Sternrassler/dataset-loader/pkg/cache/redis"
	sqlitebackend "github.com/Sternrassler/dataset-loader/pkg/cache/sqlite"
	"github.com/Sternrassler/dataset-loader/pkg/client"
	"github.com/Sternrassler/dataset-loader/pkg/consent"
	"github.com/Sternrassler/dataset-loader/pkg/dataset"
	"github.com/Sternrassler/dataset-loader/pkg/logging"
	"github.com/Sternrassler/dataset-loader/pkg/orchestrator"
	"github.com/Sternrassler/dataset-loader/pkg/pagination"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// app wires the loader components for one process.
type app struct {
	orchestrator *orchestrator.Orchestrator
	consent      *consent.Store
	client       *client.Client
	logger       zerolog.Logger

	// readiness sources of the built-in consumers, by id
	sources map[string]*activation.Threshold

	// ctx outlives requests; background sessions run under it
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closers []func() error
}

// newApp opens the configured backend and builds the orchestrator.
func newApp(ctx context.Context, cfg Config) (*app, error) {
	a := &app{
		logger:  logging.NewLogger("dataset-loader"),
		sources: make(map[string]*activation.Threshold),
	}
	a.ctx, a.cancel = context.WithCancel(ctx)

	cacheBackend, consentBackend, err := a.openBackends(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	clientCfg := client.DefaultConfig(cfg.BaseURL, cfg.Endpoint, cfg.UserAgent)
	clientCfg.Filters = cfg.filterValues()
	clientCfg.Timeout = cfg.RequestTimeout
	a.client, err = client.New(clientCfg)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("create api client: %w", err)
	}

	a.consent = consent.NewStore(consentBackend, consent.WithExpiry(cfg.ConsentExpiry))

	orchCfg := orchestrator.DefaultConfig(cache.Key{
		Endpoint: cfg.Endpoint,
		Filters:  clientCfg.Filters,
		PageSize: cfg.PageSize,
	})
	orchCfg.DebounceWindow = cfg.DebounceWindow
	orchCfg.Fetch.Retry = pagination.DefaultRetryConfig()
	orchCfg.Fetch.Retry.MaxAttempts = cfg.MaxAttempts

	a.orchestrator, err = orchestrator.New(orchCfg, orchestrator.Deps{
		Source: a.client,
		Cache: cache.NewManager(cacheBackend, cache.Config{
			TTL:           cfg.CacheTTL,
			SchemaVersion: cfg.SchemaVersion,
		}),
		Gate:       a.consent,
		Consent:    a.consent,
		Normalizer: dataset.PassThrough,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	for _, id := range cfg.Consumers {
		if err := a.registerConsumer(id, cfg.ActivationMargin); err != nil {
			a.Close()
			return nil, err
		}
	}

	return a, nil
}

// openBackends returns the dataset cache backend and the consent backend.
// Redis gets a second, non-expiring view so consent outlives the cache TTL.
func (a *app) openBackends(ctx context.Context, cfg Config) (cache.Backend, cache.Backend, error) {
	switch cfg.Backend {
	case "redis":
		rdb := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		a.closers = append(a.closers, rdb.Close)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		a.logger.Info().Str("addr", cfg.RedisAddr).Msg("Connected to Redis")
		return redisbackend.New(rdb, cfg.CacheTTL), redisbackend.New(rdb, 0), nil

	case "badger":
		b, err := badgerbackend.Open(cfg.BadgerPath)
		if err != nil {
			return nil, nil, fmt.Errorf("open badger at %s: %w", cfg.BadgerPath, err)
		}
		a.closers = append(a.closers, b.Close)
		return b, b, nil

	case "sqlite":
		b, err := sqlitebackend.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite at %s: %w", cfg.SQLitePath, err)
		}
		a.closers = append(a.closers, b.Close)
		return b, b, nil

	default:
		b := memory.New()
		return b, b, nil
	}
}

// registerConsumer adds a built-in consumer that logs each dataset it is
// handed. It stands in for an external renderer.
func (a *app) registerConsumer(id string, margin float64) error {
	source := activation.NewThreshold(margin)
	logger := a.logger.With().Str("consumer_id", id).Logger()

	err := a.orchestrator.Register(id, source, func(s dataset.Snapshot) {
		logger.Info().Int("records", s.Len()).Msg("Consumer received dataset")
	})
	if err != nil {
		return fmt.Errorf("register consumer %s: %w", id, err)
	}
	a.sources[id] = source
	return nil
}

// reportVisibility forwards a readiness fraction to a built-in consumer.
func (a *app) reportVisibility(id string, fraction float64) error {
	source, ok := a.sources[id]
	if !ok {
		return fmt.Errorf("%w: %s", activation.ErrNotRegistered, id)
	}
	source.Report(fraction)
	return nil
}

// runAsync runs a session in the background under the app context.
func (a *app) runAsync(name string, fn func(context.Context) error) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := fn(a.ctx); err != nil && !errors.Is(err, orchestrator.ErrClosed) {
			a.logger.Error().Err(err).Str("action", name).Msg("Session failed")
		}
	}()
}

// Close stops background work and releases the backends.
func (a *app) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.orchestrator != nil {
		a.orchestrator.Close()
	}
	a.wg.Wait()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to close backend")
		}
	}
	a.closers = nil
}

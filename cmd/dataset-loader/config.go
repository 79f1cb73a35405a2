package main

import (
	"fmt"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is read from DATASET_LOADER_* environment variables.
type Config struct {
	Port      string            `env:"DATASET_LOADER_PORT"       envDefault:"8080"`
	BaseURL   string            `env:"DATASET_LOADER_BASE_URL,required"`
	Endpoint  string            `env:"DATASET_LOADER_ENDPOINT,required"`
	Filters   map[string]string `env:"DATASET_LOADER_FILTERS"`
	UserAgent string            `env:"DATASET_LOADER_USER_AGENT" envDefault:"dataset-loader/0.1.0"`

	PageSize         int           `env:"DATASET_LOADER_PAGE_SIZE"         envDefault:"1000"`
	RequestTimeout   time.Duration `env:"DATASET_LOADER_REQUEST_TIMEOUT"   envDefault:"30s"`
	MaxAttempts      int           `env:"DATASET_LOADER_MAX_ATTEMPTS"      envDefault:"3"`
	CacheTTL         time.Duration `env:"DATASET_LOADER_CACHE_TTL"         envDefault:"24h"`
	SchemaVersion    int           `env:"DATASET_LOADER_SCHEMA_VERSION"    envDefault:"1"`
	DebounceWindow   time.Duration `env:"DATASET_LOADER_DEBOUNCE_WINDOW"   envDefault:"300ms"`
	ActivationMargin float64       `env:"DATASET_LOADER_ACTIVATION_MARGIN" envDefault:"0.1"`

	// Backend is one of memory, redis, badger, sqlite
	Backend    string `env:"DATASET_LOADER_BACKEND"     envDefault:"memory"`
	RedisAddr  string `env:"DATASET_LOADER_REDIS_ADDR"  envDefault:"localhost:6379"`
	RedisDB    int    `env:"DATASET_LOADER_REDIS_DB"    envDefault:"0"`
	BadgerPath string `env:"DATASET_LOADER_BADGER_PATH" envDefault:"./data/badger"`
	SQLitePath string `env:"DATASET_LOADER_SQLITE_PATH" envDefault:"./data/cache.db"`

	ConsentExpiry time.Duration `env:"DATASET_LOADER_CONSENT_EXPIRY" envDefault:"8760h"`

	// Consumers are the ids of the built-in logging consumers
	Consumers []string `env:"DATASET_LOADER_CONSUMERS" envDefault:"summary" envSeparator:","`

	LogLevel    string `env:"DATASET_LOADER_LOG_LEVEL"    envDefault:"info"`
	LogPretty   bool   `env:"DATASET_LOADER_LOG_PRETTY"   envDefault:"false"`
	TraceStdout bool   `env:"DATASET_LOADER_TRACE_STDOUT" envDefault:"false"`
}

// loadConfig parses and validates the environment.
func loadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if _, err := url.ParseRequestURI(c.BaseURL); err != nil {
		return fmt.Errorf("invalid base url %q: %w", c.BaseURL, err)
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("page size must be positive, got %d", c.PageSize)
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("cache ttl must be positive, got %s", c.CacheTTL)
	}
	switch c.Backend {
	case "memory", "redis", "badger", "sqlite":
	default:
		return fmt.Errorf("unknown cache backend %q", c.Backend)
	}
	return nil
}

// filterValues converts the filter map to query values.
func (c Config) filterValues() url.Values {
	if len(c.Filters) == 0 {
		return nil
	}
	values := url.Values{}
	for k, v := range c.Filters {
		values.Set(k, v)
	}
	return values
}

//go:build integration

package integration

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/Sternrassler/dataset-loader/internal/testutil"
	"github.com/Sternrassler/dataset-loader/pkg/cache"
	redisbackend "github.com/Sternrassler/dataset-loader/pkg/cache/redis"
	"github.com/Sternrassler/dataset-loader/pkg/client"
	"github.com/Sternrassler/dataset-loader/pkg/consent"
	"github.com/Sternrassler/dataset-loader/pkg/orchestrator"
	"github.com/Sternrassler/dataset-loader/pkg/pagination"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const endpoint = "/v1/items"

// setupRedis creates a Redis container for integration testing.
func setupRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr: host + ":" + port.Port(),
	})

	cleanup := func() {
		redisClient.Close()
		container.Terminate(ctx)
	}

	return redisClient, cleanup
}

// loader is one process worth of wiring against a shared Redis.
type loader struct {
	orch    *orchestrator.Orchestrator
	consent *consent.Store
	cache   *cache.Manager
	key     cache.Key
}

func newLoader(t *testing.T, rdb *redis.Client, api *testutil.MockAPI, ttl time.Duration) *loader {
	t.Helper()

	c, err := client.New(client.DefaultConfig(api.URL(), api.Path(), "dataset-loader-integration/1.0"))
	if err != nil {
		t.Fatalf("client.New() error = %v", err)
	}

	store := consent.NewStore(redisbackend.New(rdb, 0))
	manager := cache.NewManager(redisbackend.New(rdb, ttl), cache.Config{TTL: ttl, SchemaVersion: 1})

	cfg := orchestrator.DefaultConfig(cache.Key{Endpoint: endpoint})
	cfg.Fetch.PageSize = 2
	cfg.Fetch.Retry = pagination.RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    10 * time.Millisecond,
		MaxBackoff:        50 * time.Millisecond,
		BackoffMultiplier: 2,
	}
	cfg.DebounceWindow = 10 * time.Millisecond

	orch, err := orchestrator.New(cfg, orchestrator.Deps{
		Source:  c,
		Cache:   manager,
		Gate:    store,
		Consent: store,
	})
	if err != nil {
		t.Fatalf("orchestrator.New() error = %v", err)
	}
	t.Cleanup(orch.Close)

	return &loader{orch: orch, consent: store, cache: manager, key: orch.Config().CacheKey}
}

// TestCachedAcrossRestarts verifies a granted session is served from Redis
// by a second loader without touching the API.
func TestCachedAcrossRestarts(t *testing.T) {
	rdb, cleanup := setupRedis(t)
	defer cleanup()

	api := testutil.NewMockAPI(endpoint, testutil.Records(5))
	defer api.Close()

	ctx := context.Background()
	first := newLoader(t, rdb, api, time.Hour)
	if err := first.consent.Accept(ctx); err != nil {
		t.Fatalf("Accept() error = %v", err)
	}

	if err := first.orch.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := first.orch.Snapshot().Len(); got != 5 {
		t.Fatalf("records = %d, want 5", got)
	}
	if got := api.GetRequestCount(); got != 3 {
		t.Errorf("requests = %d, want 3", got)
	}

	api.Reset()
	second := newLoader(t, rdb, api, time.Hour)
	if state := second.consent.State(ctx); state != consent.Granted {
		t.Fatalf("consent = %s in second loader, want granted", state)
	}
	if err := second.orch.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if got := api.GetRequestCount(); got != 0 {
		t.Errorf("requests = %d, want 0 for a cached start", got)
	}
	status := second.orch.Status()
	if status.Source != orchestrator.SourceCache || status.Records != 5 {
		t.Errorf("status = %+v, want 5 records from cache", status)
	}
}

// TestDeclineDeletesEntry verifies denying consent removes the cached dataset.
func TestDeclineDeletesEntry(t *testing.T) {
	rdb, cleanup := setupRedis(t)
	defer cleanup()

	api := testutil.NewMockAPI(endpoint, testutil.Records(3))
	defer api.Close()

	ctx := context.Background()
	l := newLoader(t, rdb, api, time.Hour)
	if err := l.consent.Accept(ctx); err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	if err := l.orch.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := l.cache.Get(ctx, l.key); err != nil {
		t.Fatalf("cache Get() error = %v, want stored entry", err)
	}

	if err := l.consent.Decline(ctx); err != nil {
		t.Fatalf("Decline() error = %v", err)
	}

	if _, err := l.cache.Get(ctx, l.key); err == nil {
		t.Error("cache entry still present after decline")
	}
	if got := l.orch.Snapshot().Len(); got != 3 {
		t.Errorf("in-memory records = %d, want 3 kept after decline", got)
	}
}

// TestRetryThenCache verifies transient failures recover and the complete
// dataset is cached.
func TestRetryThenCache(t *testing.T) {
	rdb, cleanup := setupRedis(t)
	defer cleanup()

	api := testutil.NewMockAPI(endpoint, testutil.Records(6))
	defer api.Close()
	api.FailOffset(2, testutil.MockAPIFailure{Times: 2, StatusCode: http.StatusServiceUnavailable})

	ctx := context.Background()
	l := newLoader(t, rdb, api, time.Hour)
	if err := l.consent.Accept(ctx); err != nil {
		t.Fatalf("Accept() error = %v", err)
	}

	if err := l.orch.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	status := l.orch.Status()
	if status.Records != 6 || status.Retries != 2 {
		t.Errorf("status = %+v, want 6 records with 2 retries", status)
	}
	entry, err := l.cache.Get(ctx, l.key)
	if err != nil {
		t.Fatalf("cache Get() error = %v", err)
	}
	if len(entry.Records) != 6 {
		t.Errorf("cached records = %d, want 6", len(entry.Records))
	}
}

// TestTerminalFailureNotCached verifies a partial dataset never reaches Redis.
func TestTerminalFailureNotCached(t *testing.T) {
	rdb, cleanup := setupRedis(t)
	defer cleanup()

	api := testutil.NewMockAPI(endpoint, testutil.Records(6))
	defer api.Close()
	api.FailOffset(4, testutil.MockAPIFailure{Times: 10, StatusCode: http.StatusBadGateway})

	ctx := context.Background()
	l := newLoader(t, rdb, api, time.Hour)
	if err := l.consent.Accept(ctx); err != nil {
		t.Fatalf("Accept() error = %v", err)
	}

	if err := l.orch.Start(ctx); err == nil {
		t.Fatal("Start() error = nil, want terminal fetch error")
	}
	if got := l.orch.Snapshot().Len(); got != 4 {
		t.Errorf("partial records = %d, want 4", got)
	}
	if _, err := l.cache.Get(ctx, l.key); err == nil {
		t.Error("partial dataset was cached")
	}
}

// TestExpiredEntryRefetched verifies an entry past its TTL is fetched again.
func TestExpiredEntryRefetched(t *testing.T) {
	rdb, cleanup := setupRedis(t)
	defer cleanup()

	api := testutil.NewMockAPI(endpoint, testutil.Records(2))
	defer api.Close()

	ctx := context.Background()
	l := newLoader(t, rdb, api, time.Second)
	if err := l.consent.Accept(ctx); err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	if err := l.orch.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	time.Sleep(1500 * time.Millisecond)
	api.Reset()

	if err := l.orch.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := api.GetRequestCount(); got == 0 {
		t.Error("expired entry was served instead of refetched")
	}
	if src := l.orch.Status().Source; src != orchestrator.SourceNetwork {
		t.Errorf("Source = %q, want network", src)
	}
}

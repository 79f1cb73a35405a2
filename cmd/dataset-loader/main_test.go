package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Sternrassler/dataset-loader/internal/testutil"
	"github.com/Sternrassler/dataset-loader/pkg/orchestrator"
)

func TestLoadConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		t.Setenv("DATASET_LOADER_BASE_URL", "https://api.example.com")
		t.Setenv("DATASET_LOADER_ENDPOINT", "/v1/items")

		cfg, err := loadConfig()
		if err != nil {
			t.Fatalf("loadConfig() error = %v", err)
		}
		if cfg.Port != "8080" {
			t.Errorf("Port = %q, want 8080", cfg.Port)
		}
		if cfg.PageSize != 1000 {
			t.Errorf("PageSize = %d, want 1000", cfg.PageSize)
		}
		if cfg.MaxAttempts != 3 {
			t.Errorf("MaxAttempts = %d, want 3", cfg.MaxAttempts)
		}
		if cfg.CacheTTL != 24*time.Hour {
			t.Errorf("CacheTTL = %s, want 24h", cfg.CacheTTL)
		}
		if cfg.Backend != "memory" {
			t.Errorf("Backend = %q, want memory", cfg.Backend)
		}
		if len(cfg.Consumers) != 1 || cfg.Consumers[0] != "summary" {
			t.Errorf("Consumers = %v, want [summary]", cfg.Consumers)
		}
		if cfg.filterValues() != nil {
			t.Errorf("filterValues() = %v, want nil", cfg.filterValues())
		}
	})

	t.Run("filters and consumers", func(t *testing.T) {
		t.Setenv("DATASET_LOADER_BASE_URL", "https://api.example.com")
		t.Setenv("DATASET_LOADER_ENDPOINT", "/v1/items")
		t.Setenv("DATASET_LOADER_FILTERS", "region:10000002,type:ore")
		t.Setenv("DATASET_LOADER_CONSUMERS", "chart,table")

		cfg, err := loadConfig()
		if err != nil {
			t.Fatalf("loadConfig() error = %v", err)
		}
		if got := cfg.filterValues().Encode(); got != "region=10000002&type=ore" {
			t.Errorf("filterValues() = %q", got)
		}
		if len(cfg.Consumers) != 2 || cfg.Consumers[1] != "table" {
			t.Errorf("Consumers = %v, want [chart table]", cfg.Consumers)
		}
	})

	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "missing base url", env: map[string]string{"DATASET_LOADER_ENDPOINT": "/v1/items"}},
		{name: "missing endpoint", env: map[string]string{"DATASET_LOADER_BASE_URL": "https://api.example.com"}},
		{name: "zero page size", env: map[string]string{
			"DATASET_LOADER_BASE_URL":  "https://api.example.com",
			"DATASET_LOADER_ENDPOINT":  "/v1/items",
			"DATASET_LOADER_PAGE_SIZE": "0",
		}},
		{name: "unknown backend", env: map[string]string{
			"DATASET_LOADER_BASE_URL": "https://api.example.com",
			"DATASET_LOADER_ENDPOINT": "/v1/items",
			"DATASET_LOADER_BACKEND":  "memcached",
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := loadConfig(); err == nil {
				t.Error("loadConfig() error = nil, want error")
			}
		})
	}
}

func testAppConfig(api *testutil.MockAPI) Config {
	return Config{
		BaseURL:          api.URL(),
		Endpoint:         api.Path(),
		UserAgent:        "dataset-loader-test/1.0",
		PageSize:         2,
		RequestTimeout:   5 * time.Second,
		MaxAttempts:      1,
		CacheTTL:         time.Hour,
		SchemaVersion:    1,
		DebounceWindow:   10 * time.Millisecond,
		ActivationMargin: 0.1,
		Backend:          "memory",
		ConsentExpiry:    time.Hour,
		Consumers:        []string{"summary"},
	}
}

func newTestApp(t *testing.T, records int) (*app, *testutil.MockAPI, http.Handler) {
	t.Helper()

	api := testutil.NewMockAPI("/v1/items", testutil.Records(records))
	t.Cleanup(api.Close)

	a, err := newApp(context.Background(), testAppConfig(api))
	if err != nil {
		t.Fatalf("newApp() error = %v", err)
	}
	t.Cleanup(a.Close)

	return a, api, newRouter(a)
}

func doRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func getStatus(t *testing.T, h http.Handler) statusResponse {
	t.Helper()
	w := doRequest(t, h, http.MethodGet, "/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET /status = %d, want 200", w.Code)
	}
	var resp statusResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	return resp
}

func TestHealthEndpoint(t *testing.T) {
	_, _, h := newTestApp(t, 0)

	w := doRequest(t, h, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if w.Body.String() != "OK" {
		t.Errorf("body = %q, want OK", w.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, _, h := newTestApp(t, 0)

	w := doRequest(t, h, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "go_goroutines") {
		t.Error("metrics output missing default collectors")
	}
}

func TestStartAndStatus(t *testing.T) {
	a, api, h := newTestApp(t, 5)

	a.runAsync("start", a.orchestrator.Start)
	a.wg.Wait()

	resp := getStatus(t, h)
	if resp.Session.Records != 5 {
		t.Errorf("Records = %d, want 5", resp.Session.Records)
	}
	if resp.Session.Source != orchestrator.SourceNetwork {
		t.Errorf("Source = %q, want network", resp.Session.Source)
	}
	if resp.Session.Consent != "undecided" {
		t.Errorf("Consent = %q, want undecided", resp.Session.Consent)
	}
	if resp.Cache != nil {
		t.Errorf("Cache = %+v, want nil without consent", resp.Cache)
	}
	if len(resp.Consumers) != 1 || resp.Consumers[0].ID != "summary" {
		t.Errorf("Consumers = %+v, want [summary]", resp.Consumers)
	}
	if got := api.GetRequestCount(); got != 3 {
		t.Errorf("requests = %d, want 3", got)
	}
}

func TestConsentAndRefresh(t *testing.T) {
	a, api, h := newTestApp(t, 3)

	if w := doRequest(t, h, http.MethodPost, "/consent/accept", ""); w.Code != http.StatusNoContent {
		t.Fatalf("POST /consent/accept = %d, want 204", w.Code)
	}

	if w := doRequest(t, h, http.MethodPost, "/refresh", ""); w.Code != http.StatusAccepted {
		t.Fatalf("POST /refresh = %d, want 202", w.Code)
	}
	a.wg.Wait()

	resp := getStatus(t, h)
	if resp.Session.Consent != "granted" {
		t.Errorf("Consent = %q, want granted", resp.Session.Consent)
	}
	if resp.Cache == nil || resp.Cache.ItemCount != 3 {
		t.Fatalf("Cache = %+v, want entry with 3 records", resp.Cache)
	}

	api.Reset()
	a.runAsync("start", a.orchestrator.Start)
	a.wg.Wait()

	if got := api.GetRequestCount(); got != 0 {
		t.Errorf("requests after cached start = %d, want 0", got)
	}
	if resp := getStatus(t, h); resp.Session.Source != orchestrator.SourceCache {
		t.Errorf("Source = %q, want cache", resp.Session.Source)
	}

	if w := doRequest(t, h, http.MethodPost, "/cache/clear", ""); w.Code != http.StatusNoContent {
		t.Fatalf("POST /cache/clear = %d, want 204", w.Code)
	}
	if resp := getStatus(t, h); resp.Cache != nil {
		t.Errorf("Cache = %+v after clear, want nil", resp.Cache)
	}

	if w := doRequest(t, h, http.MethodPost, "/consent/decline", ""); w.Code != http.StatusNoContent {
		t.Fatalf("POST /consent/decline = %d, want 204", w.Code)
	}
	if resp := getStatus(t, h); resp.Session.Consent != "denied" {
		t.Errorf("Consent = %q, want denied", resp.Session.Consent)
	}
}

func TestFetchErrorAndDismiss(t *testing.T) {
	a, api, h := newTestApp(t, 4)
	api.FailOffset(2, testutil.MockAPIFailure{Times: 5, StatusCode: http.StatusInternalServerError})

	a.runAsync("start", a.orchestrator.Start)
	a.wg.Wait()

	resp := getStatus(t, h)
	if resp.Session.Error == "" {
		t.Fatal("Error is empty, want terminal fetch error")
	}

	if w := doRequest(t, h, http.MethodPost, "/status/dismiss", ""); w.Code != http.StatusNoContent {
		t.Fatalf("POST /status/dismiss = %d, want 204", w.Code)
	}
	if resp := getStatus(t, h); resp.Session.Error != "" {
		t.Errorf("Error = %q after dismiss, want empty", resp.Session.Error)
	}
}

func TestConsumerEndpoints(t *testing.T) {
	tests := []struct {
		name      string
		path      string
		body      string
		wantCode  int
		activated bool
	}{
		{name: "ready", path: "/consumers/summary/ready", wantCode: http.StatusNoContent, activated: true},
		{name: "ready unknown", path: "/consumers/chart/ready", wantCode: http.StatusNotFound},
		{name: "visible past threshold", path: "/consumers/summary/visibility", body: `{"fraction":0.5}`, wantCode: http.StatusNoContent, activated: true},
		{name: "visible below threshold", path: "/consumers/summary/visibility", body: `{"fraction":0.05}`, wantCode: http.StatusNoContent},
		{name: "visibility unknown", path: "/consumers/chart/visibility", body: `{"fraction":1}`, wantCode: http.StatusNotFound},
		{name: "visibility bad body", path: "/consumers/summary/visibility", body: `{`, wantCode: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, _, h := newTestApp(t, 1)

			w := doRequest(t, h, http.MethodPost, tt.path, tt.body)
			if w.Code != tt.wantCode {
				t.Fatalf("POST %s = %d, want %d", tt.path, w.Code, tt.wantCode)
			}

			if !tt.activated {
				if a.orchestrator.IsActivated("summary") {
					t.Error("summary activated, want inactive")
				}
				return
			}

			deadline := time.Now().Add(time.Second)
			for !a.orchestrator.IsActivated("summary") {
				if time.Now().After(deadline) {
					t.Fatal("summary not activated")
				}
				time.Sleep(5 * time.Millisecond)
			}
		})
	}
}

func TestCancelEndpoint(t *testing.T) {
	a, api, h := newTestApp(t, 10)
	api.SetDelay(200 * time.Millisecond)

	a.runAsync("start", a.orchestrator.Start)

	deadline := time.Now().Add(time.Second)
	for api.GetRequestCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("fetch never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if w := doRequest(t, h, http.MethodPost, "/cancel", ""); w.Code != http.StatusNoContent {
		t.Fatalf("POST /cancel = %d, want 204", w.Code)
	}
	a.wg.Wait()

	resp := getStatus(t, h)
	if !resp.Session.Cancelled {
		t.Error("Cancelled = false, want true")
	}
	if resp.Session.Loading {
		t.Error("Loading = true after cancel")
	}
}

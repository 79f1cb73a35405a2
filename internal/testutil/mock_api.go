// Package testutil provides testing utilities for the dataset loader.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"
)

// MockAPIFailure describes an injected failure for one page offset.
type MockAPIFailure struct {
	// Times is how many requests for the offset fail before it is served
	Times int

	// StatusCode is the response status (defaults to 503)
	StatusCode int

	// Body replaces the error body; a 200 with a bad body simulates a
	// malformed envelope
	Body string
}

// MockAPI is a paginated read-only API serving {"items": [...]} pages
// from a fixed record list using offset/limit query parameters.
type MockAPI struct {
	server *httptest.Server
	path   string

	mu        sync.RWMutex
	records   []json.RawMessage
	failures  map[int]*MockAPIFailure
	delay     time.Duration
	remaining int
	offsets   []int

	// LastRequestHeader holds the headers of the most recent request
	LastRequestHeader http.Header
}

// NewMockAPI starts a mock API serving records at path.
func NewMockAPI(path string, records []json.RawMessage) *MockAPI {
	mock := &MockAPI{
		path:      path,
		records:   records,
		failures:  make(map[int]*MockAPIFailure),
		remaining: -1,
	}

	mock.server = httptest.NewServer(http.HandlerFunc(mock.handle))
	return mock
}

// Records generates n distinct JSON records {"id":0} .. {"id":n-1}.
func Records(n int) []json.RawMessage {
	out := make([]json.RawMessage, n)
	for i := range out {
		out[i] = json.RawMessage(fmt.Sprintf(`{"id":%d}`, i))
	}
	return out
}

// URL returns the mock server URL.
func (m *MockAPI) URL() string {
	return m.server.URL
}

// Path returns the served endpoint path.
func (m *MockAPI) Path() string {
	return m.path
}

// Close shuts down the mock server.
func (m *MockAPI) Close() {
	m.server.Close()
}

// Reset clears request tracking and injected failures.
func (m *MockAPI) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offsets = nil
	m.failures = make(map[int]*MockAPIFailure)
	m.LastRequestHeader = nil
}

// SetRecords replaces the served dataset.
func (m *MockAPI) SetRecords(records []json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = records
}

// FailOffset injects a failure for requests at offset.
func (m *MockAPI) FailOffset(offset int, failure MockAPIFailure) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if failure.StatusCode == 0 {
		failure.StatusCode = http.StatusServiceUnavailable
	}
	m.failures[offset] = &failure
}

// SetDelay delays every response.
func (m *MockAPI) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// SetRateLimitRemaining sends X-RateLimit-* headers with the given remaining
// quota. A negative value disables the headers.
func (m *MockAPI) SetRateLimitRemaining(remaining int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remaining = remaining
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockAPI) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.offsets)
}

// Offsets returns the requested offsets in arrival order.
func (m *MockAPI) Offsets() []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]int(nil), m.offsets...)
}

func (m *MockAPI) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != m.path {
		http.NotFound(w, r)
		return
	}

	offset, err := strconv.Atoi(r.URL.Query().Get("offset"))
	if err != nil || offset < 0 {
		http.Error(w, "invalid offset", http.StatusBadRequest)
		return
	}
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		http.Error(w, "invalid limit", http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	m.offsets = append(m.offsets, offset)
	m.LastRequestHeader = r.Header.Clone()
	delay := m.delay
	remaining := m.remaining
	var failure *MockAPIFailure
	if f, ok := m.failures[offset]; ok && f.Times > 0 {
		f.Times--
		copied := *f
		failure = &copied
	}
	var page []json.RawMessage
	if offset < len(m.records) {
		end := offset + limit
		if end > len(m.records) {
			end = len(m.records)
		}
		page = m.records[offset:end]
	}
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	if remaining >= 0 {
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", "60")
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")

	if failure != nil {
		w.WriteHeader(failure.StatusCode)
		if failure.Body != "" {
			w.Write([]byte(failure.Body))
		} else {
			w.Write([]byte(`{"error":"injected failure"}`))
		}
		return
	}

	if page == nil {
		page = []json.RawMessage{}
	}
	json.NewEncoder(w).Encode(struct {
		Items []json.RawMessage `json:"items"`
	}{Items: page})
}

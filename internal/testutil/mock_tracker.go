// Package testutil provides testing utilities for the sync engine.
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

// TrackerItem is one item in the mock tracker's dataset.
type TrackerItem struct {
	Key    string         `json:"key"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Injection describes a failure the mock returns before serving real pages
// again.
type Injection struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
	// Remaining counts how many requests still get this injection.
	Remaining int
}

// MockTracker is a configurable mock of the tracker search API. It serves
// GET /api/v2/search with afterKey, pageToken and maxResults semantics, and
// supports injected failures for resilience tests.
type MockTracker struct {
	server *httptest.Server

	mu        sync.Mutex
	items     []TrackerItem
	injection *Injection
	remaining int // rate limit budget advertised in headers

	// Tracking
	RequestCount int
	PageTokens   []string
}

// NewMockTracker creates a mock tracker serving the given dataset.
func NewMockTracker(items []TrackerItem) *MockTracker {
	mock := &MockTracker{
		items:     items,
		remaining: 100,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v2/search", mock.handleSearch)
	mock.server = httptest.NewServer(mux)

	return mock
}

// URL returns the mock server URL.
func (m *MockTracker) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockTracker) Close() {
	m.server.Close()
}

// SetItems replaces the dataset.
func (m *MockTracker) SetItems(items []TrackerItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = items
}

// SetRateLimitRemaining controls the budget advertised in response headers.
func (m *MockTracker) SetRateLimitRemaining(remaining int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remaining = remaining
}

// InjectFailure makes the next n requests fail with the given response.
func (m *MockTracker) InjectFailure(statusCode int, body string, retryAfter time.Duration, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.injection = &Injection{
		StatusCode: statusCode,
		Body:       body,
		RetryAfter: retryAfter,
		Remaining:  n,
	}
}

// GetRequestCount returns the number of search requests served.
func (m *MockTracker) GetRequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.RequestCount
}

type searchPage struct {
	Items         []TrackerItem `json:"items"`
	Total         int           `json:"total"`
	IsLast        bool          `json:"isLast"`
	NextPageToken string        `json:"nextPageToken,omitempty"`
}

func (m *MockTracker) handleSearch(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.RequestCount++
	m.PageTokens = append(m.PageTokens, r.URL.Query().Get("pageToken"))

	// Injected failure takes precedence over the dataset.
	if m.injection != nil && m.injection.Remaining > 0 {
		m.injection.Remaining--
		inj := *m.injection
		m.mu.Unlock()

		if inj.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(inj.RetryAfter.Seconds())))
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(inj.StatusCode)
		if inj.Body != "" {
			w.Write([]byte(inj.Body))
		} else {
			fmt.Fprintf(w, `{"error": "injected failure %d"}`, inj.StatusCode)
		}
		return
	}

	items := m.items
	remaining := m.remaining
	m.mu.Unlock()

	// afterKey narrows the dataset, pageToken/maxResults slice it.
	afterKey := r.URL.Query().Get("afterKey")
	if afterKey != "" {
		for i, item := range items {
			if item.Key == afterKey {
				items = items[i+1:]
				break
			}
		}
	}

	offset := 0
	if token := r.URL.Query().Get("pageToken"); token != "" {
		n, err := strconv.Atoi(token)
		if err != nil || n < 0 || n > len(items) {
			http.Error(w, `{"error": "invalid page token"}`, http.StatusBadRequest)
			return
		}
		offset = n
	}

	pageSize := 50
	if maxResults := r.URL.Query().Get("maxResults"); maxResults != "" {
		if n, err := strconv.Atoi(maxResults); err == nil && n > 0 {
			pageSize = n
		}
	}

	end := offset + pageSize
	if end > len(items) {
		end = len(items)
	}

	page := searchPage{
		Items:  items[offset:end],
		Total:  len(items),
		IsLast: end >= len(items),
	}
	if !page.IsLast {
		page.NextPageToken = strconv.Itoa(end)
	}

	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	w.Header().Set("X-RateLimit-Reset", "60")
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	json.NewEncoder(w).Encode(page)
}

// GenerateItems builds n sequential items keyed ISSUE-1..ISSUE-n.
func GenerateItems(n int) []TrackerItem {
	items := make([]TrackerItem, n)
	for i := range items {
		items[i] = TrackerItem{
			Key: fmt.Sprintf("ISSUE-%d", i+1),
			Fields: map[string]any{
				"summary": fmt.Sprintf("issue number %d", i+1),
				"status":  "open",
			},
		}
	}
	return items
}

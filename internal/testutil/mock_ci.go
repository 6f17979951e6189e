// Package testutil provides testing utilities for the CI API client.
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

// MockResponse defines the behavior for a mock endpoint response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockCI is a configurable mock CI API server for testing.
type MockCI struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]http.HandlerFunc

	requestCount      int
	conditionalCount  int
	pathCounts        map[string]int
	lastRequestHeader http.Header
}

// NewMockCI creates a new mock CI API server.
func NewMockCI() *MockCI {
	mock := &MockCI{
		handlers:   make(map[string]http.HandlerFunc),
		pathCounts: make(map[string]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.requestCount++
		mock.pathCounts[r.URL.Path]++
		mock.lastRequestHeader = r.Header.Clone()
		if r.Header.Get("If-None-Match") != "" || r.Header.Get("If-Modified-Since") != "" {
			mock.conditionalCount++
		}
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.Unlock()

		if exists {
			handler(w, r)
			return
		}

		WriteRateHeaders(w, 4999)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"message":"Not Found"}`))
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockCI) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockCI) Close() {
	m.server.Close()
}

// SetHandler sets a custom handler for a specific path.
func (m *MockCI) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a fixed response for a path.
func (m *MockCI) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}
		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}
		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	})
}

// SetJSON serves v as a 200 response with healthy rate headers.
func (m *MockCI) SetJSON(path string, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("testutil: marshal %s: %v", path, err))
	}
	m.SetResponse(path, NewHealthyResponse(string(body)))
}

// SetJobPages serves pages of the jobs endpoint for a run.
// pages[i] is served for ?page=i+1; pages past the end are empty.
func (m *MockCI) SetJobPages(owner, repo string, runID int64, totalCount int, pages [][]map[string]any) {
	path := fmt.Sprintf("/repos/%s/%s/actions/runs/%d/jobs", owner, repo, runID)
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		jobs := []map[string]any{}
		if page >= 1 && page <= len(pages) {
			jobs = pages[page-1]
		}
		WriteRateHeaders(w, 4999)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"total_count": totalCount,
			"jobs":        jobs,
		})
	})
}

// RequestCount returns the number of requests made to the server.
func (m *MockCI) RequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requestCount
}

// PathCount returns the number of requests made to a path.
func (m *MockCI) PathCount(path string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pathCounts[path]
}

// ConditionalCount returns the number of conditional requests.
func (m *MockCI) ConditionalCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conditionalCount
}

// LastRequestHeader returns the headers of the most recent request.
func (m *MockCI) LastRequestHeader() http.Header {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastRequestHeader
}

// WriteRateHeaders sets X-RateLimit-* headers on w.
func WriteRateHeaders(w http.ResponseWriter, remaining int) {
	w.Header().Set("X-RateLimit-Limit", "5000")
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10))
}

func rateHeaders(remaining int) map[string]string {
	return map[string]string{
		"X-RateLimit-Limit":     "5000",
		"X-RateLimit-Remaining": strconv.Itoa(remaining),
		"X-RateLimit-Reset":     strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10),
		"Content-Type":          "application/json; charset=utf-8",
	}
}

// NewHealthyResponse creates a standard 200 OK response.
func NewHealthyResponse(data string) MockResponse {
	headers := rateHeaders(4999)
	headers["ETag"] = `"test-etag-123"`
	return MockResponse{StatusCode: http.StatusOK, Body: data, Headers: headers}
}

// NewRateLimitResponse creates a 403 response with an exhausted budget.
func NewRateLimitResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusForbidden,
		Body:       `{"message":"API rate limit exceeded"}`,
		Headers:    rateHeaders(0),
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"message":"Server Error"}`,
		Headers:    rateHeaders(4990),
	}
}

// NewConditionalHandler answers 304 when If-None-Match equals etag.
func NewConditionalHandler(etag string, data string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteRateHeaders(w, 4999)
		w.Header().Set("Content-Type", "application/json; charset=utf-8")

		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}

		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(data))
	}
}

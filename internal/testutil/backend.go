// Package testutil provides test helpers shared by the coordination packages.
package testutil

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// Response defines what the backend returns for a route.
type Response struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// Backend is a configurable http.Handler standing in for the application
// handler behind the coordination middleware. It counts invocations so
// tests can tell a cache hit from a pass-through.
type Backend struct {
	mu       sync.RWMutex
	handlers map[string]http.HandlerFunc

	requestCount int
	pathCounts   map[string]int
	lastHeader   http.Header
}

// NewBackend creates a backend answering 200 {"status":"ok"} by default.
func NewBackend() *Backend {
	return &Backend{
		handlers:   make(map[string]http.HandlerFunc),
		pathCounts: make(map[string]int),
	}
}

// ServeHTTP implements http.Handler.
func (b *Backend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.requestCount++
	b.pathCounts[r.Method+" "+r.URL.Path]++
	b.lastHeader = r.Header.Clone()
	handler, ok := b.handlers[r.Method+" "+r.URL.Path]
	if !ok {
		handler, ok = b.handlers[r.URL.Path]
	}
	b.mu.Unlock()

	if ok {
		handler(w, r)
		return
	}
	b.defaultHandler(w, r)
}

// Server starts an httptest server in front of the backend.
func (b *Backend) Server() *httptest.Server {
	return httptest.NewServer(b)
}

// SetHandler registers a handler for "METHOD /path" or "/path".
func (b *Backend) SetHandler(route string, handler http.HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[route] = handler
}

// SetResponse registers a canned response for a route.
func (b *Backend) SetResponse(route string, resp Response) {
	b.SetHandler(route, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}
		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}
		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			_, _ = w.Write([]byte(resp.Body))
		}
	})
}

// RequestCount returns the number of requests that reached the backend.
func (b *Backend) RequestCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.requestCount
}

// PathCount returns how often "METHOD /path" reached the backend.
func (b *Backend) PathCount(method, path string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.pathCounts[method+" "+path]
}

// LastHeader returns the headers of the most recent request.
func (b *Backend) LastHeader() http.Header {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastHeader
}

// Reset clears all counters.
func (b *Backend) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requestCount = 0
	b.pathCounts = make(map[string]int)
	b.lastHeader = nil
}

func (b *Backend) defaultHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// JSON creates a 200 response with a JSON content type.
func JSON(body string) Response {
	return Response{
		StatusCode: http.StatusOK,
		Body:       body,
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
	}
}

// Status creates an empty response with the given status code.
func Status(code int) Response {
	return Response{StatusCode: code}
}

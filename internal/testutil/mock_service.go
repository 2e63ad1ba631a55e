// Package testutil provides a scripted mock remote service for tests.
package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// MockResponse defines one scripted answer.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockService is an httptest server that replays scripted responses per
// path. Each path answers with its script in order and repeats the last
// entry once the script is used up.
type MockService struct {
	server *httptest.Server

	mu       sync.Mutex
	scripts  map[string][]MockResponse
	handlers map[string]http.HandlerFunc
	counts   map[string]int
	bodies   map[string][]string
	headers  map[string]http.Header
	inFlight int
	peak     int
}

// NewMockService starts a mock service. Close it when done.
func NewMockService() *MockService {
	m := &MockService{
		scripts:  make(map[string][]MockResponse),
		handlers: make(map[string]http.HandlerFunc),
		counts:   make(map[string]int),
		bodies:   make(map[string][]string),
		headers:  make(map[string]http.Header),
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.serve))
	return m
}

// URL returns the mock server URL.
func (m *MockService) URL() string {
	return m.server.URL
}

// Client returns an HTTP client for the mock server.
func (m *MockService) Client() *http.Client {
	return m.server.Client()
}

// Close shuts down the mock server.
func (m *MockService) Close() {
	m.server.Close()
}

// Script sets the responses for path.
func (m *MockService) Script(path string, responses ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[path] = responses
}

// SetHandler sets a custom handler for path, replacing any script.
func (m *MockService) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// RequestCount returns the number of requests made to path.
func (m *MockService) RequestCount(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[path]
}

// Bodies returns the request bodies received on path, in arrival order.
func (m *MockService) Bodies(path string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.bodies[path]...)
}

// LastHeader returns the headers of the last request to path.
func (m *MockService) LastHeader(path string) http.Header {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.headers[path]
}

// PeakInFlight returns the highest number of concurrent requests seen.
func (m *MockService) PeakInFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peak
}

func (m *MockService) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	path := r.URL.Path

	m.mu.Lock()
	n := m.counts[path]
	m.counts[path] = n + 1
	m.bodies[path] = append(m.bodies[path], string(body))
	m.headers[path] = r.Header.Clone()
	m.inFlight++
	if m.inFlight > m.peak {
		m.peak = m.inFlight
	}
	handler := m.handlers[path]
	script := m.scripts[path]
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inFlight--
		m.mu.Unlock()
	}()

	if handler != nil {
		handler(w, r)
		return
	}
	if len(script) == 0 {
		http.NotFound(w, r)
		return
	}

	resp := script[min(n, len(script)-1)]
	if resp.Delay > 0 {
		select {
		case <-time.After(resp.Delay):
		case <-r.Context().Done():
			return
		}
	}
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

// NewJSONResponse creates a 200 OK response with body.
func NewJSONResponse(body string) MockResponse {
	return MockResponse{StatusCode: http.StatusOK, Body: body}
}

// NewRateLimitResponse creates a 429 response. An empty retryAfter omits
// the Retry-After header.
func NewRateLimitResponse(retryAfter string) MockResponse {
	resp := MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"error":{"code":429,"message":"Resource has been exhausted (e.g. check quota).","status":"RESOURCE_EXHAUSTED"}}`,
	}
	if retryAfter != "" {
		resp.Headers = map[string]string{"Retry-After": retryAfter}
	}
	return resp
}

// NewServerErrorResponse creates a 503 response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusServiceUnavailable,
		Body:       `{"error":{"code":503,"message":"The model is overloaded.","status":"UNAVAILABLE"}}`,
	}
}

// NewErrorResponse creates an error response with the given status.
func NewErrorResponse(status int, message string) MockResponse {
	return MockResponse{
		StatusCode: status,
		Body:       `{"error":{"message":"` + message + `"}}`,
	}
}

// GeminiText wraps text in a generateContent response body.
func GeminiText(text string) string {
	return `{"candidates":[{"content":{"parts":[{"text":` + quote(text) + `}],"role":"model"},"finishReason":"STOP"}]}`
}

// OpenAIText wraps text in a chat completions response body.
func OpenAIText(text string) string {
	return `{"id":"chatcmpl-1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":` + quote(text) + `},"finish_reason":"stop"}]}`
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

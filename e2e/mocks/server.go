// Package mocks provides a fake Gradio space used by E2E tests and the
// standalone e2e server.
package mocks

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

const (
	uploadPath = "/gradio_api/upload"
	callPrefix = "/gradio_api/call/"
	filePrefix = "/gradio_api/file="
)

// QuotaMessage is the error event a space sends when a token's GPU quota is spent
const QuotaMessage = "You have exceeded your GPU quota (60s requested vs. 0s left). Try again later."

// DefaultImage is returned for every completed prediction unless replaced
var DefaultImage = []byte("RIFF\x1a\x00\x00\x00WEBPVP8 fake-ghibli-image")

// MockServer is a configurable stand-in for a Hugging Face Gradio space.
type MockServer struct {
	mu     sync.RWMutex
	server *httptest.Server

	// Response configuration
	image      []byte
	delay      time.Duration
	quotaUsers map[string]bool

	// Error injection
	uploadStatus int
	errorMessage string

	// Prediction state
	nextID int
	events map[string]string // event id -> bearer token

	// Request tracking for assertions
	requestLog []RequestLog
}

// RequestLog records incoming requests for test assertions.
type RequestLog struct {
	Method string
	Path   string
	Token  string
}

// NewMockServer creates a new fake space that completes every prediction.
func NewMockServer() *MockServer {
	m := &MockServer{
		image:      DefaultImage,
		quotaUsers: make(map[string]bool),
		events:     make(map[string]string),
		requestLog: make([]RequestLog, 0),
	}
	m.server = httptest.NewServer(m)
	return m
}

// URL returns the fake space's base URL.
func (m *MockServer) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockServer) Close() {
	m.server.Close()
}

// ServeHTTP routes Gradio API requests to the matching handler.
func (m *MockServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

	m.mu.Lock()
	m.requestLog = append(m.requestLog, RequestLog{
		Method: r.Method,
		Path:   r.URL.Path,
		Token:  token,
	})
	m.mu.Unlock()

	path := r.URL.Path

	switch {
	case r.Method == http.MethodGet && path == "/config":
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"version": "5.23.1"})
	case r.Method == http.MethodPost && path == uploadPath:
		m.handleUpload(w, r)
	case r.Method == http.MethodPost && strings.HasPrefix(path, callPrefix):
		m.handleCall(w, token)
	case r.Method == http.MethodGet && strings.HasPrefix(path, callPrefix):
		m.handleStream(w, r)
	case r.Method == http.MethodGet && strings.HasPrefix(path, filePrefix):
		m.handleFile(w)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

// GetRequestLog returns all logged requests for assertions.
func (m *MockServer) GetRequestLog() []RequestLog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]RequestLog{}, m.requestLog...)
}

// ClearRequestLog clears the request log.
func (m *MockServer) ClearRequestLog() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestLog = make([]RequestLog, 0)
}

// CallsFor returns how many predictions were queued with the given token.
func (m *MockServer) CallsFor(token string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, entry := range m.requestLog {
		if entry.Method == http.MethodPost && strings.HasPrefix(entry.Path, callPrefix) && entry.Token == token {
			n++
		}
	}
	return n
}

// SetImage configures the image returned by completed predictions.
func (m *MockServer) SetImage(image []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.image = image
}

// SetDelay makes every prediction stream wait before completing.
func (m *MockServer) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// SetQuotaExceeded makes predictions with the given token fail with a quota error.
func (m *MockServer) SetQuotaExceeded(token string, exceeded bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotaUsers[token] = exceeded
}

// SetUploadStatus makes uploads fail with the given status. Zero restores success.
func (m *MockServer) SetUploadStatus(status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploadStatus = status
}

// SetErrorMessage makes every prediction end with an error event carrying message.
func (m *MockServer) SetErrorMessage(message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorMessage = message
}

func (m *MockServer) handleUpload(w http.ResponseWriter, r *http.Request) {
	m.mu.RLock()
	status := m.uploadStatus
	m.mu.RUnlock()

	if status != 0 {
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]string{"error": "metadata could not be loaded"})
		return
	}

	file, header, err := r.FormFile("files")
	if err != nil {
		http.Error(w, "missing files field", http.StatusBadRequest)
		return
	}
	defer file.Close()
	io.Copy(io.Discard, file)

	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode([]string{fmt.Sprintf("/tmp/gradio/%d/%s", id, header.Filename)})
}

func (m *MockServer) handleCall(w http.ResponseWriter, token string) {
	m.mu.Lock()
	m.nextID++
	eventID := fmt.Sprintf("evt-%d", m.nextID)
	m.events[eventID] = token
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"event_id": eventID})
}

func (m *MockServer) handleStream(w http.ResponseWriter, r *http.Request) {
	eventID := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]

	m.mu.RLock()
	token, ok := m.events[eventID]
	delay := m.delay
	quota := m.quotaUsers[token]
	message := m.errorMessage
	m.mu.RUnlock()

	if !ok {
		http.Error(w, "unknown event", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	fmt.Fprint(w, "event: generating\ndata: null\n\n")
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	switch {
	case quota:
		data, _ := json.Marshal(QuotaMessage)
		fmt.Fprintf(w, "event: error\ndata: %s\n\n", data)
	case message != "":
		data, _ := json.Marshal(message)
		fmt.Fprintf(w, "event: error\ndata: %s\n\n", data)
	default:
		path := "/tmp/gradio/out/" + eventID + ".webp"
		data, _ := json.Marshal([]map[string]any{{
			"path": path,
			"url":  m.server.URL + filePrefix + path,
			"meta": map[string]string{"_type": "gradio.FileData"},
		}})
		fmt.Fprintf(w, "event: complete\ndata: %s\n\n", data)
	}
}

func (m *MockServer) handleFile(w http.ResponseWriter) {
	m.mu.RLock()
	image := m.image
	m.mu.RUnlock()

	w.Header().Set("Content-Type", "image/webp")
	w.Write(image)
}

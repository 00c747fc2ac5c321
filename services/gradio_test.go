package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"grokghibli/config"
	"grokghibli/tokens"
)

const testEndpoint = "/single_condition_generate_image"

// fakeSpace mimics the Gradio HTTP API of a hosted space
type fakeSpace struct {
	t *testing.T

	uploadStatus int
	uploadBody   string
	streamEvents string
	fileStatus   []int // status per download attempt, 200 once exhausted
	configStatus int

	probes    atomic.Int32
	uploads   atomic.Int32
	calls     atomic.Int32
	downloads atomic.Int32

	lastAuth   atomic.Value
	lastCall   atomic.Value
	lastUpload atomic.Value
}

func newFakeSpace(t *testing.T) *fakeSpace {
	return &fakeSpace{
		t:            t,
		uploadStatus: http.StatusOK,
		streamEvents: "event: generating\ndata: null\n\nevent: complete\ndata: [{\"path\":\"/tmp/out.webp\",\"url\":\"\"}]\n\n",
	}
}

func (f *fakeSpace) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /config", func(w http.ResponseWriter, r *http.Request) {
		f.probes.Add(1)
		if f.configStatus != 0 {
			w.WriteHeader(f.configStatus)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"version": "5.23.1"})
	})

	mux.HandleFunc("POST /gradio_api/upload", func(w http.ResponseWriter, r *http.Request) {
		f.uploads.Add(1)
		f.lastAuth.Store(r.Header.Get("Authorization"))
		if f.uploadStatus != http.StatusOK {
			w.WriteHeader(f.uploadStatus)
			io.WriteString(w, f.uploadBody)
			return
		}
		file, header, err := r.FormFile("files")
		if err != nil {
			f.t.Errorf("upload without files part: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		f.lastUpload.Store(header.Filename + ":" + string(data))
		json.NewEncoder(w).Encode([]string{"/tmp/gradio/" + header.Filename})
	})

	mux.HandleFunc("POST /gradio_api/call"+testEndpoint, func(w http.ResponseWriter, r *http.Request) {
		f.calls.Add(1)
		body, _ := io.ReadAll(r.Body)
		f.lastCall.Store(string(body))
		json.NewEncoder(w).Encode(map[string]string{"event_id": "evt-1"})
	})

	mux.HandleFunc("GET /gradio_api/call"+testEndpoint+"/evt-1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, f.streamEvents)
	})

	mux.HandleFunc("GET /gradio_api/file=/tmp/out.webp", func(w http.ResponseWriter, r *http.Request) {
		n := int(f.downloads.Add(1))
		if n <= len(f.fileStatus) && f.fileStatus[n-1] != http.StatusOK {
			w.WriteHeader(f.fileStatus[n-1])
			return
		}
		w.Header().Set("Content-Type", "image/webp")
		io.WriteString(w, "RIFFfakewebp")
	})

	return mux
}

func newTestGradio(t *testing.T, space *fakeSpace) (*GradioService, *CircuitBreakerRegistry) {
	t.Helper()
	server := httptest.NewServer(space.handler())
	t.Cleanup(server.Close)

	registry := NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig)
	svc := NewGradioServiceWithClient(server.URL+"/", testEndpoint, server.Client(), registry)
	return svc, registry
}

func testJob() TransformJob {
	return TransformJob{
		Image:       []byte("source-image"),
		Filename:    "cat.png",
		ContentType: "image/png",
		Prompt:      "Ghibli Studio style, colorful landscape",
	}
}

const testToken = tokens.Token("hf_testtoken123456")

func TestNewGradioService(t *testing.T) {
	svc := NewGradioService(config.GradioConfig{
		SpaceURL:       "https://example.hf.space/",
		Endpoint:       testEndpoint,
		RequestTimeout: 5 * time.Second,
	})
	if svc.spaceURL != "https://example.hf.space" {
		t.Errorf("spaceURL = %q, want trailing slash trimmed", svc.spaceURL)
	}
	if svc.httpClient.Timeout != 5*time.Second {
		t.Errorf("timeout = %v, want 5s", svc.httpClient.Timeout)
	}
	if svc.callURL() != "https://example.hf.space/gradio_api/call"+testEndpoint {
		t.Errorf("callURL = %q", svc.callURL())
	}
}

func TestGradioTransform_Success(t *testing.T) {
	space := newFakeSpace(t)
	svc, _ := newTestGradio(t, space)

	result, err := svc.Transform(context.Background(), testToken, testJob())
	if err != nil {
		t.Fatalf("Transform failed: %v", err)
	}

	if string(result.Image) != "RIFFfakewebp" {
		t.Errorf("image = %q", result.Image)
	}
	if result.ContentType != "image/webp" {
		t.Errorf("content type = %q", result.ContentType)
	}
	if !strings.HasSuffix(result.URL, "/gradio_api/file=/tmp/out.webp") {
		t.Errorf("url = %q", result.URL)
	}
	if got := space.lastAuth.Load(); got != "Bearer "+string(testToken) {
		t.Errorf("Authorization = %v", got)
	}
	if got := space.lastUpload.Load(); got != "cat.png:source-image" {
		t.Errorf("upload = %v", got)
	}

	var call struct {
		Data []json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal([]byte(space.lastCall.Load().(string)), &call); err != nil {
		t.Fatalf("call body: %v", err)
	}
	if len(call.Data) != 6 {
		t.Fatalf("expected 6 call arguments, got %d", len(call.Data))
	}
	if !strings.Contains(string(call.Data[1]), `"/tmp/gradio/cat.png"`) ||
		!strings.Contains(string(call.Data[1]), `"gradio.FileData"`) {
		t.Errorf("file argument = %s", call.Data[1])
	}
	wantTail := []string{"512", "512", "42", `"Ghibli"`}
	for i, want := range wantTail {
		if string(call.Data[i+2]) != want {
			t.Errorf("argument %d = %s, want %s", i+2, call.Data[i+2], want)
		}
	}
}

func TestGradioTransform_NoImage(t *testing.T) {
	space := newFakeSpace(t)
	svc, _ := newTestGradio(t, space)

	if _, err := svc.Transform(context.Background(), testToken, TransformJob{}); err == nil {
		t.Error("expected error for empty image")
	}
	if space.uploads.Load() != 0 {
		t.Error("nothing should be uploaded")
	}
}

func TestGradioTransform_QuotaErrorEvent(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"json string", `"You have exceeded your GPU quota (60s requested vs. 12s left)."`},
		{"object", `{"error":"ZeroGPU quota exceeded"}`},
		{"plain text", `You have exceeded your GPU QUOTA`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			space := newFakeSpace(t)
			space.streamEvents = "event: error\ndata: " + tt.data + "\n\n"
			svc, registry := newTestGradio(t, space)

			_, err := svc.Transform(context.Background(), testToken, testJob())
			if !errors.Is(err, ErrQuotaExceeded) {
				t.Fatalf("expected ErrQuotaExceeded, got %v", err)
			}
			if registry.Status()[BreakerGradio].TotalFailures != 0 {
				t.Error("quota rejection should not count against the breaker")
			}
		})
	}
}

func TestGradioTransform_QuotaStatus(t *testing.T) {
	space := newFakeSpace(t)
	space.uploadStatus = http.StatusTooManyRequests
	space.uploadBody = `{"error":"rate limited"}`
	svc, _ := newTestGradio(t, space)

	_, err := svc.Transform(context.Background(), testToken, testJob())
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded for 429, got %v", err)
	}
	if space.calls.Load() != 0 {
		t.Error("call should not run after a failed upload")
	}
}

func TestGradioTransform_ErrorEventWithoutMessage(t *testing.T) {
	space := newFakeSpace(t)
	space.streamEvents = "event: heartbeat\ndata: null\n\nevent: error\ndata: null\n\n"
	svc, _ := newTestGradio(t, space)

	_, err := svc.Transform(context.Background(), testToken, testJob())
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}
	if errors.Is(err, ErrQuotaExceeded) {
		t.Error("generic error should not be a quota error")
	}
}

func TestGradioTransform_UploadServerError(t *testing.T) {
	space := newFakeSpace(t)
	space.uploadStatus = http.StatusInternalServerError
	space.uploadBody = "metadata could not be loaded"
	svc, _ := newTestGradio(t, space)

	_, err := svc.Transform(context.Background(), testToken, testJob())
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}
	if !strings.Contains(err.Error(), "metadata could not be loaded") {
		t.Errorf("error should carry the body, got %v", err)
	}
}

func TestGradioTransform_StreamEndsEarly(t *testing.T) {
	space := newFakeSpace(t)
	space.streamEvents = "event: generating\ndata: null\n\n"
	svc, _ := newTestGradio(t, space)

	_, err := svc.Transform(context.Background(), testToken, testJob())
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}
}

func TestGradioTransform_CompleteWithoutTrailingBlankLine(t *testing.T) {
	space := newFakeSpace(t)
	space.streamEvents = "event: complete\ndata: [{\"path\":\"/tmp/out.webp\"}]"
	svc, _ := newTestGradio(t, space)

	if _, err := svc.Transform(context.Background(), testToken, testJob()); err != nil {
		t.Fatalf("Transform failed: %v", err)
	}
}

func TestGradioTransform_DownloadRetries(t *testing.T) {
	space := newFakeSpace(t)
	space.fileStatus = []int{http.StatusBadGateway, http.StatusBadGateway}
	svc, _ := newTestGradio(t, space)

	result, err := svc.Transform(context.Background(), testToken, testJob())
	if err != nil {
		t.Fatalf("Transform failed: %v", err)
	}
	if space.downloads.Load() != 3 {
		t.Errorf("expected 3 download attempts, got %d", space.downloads.Load())
	}
	if len(result.Image) == 0 {
		t.Error("expected image bytes")
	}
}

func TestGradioTransform_DownloadNotFoundIsPermanent(t *testing.T) {
	space := newFakeSpace(t)
	space.fileStatus = []int{http.StatusNotFound, http.StatusNotFound, http.StatusNotFound}
	svc, _ := newTestGradio(t, space)

	if _, err := svc.Transform(context.Background(), testToken, testJob()); err == nil {
		t.Fatal("expected error for missing result file")
	}
	if space.downloads.Load() != 1 {
		t.Errorf("404 should not be retried, got %d attempts", space.downloads.Load())
	}
}

func TestGradioTransform_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	registry := NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig)
	svc := NewGradioServiceWithClient(url, testEndpoint, &http.Client{Timeout: time.Second}, registry)

	_, err := svc.Transform(context.Background(), testToken, testJob())
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}
}

func TestGradioTransform_BreakerOpens(t *testing.T) {
	space := newFakeSpace(t)
	space.uploadStatus = http.StatusServiceUnavailable
	svc, registry := newTestGradio(t, space)

	for i := 0; i < 5; i++ {
		_, _ = svc.Transform(context.Background(), testToken, testJob())
	}

	if err := svc.Health(context.Background()); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Health() = %v, want ErrCircuitOpen", err)
	}

	uploads := space.uploads.Load()
	_, err := svc.Transform(context.Background(), testToken, testJob())
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
	if space.uploads.Load() != uploads {
		t.Error("open breaker should short-circuit the upload")
	}
	if registry.State(BreakerGradio) != "open" {
		t.Errorf("breaker state = %s", registry.State(BreakerGradio))
	}
}

func TestEventMessage(t *testing.T) {
	tests := []struct {
		data string
		want string
	}{
		{"null", ""},
		{"", ""},
		{`"boom"`, "boom"},
		{`{"message":"bad input"}`, "bad input"},
		{`{"error":"worse"}`, "worse"},
		{"raw text", "raw text"},
	}
	for _, tt := range tests {
		if got := eventMessage(tt.data); got != tt.want {
			t.Errorf("eventMessage(%q) = %q, want %q", tt.data, got, tt.want)
		}
	}
}

func TestCategorizeAPIError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "none"},
		{fmt.Errorf("x: %w", ErrQuotaExceeded), "quota"},
		{fmt.Errorf("x: %w", ErrCircuitOpen), "circuit_open"},
		{errors.New("context deadline exceeded"), "timeout"},
		{errors.New("status 429"), "rate_limit"},
		{errors.New("401 unauthorized"), "auth_error"},
		{errors.New("connection refused"), "connection_error"},
		{errors.New("something else"), "unknown"},
	}
	for _, tt := range tests {
		if got := categorizeAPIError(tt.err); got != tt.want {
			t.Errorf("categorizeAPIError(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestApplyDefaults(t *testing.T) {
	job := TransformJob{Image: []byte("x")}
	applyDefaults(&job)
	if job.Height != 512 || job.Width != 512 || job.Seed != 42 || job.ControlType != "Ghibli" {
		t.Errorf("unexpected defaults: %+v", job)
	}
	if job.Filename == "" || job.ContentType == "" {
		t.Errorf("expected filename and content type defaults: %+v", job)
	}

	custom := TransformJob{Height: 768, Width: 640, Seed: 7, ControlType: "Other"}
	applyDefaults(&custom)
	if custom.Height != 768 || custom.Width != 640 || custom.Seed != 7 || custom.ControlType != "Other" {
		t.Errorf("explicit values overwritten: %+v", custom)
	}
}

func TestGradioHealth(t *testing.T) {
	t.Run("healthy space is cached", func(t *testing.T) {
		space := newFakeSpace(t)
		svc, _ := newTestGradio(t, space)

		for i := 0; i < 3; i++ {
			if err := svc.Health(context.Background()); err != nil {
				t.Fatalf("Health() = %v, want nil", err)
			}
		}
		if n := space.probes.Load(); n != 1 {
			t.Errorf("expected 1 probe, got %d", n)
		}
	})

	t.Run("failing space", func(t *testing.T) {
		space := newFakeSpace(t)
		space.configStatus = http.StatusBadGateway
		svc, _ := newTestGradio(t, space)

		if err := svc.Health(context.Background()); !errors.Is(err, ErrBackendUnavailable) {
			t.Errorf("Health() = %v, want ErrBackendUnavailable", err)
		}

		if err := svc.Health(context.Background()); !errors.Is(err, ErrBackendUnavailable) {
			t.Errorf("cached Health() = %v, want ErrBackendUnavailable", err)
		}
		svc.health.Invalidate()
		svc.Health(context.Background())
		if n := space.probes.Load(); n != 2 {
			t.Errorf("expected 2 probes after invalidation, got %d", n)
		}
	})
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"grokghibli/cache"
	"grokghibli/config"
	"grokghibli/internal/app"
	"grokghibli/models"
	"grokghibli/observability"
	"grokghibli/services"
	"grokghibli/tokens"
)

const testToken = tokens.Token("hf_apitesttoken0001")

// stubBackend returns a fixed image, optionally waiting on block first
type stubBackend struct {
	block chan struct{}
	err   error
}

func (b *stubBackend) Transform(ctx context.Context, tok tokens.Token, job services.TransformJob) (*services.TransformResult, error) {
	if b.block != nil {
		select {
		case <-b.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if b.err != nil {
		return nil, b.err
	}
	return &services.TransformResult{Image: []byte("RIFF-webp-bytes"), ContentType: "image/webp"}, nil
}

func (b *stubBackend) Health(ctx context.Context) error { return nil }

// stubUsers is an in-memory user store
type stubUsers struct {
	mu    sync.Mutex
	users map[string]*models.User
}

func (s *stubUsers) Close()                           {}
func (s *stubUsers) Health(ctx context.Context) error { return nil }

func (s *stubUsers) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.users[email], nil
}

func (s *stubUsers) ConsumeCredit(ctx context.Context, email string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.users[email]
	if u == nil {
		return nil, app.ErrUserNotFound
	}
	if u.MonthlyCredits <= 0 {
		return nil, app.ErrNoCredits
	}
	u.MonthlyCredits--
	return u, nil
}

func (s *stubUsers) RefundCredit(ctx context.Context, email string, chargedResetAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.users[email]
	if u == nil {
		return app.ErrUserNotFound
	}
	u.MonthlyCredits++
	return nil
}

type testServer struct {
	router http.Handler
	store  *cache.MemoryStore
	pool   *tokens.Manager
	app    *app.App
}

// testConfig returns a test configuration
func testConfig() *config.Config {
	return config.NewTestConfig()
}

func newTestServer(t *testing.T, cfg *config.Config, backend services.InferenceBackend, users app.UserStore, limiter *RateLimiter) *testServer {
	t.Helper()

	policy := tokens.DefaultPolicy()
	policy.Location = time.UTC
	pool, err := tokens.NewManager([]tokens.Token{testToken}, policy,
		tokens.WithMetrics(observability.NewMetrics(prometheus.NewRegistry())))
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	store := cache.NewMemoryStore(time.Hour)
	a := app.New(cfg, pool, backend, store, users)
	a.Startup(context.Background())

	return &testServer{
		router: NewRouter(NewHandler(a, cfg), cfg, limiter),
		store:  store,
		pool:   pool,
		app:    a,
	}
}

// testRouter creates a router over a single-token pool and a succeeding backend
func testRouter(t *testing.T) *testServer {
	return newTestServer(t, testConfig(), &stubBackend{}, nil, nil)
}

// multipartRequest builds a transform upload. image may be nil to omit the file.
func multipartRequest(t *testing.T, image []byte, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if image != nil {
		part, err := writer.CreateFormFile("image", "photo.png")
		if err != nil {
			t.Fatalf("CreateFormFile failed: %v", err)
		}
		part.Write(image)
	}
	for k, v := range fields {
		writer.WriteField(k, v)
	}
	writer.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/transform-ghibli", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return response
}

func serve(ts *testServer, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func TestHandler_Health(t *testing.T) {
	t.Run("health check without database", func(t *testing.T) {
		ts := testRouter(t)

		w := serve(ts, httptest.NewRequest(http.MethodGet, "/api/health", nil))

		if w.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", w.Code)
		}

		response := decodeBody(t, w)
		if status, ok := response["status"].(string); !ok || status != "ok" {
			t.Errorf("expected status ok, got %v", response["status"])
		}
		deps := response["services"].(map[string]interface{})
		if deps["database"] != "not_configured" {
			t.Errorf("expected database not_configured, got %v", deps["database"])
		}
	})

	t.Run("degraded when every token is cooling down", func(t *testing.T) {
		ts := testRouter(t)
		ts.pool.MarkQuotaExceeded(testToken)

		response := decodeBody(t, serve(ts, httptest.NewRequest(http.MethodGet, "/api/health", nil)))
		if response["status"] != "degraded" {
			t.Errorf("expected degraded, got %v", response["status"])
		}
	})
}

func TestHandler_Transform(t *testing.T) {
	t.Run("accepts an image and serves the result", func(t *testing.T) {
		ts := testRouter(t)

		w := serve(ts, multipartRequest(t, []byte("png-data"), map[string]string{
			"prompt": "Ghibli Studio style, colorful landscape",
			"height": "512",
			"width":  "512",
		}))
		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
		}

		response := decodeBody(t, w)
		taskID, _ := response["taskId"].(string)
		if taskID == "" {
			t.Fatalf("expected taskId, got %v", response)
		}
		if response["message"] != "Image processing started" || response["estimatedTime"] != "30-60 seconds" {
			t.Errorf("unexpected response: %v", response)
		}

		var check *httptest.ResponseRecorder
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			check = serve(ts, httptest.NewRequest(http.MethodGet, "/api/transform-ghibli/check/"+taskID, nil))
			if check.Header().Get("Content-Type") == "image/webp" {
				break
			}
			time.Sleep(5 * time.Millisecond)
		}

		if check.Code != http.StatusOK || check.Header().Get("Content-Type") != "image/webp" {
			t.Fatalf("expected image result, got %d %s", check.Code, check.Body.String())
		}
		if check.Body.String() != "RIFF-webp-bytes" {
			t.Errorf("unexpected image body %q", check.Body.String())
		}
		if check.Header().Get("Cache-Control") != "no-cache, no-store, must-revalidate" ||
			check.Header().Get("Pragma") != "no-cache" ||
			check.Header().Get("Expires") != "0" {
			t.Errorf("missing no-cache headers: %v", check.Header())
		}
	})

	t.Run("missing image", func(t *testing.T) {
		ts := testRouter(t)
		w := serve(ts, multipartRequest(t, nil, map[string]string{"prompt": "x"}))

		if w.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", w.Code)
		}
		if decodeBody(t, w)["error"] != "No image provided" {
			t.Error("expected 'No image provided' error")
		}
	})

	t.Run("not multipart", func(t *testing.T) {
		ts := testRouter(t)
		req := httptest.NewRequest(http.MethodPost, "/api/transform-ghibli", strings.NewReader(`{"image":"x"}`))
		req.Header.Set("Content-Type", "application/json")

		if w := serve(ts, req); w.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", w.Code)
		}
	})

	t.Run("invalid dimensions", func(t *testing.T) {
		ts := testRouter(t)
		w := serve(ts, multipartRequest(t, []byte("png"), map[string]string{"height": "tall"}))

		if w.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", w.Code)
		}
	})

	t.Run("image too large", func(t *testing.T) {
		cfg := testConfig()
		cfg.Transform.MaxImageBytes = 8
		ts := newTestServer(t, cfg, &stubBackend{}, nil, nil)

		w := serve(ts, multipartRequest(t, []byte("more than eight bytes"), nil))
		if w.Code != http.StatusRequestEntityTooLarge {
			t.Errorf("expected status 413, got %d", w.Code)
		}
	})

	t.Run("pool exhausted", func(t *testing.T) {
		backend := &stubBackend{block: make(chan struct{})}
		ts := newTestServer(t, testConfig(), backend, nil, nil)
		defer close(backend.block)

		if w := serve(ts, multipartRequest(t, []byte("png"), nil)); w.Code != http.StatusOK {
			t.Fatalf("first submit: expected 200, got %d", w.Code)
		}

		w := serve(ts, multipartRequest(t, []byte("png"), nil))
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("expected status 503, got %d", w.Code)
		}
		if w.Header().Get("Retry-After") == "" {
			t.Error("expected Retry-After header")
		}
	})

	t.Run("no credits", func(t *testing.T) {
		users := &stubUsers{users: map[string]*models.User{
			"broke@example.com": {Email: "broke@example.com", MonthlyCredits: 0},
		}}
		ts := newTestServer(t, testConfig(), &stubBackend{}, users, nil)

		w := serve(ts, multipartRequest(t, []byte("png"), map[string]string{"email": "broke@example.com"}))
		if w.Code != http.StatusPaymentRequired {
			t.Errorf("expected status 402, got %d", w.Code)
		}
	})
}

func TestHandler_CheckTask(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown task", func(t *testing.T) {
		ts := testRouter(t)
		w := serve(ts, httptest.NewRequest(http.MethodGet, "/api/transform-ghibli/check/nope", nil))

		if w.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", w.Code)
		}
		if decodeBody(t, w)["status"] != "not_found" {
			t.Error("expected status not_found")
		}
	})

	t.Run("processing", func(t *testing.T) {
		ts := testRouter(t)
		task := models.NewTask("p")
		task.Progress = 40
		task.StartTime = time.Now().Add(-10 * time.Second)
		ts.store.SaveStatus(ctx, task)

		w := serve(ts, httptest.NewRequest(http.MethodGet, "/api/transform-ghibli/check/"+task.ID, nil))
		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", w.Code)
		}
		response := decodeBody(t, w)
		if response["status"] != "processing" || response["progress"] != float64(40) {
			t.Errorf("unexpected response: %v", response)
		}
		if elapsed, _ := response["elapsedTime"].(float64); elapsed < 10 {
			t.Errorf("expected elapsedTime >= 10, got %v", response["elapsedTime"])
		}
	})

	t.Run("failed", func(t *testing.T) {
		ts := testRouter(t)
		task := models.NewTask("p")
		task.Fail(app.MsgNetworkFailed)
		ts.store.SaveStatus(ctx, task)

		w := serve(ts, httptest.NewRequest(http.MethodGet, "/api/transform-ghibli/check/"+task.ID, nil))
		if w.Code != http.StatusInternalServerError {
			t.Fatalf("expected status 500, got %d", w.Code)
		}
		response := decodeBody(t, w)
		if response["status"] != "failed" || response["error"] != app.MsgNetworkFailed {
			t.Errorf("unexpected response: %v", response)
		}
	})

	t.Run("completed without image", func(t *testing.T) {
		ts := testRouter(t)
		task := models.NewTask("p")
		task.Complete()
		ts.store.SaveStatus(ctx, task)

		w := serve(ts, httptest.NewRequest(http.MethodGet, "/api/transform-ghibli/check/"+task.ID, nil))
		if w.Code != http.StatusNotFound {
			t.Fatalf("expected status 404, got %d", w.Code)
		}
		response := decodeBody(t, w)
		if response["status"] != "error" || response["error"] != "Image data not found" {
			t.Errorf("unexpected response: %v", response)
		}
	})
}

func TestHandler_DeleteTask(t *testing.T) {
	ctx := context.Background()
	ts := testRouter(t)

	finished := models.NewTask("p")
	finished.Complete()
	ts.store.SaveStatus(ctx, finished)
	ts.store.SaveImage(ctx, finished.ID, []byte("img"))

	running := models.NewTask("p")
	ts.store.SaveStatus(ctx, running)

	tests := []struct {
		name       string
		id         string
		wantStatus int
		wantError  string
	}{
		{"finished", finished.ID, http.StatusOK, ""},
		{"already deleted", finished.ID, http.StatusNotFound, "Task not found"},
		{"processing", running.ID, http.StatusConflict, "Task is still processing"},
		{"unknown task", "nope", http.StatusNotFound, "Task not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(ts, httptest.NewRequest(http.MethodDelete, "/api/transform-ghibli/"+tt.id, nil))

			if w.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d", tt.wantStatus, w.Code)
			}
			response := decodeBody(t, w)
			if tt.wantError != "" {
				if response["success"] != false || response["error"] != tt.wantError {
					t.Errorf("unexpected response: %v", response)
				}
				return
			}
			if response["success"] != true {
				t.Errorf("unexpected response: %v", response)
			}
		})
	}

	if image, _ := ts.store.GetImage(ctx, finished.ID); image != nil {
		t.Error("deleted task image should be gone")
	}
	if got, _ := ts.store.GetStatus(ctx, running.ID); got == nil {
		t.Error("processing task should be kept")
	}
}

func TestHandler_UpdateProgress(t *testing.T) {
	ts := testRouter(t)
	task := models.NewTask("p")
	ts.store.SaveStatus(context.Background(), task)

	tests := []struct {
		name       string
		id         string
		body       string
		wantStatus int
		wantError  string
	}{
		{"valid", task.ID, `{"progress": 50}`, http.StatusOK, ""},
		{"above range", task.ID, `{"progress": 150}`, http.StatusBadRequest, "Invalid progress value"},
		{"negative", task.ID, `{"progress": -1}`, http.StatusBadRequest, "Invalid progress value"},
		{"not a number", task.ID, `{"progress": "half"}`, http.StatusBadRequest, "Invalid progress value"},
		{"missing", task.ID, `{}`, http.StatusBadRequest, "Invalid progress value"},
		{"unknown task", "nope", `{"progress": 10}`, http.StatusNotFound, "Task not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/transform-ghibli/progress/"+tt.id, strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			w := serve(ts, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d", tt.wantStatus, w.Code)
			}
			response := decodeBody(t, w)
			if tt.wantError != "" {
				if response["success"] != false || response["error"] != tt.wantError {
					t.Errorf("unexpected response: %v", response)
				}
				return
			}
			if response["success"] != true || response["message"] != "Progress updated to 50%" {
				t.Errorf("unexpected response: %v", response)
			}
		})
	}

	got, _ := ts.store.GetStatus(context.Background(), task.ID)
	if got.Progress != 50 {
		t.Errorf("expected stored progress 50, got %d", got.Progress)
	}
}

func TestHandler_TokenStatus(t *testing.T) {
	t.Run("wrong secret", func(t *testing.T) {
		ts := testRouter(t)
		w := serve(ts, httptest.NewRequest(http.MethodGet, "/api/token-status?secret=guess", nil))
		if w.Code != http.StatusUnauthorized {
			t.Errorf("expected status 401, got %d", w.Code)
		}
		if decodeBody(t, w)["error"] != "Unauthorized access" {
			t.Error("expected 'Unauthorized access' error")
		}
	})

	t.Run("no secret configured", func(t *testing.T) {
		cfg := testConfig()
		cfg.HTTP.AdminSecret = ""
		ts := newTestServer(t, cfg, &stubBackend{}, nil, nil)

		w := serve(ts, httptest.NewRequest(http.MethodGet, "/api/token-status?secret=", nil))
		if w.Code != http.StatusUnauthorized {
			t.Errorf("expected status 401, got %d", w.Code)
		}
	})

	t.Run("authorized", func(t *testing.T) {
		ts := testRouter(t)
		w := serve(ts, httptest.NewRequest(http.MethodGet, "/api/token-status?secret="+testConfig().HTTP.AdminSecret, nil))
		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", w.Code)
		}

		body := w.Body.String()
		if strings.Contains(body, string(testToken)) {
			t.Error("token status must not include full tokens")
		}

		var response struct {
			Timestamp time.Time       `json:"timestamp"`
			Summary   tokens.Summary  `json:"summary"`
			Tokens    []tokens.Status `json:"tokens"`
		}
		if err := json.Unmarshal([]byte(body), &response); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if response.Summary.TotalTokens != 1 || response.Summary.AvailableTokens != 1 {
			t.Errorf("unexpected summary: %+v", response.Summary)
		}
		if len(response.Tokens) != 1 || response.Tokens[0].Token != testToken.Redacted() {
			t.Errorf("unexpected tokens: %+v", response.Tokens)
		}
		if response.Timestamp.IsZero() {
			t.Error("expected timestamp")
		}
	})
}

func TestHandler_GetUser(t *testing.T) {
	t.Run("no database", func(t *testing.T) {
		ts := testRouter(t)
		w := serve(ts, httptest.NewRequest(http.MethodGet, "/api/user?email=a@example.com", nil))
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("expected status 503, got %d", w.Code)
		}
	})

	id := uuid.New()
	resetAt := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	users := &stubUsers{users: map[string]*models.User{
		"a@example.com": {ID: id, Email: "a@example.com", Name: "Ann", MonthlyCredits: 29, CreditsResetAt: resetAt},
	}}
	ts := newTestServer(t, testConfig(), &stubBackend{}, users, nil)

	t.Run("missing email", func(t *testing.T) {
		if w := serve(ts, httptest.NewRequest(http.MethodGet, "/api/user", nil)); w.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", w.Code)
		}
	})

	t.Run("unknown user", func(t *testing.T) {
		if w := serve(ts, httptest.NewRequest(http.MethodGet, "/api/user?email=b@example.com", nil)); w.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", w.Code)
		}
	})

	t.Run("found", func(t *testing.T) {
		w := serve(ts, httptest.NewRequest(http.MethodGet, "/api/user?email=a@example.com", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", w.Code)
		}
		response := decodeBody(t, w)
		if response["id"] != id.String() || response["name"] != "Ann" || response["monthlyCredits"] != float64(29) {
			t.Errorf("unexpected response: %v", response)
		}
		if response["creditsResetAt"] != "2026-04-01T00:00:00.000Z" {
			t.Errorf("unexpected creditsResetAt: %v", response["creditsResetAt"])
		}
	})
}

func TestHandler_RateLimit(t *testing.T) {
	limiter := NewRateLimiter(0.001, 1)
	defer limiter.Stop()
	ts := newTestServer(t, testConfig(), &stubBackend{err: services.ErrBackendUnavailable}, nil, limiter)

	first := serve(ts, multipartRequest(t, []byte("png"), nil))
	if first.Code != http.StatusOK {
		t.Fatalf("first submit: expected 200, got %d", first.Code)
	}

	second := serve(ts, multipartRequest(t, []byte("png"), nil))
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status 429, got %d", second.Code)
	}
	if second.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}

	// Polling is not rate limited
	for i := 0; i < 3; i++ {
		w := serve(ts, httptest.NewRequest(http.MethodGet, "/api/transform-ghibli/check/nope", nil))
		if w.Code != http.StatusNotFound {
			t.Errorf("check should not be limited, got %d", w.Code)
		}
	}
}

func TestHandler_Metrics(t *testing.T) {
	ts := testRouter(t)
	w := serve(ts, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
}

func TestHandler_NotFound(t *testing.T) {
	ts := testRouter(t)

	w := serve(ts, httptest.NewRequest(http.MethodGet, "/api/nonexistent", nil))

	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}
}

func TestHandler_MethodsNotAllowed(t *testing.T) {
	ts := testRouter(t)

	tests := []struct {
		name   string
		method string
		path   string
	}{
		{"health with POST", http.MethodPost, "/api/health"},
		{"transform with GET", http.MethodGet, "/api/transform-ghibli"},
		{"check with POST", http.MethodPost, "/api/transform-ghibli/check/abc"},
		{"task with GET", http.MethodGet, "/api/transform-ghibli/abc"},
		{"token status with POST", http.MethodPost, "/api/token-status"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(ts, httptest.NewRequest(tt.method, tt.path, nil))

			if w.Code != http.StatusMethodNotAllowed {
				t.Errorf("expected status 405, got %d", w.Code)
			}
		})
	}
}

func TestHandler_CORSHeaders(t *testing.T) {
	ts := testRouter(t)

	w := serve(ts, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	if w.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Error("missing CORS Allow-Origin header")
	}
}

func TestHandler_OptionsRequest(t *testing.T) {
	ts := testRouter(t)

	w := serve(ts, httptest.NewRequest(http.MethodOptions, "/api/transform-ghibli", nil))

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200 for OPTIONS, got %d", w.Code)
	}
}

func TestHandler_ParseIntField(t *testing.T) {
	h := &Handler{}

	tests := []struct {
		value   string
		want    int
		wantErr bool
	}{
		{"", 0, false},
		{"768", 768, false},
		{" 42 ", 42, false},
		{"-1", 0, true},
		{"abc", 0, true},
	}

	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/?seed="+strings.ReplaceAll(tt.value, " ", "%20"), nil)
		got, err := h.ParseIntField(req, "seed")
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseIntField(%q) = %d, %v", tt.value, got, err)
		}
	}
}

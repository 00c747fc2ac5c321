package services

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"grokghibli/config"
	"grokghibli/observability"
	"grokghibli/tokens"
)

var (
	// ErrQuotaExceeded is returned when the backend rejects a credential for quota
	ErrQuotaExceeded = errors.New("backend quota exceeded")

	// ErrBackendUnavailable is returned when the space answers with an unexpected status
	ErrBackendUnavailable = errors.New("inference backend unavailable")

	// ErrNetwork is returned when the space cannot be reached at all
	ErrNetwork = errors.New("network error")
)

// Default generation parameters
const (
	DefaultHeight      = 512
	DefaultWidth       = 512
	DefaultSeed        = 42
	DefaultControlType = "Ghibli"
)

// maxErrorBody caps how much of a failed response is read into an error
const maxErrorBody = 4 << 10

// GradioService talks to a hosted Gradio space over its HTTP API
type GradioService struct {
	spaceURL   string
	endpoint   string
	httpClient *http.Client
	breakers   *CircuitBreakerRegistry
	retry      RetryConfig
	health     *HealthCache
	probes     singleflight.Group
}

// NewGradioService creates a new GradioService instance
func NewGradioService(cfg config.GradioConfig) *GradioService {
	return &GradioService{
		spaceURL:   strings.TrimRight(cfg.SpaceURL, "/"),
		endpoint:   cfg.Endpoint,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		breakers:   GetGlobalRegistry(),
		retry:      DefaultRetryConfig,
		health:     NewHealthCache(DefaultHealthCacheTTL),
	}
}

// NewGradioServiceWithClient creates a GradioService with an explicit client
// and breaker registry (for testing)
func NewGradioServiceWithClient(spaceURL, endpoint string, client *http.Client, breakers *CircuitBreakerRegistry) *GradioService {
	return &GradioService{
		spaceURL:   strings.TrimRight(spaceURL, "/"),
		endpoint:   endpoint,
		httpClient: client,
		breakers:   breakers,
		retry: RetryConfig{
			MaxRetries:     2,
			InitialBackoff: 10 * time.Millisecond,
			MaxBackoff:     50 * time.Millisecond,
		},
		health: NewHealthCache(DefaultHealthCacheTTL),
	}
}

// fileData is the Gradio reference to an uploaded or generated file
type fileData struct {
	Path string         `json:"path"`
	URL  string         `json:"url,omitempty"`
	Meta map[string]any `json:"meta,omitempty"`
}

type callResponse struct {
	EventID string `json:"event_id"`
}

// Transform runs one image through the space: upload, queue the call,
// wait for the result on the event stream, then download it.
func (s *GradioService) Transform(ctx context.Context, tok tokens.Token, job TransformJob) (*TransformResult, error) {
	if len(job.Image) == 0 {
		return nil, fmt.Errorf("transform job has no image")
	}
	applyDefaults(&job)

	metrics := observability.GetMetrics()
	metrics.RecordExternalAPIRequest(BreakerGradio, "transform")
	timer := metrics.NewTimer()

	result, err := ExecuteTyped(ctx, s.breakers, BreakerGradio, func() (*TransformResult, error) {
		path, err := s.upload(ctx, tok, job)
		if err != nil {
			return nil, err
		}

		eventID, err := s.call(ctx, tok, job, path)
		if err != nil {
			return nil, err
		}

		output, err := s.await(ctx, tok, eventID)
		if err != nil {
			return nil, err
		}

		return s.download(ctx, tok, output)
	})

	timer.ObserveExternalAPI(BreakerGradio, "transform")
	if err != nil {
		metrics.RecordExternalAPIError(BreakerGradio, "transform", categorizeAPIError(err))
	}
	return result, err
}

// Health reports whether the breaker is letting calls through and the
// space answers its config endpoint. Probe results are cached.
func (s *GradioService) Health(ctx context.Context) error {
	if state := s.breakers.State(BreakerGradio); state == "open" {
		return fmt.Errorf("service %s unavailable: %w", BreakerGradio, ErrCircuitOpen)
	}
	if valid, err := s.health.Get(); valid {
		return err
	}

	// Concurrent checks share one probe
	_, err, _ := s.probes.Do("health", func() (any, error) {
		err := s.probe(ctx)
		if ctx.Err() == nil {
			s.health.Set(err)
		}
		return nil, err
	})
	return err
}

func (s *GradioService) probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.spaceURL+"/config", nil)
	if err != nil {
		return fmt.Errorf("failed to create health request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return transportError("health", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError("health", resp)
	}
	return nil
}

func applyDefaults(job *TransformJob) {
	if job.Height <= 0 {
		job.Height = DefaultHeight
	}
	if job.Width <= 0 {
		job.Width = DefaultWidth
	}
	if job.Seed == 0 {
		job.Seed = DefaultSeed
	}
	if job.ControlType == "" {
		job.ControlType = DefaultControlType
	}
	if job.Filename == "" {
		job.Filename = "image.png"
	}
	if job.ContentType == "" {
		job.ContentType = "application/octet-stream"
	}
}

// upload sends the source image and returns its path on the space
func (s *GradioService) upload(ctx context.Context, tok tokens.Token, job TransformJob) (string, error) {
	done := s.observe("upload")

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files"; filename=%q`, job.Filename))
	header.Set("Content-Type", job.ContentType)
	part, err := writer.CreatePart(header)
	if err != nil {
		return "", done(fmt.Errorf("failed to create upload part: %w", err))
	}
	if _, err := part.Write(job.Image); err != nil {
		return "", done(fmt.Errorf("failed to write upload part: %w", err))
	}
	if err := writer.Close(); err != nil {
		return "", done(fmt.Errorf("failed to close upload body: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.spaceURL+"/gradio_api/upload", &body)
	if err != nil {
		return "", done(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	authorize(req, tok)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", done(transportError("upload", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", done(statusError("upload", resp))
	}

	var paths []string
	if err := json.NewDecoder(resp.Body).Decode(&paths); err != nil {
		return "", done(fmt.Errorf("failed to decode upload response: %w", err))
	}
	if len(paths) == 0 || paths[0] == "" {
		return "", done(fmt.Errorf("upload returned no file path: %w", ErrBackendUnavailable))
	}

	return paths[0], done(nil)
}

// call queues a prediction and returns the event id to stream
func (s *GradioService) call(ctx context.Context, tok tokens.Token, job TransformJob, path string) (string, error) {
	done := s.observe("call")

	payload := map[string]any{
		"data": []any{
			job.Prompt,
			fileData{Path: path, Meta: map[string]any{"_type": "gradio.FileData"}},
			job.Height,
			job.Width,
			job.Seed,
			job.ControlType,
		},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", done(fmt.Errorf("failed to marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.callURL(), bytes.NewReader(data))
	if err != nil {
		return "", done(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	authorize(req, tok)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", done(transportError("call", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", done(statusError("call", resp))
	}

	var cr callResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", done(fmt.Errorf("failed to decode call response: %w", err))
	}
	if cr.EventID == "" {
		return "", done(fmt.Errorf("call returned no event id: %w", ErrBackendUnavailable))
	}

	return cr.EventID, done(nil)
}

// await reads the event stream until the space reports completion or an error
func (s *GradioService) await(ctx context.Context, tok tokens.Token, eventID string) (fileData, error) {
	done := s.observe("stream")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.callURL()+"/"+eventID, nil)
	if err != nil {
		return fileData{}, done(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Accept", "text/event-stream")
	authorize(req, tok)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fileData{}, done(transportError("stream", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fileData{}, done(statusError("stream", resp))
	}

	var event string
	var data []string
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64<<10), 4<<20)

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if event == "" && len(data) == 0 {
				continue
			}
			output, finished, err := s.handleEvent(event, strings.Join(data, "\n"))
			if finished || err != nil {
				return output, done(err)
			}
			event, data = "", nil
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := scanner.Err(); err != nil {
		return fileData{}, done(transportError("stream", err))
	}

	// A stream that closes right after its last data line still counts
	if event != "" {
		output, finished, err := s.handleEvent(event, strings.Join(data, "\n"))
		if finished || err != nil {
			return output, done(err)
		}
	}

	return fileData{}, done(fmt.Errorf("event stream ended without a result: %w", ErrBackendUnavailable))
}

// handleEvent interprets one server-sent event. finished is true once the
// stream carries nothing more of interest.
func (s *GradioService) handleEvent(event, data string) (fileData, bool, error) {
	switch event {
	case "complete":
		var outputs []json.RawMessage
		if err := json.Unmarshal([]byte(data), &outputs); err != nil {
			return fileData{}, true, fmt.Errorf("failed to decode result: %w", err)
		}
		if len(outputs) == 0 {
			return fileData{}, true, fmt.Errorf("result has no outputs: %w", ErrBackendUnavailable)
		}
		var output fileData
		if err := json.Unmarshal(outputs[0], &output); err != nil {
			return fileData{}, true, fmt.Errorf("failed to decode result file: %w", err)
		}
		if output.URL == "" && output.Path == "" {
			return fileData{}, true, fmt.Errorf("result has no file: %w", ErrBackendUnavailable)
		}
		return output, true, nil

	case "error":
		return fileData{}, true, classifyMessage(eventMessage(data))

	default:
		// generating, heartbeat and progress events
		observability.Debug("gradio event", "event", event)
		return fileData{}, false, nil
	}
}

// download fetches the generated image, retrying transient failures
func (s *GradioService) download(ctx context.Context, tok tokens.Token, output fileData) (*TransformResult, error) {
	done := s.observe("download")

	fileURL := output.URL
	if fileURL == "" {
		fileURL = s.spaceURL + "/gradio_api/file=" + output.Path
	}

	var result *TransformResult
	err := WithRetry(ctx, s.retry, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
		if err != nil {
			return Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		authorize(req, tok)

		resp, err := s.httpClient.Do(req)
		if err != nil {
			return transportError("download", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return Permanent(statusError("download", resp))
		}
		if resp.StatusCode != http.StatusOK {
			return statusError("download", resp)
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read result image: %w", err)
		}
		if len(body) == 0 {
			return fmt.Errorf("result image is empty")
		}

		contentType := resp.Header.Get("Content-Type")
		if contentType == "" {
			contentType = http.DetectContentType(body)
		}
		result = &TransformResult{
			Image:       body,
			ContentType: contentType,
			URL:         fileURL,
		}
		return nil
	})

	return result, done(err)
}

func (s *GradioService) callURL() string {
	return s.spaceURL + "/gradio_api/call" + s.endpoint
}

// observe records request, latency and error metrics for one step of a transform
func (s *GradioService) observe(operation string) func(error) error {
	metrics := observability.GetMetrics()
	metrics.RecordExternalAPIRequest(BreakerGradio, operation)
	timer := metrics.NewTimer()
	return func(err error) error {
		timer.ObserveExternalAPI(BreakerGradio, operation)
		if err != nil {
			metrics.RecordExternalAPIError(BreakerGradio, operation, categorizeAPIError(err))
		}
		return err
	}
}

func authorize(req *http.Request, tok tokens.Token) {
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+string(tok))
	}
}

func transportError(operation string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", operation, err)
	}
	return fmt.Errorf("%s: %w: %w", operation, ErrNetwork, err)
}

// statusError turns a non-200 response into an error, detecting quota rejections
func statusError(operation string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(body))

	var parsed struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	if json.Unmarshal(body, &parsed) == nil {
		for _, candidate := range []string{parsed.Error, parsed.Message, parsed.Detail} {
			if candidate != "" {
				msg = candidate
				break
			}
		}
	}

	if resp.StatusCode == http.StatusTooManyRequests || isQuotaMessage(msg) {
		return fmt.Errorf("%s: %w: %s", operation, ErrQuotaExceeded, msg)
	}
	return fmt.Errorf("%s returned status %d: %w: %s", operation, resp.StatusCode, ErrBackendUnavailable, msg)
}

// eventMessage extracts the message from an error event payload,
// which may be a JSON string, an object, null, or plain text
func eventMessage(data string) string {
	data = strings.TrimSpace(data)
	if data == "" || data == "null" {
		return ""
	}

	var text string
	if json.Unmarshal([]byte(data), &text) == nil {
		return text
	}

	var obj struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal([]byte(data), &obj) == nil {
		if obj.Error != "" {
			return obj.Error
		}
		if obj.Message != "" {
			return obj.Message
		}
	}

	return data
}

func classifyMessage(msg string) error {
	if isQuotaMessage(msg) {
		return fmt.Errorf("%w: %s", ErrQuotaExceeded, msg)
	}
	if msg == "" {
		msg = "space reported an error without a message"
	}
	return fmt.Errorf("prediction failed: %w: %s", ErrBackendUnavailable, msg)
}

func isQuotaMessage(msg string) bool {
	return strings.Contains(strings.ToLower(msg), "quota")
}

// categorizeAPIError categorizes an error for metrics purposes
func categorizeAPIError(err error) string {
	if err == nil {
		return "none"
	}
	if errors.Is(err, ErrQuotaExceeded) {
		return "quota"
	}
	if errors.Is(err, ErrCircuitOpen) {
		return "circuit_open"
	}
	errStr := err.Error()
	switch {
	case contains(errStr, "timeout", "deadline"):
		return "timeout"
	case contains(errStr, "rate limit", "429"):
		return "rate_limit"
	case contains(errStr, "unauthorized", "401"):
		return "auth_error"
	case contains(errStr, "connection", "network"):
		return "connection_error"
	default:
		return "unknown"
	}
}

// contains checks if the string contains any of the substrings
func contains(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

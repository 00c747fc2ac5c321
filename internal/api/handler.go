package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"grokghibli/config"
	"grokghibli/internal/app"
	"grokghibli/models"
	"grokghibli/observability"
	"grokghibli/services"
)

// multipartOverhead is the room left for form fields around the image
const multipartOverhead = 1 << 20

// Handler handles HTTP API requests
type Handler struct {
	app *app.App
	cfg *config.Config
}

// NewHandler creates a new Handler
func NewHandler(application *app.App, cfg *config.Config) *Handler {
	return &Handler{app: application, cfg: cfg}
}

// TransformResponse is returned when a transform has been accepted
type TransformResponse struct {
	TaskID        string `json:"taskId"`
	Message       string `json:"message"`
	EstimatedTime string `json:"estimatedTime"`
}

// TaskStatusResponse is returned while a task is still running
type TaskStatusResponse struct {
	Status      string `json:"status"`
	Progress    int    `json:"progress"`
	ElapsedTime int64  `json:"elapsedTime"`
	Error       string `json:"error,omitempty"`
}

// ProgressRequest is the body of a progress update
type ProgressRequest struct {
	Progress *int `json:"progress"`
}

// ProgressResponse acknowledges a progress update
type ProgressResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// DeleteTaskResponse is returned when a client discards a finished task
type DeleteTaskResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// UserResponse is the public view of a user's credits
type UserResponse struct {
	ID             uuid.UUID `json:"id"`
	Name           string    `json:"name"`
	Email          string    `json:"email"`
	MonthlyCredits int       `json:"monthlyCredits"`
	CreditsResetAt string    `json:"creditsResetAt"`
}

// HandleHealth returns the health status of the application
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	report := h.app.Health(r.Context())

	status := map[string]interface{}{
		"status":   report.Status,
		"services": report.Services,
		"pool":     report.Pool,
	}

	// Add circuit breaker status
	cbStatus := services.GetGlobalRegistry().Status()
	status["circuit_breakers"] = cbStatus

	// Check if any breakers are open (degraded state)
	for _, cb := range cbStatus {
		if cb.State == "open" {
			status["status"] = "degraded"
			break
		}
	}

	h.jsonResponse(w, status)
}

// HandleTransform accepts an image upload and starts a transform job
func (h *Handler) HandleTransform(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.Transform.MaxImageBytes+multipartOverhead)
	if err := r.ParseMultipartForm(multipartOverhead); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.jsonError(w, "Image is too large", http.StatusRequestEntityTooLarge)
			return
		}
		h.jsonError(w, "Invalid form data", http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("image")
	if err != nil {
		h.jsonError(w, "No image provided", http.StatusBadRequest)
		return
	}
	defer file.Close()

	image, err := io.ReadAll(file)
	if err != nil {
		h.jsonError(w, "Failed to read image", http.StatusBadRequest)
		return
	}

	req := app.TransformRequest{
		Image:       image,
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Prompt:      r.FormValue("prompt"),
		Email:       strings.TrimSpace(r.FormValue("email")),
	}
	for _, field := range []struct {
		name string
		dest *int
	}{
		{"height", &req.Height},
		{"width", &req.Width},
		{"seed", &req.Seed},
	} {
		value, err := h.ParseIntField(r, field.name)
		if err != nil {
			h.jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		*field.dest = value
	}

	task, err := h.app.SubmitTransform(r.Context(), req)
	if err != nil {
		h.transformError(w, err)
		return
	}

	h.jsonResponse(w, TransformResponse{
		TaskID:        task.ID,
		Message:       "Image processing started",
		EstimatedTime: "30-60 seconds",
	})
}

// transformError maps a submit failure to a status code and client message
func (h *Handler) transformError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, app.ErrNoImage):
		h.jsonError(w, "No image provided", http.StatusBadRequest)
	case errors.Is(err, app.ErrImageTooLarge):
		h.jsonError(w, "Image is too large", http.StatusRequestEntityTooLarge)
	case errors.Is(err, app.ErrNoCredits):
		h.jsonError(w, "No credits remaining this month", http.StatusPaymentRequired)
	case errors.Is(err, app.ErrUserNotFound):
		h.jsonError(w, "User not found", http.StatusNotFound)
	case errors.Is(err, app.ErrPoolExhausted), errors.Is(err, app.ErrQueueFull):
		w.Header().Set("Retry-After", "30")
		h.jsonError(w, "Server is busy, please try again later", http.StatusServiceUnavailable)
	case errors.Is(err, app.ErrShuttingDown):
		h.jsonError(w, "Server is shutting down", http.StatusServiceUnavailable)
	default:
		observability.Error("transform submit failed", "error", err)
		h.jsonError(w, "Failed to start image processing", http.StatusInternalServerError)
	}
}

// HandleCheckTask returns the task state, or the image once it is done
func (h *Handler) HandleCheckTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskId")

	result, err := h.app.CheckTask(r.Context(), taskID)
	switch {
	case errors.Is(err, app.ErrTaskNotFound):
		h.jsonStatus(w, map[string]string{"status": "not_found"}, http.StatusNotFound)
		return
	case errors.Is(err, app.ErrImageMissing):
		h.jsonStatus(w, map[string]string{"status": "error", "error": "Image data not found"}, http.StatusNotFound)
		return
	case err != nil:
		observability.WithTask(taskID).Error("failed to check task", "error", err)
		h.jsonStatus(w, map[string]string{"status": "error", "error": "Failed to check status"}, http.StatusInternalServerError)
		return
	}

	task := result.Task
	switch task.Status {
	case models.TaskStatusCompleted:
		w.Header().Set("Content-Type", "image/webp")
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")
		w.Header().Set("Content-Length", strconv.Itoa(len(result.Image)))
		w.Write(result.Image)
	case models.TaskStatusFailed:
		h.jsonStatus(w, TaskStatusResponse{
			Status:      string(task.Status),
			Progress:    task.Progress,
			ElapsedTime: result.ElapsedSeconds,
			Error:       task.Error,
		}, http.StatusInternalServerError)
	default:
		h.jsonResponse(w, TaskStatusResponse{
			Status:      string(task.Status),
			Progress:    task.Progress,
			ElapsedTime: result.ElapsedSeconds,
		})
	}
}

// HandleUpdateProgress records client-reported progress for a task
func (h *Handler) HandleUpdateProgress(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskId")

	var req ProgressRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4<<10)).Decode(&req); err != nil || req.Progress == nil {
		h.jsonStatus(w, ProgressResponse{Error: "Invalid progress value"}, http.StatusBadRequest)
		return
	}

	err := h.app.UpdateProgress(r.Context(), taskID, *req.Progress)
	switch {
	case errors.Is(err, app.ErrInvalidProgress):
		h.jsonStatus(w, ProgressResponse{Error: "Invalid progress value"}, http.StatusBadRequest)
	case errors.Is(err, app.ErrTaskNotFound):
		h.jsonStatus(w, ProgressResponse{Error: "Task not found"}, http.StatusNotFound)
	case err != nil:
		observability.WithTask(taskID).Error("failed to update progress", "error", err)
		h.jsonStatus(w, ProgressResponse{Error: "Failed to update progress"}, http.StatusInternalServerError)
	default:
		h.jsonResponse(w, ProgressResponse{
			Success: true,
			Message: fmt.Sprintf("Progress updated to %d%%", *req.Progress),
		})
	}
}

// HandleDeleteTask discards a finished task once the client has its result
func (h *Handler) HandleDeleteTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskId")

	err := h.app.DeleteTask(r.Context(), taskID)
	switch {
	case errors.Is(err, app.ErrTaskNotFound):
		h.jsonStatus(w, DeleteTaskResponse{Error: "Task not found"}, http.StatusNotFound)
	case errors.Is(err, app.ErrTaskRunning):
		h.jsonStatus(w, DeleteTaskResponse{Error: "Task is still processing"}, http.StatusConflict)
	case err != nil:
		observability.WithTask(taskID).Error("failed to delete task", "error", err)
		h.jsonStatus(w, DeleteTaskResponse{Error: "Failed to delete task"}, http.StatusInternalServerError)
	default:
		h.jsonResponse(w, DeleteTaskResponse{Success: true})
	}
}

// HandleTokenStatus returns the redacted credential pool for operators
func (h *Handler) HandleTokenStatus(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r.URL.Query().Get("secret")) {
		h.jsonError(w, "Unauthorized access", http.StatusUnauthorized)
		return
	}
	h.jsonResponse(w, h.app.TokenStatus())
}

// authorized compares the given secret to ADMIN_SECRET. With no secret
// configured nothing is authorized.
func (h *Handler) authorized(secret string) bool {
	if !h.cfg.HasAdminSecret() || secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(secret), []byte(h.cfg.HTTP.AdminSecret)) == 1
}

// HandleGetUser returns a user's monthly credit state
func (h *Handler) HandleGetUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.app.GetUser(r.Context(), r.URL.Query().Get("email"))
	switch {
	case errors.Is(err, app.ErrNoUserStore):
		h.jsonError(w, "User accounts are not configured", http.StatusServiceUnavailable)
		return
	case errors.Is(err, app.ErrEmailRequired):
		h.jsonError(w, "Email is required", http.StatusBadRequest)
		return
	case errors.Is(err, app.ErrUserNotFound):
		h.jsonError(w, "User not found", http.StatusNotFound)
		return
	case err != nil:
		observability.Error("failed to load user", "error", err)
		h.jsonError(w, "Failed to load user", http.StatusInternalServerError)
		return
	}

	h.jsonResponse(w, UserResponse{
		ID:             user.ID,
		Name:           user.Name,
		Email:          user.Email,
		MonthlyCredits: user.MonthlyCredits,
		CreditsResetAt: user.CreditsResetAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	})
}

// ParseIntField reads an optional integer form field; empty means zero
func (h *Handler) ParseIntField(r *http.Request, name string) (int, error) {
	raw := strings.TrimSpace(r.FormValue(name))
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("invalid %s: %q", name, raw)
	}
	return value, nil
}

func (h *Handler) jsonResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (h *Handler) jsonStatus(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (h *Handler) jsonError(w http.ResponseWriter, message string, status int) {
	h.jsonStatus(w, map[string]string{"error": message}, status)
}

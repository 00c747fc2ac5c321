package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"grokghibli/cache"
	"grokghibli/config"
	"grokghibli/models"
	"grokghibli/observability"
	"grokghibli/repository"
	"grokghibli/services"
	"grokghibli/tokens"
)

var (
	ErrNoImage         = errors.New("no image provided")
	ErrImageTooLarge   = errors.New("image is too large")
	ErrPoolExhausted   = errors.New("all tokens are busy or over quota, please try again later")
	ErrQueueFull       = errors.New("transform queue full, too many concurrent requests - try again later")
	ErrShuttingDown    = errors.New("server is shutting down")
	ErrTaskNotFound    = errors.New("task not found")
	ErrTaskRunning     = errors.New("task is still processing")
	ErrImageMissing    = errors.New("image data not found")
	ErrInvalidProgress = errors.New("invalid progress value")
	ErrNoUserStore     = errors.New("user store not configured")
	ErrEmailRequired   = errors.New("email is required")
	ErrNoCredits       = repository.ErrNoCredits
	ErrUserNotFound    = repository.ErrUserNotFound
)

// User-facing failure messages stored on failed tasks
const (
	MsgConnectionFailed = "API connection failed. Please check API status or try again later."
	MsgNetworkFailed    = "Network connection error. Please check your internet connection."
	MsgTimedOut         = "Image processing timed out. Please try again."
	MsgQuotaExhausted   = "All tokens have reached their GPU quota. Please try again later."
	MsgProcessingFailed = "Image processing failed. Please try again."
)

// UserStore defines the user credit operations needed by App
type UserStore interface {
	Close()
	Health(ctx context.Context) error
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	ConsumeCredit(ctx context.Context, email string) (*models.User, error)
	RefundCredit(ctx context.Context, email string, chargedResetAt time.Time) error
}

// creditCharge remembers a spent credit so a failed job can return it
type creditCharge struct {
	email   string
	resetAt time.Time
}

// TokenPool defines the credential rotation operations needed by App
type TokenPool interface {
	Acquire() (tokens.Token, error)
	StartUsing(tok tokens.Token)
	Finish(tok tokens.Token, elapsed time.Duration)
	Release(tok tokens.Token)
	MarkQuotaExceeded(tok tokens.Token)
	Statuses() []tokens.Status
	Summary() tokens.Summary
	Size() int
	NextReset() time.Time
}

var _ TokenPool = (*tokens.Manager)(nil)

// TransformRequest is one submitted image with its generation options
type TransformRequest struct {
	Image       []byte
	Filename    string
	ContentType string
	Prompt      string
	Height      int
	Width       int
	Seed        int
	Email       string
}

// TaskResult is the state of a task as seen by a polling client
type TaskResult struct {
	Task           *models.Task
	Image          []byte
	ElapsedSeconds int64
}

// TokenReport is the operator view of the credential pool
type TokenReport struct {
	Timestamp time.Time       `json:"timestamp"`
	Summary   tokens.Summary  `json:"summary"`
	Tokens    []tokens.Status `json:"tokens"`
	NextReset *time.Time      `json:"nextReset,omitempty"`
}

// HealthReport summarizes the state of every dependency
type HealthReport struct {
	Status   string            `json:"status"`
	Services map[string]string `json:"services"`
	Pool     tokens.Summary    `json:"pool"`
}

// App struct holds application dependencies using interfaces for testability
type App struct {
	ctx     context.Context
	cancel  context.CancelFunc
	cfg     *config.Config
	pool    TokenPool
	backend services.InferenceBackend
	store   cache.Store
	users   UserStore
	now     func() time.Time

	jobSem  chan struct{}
	jobs    sync.WaitGroup
	mu      sync.RWMutex
	closing bool
}

// New creates a new App application struct. users may be nil when no
// database is configured; credits are then not enforced.
func New(cfg *config.Config, pool TokenPool, backend services.InferenceBackend, store cache.Store, users UserStore) *App {
	ctx, cancel := context.WithCancel(context.Background())
	return &App{
		ctx:     ctx,
		cancel:  cancel,
		cfg:     cfg,
		pool:    pool,
		backend: backend,
		store:   store,
		users:   users,
		now:     time.Now,
		jobSem:  make(chan struct{}, cfg.Transform.MaxConcurrent),
	}
}

// Startup is called when the app starts. Jobs inherit the values of ctx
// but not its cancellation; only Shutdown cancels running jobs.
func (a *App) Startup(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		a.cancel()
	}
	a.ctx, a.cancel = context.WithCancel(context.WithoutCancel(ctx))
	a.closing = false
}

// Shutdown stops accepting work and waits for running jobs. When ctx
// expires first, running jobs are cancelled and marked failed.
func (a *App) Shutdown(ctx context.Context) {
	a.mu.Lock()
	a.closing = true
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.jobs.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		observability.Warn("shutdown deadline reached, cancelling running transforms")
		a.cancel()
		<-done
	}
	a.cancel()

	if a.users != nil {
		a.users.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			observability.Warn("failed to close task store", "error", err)
		}
	}
}

// HasUserStore reports whether credits are enforced
func (a *App) HasUserStore() bool {
	return a.users != nil
}

// SubmitTransform validates the request, reserves a token and starts the
// transform in the background. The returned task is in processing state.
func (a *App) SubmitTransform(ctx context.Context, req TransformRequest) (*models.Task, error) {
	if len(req.Image) == 0 {
		return nil, ErrNoImage
	}
	if int64(len(req.Image)) > a.cfg.Transform.MaxImageBytes {
		return nil, fmt.Errorf("%w: %d bytes, limit is %d", ErrImageTooLarge, len(req.Image), a.cfg.Transform.MaxImageBytes)
	}

	// Register with the job group under the lock so Shutdown either
	// rejects this request or waits for it.
	a.mu.RLock()
	if a.closing {
		a.mu.RUnlock()
		return nil, ErrShuttingDown
	}
	a.jobs.Add(1)
	a.mu.RUnlock()

	started := false
	defer func() {
		if !started {
			a.jobs.Done()
		}
	}()

	select {
	case a.jobSem <- struct{}{}:
	default:
		return nil, ErrQueueFull
	}
	releaseSlot := func() { <-a.jobSem }

	tok, err := a.pool.Acquire()
	if err != nil {
		releaseSlot()
		if errors.Is(err, tokens.ErrNoTokenAvailable) {
			return nil, ErrPoolExhausted
		}
		return nil, err
	}

	var charge *creditCharge
	if a.users != nil && req.Email != "" {
		user, err := a.users.ConsumeCredit(ctx, req.Email)
		if err != nil {
			a.pool.Release(tok)
			releaseSlot()
			return nil, err
		}
		charge = &creditCharge{email: req.Email}
		if user != nil {
			charge.resetAt = user.CreditsResetAt
		}
	}

	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		prompt = a.cfg.Transform.DefaultPrompt
	}

	task := models.NewTask(prompt)
	task.StartTime = a.now()
	if err := a.store.SaveStatus(ctx, task); err != nil {
		a.pool.Release(tok)
		releaseSlot()
		a.refund(task.ID, charge)
		return nil, fmt.Errorf("failed to save task status: %w", err)
	}

	job := services.TransformJob{
		Image:       req.Image,
		Filename:    req.Filename,
		ContentType: req.ContentType,
		Prompt:      prompt,
		Height:      req.Height,
		Width:       req.Width,
		Seed:        req.Seed,
	}

	a.pool.StartUsing(tok)
	observability.WithTask(task.ID).Info("transform started",
		"token", tok.Redacted(),
		"prompt", prompt)

	snapshot := *task

	started = true
	go func() {
		defer a.jobs.Done()
		defer releaseSlot()
		a.runJob(task, tok, job, charge)
	}()

	return &snapshot, nil
}

// runJob drives one task to a terminal state. A quota rejection moves the
// job to the next available token, at most once per token in the pool.
// A job that ends failed gives back the credit it was charged.
func (a *App) runJob(task *models.Task, tok tokens.Token, job services.TransformJob, charge *creditCharge) {
	a.mu.RLock()
	parent := a.ctx
	a.mu.RUnlock()

	ctx, cancel := context.WithTimeout(parent, a.cfg.Transform.JobTimeout)
	defer cancel()

	log := observability.WithTask(task.ID)
	metrics := observability.GetMetrics()
	maxAttempts := a.pool.Size()

	for {
		start := a.now()
		result, err := a.backend.Transform(ctx, tok, job)
		elapsed := a.now().Sub(start)

		switch {
		case err == nil:
			a.pool.Finish(tok, elapsed)
			a.complete(task, charge, result.Image)
			log.Info("transform completed",
				"token", tok.Redacted(),
				"elapsed", elapsed,
				"attempts", task.Attempts)
			return

		case errors.Is(err, services.ErrQuotaExceeded):
			a.pool.MarkQuotaExceeded(tok)
			log.Warn("token hit backend quota",
				"token", tok.Redacted(),
				"attempt", task.Attempts,
				"error", err)

			if task.Attempts >= maxAttempts {
				a.fail(task, charge, MsgQuotaExhausted, err)
				return
			}
			next, acqErr := a.pool.Acquire()
			if acqErr != nil {
				a.fail(task, charge, ErrPoolExhausted.Error(), err)
				return
			}

			a.pool.StartUsing(next)
			tok = next
			task.Attempts++
			metrics.RecordTransformRetry("quota")
			if saveErr := a.store.SaveStatus(a.saveContext(), task); saveErr != nil {
				log.Warn("failed to save retry status", "error", saveErr)
			}

		default:
			a.pool.Release(tok)
			a.fail(task, charge, userMessage(err), err)
			return
		}
	}
}

func (a *App) complete(task *models.Task, charge *creditCharge, image []byte) {
	ctx, cancel := context.WithTimeout(a.saveContext(), 10*time.Second)
	defer cancel()

	log := observability.WithTask(task.ID)
	if err := a.store.SaveImage(ctx, task.ID, image); err != nil {
		log.Error("failed to save result image", "error", err)
		a.fail(task, charge, MsgProcessingFailed, err)
		return
	}

	task.Complete()
	if err := a.store.SaveStatus(ctx, task); err != nil {
		log.Error("failed to save completed status", "error", err)
	}
	observability.GetMetrics().RecordTransform(string(models.TaskStatusCompleted), time.Duration(task.DurationMs)*time.Millisecond)
}

func (a *App) fail(task *models.Task, charge *creditCharge, message string, cause error) {
	ctx, cancel := context.WithTimeout(a.saveContext(), 10*time.Second)
	defer cancel()

	log := observability.WithTask(task.ID)
	log.Error("transform failed", "error", cause, "message", message)

	// Refund before publishing the failure so a client never sees a failed
	// task still holding its credit.
	a.refund(task.ID, charge)

	task.Fail(message)
	if err := a.store.SaveStatus(ctx, task); err != nil {
		log.Error("failed to save failed status", "error", err)
	}
	observability.GetMetrics().RecordTransform(string(models.TaskStatusFailed), time.Duration(task.DurationMs)*time.Millisecond)
}

// refund returns a credit charged for a transform that produced nothing
func (a *App) refund(taskID string, charge *creditCharge) {
	if charge == nil || a.users == nil {
		return
	}
	ctx, cancel := context.WithTimeout(a.saveContext(), 10*time.Second)
	defer cancel()

	if err := a.users.RefundCredit(ctx, charge.email, charge.resetAt); err != nil {
		observability.WithTask(taskID).Error("failed to refund credit", "error", err)
		return
	}
	observability.WithTask(taskID).Info("credit refunded for failed transform")
}

// saveContext outlives job cancellation so terminal states are still written
func (a *App) saveContext() context.Context {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return context.WithoutCancel(a.ctx)
}

// userMessage maps a backend failure to the message shown to the client
func userMessage(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return MsgTimedOut
	case errors.Is(err, services.ErrCircuitOpen),
		strings.Contains(err.Error(), "metadata could not be loaded"):
		return MsgConnectionFailed
	case errors.Is(err, services.ErrNetwork),
		strings.Contains(err.Error(), "fetch failed"):
		return MsgNetworkFailed
	default:
		return MsgProcessingFailed
	}
}

// CheckTask returns the task state and, once completed, the result image
func (a *App) CheckTask(ctx context.Context, id string) (*TaskResult, error) {
	task, err := a.store.GetStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, ErrTaskNotFound
	}

	result := &TaskResult{
		Task:           task,
		ElapsedSeconds: task.ElapsedSeconds(a.now()),
	}

	if task.Status == models.TaskStatusCompleted {
		image, err := a.store.GetImage(ctx, id)
		if err != nil {
			return nil, err
		}
		if len(image) == 0 {
			return nil, ErrImageMissing
		}
		result.Image = image
	}

	return result, nil
}

// DeleteTask removes a finished task and its image. Tasks that are never
// deleted expire with the task store TTL. A task still processing is left
// alone so its job has somewhere to write the result.
func (a *App) DeleteTask(ctx context.Context, id string) error {
	task, err := a.store.GetStatus(ctx, id)
	if err != nil {
		return err
	}
	if task == nil {
		return ErrTaskNotFound
	}
	if !task.IsTerminal() {
		return ErrTaskRunning
	}
	if err := a.store.Delete(ctx, id); err != nil {
		return err
	}
	observability.WithTask(id).Debug("task deleted")
	return nil
}

// UpdateProgress records client-reported progress for a task
func (a *App) UpdateProgress(ctx context.Context, id string, progress int) error {
	if progress < 0 || progress > 100 {
		return ErrInvalidProgress
	}
	found, err := a.store.UpdateProgress(ctx, id, progress)
	if err != nil {
		return err
	}
	if !found {
		return ErrTaskNotFound
	}
	return nil
}

// TokenStatus returns a redacted snapshot of the credential pool
func (a *App) TokenStatus() TokenReport {
	report := TokenReport{
		Timestamp: a.now().UTC(),
		Summary:   a.pool.Summary(),
		Tokens:    a.pool.Statuses(),
	}
	if next := a.pool.NextReset(); !next.IsZero() {
		report.NextReset = &next
	}
	return report
}

// GetUser returns the credit state of a user
func (a *App) GetUser(ctx context.Context, email string) (*models.User, error) {
	if a.users == nil {
		return nil, ErrNoUserStore
	}
	if strings.TrimSpace(email) == "" {
		return nil, ErrEmailRequired
	}
	user, err := a.users.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	return user, nil
}

// Health checks every dependency and the pool
func (a *App) Health(ctx context.Context) HealthReport {
	report := HealthReport{
		Status: "ok",
		Services: map[string]string{
			"database": "not_configured",
			"cache":    "unknown",
			"backend":  "ok",
			"tokens":   "ok",
		},
		Pool: a.pool.Summary(),
	}

	if a.users != nil {
		if err := a.users.Health(ctx); err == nil {
			report.Services["database"] = "connected"
		} else {
			report.Services["database"] = "disconnected"
			report.Status = "degraded"
		}
	}

	if err := a.store.Health(ctx); err == nil {
		report.Services["cache"] = "connected"
	} else {
		report.Services["cache"] = "disconnected"
		report.Status = "degraded"
	}

	if err := a.backend.Health(ctx); err != nil {
		report.Services["backend"] = "unavailable"
		report.Status = "degraded"
	}

	if report.Pool.AvailableTokens == 0 {
		report.Services["tokens"] = "exhausted"
		report.Status = "degraded"
	}

	return report
}

// JobSemCapacity returns the capacity of the job semaphore (for testing)
func (a *App) JobSemCapacity() int {
	return cap(a.jobSem)
}

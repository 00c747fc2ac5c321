package models

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle state of a transform task
type TaskStatus string

const (
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// Task is the cached state of one image transform job.
// The token that served the job is kept out of the cache on purpose.
type Task struct {
	ID          string     `json:"id"`
	Status      TaskStatus `json:"status"`
	Progress    int        `json:"progress"`
	Prompt      string     `json:"prompt,omitempty"`
	Error       string     `json:"error,omitempty"`
	Attempts    int        `json:"attempts"`
	StartTime   time.Time  `json:"startTime"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	DurationMs  int64      `json:"durationMs,omitempty"`
}

// NewTask creates a processing task with a fresh id
func NewTask(prompt string) *Task {
	return &Task{
		ID:        uuid.NewString(),
		Status:    TaskStatusProcessing,
		Prompt:    prompt,
		Attempts:  1,
		StartTime: time.Now(),
	}
}

// Complete marks the task as completed
func (t *Task) Complete() {
	now := time.Now()
	t.CompletedAt = &now
	t.Status = TaskStatusCompleted
	t.Progress = 100
	t.DurationMs = now.Sub(t.StartTime).Milliseconds()
}

// Fail marks the task as failed with a user-facing message
func (t *Task) Fail(message string) {
	now := time.Now()
	t.CompletedAt = &now
	t.Status = TaskStatusFailed
	t.Error = message
	t.DurationMs = now.Sub(t.StartTime).Milliseconds()
}

// IsTerminal returns true once the task will not change again
func (t *Task) IsTerminal() bool {
	return t.Status == TaskStatusCompleted || t.Status == TaskStatusFailed
}

// ElapsedSeconds returns whole seconds since the task started
func (t *Task) ElapsedSeconds(now time.Time) int64 {
	if t.StartTime.IsZero() {
		return 0
	}
	return int64(now.Sub(t.StartTime) / time.Second)
}

package cache

import (
	"context"
	"fmt"

	"grokghibli/models"
)

// Store holds transform task status and result images with expiry
type Store interface {
	// SaveStatus writes the task status. It replaces any previous status.
	SaveStatus(ctx context.Context, task *models.Task) error
	// GetStatus returns nil, nil when the task is unknown or expired
	GetStatus(ctx context.Context, id string) (*models.Task, error)
	// UpdateProgress returns false when the task is unknown
	UpdateProgress(ctx context.Context, id string, progress int) (bool, error)
	SaveImage(ctx context.Context, id string, image []byte) error
	// GetImage returns nil, nil when no image is stored
	GetImage(ctx context.Context, id string) ([]byte, error)
	Delete(ctx context.Context, id string) error
	Health(ctx context.Context) error
	Close() error
}

// Compile-time interface verification
var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*RedisStore)(nil)
)

func statusKey(id string) string {
	return fmt.Sprintf("task:%s:status", id)
}

func imageKey(id string) string {
	return fmt.Sprintf("task:%s:image", id)
}

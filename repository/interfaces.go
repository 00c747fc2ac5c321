package repository

import (
	"context"
	"time"

	"grokghibli/models"
)

// RepositoryInterface defines all repository operations
type RepositoryInterface interface {
	// Health and lifecycle
	Close()
	Health(ctx context.Context) error
	Migrate(ctx context.Context) error

	// Users and credits
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	UpsertUser(ctx context.Context, user *models.User) (*models.User, error)
	ConsumeCredit(ctx context.Context, email string) (*models.User, error)
	RefundCredit(ctx context.Context, email string, chargedResetAt time.Time) error
}

// Compile-time interface verification
var _ RepositoryInterface = (*Repository)(nil)

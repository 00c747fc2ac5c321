package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"grokghibli/models"
	"grokghibli/observability"
)

var (
	// ErrNoCredits is returned when a user has no transforms left this month
	ErrNoCredits = errors.New("no credits remaining")

	// ErrUserNotFound is returned when a credit is requested for an unknown user
	ErrUserNotFound = errors.New("user not found")
)

const userColumns = `id, email, COALESCE(name, ''), COALESCE(image, ''), COALESCE(provider, ''),
	created_at, last_login, monthly_credits, credits_reset_at`

func scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.Image, &u.Provider,
		&u.CreatedAt, &u.LastLogin, &u.MonthlyCredits, &u.CreditsResetAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUserByEmail returns a user by email, or nil if not found
func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	if err := r.checkDB(); err != nil {
		return nil, err
	}
	metrics := observability.GetMetrics()
	timer := metrics.NewTimer()
	defer timer.ObserveDB("select", "users")

	u, err := scanUser(r.db.QueryRow(ctx, `
		SELECT `+userColumns+`
		FROM users WHERE email = $1
	`, normalizeEmail(email)))

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		metrics.RecordDBError("select", "users")
		return nil, fmt.Errorf("failed to query user: %w", err)
	}

	return u, nil
}

// UpsertUser records a login. New users get the default monthly allowance;
// existing users keep their credits and get their profile refreshed.
func (r *Repository) UpsertUser(ctx context.Context, user *models.User) (*models.User, error) {
	if err := r.checkDB(); err != nil {
		return nil, err
	}
	metrics := observability.GetMetrics()
	timer := metrics.NewTimer()
	defer timer.ObserveDB("upsert", "users")

	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	credits := user.MonthlyCredits
	if credits <= 0 {
		credits = models.DefaultMonthlyCredits
	}

	u, err := scanUser(r.db.QueryRow(ctx, `
		INSERT INTO users (id, email, name, image, provider, last_login, monthly_credits)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), NOW(), $6)
		ON CONFLICT (email) DO UPDATE
		SET name = COALESCE(EXCLUDED.name, users.name),
			image = COALESCE(EXCLUDED.image, users.image),
			provider = COALESCE(EXCLUDED.provider, users.provider),
			last_login = NOW()
		RETURNING `+userColumns,
		user.ID, normalizeEmail(user.Email), user.Name, user.Image, user.Provider, credits))

	if err != nil {
		metrics.RecordDBError("upsert", "users")
		return nil, fmt.Errorf("failed to upsert user: %w", err)
	}

	return u, nil
}

// ConsumeCredit spends one transform credit. An allowance past its reset
// date is refilled first. Returns ErrNoCredits when nothing is left.
func (r *Repository) ConsumeCredit(ctx context.Context, email string) (*models.User, error) {
	if err := r.checkDB(); err != nil {
		return nil, err
	}
	metrics := observability.GetMetrics()
	timer := metrics.NewTimer()
	defer timer.ObserveDB("update", "users")

	u, err := scanUser(r.db.QueryRow(ctx, `
		UPDATE users
		SET monthly_credits = CASE
				WHEN credits_reset_at <= NOW() THEN $2 - 1
				ELSE monthly_credits - 1
			END,
			credits_reset_at = CASE
				WHEN credits_reset_at <= NOW() THEN NOW() + INTERVAL '1 month'
				ELSE credits_reset_at
			END
		WHERE email = $1
			AND (monthly_credits > 0 OR credits_reset_at <= NOW())
		RETURNING `+userColumns,
		normalizeEmail(email), models.DefaultMonthlyCredits))

	if errors.Is(err, pgx.ErrNoRows) {
		existing, lookupErr := r.GetUserByEmail(ctx, email)
		if lookupErr != nil {
			return nil, lookupErr
		}
		if existing == nil {
			return nil, ErrUserNotFound
		}
		return nil, ErrNoCredits
	}
	if err != nil {
		metrics.RecordDBError("update", "users")
		return nil, fmt.Errorf("failed to consume credit: %w", err)
	}

	return u, nil
}

// RefundCredit gives back a credit spent on a transform that failed.
// chargedResetAt is the reset date returned when the credit was consumed;
// if the allowance has been refilled since, the refill already covers it
// and nothing changes. The balance never exceeds the monthly allowance.
func (r *Repository) RefundCredit(ctx context.Context, email string, chargedResetAt time.Time) error {
	if err := r.checkDB(); err != nil {
		return err
	}
	metrics := observability.GetMetrics()
	timer := metrics.NewTimer()
	defer timer.ObserveDB("refund", "users")

	tx, txRepo, err := r.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var resetAt time.Time
	err = txRepo.db.QueryRow(ctx,
		`SELECT credits_reset_at FROM users WHERE email = $1 FOR UPDATE`,
		normalizeEmail(email)).Scan(&resetAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrUserNotFound
	}
	if err != nil {
		metrics.RecordDBError("refund", "users")
		return fmt.Errorf("failed to lock user for refund: %w", err)
	}

	if !chargedResetAt.IsZero() && !resetAt.Equal(chargedResetAt) {
		return nil
	}

	if _, err := txRepo.db.Exec(ctx,
		`UPDATE users SET monthly_credits = LEAST(monthly_credits + 1, $2) WHERE email = $1`,
		normalizeEmail(email), models.DefaultMonthlyCredits); err != nil {
		metrics.RecordDBError("refund", "users")
		return fmt.Errorf("failed to refund credit: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		metrics.RecordDBError("refund", "users")
		return fmt.Errorf("failed to commit refund: %w", err)
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

package models

import (
	"time"

	"github.com/google/uuid"
)

// DefaultMonthlyCredits is the allowance granted on sign-up and every reset
const DefaultMonthlyCredits = 30

// User is an authenticated account with a monthly transform allowance
type User struct {
	ID             uuid.UUID  `json:"id"`
	Email          string     `json:"email"`
	Name           string     `json:"name,omitempty"`
	Image          string     `json:"image,omitempty"`
	Provider       string     `json:"provider,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	LastLogin      *time.Time `json:"lastLogin,omitempty"`
	MonthlyCredits int        `json:"monthlyCredits"`
	CreditsResetAt time.Time  `json:"creditsResetAt"`
}

// NewUser creates a user with the default allowance
func NewUser(email, name, provider string) *User {
	now := time.Now()
	return &User{
		ID:             uuid.New(),
		Email:          email,
		Name:           name,
		Provider:       provider,
		CreatedAt:      now,
		LastLogin:      &now,
		MonthlyCredits: DefaultMonthlyCredits,
		CreditsResetAt: now.AddDate(0, 1, 0),
	}
}

// HasCredits returns true if the user can submit a transform at now
func (u *User) HasCredits(now time.Time) bool {
	return u.MonthlyCredits > 0 || !now.Before(u.CreditsResetAt)
}

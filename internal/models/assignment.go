package models

import (
	"time"

	"github.com/exchange-oracle/internal/types"
)

// Assignment is a time-boxed claim by one user on one job. The active
// assignment for a job is the most recently created one. ExpiresAt is set at
// creation and never decreases.
type Assignment struct {
	ID                string                 `json:"id" db:"id"`
	UserWalletAddress string                 `json:"userWalletAddress" db:"user_wallet_address"`
	PlatformJobID     int64                  `json:"platformJobId" db:"platform_job_id"`
	Status            types.AssignmentStatus `json:"status" db:"status"`
	CreatedAt         time.Time              `json:"createdAt" db:"created_at"`
	UpdatedAt         time.Time              `json:"updatedAt" db:"updated_at"`
	ExpiresAt         time.Time              `json:"expiresAt" db:"expires_at"`
	CompletedAt       *time.Time             `json:"completedAt,omitempty" db:"completed_at"`
}

// IsFinished reports whether the assignment no longer counts as active.
// This is a derived predicate, recomputed on every read rather than stored,
// so expiration is honored even when no webhook ever arrives for it.
func (a *Assignment) IsFinished(now time.Time) bool {
	return a.CompletedAt != nil ||
		now.After(a.ExpiresAt) ||
		a.Status != types.AssignmentStatusCreated
}

// User is a platform worker identified by wallet address; the platform
// account link is optional.
type User struct {
	WalletAddress string  `json:"walletAddress" db:"wallet_address"`
	PlatformEmail *string `json:"platformEmail,omitempty" db:"platform_email"`
	PlatformID    *int64  `json:"platformId,omitempty" db:"platform_id"`
}

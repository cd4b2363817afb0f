package models

import (
	"time"

	"github.com/exchange-oracle/internal/types"
)

// Project is an annotation project created on the platform from an escrow
// manifest. One escrow may be split across several projects, so escrow_address
// is deliberately non-unique here.
//
// Deleting a project cascades to its tasks, jobs and images.
type Project struct {
	ID                string              `json:"id" db:"id"`
	PlatformID        int64               `json:"platformId" db:"platform_id"`
	EscrowAddress     string              `json:"escrowAddress" db:"escrow_address"`
	ChainID           types.ChainID       `json:"chainId" db:"chain_id"`
	Status            types.ProjectStatus `json:"status" db:"status"`
	JobType           types.JobType       `json:"jobType" db:"job_type"`
	BucketURL         string              `json:"bucketUrl" db:"bucket_url"`
	PlatformWebhookID *int64              `json:"platformWebhookId,omitempty" db:"platform_webhook_id"`
	CreatedAt         time.Time           `json:"createdAt" db:"created_at"`
	UpdatedAt         *time.Time          `json:"updatedAt,omitempty" db:"updated_at"`
}

// Image is a single data file registered under a project, unique per
// (project, filename). Cascade-deleted with the project.
type Image struct {
	ID                string    `json:"id" db:"id"`
	PlatformProjectID int64     `json:"platformProjectId" db:"platform_project_id"`
	Filename          string    `json:"filename" db:"filename"`
	CreatedAt         time.Time `json:"createdAt" db:"created_at"`
}

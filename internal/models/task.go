package models

import (
	"time"

	"github.com/exchange-oracle/internal/types"
)

// Task is a unit of platform work under exactly one project.
type Task struct {
	ID                string           `json:"id" db:"id"`
	PlatformID        int64            `json:"platformId" db:"platform_id"`
	PlatformProjectID int64            `json:"platformProjectId" db:"platform_project_id"`
	Status            types.TaskStatus `json:"status" db:"status"`
	CreatedAt         time.Time        `json:"createdAt" db:"created_at"`
	UpdatedAt         *time.Time       `json:"updatedAt,omitempty" db:"updated_at"`
}

// DataUpload marks a task whose data is still being uploaded to the platform.
// Unique per task; removed once the upload is confirmed.
type DataUpload struct {
	ID             string    `json:"id" db:"id"`
	PlatformTaskID int64     `json:"platformTaskId" db:"platform_task_id"`
	CreatedAt      time.Time `json:"createdAt" db:"created_at"`
}

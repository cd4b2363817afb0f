package models

import (
	"time"

	"github.com/exchange-oracle/internal/types"
)

// Job is the smallest assignable unit of annotation work. It belongs to
// exactly one task and, transitively, one project, and covers the frame
// range [StartFrame, StopFrame). The range must lie within the task's
// uploaded frame count.
type Job struct {
	ID                string          `json:"id" db:"id"`
	PlatformID        int64           `json:"platformId" db:"platform_id"`
	PlatformTaskID    int64           `json:"platformTaskId" db:"platform_task_id"`
	PlatformProjectID int64           `json:"platformProjectId" db:"platform_project_id"`
	Status            types.JobStatus `json:"status" db:"status"`
	StartFrame        int             `json:"startFrame" db:"start_frame"`
	StopFrame         int             `json:"stopFrame" db:"stop_frame"`
	CreatedAt         time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt         *time.Time      `json:"updatedAt,omitempty" db:"updated_at"`
}

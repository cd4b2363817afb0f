package gateway

import (
	"context"
	"errors"

	"github.com/exchange-oracle/internal/types"
)

// ErrPlatformNotFound indicates the referenced project, task or job does not
// exist on the annotation platform. Distinct from transient errors so
// reconciliation can tell a deleted entity from a flaky network.
var ErrPlatformNotFound = errors.New("platform entity not found")

// PlatformProject is the platform's view of an annotation project.
type PlatformProject struct {
	ID     int64
	Status string
}

// PlatformTask is the platform's view of a task under a project.
type PlatformTask struct {
	ID           int64
	ProjectID    int64
	Status       string
	FrameCount   int
	DataUploaded bool
}

// PlatformJob is the platform's view of an assignable job under a task.
type PlatformJob struct {
	ID         int64
	TaskID     int64
	ProjectID  int64
	Status     string
	StartFrame int
	StopFrame  int
	// Progress is the annotated fraction in [0, 1].
	Progress float64
}

// Platform status strings reported by the annotation platform.
const (
	PlatformStatusAnnotation = "annotation"
	PlatformStatusValidation = "validation"
	PlatformStatusCompleted  = "completed"
)

// CreateProjectRequest describes the project to set up on the platform.
type CreateProjectRequest struct {
	EscrowAddress string
	ChainID       types.ChainID
	JobType       types.JobType
	BucketURL     string
	Labels        []string
	JobSize       int
}

// PlatformGateway is the annotation platform access used by reconciliation.
// All operations are fallible with distinguishable not-found vs transient
// outcomes; callers treat transient failures as "retry next tick".
type PlatformGateway interface {
	CreateProject(ctx context.Context, req *CreateProjectRequest) (*PlatformProject, error)
	ListProjectTasks(ctx context.Context, projectID int64) ([]*PlatformTask, error)
	GetTask(ctx context.Context, taskID int64) (*PlatformTask, error)
	ListTaskJobs(ctx context.Context, taskID int64) ([]*PlatformJob, error)
}

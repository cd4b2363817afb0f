package cron

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jackc/pgx/v5"

	"github.com/exchange-oracle/internal/logging"
	"github.com/exchange-oracle/internal/models"
	"github.com/exchange-oracle/internal/storage"
	"github.com/exchange-oracle/internal/types"
)

// CompletedProjectsJob completes a project once every one of its tasks has
// completed. Purely local: the task state is already reconciled against the
// platform by the completed tasks job.
type CompletedProjectsJob struct {
	db        *storage.PostgresDB
	projects  *storage.ProjectRepository
	tasks     *storage.TaskRepository
	interval  time.Duration
	batchSize int
	auditor   storage.Auditor
	logger    *logging.Logger
}

// NewCompletedProjectsJob creates the completed projects job
func NewCompletedProjectsJob(
	db *storage.PostgresDB,
	projects *storage.ProjectRepository,
	tasks *storage.TaskRepository,
	interval time.Duration,
	batchSize int,
	auditor storage.Auditor,
	logger *logging.Logger,
) *CompletedProjectsJob {
	return &CompletedProjectsJob{
		db:        db,
		projects:  projects,
		tasks:     tasks,
		interval:  interval,
		batchSize: batchSize,
		auditor:   auditor,
		logger:    logger.WithField("job", "completed_projects"),
	}
}

// Name implements Job
func (j *CompletedProjectsJob) Name() string { return "completed_projects" }

// Schedule implements Job
func (j *CompletedProjectsJob) Schedule() gocron.JobDefinition {
	return gocron.DurationJob(j.interval)
}

// Run checks open projects for completion
func (j *CompletedProjectsJob) Run(ctx context.Context) {
	open, err := j.projects.ListByStatus(ctx, types.ProjectStatusAnnotation, j.batchSize)
	if err != nil {
		j.logger.WithError(err).Error("failed to list open projects")
		return
	}

	for _, project := range open {
		if err := j.reconcile(ctx, project); err != nil {
			j.logger.WithError(err).WithField("platform_project_id", project.PlatformID).
				Error("completed projects tick failed for project")
		}
	}
}

func (j *CompletedProjectsJob) reconcile(ctx context.Context, project *models.Project) error {
	projectTasks, err := j.tasks.ListByProject(ctx, j.db.Pool(), project.PlatformID)
	if err != nil {
		return err
	}
	if len(projectTasks) == 0 {
		return nil
	}
	for _, task := range projectTasks {
		if task.Status != types.TaskStatusCompleted {
			return nil
		}
	}

	return j.db.WithTx(ctx, func(tx pgx.Tx) error {
		locked, err := j.projects.LockForUpdate(ctx, tx, project.PlatformID)
		if err != nil {
			return err
		}
		if locked.Status != types.ProjectStatusAnnotation {
			return nil
		}

		if err := j.projects.UpdateStatus(ctx, tx, project.PlatformID, types.ProjectStatusCompleted); err != nil {
			return err
		}

		j.auditor.Record(ctx, storage.TransitionRecord{
			OccurredAt:    time.Now().UTC(),
			EntityKind:    "project",
			EntityID:      project.ID,
			EscrowAddress: project.EscrowAddress,
			ChainID:       int64(project.ChainID),
			FromStatus:    string(types.ProjectStatusAnnotation),
			ToStatus:      string(types.ProjectStatusCompleted),
		})
		j.logger.WithField("platform_project_id", project.PlatformID).Info("project completed")
		return nil
	})
}

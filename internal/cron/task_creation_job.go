package cron

import (
	"context"
	"errors"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jackc/pgx/v5"

	"github.com/exchange-oracle/internal/gateway"
	"github.com/exchange-oracle/internal/logging"
	"github.com/exchange-oracle/internal/models"
	"github.com/exchange-oracle/internal/storage"
	"github.com/exchange-oracle/internal/types"
)

// TaskCreationJob confirms platform task setup. It polls tasks with a pending
// data upload marker; once the platform reports the data uploaded and the
// jobs split out, the jobs are mirrored locally with their frame ranges, the
// marker is removed, and the owning project opens for annotation.
type TaskCreationJob struct {
	db        *storage.PostgresDB
	projects  *storage.ProjectRepository
	tasks     *storage.TaskRepository
	jobs      *storage.JobRepository
	platform  gateway.PlatformGateway
	interval  time.Duration
	batchSize int
	auditor   storage.Auditor
	logger    *logging.Logger
}

// NewTaskCreationJob creates the task creation job
func NewTaskCreationJob(
	db *storage.PostgresDB,
	projects *storage.ProjectRepository,
	tasks *storage.TaskRepository,
	jobs *storage.JobRepository,
	platform gateway.PlatformGateway,
	interval time.Duration,
	batchSize int,
	auditor storage.Auditor,
	logger *logging.Logger,
) *TaskCreationJob {
	return &TaskCreationJob{
		db:        db,
		projects:  projects,
		tasks:     tasks,
		jobs:      jobs,
		platform:  platform,
		interval:  interval,
		batchSize: batchSize,
		auditor:   auditor,
		logger:    logger.WithField("job", "task_creation"),
	}
}

// Name implements Job
func (j *TaskCreationJob) Name() string { return "task_creation" }

// Schedule implements Job
func (j *TaskCreationJob) Schedule() gocron.JobDefinition {
	return gocron.DurationJob(j.interval)
}

// Run checks one locked batch of pending uploads. Platform failures leave the
// marker in place for the next tick.
func (j *TaskCreationJob) Run(ctx context.Context) {
	err := j.db.WithTx(ctx, func(tx pgx.Tx) error {
		uploads, err := j.tasks.ListPendingDataUploads(ctx, tx, j.batchSize)
		if err != nil {
			return err
		}
		for _, upload := range uploads {
			if err := j.checkUpload(ctx, tx, upload); err != nil {
				j.logger.WithError(err).WithField("platform_task_id", upload.PlatformTaskID).
					Warn("upload check failed, retrying next tick")
			}
		}
		return nil
	})
	if err != nil {
		j.logger.WithError(err).Error("task creation tick failed")
	}
}

func (j *TaskCreationJob) checkUpload(ctx context.Context, tx pgx.Tx, upload *models.DataUpload) error {
	platformTask, err := j.platform.GetTask(ctx, upload.PlatformTaskID)
	if err != nil {
		if errors.Is(err, gateway.ErrPlatformNotFound) {
			// The platform dropped the task; the marker would poll forever.
			j.logger.WithField("platform_task_id", upload.PlatformTaskID).
				Warn("task vanished from platform, dropping upload marker")
			return j.tasks.DeleteDataUpload(ctx, tx, upload.ID)
		}
		return err
	}
	if !platformTask.DataUploaded {
		return nil
	}

	// When the manifest enumerated its data files, the platform cannot
	// report more frames than the project has files.
	imageCount, err := j.projects.CountImages(ctx, platformTask.ProjectID)
	if err != nil {
		return err
	}
	if imageCount > 0 && platformTask.FrameCount > imageCount {
		j.logger.WithFields(map[string]interface{}{
			"platform_task_id": platformTask.ID,
			"frame_count":      platformTask.FrameCount,
			"image_count":      imageCount,
		}).Error("platform frame count exceeds inventoried data files")
		return nil
	}

	platformJobs, err := j.platform.ListTaskJobs(ctx, platformTask.ID)
	if err != nil {
		return err
	}
	if len(platformJobs) == 0 {
		// Data is in but the platform has not split the jobs out yet.
		return nil
	}

	for _, pj := range platformJobs {
		if pj.StopFrame > platformTask.FrameCount || pj.StartFrame < 0 {
			j.logger.WithFields(map[string]interface{}{
				"platform_job_id": pj.ID,
				"start_frame":     pj.StartFrame,
				"stop_frame":      pj.StopFrame,
				"frame_count":     platformTask.FrameCount,
			}).Error("platform job frame range outside task bounds")
			return nil
		}
	}

	for _, pj := range platformJobs {
		existing, err := j.jobs.GetByPlatformID(ctx, pj.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			continue
		}
		if err := j.jobs.Create(ctx, tx, &models.Job{
			PlatformID:        pj.ID,
			PlatformTaskID:    platformTask.ID,
			PlatformProjectID: platformTask.ProjectID,
			Status:            types.JobStatusNew,
			StartFrame:        pj.StartFrame,
			StopFrame:         pj.StopFrame,
		}); err != nil {
			return err
		}
	}

	if err := j.tasks.DeleteDataUpload(ctx, tx, upload.ID); err != nil {
		return err
	}

	project, err := j.projects.LockForUpdate(ctx, tx, platformTask.ProjectID)
	if err != nil {
		return err
	}
	if project.Status == types.ProjectStatusCreation {
		if err := j.projects.UpdateStatus(ctx, tx, project.PlatformID, types.ProjectStatusAnnotation); err != nil {
			return err
		}
		j.auditor.Record(ctx, storage.TransitionRecord{
			OccurredAt:    time.Now().UTC(),
			EntityKind:    "project",
			EntityID:      project.ID,
			EscrowAddress: project.EscrowAddress,
			ChainID:       int64(project.ChainID),
			FromStatus:    string(types.ProjectStatusCreation),
			ToStatus:      string(types.ProjectStatusAnnotation),
		})
	}

	j.logger.WithFields(map[string]interface{}{
		"platform_task_id": platformTask.ID,
		"jobs":             len(platformJobs),
	}).Info("task setup confirmed")
	return nil
}

package cron

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jackc/pgx/v5"

	"github.com/exchange-oracle/internal/gateway"
	"github.com/exchange-oracle/internal/logging"
	"github.com/exchange-oracle/internal/models"
	"github.com/exchange-oracle/internal/storage"
	"github.com/exchange-oracle/internal/types"
	"github.com/exchange-oracle/internal/webhook"
)

// completionTxRunner runs a function inside a database transaction.
type completionTxRunner interface {
	WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error
}

// completionProjectStore is satisfied by storage.ProjectRepository.
type completionProjectStore interface {
	GetByPlatformID(ctx context.Context, platformID int64) (*models.Project, error)
}

// completionTaskStore is satisfied by storage.TaskRepository.
type completionTaskStore interface {
	ListByStatus(ctx context.Context, status types.TaskStatus, limit int) ([]*models.Task, error)
	LockForUpdate(ctx context.Context, tx pgx.Tx, platformID int64) (*models.Task, error)
	UpdateStatus(ctx context.Context, q storage.Querier, platformID int64, status types.TaskStatus) error
}

// completionJobStore is satisfied by storage.JobRepository.
type completionJobStore interface {
	GetByPlatformID(ctx context.Context, platformID int64) (*models.Job, error)
	LockForUpdate(ctx context.Context, tx pgx.Tx, platformID int64) (*models.Job, error)
	UpdateStatus(ctx context.Context, q storage.Querier, platformID int64, status types.JobStatus) error
}

// completionAssignmentStore is satisfied by storage.AssignmentRepository.
type completionAssignmentStore interface {
	GetLatestByJob(ctx context.Context, q storage.Querier, platformJobID int64) (*models.Assignment, error)
	Complete(ctx context.Context, q storage.Querier, id string, completedAt time.Time) error
}

// completionOutbox is satisfied by storage.WebhookRepository.
type completionOutbox interface {
	EnqueueOutgoing(ctx context.Context, q storage.Querier, webhook *models.OutgoingWebhook) error
}

// CompletedTasksJob detects finished annotation work. Platform jobs reported
// fully annotated transition the local job to completed and stamp the active
// assignment. Once every job of a task is done, the task completes and one
// task_completed event is enqueued to the recording oracle in the same
// transaction as the task update.
type CompletedTasksJob struct {
	db          completionTxRunner
	projects    completionProjectStore
	tasks       completionTaskStore
	jobs        completionJobStore
	assignments completionAssignmentStore
	webhooks    completionOutbox
	platform    gateway.PlatformGateway
	interval    time.Duration
	batchSize   int
	auditor     storage.Auditor
	logger      *logging.Logger
}

// NewCompletedTasksJob creates the completed tasks job
func NewCompletedTasksJob(
	db completionTxRunner,
	projects completionProjectStore,
	tasks completionTaskStore,
	jobs completionJobStore,
	assignments completionAssignmentStore,
	webhooks completionOutbox,
	platform gateway.PlatformGateway,
	interval time.Duration,
	batchSize int,
	auditor storage.Auditor,
	logger *logging.Logger,
) *CompletedTasksJob {
	return &CompletedTasksJob{
		db:          db,
		projects:    projects,
		tasks:       tasks,
		jobs:        jobs,
		assignments: assignments,
		webhooks:    webhooks,
		platform:    platform,
		interval:    interval,
		batchSize:   batchSize,
		auditor:     auditor,
		logger:      logger.WithField("job", "completed_tasks"),
	}
}

// Name implements Job
func (j *CompletedTasksJob) Name() string { return "completed_tasks" }

// Schedule implements Job
func (j *CompletedTasksJob) Schedule() gocron.JobDefinition {
	return gocron.DurationJob(j.interval)
}

// platformJobDone reports whether the platform considers a job fully
// annotated.
func platformJobDone(pj *gateway.PlatformJob) bool {
	return pj.Status == gateway.PlatformStatusCompleted || pj.Progress >= 1.0
}

// Run reconciles one batch of open tasks against the platform.
func (j *CompletedTasksJob) Run(ctx context.Context) {
	openTasks, err := j.tasks.ListByStatus(ctx, types.TaskStatusAnnotation, j.batchSize)
	if err != nil {
		j.logger.WithError(err).Error("failed to list open tasks")
		return
	}

	for _, task := range openTasks {
		if err := j.reconcile(ctx, task); err != nil {
			j.logger.WithError(err).WithField("platform_task_id", task.PlatformID).
				Error("completed tasks tick failed for task")
		}
	}
}

func (j *CompletedTasksJob) reconcile(ctx context.Context, task *models.Task) error {
	platformJobs, err := j.platform.ListTaskJobs(ctx, task.PlatformID)
	if err != nil {
		return err
	}
	if len(platformJobs) == 0 {
		return nil
	}

	project, err := j.projects.GetByPlatformID(ctx, task.PlatformProjectID)
	if err != nil {
		return err
	}
	if project == nil {
		return nil
	}

	return j.db.WithTx(ctx, func(tx pgx.Tx) error {
		locked, err := j.tasks.LockForUpdate(ctx, tx, task.PlatformID)
		if err != nil {
			return err
		}
		if locked.Status != types.TaskStatusAnnotation {
			return nil
		}

		now := time.Now().UTC()
		allDone := true
		for _, pj := range platformJobs {
			if !platformJobDone(pj) {
				allDone = false
				continue
			}

			local, err := j.jobs.GetByPlatformID(ctx, pj.ID)
			if err != nil {
				return err
			}
			if local == nil {
				// Not mirrored yet; task setup is still catching up.
				allDone = false
				continue
			}
			if local.Status == types.JobStatusCompleted {
				continue
			}

			if err := j.completeJob(ctx, tx, local, project, now); err != nil {
				return err
			}
		}

		if !allDone {
			return nil
		}

		if err := j.tasks.UpdateStatus(ctx, tx, task.PlatformID, types.TaskStatusCompleted); err != nil {
			return err
		}

		data, err := webhook.MarshalEventData(&webhook.TaskCompletedData{TaskID: task.PlatformID})
		if err != nil {
			return err
		}
		if err := j.webhooks.EnqueueOutgoing(ctx, tx, &models.OutgoingWebhook{
			EventType:     types.EventTaskCompleted,
			EscrowAddress: project.EscrowAddress,
			ChainID:       project.ChainID,
			Recipient:     types.OracleRecording,
			EventData:     data,
		}); err != nil {
			return err
		}

		j.auditor.Record(ctx, storage.TransitionRecord{
			OccurredAt:    now,
			EntityKind:    "task",
			EntityID:      task.ID,
			EscrowAddress: project.EscrowAddress,
			ChainID:       int64(project.ChainID),
			FromStatus:    string(types.TaskStatusAnnotation),
			ToStatus:      string(types.TaskStatusCompleted),
		})
		j.logger.WithField("platform_task_id", task.PlatformID).Info("task completed")
		return nil
	})
}

// completeJob transitions one mirrored job and its active assignment.
func (j *CompletedTasksJob) completeJob(ctx context.Context, tx pgx.Tx, job *models.Job, project *models.Project, now time.Time) error {
	locked, err := j.jobs.LockForUpdate(ctx, tx, job.PlatformID)
	if err != nil {
		return err
	}
	if locked.Status == types.JobStatusCompleted {
		return nil
	}

	if err := j.jobs.UpdateStatus(ctx, tx, job.PlatformID, types.JobStatusCompleted); err != nil {
		return err
	}

	assignment, err := j.assignments.GetLatestByJob(ctx, tx, job.PlatformID)
	if err != nil {
		return err
	}
	if assignment != nil && !assignment.IsFinished(now) {
		if err := j.assignments.Complete(ctx, tx, assignment.ID, now); err != nil {
			return err
		}
	}

	j.auditor.Record(ctx, storage.TransitionRecord{
		OccurredAt:    now,
		EntityKind:    "job",
		EntityID:      locked.ID,
		EscrowAddress: project.EscrowAddress,
		ChainID:       int64(project.ChainID),
		FromStatus:    string(locked.Status),
		ToStatus:      string(types.JobStatusCompleted),
	})
	return nil
}

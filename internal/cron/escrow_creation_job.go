package cron

import (
	"context"
	"errors"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/exchange-oracle/internal/gateway"
	"github.com/exchange-oracle/internal/logging"
	"github.com/exchange-oracle/internal/models"
	"github.com/exchange-oracle/internal/storage"
	"github.com/exchange-oracle/internal/types"
	"github.com/exchange-oracle/internal/webhook"
)

// creationTxRunner is the database access this job needs, satisfied by
// storage.PostgresDB.
type creationTxRunner interface {
	WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error
	Pool() *pgxpool.Pool
}

// creationStore is the escrow intake persistence, satisfied by
// storage.EscrowRepository.
type creationStore interface {
	ListUnfinishedCreations(ctx context.Context, limit int) ([]*models.EscrowCreation, error)
	GetValidation(ctx context.Context, escrowAddress string, chainID types.ChainID) (*models.EscrowValidation, error)
	LockCreationForUpdate(ctx context.Context, tx pgx.Tx, id string) (*models.EscrowCreation, error)
	FinishCreation(ctx context.Context, tx pgx.Tx, id string, finishedAt time.Time) (bool, error)
}

// creationProjectStore is satisfied by storage.ProjectRepository.
type creationProjectStore interface {
	ListByEscrow(ctx context.Context, q storage.Querier, escrowAddress string, chainID types.ChainID) ([]*models.Project, error)
	Create(ctx context.Context, q storage.Querier, project *models.Project) error
	CreateImage(ctx context.Context, q storage.Querier, image *models.Image) error
}

// creationTaskStore is satisfied by storage.TaskRepository.
type creationTaskStore interface {
	GetByPlatformID(ctx context.Context, platformID int64) (*models.Task, error)
	Create(ctx context.Context, q storage.Querier, task *models.Task) error
	CreateDataUpload(ctx context.Context, q storage.Querier, upload *models.DataUpload) error
}

// creationJobStore is satisfied by storage.JobRepository.
type creationJobStore interface {
	ListByProject(ctx context.Context, q storage.Querier, platformProjectID int64) ([]*models.Job, error)
}

// creationOutbox is satisfied by storage.WebhookRepository.
type creationOutbox interface {
	EnqueueOutgoing(ctx context.Context, q storage.Querier, webhook *models.OutgoingWebhook) error
}

// EscrowCreationJob drives escrow intake to completion. For every unfinished
// intake it checks ledger health, creates platform projects from the escrow
// manifest until the expected number of project lineages exists, mirrors the
// platform's tasks locally, and, once every child project has left creation,
// stamps finished_at exactly once and notifies the launcher.
type EscrowCreationJob struct {
	db        creationTxRunner
	escrows   creationStore
	projects  creationProjectStore
	tasks     creationTaskStore
	jobs      creationJobStore
	webhooks  creationOutbox
	ledger    gateway.LedgerGateway
	platform  gateway.PlatformGateway
	manifests webhook.ManifestFetcher
	interval  time.Duration
	batchSize int
	auditor   storage.Auditor
	logger    *logging.Logger
}

// NewEscrowCreationJob creates the escrow intake job
func NewEscrowCreationJob(
	db creationTxRunner,
	escrows creationStore,
	projects creationProjectStore,
	tasks creationTaskStore,
	jobs creationJobStore,
	webhooks creationOutbox,
	ledger gateway.LedgerGateway,
	platform gateway.PlatformGateway,
	manifests webhook.ManifestFetcher,
	interval time.Duration,
	batchSize int,
	auditor storage.Auditor,
	logger *logging.Logger,
) *EscrowCreationJob {
	return &EscrowCreationJob{
		db:        db,
		escrows:   escrows,
		projects:  projects,
		tasks:     tasks,
		jobs:      jobs,
		webhooks:  webhooks,
		ledger:    ledger,
		platform:  platform,
		manifests: manifests,
		interval:  interval,
		batchSize: batchSize,
		auditor:   auditor,
		logger:    logger.WithField("job", "escrow_creation"),
	}
}

// Name implements Job
func (j *EscrowCreationJob) Name() string { return "escrow_creation" }

// Schedule implements Job
func (j *EscrowCreationJob) Schedule() gocron.JobDefinition {
	return gocron.DurationJob(j.interval)
}

// Run processes one batch of unfinished intakes. Each intake is its own unit
// of failure isolation.
func (j *EscrowCreationJob) Run(ctx context.Context) {
	creations, err := j.escrows.ListUnfinishedCreations(ctx, j.batchSize)
	if err != nil {
		j.logger.WithError(err).Error("failed to list unfinished escrow intakes")
		return
	}

	for _, creation := range creations {
		if err := j.reconcile(ctx, creation); err != nil {
			j.logger.WithError(err).WithFields(map[string]interface{}{
				"escrow_address": creation.EscrowAddress,
				"chain_id":       int64(creation.ChainID),
			}).Error("escrow intake tick failed")
		}
	}
}

func (j *EscrowCreationJob) reconcile(ctx context.Context, creation *models.EscrowCreation) error {
	log := j.logger.WithFields(map[string]interface{}{
		"escrow_address": creation.EscrowAddress,
		"chain_id":       int64(creation.ChainID),
	})

	// An escrow that failed validation terminally gets no further work.
	validation, err := j.escrows.GetValidation(ctx, creation.EscrowAddress, creation.ChainID)
	if err != nil {
		return err
	}
	if validation != nil && validation.Status == types.ValidationInvalid {
		log.Debug("escrow is invalid, skipping intake")
		return nil
	}

	escrow, err := j.ledger.GetEscrow(ctx, creation.ChainID, creation.EscrowAddress)
	if err != nil {
		if errors.Is(err, gateway.ErrEscrowNotFound) {
			log.Warn("escrow missing from ledger, waiting for validation to expire it")
			return nil
		}
		return err
	}
	if (escrow.Status != types.EscrowStatusPending && escrow.Status != types.EscrowStatusPartial) || !escrow.HasFunds() {
		log.WithField("ledger_status", string(escrow.Status)).Debug("escrow not accepting work")
		return nil
	}

	// Only projects created for this intake count; the address may have
	// carried an earlier campaign.
	all, err := j.projects.ListByEscrow(ctx, j.db.Pool(), creation.EscrowAddress, creation.ChainID)
	if err != nil {
		return err
	}
	var projects []*models.Project
	for _, p := range all {
		if !p.CreatedAt.Before(creation.CreatedAt) {
			projects = append(projects, p)
		}
	}

	if len(projects) < creation.TotalJobs {
		created, err := j.createMissingProjects(ctx, creation, escrow, creation.TotalJobs-len(projects))
		if err != nil {
			return err
		}
		projects = append(projects, created...)
	}

	for _, project := range projects {
		if project.Status != types.ProjectStatusCreation {
			continue
		}
		if err := j.syncProjectTasks(ctx, project); err != nil {
			return err
		}
	}

	return j.finishIfComplete(ctx, creation, projects)
}

// createMissingProjects sets up the remaining platform projects from the
// escrow manifest. Each project is committed individually so a platform
// failure partway leaves completed lineages intact.
func (j *EscrowCreationJob) createMissingProjects(ctx context.Context, creation *models.EscrowCreation, escrow *gateway.Escrow, missing int) ([]*models.Project, error) {
	manifest, err := j.manifests.Fetch(ctx, escrow.ManifestURL)
	if err != nil {
		return nil, err
	}

	var created []*models.Project
	for i := 0; i < missing; i++ {
		platformProject, err := j.platform.CreateProject(ctx, &gateway.CreateProjectRequest{
			EscrowAddress: creation.EscrowAddress,
			ChainID:       creation.ChainID,
			JobType:       manifest.Annotation.Type,
			BucketURL:     manifest.Data.DataURL,
			Labels:        manifest.LabelNames(),
			JobSize:       manifest.Annotation.JobSize,
		})
		if err != nil {
			return created, err
		}

		project := &models.Project{
			PlatformID:    platformProject.ID,
			EscrowAddress: creation.EscrowAddress,
			ChainID:       creation.ChainID,
			Status:        types.ProjectStatusCreation,
			JobType:       manifest.Annotation.Type,
			BucketURL:     manifest.Data.DataURL,
		}
		err = j.db.WithTx(ctx, func(tx pgx.Tx) error {
			if err := j.projects.Create(ctx, tx, project); err != nil {
				return err
			}
			// Inventory the manifest's data files with the project so the
			// task creation job can bound frame counts against them.
			for _, filename := range manifest.Data.Files {
				if err := j.projects.CreateImage(ctx, tx, &models.Image{
					PlatformProjectID: project.PlatformID,
					Filename:          filename,
				}); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return created, err
		}

		j.auditor.Record(ctx, storage.TransitionRecord{
			OccurredAt:    time.Now().UTC(),
			EntityKind:    "project",
			EntityID:      project.ID,
			EscrowAddress: creation.EscrowAddress,
			ChainID:       int64(creation.ChainID),
			ToStatus:      string(types.ProjectStatusCreation),
		})
		created = append(created, project)
	}
	return created, nil
}

// syncProjectTasks mirrors platform tasks locally. Every new task starts with
// a data upload marker; the task creation job clears it once the platform
// confirms the data and the jobs exist.
func (j *EscrowCreationJob) syncProjectTasks(ctx context.Context, project *models.Project) error {
	platformTasks, err := j.platform.ListProjectTasks(ctx, project.PlatformID)
	if err != nil {
		return err
	}

	for _, pt := range platformTasks {
		existing, err := j.tasks.GetByPlatformID(ctx, pt.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			continue
		}

		err = j.db.WithTx(ctx, func(tx pgx.Tx) error {
			task := &models.Task{
				PlatformID:        pt.ID,
				PlatformProjectID: project.PlatformID,
				Status:            types.TaskStatusAnnotation,
			}
			if err := j.tasks.Create(ctx, tx, task); err != nil {
				return err
			}
			return j.tasks.CreateDataUpload(ctx, tx, &models.DataUpload{
				PlatformTaskID: pt.ID,
			})
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// finishIfComplete stamps finished_at once every child project has left
// creation. The row lock plus the conditional update make the transition
// exactly-once under concurrent ticks; re-running afterwards is a no-op.
func (j *EscrowCreationJob) finishIfComplete(ctx context.Context, creation *models.EscrowCreation, projects []*models.Project) error {
	if len(projects) < creation.TotalJobs {
		return nil
	}
	jobCount := 0
	for _, project := range projects {
		if project.Status == types.ProjectStatusCreation {
			return nil
		}
		jobs, err := j.jobs.ListByProject(ctx, j.db.Pool(), project.PlatformID)
		if err != nil {
			return err
		}
		jobCount += len(jobs)
	}

	return j.db.WithTx(ctx, func(tx pgx.Tx) error {
		locked, err := j.escrows.LockCreationForUpdate(ctx, tx, creation.ID)
		if err != nil {
			return err
		}
		if locked.Finished() {
			return nil
		}

		now := time.Now().UTC()
		finished, err := j.escrows.FinishCreation(ctx, tx, creation.ID, now)
		if err != nil {
			return err
		}
		if !finished {
			return nil
		}

		data, err := webhook.MarshalEventData(&webhook.TaskCreationCompletedData{
			ProjectCount: len(projects),
			JobCount:     jobCount,
		})
		if err != nil {
			return err
		}
		if err := j.webhooks.EnqueueOutgoing(ctx, tx, &models.OutgoingWebhook{
			EventType:     types.EventTaskCreationCompleted,
			EscrowAddress: creation.EscrowAddress,
			ChainID:       creation.ChainID,
			Recipient:     types.OracleJobLauncher,
			EventData:     data,
		}); err != nil {
			return err
		}

		j.auditor.Record(ctx, storage.TransitionRecord{
			OccurredAt:    now,
			EntityKind:    "escrow_creation",
			EntityID:      creation.ID,
			EscrowAddress: creation.EscrowAddress,
			ChainID:       int64(creation.ChainID),
			ToStatus:      "finished",
		})
		j.logger.WithFields(map[string]interface{}{
			"escrow_address": creation.EscrowAddress,
			"chain_id":       int64(creation.ChainID),
			"projects":       len(projects),
			"jobs":           jobCount,
		}).Info("escrow intake finished")
		return nil
	})
}

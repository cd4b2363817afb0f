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
	"github.com/exchange-oracle/internal/webhook"
)

type escrowKey struct {
	address string
	chainID types.ChainID
}

// CompletedEscrowsJob closes out escrows. When the ledger reports an escrow
// paid out or complete and every local project of the escrow has completed,
// the projects are recorded terminally and one escrow_completed event goes to
// the reputation oracle, in the same transaction.
type CompletedEscrowsJob struct {
	db        *storage.PostgresDB
	projects  *storage.ProjectRepository
	webhooks  *storage.WebhookRepository
	ledger    gateway.LedgerGateway
	interval  time.Duration
	batchSize int
	auditor   storage.Auditor
	logger    *logging.Logger
}

// NewCompletedEscrowsJob creates the completed escrows job
func NewCompletedEscrowsJob(
	db *storage.PostgresDB,
	projects *storage.ProjectRepository,
	webhooks *storage.WebhookRepository,
	ledger gateway.LedgerGateway,
	interval time.Duration,
	batchSize int,
	auditor storage.Auditor,
	logger *logging.Logger,
) *CompletedEscrowsJob {
	return &CompletedEscrowsJob{
		db:        db,
		projects:  projects,
		webhooks:  webhooks,
		ledger:    ledger,
		interval:  interval,
		batchSize: batchSize,
		auditor:   auditor,
		logger:    logger.WithField("job", "completed_escrows"),
	}
}

// Name implements Job
func (j *CompletedEscrowsJob) Name() string { return "completed_escrows" }

// Schedule implements Job
func (j *CompletedEscrowsJob) Schedule() gocron.JobDefinition {
	return gocron.DurationJob(j.interval)
}

// Run collects escrows with completed projects and closes out the ones the
// ledger confirms paid.
func (j *CompletedEscrowsJob) Run(ctx context.Context) {
	completed, err := j.projects.ListByStatus(ctx, types.ProjectStatusCompleted, j.batchSize)
	if err != nil {
		j.logger.WithError(err).Error("failed to list completed projects")
		return
	}

	seen := make(map[escrowKey]bool)
	for _, project := range completed {
		key := escrowKey{address: project.EscrowAddress, chainID: project.ChainID}
		if seen[key] {
			continue
		}
		seen[key] = true

		if err := j.reconcile(ctx, key); err != nil {
			j.logger.WithError(err).WithFields(map[string]interface{}{
				"escrow_address": key.address,
				"chain_id":       int64(key.chainID),
			}).Error("completed escrows tick failed for escrow")
		}
	}
}

func (j *CompletedEscrowsJob) reconcile(ctx context.Context, key escrowKey) error {
	escrow, err := j.ledger.GetEscrow(ctx, key.chainID, key.address)
	if err != nil {
		if errors.Is(err, gateway.ErrEscrowNotFound) {
			return nil
		}
		return err
	}
	if escrow.Status != types.EscrowStatusPaid && escrow.Status != types.EscrowStatusComplete {
		return nil
	}

	all, err := j.projects.ListByEscrow(ctx, j.db.Pool(), key.address, key.chainID)
	if err != nil {
		return err
	}
	for _, project := range all {
		switch project.Status {
		case types.ProjectStatusCompleted, types.ProjectStatusRecorded, types.ProjectStatusCanceled:
		default:
			return nil
		}
	}

	return j.db.WithTx(ctx, func(tx pgx.Tx) error {
		now := time.Now().UTC()
		transitioned := false
		for _, project := range all {
			if project.Status != types.ProjectStatusCompleted {
				continue
			}
			locked, err := j.projects.LockForUpdate(ctx, tx, project.PlatformID)
			if err != nil {
				return err
			}
			if locked.Status != types.ProjectStatusCompleted {
				continue
			}
			if err := j.projects.UpdateStatus(ctx, tx, project.PlatformID, types.ProjectStatusRecorded); err != nil {
				return err
			}
			transitioned = true

			j.auditor.Record(ctx, storage.TransitionRecord{
				OccurredAt:    now,
				EntityKind:    "project",
				EntityID:      project.ID,
				EscrowAddress: key.address,
				ChainID:       int64(key.chainID),
				FromStatus:    string(types.ProjectStatusCompleted),
				ToStatus:      string(types.ProjectStatusRecorded),
			})
		}

		// A concurrent tick already recorded everything and sent the event.
		if !transitioned {
			return nil
		}

		data, err := webhook.MarshalEventData(&webhook.EscrowCompletedData{})
		if err != nil {
			return err
		}
		if err := j.webhooks.EnqueueOutgoing(ctx, tx, &models.OutgoingWebhook{
			EventType:     types.EventEscrowCompleted,
			EscrowAddress: key.address,
			ChainID:       key.chainID,
			Recipient:     types.OracleReputation,
			EventData:     data,
		}); err != nil {
			return err
		}

		j.logger.WithFields(map[string]interface{}{
			"escrow_address": key.address,
			"chain_id":       int64(key.chainID),
			"projects":       len(all),
		}).Info("escrow closed out")
		return nil
	})
}

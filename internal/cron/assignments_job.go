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

// assignmentStore is the assignment persistence this job needs, satisfied by
// storage.AssignmentRepository.
type assignmentStore interface {
	ListExpired(ctx context.Context, tx pgx.Tx, now time.Time, limit int) ([]*models.Assignment, error)
	UpdateStatus(ctx context.Context, q storage.Querier, id string, status types.AssignmentStatus) error
}

// AssignmentsJob releases assignments past their deadline. Expiry is enforced
// by reconciliation itself, never by waiting for a platform webhook, so a
// worker who walks away cannot starve a job forever.
type AssignmentsJob struct {
	db          validationTxRunner
	assignments assignmentStore
	interval    time.Duration
	batchSize   int
	auditor     storage.Auditor
	logger      *logging.Logger
}

// NewAssignmentsJob creates the assignment expiry job
func NewAssignmentsJob(
	db validationTxRunner,
	assignments assignmentStore,
	interval time.Duration,
	batchSize int,
	auditor storage.Auditor,
	logger *logging.Logger,
) *AssignmentsJob {
	if auditor == nil {
		auditor = storage.NopAuditor{}
	}
	return &AssignmentsJob{
		db:          db,
		assignments: assignments,
		interval:    interval,
		batchSize:   batchSize,
		auditor:     auditor,
		logger:      logger.WithField("job", "assignments"),
	}
}

// Name implements Job
func (j *AssignmentsJob) Name() string { return "assignments" }

// Schedule implements Job
func (j *AssignmentsJob) Schedule() gocron.JobDefinition {
	return gocron.DurationJob(j.interval)
}

// Run expires one locked batch of overdue assignments
func (j *AssignmentsJob) Run(ctx context.Context) {
	expired := 0
	err := j.db.WithTx(ctx, func(tx pgx.Tx) error {
		now := time.Now().UTC()
		overdue, err := j.assignments.ListExpired(ctx, tx, now, j.batchSize)
		if err != nil {
			return err
		}

		for _, assignment := range overdue {
			if err := j.assignments.UpdateStatus(ctx, tx, assignment.ID, types.AssignmentStatusExpired); err != nil {
				return err
			}
			j.auditor.Record(ctx, storage.TransitionRecord{
				OccurredAt: now,
				EntityKind: "assignment",
				EntityID:   assignment.ID,
				FromStatus: string(types.AssignmentStatusCreated),
				ToStatus:   string(types.AssignmentStatusExpired),
			})
			expired++
		}
		return nil
	})
	if err != nil {
		j.logger.WithError(err).Error("assignment expiry tick failed")
		return
	}
	if expired > 0 {
		j.logger.WithField("expired", expired).Info("released overdue assignments")
	}
}

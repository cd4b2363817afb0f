package cron

import (
	"context"
	"errors"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jackc/pgx/v5"

	oracleerrors "github.com/exchange-oracle/internal/errors"
	"github.com/exchange-oracle/internal/gateway"
	"github.com/exchange-oracle/internal/logging"
	"github.com/exchange-oracle/internal/models"
	"github.com/exchange-oracle/internal/storage"
	"github.com/exchange-oracle/internal/types"
	"github.com/exchange-oracle/internal/webhook"
)

// validationTxRunner runs a function inside a database transaction.
type validationTxRunner interface {
	WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error
}

// validationStore is the escrow validation persistence this job needs,
// satisfied by storage.EscrowRepository.
type validationStore interface {
	ListValidationsUnderValidation(ctx context.Context, tx pgx.Tx, limit int) ([]*models.EscrowValidation, error)
	UpdateValidation(ctx context.Context, q storage.Querier, validation *models.EscrowValidation) error
}

// validationOutbox enqueues outgoing events, satisfied by
// storage.WebhookRepository.
type validationOutbox interface {
	EnqueueOutgoing(ctx context.Context, q storage.Querier, webhook *models.OutgoingWebhook) error
}

// EscrowValidationJob re-validates escrows still under validation against the
// ledger. A healthy escrow turns valid and the launcher is notified in the
// same transaction. An unhealthy check burns one attempt; spending the whole
// budget turns the escrow invalid terminally, and downstream jobs create no
// further work for it. Transient ledger failures burn no attempts.
type EscrowValidationJob struct {
	db          validationTxRunner
	validations validationStore
	outbox      validationOutbox
	ledger      gateway.LedgerGateway
	interval    time.Duration
	batchSize   int
	maxAttempts int
	auditor     storage.Auditor
	logger      *logging.Logger
}

// NewEscrowValidationJob creates the escrow validation job
func NewEscrowValidationJob(
	db validationTxRunner,
	validations validationStore,
	outbox validationOutbox,
	ledger gateway.LedgerGateway,
	interval time.Duration,
	batchSize int,
	maxAttempts int,
	auditor storage.Auditor,
	logger *logging.Logger,
) *EscrowValidationJob {
	if auditor == nil {
		auditor = storage.NopAuditor{}
	}
	return &EscrowValidationJob{
		db:          db,
		validations: validations,
		outbox:      outbox,
		ledger:      ledger,
		interval:    interval,
		batchSize:   batchSize,
		maxAttempts: maxAttempts,
		auditor:     auditor,
		logger:      logger.WithField("job", "escrow_validation"),
	}
}

// Name implements Job
func (j *EscrowValidationJob) Name() string { return "escrow_validation" }

// Schedule implements Job
func (j *EscrowValidationJob) Schedule() gocron.JobDefinition {
	return gocron.DurationJob(j.interval)
}

// Run re-validates one locked batch. The row locks make attempt counting
// exact: a concurrent tick skips locked rows instead of double-counting.
func (j *EscrowValidationJob) Run(ctx context.Context) {
	err := j.db.WithTx(ctx, func(tx pgx.Tx) error {
		validations, err := j.validations.ListValidationsUnderValidation(ctx, tx, j.batchSize)
		if err != nil {
			return err
		}
		for _, validation := range validations {
			if err := j.validate(ctx, tx, validation); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		j.logger.WithError(err).Error("escrow validation tick failed")
	}
}

func (j *EscrowValidationJob) validate(ctx context.Context, tx pgx.Tx, validation *models.EscrowValidation) error {
	log := j.logger.WithFields(map[string]interface{}{
		"escrow_address": validation.EscrowAddress,
		"chain_id":       int64(validation.ChainID),
		"attempts":       validation.Attempts,
	})

	escrow, err := j.ledger.GetEscrow(ctx, validation.ChainID, validation.EscrowAddress)
	if err != nil && !errors.Is(err, gateway.ErrEscrowNotFound) {
		if oracleerrors.IsRetryable(err) {
			log.WithError(err).Warn("ledger unavailable, leaving validation untouched")
			return nil
		}
		return err
	}

	healthy := err == nil &&
		(escrow.Status == types.EscrowStatusPending || escrow.Status == types.EscrowStatusPartial) &&
		escrow.HasFunds()

	if healthy {
		from := validation.Status
		validation.Status = types.ValidationValid
		if err := j.validations.UpdateValidation(ctx, tx, validation); err != nil {
			return err
		}

		data, err := webhook.MarshalEventData(&webhook.EscrowValidatedData{Valid: true})
		if err != nil {
			return err
		}
		if err := j.outbox.EnqueueOutgoing(ctx, tx, &models.OutgoingWebhook{
			EventType:     types.EventEscrowValidated,
			EscrowAddress: validation.EscrowAddress,
			ChainID:       validation.ChainID,
			Recipient:     types.OracleJobLauncher,
			EventData:     data,
		}); err != nil {
			return err
		}

		j.auditor.Record(ctx, storage.TransitionRecord{
			OccurredAt:    time.Now().UTC(),
			EntityKind:    "escrow_validation",
			EntityID:      validation.ID,
			EscrowAddress: validation.EscrowAddress,
			ChainID:       int64(validation.ChainID),
			FromStatus:    string(from),
			ToStatus:      string(types.ValidationValid),
		})
		log.Info("escrow validated")
		return nil
	}

	validation.Attempts++
	if validation.Attempts >= j.maxAttempts {
		validation.Status = types.ValidationInvalid
		j.auditor.Record(ctx, storage.TransitionRecord{
			OccurredAt:    time.Now().UTC(),
			EntityKind:    "escrow_validation",
			EntityID:      validation.ID,
			EscrowAddress: validation.EscrowAddress,
			ChainID:       int64(validation.ChainID),
			FromStatus:    string(types.ValidationUnderValidation),
			ToStatus:      string(types.ValidationInvalid),
			Detail:        oracleerrors.NewExhaustedError("escrow validation", validation.Attempts).Error(),
		})
		log.WithField("attempts", validation.Attempts).Error("escrow validation budget exhausted, marking invalid")
	} else {
		log.WithField("attempts", validation.Attempts).Warn("escrow validation failed")
	}
	return j.validations.UpdateValidation(ctx, tx, validation)
}

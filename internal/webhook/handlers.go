package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/exchange-oracle/internal/gateway"
	"github.com/exchange-oracle/internal/logging"
	"github.com/exchange-oracle/internal/models"
	"github.com/exchange-oracle/internal/storage"
	"github.com/exchange-oracle/internal/types"

	oracleerrors "github.com/exchange-oracle/internal/errors"
)

// TxRunner runs a function inside a database transaction, satisfied by
// storage.PostgresDB.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error
}

// EscrowIntakeStore is the escrow persistence the handlers need, satisfied by
// storage.EscrowRepository.
type EscrowIntakeStore interface {
	GetLatestCreation(ctx context.Context, escrowAddress string, chainID types.ChainID) (*models.EscrowCreation, error)
	CreateEscrowCreation(ctx context.Context, q storage.Querier, creation *models.EscrowCreation) error
	GetValidation(ctx context.Context, escrowAddress string, chainID types.ChainID) (*models.EscrowValidation, error)
	CreateValidation(ctx context.Context, q storage.Querier, validation *models.EscrowValidation) error
}

// JobStore is the job persistence the handlers need, satisfied by
// storage.JobRepository.
type JobStore interface {
	LockForUpdate(ctx context.Context, tx pgx.Tx, platformID int64) (*models.Job, error)
	UpdateStatus(ctx context.Context, q storage.Querier, platformID int64, status types.JobStatus) error
}

// AssignmentStore is the assignment persistence the handlers need, satisfied
// by storage.AssignmentRepository.
type AssignmentStore interface {
	GetLatestByJob(ctx context.Context, q storage.Querier, platformJobID int64) (*models.Assignment, error)
	Complete(ctx context.Context, q storage.Querier, id string, completedAt time.Time) error
}

// ManifestFetcher downloads escrow manifests, satisfied by
// gateway.ManifestClient.
type ManifestFetcher interface {
	Fetch(ctx context.Context, manifestURL string) (*gateway.Manifest, error)
}

// Handlers holds the incoming event handlers and their dependencies.
type Handlers struct {
	db          TxRunner
	escrows     EscrowIntakeStore
	jobs        JobStore
	assignments AssignmentStore
	ledger      gateway.LedgerGateway
	manifests   ManifestFetcher
	auditor     storage.Auditor
	logger      *logging.Logger
}

// NewHandlers creates the handler set
func NewHandlers(
	db TxRunner,
	escrows EscrowIntakeStore,
	jobs JobStore,
	assignments AssignmentStore,
	ledger gateway.LedgerGateway,
	manifests ManifestFetcher,
	auditor storage.Auditor,
	logger *logging.Logger,
) *Handlers {
	if auditor == nil {
		auditor = storage.NopAuditor{}
	}
	return &Handlers{
		db:          db,
		escrows:     escrows,
		jobs:        jobs,
		assignments: assignments,
		ledger:      ledger,
		manifests:   manifests,
		auditor:     auditor,
		logger:      logger.WithField("component", "webhook_handlers"),
	}
}

// RegisterAll binds every inbound event this oracle accepts. The launcher
// announces escrows; the recording oracle confirms accepted job results.
func (h *Handlers) RegisterAll(receiver *Receiver) {
	receiver.Register(types.EventEscrowCreated, h.HandleEscrowCreated)
	receiver.Register(types.EventJobCompleted, h.HandleJobCompleted)
}

// HandleEscrowCreated takes in a launcher announcement of a freshly funded
// escrow. It verifies the escrow against the ledger, reads its manifest, and
// records an intake plus a validation record in one transaction. The
// reconciliation jobs pick it up from there.
func (h *Handlers) HandleEscrowCreated(ctx context.Context, payload *Payload, sender types.OracleKind) error {
	if sender != types.OracleJobLauncher {
		return oracleerrors.NewAuthenticationError("escrow_created accepted from the job launcher only")
	}

	data := &EscrowCreatedData{}
	if len(payload.EventData) > 0 {
		decoded, err := payload.DecodeEventData()
		if err != nil {
			return err
		}
		data = decoded.(*EscrowCreatedData)
	}

	escrow, err := h.ledger.GetEscrow(ctx, payload.ChainID, payload.EscrowAddress)
	if err != nil {
		if errors.Is(err, gateway.ErrEscrowNotFound) {
			return oracleerrors.NewValidationError("escrow_address", "escrow does not exist on chain")
		}
		return err
	}
	if escrow.Status != types.EscrowStatusPending && escrow.Status != types.EscrowStatusPartial {
		return oracleerrors.NewValidationError("escrow_address", "escrow is not accepting work")
	}
	if !escrow.HasFunds() {
		return oracleerrors.NewValidationError("escrow_address", "escrow holds no funds")
	}

	manifestURL := data.ManifestURL
	if manifestURL == "" {
		manifestURL = escrow.ManifestURL
	}
	manifest, err := h.manifests.Fetch(ctx, manifestURL)
	if err != nil {
		return err
	}

	// One project lineage per escrow, except skeleton annotation which runs
	// one project per label.
	totalJobs := 1
	if manifest.Annotation.Type == types.JobTypeImageSkeletonsFromBoxes {
		totalJobs = len(manifest.Annotation.Labels)
	}

	// Addresses recur across campaigns; an unfinished intake for this escrow
	// means this announcement is a redelivery under a fresh event id.
	existing, err := h.escrows.GetLatestCreation(ctx, payload.EscrowAddress, payload.ChainID)
	if err != nil {
		return err
	}
	if existing != nil && !existing.Finished() {
		h.logger.WithFields(map[string]interface{}{
			"escrow_address": payload.EscrowAddress,
			"chain_id":       int64(payload.ChainID),
		}).Info("escrow intake already in progress")
		return nil
	}

	validation, err := h.escrows.GetValidation(ctx, payload.EscrowAddress, payload.ChainID)
	if err != nil {
		return err
	}

	return h.db.WithTx(ctx, func(tx pgx.Tx) error {
		creation := &models.EscrowCreation{
			EscrowAddress: payload.EscrowAddress,
			ChainID:       payload.ChainID,
			TotalJobs:     totalJobs,
		}
		if err := h.escrows.CreateEscrowCreation(ctx, tx, creation); err != nil {
			return err
		}
		if validation == nil {
			if err := h.escrows.CreateValidation(ctx, tx, &models.EscrowValidation{
				EscrowAddress: payload.EscrowAddress,
				ChainID:       payload.ChainID,
				Status:        types.ValidationUnderValidation,
			}); err != nil {
				return err
			}
		}
		h.auditor.Record(ctx, storage.TransitionRecord{
			OccurredAt:    time.Now().UTC(),
			EntityKind:    "escrow_creation",
			EntityID:      creation.ID,
			EscrowAddress: payload.EscrowAddress,
			ChainID:       int64(payload.ChainID),
			ToStatus:      "created",
			Detail:        string(payload.EventType),
		})
		return nil
	})
}

// HandleJobCompleted applies a recording oracle confirmation that one job's
// annotations were accepted. The job transitions to completed and its active
// assignment, if any, is stamped completed.
func (h *Handlers) HandleJobCompleted(ctx context.Context, payload *Payload, sender types.OracleKind) error {
	if sender != types.OracleRecording {
		return oracleerrors.NewAuthenticationError("job_completed accepted from the recording oracle only")
	}

	decoded, err := payload.DecodeEventData()
	if err != nil {
		return err
	}
	data := decoded.(*JobCompletedData)
	if data.JobID <= 0 {
		return oracleerrors.NewValidationError("event_data.job_id", "missing")
	}

	return h.db.WithTx(ctx, func(tx pgx.Tx) error {
		job, err := h.jobs.LockForUpdate(ctx, tx, data.JobID)
		if err != nil {
			return oracleerrors.NewNotFoundError("job", fmt.Sprint(data.JobID))
		}
		if job.Status == types.JobStatusCompleted {
			return nil
		}

		if err := h.jobs.UpdateStatus(ctx, tx, data.JobID, types.JobStatusCompleted); err != nil {
			return err
		}

		now := time.Now().UTC()
		assignment, err := h.assignments.GetLatestByJob(ctx, tx, data.JobID)
		if err != nil {
			return err
		}
		if assignment != nil && !assignment.IsFinished(now) {
			if err := h.assignments.Complete(ctx, tx, assignment.ID, now); err != nil {
				return err
			}
		}

		h.auditor.Record(ctx, storage.TransitionRecord{
			OccurredAt:    now,
			EntityKind:    "job",
			EntityID:      job.ID,
			EscrowAddress: payload.EscrowAddress,
			ChainID:       int64(payload.ChainID),
			FromStatus:    string(job.Status),
			ToStatus:      string(types.JobStatusCompleted),
			Detail:        string(payload.EventType),
		})
		return nil
	})
}

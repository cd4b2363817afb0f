package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	oracleerrors "github.com/exchange-oracle/internal/errors"
	"github.com/exchange-oracle/internal/logging"
	"github.com/exchange-oracle/internal/models"
	"github.com/exchange-oracle/internal/storage"
	"github.com/exchange-oracle/internal/types"
)

// PlatformSignatureHeader carries the platform's HMAC-SHA256 of the raw body.
const PlatformSignatureHeader = "X-Signature-256"

// platformEventPing is the platform's endpoint liveness probe.
const platformEventPing = "ping"

// platformEventUpdateJob reports a job state change, including assignee moves.
const platformEventUpdateJob = "update:job"

type platformAssignee struct {
	ID            int64  `json:"id"`
	WalletAddress string `json:"wallet_address"`
	Email         string `json:"email"`
}

type platformEventJob struct {
	ID       int64             `json:"id"`
	State    string            `json:"state"`
	Assignee *platformAssignee `json:"assignee"`
}

type platformEvent struct {
	Event string            `json:"event"`
	Job   *platformEventJob `json:"job"`
}

// platformJobStore is satisfied by storage.JobRepository.
type platformJobStore interface {
	GetByPlatformID(ctx context.Context, platformID int64) (*models.Job, error)
}

// platformAssignmentStore is satisfied by storage.AssignmentRepository.
type platformAssignmentStore interface {
	UpsertUser(ctx context.Context, q storage.Querier, user *models.User) error
	Create(ctx context.Context, q storage.Querier, assignment *models.Assignment) error
	GetLatestByJob(ctx context.Context, q storage.Querier, platformJobID int64) (*models.Assignment, error)
	UpdateStatus(ctx context.Context, q storage.Querier, id string, status types.AssignmentStatus) error
}

// PlatformReceiver ingests webhooks from the annotation platform itself,
// mirroring worker assignment changes locally. Unlike oracle peers, the
// platform authenticates with a shared HMAC secret rather than a recoverable
// signature.
type PlatformReceiver struct {
	db            TxRunner
	jobs          platformJobStore
	assignments   platformAssignmentStore
	secret        []byte
	assignmentTTL time.Duration
	auditor       storage.Auditor
	logger        *logging.Logger
}

// NewPlatformReceiver creates the platform webhook receiver
func NewPlatformReceiver(
	db TxRunner,
	jobs platformJobStore,
	assignments platformAssignmentStore,
	secret string,
	assignmentTTL time.Duration,
	auditor storage.Auditor,
	logger *logging.Logger,
) *PlatformReceiver {
	if auditor == nil {
		auditor = storage.NopAuditor{}
	}
	return &PlatformReceiver{
		db:            db,
		jobs:          jobs,
		assignments:   assignments,
		secret:        []byte(secret),
		assignmentTTL: assignmentTTL,
		auditor:       auditor,
		logger:        logger.WithField("component", "platform_receiver"),
	}
}

// Handle processes one raw platform webhook request. The signature is the
// hex HMAC-SHA256 of the body under the shared secret, optionally prefixed
// with "sha256=".
func (r *PlatformReceiver) Handle(ctx context.Context, body []byte, signature string) error {
	if len(r.secret) == 0 {
		return oracleerrors.NewAuthenticationError("platform webhook secret not configured")
	}
	if err := r.verify(body, signature); err != nil {
		return err
	}

	var event platformEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return oracleerrors.NewValidationError("body", fmt.Sprintf("malformed JSON: %v", err))
	}

	switch event.Event {
	case platformEventPing:
		return nil
	case platformEventUpdateJob:
		if event.Job == nil || event.Job.ID <= 0 {
			return oracleerrors.NewValidationError("job.id", "missing")
		}
		return r.handleJobUpdate(ctx, event.Job)
	default:
		return oracleerrors.NewUnknownEventTypeError(event.Event)
	}
}

func (r *PlatformReceiver) verify(body []byte, signature string) error {
	if signature == "" {
		return oracleerrors.NewAuthenticationError("missing signature header")
	}
	signature = strings.TrimPrefix(signature, "sha256=")

	mac := hmac.New(sha256.New, r.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(signature))) {
		return oracleerrors.NewAuthenticationError("platform signature mismatch")
	}
	return nil
}

// handleJobUpdate mirrors the platform's assignee for a job. A set assignee
// opens a time-boxed assignment (registering the worker first); a cleared one
// cancels the active assignment. Re-announcing the current assignee is a
// no-op, so platform redeliveries stay idempotent.
func (r *PlatformReceiver) handleJobUpdate(ctx context.Context, job *platformEventJob) error {
	local, err := r.jobs.GetByPlatformID(ctx, job.ID)
	if err != nil {
		return err
	}
	if local == nil {
		// The local mirror lags platform job creation; the platform retries.
		return oracleerrors.NewNotFoundError("job", fmt.Sprint(job.ID))
	}

	log := r.logger.WithFields(map[string]interface{}{
		"platform_job_id": job.ID,
		"state":           job.State,
	})

	return r.db.WithTx(ctx, func(tx pgx.Tx) error {
		now := time.Now().UTC()
		active, err := r.assignments.GetLatestByJob(ctx, tx, job.ID)
		if err != nil {
			return err
		}
		if active != nil && active.IsFinished(now) {
			active = nil
		}

		if job.Assignee == nil || job.Assignee.WalletAddress == "" {
			if active == nil {
				return nil
			}
			if err := r.assignments.UpdateStatus(ctx, tx, active.ID, types.AssignmentStatusCanceled); err != nil {
				return err
			}
			r.auditor.Record(ctx, storage.TransitionRecord{
				OccurredAt: now,
				EntityKind: "assignment",
				EntityID:   active.ID,
				FromStatus: string(active.Status),
				ToStatus:   string(types.AssignmentStatusCanceled),
				Detail:     platformEventUpdateJob,
			})
			log.Info("assignment canceled after platform unassign")
			return nil
		}

		wallet := strings.ToLower(job.Assignee.WalletAddress)
		if active != nil {
			if active.UserWalletAddress == wallet {
				return nil
			}
			if err := r.assignments.UpdateStatus(ctx, tx, active.ID, types.AssignmentStatusCanceled); err != nil {
				return err
			}
		}

		user := &models.User{WalletAddress: wallet}
		if job.Assignee.Email != "" {
			user.PlatformEmail = &job.Assignee.Email
		}
		if job.Assignee.ID > 0 {
			user.PlatformID = &job.Assignee.ID
		}
		if err := r.assignments.UpsertUser(ctx, tx, user); err != nil {
			return err
		}

		assignment := &models.Assignment{
			UserWalletAddress: wallet,
			PlatformJobID:     job.ID,
			Status:            types.AssignmentStatusCreated,
			ExpiresAt:         now.Add(r.assignmentTTL),
		}
		if err := r.assignments.Create(ctx, tx, assignment); err != nil {
			return err
		}

		r.auditor.Record(ctx, storage.TransitionRecord{
			OccurredAt: now,
			EntityKind: "assignment",
			EntityID:   assignment.ID,
			ToStatus:   string(types.AssignmentStatusCreated),
			Detail:     platformEventUpdateJob,
		})
		log.WithField("wallet_address", wallet).Info("assignment opened from platform webhook")
		return nil
	})
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/exchange-oracle/internal/models"
	"github.com/exchange-oracle/internal/types"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// WebhookRepository handles the outgoing webhook queue and the incoming
// webhook dedup ledger.
type WebhookRepository struct {
	db *PostgresDB
}

// NewWebhookRepository creates a new webhook repository
func NewWebhookRepository(db *PostgresDB) *WebhookRepository {
	return &WebhookRepository{db: db}
}

const outgoingColumns = `event_id, event_type, escrow_address, chain_id, recipient, event_data, status, attempts, next_retry_at, created_at`

func scanOutgoing(row pgx.Row) (*models.OutgoingWebhook, error) {
	var w models.OutgoingWebhook
	err := row.Scan(&w.EventID, &w.EventType, &w.EscrowAddress, &w.ChainID, &w.Recipient,
		&w.EventData, &w.Status, &w.Attempts, &w.NextRetryAt, &w.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// EnqueueOutgoing inserts an outgoing webhook, normally within the same
// transaction as the state change producing the event.
func (r *WebhookRepository) EnqueueOutgoing(ctx context.Context, q Querier, webhook *models.OutgoingWebhook) error {
	if webhook.EventID == "" {
		webhook.EventID = uuid.NewString()
	}
	now := time.Now().UTC()
	if webhook.CreatedAt.IsZero() {
		webhook.CreatedAt = now
	}
	if webhook.NextRetryAt.IsZero() {
		webhook.NextRetryAt = now
	}
	if webhook.Status == "" {
		webhook.Status = types.OutgoingPending
	}

	query := `
		INSERT INTO outgoing_webhooks (` + outgoingColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := q.Exec(ctx, query,
		webhook.EventID, webhook.EventType, webhook.EscrowAddress, webhook.ChainID,
		webhook.Recipient, webhook.EventData, webhook.Status, webhook.Attempts,
		webhook.NextRetryAt, webhook.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to enqueue outgoing webhook: %w", err)
	}
	return nil
}

// LockPendingOutgoing selects due pending webhooks oldest first with
// FOR UPDATE SKIP LOCKED, so concurrent dispatcher instances never pick up
// the same row.
func (r *WebhookRepository) LockPendingOutgoing(ctx context.Context, tx pgx.Tx, now time.Time, limit int) ([]*models.OutgoingWebhook, error) {
	query := `
		SELECT ` + outgoingColumns + `
		FROM outgoing_webhooks
		WHERE status = $1 AND next_retry_at <= $2
		ORDER BY created_at ASC
		LIMIT $3
		FOR UPDATE SKIP LOCKED
	`
	rows, err := tx.Query(ctx, query, types.OutgoingPending, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to lock pending webhooks: %w", err)
	}
	defer rows.Close()

	var webhooks []*models.OutgoingWebhook
	for rows.Next() {
		w, err := scanOutgoing(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outgoing webhook: %w", err)
		}
		webhooks = append(webhooks, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outgoing webhooks: %w", err)
	}
	return webhooks, nil
}

// GetOutgoing retrieves an outgoing webhook by event id
func (r *WebhookRepository) GetOutgoing(ctx context.Context, eventID string) (*models.OutgoingWebhook, error) {
	query := `SELECT ` + outgoingColumns + ` FROM outgoing_webhooks WHERE event_id = $1`

	w, err := scanOutgoing(r.db.Pool().QueryRow(ctx, query, eventID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get outgoing webhook: %w", err)
	}
	return w, nil
}

// MarkOutgoingCompleted records a confirmed delivery
func (r *WebhookRepository) MarkOutgoingCompleted(ctx context.Context, q Querier, eventID string, attempts int) error {
	query := `
		UPDATE outgoing_webhooks
		SET status = $2, attempts = $3
		WHERE event_id = $1
	`
	tag, err := q.Exec(ctx, query, eventID, types.OutgoingCompleted, attempts)
	if err != nil {
		return fmt.Errorf("failed to mark webhook completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outgoing webhook not found: %s", eventID)
	}
	return nil
}

// RescheduleOutgoing records a failed attempt and the computed next retry
// time, leaving the row pending.
func (r *WebhookRepository) RescheduleOutgoing(ctx context.Context, q Querier, eventID string, attempts int, nextRetryAt time.Time) error {
	query := `
		UPDATE outgoing_webhooks
		SET attempts = $2, next_retry_at = $3
		WHERE event_id = $1 AND status = $4
	`
	tag, err := q.Exec(ctx, query, eventID, attempts, nextRetryAt, types.OutgoingPending)
	if err != nil {
		return fmt.Errorf("failed to reschedule webhook: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("pending outgoing webhook not found: %s", eventID)
	}
	return nil
}

// MarkOutgoingFailed transitions a webhook to the terminal failed state after
// the retry budget is exhausted. The row remains for operator attention.
func (r *WebhookRepository) MarkOutgoingFailed(ctx context.Context, q Querier, eventID string, attempts int) error {
	query := `
		UPDATE outgoing_webhooks
		SET status = $2, attempts = $3
		WHERE event_id = $1
	`
	tag, err := q.Exec(ctx, query, eventID, types.OutgoingFailed, attempts)
	if err != nil {
		return fmt.Errorf("failed to mark webhook failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outgoing webhook not found: %s", eventID)
	}
	return nil
}

const incomingColumns = `event_id, sender, event_type, escrow_address, chain_id, event_data, status, failure_reason, received_at`

func scanIncoming(row pgx.Row) (*models.IncomingWebhook, error) {
	var w models.IncomingWebhook
	err := row.Scan(&w.EventID, &w.Sender, &w.EventType, &w.EscrowAddress, &w.ChainID,
		&w.EventData, &w.Status, &w.FailureReason, &w.ReceivedAt)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// InsertIncoming records a received event in the dedup ledger. Returns a
// duplicate indicator instead of an error when the event id already exists,
// since redelivery is expected under at-least-once semantics.
func (r *WebhookRepository) InsertIncoming(ctx context.Context, webhook *models.IncomingWebhook) (inserted bool, err error) {
	if webhook.ReceivedAt.IsZero() {
		webhook.ReceivedAt = time.Now().UTC()
	}
	if webhook.Status == "" {
		webhook.Status = types.IncomingReceived
	}

	query := `
		INSERT INTO incoming_webhooks (` + incomingColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (event_id) DO NOTHING
	`
	tag, err := r.db.Pool().Exec(ctx, query,
		webhook.EventID, webhook.Sender, webhook.EventType, webhook.EscrowAddress,
		webhook.ChainID, webhook.EventData, webhook.Status, webhook.FailureReason,
		webhook.ReceivedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert incoming webhook: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetIncoming retrieves a dedup ledger entry by event id
func (r *WebhookRepository) GetIncoming(ctx context.Context, eventID string) (*models.IncomingWebhook, error) {
	query := `SELECT ` + incomingColumns + ` FROM incoming_webhooks WHERE event_id = $1`

	w, err := scanIncoming(r.db.Pool().QueryRow(ctx, query, eventID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get incoming webhook: %w", err)
	}
	return w, nil
}

// UpdateIncomingStatus transitions a dedup ledger entry, recording the
// failure reason when the handler failed.
func (r *WebhookRepository) UpdateIncomingStatus(ctx context.Context, q Querier, eventID string, status types.IncomingWebhookStatus, failureReason *string) error {
	query := `
		UPDATE incoming_webhooks
		SET status = $2, failure_reason = $3
		WHERE event_id = $1
	`
	tag, err := q.Exec(ctx, query, eventID, status, failureReason)
	if err != nil {
		return fmt.Errorf("failed to update incoming webhook: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("incoming webhook not found: %s", eventID)
	}
	return nil
}

// CountOutgoingByStatus returns queue depth per status, for health reporting
func (r *WebhookRepository) CountOutgoingByStatus(ctx context.Context, status types.OutgoingWebhookStatus) (int, error) {
	var count int
	err := r.db.Pool().QueryRow(ctx,
		`SELECT COUNT(*) FROM outgoing_webhooks WHERE status = $1`, status).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count outgoing webhooks: %w", err)
	}
	return count, nil
}

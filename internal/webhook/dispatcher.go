package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/panjf2000/ants/v2"

	"github.com/exchange-oracle/internal/config"
	"github.com/exchange-oracle/internal/logging"
	"github.com/exchange-oracle/internal/models"
	"github.com/exchange-oracle/internal/retry"
	"github.com/exchange-oracle/internal/storage"
	"github.com/exchange-oracle/internal/types"
)

// OutboxStore is the queue access the dispatcher needs, satisfied by
// storage.WebhookRepository.
type OutboxStore interface {
	LockPendingOutgoing(ctx context.Context, tx pgx.Tx, now time.Time, limit int) ([]*models.OutgoingWebhook, error)
	MarkOutgoingCompleted(ctx context.Context, q storage.Querier, eventID string, attempts int) error
	RescheduleOutgoing(ctx context.Context, q storage.Querier, eventID string, attempts int, nextRetryAt time.Time) error
	MarkOutgoingFailed(ctx context.Context, q storage.Querier, eventID string, attempts int) error
}

// Dispatcher drains the outgoing webhook queue. Each run locks a batch of due
// rows with SKIP LOCKED, delivers them concurrently through a bounded worker
// pool, and records the outcome before the locking transaction commits.
// Delivery is at-least-once: a crash between a successful POST and the commit
// redelivers, and receivers dedup by event id.
type Dispatcher struct {
	db      TxRunner
	outbox  OutboxStore
	signer  *Signer
	oracles config.OraclesConfig
	cfg     config.WebhookConfig
	client  *http.Client
	pool    *ants.Pool
	auditor storage.Auditor
	logger  *logging.Logger
}

// NewDispatcher creates a dispatcher with its own worker pool
func NewDispatcher(
	db TxRunner,
	outbox OutboxStore,
	signer *Signer,
	oracles config.OraclesConfig,
	cfg config.WebhookConfig,
	auditor storage.Auditor,
	logger *logging.Logger,
) (*Dispatcher, error) {
	pool, err := ants.NewPool(cfg.PoolSize, ants.WithNonblocking(false))
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatch pool: %w", err)
	}
	if auditor == nil {
		auditor = storage.NopAuditor{}
	}
	return &Dispatcher{
		db:      db,
		outbox:  outbox,
		signer:  signer,
		oracles: oracles,
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.RequestTimeout},
		pool:    pool,
		auditor: auditor,
		logger:  logger.WithField("component", "webhook_dispatcher"),
	}, nil
}

// Close releases the worker pool
func (d *Dispatcher) Close() {
	d.pool.Release()
}

type deliveryResult struct {
	webhook *models.OutgoingWebhook
	err     error
}

// ProcessPending runs one dispatch cycle and returns the number of webhooks
// attempted.
func (d *Dispatcher) ProcessPending(ctx context.Context) (int, error) {
	var attempted int
	err := d.db.WithTx(ctx, func(tx pgx.Tx) error {
		now := time.Now().UTC()
		webhooks, err := d.outbox.LockPendingOutgoing(ctx, tx, now, d.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(webhooks) == 0 {
			return nil
		}
		attempted = len(webhooks)

		results := make([]deliveryResult, len(webhooks))
		var wg sync.WaitGroup
		for i, webhook := range webhooks {
			i, webhook := i, webhook
			wg.Add(1)
			submitErr := d.pool.Submit(func() {
				defer wg.Done()
				results[i] = deliveryResult{webhook: webhook, err: d.deliver(ctx, webhook)}
			})
			if submitErr != nil {
				wg.Done()
				results[i] = deliveryResult{webhook: webhook, err: submitErr}
			}
		}
		wg.Wait()

		for _, result := range results {
			if err := d.record(ctx, tx, now, result); err != nil {
				return err
			}
		}
		return nil
	})
	return attempted, err
}

// deliver POSTs one signed webhook to its recipient oracle. Any non-2xx
// response counts as a failed attempt.
func (d *Dispatcher) deliver(ctx context.Context, webhook *models.OutgoingWebhook) error {
	endpoint, ok := d.oracles.Endpoint(webhook.Recipient)
	if !ok {
		return fmt.Errorf("no webhook URL configured for recipient %s", webhook.Recipient)
	}

	payload := &Payload{
		EventID:       webhook.EventID,
		EscrowAddress: webhook.EscrowAddress,
		ChainID:       webhook.ChainID,
		EventType:     webhook.EventType,
		EventData:     webhook.EventData,
		Timestamp:     webhook.CreatedAt,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode webhook payload: %w", err)
	}

	signature, err := d.signer.Sign(body)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, signature)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook delivery failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook rejected with status %d", resp.StatusCode)
	}
	return nil
}

// record writes the delivery outcome for one webhook inside the locking
// transaction. A failed attempt increments the counter and either reschedules
// with exponential backoff or, once the retry budget is spent, fails the row
// terminally.
func (d *Dispatcher) record(ctx context.Context, tx pgx.Tx, now time.Time, result deliveryResult) error {
	webhook := result.webhook
	log := d.logger.WithFields(map[string]interface{}{
		"event_id":   webhook.EventID,
		"event_type": string(webhook.EventType),
		"recipient":  string(webhook.Recipient),
	})

	if result.err == nil {
		if err := d.outbox.MarkOutgoingCompleted(ctx, tx, webhook.EventID, webhook.Attempts+1); err != nil {
			return err
		}
		d.auditor.Record(ctx, storage.TransitionRecord{
			OccurredAt:    now,
			EntityKind:    "outgoing_webhook",
			EntityID:      webhook.EventID,
			EscrowAddress: webhook.EscrowAddress,
			ChainID:       int64(webhook.ChainID),
			FromStatus:    string(types.OutgoingPending),
			ToStatus:      string(types.OutgoingCompleted),
		})
		log.WithField("attempts", webhook.Attempts+1).Info("webhook delivered")
		return nil
	}

	attempts := webhook.Attempts + 1
	if attempts > d.cfg.MaxRetries {
		if err := d.outbox.MarkOutgoingFailed(ctx, tx, webhook.EventID, attempts); err != nil {
			return err
		}
		d.auditor.Record(ctx, storage.TransitionRecord{
			OccurredAt:    now,
			EntityKind:    "outgoing_webhook",
			EntityID:      webhook.EventID,
			EscrowAddress: webhook.EscrowAddress,
			ChainID:       int64(webhook.ChainID),
			FromStatus:    string(types.OutgoingPending),
			ToStatus:      string(types.OutgoingFailed),
			Detail:        result.err.Error(),
		})
		log.WithError(result.err).WithField("attempts", attempts).Error("webhook failed terminally")
		return nil
	}

	nextRetryAt := now.Add(retry.Backoff(d.cfg.BaseRetryDelay, d.cfg.MaxRetryDelay, attempts))
	if err := d.outbox.RescheduleOutgoing(ctx, tx, webhook.EventID, attempts, nextRetryAt); err != nil {
		return err
	}
	log.WithError(result.err).WithFields(map[string]interface{}{
		"attempts":      attempts,
		"next_retry_at": nextRetryAt,
	}).Warn("webhook delivery failed, rescheduled")
	return nil
}

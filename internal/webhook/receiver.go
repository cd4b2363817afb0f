package webhook

import (
	"context"
	"fmt"
	"time"

	"github.com/exchange-oracle/internal/config"
	oracleerrors "github.com/exchange-oracle/internal/errors"
	"github.com/exchange-oracle/internal/logging"
	"github.com/exchange-oracle/internal/models"
	"github.com/exchange-oracle/internal/storage"
	"github.com/exchange-oracle/internal/types"
)

// Handler processes one verified, deduplicated incoming event. Returning an
// error marks the ledger entry failed; the sender will redeliver and the
// dedup check lets the retry through because failed entries are not treated
// as completed.
type Handler func(ctx context.Context, payload *Payload, sender types.OracleKind) error

// IncomingStore is the dedup ledger access the receiver needs, satisfied by
// storage.WebhookRepository.
type IncomingStore interface {
	InsertIncoming(ctx context.Context, webhook *models.IncomingWebhook) (bool, error)
	GetIncoming(ctx context.Context, eventID string) (*models.IncomingWebhook, error)
	UpdateIncomingStatus(ctx context.Context, q storage.Querier, eventID string, status types.IncomingWebhookStatus, failureReason *string) error
}

// CompletionCache is the fast-path dedup cache, satisfied by
// storage.DedupCache. Cache misses fall through to the Postgres ledger, so
// the cache never has to be correct, only fast.
type CompletionCache interface {
	IsCompleted(ctx context.Context, eventID string) bool
	MarkCompleted(ctx context.Context, eventID string)
}

// Receiver verifies, deduplicates and dispatches incoming oracle webhooks.
type Receiver struct {
	store    IncomingStore
	q        storage.Querier
	cache    CompletionCache
	trusted  map[string]types.OracleKind
	handlers map[types.EventType]Handler
	logger   *logging.Logger
}

// NewReceiver creates a receiver trusting the configured peer addresses
func NewReceiver(
	db *storage.PostgresDB,
	store IncomingStore,
	cache CompletionCache,
	oracles config.OraclesConfig,
	logger *logging.Logger,
) *Receiver {
	return &Receiver{
		store:    store,
		q:        db.Pool(),
		cache:    cache,
		trusted:  oracles.TrustedAddresses(),
		handlers: make(map[types.EventType]Handler),
		logger:   logger.WithField("component", "webhook_receiver"),
	}
}

// Register binds a handler to an event type. Panics on double registration,
// since the handler table is assembled once at startup.
func (r *Receiver) Register(eventType types.EventType, handler Handler) {
	if _, exists := r.handlers[eventType]; exists {
		panic(fmt.Sprintf("handler already registered for %s", eventType))
	}
	r.handlers[eventType] = handler
}

// Handle processes one raw webhook request. It returns nil for both fresh
// events handled successfully and duplicates of completed events, since the
// sender only needs to know the event is accounted for. Authentication and
// validation failures come back as categorized errors for the HTTP layer to
// map.
func (r *Receiver) Handle(ctx context.Context, body []byte, signature string) error {
	if signature == "" {
		return oracleerrors.NewAuthenticationError("missing signature header")
	}
	signer, err := RecoverSigner(body, signature)
	if err != nil {
		return err
	}
	sender, ok := r.trusted[signer]
	if !ok {
		return oracleerrors.NewAuthenticationError("signer is not a trusted oracle")
	}

	payload, err := ParsePayload(body)
	if err != nil {
		return err
	}

	log := r.logger.WithFields(map[string]interface{}{
		"event_id":   payload.EventID,
		"event_type": string(payload.EventType),
		"sender":     string(sender),
	})

	if r.cache != nil && r.cache.IsCompleted(ctx, payload.EventID) {
		log.Debug("duplicate event, already completed")
		return nil
	}

	inserted, err := r.store.InsertIncoming(ctx, &models.IncomingWebhook{
		EventID:       payload.EventID,
		Sender:        sender,
		EventType:     payload.EventType,
		EscrowAddress: payload.EscrowAddress,
		ChainID:       payload.ChainID,
		EventData:     payload.EventData,
		Status:        types.IncomingReceived,
		ReceivedAt:    time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if !inserted {
		return r.handleDuplicate(ctx, payload, sender, log)
	}

	return r.dispatch(ctx, payload, sender, log)
}

// handleDuplicate decides what to do with a redelivered event id. Completed
// events are acknowledged; failed ones get another processing attempt, since
// redelivery is exactly how senders retry handler failures.
func (r *Receiver) handleDuplicate(ctx context.Context, payload *Payload, sender types.OracleKind, log *logging.Logger) error {
	existing, err := r.store.GetIncoming(ctx, payload.EventID)
	if err != nil {
		return err
	}
	if existing == nil {
		return oracleerrors.NewInternalError(fmt.Sprintf("dedup entry vanished for event %s", payload.EventID), nil)
	}

	switch existing.Status {
	case types.IncomingCompleted:
		if r.cache != nil {
			r.cache.MarkCompleted(ctx, payload.EventID)
		}
		log.Debug("duplicate event, already completed")
		return nil
	case types.IncomingFailed:
		log.Info("retrying previously failed event")
		return r.dispatch(ctx, payload, sender, log)
	default:
		// Received or processing by another instance. Acknowledge and let
		// that attempt finish; the sender redelivers if it fails.
		log.Debug("duplicate event, processing in flight")
		return nil
	}
}

// dispatch runs the registered handler and records the outcome in the ledger.
// The entry moves received -> processing -> completed/failed so an operator
// can tell an event that never started from one that died mid-handler.
func (r *Receiver) dispatch(ctx context.Context, payload *Payload, sender types.OracleKind, log *logging.Logger) error {
	handler, ok := r.handlers[payload.EventType]
	if !ok {
		reason := fmt.Sprintf("no handler for event type %s", payload.EventType)
		_ = r.store.UpdateIncomingStatus(ctx, r.q, payload.EventID, types.IncomingFailed, &reason)
		return oracleerrors.NewUnknownEventTypeError(string(payload.EventType))
	}

	if err := r.store.UpdateIncomingStatus(ctx, r.q, payload.EventID, types.IncomingProcessing, nil); err != nil {
		return err
	}

	if err := handler(ctx, payload, sender); err != nil {
		reason := err.Error()
		if updateErr := r.store.UpdateIncomingStatus(ctx, r.q, payload.EventID, types.IncomingFailed, &reason); updateErr != nil {
			log.WithError(updateErr).Error("failed to record handler failure")
		}
		log.WithError(err).Error("event handler failed")
		return err
	}

	if err := r.store.UpdateIncomingStatus(ctx, r.q, payload.EventID, types.IncomingCompleted, nil); err != nil {
		return err
	}
	if r.cache != nil {
		r.cache.MarkCompleted(ctx, payload.EventID)
	}
	log.Info("event processed")
	return nil
}

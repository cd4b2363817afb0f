package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	oracleerrors "github.com/exchange-oracle/internal/errors"
	"github.com/exchange-oracle/internal/logging"
	"github.com/exchange-oracle/internal/models"
	"github.com/exchange-oracle/internal/storage"
	"github.com/exchange-oracle/internal/types"
)

func testLogger() *logging.Logger {
	return logging.NewLogger(logging.Config{Level: "error", Format: "console"})
}

type fakeIncomingStore struct {
	rows map[string]*models.IncomingWebhook
	// statuses records every state an event id passed through, insert included.
	statuses map[string][]types.IncomingWebhookStatus
}

func newFakeIncomingStore() *fakeIncomingStore {
	return &fakeIncomingStore{
		rows:     make(map[string]*models.IncomingWebhook),
		statuses: make(map[string][]types.IncomingWebhookStatus),
	}
}

func (s *fakeIncomingStore) InsertIncoming(ctx context.Context, webhook *models.IncomingWebhook) (bool, error) {
	if _, exists := s.rows[webhook.EventID]; exists {
		return false, nil
	}
	copied := *webhook
	s.rows[webhook.EventID] = &copied
	s.statuses[webhook.EventID] = append(s.statuses[webhook.EventID], webhook.Status)
	return true, nil
}

func (s *fakeIncomingStore) GetIncoming(ctx context.Context, eventID string) (*models.IncomingWebhook, error) {
	return s.rows[eventID], nil
}

func (s *fakeIncomingStore) UpdateIncomingStatus(ctx context.Context, q storage.Querier, eventID string, status types.IncomingWebhookStatus, failureReason *string) error {
	row, ok := s.rows[eventID]
	if !ok {
		return errors.New("no such event")
	}
	row.Status = status
	row.FailureReason = failureReason
	s.statuses[eventID] = append(s.statuses[eventID], status)
	return nil
}

type fakeCache struct {
	completed map[string]bool
}

func newFakeCache() *fakeCache {
	return &fakeCache{completed: make(map[string]bool)}
}

func (c *fakeCache) IsCompleted(ctx context.Context, eventID string) bool {
	return c.completed[eventID]
}

func (c *fakeCache) MarkCompleted(ctx context.Context, eventID string) {
	c.completed[eventID] = true
}

func newTestReceiver(store IncomingStore, cache CompletionCache, trusted map[string]types.OracleKind) *Receiver {
	return &Receiver{
		store:    store,
		cache:    cache,
		trusted:  trusted,
		handlers: make(map[types.EventType]Handler),
		logger:   testLogger(),
	}
}

func signedBody(t *testing.T, signer *Signer, eventType types.EventType, eventData interface{}) ([]byte, string) {
	t.Helper()
	var raw json.RawMessage
	if eventData != nil {
		var err error
		raw, err = MarshalEventData(eventData)
		require.NoError(t, err)
	}
	body, err := json.Marshal(&Payload{
		EventID:       "evt-1",
		EscrowAddress: "0xescrow",
		ChainID:       types.ChainPolygon,
		EventType:     eventType,
		EventData:     raw,
		Timestamp:     time.Now().UTC(),
	})
	require.NoError(t, err)
	signature, err := signer.Sign(body)
	require.NoError(t, err)
	return body, signature
}

func TestReceiverRejectsMissingSignature(t *testing.T) {
	receiver := newTestReceiver(newFakeIncomingStore(), nil, nil)

	err := receiver.Handle(context.Background(), []byte(`{}`), "")
	require.Error(t, err)
	assert.Equal(t, oracleerrors.CategoryAuthentication, oracleerrors.Categorize(err).Category)
}

func TestReceiverRejectsUntrustedSigner(t *testing.T) {
	signer := newTestSigner(t)
	receiver := newTestReceiver(newFakeIncomingStore(), nil, map[string]types.OracleKind{})

	body, signature := signedBody(t, signer, types.EventEscrowCreated, nil)
	err := receiver.Handle(context.Background(), body, signature)
	require.Error(t, err)
	assert.Equal(t, oracleerrors.CategoryAuthentication, oracleerrors.Categorize(err).Category)
}

func TestReceiverProcessesFreshEvent(t *testing.T) {
	signer := newTestSigner(t)
	store := newFakeIncomingStore()
	cache := newFakeCache()
	trusted := map[string]types.OracleKind{
		strings.ToLower(signer.Address()): types.OracleJobLauncher,
	}
	receiver := newTestReceiver(store, cache, trusted)

	var calls int
	var gotSender types.OracleKind
	receiver.Register(types.EventEscrowCreated, func(ctx context.Context, payload *Payload, sender types.OracleKind) error {
		calls++
		gotSender = sender
		return nil
	})

	body, signature := signedBody(t, signer, types.EventEscrowCreated, nil)
	require.NoError(t, receiver.Handle(context.Background(), body, signature))

	assert.Equal(t, 1, calls)
	assert.Equal(t, types.OracleJobLauncher, gotSender)
	assert.Equal(t, types.IncomingCompleted, store.rows["evt-1"].Status)
	assert.True(t, cache.completed["evt-1"])
}

func TestReceiverLedgerStatusProgression(t *testing.T) {
	signer := newTestSigner(t)
	store := newFakeIncomingStore()
	trusted := map[string]types.OracleKind{
		strings.ToLower(signer.Address()): types.OracleJobLauncher,
	}
	receiver := newTestReceiver(store, nil, trusted)
	receiver.Register(types.EventEscrowCreated, func(ctx context.Context, payload *Payload, sender types.OracleKind) error {
		return nil
	})

	body, signature := signedBody(t, signer, types.EventEscrowCreated, nil)
	require.NoError(t, receiver.Handle(context.Background(), body, signature))

	assert.Equal(t, []types.IncomingWebhookStatus{
		types.IncomingReceived,
		types.IncomingProcessing,
		types.IncomingCompleted,
	}, store.statuses["evt-1"], "ledger entry must pass through every documented state")
}

func TestReceiverDeduplicatesCompletedEvents(t *testing.T) {
	signer := newTestSigner(t)
	store := newFakeIncomingStore()
	trusted := map[string]types.OracleKind{
		strings.ToLower(signer.Address()): types.OracleJobLauncher,
	}
	// No cache: redelivery must hit the persistent ledger.
	receiver := newTestReceiver(store, nil, trusted)

	var calls int
	receiver.Register(types.EventEscrowCreated, func(ctx context.Context, payload *Payload, sender types.OracleKind) error {
		calls++
		return nil
	})

	body, signature := signedBody(t, signer, types.EventEscrowCreated, nil)
	require.NoError(t, receiver.Handle(context.Background(), body, signature))
	require.NoError(t, receiver.Handle(context.Background(), body, signature))

	assert.Equal(t, 1, calls, "handler must run once per event id")
}

func TestReceiverCacheShortCircuits(t *testing.T) {
	signer := newTestSigner(t)
	store := newFakeIncomingStore()
	cache := newFakeCache()
	cache.completed["evt-1"] = true
	trusted := map[string]types.OracleKind{
		strings.ToLower(signer.Address()): types.OracleJobLauncher,
	}
	receiver := newTestReceiver(store, cache, trusted)

	var calls int
	receiver.Register(types.EventEscrowCreated, func(ctx context.Context, payload *Payload, sender types.OracleKind) error {
		calls++
		return nil
	})

	body, signature := signedBody(t, signer, types.EventEscrowCreated, nil)
	require.NoError(t, receiver.Handle(context.Background(), body, signature))
	assert.Equal(t, 0, calls)
	assert.Empty(t, store.rows, "cache hit must not touch the ledger")
}

func TestReceiverRetriesFailedEvents(t *testing.T) {
	signer := newTestSigner(t)
	store := newFakeIncomingStore()
	trusted := map[string]types.OracleKind{
		strings.ToLower(signer.Address()): types.OracleJobLauncher,
	}
	receiver := newTestReceiver(store, nil, trusted)

	var calls int
	receiver.Register(types.EventEscrowCreated, func(ctx context.Context, payload *Payload, sender types.OracleKind) error {
		calls++
		if calls == 1 {
			return oracleerrors.NewTransientError("ledger lookup", errors.New("rpc down"))
		}
		return nil
	})

	body, signature := signedBody(t, signer, types.EventEscrowCreated, nil)

	err := receiver.Handle(context.Background(), body, signature)
	require.Error(t, err)
	assert.Equal(t, types.IncomingFailed, store.rows["evt-1"].Status)
	require.NotNil(t, store.rows["evt-1"].FailureReason)

	// Redelivery of a failed event id gets another attempt.
	require.NoError(t, receiver.Handle(context.Background(), body, signature))
	assert.Equal(t, 2, calls)
	assert.Equal(t, types.IncomingCompleted, store.rows["evt-1"].Status)
}

func TestReceiverUnhandledEventType(t *testing.T) {
	signer := newTestSigner(t)
	store := newFakeIncomingStore()
	trusted := map[string]types.OracleKind{
		strings.ToLower(signer.Address()): types.OracleRecording,
	}
	receiver := newTestReceiver(store, nil, trusted)

	body, signature := signedBody(t, signer, types.EventTaskCompleted, nil)
	err := receiver.Handle(context.Background(), body, signature)
	require.Error(t, err)
	assert.Equal(t, "UNKNOWN_EVENT_TYPE", oracleerrors.Categorize(err).Code)
	assert.Equal(t, types.IncomingFailed, store.rows["evt-1"].Status)
}

func TestReceiverDoubleRegistrationPanics(t *testing.T) {
	receiver := newTestReceiver(newFakeIncomingStore(), nil, nil)
	receiver.Register(types.EventEscrowCreated, func(ctx context.Context, payload *Payload, sender types.OracleKind) error {
		return nil
	})
	assert.Panics(t, func() {
		receiver.Register(types.EventEscrowCreated, func(ctx context.Context, payload *Payload, sender types.OracleKind) error {
			return nil
		})
	})
}

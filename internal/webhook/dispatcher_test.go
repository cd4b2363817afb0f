package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exchange-oracle/internal/config"
	"github.com/exchange-oracle/internal/models"
	"github.com/exchange-oracle/internal/storage"
	"github.com/exchange-oracle/internal/types"
)

type fakeTxRunner struct{}

func (fakeTxRunner) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return fn(nil)
}

type rescheduled struct {
	attempts    int
	nextRetryAt time.Time
}

type fakeOutbox struct {
	pending     []*models.OutgoingWebhook
	completed   map[string]int
	rescheduled map[string]rescheduled
	failed      map[string]int
}

func newFakeOutbox(pending ...*models.OutgoingWebhook) *fakeOutbox {
	return &fakeOutbox{
		pending:     pending,
		completed:   make(map[string]int),
		rescheduled: make(map[string]rescheduled),
		failed:      make(map[string]int),
	}
}

func (o *fakeOutbox) LockPendingOutgoing(ctx context.Context, tx pgx.Tx, now time.Time, limit int) ([]*models.OutgoingWebhook, error) {
	if len(o.pending) > limit {
		return o.pending[:limit], nil
	}
	return o.pending, nil
}

func (o *fakeOutbox) MarkOutgoingCompleted(ctx context.Context, q storage.Querier, eventID string, attempts int) error {
	o.completed[eventID] = attempts
	return nil
}

func (o *fakeOutbox) RescheduleOutgoing(ctx context.Context, q storage.Querier, eventID string, attempts int, nextRetryAt time.Time) error {
	o.rescheduled[eventID] = rescheduled{attempts: attempts, nextRetryAt: nextRetryAt}
	return nil
}

func (o *fakeOutbox) MarkOutgoingFailed(ctx context.Context, q storage.Querier, eventID string, attempts int) error {
	o.failed[eventID] = attempts
	return nil
}

func testWebhookConfig() config.WebhookConfig {
	return config.WebhookConfig{
		MaxRetries:     3,
		BaseRetryDelay: time.Minute,
		MaxRetryDelay:  time.Hour,
		BatchSize:      10,
		PoolSize:       2,
		RequestTimeout: 5 * time.Second,
	}
}

func pendingWebhook(attempts int) *models.OutgoingWebhook {
	return &models.OutgoingWebhook{
		EventID:       "evt-out-1",
		EventType:     types.EventEscrowValidated,
		EscrowAddress: "0xescrow",
		ChainID:       types.ChainPolygon,
		Recipient:     types.OracleJobLauncher,
		Status:        types.OutgoingPending,
		Attempts:      attempts,
		CreatedAt:     time.Now().UTC(),
	}
}

func newTestDispatcher(t *testing.T, outbox OutboxStore, launcherURL string) (*Dispatcher, *Signer) {
	t.Helper()
	signer := newTestSigner(t)
	oracles := config.OraclesConfig{
		JobLauncher: config.OracleEndpoint{WebhookURL: launcherURL},
	}
	dispatcher, err := NewDispatcher(fakeTxRunner{}, outbox, signer, oracles, testWebhookConfig(), nil, testLogger())
	require.NoError(t, err)
	t.Cleanup(dispatcher.Close)
	return dispatcher, signer
}

func TestDispatcherDeliversSignedWebhook(t *testing.T) {
	var gotBody []byte
	var gotSignature string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSignature = r.Header.Get(SignatureHeader)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	outbox := newFakeOutbox(pendingWebhook(0))
	dispatcher, signer := newTestDispatcher(t, outbox, server.URL)

	attempted, err := dispatcher.ProcessPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, attempted)
	assert.Equal(t, 1, outbox.completed["evt-out-1"])

	// The receiver-side verification must recover our signing address.
	recovered, err := RecoverSigner(gotBody, gotSignature)
	require.NoError(t, err)
	assert.Equal(t, strings.ToLower(signer.Address()), recovered)

	payload, err := ParsePayload(gotBody)
	require.NoError(t, err)
	assert.Equal(t, "evt-out-1", payload.EventID)
	assert.Equal(t, types.EventEscrowValidated, payload.EventType)
}

func TestDispatcherReschedulesOnRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	outbox := newFakeOutbox(pendingWebhook(0))
	dispatcher, _ := newTestDispatcher(t, outbox, server.URL)

	before := time.Now().UTC()
	attempted, err := dispatcher.ProcessPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, attempted)

	result, ok := outbox.rescheduled["evt-out-1"]
	require.True(t, ok, "failed delivery must be rescheduled")
	assert.Equal(t, 1, result.attempts)

	// First failure backs off base * 2^1.
	delay := result.nextRetryAt.Sub(before)
	assert.InDelta(t, float64(2*time.Minute), float64(delay), float64(10*time.Second))
	assert.Empty(t, outbox.completed)
	assert.Empty(t, outbox.failed)
}

func TestDispatcherFailsTerminallyAfterBudget(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	// Already at the retry budget: the next failure is terminal.
	outbox := newFakeOutbox(pendingWebhook(3))
	dispatcher, _ := newTestDispatcher(t, outbox, server.URL)

	_, err := dispatcher.ProcessPending(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, outbox.failed["evt-out-1"])
	assert.Empty(t, outbox.rescheduled)
}

func TestDispatcherUnknownRecipient(t *testing.T) {
	webhook := pendingWebhook(0)
	webhook.Recipient = types.OracleReputation
	outbox := newFakeOutbox(webhook)
	dispatcher, _ := newTestDispatcher(t, outbox, "http://launcher.invalid")

	_, err := dispatcher.ProcessPending(context.Background())
	require.NoError(t, err)

	// No endpoint configured counts as a failed attempt, not a crash.
	result, ok := outbox.rescheduled["evt-out-1"]
	require.True(t, ok)
	assert.Equal(t, 1, result.attempts)
}

func TestDispatcherEmptyQueue(t *testing.T) {
	outbox := newFakeOutbox()
	dispatcher, _ := newTestDispatcher(t, outbox, "http://launcher.invalid")

	attempted, err := dispatcher.ProcessPending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, attempted)
}
